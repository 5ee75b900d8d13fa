package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config describes logger runtime configuration.
type Config struct {
	Level       string     `mapstructure:"level"`
	Format      string     `mapstructure:"format"`
	TimeFormat  string     `mapstructure:"time_format"`
	Caller      bool       `mapstructure:"caller"`
	PrettyPrint bool       `mapstructure:"pretty"`
	File        FileConfig `mapstructure:"file"`
}

// FileConfig enables a rotated JSON log file next to stdout.
type FileConfig struct {
	Path       string `mapstructure:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// NewLogger constructs a zerolog logger from config.
func NewLogger(cfg Config) zerolog.Logger {
	return newLogger(cfg, os.Stdout)
}

func newLogger(cfg Config, stdout io.Writer) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339
	if cfg.TimeFormat != "" {
		zerolog.TimeFieldFormat = cfg.TimeFormat
	}

	level := zerolog.InfoLevel
	if parsed, err := zerolog.ParseLevel(strings.ToLower(cfg.Level)); err == nil && cfg.Level != "" {
		level = parsed
	}

	logger := zerolog.New(logWriter(cfg, stdout)).Level(level)
	builder := logger.With().Timestamp()
	if cfg.Caller {
		builder = builder.Caller()
	}

	return builder.Logger()
}

func logWriter(cfg Config, stdout io.Writer) io.Writer {
	var console io.Writer = stdout
	if cfg.PrettyPrint || strings.EqualFold(cfg.Format, "console") {
		console = zerolog.ConsoleWriter{
			Out:        stdout,
			TimeFormat: zerolog.TimeFieldFormat,
		}
	}
	if cfg.File.Path == "" {
		return console
	}

	rotated := &lumberjack.Logger{
		Filename:   cfg.File.Path,
		MaxSize:    cfg.File.MaxSizeMB,
		MaxBackups: cfg.File.MaxBackups,
		MaxAge:     cfg.File.MaxAgeDays,
		Compress:   cfg.File.Compress,
	}
	return zerolog.MultiLevelWriter(console, rotated)
}

// CronLogger adapts a zerolog logger to robfig/cron.
func CronLogger(logger zerolog.Logger) cron.Logger {
	return cronLogger{logger: logger}
}

type cronLogger struct {
	logger zerolog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.logger.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
