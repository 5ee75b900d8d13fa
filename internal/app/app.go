package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"tao-dividends/internal/alerting"
	"tao-dividends/internal/cache"
	"tao-dividends/internal/config"
	"tao-dividends/internal/decision"
	"tao-dividends/internal/ledger"
	"tao-dividends/internal/metrics"
	"tao-dividends/internal/retry"
	"tao-dividends/internal/sentiment"
	"tao-dividends/internal/service"
	"tao-dividends/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config  *config.Config
	Logger  zerolog.Logger
	Metrics *metrics.Metrics
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{
		Config:  cfg,
		Logger:  logger.With().Str("component", "app").Logger(),
		Metrics: metrics.New(),
	}
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	if a.Config.Database.AutoMigrate {
		applied, err := storage.Migrate(ctx, pool)
		if err != nil {
			store.Close()
			return nil, nil, err
		}
		if len(applied) > 0 {
			a.Logger.Info().Strs("migrations", applied).Msg("database migrations applied")
		}
	}

	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

func (a *App) openRedis(ctx context.Context) (*redis.Client, error) {
	if a.Config.Redis.URL == "" {
		return nil, nil
	}
	opts, err := redis.ParseURL(a.Config.Redis.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

func (a *App) newLedger() *ledger.Client {
	cfg := a.Config.Ledger
	return ledger.New(ledger.Options{
		URL:     cfg.RPCURL,
		APIKey:  cfg.APIKey,
		Timeout: cfg.RequestTimeout,
		Retry: retry.Policy{
			MaxAttempts:    cfg.MaxAttempts,
			InitialBackoff: cfg.InitialBackoff,
			MaxBackoff:     cfg.MaxBackoff,
			Multiplier:     2,
			Jitter:         true,
		},
		WriteRate:        cfg.WriteRate,
		WriteBurst:       cfg.WriteBurst,
		SS58Prefix:       cfg.SS58Prefix,
		ValidateAccounts: cfg.ValidateAccounts,
		Metrics:          a.Metrics,
	}, a.Logger)
}

// newCache returns the value cache and a stop function for its background eviction.
func (a *App) newCache(rdb *redis.Client) (*cache.Cache, func(), error) {
	cfg := a.Config.Cache
	stop := func() {}

	var store cache.Store
	switch cfg.Backend {
	case "redis":
		if rdb == nil {
			return nil, nil, errors.New("cache.backend redis requires redis.url")
		}
		store = cache.NewRedisStore(rdb, a.Config.Redis.Prefix)
	case "memory", "tiered":
		local := cache.NewMemoryStore(nil)
		if cfg.EvictionSpec != "" {
			var err error
			stop, err = local.StartEviction(cfg.EvictionSpec, a.Logger)
			if err != nil {
				return nil, nil, err
			}
		}
		store = local
		if cfg.Backend == "tiered" {
			if rdb == nil {
				stop()
				return nil, nil, errors.New("cache.backend tiered requires redis.url")
			}
			store = cache.NewTieredStore(local, cache.NewRedisStore(rdb, a.Config.Redis.Prefix), nil)
		}
	default:
		return nil, nil, fmt.Errorf("unknown cache backend %q", cfg.Backend)
	}

	return cache.New(store, cache.Options{
		TTL:          cfg.TTL,
		FetchTimeout: cfg.FetchTimeout,
		Metrics:      a.Metrics,
	}, a.Logger), stop, nil
}

func (a *App) newScorer() (*sentiment.Scorer, error) {
	cfg := a.Config.Sentiment

	var sources []sentiment.Source
	for _, name := range cfg.Sources {
		switch strings.TrimSpace(name) {
		case "tweets":
			if cfg.Datura.APIKey == "" || cfg.Groq.APIKey == "" {
				return nil, errors.New("sentiment.datura.api_key 与 sentiment.groq.api_key 必须配置")
			}
			sources = append(sources, &sentiment.TweetSource{
				Label: "tweets",
				Fetcher: sentiment.NewDatura(sentiment.DaturaOptions{
					URL:        cfg.Datura.URL,
					APIKey:     cfg.Datura.APIKey,
					MaxResults: cfg.Datura.MaxResults,
					Timeout:    cfg.Datura.Timeout,
				}, a.Logger),
				Classifier: sentiment.NewGroq(sentiment.GroqOptions{
					BaseURL: cfg.Groq.BaseURL,
					APIKey:  cfg.Groq.APIKey,
					Model:   cfg.Groq.Model,
					Timeout: cfg.Groq.Timeout,
				}, a.Logger),
			})
		case "static":
			sources = append(sources, sentiment.StaticSource{
				Label:  "static",
				Result: sentiment.Sample{Score: cfg.StaticScore, Count: 1},
			})
		default:
			return nil, fmt.Errorf("unknown sentiment source %q", name)
		}
	}

	return sentiment.NewScorer(sources, sentiment.Options{
		Aggregation:   sentiment.Aggregation(cfg.Aggregation),
		SourceTimeout: cfg.SourceTimeout,
		Breaker: sentiment.BreakerSettings{
			MaxFailures: cfg.BreakerMaxFailures,
			OpenTimeout: cfg.BreakerOpenTimeout,
		},
		Metrics: a.Metrics,
	}, a.Logger)
}

func (a *App) policy() decision.Policy {
	cfg := a.Config.Decision
	return decision.Policy{
		ThresholdHi: cfg.ThresholdHigh,
		ThresholdLo: cfg.ThresholdLow,
		ScoreCap:    cfg.ScoreCap,
		TaoPerPoint: cfg.TaoPerPoint,
		MaxStakeTao: cfg.MaxStakeTao,
	}
}

func (a *App) newNotifier() alerting.Notifier {
	if a.Config.Alerting.Enabled && a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		return alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, cfg.Timeout, a.Logger)
	}
	return nil
}

// components is the wired trade path shared by serve, reconcile and trade.
type components struct {
	pg       *storage.Store
	redis    *redis.Client
	store    storage.TransactionStore
	queries  storage.QueryLogStore
	ledger   *ledger.Client
	cache    *cache.Cache
	engine   *decision.Engine
	pipeline *service.Pipeline
	notifier alerting.Notifier

	closers []func()
}

func (c *components) Close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		c.closers[i]()
	}
}

// build wires storage, redis, ledger, cache and the decision engine. The sentiment
// scorer, and with it the pipeline, is only built when withPipeline is set.
func (a *App) build(ctx context.Context, withPipeline bool) (*components, error) {
	c := &components{}
	ok := false
	defer func() {
		if !ok {
			c.Close()
		}
	}()

	pg, closeStore, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}
	if pg != nil {
		c.pg = pg
		c.store = pg
		c.queries = pg
		c.closers = append(c.closers, closeStore)
	} else {
		a.Logger.Warn().Msg("database.dsn not configured; transactions are kept in memory only")
		mem := storage.NewMemoryStore()
		c.store = mem
		c.queries = mem
	}

	c.redis, err = a.openRedis(ctx)
	if err != nil {
		return nil, err
	}
	if c.redis != nil {
		rdb := c.redis
		c.closers = append(c.closers, func() { _ = rdb.Close() })
	}

	c.ledger = a.newLedger()
	c.closers = append(c.closers, c.ledger.Close)

	var stopEviction func()
	c.cache, stopEviction, err = a.newCache(c.redis)
	if err != nil {
		return nil, err
	}
	c.closers = append(c.closers, stopEviction)

	c.engine, err = decision.NewEngine(c.store, c.ledger, decision.Options{
		Policy:         a.policy(),
		PersistTimeout: a.Config.Decision.PersistTimeout,
		Invalidator:    c.cache,
		Metrics:        a.Metrics,
	}, a.Logger)
	if err != nil {
		return nil, err
	}

	c.notifier = a.newNotifier()
	if withPipeline {
		scorer, err := a.newScorer()
		if err != nil {
			return nil, err
		}
		c.pipeline = service.NewPipeline(scorer, c.engine, c.notifier, a.Logger)
	}

	ok = true
	return c, nil
}

func consumerName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "taodividends"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}
