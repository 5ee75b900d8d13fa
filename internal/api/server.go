package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"github.com/rs/zerolog"

	"tao-dividends/internal/domain"
	"tao-dividends/internal/metrics"
	"tao-dividends/internal/service"
)

// Querier answers dividend queries. *service.Coordinator implements it.
type Querier interface {
	Handle(ctx context.Context, query domain.DividendQuery, opts service.HandleOptions) (service.Result, error)
}

// Check probes one dependency. A nil Check reports "not_configured".
type Check func(ctx context.Context) error

// HealthChecks lists the dependencies reported by /health.
type HealthChecks struct {
	Redis    Check
	Database Check
	Ledger   Check
}

// Options configure the HTTP surface.
type Options struct {
	Addr           string
	AllowedOrigins []string
	RequestTimeout time.Duration
	HealthTimeout  time.Duration
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration

	// ApplyDefaults fills DefaultNetuid/DefaultHotkey when a request names neither.
	ApplyDefaults bool
	DefaultNetuid uint16
	DefaultHotkey string

	Auth    AuthOptions
	Metrics *metrics.Metrics
}

// Server is the public HTTP API.
type Server struct {
	querier Querier
	health  HealthChecks
	auth    *Authenticator
	opts    Options
	router  *mux.Router
	handler http.Handler
	logger  zerolog.Logger
}

// NewServer builds the router. It does not start listening.
func NewServer(querier Querier, health HealthChecks, opts Options, logger zerolog.Logger) (*Server, error) {
	if querier == nil {
		return nil, errors.New("api server requires a querier")
	}
	if opts.Addr == "" {
		opts.Addr = ":8000"
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	if opts.HealthTimeout <= 0 {
		opts.HealthTimeout = 3 * time.Second
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 15 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = opts.RequestTimeout + 5*time.Second
	}
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"*"}
	}

	auth, err := NewAuthenticator(opts.Auth)
	if err != nil {
		return nil, err
	}

	s := &Server{
		querier: querier,
		health:  health,
		auth:    auth,
		opts:    opts,
		logger:  logger.With().Str("component", "api").Logger(),
	}
	s.setupRoutes()
	return s, nil
}

func (s *Server) setupRoutes() {
	s.router = mux.NewRouter()

	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	if s.opts.Metrics != nil {
		s.router.Handle("/metrics", s.opts.Metrics.Handler()).Methods(http.MethodGet)
	}

	v1 := s.router.PathPrefix("/api/v1").Subrouter()
	v1.Use(s.auth.Middleware)
	v1.HandleFunc("/tao_dividends", s.handleDividends).Methods(http.MethodGet)

	s.router.Use(s.observeMiddleware)

	c := cors.New(cors.Options{
		AllowedOrigins: s.opts.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type", apiKeyHeader},
	})
	s.handler = c.Handler(s.router)
}

// Handler exposes the full middleware chain, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Run serves until ctx is cancelled, then drains in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       s.opts.ReadTimeout,
		WriteTimeout:      s.opts.WriteTimeout,
		IdleTimeout:       60 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.opts.Addr).Msg("api server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("listen %s: %w", s.opts.Addr, err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown api server: %w", err)
	}
	s.logger.Info().Msg("api server stopped")
	return nil
}
