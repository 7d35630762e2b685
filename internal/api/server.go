package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/glean-browser/eventsink/internal/api/middleware"
	"github.com/glean-browser/eventsink/internal/ingestion"
)

type (
	// Server represents the HTTP API server.
	Server struct {
		httpServer  *http.Server
		handler     http.Handler
		logger      *slog.Logger
		config      *ServerConfig
		store       ingestion.Store
		publisher   ingestion.Publisher
		rateLimiter middleware.RateLimiter
		clientKey   func(*http.Request) string
		now         func() time.Time
	}

	// Option configures optional Server dependencies.
	Option func(*Server)
)

// WithPublisher mirrors every stored event to publisher.
func WithPublisher(publisher ingestion.Publisher) Option {
	return func(s *Server) {
		s.publisher = publisher
	}
}

// WithRateLimiter limits /api/events per client. With trustProxyHeaders the client is
// taken from X-Forwarded-For instead of the peer address.
func WithRateLimiter(limiter middleware.RateLimiter, trustProxyHeaders bool) Option {
	return func(s *Server) {
		s.rateLimiter = limiter
		if trustProxyHeaders {
			s.clientKey = middleware.ForwardedClientIP
		}
	}
}

// WithClock replaces time.Now as the source of event timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Server) {
		s.now = now
	}
}

// NewServer creates a new HTTP server instance with structured logging and middleware stack.
//
// Dependencies are injected explicitly rather than being part of ServerConfig. The server
// takes ownership of every dependency that implements io.Closer and closes it on shutdown.
func NewServer(cfg *ServerConfig, logger *slog.Logger, store ingestion.Store, opts ...Option) *Server {
	server := &Server{
		logger:    logger,
		config:    cfg,
		store:     store,
		clientKey: middleware.ClientIP,
		now:       time.Now,
	}

	for _, opt := range opts {
		opt(server)
	}

	if server.rateLimiter != nil {
		logger.Info("Rate limiting middleware enabled")
	} else {
		logger.Warn("RateLimiter not configured - rate limiting middleware disabled")
	}

	if server.publisher != nil {
		logger.Info("Event mirroring enabled")
	}

	mux := http.NewServeMux()
	server.setupRoutes(mux)

	// Middleware executes in the order listed (top-to-bottom):
	//   1. CorrelationID - every response carries an ID
	//   2. Recovery - catch panics in all downstream middleware
	//   3. RequestLogger - method, path, status and duration; never bodies
	// CORS and rate limiting apply to /api/events only (see eventsHandler).
	server.handler = middleware.Apply(mux,
		middleware.WithCorrelationID(),
		middleware.WithRecovery(logger),
		middleware.WithRequestLogger(logger),
	)

	server.httpServer = &http.Server{
		Addr:              cfg.Address(),
		Handler:           server.handler,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}

	return server
}

// Handler returns the fully wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start starts the HTTP server and blocks until shutdown.
// It handles graceful shutdown on SIGINT and SIGTERM signals.
func (s *Server) Start() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return s.Run(ctx)
}

// Run serves until ctx is cancelled or the listener fails, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	if err := s.config.Validate(); err != nil {
		return fmt.Errorf("invalid server configuration: %w", err)
	}

	tlsDecision, err := s.config.ResolveTLS()
	if err != nil {
		return fmt.Errorf("invalid server configuration: %w", err)
	}

	scheme := "http"
	if tlsDecision.Enabled {
		scheme = "https"
	}

	serverErrors := make(chan error, 1)

	go func() {
		s.logger.Info("Starting eventsink API server",
			slog.String("address", s.config.Address()),
			slog.String("scheme", scheme),
			slog.Bool("tls", tlsDecision.Enabled),
			slog.String("tls_reason", tlsDecision.Reason),
			slog.Duration("read_timeout", s.config.ReadTimeout),
			slog.Duration("write_timeout", s.config.WriteTimeout),
			slog.Int64("max_request_size", s.config.MaxRequestSize),
		)

		var err error
		if tlsDecision.Enabled {
			err = s.httpServer.ListenAndServeTLS(s.config.CertFile, s.config.KeyFile)
		} else {
			err = s.httpServer.ListenAndServe()
		}

		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Server failed to start",
				slog.String("address", s.config.Address()),
				slog.String("error", err.Error()),
			)

			serverErrors <- fmt.Errorf("server failed to start: %w", err)
		}
	}()

	select {
	case err := <-serverErrors:
		s.closeDependencies()

		return err
	case <-ctx.Done():
		s.logger.Info("Received shutdown signal", slog.String("cause", context.Cause(ctx).Error()))

		return s.shutdown()
	}
}

// shutdown gracefully shuts down the server.
func (s *Server) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()

	s.logger.Info("Initiating server shutdown",
		slog.Duration("shutdown_timeout", s.config.ShutdownTimeout),
	)

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error("Server shutdown failed",
			slog.String("error", err.Error()),
			slog.Duration("shutdown_timeout", s.config.ShutdownTimeout),
		)

		s.closeDependencies()

		return fmt.Errorf("server shutdown failed: %w", err)
	}

	s.closeDependencies()

	s.logger.Info("Server shutdown completed successfully")

	return nil
}

// closeDependencies closes the rate limiter, then the publisher, then the store.
// The publisher flushes before the store goes away.
func (s *Server) closeDependencies() {
	s.closeDependency("rate limiter", s.rateLimiter)
	s.closeDependency("event publisher", s.publisher)
	s.closeDependency("event store", s.store)
}

func (s *Server) closeDependency(name string, dep any) {
	closer, ok := dep.(io.Closer)
	if !ok {
		return
	}

	s.logger.Info("Closing " + name)

	if err := closer.Close(); err != nil {
		s.logger.Error("Failed to close "+name, slog.String("error", err.Error()))

		return
	}

	s.logger.Info(name + " closed successfully")
}
