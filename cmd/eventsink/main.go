// Package main provides the eventsink browser telemetry ingestion service.
//
// The service accepts one JSON event per POST /api/events request and appends it to the
// browser_events table. The table is provisioned at boot; any failure before the listener
// starts exits the process with status 1.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/glean-browser/eventsink/internal/api"
	"github.com/glean-browser/eventsink/internal/api/middleware"
	"github.com/glean-browser/eventsink/internal/config"
	"github.com/glean-browser/eventsink/internal/publish"
	"github.com/glean-browser/eventsink/internal/storage"
)

// Version information.
const (
	version = "1.0.0-dev"
	name    = "eventsink"
)

// provisionGrace is added to the connect timeout to bound schema provisioning at boot.
const provisionGrace = 30 * time.Second

func main() {
	versionFlag := flag.Bool("version", false, "show version information")
	flag.Parse()

	if *versionFlag {
		fmt.Printf("%s v%s\n", name, version)
		os.Exit(0)
	}

	// Defaults file first, so every Load* below sees its values.
	appliedKeys, fileErr := config.LoadFileFromEnv()

	serverConfig := api.LoadServerConfig()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: serverConfig.LogLevel,
	}))
	slog.SetDefault(logger)

	if fileErr != nil {
		logger.Error("Failed to load configuration file", slog.String("error", fileErr.Error()))
		os.Exit(1)
	}

	logger.Info("Starting eventsink service",
		slog.String("service", name),
		slog.String("version", version),
		slog.Int("config_file_keys", len(appliedKeys)),
	)

	if err := run(logger, serverConfig); err != nil {
		logger.Error("Service failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("eventsink service stopped")
}

// run wires the service and blocks until shutdown. Every resource it opens is handed to
// the server, which closes it on the way out; on early failure run closes them itself.
func run(logger *slog.Logger, serverConfig *api.ServerConfig) error {
	if err := serverConfig.Validate(); err != nil {
		return fmt.Errorf("invalid server configuration: %w", err)
	}

	// TLS "on" with missing files must fail before the database is touched.
	if _, err := serverConfig.ResolveTLS(); err != nil {
		return fmt.Errorf("invalid server configuration: %w", err)
	}

	logger.Info("Loaded server configuration",
		slog.String("host", serverConfig.Host),
		slog.Int("port", serverConfig.Port),
		slog.Duration("read_timeout", serverConfig.ReadTimeout),
		slog.Duration("write_timeout", serverConfig.WriteTimeout),
		slog.Duration("shutdown_timeout", serverConfig.ShutdownTimeout),
		slog.String("log_level", serverConfig.LogLevel.String()),
		slog.Int64("max_request_size", serverConfig.MaxRequestSize),
		slog.String("tls_mode", string(serverConfig.TLSMode)),
	)

	storageConfig := storage.LoadConfig()
	if err := storageConfig.Validate(); err != nil {
		return fmt.Errorf("invalid database configuration: %w", err)
	}

	rateLimitConfig := middleware.LoadConfig()
	if err := rateLimitConfig.Validate(); err != nil {
		return fmt.Errorf("invalid rate limit configuration: %w", err)
	}

	publishConfig := publish.LoadConfig()

	manager := storage.NewManager(storageConfig, logger)

	ctx, cancel := context.WithTimeout(context.Background(), storageConfig.ConnectTimeout+provisionGrace)
	defer cancel()

	if err := storage.ProvisionSchema(ctx, manager, logger); err != nil {
		_ = manager.Close()

		return err
	}

	logger.Info("Database ready",
		slog.String("database_url", storageConfig.MaskDatabaseURL()),
		slog.Int("database_max_open_conns", storageConfig.MaxOpenConns),
		slog.Duration("database_conn_max_lifetime", storageConfig.ConnMaxLifetime),
	)

	store, err := storage.NewEventStore(manager, logger)
	if err != nil {
		_ = manager.Close()

		return err
	}

	var opts []api.Option

	if publishConfig.Enabled() {
		publisher, err := publish.NewKafkaPublisher(publishConfig, logger)
		if err != nil {
			_ = store.Close()

			return fmt.Errorf("invalid event mirror configuration: %w", err)
		}

		opts = append(opts, api.WithPublisher(publisher))

		logger.Info("Event mirror initialized",
			slog.Any("brokers", publishConfig.Brokers),
			slog.String("topic", publishConfig.Topic),
		)
	}

	if rateLimitConfig.Enabled {
		rateLimiter := middleware.NewInMemoryRateLimiter(rateLimitConfig)
		opts = append(opts, api.WithRateLimiter(rateLimiter, rateLimitConfig.TrustProxyHeaders))

		logger.Info("Rate limiter initialized",
			slog.Int("global_rps", rateLimitConfig.GlobalRPS),
			slog.Int("global_burst", rateLimitConfig.GlobalBurst),
			slog.Int("client_rps", rateLimitConfig.ClientRPS),
			slog.Int("client_burst", rateLimitConfig.ClientBurst),
			slog.Bool("trust_proxy_headers", rateLimitConfig.TrustProxyHeaders),
		)
	}

	return api.NewServer(serverConfig, logger, store, opts...).Start()
}
