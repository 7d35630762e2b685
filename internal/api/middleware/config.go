package middleware

import (
	"time"

	"github.com/glean-browser/eventsink/internal/config"
)

// Config holds rate limiter configuration.
//
// Rate limits specify requests per second (RPS) for two tiers:
//   - Global: Applied to all requests
//   - Per-client: Applied to each client IP address
//
// Burst capacity allows temporary bursts above sustained rate.
// If burst fields are 0, they are computed automatically as 2 × rate.
type Config struct {
	Enabled bool // Default: true

	// Rate limits (requests per second)
	GlobalRPS int // Default: 500
	ClientRPS int // Default: 100

	// Optional burst capacity overrides (0 = compute automatically as 2 × rate)
	GlobalBurst int
	ClientBurst int

	// TrustProxyHeaders makes the first X-Forwarded-For entry the client key.
	// Only enable behind a proxy that overwrites the header.
	TrustProxyHeaders bool

	// Memory cleanup configuration
	CleanupInterval time.Duration // Default: 5 minutes
	IdleTimeout     time.Duration // Default: 1 hour
	MaxClients      int           // Default: 10,000
}

// LoadConfig loads rate limiter config from environment variables with fallback to defaults.
func LoadConfig() *Config {
	return &Config{
		Enabled: config.GetEnvBool("EVENTSINK_RATE_LIMIT_ENABLED", true),

		GlobalRPS: config.GetEnvInt("EVENTSINK_GLOBAL_RPS", defaultGlobalRPS),
		ClientRPS: config.GetEnvInt("EVENTSINK_CLIENT_RPS", defaultClientRPS),

		GlobalBurst: config.GetEnvInt("EVENTSINK_GLOBAL_BURST", 0),
		ClientBurst: config.GetEnvInt("EVENTSINK_CLIENT_BURST", 0),

		TrustProxyHeaders: config.GetEnvBool("EVENTSINK_TRUST_PROXY_HEADERS", false),

		CleanupInterval: config.GetEnvDuration(
			"EVENTSINK_RATE_LIMIT_CLEANUP_INTERVAL", rateLimiterCleanupInterval,
		),
		IdleTimeout: config.GetEnvDuration("EVENTSINK_RATE_LIMIT_IDLE_TIMEOUT", rateLimiterIdleTimeout),
		MaxClients:  config.GetEnvInt("EVENTSINK_RATE_LIMIT_MAX_CLIENTS", defaultMaxClients),
	}
}

// Validate checks the limits when rate limiting is enabled.
func (c *Config) Validate() error {
	if !c.Enabled {
		return nil
	}

	if c.GlobalRPS <= 0 || c.ClientRPS <= 0 {
		return ErrInvalidRate
	}

	if c.GlobalBurst < 0 || c.ClientBurst < 0 {
		return ErrInvalidBurst
	}

	if c.MaxClients <= 0 {
		return ErrInvalidMaxClients
	}

	return nil
}
