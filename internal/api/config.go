// Package api provides the HTTP server of the eventsink service.
package api

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/glean-browser/eventsink/internal/config"
)

const (
	defaultPort           int    = 8080
	maxPort               int    = 65535
	defaultHost           string = "0.0.0.0"
	defaultTimeout               = 30 * time.Second
	defaultLogLevel              = slog.LevelInfo
	defaultMaxRequestSize int64  = 16 << 20 // page snapshots can be several megabytes
	defaultCertFile       string = "cert.pem"
	defaultKeyFile        string = "key.pem"
)

// TLS modes.
const (
	// TLSAuto serves TLS when both the certificate and the key file exist.
	TLSAuto TLSMode = "auto"
	// TLSOn requires both files; startup fails without them.
	TLSOn TLSMode = "on"
	// TLSOff always serves plain HTTP.
	TLSOff TLSMode = "off"
)

var (
	// ErrInvalidPort indicates the port number is outside valid range (1-65535).
	ErrInvalidPort = errors.New("invalid port")

	// ErrEmptyHost indicates the server host address is empty.
	ErrEmptyHost = errors.New("host cannot be empty")

	// ErrInvalidReadTimeout indicates the read timeout is zero or negative.
	ErrInvalidReadTimeout = errors.New("read timeout must be positive")

	// ErrInvalidWriteTimeout indicates the write timeout is zero or negative.
	ErrInvalidWriteTimeout = errors.New("write timeout must be positive")

	// ErrInvalidShutdownTimeout indicates the shutdown timeout is zero or negative.
	ErrInvalidShutdownTimeout = errors.New("shutdown timeout must be positive")

	// ErrInvalidMaxRequestSize indicates the max request size is zero or negative.
	ErrInvalidMaxRequestSize = errors.New("max request size must be positive")

	// ErrInvalidTLSMode indicates EVENTSINK_TLS_MODE is not auto, on or off.
	ErrInvalidTLSMode = errors.New("invalid TLS mode")

	// ErrTLSFilesMissing indicates TLS is required but the certificate or key is not readable.
	ErrTLSFilesMissing = errors.New("TLS certificate or key file not found")
)

type (
	// TLSMode selects how the server decides between HTTPS and plain HTTP.
	TLSMode string

	// ServerConfig holds HTTP server configuration.
	// Pure configuration only - no runtime dependencies.
	ServerConfig struct {
		Port               int
		Host               string
		ReadTimeout        time.Duration
		WriteTimeout       time.Duration
		ShutdownTimeout    time.Duration
		LogLevel           slog.Level
		MaxRequestSize     int64
		TLSMode            TLSMode
		CertFile           string
		KeyFile            string
		CORSAllowedOrigins []string
		CORSAllowedMethods []string
		CORSAllowedHeaders []string
		CORSMaxAge         int
	}

	// CORSConfig holds CORS configuration options. It implements middleware.CORSConfig.
	CORSConfig struct {
		AllowedOrigins []string
		AllowedMethods []string
		AllowedHeaders []string
		MaxAge         int
	}

	// TLSDecision is the outcome of resolving the TLS mode against the filesystem.
	TLSDecision struct {
		Enabled bool
		Reason  string
	}
)

// LoadServerConfig loads server configuration from environment variables with sensible defaults.
func LoadServerConfig() *ServerConfig {
	return &ServerConfig{
		Port:            config.GetEnvInt("PORT", defaultPort),
		Host:            config.GetEnvStr("EVENTSINK_HOST", defaultHost),
		ReadTimeout:     config.GetEnvDuration("EVENTSINK_READ_TIMEOUT", defaultTimeout),
		WriteTimeout:    config.GetEnvDuration("EVENTSINK_WRITE_TIMEOUT", defaultTimeout),
		ShutdownTimeout: config.GetEnvDuration("EVENTSINK_SHUTDOWN_TIMEOUT", defaultTimeout),
		LogLevel:        config.GetEnvLogLevel("EVENTSINK_LOG_LEVEL", defaultLogLevel),
		MaxRequestSize:  config.GetEnvInt64("EVENTSINK_MAX_REQUEST_SIZE", defaultMaxRequestSize),
		TLSMode:         TLSMode(config.GetEnvStr("EVENTSINK_TLS_MODE", string(TLSAuto))),
		CertFile:        config.GetEnvStr("SSL_CERT_FILE", defaultCertFile),
		KeyFile:         config.GetEnvStr("SSL_KEY_FILE", defaultKeyFile),
		CORSAllowedOrigins: config.ParseCommaSeparatedList(
			config.GetEnvStr("EVENTSINK_CORS_ALLOWED_ORIGINS", "*"),
		),
		CORSAllowedMethods: config.ParseCommaSeparatedList(
			config.GetEnvStr("EVENTSINK_CORS_ALLOWED_METHODS", "POST,OPTIONS"),
		),
		CORSAllowedHeaders: config.ParseCommaSeparatedList(
			config.GetEnvStr("EVENTSINK_CORS_ALLOWED_HEADERS", "Content-Type"),
		),
		CORSMaxAge: config.GetEnvInt("EVENTSINK_CORS_MAX_AGE", 0),
	}
}

// Address returns the server address in host:port format.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// ToCORSConfig converts ServerConfig CORS fields to a middleware.CORSConfig.
func (c *ServerConfig) ToCORSConfig() *CORSConfig {
	return &CORSConfig{
		AllowedOrigins: c.CORSAllowedOrigins,
		AllowedMethods: c.CORSAllowedMethods,
		AllowedHeaders: c.CORSAllowedHeaders,
		MaxAge:         c.CORSMaxAge,
	}
}

// GetAllowedOrigins returns the allowed origins for CORS.
func (c *CORSConfig) GetAllowedOrigins() []string {
	return c.AllowedOrigins
}

// GetAllowedMethods returns the allowed methods for CORS.
func (c *CORSConfig) GetAllowedMethods() []string {
	return c.AllowedMethods
}

// GetAllowedHeaders returns the allowed headers for CORS.
func (c *CORSConfig) GetAllowedHeaders() []string {
	return c.AllowedHeaders
}

// GetMaxAge returns the max age for CORS preflight cache.
func (c *CORSConfig) GetMaxAge() int {
	return c.MaxAge
}

// Validate validates the server configuration.
func (c *ServerConfig) Validate() error {
	if c.Port <= 0 || c.Port > maxPort {
		return fmt.Errorf("%w: %d, must be between 1 and %d", ErrInvalidPort, c.Port, maxPort)
	}

	if c.Host == "" {
		return ErrEmptyHost
	}

	if c.ReadTimeout <= 0 {
		return fmt.Errorf("%w: got %v", ErrInvalidReadTimeout, c.ReadTimeout)
	}

	if c.WriteTimeout <= 0 {
		return fmt.Errorf("%w: got %v", ErrInvalidWriteTimeout, c.WriteTimeout)
	}

	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("%w: got %v", ErrInvalidShutdownTimeout, c.ShutdownTimeout)
	}

	if c.MaxRequestSize <= 0 {
		return fmt.Errorf("%w: got %d bytes", ErrInvalidMaxRequestSize, c.MaxRequestSize)
	}

	switch c.TLSMode {
	case TLSAuto, TLSOn, TLSOff:
	default:
		return fmt.Errorf("%w: %q, must be auto, on or off", ErrInvalidTLSMode, c.TLSMode)
	}

	return nil
}

// ResolveTLS decides whether to serve TLS. Only TLSOn can fail, when a file is missing.
func (c *ServerConfig) ResolveTLS() (TLSDecision, error) {
	switch c.TLSMode {
	case TLSOff:
		return TLSDecision{Reason: "TLS disabled by EVENTSINK_TLS_MODE=off"}, nil
	case TLSOn:
		if missing := c.missingTLSFiles(); missing != "" {
			return TLSDecision{}, fmt.Errorf("%w: %s", ErrTLSFilesMissing, missing)
		}

		return TLSDecision{Enabled: true, Reason: "TLS required by EVENTSINK_TLS_MODE=on"}, nil
	case TLSAuto:
		if missing := c.missingTLSFiles(); missing != "" {
			return TLSDecision{Reason: "certificate files not found: " + missing}, nil
		}

		return TLSDecision{Enabled: true, Reason: "certificate and key files found"}, nil
	default:
		return TLSDecision{}, fmt.Errorf("%w: %q", ErrInvalidTLSMode, c.TLSMode)
	}
}

// missingTLSFiles names the first of CertFile and KeyFile that is not a regular file,
// or returns "" when both are present.
func (c *ServerConfig) missingTLSFiles() string {
	for _, path := range []string{c.CertFile, c.KeyFile} {
		if path == "" {
			return `""`
		}

		info, err := os.Stat(path)
		if err != nil || !info.Mode().IsRegular() {
			return path
		}
	}

	return ""
}
