package storage

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/glean-browser/eventsink/internal/config"
)

const (
	defaultHost            = "localhost"
	defaultPort            = 5432
	defaultUser            = "test"
	defaultPassword        = "test" // pragma: allowlist secret
	defaultName            = "browser_data"
	defaultSSLMode         = "disable"
	defaultConnectTimeout  = 5 * time.Second
	defaultMaxOpenConns    = 1
	defaultMaxIdleConns    = 1
	defaultConnMaxLifetime = 30 * time.Minute

	maxPort = 65535
)

var (
	// ErrHostEmpty is returned when DB_HOST resolves to an empty string.
	ErrHostEmpty = errors.New("database host cannot be empty")
	// ErrUserEmpty is returned when DB_USER resolves to an empty string.
	ErrUserEmpty = errors.New("database user cannot be empty")
	// ErrNameEmpty is returned when DB_NAME resolves to an empty string.
	ErrNameEmpty = errors.New("database name cannot be empty")
	// ErrInvalidPort is returned when DB_PORT is outside 1-65535.
	ErrInvalidPort = errors.New("database port must be between 1 and 65535")
	// ErrInvalidSSLMode is returned for an sslmode lib/pq does not understand.
	ErrInvalidSSLMode = errors.New("invalid database sslmode")
	// ErrInvalidConnectTimeout is returned when DB_CONNECT_TIMEOUT is not positive.
	ErrInvalidConnectTimeout = errors.New("database connect timeout must be positive")
	// ErrInvalidPoolSize is returned for negative pool bounds.
	ErrInvalidPoolSize = errors.New("database pool sizes cannot be negative")
)

// Config holds PostgreSQL connection configuration.
type Config struct {
	Host     string
	Port     int
	User     string
	password string
	Name     string
	SSLMode  string

	ConnectTimeout  time.Duration // Bound on dialing plus the first ping
	MaxOpenConns    int           // Maximum number of open connections
	MaxIdleConns    int           // Maximum number of idle connections
	ConnMaxLifetime time.Duration // Maximum lifetime of connections
}

// NewConfig returns a Config for the given server with default pool settings.
func NewConfig(host string, port int, user, password, name string) *Config {
	return &Config{
		Host:            host,
		Port:            port,
		User:            user,
		password:        password,
		Name:            name,
		SSLMode:         defaultSSLMode,
		ConnectTimeout:  defaultConnectTimeout,
		MaxOpenConns:    defaultMaxOpenConns,
		MaxIdleConns:    defaultMaxIdleConns,
		ConnMaxLifetime: defaultConnMaxLifetime,
	}
}

// LoadConfig loads PostgreSQL configuration from DB_* environment variables with fallback to defaults.
func LoadConfig() *Config {
	cfg := NewConfig(
		config.GetEnvStr("DB_HOST", defaultHost),
		config.GetEnvInt("DB_PORT", defaultPort),
		config.GetEnvStr("DB_USER", defaultUser),
		config.GetEnvStr("DB_PASSWORD", defaultPassword),
		config.GetEnvStr("DB_NAME", defaultName),
	)

	cfg.SSLMode = config.GetEnvStr("DB_SSLMODE", defaultSSLMode)
	cfg.ConnectTimeout = config.GetEnvDuration("DB_CONNECT_TIMEOUT", defaultConnectTimeout)
	cfg.MaxOpenConns = config.GetEnvInt("DB_MAX_OPEN_CONNS", defaultMaxOpenConns)
	cfg.MaxIdleConns = config.GetEnvInt("DB_MAX_IDLE_CONNS", defaultMaxIdleConns)
	cfg.ConnMaxLifetime = config.GetEnvDuration("DB_CONN_MAX_LIFETIME", defaultConnMaxLifetime)

	return cfg
}

// Validate checks if the PostgreSQL configuration is valid.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Host) == "" {
		return ErrHostEmpty
	}

	if strings.TrimSpace(c.User) == "" {
		return ErrUserEmpty
	}

	if strings.TrimSpace(c.Name) == "" {
		return ErrNameEmpty
	}

	if c.Port < 1 || c.Port > maxPort {
		return fmt.Errorf("%w: got %d", ErrInvalidPort, c.Port)
	}

	switch c.SSLMode {
	case "disable", "allow", "prefer", "require", "verify-ca", "verify-full":
	default:
		return fmt.Errorf("%w: %q", ErrInvalidSSLMode, c.SSLMode)
	}

	if c.ConnectTimeout <= 0 {
		return ErrInvalidConnectTimeout
	}

	if c.MaxOpenConns < 0 || c.MaxIdleConns < 0 {
		return ErrInvalidPoolSize
	}

	return nil
}

// DSN returns the postgres:// connection URL understood by lib/pq.
func (c *Config) DSN() string {
	query := url.Values{}
	query.Set("sslmode", c.SSLMode)

	// lib/pq takes whole seconds; anything below one second rounds up.
	timeoutSeconds := int((c.ConnectTimeout + time.Second - 1) / time.Second)
	if timeoutSeconds > 0 {
		query.Set("connect_timeout", strconv.Itoa(timeoutSeconds))
	}

	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.User, c.password),
		Host:     net.JoinHostPort(c.Host, strconv.Itoa(c.Port)),
		Path:     "/" + c.Name,
		RawQuery: query.Encode(),
	}

	return u.String()
}

// MaskDatabaseURL returns the DSN with the password hidden, safe for logging.
func (c *Config) MaskDatabaseURL() string {
	return config.MaskDatabaseURL(c.DSN())
}
