package migrations

import (
	"errors"
	"fmt"

	"github.com/glean-browser/eventsink/internal/config"
)

const defaultMigrationTable = "schema_migrations"

var (
	// ErrDatabaseURLEmpty is returned when no connection string was supplied.
	ErrDatabaseURLEmpty = errors.New("database URL cannot be empty")

	// ErrMigrationTableEmpty is returned when MIGRATION_TABLE resolves to an empty name.
	ErrMigrationTableEmpty = errors.New("migration table cannot be empty")
)

// Config holds everything a Runner needs to reach the database.
type Config struct {
	// DatabaseURL is the PostgreSQL connection string.
	DatabaseURL string

	// MigrationTable is the golang-migrate bookkeeping table.
	MigrationTable string
}

// LoadConfig builds a Config for databaseURL, reading MIGRATION_TABLE from the environment.
func LoadConfig(databaseURL string) (*Config, error) {
	cfg := &Config{
		DatabaseURL:    databaseURL,
		MigrationTable: config.GetEnvStr("MIGRATION_TABLE", defaultMigrationTable),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return ErrDatabaseURLEmpty
	}

	if c.MigrationTable == "" {
		return ErrMigrationTableEmpty
	}

	return nil
}

// String returns a representation safe for logging.
func (c *Config) String() string {
	return fmt.Sprintf("Config{DatabaseURL: %s, MigrationTable: %s}",
		config.MaskDatabaseURL(c.DatabaseURL), c.MigrationTable)
}
