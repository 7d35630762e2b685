package migrations

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	_ "github.com/lib/pq" // PostgreSQL driver
)

type (
	// Status describes where the database schema stands relative to the embedded migrations.
	Status struct {
		// Current is the applied version, 0 when nothing has been applied.
		Current int
		// Latest is the highest embedded version.
		Latest int
		// Dirty reports a migration that failed halfway and needs manual repair.
		Dirty bool
	}

	// Runner applies the embedded migrations through golang-migrate.
	// It owns a private *sql.DB that Close releases.
	Runner struct {
		config   *Config
		logger   *slog.Logger
		migrate  *migrate.Migrate
		embedded *EmbeddedMigration
	}

	// migrateLogger forwards golang-migrate's printf logging to slog.
	migrateLogger struct {
		logger  *slog.Logger
		verbose bool
	}
)

var _ migrate.Logger = (*migrateLogger)(nil)

// Pending returns how many embedded migrations have not been applied.
func (s *Status) Pending() int {
	if s.Latest <= s.Current {
		return 0
	}

	return s.Latest - s.Current
}

// UpToDate reports a clean schema at the latest embedded version.
func (s *Status) UpToDate() bool {
	return !s.Dirty && s.Current == s.Latest
}

// NewRunner validates the embedded migrations, connects to cfg.DatabaseURL and prepares
// golang-migrate. The connection is independent of any pool the caller holds, because
// closing the migrate instance also closes its database handle.
func NewRunner(ctx context.Context, cfg *Config, logger *slog.Logger) (*Runner, error) {
	return newRunner(ctx, cfg, NewEmbeddedMigration(nil), logger)
}

func newRunner(ctx context.Context, cfg *Config, embedded *EmbeddedMigration, logger *slog.Logger) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger = logger.With(slog.String("component", "migrations"))
	logger.Debug("Initializing migration runner", slog.String("config", cfg.String()))

	if err := embedded.Validate(); err != nil {
		return nil, fmt.Errorf("embedded migration validation failed: %w", err)
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{
		MigrationsTable: cfg.MigrationTable,
	})
	if err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("failed to create postgres driver: %w", err)
	}

	source, err := iofs.New(embedded.FileSystem(), ".")
	if err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("failed to create embedded migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}

	m.Log = &migrateLogger{logger: logger, verbose: logger.Enabled(ctx, slog.LevelDebug)}

	return &Runner{
		config:   cfg,
		logger:   logger,
		migrate:  m,
		embedded: embedded,
	}, nil
}

// Up applies all pending migrations. A database that is already current is not an error.
func (r *Runner) Up() error {
	if err := r.embedded.Validate(); err != nil {
		return fmt.Errorf("pre-operation validation failed: %w", err)
	}

	err := r.migrate.Up()

	switch {
	case errors.Is(err, migrate.ErrNoChange):
		r.logger.Info("Schema is up to date")
	case err != nil:
		return fmt.Errorf("migration up failed: %w", err)
	default:
		r.logger.Info("Migrations applied", slog.Int("version", r.embedded.LatestVersion()))
	}

	return nil
}

// Down rolls back the most recent migration.
func (r *Runner) Down() error {
	if err := r.embedded.Validate(); err != nil {
		return fmt.Errorf("pre-operation validation failed: %w", err)
	}

	err := r.migrate.Steps(-1)

	switch {
	case errors.Is(err, migrate.ErrNoChange), errors.Is(err, migrate.ErrNilVersion):
		r.logger.Info("No migrations to roll back")
	case err != nil:
		return fmt.Errorf("migration down failed: %w", err)
	default:
		r.logger.Info("Last migration rolled back")
	}

	return nil
}

// Status reports the applied and latest versions.
func (r *Runner) Status() (*Status, error) {
	status := &Status{Latest: r.embedded.LatestVersion()}

	version, dirty, err := r.migrate.Version()
	if err != nil {
		if errors.Is(err, migrate.ErrNilVersion) {
			return status, nil
		}

		return nil, fmt.Errorf("failed to get migration version: %w", err)
	}

	status.Current = int(version) // #nosec G115 - migration versions are three digits
	status.Dirty = dirty

	return status, nil
}

// Drop removes every table in the database, including the bookkeeping table.
func (r *Runner) Drop() error {
	r.logger.Warn("Dropping all tables")

	if err := r.migrate.Drop(); err != nil {
		return fmt.Errorf("drop operation failed: %w", err)
	}

	return nil
}

// Close releases the source and the database connection.
func (r *Runner) Close() error {
	sourceErr, dbErr := r.migrate.Close()

	var errs []error
	if sourceErr != nil {
		errs = append(errs, fmt.Errorf("source close error: %w", sourceErr))
	}

	if dbErr != nil {
		errs = append(errs, fmt.Errorf("database close error: %w", dbErr))
	}

	return errors.Join(errs...)
}

func (l *migrateLogger) Printf(format string, v ...interface{}) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintf(format, v...)))
}

func (l *migrateLogger) Verbose() bool {
	return l.verbose
}
