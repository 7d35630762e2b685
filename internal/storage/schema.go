package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/lib/pq"

	"github.com/glean-browser/eventsink/migrations"
)

const eventsTable = "browser_events"

// largeTextColumns hold page-sized payloads and must be unbounded.
var largeTextColumns = []string{"html_content"}

// ErrSchemaProvisioning is returned when the table cannot be created or brought up to date.
var ErrSchemaProvisioning = errors.New("schema provisioning failed")

// ProvisionSchema brings browser_events up to date. It is safe to run on every boot:
//  1. acquires the shared connection, so an unreachable database fails here
//  2. applies pending migrations from the embedded set (creates or adopts the table)
//  3. widens any large-text column still declared with a bounded character type
//
// Nothing is ever dropped or narrowed.
func ProvisionSchema(ctx context.Context, manager *Manager, logger *slog.Logger) error {
	conn, err := manager.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSchemaProvisioning, err)
	}

	migrationConfig, err := migrations.LoadConfig(manager.Config().DSN())
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSchemaProvisioning, err)
	}

	// The runner dials its own short-lived connection because closing it also
	// closes the database handle it was given.
	runner, err := migrations.NewRunner(ctx, migrationConfig, logger)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSchemaProvisioning, err)
	}

	upErr := runner.Up()
	if closeErr := runner.Close(); closeErr != nil {
		logger.Warn("Failed to close migration runner", slog.String("error", closeErr.Error()))
	}

	if upErr != nil {
		return fmt.Errorf("%w: %w", ErrSchemaProvisioning, upErr)
	}

	for _, column := range largeTextColumns {
		if err := widenColumn(ctx, conn.DB, column, logger); err != nil {
			return fmt.Errorf("%w: %w", ErrSchemaProvisioning, err)
		}
	}

	logger.Info("Schema provisioned", slog.String("table", eventsTable))

	return nil
}

// widenColumn changes column to TEXT when it is a bounded character type.
func widenColumn(ctx context.Context, db *sql.DB, column string, logger *slog.Logger) error {
	var dataType string

	err := db.QueryRowContext(ctx, `
		SELECT data_type
		FROM information_schema.columns
		WHERE table_schema = current_schema() AND table_name = $1 AND column_name = $2`,
		eventsTable, column,
	).Scan(&dataType)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("column %s.%s does not exist", eventsTable, column)
	}

	if err != nil {
		return fmt.Errorf("failed to inspect column %s.%s: %w", eventsTable, column, err)
	}

	switch dataType {
	case "character varying", "character":
	default:
		return nil
	}

	stmt := fmt.Sprintf("ALTER TABLE %s ALTER COLUMN %s TYPE TEXT",
		pq.QuoteIdentifier(eventsTable), pq.QuoteIdentifier(column))

	if _, err := db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("failed to widen column %s.%s: %w", eventsTable, column, err)
	}

	logger.Info("Widened column to TEXT",
		slog.String("table", eventsTable),
		slog.String("column", column),
		slog.String("previous_type", dataType),
	)

	return nil
}
