package storage

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"

	"github.com/glean-browser/eventsink/internal/config"
)

// setupManager starts a PostgreSQL container and returns a Manager pointed at it, plus the
// raw test database handle for assertions.
func setupManager(ctx context.Context, t *testing.T, migrate bool) (*Manager, *config.TestDatabase) {
	t.Helper()

	testDB := config.SetupTestDatabase(ctx, t, migrate)
	t.Cleanup(func() {
		_ = testDB.Connection.Close()
		_ = testcontainers.TerminateContainer(testDB.Container)
	})

	cfg := NewConfig(testDB.Host, testDB.Port,
		config.TestDatabaseUser, config.TestDatabasePassword, config.TestDatabaseName)
	require.NoError(t, cfg.Validate())

	manager := NewManager(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(func() { _ = manager.Close() })

	return manager, testDB
}
