package config

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file" // used to run migrations using source files
	_ "github.com/lib/pq"                                 // PostgreSQL driver
)

const (
	occurrenceCount = 2
	startUpTimeOut  = 120 * time.Second

	// TestDatabaseName, TestDatabaseUser and TestDatabasePassword are the credentials
	// of every container started by SetupTestDatabase.
	TestDatabaseName     = "browser_data_test"
	TestDatabaseUser     = "test"
	TestDatabasePassword = "test"
)

// TestDatabase encapsulates test database resources for cleanup.
// Used by integration tests across multiple packages to maintain consistent test infrastructure.
type TestDatabase struct {
	Container  *postgres.PostgresContainer
	Connection *sql.DB
	// URL is the postgres:// connection string (sslmode=disable) of the container.
	URL string
	// Host and Port are the externally mapped address of the container.
	Host string
	Port int
}

// SetupTestDatabase creates a PostgreSQL container, optionally running migrations.
// This is the standard way to set up integration test databases across all packages.
//
// Usage:
//
//	func TestMyFeature(t *testing.T) {
//		if testing.Short() {
//			t.Skip("skipping integration test in short mode")
//		}
//		ctx := context.Background()
//		testDB := config.SetupTestDatabase(ctx, t, true)
//		t.Cleanup(func() {
//			_ = testDB.Connection.Close()
//			_ = testcontainers.TerminateContainer(testDB.Container)
//		})
//		// ... your test code
//	}
//
// With migrate=false the database is left empty, which is what schema provisioning
// tests need. Cleanup is the caller's responsibility using t.Cleanup().
func SetupTestDatabase(ctx context.Context, t *testing.T, migrate bool) *TestDatabase {
	t.Helper()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase(TestDatabaseName),
		postgres.WithUsername(TestDatabaseUser),
		postgres.WithPassword(TestDatabasePassword),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(occurrenceCount).
				WithStartupTimeout(startUpTimeOut),
		),
	)
	require.NoError(t, err, "Failed to start postgres container")
	require.NotNil(t, pgContainer, "postgres container is nil")

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err, "Failed to get connection string")

	host, err := pgContainer.Host(ctx)
	require.NoError(t, err, "Failed to get container host")

	mappedPort, err := pgContainer.MappedPort(ctx, "5432/tcp")
	require.NoError(t, err, "Failed to get mapped port")

	conn, err := sql.Open("postgres", connStr)
	require.NoError(t, err, "Failed to open database")

	if migrate {
		if err := RunTestMigrations(conn); err != nil {
			_ = conn.Close()
			_ = testcontainers.TerminateContainer(pgContainer)

			t.Fatalf("Failed to run migrations: %v", err)
		}
	}

	return &TestDatabase{
		Container:  pgContainer,
		Connection: conn,
		URL:        connStr,
		Host:       host,
		Port:       mappedPort.Int(),
	}
}

// RunTestMigrations applies all migrations from the migrations directory using golang-migrate.
// This function uses file:// source pointing to actual migrations directory (no duplication).
//
// The migration path is relative to the package calling this function, which works
// because every caller (internal/api, internal/storage) sits two levels below the root.
//
// The migrate instance is deliberately not closed: its postgres driver would close db with it.
func RunTestMigrations(db *sql.DB) error {
	driver, err := migratepg.WithInstance(db, &migratepg.Config{})
	if err != nil {
		return err
	}

	m, err := migrate.NewWithDatabaseInstance(
		"file://../../migrations",
		"postgres",
		driver,
	)
	if err != nil {
		return err
	}

	// ErrNoChange is not an error - it means migrations are already applied
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}

	return nil
}
