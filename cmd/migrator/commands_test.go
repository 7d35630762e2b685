package main

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glean-browser/eventsink/migrations"
)

var errMigrationFailed = errors.New("migration failed")

type fakeRunner struct {
	status  migrations.Status
	upErr   error
	calls   []string
	closed  bool
	gotURL  string
	dropped bool
}

func (f *fakeRunner) Up() error {
	f.calls = append(f.calls, "up")
	if f.upErr != nil {
		return f.upErr
	}

	f.status.Current = f.status.Latest

	return nil
}

func (f *fakeRunner) Down() error {
	f.calls = append(f.calls, "down")
	if f.status.Current > 0 {
		f.status.Current--
	}

	return nil
}

func (f *fakeRunner) Status() (*migrations.Status, error) {
	f.calls = append(f.calls, "status")
	status := f.status

	return &status, nil
}

func (f *fakeRunner) Drop() error {
	f.calls = append(f.calls, "drop")
	f.dropped = true

	return nil
}

func (f *fakeRunner) Close() error {
	f.closed = true

	return nil
}

func execute(t *testing.T, runner *fakeRunner, stdin string, args ...string) (string, error) {
	t.Helper()

	t.Setenv("EVENTSINK_CONFIG_PATH", t.TempDir()+"/absent.yaml")

	open := func(_ context.Context, databaseURL string, _ *slog.Logger) (migrationRunner, error) {
		runner.gotURL = databaseURL

		return runner, nil
	}

	var out bytes.Buffer

	cmd := newRootCmd(open, strings.NewReader(stdin), &out)
	cmd.SetArgs(args)

	err := cmd.Execute()

	return out.String(), err
}

func TestMigratorCommands(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	t.Run("up prints status", func(t *testing.T) {
		runner := &fakeRunner{status: migrations.Status{Current: 0, Latest: 2}}

		out, err := execute(t, runner, "", "up", "--database-url", "postgres://u:secret@db:5432/x")
		require.NoError(t, err)

		assert.Equal(t, []string{"up", "status"}, runner.calls)
		assert.Equal(t, "postgres://u:secret@db:5432/x", runner.gotURL)
		assert.Contains(t, out, "Current version: 002")
		assert.Contains(t, out, "up to date")
		assert.True(t, runner.closed)
	})

	t.Run("status with pending", func(t *testing.T) {
		runner := &fakeRunner{status: migrations.Status{Current: 1, Latest: 2}}

		out, err := execute(t, runner, "", "status", "--database-url", "postgres://x")
		require.NoError(t, err)
		assert.Contains(t, out, "1 pending")
	})

	t.Run("version marks dirty", func(t *testing.T) {
		runner := &fakeRunner{status: migrations.Status{Current: 2, Latest: 2, Dirty: true}}

		out, err := execute(t, runner, "", "version", "--database-url", "postgres://x")
		require.NoError(t, err)
		assert.Equal(t, "002 (dirty)\n", out)
	})

	t.Run("down", func(t *testing.T) {
		runner := &fakeRunner{status: migrations.Status{Current: 2, Latest: 2}}

		out, err := execute(t, runner, "", "down", "--database-url", "postgres://x")
		require.NoError(t, err)
		assert.Contains(t, out, "Current version: 001")
	})

	t.Run("up failure is returned and runner closed", func(t *testing.T) {
		runner := &fakeRunner{upErr: errMigrationFailed}

		_, err := execute(t, runner, "", "up", "--database-url", "postgres://x")
		require.ErrorIs(t, err, errMigrationFailed)
		assert.True(t, runner.closed)
	})

	t.Run("default url from DB variables", func(t *testing.T) {
		t.Setenv("DATABASE_URL", "")
		t.Setenv("DB_HOST", "db.internal")
		t.Setenv("DB_NAME", "events")

		runner := &fakeRunner{}

		_, err := execute(t, runner, "", "status")
		require.NoError(t, err)
		assert.Contains(t, runner.gotURL, "db.internal:5432/events")
	})

	t.Run("DATABASE_URL wins over DB variables", func(t *testing.T) {
		t.Setenv("DATABASE_URL", "postgres://env@elsewhere/db")
		t.Setenv("DB_HOST", "db.internal")

		runner := &fakeRunner{}

		_, err := execute(t, runner, "", "status")
		require.NoError(t, err)
		assert.Equal(t, "postgres://env@elsewhere/db", runner.gotURL)
	})
}

func TestDropConfirmation(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tests := []struct {
		name    string
		stdin   string
		args    []string
		dropped bool
	}{
		{"declined", "n\n", nil, false},
		{"empty answer", "\n", nil, false},
		{"no input", "", nil, false},
		{"confirmed", "y\n", nil, true},
		{"confirmed yes", "YES\n", nil, true},
		{"flag skips prompt", "", []string{"--yes"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := &fakeRunner{}

			args := append([]string{"drop", "--database-url", "postgres://x"}, tt.args...)

			out, err := execute(t, runner, tt.stdin, args...)
			require.NoError(t, err)

			assert.Equal(t, tt.dropped, runner.dropped)

			if tt.dropped {
				assert.Contains(t, out, "All tables dropped.")
			} else {
				assert.Contains(t, out, "Operation cancelled.")
			}
		})
	}
}
