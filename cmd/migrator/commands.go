package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/glean-browser/eventsink/internal/config"
	"github.com/glean-browser/eventsink/internal/storage"
	"github.com/glean-browser/eventsink/migrations"
)

type (
	// migrationRunner is the part of migrations.Runner the commands use.
	migrationRunner interface {
		Up() error
		Down() error
		Status() (*migrations.Status, error)
		Drop() error
		Close() error
	}

	// runnerOpener connects a runner to databaseURL.
	runnerOpener func(ctx context.Context, databaseURL string, logger *slog.Logger) (migrationRunner, error)

	cli struct {
		open        runnerOpener
		in          io.Reader
		out         io.Writer
		databaseURL string
		verbose     bool
	}
)

func openRunner(ctx context.Context, databaseURL string, logger *slog.Logger) (migrationRunner, error) {
	cfg, err := migrations.LoadConfig(databaseURL)
	if err != nil {
		return nil, err
	}

	runner, err := migrations.NewRunner(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	return runner, nil
}

// defaultDatabaseURL prefers DATABASE_URL and falls back to the server's DB_* settings.
func defaultDatabaseURL() string {
	if url := config.GetEnvStr("DATABASE_URL", ""); url != "" {
		return url
	}

	return storage.LoadConfig().DSN()
}

func newRootCmd(open runnerOpener, in io.Reader, out io.Writer) *cobra.Command {
	c := &cli{open: open, in: in, out: out}

	rootCmd := &cobra.Command{
		Use:          name,
		Short:        "Database migration tool for eventsink",
		Version:      version,
		SilenceUsage: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			_, err := config.LoadFileFromEnv()

			return err
		},
	}

	rootCmd.SetIn(in)
	rootCmd.SetOut(out)
	rootCmd.SetErr(out)

	rootCmd.PersistentFlags().StringVar(&c.databaseURL, "database-url", "",
		"PostgreSQL connection URL (default: DATABASE_URL or DB_* variables)")
	rootCmd.PersistentFlags().BoolVarP(&c.verbose, "verbose", "v", false, "log migration steps")

	rootCmd.AddCommand(c.upCmd())
	rootCmd.AddCommand(c.downCmd())
	rootCmd.AddCommand(c.statusCmd())
	rootCmd.AddCommand(c.versionCmd())
	rootCmd.AddCommand(c.dropCmd())

	return rootCmd
}

// withRunner opens a runner for the duration of fn.
func (c *cli) withRunner(cmd *cobra.Command, fn func(migrationRunner) error) error {
	level := slog.LevelWarn
	if c.verbose {
		level = slog.LevelDebug
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	databaseURL := c.databaseURL
	if databaseURL == "" {
		databaseURL = defaultDatabaseURL()
	}

	runner, err := c.open(cmd.Context(), databaseURL, logger)
	if err != nil {
		return fmt.Errorf("failed to create migration runner for %s: %w", config.MaskDatabaseURL(databaseURL), err)
	}

	defer func() {
		if closeErr := runner.Close(); closeErr != nil {
			logger.Warn("Failed to close migration runner", slog.String("error", closeErr.Error()))
		}
	}()

	return fn(runner)
}

func (c *cli) upCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withRunner(cmd, func(r migrationRunner) error {
				if err := r.Up(); err != nil {
					return err
				}

				return c.printStatus(r)
			})
		},
	}
}

func (c *cli) downCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "down",
		Short: "Roll back the last migration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withRunner(cmd, func(r migrationRunner) error {
				if err := r.Down(); err != nil {
					return err
				}

				return c.printStatus(r)
			})
		},
	}
}

func (c *cli) statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show applied, latest and pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withRunner(cmd, c.printStatus)
		},
	}
}

func (c *cli) versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show the current schema version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withRunner(cmd, func(r migrationRunner) error {
				status, err := r.Status()
				if err != nil {
					return err
				}

				dirty := ""
				if status.Dirty {
					dirty = " (dirty)"
				}

				_, err = fmt.Fprintf(c.out, "%03d%s\n", status.Current, dirty)

				return err
			})
		},
	}
}

func (c *cli) dropCmd() *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "drop",
		Short: "Drop all tables (requires confirmation)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !yes && !c.confirm("WARNING: This will drop all tables, including browser_events. Are you sure? (y/N): ") {
				_, err := fmt.Fprintln(c.out, "Operation cancelled.")

				return err
			}

			return c.withRunner(cmd, func(r migrationRunner) error {
				if err := r.Drop(); err != nil {
					return err
				}

				_, err := fmt.Fprintln(c.out, "All tables dropped.")

				return err
			})
		},
	}

	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "skip the confirmation prompt")

	return cmd
}

func (c *cli) confirm(prompt string) bool {
	_, _ = fmt.Fprint(c.out, prompt)

	line, err := bufio.NewReader(c.in).ReadString('\n')
	if err != nil && line == "" {
		return false
	}

	answer := strings.ToLower(strings.TrimSpace(line))

	return answer == "y" || answer == "yes"
}

func (c *cli) printStatus(r migrationRunner) error {
	status, err := r.Status()
	if err != nil {
		return err
	}

	state := "up to date"

	switch {
	case status.Dirty:
		state = "dirty, repair the failed migration manually"
	case status.Pending() > 0:
		state = fmt.Sprintf("%d pending", status.Pending())
	}

	_, err = fmt.Fprintf(c.out, "Current version: %03d\nLatest version:  %03d\nState:           %s\n",
		status.Current, status.Latest, state)

	return err
}
