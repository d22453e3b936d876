package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"cloud.google.com/go/civil"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"recurbill/internal/app"
	"recurbill/internal/config"
	"recurbill/internal/errors"
	"recurbill/internal/logger"
	"recurbill/internal/storage"
)

type rootOptions struct {
	configPath string
	logLevel   string

	cfg *config.Config
	log *zap.SugaredLogger
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:   "recurbill",
		Short: "Recurring job scheduler for contractor billing",
		Long: `recurbill turns recurring jobs into dated occurrences, tracks them through
completion, and invoices completed work.

Examples:
  recurbill serve --config config.json     # Run the HTTP API and the refresh ticker
  recurbill refresh --as-of 2024-03-01      # Materialize every job and print the due list
  recurbill backup /var/backups/rb.db      # Write a verified copy of the database
  recurbill purge --before 2023-01-01      # Delete jobs that ended before a date`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return errors.Wrap(err, "load config")
			}
			if opts.logLevel != "" {
				cfg.LogLevel = opts.logLevel
			}
			log, err := logger.New(cfg.LogLevel, cfg.LogJSON)
			if err != nil {
				return err
			}
			opts.cfg = cfg
			opts.log = log
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if opts.log != nil {
				_ = opts.log.Sync()
			}
		},
	}

	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to a JSON config file")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override the configured log level")

	root.AddCommand(
		newServeCmd(opts),
		newRefreshCmd(opts),
		newBackupCmd(opts),
		newPurgeCmd(opts),
		newStatsCmd(opts),
		newMigrateStatusCmd(opts),
	)
	return root
}

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the periodic refresh",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := app.New(ctx, opts.cfg, opts.log)
			if err != nil {
				return err
			}
			if err := a.Start(ctx); err != nil {
				return err
			}

			<-ctx.Done()
			opts.log.Infow("Shutdown signal received, initiating graceful shutdown")
			return a.Stop(context.Background())
		},
	}
}

// openApp builds the application for a one-shot command: no ticker and no
// refresh on start.
func openApp(ctx context.Context, opts *rootOptions) (*app.Application, error) {
	cfg := *opts.cfg
	cfg.Scheduler.TickSchedule = ""
	cfg.Scheduler.RefreshOnStart = false
	return app.New(ctx, &cfg, opts.log)
}

func newRefreshCmd(opts *rootOptions) *cobra.Command {
	var asOf string

	cmd := &cobra.Command{
		Use:   "refresh",
		Short: "Materialize every active job and print the due list",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, opts)
			if err != nil {
				return err
			}
			defer a.Stop(context.Background())
			a.Scheduler.Start(ctx)

			date := a.Scheduler.Today()
			if asOf != "" {
				if date, err = civil.ParseDate(asOf); err != nil {
					return errors.NewValidationf("--as-of must be a YYYY-MM-DD date, got %q", asOf)
				}
			}

			res, err := a.Scheduler.Refresh(ctx, date)
			if err != nil {
				return err
			}
			if err := printJSON(cmd, res); err != nil {
				return err
			}
			return res.Err()
		},
	}
	cmd.Flags().StringVar(&asOf, "as-of", "", "refresh as of this date (YYYY-MM-DD, default today)")
	return cmd
}

func newBackupCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "backup [path]",
		Short: "Write a verified copy of the database",
		Long:  "Write a verified copy of the database to path, or to a timestamped file in the configured backup directory.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := filepath.Join(opts.cfg.Backup.Dir,
				fmt.Sprintf("recurbill-%s.db", time.Now().UTC().Format("20060102T150405Z")))
			if len(args) == 1 {
				path = args[0]
			}

			return withStorage(cmd.Context(), opts, func(st *storage.SQLiteStorage) error {
				if err := st.Backup(cmd.Context(), path); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), path)
				return nil
			})
		},
	}
}

func newPurgeCmd(opts *rootOptions) *cobra.Command {
	var before string

	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete jobs that ended before a date and have nothing pending",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			date, err := civil.ParseDate(before)
			if err != nil {
				return errors.NewValidationf("--before must be a YYYY-MM-DD date, got %q", before)
			}

			return withStorage(cmd.Context(), opts, func(st *storage.SQLiteStorage) error {
				n, err := st.PurgeEndedJobs(cmd.Context(), date)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "purged %d jobs\n", n)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&before, "before", "", "purge jobs whose end date is before this date (YYYY-MM-DD)")
	_ = cmd.MarkFlagRequired("before")
	return cmd
}

func newStatsCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print job, occurrence and invoice counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStorage(cmd.Context(), opts, func(st *storage.SQLiteStorage) error {
				stats, err := st.GetStats(cmd.Context())
				if err != nil {
					return err
				}
				return printJSON(cmd, stats)
			})
		},
	}
}

func newMigrateStatusCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate-status",
		Short: "Print the applied schema version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStorage(cmd.Context(), opts, func(st *storage.SQLiteStorage) error {
				status, err := st.GetMigrationStatus(cmd.Context())
				if err != nil {
					return err
				}
				return printJSON(cmd, status)
			})
		},
	}
}

func withStorage(ctx context.Context, opts *rootOptions, fn func(st *storage.SQLiteStorage) error) error {
	st, err := storage.OpenDatabase(ctx, opts.cfg.StorageConfig())
	if err != nil {
		return err
	}
	defer st.Close()
	return fn(st)
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
