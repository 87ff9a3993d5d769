package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"townhall/api/internal/config"
	"townhall/api/internal/location"
	"townhall/api/internal/platform"
	"townhall/api/internal/store"
)

type options struct {
	cfg     config.Config
	timeout time.Duration
}

func newRootCmd() *cobra.Command {
	opts := &options{cfg: config.Load()}

	rootCmd := &cobra.Command{
		Use:           "townhallctl",
		Short:         "Operator tasks for the townhall API",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&opts.cfg.DatabaseURL, "database-url", opts.cfg.DatabaseURL, "PostgreSQL DSN or memory://")
	flags.StringVar(&opts.cfg.RedisURL, "redis-url", opts.cfg.RedisURL, "Redis URL, empty to disable")
	flags.StringVar(&opts.cfg.MeiliURL, "meili-url", opts.cfg.MeiliURL, "Meilisearch URL, empty to disable")
	flags.StringVar(&opts.cfg.MigrationsDir, "migrations", opts.cfg.MigrationsDir, "directory of *.up.sql and *.down.sql files")
	flags.StringVar(&opts.cfg.LocationsFile, "locations", opts.cfg.LocationsFile, "YAML location tree for memory://")
	flags.DurationVar(&opts.timeout, "timeout", 2*time.Minute, "overall deadline for the command")

	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply, revert or list schema migrations",
	}
	var steps int
	migrateDownCmd := &cobra.Command{
		Use:   "down",
		Short: "Revert the newest applied migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withDB(cmd, func(ctx context.Context, db *sql.DB) error {
				reverted, err := store.RollbackMigrations(ctx, db, opts.cfg.MigrationsDir, steps)
				for _, version := range reverted {
					fmt.Fprintf(cmd.OutOrStdout(), "reverted %s\n", version)
				}
				return err
			})
		},
	}
	migrateDownCmd.Flags().IntVar(&steps, "steps", 1, "number of migrations to revert, 0 for all")
	migrateCmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply pending migrations",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return opts.withDB(cmd, func(ctx context.Context, db *sql.DB) error {
					if err := store.ApplyMigrations(ctx, db, opts.cfg.MigrationsDir); err != nil {
						return err
					}
					fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
					return nil
				})
			},
		},
		migrateDownCmd,
		&cobra.Command{
			Use:   "status",
			Short: "List migrations and when they were applied",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return opts.withDB(cmd, func(ctx context.Context, db *sql.DB) error {
					states, err := store.MigrationStatus(ctx, db, opts.cfg.MigrationsDir)
					if err != nil {
						return err
					}
					for _, state := range states {
						if state.Applied {
							fmt.Fprintf(cmd.OutOrStdout(), "%s\tapplied %s\n", state.Version, state.AppliedAt.UTC().Format(time.RFC3339))
						} else {
							fmt.Fprintf(cmd.OutOrStdout(), "%s\tpending\n", state.Version)
						}
					}
					return nil
				})
			},
		},
	)

	rootCmd.AddCommand(
		migrateCmd,
		&cobra.Command{
			Use:   "sweep",
			Short: "Advance every strategic plan whose stage deadline has passed",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return opts.withPlatform(cmd, func(ctx context.Context, p *platform.Platform) error {
					result, err := p.Plans.EvaluateDueTransitions(ctx, time.Now().UTC())
					if err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "advanced=%d skipped=%d failed=%d\n", result.Advanced, result.Skipped, result.Failed)
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "relay",
			Short: "Dispatch pending outbox events once",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return opts.withPlatform(cmd, func(ctx context.Context, p *platform.Platform) error {
					n, err := p.Relay.Drain(ctx)
					if err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "dispatched %d events\n", n)
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "reindex",
			Short: "Rebuild the idea search index",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return opts.withPlatform(cmd, func(ctx context.Context, p *platform.Platform) error {
					n, err := p.Search.ReindexAll(ctx)
					if err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "indexed %d ideas\n", n)
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "seed-locations <file>",
			Short: "Upsert a YAML location tree",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				items, err := location.LoadSeed(args[0])
				if err != nil {
					return err
				}
				return opts.withPlatform(cmd, func(ctx context.Context, p *platform.Platform) error {
					if err := p.SeedLocations(ctx, items); err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "seeded %d locations\n", len(items))
					return nil
				})
			},
		},
	)
	return rootCmd
}

func (o *options) context(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	return context.WithTimeout(parent, o.timeout)
}

func (o *options) withPlatform(cmd *cobra.Command, fn func(context.Context, *platform.Platform) error) error {
	ctx, cancel := o.context(cmd)
	defer cancel()
	p, err := platform.Open(ctx, o.cfg)
	if err != nil {
		return err
	}
	return errors.Join(fn(ctx, p), p.Close())
}

func (o *options) withDB(cmd *cobra.Command, fn func(context.Context, *sql.DB) error) error {
	if strings.HasPrefix(o.cfg.DatabaseURL, platform.MemoryURL) {
		return fmt.Errorf("migrations need a PostgreSQL database url")
	}
	ctx, cancel := o.context(cmd)
	defer cancel()
	db, err := store.Open(ctx, o.cfg.DatabaseURL)
	if err != nil {
		return err
	}
	return errors.Join(fn(ctx, db), db.Close())
}
