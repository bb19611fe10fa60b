// Package cli provides the command surface of a loom deployment: the
// additive migration commands and the sync server daemon. Embedders construct
// the command tree with their own schema and router wiring.
package cli

import (
	"context"
	"database/sql"
	"fmt"
	"os"

	"github.com/asaidimu/go-loom/core/schema"
	"github.com/asaidimu/go-loom/sqlite"
	_ "github.com/mattn/go-sqlite3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// options carries the persistent flag values shared by the commands.
type options struct {
	cwd     string
	dbPath  string
	verbose bool
	dryRun  bool
}

// New builds the root command for a deployment of the given schema.
func New(s *schema.Schema) *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:           "loom",
		Short:         "Real-time data synchronization runtime",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if opts.cwd != "" {
				if err := os.Chdir(opts.cwd); err != nil {
					return fmt.Errorf("failed to change directory: %w", err)
				}
			}
			return nil
		},
	}
	root.PersistentFlags().StringVar(&opts.cwd, "cwd", "", "working directory to run in")
	root.PersistentFlags().StringVar(&opts.dbPath, "db", "loom.db", "path to the sqlite database")
	root.PersistentFlags().BoolVar(&opts.verbose, "verbose", false, "enable debug logging")

	root.AddCommand(newMigrateCmd(s, opts))
	root.AddCommand(newServeCmd(s, opts))
	return root
}

// Execute runs the root command, exiting 1 on any error.
func Execute(root *cobra.Command) {
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newMigrateCmd(s *schema.Schema, opts *options) *cobra.Command {
	migrate := &cobra.Command{
		Use:   "migrate",
		Short: "Inspect and apply additive schema migrations",
	}
	migrate.PersistentFlags().BoolVar(&opts.dryRun, "dry-run", false, "print pending statements without executing them")

	migrate.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List collections and their pending DDL",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withInteractor(opts, s, func(ctx context.Context, i *sqlite.Interactor) error {
				plan, err := i.Plan(ctx, s)
				if err != nil {
					return err
				}
				for _, name := range s.CollectionNames() {
					stmts := plan[name]
					if len(stmts) == 0 {
						fmt.Fprintf(cmd.OutOrStdout(), "%s: up to date\n", name)
						continue
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%s: %d pending statement(s)\n", name, len(stmts))
					if opts.verbose {
						for _, stmt := range stmts {
							fmt.Fprintf(cmd.OutOrStdout(), "  %s\n", stmt)
						}
					}
				}
				return nil
			})
		},
	})

	migrate.AddCommand(&cobra.Command{
		Use:   "run <collection>",
		Short: "Apply the pending DDL for one collection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, ok := s.Collection(args[0])
			if !ok {
				return fmt.Errorf("unknown collection %s", args[0])
			}
			return withInteractor(opts, s, func(ctx context.Context, i *sqlite.Interactor) error {
				stmts, err := i.PlanCollection(ctx, c)
				if err != nil {
					return err
				}
				if opts.dryRun || opts.verbose {
					for _, stmt := range stmts {
						fmt.Fprintln(cmd.OutOrStdout(), stmt)
					}
				}
				if opts.dryRun {
					return nil
				}
				return i.ApplyCollection(ctx, c)
			})
		},
	})

	migrate.AddCommand(&cobra.Command{
		Use:   "run-all",
		Short: "Apply the pending DDL for every collection",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withInteractor(opts, s, func(ctx context.Context, i *sqlite.Interactor) error {
				if opts.dryRun || opts.verbose {
					plan, err := i.Plan(ctx, s)
					if err != nil {
						return err
					}
					for _, name := range s.CollectionNames() {
						for _, stmt := range plan[name] {
							fmt.Fprintln(cmd.OutOrStdout(), stmt)
						}
					}
				}
				if opts.dryRun {
					return nil
				}
				return i.Init(ctx, s)
			})
		},
	})

	return migrate
}

func withInteractor(opts *options, s *schema.Schema, fn func(ctx context.Context, i *sqlite.Interactor) error) error {
	db, err := sql.Open("sqlite3", opts.dbPath)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	logger := zap.NewNop()
	if opts.verbose {
		if l, err := zap.NewDevelopment(); err == nil {
			logger = l
			defer logger.Sync()
		}
	}
	return fn(context.Background(), sqlite.NewInteractor(db, s, logger))
}
