package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/safar/pos-core/internal/config"
	"github.com/safar/pos-core/internal/database"
	"github.com/safar/pos-core/internal/ledger"
	"github.com/safar/pos-core/internal/syncer"
	"github.com/safar/pos-core/internal/terminal"
	"github.com/spf13/cobra"
)

func NewServeCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the terminal: connectivity probe, background sync, stock feed and admin API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.LoadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger := config.NewLogger(cfg)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			term, err := terminal.Open(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer term.Close()

			term.Start(ctx)
			return term.Serve(ctx)
		},
	}
}

func NewSyncCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Push queued transactions to the ledger once and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.LoadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			term, err := terminal.Open(cmd.Context(), cfg, config.NewLogger(cfg))
			if err != nil {
				return err
			}
			defer term.Close()

			term.Probe.Check(cmd.Context())
			res, err := term.Syncer.Sync(cmd.Context(), syncer.TriggerManual)
			if err != nil {
				return err
			}
			return report(cmd.OutOrStdout(), opts, res,
				"synced %d, failed %d, dead %d, deferred %d, %d still pending\n",
				res.Synced, res.Failed, res.Dead, res.Deferred, res.Pending)
		},
	}
}

func NewMigrateCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:       "migrate <up|down>",
		Short:     "Apply or roll back the ledger schema",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"up", "down"},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.LoadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			ctx := cmd.Context()
			db, err := database.NewConnection(ctx, &cfg.Database)
			if err != nil {
				if db != nil {
					db.Close()
				}
				return fmt.Errorf("connect ledger: %w", err)
			}
			defer db.Close()

			n, err := ledger.Migrate(ctx, db, args[0], config.NewLogger(cfg))
			if err != nil {
				return err
			}
			return report(cmd.OutOrStdout(), opts, map[string]any{"direction": args[0], "applied": n},
				"applied %d %s migrations\n", n, args[0])
		},
	}
}
