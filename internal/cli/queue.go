package cli

import (
	"database/sql"
	"fmt"
	"io"
	"log/slog"

	"github.com/safar/pos-core/internal/config"
	"github.com/safar/pos-core/internal/models"
	"github.com/safar/pos-core/internal/queue"
	"github.com/safar/pos-core/internal/store"
	"github.com/spf13/cobra"
)

// openLocal opens the terminal's local store without touching the remote
// ledger, so queue and settings commands work offline.
func openLocal(opts *RootOptions) (*config.Config, *sql.DB, error) {
	cfg, err := opts.LoadConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	db, err := store.Open(cfg.LocalDBPath)
	if err != nil {
		return nil, nil, err
	}
	return cfg, db, nil
}

func openQueue(opts *RootOptions, cmd *cobra.Command) (*queue.Queue, func(), error) {
	cfg, db, err := openLocal(opts)
	if err != nil {
		return nil, nil, err
	}
	logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), nil))
	q := queue.New(db, nil, logger, queue.Config{
		MaxRetries: cfg.Sync.MaxRetries,
		Retention:  cfg.Sync.Retention,
	})
	return q, func() { db.Close() }, nil
}

func NewQueueCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and repair the offline transaction queue",
	}

	cmd.AddCommand(newQueueListCommand(opts))
	cmd.AddCommand(newQueueShowCommand(opts))
	cmd.AddCommand(newQueueRetryCommand(opts))
	cmd.AddCommand(newQueueDeleteCommand(opts))
	cmd.AddCommand(newQueuePurgeCommand(opts))

	return cmd
}

func newQueueListCommand(opts *RootOptions) *cobra.Command {
	var (
		status string
		cursor string
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List queued transactions, oldest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			q, closeFn, err := openQueue(opts, cmd)
			if err != nil {
				return err
			}
			defer closeFn()

			page, err := q.List(cmd.Context(), models.OfflineStatus(status), cursor, limit)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if opts.Format == "json" {
				return writeJSON(out, page)
			}
			if err := writeTransactions(out, page.Items); err != nil {
				return err
			}
			if page.HasMore {
				fmt.Fprintf(out, "\nmore: --cursor %s\n", page.NextCursor)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "only list transactions in this status (pending|syncing|synced|failed|dead)")
	cmd.Flags().StringVar(&cursor, "cursor", "", "resume after this cursor")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "page size")

	return cmd
}

func newQueueShowCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <offline-id>",
		Short: "Print one queued transaction with its payload",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q, closeFn, err := openQueue(opts, cmd)
			if err != nil {
				return err
			}
			defer closeFn()

			tx, err := q.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), tx)
		},
	}
}

func newQueueRetryCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <offline-id>",
		Short: "Return a failed or dead transaction to pending with a fresh retry budget",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q, closeFn, err := openQueue(opts, cmd)
			if err != nil {
				return err
			}
			defer closeFn()

			tx, err := q.Retry(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return report(cmd.OutOrStdout(), opts, tx, "%s is pending again\n", tx.OfflineID)
		},
	}
}

func newQueueDeleteCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <offline-id>",
		Short: "Remove a transaction from the queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q, closeFn, err := openQueue(opts, cmd)
			if err != nil {
				return err
			}
			defer closeFn()

			if err := q.Delete(cmd.Context(), args[0]); err != nil {
				return err
			}
			return report(cmd.OutOrStdout(), opts, map[string]string{"deleted": args[0]}, "deleted %s\n", args[0])
		},
	}
}

func newQueuePurgeCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "purge",
		Short: "Delete synced transactions older than the retention window",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			q, closeFn, err := openQueue(opts, cmd)
			if err != nil {
				return err
			}
			defer closeFn()

			n, err := q.Purge(cmd.Context())
			if err != nil {
				return err
			}
			return report(cmd.OutOrStdout(), opts, map[string]int64{"purged": n}, "purged %d synced transactions\n", n)
		},
	}
}

func report(w io.Writer, opts *RootOptions, v any, format string, args ...any) error {
	if opts.Format == "json" {
		return writeJSON(w, v)
	}
	_, err := fmt.Fprintf(w, format, args...)
	return err
}
