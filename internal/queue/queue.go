// Package queue is the durable log of transactions that could not be
// submitted when they were created.
package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/safar/pos-core/internal/apperr"
	"github.com/safar/pos-core/internal/events"
	"github.com/safar/pos-core/internal/models"
	"github.com/safar/pos-core/internal/store"
)

var (
	ErrNotFound    = errors.New("queue: transaction not found")
	ErrNotEditable = errors.New("queue: transaction already synced or syncing")
)

type Config struct {
	MaxRetries int
	Retention  time.Duration
}

type Queue struct {
	db     *sql.DB
	cfg    Config
	bus    *events.Bus
	logger *slog.Logger
	now    func() time.Time
}

func New(db *sql.DB, bus *events.Bus, logger *slog.Logger, cfg Config) *Queue {
	if cfg.MaxRetries < 1 {
		cfg.MaxRetries = 5
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{db: db, cfg: cfg, bus: bus, logger: logger, now: time.Now}
}

// Enqueue appends payload. Enqueuing an offline id that is already queued
// returns the existing record unchanged.
func (q *Queue) Enqueue(ctx context.Context, payload models.InvoicePayload) (*models.OfflineTransaction, error) {
	if payload.OfflineID == "" {
		return nil, apperr.Validation("enqueue", "offline id required")
	}

	tx, err := store.AddOfflineTransaction(ctx, q.db, payload, q.now())
	if errors.Is(err, store.ErrDuplicateOfflineID) {
		return q.Get(ctx, payload.OfflineID)
	}
	if err != nil {
		return nil, fmt.Errorf("enqueue %s: %w", payload.OfflineID, err)
	}

	q.logger.Info("transaction queued",
		slog.String("offline_id", tx.OfflineID),
		slog.String("grand_total", payload.GrandTotal.String()))
	events.Emit(q.bus, events.Queued, events.TransactionQueued{OfflineID: tx.OfflineID})

	return tx, nil
}

func (q *Queue) Get(ctx context.Context, offlineID string) (*models.OfflineTransaction, error) {
	tx, err := store.GetOfflineTransaction(ctx, q.db, offlineID)
	if errors.Is(err, store.ErrTransactionNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, offlineID)
	}
	return tx, err
}

// Pending returns transactions eligible for a sync attempt, oldest first.
func (q *Queue) Pending(ctx context.Context, limit int) ([]models.OfflineTransaction, error) {
	return store.ListOfflineTransactions(ctx, q.db, store.Filter{
		Statuses:   []models.OfflineStatus{models.OfflineStatusPending, models.OfflineStatusFailed},
		MaxRetries: q.cfg.MaxRetries,
		Limit:      limit,
	})
}

// Count is the number of transactions not yet confirmed by the ledger,
// excluding dead ones.
func (q *Queue) Count(ctx context.Context) (int64, error) {
	return store.CountOfflineTransactions(ctx, q.db,
		models.OfflineStatusPending, models.OfflineStatusSyncing, models.OfflineStatusFailed)
}

func (q *Queue) CountDead(ctx context.Context) (int64, error) {
	return store.CountOfflineTransactions(ctx, q.db, models.OfflineStatusDead)
}

func (q *Queue) MarkSyncing(ctx context.Context, tx *models.OfflineTransaction) error {
	return q.setStatus(ctx, tx, models.OfflineStatusSyncing, store.Patch{})
}

func (q *Queue) MarkSynced(ctx context.Context, tx *models.OfflineTransaction, serverRef string) error {
	now := q.now()
	empty := ""
	err := q.setStatus(ctx, tx, models.OfflineStatusSynced, store.Patch{
		ServerRef: &serverRef,
		LastError: &empty,
		SyncedAt:  &now,
	})
	if err != nil {
		return err
	}
	tx.ServerRef = serverRef
	tx.LastError = ""
	tx.SyncedAt = &now
	return nil
}

// MarkFailed records cause against tx and counts a retry. The transaction
// goes dead once the retry ceiling is reached, or at once for permission and
// configuration failures. It returns the resulting status.
func (q *Queue) MarkFailed(ctx context.Context, tx *models.OfflineTransaction, cause error) (models.OfflineStatus, error) {
	retries := tx.RetryCount + 1
	status := models.OfflineStatusFailed
	if retries >= q.cfg.MaxRetries || apperr.Fatal(apperr.KindOf(cause)) {
		status = models.OfflineStatusDead
	}

	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	err := q.setStatus(ctx, tx, status, store.Patch{RetryCount: &retries, LastError: &msg})
	if err != nil {
		return tx.Status, err
	}
	tx.RetryCount = retries
	tx.LastError = msg

	if status == models.OfflineStatusDead {
		q.logger.Error("transaction needs operator action",
			slog.String("offline_id", tx.OfflineID),
			slog.Int("retry_count", retries),
			slog.String("error", msg))
	}
	return status, nil
}

// Requeue returns tx to pending without counting a retry.
func (q *Queue) Requeue(ctx context.Context, tx *models.OfflineTransaction, reason string) error {
	return q.setStatus(ctx, tx, models.OfflineStatusPending, store.Patch{LastError: &reason})
}

func (q *Queue) setStatus(ctx context.Context, tx *models.OfflineTransaction, status models.OfflineStatus, patch store.Patch) error {
	patch.Status = &status
	if err := store.UpdateOfflineTransaction(ctx, q.db, tx.ID, patch, q.now()); err != nil {
		return fmt.Errorf("mark %s %s: %w", tx.OfflineID, status, err)
	}
	tx.Status = status
	tx.Synced = status == models.OfflineStatusSynced
	return nil
}

// RecoverStuck returns rows left in syncing by an interrupted process to
// pending.
func (q *Queue) RecoverStuck(ctx context.Context) (int64, error) {
	n, err := store.ResetStatus(ctx, q.db, models.OfflineStatusSyncing, models.OfflineStatusPending, q.now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		q.logger.Warn("recovered interrupted syncs", slog.Int64("count", n))
	}
	return n, nil
}

// Purge deletes synced transactions older than the retention window.
func (q *Queue) Purge(ctx context.Context) (int64, error) {
	return store.PurgeSynced(ctx, q.db, q.now().Add(-q.cfg.Retention))
}

func (q *Queue) List(ctx context.Context, status models.OfflineStatus, cursor string, limit int) (*store.CursorPage, error) {
	if limit < 1 || limit > 100 {
		limit = 20
	}
	return store.ListOfflineTransactionsCursor(ctx, q.db, status, cursor, limit)
}

func (q *Queue) Dead(ctx context.Context) ([]models.OfflineTransaction, error) {
	return store.ListOfflineTransactions(ctx, q.db, store.Filter{
		Statuses: []models.OfflineStatus{models.OfflineStatusDead},
	})
}

// Retry puts a failed or dead transaction back in line with a fresh retry
// budget.
func (q *Queue) Retry(ctx context.Context, offlineID string) (*models.OfflineTransaction, error) {
	tx, err := q.editable(ctx, offlineID)
	if err != nil {
		return nil, err
	}

	zero, empty := 0, ""
	if err := q.setStatus(ctx, tx, models.OfflineStatusPending, store.Patch{RetryCount: &zero, LastError: &empty}); err != nil {
		return nil, err
	}
	tx.RetryCount = 0
	tx.LastError = ""
	return tx, nil
}

// Edit replaces the payload of an unsynced transaction and resets it to
// pending. The offline id cannot change.
func (q *Queue) Edit(ctx context.Context, offlineID string, payload models.InvoicePayload) (*models.OfflineTransaction, error) {
	if payload.OfflineID != offlineID {
		return nil, apperr.Validation("edit queued transaction", "offline id is immutable (%s != %s)", payload.OfflineID, offlineID)
	}

	tx, err := q.editable(ctx, offlineID)
	if err != nil {
		return nil, err
	}

	zero, empty := 0, ""
	err = q.setStatus(ctx, tx, models.OfflineStatusPending, store.Patch{
		RetryCount: &zero,
		LastError:  &empty,
		Payload:    &payload,
	})
	if err != nil {
		return nil, err
	}
	tx.Payload = payload
	tx.RetryCount = 0
	tx.LastError = ""
	return tx, nil
}

func (q *Queue) Delete(ctx context.Context, offlineID string) error {
	tx, err := q.Get(ctx, offlineID)
	if err != nil {
		return err
	}
	if tx.Status == models.OfflineStatusSyncing {
		return fmt.Errorf("%w: %s", ErrNotEditable, offlineID)
	}
	if err := store.DeleteOfflineTransaction(ctx, q.db, tx.ID); err != nil {
		return fmt.Errorf("delete %s: %w", offlineID, err)
	}
	q.logger.Info("queued transaction deleted", slog.String("offline_id", offlineID), slog.String("status", string(tx.Status)))
	return nil
}

func (q *Queue) editable(ctx context.Context, offlineID string) (*models.OfflineTransaction, error) {
	tx, err := q.Get(ctx, offlineID)
	if err != nil {
		return nil, err
	}
	if tx.Status == models.OfflineStatusSynced || tx.Status == models.OfflineStatusSyncing {
		return nil, fmt.Errorf("%w: %s", ErrNotEditable, offlineID)
	}
	return tx, nil
}
