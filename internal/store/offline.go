package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/safar/pos-core/internal/models"
)

const offlineColumns = `id, offline_id, payload, status, synced, retry_count, server_ref, last_error, created_at, updated_at, synced_at`

func AddOfflineTransaction(ctx context.Context, db *sql.DB, payload models.InvoicePayload, now time.Time) (*models.OfflineTransaction, error) {
	if payload.OfflineID == "" {
		return nil, fmt.Errorf("add offline transaction: offline id required")
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}

	now = now.UTC()
	result, err := db.ExecContext(ctx,
		`INSERT INTO offline_transactions (offline_id, payload, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?)`,
		payload.OfflineID, string(data), models.OfflineStatusPending, now, now)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicateOfflineID
		}
		return nil, fmt.Errorf("add offline transaction: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("get last insert id: %w", err)
	}

	return &models.OfflineTransaction{
		ID:        id,
		OfflineID: payload.OfflineID,
		Payload:   payload,
		Status:    models.OfflineStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

func GetOfflineTransaction(ctx context.Context, db *sql.DB, offlineID string) (*models.OfflineTransaction, error) {
	row := db.QueryRowContext(ctx,
		`SELECT `+offlineColumns+` FROM offline_transactions WHERE offline_id = ?`, offlineID)

	tx, err := scanOfflineTransaction(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrTransactionNotFound
		}
		return nil, fmt.Errorf("get offline transaction: %w", err)
	}

	return tx, nil
}

// Filter selects offline transactions. Zero values mean "any".
type Filter struct {
	Statuses   []models.OfflineStatus
	MaxRetries int
	Limit      int
}

// ListOfflineTransactions returns matching rows oldest first.
func ListOfflineTransactions(ctx context.Context, db *sql.DB, filter Filter) ([]models.OfflineTransaction, error) {
	var (
		where []string
		args  []any
	)

	if len(filter.Statuses) > 0 {
		where = append(where, "status IN ("+placeholders(len(filter.Statuses))+")")
		for _, s := range filter.Statuses {
			args = append(args, s)
		}
	}
	if filter.MaxRetries > 0 {
		where = append(where, "retry_count < ?")
		args = append(args, filter.MaxRetries)
	}

	query := `SELECT ` + offlineColumns + ` FROM offline_transactions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at, id"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list offline transactions: %w", err)
	}
	defer rows.Close()

	var txs []models.OfflineTransaction
	for rows.Next() {
		tx, err := scanOfflineTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan offline transaction: %w", err)
		}
		txs = append(txs, *tx)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return txs, nil
}

// Patch lists the columns to change; nil fields are left untouched.
type Patch struct {
	Status     *models.OfflineStatus
	RetryCount *int
	ServerRef  *string
	LastError  *string
	SyncedAt   *time.Time
	Payload    *models.InvoicePayload
}

func UpdateOfflineTransaction(ctx context.Context, db *sql.DB, id int64, patch Patch, now time.Time) error {
	sets := []string{"updated_at = ?"}
	args := []any{now.UTC()}

	if patch.Status != nil {
		sets = append(sets, "status = ?", "synced = ?")
		args = append(args, *patch.Status, *patch.Status == models.OfflineStatusSynced)
	}
	if patch.RetryCount != nil {
		sets = append(sets, "retry_count = ?")
		args = append(args, *patch.RetryCount)
	}
	if patch.ServerRef != nil {
		sets = append(sets, "server_ref = ?")
		args = append(args, *patch.ServerRef)
	}
	if patch.LastError != nil {
		sets = append(sets, "last_error = ?")
		args = append(args, *patch.LastError)
	}
	if patch.SyncedAt != nil {
		sets = append(sets, "synced_at = ?")
		args = append(args, patch.SyncedAt.UTC())
	}
	if patch.Payload != nil {
		data, err := json.Marshal(patch.Payload)
		if err != nil {
			return fmt.Errorf("encode payload: %w", err)
		}
		sets = append(sets, "payload = ?")
		args = append(args, string(data))
	}

	args = append(args, id)
	result, err := db.ExecContext(ctx,
		`UPDATE offline_transactions SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return fmt.Errorf("update offline transaction: %w", err)
	}

	return requireOneRow(result)
}

func DeleteOfflineTransaction(ctx context.Context, db *sql.DB, id int64) error {
	result, err := db.ExecContext(ctx, `DELETE FROM offline_transactions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete offline transaction: %w", err)
	}
	return requireOneRow(result)
}

func CountOfflineTransactions(ctx context.Context, db *sql.DB, statuses ...models.OfflineStatus) (int64, error) {
	query := `SELECT COUNT(*) FROM offline_transactions`
	var args []any
	if len(statuses) > 0 {
		query += " WHERE status IN (" + placeholders(len(statuses)) + ")"
		for _, s := range statuses {
			args = append(args, s)
		}
	}

	var count int64
	if err := db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("count offline transactions: %w", err)
	}
	return count, nil
}

// PurgeSynced deletes synced rows confirmed before cutoff.
func PurgeSynced(ctx context.Context, db *sql.DB, cutoff time.Time) (int64, error) {
	result, err := db.ExecContext(ctx,
		`DELETE FROM offline_transactions WHERE status = ? AND synced_at < ?`,
		models.OfflineStatusSynced, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("purge synced transactions: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("get rows affected: %w", err)
	}
	return n, nil
}

// ResetStatus moves every row in from back to to, used to recover rows left
// in syncing by a crashed process.
func ResetStatus(ctx context.Context, db *sql.DB, from, to models.OfflineStatus, now time.Time) (int64, error) {
	result, err := db.ExecContext(ctx,
		`UPDATE offline_transactions SET status = ?, updated_at = ? WHERE status = ?`,
		to, now.UTC(), from)
	if err != nil {
		return 0, fmt.Errorf("reset status: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("get rows affected: %w", err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOfflineTransaction(row rowScanner) (*models.OfflineTransaction, error) {
	var (
		tx       models.OfflineTransaction
		payload  string
		syncedAt sql.NullTime
	)

	err := row.Scan(
		&tx.ID,
		&tx.OfflineID,
		&payload,
		&tx.Status,
		&tx.Synced,
		&tx.RetryCount,
		&tx.ServerRef,
		&tx.LastError,
		&tx.CreatedAt,
		&tx.UpdatedAt,
		&syncedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(payload), &tx.Payload); err != nil {
		return nil, fmt.Errorf("decode payload for %s: %w", tx.OfflineID, err)
	}

	if syncedAt.Valid {
		t := syncedAt.Time
		tx.SyncedAt = &t
	}

	return &tx, nil
}

func requireOneRow(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if n == 0 {
		return ErrTransactionNotFound
	}
	return nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
