package store

import (
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/safar/pos-core/internal/models"
)

type CursorPage struct {
	Items      []models.OfflineTransaction `json:"items"`
	NextCursor string                      `json:"next_cursor,omitempty"`
	HasMore    bool                        `json:"has_more"`
}

type TransactionCursor struct {
	CreatedAt time.Time `json:"created_at"`
	ID        int64     `json:"id"`
}

func EncodeCursor(cursor TransactionCursor) string {
	data, err := json.Marshal(cursor)
	if err != nil {
		return ""
	}
	return base64.URLEncoding.EncodeToString(data)
}

// DecodeCursor turns an empty cursor into one positioned before the oldest row.
func DecodeCursor(encoded string) (TransactionCursor, error) {
	var cursor TransactionCursor
	if encoded == "" {
		return TransactionCursor{}, nil
	}

	data, err := base64.URLEncoding.DecodeString(encoded)
	if err != nil {
		return cursor, err
	}

	err = json.Unmarshal(data, &cursor)
	return cursor, err
}

// ListOfflineTransactionsCursor pages through rows oldest first, optionally
// restricted to one status.
func ListOfflineTransactionsCursor(ctx context.Context, db *sql.DB, status models.OfflineStatus, cursor string, limit int) (*CursorPage, error) {
	cursorData, err := DecodeCursor(cursor)
	if err != nil {
		return nil, fmt.Errorf("decode cursor: %w", err)
	}

	query := `SELECT ` + offlineColumns + ` FROM offline_transactions
		WHERE (created_at, id) > (?, ?)`
	args := []any{cursorData.CreatedAt.UTC(), cursorData.ID}
	if status != "" {
		query += " AND status = ?"
		args = append(args, status)
	}
	query += " ORDER BY created_at, id LIMIT ?"
	args = append(args, limit+1)

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

	hasMore := len(txs) > limit
	if hasMore {
		txs = txs[:limit]
	}

	var nextCursor string
	if hasMore && len(txs) > 0 {
		last := txs[len(txs)-1]
		nextCursor = EncodeCursor(TransactionCursor{
			CreatedAt: last.CreatedAt,
			ID:        last.ID,
		})
	}

	return &CursorPage{
		Items:      txs,
		NextCursor: nextCursor,
		HasMore:    hasMore,
	}, nil
}
