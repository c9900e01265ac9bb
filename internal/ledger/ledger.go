// Package ledger is the terminal's client for the remote ledger database:
// two-phase invoice submission, stock balances and the offline-id
// deduplication lookup.
package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/safar/pos-core/internal/apperr"
	"github.com/safar/pos-core/internal/database"
	"github.com/safar/pos-core/internal/models"
	"github.com/shopspring/decimal"
)

const (
	StatusDraft     = "draft"
	StatusSubmitted = "submitted"
)

// Invoice is the ledger's view of one submitted cart.
type Invoice struct {
	ID           int64
	Name         string
	OfflineID    string
	TerminalID   string
	Warehouse    string
	Customer     string
	Status       string
	GrandTotal   decimal.Decimal
	PaidAmount   decimal.Decimal
	ChangeAmount decimal.Decimal
	CreatedAt    time.Time
	UpdatedAt    time.Time
	SubmittedAt  *time.Time
	Version      int
	Payments     []models.Payment
}

type Ledger struct {
	db   *sql.DB
	opts database.TxOptions
}

func New(db *sql.DB) *Ledger {
	return &Ledger{db: db, opts: database.DefaultTxOptions()}
}

func (l *Ledger) Ping(ctx context.Context) error {
	if err := l.db.PingContext(ctx); err != nil {
		return database.Classify("ping ledger", err)
	}
	return nil
}

// SubmitDraft saves payload as a draft invoice and returns its reference.
// Saving the same offline id again refreshes the draft; once the invoice is
// submitted the call fails with a Duplicate error carrying the invoice name.
func (l *Ledger) SubmitDraft(ctx context.Context, payload models.InvoicePayload) (string, error) {
	const op = "submit draft"

	if payload.OfflineID == "" {
		return "", apperr.Validation(op, "offline id required")
	}
	if len(payload.Items) == 0 {
		return "", apperr.Validation(op, "invoice has no items")
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return "", apperr.New(apperr.KindValidation, op, fmt.Errorf("encode payload: %w", err))
	}

	var ref string
	err = database.WithRetry(ctx, l.db, l.opts, func(tx *sql.Tx) error {
		var invoiceID int64
		err := tx.QueryRowContext(ctx,
			`INSERT INTO invoices (offline_id, terminal_id, warehouse, customer, status, payload, grand_total, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, NOW(), NOW())
			 ON CONFLICT (offline_id) DO NOTHING
			 RETURNING id, name`,
			payload.OfflineID, payload.TerminalID, payload.Warehouse, payload.Customer,
			StatusDraft, string(data), payload.GrandTotal).Scan(&invoiceID, &ref)

		if errors.Is(err, sql.ErrNoRows) {
			var status string
			err = tx.QueryRowContext(ctx,
				`SELECT id, name, status FROM invoices
				 WHERE offline_id = $1
				 FOR UPDATE NOWAIT`,
				payload.OfflineID).Scan(&invoiceID, &ref, &status)
			if err != nil {
				return fmt.Errorf("lock draft %s: %w", payload.OfflineID, err)
			}
			if status == StatusSubmitted {
				return apperr.Duplicate(op, ref)
			}

			_, err = tx.ExecContext(ctx,
				`UPDATE invoices
				 SET payload = $1, grand_total = $2, customer = $3,
				     updated_at = NOW(), version = version + 1
				 WHERE id = $4`,
				string(data), payload.GrandTotal, payload.Customer, invoiceID)
			if err != nil {
				return fmt.Errorf("update draft: %w", err)
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM invoice_items WHERE invoice_id = $1`, invoiceID); err != nil {
				return fmt.Errorf("clear draft items: %w", err)
			}
		} else if err != nil {
			return fmt.Errorf("create draft: %w", err)
		}

		return insertItems(ctx, tx, invoiceID, payload.Items)
	})
	if err != nil {
		return "", database.Classify(op, err)
	}

	return ref, nil
}

func insertItems(ctx context.Context, tx *sql.Tx, invoiceID int64, items []models.InvoiceItem) error {
	for i, item := range items {
		cf := item.ConversionFactor
		if cf.IsZero() {
			cf = decimal.NewFromInt(1)
		}

		_, err := tx.ExecContext(ctx,
			`INSERT INTO invoice_items (invoice_id, line_no, item_code, uom, qty, stock_qty, rate,
			                            discount_amount, tax_amount, net_amount, amount, free_qty, is_stock_item)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
			invoiceID, i+1, item.ItemCode, item.UOM, item.Qty, item.Qty.Mul(cf), item.Rate,
			item.DiscountAmount, item.TaxAmount, item.NetAmount, item.Amount, item.FreeQty, item.IsStockItem)
		if err != nil {
			return fmt.Errorf("create invoice item %s: %w", item.ItemCode, err)
		}
	}
	return nil
}

// Finalize submits the draft identified by ref: stock is decremented,
// payments are recorded and the invoice name is returned. Finalizing an
// already submitted invoice returns its name without side effects. A draft
// locked by another session fails with SyncInProgress.
func (l *Ledger) Finalize(ctx context.Context, ref string, payment models.PaymentData) (string, error) {
	const op = "finalize invoice"

	var name string
	err := database.WithRetry(ctx, l.db, l.opts, func(tx *sql.Tx) error {
		var (
			invoiceID int64
			status    string
			warehouse string
		)
		err := tx.QueryRowContext(ctx,
			`SELECT id, name, status, warehouse
			 FROM invoices
			 WHERE name = $1
			 FOR UPDATE NOWAIT`,
			ref).Scan(&invoiceID, &name, &status, &warehouse)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return apperr.New(apperr.KindValidation, op, fmt.Errorf("%s: %w", ref, database.ErrInvoiceNotFound))
			}
			var pqErr *pq.Error
			if errors.As(err, &pqErr) && pqErr.Code == "55P03" {
				return apperr.SyncInProgress(op, fmt.Errorf("%s: %w", ref, database.ErrLockTimeout))
			}
			return fmt.Errorf("lock invoice %s: %w", ref, err)
		}

		if status == StatusSubmitted {
			return nil
		}

		lines, err := stockLines(ctx, tx, invoiceID)
		if err != nil {
			return err
		}

		for _, line := range lines {
			if err := decrementStock(ctx, tx, line.itemCode, warehouse, line.qty); err != nil {
				return err
			}
		}

		for _, p := range payment.Payments {
			_, err := tx.ExecContext(ctx,
				`INSERT INTO payments (invoice_id, mode, amount, created_at)
				 VALUES ($1, $2, $3, NOW())`,
				invoiceID, p.Mode, p.Amount)
			if err != nil {
				return fmt.Errorf("create payment: %w", err)
			}
		}

		_, err = tx.ExecContext(ctx,
			`UPDATE invoices
			 SET status = $1, paid_amount = $2, change_amount = $3,
			     submitted_at = NOW(), updated_at = NOW(), version = version + 1
			 WHERE id = $4`,
			StatusSubmitted, payment.PaidAmount, payment.ChangeAmount, invoiceID)
		if err != nil {
			return fmt.Errorf("submit invoice: %w", err)
		}

		return nil
	})
	if err != nil {
		return "", database.Classify(op, err)
	}

	return name, nil
}

type stockLine struct {
	itemCode string
	qty      decimal.Decimal
}

func stockLines(ctx context.Context, tx *sql.Tx, invoiceID int64) ([]stockLine, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT item_code, SUM(stock_qty)
		 FROM invoice_items
		 WHERE invoice_id = $1 AND is_stock_item
		 GROUP BY item_code
		 ORDER BY item_code`,
		invoiceID)
	if err != nil {
		return nil, fmt.Errorf("get invoice items: %w", err)
	}
	defer rows.Close()

	var lines []stockLine
	for rows.Next() {
		var line stockLine
		if err := rows.Scan(&line.itemCode, &line.qty); err != nil {
			return nil, fmt.Errorf("scan invoice item: %w", err)
		}
		lines = append(lines, line)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return lines, nil
}

func decrementStock(ctx context.Context, tx *sql.Tx, itemCode, warehouse string, qty decimal.Decimal) error {
	result, err := tx.ExecContext(ctx,
		`UPDATE stock_balances
		 SET qty = qty - $1,
		     updated_at = NOW()
		 WHERE item_code = $2
		   AND warehouse = $3
		   AND qty >= $1`,
		qty, itemCode, warehouse)
	if err != nil {
		return fmt.Errorf("decrement stock: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		available := decimal.Zero
		err := tx.QueryRowContext(ctx,
			`SELECT qty FROM stock_balances WHERE item_code = $1 AND warehouse = $2`,
			itemCode, warehouse).Scan(&available)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("get stock balance: %w", err)
		}
		return apperr.StockInsufficient("finalize invoice", itemCode, qty, available)
	}

	return nil
}

// CheckOfflineIDSynced reports whether an invoice for offlineID has been
// submitted. Drafts do not count as synced.
func (l *Ledger) CheckOfflineIDSynced(ctx context.Context, offlineID string) (models.SyncState, error) {
	var name, status string
	err := l.db.QueryRowContext(ctx,
		`SELECT name, status FROM invoices WHERE offline_id = $1`,
		offlineID).Scan(&name, &status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.SyncState{}, nil
		}
		return models.SyncState{}, database.Classify("check offline id", err)
	}

	if status != StatusSubmitted {
		return models.SyncState{}, nil
	}
	return models.SyncState{Synced: true, Ref: name}, nil
}

func (l *Ledger) GetStockQuantities(ctx context.Context, itemCodes []string, warehouse string) ([]models.StockQuantity, error) {
	if len(itemCodes) == 0 {
		return nil, nil
	}

	rows, err := l.db.QueryContext(ctx,
		`SELECT item_code, warehouse, qty
		 FROM stock_balances
		 WHERE warehouse = $1 AND item_code = ANY($2)
		 ORDER BY item_code`,
		warehouse, pq.Array(itemCodes))
	if err != nil {
		return nil, database.Classify("get stock quantities", err)
	}
	defer rows.Close()

	var quantities []models.StockQuantity
	for rows.Next() {
		var q models.StockQuantity
		if err := rows.Scan(&q.ItemCode, &q.Warehouse, &q.Qty); err != nil {
			return nil, fmt.Errorf("scan stock balance: %w", err)
		}
		quantities = append(quantities, q)
	}

	if err := rows.Err(); err != nil {
		return nil, database.Classify("get stock quantities", err)
	}

	return quantities, nil
}

// SetStock overwrites the balance of one item in one warehouse.
func (l *Ledger) SetStock(ctx context.Context, itemCode, warehouse string, qty decimal.Decimal) error {
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO stock_balances (item_code, warehouse, qty, updated_at)
		 VALUES ($1, $2, $3, NOW())
		 ON CONFLICT (item_code, warehouse)
		 DO UPDATE SET qty = EXCLUDED.qty, updated_at = NOW()`,
		itemCode, warehouse, qty)
	if err != nil {
		return database.Classify("set stock", err)
	}
	return nil
}

func (l *Ledger) GetInvoice(ctx context.Context, name string) (*Invoice, error) {
	inv := &Invoice{}

	var submittedAt sql.NullTime
	err := l.db.QueryRowContext(ctx,
		`SELECT id, name, offline_id, terminal_id, warehouse, customer, status,
		        grand_total, paid_amount, change_amount, created_at, updated_at, submitted_at, version
		 FROM invoices
		 WHERE name = $1`,
		name).Scan(
		&inv.ID,
		&inv.Name,
		&inv.OfflineID,
		&inv.TerminalID,
		&inv.Warehouse,
		&inv.Customer,
		&inv.Status,
		&inv.GrandTotal,
		&inv.PaidAmount,
		&inv.ChangeAmount,
		&inv.CreatedAt,
		&inv.UpdatedAt,
		&submittedAt,
		&inv.Version,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, database.ErrInvoiceNotFound
		}
		return nil, fmt.Errorf("get invoice: %w", err)
	}
	if submittedAt.Valid {
		t := submittedAt.Time
		inv.SubmittedAt = &t
	}

	rows, err := l.db.QueryContext(ctx,
		`SELECT mode, amount FROM payments WHERE invoice_id = $1 ORDER BY id`, inv.ID)
	if err != nil {
		return nil, fmt.Errorf("get payments: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var p models.Payment
		if err := rows.Scan(&p.Mode, &p.Amount); err != nil {
			return nil, fmt.Errorf("scan payment: %w", err)
		}
		inv.Payments = append(inv.Payments, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return inv, nil
}

// CountInvoices returns how many invoices exist for offlineID.
func (l *Ledger) CountInvoices(ctx context.Context, offlineID string) (int, error) {
	var count int
	err := l.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM invoices WHERE offline_id = $1`, offlineID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count invoices: %w", err)
	}
	return count, nil
}
