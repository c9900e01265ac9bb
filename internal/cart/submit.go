package cart

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/safar/pos-core/internal/apperr"
	"github.com/safar/pos-core/internal/models"
)

const postingDateLayout = "2006-01-02"

type SubmitResult struct {
	OfflineID string `json:"offline_id"`
	// Name is the server reference of the finalized invoice; empty when queued.
	Name   string `json:"name,omitempty"`
	Queued bool   `json:"queued"`
}

// Payload serializes the cart into an invoice payload. The cart's offline id
// is assigned on first use and kept until Reset.
func (c *Cart) Payload() models.InvoicePayload {
	if c.offlineID == "" && c.deps.IDs != nil {
		c.offlineID = c.deps.IDs.Next()
	}

	totals := c.Totals()
	now := c.deps.Now()

	items := make([]models.InvoiceItem, len(c.lines))
	for i, l := range c.lines {
		items[i] = models.InvoiceItem{
			ItemCode:           l.ItemCode,
			ItemName:           l.ItemName,
			UOM:                l.UOM,
			ConversionFactor:   l.ConversionFactor,
			Qty:                l.Qty,
			PriceListRate:      l.PriceListRate,
			Rate:               l.EffectiveRate(),
			DiscountPercentage: l.DiscountPercentage,
			DiscountAmount:     l.DiscountAmount,
			TaxRate:            l.TaxRate,
			TaxAmount:          l.TaxAmount,
			NetAmount:          l.NetAmount,
			Amount:             l.Amount,
			FreeQty:            l.FreeQty,
			IsStockItem:        l.IsStockItem,
			BatchNo:            l.BatchNo,
			SerialNos:          append([]string(nil), l.SerialNos...),
		}
	}

	var applied []string
	for _, a := range c.applied {
		applied = append(applied, a.Code)
	}

	payments := append([]models.Payment{}, c.payments...)

	return models.InvoicePayload{
		OfflineID:          c.offlineID,
		TerminalID:         c.cfg.TerminalID,
		Warehouse:          c.cfg.Warehouse,
		Customer:           c.customer,
		PostingDate:        now.Format(postingDateLayout),
		CreatedAt:          now.UTC(),
		TaxInclusive:       c.taxInclusive,
		CouponCode:         c.couponCode,
		AppliedOffers:      applied,
		Items:              items,
		Payments:           payments,
		Subtotal:           totals.Subtotal,
		TotalTax:           totals.TotalTax,
		TotalDiscount:      totals.TotalDiscount,
		AdditionalDiscount: totals.AdditionalDiscount,
		GrandTotal:         totals.GrandTotal,
		PaidAmount:         totals.TotalPaid,
		ChangeAmount:       totals.Change,
	}
}

// Submit records the sale. Online, it saves a draft on the remote ledger and
// finalizes it with the payments; a network failure on either phase, or an
// offline terminal, queues the payload instead. Any other failure is returned
// and the cart is left intact for the cashier to fix. On success, queued or
// not, the cart is reset.
func (c *Cart) Submit(ctx context.Context) (SubmitResult, error) {
	const op = "submit"

	if len(c.lines) == 0 {
		return SubmitResult{}, apperr.Validation(op, "cart is empty")
	}
	if !c.CanSubmit() {
		return SubmitResult{}, apperr.Validation(op, "remaining amount %s is not paid", c.Totals().Remaining)
	}

	payload := c.Payload()
	if payload.OfflineID == "" {
		return SubmitResult{}, apperr.New(apperr.KindConfiguration, op, fmt.Errorf("no offline id generator"))
	}

	if c.deps.Ledger == nil || (c.deps.Connectivity != nil && !c.deps.Connectivity.Online()) {
		return c.enqueue(ctx, payload, nil)
	}

	if c.draftRef == "" {
		ref, err := c.deps.Ledger.SubmitDraft(ctx, payload)
		switch kind := apperr.KindOf(err); {
		case err == nil:
			c.draftRef = ref
		case kind == apperr.KindDuplicate:
			return c.complete(payload.OfflineID, apperr.RefOf(err)), nil
		case kind == apperr.KindNetwork:
			c.goOffline(err)
			return c.enqueue(ctx, payload, err)
		default:
			return SubmitResult{}, fmt.Errorf("%s: save draft: %w", op, err)
		}
	}

	name, err := c.deps.Ledger.Finalize(ctx, c.draftRef, payload.PaymentData())
	switch kind := apperr.KindOf(err); {
	case err == nil:
		return c.complete(payload.OfflineID, name), nil
	case kind == apperr.KindDuplicate:
		name = apperr.RefOf(err)
		if name == "" {
			name = c.draftRef
		}
		return c.complete(payload.OfflineID, name), nil
	case kind == apperr.KindNetwork:
		c.goOffline(err)
		return c.enqueue(ctx, payload, err)
	case kind == apperr.KindSyncInProgress:
		return c.enqueue(ctx, payload, err)
	default:
		return SubmitResult{}, fmt.Errorf("%s: finalize %s: %w", op, c.draftRef, err)
	}
}

func (c *Cart) goOffline(cause error) {
	if c.deps.Connectivity != nil {
		c.deps.Connectivity.SetOffline(cause)
	}
}

func (c *Cart) enqueue(ctx context.Context, payload models.InvoicePayload, cause error) (SubmitResult, error) {
	if c.deps.Queue == nil {
		return SubmitResult{}, ErrOffline
	}
	if _, err := c.deps.Queue.Enqueue(ctx, payload); err != nil {
		return SubmitResult{}, fmt.Errorf("submit: queue %s: %w", payload.OfflineID, err)
	}

	attrs := []any{slog.String("offline_id", payload.OfflineID)}
	if cause != nil {
		attrs = append(attrs, slog.String("error", cause.Error()))
	}
	c.deps.Logger.Info("transaction queued", attrs...)

	c.Reset()
	return SubmitResult{OfflineID: payload.OfflineID, Queued: true}, nil
}

func (c *Cart) complete(offlineID, name string) SubmitResult {
	c.deps.Logger.Info("transaction submitted",
		slog.String("offline_id", offlineID),
		slog.String("name", name))
	c.Reset()
	return SubmitResult{OfflineID: offlineID, Name: name}
}
