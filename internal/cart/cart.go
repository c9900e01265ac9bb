// Package cart is the ledger of one in-progress sale: line items, discounts,
// payments and the running totals derived from them.
//
// A Cart is owned by a single session goroutine and is not safe for
// concurrent use.
package cart

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/safar/pos-core/internal/apperr"
	"github.com/safar/pos-core/internal/models"
	"github.com/safar/pos-core/internal/offers"
	"github.com/shopspring/decimal"
)

var (
	ErrLineNotFound    = errors.New("cart: line not found")
	ErrPaymentNotFound = errors.New("cart: payment not found")
	ErrOffline         = errors.New("cart: terminal is offline and no queue is configured")
)

type StockReserver interface {
	Reserve(lines []models.LineItem) map[string]decimal.Decimal
	Lookup(code string) (models.StockEntry, bool)
}

type OfferCatalog interface {
	Offers() []models.Offer
	Get(code string) (models.Offer, error)
}

type Pricer interface {
	EvaluateOffers(ctx context.Context, draft offers.Snapshot, codes []string) (models.PricingResult, error)
}

type Ledger interface {
	SubmitDraft(ctx context.Context, payload models.InvoicePayload) (string, error)
	Finalize(ctx context.Context, ref string, payment models.PaymentData) (string, error)
}

type Queue interface {
	Enqueue(ctx context.Context, payload models.InvoicePayload) (*models.OfflineTransaction, error)
}

type Connectivity interface {
	Online() bool
	SetOffline(cause error)
}

type IDGenerator interface {
	Next() string
}

type Config struct {
	TerminalID         string
	Warehouse          string
	TaxInclusive       bool
	AllowNegativeStock bool
}

type Deps struct {
	Stock        StockReserver
	Catalog      OfferCatalog
	Pricer       Pricer
	Ledger       Ledger
	Queue        Queue
	Connectivity Connectivity
	IDs          IDGenerator
	Logger       *slog.Logger
	Now          func() time.Time
}

type aggregates struct {
	subtotal decimal.Decimal
	tax      decimal.Decimal
	discount decimal.Decimal
	paid     decimal.Decimal
}

func (a aggregates) equal(b aggregates) bool {
	return a.subtotal.Equal(b.subtotal) &&
		a.tax.Equal(b.tax) &&
		a.discount.Equal(b.discount) &&
		a.paid.Equal(b.paid)
}

type Cart struct {
	cfg  Config
	deps Deps

	lines              []*models.LineItem
	index              map[models.LineKey]*models.LineItem
	payments           []models.Payment
	customer           string
	couponCode         string
	additionalDiscount decimal.Decimal
	taxInclusive       bool
	applied            []models.AppliedOffer
	suppressed         map[string]bool

	cache aggregates

	offlineID string
	draftRef  string
}

func New(cfg Config, deps Deps) *Cart {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Cart{
		cfg:          cfg,
		deps:         deps,
		taxInclusive: cfg.TaxInclusive,
		index:        make(map[models.LineKey]*models.LineItem),
		suppressed:   make(map[string]bool),
	}
}

// Totals is the cart's financial summary.
type Totals struct {
	Subtotal           decimal.Decimal `json:"subtotal"`
	TotalTax           decimal.Decimal `json:"total_tax"`
	TotalDiscount      decimal.Decimal `json:"total_discount"`
	AdditionalDiscount decimal.Decimal `json:"additional_discount"`
	GrandTotal         decimal.Decimal `json:"grand_total"`
	TotalPaid          decimal.Decimal `json:"total_paid"`
	Remaining          decimal.Decimal `json:"remaining"`
	Change             decimal.Decimal `json:"change"`
	TotalQty           decimal.Decimal `json:"total_qty"`
	Lines              int             `json:"lines"`
}

// Totals derives grand total and remaining amount from the cached aggregates.
// Tax is added on top only in tax-exclusive mode.
func (c *Cart) Totals() Totals {
	grand := c.cache.subtotal.Sub(c.cache.discount.Add(c.additionalDiscount))
	if !c.taxInclusive {
		grand = grand.Add(c.cache.tax)
	}
	remaining := grand.Sub(c.cache.paid)

	change := decimal.Zero
	if remaining.IsNegative() {
		change = remaining.Neg()
	}

	qty := decimal.Zero
	for _, l := range c.lines {
		qty = qty.Add(l.Qty)
	}

	return Totals{
		Subtotal:           c.cache.subtotal,
		TotalTax:           c.cache.tax,
		TotalDiscount:      c.cache.discount,
		AdditionalDiscount: c.additionalDiscount,
		GrandTotal:         grand,
		TotalPaid:          c.cache.paid,
		Remaining:          remaining,
		Change:             change,
		TotalQty:           qty,
		Lines:              len(c.lines),
	}
}

func (c *Cart) CanSubmit() bool {
	return len(c.lines) > 0 && c.Totals().Remaining.LessThanOrEqual(models.Epsilon)
}

// Snapshot is a read-only copy of the cart.
type Snapshot struct {
	Lines         []models.LineItem     `json:"lines"`
	Payments      []models.Payment      `json:"payments"`
	AppliedOffers []models.AppliedOffer `json:"applied_offers"`
	Customer      string                `json:"customer,omitempty"`
	CouponCode    string                `json:"coupon_code,omitempty"`
	TaxInclusive  bool                  `json:"tax_inclusive"`
	OfflineID     string                `json:"offline_id,omitempty"`
	DraftRef      string                `json:"draft_ref,omitempty"`
	Totals        Totals                `json:"totals"`
}

func (c *Cart) Snapshot() Snapshot {
	return Snapshot{
		Lines:         c.lineValues(),
		Payments:      append([]models.Payment(nil), c.payments...),
		AppliedOffers: append([]models.AppliedOffer(nil), c.applied...),
		Customer:      c.customer,
		CouponCode:    c.couponCode,
		TaxInclusive:  c.taxInclusive,
		OfflineID:     c.offlineID,
		DraftRef:      c.draftRef,
		Totals:        c.Totals(),
	}
}

func (c *Cart) lineValues() []models.LineItem {
	out := make([]models.LineItem, len(c.lines))
	for i, l := range c.lines {
		out[i] = *l
		out[i].SerialNos = append([]string(nil), l.SerialNos...)
		out[i].PricingRules = append([]string(nil), l.PricingRules...)
	}
	return out
}

func (c *Cart) offerSnapshot() offers.Snapshot {
	return offers.Snapshot{
		Lines:      c.lineValues(),
		CouponCode: c.couponCode,
		Date:       c.deps.Now(),
	}
}

// Reset empties the cart and releases its reservations. The tax mode is kept.
func (c *Cart) Reset() {
	c.lines = nil
	c.index = make(map[models.LineKey]*models.LineItem)
	c.payments = nil
	c.customer = ""
	c.couponCode = ""
	c.additionalDiscount = decimal.Zero
	c.applied = nil
	c.suppressed = make(map[string]bool)
	c.cache = aggregates{}
	c.offlineID = ""
	c.draftRef = ""

	if c.deps.Stock != nil {
		c.deps.Stock.Reserve(nil)
	}
}

func (c *Cart) SetCustomer(customer string) {
	c.customer = customer
	c.draftRef = ""
}

func (c *Cart) SetAdditionalDiscount(amount decimal.Decimal) error {
	if amount.IsNegative() {
		return apperr.Validation("set additional discount", "discount %s must not be negative", amount)
	}
	c.additionalDiscount = models.RoundMoney(amount)
	c.draftRef = ""
	return nil
}

// SetTaxInclusive switches the tax mode and recomputes every line.
func (c *Cart) SetTaxInclusive(inclusive bool) {
	if c.taxInclusive == inclusive {
		return
	}
	c.taxInclusive = inclusive
	for _, l := range c.lines {
		recalculate(l, c.taxInclusive)
	}
	c.RebuildCache()
	c.draftRef = ""
}

func (c *Cart) TaxInclusive() bool {
	return c.taxInclusive
}

// ReloadTaxRates applies new tax rates keyed by item code and rebuilds the
// aggregates.
func (c *Cart) ReloadTaxRates(rates map[string]decimal.Decimal) {
	for _, l := range c.lines {
		if rate, ok := rates[l.ItemCode]; ok {
			l.TaxRate = rate
		}
		recalculate(l, c.taxInclusive)
	}
	c.RebuildCache()
	c.draftRef = ""
}

// RebuildCache recomputes the cached aggregates from the lines and payments.
func (c *Cart) RebuildCache() {
	c.cache = c.computeAggregates()
}

func (c *Cart) computeAggregates() aggregates {
	var a aggregates
	for _, l := range c.lines {
		a.subtotal = a.subtotal.Add(l.BaseAmount)
		a.discount = a.discount.Add(l.DiscountAmount)
		a.tax = a.tax.Add(l.TaxAmount)
	}
	for _, p := range c.payments {
		a.paid = a.paid.Add(p.Amount)
	}
	return a
}
