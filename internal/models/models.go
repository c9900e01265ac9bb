package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Item is a catalog entry as presented to the cart by the item selector.
type Item struct {
	ItemCode         string          `json:"item_code" yaml:"item_code" validate:"required"`
	ItemName         string          `json:"item_name" yaml:"item_name"`
	ItemGroup        string          `json:"item_group,omitempty" yaml:"item_group"`
	Brand            string          `json:"brand,omitempty" yaml:"brand"`
	UOM              string          `json:"uom" yaml:"uom" validate:"required"`
	ConversionFactor decimal.Decimal `json:"conversion_factor" yaml:"conversion_factor" validate:"gte=0"`
	PriceListRate    decimal.Decimal `json:"price_list_rate" yaml:"price_list_rate" validate:"gte=0"`
	TaxRate          decimal.Decimal `json:"tax_rate" yaml:"tax_rate" validate:"gte=0"`
	IsStockItem      bool            `json:"is_stock_item" yaml:"is_stock_item"`
	BatchNo          string          `json:"batch_no,omitempty" yaml:"batch_no"`
	SerialNos        []string        `json:"serial_nos,omitempty" yaml:"serial_nos"`
}

type DiscountMode string

const (
	DiscountModeNone       DiscountMode = ""
	DiscountModePercentage DiscountMode = "percentage"
	DiscountModeAmount     DiscountMode = "amount"
)

type LineKey struct {
	ItemCode string
	UOM      string
}

type LineItem struct {
	ItemCode           string              `json:"item_code"`
	ItemName           string              `json:"item_name"`
	ItemGroup          string              `json:"item_group,omitempty"`
	Brand              string              `json:"brand,omitempty"`
	UOM                string              `json:"uom"`
	ConversionFactor   decimal.Decimal     `json:"conversion_factor"`
	Qty                decimal.Decimal     `json:"qty"`
	PriceListRate      decimal.Decimal     `json:"price_list_rate"`
	Rate               decimal.NullDecimal `json:"rate"`
	DiscountPercentage decimal.Decimal     `json:"discount_percentage"`
	DiscountAmount     decimal.Decimal     `json:"discount_amount"`
	DiscountMode       DiscountMode        `json:"discount_mode,omitempty"`
	PricingDiscount    bool                `json:"pricing_discount,omitempty"`
	TaxRate            decimal.Decimal     `json:"tax_rate"`
	BaseAmount         decimal.Decimal     `json:"base_amount"`
	NetAmount          decimal.Decimal     `json:"net_amount"`
	TaxAmount          decimal.Decimal     `json:"tax_amount"`
	Amount             decimal.Decimal     `json:"amount"`
	FreeQty            decimal.Decimal     `json:"free_qty"`
	IsStockItem        bool                `json:"is_stock_item"`
	BatchNo            string              `json:"batch_no,omitempty"`
	SerialNos          []string            `json:"serial_nos,omitempty"`
	PricingRules       []string            `json:"pricing_rules,omitempty"`
}

func (l *LineItem) Key() LineKey {
	return LineKey{ItemCode: l.ItemCode, UOM: l.UOM}
}

// EffectiveRate is the override rate when one is set, else the list rate.
func (l *LineItem) EffectiveRate() decimal.Decimal {
	if l.Rate.Valid {
		return l.Rate.Decimal
	}
	return l.PriceListRate
}

// StockQty is the quantity in stock units.
func (l *LineItem) StockQty() decimal.Decimal {
	cf := l.ConversionFactor
	if cf.IsZero() {
		cf = decimal.NewFromInt(1)
	}
	return l.Qty.Mul(cf)
}

type Payment struct {
	Mode   string          `json:"mode" validate:"required"`
	Amount decimal.Decimal `json:"amount" validate:"gte=0"`
}

type StockEntry struct {
	ItemCode    string          `json:"item_code"`
	Warehouse   string          `json:"warehouse"`
	ServerQty   decimal.Decimal `json:"server_qty"`
	ReservedQty decimal.Decimal `json:"reserved_qty"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// DisplayQty may be negative; it is informational and not a validation gate.
func (e StockEntry) DisplayQty() decimal.Decimal {
	return e.ServerQty.Sub(e.ReservedQty)
}

type StockQuantity struct {
	ItemCode  string          `json:"item_code"`
	Warehouse string          `json:"warehouse,omitempty"`
	Qty       decimal.Decimal `json:"qty"`
}

type ApplyOn string

const (
	ApplyOnItemCode    ApplyOn = "item_code"
	ApplyOnItemGroup   ApplyOn = "item_group"
	ApplyOnBrand       ApplyOn = "brand"
	ApplyOnTransaction ApplyOn = "transaction"
)

type DiscountType string

const (
	DiscountTypePercentage DiscountType = "percentage"
	DiscountTypeAmount     DiscountType = "amount"
	DiscountTypeFreeItem   DiscountType = "free_item"
)

type Offer struct {
	Code               string          `json:"code" yaml:"code" validate:"required"`
	Title              string          `json:"title" yaml:"title"`
	ApplyOn            ApplyOn         `json:"apply_on" yaml:"apply_on" validate:"oneof=item_code item_group brand transaction"`
	Items              []string        `json:"items,omitempty" yaml:"items"`
	ItemGroups         []string        `json:"item_groups,omitempty" yaml:"item_groups"`
	Brands             []string        `json:"brands,omitempty" yaml:"brands"`
	MinQty             decimal.Decimal `json:"min_qty" yaml:"min_qty" validate:"gte=0"`
	MaxQty             decimal.Decimal `json:"max_qty" yaml:"max_qty" validate:"gte=0"`
	MinAmount          decimal.Decimal `json:"min_amount" yaml:"min_amount" validate:"gte=0"`
	MaxAmount          decimal.Decimal `json:"max_amount" yaml:"max_amount" validate:"gte=0"`
	AutoApply          bool            `json:"auto_apply" yaml:"auto_apply"`
	CouponCode         string          `json:"coupon_code,omitempty" yaml:"coupon_code"`
	DiscountType       DiscountType    `json:"discount_type" yaml:"discount_type" validate:"oneof=percentage amount free_item"`
	DiscountPercentage decimal.Decimal `json:"discount_percentage" yaml:"discount_percentage" validate:"gte=0,lte=100"`
	DiscountAmount     decimal.Decimal `json:"discount_amount" yaml:"discount_amount" validate:"gte=0"`
	FreeItem           string          `json:"free_item,omitempty" yaml:"free_item" validate:"required_if=DiscountType free_item"`
	FreeItemUOM        string          `json:"free_item_uom,omitempty" yaml:"free_item_uom"`
	FreeQty            decimal.Decimal `json:"free_qty" yaml:"free_qty" validate:"gte=0"`
	Rules              []string        `json:"rules,omitempty" yaml:"rules"`
	ValidFrom          string          `json:"valid_from,omitempty" yaml:"valid_from"`
	ValidUpto          string          `json:"valid_upto,omitempty" yaml:"valid_upto"`
}

func (o *Offer) CouponBased() bool {
	return o.CouponCode != ""
}

type OfferSource string

const (
	OfferSourceManual OfferSource = "manual"
	OfferSourceAuto   OfferSource = "auto"
)

type AppliedOffer struct {
	Code      string          `json:"code"`
	Title     string          `json:"title"`
	Rules     []string        `json:"rules,omitempty"`
	Source    OfferSource     `json:"source"`
	MinQty    decimal.Decimal `json:"min_qty"`
	MaxQty    decimal.Decimal `json:"max_qty"`
	MinAmount decimal.Decimal `json:"min_amount"`
	MaxAmount decimal.Decimal `json:"max_amount"`
}

type PricedItem struct {
	ItemCode           string          `json:"item_code"`
	UOM                string          `json:"uom"`
	DiscountPercentage decimal.Decimal `json:"discount_percentage"`
	DiscountAmount     decimal.Decimal `json:"discount_amount"`
	PricingRules       []string        `json:"pricing_rules,omitempty"`
}

type FreeItem struct {
	ItemCode string          `json:"item_code"`
	UOM      string          `json:"uom"`
	Qty      decimal.Decimal `json:"qty"`
}

type PricingResult struct {
	Items        []PricedItem `json:"items"`
	FreeItems    []FreeItem   `json:"free_items"`
	AppliedRules []string     `json:"applied_rules"`
}

type InvoiceItem struct {
	ItemCode           string          `json:"item_code"`
	ItemName           string          `json:"item_name"`
	UOM                string          `json:"uom"`
	ConversionFactor   decimal.Decimal `json:"conversion_factor"`
	Qty                decimal.Decimal `json:"qty"`
	PriceListRate      decimal.Decimal `json:"price_list_rate"`
	Rate               decimal.Decimal `json:"rate"`
	DiscountPercentage decimal.Decimal `json:"discount_percentage"`
	DiscountAmount     decimal.Decimal `json:"discount_amount"`
	TaxRate            decimal.Decimal `json:"tax_rate"`
	TaxAmount          decimal.Decimal `json:"tax_amount"`
	NetAmount          decimal.Decimal `json:"net_amount"`
	Amount             decimal.Decimal `json:"amount"`
	FreeQty            decimal.Decimal `json:"free_qty"`
	IsStockItem        bool            `json:"is_stock_item"`
	BatchNo            string          `json:"batch_no,omitempty"`
	SerialNos          []string        `json:"serial_nos,omitempty"`
}

// InvoicePayload is the serialized cart submitted to the remote ledger or
// stored in the offline queue.
type InvoicePayload struct {
	OfflineID          string          `json:"offline_id"`
	TerminalID         string          `json:"terminal_id"`
	Warehouse          string          `json:"warehouse"`
	Customer           string          `json:"customer,omitempty"`
	PostingDate        string          `json:"posting_date"`
	CreatedAt          time.Time       `json:"created_at"`
	TaxInclusive       bool            `json:"tax_inclusive"`
	CouponCode         string          `json:"coupon_code,omitempty"`
	AppliedOffers      []string        `json:"applied_offers,omitempty"`
	Items              []InvoiceItem   `json:"items"`
	Payments           []Payment       `json:"payments"`
	Subtotal           decimal.Decimal `json:"subtotal"`
	TotalTax           decimal.Decimal `json:"total_tax"`
	TotalDiscount      decimal.Decimal `json:"total_discount"`
	AdditionalDiscount decimal.Decimal `json:"additional_discount"`
	GrandTotal         decimal.Decimal `json:"grand_total"`
	PaidAmount         decimal.Decimal `json:"paid_amount"`
	ChangeAmount       decimal.Decimal `json:"change_amount"`
}

type PaymentData struct {
	Payments     []Payment       `json:"payments"`
	PaidAmount   decimal.Decimal `json:"paid_amount"`
	ChangeAmount decimal.Decimal `json:"change_amount"`
}

func (p *InvoicePayload) PaymentData() PaymentData {
	return PaymentData{
		Payments:     p.Payments,
		PaidAmount:   p.PaidAmount,
		ChangeAmount: p.ChangeAmount,
	}
}

type OfflineStatus string

const (
	OfflineStatusPending OfflineStatus = "pending"
	OfflineStatusSyncing OfflineStatus = "syncing"
	OfflineStatusSynced  OfflineStatus = "synced"
	OfflineStatusFailed  OfflineStatus = "failed"
	OfflineStatusDead    OfflineStatus = "dead"
)

type OfflineTransaction struct {
	ID         int64          `json:"id"`
	OfflineID  string         `json:"offline_id"`
	Payload    InvoicePayload `json:"payload"`
	Status     OfflineStatus  `json:"status"`
	Synced     bool           `json:"synced"`
	RetryCount int            `json:"retry_count"`
	ServerRef  string         `json:"server_ref,omitempty"`
	LastError  string         `json:"last_error,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
	SyncedAt   *time.Time     `json:"synced_at,omitempty"`
}

// SyncState reports whether the remote ledger already holds a finalized
// record for an offline id.
type SyncState struct {
	Synced bool   `json:"synced"`
	Ref    string `json:"ref,omitempty"`
}
