// Package offers decides which promotional offers a cart qualifies for.
// Evaluation is a pure function of the offer and a cart snapshot.
package offers

import (
	"fmt"
	"slices"
	"time"

	"github.com/safar/pos-core/internal/models"
	"github.com/shopspring/decimal"
)

const dateLayout = "2006-01-02"

// Snapshot is the part of a cart that eligibility depends on.
type Snapshot struct {
	Lines      []models.LineItem
	CouponCode string
	Date       time.Time
}

func (s Snapshot) TotalQty() decimal.Decimal {
	total := decimal.Zero
	for i := range s.Lines {
		total = total.Add(s.Lines[i].Qty)
	}
	return total
}

// TotalAmount sums qty × effective rate, before discounts and tax.
func (s Snapshot) TotalAmount() decimal.Decimal {
	total := decimal.Zero
	for i := range s.Lines {
		total = total.Add(s.Lines[i].Qty.Mul(s.Lines[i].EffectiveRate()))
	}
	return total
}

type Result struct {
	Eligible bool   `json:"eligible"`
	Reason   string `json:"reason,omitempty"`
}

func eligible() Result {
	return Result{Eligible: true}
}

func ineligible(format string, args ...any) Result {
	return Result{Reason: fmt.Sprintf(format, args...)}
}

// CheckEligibility evaluates the offer against the snapshot. Checks run in a
// fixed order and the first failure is reported: cart non-empty, validity
// window, min/max quantity, min/max amount, apply_on membership. Zero bounds
// are unset.
func CheckEligibility(offer models.Offer, snap Snapshot) Result {
	if len(snap.Lines) == 0 {
		return ineligible("cart is empty")
	}

	if r := checkValidity(offer, snap.Date); !r.Eligible {
		return r
	}

	qty := snap.TotalQty()
	if offer.MinQty.IsPositive() && qty.LessThan(offer.MinQty) {
		return ineligible("minimum quantity %s not reached (cart has %s)", offer.MinQty, qty)
	}
	if offer.MaxQty.IsPositive() && qty.GreaterThan(offer.MaxQty) {
		return ineligible("maximum quantity %s exceeded (cart has %s)", offer.MaxQty, qty)
	}

	amount := snap.TotalAmount()
	if offer.MinAmount.IsPositive() && amount.LessThan(offer.MinAmount) {
		return ineligible("minimum amount %s not reached (cart has %s)", offer.MinAmount, amount)
	}
	if offer.MaxAmount.IsPositive() && amount.GreaterThan(offer.MaxAmount) {
		return ineligible("maximum amount %s exceeded (cart has %s)", offer.MaxAmount, amount)
	}

	switch offer.ApplyOn {
	case models.ApplyOnTransaction, "":
		return eligible()
	case models.ApplyOnItemCode:
		if anyLine(snap.Lines, func(l *models.LineItem) bool { return slices.Contains(offer.Items, l.ItemCode) }) {
			return eligible()
		}
		return ineligible("no cart item matches the offer items")
	case models.ApplyOnItemGroup:
		if anyLine(snap.Lines, func(l *models.LineItem) bool { return slices.Contains(offer.ItemGroups, l.ItemGroup) }) {
			return eligible()
		}
		return ineligible("no cart item in the offer item groups")
	case models.ApplyOnBrand:
		if anyLine(snap.Lines, func(l *models.LineItem) bool { return slices.Contains(offer.Brands, l.Brand) }) {
			return eligible()
		}
		return ineligible("no cart item of the offer brands")
	default:
		return ineligible("unsupported apply_on %q", offer.ApplyOn)
	}
}

func checkValidity(offer models.Offer, date time.Time) Result {
	if date.IsZero() {
		return eligible()
	}
	day := date.Format(dateLayout)

	// ISO dates compare correctly as strings.
	if offer.ValidFrom != "" && day < offer.ValidFrom {
		return ineligible("offer starts on %s", offer.ValidFrom)
	}
	if offer.ValidUpto != "" && day > offer.ValidUpto {
		return ineligible("offer expired on %s", offer.ValidUpto)
	}
	return eligible()
}

func anyLine(lines []models.LineItem, match func(*models.LineItem) bool) bool {
	for i := range lines {
		if match(&lines[i]) {
			return true
		}
	}
	return false
}

// AllEligible returns the offers the snapshot qualifies for. Coupon-gated
// offers are included only when the snapshot carries their coupon code.
func AllEligible(catalog []models.Offer, snap Snapshot) []models.Offer {
	var out []models.Offer
	for _, offer := range catalog {
		if offer.CouponBased() && offer.CouponCode != snap.CouponCode {
			continue
		}
		if CheckEligibility(offer, snap).Eligible {
			out = append(out, offer)
		}
	}
	return out
}

// AutoEligible is AllEligible restricted to offers flagged for automatic
// application.
func AutoEligible(catalog []models.Offer, snap Snapshot) []models.Offer {
	var out []models.Offer
	for _, offer := range AllEligible(catalog, snap) {
		if offer.AutoApply {
			out = append(out, offer)
		}
	}
	return out
}
