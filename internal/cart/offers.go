package cart

import (
	"context"
	"log/slog"
	"slices"

	"github.com/safar/pos-core/internal/apperr"
	"github.com/safar/pos-core/internal/models"
	"github.com/safar/pos-core/internal/offers"
	"github.com/shopspring/decimal"
)

// ApplyOffer applies a catalog offer by hand. The offer must be eligible for
// the current cart and, when coupon-gated, unlocked by the cart's coupon.
func (c *Cart) ApplyOffer(ctx context.Context, code string) error {
	const op = "apply offer"

	if c.deps.Catalog == nil {
		return apperr.Validation(op, "no offer catalog")
	}
	offer, err := c.deps.Catalog.Get(code)
	if err != nil {
		return apperr.New(apperr.KindValidation, op, err)
	}
	if offer.CouponBased() && offer.CouponCode != c.couponCode {
		return apperr.Validation(op, "offer %s needs coupon %s", code, offer.CouponCode)
	}
	if res := offers.CheckEligibility(offer, c.offerSnapshot()); !res.Eligible {
		return apperr.Validation(op, "offer %s: %s", code, res.Reason)
	}

	delete(c.suppressed, code)
	if !c.hasOffer(code) {
		c.applied = append(c.applied, appliedOffer(offer, models.OfferSourceManual))
	}
	c.draftRef = ""
	c.reprice(ctx)
	return nil
}

// RemoveOffer removes an applied offer. It is not re-applied automatically
// until the cart is reset or the offer is applied again by hand.
func (c *Cart) RemoveOffer(ctx context.Context, code string) error {
	if !c.hasOffer(code) {
		return apperr.Validation("remove offer", "offer %s is not applied", code)
	}

	c.applied = slices.DeleteFunc(c.applied, func(a models.AppliedOffer) bool {
		return a.Code == code
	})
	c.suppressed[code] = true
	c.draftRef = ""
	c.reprice(ctx)
	return nil
}

// ApplyCoupon sets the coupon code and applies the eligible offers it unlocks.
// An empty code clears the coupon and drops the offers it gated.
func (c *Cart) ApplyCoupon(ctx context.Context, code string) error {
	const op = "apply coupon"

	if code != "" {
		if c.deps.Catalog == nil {
			return apperr.Validation(op, "no offer catalog")
		}
		known := slices.ContainsFunc(c.deps.Catalog.Offers(), func(o models.Offer) bool {
			return o.CouponCode == code
		})
		if !known {
			return apperr.Validation(op, "unknown coupon %s", code)
		}
	}

	c.couponCode = code
	c.draftRef = ""

	if code != "" {
		snap := c.offerSnapshot()
		for _, offer := range c.deps.Catalog.Offers() {
			if offer.CouponCode != code || c.hasOffer(offer.Code) {
				continue
			}
			if offers.CheckEligibility(offer, snap).Eligible {
				delete(c.suppressed, offer.Code)
				c.applied = append(c.applied, appliedOffer(offer, models.OfferSourceManual))
			}
		}
	}

	c.reprice(ctx)
	return nil
}

func (c *Cart) CouponCode() string {
	return c.couponCode
}

func (c *Cart) AppliedOffers() []models.AppliedOffer {
	return slices.Clone(c.applied)
}

func (c *Cart) hasOffer(code string) bool {
	return slices.ContainsFunc(c.applied, func(a models.AppliedOffer) bool {
		return a.Code == code
	})
}

func appliedOffer(offer models.Offer, source models.OfferSource) models.AppliedOffer {
	return models.AppliedOffer{
		Code:      offer.Code,
		Title:     offer.Title,
		Rules:     offer.Rules,
		Source:    source,
		MinQty:    offer.MinQty,
		MaxQty:    offer.MaxQty,
		MinAmount: offer.MinAmount,
		MaxAmount: offer.MaxAmount,
	}
}

func (c *Cart) stillEligible(code string, snap offers.Snapshot) (string, bool) {
	offer, err := c.deps.Catalog.Get(code)
	if err != nil {
		return err.Error(), false
	}
	if offer.CouponBased() && offer.CouponCode != snap.CouponCode {
		return "coupon removed", false
	}
	res := offers.CheckEligibility(offer, snap)
	return res.Reason, res.Eligible
}

// reprice re-validates the applied offers, adds newly eligible automatic
// offers and applies the pricing result to the lines.
func (c *Cart) reprice(ctx context.Context) {
	if c.deps.Catalog == nil || c.deps.Pricer == nil {
		return
	}

	snap := c.offerSnapshot()

	kept := make([]models.AppliedOffer, 0, len(c.applied))
	for _, a := range c.applied {
		if reason, ok := c.stillEligible(a.Code, snap); !ok {
			c.deps.Logger.Debug("offer no longer eligible",
				slog.String("offer", a.Code),
				slog.String("reason", reason))
			continue
		}
		kept = append(kept, a)
	}
	c.applied = kept

	result, err := c.evaluate(ctx, snap, c.applied)
	if err != nil {
		c.deps.Logger.Warn("pricing failed", slog.String("error", err.Error()))
		result = models.PricingResult{}
	}

	var added []models.AppliedOffer
	for _, offer := range offers.AutoEligible(c.deps.Catalog.Offers(), snap) {
		if c.suppressed[offer.Code] || c.hasOffer(offer.Code) {
			continue
		}
		added = append(added, appliedOffer(offer, models.OfferSourceAuto))
	}
	if len(added) > 0 {
		all := slices.Concat(c.applied, added)
		withAuto, err := c.evaluate(ctx, snap, all)
		if err != nil {
			c.deps.Logger.Warn("pricing automatic offers failed", slog.String("error", err.Error()))
		} else {
			c.applied = all
			result = withAuto
		}
	}

	c.applyPricing(result)
}

func (c *Cart) evaluate(ctx context.Context, snap offers.Snapshot, applied []models.AppliedOffer) (models.PricingResult, error) {
	if len(applied) == 0 || len(snap.Lines) == 0 {
		return models.PricingResult{}, nil
	}
	codes := make([]string, len(applied))
	for i, a := range applied {
		codes[i] = a.Code
	}
	return c.deps.Pricer.EvaluateOffers(ctx, snap, codes)
}

// applyPricing resets every pricing-rule discount and free quantity, then
// applies result. Discounts the cashier set by hand are left alone.
func (c *Cart) applyPricing(result models.PricingResult) {
	priced := make(map[models.LineKey]models.PricedItem, len(result.Items))
	for _, p := range result.Items {
		priced[models.LineKey{ItemCode: p.ItemCode, UOM: p.UOM}] = p
	}
	free := make(map[models.LineKey]decimal.Decimal, len(result.FreeItems))
	for _, f := range result.FreeItems {
		key := models.LineKey{ItemCode: f.ItemCode, UOM: f.UOM}
		free[key] = free[key].Add(f.Qty)
	}

	changed := false
	for _, l := range c.lines {
		before := *l

		if l.PricingDiscount {
			l.DiscountMode = models.DiscountModeNone
			l.DiscountPercentage = decimal.Zero
			l.DiscountAmount = decimal.Zero
			l.PricingDiscount = false
			l.PricingRules = nil
		}
		if p, ok := priced[l.Key()]; ok && l.DiscountMode == models.DiscountModeNone {
			if p.DiscountAmount.IsPositive() {
				l.DiscountMode = models.DiscountModeAmount
				l.DiscountAmount = p.DiscountAmount
			} else {
				l.DiscountMode = models.DiscountModePercentage
				l.DiscountPercentage = p.DiscountPercentage
			}
			l.PricingDiscount = true
			l.PricingRules = slices.Clone(p.PricingRules)
		}
		l.FreeQty = free[l.Key()]

		recalculate(l, c.taxInclusive)
		if lineChanged(before, *l) {
			changed = true
		}
	}

	if changed {
		c.RebuildCache()
	}
}

func lineChanged(a, b models.LineItem) bool {
	return !a.DiscountAmount.Equal(b.DiscountAmount) ||
		!a.DiscountPercentage.Equal(b.DiscountPercentage) ||
		!a.TaxAmount.Equal(b.TaxAmount) ||
		!a.FreeQty.Equal(b.FreeQty) ||
		a.DiscountMode != b.DiscountMode ||
		!slices.Equal(a.PricingRules, b.PricingRules)
}
