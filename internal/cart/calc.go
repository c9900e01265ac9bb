package cart

import (
	"github.com/safar/pos-core/internal/models"
	"github.com/shopspring/decimal"
)

var one = decimal.NewFromInt(1)

// recalculate derives base, discount, net and tax for one line.
//
//	exclusive: net = base - discount, tax = net × rate
//	inclusive: gross = base - discount, net = gross / (1 + rate), tax = gross - net
//
// The discount follows whichever of percentage or amount was set last and is
// clamped to [0, base]; the other field is kept in sync.
func recalculate(l *models.LineItem, taxInclusive bool) {
	base := models.RoundMoney(l.Qty.Mul(l.EffectiveRate()))
	l.BaseAmount = base

	var discount decimal.Decimal
	switch l.DiscountMode {
	case models.DiscountModePercentage:
		l.DiscountPercentage = models.Clamp(l.DiscountPercentage, decimal.Zero, decimal.NewFromInt(100))
		discount = models.RoundMoney(base.Mul(models.Percent(l.DiscountPercentage)))
	case models.DiscountModeAmount:
		discount = models.RoundMoney(l.DiscountAmount)
	default:
		discount = decimal.Zero
	}

	lo, hi := decimal.Zero, base
	if base.IsNegative() {
		lo, hi = base, decimal.Zero
	}
	discount = models.Clamp(discount, lo, hi)
	l.DiscountAmount = discount
	if l.DiscountMode != models.DiscountModePercentage {
		l.DiscountPercentage = models.PercentOf(discount, base)
	}

	rate := models.Percent(l.TaxRate)
	gross := base.Sub(discount)
	if taxInclusive {
		l.NetAmount = models.RoundMoney(gross.Div(one.Add(rate)))
		l.TaxAmount = gross.Sub(l.NetAmount)
	} else {
		l.NetAmount = gross
		l.TaxAmount = models.RoundMoney(gross.Mul(rate))
	}
	l.Amount = l.NetAmount
}

type contribution struct {
	base     decimal.Decimal
	discount decimal.Decimal
	tax      decimal.Decimal
}

func contributionOf(l *models.LineItem) contribution {
	if l == nil {
		return contribution{}
	}
	return contribution{base: l.BaseAmount, discount: l.DiscountAmount, tax: l.TaxAmount}
}

// applyDelta moves the cached aggregates from a line's old contribution to
// its new one.
func (c *Cart) applyDelta(before, after contribution) {
	c.cache.subtotal = c.cache.subtotal.Add(after.base.Sub(before.base))
	c.cache.discount = c.cache.discount.Add(after.discount.Sub(before.discount))
	c.cache.tax = c.cache.tax.Add(after.tax.Sub(before.tax))
}

// mutateLine runs fn on l, recalculates it and updates the cache
// incrementally.
func (c *Cart) mutateLine(l *models.LineItem, fn func(*models.LineItem)) {
	before := contributionOf(l)
	fn(l)
	recalculate(l, c.taxInclusive)
	c.applyDelta(before, contributionOf(l))
}
