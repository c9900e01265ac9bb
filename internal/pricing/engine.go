// Package pricing turns a set of offer codes into per-line discounts and
// free quantities for a cart draft.
package pricing

import (
	"context"
	"slices"

	"github.com/safar/pos-core/internal/apperr"
	"github.com/safar/pos-core/internal/models"
	"github.com/safar/pos-core/internal/offers"
	"github.com/shopspring/decimal"
)

// Engine evaluates offers from a catalog. Percentage and per-unit amount
// discounts apply to the lines an offer targets; transaction-level amount
// discounts are spread over all lines in proportion to their base amount.
// Free items are granted only for lines already in the cart.
type Engine struct {
	catalog *offers.Catalog
}

func NewEngine(catalog *offers.Catalog) *Engine {
	return &Engine{catalog: catalog}
}

type lineDiscount struct {
	percentage decimal.Decimal
	amount     decimal.Decimal
	rules      []string
}

func (e *Engine) EvaluateOffers(ctx context.Context, draft offers.Snapshot, codes []string) (models.PricingResult, error) {
	const op = "evaluate offers"

	result := models.PricingResult{
		Items:        []models.PricedItem{},
		FreeItems:    []models.FreeItem{},
		AppliedRules: []string{},
	}
	if err := ctx.Err(); err != nil {
		return result, apperr.Network(op, err)
	}

	discounts := make([]lineDiscount, len(draft.Lines))
	free := make(map[models.LineKey]decimal.Decimal)
	var freeOrder []models.LineKey

	for _, code := range codes {
		offer, err := e.catalog.Get(code)
		if err != nil {
			return result, apperr.New(apperr.KindValidation, op, err)
		}
		if !offers.CheckEligibility(offer, draft).Eligible {
			continue
		}

		targets := targetLines(offer, draft.Lines)
		if len(targets) == 0 {
			continue
		}
		rules := offer.Rules
		if len(rules) == 0 {
			rules = []string{offer.Code}
		}

		applied := false
		switch offer.DiscountType {
		case models.DiscountTypePercentage:
			for _, i := range targets {
				discounts[i].percentage = discounts[i].percentage.Add(offer.DiscountPercentage)
				discounts[i].rules = appendUnique(discounts[i].rules, rules...)
			}
			applied = true
		case models.DiscountTypeAmount:
			if offer.ApplyOn == models.ApplyOnTransaction {
				spreadAmount(draft.Lines, targets, offer.DiscountAmount, discounts)
			} else {
				for _, i := range targets {
					discounts[i].amount = discounts[i].amount.Add(offer.DiscountAmount.Mul(draft.Lines[i].Qty))
				}
			}
			for _, i := range targets {
				discounts[i].rules = appendUnique(discounts[i].rules, rules...)
			}
			applied = true
		case models.DiscountTypeFreeItem:
			key, ok := freeItemLine(offer, draft.Lines)
			if !ok {
				continue
			}
			if _, seen := free[key]; !seen {
				freeOrder = append(freeOrder, key)
			}
			free[key] = free[key].Add(offer.FreeQty)
			applied = true
		}

		if applied {
			result.AppliedRules = appendUnique(result.AppliedRules, offer.Code)
		}
	}

	for i, d := range discounts {
		if len(d.rules) == 0 {
			continue
		}
		item := models.PricedItem{
			ItemCode:     draft.Lines[i].ItemCode,
			UOM:          draft.Lines[i].UOM,
			PricingRules: d.rules,
		}
		if d.amount.IsZero() {
			item.DiscountPercentage = decimal.Min(d.percentage, decimal.NewFromInt(100))
		} else {
			base := draft.Lines[i].Qty.Mul(draft.Lines[i].EffectiveRate())
			item.DiscountAmount = models.RoundMoney(base.Mul(models.Percent(d.percentage)).Add(d.amount))
		}
		result.Items = append(result.Items, item)
	}

	for _, key := range freeOrder {
		result.FreeItems = append(result.FreeItems, models.FreeItem{
			ItemCode: key.ItemCode,
			UOM:      key.UOM,
			Qty:      free[key],
		})
	}

	return result, nil
}

func targetLines(offer models.Offer, lines []models.LineItem) []int {
	var idx []int
	for i := range lines {
		l := &lines[i]
		var match bool
		switch offer.ApplyOn {
		case models.ApplyOnItemCode:
			match = slices.Contains(offer.Items, l.ItemCode)
		case models.ApplyOnItemGroup:
			match = slices.Contains(offer.ItemGroups, l.ItemGroup)
		case models.ApplyOnBrand:
			match = slices.Contains(offer.Brands, l.Brand)
		default:
			match = true
		}
		if match {
			idx = append(idx, i)
		}
	}
	return idx
}

// spreadAmount splits amount across targets by base amount. The last line
// takes the rounding remainder so the parts add up exactly.
func spreadAmount(lines []models.LineItem, targets []int, amount decimal.Decimal, discounts []lineDiscount) {
	total := decimal.Zero
	for _, i := range targets {
		total = total.Add(lines[i].Qty.Mul(lines[i].EffectiveRate()))
	}
	if total.IsZero() {
		return
	}

	remaining := amount
	for n, i := range targets {
		share := remaining
		if n < len(targets)-1 {
			base := lines[i].Qty.Mul(lines[i].EffectiveRate())
			share = models.RoundMoney(amount.Mul(base).Div(total))
			remaining = remaining.Sub(share)
		}
		discounts[i].amount = discounts[i].amount.Add(share)
	}
}

func freeItemLine(offer models.Offer, lines []models.LineItem) (models.LineKey, bool) {
	for i := range lines {
		if lines[i].ItemCode != offer.FreeItem {
			continue
		}
		if offer.FreeItemUOM != "" && lines[i].UOM != offer.FreeItemUOM {
			continue
		}
		return lines[i].Key(), true
	}
	return models.LineKey{}, false
}

func appendUnique(list []string, values ...string) []string {
	for _, v := range values {
		if !slices.Contains(list, v) {
			list = append(list, v)
		}
	}
	return list
}
