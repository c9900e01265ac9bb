package cart

import (
	"context"
	"fmt"
	"slices"

	"github.com/safar/pos-core/internal/apperr"
	"github.com/safar/pos-core/internal/models"
	"github.com/shopspring/decimal"
)

// AddItem adds qty of item. An existing line with the same item code and unit
// is incremented instead; serialized lines merge their serial numbers and
// take the serial count as quantity.
func (c *Cart) AddItem(ctx context.Context, item models.Item, qty decimal.Decimal) error {
	const op = "add item"

	if err := models.Validate(item); err != nil {
		return apperr.New(apperr.KindValidation, op, err)
	}
	serials := uniqueSerials(nil, item.SerialNos)
	if len(serials) > 0 {
		qty = decimal.NewFromInt(int64(len(serials)))
	}
	if !qty.IsPositive() {
		return apperr.Validation(op, "quantity %s must be positive", qty)
	}

	key := models.LineKey{ItemCode: item.ItemCode, UOM: item.UOM}
	if line, ok := c.index[key]; ok {
		proposed := *line
		if len(serials) > 0 || len(line.SerialNos) > 0 {
			proposed.SerialNos = uniqueSerials(line.SerialNos, serials)
			proposed.Qty = decimal.NewFromInt(int64(len(proposed.SerialNos)))
		} else {
			proposed.Qty = line.Qty.Add(qty)
		}
		if err := c.checkStock(op, proposed, line); err != nil {
			return err
		}

		c.mutateLine(line, func(l *models.LineItem) {
			l.Qty = proposed.Qty
			l.SerialNos = proposed.SerialNos
			if item.BatchNo != "" {
				l.BatchNo = item.BatchNo
			}
		})
		c.afterMutation(ctx)
		return nil
	}

	line := newLine(item, qty, serials)
	if err := c.checkStock(op, *line, nil); err != nil {
		return err
	}

	c.lines = append(c.lines, line)
	c.index[key] = line
	c.mutateLine(line, func(*models.LineItem) {})
	c.afterMutation(ctx)
	return nil
}

func newLine(item models.Item, qty decimal.Decimal, serials []string) *models.LineItem {
	cf := item.ConversionFactor
	if cf.IsZero() {
		cf = decimal.NewFromInt(1)
	}
	return &models.LineItem{
		ItemCode:         item.ItemCode,
		ItemName:         item.ItemName,
		ItemGroup:        item.ItemGroup,
		Brand:            item.Brand,
		UOM:              item.UOM,
		ConversionFactor: cf,
		Qty:              qty,
		PriceListRate:    item.PriceListRate,
		TaxRate:          item.TaxRate,
		IsStockItem:      item.IsStockItem,
		BatchNo:          item.BatchNo,
		SerialNos:        serials,
	}
}

func uniqueSerials(existing, added []string) []string {
	var out []string
	for _, s := range slices.Concat(existing, added) {
		if s != "" && !slices.Contains(out, s) {
			out = append(out, s)
		}
	}
	return out
}

// RemoveItem removes the line for code and uom. An empty uom removes every
// line of the item.
func (c *Cart) RemoveItem(ctx context.Context, code, uom string) error {
	removed := false
	kept := c.lines[:0]
	for _, l := range c.lines {
		if l.ItemCode == code && (uom == "" || l.UOM == uom) {
			c.applyDelta(contributionOf(l), contribution{})
			delete(c.index, l.Key())
			removed = true
			continue
		}
		kept = append(kept, l)
	}
	clear(c.lines[len(kept):])
	c.lines = kept

	if !removed {
		return fmt.Errorf("remove item %s: %w", code, ErrLineNotFound)
	}
	c.afterMutation(ctx)
	return nil
}

// UpdateQuantity sets the quantity of a line. Zero or less removes it.
func (c *Cart) UpdateQuantity(ctx context.Context, code string, qty decimal.Decimal, uom string) error {
	const op = "update quantity"

	line, err := c.findLine(op, code, uom)
	if err != nil {
		return err
	}
	if !qty.IsPositive() {
		return c.RemoveItem(ctx, code, line.UOM)
	}
	if len(line.SerialNos) > 0 && !qty.Equal(decimal.NewFromInt(int64(len(line.SerialNos)))) {
		return apperr.Validation(op, "quantity of serialized item %s follows its serial numbers", code)
	}

	proposed := *line
	proposed.Qty = qty
	if err := c.checkStock(op, proposed, line); err != nil {
		return err
	}

	c.mutateLine(line, func(l *models.LineItem) { l.Qty = qty })
	c.afterMutation(ctx)
	return nil
}

// UpdateRate overrides the list rate of a line.
func (c *Cart) UpdateRate(ctx context.Context, code string, rate decimal.Decimal, uom string) error {
	const op = "update rate"

	if rate.IsNegative() {
		return apperr.Validation(op, "rate %s must not be negative", rate)
	}
	line, err := c.findLine(op, code, uom)
	if err != nil {
		return err
	}

	c.mutateLine(line, func(l *models.LineItem) {
		l.Rate = decimal.NewNullDecimal(rate)
	})
	c.afterMutation(ctx)
	return nil
}

func (c *Cart) UpdateDiscountPercentage(ctx context.Context, code string, pct decimal.Decimal, uom string) error {
	const op = "update discount percentage"

	if pct.IsNegative() || pct.GreaterThan(decimal.NewFromInt(100)) {
		return apperr.Validation(op, "percentage %s must be between 0 and 100", pct)
	}
	line, err := c.findLine(op, code, uom)
	if err != nil {
		return err
	}

	c.mutateLine(line, func(l *models.LineItem) {
		l.DiscountPercentage = pct
		l.DiscountMode = models.DiscountModePercentage
		l.PricingDiscount = false
	})
	c.afterMutation(ctx)
	return nil
}

func (c *Cart) UpdateDiscountAmount(ctx context.Context, code string, amount decimal.Decimal, uom string) error {
	const op = "update discount amount"

	if amount.IsNegative() {
		return apperr.Validation(op, "discount %s must not be negative", amount)
	}
	line, err := c.findLine(op, code, uom)
	if err != nil {
		return err
	}

	c.mutateLine(line, func(l *models.LineItem) {
		l.DiscountAmount = amount
		l.DiscountMode = models.DiscountModeAmount
		l.PricingDiscount = false
	})
	c.afterMutation(ctx)
	return nil
}

// Line returns a copy of the line for code and uom; an empty uom matches the
// first line of the item.
func (c *Cart) Line(code, uom string) (models.LineItem, bool) {
	line, err := c.findLine("line", code, uom)
	if err != nil {
		return models.LineItem{}, false
	}
	out := *line
	out.SerialNos = slices.Clone(line.SerialNos)
	out.PricingRules = slices.Clone(line.PricingRules)
	return out, true
}

func (c *Cart) findLine(op, code, uom string) (*models.LineItem, error) {
	if uom != "" {
		if line, ok := c.index[models.LineKey{ItemCode: code, UOM: uom}]; ok {
			return line, nil
		}
	} else {
		for _, l := range c.lines {
			if l.ItemCode == code {
				return l, nil
			}
		}
	}
	return nil, fmt.Errorf("%s %s: %w", op, code, ErrLineNotFound)
}

// checkStock rejects a change that would reserve more of a stock item than the
// server reports. Reductions always pass, as do items with no known stock.
func (c *Cart) checkStock(op string, proposed models.LineItem, current *models.LineItem) error {
	if !proposed.IsStockItem || c.cfg.AllowNegativeStock || c.deps.Stock == nil {
		return nil
	}
	if current != nil && proposed.Qty.LessThanOrEqual(current.Qty) {
		return nil
	}

	entry, known := c.deps.Stock.Lookup(proposed.ItemCode)
	if !known {
		return nil
	}

	requested := proposed.StockQty()
	for _, l := range c.lines {
		if l == current || l.ItemCode != proposed.ItemCode {
			continue
		}
		requested = requested.Add(l.StockQty())
	}
	if requested.GreaterThan(entry.ServerQty) {
		return apperr.StockInsufficient(op, proposed.ItemCode, requested, entry.ServerQty)
	}
	return nil
}

// afterMutation runs after every line change: the server draft is stale,
// reservations follow the new lines and offers are re-evaluated.
func (c *Cart) afterMutation(ctx context.Context) {
	c.draftRef = ""
	if c.deps.Stock != nil {
		c.deps.Stock.Reserve(c.lineValues())
	}
	c.reprice(ctx)
}
