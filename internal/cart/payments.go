package cart

import (
	"fmt"
	"slices"

	"github.com/safar/pos-core/internal/apperr"
	"github.com/safar/pos-core/internal/models"
	"github.com/shopspring/decimal"
)

func (c *Cart) AddPayment(mode string, amount decimal.Decimal) error {
	p := models.Payment{Mode: mode, Amount: models.RoundMoney(amount)}
	if err := models.Validate(p); err != nil {
		return apperr.New(apperr.KindValidation, "add payment", err)
	}

	c.payments = append(c.payments, p)
	c.cache.paid = c.cache.paid.Add(p.Amount)
	c.draftRef = ""
	return nil
}

func (c *Cart) RemovePayment(index int) error {
	if index < 0 || index >= len(c.payments) {
		return fmt.Errorf("remove payment %d: %w", index, ErrPaymentNotFound)
	}

	c.cache.paid = c.cache.paid.Sub(c.payments[index].Amount)
	c.payments = slices.Delete(c.payments, index, index+1)
	c.draftRef = ""
	return nil
}

func (c *Cart) UpdatePayment(index int, mode string, amount decimal.Decimal) error {
	if index < 0 || index >= len(c.payments) {
		return fmt.Errorf("update payment %d: %w", index, ErrPaymentNotFound)
	}
	p := models.Payment{Mode: mode, Amount: models.RoundMoney(amount)}
	if err := models.Validate(p); err != nil {
		return apperr.New(apperr.KindValidation, "update payment", err)
	}

	c.cache.paid = c.cache.paid.Add(p.Amount.Sub(c.payments[index].Amount))
	c.payments[index] = p
	c.draftRef = ""
	return nil
}

func (c *Cart) Payments() []models.Payment {
	return slices.Clone(c.payments)
}
