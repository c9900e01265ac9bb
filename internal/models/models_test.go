package models

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestValidatePayment(t *testing.T) {
	require.NoError(t, Validate(Payment{Mode: "Cash", Amount: decimal.NewFromInt(10)}))

	err := Validate(Payment{Mode: "Cash", Amount: decimal.NewFromInt(-1)})
	require.Error(t, err)
	require.Contains(t, err.Error(), "Amount failed gte")

	err = Validate(Payment{Amount: decimal.NewFromInt(1)})
	require.Error(t, err)
	require.Contains(t, err.Error(), "Mode failed required")
}

func TestValidateOffer(t *testing.T) {
	offer := Offer{
		Code:         "BUY2",
		ApplyOn:      ApplyOnItemCode,
		DiscountType: DiscountTypeFreeItem,
		FreeItem:     "A",
		FreeQty:      decimal.NewFromInt(1),
	}
	require.NoError(t, Validate(offer))

	offer.FreeItem = ""
	require.Error(t, Validate(offer))

	offer.FreeItem = "A"
	offer.ApplyOn = "warehouse"
	require.Error(t, Validate(offer))
}

func TestLineItemRates(t *testing.T) {
	line := LineItem{
		Qty:              decimal.NewFromInt(2),
		PriceListRate:    decimal.NewFromInt(100),
		ConversionFactor: decimal.Zero,
	}

	require.True(t, line.EffectiveRate().Equal(decimal.NewFromInt(100)))
	require.True(t, line.StockQty().Equal(decimal.NewFromInt(2)))

	line.Rate = decimal.NewNullDecimal(decimal.NewFromInt(90))
	line.ConversionFactor = decimal.NewFromInt(12)
	require.True(t, line.EffectiveRate().Equal(decimal.NewFromInt(90)))
	require.True(t, line.StockQty().Equal(decimal.NewFromInt(24)))
}

func TestMoneyHelpers(t *testing.T) {
	require.Equal(t, "181.82", RoundMoney(decimal.RequireFromString("181.818181")).String())
	require.True(t, Percent(decimal.NewFromInt(10)).Equal(decimal.RequireFromString("0.1")))
	require.True(t, PercentOf(decimal.NewFromInt(25), decimal.NewFromInt(200)).Equal(decimal.RequireFromString("12.5")))
	require.True(t, PercentOf(decimal.NewFromInt(1), decimal.Zero).IsZero())
	require.True(t, Clamp(decimal.NewFromInt(-5), decimal.Zero, decimal.NewFromInt(10)).IsZero())
	require.True(t, Clamp(decimal.NewFromInt(15), decimal.Zero, decimal.NewFromInt(10)).Equal(decimal.NewFromInt(10)))
}

func TestStockEntryDisplayQtyMayBeNegative(t *testing.T) {
	entry := StockEntry{ServerQty: decimal.NewFromInt(2), ReservedQty: decimal.NewFromInt(5)}
	require.True(t, entry.DisplayQty().Equal(decimal.NewFromInt(-3)))
}
