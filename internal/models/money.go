package models

import "github.com/shopspring/decimal"

const moneyPlaces = 2

var (
	// Epsilon is the rounding tolerance for "fully paid".
	Epsilon = decimal.New(1, -moneyPlaces)

	hundred = decimal.NewFromInt(100)
)

func RoundMoney(d decimal.Decimal) decimal.Decimal {
	return d.Round(moneyPlaces)
}

// Percent converts a percentage such as 10 into the factor 0.10.
func Percent(p decimal.Decimal) decimal.Decimal {
	return p.Div(hundred)
}

func PercentOf(part, whole decimal.Decimal) decimal.Decimal {
	if whole.IsZero() {
		return decimal.Zero
	}
	return part.Mul(hundred).Div(whole).Round(4)
}

func Clamp(d, lo, hi decimal.Decimal) decimal.Decimal {
	if d.LessThan(lo) {
		return lo
	}
	if d.GreaterThan(hi) {
		return hi
	}
	return d
}
