package escrow

import "github.com/shopspring/decimal"

// FeePolicy computes the platform commission for a listing price.
type FeePolicy struct {
	Rate decimal.Decimal
	Cap  decimal.Decimal
}

func DefaultFeePolicy() FeePolicy {
	return FeePolicy{
		Rate: decimal.RequireFromString("0.01"),
		Cap:  decimal.NewFromInt(1000),
	}
}

// Fee returns min(price × rate, cap), rounded to two decimal places.
func (p FeePolicy) Fee(price decimal.Decimal) decimal.Decimal {
	fee := price.Mul(p.Rate).Round(2)
	if fee.GreaterThan(p.Cap) {
		return p.Cap
	}
	return fee
}
