package oracle

import (
	"github.com/shopspring/decimal"
)

// TWAPSource provides the current time-weighted average rate.
type TWAPSource interface {
	Value() decimal.NullDecimal
}

// VolatilityGate flags a conversion rate that drifted too far from its TWAP.
type VolatilityGate struct {
	twap      TWAPSource
	threshold decimal.Decimal
}

// NewVolatilityGate creates a gate over the given TWAP with a fractional threshold (0.05 = 5%).
func NewVolatilityGate(twap TWAPSource, threshold float64) *VolatilityGate {
	return &VolatilityGate{twap: twap, threshold: decimal.NewFromFloat(threshold)}
}

// Deviation returns |rate - TWAP| / TWAP, or null when there is no usable TWAP.
func (g *VolatilityGate) Deviation(rate decimal.Decimal) decimal.NullDecimal {
	return deviation(rate, g.twap.Value())
}

// IsVolatile reports whether the deviation strictly exceeds the threshold.
func (g *VolatilityGate) IsVolatile(rate decimal.Decimal) bool {
	return g.exceeds(g.Deviation(rate))
}

func (g *VolatilityGate) exceeds(dev decimal.NullDecimal) bool {
	return dev.Valid && dev.Decimal.GreaterThan(g.threshold)
}

func deviation(rate decimal.Decimal, twap decimal.NullDecimal) decimal.NullDecimal {
	if !twap.Valid || !twap.Decimal.IsPositive() {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(rate.Sub(twap.Decimal).Abs().Div(twap.Decimal))
}
