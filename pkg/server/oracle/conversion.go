package oracle

import (
	"github.com/shopspring/decimal"
)

const (
	suffixConverted = " (converted)"
	suffixInverse   = " (inverse)"
	suffixManual    = " (manual)"
)

// Forward converts every positive foreign price with rate.
func Forward(foreign []VenuePrice, rate decimal.Decimal) []Contribution {
	if !rate.IsPositive() {
		return nil
	}
	out := make([]Contribution, 0, len(foreign))
	for _, vp := range foreign {
		if !vp.Price.IsPositive() {
			continue
		}
		out = append(out, Contribution{Label: vp.Venue + suffixConverted, Price: vp.Price.Mul(rate)})
	}
	return out
}

// Inverse derives the rate implied by reference / foreign price on every foreign
// venue, averages it, and converts every foreign price with that average.
// The implied rate is null when no foreign price or no reference is usable.
func Inverse(foreign []VenuePrice, reference decimal.Decimal) ([]Contribution, decimal.NullDecimal) {
	if !reference.IsPositive() {
		return nil, decimal.NullDecimal{}
	}

	valid := make([]VenuePrice, 0, len(foreign))
	sum := decimal.Zero
	for _, vp := range foreign {
		if !vp.Price.IsPositive() {
			continue
		}
		valid = append(valid, vp)
		sum = sum.Add(reference.Div(vp.Price))
	}
	if len(valid) == 0 {
		return nil, decimal.NullDecimal{}
	}

	implied := sum.Div(decimal.NewFromInt(int64(len(valid))))
	out := make([]Contribution, len(valid))
	for i, vp := range valid {
		out[i] = Contribution{Label: vp.Venue + suffixInverse, Price: vp.Price.Mul(implied)}
	}
	return out, decimal.NewNullDecimal(implied)
}

// ReferenceLabel names the domestic reference contribution.
func ReferenceLabel(venue string, manual bool) string {
	if manual {
		return venue + suffixManual
	}
	return venue
}

// effective picks the override when set, else the observed value.
func effective(observed, override decimal.NullDecimal) decimal.NullDecimal {
	if override.Valid {
		return override
	}
	if observed.Valid && !observed.Decimal.IsPositive() {
		return decimal.NullDecimal{}
	}
	return observed
}
