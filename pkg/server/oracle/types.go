package oracle

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Mode is the conversion mode a result was computed in.
type Mode string

const (
	// ModeNormal converts foreign prices with the observed (or overridden) rate.
	ModeNormal Mode = "normal"
	// ModeInverse converts foreign prices with the rate implied by the reference price.
	ModeInverse Mode = "inverse"
	// ModeNoData means no contribution was available.
	ModeNoData Mode = "no_data"
)

// Contribution is one labelled KRW price that took part in the consensus.
type Contribution struct {
	Label string          `json:"label"`
	Price decimal.Decimal `json:"price"`
}

// VenuePrice is a foreign venue's USDT quote.
type VenuePrice struct {
	Venue string          `json:"venue"`
	Price decimal.Decimal `json:"price"`
}

// Overrides are manually forced inputs. A null field means "use the observed value".
type Overrides struct {
	ConversionRate decimal.NullDecimal `json:"conversion_rate"`
	ReferencePrice decimal.NullDecimal `json:"reference_price"`
}

// ValidateOverride accepts a null value (clear) or a positive one.
func ValidateOverride(v decimal.NullDecimal) error {
	if v.Valid && !v.Decimal.IsPositive() {
		return fmt.Errorf("%w: got %s", ErrInvalidOverride, v.Decimal)
	}
	return nil
}

// Input is everything one computation cycle needs.
type Input struct {
	Instrument     string
	ReferencePrice decimal.NullDecimal
	ConversionRate decimal.NullDecimal
	ForeignPrices  []VenuePrice
	Overrides      Overrides
	Timestamp      time.Time
}

// Result is the outcome of one computation cycle, with every input recorded for audit.
type Result struct {
	Instrument     string              `json:"instrument"`
	ConsensusPrice decimal.NullDecimal `json:"consensus_price"`
	Contributions  []Contribution      `json:"contributions"`
	Mode           Mode                `json:"mode"`

	// ConversionRateUsed is the rate foreign prices were converted with: the
	// effective rate in normal mode, the implied average in inverse mode.
	ConversionRateUsed      decimal.NullDecimal `json:"conversion_rate_used"`
	EffectiveConversionRate decimal.NullDecimal `json:"effective_conversion_rate"`
	ObservedConversionRate  decimal.NullDecimal `json:"observed_conversion_rate"`
	ConversionRateOverride  decimal.NullDecimal `json:"conversion_rate_override"`

	EffectiveReferencePrice decimal.NullDecimal `json:"effective_reference_price"`
	ObservedReferencePrice  decimal.NullDecimal `json:"observed_reference_price"`
	ReferencePriceOverride  decimal.NullDecimal `json:"reference_price_override"`

	TWAP               decimal.NullDecimal `json:"twap"`
	InverseImpliedRate decimal.NullDecimal `json:"inverse_implied_rate"`
	Volatile           bool                `json:"volatile"`
	Deviation          decimal.NullDecimal `json:"deviation"`
	PremiumPercent     decimal.NullDecimal `json:"premium_percent"`
	Timestamp          time.Time           `json:"timestamp"`
}

// Clone returns a deep copy of r.
func (r Result) Clone() Result {
	out := r
	out.Contributions = append([]Contribution(nil), r.Contributions...)
	return out
}
