package oracle

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func nd(s string) decimal.NullDecimal { return decimal.NewNullDecimal(d(s)) }

func foreign() []VenuePrice {
	return []VenuePrice{
		{Venue: "binance", Price: d("3000")},
		{Venue: "okx", Price: d("3001")},
		{Venue: "bybit", Price: d("2999")},
	}
}

func newTestCoordinator(now *time.Time) *Coordinator {
	c := NewCoordinator("ETH", "upbit", 5*time.Minute, 0.05)
	c.SetClock(func() time.Time { return *now })
	return c
}

type fixedTWAP struct{ v decimal.NullDecimal }

func (f fixedTWAP) Value() decimal.NullDecimal { return f.v }

func TestVolatilityGate(t *testing.T) {
	tests := []struct {
		name string
		twap decimal.NullDecimal
		rate string
		want bool
	}{
		{"no twap", decimal.NullDecimal{}, "1500", false},
		{"zero twap", nd("0"), "1500", false},
		{"at threshold", nd("1300"), "1365", false},
		{"at threshold below", nd("1300"), "1235", false},
		{"just above", nd("1300"), "1365.01", true},
		{"far below", nd("1300"), "1100", true},
		{"equal", nd("1300"), "1300", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := NewVolatilityGate(fixedTWAP{tt.twap}, 0.05)
			assert.Equal(t, tt.want, g.IsVolatile(d(tt.rate)))
		})
	}

	g := NewVolatilityGate(fixedTWAP{nd("1300")}, 0.05)
	dev := g.Deviation(d("1365"))
	require.True(t, dev.Valid)
	assert.True(t, dev.Decimal.Equal(d("0.05")))
}

func TestForwardAndInverse(t *testing.T) {
	fwd := Forward(append(foreign(), VenuePrice{Venue: "dead", Price: decimal.Zero}), d("1300"))
	require.Len(t, fwd, 3)
	assert.Equal(t, "binance (converted)", fwd[0].Label)
	assert.True(t, fwd[0].Price.Equal(d("3900000")))

	assert.Empty(t, Forward(foreign(), decimal.Zero))

	inv, implied := Inverse([]VenuePrice{{Venue: "binance", Price: d("2500")}, {Venue: "okx", Price: d("5000")}}, d("5000000"))
	require.True(t, implied.Valid)
	// (2000 + 1000) / 2
	assert.True(t, implied.Decimal.Equal(d("1500")))
	require.Len(t, inv, 2)
	assert.Equal(t, "binance (inverse)", inv[0].Label)
	assert.True(t, inv[0].Price.Equal(d("3750000")))
	assert.True(t, inv[1].Price.Equal(d("7500000")))

	inv, implied = Inverse(nil, d("5000000"))
	assert.Empty(t, inv)
	assert.False(t, implied.Valid)

	assert.Equal(t, "upbit", ReferenceLabel("upbit", false))
	assert.Equal(t, "upbit (manual)", ReferenceLabel("upbit", true))
}

func TestCompute_NormalMode(t *testing.T) {
	now := t0
	c := newTestCoordinator(&now)

	res := c.Compute(Input{
		Instrument:     "ETH",
		ReferencePrice: nd("5000000"),
		ConversionRate: nd("1300"),
		ForeignPrices:  foreign(),
		Timestamp:      now,
	})

	assert.Equal(t, ModeNormal, res.Mode)
	require.True(t, res.ConsensusPrice.Valid)
	assert.True(t, res.ConsensusPrice.Decimal.Equal(d("3900650")), res.ConsensusPrice.Decimal.String())
	require.Len(t, res.Contributions, 4)
	assert.Equal(t, "upbit", res.Contributions[0].Label)
	assert.Equal(t, "binance (converted)", res.Contributions[1].Label)
	assert.Equal(t, "okx (converted)", res.Contributions[2].Label)
	assert.Equal(t, "bybit (converted)", res.Contributions[3].Label)
	assert.False(t, res.Volatile)
	assert.True(t, res.ConversionRateUsed.Decimal.Equal(d("1300")))
	assert.True(t, res.TWAP.Decimal.Equal(d("1300")))
	assert.False(t, res.InverseImpliedRate.Valid)

	require.True(t, res.PremiumPercent.Valid)
	// (5,000,000 - 3,900,000) / 3,900,000 * 100
	assert.InDelta(t, 28.205128, res.PremiumPercent.Decimal.InexactFloat64(), 1e-5)
}

func TestCompute_InverseTrigger(t *testing.T) {
	tests := []struct {
		name     string
		observed string
		mode     Mode
	}{
		{"volatile", "1450", ModeInverse},
		{"calm", "1364", ModeNormal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			now := t0
			c := newTestCoordinator(&now)
			c.Compute(Input{ConversionRate: nd("1300"), Timestamp: now})
			require.True(t, c.TWAP().Decimal.Equal(d("1300")))

			now = t0.Add(10 * time.Second)
			res := c.Compute(Input{
				ReferencePrice: nd("5000000"),
				ConversionRate: nd(tt.observed),
				ForeignPrices:  foreign(),
				Timestamp:      now,
			})

			assert.Equal(t, tt.mode, res.Mode)
			assert.True(t, res.TWAP.Decimal.Equal(d("1300")), res.TWAP.Decimal.String())
			require.Len(t, res.Contributions, 4)
			if tt.mode == ModeInverse {
				assert.True(t, res.Volatile)
				assert.Equal(t, "binance (inverse)", res.Contributions[1].Label)
				require.True(t, res.InverseImpliedRate.Valid)
				assert.True(t, res.ConversionRateUsed.Decimal.Equal(res.InverseImpliedRate.Decimal))
				assert.True(t, res.ObservedConversionRate.Decimal.Equal(d(tt.observed)))
			} else {
				assert.False(t, res.Volatile)
				assert.Equal(t, "binance (converted)", res.Contributions[1].Label)
				assert.True(t, res.ConversionRateUsed.Decimal.Equal(d(tt.observed)))
			}
		})
	}
}

func TestCompute_ReferenceOverride(t *testing.T) {
	now := t0
	c := newTestCoordinator(&now)

	res := c.Compute(Input{
		ReferencePrice: nd("5000000"),
		ConversionRate: nd("1300"),
		ForeignPrices:  foreign(),
		Overrides:      Overrides{ReferencePrice: nd("3900000")},
		Timestamp:      now,
	})

	require.NotEmpty(t, res.Contributions)
	assert.Equal(t, "upbit (manual)", res.Contributions[0].Label)
	assert.True(t, res.Contributions[0].Price.Equal(d("3900000")))
	assert.True(t, res.EffectiveReferencePrice.Decimal.Equal(d("3900000")))
	assert.True(t, res.ObservedReferencePrice.Decimal.Equal(d("5000000")))
	assert.True(t, res.ReferencePriceOverride.Decimal.Equal(d("3900000")))
	// 3,898,700 3,900,000 3,900,000 3,901,300
	assert.True(t, res.ConsensusPrice.Decimal.Equal(d("3900000")))
}

func TestCompute_BothOverrides(t *testing.T) {
	now := t0
	c := newTestCoordinator(&now)

	res := c.Compute(Input{
		ReferencePrice: nd("5000000"),
		ConversionRate: nd("1300"),
		ForeignPrices:  foreign(),
		Overrides: Overrides{
			ConversionRate: nd("1000"),
			ReferencePrice: nd("4000000"),
		},
		Timestamp: now,
	})

	assert.Equal(t, ModeNormal, res.Mode)
	assert.Equal(t, "upbit (manual)", res.Contributions[0].Label)
	assert.True(t, res.EffectiveConversionRate.Decimal.Equal(d("1000")))
	assert.True(t, res.ObservedConversionRate.Decimal.Equal(d("1300")))
	assert.True(t, res.ConversionRateUsed.Decimal.Equal(d("1000")))
	// 2,999,000 3,000,000 3,001,000 4,000,000
	assert.True(t, res.ConsensusPrice.Decimal.Equal(d("3000500")), res.ConsensusPrice.Decimal.String())

	history := c.History()
	require.Len(t, history, 1)
	assert.True(t, history[0].Rate.Equal(d("1000")), "overridden rate feeds the TWAP")
}

func TestCompute_OverrideDrivesVolatility(t *testing.T) {
	now := t0
	c := newTestCoordinator(&now)
	c.Compute(Input{ConversionRate: nd("1300"), Timestamp: now})

	now = t0.Add(time.Second)
	res := c.Compute(Input{
		ReferencePrice: nd("5000000"),
		ConversionRate: nd("1300"),
		ForeignPrices:  foreign(),
		Overrides:      Overrides{ConversionRate: nd("2000")},
		Timestamp:      now,
	})
	assert.True(t, res.Volatile)
	assert.Equal(t, ModeInverse, res.Mode)
}

func TestCompute_NoData(t *testing.T) {
	now := t0
	c := newTestCoordinator(&now)

	res := c.Compute(Input{ForeignPrices: foreign(), Timestamp: now})
	assert.Equal(t, ModeNoData, res.Mode)
	assert.False(t, res.ConsensusPrice.Valid)
	assert.Empty(t, res.Contributions)
	assert.False(t, res.TWAP.Valid)
	assert.False(t, res.PremiumPercent.Valid)
}

func TestCompute_ReferenceOnly(t *testing.T) {
	now := t0
	c := newTestCoordinator(&now)

	res := c.Compute(Input{ReferencePrice: nd("5000000"), Timestamp: now})
	assert.Equal(t, ModeNormal, res.Mode)
	require.True(t, res.ConsensusPrice.Valid)
	assert.True(t, res.ConsensusPrice.Decimal.Equal(d("5000000")))
	assert.False(t, res.ConversionRateUsed.Valid)
}

func TestValidateOverride(t *testing.T) {
	assert.NoError(t, ValidateOverride(decimal.NullDecimal{}))
	assert.NoError(t, ValidateOverride(nd("1")))
	assert.ErrorIs(t, ValidateOverride(nd("0")), ErrInvalidOverride)
	assert.ErrorIs(t, ValidateOverride(nd("-5")), ErrInvalidOverride)
}

func TestResultClone(t *testing.T) {
	r := Result{Contributions: []Contribution{{Label: "upbit", Price: d("1")}}}
	c := r.Clone()
	c.Contributions[0].Label = "changed"
	assert.Equal(t, "upbit", r.Contributions[0].Label)
}
