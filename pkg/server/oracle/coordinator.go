package oracle

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/june-upside/Oracle/pkg/metrics"
	"github.com/june-upside/Oracle/pkg/server/aggregator"
)

var hundred = decimal.NewFromInt(100)

// Coordinator runs the computation cycle for one instrument.
// It owns the conversion-rate TWAP history; calls to Compute are serialized.
type Coordinator struct {
	mu             sync.Mutex
	instrument     string
	referenceVenue string
	twap           *aggregator.TWAPTracker
	gate           *VolatilityGate
	now            func() time.Time
}

// NewCoordinator creates a coordinator with its own TWAP window and volatility threshold.
func NewCoordinator(instrument, referenceVenue string, window time.Duration, threshold float64) *Coordinator {
	twap := aggregator.NewTWAPTracker(window)
	return &Coordinator{
		instrument:     instrument,
		referenceVenue: referenceVenue,
		twap:           twap,
		gate:           NewVolatilityGate(twap, threshold),
		now:            time.Now,
	}
}

// SetClock replaces the time source of the coordinator and its TWAP tracker.
func (c *Coordinator) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
	c.twap.SetClock(now)
}

// Instrument returns the instrument this coordinator computes.
func (c *Coordinator) Instrument() string {
	return c.instrument
}

// TWAP returns the current TWAP of the effective conversion rate.
func (c *Coordinator) TWAP() decimal.NullDecimal {
	return c.twap.Value()
}

// History returns the retained conversion-rate samples.
func (c *Coordinator) History() []aggregator.RateSample {
	return c.twap.Samples()
}

// Compute runs one cycle. Overrides replace the observed inputs everywhere
// downstream, including the TWAP history.
func (c *Coordinator) Compute(in Input) Result {
	c.mu.Lock()
	defer c.mu.Unlock()

	ts := in.Timestamp
	if ts.IsZero() {
		ts = c.now()
	}

	res := Result{
		Instrument:             c.instrument,
		ObservedConversionRate: in.ConversionRate,
		ConversionRateOverride: in.Overrides.ConversionRate,
		ObservedReferencePrice: in.ReferencePrice,
		ReferencePriceOverride: in.Overrides.ReferencePrice,
		Contributions:          []Contribution{},
		Timestamp:              ts,
	}

	rate := effective(in.ConversionRate, in.Overrides.ConversionRate)
	res.EffectiveConversionRate = rate
	if rate.Valid {
		c.twap.Add(rate.Decimal, ts)
	}
	res.TWAP = c.twap.Value()

	if rate.Valid {
		res.Deviation = deviation(rate.Decimal, res.TWAP)
		res.Volatile = c.gate.exceeds(res.Deviation)
	}

	ref := effective(in.ReferencePrice, in.Overrides.ReferencePrice)
	res.EffectiveReferencePrice = ref
	if ref.Valid {
		res.Contributions = append(res.Contributions, Contribution{
			Label: ReferenceLabel(c.referenceVenue, in.Overrides.ReferencePrice.Valid),
			Price: ref.Decimal,
		})
	}

	if res.Volatile {
		var converted []Contribution
		if ref.Valid {
			converted, res.InverseImpliedRate = Inverse(in.ForeignPrices, ref.Decimal)
		}
		res.Contributions = append(res.Contributions, converted...)
		res.ConversionRateUsed = rate
		if res.InverseImpliedRate.Valid {
			res.ConversionRateUsed = res.InverseImpliedRate
		}
	} else {
		if rate.Valid {
			res.Contributions = append(res.Contributions, Forward(in.ForeignPrices, rate.Decimal)...)
		}
		res.ConversionRateUsed = rate
	}

	switch {
	case len(res.Contributions) == 0:
		res.Mode = ModeNoData
	case res.Volatile:
		res.Mode = ModeInverse
	default:
		res.Mode = ModeNormal
	}

	if len(res.Contributions) > 0 {
		prices := make([]decimal.Decimal, len(res.Contributions))
		for i, ct := range res.Contributions {
			prices[i] = ct.Price
		}
		res.ConsensusPrice = aggregator.Median(prices)
	}

	res.PremiumPercent = Premium(ref, in.ForeignPrices, rate)

	metrics.RecordOracleResult(c.instrument, string(res.Mode), res.Volatile, floatPtr(res.ConsensusPrice), floatPtr(res.PremiumPercent))
	return res
}

// Premium is the percentage by which the domestic reference exceeds the mean
// foreign price converted at rate.
func Premium(reference decimal.NullDecimal, foreign []VenuePrice, rate decimal.NullDecimal) decimal.NullDecimal {
	if !reference.Valid || !rate.Valid || !rate.Decimal.IsPositive() {
		return decimal.NullDecimal{}
	}
	prices := make([]decimal.Decimal, 0, len(foreign))
	for _, vp := range foreign {
		if vp.Price.IsPositive() {
			prices = append(prices, vp.Price)
		}
	}
	mean := aggregator.Mean(prices)
	if !mean.Valid {
		return decimal.NullDecimal{}
	}
	global := mean.Decimal.Mul(rate.Decimal)
	return decimal.NewNullDecimal(reference.Decimal.Sub(global).Div(global).Mul(hundred))
}

func floatPtr(v decimal.NullDecimal) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Decimal.InexactFloat64()
	return &f
}
