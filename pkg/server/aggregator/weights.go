package aggregator

import (
	"math"

	"github.com/shopspring/decimal"

	"github.com/june-upside/Oracle/pkg/config"
)

// VenueMetrics are the raw microstructure figures of one venue for one tick.
// Absent fields are null.
type VenueMetrics struct {
	Volume decimal.NullDecimal `json:"volume"`
	Depth  decimal.NullDecimal `json:"depth"`
	Spread decimal.NullDecimal `json:"spread"`
}

// WeightBreakdown shows how a venue's weight was built.
type WeightBreakdown struct {
	NormVolume   float64 `json:"norm_volume"`
	NormDepth    float64 `json:"norm_depth"`
	SpreadWeight float64 `json:"spread_weight"`
	Weight       float64 `json:"weight"`
}

// CalculateWeights turns per-venue metrics into combined weights.
//
// Volume and depth are min-max normalized over the venues present with positive values;
// equal values all normalize to 1. Multipliers missing from a map count as 1, negative
// ones as 0. A zero component is neutral unless all three are zero, in which case the
// venue gets the neutral base weight of 1.
func CalculateWeights(
	data map[string]VenueMetrics,
	userWeights, spreadMultipliers, volumeMultipliers, depthMultipliers map[string]float64,
) map[string]float64 {
	breakdown := CalculateWeightBreakdown(data, userWeights, spreadMultipliers, volumeMultipliers, depthMultipliers)
	out := make(map[string]float64, len(breakdown))
	for venue, b := range breakdown {
		out[venue] = b.Weight
	}
	return out
}

// CalculateWeightBreakdown is CalculateWeights with every intermediate component.
func CalculateWeightBreakdown(
	data map[string]VenueMetrics,
	userWeights, spreadMultipliers, volumeMultipliers, depthMultipliers map[string]float64,
) map[string]WeightBreakdown {
	volumes := make(map[string]decimal.NullDecimal, len(data))
	depths := make(map[string]decimal.NullDecimal, len(data))
	for venue, m := range data {
		volumes[venue] = m.Volume
		depths[venue] = m.Depth
	}
	normVolume := minMaxNormalize(volumes)
	normDepth := minMaxNormalize(depths)

	out := make(map[string]WeightBreakdown, len(data))
	for venue, m := range data {
		v := normVolume[venue] * multiplier(volumeMultipliers, venue)
		d := normDepth[venue] * multiplier(depthMultipliers, venue)
		s := spreadWeight(m.Spread) * multiplier(spreadMultipliers, venue)

		base := 1.0
		if s != 0 || v != 0 || d != 0 {
			base = neutral(s) * neutral(v) * neutral(d)
		}

		out[venue] = WeightBreakdown{
			NormVolume:   v,
			NormDepth:    d,
			SpreadWeight: s,
			Weight:       base * multiplier(userWeights, venue),
		}
	}
	return out
}

func minMaxNormalize(values map[string]decimal.NullDecimal) map[string]float64 {
	out := make(map[string]float64, len(values))
	var lo, hi decimal.Decimal
	found := false
	for _, v := range values {
		if !v.Valid || !v.Decimal.IsPositive() {
			continue
		}
		if !found || v.Decimal.LessThan(lo) {
			lo = v.Decimal
		}
		if !found || v.Decimal.GreaterThan(hi) {
			hi = v.Decimal
		}
		found = true
	}

	span := hi.Sub(lo)
	for venue, v := range values {
		switch {
		case !v.Valid || !v.Decimal.IsPositive():
			out[venue] = 0
		case span.IsZero():
			out[venue] = 1
		default:
			out[venue] = v.Decimal.Sub(lo).Div(span).InexactFloat64()
		}
	}
	return out
}

func spreadWeight(spread decimal.NullDecimal) float64 {
	if !spread.Valid || spread.Decimal.IsNegative() {
		return 0
	}
	return 1 / (1 + spread.Decimal.InexactFloat64())
}

func multiplier(m map[string]float64, venue string) float64 {
	v, ok := m[venue]
	if !ok {
		return 1
	}
	if v < 0 || !finite(v) {
		return 0
	}
	return v
}

func finite(v float64) bool {
	return !math.IsInf(v, 0) && !math.IsNaN(v)
}

func neutral(v float64) float64 {
	if v == 0 {
		return 1
	}
	return v
}

// WeightEngine applies the configured per-venue multipliers.
type WeightEngine struct {
	userWeights       map[string]float64
	spreadMultipliers map[string]float64
	volumeMultipliers map[string]float64
	depthMultipliers  map[string]float64
}

// NewWeightEngine reads the multipliers of every configured feed.
func NewWeightEngine(feeds []config.FeedConfig) *WeightEngine {
	e := &WeightEngine{
		userWeights:       make(map[string]float64, len(feeds)),
		spreadMultipliers: make(map[string]float64, len(feeds)),
		volumeMultipliers: make(map[string]float64, len(feeds)),
		depthMultipliers:  make(map[string]float64, len(feeds)),
	}
	for i := range feeds {
		fc := &feeds[i]
		e.userWeights[fc.Name] = fc.WeightOrDefault()
		e.spreadMultipliers[fc.Name] = fc.SpreadMultiplierOrDefault()
		e.volumeMultipliers[fc.Name] = fc.VolumeMultiplierOrDefault()
		e.depthMultipliers[fc.Name] = fc.DepthMultiplierOrDefault()
	}
	return e
}

// Weights returns the combined weight of every venue in data.
func (e *WeightEngine) Weights(data map[string]VenueMetrics) map[string]float64 {
	return CalculateWeights(data, e.userWeights, e.spreadMultipliers, e.volumeMultipliers, e.depthMultipliers)
}

// Breakdown returns the weight components of every venue in data.
func (e *WeightEngine) Breakdown(data map[string]VenueMetrics) map[string]WeightBreakdown {
	return CalculateWeightBreakdown(data, e.userWeights, e.spreadMultipliers, e.volumeMultipliers, e.depthMultipliers)
}
