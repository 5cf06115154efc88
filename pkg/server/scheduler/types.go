package scheduler

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/june-upside/Oracle/pkg/server/aggregator"
	"github.com/june-upside/Oracle/pkg/server/oracle"
	"github.com/june-upside/Oracle/pkg/server/sources"
)

// ChartPoint is one tick of an instrument's history.
type ChartPoint struct {
	Timestamp      time.Time                  `json:"timestamp"`
	ConsensusPrice decimal.NullDecimal        `json:"consensus_price"`
	VenuePrices    map[string]decimal.Decimal `json:"venue_prices"`
	ConversionRate decimal.NullDecimal        `json:"conversion_rate"`
}

func (p ChartPoint) clone() ChartPoint {
	out := p
	out.VenuePrices = make(map[string]decimal.Decimal, len(p.VenuePrices))
	for k, v := range p.VenuePrices {
		out.VenuePrices[k] = v
	}
	return out
}

// VenueQuote is a domestic venue's quote and the weight it got this tick.
type VenueQuote struct {
	Venue      string                     `json:"venue"`
	Market     sources.Market             `json:"market"`
	Price      decimal.Decimal            `json:"price"`
	Volume     decimal.NullDecimal        `json:"volume"`
	Spread     decimal.NullDecimal        `json:"spread"`
	Depth      decimal.NullDecimal        `json:"depth"`
	Status     sources.FeedStatus         `json:"status"`
	Freshness  sources.Freshness          `json:"freshness"`
	CapturedAt time.Time                  `json:"captured_at"`
	Weight     float64                    `json:"weight"`
	Breakdown  aggregator.WeightBreakdown `json:"breakdown"`
}

// DomesticAggregate is the venue-weighted domestic price of an instrument.
type DomesticAggregate struct {
	Method string              `json:"method"`
	Price  decimal.NullDecimal `json:"price"`
}

// OverrideState lists the active manual overrides.
type OverrideState struct {
	ConversionRate  decimal.NullDecimal            `json:"conversion_rate"`
	ReferencePrices map[string]decimal.NullDecimal `json:"reference_prices"`
}

// State is a consistent copy of everything the scheduler publishes.
type State struct {
	Instruments  []string                     `json:"instruments"`
	Results      map[string]oracle.Result     `json:"results"`
	Charts       map[string][]ChartPoint      `json:"charts"`
	Venues       map[string][]VenueQuote      `json:"venues"`
	Aggregates   map[string]DomesticAggregate `json:"aggregates"`
	Overrides    OverrideState                `json:"overrides"`
	Feeds        []sources.FeedState          `json:"feeds"`
	Skew         time.Duration                `json:"skew_ns"`
	SkewExceeded bool                         `json:"skew_exceeded"`
	TickCount    uint64                       `json:"tick_count"`
	FailedTicks  uint64                       `json:"failed_ticks"`
	LastTick     time.Time                    `json:"last_tick"`
}

// Filter returns a copy of s restricted to the given instruments.
// An empty list keeps everything.
func (s State) Filter(instruments []string) State {
	if len(instruments) == 0 {
		return s
	}
	keep := make(map[string]bool, len(instruments))
	for _, inst := range instruments {
		keep[inst] = true
	}

	out := s
	out.Instruments = nil
	for _, inst := range s.Instruments {
		if keep[inst] {
			out.Instruments = append(out.Instruments, inst)
		}
	}
	out.Results = filterMap(s.Results, keep)
	out.Charts = filterMap(s.Charts, keep)
	out.Venues = filterMap(s.Venues, keep)
	out.Aggregates = filterMap(s.Aggregates, keep)
	out.Overrides.ReferencePrices = filterMap(s.Overrides.ReferencePrices, keep)

	out.Feeds = nil
	for _, f := range s.Feeds {
		if keep[f.Instrument] {
			out.Feeds = append(out.Feeds, f)
		}
	}
	return out
}

func filterMap[V any](m map[string]V, keep map[string]bool) map[string]V {
	out := make(map[string]V, len(keep))
	for k, v := range m {
		if keep[k] {
			out[k] = v
		}
	}
	return out
}

// Publisher receives the state after every successful tick.
type Publisher interface {
	Publish(state State)
}
