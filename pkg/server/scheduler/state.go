package scheduler

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/june-upside/Oracle/pkg/server/aggregator"
	"github.com/june-upside/Oracle/pkg/server/oracle"
	"github.com/june-upside/Oracle/pkg/server/sources"
)

// State returns a deep copy of the shared state.
func (s *Scheduler) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stateLocked()
}

func (s *Scheduler) stateLocked() State {
	st := State{
		Instruments:  append([]string(nil), s.cfg.Instruments...),
		Results:      make(map[string]oracle.Result, len(s.results)),
		Charts:       make(map[string][]ChartPoint, len(s.charts)),
		Venues:       make(map[string][]VenueQuote, len(s.venues)),
		Aggregates:   make(map[string]DomesticAggregate, len(s.aggregates)),
		Feeds:        append([]sources.FeedState(nil), s.feeds...),
		Skew:         s.skew,
		SkewExceeded: s.skewHigh,
		TickCount:    s.tickCount,
		FailedTicks:  s.failedTicks,
		LastTick:     s.lastTick,
		Overrides: OverrideState{
			ConversionRate:  s.rateOvr,
			ReferencePrices: make(map[string]decimal.NullDecimal, len(s.refOvr)),
		},
	}
	for inst, res := range s.results {
		st.Results[inst] = res.Clone()
	}
	for inst, ring := range s.charts {
		points := ring.Items()
		for i := range points {
			points[i] = points[i].clone()
		}
		st.Charts[inst] = points
	}
	for inst, quotes := range s.venues {
		st.Venues[inst] = append([]VenueQuote(nil), quotes...)
	}
	for inst, a := range s.aggregates {
		st.Aggregates[inst] = a
	}
	for inst, v := range s.refOvr {
		if v.Valid {
			st.Overrides.ReferencePrices[inst] = v
		}
	}
	return st
}

// Instruments returns the configured instruments.
func (s *Scheduler) Instruments() []string {
	return append([]string(nil), s.cfg.Instruments...)
}

func (s *Scheduler) known(instrument string) error {
	if _, ok := s.coords[instrument]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownInstrument, instrument)
	}
	return nil
}

// Result returns the latest result of an instrument.
func (s *Scheduler) Result(instrument string) (oracle.Result, error) {
	if err := s.known(instrument); err != nil {
		return oracle.Result{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	res, ok := s.results[instrument]
	if !ok {
		return oracle.Result{}, ErrNotReady
	}
	return res.Clone(), nil
}

// Chart returns an instrument's chart points, oldest first.
func (s *Scheduler) Chart(instrument string) ([]ChartPoint, error) {
	if err := s.known(instrument); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	points := s.charts[instrument].Items()
	for i := range points {
		points[i] = points[i].clone()
	}
	return points, nil
}

// Venues returns the latest domestic venue quotes of an instrument.
func (s *Scheduler) Venues(instrument string) ([]VenueQuote, error) {
	if err := s.known(instrument); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	quotes, ok := s.venues[instrument]
	if !ok {
		return nil, ErrNotReady
	}
	return append([]VenueQuote(nil), quotes...), nil
}

// Aggregate recomputes the domestic price from the latest venue quotes with the
// given method. An empty method uses the configured one.
func (s *Scheduler) Aggregate(instrument, method string) (DomesticAggregate, error) {
	if method == "" {
		method = s.cfg.AggregateMethod
	}
	agg, err := aggregator.NewAggregator(method, s.logger)
	if err != nil {
		return DomesticAggregate{}, err
	}
	quotes, err := s.Venues(instrument)
	if err != nil {
		return DomesticAggregate{}, err
	}
	return DomesticAggregate{
		Method: method,
		Price:  agg.Aggregate(quotePrices(quotes), quoteWeights(quotes)),
	}, nil
}

// Health summarizes scheduler progress.
func (s *Scheduler) Health() (ticks, failed uint64, last time.Time) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tickCount, s.failedTicks, s.lastTick
}

// ConversionRateOverride returns the global conversion-rate override.
func (s *Scheduler) ConversionRateOverride() decimal.NullDecimal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rateOvr
}

// SetConversionRateOverride sets the override, or clears it when v is null.
func (s *Scheduler) SetConversionRateOverride(v decimal.NullDecimal) error {
	if err := oracle.ValidateOverride(v); err != nil {
		return err
	}
	s.mu.Lock()
	s.rateOvr = v
	s.mu.Unlock()
	s.logger.Info("Conversion rate override changed", "value", v)
	return nil
}

// ReferencePriceOverride returns an instrument's reference-price override.
func (s *Scheduler) ReferencePriceOverride(instrument string) (decimal.NullDecimal, error) {
	if err := s.known(instrument); err != nil {
		return decimal.NullDecimal{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.refOvr[instrument], nil
}

// SetReferencePriceOverride sets an instrument's override, or clears it when v is null.
func (s *Scheduler) SetReferencePriceOverride(instrument string, v decimal.NullDecimal) error {
	if err := s.known(instrument); err != nil {
		return err
	}
	if err := oracle.ValidateOverride(v); err != nil {
		return err
	}
	s.mu.Lock()
	if v.Valid {
		s.refOvr[instrument] = v
	} else {
		delete(s.refOvr, instrument)
	}
	s.mu.Unlock()
	s.logger.Info("Reference price override changed", "instrument", instrument, "value", v)
	return nil
}
