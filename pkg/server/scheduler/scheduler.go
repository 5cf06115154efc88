package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/june-upside/Oracle/pkg/config"
	"github.com/june-upside/Oracle/pkg/logging"
	"github.com/june-upside/Oracle/pkg/metrics"
	"github.com/june-upside/Oracle/pkg/server/aggregator"
	"github.com/june-upside/Oracle/pkg/server/collector"
	"github.com/june-upside/Oracle/pkg/server/oracle"
	"github.com/june-upside/Oracle/pkg/server/sources"
)

// Scheduler runs the oracle cycle on a fixed interval.
type Scheduler struct {
	cfg       config.OracleConfig
	registry  *sources.Registry
	collector *collector.Collector
	weights   *aggregator.WeightEngine
	agg       aggregator.Aggregator
	coords    map[string]*oracle.Coordinator
	logger    *logging.Logger
	now       func() time.Time

	// tickMu serializes ticks; mu guards everything below it.
	tickMu sync.Mutex
	mu     sync.RWMutex

	results     map[string]oracle.Result
	charts      map[string]*Ring[ChartPoint]
	venues      map[string][]VenueQuote
	aggregates  map[string]DomesticAggregate
	rateOvr     decimal.NullDecimal
	refOvr      map[string]decimal.NullDecimal
	feeds       []sources.FeedState
	skew        time.Duration
	skewHigh    bool
	tickCount   uint64
	failedTicks uint64
	lastTick    time.Time
	publishers  []Publisher
}

// New creates a scheduler for the configured instruments.
func New(
	cfg config.OracleConfig,
	registry *sources.Registry,
	coll *collector.Collector,
	weights *aggregator.WeightEngine,
	logger *logging.Logger,
) (*Scheduler, error) {
	if logger == nil {
		logger = logging.NewNoopLogger()
	}
	agg, err := aggregator.NewAggregator(cfg.AggregateMethod, logger)
	if err != nil {
		return nil, err
	}

	s := &Scheduler{
		cfg:        cfg,
		registry:   registry,
		collector:  coll,
		weights:    weights,
		agg:        agg,
		coords:     make(map[string]*oracle.Coordinator, len(cfg.Instruments)),
		logger:     logger,
		now:        time.Now,
		results:    make(map[string]oracle.Result),
		charts:     make(map[string]*Ring[ChartPoint], len(cfg.Instruments)),
		venues:     make(map[string][]VenueQuote),
		aggregates: make(map[string]DomesticAggregate),
		refOvr:     make(map[string]decimal.NullDecimal),
	}
	for _, inst := range cfg.Instruments {
		s.coords[inst] = oracle.NewCoordinator(inst, cfg.ReferenceVenue, cfg.TWAPWindow(), cfg.VolatilityThreshold)
		s.charts[inst] = NewRing[ChartPoint](cfg.ChartCapacity)
	}
	return s, nil
}

// SetClock replaces the time source of the scheduler and its coordinators.
// It waits for a running tick to finish.
func (s *Scheduler) SetClock(now func() time.Time) {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()
	s.now = now
	for _, c := range s.coords {
		c.SetClock(now)
	}
}

// AddPublisher registers a receiver of every published state.
func (s *Scheduler) AddPublisher(p Publisher) {
	s.mu.Lock()
	s.publishers = append(s.publishers, p)
	s.mu.Unlock()
}

// Run ticks immediately and then every interval until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	interval := s.cfg.Interval.ToDuration()
	s.logger.Info("Starting scheduler", "interval", interval.String(), "instruments", s.cfg.Instruments)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := s.Tick(ctx); err != nil && !canceled(err) {
			s.logger.Error("Tick failed", "error", err)
		}
		select {
		case <-ctx.Done():
			s.logger.Info("Scheduler stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Tick runs one cycle and publishes the resulting state. A panic inside the
// cycle is recovered, counted and returned as ErrTickPanicked. A done ctx
// returns its error without counting a failed tick.
func (s *Scheduler) Tick(ctx context.Context) (state State, err error) {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	if err := ctx.Err(); err != nil {
		return State{}, err
	}

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrTickPanicked, r)
			s.logger.Error("Recovered tick panic", "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
		}
		if err != nil {
			s.mu.Lock()
			s.failedTicks++
			s.mu.Unlock()
		}
		metrics.RecordTick(time.Since(start), err == nil)
	}()

	state = s.tick(ctx)
	for _, p := range s.publishersCopy() {
		p.Publish(state)
	}
	return state, nil
}

func canceled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func (s *Scheduler) tick(ctx context.Context) State {
	snap := s.collector.Collect(ctx, s.requests())
	now := s.now()

	rateOvr, refOvr := s.overrides()

	results := make(map[string]oracle.Result, len(s.cfg.Instruments))
	venues := make(map[string][]VenueQuote, len(s.cfg.Instruments))
	aggregates := make(map[string]DomesticAggregate, len(s.cfg.Instruments))
	points := make(map[string]ChartPoint, len(s.cfg.Instruments))

	for _, inst := range s.cfg.Instruments {
		in := oracle.Input{
			Instrument:     inst,
			ReferencePrice: s.lastPrice(&snap, s.cfg.ReferenceVenue, inst),
			ConversionRate: s.lastPrice(&snap, s.cfg.ReferenceVenue, s.cfg.ConversionAsset),
			ForeignPrices:  s.foreignPrices(&snap, inst),
			Overrides: oracle.Overrides{
				ConversionRate: rateOvr,
				ReferencePrice: refOvr[inst],
			},
			Timestamp: now,
		}
		res := s.coords[inst].Compute(in)
		results[inst] = res

		quotes := s.venueQuotes(&snap, inst)
		venues[inst] = quotes
		aggregates[inst] = DomesticAggregate{
			Method: s.cfg.AggregateMethod,
			Price:  s.agg.Aggregate(quotePrices(quotes), quoteWeights(quotes)),
		}

		points[inst] = ChartPoint{
			Timestamp:      now,
			ConsensusPrice: res.ConsensusPrice,
			VenuePrices:    s.venuePrices(&snap, inst),
			ConversionRate: res.ConversionRateUsed,
		}
	}

	var feeds []sources.FeedState
	for _, f := range s.registry.Feeds() {
		feeds = append(feeds, f.States()...)
	}

	s.mu.Lock()
	for inst, res := range results {
		s.results[inst] = res
		s.venues[inst] = venues[inst]
		s.aggregates[inst] = aggregates[inst]
		s.charts[inst].Push(points[inst])
	}
	s.feeds = feeds
	s.skew = snap.Skew
	s.skewHigh = snap.SkewExceeded
	s.tickCount++
	s.lastTick = now
	state := s.stateLocked()
	s.mu.Unlock()

	for _, inst := range s.cfg.Instruments {
		res := results[inst]
		s.logger.Debug("Oracle computed",
			"instrument", inst,
			"mode", res.Mode,
			"consensus", res.ConsensusPrice,
			"volatile", res.Volatile,
			"skew", snap.Skew.String())
	}
	return state
}

// requests lists the reads of a tick: every instrument on every feed, with
// metrics for domestic venues, plus the conversion asset on the reference venue.
func (s *Scheduler) requests() []collector.ReadRequest {
	var reqs []collector.ReadRequest
	for _, f := range s.registry.Feeds() {
		domestic := f.Market() == sources.MarketDomestic
		for _, inst := range s.cfg.Instruments {
			reqs = append(reqs, collector.ReadRequest{Feed: f, Instrument: inst, WithMetrics: domestic})
		}
		if f.Name() == s.cfg.ReferenceVenue {
			reqs = append(reqs, collector.ReadRequest{Feed: f, Instrument: s.cfg.ConversionAsset})
		}
	}
	return reqs
}

func (s *Scheduler) lastPrice(snap *collector.Snapshot, venue, instrument string) decimal.NullDecimal {
	t, ok := snap.Ticker(venue, instrument)
	if !ok || !t.Last.IsPositive() {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(t.Last)
}

// foreignPrices keeps the configured feed order.
func (s *Scheduler) foreignPrices(snap *collector.Snapshot, instrument string) []oracle.VenuePrice {
	var out []oracle.VenuePrice
	for _, f := range s.registry.ByMarket(sources.MarketForeign) {
		if p := s.lastPrice(snap, f.Name(), instrument); p.Valid {
			out = append(out, oracle.VenuePrice{Venue: f.Name(), Price: p.Decimal})
		}
	}
	return out
}

func (s *Scheduler) venueQuotes(snap *collector.Snapshot, instrument string) []VenueQuote {
	var quotes []VenueQuote
	data := make(map[string]aggregator.VenueMetrics)
	for _, f := range s.registry.ByMarket(sources.MarketDomestic) {
		r, ok := snap.Get(f.Name(), instrument)
		if !ok || !r.HasTicker || !r.Ticker.Last.IsPositive() {
			continue
		}
		quotes = append(quotes, VenueQuote{
			Venue:      r.Venue,
			Market:     r.Market,
			Price:      r.Ticker.Last,
			Volume:     r.Ticker.Volume,
			Spread:     r.Spread,
			Depth:      r.Depth,
			Status:     r.Status,
			Freshness:  r.Ticker.Freshness,
			CapturedAt: r.Ticker.CapturedAt,
		})
		data[r.Venue] = aggregator.VenueMetrics{Volume: r.Ticker.Volume, Depth: r.Depth, Spread: r.Spread}
	}

	breakdown := s.weights.Breakdown(data)
	for i := range quotes {
		b := breakdown[quotes[i].Venue]
		quotes[i].Breakdown = b
		quotes[i].Weight = b.Weight
	}
	return quotes
}

func (s *Scheduler) venuePrices(snap *collector.Snapshot, instrument string) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal)
	for _, r := range snap.Reads {
		if r.Instrument == instrument && r.HasTicker && r.Ticker.Last.IsPositive() {
			out[r.Venue] = r.Ticker.Last
		}
	}
	return out
}

func quotePrices(quotes []VenueQuote) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(quotes))
	for _, q := range quotes {
		out[q.Venue] = q.Price
	}
	return out
}

func quoteWeights(quotes []VenueQuote) map[string]float64 {
	out := make(map[string]float64, len(quotes))
	for _, q := range quotes {
		out[q.Venue] = q.Weight
	}
	return out
}

func (s *Scheduler) publishersCopy() []Publisher {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Publisher(nil), s.publishers...)
}

func (s *Scheduler) overrides() (decimal.NullDecimal, map[string]decimal.NullDecimal) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ref := make(map[string]decimal.NullDecimal, len(s.refOvr))
	for k, v := range s.refOvr {
		ref[k] = v
	}
	return s.rateOvr, ref
}
