// Package collector reads every configured feed for one tick and assembles a
// cross-venue snapshot with its measured timestamp skew.
package collector

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/june-upside/Oracle/pkg/logging"
	"github.com/june-upside/Oracle/pkg/metrics"
	"github.com/june-upside/Oracle/pkg/server/sources"
)

// ReadRequest asks for one instrument on one feed.
// WithMetrics also reads the order book, spread and depth.
type ReadRequest struct {
	Feed        sources.ExchangeFeed
	Instrument  string
	WithMetrics bool
}

// Read is the outcome of one ReadRequest.
type Read struct {
	Venue        string                    `json:"venue"`
	Market       sources.Market            `json:"market"`
	Instrument   string                    `json:"instrument"`
	Status       sources.FeedStatus        `json:"status"`
	Ticker       sources.TickerSnapshot    `json:"ticker"`
	HasTicker    bool                      `json:"has_ticker"`
	OrderBook    sources.OrderBookSnapshot `json:"-"`
	HasOrderBook bool                      `json:"has_orderbook"`
	Spread       decimal.NullDecimal       `json:"spread"`
	Depth        decimal.NullDecimal       `json:"depth"`
	ReadAt       time.Time                 `json:"read_at"`
}

// Snapshot is the cross-venue view of one tick.
type Snapshot struct {
	Reads        []Read        `json:"reads"`
	StartedAt    time.Time     `json:"started_at"`
	CompletedAt  time.Time     `json:"completed_at"`
	Skew         time.Duration `json:"skew"`
	SkewExceeded bool          `json:"skew_exceeded"`
}

// Get returns the read for a venue and instrument.
func (s *Snapshot) Get(venue, instrument string) (Read, bool) {
	for _, r := range s.Reads {
		if r.Venue == venue && r.Instrument == instrument {
			return r, true
		}
	}
	return Read{}, false
}

// Ticker returns the ticker read for a venue and instrument.
func (s *Snapshot) Ticker(venue, instrument string) (sources.TickerSnapshot, bool) {
	r, ok := s.Get(venue, instrument)
	if !ok || !r.HasTicker {
		return sources.TickerSnapshot{}, false
	}
	return r.Ticker, true
}

// Collector performs the concurrent reads of a tick.
type Collector struct {
	parallelism int
	maxSkew     time.Duration
	logger      *logging.Logger
	now         func() time.Time
}

// New creates a collector running at most parallelism reads at a time.
func New(parallelism int, maxSkew time.Duration, logger *logging.Logger) *Collector {
	if parallelism < 1 {
		parallelism = 1
	}
	if logger == nil {
		logger = logging.NewNoopLogger()
	}
	return &Collector{
		parallelism: parallelism,
		maxSkew:     maxSkew,
		logger:      logger,
		now:         time.Now,
	}
}

// Collect issues every read concurrently. Reads that return nothing, or panic,
// are absent from the snapshot; Collect itself never fails.
func (c *Collector) Collect(ctx context.Context, reqs []ReadRequest) Snapshot {
	snap := Snapshot{StartedAt: c.now()}

	results := make([]*Read, len(reqs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.parallelism)
	for i, req := range reqs {
		i, req := i, req
		g.Go(func() error {
			results[i] = c.read(gctx, req)
			return nil
		})
	}
	_ = g.Wait()

	for _, r := range results {
		if r != nil {
			snap.Reads = append(snap.Reads, *r)
		}
	}
	snap.CompletedAt = c.now()
	snap.Skew = Skew(snap.Reads)
	snap.SkewExceeded = c.maxSkew > 0 && snap.Skew > c.maxSkew

	metrics.RecordSnapshotSkew(snap.Skew, snap.SkewExceeded)
	if snap.SkewExceeded {
		c.logger.Debug("Snapshot skew above bound", "skew", snap.Skew.String(), "max", c.maxSkew.String())
	}
	return snap
}

func (c *Collector) read(ctx context.Context, req ReadRequest) (out *Read) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Feed read panicked", "venue", req.Feed.Name(), "instrument", req.Instrument, "panic", fmt.Sprint(r))
			out = nil
		}
	}()

	r := Read{
		Venue:      req.Feed.Name(),
		Market:     req.Feed.Market(),
		Instrument: req.Instrument,
		ReadAt:     c.now(),
	}
	r.Ticker, r.HasTicker = req.Feed.Ticker(ctx, req.Instrument)
	if req.WithMetrics {
		r.OrderBook, r.HasOrderBook = req.Feed.OrderBook(ctx, req.Instrument)
		if v, ok := req.Feed.Spread(ctx, req.Instrument); ok {
			r.Spread = decimal.NewNullDecimal(v)
		}
		if v, ok := req.Feed.Depth(ctx, req.Instrument); ok {
			r.Depth = decimal.NewNullDecimal(v)
		}
	}
	r.Status = req.Feed.Status(req.Instrument)

	if !r.HasTicker && !r.HasOrderBook {
		return nil
	}
	return &r
}

// Skew is the spread between the earliest and latest ticker capture time.
func Skew(reads []Read) time.Duration {
	times := make([]time.Time, 0, len(reads))
	for _, r := range reads {
		if r.HasTicker && !r.Ticker.CapturedAt.IsZero() {
			times = append(times, r.Ticker.CapturedAt)
		}
	}
	if len(times) < 2 {
		return 0
	}
	sort.Slice(times, func(i, j int) bool { return times[i].Before(times[j]) })
	return times[len(times)-1].Sub(times[0])
}
