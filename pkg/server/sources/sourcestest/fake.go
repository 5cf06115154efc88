// Package sourcestest provides an in-memory ExchangeFeed for tests.
package sourcestest

import (
	"context"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/june-upside/Oracle/pkg/server/sources"
)

// Feed is a settable ExchangeFeed. The zero value is not usable; use New.
type Feed struct {
	mu          sync.Mutex
	name        string
	market      sources.Market
	tickers     map[string]sources.TickerSnapshot
	books       map[string]sources.OrderBookSnapshot
	status      sources.FeedStatus
	instruments []string
	depth       int
	panicOn     string
	connected   bool
}

var _ sources.ExchangeFeed = (*Feed)(nil)

// New creates a fake feed reporting LIVE.
func New(name string, market sources.Market) *Feed {
	return &Feed{
		name:    name,
		market:  market,
		tickers: make(map[string]sources.TickerSnapshot),
		books:   make(map[string]sources.OrderBookSnapshot),
		status:  sources.StatusLive,
		depth:   15,
	}
}

// SetTicker stores a ticker; the venue and instrument fields are filled in.
func (f *Feed) SetTicker(instrument string, t sources.TickerSnapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t.Venue = f.name
	t.Instrument = instrument
	if t.Freshness == "" {
		t.Freshness = sources.FreshnessLive
	}
	f.tickers[instrument] = t
}

// SetBook stores an order book.
func (f *Feed) SetBook(instrument string, ob sources.OrderBookSnapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ob.Venue = f.name
	ob.Instrument = instrument
	f.books[instrument] = ob
}

// Remove drops every snapshot of an instrument.
func (f *Feed) Remove(instrument string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.tickers, instrument)
	delete(f.books, instrument)
}

// SetStatus sets the reported status.
func (f *Feed) SetStatus(s sources.FeedStatus) {
	f.mu.Lock()
	f.status = s
	f.mu.Unlock()
}

// PanicOn makes ticker reads of an instrument panic.
func (f *Feed) PanicOn(instrument string) {
	f.mu.Lock()
	f.panicOn = instrument
	f.mu.Unlock()
}

// Connected reports whether Connect was called without a later Disconnect.
func (f *Feed) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *Feed) Connect(_ context.Context, instruments []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.instruments = append([]string(nil), instruments...)
	f.connected = true
	return nil
}

func (f *Feed) Disconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	return nil
}

func (f *Feed) Ticker(_ context.Context, instrument string) (sources.TickerSnapshot, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.panicOn == instrument {
		panic("sourcestest: forced panic")
	}
	t, ok := f.tickers[instrument]
	return t, ok
}

func (f *Feed) OrderBook(_ context.Context, instrument string) (sources.OrderBookSnapshot, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ob, ok := f.books[instrument]
	return ob, ok
}

func (f *Feed) Spread(ctx context.Context, instrument string) (decimal.Decimal, bool) {
	t, tok := f.Ticker(ctx, instrument)
	ob, bok := f.OrderBook(ctx, instrument)
	var tp *sources.TickerSnapshot
	var obp *sources.OrderBookSnapshot
	if tok {
		tp = &t
	}
	if bok {
		obp = &ob
	}
	return sources.SpreadOf(tp, obp)
}

func (f *Feed) Depth(ctx context.Context, instrument string) (decimal.Decimal, bool) {
	ob, ok := f.OrderBook(ctx, instrument)
	if !ok {
		return decimal.Zero, false
	}
	return sources.DepthOf(&ob, f.depth)
}

func (f *Feed) Name() string           { return f.name }
func (f *Feed) Market() sources.Market { return f.market }

func (f *Feed) Instruments() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.instruments...)
}

func (f *Feed) Status(string) sources.FeedStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *Feed) States() []sources.FeedState {
	f.mu.Lock()
	defer f.mu.Unlock()
	keys := make([]string, 0, len(f.tickers))
	for k := range f.tickers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]sources.FeedState, 0, len(keys))
	for _, k := range keys {
		_, hasBook := f.books[k]
		out = append(out, sources.FeedState{
			Venue:        f.name,
			Instrument:   k,
			Status:       f.status,
			Ticker:       f.tickers[k],
			HasTicker:    true,
			HasOrderBook: hasBook,
			UpdatedAt:    f.tickers[k].CapturedAt,
		})
	}
	return out
}
