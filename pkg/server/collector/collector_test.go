package collector

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/june-upside/Oracle/pkg/logging"
	"github.com/june-upside/Oracle/pkg/server/sources"
	"github.com/june-upside/Oracle/pkg/server/sources/sourcestest"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func price(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestCollect(t *testing.T) {
	upbit := sourcestest.New("upbit", sources.MarketDomestic)
	upbit.SetTicker("ETH", sources.TickerSnapshot{
		Last:       price("5000000"),
		Bid:        decimal.NewNullDecimal(price("4999000")),
		Ask:        decimal.NewNullDecimal(price("5001000")),
		CapturedAt: base,
	})
	upbit.SetBook("ETH", sources.OrderBookSnapshot{
		Bids: []sources.Level{{Price: price("4999000"), Size: price("2")}},
		Asks: []sources.Level{{Price: price("5001000"), Size: price("1")}},
	})
	binance := sourcestest.New("binance", sources.MarketForeign)
	binance.SetTicker("ETH", sources.TickerSnapshot{Last: price("3000"), CapturedAt: base.Add(200 * time.Millisecond)})
	okx := sourcestest.New("okx", sources.MarketForeign)

	c := New(2, 500*time.Millisecond, logging.NewNoopLogger())
	snap := c.Collect(context.Background(), []ReadRequest{
		{Feed: upbit, Instrument: "ETH", WithMetrics: true},
		{Feed: binance, Instrument: "ETH"},
		{Feed: okx, Instrument: "ETH"},
	})

	require.Len(t, snap.Reads, 2, "empty reads are absent")
	assert.Equal(t, "upbit", snap.Reads[0].Venue, "request order is kept")
	assert.Equal(t, 200*time.Millisecond, snap.Skew)
	assert.False(t, snap.SkewExceeded)

	r, ok := snap.Get("upbit", "ETH")
	require.True(t, ok)
	assert.True(t, r.HasOrderBook)
	require.True(t, r.Spread.Valid)
	// 2000 / 5,000,000 * 100
	assert.True(t, r.Spread.Decimal.Equal(price("0.04")), r.Spread.Decimal.String())
	require.True(t, r.Depth.Valid)
	// (9,998,000 + 5,001,000) / 2
	assert.True(t, r.Depth.Decimal.Equal(price("7499500")))
	assert.False(t, r.ReadAt.IsZero())

	tk, ok := snap.Ticker("binance", "ETH")
	require.True(t, ok)
	assert.True(t, tk.Last.Equal(price("3000")))
	b, ok := snap.Get("binance", "ETH")
	require.True(t, ok)
	assert.False(t, b.Spread.Valid, "foreign reads skip metrics")

	_, ok = snap.Ticker("okx", "ETH")
	assert.False(t, ok)
}

func TestCollect_SkewFlagged(t *testing.T) {
	a := sourcestest.New("a", sources.MarketDomestic)
	a.SetTicker("ETH", sources.TickerSnapshot{Last: price("1"), CapturedAt: base})
	b := sourcestest.New("b", sources.MarketForeign)
	b.SetTicker("ETH", sources.TickerSnapshot{Last: price("1"), CapturedAt: base.Add(2 * time.Second)})

	snap := New(4, 500*time.Millisecond, nil).Collect(context.Background(), []ReadRequest{
		{Feed: a, Instrument: "ETH"},
		{Feed: b, Instrument: "ETH"},
	})
	require.Len(t, snap.Reads, 2, "skew never drops reads")
	assert.Equal(t, 2*time.Second, snap.Skew)
	assert.True(t, snap.SkewExceeded)
}

func TestCollect_PanicIsAbsent(t *testing.T) {
	bad := sourcestest.New("bad", sources.MarketForeign)
	bad.PanicOn("ETH")
	good := sourcestest.New("good", sources.MarketForeign)
	good.SetTicker("ETH", sources.TickerSnapshot{Last: price("3000"), CapturedAt: base})

	snap := New(1, 0, nil).Collect(context.Background(), []ReadRequest{
		{Feed: bad, Instrument: "ETH"},
		{Feed: good, Instrument: "ETH"},
	})
	require.Len(t, snap.Reads, 1)
	assert.Equal(t, "good", snap.Reads[0].Venue)
	assert.Zero(t, snap.Skew)
	assert.False(t, snap.SkewExceeded)
}

func TestSkew(t *testing.T) {
	reads := []Read{
		{HasTicker: true, Ticker: sources.TickerSnapshot{CapturedAt: base.Add(time.Second)}},
		{HasTicker: true, Ticker: sources.TickerSnapshot{CapturedAt: base}},
		{HasTicker: false, Ticker: sources.TickerSnapshot{CapturedAt: base.Add(time.Hour)}},
		{HasTicker: true, Ticker: sources.TickerSnapshot{CapturedAt: base.Add(300 * time.Millisecond)}},
	}
	assert.Equal(t, time.Second, Skew(reads))
	assert.Zero(t, Skew(reads[:1]))
	assert.Zero(t, Skew(nil))
}

// slowFeed holds every ticker read for a while and tracks how many run at once.
type slowFeed struct {
	*sourcestest.Feed
	inflight *atomic.Int32
	peak     *atomic.Int32
}

func (f slowFeed) Ticker(ctx context.Context, instrument string) (sources.TickerSnapshot, bool) {
	n := f.inflight.Add(1)
	defer f.inflight.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(30 * time.Millisecond)
	return f.Feed.Ticker(ctx, instrument)
}

func TestCollect_BoundedParallelism(t *testing.T) {
	var inflight, peak atomic.Int32
	reqs := make([]ReadRequest, 0, 6)
	for i := 0; i < 6; i++ {
		f := sourcestest.New(fmt.Sprintf("venue%d", i), sources.MarketForeign)
		f.SetTicker("ETH", sources.TickerSnapshot{Last: price("3000"), CapturedAt: base})
		reqs = append(reqs, ReadRequest{Feed: slowFeed{Feed: f, inflight: &inflight, peak: &peak}, Instrument: "ETH"})
	}

	c := New(2, time.Second, logging.NewNoopLogger())
	snap := c.Collect(context.Background(), reqs)

	assert.Len(t, snap.Reads, 6)
	assert.EqualValues(t, 2, peak.Load(), "reads in flight never exceed collector_parallelism")
	assert.EqualValues(t, 0, inflight.Load())
}
