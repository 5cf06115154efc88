package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/june-upside/Oracle/pkg/config"
	"github.com/june-upside/Oracle/pkg/server/aggregator"
	"github.com/june-upside/Oracle/pkg/server/collector"
	"github.com/june-upside/Oracle/pkg/server/oracle"
	"github.com/june-upside/Oracle/pkg/server/sources"
	"github.com/june-upside/Oracle/pkg/server/sources/sourcestest"
)

var start = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func nd(s string) decimal.NullDecimal { return decimal.NewNullDecimal(d(s)) }

type fixture struct {
	sched *Scheduler
	upbit *sourcestest.Feed
	now   time.Time
}

func (f *fixture) advance(dt time.Duration) { f.now = f.now.Add(dt) }

func testConfig() config.OracleConfig {
	return config.OracleConfig{
		Instruments:          []string{"ETH"},
		Interval:             config.Duration(10 * time.Millisecond),
		TWAPWindowSeconds:    300,
		VolatilityThreshold:  0.05,
		OrderBookDepth:       15,
		ChartCapacity:        3,
		MaxSkew:              config.Duration(500 * time.Millisecond),
		CollectorParallelism: 4,
		ReferenceVenue:       "upbit",
		ConversionAsset:      "USDT",
		AggregateMethod:      aggregator.MethodAverage,
	}
}

func newFixture(t *testing.T, cfg config.OracleConfig) *fixture {
	t.Helper()

	ticker := func(last string) sources.TickerSnapshot {
		return sources.TickerSnapshot{Last: d(last), CapturedAt: start}
	}

	upbit := sourcestest.New("upbit", sources.MarketDomestic)
	upbit.SetTicker("ETH", ticker("5000000"))
	upbit.SetTicker("USDT", ticker("1300"))
	bithumb := sourcestest.New("bithumb", sources.MarketDomestic)
	bithumb.SetTicker("ETH", ticker("5010000"))
	coinone := sourcestest.New("coinone", sources.MarketDomestic)
	coinone.SetTicker("ETH", ticker("5100000"))
	binance := sourcestest.New("binance", sources.MarketForeign)
	binance.SetTicker("ETH", ticker("3000"))
	okx := sourcestest.New("okx", sources.MarketForeign)
	okx.SetTicker("ETH", ticker("3001"))
	bybit := sourcestest.New("bybit", sources.MarketForeign)
	bybit.SetTicker("ETH", ticker("2999"))

	registry := sources.NewRegistryFromFeeds(upbit, bithumb, coinone, binance, okx, bybit)
	coll := collector.New(cfg.CollectorParallelism, cfg.MaxSkew.ToDuration(), nil)

	sched, err := New(cfg, registry, coll, aggregator.NewWeightEngine(nil), nil)
	require.NoError(t, err)

	f := &fixture{sched: sched, upbit: upbit, now: start}
	sched.SetClock(func() time.Time { return f.now })
	return f
}

func TestNew_UnknownMethod(t *testing.T) {
	cfg := testConfig()
	cfg.AggregateMethod = "vwap"
	_, err := New(cfg, sources.NewRegistryFromFeeds(), collector.New(1, 0, nil), aggregator.NewWeightEngine(nil), nil)
	assert.ErrorIs(t, err, aggregator.ErrUnknownMethod)
}

func TestTick_NormalMode(t *testing.T) {
	f := newFixture(t, testConfig())

	_, err := f.sched.Result("ETH")
	assert.ErrorIs(t, err, ErrNotReady)
	_, err = f.sched.Result("BTC")
	assert.ErrorIs(t, err, ErrUnknownInstrument)

	state, err := f.sched.Tick(context.Background())
	require.NoError(t, err)

	res := state.Results["ETH"]
	assert.Equal(t, oracle.ModeNormal, res.Mode)
	require.True(t, res.ConsensusPrice.Valid)
	assert.True(t, res.ConsensusPrice.Decimal.Equal(d("3900650")), res.ConsensusPrice.Decimal.String())
	require.Len(t, res.Contributions, 4)
	assert.Equal(t, "upbit", res.Contributions[0].Label)
	assert.Equal(t, "binance (converted)", res.Contributions[1].Label)
	assert.Equal(t, "okx (converted)", res.Contributions[2].Label)
	assert.Equal(t, "bybit (converted)", res.Contributions[3].Label)

	chart := state.Charts["ETH"]
	require.Len(t, chart, 1)
	assert.True(t, chart[0].ConsensusPrice.Decimal.Equal(d("3900650")))
	assert.True(t, chart[0].ConversionRate.Decimal.Equal(d("1300")))
	assert.Len(t, chart[0].VenuePrices, 6)
	assert.True(t, chart[0].VenuePrices["binance"].Equal(d("3000")))

	quotes := state.Venues["ETH"]
	require.Len(t, quotes, 3)
	for _, q := range quotes {
		assert.Equal(t, 1.0, q.Weight, q.Venue)
	}

	agg := state.Aggregates["ETH"]
	assert.Equal(t, aggregator.MethodAverage, agg.Method)
	require.True(t, agg.Price.Valid)
	assert.InDelta(t, 5036666.67, agg.Price.Decimal.InexactFloat64(), 0.01)

	med, err := f.sched.Aggregate("ETH", aggregator.MethodMedian)
	require.NoError(t, err)
	assert.True(t, med.Price.Decimal.Equal(d("5010000")))
	_, err = f.sched.Aggregate("ETH", "vwap")
	assert.ErrorIs(t, err, aggregator.ErrUnknownMethod)

	assert.Equal(t, uint64(1), state.TickCount)
	assert.Equal(t, start, state.LastTick)
	assert.NotEmpty(t, state.Feeds)
}

func TestTick_ChartEviction(t *testing.T) {
	f := newFixture(t, testConfig())

	for i := 0; i < 5; i++ {
		_, err := f.sched.Tick(context.Background())
		require.NoError(t, err)
		f.advance(time.Second)
	}

	chart, err := f.sched.Chart("ETH")
	require.NoError(t, err)
	require.Len(t, chart, 3)
	assert.Equal(t, start.Add(2*time.Second), chart[0].Timestamp, "oldest points evicted first")
	assert.Equal(t, start.Add(4*time.Second), chart[2].Timestamp)
}

func TestRing(t *testing.T) {
	r := NewRing[int](3)
	assert.Empty(t, r.Items())
	for i := 1; i <= 2; i++ {
		r.Push(i)
	}
	assert.Equal(t, []int{1, 2}, r.Items())
	for i := 3; i <= 7; i++ {
		r.Push(i)
		assert.LessOrEqual(t, r.Len(), r.Cap())
	}
	assert.Equal(t, []int{5, 6, 7}, r.Items())

	one := NewRing[string](0)
	one.Push("a")
	one.Push("b")
	assert.Equal(t, []string{"b"}, one.Items())
}

func TestOverrides(t *testing.T) {
	f := newFixture(t, testConfig())

	require.NoError(t, f.sched.SetReferencePriceOverride("ETH", nd("4000000")))
	state, err := f.sched.Tick(context.Background())
	require.NoError(t, err)
	res := state.Results["ETH"]
	assert.Equal(t, "upbit (manual)", res.Contributions[0].Label)
	assert.True(t, res.Contributions[0].Price.Equal(d("4000000")))
	assert.True(t, res.ObservedReferencePrice.Decimal.Equal(d("5000000")))
	assert.True(t, state.Overrides.ReferencePrices["ETH"].Decimal.Equal(d("4000000")))

	require.NoError(t, f.sched.SetConversionRateOverride(nd("1310")))
	f.advance(time.Second)
	state, err = f.sched.Tick(context.Background())
	require.NoError(t, err)
	res = state.Results["ETH"]
	assert.True(t, res.EffectiveConversionRate.Decimal.Equal(d("1310")))
	assert.True(t, res.ObservedConversionRate.Decimal.Equal(d("1300")))
	assert.Equal(t, "binance (converted)", res.Contributions[1].Label)
	assert.True(t, res.Contributions[1].Price.Equal(d("3930000")))

	require.NoError(t, f.sched.SetReferencePriceOverride("ETH", decimal.NullDecimal{}))
	require.NoError(t, f.sched.SetConversionRateOverride(decimal.NullDecimal{}))
	f.advance(time.Second)
	state, err = f.sched.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "upbit", state.Results["ETH"].Contributions[0].Label)
	assert.Empty(t, state.Overrides.ReferencePrices)
	assert.False(t, state.Overrides.ConversionRate.Valid)
}

func TestOverrides_Rejected(t *testing.T) {
	f := newFixture(t, testConfig())
	require.NoError(t, f.sched.SetConversionRateOverride(nd("1300")))

	assert.ErrorIs(t, f.sched.SetConversionRateOverride(nd("0")), oracle.ErrInvalidOverride)
	assert.ErrorIs(t, f.sched.SetConversionRateOverride(nd("-1")), oracle.ErrInvalidOverride)
	assert.True(t, f.sched.ConversionRateOverride().Decimal.Equal(d("1300")), "rejected value leaves state untouched")

	assert.ErrorIs(t, f.sched.SetReferencePriceOverride("BTC", nd("1")), ErrUnknownInstrument)
	assert.ErrorIs(t, f.sched.SetReferencePriceOverride("ETH", nd("-1")), oracle.ErrInvalidOverride)
	v, err := f.sched.ReferencePriceOverride("ETH")
	require.NoError(t, err)
	assert.False(t, v.Valid)
}

type panicPublisher struct{}

func (panicPublisher) Publish(State) { panic("publisher exploded") }

type recordingPublisher struct {
	mu     sync.Mutex
	states []State
}

func (p *recordingPublisher) Publish(s State) {
	p.mu.Lock()
	p.states = append(p.states, s)
	p.mu.Unlock()
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.states)
}

func TestTick_PanicRecovered(t *testing.T) {
	f := newFixture(t, testConfig())
	f.sched.AddPublisher(panicPublisher{})

	_, err := f.sched.Tick(context.Background())
	require.ErrorIs(t, err, ErrTickPanicked)

	ticks, failed, _ := f.sched.Health()
	assert.Equal(t, uint64(1), ticks)
	assert.Equal(t, uint64(1), failed)

	f.sched.publishers = nil
	rec := &recordingPublisher{}
	f.sched.AddPublisher(rec)
	f.advance(time.Second)
	_, err = f.sched.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rec.count())
}

func TestTick_MissingVenues(t *testing.T) {
	f := newFixture(t, testConfig())
	f.upbit.Remove("ETH")
	f.upbit.Remove("USDT")

	state, err := f.sched.Tick(context.Background())
	require.NoError(t, err)
	res := state.Results["ETH"]
	assert.Equal(t, oracle.ModeNoData, res.Mode)
	assert.False(t, res.ConsensusPrice.Valid)
	require.Len(t, state.Charts["ETH"], 1)
	assert.False(t, state.Charts["ETH"][0].ConsensusPrice.Valid)
}

func TestRun(t *testing.T) {
	f := newFixture(t, testConfig())
	rec := &recordingPublisher{}
	f.sched.AddPublisher(rec)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	err := f.sched.Run(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.GreaterOrEqual(t, rec.count(), 1)
}

func TestTick_CanceledIsNotAFailure(t *testing.T) {
	f := newFixture(t, testConfig())
	rec := &recordingPublisher{}
	f.sched.AddPublisher(rec)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.sched.Tick(ctx)
	assert.ErrorIs(t, err, context.Canceled)

	ticks, failed, _ := f.sched.Health()
	assert.Zero(t, ticks)
	assert.Zero(t, failed)
	assert.Zero(t, rec.count())
}

func TestRun_ShutdownCountsNoFailures(t *testing.T) {
	f := newFixture(t, testConfig())

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	_ = f.sched.Run(ctx)

	ticks, failed, _ := f.sched.Health()
	assert.GreaterOrEqual(t, ticks, uint64(1))
	assert.Zero(t, failed)
}

func TestSetClock_WhileRunning(t *testing.T) {
	f := newFixture(t, testConfig())
	fixed := func() time.Time { return start }

	ctx, cancel := context.WithTimeout(context.Background(), 80*time.Millisecond)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- f.sched.Run(ctx) }()

	for i := 0; i < 20; i++ {
		f.sched.SetClock(fixed)
		time.Sleep(2 * time.Millisecond)
	}
	assert.ErrorIs(t, <-done, context.DeadlineExceeded)

	_, err := f.sched.Tick(context.Background())
	require.NoError(t, err)
	_, _, last := f.sched.Health()
	assert.Equal(t, start, last)
}

func TestStateFilterAndCopy(t *testing.T) {
	f := newFixture(t, testConfig())
	_, err := f.sched.Tick(context.Background())
	require.NoError(t, err)

	st := f.sched.State()
	st.Charts["ETH"][0].VenuePrices["binance"] = d("1")
	again := f.sched.State()
	assert.True(t, again.Charts["ETH"][0].VenuePrices["binance"].Equal(d("3000")), "State returns a deep copy")

	none := again.Filter([]string{"BTC"})
	assert.Empty(t, none.Results)
	assert.Empty(t, none.Feeds)
	all := again.Filter(nil)
	assert.Len(t, all.Results, 1)
}
