package sources

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/june-upside/Oracle/pkg/logging"
	"github.com/june-upside/Oracle/pkg/metrics"
	"github.com/june-upside/Oracle/pkg/server/sources/websocket"
)

const updateQueueSize = 256

// FeedOptions configures a Feed. At least one of Stream and REST must be set.
type FeedOptions struct {
	Name             string
	Market           Market
	Stream           StreamProtocol
	REST             RESTClient
	Depth            int
	CacheTTL         time.Duration
	MaxStaleness     time.Duration
	StreamStaleAfter time.Duration
	ReconnectWait    time.Duration
	Headers          http.Header
	Logger           *logging.Logger
}

// Feed implements ExchangeFeed once for every venue. Venue framing is supplied by
// a StreamProtocol, a RESTClient, or both; with both, REST serves reads while the
// stream is down or stale.
type Feed struct {
	name             string
	market           Market
	stream           StreamProtocol
	rest             RESTClient
	depth            int
	maxStaleness     time.Duration
	streamStaleAfter time.Duration
	reconnectWait    time.Duration
	headers          http.Header
	tickers          *TTLCache[TickerSnapshot]
	books            *TTLCache[OrderBookSnapshot]
	logger           *logging.Logger
	now              func() time.Time

	mu          sync.RWMutex
	instruments []string
	states      map[string]*FeedState
	connected   bool

	updates chan Update
	client  *websocket.Client
	runCtx  context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

var _ ExchangeFeed = (*Feed)(nil)

// NewFeed creates a feed. It does nothing on the network until Connect.
func NewFeed(opts FeedOptions) (*Feed, error) {
	if opts.Stream == nil && opts.REST == nil {
		return nil, fmt.Errorf("%s: %w", opts.Name, ErrNoTransport)
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewNoopLogger()
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = time.Second
	}
	if opts.MaxStaleness < opts.CacheTTL {
		opts.MaxStaleness = 30 * time.Second
	}
	if opts.StreamStaleAfter <= 0 {
		opts.StreamStaleAfter = 10 * time.Second
	}

	return &Feed{
		name:             opts.Name,
		market:           opts.Market,
		stream:           opts.Stream,
		rest:             opts.REST,
		depth:            opts.Depth,
		maxStaleness:     opts.MaxStaleness,
		streamStaleAfter: opts.StreamStaleAfter,
		reconnectWait:    opts.ReconnectWait,
		headers:          opts.Headers,
		tickers:          NewTTLCache[TickerSnapshot](opts.Name, opts.CacheTTL, opts.MaxStaleness),
		books:            NewTTLCache[OrderBookSnapshot](opts.Name, opts.CacheTTL, opts.MaxStaleness),
		logger:           opts.Logger.With("venue", opts.Name),
		now:              time.Now,
		states:           make(map[string]*FeedState),
		updates:          make(chan Update, updateQueueSize),
	}, nil
}

// Name returns the venue name
func (f *Feed) Name() string {
	return f.name
}

// Market returns whether the venue is domestic or foreign.
func (f *Feed) Market() Market {
	return f.market
}

// Instruments returns the connected instruments.
func (f *Feed) Instruments() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]string, len(f.instruments))
	copy(out, f.instruments)
	return out
}

// Connect registers the instruments and, for streaming venues, starts the
// connection loop and the update applier. It returns without waiting for the handshake.
func (f *Feed) Connect(ctx context.Context, instruments []string) error {
	if len(instruments) == 0 {
		return fmt.Errorf("%s: %w", f.name, ErrNoInstruments)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.connected {
		return fmt.Errorf("%s: %w", f.name, ErrAlreadyConnected)
	}
	f.connected = true
	f.instruments = append([]string(nil), instruments...)
	for _, inst := range instruments {
		f.states[inst] = &FeedState{Venue: f.name, Instrument: inst, Status: StatusConnecting}
	}
	metrics.RecordFeedStatus(f.name, string(StatusConnecting))

	f.runCtx, f.cancel = context.WithCancel(ctx)

	if f.stream == nil {
		f.logger.Info("REST feed ready", "instruments", instruments)
		return nil
	}

	f.client = websocket.NewClient(websocket.Config{
		URL:           f.stream.URL(instruments),
		ReconnectWait: f.reconnectWait,
		Logger:        f.logger.ZerologLogger(),
		Headers:       f.headers,
	})
	f.client.SetHandlers(f.handleFrame, f.handleOpen, f.handleState)

	f.wg.Add(2)
	go func() {
		defer f.wg.Done()
		f.applyLoop(f.runCtx)
	}()
	go func() {
		defer f.wg.Done()
		if err := f.client.Run(f.runCtx); err != nil {
			f.logger.Error("Stream loop stopped", "error", err)
		}
	}()

	f.logger.Info("Streaming feed started", "instruments", instruments)
	return nil
}

// Disconnect stops the connection loop immediately and waits for its goroutines.
func (f *Feed) Disconnect() error {
	f.mu.Lock()
	if !f.connected {
		f.mu.Unlock()
		return nil
	}
	f.connected = false
	cancel := f.cancel
	client := f.client
	f.mu.Unlock()

	cancel()
	var err error
	if client != nil {
		err = client.Close()
	}
	f.wg.Wait()

	f.setStatus(StatusDisconnected)
	f.logger.Info("Feed disconnected")
	return err
}

// Ticker implements ExchangeFeed.
func (f *Feed) Ticker(ctx context.Context, instrument string) (TickerSnapshot, bool) {
	st, ok := f.state(instrument)
	if !ok {
		return TickerSnapshot{}, false
	}
	now := f.now()

	if f.stream != nil && st.Status == StatusLive && st.HasTicker && now.Sub(st.Ticker.CapturedAt) <= f.streamStaleAfter {
		t := st.Ticker
		t.Freshness = FreshnessLive
		return t, true
	}

	if f.rest != nil {
		lk, ok := f.tickers.Get(ctx, instrument, func(ctx context.Context) (TickerSnapshot, error) {
			return f.rest.FetchTicker(ctx, instrument)
		})
		f.noteFetch(instrument, ok, lk.FetchErr)
		if ok {
			t := lk.Value
			t.Freshness = lk.Freshness
			return t, true
		}
	}

	if st.HasTicker && now.Sub(st.Ticker.CapturedAt) <= f.maxStaleness {
		t := st.Ticker
		t.Freshness = FreshnessCached
		return t, true
	}
	return TickerSnapshot{}, false
}

// OrderBook implements ExchangeFeed.
func (f *Feed) OrderBook(ctx context.Context, instrument string) (OrderBookSnapshot, bool) {
	st, ok := f.state(instrument)
	if !ok {
		return OrderBookSnapshot{}, false
	}
	now := f.now()

	if f.stream != nil && st.Status == StatusLive && st.HasOrderBook && now.Sub(st.OrderBook.CapturedAt) <= f.streamStaleAfter {
		ob := st.OrderBook
		ob.Freshness = FreshnessLive
		return ob, true
	}

	if f.rest != nil {
		lk, ok := f.books.Get(ctx, instrument, func(ctx context.Context) (OrderBookSnapshot, error) {
			return f.rest.FetchOrderBook(ctx, instrument, f.depth)
		})
		f.noteFetch(instrument, ok, lk.FetchErr)
		if ok {
			ob := lk.Value
			ob.Freshness = lk.Freshness
			return ob, true
		}
	}

	if st.HasOrderBook && now.Sub(st.OrderBook.CapturedAt) <= f.maxStaleness {
		ob := st.OrderBook
		ob.Freshness = FreshnessCached
		return ob, true
	}
	return OrderBookSnapshot{}, false
}

// Spread implements ExchangeFeed.
func (f *Feed) Spread(ctx context.Context, instrument string) (decimal.Decimal, bool) {
	var tp *TickerSnapshot
	if t, ok := f.Ticker(ctx, instrument); ok {
		tp = &t
	}
	var obp *OrderBookSnapshot
	if tp == nil || !tp.Bid.Valid || !tp.Ask.Valid {
		if ob, ok := f.OrderBook(ctx, instrument); ok {
			obp = &ob
		}
	}
	return SpreadOf(tp, obp)
}

// Depth implements ExchangeFeed.
func (f *Feed) Depth(ctx context.Context, instrument string) (decimal.Decimal, bool) {
	ob, ok := f.OrderBook(ctx, instrument)
	if !ok {
		return decimal.Zero, false
	}
	return DepthOf(&ob, f.depth)
}

// Status returns the connection status for an instrument.
func (f *Feed) Status(instrument string) FeedStatus {
	st, ok := f.state(instrument)
	if !ok {
		return StatusDisconnected
	}
	return st.Status
}

// States returns a copy of every FeedState, ordered by instrument.
func (f *Feed) States() []FeedState {
	f.mu.RLock()
	out := make([]FeedState, 0, len(f.states))
	for _, st := range f.states {
		out = append(out, *st)
	}
	f.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Instrument < out[j].Instrument })
	return out
}

func (f *Feed) state(instrument string) (FeedState, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	st, ok := f.states[instrument]
	if !ok {
		return FeedState{}, false
	}
	return *st, true
}

func (f *Feed) setStatus(status FeedStatus) {
	f.mu.Lock()
	for _, st := range f.states {
		st.Status = status
	}
	f.mu.Unlock()
	metrics.RecordFeedStatus(f.name, string(status))
}

// noteFetch tracks REST outcomes as the status of REST-only feeds.
func (f *Feed) noteFetch(instrument string, ok bool, fetchErr error) {
	if fetchErr != nil {
		f.logger.Debug("REST fetch failed", "instrument", instrument, "error", fetchErr, "served_stale", ok)
	}
	if f.stream != nil {
		return
	}
	status := StatusLive
	if !ok || fetchErr != nil {
		status = StatusDegraded
	}
	f.mu.Lock()
	if st, exists := f.states[instrument]; exists {
		st.Status = status
	}
	f.mu.Unlock()
	metrics.RecordFeedStatus(f.name, string(status))
}

// handleOpen sends the venue's opening frames on every (re)connect.
func (f *Feed) handleOpen() error {
	frames, err := f.stream.OnOpen(f.Instruments(), f.depth)
	if err != nil {
		return err
	}
	return f.sendAll(frames)
}

// handleFrame runs on the read goroutine: decode only, state is applied elsewhere.
func (f *Feed) handleFrame(frame []byte) {
	updates, err := f.stream.Decode(frame)
	if err != nil {
		metrics.RecordParseError(f.name)
		f.logger.Debug("Dropping malformed frame", "error", err, "size", len(frame))
		return
	}
	for _, u := range updates {
		select {
		case f.updates <- u:
		case <-f.runCtx.Done():
			return
		}
	}
}

func (f *Feed) handleState(s websocket.State, err error) {
	switch s {
	case websocket.StateConnecting:
		f.setStatus(StatusConnecting)
	case websocket.StateReconnecting:
		metrics.RecordReconnect(f.name)
		f.setStatus(StatusReconnecting)
		if err != nil {
			f.logger.Warn("Stream lost", "error", err)
		}
	case websocket.StateClosed:
		f.setStatus(StatusDisconnected)
	}
}

// applyLoop is the single writer of streamed snapshots.
func (f *Feed) applyLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case u := <-f.updates:
			f.apply(u)
		}
	}
}

func (f *Feed) apply(u Update) {
	if u.Kind == UpdateAck {
		f.markLive()
		frames, err := f.stream.OnAck(f.Instruments(), f.depth)
		if err == nil {
			err = f.sendAll(frames)
		}
		if err != nil {
			f.logger.Warn("Failed to send subscriptions after handshake", "error", err)
		}
		return
	}

	now := f.now()
	f.mu.Lock()
	st, ok := f.states[u.Instrument]
	if !ok {
		f.mu.Unlock()
		return
	}
	wasLive := st.Status == StatusLive
	switch u.Kind {
	case UpdateTicker:
		t := u.Ticker
		t.Venue, t.Instrument = f.name, u.Instrument
		if t.CapturedAt.IsZero() {
			t.CapturedAt = now
		}
		st.Ticker, st.HasTicker = t, true
	case UpdateOrderBook:
		ob := u.OrderBook
		ob.Venue, ob.Instrument = f.name, u.Instrument
		ob.Bids, ob.Asks = NormalizeBook(ob.Bids, ob.Asks, f.depth)
		if ob.CapturedAt.IsZero() {
			ob.CapturedAt = now
		}
		st.OrderBook, st.HasOrderBook = ob, true
	}
	st.UpdatedAt = now
	f.mu.Unlock()

	if u.Kind == UpdateTicker {
		metrics.RecordFeedUpdate(f.name, "ticker")
	} else {
		metrics.RecordFeedUpdate(f.name, "orderbook")
	}

	// Venues without an explicit acknowledgement go live on their first data frame.
	if !wasLive {
		f.markLive()
	}
}

func (f *Feed) markLive() {
	f.mu.RLock()
	allLive := true
	for _, st := range f.states {
		if st.Status != StatusLive {
			allLive = false
			break
		}
	}
	f.mu.RUnlock()
	if !allLive {
		f.logger.Info("Feed live")
		f.setStatus(StatusLive)
	}
}

func (f *Feed) sendAll(frames []interface{}) error {
	for _, frame := range frames {
		if err := f.client.SendJSON(frame); err != nil {
			return fmt.Errorf("send subscription: %w", err)
		}
	}
	return nil
}
