package sources

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Market tells whether a venue quotes in the local currency or abroad.
type Market string

const (
	// MarketDomestic venues quote instruments in KRW.
	MarketDomestic Market = "domestic"
	// MarketForeign venues quote instruments in USDT.
	MarketForeign Market = "foreign"
)

// FeedStatus is the connection status of a feed.
type FeedStatus string

const (
	StatusDisconnected FeedStatus = "DISCONNECTED"
	StatusConnecting   FeedStatus = "CONNECTING"
	StatusLive         FeedStatus = "LIVE"
	StatusDegraded     FeedStatus = "DEGRADED"
	StatusReconnecting FeedStatus = "RECONNECTING"
)

// Freshness tells whether a snapshot came from the live path or a cache.
type Freshness string

const (
	FreshnessLive   Freshness = "live"
	FreshnessCached Freshness = "cached"
)

// Level is one order book price level.
type Level struct {
	Price decimal.Decimal `json:"price"`
	Size  decimal.Decimal `json:"size"`
}

// TickerSnapshot is the latest ticker of one instrument on one venue.
// Volume is quote-currency notional over the venue's rolling 24h window.
type TickerSnapshot struct {
	Venue      string              `json:"venue"`
	Instrument string              `json:"instrument"`
	Last       decimal.Decimal     `json:"last"`
	Volume     decimal.NullDecimal `json:"volume"`
	Bid        decimal.NullDecimal `json:"bid"`
	Ask        decimal.NullDecimal `json:"ask"`
	CapturedAt time.Time           `json:"captured_at"`
	Freshness  Freshness           `json:"freshness"`
}

// OrderBookSnapshot holds bids sorted descending and asks ascending, capped at K levels.
type OrderBookSnapshot struct {
	Venue      string    `json:"venue"`
	Instrument string    `json:"instrument"`
	Bids       []Level   `json:"bids"`
	Asks       []Level   `json:"asks"`
	CapturedAt time.Time `json:"captured_at"`
	Freshness  Freshness `json:"freshness"`
}

// FeedState is the per (venue, instrument) view a feed keeps.
type FeedState struct {
	Venue        string            `json:"venue"`
	Instrument   string            `json:"instrument"`
	Status       FeedStatus        `json:"status"`
	Ticker       TickerSnapshot    `json:"ticker"`
	HasTicker    bool              `json:"has_ticker"`
	OrderBook    OrderBookSnapshot `json:"-"`
	HasOrderBook bool              `json:"has_orderbook"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// UpdateKind tags a decoded upstream message.
type UpdateKind int

const (
	// UpdateAck marks the venue handshake as acknowledged.
	UpdateAck UpdateKind = iota
	UpdateTicker
	UpdateOrderBook
)

// Update is one decoded upstream message, handed from the read loop to the applier.
type Update struct {
	Kind       UpdateKind
	Instrument string
	Ticker     TickerSnapshot
	OrderBook  OrderBookSnapshot
}

// ExchangeFeed is the capability contract every venue implements.
type ExchangeFeed interface {
	// Connect starts the feed for the given instruments. It does not block on the handshake.
	Connect(ctx context.Context, instruments []string) error

	// Ticker returns the latest ticker, or false when nothing usable is available.
	Ticker(ctx context.Context, instrument string) (TickerSnapshot, bool)

	// OrderBook returns the latest order book, or false when nothing usable is available.
	OrderBook(ctx context.Context, instrument string) (OrderBookSnapshot, bool)

	// Spread returns (ask - bid) / mid * 100.
	Spread(ctx context.Context, instrument string) (decimal.Decimal, bool)

	// Depth returns the average notional of the top-K bid and ask levels.
	Depth(ctx context.Context, instrument string) (decimal.Decimal, bool)

	// Disconnect stops the feed and its reconnect loop.
	Disconnect() error

	Name() string
	Market() Market
	Instruments() []string
	Status(instrument string) FeedStatus
	States() []FeedState
}

// StreamProtocol is the venue-specific framing of a streaming subscription.
type StreamProtocol interface {
	// URL is the streaming endpoint for the given instruments.
	URL(instruments []string) string

	// OnOpen returns the frames to send as soon as the socket is open.
	OnOpen(instruments []string, depth int) ([]interface{}, error)

	// OnAck returns the frames to send once the venue acknowledged the session.
	OnAck(instruments []string, depth int) ([]interface{}, error)

	// Decode turns one frame into updates. A nil slice with a nil error means the
	// frame carried nothing of interest.
	Decode(frame []byte) ([]Update, error)
}

// RESTClient fetches snapshots over a venue's REST endpoints.
type RESTClient interface {
	FetchTicker(ctx context.Context, instrument string) (TickerSnapshot, error)
	FetchOrderBook(ctx context.Context, instrument string, depth int) (OrderBookSnapshot, error)
}
