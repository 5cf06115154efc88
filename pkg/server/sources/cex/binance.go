package cex

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"

	"github.com/june-upside/Oracle/pkg/config"
	"github.com/june-upside/Oracle/pkg/server/sources"
)

const (
	binanceAPIURL  = "https://api.binance.com"
	binanceWSURL   = "wss://stream.binance.com:9443/stream"
	binanceTimeout = 5 * time.Second
	binanceRPS     = 10
)

// Binance24hrTicker is the /api/v3/ticker/24hr response for one symbol.
type Binance24hrTicker struct {
	Symbol      string              `json:"symbol"`
	LastPrice   decimal.NullDecimal `json:"lastPrice"`
	QuoteVolume decimal.NullDecimal `json:"quoteVolume"`
	BidPrice    decimal.NullDecimal `json:"bidPrice"`
	AskPrice    decimal.NullDecimal `json:"askPrice"`
}

// BinanceDepth is the /api/v3/depth response.
type BinanceDepth struct {
	LastUpdateID int64      `json:"lastUpdateId"`
	Bids         [][]string `json:"bids"`
	Asks         [][]string `json:"asks"`
}

func binanceSymbols(overrides map[string]string) *sources.SymbolMapper {
	return sources.NewSymbolMapper(func(inst string) string { return strings.ToUpper(inst) + "USDT" }, overrides)
}

// NewBinanceFeed creates the Binance feed: combined stream with REST fallback.
func NewBinanceFeed(cfg config.FeedConfig, opts sources.FactoryOptions) (sources.ExchangeFeed, error) {
	vo := readOptions(cfg, binanceAPIURL, binanceWSURL, binanceTimeout, binanceRPS)
	symbols := binanceSymbols(vo.symbols)
	return newFeed(cfg, opts, vo, sources.MarketForeign,
		&BinanceStream{url: vo.wsURL, symbols: symbols},
		&BinanceREST{http: newRESTClient(cfg.Name, vo.apiURL, vo.timeout, vo.rps), symbols: symbols},
	)
}

// BinanceStream frames the Binance combined stream. Subscriptions go out on open;
// the {"result":null} reply acknowledges them.
type BinanceStream struct {
	url     string
	symbols *sources.SymbolMapper
}

// URL implements sources.StreamProtocol.
func (s *BinanceStream) URL(instruments []string) string {
	s.symbols.Register(instruments)
	return s.url
}

// OnOpen subscribes to the 24h ticker and partial depth streams of every instrument.
func (s *BinanceStream) OnOpen(instruments []string, depth int) ([]interface{}, error) {
	s.symbols.Register(instruments)
	levels := pickLimit(depth, 5, 10, 20)
	params := make([]string, 0, 2*len(instruments))
	for _, inst := range instruments {
		sym := strings.ToLower(s.symbols.Symbol(inst))
		params = append(params, sym+"@ticker", sym+"@depth"+strconv.Itoa(levels)+"@100ms")
	}
	return []interface{}{map[string]interface{}{
		"method": "SUBSCRIBE",
		"params": params,
		"id":     1,
	}}, nil
}

// OnAck implements sources.StreamProtocol.
func (s *BinanceStream) OnAck([]string, int) ([]interface{}, error) {
	return nil, nil
}

// Decode implements sources.StreamProtocol.
func (s *BinanceStream) Decode(frame []byte) ([]sources.Update, error) {
	if !gjson.ValidBytes(frame) {
		return nil, sources.ErrMalformedFrame
	}
	msg := gjson.ParseBytes(frame)

	if e := msg.Get("error"); e.Exists() {
		return nil, fmt.Errorf("%w: %d %s", sources.ErrAPIError, e.Get("code").Int(), e.Get("msg").String())
	}
	if result := msg.Get("result"); msg.Get("id").Exists() && result.Exists() && result.Type == gjson.Null {
		return []sources.Update{{Kind: sources.UpdateAck}}, nil
	}

	stream := msg.Get("stream").String()
	sym, kind, found := strings.Cut(stream, "@")
	if !found {
		return nil, nil
	}
	inst, ok := s.symbols.Instrument(sym)
	if !ok {
		return nil, nil
	}
	data := msg.Get("data")

	switch {
	case kind == "ticker":
		last := sources.JSONDecimal(data.Get("c"))
		if !last.Valid {
			return nil, fmt.Errorf("%w: ticker without close", sources.ErrMalformedFrame)
		}
		return []sources.Update{{
			Kind:       sources.UpdateTicker,
			Instrument: inst,
			Ticker: sources.TickerSnapshot{
				Last:   last.Decimal,
				Volume: sources.JSONDecimal(data.Get("q")),
				Bid:    nonZero(sources.JSONDecimal(data.Get("b"))),
				Ask:    nonZero(sources.JSONDecimal(data.Get("a"))),
			},
		}}, nil

	case strings.HasPrefix(kind, "depth"):
		if !data.Get("bids").IsArray() || !data.Get("asks").IsArray() {
			return nil, fmt.Errorf("%w: depth without sides", sources.ErrMalformedFrame)
		}
		return []sources.Update{{
			Kind:       sources.UpdateOrderBook,
			Instrument: inst,
			OrderBook: sources.OrderBookSnapshot{
				Bids: sources.LevelsFromPairs(data.Get("bids")),
				Asks: sources.LevelsFromPairs(data.Get("asks")),
			},
		}}, nil
	}
	return nil, nil
}

// BinanceREST fetches snapshots from the Binance spot API.
type BinanceREST struct {
	http    *restClient
	symbols *sources.SymbolMapper
}

// FetchTicker implements sources.RESTClient.
func (r *BinanceREST) FetchTicker(ctx context.Context, instrument string) (sources.TickerSnapshot, error) {
	var t Binance24hrTicker
	q := url.Values{"symbol": {r.symbols.Symbol(instrument)}}
	if err := r.http.getJSON(ctx, "ticker", "/api/v3/ticker/24hr", q, &t); err != nil {
		return sources.TickerSnapshot{}, err
	}
	if !t.LastPrice.Valid || !t.LastPrice.Decimal.IsPositive() {
		return sources.TickerSnapshot{}, fmt.Errorf("binance ticker %s: %w", instrument, sources.ErrInvalidResponse)
	}
	return sources.TickerSnapshot{
		Instrument: instrument,
		Last:       t.LastPrice.Decimal,
		Volume:     t.QuoteVolume,
		Bid:        nonZero(t.BidPrice),
		Ask:        nonZero(t.AskPrice),
		CapturedAt: time.Now(),
	}, nil
}

// FetchOrderBook implements sources.RESTClient.
func (r *BinanceREST) FetchOrderBook(ctx context.Context, instrument string, depth int) (sources.OrderBookSnapshot, error) {
	var book BinanceDepth
	q := url.Values{
		"symbol": {r.symbols.Symbol(instrument)},
		"limit":  {strconv.Itoa(pickLimit(depth, 5, 10, 20, 50, 100))},
	}
	if err := r.http.getJSON(ctx, "orderbook", "/api/v3/depth", q, &book); err != nil {
		return sources.OrderBookSnapshot{}, err
	}

	bids, asks := sources.NormalizeBook(stringLevels(book.Bids), stringLevels(book.Asks), depth)
	return sources.OrderBookSnapshot{
		Instrument: instrument,
		Bids:       bids,
		Asks:       asks,
		CapturedAt: time.Now(),
	}, nil
}
