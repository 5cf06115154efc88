package cex

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"

	"github.com/june-upside/Oracle/pkg/config"
	"github.com/june-upside/Oracle/pkg/server/sources"
)

const (
	upbitAPIURL       = "https://api.upbit.com"
	upbitWSURL        = "wss://api.upbit.com/websocket/v1"
	upbitTimeout      = 3 * time.Second
	upbitRPS          = 8
	upbitMaxBookUnits = 15
)

// UpbitTicker is one entry of /v1/ticker.
type UpbitTicker struct {
	Market           string              `json:"market"`
	TradePrice       decimal.NullDecimal `json:"trade_price"`
	AccTradePrice24h decimal.NullDecimal `json:"acc_trade_price_24h"`
}

// UpbitOrderBookUnit is one price level pair.
type UpbitOrderBookUnit struct {
	AskPrice decimal.NullDecimal `json:"ask_price"`
	BidPrice decimal.NullDecimal `json:"bid_price"`
	AskSize  decimal.NullDecimal `json:"ask_size"`
	BidSize  decimal.NullDecimal `json:"bid_size"`
}

// UpbitOrderBook is one entry of /v1/orderbook.
type UpbitOrderBook struct {
	Market         string               `json:"market"`
	OrderBookUnits []UpbitOrderBookUnit `json:"orderbook_units"`
}

func upbitSymbols(overrides map[string]string) *sources.SymbolMapper {
	return sources.NewSymbolMapper(func(inst string) string { return "KRW-" + inst }, overrides)
}

// NewUpbitFeed creates the Upbit feed: streaming with REST fallback.
func NewUpbitFeed(cfg config.FeedConfig, opts sources.FactoryOptions) (sources.ExchangeFeed, error) {
	vo := readOptions(cfg, upbitAPIURL, upbitWSURL, upbitTimeout, upbitRPS)
	symbols := upbitSymbols(vo.symbols)
	return newFeed(cfg, opts, vo, sources.MarketDomestic,
		&UpbitStream{url: vo.wsURL, symbols: symbols},
		&UpbitREST{http: newRESTClient(cfg.Name, vo.apiURL, vo.timeout, vo.rps), symbols: symbols},
	)
}

// UpbitStream frames the Upbit quotation stream. Upbit needs no handshake:
// the subscription goes out on open and the first data frame marks the feed live.
type UpbitStream struct {
	url     string
	symbols *sources.SymbolMapper
}

// URL implements sources.StreamProtocol.
func (s *UpbitStream) URL(instruments []string) string {
	s.symbols.Register(instruments)
	return s.url
}

// OnOpen sends one request carrying a ticket, both subscriptions and the format.
func (s *UpbitStream) OnOpen(instruments []string, depth int) ([]interface{}, error) {
	s.symbols.Register(instruments)
	units := depth
	if units <= 0 || units > upbitMaxBookUnits {
		units = upbitMaxBookUnits
	}

	codes := make([]string, 0, len(instruments))
	bookCodes := make([]string, 0, len(instruments))
	for _, inst := range instruments {
		code := s.symbols.Symbol(inst)
		codes = append(codes, code)
		bookCodes = append(bookCodes, code+"."+strconv.Itoa(units))
	}

	request := []interface{}{
		map[string]interface{}{"ticket": uuid.NewString()},
		map[string]interface{}{"type": "ticker", "codes": codes},
		map[string]interface{}{"type": "orderbook", "codes": bookCodes},
		map[string]interface{}{"format": "DEFAULT"},
	}
	return []interface{}{request}, nil
}

// OnAck implements sources.StreamProtocol.
func (s *UpbitStream) OnAck([]string, int) ([]interface{}, error) {
	return nil, nil
}

// Decode implements sources.StreamProtocol.
func (s *UpbitStream) Decode(frame []byte) ([]sources.Update, error) {
	if !gjson.ValidBytes(frame) {
		return nil, sources.ErrMalformedFrame
	}
	msg := gjson.ParseBytes(frame)

	if e := msg.Get("error"); e.Exists() {
		return nil, fmt.Errorf("%w: %s: %s", sources.ErrAPIError, e.Get("name").String(), e.Get("message").String())
	}

	inst, ok := s.symbols.Instrument(msg.Get("code").String())
	if !ok {
		return nil, nil
	}

	switch msg.Get("type").String() {
	case "ticker":
		last := sources.JSONDecimal(msg.Get("trade_price"))
		if !last.Valid {
			return nil, fmt.Errorf("%w: ticker without trade_price", sources.ErrMalformedFrame)
		}
		return []sources.Update{{
			Kind:       sources.UpdateTicker,
			Instrument: inst,
			Ticker: sources.TickerSnapshot{
				Last:   last.Decimal,
				Volume: sources.JSONDecimal(msg.Get("acc_trade_price_24h")),
			},
		}}, nil

	case "orderbook":
		units := msg.Get("orderbook_units")
		if !units.IsArray() {
			return nil, fmt.Errorf("%w: orderbook without units", sources.ErrMalformedFrame)
		}
		return []sources.Update{{
			Kind:       sources.UpdateOrderBook,
			Instrument: inst,
			OrderBook: sources.OrderBookSnapshot{
				Bids: sources.LevelsFromObjects(units, "bid_price", "bid_size"),
				Asks: sources.LevelsFromObjects(units, "ask_price", "ask_size"),
			},
		}}, nil
	}
	return nil, nil
}

// UpbitREST fetches snapshots from the Upbit quotation API.
type UpbitREST struct {
	http    *restClient
	symbols *sources.SymbolMapper
}

// FetchTicker implements sources.RESTClient.
func (r *UpbitREST) FetchTicker(ctx context.Context, instrument string) (sources.TickerSnapshot, error) {
	var tickers []UpbitTicker
	q := url.Values{"markets": {r.symbols.Symbol(instrument)}}
	if err := r.http.getJSON(ctx, "ticker", "/v1/ticker", q, &tickers); err != nil {
		return sources.TickerSnapshot{}, err
	}
	if len(tickers) == 0 || !tickers[0].TradePrice.Valid {
		return sources.TickerSnapshot{}, fmt.Errorf("upbit ticker %s: %w", instrument, sources.ErrInvalidResponse)
	}
	return sources.TickerSnapshot{
		Instrument: instrument,
		Last:       tickers[0].TradePrice.Decimal,
		Volume:     tickers[0].AccTradePrice24h,
		CapturedAt: time.Now(),
	}, nil
}

// FetchOrderBook implements sources.RESTClient.
func (r *UpbitREST) FetchOrderBook(ctx context.Context, instrument string, depth int) (sources.OrderBookSnapshot, error) {
	var books []UpbitOrderBook
	q := url.Values{"markets": {r.symbols.Symbol(instrument)}}
	if err := r.http.getJSON(ctx, "orderbook", "/v1/orderbook", q, &books); err != nil {
		return sources.OrderBookSnapshot{}, err
	}
	if len(books) == 0 {
		return sources.OrderBookSnapshot{}, fmt.Errorf("upbit orderbook %s: %w", instrument, sources.ErrInvalidResponse)
	}

	var bids, asks []sources.Level
	for _, u := range books[0].OrderBookUnits {
		if lvl, ok := sources.NewLevel(u.BidPrice, u.BidSize); ok {
			bids = append(bids, lvl)
		}
		if lvl, ok := sources.NewLevel(u.AskPrice, u.AskSize); ok {
			asks = append(asks, lvl)
		}
	}
	bids, asks = sources.NormalizeBook(bids, asks, depth)
	return sources.OrderBookSnapshot{
		Instrument: instrument,
		Bids:       bids,
		Asks:       asks,
		CapturedAt: time.Now(),
	}, nil
}
