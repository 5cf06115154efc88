package cex

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/june-upside/Oracle/pkg/config"
	"github.com/june-upside/Oracle/pkg/server/sources"
)

const (
	bybitAPIURL  = "https://api.bybit.com"
	bybitTimeout = 5 * time.Second
	bybitRPS     = 10

	bybitCodeRateLimited = 10006
)

// BybitTicker is one entry of /v5/market/tickers.
type BybitTicker struct {
	Symbol      string              `json:"symbol"`
	LastPrice   decimal.NullDecimal `json:"lastPrice"`
	Bid1Price   decimal.NullDecimal `json:"bid1Price"`
	Ask1Price   decimal.NullDecimal `json:"ask1Price"`
	Turnover24h decimal.NullDecimal `json:"turnover24h"`
}

// BybitTickerResponse is the /v5/market/tickers envelope.
type BybitTickerResponse struct {
	RetCode int    `json:"retCode"`
	RetMsg  string `json:"retMsg"`
	Result  struct {
		Category string        `json:"category"`
		List     []BybitTicker `json:"list"`
	} `json:"result"`
}

// BybitOrderBookResponse is the /v5/market/orderbook envelope.
type BybitOrderBookResponse struct {
	RetCode int    `json:"retCode"`
	RetMsg  string `json:"retMsg"`
	Result  struct {
		Symbol string     `json:"s"`
		Bids   [][]string `json:"b"`
		Asks   [][]string `json:"a"`
	} `json:"result"`
}

func bybitError(kind, instrument string, code int, msg string) error {
	switch code {
	case 0:
		return nil
	case bybitCodeRateLimited:
		return fmt.Errorf("bybit %s %s: %w", kind, instrument, sources.ErrRateLimitExceeded)
	default:
		return fmt.Errorf("bybit %s %s: %w: retCode %d %s", kind, instrument, sources.ErrAPIError, code, msg)
	}
}

// NewBybitFeed creates the Bybit feed, polled over REST.
func NewBybitFeed(cfg config.FeedConfig, opts sources.FactoryOptions) (sources.ExchangeFeed, error) {
	vo := readOptions(cfg, bybitAPIURL, "", bybitTimeout, bybitRPS)
	rest := &BybitREST{
		http:    newRESTClient(cfg.Name, vo.apiURL, vo.timeout, vo.rps),
		symbols: sources.NewSymbolMapper(func(inst string) string { return strings.ToUpper(inst) + "USDT" }, vo.symbols),
	}
	return newFeed(cfg, opts, vo, sources.MarketForeign, nil, rest)
}

// BybitREST fetches spot snapshots from the Bybit v5 market API.
type BybitREST struct {
	http    *restClient
	symbols *sources.SymbolMapper
}

// FetchTicker implements sources.RESTClient.
func (r *BybitREST) FetchTicker(ctx context.Context, instrument string) (sources.TickerSnapshot, error) {
	var resp BybitTickerResponse
	q := url.Values{"category": {"spot"}, "symbol": {r.symbols.Symbol(instrument)}}
	if err := r.http.getJSON(ctx, "ticker", "/v5/market/tickers", q, &resp); err != nil {
		return sources.TickerSnapshot{}, err
	}
	if err := bybitError("ticker", instrument, resp.RetCode, resp.RetMsg); err != nil {
		return sources.TickerSnapshot{}, err
	}
	if len(resp.Result.List) == 0 || !resp.Result.List[0].LastPrice.Valid {
		return sources.TickerSnapshot{}, fmt.Errorf("bybit ticker %s: %w", instrument, sources.ErrInvalidResponse)
	}

	t := resp.Result.List[0]
	return sources.TickerSnapshot{
		Instrument: instrument,
		Last:       t.LastPrice.Decimal,
		Volume:     t.Turnover24h,
		Bid:        nonZero(t.Bid1Price),
		Ask:        nonZero(t.Ask1Price),
		CapturedAt: time.Now(),
	}, nil
}

// FetchOrderBook implements sources.RESTClient.
func (r *BybitREST) FetchOrderBook(ctx context.Context, instrument string, depth int) (sources.OrderBookSnapshot, error) {
	var resp BybitOrderBookResponse
	q := url.Values{"category": {"spot"}, "symbol": {r.symbols.Symbol(instrument)}}
	if depth > 0 {
		q.Set("limit", strconv.Itoa(depth))
	}
	if err := r.http.getJSON(ctx, "orderbook", "/v5/market/orderbook", q, &resp); err != nil {
		return sources.OrderBookSnapshot{}, err
	}
	if err := bybitError("orderbook", instrument, resp.RetCode, resp.RetMsg); err != nil {
		return sources.OrderBookSnapshot{}, err
	}

	bids, asks := sources.NormalizeBook(stringLevels(resp.Result.Bids), stringLevels(resp.Result.Asks), depth)
	return sources.OrderBookSnapshot{
		Instrument: instrument,
		Bids:       bids,
		Asks:       asks,
		CapturedAt: time.Now(),
	}, nil
}
