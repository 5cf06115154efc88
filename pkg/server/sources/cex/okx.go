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
	okxAPIURL  = "https://www.okx.com"
	okxTimeout = 5 * time.Second
	okxRPS     = 10

	okxCodeRateLimited = "50011"
)

// OKXTicker is one entry of /api/v5/market/ticker.
type OKXTicker struct {
	InstID    string              `json:"instId"`
	Last      decimal.NullDecimal `json:"last"`
	AskPx     decimal.NullDecimal `json:"askPx"`
	BidPx     decimal.NullDecimal `json:"bidPx"`
	VolCcy24h decimal.NullDecimal `json:"volCcy24h"` // quote currency for spot
}

// OKXBook is one entry of /api/v5/market/books.
type OKXBook struct {
	Asks [][]string `json:"asks"`
	Bids [][]string `json:"bids"`
}

// OKXResponse is the common v5 envelope.
type OKXResponse[T any] struct {
	Code string `json:"code"` // "0" means success
	Msg  string `json:"msg"`
	Data []T    `json:"data"`
}

func (r *OKXResponse[T]) err(kind, instrument string) error {
	switch {
	case r.Code == "0":
		return nil
	case r.Code == okxCodeRateLimited:
		return fmt.Errorf("okx %s %s: %w", kind, instrument, sources.ErrRateLimitExceeded)
	default:
		return fmt.Errorf("okx %s %s: %w: code %s %s", kind, instrument, sources.ErrAPIError, r.Code, r.Msg)
	}
}

// NewOKXFeed creates the OKX feed, polled over REST.
func NewOKXFeed(cfg config.FeedConfig, opts sources.FactoryOptions) (sources.ExchangeFeed, error) {
	vo := readOptions(cfg, okxAPIURL, "", okxTimeout, okxRPS)
	rest := &OKXREST{
		http:    newRESTClient(cfg.Name, vo.apiURL, vo.timeout, vo.rps),
		symbols: sources.NewSymbolMapper(func(inst string) string { return strings.ToUpper(inst) + "-USDT" }, vo.symbols),
	}
	return newFeed(cfg, opts, vo, sources.MarketForeign, nil, rest)
}

// OKXREST fetches snapshots from the OKX v5 market API.
type OKXREST struct {
	http    *restClient
	symbols *sources.SymbolMapper
}

// FetchTicker implements sources.RESTClient.
func (r *OKXREST) FetchTicker(ctx context.Context, instrument string) (sources.TickerSnapshot, error) {
	var resp OKXResponse[OKXTicker]
	q := url.Values{"instId": {r.symbols.Symbol(instrument)}}
	if err := r.http.getJSON(ctx, "ticker", "/api/v5/market/ticker", q, &resp); err != nil {
		return sources.TickerSnapshot{}, err
	}
	if err := resp.err("ticker", instrument); err != nil {
		return sources.TickerSnapshot{}, err
	}
	if len(resp.Data) == 0 || !resp.Data[0].Last.Valid {
		return sources.TickerSnapshot{}, fmt.Errorf("okx ticker %s: %w", instrument, sources.ErrInvalidResponse)
	}

	t := resp.Data[0]
	return sources.TickerSnapshot{
		Instrument: instrument,
		Last:       t.Last.Decimal,
		Volume:     t.VolCcy24h,
		Bid:        nonZero(t.BidPx),
		Ask:        nonZero(t.AskPx),
		CapturedAt: time.Now(),
	}, nil
}

// FetchOrderBook implements sources.RESTClient.
func (r *OKXREST) FetchOrderBook(ctx context.Context, instrument string, depth int) (sources.OrderBookSnapshot, error) {
	var resp OKXResponse[OKXBook]
	q := url.Values{"instId": {r.symbols.Symbol(instrument)}}
	if depth > 0 {
		q.Set("sz", strconv.Itoa(depth))
	}
	if err := r.http.getJSON(ctx, "orderbook", "/api/v5/market/books", q, &resp); err != nil {
		return sources.OrderBookSnapshot{}, err
	}
	if err := resp.err("orderbook", instrument); err != nil {
		return sources.OrderBookSnapshot{}, err
	}
	if len(resp.Data) == 0 {
		return sources.OrderBookSnapshot{}, fmt.Errorf("okx orderbook %s: %w", instrument, sources.ErrInvalidResponse)
	}

	bids, asks := sources.NormalizeBook(stringLevels(resp.Data[0].Bids), stringLevels(resp.Data[0].Asks), depth)
	return sources.OrderBookSnapshot{
		Instrument: instrument,
		Bids:       bids,
		Asks:       asks,
		CapturedAt: time.Now(),
	}, nil
}
