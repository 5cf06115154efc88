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
	bithumbAPIURL  = "https://api.bithumb.com"
	bithumbTimeout = 3 * time.Second
	bithumbRPS     = 15
	bithumbOK      = "0000"
)

// BithumbTickerResponse is the /public/ticker envelope.
type BithumbTickerResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Data    struct {
		ClosingPrice     decimal.NullDecimal `json:"closing_price"`
		AccTradeValue24H decimal.NullDecimal `json:"acc_trade_value_24H"`
	} `json:"data"`
}

// BithumbOrderBookResponse is the /public/orderbook envelope.
type BithumbOrderBookResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Data    struct {
		Bids []priceSize `json:"bids"`
		Asks []priceSize `json:"asks"`
	} `json:"data"`
}

// NewBithumbFeed creates the Bithumb feed. Bithumb is polled over REST only.
func NewBithumbFeed(cfg config.FeedConfig, opts sources.FactoryOptions) (sources.ExchangeFeed, error) {
	vo := readOptions(cfg, bithumbAPIURL, "", bithumbTimeout, bithumbRPS)
	rest := &BithumbREST{
		http:    newRESTClient(cfg.Name, vo.apiURL, vo.timeout, vo.rps),
		symbols: sources.NewSymbolMapper(func(inst string) string { return strings.ToUpper(inst) + "_KRW" }, vo.symbols),
	}
	return newFeed(cfg, opts, vo, sources.MarketDomestic, nil, rest)
}

// BithumbREST fetches snapshots from the Bithumb public API.
type BithumbREST struct {
	http    *restClient
	symbols *sources.SymbolMapper
}

func bithumbError(kind, instrument, status, message string) error {
	if status == "5600" && strings.Contains(strings.ToLower(message), "too many") {
		return fmt.Errorf("bithumb %s %s: %w", kind, instrument, sources.ErrRateLimitExceeded)
	}
	return fmt.Errorf("bithumb %s %s: %w: status %s %s", kind, instrument, sources.ErrAPIError, status, message)
}

// FetchTicker implements sources.RESTClient.
func (r *BithumbREST) FetchTicker(ctx context.Context, instrument string) (sources.TickerSnapshot, error) {
	var resp BithumbTickerResponse
	if err := r.http.getJSON(ctx, "ticker", "/public/ticker/"+r.symbols.Symbol(instrument), nil, &resp); err != nil {
		return sources.TickerSnapshot{}, err
	}
	if resp.Status != bithumbOK {
		return sources.TickerSnapshot{}, bithumbError("ticker", instrument, resp.Status, resp.Message)
	}
	if !resp.Data.ClosingPrice.Valid || !resp.Data.ClosingPrice.Decimal.IsPositive() {
		return sources.TickerSnapshot{}, fmt.Errorf("bithumb ticker %s: %w", instrument, sources.ErrInvalidResponse)
	}
	return sources.TickerSnapshot{
		Instrument: instrument,
		Last:       resp.Data.ClosingPrice.Decimal,
		Volume:     resp.Data.AccTradeValue24H,
		CapturedAt: time.Now(),
	}, nil
}

// FetchOrderBook implements sources.RESTClient.
func (r *BithumbREST) FetchOrderBook(ctx context.Context, instrument string, depth int) (sources.OrderBookSnapshot, error) {
	var resp BithumbOrderBookResponse
	q := url.Values{}
	if depth > 0 {
		q.Set("count", strconv.Itoa(depth))
	}
	if err := r.http.getJSON(ctx, "orderbook", "/public/orderbook/"+r.symbols.Symbol(instrument), q, &resp); err != nil {
		return sources.OrderBookSnapshot{}, err
	}
	if resp.Status != bithumbOK {
		return sources.OrderBookSnapshot{}, bithumbError("orderbook", instrument, resp.Status, resp.Message)
	}

	bids, asks := sources.NormalizeBook(objectLevels(resp.Data.Bids), objectLevels(resp.Data.Asks), depth)
	return sources.OrderBookSnapshot{
		Instrument: instrument,
		Bids:       bids,
		Asks:       asks,
		CapturedAt: time.Now(),
	}, nil
}
