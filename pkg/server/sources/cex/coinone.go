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
	coinoneAPIURL  = "https://api.coinone.co.kr"
	coinoneWSURL   = "wss://stream.coinone.co.kr"
	coinoneTimeout = 3 * time.Second
	coinoneRPS     = 10
)

// CoinoneTicker is one entry of /public/v2/ticker_new.
type CoinoneTicker struct {
	TargetCurrency string              `json:"target_currency"`
	Last           decimal.NullDecimal `json:"last"`
	QuoteVolume    decimal.NullDecimal `json:"quote_volume"`
	BestBids       []priceSize         `json:"best_bids"`
	BestAsks       []priceSize         `json:"best_asks"`
}

// CoinoneTickerResponse is the /public/v2/ticker_new envelope.
type CoinoneTickerResponse struct {
	Result    string          `json:"result"`
	ErrorCode string          `json:"error_code"`
	Tickers   []CoinoneTicker `json:"tickers"`
}

// CoinoneOrderBookResponse is the /public/v2/orderbook envelope.
type CoinoneOrderBookResponse struct {
	Result    string      `json:"result"`
	ErrorCode string      `json:"error_code"`
	Bids      []priceSize `json:"bids"`
	Asks      []priceSize `json:"asks"`
}

func coinoneSymbols(overrides map[string]string) *sources.SymbolMapper {
	return sources.NewSymbolMapper(strings.ToUpper, overrides)
}

// NewCoinoneFeed creates the Coinone feed: streaming with REST fallback.
func NewCoinoneFeed(cfg config.FeedConfig, opts sources.FactoryOptions) (sources.ExchangeFeed, error) {
	vo := readOptions(cfg, coinoneAPIURL, coinoneWSURL, coinoneTimeout, coinoneRPS)
	symbols := coinoneSymbols(vo.symbols)
	return newFeed(cfg, opts, vo, sources.MarketDomestic,
		&CoinoneStream{url: vo.wsURL, symbols: symbols},
		&CoinoneREST{http: newRESTClient(cfg.Name, vo.apiURL, vo.timeout, vo.rps), symbols: symbols},
	)
}

// CoinoneStream frames the Coinone public stream. The server greets with
// CONNECTED; subscriptions are only accepted after that.
type CoinoneStream struct {
	url     string
	symbols *sources.SymbolMapper
}

// URL implements sources.StreamProtocol.
func (s *CoinoneStream) URL(instruments []string) string {
	s.symbols.Register(instruments)
	return s.url
}

// OnOpen sends nothing; the session starts with the server's greeting.
func (s *CoinoneStream) OnOpen(instruments []string, _ int) ([]interface{}, error) {
	s.symbols.Register(instruments)
	return nil, nil
}

// OnAck subscribes every instrument to the ticker and order book channels.
func (s *CoinoneStream) OnAck(instruments []string, _ int) ([]interface{}, error) {
	frames := make([]interface{}, 0, 2*len(instruments))
	for _, inst := range instruments {
		topic := map[string]string{
			"quote_currency":  "KRW",
			"target_currency": s.symbols.Symbol(inst),
		}
		for _, channel := range []string{"TICKER", "ORDERBOOK"} {
			frames = append(frames, map[string]interface{}{
				"request_type": "SUBSCRIBE",
				"channel":      channel,
				"topic":        topic,
			})
		}
	}
	return frames, nil
}

// Decode implements sources.StreamProtocol.
func (s *CoinoneStream) Decode(frame []byte) ([]sources.Update, error) {
	if !gjson.ValidBytes(frame) {
		return nil, sources.ErrMalformedFrame
	}
	msg := gjson.ParseBytes(frame)

	switch msg.Get("response_type").String() {
	case "CONNECTED":
		return []sources.Update{{Kind: sources.UpdateAck}}, nil
	case "ERROR":
		return nil, fmt.Errorf("%w: %s %s", sources.ErrAPIError, msg.Get("error_code").String(), msg.Get("message").String())
	case "DATA":
	default:
		// SUBSCRIBED, PONG and anything else carry no market data
		return nil, nil
	}

	data := msg.Get("data")
	inst, ok := s.symbols.Instrument(data.Get("target_currency").String())
	if !ok || !strings.EqualFold(data.Get("quote_currency").String(), "KRW") {
		return nil, nil
	}

	switch msg.Get("channel").String() {
	case "TICKER":
		last := sources.JSONDecimal(data.Get("last"))
		if !last.Valid {
			return nil, fmt.Errorf("%w: ticker without last", sources.ErrMalformedFrame)
		}
		return []sources.Update{{
			Kind:       sources.UpdateTicker,
			Instrument: inst,
			Ticker: sources.TickerSnapshot{
				Last:   last.Decimal,
				Volume: sources.JSONDecimal(data.Get("quote_volume")),
				Bid:    nonZero(sources.JSONDecimal(data.Get("bid_best_price"))),
				Ask:    nonZero(sources.JSONDecimal(data.Get("ask_best_price"))),
			},
		}}, nil

	case "ORDERBOOK":
		return []sources.Update{{
			Kind:       sources.UpdateOrderBook,
			Instrument: inst,
			OrderBook: sources.OrderBookSnapshot{
				Bids: sources.LevelsFromObjects(data.Get("bids"), "price", "qty", "quantity"),
				Asks: sources.LevelsFromObjects(data.Get("asks"), "price", "qty", "quantity"),
			},
		}}, nil
	}
	return nil, nil
}

// CoinoneREST fetches snapshots from the Coinone public v2 API.
type CoinoneREST struct {
	http    *restClient
	symbols *sources.SymbolMapper
}

// FetchTicker implements sources.RESTClient.
func (r *CoinoneREST) FetchTicker(ctx context.Context, instrument string) (sources.TickerSnapshot, error) {
	var resp CoinoneTickerResponse
	path := "/public/v2/ticker_new/KRW/" + r.symbols.Symbol(instrument)
	if err := r.http.getJSON(ctx, "ticker", path, nil, &resp); err != nil {
		return sources.TickerSnapshot{}, err
	}
	if resp.Result != "success" {
		return sources.TickerSnapshot{}, fmt.Errorf("coinone ticker %s: %w: error_code %s", instrument, sources.ErrAPIError, resp.ErrorCode)
	}
	if len(resp.Tickers) == 0 || !resp.Tickers[0].Last.Valid {
		return sources.TickerSnapshot{}, fmt.Errorf("coinone ticker %s: %w", instrument, sources.ErrInvalidResponse)
	}

	t := resp.Tickers[0]
	snap := sources.TickerSnapshot{
		Instrument: instrument,
		Last:       t.Last.Decimal,
		Volume:     t.QuoteVolume,
		CapturedAt: time.Now(),
	}
	if len(t.BestBids) > 0 {
		snap.Bid = nonZero(t.BestBids[0].Price)
	}
	if len(t.BestAsks) > 0 {
		snap.Ask = nonZero(t.BestAsks[0].Price)
	}
	return snap, nil
}

// FetchOrderBook implements sources.RESTClient.
func (r *CoinoneREST) FetchOrderBook(ctx context.Context, instrument string, depth int) (sources.OrderBookSnapshot, error) {
	var resp CoinoneOrderBookResponse
	path := "/public/v2/orderbook/KRW/" + r.symbols.Symbol(instrument)
	q := url.Values{"size": {strconv.Itoa(pickLimit(depth, 5, 10, 15))}}
	if err := r.http.getJSON(ctx, "orderbook", path, q, &resp); err != nil {
		return sources.OrderBookSnapshot{}, err
	}
	if resp.Result != "success" {
		return sources.OrderBookSnapshot{}, fmt.Errorf("coinone orderbook %s: %w: error_code %s", instrument, sources.ErrAPIError, resp.ErrorCode)
	}

	bids, asks := sources.NormalizeBook(objectLevels(resp.Bids), objectLevels(resp.Asks), depth)
	return sources.OrderBookSnapshot{
		Instrument: instrument,
		Bids:       bids,
		Asks:       asks,
		CapturedAt: time.Now(),
	}, nil
}
