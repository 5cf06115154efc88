package cex

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/june-upside/Oracle/pkg/config"
	"github.com/june-upside/Oracle/pkg/server/sources"
)

func jsonServer(t *testing.T, routes map[string]string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, ok := routes[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestBithumbREST(t *testing.T) {
	srv := jsonServer(t, map[string]string{
		"/public/ticker/ETH_KRW": `{"status":"0000","data":{"closing_price":"3902000","acc_trade_value_24H":"41234567890.12"}}`,
		"/public/orderbook/ETH_KRW": `{"status":"0000","data":{
			"bids":[{"price":"3901000","quantity":"0.5"},{"price":"3901500","quantity":"0.1"}],
			"asks":[{"price":"3903000","quantity":"1.2"}]}}`,
		"/public/ticker/XRP_KRW": `{"status":"5500","message":"Invalid Parameter"}`,
	})
	rest := &BithumbREST{
		http:    newRESTClient("bithumb", srv.URL, time.Second, 100),
		symbols: sources.NewSymbolMapper(func(inst string) string { return strings.ToUpper(inst) + "_KRW" }, nil),
	}

	tk, err := rest.FetchTicker(context.Background(), "ETH")
	require.NoError(t, err)
	assert.Equal(t, "3902000", tk.Last.String())
	assert.Equal(t, "41234567890.12", tk.Volume.Decimal.String())
	assert.False(t, tk.Bid.Valid)

	ob, err := rest.FetchOrderBook(context.Background(), "ETH", 15)
	require.NoError(t, err)
	require.Len(t, ob.Bids, 2)
	assert.Equal(t, "3901500", ob.Bids[0].Price.String())

	_, err = rest.FetchTicker(context.Background(), "XRP")
	assert.ErrorIs(t, err, sources.ErrAPIError)

	_, err = rest.FetchTicker(context.Background(), "BTC")
	assert.ErrorIs(t, err, sources.ErrUnexpectedStatus)
}

func TestOKXREST(t *testing.T) {
	srv := jsonServer(t, map[string]string{
		"/api/v5/market/ticker": `{"code":"0","msg":"","data":[{"instId":"ETH-USDT","last":"2689.9","bidPx":"2689.8","askPx":"2690","volCcy24h":"301234567.1"}]}`,
		"/api/v5/market/books":  `{"code":"0","msg":"","data":[{"asks":[["2690","1.5","0","3"]],"bids":[["2689.8","2","0","1"]]}]}`,
	})
	rest := &OKXREST{
		http:    newRESTClient("okx", srv.URL, time.Second, 100),
		symbols: sources.NewSymbolMapper(func(inst string) string { return inst + "-USDT" }, nil),
	}

	tk, err := rest.FetchTicker(context.Background(), "ETH")
	require.NoError(t, err)
	assert.Equal(t, "2689.9", tk.Last.String())
	assert.Equal(t, "301234567.1", tk.Volume.Decimal.String())

	ob, err := rest.FetchOrderBook(context.Background(), "ETH", 15)
	require.NoError(t, err)
	require.Len(t, ob.Asks, 1)
	assert.Equal(t, "1.5", ob.Asks[0].Size.String())
}

func TestOKXREST_Errors(t *testing.T) {
	srv := jsonServer(t, map[string]string{
		"/api/v5/market/ticker": `{"code":"50011","msg":"Too Many Requests","data":[]}`,
		"/api/v5/market/books":  `{"code":"51001","msg":"Instrument ID does not exist","data":[]}`,
	})
	rest := &OKXREST{
		http:    newRESTClient("okx", srv.URL, time.Second, 100),
		symbols: sources.NewSymbolMapper(func(inst string) string { return inst + "-USDT" }, nil),
	}

	_, err := rest.FetchTicker(context.Background(), "ETH")
	assert.ErrorIs(t, err, sources.ErrRateLimitExceeded)
	_, err = rest.FetchOrderBook(context.Background(), "ETH", 5)
	assert.ErrorIs(t, err, sources.ErrAPIError)
}

func TestBybitREST(t *testing.T) {
	srv := jsonServer(t, map[string]string{
		"/v5/market/tickers":   `{"retCode":0,"retMsg":"OK","result":{"category":"spot","list":[{"symbol":"ETHUSDT","lastPrice":"2690.3","bid1Price":"2690.2","ask1Price":"2690.4","turnover24h":"98765432.1"}]}}`,
		"/v5/market/orderbook": `{"retCode":10006,"retMsg":"Too many visits!","result":{}}`,
	})
	rest := &BybitREST{
		http:    newRESTClient("bybit", srv.URL, time.Second, 100),
		symbols: sources.NewSymbolMapper(func(inst string) string { return inst + "USDT" }, nil),
	}

	tk, err := rest.FetchTicker(context.Background(), "ETH")
	require.NoError(t, err)
	assert.Equal(t, "2690.3", tk.Last.String())
	assert.Equal(t, "98765432.1", tk.Volume.Decimal.String())

	_, err = rest.FetchOrderBook(context.Background(), "ETH", 15)
	assert.ErrorIs(t, err, sources.ErrRateLimitExceeded)
}

func TestRESTClient_InvalidBody(t *testing.T) {
	srv := jsonServer(t, map[string]string{"/v5/market/tickers": `{"retCode":`})
	rest := &BybitREST{
		http:    newRESTClient("bybit", srv.URL, time.Second, 100),
		symbols: sources.NewSymbolMapper(func(inst string) string { return inst + "USDT" }, nil),
	}
	_, err := rest.FetchTicker(context.Background(), "ETH")
	assert.ErrorIs(t, err, sources.ErrInvalidResponse)
}

func TestFactories(t *testing.T) {
	factories := Factories()
	for _, name := range []string{"upbit", "coinone", "bithumb", "binance", "okx", "bybit"} {
		assert.Contains(t, factories, name)
	}

	opts := sources.FactoryOptions{Depth: 15, CacheTTL: time.Second, MaxStaleness: 30 * time.Second}

	feed, err := NewUpbitFeed(config.FeedConfig{Name: "upbit", Enabled: true}, opts)
	require.NoError(t, err)
	assert.Equal(t, "upbit", feed.Name())
	assert.Equal(t, sources.MarketDomestic, feed.Market())

	feed, err = NewBinanceFeed(config.FeedConfig{
		Name:    "binance",
		Enabled: true,
		Config:  map[string]interface{}{"use_websocket": false},
	}, opts)
	require.NoError(t, err)
	assert.Equal(t, sources.MarketForeign, feed.Market())

	assert.Equal(t, 5, pickLimit(3, 5, 10, 20))
	assert.Equal(t, 20, pickLimit(15, 5, 10, 20))
	assert.Equal(t, 20, pickLimit(50, 5, 10, 20))
}
