package cex

import (
	"time"

	"github.com/june-upside/Oracle/pkg/config"
	"github.com/june-upside/Oracle/pkg/server/sources"
)

// Factories returns the feed constructor of every supported venue, keyed by config name.
func Factories() map[string]sources.Factory {
	return map[string]sources.Factory{
		"upbit":   NewUpbitFeed,
		"coinone": NewCoinoneFeed,
		"bithumb": NewBithumbFeed,
		"binance": NewBinanceFeed,
		"okx":     NewOKXFeed,
		"bybit":   NewBybitFeed,
	}
}

// venueOptions are the per-venue knobs read from the feed's config map.
type venueOptions struct {
	apiURL        string
	wsURL         string
	useStream     bool
	timeout       time.Duration
	rps           float64
	reconnectWait time.Duration
	symbols       map[string]string
}

func readOptions(cfg config.FeedConfig, apiURL, wsURL string, timeout time.Duration, rps float64) venueOptions {
	return venueOptions{
		apiURL:        cfg.GetString("api_url", apiURL),
		wsURL:         cfg.GetString("websocket_url", wsURL),
		useStream:     wsURL != "" && cfg.GetBool("use_websocket", true),
		timeout:       cfg.GetDuration("timeout", timeout),
		rps:           cfg.GetFloat("requests_per_second", rps),
		reconnectWait: cfg.GetDuration("reconnect_wait", 5*time.Second),
		symbols:       cfg.GetStringMap("symbols"),
	}
}

func newFeed(cfg config.FeedConfig, opts sources.FactoryOptions, vo venueOptions, market sources.Market, stream sources.StreamProtocol, rest sources.RESTClient) (sources.ExchangeFeed, error) {
	if !vo.useStream {
		stream = nil
	}
	return sources.NewFeed(sources.FeedOptions{
		Name:             cfg.Name,
		Market:           market,
		Stream:           stream,
		REST:             rest,
		Depth:            opts.Depth,
		CacheTTL:         opts.CacheTTL,
		MaxStaleness:     opts.MaxStaleness,
		StreamStaleAfter: opts.StreamStaleAfter,
		ReconnectWait:    vo.reconnectWait,
		Logger:           opts.Logger,
	})
}
