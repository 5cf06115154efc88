// Package cex implements the exchange venues: Korean KRW markets and global USDT markets.
package cex

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/june-upside/Oracle/pkg/metrics"
	"github.com/june-upside/Oracle/pkg/server/sources"
	"github.com/june-upside/Oracle/pkg/version"
)

const maxResponseBytes = 4 << 20

// restClient is the shared HTTP plumbing of the venue REST adapters.
type restClient struct {
	venue   string
	baseURL string
	client  *http.Client
	limiter *rate.Limiter
}

func newRESTClient(venue, baseURL string, timeout time.Duration, rps float64) *restClient {
	if rps <= 0 {
		rps = 10
	}
	return &restClient{
		venue:   venue,
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(rate.Limit(rps), int(rps)+1),
	}
}

// getJSON performs a rate limited GET and decodes the body into out.
func (c *restClient) getJSON(ctx context.Context, endpoint, path string, query url.Values, out interface{}) (err error) {
	defer func() {
		metrics.RecordRESTFetch(c.venue, endpoint, err == nil)
	}()

	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%s: %w", c.venue, err)
	}

	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", version.AgentString())

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", c.venue, endpoint, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusTeapot:
		return fmt.Errorf("%s %s: %w", c.venue, endpoint, sources.ErrRateLimitExceeded)
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("%s %s: %w: %d", c.venue, endpoint, sources.ErrUnexpectedStatus, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%s %s: %w: %v", c.venue, endpoint, sources.ErrInvalidResponse, err)
	}
	return nil
}

// stringLevels converts [["price","size",...], ...] rows into levels.
func stringLevels(rows [][]string) []sources.Level {
	out := make([]sources.Level, 0, len(rows))
	for _, row := range rows {
		if len(row) < 2 {
			continue
		}
		if lvl, ok := sources.NewLevel(sources.OptionalDecimal(row[0]), sources.OptionalDecimal(row[1])); ok {
			out = append(out, lvl)
		}
	}
	return out
}

// priceSize is the {"price":..,"quantity":..} level shape used by several venues.
type priceSize struct {
	Price    decimal.NullDecimal `json:"price"`
	Quantity decimal.NullDecimal `json:"quantity"`
	Qty      decimal.NullDecimal `json:"qty"`
}

func objectLevels(rows []priceSize) []sources.Level {
	out := make([]sources.Level, 0, len(rows))
	for _, row := range rows {
		size := row.Quantity
		if !size.Valid {
			size = row.Qty
		}
		if lvl, ok := sources.NewLevel(row.Price, size); ok {
			out = append(out, lvl)
		}
	}
	return out
}

// pickLimit returns the smallest allowed value >= want, or the largest allowed.
func pickLimit(want int, allowed ...int) int {
	for _, a := range allowed {
		if a >= want {
			return a
		}
	}
	return allowed[len(allowed)-1]
}

// nonZero treats a zero decimal as absent.
func nonZero(d decimal.NullDecimal) decimal.NullDecimal {
	if d.Valid && d.Decimal.IsZero() {
		return decimal.NullDecimal{}
	}
	return d
}
