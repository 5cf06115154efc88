package aggregator

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/june-upside/Oracle/pkg/logging"
)

const (
	// MethodAverage uses the weighted average.
	MethodAverage = "average"
	// MethodMedian uses the plain median of positively weighted venues.
	MethodMedian = "median"
)

// Aggregator combines per-venue prices into one price.
type Aggregator interface {
	// Aggregate returns a null decimal when no venue qualifies.
	// weights maps venue names to their combined weights; a missing venue weighs 0.
	Aggregate(prices map[string]decimal.Decimal, weights map[string]float64) decimal.NullDecimal
}

// NewAggregator creates an aggregator for the given method.
func NewAggregator(method string, logger *logging.Logger) (Aggregator, error) {
	if logger == nil {
		logger = logging.NewNoopLogger()
	}
	switch method {
	case MethodAverage:
		return NewAverageAggregator(logger), nil
	case MethodMedian:
		return NewMedianAggregator(logger), nil
	default:
		return nil, fmt.Errorf("%w: %s (supported: average, median)", ErrUnknownMethod, method)
	}
}

// Aggregate is a one-shot helper around NewAggregator.
func Aggregate(prices map[string]decimal.Decimal, weights map[string]float64, method string) (decimal.NullDecimal, error) {
	agg, err := NewAggregator(method, nil)
	if err != nil {
		return decimal.NullDecimal{}, err
	}
	return agg.Aggregate(prices, weights), nil
}

// qualifying returns the venues with a positive price and a positive finite weight, sorted by name.
func qualifying(prices map[string]decimal.Decimal, weights map[string]float64) []venuePrice {
	out := make([]venuePrice, 0, len(prices))
	for venue, price := range prices {
		w := weights[venue]
		if !price.IsPositive() || w <= 0 || !finite(w) {
			continue
		}
		out = append(out, venuePrice{venue: venue, price: price, weight: w})
	}
	sortByVenue(out)
	return out
}

type venuePrice struct {
	venue  string
	price  decimal.Decimal
	weight float64
}
