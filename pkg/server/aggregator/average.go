package aggregator

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/june-upside/Oracle/pkg/logging"
	"github.com/june-upside/Oracle/pkg/metrics"
)

// AverageAggregator computes Σ(price×weight) / Σ(weight).
type AverageAggregator struct {
	logger *logging.Logger
}

var _ Aggregator = (*AverageAggregator)(nil)

// NewAverageAggregator creates a new average aggregator
func NewAverageAggregator(logger *logging.Logger) *AverageAggregator {
	return &AverageAggregator{logger: logger}
}

// Aggregate implements Aggregator.
func (a *AverageAggregator) Aggregate(prices map[string]decimal.Decimal, weights map[string]float64) decimal.NullDecimal {
	start := time.Now()
	defer func() {
		metrics.RecordAggregation(MethodAverage, time.Since(start))
	}()

	numerator := decimal.Zero
	total := decimal.Zero
	for _, vp := range qualifying(prices, weights) {
		w := decimal.NewFromFloat(vp.weight)
		numerator = numerator.Add(vp.price.Mul(w))
		total = total.Add(w)
	}
	if !total.IsPositive() {
		a.logger.Debug("No weighted prices to average", "venues", len(prices))
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(numerator.Div(total))
}

func sortByVenue(vps []venuePrice) {
	sort.Slice(vps, func(i, j int) bool { return vps[i].venue < vps[j].venue })
}
