package aggregator

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/june-upside/Oracle/pkg/logging"
	"github.com/june-upside/Oracle/pkg/metrics"
)

var two = decimal.NewFromInt(2)

// MedianAggregator returns the plain median of venues with positive price and weight.
// Weight magnitude does not move the result, only whether a venue takes part.
type MedianAggregator struct {
	logger *logging.Logger
}

var _ Aggregator = (*MedianAggregator)(nil)

// NewMedianAggregator creates a new median aggregator.
func NewMedianAggregator(logger *logging.Logger) *MedianAggregator {
	return &MedianAggregator{logger: logger}
}

// Aggregate implements Aggregator.
func (a *MedianAggregator) Aggregate(prices map[string]decimal.Decimal, weights map[string]float64) decimal.NullDecimal {
	start := time.Now()
	defer func() {
		metrics.RecordAggregation(MethodMedian, time.Since(start))
	}()

	vps := qualifying(prices, weights)
	values := make([]decimal.Decimal, len(vps))
	for i, vp := range vps {
		values[i] = vp.price
	}
	result := Median(values)
	if !result.Valid {
		a.logger.Debug("No weighted prices for median", "venues", len(prices))
	}
	return result
}

// Median returns the median of values, averaging the two middle values for even counts.
// The input slice is not modified.
func Median(values []decimal.Decimal) decimal.NullDecimal {
	n := len(values)
	if n == 0 {
		return decimal.NullDecimal{}
	}
	sorted := make([]decimal.Decimal, n)
	copy(sorted, values)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].LessThan(sorted[j]) })

	if n%2 == 1 {
		return decimal.NewNullDecimal(sorted[n/2])
	}
	return decimal.NewNullDecimal(sorted[n/2-1].Add(sorted[n/2]).Div(two))
}

// Mean returns the arithmetic mean of values.
func Mean(values []decimal.Decimal) decimal.NullDecimal {
	if len(values) == 0 {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(decimal.Sum(values[0], values[1:]...).Div(decimal.NewFromInt(int64(len(values)))))
}
