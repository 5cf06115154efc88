// Package aggregator provides venue weighting, price aggregation and rate TWAP tracking.
package aggregator

import "errors"

var (
	// ErrUnknownMethod indicates that the aggregation method is unknown.
	ErrUnknownMethod = errors.New("unknown aggregation method")
)
