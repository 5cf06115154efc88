// Package config provides configuration loading and validation for the oracle.
package config

import "errors"

var (
	// ErrNoFeedsEnabled indicates that no venue feed is enabled.
	ErrNoFeedsEnabled = errors.New("no feeds enabled")
	// ErrDuplicateFeed indicates that a feed name appears more than once.
	ErrDuplicateFeed = errors.New("duplicate feed name")
	// ErrReferenceVenueDisabled indicates that the reference venue is not an enabled feed.
	ErrReferenceVenueDisabled = errors.New("reference_venue must name an enabled feed")
	// ErrInvalidInterval indicates that the scheduler interval is not positive.
	ErrInvalidInterval = errors.New("interval must be positive")
	// ErrInvalidCacheBounds indicates that the staleness bound is shorter than the cache TTL.
	ErrInvalidCacheBounds = errors.New("cache max_staleness must be >= ttl")
	// ErrInvalidMultiplier indicates a feed weight or multiplier that is not a finite number.
	ErrInvalidMultiplier = errors.New("weight and multipliers must be finite")
	// ErrInvalidLogLevel indicates that the log level is invalid.
	ErrInvalidLogLevel = errors.New("invalid log level")
	// ErrInvalidLogFormat indicates that the log format is invalid.
	ErrInvalidLogFormat = errors.New("invalid log format")
)
