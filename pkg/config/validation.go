package config

import (
	"fmt"
	"math"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks configuration for errors
func Validate(cfg *Config) error {
	// validator's gte accepts +Inf, so finiteness is checked first.
	if err := validateMultipliers(cfg.Feeds); err != nil {
		return fmt.Errorf("feeds config: %w", err)
	}
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	if cfg.Oracle.Interval.ToDuration() <= 0 {
		return fmt.Errorf("oracle config: %w", ErrInvalidInterval)
	}
	if cfg.Cache.MaxStaleness.ToDuration() < cfg.Cache.TTL.ToDuration() {
		return fmt.Errorf("cache config: %w", ErrInvalidCacheBounds)
	}

	if err := validateFeeds(cfg); err != nil {
		return fmt.Errorf("feeds config: %w", err)
	}

	if err := validateLoggingConfig(&cfg.Logging); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

func validateFeeds(cfg *Config) error {
	seen := make(map[string]bool, len(cfg.Feeds))
	enabled := 0
	referenceEnabled := false
	for _, f := range cfg.Feeds {
		if seen[f.Name] {
			return fmt.Errorf("%w: %s", ErrDuplicateFeed, f.Name)
		}
		seen[f.Name] = true
		if !f.Enabled {
			continue
		}
		enabled++
		if f.Name == cfg.Oracle.ReferenceVenue {
			referenceEnabled = true
		}
	}
	if enabled == 0 {
		return ErrNoFeedsEnabled
	}
	if !referenceEnabled {
		return fmt.Errorf("%w: %s", ErrReferenceVenueDisabled, cfg.Oracle.ReferenceVenue)
	}
	return nil
}

func validateMultipliers(feeds []FeedConfig) error {
	for _, f := range feeds {
		for key, v := range map[string]*float64{
			"weight":            f.Weight,
			"spread_multiplier": f.SpreadMultiplier,
			"volume_multiplier": f.VolumeMultiplier,
			"depth_multiplier":  f.DepthMultiplier,
		} {
			if v != nil && (math.IsInf(*v, 0) || math.IsNaN(*v)) {
				return fmt.Errorf("%w: %s.%s=%v", ErrInvalidMultiplier, f.Name, key, *v)
			}
		}
	}
	return nil
}

func validateLoggingConfig(cfg *LoggingConfig) error {
	switch strings.ToLower(cfg.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("%w: %s (must be debug, info, warn or error)", ErrInvalidLogLevel, cfg.Level)
	}
	switch strings.ToLower(cfg.Format) {
	case "json", "text":
	default:
		return fmt.Errorf("%w: %s (must be json or text)", ErrInvalidLogFormat, cfg.Format)
	}
	return nil
}
