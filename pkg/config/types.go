package config

import (
	"fmt"
	"time"
)

// Config is the root configuration structure
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Oracle  OracleConfig  `yaml:"oracle"`
	Cache   CacheConfig   `yaml:"cache"`
	Feeds   []FeedConfig  `yaml:"feeds" validate:"required,min=1,dive"`
	Metrics MetricsConfig `yaml:"metrics"`
	Logging LoggingConfig `yaml:"logging"`
}

// ServerConfig configures the pull API and push channel.
type ServerConfig struct {
	HTTP      HTTPConfig `yaml:"http"`
	WebSocket WSConfig   `yaml:"websocket"`
	CORS      CORSConfig `yaml:"cors"`
}

// HTTPConfig configures the HTTP server
type HTTPConfig struct {
	Addr string `yaml:"addr" validate:"required"`
}

// WSConfig configures the push channel, mounted on the HTTP server.
type WSConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// CORSConfig configures cross-origin access to the pull API.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// OracleConfig holds the computation policy.
type OracleConfig struct {
	Instruments          []string `yaml:"instruments" validate:"required,min=1,dive,required,alphanum,uppercase"`
	Interval             Duration `yaml:"interval"`
	TWAPWindowSeconds    int      `yaml:"twap_window_seconds" validate:"gt=0"`
	VolatilityThreshold  float64  `yaml:"volatility_threshold" validate:"gt=0,lt=1"`
	OrderBookDepth       int      `yaml:"orderbook_depth" validate:"gte=1,lte=50"`
	ChartCapacity        int      `yaml:"chart_capacity" validate:"gte=1"`
	MaxSkew              Duration `yaml:"max_skew"`
	CollectorParallelism int      `yaml:"collector_parallelism" validate:"gte=1"`
	ReferenceVenue       string   `yaml:"reference_venue" validate:"required"`
	ConversionAsset      string   `yaml:"conversion_asset" validate:"required,alphanum,uppercase"`
	AggregateMethod      string   `yaml:"aggregate_method" validate:"oneof=average median"`
}

// TWAPWindow returns the TWAP window as a duration.
func (o OracleConfig) TWAPWindow() time.Duration {
	return time.Duration(o.TWAPWindowSeconds) * time.Second
}

// CacheConfig bounds how long venue data may be served.
type CacheConfig struct {
	TTL              Duration `yaml:"ttl"`
	MaxStaleness     Duration `yaml:"max_staleness"`
	StreamStaleAfter Duration `yaml:"stream_stale_after"`
}

// FeedConfig configures one venue feed.
type FeedConfig struct {
	Name             string                 `yaml:"name" validate:"required"`
	Enabled          bool                   `yaml:"enabled"`
	Weight           *float64               `yaml:"weight" validate:"omitempty,gte=0"`
	SpreadMultiplier *float64               `yaml:"spread_multiplier" validate:"omitempty,gte=0"`
	VolumeMultiplier *float64               `yaml:"volume_multiplier" validate:"omitempty,gte=0"`
	DepthMultiplier  *float64               `yaml:"depth_multiplier" validate:"omitempty,gte=0"`
	Config           map[string]interface{} `yaml:"config"`
}

// MetricsConfig configures Prometheus metrics
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
	Path    string `yaml:"path"`
}

// LoggingConfig configures logging
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Duration is a wrapper around time.Duration for YAML parsing
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	td, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(td)
	return nil
}

// ToDuration converts Duration to time.Duration
func (d Duration) ToDuration() time.Duration {
	return time.Duration(d)
}
