package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Load loads configuration from YAML file and environment variables.
func Load(path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	absPath, err := filepath.Abs(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("invalid config path: %w", err)
	}

	data, err := os.ReadFile(absPath) // #nosec G304 -- Path sanitized with filepath.Clean and filepath.Abs
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse decodes YAML configuration, expanding ${VAR} references first.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	applyDefaults(&cfg)

	return &cfg, nil
}

// applyDefaults sets default values for optional fields.
func applyDefaults(cfg *Config) {
	if cfg.Server.HTTP.Addr == "" {
		cfg.Server.HTTP.Addr = ":8080"
	}
	if cfg.Server.WebSocket.Path == "" {
		cfg.Server.WebSocket.Path = "/ws"
	}

	o := &cfg.Oracle
	if len(o.Instruments) == 0 {
		o.Instruments = []string{"ETH"}
	}
	for i, inst := range o.Instruments {
		o.Instruments[i] = strings.ToUpper(strings.TrimSpace(inst))
	}
	if o.Interval == 0 {
		o.Interval = Duration(500 * time.Millisecond)
	}
	if o.TWAPWindowSeconds == 0 {
		o.TWAPWindowSeconds = 300
	}
	if o.VolatilityThreshold == 0 {
		o.VolatilityThreshold = 0.05
	}
	if o.OrderBookDepth == 0 {
		o.OrderBookDepth = 15
	}
	if o.ChartCapacity == 0 {
		o.ChartCapacity = 100
	}
	if o.MaxSkew == 0 {
		o.MaxSkew = Duration(500 * time.Millisecond)
	}
	if o.CollectorParallelism == 0 {
		o.CollectorParallelism = 8
	}
	if o.ReferenceVenue == "" {
		o.ReferenceVenue = "upbit"
	}
	if o.ConversionAsset == "" {
		o.ConversionAsset = "USDT"
	}
	o.ConversionAsset = strings.ToUpper(o.ConversionAsset)
	if o.AggregateMethod == "" {
		o.AggregateMethod = "average"
	}
	o.AggregateMethod = strings.ToLower(o.AggregateMethod)

	if cfg.Cache.TTL == 0 {
		cfg.Cache.TTL = Duration(time.Second)
	}
	if cfg.Cache.MaxStaleness == 0 {
		cfg.Cache.MaxStaleness = Duration(30 * time.Second)
	}
	if cfg.Cache.StreamStaleAfter == 0 {
		cfg.Cache.StreamStaleAfter = Duration(10 * time.Second)
	}

	for i := range cfg.Feeds {
		cfg.Feeds[i].Name = strings.ToLower(strings.TrimSpace(cfg.Feeds[i].Name))
	}

	if cfg.Metrics.Enabled && cfg.Metrics.Addr == "" {
		cfg.Metrics.Addr = ":9091"
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "stdout"
	}
}

// EnabledFeeds returns the enabled feeds in configured order.
func (c *Config) EnabledFeeds() []FeedConfig {
	out := make([]FeedConfig, 0, len(c.Feeds))
	for _, f := range c.Feeds {
		if f.Enabled {
			out = append(out, f)
		}
	}
	return out
}

// WeightOrDefault returns the user weight multiplier, 1.0 when unset.
func (fc *FeedConfig) WeightOrDefault() float64 {
	return orOne(fc.Weight)
}

// SpreadMultiplierOrDefault returns the spread multiplier, 1.0 when unset.
func (fc *FeedConfig) SpreadMultiplierOrDefault() float64 {
	return orOne(fc.SpreadMultiplier)
}

// VolumeMultiplierOrDefault returns the volume multiplier, 1.0 when unset.
func (fc *FeedConfig) VolumeMultiplierOrDefault() float64 {
	return orOne(fc.VolumeMultiplier)
}

// DepthMultiplierOrDefault returns the depth multiplier, 1.0 when unset.
func (fc *FeedConfig) DepthMultiplierOrDefault() float64 {
	return orOne(fc.DepthMultiplier)
}

func orOne(v *float64) float64 {
	if v == nil {
		return 1.0
	}
	return *v
}

// GetString retrieves a string value from the feed configuration.
func (fc *FeedConfig) GetString(key, defaultValue string) string {
	if val, ok := fc.Config[key]; ok {
		if str, ok := val.(string); ok && str != "" {
			return str
		}
	}
	return defaultValue
}

// GetInt retrieves an integer from feed config.
func (fc *FeedConfig) GetInt(key string, defaultValue int) int {
	if val, ok := fc.Config[key]; ok {
		switch v := val.(type) {
		case int:
			return v
		case float64:
			return int(v)
		}
	}
	return defaultValue
}

// GetFloat retrieves a float from feed config. YAML integers are accepted.
func (fc *FeedConfig) GetFloat(key string, defaultValue float64) float64 {
	if val, ok := fc.Config[key]; ok {
		switch v := val.(type) {
		case float64:
			return v
		case int:
			return float64(v)
		}
	}
	return defaultValue
}

// GetBool retrieves a boolean from feed config.
func (fc *FeedConfig) GetBool(key string, defaultValue bool) bool {
	if val, ok := fc.Config[key]; ok {
		if b, ok := val.(bool); ok {
			return b
		}
	}
	return defaultValue
}

// GetDuration retrieves a duration string such as "3s" from feed config.
func (fc *FeedConfig) GetDuration(key string, defaultValue time.Duration) time.Duration {
	if val, ok := fc.Config[key]; ok {
		if str, ok := val.(string); ok {
			if d, err := time.ParseDuration(str); err == nil {
				return d
			}
		}
	}
	return defaultValue
}

// GetStringMap retrieves a string-to-string map, e.g. instrument to venue symbol overrides.
func (fc *FeedConfig) GetStringMap(key string) map[string]string {
	val, ok := fc.Config[key]
	if !ok {
		return nil
	}
	raw, ok := val.(map[string]interface{})
	if !ok {
		return nil
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		if s, ok := v.(string); ok {
			out[strings.ToUpper(k)] = s
		}
	}
	return out
}
