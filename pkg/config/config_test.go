package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
oracle:
  instruments: [eth, btc]
  interval: 750ms
  reference_venue: upbit
feeds:
  - name: upbit
    enabled: true
    weight: 2.0
  - name: Bithumb
    enabled: true
    config:
      timeout: 2s
      rate_limit: 10
      pairs:
        eth: ETH_KRW
  - name: binance
    enabled: false
logging:
  level: ${ORACLE_TEST_LEVEL}
`

func TestLoad_DefaultsAndEnv(t *testing.T) {
	t.Setenv("ORACLE_TEST_LEVEL", "debug")

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleConfig), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, Validate(cfg))

	assert.Equal(t, []string{"ETH", "BTC"}, cfg.Oracle.Instruments)
	assert.Equal(t, 750*time.Millisecond, cfg.Oracle.Interval.ToDuration())
	assert.Equal(t, 300, cfg.Oracle.TWAPWindowSeconds)
	assert.Equal(t, 5*time.Minute, cfg.Oracle.TWAPWindow())
	assert.InDelta(t, 0.05, cfg.Oracle.VolatilityThreshold, 1e-12)
	assert.Equal(t, 15, cfg.Oracle.OrderBookDepth)
	assert.Equal(t, 100, cfg.Oracle.ChartCapacity)
	assert.Equal(t, 500*time.Millisecond, cfg.Oracle.MaxSkew.ToDuration())
	assert.Equal(t, "USDT", cfg.Oracle.ConversionAsset)
	assert.Equal(t, "average", cfg.Oracle.AggregateMethod)
	assert.Equal(t, time.Second, cfg.Cache.TTL.ToDuration())
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, ":8080", cfg.Server.HTTP.Addr)

	enabled := cfg.EnabledFeeds()
	require.Len(t, enabled, 2)
	assert.Equal(t, "bithumb", enabled[1].Name)
	assert.InDelta(t, 2.0, enabled[0].WeightOrDefault(), 1e-12)
	assert.InDelta(t, 1.0, enabled[1].WeightOrDefault(), 1e-12)
	assert.Equal(t, 2*time.Second, enabled[1].GetDuration("timeout", time.Second))
	assert.InDelta(t, 10.0, enabled[1].GetFloat("rate_limit", 1), 1e-12)
	assert.Equal(t, map[string]string{"ETH": "ETH_KRW"}, enabled[1].GetStringMap("pairs"))
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr error
	}{
		{
			name:    "reference venue disabled",
			yaml:    "feeds:\n  - name: upbit\n    enabled: false\n  - name: bithumb\n    enabled: true\n",
			wantErr: ErrReferenceVenueDisabled,
		},
		{
			name:    "duplicate feed",
			yaml:    "feeds:\n  - name: upbit\n    enabled: true\n  - name: UPBIT\n    enabled: true\n",
			wantErr: ErrDuplicateFeed,
		},
		{
			name:    "no feeds enabled",
			yaml:    "oracle:\n  reference_venue: upbit\nfeeds:\n  - name: upbit\n",
			wantErr: ErrNoFeedsEnabled,
		},
		{
			name:    "infinite volume multiplier",
			yaml:    "feeds:\n  - name: upbit\n    enabled: true\n    volume_multiplier: .inf\n",
			wantErr: ErrInvalidMultiplier,
		},
		{
			name:    "nan weight",
			yaml:    "feeds:\n  - name: upbit\n    enabled: true\n    weight: .nan\n",
			wantErr: ErrInvalidMultiplier,
		},
		{
			name:    "bad log format",
			yaml:    "feeds:\n  - name: upbit\n    enabled: true\nlogging:\n  format: xml\n",
			wantErr: ErrInvalidLogFormat,
		},
		{
			name:    "staleness below ttl",
			yaml:    "feeds:\n  - name: upbit\n    enabled: true\ncache:\n  ttl: 5s\n  max_staleness: 1s\n",
			wantErr: ErrInvalidCacheBounds,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Parse([]byte(tt.yaml))
			require.NoError(t, err)
			assert.ErrorIs(t, Validate(cfg), tt.wantErr)
		})
	}
}

func TestValidate_StructTags(t *testing.T) {
	cfg, err := Parse([]byte("oracle:\n  volatility_threshold: 1.5\nfeeds:\n  - name: upbit\n    enabled: true\n"))
	require.NoError(t, err)
	assert.Error(t, Validate(cfg))

	cfg, err = Parse([]byte("oracle:\n  aggregate_method: mode\nfeeds:\n  - name: upbit\n    enabled: true\n"))
	require.NoError(t, err)
	assert.Error(t, Validate(cfg))
}

func TestParse_InvalidDuration(t *testing.T) {
	_, err := Parse([]byte("oracle:\n  interval: soon\n"))
	assert.Error(t, err)
}

func TestLoad_ExampleConfig(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "config", "config.example.yaml"))
	require.NoError(t, err)
	require.NoError(t, Validate(cfg))

	assert.Len(t, cfg.EnabledFeeds(), 6)
	assert.Equal(t, 500*time.Millisecond, cfg.Oracle.Interval.ToDuration())
	assert.Equal(t, 5*time.Minute, cfg.Oracle.TWAPWindow())

	var bybit FeedConfig
	for _, f := range cfg.Feeds {
		if f.Name == "bybit" {
			bybit = f
		}
	}
	assert.False(t, bybit.GetBool("use_websocket", true))
	assert.Equal(t, 5*time.Second, bybit.GetDuration("timeout", time.Second))
}
