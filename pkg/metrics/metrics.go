// Package metrics provides Prometheus metrics for the oracle system.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// FeedUpdatesTotal counts snapshots applied to feed state.
	FeedUpdatesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feed_updates_total",
			Help: "Total number of ticker and order book updates applied per venue",
		},
		[]string{"venue", "kind"},
	)

	// FeedParseErrorsTotal counts upstream frames dropped as malformed.
	FeedParseErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feed_parse_errors_total",
			Help: "Total number of malformed upstream messages dropped",
		},
		[]string{"venue"},
	)

	// FeedReconnectsTotal counts streaming reconnect attempts.
	FeedReconnectsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feed_reconnects_total",
			Help: "Total number of streaming reconnect attempts",
		},
		[]string{"venue"},
	)

	// FeedStatus is the connection status of a feed, one series per status value.
	FeedStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "feed_status",
			Help: "Connection status of a venue feed (1 for the current status)",
		},
		[]string{"venue", "status"},
	)

	// RESTFetchesTotal counts REST requests against venues.
	RESTFetchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rest_fetches_total",
			Help: "Total number of REST fetches per venue and endpoint",
		},
		[]string{"venue", "endpoint", "result"},
	)

	// RESTCacheTotal counts REST cache outcomes (hit, miss, stale, absent).
	RESTCacheTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rest_cache_total",
			Help: "REST cache lookups by outcome",
		},
		[]string{"venue", "outcome"},
	)

	// SnapshotSkewSeconds is the max pairwise capture skew of the last snapshot.
	SnapshotSkewSeconds = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "snapshot_skew_seconds",
			Help: "Max pairwise capture timestamp skew within the last snapshot",
		},
	)

	// SnapshotSkewExceededTotal counts snapshots whose skew exceeded the threshold.
	SnapshotSkewExceededTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "snapshot_skew_exceeded_total",
			Help: "Total number of snapshots whose skew exceeded the configured bound",
		},
	)

	// TickDuration is a histogram of scheduler tick durations.
	TickDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "oracle_tick_duration_seconds",
			Help:    "Duration of one scheduler tick",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
	)

	// TickFailuresTotal counts ticks that failed and were not published.
	TickFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "oracle_tick_failures_total",
			Help: "Total number of scheduler ticks that failed",
		},
	)

	// OracleMode is the calculation mode of the last result per instrument.
	OracleMode = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "oracle_mode",
			Help: "Calculation mode of the last result (1 for the current mode)",
		},
		[]string{"instrument", "mode"},
	)

	// OracleConsensusPrice is the last consensus price per instrument.
	OracleConsensusPrice = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "oracle_consensus_price",
			Help: "Last consensus price per instrument",
		},
		[]string{"instrument"},
	)

	// OracleVolatile is 1 when the conversion rate was flagged volatile.
	OracleVolatile = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "oracle_conversion_volatile",
			Help: "Whether the conversion rate diverged from its TWAP beyond the threshold",
		},
		[]string{"instrument"},
	)

	// OraclePremiumPercent is the last kimchi premium per instrument.
	OraclePremiumPercent = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "oracle_premium_percent",
			Help: "Domestic premium over converted foreign prices",
		},
		[]string{"instrument"},
	)

	// PriceAggregationDuration is a histogram of price aggregation duration.
	PriceAggregationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "price_aggregation_duration_seconds",
			Help:    "Duration of price aggregation operations",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	// HTTPRequestsTotal is a counter of total HTTP requests.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"endpoint", "status"},
	)

	// HTTPRequestDuration is a histogram of HTTP request latencies.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"endpoint"},
	)

	// PushClients is the number of connected push subscribers.
	PushClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "push_clients",
			Help: "Number of connected WebSocket push subscribers",
		},
	)
)

var registerOnce sync.Once

// Init registers all collectors with the default Prometheus registry.
func Init() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			FeedUpdatesTotal,
			FeedParseErrorsTotal,
			FeedReconnectsTotal,
			FeedStatus,
			RESTFetchesTotal,
			RESTCacheTotal,
			SnapshotSkewSeconds,
			SnapshotSkewExceededTotal,
			TickDuration,
			TickFailuresTotal,
			OracleMode,
			OracleConsensusPrice,
			OracleVolatile,
			OraclePremiumPercent,
			PriceAggregationDuration,
			HTTPRequestsTotal,
			HTTPRequestDuration,
			PushClients,
		)
	})
}

// NewServer builds the metrics HTTP server. The caller owns ListenAndServe and Shutdown.
func NewServer(addr, path string) *http.Server {
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.Handler())
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// RecordFeedUpdate records an applied ticker or order book update.
func RecordFeedUpdate(venue, kind string) {
	FeedUpdatesTotal.WithLabelValues(venue, kind).Inc()
}

// RecordParseError records a dropped malformed frame.
func RecordParseError(venue string) {
	FeedParseErrorsTotal.WithLabelValues(venue).Inc()
}

// RecordReconnect records a reconnect attempt.
func RecordReconnect(venue string) {
	FeedReconnectsTotal.WithLabelValues(venue).Inc()
}

var feedStatuses = []string{"DISCONNECTED", "CONNECTING", "LIVE", "DEGRADED", "RECONNECTING"}

// RecordFeedStatus sets the status series for a venue so exactly one is 1.
func RecordFeedStatus(venue, status string) {
	for _, s := range feedStatuses {
		val := 0.0
		if s == status {
			val = 1.0
		}
		FeedStatus.WithLabelValues(venue, s).Set(val)
	}
}

// RecordRESTFetch records the outcome of one REST call.
func RecordRESTFetch(venue, endpoint string, ok bool) {
	result := "ok"
	if !ok {
		result = "error"
	}
	RESTFetchesTotal.WithLabelValues(venue, endpoint, result).Inc()
}

// RecordCacheOutcome records a REST cache lookup outcome.
func RecordCacheOutcome(venue, outcome string) {
	RESTCacheTotal.WithLabelValues(venue, outcome).Inc()
}

// RecordSnapshotSkew records the skew of a collected snapshot.
func RecordSnapshotSkew(skew time.Duration, exceeded bool) {
	SnapshotSkewSeconds.Set(skew.Seconds())
	if exceeded {
		SnapshotSkewExceededTotal.Inc()
	}
}

// RecordTick records a scheduler tick.
func RecordTick(duration time.Duration, ok bool) {
	TickDuration.Observe(duration.Seconds())
	if !ok {
		TickFailuresTotal.Inc()
	}
}

var oracleModes = []string{"normal", "inverse", "no_data"}

// RecordOracleResult records the headline figures of a computed result.
// Consensus and premium are only set when present.
func RecordOracleResult(instrument, mode string, volatile bool, consensus, premium *float64) {
	for _, m := range oracleModes {
		val := 0.0
		if m == mode {
			val = 1.0
		}
		OracleMode.WithLabelValues(instrument, m).Set(val)
	}
	v := 0.0
	if volatile {
		v = 1.0
	}
	OracleVolatile.WithLabelValues(instrument).Set(v)
	if consensus != nil {
		OracleConsensusPrice.WithLabelValues(instrument).Set(*consensus)
	}
	if premium != nil {
		OraclePremiumPercent.WithLabelValues(instrument).Set(*premium)
	}
}

// RecordAggregation records a price aggregation operation.
func RecordAggregation(method string, duration time.Duration) {
	PriceAggregationDuration.WithLabelValues(method).Observe(duration.Seconds())
}

// RecordHTTPRequest records an HTTP request.
func RecordHTTPRequest(endpoint, status string, duration time.Duration) {
	HTTPRequestsTotal.WithLabelValues(endpoint, status).Inc()
	HTTPRequestDuration.WithLabelValues(endpoint).Observe(duration.Seconds())
}

// SetPushClients records the number of connected push subscribers.
func SetPushClients(n int) {
	PushClients.Set(float64(n))
}
