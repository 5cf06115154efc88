// Package api provides the HTTP pull API and the WebSocket push channel.
package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"

	"github.com/june-upside/Oracle/pkg/logging"
	"github.com/june-upside/Oracle/pkg/metrics"
	"github.com/june-upside/Oracle/pkg/server/aggregator"
	"github.com/june-upside/Oracle/pkg/server/oracle"
	"github.com/june-upside/Oracle/pkg/server/scheduler"
	"github.com/june-upside/Oracle/pkg/server/sources"
	"github.com/june-upside/Oracle/pkg/version"
)

const maxBodyBytes = 1 << 16

// Oracle is the scheduler surface the API reads and mutates.
type Oracle interface {
	State() scheduler.State
	Instruments() []string
	Result(instrument string) (oracle.Result, error)
	Chart(instrument string) ([]scheduler.ChartPoint, error)
	Venues(instrument string) ([]scheduler.VenueQuote, error)
	Aggregate(instrument, method string) (scheduler.DomesticAggregate, error)
	Tick(ctx context.Context) (scheduler.State, error)
	Health() (ticks, failed uint64, last time.Time)
	ConversionRateOverride() decimal.NullDecimal
	SetConversionRateOverride(v decimal.NullDecimal) error
	ReferencePriceOverride(instrument string) (decimal.NullDecimal, error)
	SetReferencePriceOverride(instrument string, v decimal.NullDecimal) error
}

// FeedLister lists the configured venue feeds.
type FeedLister interface {
	Feeds() []sources.ExchangeFeed
}

// Server represents the HTTP API server.
type Server struct {
	addr           string
	oracle         Oracle
	feeds          FeedLister
	allowedOrigins []string
	mu             sync.Mutex
	server         *http.Server
	stopped        bool
	logger         *logging.Logger
	wsServer       *WebSocketServer // Optional push channel mounted on this server
	wsPath         string
}

// NewServer creates a new HTTP API server.
func NewServer(addr string, o Oracle, feeds FeedLister, allowedOrigins []string, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.NewNoopLogger()
	}
	return &Server{
		addr:           addr,
		oracle:         o,
		feeds:          feeds,
		allowedOrigins: allowedOrigins,
		logger:         logger,
	}
}

// SetWebSocketServer mounts the push channel at path.
func (s *Server) SetWebSocketServer(ws *WebSocketServer, path string) {
	if path == "" {
		path = "/ws"
	}
	s.wsServer = ws
	s.wsPath = path
}

// Handler builds the routed, CORS-wrapped handler.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Handle("/health", s.instrument(http.HandlerFunc(s.handleHealth))).Methods(http.MethodGet)

	api := r.PathPrefix("/api/v1").Subrouter()
	api.Use(s.instrument)
	api.HandleFunc("/state", s.handleState).Methods(http.MethodGet)
	api.HandleFunc("/feeds", s.handleFeeds).Methods(http.MethodGet)
	api.HandleFunc("/oracle", s.handleResults).Methods(http.MethodGet)
	api.HandleFunc("/oracle/update", s.handleUpdate).Methods(http.MethodPost)
	api.HandleFunc("/oracle/{instrument}", s.handleResult).Methods(http.MethodGet)
	api.HandleFunc("/oracle/{instrument}/chart", s.handleChart).Methods(http.MethodGet)
	api.HandleFunc("/oracle/{instrument}/venues", s.handleVenues).Methods(http.MethodGet)
	api.HandleFunc("/oracle/{instrument}/aggregate", s.handleAggregate).Methods(http.MethodGet)
	api.HandleFunc("/overrides/conversion-rate", s.handleGetRateOverride).Methods(http.MethodGet)
	api.HandleFunc("/overrides/conversion-rate", s.handleSetRateOverride).Methods(http.MethodPut, http.MethodPost)
	api.HandleFunc("/overrides/conversion-rate", s.handleClearRateOverride).Methods(http.MethodDelete)
	api.HandleFunc("/overrides/reference-price/{instrument}", s.handleGetRefOverride).Methods(http.MethodGet)
	api.HandleFunc("/overrides/reference-price/{instrument}", s.handleSetRefOverride).Methods(http.MethodPut, http.MethodPost)
	api.HandleFunc("/overrides/reference-price/{instrument}", s.handleClearRefOverride).Methods(http.MethodDelete)

	if s.wsServer != nil {
		r.HandleFunc(s.wsPath, s.wsServer.HandleWebSocket)
	}

	origins := s.allowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type"},
	}).Handler(r)
}

// Start starts the HTTP server.
// A server stopped before it started returns nil immediately.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	s.server = srv
	s.mu.Unlock()

	s.logger.Info("Starting HTTP server", "addr", s.addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("HTTP server error: %w", err)
	}
	return nil
}

// Stop gracefully stops the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.stopped = true
	srv := s.server
	s.mu.Unlock()

	if srv != nil {
		s.logger.Info("Stopping HTTP server")
		return srv.Shutdown(ctx)
	}
	return nil
}

// statusRecorder captures the status code for metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		endpoint := r.URL.Path
		if route := mux.CurrentRoute(r); route != nil {
			if tpl, err := route.GetPathTemplate(); err == nil {
				endpoint = tpl
			}
		}
		metrics.RecordHTTPRequest(endpoint, strconv.Itoa(rec.status), time.Since(start))
	})
}

type healthResponse struct {
	Status      string    `json:"status"`
	Version     string    `json:"version"`
	TickCount   uint64    `json:"tick_count"`
	FailedTicks uint64    `json:"failed_ticks"`
	LastTick    time.Time `json:"last_tick"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	ticks, failed, last := s.oracle.Health()
	status := "ok"
	if ticks == 0 {
		status = "starting"
	}
	s.sendJSON(w, http.StatusOK, healthResponse{
		Status:      status,
		Version:     version.Version,
		TickCount:   ticks,
		FailedTicks: failed,
		LastTick:    last,
	})
}

func (s *Server) handleState(w http.ResponseWriter, _ *http.Request) {
	s.sendJSON(w, http.StatusOK, s.oracle.State())
}

func (s *Server) handleFeeds(w http.ResponseWriter, _ *http.Request) {
	out := []sources.FeedState{}
	for _, f := range s.feeds.Feeds() {
		out = append(out, f.States()...)
	}
	s.sendJSON(w, http.StatusOK, out)
}

func (s *Server) handleResults(w http.ResponseWriter, _ *http.Request) {
	s.sendJSON(w, http.StatusOK, s.oracle.State().Results)
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	state, err := s.oracle.Tick(r.Context())
	if err != nil {
		s.logger.Error("Forced tick failed", "error", err)
		s.sendError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, state)
}

func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	res, err := s.oracle.Result(mux.Vars(r)["instrument"])
	if err != nil {
		s.sendError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, res)
}

func (s *Server) handleChart(w http.ResponseWriter, r *http.Request) {
	points, err := s.oracle.Chart(mux.Vars(r)["instrument"])
	if err != nil {
		s.sendError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, points)
}

func (s *Server) handleVenues(w http.ResponseWriter, r *http.Request) {
	quotes, err := s.oracle.Venues(mux.Vars(r)["instrument"])
	if err != nil {
		s.sendError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, quotes)
}

func (s *Server) handleAggregate(w http.ResponseWriter, r *http.Request) {
	agg, err := s.oracle.Aggregate(mux.Vars(r)["instrument"], r.URL.Query().Get("method"))
	if err != nil {
		s.sendError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, agg)
}

type overrideResponse struct {
	Instrument string              `json:"instrument,omitempty"`
	Value      decimal.NullDecimal `json:"value"`
}

func (s *Server) handleGetRateOverride(w http.ResponseWriter, _ *http.Request) {
	s.sendJSON(w, http.StatusOK, overrideResponse{Value: s.oracle.ConversionRateOverride()})
}

func (s *Server) handleSetRateOverride(w http.ResponseWriter, r *http.Request) {
	v, err := readOverride(r)
	if err == nil {
		err = s.oracle.SetConversionRateOverride(v)
	}
	if err != nil {
		s.sendError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, overrideResponse{Value: v})
}

func (s *Server) handleClearRateOverride(w http.ResponseWriter, _ *http.Request) {
	if err := s.oracle.SetConversionRateOverride(decimal.NullDecimal{}); err != nil {
		s.sendError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, overrideResponse{})
}

func (s *Server) handleGetRefOverride(w http.ResponseWriter, r *http.Request) {
	inst := mux.Vars(r)["instrument"]
	v, err := s.oracle.ReferencePriceOverride(inst)
	if err != nil {
		s.sendError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, overrideResponse{Instrument: inst, Value: v})
}

func (s *Server) handleSetRefOverride(w http.ResponseWriter, r *http.Request) {
	inst := mux.Vars(r)["instrument"]
	v, err := readOverride(r)
	if err == nil {
		err = s.oracle.SetReferencePriceOverride(inst, v)
	}
	if err != nil {
		s.sendError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, overrideResponse{Instrument: inst, Value: v})
}

func (s *Server) handleClearRefOverride(w http.ResponseWriter, r *http.Request) {
	inst := mux.Vars(r)["instrument"]
	if err := s.oracle.SetReferencePriceOverride(inst, decimal.NullDecimal{}); err != nil {
		s.sendError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, overrideResponse{Instrument: inst})
}

// readOverride parses {"value": <number | numeric string | null>}.
// A null value clears the override.
func readOverride(r *http.Request) (decimal.NullDecimal, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return decimal.NullDecimal{}, fmt.Errorf("%w: %v", ErrInvalidBody, err)
	}
	if !gjson.ValidBytes(body) {
		return decimal.NullDecimal{}, fmt.Errorf("%w: not JSON", ErrInvalidBody)
	}
	value := gjson.GetBytes(body, "value")
	if !value.Exists() {
		return decimal.NullDecimal{}, fmt.Errorf("%w: missing value", ErrInvalidBody)
	}

	var raw string
	switch value.Type {
	case gjson.Null:
		return decimal.NullDecimal{}, nil
	case gjson.Number:
		raw = value.Raw
	case gjson.String:
		raw = value.Str
	default:
		return decimal.NullDecimal{}, fmt.Errorf("%w: value must be a number", ErrInvalidBody)
	}

	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.NullDecimal{}, fmt.Errorf("%w: %q is not numeric", ErrInvalidBody, raw)
	}
	v := decimal.NewNullDecimal(d)
	if err := oracle.ValidateOverride(v); err != nil {
		return decimal.NullDecimal{}, err
	}
	return v, nil
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) sendError(w http.ResponseWriter, err error) {
	s.sendJSON(w, statusFor(err), errorResponse{Error: err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, scheduler.ErrUnknownInstrument):
		return http.StatusNotFound
	case errors.Is(err, scheduler.ErrNotReady):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrInvalidBody),
		errors.Is(err, oracle.ErrInvalidOverride),
		errors.Is(err, aggregator.ErrUnknownMethod):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// sendJSON sends a JSON response.
func (s *Server) sendJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("Failed to encode JSON response", "error", err)
	}
}
