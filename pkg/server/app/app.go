// Package app wires the feeds, collector, scheduler and servers into one runtime.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/june-upside/Oracle/pkg/config"
	"github.com/june-upside/Oracle/pkg/logging"
	"github.com/june-upside/Oracle/pkg/metrics"
	"github.com/june-upside/Oracle/pkg/server/aggregator"
	"github.com/june-upside/Oracle/pkg/server/api"
	"github.com/june-upside/Oracle/pkg/server/collector"
	"github.com/june-upside/Oracle/pkg/server/scheduler"
	"github.com/june-upside/Oracle/pkg/server/sources"
	"github.com/june-upside/Oracle/pkg/server/sources/cex"
)

const shutdownTimeout = 5 * time.Second

// App is the runtime context, built once at startup and passed explicitly.
type App struct {
	cfg    *config.Config
	logger *logging.Logger

	Registry  *sources.Registry
	Collector *collector.Collector
	Scheduler *scheduler.Scheduler
	API       *api.Server
	Push      *api.WebSocketServer

	metricsServer *http.Server
}

// New builds the runtime with the built-in venue feeds.
func New(cfg *config.Config, logger *logging.Logger) (*App, error) {
	return NewWithFactories(cfg, cex.Factories(), logger)
}

// NewWithFactories builds the runtime with the given venue constructors.
func NewWithFactories(cfg *config.Config, factories map[string]sources.Factory, logger *logging.Logger) (*App, error) {
	if logger == nil {
		logger = logging.NewNoopLogger()
	}

	registry, err := sources.NewRegistry(cfg.Feeds, factories, sources.FactoryOptions{
		Depth:            cfg.Oracle.OrderBookDepth,
		CacheTTL:         cfg.Cache.TTL.ToDuration(),
		MaxStaleness:     cfg.Cache.MaxStaleness.ToDuration(),
		StreamStaleAfter: cfg.Cache.StreamStaleAfter.ToDuration(),
		Logger:           logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build feeds: %w", err)
	}
	if len(registry.Feeds()) == 0 {
		return nil, fmt.Errorf("no feeds enabled")
	}

	coll := collector.New(cfg.Oracle.CollectorParallelism, cfg.Oracle.MaxSkew.ToDuration(), logger.With("component", "collector"))
	weights := aggregator.NewWeightEngine(cfg.EnabledFeeds())

	sched, err := scheduler.New(cfg.Oracle, registry, coll, weights, logger.With("component", "scheduler"))
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}

	a := &App{
		cfg:       cfg,
		logger:    logger,
		Registry:  registry,
		Collector: coll,
		Scheduler: sched,
		API:       api.NewServer(cfg.Server.HTTP.Addr, sched, registry, cfg.Server.CORS.AllowedOrigins, logger.With("component", "api")),
	}

	if cfg.Server.WebSocket.Enabled {
		a.Push = api.NewWebSocketServer(logger.With("component", "push"))
		a.API.SetWebSocketServer(a.Push, cfg.Server.WebSocket.Path)
		sched.AddPublisher(a.Push)
	}
	if cfg.Metrics.Enabled {
		a.metricsServer = metrics.NewServer(cfg.Metrics.Addr, cfg.Metrics.Path)
	}
	return a, nil
}

// InstrumentsFor returns what a feed subscribes to: every instrument, plus the
// conversion asset on the reference venue.
func (a *App) InstrumentsFor(f sources.ExchangeFeed) []string {
	out := append([]string(nil), a.cfg.Oracle.Instruments...)
	if f.Name() == a.cfg.Oracle.ReferenceVenue {
		out = append(out, a.cfg.Oracle.ConversionAsset)
	}
	return out
}

// Run connects the feeds and serves until ctx is done or a component fails.
func (a *App) Run(ctx context.Context) error {
	if err := a.Registry.ConnectAll(ctx, a.InstrumentsFor); err != nil {
		_ = a.Registry.DisconnectAll()
		return fmt.Errorf("failed to connect feeds: %w", err)
	}
	for _, f := range a.Registry.Feeds() {
		a.logger.Info("Feed started", "venue", f.Name(), "market", string(f.Market()), "instruments", f.Instruments())
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return ignoreCanceled(a.Scheduler.Run(gctx))
	})
	if a.Push != nil {
		g.Go(func() error {
			return a.Push.Run(gctx)
		})
	}
	g.Go(a.API.Start)
	if a.metricsServer != nil {
		g.Go(func() error {
			a.logger.Info("Starting metrics server", "addr", a.metricsServer.Addr)
			if err := a.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server error: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		var errs []error
		if err := a.API.Stop(shutdownCtx); err != nil {
			errs = append(errs, err)
		}
		if a.metricsServer != nil {
			if err := a.metricsServer.Shutdown(shutdownCtx); err != nil {
				errs = append(errs, err)
			}
		}
		if err := a.Registry.DisconnectAll(); err != nil {
			a.logger.Warn("Feed disconnect reported errors", "error", err)
		}
		return errors.Join(errs...)
	})

	return g.Wait()
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}
