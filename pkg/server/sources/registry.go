package sources

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/june-upside/Oracle/pkg/config"
	"github.com/june-upside/Oracle/pkg/logging"
)

// FactoryOptions carries the settings shared by every feed.
type FactoryOptions struct {
	Depth            int
	CacheTTL         time.Duration
	MaxStaleness     time.Duration
	StreamStaleAfter time.Duration
	Logger           *logging.Logger
}

// Factory builds a venue feed from its configuration.
type Factory func(cfg config.FeedConfig, opts FactoryOptions) (ExchangeFeed, error)

// Registry is the fixed set of feeds built from configuration at startup.
// Disabled venues never appear in it.
type Registry struct {
	feeds  []ExchangeFeed
	byName map[string]ExchangeFeed
}

// NewRegistry builds a feed for every enabled config entry, in configured order.
func NewRegistry(cfgs []config.FeedConfig, factories map[string]Factory, opts FactoryOptions) (*Registry, error) {
	feeds := make([]ExchangeFeed, 0, len(cfgs))
	for _, fc := range cfgs {
		if !fc.Enabled {
			continue
		}
		factory, ok := factories[fc.Name]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownVenue, fc.Name)
		}
		feed, err := factory(fc, opts)
		if err != nil {
			return nil, fmt.Errorf("create feed %s: %w", fc.Name, err)
		}
		feeds = append(feeds, feed)
	}
	return NewRegistryFromFeeds(feeds...), nil
}

// NewRegistryFromFeeds wraps already constructed feeds.
func NewRegistryFromFeeds(feeds ...ExchangeFeed) *Registry {
	r := &Registry{
		feeds:  feeds,
		byName: make(map[string]ExchangeFeed, len(feeds)),
	}
	for _, f := range feeds {
		r.byName[f.Name()] = f
	}
	return r
}

// Feeds returns every feed in configured order.
func (r *Registry) Feeds() []ExchangeFeed {
	return append([]ExchangeFeed(nil), r.feeds...)
}

// Get returns a feed by venue name.
func (r *Registry) Get(name string) (ExchangeFeed, bool) {
	f, ok := r.byName[name]
	return f, ok
}

// ByMarket returns the feeds of one market in configured order.
func (r *Registry) ByMarket(m Market) []ExchangeFeed {
	var out []ExchangeFeed
	for _, f := range r.feeds {
		if f.Market() == m {
			out = append(out, f)
		}
	}
	return out
}

// ConnectAll connects every feed with the instruments chosen for it.
// Feeds given no instruments are skipped.
func (r *Registry) ConnectAll(ctx context.Context, instrumentsFor func(ExchangeFeed) []string) error {
	for _, f := range r.feeds {
		instruments := instrumentsFor(f)
		if len(instruments) == 0 {
			continue
		}
		if err := f.Connect(ctx, instruments); err != nil {
			return err
		}
	}
	return nil
}

// DisconnectAll disconnects every feed and joins the errors.
func (r *Registry) DisconnectAll() error {
	var errs []error
	for _, f := range r.feeds {
		if err := f.Disconnect(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", f.Name(), err))
		}
	}
	return errors.Join(errs...)
}
