// Package cache serves statistics computed from the Zigbee2MQTT frontend API
// and keeps the last result for a configurable freshness window.
package cache

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/pobradovic08/zigbee-beacon/internal/metrics"
	"github.com/pobradovic08/zigbee-beacon/internal/model"
	"github.com/pobradovic08/zigbee-beacon/internal/stats"
)

// Fetcher retrieves the raw bridge data on a cache miss.
type Fetcher interface {
	FetchBridgeInfo(ctx context.Context) (*model.BridgeInfo, error)
	FetchDevices(ctx context.Context) ([]model.Device, error)
}

type entry struct {
	stats     model.Stats
	fetchedAt time.Time
}

// Cache holds at most one Stats value.
type Cache struct {
	fetcher Fetcher
	timeout time.Duration
	now     func() time.Time
	metrics *metrics.Collector
	log     zerolog.Logger

	mu    sync.RWMutex
	entry *entry
}

// Deps holds the dependencies of a Cache.
type Deps struct {
	Fetcher Fetcher
	Timeout time.Duration
	Now     func() time.Time
	Metrics *metrics.Collector
	Logger  zerolog.Logger
}

func New(deps Deps) *Cache {
	c := &Cache{
		fetcher: deps.Fetcher,
		timeout: deps.Timeout,
		now:     deps.Now,
		metrics: deps.Metrics,
		log:     deps.Logger,
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c
}

// lookup returns the cached stats if they are younger than the timeout.
func (c *Cache) lookup(now time.Time) (model.Stats, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.entry == nil || now.Sub(c.entry.fetchedAt) >= c.timeout {
		return model.Stats{}, false
	}
	return c.entry.stats, true
}

// Stats returns the cached result while it is fresh and refreshes it from
// the Fetcher otherwise. A failed refresh leaves the previous entry in place
// but is still reported to the caller.
func (c *Cache) Stats(ctx context.Context) (model.Stats, error) {
	if s, ok := c.lookup(c.now()); ok {
		c.metrics.IncCacheLookup(metrics.CacheHit)
		return s, nil
	}

	s, err := c.refresh(ctx)
	if err != nil {
		c.metrics.IncCacheLookup(metrics.CacheError)
		return model.Stats{}, err
	}
	c.metrics.IncCacheLookup(metrics.CacheMiss)
	return s, nil
}

func (c *Cache) refresh(ctx context.Context) (model.Stats, error) {
	info, err := c.fetcher.FetchBridgeInfo(ctx)
	if err != nil {
		return model.Stats{}, err
	}
	devices, err := c.fetcher.FetchDevices(ctx)
	if err != nil {
		return model.Stats{}, err
	}

	result, err := stats.Aggregate(devices, info, stats.PollPolicy{})
	if err != nil {
		return model.Stats{}, err
	}
	if n := stats.Coordinators(devices); n != 1 {
		c.log.Warn().Int("coordinators", n).Msg("device list does not contain exactly one coordinator")
	}

	// Concurrent refreshes are not coalesced; the last one to finish wins.
	c.mu.Lock()
	c.entry = &entry{stats: result, fetchedAt: c.now()}
	c.mu.Unlock()

	c.metrics.ObserveStats(result)
	c.log.Debug().Int("total_devices", result.TotalDevices).Msg("refreshed statistics")
	return result, nil
}

// Health always succeeds; the poll variant has no persistent connection.
func (c *Cache) Health() error {
	return nil
}
