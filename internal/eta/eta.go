// Package eta estimates how long a worker needs to reach a pickup point.
package eta

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/example/driver-dispatch/internal/geo"
	"github.com/example/driver-dispatch/internal/models"
)

// DefaultSpeedMps is roughly 29 km/h, a typical urban average.
const DefaultSpeedMps = 8.0

// Client is a routing backend that can estimate travel time.
type Client interface {
	EstimateSeconds(ctx context.Context, from, to models.Coord) (float64, error)
}

// routeKey identifies a route with both ends snapped to about a metre.
type routeKey struct {
	fromLat, fromLon, toLat, toLon int64
}

func keyFor(from, to models.Coord) routeKey {
	snap := func(v float64) int64 { return int64(math.Round(v * 1e5)) }
	return routeKey{snap(from.Lat), snap(from.Lon), snap(to.Lat), snap(to.Lon)}
}

type cacheEntry struct {
	seconds float64
	expires time.Time
}

// Cache holds routing answers for ttl. Expired entries are dropped lazily on
// lookup and in bulk whenever the cache grows past maxEntries.
type Cache struct {
	mu         sync.Mutex
	entries    map[routeKey]cacheEntry
	ttl        time.Duration
	maxEntries int
	now        func() time.Time
}

func NewCache(ttl time.Duration) *Cache {
	return &Cache{entries: make(map[routeKey]cacheEntry), ttl: ttl, maxEntries: 10000, now: time.Now}
}

func (c *Cache) Get(from, to models.Coord) (float64, bool) {
	k := keyFor(from, to)
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[k]
	if !ok {
		return 0, false
	}
	if c.now().After(e.expires) {
		delete(c.entries, k)
		return 0, false
	}
	return e.seconds, true
}

func (c *Cache) Set(from, to models.Coord, seconds float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	if len(c.entries) >= c.maxEntries {
		for k, e := range c.entries {
			if now.After(e.expires) {
				delete(c.entries, k)
			}
		}
		// still full of live entries: start over
		if len(c.entries) >= c.maxEntries {
			clear(c.entries)
		}
	}
	c.entries[keyFor(from, to)] = cacheEntry{seconds: seconds, expires: now.Add(c.ttl)}
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// StraightLineSeconds is the great-circle distance covered at speedMps.
func StraightLineSeconds(from, to models.Coord, speedMps float64) float64 {
	if speedMps <= 0 {
		speedMps = DefaultSpeedMps
	}
	return geo.DistanceKm(from, to) * 1000 / speedMps
}

// Estimator resolves an ETA from the cache, then the routing client, then
// the straight-line estimate. Every field is optional and a nil Estimator
// uses the straight-line estimate at DefaultSpeedMps.
type Estimator struct {
	Client   Client
	Cache    *Cache
	SpeedMps float64
}

func (e *Estimator) Estimate(ctx context.Context, from, to models.Coord) float64 {
	if e == nil {
		return StraightLineSeconds(from, to, DefaultSpeedMps)
	}
	if e.Cache != nil {
		if v, ok := e.Cache.Get(from, to); ok {
			return v
		}
	}
	if e.Client != nil {
		v, err := e.Client.EstimateSeconds(ctx, from, to)
		if err == nil {
			if e.Cache != nil {
				e.Cache.Set(from, to, v)
			}
			return v
		}
	}
	return StraightLineSeconds(from, to, e.SpeedMps)
}
