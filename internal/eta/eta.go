package eta

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/example/surge-dispatch/internal/geo"
	"github.com/example/surge-dispatch/internal/models"
)

// DefaultSpeedMps is roughly 29 km/h, a typical urban average.
const DefaultSpeedMps = 8.0

// Route is a travel estimate between two points.
type Route struct {
	Meters  float64
	Seconds float64
	// Routed is false when the estimate is the straight-line fallback.
	Routed bool
}

// Router returns road routes, e.g. an OSRM server.
type Router interface {
	Route(ctx context.Context, from, to models.Coord) (Route, error)
}

// routeKey snaps both ends to ~11 m so nearby lookups share an entry.
type routeKey struct {
	fromLat, fromLon, toLat, toLon int32
}

func keyFor(a, b models.Coord) routeKey {
	snap := func(v float64) int32 { return int32(math.Round(v * 1e4)) }
	return routeKey{snap(a.Lat), snap(a.Lon), snap(b.Lat), snap(b.Lon)}
}

// Cache holds routed estimates for a fixed TTL. When it reaches MaxEntries,
// expired entries are swept before a new one is stored; if none expired the
// new route is not cached.
type Cache struct {
	ttl        time.Duration
	maxEntries int
	now        func() time.Time

	mu      sync.Mutex
	entries map[routeKey]cacheEntry
}

type cacheEntry struct {
	route   Route
	expires time.Time
}

func NewCache(ttl time.Duration) *Cache {
	return &Cache{ttl: ttl, maxEntries: 10000, now: time.Now, entries: make(map[routeKey]cacheEntry)}
}

func (c *Cache) Get(a, b models.Coord) (Route, bool) {
	k := keyFor(a, b)
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[k]
	if !ok {
		return Route{}, false
	}
	if !c.now().Before(e.expires) {
		delete(c.entries, k)
		return Route{}, false
	}
	return e.route, true
}

func (c *Cache) Set(a, b models.Coord, r Route) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	if len(c.entries) >= c.maxEntries {
		for k, e := range c.entries {
			if !now.Before(e.expires) {
				delete(c.entries, k)
			}
		}
		if len(c.entries) >= c.maxEntries {
			return
		}
	}
	c.entries[keyFor(a, b)] = cacheEntry{route: r, expires: now.Add(c.ttl)}
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// StraightLine is the fallback estimate: haversine distance at a constant speed.
func StraightLine(from, to models.Coord, speedMps float64) Route {
	if speedMps <= 0 {
		speedMps = DefaultSpeedMps
	}
	m := geo.Distance(from, to)
	return Route{Meters: m, Seconds: m / speedMps}
}

// Estimator resolves a route through the cache, then the router, then the
// straight-line fallback. Router failures are never returned to callers.
type Estimator struct {
	Router   Router
	Cache    *Cache
	SpeedMps float64
}

func (e *Estimator) Route(ctx context.Context, from, to models.Coord) Route {
	if e.Cache != nil {
		if r, ok := e.Cache.Get(from, to); ok {
			return r
		}
	}
	if e.Router != nil {
		if r, err := e.Router.Route(ctx, from, to); err == nil {
			r.Routed = true
			if e.Cache != nil {
				e.Cache.Set(from, to, r)
			}
			return r
		}
	}
	return StraightLine(from, to, e.SpeedMps)
}

// Seconds is the travel time part of Route; the ranker only needs this.
func (e *Estimator) Seconds(ctx context.Context, from, to models.Coord) float64 {
	return e.Route(ctx, from, to).Seconds
}
