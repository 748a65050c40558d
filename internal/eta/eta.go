package eta

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
)

// Client is the interface used by the matcher to get pickup ETAs.
type Client interface {
	EstimateSeconds(ctx context.Context, from, to models.Coord) (float64, error)
}

const defaultSpeedMps = 8.0 // ~28.8 km/h city speed

// Straight estimates by great-circle distance over a constant speed.
type Straight struct {
	SpeedMps float64
}

func (s Straight) EstimateSeconds(_ context.Context, from, to models.Coord) (float64, error) {
	return EstimateSeconds(from, to, s.SpeedMps), nil
}

// Naive ETA: distance / speed_mps.
func EstimateSeconds(from, to models.Coord, speedMps float64) float64 {
	if speedMps <= 0 {
		speedMps = defaultSpeedMps
	}
	return geo.Haversine(from.Lat, from.Lon, to.Lat, to.Lon) / speedMps
}

// Cache holds ETA lookups keyed by rounded coordinates.
type Cache struct {
	items *ttlcache.Cache[string, float64]
}

func NewCache(ttl time.Duration) *Cache {
	return &Cache{items: ttlcache.New[string, float64](
		ttlcache.WithTTL[string, float64](ttl),
		ttlcache.WithDisableTouchOnHit[string, float64](),
	)}
}

func keyFor(a, b models.Coord) string {
	return fmtCoord(a) + "->" + fmtCoord(b)
}

func fmtCoord(c models.Coord) string {
	return fmt.Sprintf("%.6f,%.6f", c.Lat, c.Lon)
}

// Get returns the cached value and true if present and not expired.
func (c *Cache) Get(a, b models.Coord) (float64, bool) {
	item := c.items.Get(keyFor(a, b))
	if item == nil {
		return 0, false
	}
	return item.Value(), true
}

func (c *Cache) Set(a, b models.Coord, v float64) {
	c.items.Set(keyFor(a, b), v, ttlcache.DefaultTTL)
}

// Estimator consults the cache, then the routing client, and falls back to
// the straight-line estimate when routing fails or is not configured.
type Estimator struct {
	routing  Client
	cache    *Cache
	speedMps float64
	logger   *slog.Logger
}

func NewEstimator(routing Client, cache *Cache, speedMps float64, logger *slog.Logger) *Estimator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Estimator{routing: routing, cache: cache, speedMps: speedMps, logger: logger}
}

func (e *Estimator) EstimateSeconds(ctx context.Context, from, to models.Coord) (float64, error) {
	if e.cache != nil {
		if v, ok := e.cache.Get(from, to); ok {
			return v, nil
		}
	}
	v := EstimateSeconds(from, to, e.speedMps)
	if e.routing != nil {
		routed, err := e.routing.EstimateSeconds(ctx, from, to)
		if err != nil {
			e.logger.Warn("routing eta failed, using straight-line estimate", "error", err)
		} else {
			v = routed
		}
	}
	if e.cache != nil {
		e.cache.Set(from, to, v)
	}
	return v, nil
}
