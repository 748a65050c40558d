package geo

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/example/ride-dispatch/internal/models"
)

// DriverIndex is the live pool of available drivers plus the per-driver offer
// lock used during matching. Absence is never an error.
type DriverIndex interface {
	// Upsert records a position and restarts the driver's availability TTL.
	Upsert(ctx context.Context, driverID string, lat, lon float64, tier models.Tier) error
	// Nearby returns live drivers of the tier within radiusKm, nearest first.
	Nearby(ctx context.Context, lat, lon, radiusKm float64, tier models.Tier) ([]string, error)
	// TryLock claims the driver for rideID unless an unexpired lock exists.
	TryLock(ctx context.Context, driverID, rideID string, lease time.Duration) (bool, error)
	Unlock(ctx context.Context, driverID string) error
	RemoveAvailability(ctx context.Context, driverID string) error
}

const (
	DefaultAvailabilityTTL = 30 * time.Second
	DefaultMaxResults      = 20
)

type Options struct {
	AvailabilityTTL time.Duration
	MaxResults      int
}

func (o Options) withDefaults() Options {
	if o.AvailabilityTTL <= 0 {
		o.AvailabilityTTL = DefaultAvailabilityTTL
	}
	if o.MaxResults <= 0 {
		o.MaxResults = DefaultMaxResults
	}
	return o
}

// Index is the single-process DriverIndex. All state sits behind one mutex,
// which makes TryLock's check-and-set a single atomic step.
type Index struct {
	mu        sync.Mutex
	positions map[string]models.Coord
	available *ttlcache.Cache[string, models.Tier]
	locks     *ttlcache.Cache[string, string]
	opts      Options
}

func NewIndex(opts Options) *Index {
	opts = opts.withDefaults()
	g := &Index{
		positions: make(map[string]models.Coord),
		available: ttlcache.New[string, models.Tier](
			ttlcache.WithTTL[string, models.Tier](opts.AvailabilityTTL),
			ttlcache.WithDisableTouchOnHit[string, models.Tier](),
		),
		locks: ttlcache.New[string, string](
			ttlcache.WithDisableTouchOnHit[string, string](),
		),
		opts: opts,
	}
	g.available.OnEviction(g.forgetExpired)
	return g
}

// forgetExpired drops the last known position once availability lapses,
// unless the driver pinged again in the meantime.
func (g *Index) forgetExpired(_ context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[string, models.Tier]) {
	if reason != ttlcache.EvictionReasonExpired {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.available.Get(item.Key()) == nil {
		delete(g.positions, item.Key())
	}
}

// Start runs the caches' expiry sweepers until ctx is done. Expired entries
// are already invisible to readers; sweeping reclaims their memory along with
// the positions of drivers that went quiet.
func (g *Index) Start(ctx context.Context) {
	go g.available.Start()
	go g.locks.Start()
	<-ctx.Done()
	g.available.Stop()
	g.locks.Stop()
}

func (g *Index) Upsert(_ context.Context, driverID string, lat, lon float64, tier models.Tier) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.positions[driverID] = models.Coord{Lat: lat, Lon: lon}
	g.available.Set(driverID, tier, ttlcache.DefaultTTL)
	return nil
}

func (g *Index) Nearby(_ context.Context, lat, lon, radiusKm float64, tier models.Tier) ([]string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	type pair struct {
		id   string
		dist float64
	}
	origin := models.Coord{Lat: lat, Lon: lon}
	arr := make([]pair, 0, len(g.positions))
	for id, loc := range g.positions {
		item := g.available.Get(id)
		if item == nil {
			delete(g.positions, id)
			continue
		}
		if item.Value() != tier {
			continue
		}
		dist := DistanceKm(origin, loc)
		if dist > radiusKm {
			continue
		}
		arr = append(arr, pair{id, dist})
	}
	sort.Slice(arr, func(i, j int) bool {
		if arr[i].dist == arr[j].dist {
			return arr[i].id < arr[j].id
		}
		return arr[i].dist < arr[j].dist
	})
	if len(arr) > g.opts.MaxResults {
		arr = arr[:g.opts.MaxResults]
	}
	out := make([]string, 0, len(arr))
	for _, p := range arr {
		out = append(out, p.id)
	}
	return out, nil
}

func (g *Index) TryLock(_ context.Context, driverID, rideID string, lease time.Duration) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.locks.Get(driverID) != nil {
		return false, nil
	}
	g.locks.Set(driverID, rideID, lease)
	return true, nil
}

func (g *Index) Unlock(_ context.Context, driverID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.locks.Delete(driverID)
	return nil
}

func (g *Index) RemoveAvailability(_ context.Context, driverID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.available.Delete(driverID)
	delete(g.positions, driverID)
	return nil
}

const earthRadiusMeters = 6371000.0

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusMeters * c
}

// DistanceKm is the great-circle distance on a 6371 km sphere.
func DistanceKm(a, b models.Coord) float64 {
	return Haversine(a.Lat, a.Lon, b.Lat, b.Lon) / 1000
}
