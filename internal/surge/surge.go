// Package surge tracks ride demand per ~1 km grid cell and derives the
// surge multiplier and fare from it.
package surge

import (
	"context"
	"fmt"
	"math"
	"math/big"
	"strconv"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/example/ride-dispatch/internal/models"
)

// Estimator is shared by every ride request. SurgeMultiplier is read before
// RecordDemand, so a request never prices its own demand.
type Estimator interface {
	RecordDemand(ctx context.Context, lat, lon float64) error
	SurgeMultiplier(ctx context.Context, lat, lon float64) (float64, error)
	Demand(ctx context.Context, lat, lon float64) (int64, error)
}

const (
	DefaultDemandTTL = 5 * time.Minute
	DefaultCacheTTL  = 60 * time.Second

	// MinimumFare is the floor for any fare.
	MinimumFare = 30.0
)

// CellKey buckets a coordinate into a grid cell by truncating lat*100 and
// lon*100 toward zero.
func CellKey(lat, lon float64) string {
	return fmt.Sprintf("%d:%d", int64(lat*100), int64(lon*100))
}

// MultiplierForDemand maps a cell's demand counter to a multiplier.
func MultiplierForDemand(demand int64) float64 {
	switch {
	case demand > 20:
		return 2.0
	case demand > 10:
		return 1.5
	case demand > 5:
		return 1.2
	default:
		return 1.0
	}
}

var ratesPerKm = map[models.Tier]float64{
	models.TierAuto:  8,
	models.TierSedan: 12,
	models.TierSUV:   18,
}

// RatePerKm returns the per-km rate of a tier and false for unknown tiers.
func RatePerKm(tier models.Tier) (float64, bool) {
	r, ok := ratesPerKm[tier]
	return r, ok
}

// Fare prices a distance. Results under MinimumFare are raised to it;
// everything else is rounded half-up to two decimals.
func Fare(tier models.Tier, distanceKm, multiplier float64) float64 {
	rate, ok := RatePerKm(tier)
	if !ok {
		rate = ratesPerKm[models.TierSedan]
	}
	raw := distanceKm * rate * multiplier
	if raw < MinimumFare {
		return MinimumFare
	}
	return Round2(raw)
}

// Round2 rounds half away from zero to two decimals. It rounds the shortest
// decimal form of v, so 1.005 becomes 1.01 even though the nearest float is
// slightly below it.
func Round2(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return v
	}
	r, ok := new(big.Rat).SetString(strconv.FormatFloat(math.Abs(v), 'f', -1, 64))
	if !ok {
		return math.Round(v*100) / 100
	}
	r.Mul(r, big.NewRat(100, 1))
	q, rem := new(big.Int).QuoRem(r.Num(), r.Denom(), new(big.Int))
	if rem.Lsh(rem, 1).Cmp(r.Denom()) >= 0 {
		q.Add(q, big.NewInt(1))
	}
	out, _ := new(big.Rat).SetFrac(q, big.NewInt(100)).Float64()
	return math.Copysign(out, v)
}

type Options struct {
	DemandTTL time.Duration
	CacheTTL  time.Duration
}

func (o Options) withDefaults() Options {
	if o.DemandTTL <= 0 {
		o.DemandTTL = DefaultDemandTTL
	}
	if o.CacheTTL <= 0 {
		o.CacheTTL = DefaultCacheTTL
	}
	return o
}

// MemoryEstimator keeps demand counters and cached multipliers in-process.
// Each increment restarts the cell's demand TTL.
type MemoryEstimator struct {
	mu     sync.Mutex
	demand *ttlcache.Cache[string, int64]
	surge  *ttlcache.Cache[string, float64]
}

func NewMemoryEstimator(opts Options) *MemoryEstimator {
	opts = opts.withDefaults()
	return &MemoryEstimator{
		demand: ttlcache.New[string, int64](
			ttlcache.WithTTL[string, int64](opts.DemandTTL),
			ttlcache.WithDisableTouchOnHit[string, int64](),
		),
		surge: ttlcache.New[string, float64](
			ttlcache.WithTTL[string, float64](opts.CacheTTL),
			ttlcache.WithDisableTouchOnHit[string, float64](),
		),
	}
}

// Start sweeps expired cells until ctx is done.
func (m *MemoryEstimator) Start(ctx context.Context) {
	go m.demand.Start()
	go m.surge.Start()
	<-ctx.Done()
	m.demand.Stop()
	m.surge.Stop()
}

func (m *MemoryEstimator) RecordDemand(_ context.Context, lat, lon float64) error {
	key := CellKey(lat, lon)
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	if item := m.demand.Get(key); item != nil {
		n = item.Value()
	}
	n++
	m.demand.Set(key, n, ttlcache.DefaultTTL)
	m.surge.Set(key, MultiplierForDemand(n), ttlcache.DefaultTTL)
	return nil
}

func (m *MemoryEstimator) SurgeMultiplier(_ context.Context, lat, lon float64) (float64, error) {
	key := CellKey(lat, lon)
	m.mu.Lock()
	defer m.mu.Unlock()
	if item := m.surge.Get(key); item != nil {
		return item.Value(), nil
	}
	m.surge.Set(key, 1.0, ttlcache.DefaultTTL)
	return 1.0, nil
}

func (m *MemoryEstimator) Demand(_ context.Context, lat, lon float64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if item := m.demand.Get(CellKey(lat, lon)); item != nil {
		return item.Value(), nil
	}
	return 0, nil
}
