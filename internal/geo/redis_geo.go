package geo

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/models"
)

const (
	availablePrefix = "driver:available:"
	lockPrefix      = "driver:lock:"

	availabilityPage = 100
)

// RedisIndex implements DriverIndex with Redis GEO commands. Availability is a
// plain key with a TTL holding the driver's tier; the offer lock is SET NX EX.
type RedisIndex struct {
	client *redis.Client
	geoKey string
	opts   Options
}

func NewRedisIndex(client *redis.Client, geoKey string, opts Options) *RedisIndex {
	return &RedisIndex{client: client, geoKey: geoKey, opts: opts.withDefaults()}
}

func (r *RedisIndex) Upsert(ctx context.Context, driverID string, lat, lon float64, tier models.Tier) error {
	// GEO uses (longitude, latitude) order
	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.GeoAdd(ctx, r.geoKey, &redis.GeoLocation{Longitude: lon, Latitude: lat, Name: driverID})
		p.Set(ctx, availablePrefix+driverID, string(tier), r.opts.AvailabilityTTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("upsert driver %s: %w", driverID, err)
	}
	return nil
}

// Nearby reads every member within the radius, nearest first, and checks
// availability in pages until MaxResults drivers of the tier are found. The
// cap applies after filtering, as in Index.
func (r *RedisIndex) Nearby(ctx context.Context, lat, lon, radiusKm float64, tier models.Tier) ([]string, error) {
	res, err := r.client.GeoRadius(ctx, r.geoKey, lon, lat, &redis.GeoRadiusQuery{
		Radius: radiusKm,
		Unit:   "km",
		Sort:   "ASC",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("georadius: %w", err)
	}
	var out []string
	for start := 0; start < len(res) && len(out) < r.opts.MaxResults; start += availabilityPage {
		page := res[start:min(start+availabilityPage, len(res))]
		keys := make([]string, len(page))
		for i, g := range page {
			keys[i] = availablePrefix + g.Name
		}
		tiers, err := r.client.MGet(ctx, keys...).Result()
		if err != nil {
			return nil, fmt.Errorf("availability lookup: %w", err)
		}
		for i, v := range tiers {
			// nil means the availability key expired: the driver stopped reporting
			if s, ok := v.(string); ok && models.Tier(s) == tier {
				out = append(out, page[i].Name)
				if len(out) == r.opts.MaxResults {
					break
				}
			}
		}
	}
	return out, nil
}

func (r *RedisIndex) TryLock(ctx context.Context, driverID, rideID string, lease time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, lockPrefix+driverID, rideID, lease).Result()
	if err != nil {
		return false, fmt.Errorf("lock driver %s: %w", driverID, err)
	}
	return ok, nil
}

func (r *RedisIndex) Unlock(ctx context.Context, driverID string) error {
	return r.client.Del(ctx, lockPrefix+driverID).Err()
}

func (r *RedisIndex) RemoveAvailability(ctx context.Context, driverID string) error {
	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, availablePrefix+driverID)
		p.ZRem(ctx, r.geoKey, driverID)
		return nil
	})
	return err
}
