package surge

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

const (
	demandPrefix = "surge:demand:"
	surgePrefix  = "surge:multiplier:"
)

// RedisEstimator shares demand counters across API instances.
type RedisEstimator struct {
	client *redis.Client
	opts   Options
}

func NewRedisEstimator(client *redis.Client, opts Options) *RedisEstimator {
	return &RedisEstimator{client: client, opts: opts.withDefaults()}
}

func (r *RedisEstimator) RecordDemand(ctx context.Context, lat, lon float64) error {
	key := CellKey(lat, lon)
	var incr *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		incr = p.Incr(ctx, demandPrefix+key)
		p.Expire(ctx, demandPrefix+key, r.opts.DemandTTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("record demand %s: %w", key, err)
	}
	m := MultiplierForDemand(incr.Val())
	if err := r.client.Set(ctx, surgePrefix+key, strconv.FormatFloat(m, 'f', -1, 64), r.opts.CacheTTL).Err(); err != nil {
		return fmt.Errorf("cache surge %s: %w", key, err)
	}
	return nil
}

func (r *RedisEstimator) SurgeMultiplier(ctx context.Context, lat, lon float64) (float64, error) {
	key := CellKey(lat, lon)
	v, err := r.client.Get(ctx, surgePrefix+key).Result()
	if errors.Is(err, redis.Nil) {
		if err := r.client.Set(ctx, surgePrefix+key, "1.0", r.opts.CacheTTL).Err(); err != nil {
			return 0, fmt.Errorf("cache surge %s: %w", key, err)
		}
		return 1.0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read surge %s: %w", key, err)
	}
	m, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("parse surge %s: %w", key, err)
	}
	return m, nil
}

func (r *RedisEstimator) Demand(ctx context.Context, lat, lon float64) (int64, error) {
	n, err := r.client.Get(ctx, demandPrefix+CellKey(lat, lon)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return n, err
}
