package main

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/models"
)

// fakeUpdater implements RedisUpdater for tests
type fakeUpdater struct {
	failGeo  int // number of times to fail GeoAdd before succeeding
	failH    int // number of times to fail HSet before succeeding
	geoCalls int
	hCalls   int
	lastKey  string
}

func (f *fakeUpdater) GeoAdd(ctx context.Context, key string, loc *redis.GeoLocation) error {
	f.geoCalls++
	f.lastKey = key
	if f.geoCalls <= f.failGeo {
		return errors.New("geo fail")
	}
	return nil
}

func (f *fakeUpdater) HSet(ctx context.Context, key string, values map[string]interface{}) error {
	f.hCalls++
	if f.hCalls <= f.failH {
		return errors.New("hset fail")
	}
	return nil
}

func ping() *models.LocationPing {
	return &models.LocationPing{
		DriverID:  "d1",
		Loc:       models.Coord{Lat: 12.9352, Lon: 77.6245},
		Tier:      models.TierSedan,
		Status:    models.DriverAvailable,
		Timestamp: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func TestUpdateRedisWithRetry_SucceedsAfterRetries(t *testing.T) {
	f := &fakeUpdater{failGeo: 1, failH: 1}
	ctx := context.Background()
	start := time.Now()
	if err := updateRedisWithRetry(ctx, f, "drivers_seen", ping(), 3, 10*time.Millisecond); err != nil {
		t.Fatalf("expected success, got err=%v", err)
	}
	if f.geoCalls < 2 || f.hCalls < 2 {
		t.Fatalf("expected retries, got geo=%d h=%d", f.geoCalls, f.hCalls)
	}
	if f.lastKey != "drivers_seen" {
		t.Fatalf("expected configured geo key, got %q", f.lastKey)
	}
	if time.Since(start) < 10*time.Millisecond {
		t.Fatalf("expected at least one backoff")
	}
}

func TestUpdateRedisWithRetry_FailsWhenExhausted(t *testing.T) {
	f := &fakeUpdater{failGeo: 5, failH: 0}
	ctx := context.Background()
	if err := updateRedisWithRetry(ctx, f, "drivers_seen", ping(), 3, 5*time.Millisecond); err == nil {
		t.Fatalf("expected error after retries")
	}
	if f.geoCalls != 3 {
		t.Fatalf("expected 3 attempts, got %d", f.geoCalls)
	}
}

func TestUpdateRedisWithRetry_StopsOnCancel(t *testing.T) {
	f := &fakeUpdater{failGeo: 5}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := updateRedisWithRetry(ctx, f, "drivers_seen", ping(), 3, time.Second); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestLocationHandlerWritesRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rc.Close()
	h := locationHandler(&redisAdapter{c: rc}, "drivers_seen", logging.Discard())

	b, _ := json.Marshal(ping())
	if err := h(context.Background(), kafka.Message{Value: b}); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if got := mr.HGet("driver:meta:d1", "status"); got != "AVAILABLE" {
		t.Fatalf("status = %q", got)
	}
	if got := mr.HGet("driver:meta:d1", "vehicle_tier"); got != "SEDAN" {
		t.Fatalf("tier = %q", got)
	}
	pos, err := rc.GeoPos(context.Background(), "drivers_seen", "d1").Result()
	if err != nil || len(pos) != 1 || pos[0] == nil {
		t.Fatalf("geo position missing: %v %v", pos, err)
	}

	if err := h(context.Background(), kafka.Message{Value: []byte("nope")}); err == nil {
		t.Fatalf("expected invalid message error")
	}
}

func TestRideTrackerSkipsStaleEvents(t *testing.T) {
	tr := newRideTracker(logging.Discard())
	msg := func(seq int64, typ models.EventType) kafka.Message {
		b, _ := json.Marshal(models.RideEvent{ID: "e", RideID: "r1", Seq: seq, Type: typ})
		return kafka.Message{Value: b}
	}
	ctx := context.Background()
	for _, m := range []kafka.Message{msg(1, models.EventRequested), msg(3, models.EventDriverAssigned), msg(2, models.EventRequested)} {
		if err := tr.handle(ctx, m); err != nil {
			t.Fatalf("handle: %v", err)
		}
	}
	if tr.lastSeq["r1"] != 3 {
		t.Fatalf("last seq = %d, want 3", tr.lastSeq["r1"])
	}
	if err := tr.handle(ctx, msg(4, models.EventCancelled)); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if _, ok := tr.lastSeq["r1"]; ok {
		t.Fatalf("terminal event should forget the ride")
	}
	if err := tr.handle(ctx, kafka.Message{Value: []byte("{}")}); err == nil {
		t.Fatalf("expected error for event without ride id")
	}
}
