package eta

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/models"
)

var (
	pickup = models.Coord{Lat: 12.9716, Lon: 77.5946}
	dest   = models.Coord{Lat: 12.9352, Lon: 77.6245}
)

type countingClient struct {
	calls int
	v     float64
	err   error
}

func (c *countingClient) EstimateSeconds(context.Context, models.Coord, models.Coord) (float64, error) {
	c.calls++
	return c.v, c.err
}

func TestEstimateSecondsDefaultSpeed(t *testing.T) {
	got := EstimateSeconds(pickup, dest, 0)
	want := EstimateSeconds(pickup, dest, 8)
	if got != want || got <= 0 {
		t.Fatalf("expected default speed of 8 m/s, got %f want %f", got, want)
	}
}

func TestEstimatorCachesRoutedValue(t *testing.T) {
	routing := &countingClient{v: 321}
	est := NewEstimator(routing, NewCache(time.Minute), 8, logging.Discard())

	for i := 0; i < 3; i++ {
		v, err := est.EstimateSeconds(context.Background(), pickup, dest)
		if err != nil || v != 321 {
			t.Fatalf("unexpected result %f %v", v, err)
		}
	}
	if routing.calls != 1 {
		t.Fatalf("expected one routing call, got %d", routing.calls)
	}
}

func TestEstimatorFallsBack(t *testing.T) {
	est := NewEstimator(&countingClient{err: errors.New("down")}, nil, 10, logging.Discard())
	v, err := est.EstimateSeconds(context.Background(), pickup, dest)
	if err != nil {
		t.Fatal(err)
	}
	if want := EstimateSeconds(pickup, dest, 10); v != want {
		t.Fatalf("expected fallback %f, got %f", want, v)
	}
}

func TestOSRMClient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/route/v1/driving/77.594600,12.971600;") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"code":"Ok","routes":[{"duration":412.5}]}`))
	}))
	defer srv.Close()

	v, err := NewOSRMClient(srv.URL).EstimateSeconds(context.Background(), pickup, dest)
	if err != nil || v != 412.5 {
		t.Fatalf("unexpected result %f %v", v, err)
	}
}

func TestOSRMClientNoRoute(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"code":"NoRoute","routes":[]}`))
	}))
	defer srv.Close()

	if _, err := NewOSRMClient(srv.URL).EstimateSeconds(context.Background(), pickup, dest); err == nil {
		t.Fatal("expected error")
	}
}
