package eventlog

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/example/ride-dispatch/internal/models"
)

// Memory is the in-process log. Ride event subscribers are called
// synchronously in publish order; location subscribers get a buffered channel
// and pings that do not fit are dropped.
type Memory struct {
	mu        sync.Mutex
	rides     map[string][]models.RideEvent
	locations map[string][]models.LocationPing
	eventSubs []func(models.RideEvent)
	pingSubs  []chan models.LocationPing
	dropped   atomic.Int64
	keep      int
}

// NewMemory keeps at most keep pings per driver; 0 keeps none.
func NewMemory(keep int) *Memory {
	return &Memory{
		rides:     make(map[string][]models.RideEvent),
		locations: make(map[string][]models.LocationPing),
		keep:      keep,
	}
}

// SubscribeRideEvents registers fn for every event published from now on.
func (m *Memory) SubscribeRideEvents(fn func(models.RideEvent)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.eventSubs = append(m.eventSubs, fn)
}

func (m *Memory) SubscribeLocations(buffer int) <-chan models.LocationPing {
	ch := make(chan models.LocationPing, buffer)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pingSubs = append(m.pingSubs, ch)
	return ch
}

func (m *Memory) PublishRideEvents(_ context.Context, events []models.RideEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range events {
		m.rides[e.RideID] = append(m.rides[e.RideID], e)
		for _, fn := range m.eventSubs {
			fn(e)
		}
	}
	return nil
}

func (m *Memory) PublishLocation(_ context.Context, p models.LocationPing) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.keep > 0 {
		h := append(m.locations[p.DriverID], p)
		if len(h) > m.keep {
			h = h[len(h)-m.keep:]
		}
		m.locations[p.DriverID] = h
	}
	for _, ch := range m.pingSubs {
		select {
		case ch <- p:
		default:
			m.dropped.Add(1)
		}
	}
	return nil
}

// RideHistory returns the events published for a ride, oldest first.
func (m *Memory) RideHistory(rideID string) []models.RideEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.RideEvent(nil), m.rides[rideID]...)
}

func (m *Memory) LocationHistory(driverID string) []models.LocationPing {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.LocationPing(nil), m.locations[driverID]...)
}

func (m *Memory) Dropped() int64 { return m.dropped.Load() }

// Close ends every location subscription.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ch := range m.pingSubs {
		close(ch)
	}
	m.pingSubs = nil
	return nil
}
