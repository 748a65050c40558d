// Package outbox runs a unit of work in one store transaction and applies its
// side effects only after the transaction commits. Ride events are persisted
// inside the transaction and published afterwards in emission order;
// notifications and driver-pool changes are best effort.
//
// A unit of work that emits for a ride holds that ride's publish lock from
// its first Emit until its events are published, so units touching the same
// ride reach the event log in commit order.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/storage"
)

// ErrPublish wraps event log failures. The state change and its events are
// committed; only delivery to observers failed.
var ErrPublish = errors.New("ride events committed but not published")

type Publisher interface {
	PublishRideEvents(ctx context.Context, events []models.RideEvent) error
}

type Runner struct {
	store     storage.Store
	publisher Publisher
	notifier  dispatch.Notifier
	logger    *slog.Logger
	now       func() time.Time
	rides     *keyLocks
}

func NewRunner(store storage.Store, publisher Publisher, notifier dispatch.Notifier, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{store: store, publisher: publisher, notifier: notifier, logger: logger, now: time.Now, rides: newKeyLocks()}
}

// WithClock overrides the time source. Used by tests.
func (r *Runner) WithClock(now func() time.Time) *Runner {
	r.now = now
	return r
}

// Batch collects the side effects of one unit of work.
type Batch struct {
	tx         storage.Tx
	now        time.Time
	locks      *keyLocks
	held       []string
	events     []models.RideEvent
	notes      []dispatch.Notification
	afterFns   []func(ctx context.Context) error
	prepareFns []func(ctx context.Context)
	rollbackFn []func(ctx context.Context)
}

// Now is the timestamp shared by every change in the batch.
func (b *Batch) Now() time.Time { return b.now }

// Emit appends a ride event to the log inside the transaction. The first event
// for a ride waits for earlier units of work on that ride to finish
// publishing.
func (b *Batch) Emit(ctx context.Context, ride *models.Ride, driverID string, typ models.EventType, meta map[string]string) error {
	if !b.holds(ride.ID) {
		if err := b.locks.lock(ctx, ride.ID); err != nil {
			return fmt.Errorf("wait for ride %s publish: %w", ride.ID, err)
		}
		b.held = append(b.held, ride.ID)
	}
	e := models.RideEvent{
		ID:         uuid.NewString(),
		RideID:     ride.ID,
		RiderID:    ride.RiderID,
		DriverID:   driverID,
		Type:       typ,
		OccurredAt: b.now,
		Metadata:   meta,
	}
	if err := b.tx.AppendEvent(ctx, &e); err != nil {
		return fmt.Errorf("append %s event: %w", typ, err)
	}
	b.events = append(b.events, e)
	return nil
}

func (b *Batch) NotifyRider(riderID, kind string, payload map[string]any) {
	b.notes = append(b.notes, dispatch.Notification{Audience: dispatch.Rider, RecipientID: riderID, Kind: kind, Payload: payload, SentAt: b.now})
}

func (b *Batch) NotifyDriver(driverID, kind string, payload map[string]any) {
	b.notes = append(b.notes, dispatch.Notification{Audience: dispatch.Driver, RecipientID: driverID, Kind: kind, Payload: payload, SentAt: b.now})
}

// AfterCommit schedules fn once the transaction has committed. Errors are
// logged.
func (b *Batch) AfterCommit(fn func(ctx context.Context) error) {
	b.afterFns = append(b.afterFns, fn)
}

// BeforeNotify schedules fn after the events are published and before
// notifications are sent. Slow lookups that only enrich a notification
// payload belong here, outside the transaction and the publish lock.
func (b *Batch) BeforeNotify(fn func(ctx context.Context)) {
	b.prepareFns = append(b.prepareFns, fn)
}

// OnRollback schedules fn if the transaction fails, e.g. to release a lock
// taken during the unit of work.
func (b *Batch) OnRollback(fn func(ctx context.Context)) {
	b.rollbackFn = append(b.rollbackFn, fn)
}

// Events returns what has been emitted so far.
func (b *Batch) Events() []models.RideEvent { return b.events }

// Run executes fn in a transaction. A failed fn rolls everything back and runs
// OnRollback hooks in reverse. After commit the AfterCommit hooks run, then
// the events are published, then BeforeNotify hooks run and notifications
// are sent.
func (r *Runner) Run(ctx context.Context, fn func(ctx context.Context, tx storage.Tx, b *Batch) error) error {
	var b *Batch
	defer func() {
		if b != nil {
			b.release()
		}
	}()
	err := r.store.WithinTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		// a retried transaction starts over with an empty batch
		if b != nil {
			b.release()
		}
		b = &Batch{tx: tx, now: r.now().UTC(), locks: r.rides}
		return fn(ctx, tx, b)
	})
	if err != nil {
		if b != nil {
			b.release()
			cleanup := context.WithoutCancel(ctx)
			for i := len(b.rollbackFn) - 1; i >= 0; i-- {
				b.rollbackFn[i](cleanup)
			}
		}
		return err
	}

	// the commit happened; finish side effects even if the caller went away
	ctx = context.WithoutCancel(ctx)
	for _, fn := range b.afterFns {
		if err := fn(ctx); err != nil {
			r.logger.Warn("post-commit action failed", "error", err)
		}
	}

	var pubErr error
	if len(b.events) > 0 {
		if err := r.publisher.PublishRideEvents(ctx, b.events); err != nil {
			observability.EventsPublished.WithLabelValues("failed").Add(float64(len(b.events)))
			r.logger.Error("ride event publish failed", "ride_id", b.events[0].RideID, "count", len(b.events), "error", err)
			pubErr = fmt.Errorf("%w: %v", ErrPublish, err)
		} else {
			observability.EventsPublished.WithLabelValues("ok").Add(float64(len(b.events)))
		}
	}
	b.release()

	for _, fn := range b.prepareFns {
		fn(ctx)
	}

	for _, n := range b.notes {
		if r.notifier == nil {
			break
		}
		if err := r.notifier.Notify(ctx, n); err != nil {
			r.logger.Debug("notification not delivered", "audience", n.Audience, "recipient", n.RecipientID, "kind", n.Kind, "error", err)
		}
	}
	return pubErr
}

func (b *Batch) holds(rideID string) bool {
	for _, id := range b.held {
		if id == rideID {
			return true
		}
	}
	return false
}

func (b *Batch) release() {
	for i := len(b.held) - 1; i >= 0; i-- {
		b.locks.unlock(b.held[i])
	}
	b.held = nil
}

// keyLocks is a set of mutexes created on demand and dropped when unused.
type keyLocks struct {
	mu sync.Mutex
	m  map[string]*keyLock
}

type keyLock struct {
	ch   chan struct{}
	refs int
}

func newKeyLocks() *keyLocks {
	return &keyLocks{m: make(map[string]*keyLock)}
}

func (l *keyLocks) lock(ctx context.Context, key string) error {
	l.mu.Lock()
	k, ok := l.m[key]
	if !ok {
		k = &keyLock{ch: make(chan struct{}, 1)}
		l.m[key] = k
	}
	k.refs++
	l.mu.Unlock()

	select {
	case k.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		l.drop(key, k)
		return ctx.Err()
	}
}

func (l *keyLocks) unlock(key string) {
	l.mu.Lock()
	k := l.m[key]
	l.mu.Unlock()
	<-k.ch
	l.drop(key, k)
}

func (l *keyLocks) drop(key string, k *keyLock) {
	l.mu.Lock()
	k.refs--
	if k.refs == 0 {
		delete(l.m, key)
	}
	l.mu.Unlock()
}
