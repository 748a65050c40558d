package storage

import (
	"context"
	"maps"
	"sort"
	"sync"

	"github.com/example/ride-dispatch/internal/models"
)

// MemoryStore keeps everything in maps. One mutex is held for the whole
// transaction, so transactions are serializable; a failed transaction replays
// its undo log in reverse.
type MemoryStore struct {
	mu sync.Mutex

	riders      map[string]models.Rider
	drivers     map[string]models.Driver
	rides       map[string]models.Ride
	assignments map[string]models.RideAssignment // by assignment id
	trips       map[string]models.Trip
	payments    map[string]models.Payment
	events      map[string][]models.RideEvent
	seq         int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		riders:      make(map[string]models.Rider),
		drivers:     make(map[string]models.Driver),
		rides:       make(map[string]models.Ride),
		assignments: make(map[string]models.RideAssignment),
		trips:       make(map[string]models.Trip),
		payments:    make(map[string]models.Payment),
		events:      make(map[string][]models.RideEvent),
	}
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

func (m *MemoryStore) WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	tx := &memTx{s: m}
	if err := fn(ctx, tx); err != nil {
		for i := len(tx.undo) - 1; i >= 0; i-- {
			tx.undo[i]()
		}
		return err
	}
	return nil
}

type memTx struct {
	s    *MemoryStore
	undo []func()
}

// track records how to restore key in table before it is overwritten.
func track[V any](tx *memTx, table map[string]V, key string) {
	prev, existed := table[key]
	tx.undo = append(tx.undo, func() {
		if existed {
			table[key] = prev
		} else {
			delete(table, key)
		}
	})
}

func (tx *memTx) GetRider(_ context.Context, id string) (*models.Rider, error) {
	r, ok := tx.s.riders[id]
	if !ok {
		return nil, models.NotFound("rider", id)
	}
	return &r, nil
}

func (tx *memTx) InsertRider(_ context.Context, r *models.Rider) error {
	if _, ok := tx.s.riders[r.ID]; ok {
		return models.Duplicate("rider %s already exists", r.ID)
	}
	for _, o := range tx.s.riders {
		if o.Email == r.Email || o.Phone == r.Phone {
			return models.Duplicate("rider email or phone already registered")
		}
	}
	track(tx, tx.s.riders, r.ID)
	tx.s.riders[r.ID] = *r
	return nil
}

func (tx *memTx) GetDriver(_ context.Context, id string) (*models.Driver, error) {
	d, ok := tx.s.drivers[id]
	if !ok {
		return nil, models.NotFound("driver", id)
	}
	if d.Loc != nil {
		loc := *d.Loc
		d.Loc = &loc
	}
	return &d, nil
}

func (tx *memTx) InsertDriver(_ context.Context, d *models.Driver) error {
	if _, ok := tx.s.drivers[d.ID]; ok {
		return models.Duplicate("driver %s already exists", d.ID)
	}
	for _, o := range tx.s.drivers {
		if o.Email == d.Email || o.Phone == d.Phone {
			return models.Duplicate("driver email or phone already registered")
		}
	}
	return tx.putDriver(d)
}

func (tx *memTx) SaveDriver(_ context.Context, d *models.Driver) error {
	if _, ok := tx.s.drivers[d.ID]; !ok {
		return models.NotFound("driver", d.ID)
	}
	return tx.putDriver(d)
}

func (tx *memTx) putDriver(d *models.Driver) error {
	cp := *d
	if d.Loc != nil {
		loc := *d.Loc
		cp.Loc = &loc
	}
	track(tx, tx.s.drivers, d.ID)
	tx.s.drivers[d.ID] = cp
	return nil
}

func (tx *memTx) GetRide(_ context.Context, id string) (*models.Ride, error) {
	r, ok := tx.s.rides[id]
	if !ok {
		return nil, models.NotFound("ride", id)
	}
	return &r, nil
}

func (tx *memTx) RideByIdempotencyKey(_ context.Context, key string) (*models.Ride, error) {
	for _, r := range tx.s.rides {
		if r.IdempotencyKey == key {
			return &r, nil
		}
	}
	return nil, models.NotFound("ride with idempotency key", key)
}

func (tx *memTx) HasActiveRide(_ context.Context, riderID string) (bool, error) {
	for _, r := range tx.s.rides {
		if r.RiderID != riderID {
			continue
		}
		switch r.Status {
		case models.RideRequested, models.RideMatching, models.RideMatched:
			return true, nil
		case models.RideAccepted:
			if t, ok := tx.tripByRide(r.ID); !ok || t.Status != models.TripCompleted {
				return true, nil
			}
		}
	}
	return false, nil
}

func (tx *memTx) InsertRide(_ context.Context, r *models.Ride) error {
	if _, ok := tx.s.rides[r.ID]; ok {
		return models.Duplicate("ride %s already exists", r.ID)
	}
	for _, o := range tx.s.rides {
		if o.IdempotencyKey == r.IdempotencyKey {
			return models.Duplicate("idempotency key %s already used", r.IdempotencyKey)
		}
	}
	track(tx, tx.s.rides, r.ID)
	tx.s.rides[r.ID] = *r
	return nil
}

func (tx *memTx) UpdateRide(_ context.Context, r *models.Ride) error {
	if _, ok := tx.s.rides[r.ID]; !ok {
		return models.NotFound("ride", r.ID)
	}
	track(tx, tx.s.rides, r.ID)
	tx.s.rides[r.ID] = *r
	return nil
}

func (tx *memTx) findAssignment(match func(models.RideAssignment) bool) (models.RideAssignment, bool) {
	for _, a := range tx.s.assignments {
		if match(a) {
			return a, true
		}
	}
	return models.RideAssignment{}, false
}

func (tx *memTx) AssignmentExists(_ context.Context, rideID, driverID string) (bool, error) {
	_, ok := tx.findAssignment(func(a models.RideAssignment) bool {
		return a.RideID == rideID && a.DriverID == driverID
	})
	return ok, nil
}

func (tx *memTx) GetAssignment(_ context.Context, rideID, driverID string) (*models.RideAssignment, error) {
	a, ok := tx.findAssignment(func(a models.RideAssignment) bool {
		return a.RideID == rideID && a.DriverID == driverID
	})
	if !ok {
		return nil, models.NotFound("assignment", rideID+"/"+driverID)
	}
	return copyAssignment(a), nil
}

func (tx *memTx) OfferedAssignment(_ context.Context, rideID string) (*models.RideAssignment, error) {
	a, ok := tx.findAssignment(func(a models.RideAssignment) bool {
		return a.RideID == rideID && a.Status == models.AssignmentOffered
	})
	if !ok {
		return nil, models.NotFound("offered assignment for ride", rideID)
	}
	return copyAssignment(a), nil
}

func (tx *memTx) CountAssignments(_ context.Context, rideID string) (int, error) {
	n := 0
	for _, a := range tx.s.assignments {
		if a.RideID == rideID {
			n++
		}
	}
	return n, nil
}

func (tx *memTx) InsertAssignment(_ context.Context, a *models.RideAssignment) error {
	for _, o := range tx.s.assignments {
		if o.RideID != a.RideID {
			continue
		}
		if o.DriverID == a.DriverID {
			return models.Duplicate("driver %s already offered ride %s", a.DriverID, a.RideID)
		}
		if a.Status == models.AssignmentOffered && o.Status == models.AssignmentOffered {
			return models.Duplicate("ride %s already has a live offer", a.RideID)
		}
	}
	track(tx, tx.s.assignments, a.ID)
	tx.s.assignments[a.ID] = *copyAssignment(*a)
	return nil
}

func (tx *memTx) UpdateAssignment(_ context.Context, a *models.RideAssignment) error {
	if _, ok := tx.s.assignments[a.ID]; !ok {
		return models.NotFound("assignment", a.ID)
	}
	if a.Status == models.AssignmentOffered {
		for id, o := range tx.s.assignments {
			if id != a.ID && o.RideID == a.RideID && o.Status == models.AssignmentOffered {
				return models.Duplicate("ride %s already has a live offer", a.RideID)
			}
		}
	}
	track(tx, tx.s.assignments, a.ID)
	tx.s.assignments[a.ID] = *copyAssignment(*a)
	return nil
}

func copyAssignment(a models.RideAssignment) *models.RideAssignment {
	if a.RespondedAt != nil {
		at := *a.RespondedAt
		a.RespondedAt = &at
	}
	return &a
}

func (tx *memTx) PendingOffers(_ context.Context, driverID string) ([]models.PendingOffer, error) {
	var out []models.PendingOffer
	for _, a := range tx.s.assignments {
		if a.DriverID != driverID || a.Status != models.AssignmentOffered {
			continue
		}
		r, ok := tx.s.rides[a.RideID]
		if !ok {
			continue
		}
		out = append(out, models.PendingOffer{
			RideID:          r.ID,
			RiderID:         r.RiderID,
			Pickup:          r.Pickup,
			Destination:     r.Destination,
			Tier:            r.Tier,
			EstimatedFare:   r.EstimatedFare,
			SurgeMultiplier: r.SurgeMultiplier,
			OfferedAt:       a.OfferedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OfferedAt.Before(out[j].OfferedAt) })
	return out, nil
}

func (tx *memTx) tripByRide(rideID string) (models.Trip, bool) {
	for _, t := range tx.s.trips {
		if t.RideID == rideID {
			return t, true
		}
	}
	return models.Trip{}, false
}

func copyTrip(t models.Trip) *models.Trip {
	if t.End != nil {
		end := *t.End
		t.End = &end
	}
	if t.EndedAt != nil {
		at := *t.EndedAt
		t.EndedAt = &at
	}
	return &t
}

func (tx *memTx) GetTrip(_ context.Context, id string) (*models.Trip, error) {
	t, ok := tx.s.trips[id]
	if !ok {
		return nil, models.NotFound("trip", id)
	}
	return copyTrip(t), nil
}

func (tx *memTx) TripByRide(_ context.Context, rideID string) (*models.Trip, error) {
	t, ok := tx.tripByRide(rideID)
	if !ok {
		return nil, models.NotFound("trip for ride", rideID)
	}
	return copyTrip(t), nil
}

func (tx *memTx) InsertTrip(_ context.Context, t *models.Trip) error {
	if _, ok := tx.s.trips[t.ID]; ok {
		return models.Duplicate("trip %s already exists", t.ID)
	}
	if _, ok := tx.tripByRide(t.RideID); ok {
		return models.Duplicate("ride %s already has a trip", t.RideID)
	}
	track(tx, tx.s.trips, t.ID)
	tx.s.trips[t.ID] = *copyTrip(*t)
	return nil
}

func (tx *memTx) UpdateTrip(_ context.Context, t *models.Trip) error {
	if _, ok := tx.s.trips[t.ID]; !ok {
		return models.NotFound("trip", t.ID)
	}
	track(tx, tx.s.trips, t.ID)
	tx.s.trips[t.ID] = *copyTrip(*t)
	return nil
}

func (tx *memTx) PaymentByIdempotencyKey(_ context.Context, key string) (*models.Payment, error) {
	for _, p := range tx.s.payments {
		if p.IdempotencyKey == key {
			return &p, nil
		}
	}
	return nil, models.NotFound("payment with idempotency key", key)
}

func (tx *memTx) SuccessfulPaymentForTrip(_ context.Context, tripID string) (*models.Payment, error) {
	for _, p := range tx.s.payments {
		if p.TripID == tripID && p.Status == models.PaymentSuccess {
			return &p, nil
		}
	}
	return nil, models.NotFound("successful payment for trip", tripID)
}

func (tx *memTx) InsertPayment(_ context.Context, p *models.Payment) error {
	if _, ok := tx.s.payments[p.ID]; ok {
		return models.Duplicate("payment %s already exists", p.ID)
	}
	for _, o := range tx.s.payments {
		if o.IdempotencyKey == p.IdempotencyKey {
			return models.Duplicate("idempotency key %s already used", p.IdempotencyKey)
		}
	}
	track(tx, tx.s.payments, p.ID)
	tx.s.payments[p.ID] = *p
	return nil
}

func (tx *memTx) UpdatePayment(_ context.Context, p *models.Payment) error {
	if _, ok := tx.s.payments[p.ID]; !ok {
		return models.NotFound("payment", p.ID)
	}
	track(tx, tx.s.payments, p.ID)
	tx.s.payments[p.ID] = *p
	return nil
}

func (tx *memTx) AppendEvent(_ context.Context, e *models.RideEvent) error {
	tx.s.seq++
	e.Seq = tx.s.seq
	cp := *e
	cp.Metadata = maps.Clone(e.Metadata)
	track(tx, tx.s.events, e.RideID)
	tx.s.events[e.RideID] = append(tx.s.events[e.RideID], cp)
	return nil
}

func (tx *memTx) RideEvents(_ context.Context, rideID string) ([]models.RideEvent, error) {
	evs := tx.s.events[rideID]
	out := make([]models.RideEvent, len(evs))
	for i, e := range evs {
		out[i] = e
		out[i].Metadata = maps.Clone(e.Metadata)
	}
	return out, nil
}
