package ride

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/eventlog"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/outbox"
	"github.com/example/ride-dispatch/internal/storage"
	"github.com/example/ride-dispatch/internal/surge"
)

var (
	koramangala = models.Coord{Lat: 12.9352, Lon: 77.6245}
	mgRoad      = models.Coord{Lat: 12.9716, Lon: 77.5946}
)

type notes struct {
	mu  sync.Mutex
	got []dispatch.Notification
}

func (n *notes) Notify(_ context.Context, x dispatch.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.got = append(n.got, x)
	return nil
}

func (n *notes) last(a dispatch.Audience, id string) (dispatch.Notification, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i := len(n.got) - 1; i >= 0; i-- {
		if n.got[i].Audience == a && n.got[i].RecipientID == id {
			return n.got[i], true
		}
	}
	return dispatch.Notification{}, false
}

type failingPublisher struct{}

func (failingPublisher) PublishRideEvents(context.Context, []models.RideEvent) error {
	return errors.New("broker unavailable")
}

// stallingPublisher holds its first batch until release is closed.
type stallingPublisher struct {
	next    outbox.Publisher
	once    sync.Once
	stalled chan struct{}
	release chan struct{}
}

func newStallingPublisher(next outbox.Publisher) *stallingPublisher {
	return &stallingPublisher{next: next, stalled: make(chan struct{}), release: make(chan struct{})}
}

func (p *stallingPublisher) PublishRideEvents(ctx context.Context, evs []models.RideEvent) error {
	first := false
	p.once.Do(func() { first = true })
	if first {
		close(p.stalled)
		<-p.release
	}
	return p.next.PublishRideEvents(ctx, evs)
}

type fixture struct {
	t     *testing.T
	store *storage.MemoryStore
	index *geo.Index
	surge *surge.MemoryEstimator
	log   *eventlog.Memory
	notes *notes
	svc   *Service
}

func newFixture(t *testing.T) *fixture {
	return newFixtureWith(t, nil)
}

func newFixtureWith(t *testing.T, pub outbox.Publisher) *fixture {
	f := &fixture{
		t:     t,
		store: storage.NewMemoryStore(),
		index: geo.NewIndex(geo.Options{}),
		surge: surge.NewMemoryEstimator(surge.Options{}),
		log:   eventlog.NewMemory(0),
		notes: &notes{},
	}
	if pub == nil {
		pub = f.log
	}
	runner := outbox.NewRunner(f.store, pub, f.notes, logging.Discard())
	engine := matcher.NewEngine(f.index, runner, eta.Straight{SpeedMps: 8}, matcher.Config{}, logging.Discard())
	f.svc = NewService(f.store, runner, engine, f.index, f.surge, logging.Discard())
	return f
}

func (f *fixture) rider(id string) {
	f.t.Helper()
	require.NoError(f.t, f.store.WithinTx(context.Background(), func(ctx context.Context, tx storage.Tx) error {
		return tx.InsertRider(ctx, &models.Rider{ID: id, Name: id, Email: id + "@example.com", Phone: id})
	}))
}

// driver puts an AVAILABLE sedan driver dKm north of Koramangala.
func (f *fixture) driver(id string, dKm float64) {
	f.t.Helper()
	loc := models.Coord{Lat: koramangala.Lat + dKm/111.2, Lon: koramangala.Lon}
	require.NoError(f.t, f.store.WithinTx(context.Background(), func(ctx context.Context, tx storage.Tx) error {
		return tx.InsertDriver(ctx, &models.Driver{ID: id, Name: "Driver " + id, Email: id + "@example.com", Phone: id,
			Tier: models.TierSedan, Status: models.DriverAvailable, Loc: &loc})
	}))
	require.NoError(f.t, f.index.Upsert(context.Background(), id, loc.Lat, loc.Lon, models.TierSedan))
}

func (f *fixture) driverStatus(id string) models.DriverStatus {
	f.t.Helper()
	var st models.DriverStatus
	require.NoError(f.t, f.store.WithinTx(context.Background(), func(ctx context.Context, tx storage.Tx) error {
		d, err := tx.GetDriver(ctx, id)
		if err != nil {
			return err
		}
		st = d.Status
		return nil
	}))
	return st
}

func (f *fixture) locked(driverID string) bool {
	ok, _ := f.index.TryLock(context.Background(), driverID, "lock-check", time.Second)
	if ok {
		_ = f.index.Unlock(context.Background(), driverID)
	}
	return !ok
}

func request(riderID, key string) CreateRideRequest {
	pickup, dest := koramangala, mgRoad
	return CreateRideRequest{
		RiderID:        riderID,
		Pickup:         &pickup,
		Destination:    &dest,
		Tier:           models.TierSedan,
		PaymentMethod:  models.PaymentCard,
		IdempotencyKey: key,
	}
}

func eventTypes(evs []models.RideEvent) []models.EventType {
	out := make([]models.EventType, 0, len(evs))
	for _, e := range evs {
		out = append(out, e.Type)
	}
	return out
}

func TestCreateRideMatchesNearestDriver(t *testing.T) {
	f := newFixture(t)
	f.rider("u1")
	f.driver("d1", 0.5)

	r, err := f.svc.CreateRide(context.Background(), request("u1", "k1"))
	require.NoError(t, err)

	assert.Equal(t, models.RideMatched, r.Status)
	assert.Equal(t, 1.0, r.SurgeMultiplier)
	assert.Equal(t, surge.Fare(models.TierSedan, geo.DistanceKm(koramangala, mgRoad), 1), r.EstimatedFare)
	assert.InDelta(t, 62.4, r.EstimatedFare, 1.5)
	assert.Equal(t, models.PaymentCard, r.PaymentMethod)
	assert.True(t, f.locked("d1"))

	offers, err := f.svc.ListPendingOffers(context.Background(), "d1")
	require.NoError(t, err)
	require.Len(t, offers, 1)
	assert.Equal(t, r.ID, offers[0].RideID)
	assert.Equal(t, r.EstimatedFare, offers[0].EstimatedFare)

	n, ok := f.notes.last(dispatch.Driver, "d1")
	require.True(t, ok)
	assert.Equal(t, dispatch.KindRideOffer, n.Kind)
	assert.Equal(t, []models.EventType{models.EventRequested}, eventTypes(f.log.RideHistory(r.ID)))
}

func TestCreateRideIdempotentReplay(t *testing.T) {
	f := newFixture(t)
	f.rider("u1")
	ctx := context.Background()

	first, err := f.svc.CreateRide(ctx, request("u1", "same-key"))
	require.NoError(t, err)
	second, err := f.svc.CreateRide(ctx, request("u1", "same-key"))
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	demand, err := f.surge.Demand(ctx, koramangala.Lat, koramangala.Lon)
	require.NoError(t, err)
	assert.Equal(t, int64(1), demand, "a replay does not count as demand")
	assert.Len(t, f.log.RideHistory(first.ID), 2, "REQUESTED then NO_DRIVERS, once")
}

func TestCreateRideGeneratesKeyWhenAbsent(t *testing.T) {
	f := newFixture(t)
	f.rider("u1")

	r, err := f.svc.CreateRide(context.Background(), CreateRideRequest{
		RiderID: "u1", Pickup: &koramangala, Destination: &mgRoad, Tier: models.TierAuto,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, r.IdempotencyKey)
	assert.Equal(t, models.PaymentCash, r.PaymentMethod)
	assert.Equal(t, models.RideNoDriversAvailable, r.Status)
}

func TestCreateRideRejections(t *testing.T) {
	f := newFixture(t)
	f.rider("u1")
	f.driver("d1", 0.5)
	ctx := context.Background()

	_, err := f.svc.CreateRide(ctx, request("ghost", ""))
	assert.ErrorIs(t, err, models.ErrNotFound)

	bad := request("u1", "")
	bad.Tier = "BIKE"
	_, err = f.svc.CreateRide(ctx, bad)
	var verr *models.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "vehicle_tier", verr.Fields[0].Field)

	bad = request("u1", "")
	bad.Pickup.Lat = 91
	_, err = f.svc.CreateRide(ctx, bad)
	assert.ErrorIs(t, err, models.ErrValidation)

	bad = request("u1", "")
	bad.Pickup, bad.Destination = nil, nil
	_, err = f.svc.CreateRide(ctx, bad)
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, []models.FieldError{
		{Field: "pickup", Reason: "is required"},
		{Field: "destination", Reason: "is required"},
	}, verr.Fields)

	_, err = f.svc.CreateRide(ctx, request("u1", "a"))
	require.NoError(t, err)
	_, err = f.svc.CreateRide(ctx, request("u1", "b"))
	assert.ErrorIs(t, err, models.ErrDuplicateRequest, "rider already has an active ride")

	demand, _ := f.surge.Demand(ctx, koramangala.Lat, koramangala.Lon)
	assert.Equal(t, int64(1), demand, "rejected requests record no demand")
}

func TestCreateRideSurgePricesPriorDemand(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	var last *models.Ride
	for i := 0; i < 7; i++ {
		id := fmt.Sprintf("u%d", i)
		f.rider(id)
		r, err := f.svc.CreateRide(ctx, request(id, ""))
		require.NoError(t, err)
		if i < 6 {
			assert.Equal(t, 1.0, r.SurgeMultiplier, "request %d", i)
		}
		last = r
	}
	assert.Equal(t, 1.2, last.SurgeMultiplier)
	assert.Equal(t, surge.Fare(models.TierSedan, geo.DistanceKm(koramangala, mgRoad), 1.2), last.EstimatedFare)
}

func TestConcurrentRidesGetOneOfferPerDriver(t *testing.T) {
	f := newFixture(t)
	f.driver("d1", 0.5)
	const riders = 8
	for i := 0; i < riders; i++ {
		f.rider(fmt.Sprintf("u%d", i))
	}

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		rides []*models.Ride
	)
	for i := 0; i < riders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, err := f.svc.CreateRide(context.Background(), request(fmt.Sprintf("u%d", i), ""))
			if assert.NoError(t, err) {
				mu.Lock()
				rides = append(rides, r)
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	matched := 0
	for _, r := range rides {
		if r.Status == models.RideMatched {
			matched++
		} else {
			assert.Equal(t, models.RideNoDriversAvailable, r.Status)
		}
	}
	assert.Equal(t, 1, matched)
	offers, err := f.svc.ListPendingOffers(context.Background(), "d1")
	require.NoError(t, err)
	assert.Len(t, offers, 1)
}

func TestAcceptRideStartsTrip(t *testing.T) {
	f := newFixture(t)
	f.rider("u1")
	f.driver("d1", 0.5)
	ctx := context.Background()
	r, err := f.svc.CreateRide(ctx, request("u1", ""))
	require.NoError(t, err)

	ride, trip, err := f.svc.AcceptRide(ctx, "d1", r.ID)
	require.NoError(t, err)

	assert.Equal(t, models.RideAccepted, ride.Status)
	assert.Equal(t, "d1", ride.AssignedDriverID)
	assert.Equal(t, models.TripInProgress, trip.Status)
	assert.Equal(t, koramangala, trip.Start)
	assert.Equal(t, r.SurgeMultiplier, trip.SurgeMultiplier)
	assert.Equal(t, models.DriverOnTrip, f.driverStatus("d1"))
	assert.False(t, f.locked("d1"))

	ids, err := f.index.Nearby(ctx, koramangala.Lat, koramangala.Lon, 5, models.TierSedan)
	require.NoError(t, err)
	assert.NotContains(t, ids, "d1")

	assert.Equal(t,
		[]models.EventType{models.EventRequested, models.EventDriverAssigned, models.EventTripStarted},
		eventTypes(f.log.RideHistory(r.ID)))

	n, ok := f.notes.last(dispatch.Rider, "u1")
	require.True(t, ok)
	assert.Equal(t, dispatch.KindRideAccepted, n.Kind)
	assert.Equal(t, "Driver d1", n.Payload["driver_name"])
	assert.Equal(t, trip.ID, n.Payload["trip_id"])

	offers, err := f.svc.ListPendingOffers(ctx, "d1")
	require.NoError(t, err)
	assert.Empty(t, offers)
}

func TestAcceptRideIllegalTransitionsMutateNothing(t *testing.T) {
	f := newFixture(t)
	f.rider("u1")
	f.driver("d1", 0.5)
	f.driver("d2", 1.5)
	ctx := context.Background()
	r, err := f.svc.CreateRide(ctx, request("u1", ""))
	require.NoError(t, err)

	_, _, err = f.svc.AcceptRide(ctx, "d2", r.ID)
	assert.ErrorIs(t, err, models.ErrInvalidStateTransition, "d2 holds no offer")

	_, _, err = f.svc.AcceptRide(ctx, "ghost", r.ID)
	assert.ErrorIs(t, err, models.ErrNotFound)

	got, err := f.svc.GetRide(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RideMatched, got.Status)
	assert.Equal(t, models.DriverAvailable, f.driverStatus("d2"))
	assert.True(t, f.locked("d1"))

	_, _, err = f.svc.AcceptRide(ctx, "d1", r.ID)
	require.NoError(t, err)
	_, _, err = f.svc.AcceptRide(ctx, "d1", r.ID)
	assert.ErrorIs(t, err, models.ErrInvalidStateTransition)

	_, err = f.svc.CancelRide(ctx, r.ID)
	assert.ErrorIs(t, err, models.ErrInvalidStateTransition, "accepted rides cannot be cancelled")
	assert.Len(t, f.log.RideHistory(r.ID), 3)
}

func TestDeclineRideMovesToNextDriver(t *testing.T) {
	f := newFixture(t)
	f.rider("u1")
	f.driver("d1", 0.5)
	f.driver("d2", 1.5)
	ctx := context.Background()
	r, err := f.svc.CreateRide(ctx, request("u1", ""))
	require.NoError(t, err)

	require.NoError(t, f.svc.DeclineRide(ctx, "d1", r.ID))

	offers, err := f.svc.ListPendingOffers(ctx, "d2")
	require.NoError(t, err)
	require.Len(t, offers, 1)
	assert.Equal(t, r.ID, offers[0].RideID)
	assert.False(t, f.locked("d1"))

	_, _, err = f.svc.AcceptRide(ctx, "d1", r.ID)
	assert.ErrorIs(t, err, models.ErrInvalidStateTransition, "a declined offer cannot be accepted")
}

func TestCancelRideWithdrawsOffer(t *testing.T) {
	f := newFixture(t)
	f.rider("u1")
	f.driver("d1", 0.5)
	ctx := context.Background()
	r, err := f.svc.CreateRide(ctx, request("u1", ""))
	require.NoError(t, err)

	got, err := f.svc.CancelRide(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RideCancelled, got.Status)
	assert.False(t, f.locked("d1"))

	offers, err := f.svc.ListPendingOffers(ctx, "d1")
	require.NoError(t, err)
	assert.Empty(t, offers)

	n, ok := f.notes.last(dispatch.Driver, "d1")
	require.True(t, ok)
	assert.Equal(t, dispatch.KindOfferWithdrawn, n.Kind)

	hist := f.log.RideHistory(r.ID)
	require.Len(t, hist, 2)
	assert.Equal(t, models.EventCancelled, hist[1].Type)
	assert.Equal(t, "MATCHED", hist[1].Metadata["previous_status"])

	_, err = f.svc.CancelRide(ctx, r.ID)
	assert.ErrorIs(t, err, models.ErrInvalidStateTransition)

	// the rider is free to book again
	_, err = f.svc.CreateRide(ctx, request("u1", ""))
	assert.NoError(t, err)
}

func TestEndTripPricesActualDistance(t *testing.T) {
	f := newFixture(t)
	f.rider("u1")
	f.driver("d1", 0.5)
	ctx := context.Background()
	r, err := f.svc.CreateRide(ctx, request("u1", ""))
	require.NoError(t, err)
	_, trip, err := f.svc.AcceptRide(ctx, "d1", r.ID)
	require.NoError(t, err)

	done, err := f.svc.EndTrip(ctx, trip.ID, EndTripRequest{End: &mgRoad})
	require.NoError(t, err)

	km := geo.DistanceKm(koramangala, mgRoad)
	assert.Equal(t, models.TripCompleted, done.Status)
	assert.Equal(t, surge.Round2(km), done.DistanceKm)
	assert.InDelta(t, 5.2, done.DistanceKm, 0.2)
	assert.Equal(t, surge.Fare(models.TierSedan, km, 1), done.BaseFare)
	assert.Equal(t, done.BaseFare, done.TotalFare)
	require.NotNil(t, done.EndedAt)
	assert.Equal(t, models.DriverAvailable, f.driverStatus("d1"))

	ids, err := f.index.Nearby(ctx, koramangala.Lat, koramangala.Lon, 5, models.TierSedan)
	require.NoError(t, err)
	assert.Contains(t, ids, "d1", "driver is back in the pool")

	evs, err := f.svc.RideEvents(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EventTripCompleted, evs[len(evs)-1].Type)
	assert.Equal(t, fmt.Sprintf("%.2f", done.TotalFare), evs[len(evs)-1].Metadata["total_fare"])

	_, err = f.svc.EndTrip(ctx, trip.ID, EndTripRequest{End: &mgRoad})
	assert.ErrorIs(t, err, models.ErrInvalidStateTransition)

	_, err = f.svc.EndTrip(ctx, "missing", EndTripRequest{End: &mgRoad})
	assert.ErrorIs(t, err, models.ErrNotFound)

	var verr *models.ValidationError
	_, err = f.svc.EndTrip(ctx, trip.ID, EndTripRequest{})
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "end", verr.Fields[0].Field)
}

func TestPublishFailureKeepsCommittedState(t *testing.T) {
	f := newFixtureWith(t, failingPublisher{})
	f.rider("u1")

	_, err := f.svc.CreateRide(context.Background(), request("u1", "k"))
	require.ErrorIs(t, err, outbox.ErrPublish)

	r, err := f.svc.rideByKey(context.Background(), "k")
	require.NoError(t, err)
	assert.Equal(t, models.RideNoDriversAvailable, r.Status)
	evs, err := f.svc.RideEvents(context.Background(), r.ID)
	require.NoError(t, err)
	assert.Len(t, evs, 2)
}

func TestRegisterRider(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	r, err := f.svc.RegisterRider(ctx, RegisterRiderRequest{Name: "Asha", Email: "asha@example.com", Phone: "+911234"})
	require.NoError(t, err)
	assert.NotEmpty(t, r.ID)

	_, err = f.svc.RegisterRider(ctx, RegisterRiderRequest{Name: "Other", Email: "asha@example.com", Phone: "+915678"})
	assert.ErrorIs(t, err, models.ErrDuplicateRequest)

	_, err = f.svc.RegisterRider(ctx, RegisterRiderRequest{Name: "X", Email: "not-an-email", Phone: "1"})
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestRideEventsPublishInCommitOrder(t *testing.T) {
	log := eventlog.NewMemory(0)
	pub := newStallingPublisher(log)
	f := newFixtureWith(t, pub)
	f.log = log
	f.rider("u1")
	f.driver("d1", 0.5)
	ctx := context.Background()

	var seen []models.EventType
	var mu sync.Mutex
	log.SubscribeRideEvents(func(e models.RideEvent) {
		mu.Lock()
		seen = append(seen, e.Type)
		mu.Unlock()
	})

	created := make(chan error, 1)
	go func() {
		_, err := f.svc.CreateRide(ctx, request("u1", "k1"))
		created <- err
	}()
	<-pub.stalled

	// REQUESTED is committed but still on its way to the log
	offers, err := f.svc.ListPendingOffers(ctx, "d1")
	require.NoError(t, err)
	require.Len(t, offers, 1)

	accepted := make(chan error, 1)
	go func() {
		_, _, err := f.svc.AcceptRide(ctx, "d1", offers[0].RideID)
		accepted <- err
	}()
	select {
	case err := <-accepted:
		t.Fatalf("accept finished before the earlier events were published: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(pub.release)
	require.NoError(t, <-created)
	require.NoError(t, <-accepted)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []models.EventType{models.EventRequested, models.EventDriverAssigned, models.EventTripStarted}, seen)
}
