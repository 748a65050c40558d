package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/models"
)

var errBoom = errors.New("boom")

func seedRide(t *testing.T, s *MemoryStore) {
	t.Helper()
	now := time.Now()
	err := s.WithinTx(context.Background(), func(ctx context.Context, tx Tx) error {
		require.NoError(t, tx.InsertRider(ctx, &models.Rider{ID: "u1", Email: "a@x.io", Phone: "1", CreatedAt: now}))
		require.NoError(t, tx.InsertDriver(ctx, &models.Driver{ID: "d1", Email: "d1@x.io", Phone: "2", Tier: models.TierSedan, Status: models.DriverAvailable}))
		require.NoError(t, tx.InsertDriver(ctx, &models.Driver{ID: "d2", Email: "d2@x.io", Phone: "3", Tier: models.TierSedan, Status: models.DriverAvailable}))
		return tx.InsertRide(ctx, &models.Ride{ID: "r1", RiderID: "u1", Status: models.RideRequested, IdempotencyKey: "k1", Tier: models.TierSedan, CreatedAt: now})
	})
	require.NoError(t, err)
}

func TestMemoryStoreRollbackRestoresState(t *testing.T) {
	s := NewMemoryStore()
	seedRide(t, s)

	err := s.WithinTx(context.Background(), func(ctx context.Context, tx Tx) error {
		r, err := tx.GetRide(ctx, "r1")
		require.NoError(t, err)
		r.Status = models.RideMatched
		require.NoError(t, tx.UpdateRide(ctx, r))
		require.NoError(t, tx.InsertAssignment(ctx, &models.RideAssignment{ID: "a1", RideID: "r1", DriverID: "d1", Status: models.AssignmentOffered}))
		require.NoError(t, tx.AppendEvent(ctx, &models.RideEvent{ID: "e1", RideID: "r1", Type: models.EventRequested}))
		return errBoom
	})
	require.ErrorIs(t, err, errBoom)

	_ = s.WithinTx(context.Background(), func(ctx context.Context, tx Tx) error {
		r, err := tx.GetRide(ctx, "r1")
		require.NoError(t, err)
		assert.Equal(t, models.RideRequested, r.Status)
		n, _ := tx.CountAssignments(ctx, "r1")
		assert.Zero(t, n)
		evs, _ := tx.RideEvents(ctx, "r1")
		assert.Empty(t, evs)
		return nil
	})
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	s := NewMemoryStore()
	seedRide(t, s)
	_ = s.WithinTx(context.Background(), func(ctx context.Context, tx Tx) error {
		r, _ := tx.GetRide(ctx, "r1")
		r.Status = models.RideCancelled
		again, _ := tx.GetRide(ctx, "r1")
		assert.Equal(t, models.RideRequested, again.Status)
		return nil
	})
}

func TestMemoryStoreUniqueness(t *testing.T) {
	s := NewMemoryStore()
	seedRide(t, s)

	err := s.WithinTx(context.Background(), func(ctx context.Context, tx Tx) error {
		err := tx.InsertRide(ctx, &models.Ride{ID: "r2", RiderID: "u1", IdempotencyKey: "k1"})
		assert.ErrorIs(t, err, models.ErrDuplicateRequest)

		err = tx.InsertRider(ctx, &models.Rider{ID: "u2", Email: "a@x.io", Phone: "9"})
		assert.ErrorIs(t, err, models.ErrDuplicateRequest)

		require.NoError(t, tx.InsertAssignment(ctx, &models.RideAssignment{ID: "a1", RideID: "r1", DriverID: "d1", Status: models.AssignmentOffered}))
		err = tx.InsertAssignment(ctx, &models.RideAssignment{ID: "a2", RideID: "r1", DriverID: "d2", Status: models.AssignmentOffered})
		assert.ErrorIs(t, err, models.ErrDuplicateRequest, "second live offer")

		a, err := tx.OfferedAssignment(ctx, "r1")
		require.NoError(t, err)
		a.Status = models.AssignmentDeclined
		require.NoError(t, tx.UpdateAssignment(ctx, a))

		err = tx.InsertAssignment(ctx, &models.RideAssignment{ID: "a3", RideID: "r1", DriverID: "d1", Status: models.AssignmentOffered})
		assert.ErrorIs(t, err, models.ErrDuplicateRequest, "same driver twice")
		require.NoError(t, tx.InsertAssignment(ctx, &models.RideAssignment{ID: "a2", RideID: "r1", DriverID: "d2", Status: models.AssignmentOffered}))

		_, err = tx.GetTrip(ctx, "missing")
		assert.ErrorIs(t, err, models.ErrNotFound)
		return nil
	})
	require.NoError(t, err)
}

func TestMemoryStoreHasActiveRide(t *testing.T) {
	s := NewMemoryStore()
	seedRide(t, s)
	ctx := context.Background()

	check := func(want bool) {
		t.Helper()
		_ = s.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
			got, err := tx.HasActiveRide(ctx, "u1")
			require.NoError(t, err)
			assert.Equal(t, want, got)
			return nil
		})
	}
	setStatus := func(st models.RideStatus) {
		_ = s.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
			r, _ := tx.GetRide(ctx, "r1")
			r.Status = st
			return tx.UpdateRide(ctx, r)
		})
	}

	check(true)
	setStatus(models.RideAccepted)
	check(true)
	_ = s.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		return tx.InsertTrip(ctx, &models.Trip{ID: "t1", RideID: "r1", Status: models.TripInProgress})
	})
	check(true)
	_ = s.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		tr, _ := tx.TripByRide(ctx, "r1")
		tr.Status = models.TripCompleted
		return tx.UpdateTrip(ctx, tr)
	})
	check(false)
	setStatus(models.RideCancelled)
	check(false)
}

func TestMemoryStoreEventsOrdered(t *testing.T) {
	s := NewMemoryStore()
	seedRide(t, s)
	_ = s.WithinTx(context.Background(), func(ctx context.Context, tx Tx) error {
		for _, typ := range []models.EventType{models.EventRequested, models.EventDriverAssigned, models.EventTripStarted} {
			require.NoError(t, tx.AppendEvent(ctx, &models.RideEvent{ID: string(typ), RideID: "r1", Type: typ, Metadata: map[string]string{"k": "v"}}))
		}
		return nil
	})
	_ = s.WithinTx(context.Background(), func(ctx context.Context, tx Tx) error {
		evs, err := tx.RideEvents(ctx, "r1")
		require.NoError(t, err)
		require.Len(t, evs, 3)
		assert.Equal(t, models.EventRequested, evs[0].Type)
		assert.Equal(t, models.EventTripStarted, evs[2].Type)
		assert.Less(t, evs[0].Seq, evs[1].Seq)
		assert.Less(t, evs[1].Seq, evs[2].Seq)
		evs[0].Metadata["k"] = "changed"
		return nil
	})
	_ = s.WithinTx(context.Background(), func(ctx context.Context, tx Tx) error {
		evs, _ := tx.RideEvents(ctx, "r1")
		assert.Equal(t, "v", evs[0].Metadata["k"])
		return nil
	})
}

func TestMemoryStorePendingOffers(t *testing.T) {
	s := NewMemoryStore()
	seedRide(t, s)
	now := time.Now()
	_ = s.WithinTx(context.Background(), func(ctx context.Context, tx Tx) error {
		require.NoError(t, tx.InsertAssignment(ctx, &models.RideAssignment{ID: "a1", RideID: "r1", DriverID: "d1", Status: models.AssignmentOffered, OfferedAt: now}))
		offers, err := tx.PendingOffers(ctx, "d1")
		require.NoError(t, err)
		require.Len(t, offers, 1)
		assert.Equal(t, "r1", offers[0].RideID)
		assert.Equal(t, "u1", offers[0].RiderID)

		offers, _ = tx.PendingOffers(ctx, "d2")
		assert.Empty(t, offers)
		return nil
	})
}

func TestMemoryStoreCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := NewMemoryStore().WithinTx(ctx, func(context.Context, Tx) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}
