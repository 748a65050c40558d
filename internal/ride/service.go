// Package ride implements the rider-facing lifecycle: creating, cancelling
// and accepting rides, and starting and ending trips.
package ride

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/outbox"
	"github.com/example/ride-dispatch/internal/storage"
	"github.com/example/ride-dispatch/internal/surge"
	"github.com/example/ride-dispatch/internal/validation"
)

// Matcher is the slice of the matching engine the lifecycle drives.
type Matcher interface {
	FindAndAssign(ctx context.Context, tx storage.Tx, b *outbox.Batch, rideID string) error
	HandleDecline(ctx context.Context, driverID, rideID string) error
}

type Service struct {
	store   storage.Store
	runner  *outbox.Runner
	matcher Matcher
	geo     geo.DriverIndex
	surge   surge.Estimator
	logger  *slog.Logger
}

func NewService(store storage.Store, runner *outbox.Runner, matcher Matcher, index geo.DriverIndex, est surge.Estimator, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, runner: runner, matcher: matcher, geo: index, surge: est, logger: logger}
}

type CreateRideRequest struct {
	RiderID        string               `json:"rider_id" validate:"required"`
	Pickup         *models.Coord        `json:"pickup" validate:"required"`
	Destination    *models.Coord        `json:"destination" validate:"required"`
	Tier           models.Tier          `json:"vehicle_tier" validate:"required,oneof=AUTO SEDAN SUV"`
	PaymentMethod  models.PaymentMethod `json:"payment_method" validate:"omitempty,oneof=CASH CARD UPI WALLET"`
	IdempotencyKey string               `json:"idempotency_key,omitempty" validate:"omitempty,max=128"`
}

type RegisterRiderRequest struct {
	Name  string `json:"name" validate:"required,max=100"`
	Email string `json:"email" validate:"required,email"`
	Phone string `json:"phone" validate:"required,max=20"`
}

func (s *Service) RegisterRider(ctx context.Context, req RegisterRiderRequest) (*models.Rider, error) {
	if err := validation.Struct(req); err != nil {
		return nil, err
	}
	var rider *models.Rider
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		rider = &models.Rider{ID: uuid.NewString(), Name: req.Name, Email: req.Email, Phone: req.Phone}
		rider.CreatedAt = time.Now().UTC()
		return tx.InsertRider(ctx, rider)
	})
	if err != nil {
		return nil, err
	}
	return rider, nil
}

// CreateRide prices and persists a ride, then runs matching in the same unit
// of work. A known idempotency key returns the stored ride untouched.
func (s *Service) CreateRide(ctx context.Context, req CreateRideRequest) (*models.Ride, error) {
	if err := validation.Struct(req); err != nil {
		return nil, err
	}
	if req.PaymentMethod == "" {
		req.PaymentMethod = models.PaymentCash
	}
	if req.IdempotencyKey != "" {
		if r, err := s.rideByKey(ctx, req.IdempotencyKey); err == nil {
			return r, nil
		} else if !errors.Is(err, models.ErrNotFound) {
			return nil, err
		}
	}

	pickup, dest := *req.Pickup, *req.Destination

	var out *models.Ride
	err := s.runner.Run(ctx, func(ctx context.Context, tx storage.Tx, b *outbox.Batch) error {
		if _, err := tx.GetRider(ctx, req.RiderID); err != nil {
			return err
		}
		active, err := tx.HasActiveRide(ctx, req.RiderID)
		if err != nil {
			return err
		}
		if active {
			return models.Duplicate("rider %s already has an active ride", req.RiderID)
		}

		// price with the multiplier as it stood before this request
		mult, err := s.surge.SurgeMultiplier(ctx, pickup.Lat, pickup.Lon)
		if err != nil {
			return fmt.Errorf("surge multiplier: %w", err)
		}
		if err := s.surge.RecordDemand(ctx, pickup.Lat, pickup.Lon); err != nil {
			return fmt.Errorf("record demand: %w", err)
		}
		fare := surge.Fare(req.Tier, geo.DistanceKm(pickup, dest), mult)

		key := req.IdempotencyKey
		if key == "" {
			key = uuid.NewString()
		}
		ride := &models.Ride{
			ID:              uuid.NewString(),
			RiderID:         req.RiderID,
			Pickup:          pickup,
			Destination:     dest,
			Tier:            req.Tier,
			Status:          models.RideRequested,
			SurgeMultiplier: mult,
			EstimatedFare:   fare,
			PaymentMethod:   req.PaymentMethod,
			IdempotencyKey:  key,
			CreatedAt:       b.Now(),
			UpdatedAt:       b.Now(),
		}
		if err := tx.InsertRide(ctx, ride); err != nil {
			return err
		}
		if err := b.Emit(ctx, ride, "", models.EventRequested, map[string]string{
			"vehicle_tier":     string(ride.Tier),
			"surge_multiplier": formatAmount(mult),
			"estimated_fare":   formatAmount(fare),
		}); err != nil {
			return err
		}
		observability.RidesRequested.WithLabelValues(string(ride.Tier)).Inc()
		s.logger.Info("ride requested", "ride_id", ride.ID, "rider_id", ride.RiderID, "tier", ride.Tier, "surge", mult, "estimated_fare", fare)

		if err := s.matcher.FindAndAssign(ctx, tx, b, ride.ID); err != nil {
			return err
		}
		out, err = tx.GetRide(ctx, ride.ID)
		return err
	})
	if err != nil {
		// lost a race against a concurrent request with the same key
		if req.IdempotencyKey != "" && errors.Is(err, models.ErrDuplicateRequest) {
			if r, rerr := s.rideByKey(ctx, req.IdempotencyKey); rerr == nil {
				return r, nil
			}
		}
		return nil, err
	}
	return out, nil
}

func (s *Service) rideByKey(ctx context.Context, key string) (*models.Ride, error) {
	var r *models.Ride
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		var err error
		r, err = tx.RideByIdempotencyKey(ctx, key)
		return err
	})
	return r, err
}

func (s *Service) GetRide(ctx context.Context, rideID string) (*models.Ride, error) {
	var r *models.Ride
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		var err error
		r, err = tx.GetRide(ctx, rideID)
		return err
	})
	return r, err
}

// CancelRide is allowed until a driver accepts. A pending offer is withdrawn
// and its driver freed.
func (s *Service) CancelRide(ctx context.Context, rideID string) (*models.Ride, error) {
	var out *models.Ride
	err := s.runner.Run(ctx, func(ctx context.Context, tx storage.Tx, b *outbox.Batch) error {
		ride, err := tx.GetRide(ctx, rideID)
		if err != nil {
			return err
		}
		prev := ride.Status
		if err := ride.Transition(models.RideCancelled); err != nil {
			return err
		}

		a, err := tx.OfferedAssignment(ctx, ride.ID)
		switch {
		case err == nil:
			if err := a.Transition(models.AssignmentDeclined); err != nil {
				return err
			}
			at := b.Now()
			a.RespondedAt = &at
			if err := tx.UpdateAssignment(ctx, a); err != nil {
				return err
			}
			driverID := a.DriverID
			b.AfterCommit(func(ctx context.Context) error { return s.geo.Unlock(ctx, driverID) })
			b.NotifyDriver(driverID, dispatch.KindOfferWithdrawn, map[string]any{"ride_id": ride.ID})
		case !errors.Is(err, models.ErrNotFound):
			return err
		}

		ride.UpdatedAt = b.Now()
		if err := tx.UpdateRide(ctx, ride); err != nil {
			return err
		}
		if err := b.Emit(ctx, ride, "", models.EventCancelled, map[string]string{
			"reason":          "cancelled by rider",
			"previous_status": string(prev),
		}); err != nil {
			return err
		}
		b.NotifyRider(ride.RiderID, dispatch.KindRideCancelled, map[string]any{"ride_id": ride.ID})
		observability.RidesCancelled.Inc()
		s.logger.Info("ride cancelled", "ride_id", ride.ID, "previous_status", prev)
		out = ride
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// AcceptRide turns a live offer into a trip starting at the pickup point.
func (s *Service) AcceptRide(ctx context.Context, driverID, rideID string) (*models.Ride, *models.Trip, error) {
	var (
		outRide *models.Ride
		outTrip *models.Trip
	)
	err := s.runner.Run(ctx, func(ctx context.Context, tx storage.Tx, b *outbox.Batch) error {
		ride, err := tx.GetRide(ctx, rideID)
		if err != nil {
			return err
		}
		driver, err := tx.GetDriver(ctx, driverID)
		if err != nil {
			return err
		}
		if ride.Status != models.RideMatched {
			return &models.TransitionError{Entity: "ride", ID: ride.ID, From: string(ride.Status), To: string(models.RideAccepted)}
		}
		a, err := tx.GetAssignment(ctx, rideID, driverID)
		if errors.Is(err, models.ErrNotFound) {
			return &models.TransitionError{Entity: "assignment", ID: rideID + "/" + driverID, From: "NONE", To: string(models.AssignmentAccepted)}
		}
		if err != nil {
			return err
		}
		if err := a.Transition(models.AssignmentAccepted); err != nil {
			return err
		}
		if err := ride.Transition(models.RideAccepted); err != nil {
			return err
		}
		if err := driver.Transition(models.DriverOnTrip); err != nil {
			return err
		}

		now := b.Now()
		a.RespondedAt = &now
		if err := tx.UpdateAssignment(ctx, a); err != nil {
			return err
		}
		ride.AssignedDriverID = driver.ID
		ride.UpdatedAt = now
		if err := tx.UpdateRide(ctx, ride); err != nil {
			return err
		}
		driver.UpdatedAt = now
		if err := tx.SaveDriver(ctx, driver); err != nil {
			return err
		}

		trip := &models.Trip{
			ID:              uuid.NewString(),
			RideID:          ride.ID,
			DriverID:        driver.ID,
			RiderID:         ride.RiderID,
			Tier:            ride.Tier,
			Status:          models.TripInProgress,
			Start:           ride.Pickup,
			StartedAt:       now,
			SurgeMultiplier: ride.SurgeMultiplier,
		}
		if err := tx.InsertTrip(ctx, trip); err != nil {
			return err
		}

		b.AfterCommit(func(ctx context.Context) error { return s.geo.RemoveAvailability(ctx, driverID) })
		b.AfterCommit(func(ctx context.Context) error { return s.geo.Unlock(ctx, driverID) })

		if err := b.Emit(ctx, ride, driver.ID, models.EventDriverAssigned, map[string]string{"assignment_id": a.ID}); err != nil {
			return err
		}
		if err := b.Emit(ctx, ride, driver.ID, models.EventTripStarted, map[string]string{"trip_id": trip.ID}); err != nil {
			return err
		}
		b.NotifyRider(ride.RiderID, dispatch.KindRideAccepted, map[string]any{
			"ride_id":      ride.ID,
			"trip_id":      trip.ID,
			"driver_id":    driver.ID,
			"driver_name":  driver.Name,
			"vehicle_tier": driver.Tier,
		})
		s.logger.Info("ride accepted", "ride_id", ride.ID, "driver_id", driver.ID, "trip_id", trip.ID)
		outRide, outTrip = ride, trip
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return outRide, outTrip, nil
}

func (s *Service) DeclineRide(ctx context.Context, driverID, rideID string) error {
	return s.matcher.HandleDecline(ctx, driverID, rideID)
}

type EndTripRequest struct {
	End *models.Coord `json:"end" validate:"required"`
}

// EndTrip prices the trip from its actual distance and puts the driver back
// into the pool.
func (s *Service) EndTrip(ctx context.Context, tripID string, req EndTripRequest) (*models.Trip, error) {
	if err := validation.Struct(req); err != nil {
		return nil, err
	}
	var out *models.Trip
	err := s.runner.Run(ctx, func(ctx context.Context, tx storage.Tx, b *outbox.Batch) error {
		trip, err := tx.GetTrip(ctx, tripID)
		if err != nil {
			return err
		}
		if err := trip.Transition(models.TripCompleted); err != nil {
			return err
		}
		ride, err := tx.GetRide(ctx, trip.RideID)
		if err != nil {
			return err
		}
		driver, err := tx.GetDriver(ctx, trip.DriverID)
		if err != nil {
			return err
		}

		end := *req.End
		km := geo.DistanceKm(trip.Start, end)
		now := b.Now()
		trip.End = &end
		trip.EndedAt = &now
		trip.DistanceKm = surge.Round2(km)
		trip.BaseFare = surge.Fare(trip.Tier, km, 1.0)
		trip.TotalFare = surge.Fare(trip.Tier, km, trip.SurgeMultiplier)
		if err := tx.UpdateTrip(ctx, trip); err != nil {
			return err
		}

		if err := driver.Transition(models.DriverAvailable); err != nil {
			return err
		}
		driver.UpdatedAt = now
		if err := tx.SaveDriver(ctx, driver); err != nil {
			return err
		}
		if driver.Loc != nil {
			loc, tier := *driver.Loc, driver.Tier
			b.AfterCommit(func(ctx context.Context) error {
				return s.geo.Upsert(ctx, driver.ID, loc.Lat, loc.Lon, tier)
			})
		}

		if err := b.Emit(ctx, ride, driver.ID, models.EventTripCompleted, map[string]string{
			"trip_id":          trip.ID,
			"distance_km":      formatAmount(trip.DistanceKm),
			"base_fare":        formatAmount(trip.BaseFare),
			"surge_multiplier": formatAmount(trip.SurgeMultiplier),
			"total_fare":       formatAmount(trip.TotalFare),
		}); err != nil {
			return err
		}
		b.NotifyRider(trip.RiderID, dispatch.KindTripCompleted, map[string]any{
			"trip_id":          trip.ID,
			"distance_km":      trip.DistanceKm,
			"base_fare":        trip.BaseFare,
			"surge_multiplier": trip.SurgeMultiplier,
			"total_fare":       trip.TotalFare,
		})
		observability.TripsCompleted.WithLabelValues(string(trip.Tier)).Inc()
		s.logger.Info("trip completed", "trip_id", trip.ID, "distance_km", trip.DistanceKm, "total_fare", trip.TotalFare)
		out = trip
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Service) GetTrip(ctx context.Context, tripID string) (*models.Trip, error) {
	var t *models.Trip
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		var err error
		t, err = tx.GetTrip(ctx, tripID)
		return err
	})
	return t, err
}

func (s *Service) ListPendingOffers(ctx context.Context, driverID string) ([]models.PendingOffer, error) {
	var offers []models.PendingOffer
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		if _, err := tx.GetDriver(ctx, driverID); err != nil {
			return err
		}
		var err error
		offers, err = tx.PendingOffers(ctx, driverID)
		return err
	})
	if offers == nil && err == nil {
		offers = []models.PendingOffer{}
	}
	return offers, err
}

// RideEvents returns the persisted audit trail of a ride, oldest first.
func (s *Service) RideEvents(ctx context.Context, rideID string) ([]models.RideEvent, error) {
	var evs []models.RideEvent
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		if _, err := tx.GetRide(ctx, rideID); err != nil {
			return err
		}
		var err error
		evs, err = tx.RideEvents(ctx, rideID)
		return err
	})
	return evs, err
}

func formatAmount(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64)
}
