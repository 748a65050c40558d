package matcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/outbox"
	"github.com/example/ride-dispatch/internal/storage"
)

type Config struct {
	SearchRadiusKm float64
	LockLease      time.Duration
	// MaxOffers caps the offers made for one ride; 0 means only the
	// candidate set bounds the decline/retry loop.
	MaxOffers int
}

// Engine offers rides to the nearest available driver of the requested tier.
type Engine struct {
	Geo    geo.DriverIndex
	Runner *outbox.Runner
	ETA    eta.Client // optional
	Cfg    Config
	Logger *slog.Logger
}

func NewEngine(index geo.DriverIndex, runner *outbox.Runner, etaClient eta.Client, cfg Config, logger *slog.Logger) *Engine {
	if cfg.SearchRadiusKm <= 0 {
		cfg.SearchRadiusKm = 5
	}
	if cfg.LockLease <= 0 {
		cfg.LockLease = 20 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{Geo: index, Runner: runner, ETA: etaClient, Cfg: cfg, Logger: logger}
}

// FindAndAssign runs one matching round for the ride inside the caller's unit
// of work. Rides outside REQUESTED/MATCHING are left alone.
func (e *Engine) FindAndAssign(ctx context.Context, tx storage.Tx, b *outbox.Batch, rideID string) error {
	start := time.Now()
	defer func() { observability.MatchLatency.Observe(time.Since(start).Seconds()) }()

	ride, err := tx.GetRide(ctx, rideID)
	if err != nil {
		return err
	}
	if ride.Status != models.RideRequested && ride.Status != models.RideMatching {
		e.Logger.Warn("matching skipped", "ride_id", ride.ID, "status", ride.Status)
		observability.MatchOutcomes.WithLabelValues("skipped").Inc()
		return nil
	}
	if err := e.setStatus(ctx, tx, b, ride, models.RideMatching); err != nil {
		return err
	}

	if e.Cfg.MaxOffers > 0 {
		n, err := tx.CountAssignments(ctx, ride.ID)
		if err != nil {
			return err
		}
		if n >= e.Cfg.MaxOffers {
			return e.noDrivers(ctx, tx, b, ride, "offer limit reached", 0)
		}
	}

	candidates, err := e.Geo.Nearby(ctx, ride.Pickup.Lat, ride.Pickup.Lon, e.Cfg.SearchRadiusKm, ride.Tier)
	if err != nil {
		return fmt.Errorf("nearby drivers: %w", err)
	}
	if len(candidates) == 0 {
		return e.noDrivers(ctx, tx, b, ride, "no drivers in range", 0)
	}

	for _, driverID := range candidates {
		offered, err := tx.AssignmentExists(ctx, ride.ID, driverID)
		if err != nil {
			return err
		}
		if offered {
			continue
		}
		locked, err := e.Geo.TryLock(ctx, driverID, ride.ID, e.Cfg.LockLease)
		if err != nil {
			e.Logger.Warn("driver lock failed", "ride_id", ride.ID, "driver_id", driverID, "error", err)
			continue
		}
		if !locked {
			observability.LockContention.Inc()
			continue
		}

		driver, err := tx.GetDriver(ctx, driverID)
		if err != nil && !errors.Is(err, models.ErrNotFound) {
			e.unlock(ctx, driverID)
			return err
		}
		// the index may lag the store: the driver could have gone offline or
		// started a trip since its last ping
		if driver == nil || driver.Status != models.DriverAvailable || driver.Tier != ride.Tier {
			e.unlock(ctx, driverID)
			continue
		}
		b.OnRollback(func(ctx context.Context) { e.unlock(ctx, driverID) })

		return e.offer(ctx, tx, b, ride, driver)
	}
	return e.noDrivers(ctx, tx, b, ride, "all candidates unavailable", len(candidates))
}

func (e *Engine) offer(ctx context.Context, tx storage.Tx, b *outbox.Batch, ride *models.Ride, driver *models.Driver) error {
	a := &models.RideAssignment{
		ID:        uuid.NewString(),
		RideID:    ride.ID,
		DriverID:  driver.ID,
		Status:    models.AssignmentOffered,
		OfferedAt: b.Now(),
	}
	if err := tx.InsertAssignment(ctx, a); err != nil {
		return err
	}
	if err := e.setStatus(ctx, tx, b, ride, models.RideMatched); err != nil {
		return err
	}

	offer := models.MatchOffer{
		RideID:        ride.ID,
		DriverID:      driver.ID,
		Pickup:        ride.Pickup,
		Destination:   ride.Destination,
		Tier:          ride.Tier,
		EstimatedFare: ride.EstimatedFare,
	}
	toDriver := map[string]any{"offer": offer}
	toRider := map[string]any{"ride_id": ride.ID, "driver_id": driver.ID, "eta_seconds": 0.0}
	b.NotifyDriver(driver.ID, dispatch.KindRideOffer, toDriver)
	b.NotifyRider(ride.RiderID, dispatch.KindDriverMatched, toRider)
	// routing may go over the network; keep it out of the transaction
	from := driver.Loc
	b.BeforeNotify(func(ctx context.Context) {
		offer.ETA = e.pickupETA(ctx, driver.ID, from, offer.Pickup)
		toDriver["offer"] = offer
		toRider["eta_seconds"] = offer.ETA
	})
	observability.MatchOutcomes.WithLabelValues("offered").Inc()
	e.Logger.Info("ride offered", "ride_id", ride.ID, "driver_id", driver.ID)
	return nil
}

func (e *Engine) pickupETA(ctx context.Context, driverID string, from *models.Coord, pickup models.Coord) float64 {
	if e.ETA == nil || from == nil {
		return 0
	}
	v, err := e.ETA.EstimateSeconds(ctx, *from, pickup)
	if err != nil {
		e.Logger.Debug("pickup eta unavailable", "driver_id", driverID, "error", err)
		return 0
	}
	return v
}

func (e *Engine) noDrivers(ctx context.Context, tx storage.Tx, b *outbox.Batch, ride *models.Ride, reason string, tried int) error {
	if err := e.setStatus(ctx, tx, b, ride, models.RideNoDriversAvailable); err != nil {
		return err
	}
	meta := map[string]string{"reason": reason}
	if tried > 0 {
		meta["candidates"] = fmt.Sprint(tried)
	}
	if err := b.Emit(ctx, ride, "", models.EventNoDrivers, meta); err != nil {
		return err
	}
	b.NotifyRider(ride.RiderID, dispatch.KindNoDrivers, map[string]any{"ride_id": ride.ID})
	observability.MatchOutcomes.WithLabelValues("no_drivers").Inc()
	e.Logger.Info("no drivers available", "ride_id", ride.ID, "reason", reason)
	return nil
}

func (e *Engine) setStatus(ctx context.Context, tx storage.Tx, b *outbox.Batch, ride *models.Ride, next models.RideStatus) error {
	if err := ride.Transition(next); err != nil {
		return err
	}
	ride.UpdatedAt = b.Now()
	return tx.UpdateRide(ctx, ride)
}

func (e *Engine) unlock(ctx context.Context, driverID string) {
	if err := e.Geo.Unlock(ctx, driverID); err != nil {
		e.Logger.Warn("driver unlock failed", "driver_id", driverID, "error", err)
	}
}

// HandleDecline records the driver's refusal, frees the driver and offers the
// ride to the next candidate that has not seen it yet.
func (e *Engine) HandleDecline(ctx context.Context, driverID, rideID string) error {
	return e.Runner.Run(ctx, func(ctx context.Context, tx storage.Tx, b *outbox.Batch) error {
		if _, err := tx.GetDriver(ctx, driverID); err != nil {
			return err
		}
		ride, err := tx.GetRide(ctx, rideID)
		if err != nil {
			return err
		}
		a, err := tx.GetAssignment(ctx, rideID, driverID)
		if err != nil {
			return err
		}
		if err := a.Transition(models.AssignmentDeclined); err != nil {
			return err
		}
		at := b.Now()
		a.RespondedAt = &at
		if err := tx.UpdateAssignment(ctx, a); err != nil {
			return err
		}
		b.AfterCommit(func(ctx context.Context) error { return e.Geo.Unlock(ctx, driverID) })
		observability.OffersDeclined.Inc()

		if err := e.setStatus(ctx, tx, b, ride, models.RideMatching); err != nil {
			return err
		}
		return e.FindAndAssign(ctx, tx, b, ride.ID)
	})
}
