// Package fleet handles the driver side of the marketplace: registration,
// availability and position updates.
package fleet

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/eventlog"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/outbox"
	"github.com/example/ride-dispatch/internal/storage"
	"github.com/example/ride-dispatch/internal/validation"
)

const pingTimeout = 2 * time.Second

type Service struct {
	store     storage.Store
	runner    *outbox.Runner
	geo       geo.DriverIndex
	locations eventlog.LocationPublisher // optional
	logger    *slog.Logger
	now       func() time.Time
}

func NewService(store storage.Store, runner *outbox.Runner, index geo.DriverIndex, locations eventlog.LocationPublisher, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, runner: runner, geo: index, locations: locations, logger: logger, now: time.Now}
}

type RegisterDriverRequest struct {
	Name  string      `json:"name" validate:"required,max=100"`
	Email string      `json:"email" validate:"required,email"`
	Phone string      `json:"phone" validate:"required,max=20"`
	Tier  models.Tier `json:"vehicle_tier" validate:"required,oneof=AUTO SEDAN SUV"`
}

// RegisterDriver creates an OFFLINE driver with no known position.
func (s *Service) RegisterDriver(ctx context.Context, req RegisterDriverRequest) (*models.Driver, error) {
	if err := validation.Struct(req); err != nil {
		return nil, err
	}
	now := s.now().UTC()
	d := &models.Driver{
		ID:        uuid.NewString(),
		Name:      req.Name,
		Email:     req.Email,
		Phone:     req.Phone,
		Tier:      req.Tier,
		Status:    models.DriverOffline,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.WithinTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		return tx.InsertDriver(ctx, d)
	}); err != nil {
		return nil, err
	}
	s.logger.Info("driver registered", "driver_id", d.ID, "tier", d.Tier)
	return d, nil
}

func (s *Service) GetDriver(ctx context.Context, driverID string) (*models.Driver, error) {
	var d *models.Driver
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		var err error
		d, err = tx.GetDriver(ctx, driverID)
		return err
	})
	return d, err
}

// GoOnline makes the driver matchable. Drivers on a trip are rejected; they
// rejoin the pool when the trip ends.
func (s *Service) GoOnline(ctx context.Context, driverID string) (*models.Driver, error) {
	return s.setStatus(ctx, driverID, models.DriverAvailable)
}

func (s *Service) GoOffline(ctx context.Context, driverID string) (*models.Driver, error) {
	return s.setStatus(ctx, driverID, models.DriverOffline)
}

func (s *Service) setStatus(ctx context.Context, driverID string, next models.DriverStatus) (*models.Driver, error) {
	var out *models.Driver
	err := s.runner.Run(ctx, func(ctx context.Context, tx storage.Tx, b *outbox.Batch) error {
		d, err := tx.GetDriver(ctx, driverID)
		if err != nil {
			return err
		}
		prev := d.Status
		// ON_TRIP only leaves through EndTrip
		if prev == models.DriverOnTrip {
			return &models.TransitionError{Entity: "driver", ID: d.ID, From: string(prev), To: string(next)}
		}
		if err := d.Transition(next); err != nil {
			return err
		}
		d.UpdatedAt = b.Now()
		if err := tx.SaveDriver(ctx, d); err != nil {
			return err
		}

		switch {
		case next == models.DriverAvailable && d.Loc != nil:
			loc, tier := *d.Loc, d.Tier
			b.AfterCommit(func(ctx context.Context) error { return s.geo.Upsert(ctx, d.ID, loc.Lat, loc.Lon, tier) })
		case next == models.DriverOffline:
			b.AfterCommit(func(ctx context.Context) error { return s.geo.RemoveAvailability(ctx, d.ID) })
		}
		if prev != next {
			if next == models.DriverAvailable {
				observability.DriversOnline.Inc()
			} else if prev == models.DriverAvailable {
				observability.DriversOnline.Dec()
			}
		}
		s.logger.Info("driver status changed", "driver_id", d.ID, "from", prev, "to", next)
		out = d
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

type UpdateLocationRequest struct {
	Loc *models.Coord `json:"loc" validate:"required"`
}

// UpdateLocation stores the driver's position and refreshes its pool entry
// when AVAILABLE. The ping is published in the background; losing it is
// acceptable.
func (s *Service) UpdateLocation(ctx context.Context, driverID string, req UpdateLocationRequest) (*models.Driver, error) {
	if err := validation.Struct(req); err != nil {
		return nil, err
	}
	var out *models.Driver
	err := s.runner.Run(ctx, func(ctx context.Context, tx storage.Tx, b *outbox.Batch) error {
		d, err := tx.GetDriver(ctx, driverID)
		if err != nil {
			return err
		}
		loc := *req.Loc
		d.Loc = &loc
		d.UpdatedAt = b.Now()
		if err := tx.SaveDriver(ctx, d); err != nil {
			return err
		}
		if d.Status == models.DriverAvailable {
			tier := d.Tier
			b.AfterCommit(func(ctx context.Context) error { return s.geo.Upsert(ctx, d.ID, loc.Lat, loc.Lon, tier) })
		}
		out = d
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.publishPing(ctx, models.LocationPing{
		DriverID:  out.ID,
		Loc:       *out.Loc,
		Tier:      out.Tier,
		Status:    out.Status,
		Timestamp: out.UpdatedAt,
	})
	return out, nil
}

func (s *Service) publishPing(ctx context.Context, p models.LocationPing) {
	if s.locations == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), pingTimeout)
	go func() {
		defer cancel()
		if err := s.locations.PublishLocation(ctx, p); err != nil {
			observability.PingsDropped.Inc()
			if !errors.Is(err, context.DeadlineExceeded) {
				s.logger.Debug("location ping dropped", "driver_id", p.DriverID, "error", err)
			}
		}
	}()
}
