// Package storage persists riders, drivers, rides, assignments, trips,
// payments and the ride event log. Every mutation happens inside a Tx so a
// state transition and the events describing it commit together.
package storage

import (
	"context"

	"github.com/example/ride-dispatch/internal/models"
)

// Store opens transactions. fn's error rolls the transaction back and is
// returned unchanged.
type Store interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	Ping(ctx context.Context) error
}

// Tx is a unit of work. Lookups return an error wrapping models.ErrNotFound
// when the row is absent; unique violations wrap models.ErrDuplicateRequest.
// Entities returned are copies: changes are only persisted by the matching
// Update or Save call.
type Tx interface {
	GetRider(ctx context.Context, id string) (*models.Rider, error)
	InsertRider(ctx context.Context, r *models.Rider) error

	GetDriver(ctx context.Context, id string) (*models.Driver, error)
	InsertDriver(ctx context.Context, d *models.Driver) error
	SaveDriver(ctx context.Context, d *models.Driver) error

	GetRide(ctx context.Context, id string) (*models.Ride, error)
	RideByIdempotencyKey(ctx context.Context, key string) (*models.Ride, error)
	// HasActiveRide reports a ride that is still being matched, or accepted
	// with a trip that has not completed.
	HasActiveRide(ctx context.Context, riderID string) (bool, error)
	InsertRide(ctx context.Context, r *models.Ride) error
	UpdateRide(ctx context.Context, r *models.Ride) error

	AssignmentExists(ctx context.Context, rideID, driverID string) (bool, error)
	GetAssignment(ctx context.Context, rideID, driverID string) (*models.RideAssignment, error)
	OfferedAssignment(ctx context.Context, rideID string) (*models.RideAssignment, error)
	CountAssignments(ctx context.Context, rideID string) (int, error)
	InsertAssignment(ctx context.Context, a *models.RideAssignment) error
	UpdateAssignment(ctx context.Context, a *models.RideAssignment) error
	PendingOffers(ctx context.Context, driverID string) ([]models.PendingOffer, error)

	GetTrip(ctx context.Context, id string) (*models.Trip, error)
	TripByRide(ctx context.Context, rideID string) (*models.Trip, error)
	InsertTrip(ctx context.Context, t *models.Trip) error
	UpdateTrip(ctx context.Context, t *models.Trip) error

	PaymentByIdempotencyKey(ctx context.Context, key string) (*models.Payment, error)
	SuccessfulPaymentForTrip(ctx context.Context, tripID string) (*models.Payment, error)
	InsertPayment(ctx context.Context, p *models.Payment) error
	UpdatePayment(ctx context.Context, p *models.Payment) error

	// AppendEvent assigns e.Seq.
	AppendEvent(ctx context.Context, e *models.RideEvent) error
	RideEvents(ctx context.Context, rideID string) ([]models.RideEvent, error)
}
