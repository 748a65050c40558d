package eventlog

import (
	"context"
	"errors"

	"github.com/example/ride-dispatch/internal/models"
)

type RideEventPublisher interface {
	PublishRideEvents(ctx context.Context, events []models.RideEvent) error
}

type LocationPublisher interface {
	PublishLocation(ctx context.Context, p models.LocationPing) error
}

// Tee publishes ride events to every sink in order. All sinks are attempted;
// the joined error reports each failure.
type Tee []RideEventPublisher

func (t Tee) PublishRideEvents(ctx context.Context, events []models.RideEvent) error {
	var errs []error
	for _, p := range t {
		if err := p.PublishRideEvents(ctx, events); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LocationTee is Tee for location pings.
type LocationTee []LocationPublisher

func (t LocationTee) PublishLocation(ctx context.Context, p models.LocationPing) error {
	var errs []error
	for _, pub := range t {
		if err := pub.PublishLocation(ctx, p); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
