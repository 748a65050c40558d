package models

import (
	"errors"
	"testing"
)

func TestRideTransitions(t *testing.T) {
	tests := []struct {
		from, to RideStatus
		ok       bool
	}{
		{RideRequested, RideMatching, true},
		{RideRequested, RideCancelled, true},
		{RideMatching, RideMatched, true},
		{RideMatching, RideNoDriversAvailable, true},
		{RideMatched, RideAccepted, true},
		{RideMatched, RideMatching, true},
		{RideMatched, RideCancelled, true},
		{RideRequested, RideAccepted, false},
		{RideMatched, RideNoDriversAvailable, false},
		{RideAccepted, RideCancelled, false},
		{RideCancelled, RideMatching, false},
		{RideCancelled, RideAccepted, false},
		{RideNoDriversAvailable, RideMatching, false},
		{RideExpired, RideMatching, false},
	}
	for _, tt := range tests {
		if got := tt.from.CanTransitionTo(tt.to); got != tt.ok {
			t.Errorf("%s -> %s: got %v want %v", tt.from, tt.to, got, tt.ok)
		}
	}
}

func TestTerminalRideStatuses(t *testing.T) {
	for _, s := range []RideStatus{RideCancelled, RideNoDriversAvailable, RideExpired} {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
		for _, next := range []RideStatus{RideMatching, RideMatched} {
			if s.CanTransitionTo(next) {
				t.Errorf("terminal %s must not move to %s", s, next)
			}
		}
	}
	if RideMatched.Terminal() {
		t.Fatal("MATCHED is not terminal")
	}
}

func TestTransitionErrorLeavesStatusUntouched(t *testing.T) {
	r := &Ride{ID: "r1", Status: RideCancelled}
	err := r.Transition(RideAccepted)
	if !errors.Is(err, ErrInvalidStateTransition) {
		t.Fatalf("expected ErrInvalidStateTransition, got %v", err)
	}
	var te *TransitionError
	if !errors.As(err, &te) || te.From != "CANCELLED" || te.To != "ACCEPTED" {
		t.Fatalf("unexpected error detail: %#v", te)
	}
	if r.Status != RideCancelled {
		t.Fatalf("status mutated to %s", r.Status)
	}
}

func TestTripCannotCompleteTwice(t *testing.T) {
	tr := &Trip{ID: "t1", Status: TripInProgress}
	if err := tr.Transition(TripCompleted); err != nil {
		t.Fatalf("first completion: %v", err)
	}
	if err := tr.Transition(TripCompleted); !errors.Is(err, ErrInvalidStateTransition) {
		t.Fatalf("second completion should fail, got %v", err)
	}
}

func TestDriverCannotGoOfflineMidTrip(t *testing.T) {
	d := &Driver{ID: "d1", Status: DriverOnTrip}
	if err := d.Transition(DriverOffline); err == nil {
		t.Fatal("expected error")
	}
	if err := d.Transition(DriverAvailable); err != nil {
		t.Fatalf("trip end should free the driver: %v", err)
	}
}

func TestErrorHelpers(t *testing.T) {
	if err := NotFound("ride", "x"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("NotFound should wrap ErrNotFound: %v", err)
	}
	if err := Duplicate("rider %s has an active ride", "r1"); !errors.Is(err, ErrDuplicateRequest) {
		t.Fatalf("Duplicate should wrap ErrDuplicateRequest: %v", err)
	}
	err := Invalid("rider_id", "is required")
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("Invalid should wrap ErrValidation: %v", err)
	}
	if err.Error() != "validation failed: rider_id is required" {
		t.Fatalf("unexpected message %q", err.Error())
	}
}
