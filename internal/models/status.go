package models

type RideStatus string

const (
	RideRequested          RideStatus = "REQUESTED"
	RideMatching           RideStatus = "MATCHING"
	RideMatched            RideStatus = "MATCHED"
	RideAccepted           RideStatus = "ACCEPTED"
	RideCancelled          RideStatus = "CANCELLED"
	RideNoDriversAvailable RideStatus = "NO_DRIVERS_AVAILABLE"
	RideExpired            RideStatus = "EXPIRED" // reserved
)

type AssignmentStatus string

const (
	AssignmentOffered  AssignmentStatus = "OFFERED"
	AssignmentAccepted AssignmentStatus = "ACCEPTED"
	AssignmentDeclined AssignmentStatus = "DECLINED"
)

type TripStatus string

const (
	TripInProgress TripStatus = "IN_PROGRESS"
	TripCompleted  TripStatus = "COMPLETED"
)

type DriverStatus string

const (
	DriverOffline   DriverStatus = "OFFLINE"
	DriverAvailable DriverStatus = "AVAILABLE"
	DriverOnTrip    DriverStatus = "ON_TRIP"
)

type PaymentStatus string

const (
	PaymentPending    PaymentStatus = "PENDING"
	PaymentProcessing PaymentStatus = "PROCESSING"
	PaymentSuccess    PaymentStatus = "SUCCESS"
	PaymentFailed     PaymentStatus = "FAILED"
)

// Transition tables. A status missing from a table, or mapped to an empty
// list, has no way out.
var (
	rideTransitions = map[RideStatus][]RideStatus{
		RideRequested: {RideMatching, RideCancelled, RideNoDriversAvailable},
		RideMatching:  {RideMatching, RideMatched, RideCancelled, RideNoDriversAvailable},
		RideMatched:   {RideMatching, RideAccepted, RideCancelled},
	}
	assignmentTransitions = map[AssignmentStatus][]AssignmentStatus{
		AssignmentOffered: {AssignmentAccepted, AssignmentDeclined},
	}
	tripTransitions = map[TripStatus][]TripStatus{
		TripInProgress: {TripCompleted},
	}
	driverTransitions = map[DriverStatus][]DriverStatus{
		DriverOffline:   {DriverAvailable, DriverOffline},
		DriverAvailable: {DriverAvailable, DriverOffline, DriverOnTrip},
		DriverOnTrip:    {DriverAvailable},
	}
	paymentTransitions = map[PaymentStatus][]PaymentStatus{
		PaymentPending:    {PaymentProcessing},
		PaymentProcessing: {PaymentSuccess, PaymentFailed},
	}
)

func allowed[S comparable](table map[S][]S, from, to S) bool {
	for _, s := range table[from] {
		if s == to {
			return true
		}
	}
	return false
}

func (s RideStatus) CanTransitionTo(next RideStatus) bool {
	return allowed(rideTransitions, s, next)
}

// Terminal reports whether no further matching may happen for the ride.
func (s RideStatus) Terminal() bool {
	switch s {
	case RideCancelled, RideNoDriversAvailable, RideExpired:
		return true
	}
	return false
}

func (s AssignmentStatus) CanTransitionTo(next AssignmentStatus) bool {
	return allowed(assignmentTransitions, s, next)
}

func (s TripStatus) CanTransitionTo(next TripStatus) bool {
	return allowed(tripTransitions, s, next)
}

func (s DriverStatus) CanTransitionTo(next DriverStatus) bool {
	return allowed(driverTransitions, s, next)
}

func (s PaymentStatus) CanTransitionTo(next PaymentStatus) bool {
	return allowed(paymentTransitions, s, next)
}

// Transition moves the ride to next or returns a *TransitionError.
func (r *Ride) Transition(next RideStatus) error {
	if !r.Status.CanTransitionTo(next) {
		return &TransitionError{Entity: "ride", ID: r.ID, From: string(r.Status), To: string(next)}
	}
	r.Status = next
	return nil
}

func (a *RideAssignment) Transition(next AssignmentStatus) error {
	if !a.Status.CanTransitionTo(next) {
		return &TransitionError{Entity: "assignment", ID: a.ID, From: string(a.Status), To: string(next)}
	}
	a.Status = next
	return nil
}

func (t *Trip) Transition(next TripStatus) error {
	if !t.Status.CanTransitionTo(next) {
		return &TransitionError{Entity: "trip", ID: t.ID, From: string(t.Status), To: string(next)}
	}
	t.Status = next
	return nil
}

func (d *Driver) Transition(next DriverStatus) error {
	if !d.Status.CanTransitionTo(next) {
		return &TransitionError{Entity: "driver", ID: d.ID, From: string(d.Status), To: string(next)}
	}
	d.Status = next
	return nil
}

func (p *Payment) Transition(next PaymentStatus) error {
	if !p.Status.CanTransitionTo(next) {
		return &TransitionError{Entity: "payment", ID: p.ID, From: string(p.Status), To: string(next)}
	}
	p.Status = next
	return nil
}
