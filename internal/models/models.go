package models

import "time"

type Coord struct {
	Lat float64 `json:"lat" validate:"latitude"`
	Lon float64 `json:"lon" validate:"longitude"`
}

// Tier is the vehicle class used for matching and per-km pricing.
type Tier string

const (
	TierAuto  Tier = "AUTO"
	TierSedan Tier = "SEDAN"
	TierSUV   Tier = "SUV"
)

var Tiers = []Tier{TierAuto, TierSedan, TierSUV}

type PaymentMethod string

const (
	PaymentCash   PaymentMethod = "CASH"
	PaymentCard   PaymentMethod = "CARD"
	PaymentUPI    PaymentMethod = "UPI"
	PaymentWallet PaymentMethod = "WALLET"
)

var PaymentMethods = []PaymentMethod{PaymentCash, PaymentCard, PaymentUPI, PaymentWallet}

type Rider struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	Phone     string    `json:"phone"`
	CreatedAt time.Time `json:"created_at"`
}

type Driver struct {
	ID        string       `json:"id"`
	Name      string       `json:"name"`
	Email     string       `json:"email"`
	Phone     string       `json:"phone"`
	Tier      Tier         `json:"vehicle_tier"`
	Status    DriverStatus `json:"status"`
	Loc       *Coord       `json:"loc,omitempty"` // last reported position, nil until the first ping
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}

type Ride struct {
	ID               string        `json:"id"`
	RiderID          string        `json:"rider_id"`
	Pickup           Coord         `json:"pickup"`
	Destination      Coord         `json:"destination"`
	Tier             Tier          `json:"vehicle_tier"`
	Status           RideStatus    `json:"status"`
	AssignedDriverID string        `json:"assigned_driver_id,omitempty"`
	SurgeMultiplier  float64       `json:"surge_multiplier"`
	EstimatedFare    float64       `json:"estimated_fare"`
	PaymentMethod    PaymentMethod `json:"payment_method"`
	IdempotencyKey   string        `json:"idempotency_key"`
	CreatedAt        time.Time     `json:"created_at"`
	UpdatedAt        time.Time     `json:"updated_at"`
}

type RideAssignment struct {
	ID          string           `json:"id"`
	RideID      string           `json:"ride_id"`
	DriverID    string           `json:"driver_id"`
	Status      AssignmentStatus `json:"status"`
	OfferedAt   time.Time        `json:"offered_at"`
	RespondedAt *time.Time       `json:"responded_at,omitempty"`
}

type Trip struct {
	ID              string     `json:"id"`
	RideID          string     `json:"ride_id"`
	DriverID        string     `json:"driver_id"`
	RiderID         string     `json:"rider_id"`
	Tier            Tier       `json:"vehicle_tier"`
	Status          TripStatus `json:"status"`
	Start           Coord      `json:"start"`
	End             *Coord     `json:"end,omitempty"`
	StartedAt       time.Time  `json:"started_at"`
	EndedAt         *time.Time `json:"ended_at,omitempty"`
	DistanceKm      float64    `json:"distance_km"`
	BaseFare        float64    `json:"base_fare"`
	SurgeMultiplier float64    `json:"surge_multiplier"`
	TotalFare       float64    `json:"total_fare"`
}

type Payment struct {
	ID               string        `json:"id"`
	TripID           string        `json:"trip_id"`
	RiderID          string        `json:"rider_id"`
	Amount           float64       `json:"amount"`
	Currency         string        `json:"currency"`
	Status           PaymentStatus `json:"status"`
	Method           PaymentMethod `json:"payment_method"`
	PSPTransactionID string        `json:"psp_transaction_id,omitempty"`
	IdempotencyKey   string        `json:"idempotency_key"`
	CreatedAt        time.Time     `json:"created_at"`
	UpdatedAt        time.Time     `json:"updated_at"`
}

type EventType string

const (
	EventRequested        EventType = "REQUESTED"
	EventDriverAssigned   EventType = "DRIVER_ASSIGNED"
	EventDriverEnRoute    EventType = "DRIVER_EN_ROUTE"
	EventDriverArrived    EventType = "DRIVER_ARRIVED"
	EventTripStarted      EventType = "TRIP_STARTED"
	EventTripCompleted    EventType = "TRIP_COMPLETED"
	EventPaymentCompleted EventType = "PAYMENT_COMPLETED"
	EventCancelled        EventType = "CANCELLED"
	EventNoDrivers        EventType = "NO_DRIVERS"
)

// RideEvent is one entry of a ride's append-only audit trail. Seq is assigned
// by the store and orders events of the same ride.
type RideEvent struct {
	ID         string            `json:"event_id"`
	Seq        int64             `json:"seq"`
	RideID     string            `json:"ride_id"`
	RiderID    string            `json:"rider_id"`
	DriverID   string            `json:"driver_id,omitempty"`
	Type       EventType         `json:"event_type"`
	OccurredAt time.Time         `json:"timestamp"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// LocationPing is the best-effort driver position stream payload.
type LocationPing struct {
	DriverID  string       `json:"driver_id"`
	Loc       Coord        `json:"loc"`
	Tier      Tier         `json:"vehicle_tier"`
	Status    DriverStatus `json:"status"`
	Timestamp time.Time    `json:"timestamp"`
}

// PendingOffer is an OFFERED assignment joined with the ride it proposes.
type PendingOffer struct {
	RideID          string    `json:"ride_id"`
	RiderID         string    `json:"rider_id"`
	Pickup          Coord     `json:"pickup"`
	Destination     Coord     `json:"destination"`
	Tier            Tier      `json:"vehicle_tier"`
	EstimatedFare   float64   `json:"estimated_fare"`
	SurgeMultiplier float64   `json:"surge_multiplier"`
	OfferedAt       time.Time `json:"offered_at"`
}

// MatchOffer is pushed to a driver when a ride is offered to them.
type MatchOffer struct {
	RideID        string  `json:"ride_id"`
	DriverID      string  `json:"driver_id"`
	Pickup        Coord   `json:"pickup"`
	Destination   Coord   `json:"destination"`
	Tier          Tier    `json:"vehicle_tier"`
	EstimatedFare float64 `json:"estimated_fare"`
	ETA           float64 `json:"eta_seconds"`
}
