package models

import "time"

type Coord struct {
	Lat float64 `json:"lat" validate:"latitude"`
	Lon float64 `json:"lon" validate:"longitude"`
}

// Place is a coordinate plus the human readable address shown to drivers.
type Place struct {
	Coord
	Address string `json:"address,omitempty"`
}

type DriverID string

type RideRequest struct {
	ID          string    `json:"id"`
	RiderID     string    `json:"rider_id"`
	Pickup      Place     `json:"pickup"`
	Destination Place     `json:"destination"`
	RideType    string    `json:"ride_type"`
	ZoneID      string    `json:"zone_id,omitempty"`
	FareCents   int64     `json:"fare_cents"`
	Multiplier  float64   `json:"surge_multiplier"`
	CreatedAt   time.Time `json:"created_at"`
}

type Driver struct {
	ID             DriverID  `json:"id" validate:"required"`
	Loc            Coord     `json:"loc"`
	Rating         float64   `json:"rating" validate:"gte=0,lte=5"`
	AcceptanceRate float64   `json:"acceptance_rate" validate:"gte=0,lte=1"`
	Online         bool      `json:"online"`
	Updated        time.Time `json:"updated"`
}

type AttemptOutcome string

const (
	OutcomePending  AttemptOutcome = "pending"
	OutcomeAccepted AttemptOutcome = "accepted"
	OutcomeRejected AttemptOutcome = "rejected"
	OutcomeExpired  AttemptOutcome = "expired"
)

// DispatchAttempt is one timed offer of a ride to a single driver.
// Deadline never changes after the attempt is armed.
type DispatchAttempt struct {
	RideID      string         `json:"ride_id"`
	DriverID    DriverID       `json:"driver_id"`
	Seq         int            `json:"attempt"`
	OfferedAt   time.Time      `json:"offered_at"`
	Deadline    time.Time      `json:"deadline"`
	Outcome     AttemptOutcome `json:"outcome"`
	RespondedAt *time.Time     `json:"responded_at,omitempty"`
}

type TripStatus string

const (
	TripAccepted  TripStatus = "accepted"
	TripPickup    TripStatus = "pickup"
	TripEnroute   TripStatus = "enroute"
	TripCompleted TripStatus = "completed"
	TripCancelled TripStatus = "cancelled"
)

type Trip struct {
	ID          string     `json:"id"`
	DriverID    DriverID   `json:"driver_id"`
	RiderID     string     `json:"rider_id"`
	FareCents   int64      `json:"fare_cents"`
	Status      TripStatus `json:"status"`
	AcceptedAt  time.Time  `json:"accepted_at"`
	PickupAt    *time.Time `json:"pickup_at,omitempty"`
	EnrouteAt   *time.Time `json:"enroute_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CancelledAt *time.Time `json:"cancelled_at,omitempty"`
	CancelledBy string     `json:"cancelled_by,omitempty"`
	// CompensationCents is paid to the driver when a rider cancels after assignment.
	CompensationCents int64 `json:"compensation_cents,omitempty"`
	// PaymentRef identifies the fare hold with the payment provider.
	PaymentRef string `json:"-"`
}

// RideStatus is the rider-facing dispatch state of a ride.
type RideStatus string

const (
	RideSearching RideStatus = "searching"
	RideMatched   RideStatus = "matched"
	RideNoDrivers RideStatus = "no_drivers"
	RideCancelled RideStatus = "cancelled"
)

type Ride struct {
	Request   RideRequest `json:"request"`
	Status    RideStatus  `json:"status"`
	DriverID  DriverID    `json:"driver_id,omitempty"`
	UpdatedAt time.Time   `json:"updated_at"`
}
