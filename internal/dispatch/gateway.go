package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/example/surge-dispatch/internal/models"
)

const (
	MsgRideOffer     = "ride_offer"
	MsgOfferResult   = "offer_result"
	MsgRideCancelled = "ride_cancelled"
	MsgAck           = "ack"
	MsgAccept        = "accept"
	MsgReject        = "reject"
)

// ErrNoSession means the driver has no live WebSocket session.
var ErrNoSession = errors.New("no ws session")

// OfferMessage is what a driver sees for one attempt.
type OfferMessage struct {
	Type            string          `json:"type"`
	RideID          string          `json:"ride_id"`
	DriverID        models.DriverID `json:"driver_id"`
	Attempt         int             `json:"attempt"`
	Pickup          models.Place    `json:"pickup"`
	Destination     models.Place    `json:"destination"`
	RideType        string          `json:"ride_type,omitempty"`
	FareCents       int64           `json:"fare_cents"`
	SurgeMultiplier float64         `json:"surge_multiplier"`
	TimeoutSeconds  int             `json:"timeout_seconds"`
	ExpiresAt       time.Time       `json:"expires_at"`
}

// ResultMessage tells a driver how their offer ended.
type ResultMessage struct {
	Type     string          `json:"type"`
	RideID   string          `json:"ride_id"`
	DriverID models.DriverID `json:"driver_id"`
	Outcome  string          `json:"outcome"`
}

// CancelMessage tells the assigned or offered driver the rider cancelled.
type CancelMessage struct {
	Type              string          `json:"type"`
	RideID            string          `json:"ride_id"`
	DriverID          models.DriverID `json:"driver_id"`
	Actor             string          `json:"actor"`
	CompensationCents int64           `json:"compensation_cents,omitempty"`
}

// Gateway delivers dispatch notifications to drivers. Delivery is best
// effort; an undelivered offer simply times out.
type Gateway interface {
	OfferRide(ctx context.Context, msg OfferMessage) error
	OfferResult(ctx context.Context, msg ResultMessage) error
	RideCancelled(ctx context.Context, msg CancelMessage) error
}

// SignalHandler receives driver answers arriving over a session.
type SignalHandler interface {
	Accept(rideID string, driverID models.DriverID) (bool, Reason)
	Reject(rideID string, driverID models.DriverID) (bool, Reason)
}

// NewOfferMessage builds the offer shown to the driver of attempt a.
func NewOfferMessage(req models.RideRequest, a models.DispatchAttempt) OfferMessage {
	return OfferMessage{
		Type:            MsgRideOffer,
		RideID:          req.ID,
		DriverID:        a.DriverID,
		Attempt:         a.Seq,
		Pickup:          req.Pickup,
		Destination:     req.Destination,
		RideType:        req.RideType,
		FareCents:       req.FareCents,
		SurgeMultiplier: req.Multiplier,
		TimeoutSeconds:  int(a.Deadline.Sub(a.OfferedAt).Round(time.Second) / time.Second),
		ExpiresAt:       a.Deadline,
	}
}

// Fallback tries each gateway in order until one delivers.
type Fallback []Gateway

func (f Fallback) OfferRide(ctx context.Context, msg OfferMessage) error {
	return f.each(func(g Gateway) error { return g.OfferRide(ctx, msg) })
}

func (f Fallback) OfferResult(ctx context.Context, msg ResultMessage) error {
	return f.each(func(g Gateway) error { return g.OfferResult(ctx, msg) })
}

func (f Fallback) RideCancelled(ctx context.Context, msg CancelMessage) error {
	return f.each(func(g Gateway) error { return g.RideCancelled(ctx, msg) })
}

func (f Fallback) each(send func(Gateway) error) error {
	var errs []error
	for _, g := range f {
		err := send(g)
		if err == nil {
			return nil
		}
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
