package payments

import (
	"context"
	"fmt"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/client"
)

// Charge describes money taken from a rider outside the normal fare, such
// as the fee for cancelling after a driver was assigned.
type Charge struct {
	AmountCents int64
	Currency    string
	RideID      string
	RiderID     string
	DriverID    string
	Description string
	// HoldRef is the ride's fare hold. The card that authorized it pays the fee.
	HoldRef string
}

// Compensator charges a rider so the assigned driver can be compensated.
type Compensator interface {
	ChargeCancellation(ctx context.Context, c Charge) (string, error)
}

// FareHolder reserves the fare when a ride is matched and settles it later.
type FareHolder interface {
	Hold(ctx context.Context, amountCents int64, currency, rideID string) (string, error)
	Capture(ctx context.Context, ref string) error
	Release(ctx context.Context, ref string) error
}

// StripeClient is a thin wrapper around stripe-go PaymentIntents for the
// fare hold/capture/release flow and cancellation charges.
type StripeClient struct {
	api *client.API
}

// NewStripeClient builds a client for key. backends may be nil; tests point
// it at a local server.
func NewStripeClient(key string, backends *stripe.Backends) *StripeClient {
	sc := &client.API{}
	sc.Init(key, backends)
	return &StripeClient{api: sc}
}

// Hold creates a PaymentIntent with capture_method=manual and returns its id.
func (s *StripeClient) Hold(ctx context.Context, amountCents int64, currency, rideID string) (string, error) {
	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(amountCents),
		Currency:      stripe.String(currency),
		CaptureMethod: stripe.String(string(stripe.PaymentIntentCaptureMethodManual)),
		Description:   stripe.String("ride " + rideID),
	}
	params.Context = ctx
	params.AddMetadata("ride_id", rideID)
	pi, err := s.api.PaymentIntents.New(params)
	if err != nil {
		return "", fmt.Errorf("hold fare for ride %s: %w", rideID, err)
	}
	return pi.ID, nil
}

// Capture finalizes a previously held PaymentIntent.
func (s *StripeClient) Capture(ctx context.Context, ref string) error {
	params := &stripe.PaymentIntentCaptureParams{}
	params.Context = ctx
	_, err := s.api.PaymentIntents.Capture(ref, params)
	return err
}

// Release cancels the hold on a PaymentIntent.
func (s *StripeClient) Release(ctx context.Context, ref string) error {
	params := &stripe.PaymentIntentCancelParams{}
	params.Context = ctx
	_, err := s.api.PaymentIntents.Cancel(ref, params)
	return err
}

// ChargeCancellation confirms the fee off-session against the customer and
// card saved on the fare hold. Without a hold, or when the hold was never
// confirmed with a saved card, the intent is only created and the rider app
// has to confirm it.
func (s *StripeClient) ChargeCancellation(ctx context.Context, c Charge) (string, error) {
	params := &stripe.PaymentIntentParams{
		Amount:      stripe.Int64(c.AmountCents),
		Currency:    stripe.String(c.Currency),
		Description: stripe.String(c.Description),
	}
	params.Context = ctx
	if c.HoldRef != "" {
		customer, method, err := s.savedMethod(ctx, c.HoldRef)
		if err != nil {
			return "", fmt.Errorf("cancellation charge for ride %s: read hold: %w", c.RideID, err)
		}
		if customer != "" && method != "" {
			params.Customer = stripe.String(customer)
			params.PaymentMethod = stripe.String(method)
			params.Confirm = stripe.Bool(true)
			params.OffSession = stripe.Bool(true)
		}
	}
	params.AddMetadata("ride_id", c.RideID)
	params.AddMetadata("rider_id", c.RiderID)
	params.AddMetadata("driver_id", c.DriverID)
	params.AddMetadata("kind", "cancellation_fee")
	pi, err := s.api.PaymentIntents.New(params)
	if err != nil {
		return "", fmt.Errorf("cancellation charge for ride %s: %w", c.RideID, err)
	}
	return pi.ID, nil
}

// savedMethod returns the customer and card attached to a PaymentIntent.
func (s *StripeClient) savedMethod(ctx context.Context, ref string) (customer, method string, err error) {
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	pi, err := s.api.PaymentIntents.Get(ref, params)
	if err != nil {
		return "", "", err
	}
	if pi.Customer != nil {
		customer = pi.Customer.ID
	}
	if pi.PaymentMethod != nil {
		method = pi.PaymentMethod.ID
	}
	return customer, method, nil
}

// Noop accepts every request without moving money; used when no Stripe key
// is configured.
type Noop struct{}

func (Noop) Hold(context.Context, int64, string, string) (string, error) { return "", nil }
func (Noop) Capture(context.Context, string) error { return nil }
func (Noop) Release(context.Context, string) error { return nil }
func (Noop) ChargeCancellation(context.Context, Charge) (string, error) { return "", nil }
