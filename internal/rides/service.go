// Package rides ties dispatch, pricing and persistence into the rider and
// driver facing ride lifecycle.
package rides

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/surge-dispatch/internal/demand"
	"github.com/example/surge-dispatch/internal/dispatch"
	"github.com/example/surge-dispatch/internal/eta"
	"github.com/example/surge-dispatch/internal/geo"
	"github.com/example/surge-dispatch/internal/matcher"
	"github.com/example/surge-dispatch/internal/models"
	"github.com/example/surge-dispatch/internal/observability"
	"github.com/example/surge-dispatch/internal/payments"
	"github.com/example/surge-dispatch/internal/storage"
	"github.com/example/surge-dispatch/internal/stream"
	"github.com/example/surge-dispatch/internal/surge"
	"github.com/example/surge-dispatch/internal/validation"
)

var (
	ErrInvalidRequest    = errors.New("invalid ride request")
	ErrRideNotFound      = errors.New("ride not found")
	ErrNotAssigned       = errors.New("driver is not assigned to this ride")
	ErrInvalidTransition = errors.New("invalid trip transition")
	ErrAlreadyFinished   = errors.New("ride already finished")
)

const (
	ActorRider  = "rider"
	ActorDriver = "driver"
)

type SubmitCommand struct {
	RiderID     string       `json:"rider_id" validate:"notblank"`
	Pickup      models.Place `json:"pickup"`
	Destination models.Place `json:"destination"`
	RideType    string       `json:"ride_type" validate:"max=32"`
}

// RideView is what the rider sees for one ride.
type RideView struct {
	ID              string                   `json:"ride_id"`
	Status          models.RideStatus        `json:"status"`
	Message         string                   `json:"message"`
	DriverID        models.DriverID          `json:"driver_id,omitempty"`
	ZoneID          string                   `json:"zone_id,omitempty"`
	FareCents       int64                    `json:"fare_cents"`
	SurgeMultiplier float64                  `json:"surge_multiplier"`
	Candidates      int                      `json:"candidates,omitempty"`
	Trip            *models.Trip             `json:"trip,omitempty"`
	Attempts        []models.DispatchAttempt `json:"attempts,omitempty"`
}

type Config struct {
	SearchRadiusM float64
	MaxCandidates int
	Fare          FareConfig
}

func DefaultConfig() Config {
	return Config{SearchRadiusM: 5000, MaxCandidates: 8, Fare: DefaultFareConfig()}
}

// Payments is the slice of the payment provider the ride lifecycle needs.
type Payments interface {
	payments.FareHolder
	payments.Compensator
}

type Deps struct {
	Geo      geo.Geo
	Ranker   matcher.Strategy
	ETA      *eta.Estimator
	Surge    *surge.Service
	Demand   demand.Sampler
	Dispatch *dispatch.Manager
	Gateway  dispatch.Gateway
	Store    storage.TripStore
	Events   stream.Publisher
	Payments Payments
	Logger   *slog.Logger
	Now      func() time.Time
}

// Service runs ride submission, driver answers, trip progress and
// cancellation. It is the dispatch manager's Listener.
type Service struct {
	cfg Config
	d   Deps

	mu    sync.Mutex
	busy  map[models.DriverID]string
	trips map[string]*tripEntry
}

// tripEntry is the live record of a matched ride. ready is closed once the
// match bookkeeping (fare hold, first save) is done.
type tripEntry struct {
	trip  models.Trip
	ready chan struct{}
}

func NewService(cfg Config, d Deps) *Service {
	if cfg.MaxCandidates <= 0 {
		cfg.MaxCandidates = DefaultConfig().MaxCandidates
	}
	if cfg.SearchRadiusM <= 0 {
		cfg.SearchRadiusM = DefaultConfig().SearchRadiusM
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Events == nil {
		d.Events = stream.NopPublisher{}
	}
	if d.Payments == nil {
		d.Payments = payments.Noop{}
	}
	if d.ETA == nil {
		d.ETA = &eta.Estimator{}
	}
	if d.Ranker == nil {
		d.Ranker = matcher.NewRanker(d.ETA)
	}
	s := &Service{
		cfg:   cfg,
		d:     d,
		busy:  make(map[models.DriverID]string),
		trips: make(map[string]*tripEntry),
	}
	d.Dispatch.SetListener(s)
	return s
}

// Busy reports the ride a driver is currently assigned to.
func (s *Service) Busy(driverID models.DriverID) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.busy[driverID]
	return id, ok
}

func (s *Service) Submit(ctx context.Context, cmd SubmitCommand) (RideView, error) {
	if err := validateSubmit(cmd); err != nil {
		return RideView{}, err
	}
	now := s.d.Now()
	req := models.RideRequest{
		ID:          uuid.NewString(),
		RiderID:     cmd.RiderID,
		Pickup:      cmd.Pickup,
		Destination: cmd.Destination,
		RideType:    cmd.RideType,
		Multiplier:  1.0,
		CreatedAt:   now,
	}

	if zone, ok := s.d.Surge.Store().ZoneAt(req.Pickup.Coord); ok {
		req.ZoneID = zone.ID
		if m, _, err := s.d.Surge.Multiplier(ctx, zone.ID); err == nil {
			req.Multiplier = m
		}
		if s.d.Demand != nil {
			if err := s.d.Demand.RecordRequest(ctx, zone.ID, now); err != nil {
				s.d.Logger.Warn("record demand", "zone_id", zone.ID, "error", err)
			}
		}
	}

	route := s.d.ETA.Route(ctx, req.Pickup.Coord, req.Destination.Coord)
	req.FareCents = s.cfg.Fare.Estimate(route.Meters, route.Seconds, req.Multiplier)

	candidates, err := s.candidates(ctx, req.Pickup.Coord)
	if err != nil {
		return RideView{}, fmt.Errorf("find drivers: %w", err)
	}

	ride := models.Ride{Request: req, Status: models.RideSearching, UpdatedAt: now}
	if len(candidates) == 0 {
		ride.Status = models.RideNoDrivers
	}
	if err := s.d.Store.SaveRide(ctx, ride); err != nil {
		return RideView{}, fmt.Errorf("save ride: %w", err)
	}
	observability.RidesSubmitted.Inc()
	s.publish(ctx, stream.RideEvent{
		Type: stream.EventRideRequested, RideID: req.ID, RiderID: req.RiderID, ZoneID: req.ZoneID,
		FareCents: req.FareCents, SurgeMultiplier: req.Multiplier, At: now,
	})
	s.d.Logger.Info("ride submitted", "ride_id", req.ID, "zone_id", req.ZoneID, "candidates", len(candidates),
		"fare_cents", req.FareCents, "surge_multiplier", req.Multiplier)

	if len(candidates) == 0 {
		s.publish(ctx, stream.RideEvent{Type: stream.EventRideExhausted, RideID: req.ID, RiderID: req.RiderID, ZoneID: req.ZoneID, At: now})
	} else {
		s.d.Dispatch.Start(req, candidates)
	}

	view := viewOf(ride, nil, nil, s.cfg.Fare.Currency)
	view.Candidates = len(candidates)
	return view, nil
}

func validateSubmit(cmd SubmitCommand) error {
	return validation.Struct(cmd, ErrInvalidRequest)
}

type cancelArgs struct {
	Actor             string `json:"actor" validate:"oneof=rider driver"`
	CompensationCents int64  `json:"compensation_cents" validate:"gte=0"`
}

// candidates is the ranked snapshot offered in order: online drivers in the
// search radius who are not on another trip, best MaxCandidates first.
func (s *Service) candidates(ctx context.Context, pickup models.Coord) ([]models.DriverID, error) {
	nearby, err := s.d.Geo.Nearby(ctx, pickup, s.cfg.SearchRadiusM, 0)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	eligible := nearby[:0]
	for _, d := range nearby {
		if _, busy := s.busy[d.ID]; !busy {
			eligible = append(eligible, d)
		}
	}
	s.mu.Unlock()

	ranked := s.d.Ranker.Rank(ctx, pickup, eligible)
	if len(ranked) > s.cfg.MaxCandidates {
		ranked = ranked[:s.cfg.MaxCandidates]
	}
	return ranked, nil
}

func (s *Service) DriverAccept(_ context.Context, rideID string, driverID models.DriverID) (bool, dispatch.Reason) {
	return s.d.Dispatch.Accept(rideID, driverID)
}

func (s *Service) DriverReject(_ context.Context, rideID string, driverID models.DriverID) (bool, dispatch.Reason) {
	return s.d.Dispatch.Reject(rideID, driverID)
}

// Get returns the rider's view of a ride including its attempt history.
func (s *Service) Get(ctx context.Context, rideID string) (RideView, error) {
	ride, err := s.d.Store.GetRide(ctx, rideID)
	if errors.Is(err, storage.ErrNotFound) {
		return RideView{}, ErrRideNotFound
	}
	if err != nil {
		return RideView{}, err
	}
	attempts, err := s.d.Store.Attempts(ctx, rideID)
	if err != nil {
		return RideView{}, err
	}
	trip, err := s.trip(ctx, rideID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return RideView{}, err
	}
	return viewOf(ride, trip, attempts, s.cfg.Fare.Currency), nil
}

func (s *Service) trip(ctx context.Context, rideID string) (*models.Trip, error) {
	e, err := s.entry(ctx, rideID)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	t := e.trip
	s.mu.Unlock()
	return &t, nil
}

// entry returns the live trip record once its match bookkeeping is done,
// pulling it from the store on first use after a restart.
func (s *Service) entry(ctx context.Context, rideID string) (*tripEntry, error) {
	s.mu.Lock()
	e, ok := s.trips[rideID]
	s.mu.Unlock()
	if ok {
		<-e.ready
		return e, nil
	}
	t, err := s.d.Store.GetTrip(ctx, rideID)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.trips[rideID]; ok {
		return e, nil
	}
	e = &tripEntry{trip: t, ready: make(chan struct{})}
	close(e.ready)
	s.trips[rideID] = e
	return e, nil
}

// Cancel stops a ride. While dispatch is still running the cascade is
// cancelled; once a driver has accepted, the trip is cancelled instead, the
// driver is freed and notified, and a rider cancellation may carry a
// compensation charge for the driver.
//
// A driver can only cancel once a trip exists; before that the result is
// ErrNotAssigned and dispatch carries on.
func (s *Service) Cancel(ctx context.Context, rideID, actor string, compensationCents int64) (RideView, error) {
	args := cancelArgs{Actor: actor, CompensationCents: compensationCents}
	if err := validation.Struct(args, ErrInvalidRequest); err != nil {
		return RideView{}, err
	}
	ride, err := s.d.Store.GetRide(ctx, rideID)
	if errors.Is(err, storage.ErrNotFound) {
		return RideView{}, ErrRideNotFound
	}
	if err != nil {
		return RideView{}, err
	}

	if c, ok := s.d.Dispatch.Lookup(rideID); ok {
		// Only the rider can stop a cascade. A driver has nothing to cancel
		// until one of them holds the trip.
		state := c.State()
		if actor == ActorRider {
			state = c.Cancel()
		} else if state != dispatch.StateMatched {
			return RideView{}, ErrNotAssigned
		}
		switch state {
		case dispatch.StateCancelled:
			ride.Status = models.RideCancelled
			ride.UpdatedAt = s.d.Now()
			if err := s.d.Store.SaveRide(ctx, ride); err != nil {
				return RideView{}, err
			}
			return s.Get(ctx, rideID)
		case dispatch.StateMatched:
			if t := c.Trip(); t != nil {
				s.recordMatch(ctx, c.Request(), *t)
			}
		default:
			return RideView{}, ErrAlreadyFinished
		}
	}

	if err := s.cancelTrip(ctx, rideID, actor, compensationCents); err != nil {
		return RideView{}, err
	}
	return s.Get(ctx, rideID)
}

func (s *Service) cancelTrip(ctx context.Context, rideID, actor string, compensationCents int64) error {
	e, err := s.entry(ctx, rideID)
	if errors.Is(err, storage.ErrNotFound) {
		if actor == ActorDriver {
			return ErrNotAssigned
		}
		return ErrAlreadyFinished
	}
	if err != nil {
		return err
	}

	now := s.d.Now()
	s.mu.Lock()
	if !Live(e.trip.Status) {
		s.mu.Unlock()
		return ErrAlreadyFinished
	}
	stamp(&e.trip, models.TripCancelled, now)
	e.trip.CancelledBy = actor
	if actor == ActorRider {
		e.trip.CompensationCents = compensationCents
	}
	delete(s.busy, e.trip.DriverID)
	trip := e.trip
	s.mu.Unlock()

	// The fee is charged to the card on the hold, so it goes first.
	if trip.CompensationCents > 0 {
		_, err := s.d.Payments.ChargeCancellation(ctx, payments.Charge{
			AmountCents: trip.CompensationCents,
			Currency:    s.cfg.Fare.Currency,
			RideID:      rideID,
			RiderID:     trip.RiderID,
			DriverID:    string(trip.DriverID),
			Description: "cancellation after driver assignment",
			HoldRef:     trip.PaymentRef,
		})
		if err != nil {
			s.d.Logger.Error("cancellation charge", "ride_id", rideID, "error", err)
		}
	}
	if trip.PaymentRef != "" {
		if err := s.d.Payments.Release(ctx, trip.PaymentRef); err != nil {
			s.d.Logger.Error("release fare hold", "ride_id", rideID, "error", err)
		}
	}
	if err := s.d.Store.SaveTrip(ctx, trip); err != nil {
		return err
	}
	if err := s.setRideStatus(ctx, rideID, models.RideCancelled, trip.DriverID); err != nil {
		return err
	}

	if s.d.Gateway != nil {
		msg := dispatch.CancelMessage{
			Type: dispatch.MsgRideCancelled, RideID: rideID, DriverID: trip.DriverID,
			Actor: actor, CompensationCents: trip.CompensationCents,
		}
		if err := s.d.Gateway.RideCancelled(ctx, msg); err != nil {
			s.d.Logger.Warn("trip cancel notice not delivered", "ride_id", rideID, "driver_id", trip.DriverID, "error", err)
		}
	}
	s.publish(ctx, stream.RideEvent{
		Type: stream.EventRideCancelled, RideID: rideID, RiderID: trip.RiderID, DriverID: trip.DriverID,
		Status: string(trip.Status), Actor: actor, CompensationCents: trip.CompensationCents, At: now,
	})
	s.d.Logger.Info("trip cancelled", "ride_id", rideID, "driver_id", trip.DriverID, "actor", actor,
		"compensation_cents", trip.CompensationCents)
	return nil
}

// AdvanceTrip moves the assigned driver's trip forward one step.
func (s *Service) AdvanceTrip(ctx context.Context, rideID string, driverID models.DriverID, to models.TripStatus) (models.Trip, error) {
	e, err := s.entry(ctx, rideID)
	if errors.Is(err, storage.ErrNotFound) {
		return models.Trip{}, ErrRideNotFound
	}
	if err != nil {
		return models.Trip{}, err
	}
	now := s.d.Now()
	s.mu.Lock()
	t := &e.trip
	switch {
	case t.DriverID != driverID:
		s.mu.Unlock()
		return models.Trip{}, ErrNotAssigned
	case !CanTransition(t.Status, to):
		from := t.Status
		s.mu.Unlock()
		return models.Trip{}, fmt.Errorf("%w: %s to %s", ErrInvalidTransition, from, to)
	}
	stamp(t, to, now)
	if to == models.TripCompleted {
		delete(s.busy, t.DriverID)
	}
	trip := *t
	s.mu.Unlock()

	if to == models.TripCompleted && trip.PaymentRef != "" {
		if err := s.d.Payments.Capture(ctx, trip.PaymentRef); err != nil {
			s.d.Logger.Error("capture fare", "ride_id", rideID, "error", err)
		}
	}
	if err := s.d.Store.SaveTrip(ctx, trip); err != nil {
		return models.Trip{}, err
	}
	s.publish(ctx, stream.RideEvent{
		Type: stream.EventTripUpdated, RideID: rideID, RiderID: trip.RiderID, DriverID: trip.DriverID,
		FareCents: trip.FareCents, Status: string(trip.Status), At: now,
	})
	s.d.Logger.Info("trip advanced", "ride_id", rideID, "driver_id", driverID, "status", string(to))
	return trip, nil
}

// recordMatch creates the trip for an accepted ride exactly once, whether
// it is reached from the dispatch listener or from a cancel that lost to
// the accept.
func (s *Service) recordMatch(ctx context.Context, req models.RideRequest, trip models.Trip) {
	s.mu.Lock()
	if e, ok := s.trips[req.ID]; ok {
		s.mu.Unlock()
		<-e.ready
		return
	}
	e := &tripEntry{trip: trip, ready: make(chan struct{})}
	s.trips[req.ID] = e
	s.busy[trip.DriverID] = req.ID
	s.mu.Unlock()
	defer close(e.ready)

	ref, err := s.d.Payments.Hold(ctx, trip.FareCents, s.cfg.Fare.Currency, req.ID)
	if err != nil {
		s.d.Logger.Error("hold fare", "ride_id", req.ID, "error", err)
	}
	s.mu.Lock()
	e.trip.PaymentRef = ref
	saved := e.trip
	s.mu.Unlock()

	if err := s.d.Store.SaveTrip(ctx, saved); err != nil {
		s.d.Logger.Error("save trip", "ride_id", req.ID, "error", err)
	}
	if err := s.setRideStatus(ctx, req.ID, models.RideMatched, trip.DriverID); err != nil {
		s.d.Logger.Error("save ride", "ride_id", req.ID, "error", err)
	}
}

func (s *Service) CascadeMatched(ctx context.Context, req models.RideRequest, trip models.Trip, attempts []models.DispatchAttempt) {
	s.recordMatch(ctx, req, trip)
	s.publish(ctx, stream.RideEvent{
		Type: stream.EventRideMatched, RideID: req.ID, RiderID: req.RiderID, DriverID: trip.DriverID,
		ZoneID: req.ZoneID, FareCents: trip.FareCents, SurgeMultiplier: req.Multiplier,
		Attempts: len(attempts), At: trip.AcceptedAt,
	})
}

func (s *Service) CascadeExhausted(ctx context.Context, req models.RideRequest, attempts []models.DispatchAttempt) {
	if err := s.setRideStatus(ctx, req.ID, models.RideNoDrivers, ""); err != nil {
		s.d.Logger.Error("save ride", "ride_id", req.ID, "error", err)
	}
	s.publish(ctx, stream.RideEvent{
		Type: stream.EventRideExhausted, RideID: req.ID, RiderID: req.RiderID, ZoneID: req.ZoneID,
		Attempts: len(attempts), At: s.d.Now(),
	})
}

func (s *Service) CascadeCancelled(ctx context.Context, req models.RideRequest, attempts []models.DispatchAttempt) {
	if err := s.setRideStatus(ctx, req.ID, models.RideCancelled, ""); err != nil {
		s.d.Logger.Error("save ride", "ride_id", req.ID, "error", err)
	}
	s.publish(ctx, stream.RideEvent{
		Type: stream.EventRideCancelled, RideID: req.ID, RiderID: req.RiderID, ZoneID: req.ZoneID,
		Attempts: len(attempts), Actor: ActorRider, At: s.d.Now(),
	})
}

func (s *Service) setRideStatus(ctx context.Context, rideID string, status models.RideStatus, driverID models.DriverID) error {
	ride, err := s.d.Store.GetRide(ctx, rideID)
	if err != nil {
		return err
	}
	ride.Status = status
	if driverID != "" {
		ride.DriverID = driverID
	}
	ride.UpdatedAt = s.d.Now()
	return s.d.Store.SaveRide(ctx, ride)
}

func (s *Service) publish(ctx context.Context, ev stream.RideEvent) {
	if err := s.d.Events.Publish(ctx, ev); err != nil {
		s.d.Logger.Warn("publish event", "type", ev.Type, "ride_id", ev.RideID, "error", err)
	}
}

func viewOf(ride models.Ride, trip *models.Trip, attempts []models.DispatchAttempt, currency string) RideView {
	return RideView{
		ID:              ride.Request.ID,
		Status:          ride.Status,
		Message:         message(ride, trip, currency),
		DriverID:        ride.DriverID,
		ZoneID:          ride.Request.ZoneID,
		FareCents:       ride.Request.FareCents,
		SurgeMultiplier: ride.Request.Multiplier,
		Trip:            trip,
		Attempts:        attempts,
	}
}

func message(ride models.Ride, trip *models.Trip, currency string) string {
	switch ride.Status {
	case models.RideSearching:
		return "Searching for a driver"
	case models.RideNoDrivers:
		return "No drivers available right now. Please try again shortly."
	case models.RideCancelled:
		if trip != nil && trip.CompensationCents > 0 {
			return fmt.Sprintf("Ride cancelled. A cancellation fee of %s was charged to compensate your driver.",
				FormatCents(trip.CompensationCents, currency))
		}
		return "Ride cancelled"
	case models.RideMatched:
		if trip == nil {
			return fmt.Sprintf("Driver %s accepted your ride", ride.DriverID)
		}
		switch trip.Status {
		case models.TripPickup:
			return fmt.Sprintf("Driver %s has arrived at your pickup", trip.DriverID)
		case models.TripEnroute:
			return "On the way to your destination"
		case models.TripCompleted:
			return fmt.Sprintf("Trip completed. Fare %s", FormatCents(trip.FareCents, currency))
		}
		return fmt.Sprintf("Driver %s is on the way", trip.DriverID)
	}
	return string(ride.Status)
}
