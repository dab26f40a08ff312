package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/example/surge-dispatch/internal/models"
	"github.com/example/surge-dispatch/internal/observability"
)

const gatewayTimeout = 3 * time.Second

// AttemptSink records resolved attempts for audit.
type AttemptSink interface {
	SaveAttempt(ctx context.Context, a models.DispatchAttempt) error
}

// Listener is told once when a cascade reaches a terminal state.
type Listener interface {
	CascadeMatched(ctx context.Context, req models.RideRequest, trip models.Trip, attempts []models.DispatchAttempt)
	CascadeExhausted(ctx context.Context, req models.RideRequest, attempts []models.DispatchAttempt)
	CascadeCancelled(ctx context.Context, req models.RideRequest, attempts []models.DispatchAttempt)
}

type ManagerConfig struct {
	Clock   Clock
	Timeout time.Duration
	Gateway Gateway
	Sink    AttemptSink
	Logger  *slog.Logger
}

// Manager owns the active cascades, one per ride. It routes driver signals
// by ride id and drains each cascade's events on its own goroutine.
type Manager struct {
	clock    Clock
	timeout  time.Duration
	gateway  Gateway
	sink     AttemptSink
	logger   *slog.Logger
	listener Listener

	mu     sync.Mutex
	active map[string]*Cascade
	wg     sync.WaitGroup
}

func NewManager(cfg ManagerConfig) *Manager {
	if cfg.Clock == nil {
		cfg.Clock = RealClock()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultOfferTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Manager{
		clock:   cfg.Clock,
		timeout: cfg.Timeout,
		gateway: cfg.Gateway,
		sink:    cfg.Sink,
		logger:  cfg.Logger,
		active:  make(map[string]*Cascade),
	}
}

// SetListener must be called before the first Start.
func (m *Manager) SetListener(l Listener) { m.listener = l }

func (m *Manager) Timeout() time.Duration { return m.timeout }

// Start registers and starts a cascade for req. A second cascade for a ride
// that is still active panics.
func (m *Manager) Start(req models.RideRequest, candidates []models.DriverID) *Cascade {
	c := New(m.clock, m.timeout, req, candidates)

	m.mu.Lock()
	if _, exists := m.active[req.ID]; exists {
		m.mu.Unlock()
		panic(fmt.Sprintf("dispatch: ride %s already has an active cascade", req.ID))
	}
	m.active[req.ID] = c
	m.mu.Unlock()

	observability.CascadesActive.Inc()
	m.wg.Add(1)
	go m.drain(c)
	m.logger.Info("dispatch started", "ride_id", req.ID, "candidates", len(candidates), "timeout", m.timeout.String())
	return c.Start()
}

func (m *Manager) Lookup(rideID string) (*Cascade, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.active[rideID]
	return c, ok
}

// Active is the number of cascades not yet drained to a terminal state.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

func (m *Manager) Accept(rideID string, driverID models.DriverID) (bool, Reason) {
	c, ok := m.Lookup(rideID)
	if !ok {
		return false, ReasonNotActive
	}
	return c.Accept(driverID)
}

func (m *Manager) Reject(rideID string, driverID models.DriverID) (bool, Reason) {
	c, ok := m.Lookup(rideID)
	if !ok {
		return false, ReasonNotActive
	}
	return c.Reject(driverID)
}

// Cancel cancels the ride's cascade. found is false when no cascade is
// active for the ride.
func (m *Manager) Cancel(rideID string) (state State, found bool) {
	c, ok := m.Lookup(rideID)
	if !ok {
		return StateIdle, false
	}
	return c.Cancel(), true
}

// Wait blocks until every started cascade has been drained.
func (m *Manager) Wait() { m.wg.Wait() }

// Shutdown cancels every active cascade and waits for them to drain or ctx to end.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	cs := make([]*Cascade, 0, len(m.active))
	for _, c := range m.active {
		cs = append(cs, c)
	}
	m.mu.Unlock()
	for _, c := range cs {
		c.Cancel()
	}
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) drain(c *Cascade) {
	defer m.wg.Done()
	for ev := range c.Events() {
		switch ev.Kind {
		case EventOffered:
			m.deliverOffer(c, ev.Attempt)
		case EventResolved:
			m.recordResolved(ev.Attempt)
		case EventMatched, EventExhausted, EventCancelled:
			m.finish(c, ev)
		}
	}
}

func (m *Manager) deliverOffer(c *Cascade, a models.DispatchAttempt) {
	if m.gateway == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), gatewayTimeout)
	defer cancel()
	if err := m.gateway.OfferRide(ctx, NewOfferMessage(c.Request(), a)); err != nil {
		observability.OfferDeliveryFailures.WithLabelValues("all").Inc()
		m.logger.Warn("offer not delivered", "ride_id", a.RideID, "driver_id", a.DriverID, "attempt", a.Seq, "error", err)
		return
	}
	m.logger.Info("offer sent", "ride_id", a.RideID, "driver_id", a.DriverID, "attempt", a.Seq)
}

func (m *Manager) recordResolved(a models.DispatchAttempt) {
	outcome := string(a.Outcome)
	observability.DispatchAttempts.WithLabelValues(outcome).Inc()
	if a.RespondedAt != nil {
		observability.OfferResponseSeconds.WithLabelValues(outcome).Observe(a.RespondedAt.Sub(a.OfferedAt).Seconds())
	}
	m.logger.Info("attempt resolved", "ride_id", a.RideID, "driver_id", a.DriverID, "attempt", a.Seq, "outcome", outcome)

	ctx, cancel := context.WithTimeout(context.Background(), gatewayTimeout)
	defer cancel()
	if m.sink != nil {
		if err := m.sink.SaveAttempt(ctx, a); err != nil {
			m.logger.Error("save attempt", "ride_id", a.RideID, "attempt", a.Seq, "error", err)
		}
	}
	// Rider cancellation also expires the pending attempt, but before its
	// deadline; that driver hears about it through RideCancelled instead.
	timedOut := a.Outcome == models.OutcomeExpired && a.RespondedAt != nil && a.RespondedAt.After(a.Deadline)
	if m.gateway != nil && (a.Outcome == models.OutcomeAccepted || timedOut) {
		msg := ResultMessage{Type: MsgOfferResult, RideID: a.RideID, DriverID: a.DriverID, Outcome: outcome}
		if err := m.gateway.OfferResult(ctx, msg); err != nil {
			m.logger.Debug("offer result not delivered", "ride_id", a.RideID, "driver_id", a.DriverID, "error", err)
		}
	}
}

// finish runs the terminal bookkeeping. The cascade stays registered until
// the listener returns, so a Cancel racing the listener still finds it and
// sees the terminal state instead of an unknown ride.
func (m *Manager) finish(c *Cascade, ev Event) {
	defer func() {
		m.mu.Lock()
		delete(m.active, c.RideID())
		m.mu.Unlock()
		observability.CascadesActive.Dec()
	}()

	attempts := c.Attempts()
	req := c.Request()
	ctx := context.Background()

	switch ev.Kind {
	case EventMatched:
		observability.CascadesFinished.WithLabelValues(StateMatched.String()).Inc()
		m.logger.Info("ride matched", "ride_id", req.ID, "driver_id", ev.Trip.DriverID, "attempts", len(attempts))
		if m.listener != nil {
			m.listener.CascadeMatched(ctx, req, *ev.Trip, attempts)
		}
	case EventExhausted:
		observability.CascadesFinished.WithLabelValues(StateExhausted.String()).Inc()
		m.logger.Info("dispatch exhausted", "ride_id", req.ID, "attempts", len(attempts))
		if m.listener != nil {
			m.listener.CascadeExhausted(ctx, req, attempts)
		}
	case EventCancelled:
		observability.CascadesFinished.WithLabelValues(StateCancelled.String()).Inc()
		m.logger.Info("dispatch cancelled", "ride_id", req.ID, "attempts", len(attempts))
		if n := len(attempts); n > 0 && m.gateway != nil {
			last := attempts[n-1]
			if last.Outcome == models.OutcomeExpired && last.RespondedAt != nil && !last.RespondedAt.After(last.Deadline) {
				gctx, cancel := context.WithTimeout(ctx, gatewayTimeout)
				// Cascades are only ever cancelled by the rider.
				msg := CancelMessage{Type: MsgRideCancelled, RideID: req.ID, DriverID: last.DriverID, Actor: "rider"}
				if err := m.gateway.RideCancelled(gctx, msg); err != nil {
					m.logger.Debug("cancel notice not delivered", "ride_id", req.ID, "driver_id", last.DriverID, "error", err)
				}
				cancel()
			}
		}
		if m.listener != nil {
			m.listener.CascadeCancelled(ctx, req, attempts)
		}
	}
}
