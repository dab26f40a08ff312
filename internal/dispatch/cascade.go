package dispatch

import (
	"fmt"
	"sync"
	"time"

	"github.com/example/surge-dispatch/internal/models"
)

// DefaultOfferTimeout is how long a driver has to answer one offer.
const DefaultOfferTimeout = 7 * time.Second

type State int

const (
	StateIdle State = iota
	StateOffering
	StateMatched
	StateExhausted
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOffering:
		return "offering"
	case StateMatched:
		return "matched"
	case StateExhausted:
		return "exhausted"
	case StateCancelled:
		return "cancelled"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

func (s State) Terminal() bool {
	return s == StateMatched || s == StateExhausted || s == StateCancelled
}

// Reason explains why a driver signal did or did not take effect.
type Reason string

const (
	ReasonOK         Reason = "ok"
	ReasonNotCurrent Reason = "not_current_candidate"
	ReasonExpired    Reason = "offer_expired"
	ReasonTerminal   Reason = "dispatch_finished"
	ReasonNotActive  Reason = "not_active"
)

type EventKind int

const (
	EventOffered EventKind = iota
	EventResolved
	EventMatched
	EventExhausted
	EventCancelled
)

func (k EventKind) String() string {
	switch k {
	case EventOffered:
		return "offered"
	case EventResolved:
		return "resolved"
	case EventMatched:
		return "matched"
	case EventExhausted:
		return "exhausted"
	case EventCancelled:
		return "cancelled"
	}
	return fmt.Sprintf("event(%d)", int(k))
}

// Event reports cascade progress. Attempt is set on Offered and Resolved,
// Trip on Matched.
type Event struct {
	Kind    EventKind
	RideID  string
	Attempt models.DispatchAttempt
	Trip    *models.Trip
}

// Cascade offers one ride to an ordered list of drivers, one at a time,
// until a driver accepts, every driver has declined or timed out, or the
// rider cancels. At most one attempt is pending at any moment and every
// attempt is resolved exactly once: accept, reject, timer expiry and
// cancel all claim the pending attempt under mu and only the first wins.
type Cascade struct {
	clock      Clock
	timeout    time.Duration
	req        models.RideRequest
	candidates []models.DriverID

	mu       sync.Mutex
	state    State
	next     int
	attempts []models.DispatchAttempt
	timer    Timer
	trip     *models.Trip
	events   chan Event
}

// New validates the candidate list and returns an idle cascade. It panics on
// an empty or duplicated candidate list; both are caller bugs.
func New(clock Clock, timeout time.Duration, req models.RideRequest, candidates []models.DriverID) *Cascade {
	if len(candidates) == 0 {
		panic("dispatch: cascade needs at least one candidate")
	}
	seen := make(map[models.DriverID]struct{}, len(candidates))
	for _, id := range candidates {
		if _, dup := seen[id]; dup {
			panic(fmt.Sprintf("dispatch: duplicate candidate %q", id))
		}
		seen[id] = struct{}{}
	}
	if clock == nil {
		clock = RealClock()
	}
	if timeout <= 0 {
		timeout = DefaultOfferTimeout
	}
	return &Cascade{
		clock:      clock,
		timeout:    timeout,
		req:        req,
		candidates: append([]models.DriverID(nil), candidates...),
		attempts:   make([]models.DispatchAttempt, 0, len(candidates)),
		// Offered+Resolved per candidate plus one terminal event.
		events: make(chan Event, 2*len(candidates)+1),
	}
}

// Start offers the ride to the first candidate. Starting twice panics.
func (c *Cascade) Start() *Cascade {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateIdle {
		panic("dispatch: cascade started twice")
	}
	c.state = StateOffering
	c.offerNextLocked()
	return c
}

func (c *Cascade) RideID() string { return c.req.ID }
func (c *Cascade) Request() models.RideRequest { return c.req }
func (c *Cascade) Candidates() []models.DriverID { return append([]models.DriverID(nil), c.candidates...) }
func (c *Cascade) Timeout() time.Duration { return c.timeout }

// Events is closed after the terminal event.
func (c *Cascade) Events() <-chan Event { return c.events }

func (c *Cascade) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Cascade) Attempts() []models.DispatchAttempt {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]models.DispatchAttempt(nil), c.attempts...)
}

// Trip is nil unless the cascade matched.
func (c *Cascade) Trip() *models.Trip {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.trip == nil {
		return nil
	}
	t := *c.trip
	return &t
}

// Current returns the pending attempt, if any.
func (c *Cascade) Current() (models.DispatchAttempt, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur := c.pendingLocked(); cur != nil {
		return *cur, true
	}
	return models.DispatchAttempt{}, false
}

// Accept claims the pending attempt for driverID. It succeeds only for the
// current candidate at or before the deadline. An accept that arrives after
// the deadline but before the timer fired resolves the attempt as expired.
func (c *Cascade) Accept(driverID models.DriverID) (bool, Reason) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cur, reason := c.claimableLocked(driverID)
	if cur == nil {
		return false, reason
	}
	now := c.clock.Now()
	if now.After(cur.Deadline) {
		c.expireAndAdvanceLocked(now)
		return false, ReasonExpired
	}
	c.stopTimerLocked()
	c.resolveLocked(cur, models.OutcomeAccepted, now)
	c.trip = &models.Trip{
		ID:         c.req.ID,
		DriverID:   driverID,
		RiderID:    c.req.RiderID,
		FareCents:  c.req.FareCents,
		Status:     models.TripAccepted,
		AcceptedAt: now,
	}
	trip := *c.trip
	c.finishLocked(StateMatched, Event{Kind: EventMatched, RideID: c.req.ID, Trip: &trip})
	return true, ReasonOK
}

// Reject declines the pending attempt for driverID and moves to the next candidate.
func (c *Cascade) Reject(driverID models.DriverID) (bool, Reason) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cur, reason := c.claimableLocked(driverID)
	if cur == nil {
		return false, reason
	}
	now := c.clock.Now()
	if now.After(cur.Deadline) {
		c.expireAndAdvanceLocked(now)
		return false, ReasonExpired
	}
	c.stopTimerLocked()
	c.resolveLocked(cur, models.OutcomeRejected, now)
	c.next++
	c.offerNextLocked()
	return true, ReasonOK
}

// Cancel stops the cascade on behalf of the rider. The pending attempt, if
// any, is expired. It returns the state the cascade ends in: StateMatched
// means the accept already won and the trip must be cancelled instead.
func (c *Cascade) Cancel() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.Terminal() {
		return c.state
	}
	if cur := c.pendingLocked(); cur != nil {
		c.stopTimerLocked()
		c.resolveLocked(cur, models.OutcomeExpired, c.clock.Now())
	}
	c.finishLocked(StateCancelled, Event{Kind: EventCancelled, RideID: c.req.ID})
	return StateCancelled
}

func (c *Cascade) claimableLocked(driverID models.DriverID) (*models.DispatchAttempt, Reason) {
	switch {
	case c.state.Terminal():
		return nil, ReasonTerminal
	case c.state != StateOffering:
		return nil, ReasonNotActive
	}
	cur := c.pendingLocked()
	if cur == nil || cur.DriverID != driverID {
		return nil, ReasonNotCurrent
	}
	return cur, ReasonOK
}

func (c *Cascade) pendingLocked() *models.DispatchAttempt {
	if len(c.attempts) == 0 {
		return nil
	}
	cur := &c.attempts[len(c.attempts)-1]
	if cur.Outcome != models.OutcomePending {
		return nil
	}
	return cur
}

func (c *Cascade) offerNextLocked() {
	if c.next >= len(c.candidates) {
		c.finishLocked(StateExhausted, Event{Kind: EventExhausted, RideID: c.req.ID})
		return
	}
	now := c.clock.Now()
	a := models.DispatchAttempt{
		RideID:    c.req.ID,
		DriverID:  c.candidates[c.next],
		Seq:       c.next + 1,
		OfferedAt: now,
		Deadline:  now.Add(c.timeout),
		Outcome:   models.OutcomePending,
	}
	c.attempts = append(c.attempts, a)
	c.armLocked(a.Seq, c.timeout)
	c.events <- Event{Kind: EventOffered, RideID: c.req.ID, Attempt: a}
}

func (c *Cascade) armLocked(seq int, d time.Duration) {
	c.timer = c.clock.AfterFunc(d, func() { c.onTimer(seq) })
}

// onTimer expires attempt seq. It only claims strictly after the deadline;
// a timer firing at the deadline re-arms so that an accept landing on the
// same instant still wins.
func (c *Cascade) onTimer(seq int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateOffering {
		return
	}
	cur := c.pendingLocked()
	if cur == nil || cur.Seq != seq {
		return
	}
	now := c.clock.Now()
	if !now.After(cur.Deadline) {
		c.armLocked(seq, cur.Deadline.Sub(now)+time.Nanosecond)
		return
	}
	c.expireAndAdvanceLocked(now)
}

func (c *Cascade) expireAndAdvanceLocked(now time.Time) {
	cur := c.pendingLocked()
	if cur == nil {
		return
	}
	c.stopTimerLocked()
	c.resolveLocked(cur, models.OutcomeExpired, now)
	c.next++
	c.offerNextLocked()
}

func (c *Cascade) resolveLocked(a *models.DispatchAttempt, outcome models.AttemptOutcome, at time.Time) {
	a.Outcome = outcome
	a.RespondedAt = &at
	c.events <- Event{Kind: EventResolved, RideID: c.req.ID, Attempt: *a}
}

func (c *Cascade) stopTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (c *Cascade) finishLocked(s State, ev Event) {
	c.stopTimerLocked()
	c.state = s
	c.events <- ev
	close(c.events)
}
