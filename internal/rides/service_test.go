package rides

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/example/surge-dispatch/internal/demand"
	"github.com/example/surge-dispatch/internal/dispatch"
	"github.com/example/surge-dispatch/internal/geo"
	"github.com/example/surge-dispatch/internal/models"
	"github.com/example/surge-dispatch/internal/payments"
	"github.com/example/surge-dispatch/internal/storage"
	"github.com/example/surge-dispatch/internal/stream"
	"github.com/example/surge-dispatch/internal/surge"
)

var (
	start   = time.Date(2025, 3, 12, 10, 0, 0, 0, time.UTC)
	pickup  = models.Coord{Lat: 40.7128, Lon: -74.0060}
	dropoff = models.Coord{Lat: 40.7306, Lon: -73.9866}
)

type fakePayments struct {
	mu       sync.Mutex
	holds    []string
	captured []string
	released []string
	charges  []payments.Charge
}

func (p *fakePayments) Hold(_ context.Context, _ int64, _, rideID string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.holds = append(p.holds, rideID)
	return "pi_" + rideID, nil
}

func (p *fakePayments) Capture(_ context.Context, ref string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.captured = append(p.captured, ref)
	return nil
}

func (p *fakePayments) Release(_ context.Context, ref string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.released = append(p.released, ref)
	return nil
}

func (p *fakePayments) ChargeCancellation(_ context.Context, c payments.Charge) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.charges = append(p.charges, c)
	return "pi_fee", nil
}

type fakeEvents struct {
	mu     sync.Mutex
	events []stream.RideEvent
}

func (f *fakeEvents) Publish(_ context.Context, ev stream.RideEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return nil
}

func (f *fakeEvents) types() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.events))
	for i, ev := range f.events {
		out[i] = ev.Type
	}
	return out
}

type fakeGateway struct {
	mu      sync.Mutex
	offers  []dispatch.OfferMessage
	cancels []dispatch.CancelMessage
}

func (g *fakeGateway) OfferRide(_ context.Context, msg dispatch.OfferMessage) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.offers = append(g.offers, msg)
	return nil
}

func (g *fakeGateway) OfferResult(context.Context, dispatch.ResultMessage) error { return nil }

func (g *fakeGateway) RideCancelled(_ context.Context, msg dispatch.CancelMessage) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cancels = append(g.cancels, msg)
	return nil
}

type harness struct {
	svc    *Service
	clk    *dispatch.FakeClock
	mgr    *dispatch.Manager
	geo    *geo.Index
	store  *storage.MemoryStore
	pay    *fakePayments
	events *fakeEvents
	gw     *fakeGateway
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

// gateHandler parks the goroutine that logs msg until release is closed.
type gateHandler struct {
	msg     string
	reached chan struct{}
	release chan struct{}
	once    sync.Once
}

func newGate(msg string) *gateHandler {
	return &gateHandler{msg: msg, reached: make(chan struct{}), release: make(chan struct{})}
}

func (g *gateHandler) Enabled(context.Context, slog.Level) bool { return true }

func (g *gateHandler) Handle(_ context.Context, r slog.Record) error {
	if r.Message == g.msg {
		g.once.Do(func() { close(g.reached) })
		<-g.release
	}
	return nil
}

func (g *gateHandler) WithAttrs([]slog.Attr) slog.Handler { return g }
func (g *gateHandler) WithGroup(string) slog.Handler      { return g }

func newHarness(t *testing.T, opts ...func(*dispatch.ManagerConfig)) *harness {
	t.Helper()
	ctx := context.Background()
	h := &harness{
		clk:    dispatch.NewFakeClock(start),
		geo:    geo.NewIndex(),
		store:  storage.NewMemoryStore(),
		pay:    &fakePayments{},
		events: &fakeEvents{},
		gw:     &fakeGateway{},
	}
	zones := surge.NewZoneStore(surge.NopRepository{}, surge.DefaultAlgorithmConfig())
	if _, err := zones.UpsertZone(ctx, surge.Zone{Code: "DT", Center: pickup, RadiusM: 3000, BaseMultiplier: 1.5}); err != nil {
		t.Fatalf("zone: %v", err)
	}
	surgeSvc := surge.NewService(zones, quietLogger(), surge.WithClock(h.clk.Now))
	mcfg := dispatch.ManagerConfig{
		Clock: h.clk, Timeout: 7 * time.Second, Gateway: h.gw, Sink: h.store, Logger: quietLogger(),
	}
	for _, opt := range opts {
		opt(&mcfg)
	}
	h.mgr = dispatch.NewManager(mcfg)
	h.svc = NewService(DefaultConfig(), Deps{
		Geo:      h.geo,
		Surge:    surgeSvc,
		Demand:   demand.NewMemorySampler(h.geo, demand.DefaultWindow),
		Dispatch: h.mgr,
		Gateway:  h.gw,
		Store:    h.store,
		Events:   h.events,
		Payments: h.pay,
		Logger:   quietLogger(),
		Now:      h.clk.Now,
	})
	return h
}

func (h *harness) addDriver(t *testing.T, id string, dLat float64) {
	t.Helper()
	d := models.Driver{
		ID: models.DriverID(id), Loc: models.Coord{Lat: pickup.Lat + dLat, Lon: pickup.Lon},
		Rating: 4.8, AcceptanceRate: 0.9, Online: true, Updated: start,
	}
	if err := h.geo.Upsert(context.Background(), d); err != nil {
		t.Fatalf("upsert driver: %v", err)
	}
}

func (h *harness) submit(t *testing.T) RideView {
	t.Helper()
	v, err := h.svc.Submit(context.Background(), SubmitCommand{
		RiderID:     "rider-1",
		Pickup:      models.Place{Coord: pickup, Address: "City Hall"},
		Destination: models.Place{Coord: dropoff, Address: "Union Square"},
		RideType:    "standard",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	return v
}

func TestSubmitMatchesNearestDriver(t *testing.T) {
	h := newHarness(t)
	h.addDriver(t, "far", 0.02)
	h.addDriver(t, "near", 0.001)
	h.addDriver(t, "mid", 0.01)

	v := h.submit(t)
	if v.Status != models.RideSearching || v.Candidates != 3 {
		t.Fatalf("submit view: %+v", v)
	}
	if v.SurgeMultiplier != 1.5 {
		t.Fatalf("expected zone base multiplier 1.5, got %v", v.SurgeMultiplier)
	}
	if ok, reason := h.svc.DriverAccept(context.Background(), v.ID, "near"); !ok {
		t.Fatalf("accept: %s", reason)
	}
	h.mgr.Wait()

	got, err := h.svc.Get(context.Background(), v.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != models.RideMatched || got.DriverID != "near" || got.Trip == nil {
		t.Fatalf("view: %+v", got)
	}
	if got.Message != "Driver near is on the way" {
		t.Fatalf("message: %q", got.Message)
	}
	if len(got.Attempts) != 1 || got.Attempts[0].Outcome != models.OutcomeAccepted {
		t.Fatalf("attempts: %+v", got.Attempts)
	}
	if len(h.pay.holds) != 1 {
		t.Fatalf("fare not held: %+v", h.pay.holds)
	}
	if ride, busy := h.svc.Busy("near"); !busy || ride != v.ID {
		t.Fatalf("driver not marked busy")
	}
	types := h.events.types()
	if len(types) != 2 || types[0] != stream.EventRideRequested || types[1] != stream.EventRideMatched {
		t.Fatalf("events: %v", types)
	}
}

func TestSubmitWithoutDrivers(t *testing.T) {
	h := newHarness(t)
	v := h.submit(t)
	if v.Status != models.RideNoDrivers {
		t.Fatalf("status: %s", v.Status)
	}
	if !strings.Contains(v.Message, "No drivers available") {
		t.Fatalf("message: %q", v.Message)
	}
	if h.mgr.Active() != 0 {
		t.Fatalf("cascade started without candidates")
	}
	types := h.events.types()
	if types[len(types)-1] != stream.EventRideExhausted {
		t.Fatalf("events: %v", types)
	}
}

func TestSubmitRejectsInvalidCoordinates(t *testing.T) {
	h := newHarness(t)
	_, err := h.svc.Submit(context.Background(), SubmitCommand{
		RiderID: "r", Pickup: models.Place{Coord: models.Coord{Lat: 91}}, Destination: models.Place{Coord: dropoff},
	})
	if !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
}

func TestCascadeExhaustionMarksNoDrivers(t *testing.T) {
	h := newHarness(t)
	h.addDriver(t, "a", 0.001)
	h.addDriver(t, "b", 0.002)
	v := h.submit(t)

	h.clk.Advance(7*time.Second + time.Millisecond)
	h.clk.Advance(7*time.Second + time.Millisecond)
	h.mgr.Wait()

	got, _ := h.svc.Get(context.Background(), v.ID)
	if got.Status != models.RideNoDrivers {
		t.Fatalf("status: %s", got.Status)
	}
	if len(got.Attempts) != 2 {
		t.Fatalf("attempts: %+v", got.Attempts)
	}
	for _, a := range got.Attempts {
		if a.Outcome != models.OutcomeExpired {
			t.Fatalf("attempt %d: %s", a.Seq, a.Outcome)
		}
	}
}

func TestCancelDuringDispatch(t *testing.T) {
	h := newHarness(t)
	h.addDriver(t, "a", 0.001)
	h.addDriver(t, "b", 0.002)
	v := h.submit(t)
	h.clk.Advance(2 * time.Second)

	got, err := h.svc.Cancel(context.Background(), v.ID, ActorRider, 0)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got.Status != models.RideCancelled {
		t.Fatalf("status: %s", got.Status)
	}
	h.mgr.Wait()
	if len(h.gw.cancels) != 1 || h.gw.cancels[0].DriverID != "a" {
		t.Fatalf("offered driver not told: %+v", h.gw.cancels)
	}
	if len(h.pay.holds) != 0 || len(h.pay.charges) != 0 {
		t.Fatalf("no money should move before a match")
	}
	if _, err := h.svc.Cancel(context.Background(), v.ID, ActorRider, 0); !errors.Is(err, ErrAlreadyFinished) {
		t.Fatalf("second cancel: %v", err)
	}
}

func TestCancelAfterMatchChargesCompensation(t *testing.T) {
	h := newHarness(t)
	h.addDriver(t, "a", 0.001)
	v := h.submit(t)
	if ok, _ := h.svc.DriverAccept(context.Background(), v.ID, "a"); !ok {
		t.Fatalf("accept failed")
	}
	h.mgr.Wait()

	got, err := h.svc.Cancel(context.Background(), v.ID, ActorRider, 500)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got.Status != models.RideCancelled || got.Trip == nil || got.Trip.Status != models.TripCancelled {
		t.Fatalf("view: %+v", got)
	}
	if got.Trip.CompensationCents != 500 || got.Trip.CancelledBy != ActorRider || got.Trip.CancelledAt == nil {
		t.Fatalf("trip: %+v", got.Trip)
	}
	if !strings.Contains(got.Message, "5.00 USD") {
		t.Fatalf("message: %q", got.Message)
	}
	if len(h.pay.released) != 1 || h.pay.released[0] != "pi_"+v.ID {
		t.Fatalf("hold not released: %+v", h.pay.released)
	}
	if len(h.pay.charges) != 1 || h.pay.charges[0].AmountCents != 500 || h.pay.charges[0].DriverID != "a" {
		t.Fatalf("charges: %+v", h.pay.charges)
	}
	if h.pay.charges[0].HoldRef != "pi_"+v.ID {
		t.Fatalf("fee should be charged against the fare hold: %+v", h.pay.charges[0])
	}
	if len(h.gw.cancels) != 1 || h.gw.cancels[0].CompensationCents != 500 {
		t.Fatalf("driver notice: %+v", h.gw.cancels)
	}
	if _, busy := h.svc.Busy("a"); busy {
		t.Fatalf("driver still busy after cancellation")
	}
}

func TestDriverCancelCarriesNoCompensation(t *testing.T) {
	h := newHarness(t)
	h.addDriver(t, "a", 0.001)
	v := h.submit(t)
	h.svc.DriverAccept(context.Background(), v.ID, "a")
	h.mgr.Wait()

	got, err := h.svc.Cancel(context.Background(), v.ID, ActorDriver, 500)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got.Trip.CompensationCents != 0 || len(h.pay.charges) != 0 {
		t.Fatalf("driver cancellation charged the rider")
	}
}

func TestRiderCancelWhileMatchIsBeingRecorded(t *testing.T) {
	gate := newGate("ride matched")
	h := newHarness(t, func(c *dispatch.ManagerConfig) { c.Logger = slog.New(gate) })
	h.addDriver(t, "a", 0.001)
	v := h.submit(t)
	if ok, reason := h.svc.DriverAccept(context.Background(), v.ID, "a"); !ok {
		t.Fatalf("accept: %s", reason)
	}

	select {
	case <-gate.reached:
	case <-time.After(2 * time.Second):
		t.Fatal("match never reached the listener")
	}
	// The listener has not run yet; the cancel must still find the ride.
	got, err := h.svc.Cancel(context.Background(), v.ID, ActorRider, 0)
	close(gate.release)
	h.mgr.Wait()
	if err != nil {
		t.Fatalf("cancel between match and listener: %v", err)
	}
	if got.Status != models.RideCancelled || got.Trip == nil || got.Trip.Status != models.TripCancelled {
		t.Fatalf("view: %+v", got)
	}

	after, _ := h.svc.Get(context.Background(), v.ID)
	if after.Status != models.RideCancelled {
		t.Fatalf("late listener overwrote the cancellation: %s", after.Status)
	}
	if _, busy := h.svc.Busy("a"); busy {
		t.Fatal("driver still busy after cancellation")
	}
	h.pay.mu.Lock()
	defer h.pay.mu.Unlock()
	if len(h.pay.holds) != 1 || len(h.pay.released) != 1 || h.pay.released[0] != "pi_"+v.ID {
		t.Fatalf("hold should be placed once and released: holds=%v released=%v", h.pay.holds, h.pay.released)
	}
}

func TestDriverCannotCancelDuringDispatch(t *testing.T) {
	h := newHarness(t)
	h.addDriver(t, "a", 0.001)
	h.addDriver(t, "b", 0.002)
	v := h.submit(t)

	if _, err := h.svc.Cancel(context.Background(), v.ID, ActorDriver, 0); !errors.Is(err, ErrNotAssigned) {
		t.Fatalf("expected ErrNotAssigned, got %v", err)
	}
	if _, ok := h.mgr.Lookup(v.ID); !ok {
		t.Fatal("cascade must keep running")
	}
	got, _ := h.svc.Get(context.Background(), v.ID)
	if got.Status != models.RideSearching {
		t.Fatalf("status: %s", got.Status)
	}
	for _, ev := range h.events.types() {
		if ev == stream.EventRideCancelled {
			t.Fatal("no cancellation event expected")
		}
	}

	// Once the offers run out there is still no trip for a driver to cancel.
	h.clk.Advance(7*time.Second + time.Millisecond)
	h.clk.Advance(7*time.Second + time.Millisecond)
	h.mgr.Wait()
	if _, err := h.svc.Cancel(context.Background(), v.ID, ActorDriver, 0); !errors.Is(err, ErrNotAssigned) {
		t.Fatalf("after exhaustion: %v", err)
	}
}

func TestCancelValidation(t *testing.T) {
	h := newHarness(t)
	if _, err := h.svc.Cancel(context.Background(), "x", "admin", 0); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("bad actor: %v", err)
	}
	if _, err := h.svc.Cancel(context.Background(), "x", ActorRider, -1); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("negative compensation: %v", err)
	}
	if _, err := h.svc.Cancel(context.Background(), "missing", ActorRider, 0); !errors.Is(err, ErrRideNotFound) {
		t.Fatalf("unknown ride: %v", err)
	}
}

func TestAdvanceTrip(t *testing.T) {
	h := newHarness(t)
	h.addDriver(t, "a", 0.001)
	v := h.submit(t)
	h.svc.DriverAccept(context.Background(), v.ID, "a")
	h.mgr.Wait()
	ctx := context.Background()

	if _, err := h.svc.AdvanceTrip(ctx, v.ID, "b", models.TripPickup); !errors.Is(err, ErrNotAssigned) {
		t.Fatalf("wrong driver: %v", err)
	}
	if _, err := h.svc.AdvanceTrip(ctx, v.ID, "a", models.TripCompleted); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("skipped step: %v", err)
	}
	for _, to := range []models.TripStatus{models.TripPickup, models.TripEnroute, models.TripCompleted} {
		if _, err := h.svc.AdvanceTrip(ctx, v.ID, "a", to); err != nil {
			t.Fatalf("advance to %s: %v", to, err)
		}
	}
	got, _ := h.svc.Get(ctx, v.ID)
	if got.Trip.Status != models.TripCompleted || got.Trip.CompletedAt == nil {
		t.Fatalf("trip: %+v", got.Trip)
	}
	if !strings.HasPrefix(got.Message, "Trip completed") {
		t.Fatalf("message: %q", got.Message)
	}
	if len(h.pay.captured) != 1 {
		t.Fatalf("fare not captured")
	}
	if _, busy := h.svc.Busy("a"); busy {
		t.Fatalf("driver still busy after completion")
	}
	if _, err := h.svc.Cancel(ctx, v.ID, ActorRider, 0); !errors.Is(err, ErrAlreadyFinished) {
		t.Fatalf("cancel after completion: %v", err)
	}
}

func TestBusyDriverIsNotOffered(t *testing.T) {
	h := newHarness(t)
	h.addDriver(t, "a", 0.001)
	h.addDriver(t, "b", 0.01)
	first := h.submit(t)
	h.svc.DriverAccept(context.Background(), first.ID, "a")
	h.mgr.Wait()

	second := h.submit(t)
	if second.Candidates != 1 {
		t.Fatalf("busy driver offered again: candidates=%d", second.Candidates)
	}
	c, ok := h.mgr.Lookup(second.ID)
	if !ok || c.Candidates()[0] != "b" {
		t.Fatalf("expected only b as candidate")
	}
	h.svc.Cancel(context.Background(), second.ID, ActorRider, 0)
	h.mgr.Wait()
}

func TestFareEstimate(t *testing.T) {
	f := FareConfig{BaseCents: 250, PerKmCents: 120, PerMinuteCents: 30, MinimumCents: 500, Currency: "usd"}
	cases := []struct {
		name       string
		distM, dur float64
		mult       float64
		want       int64
	}{
		{"minimum floor", 100, 60, 1, 500},
		{"distance and time", 10000, 1200, 1, 250 + 1200 + 600},
		{"surge applies after floor", 100, 60, 2, 1000},
		{"below one ignored", 10000, 1200, 0.5, 2050},
		{"nan ignored", 10000, 1200, math.NaN(), 2050},
	}
	for _, tc := range cases {
		if got := f.Estimate(tc.distM, tc.dur, tc.mult); got != tc.want {
			t.Errorf("%s: got %d want %d", tc.name, got, tc.want)
		}
	}
}

func TestFormatCents(t *testing.T) {
	if got := FormatCents(1250, "usd"); got != "12.50 USD" {
		t.Fatalf("got %q", got)
	}
	if got := FormatCents(-5, ""); got != "-0.05 USD" {
		t.Fatalf("got %q", got)
	}
}

func TestCanTransition(t *testing.T) {
	if !CanTransition(models.TripAccepted, models.TripPickup) {
		t.Fatalf("accepted -> pickup should be allowed")
	}
	if CanTransition(models.TripPickup, models.TripAccepted) {
		t.Fatalf("backwards move allowed")
	}
	if CanTransition(models.TripCompleted, models.TripCancelled) {
		t.Fatalf("completed trip moved")
	}
}
