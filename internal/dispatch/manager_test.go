package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/surge-dispatch/internal/models"
)

type fakeGateway struct {
	mu       sync.Mutex
	offers   []OfferMessage
	results  []ResultMessage
	cancels  []CancelMessage
	offerErr error
}

func (g *fakeGateway) OfferRide(_ context.Context, msg OfferMessage) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.offers = append(g.offers, msg)
	return g.offerErr
}

func (g *fakeGateway) OfferResult(_ context.Context, msg ResultMessage) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.results = append(g.results, msg)
	return nil
}

func (g *fakeGateway) RideCancelled(_ context.Context, msg CancelMessage) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cancels = append(g.cancels, msg)
	return nil
}

type fakeSink struct {
	mu       sync.Mutex
	attempts []models.DispatchAttempt
}

func (s *fakeSink) SaveAttempt(_ context.Context, a models.DispatchAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts = append(s.attempts, a)
	return nil
}

type fakeListener struct {
	mu        sync.Mutex
	matched   []models.Trip
	exhausted []string
	cancelled []string
}

func (l *fakeListener) CascadeMatched(_ context.Context, _ models.RideRequest, trip models.Trip, _ []models.DispatchAttempt) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.matched = append(l.matched, trip)
}

func (l *fakeListener) CascadeExhausted(_ context.Context, req models.RideRequest, _ []models.DispatchAttempt) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.exhausted = append(l.exhausted, req.ID)
}

func (l *fakeListener) CascadeCancelled(_ context.Context, req models.RideRequest, _ []models.DispatchAttempt) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cancelled = append(l.cancelled, req.ID)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func newTestManager(clk Clock, gw Gateway) (*Manager, *fakeSink, *fakeListener) {
	sink := &fakeSink{}
	l := &fakeListener{}
	m := NewManager(ManagerConfig{Clock: clk, Timeout: 7 * time.Second, Gateway: gw, Sink: sink, Logger: quietLogger()})
	m.SetListener(l)
	return m, sink, l
}

func TestManagerRoutesSignalsAndNotifies(t *testing.T) {
	clk := NewFakeClock(epoch)
	gw := &fakeGateway{}
	m, sink, l := newTestManager(clk, gw)

	m.Start(testRequest("r1"), drivers("d1", "d2", "d3"))
	if m.Active() != 1 {
		t.Fatalf("active: got %d", m.Active())
	}

	clk.Advance(7*time.Second + time.Millisecond)
	if ok, _ := m.Reject("r1", "d2"); !ok {
		t.Fatalf("reject routed to wrong cascade")
	}
	if ok, _ := m.Accept("r1", "d3"); !ok {
		t.Fatalf("accept routed to wrong cascade")
	}
	m.Wait()

	if m.Active() != 0 {
		t.Fatalf("finished cascade still registered")
	}
	if len(l.matched) != 1 || l.matched[0].DriverID != "d3" {
		t.Fatalf("listener matched: %+v", l.matched)
	}
	if len(sink.attempts) != 3 {
		t.Fatalf("sink attempts: got %d", len(sink.attempts))
	}

	if len(gw.offers) != 3 {
		t.Fatalf("offers: got %d", len(gw.offers))
	}
	for i, o := range gw.offers {
		if o.Attempt != i+1 || o.TimeoutSeconds != 7 || o.SurgeMultiplier != 1.5 || o.FareCents != 1850 {
			t.Fatalf("offer %d: %+v", i, o)
		}
	}
	// d1 hears that it timed out and d3 that it won; d2 rejected on its own.
	if len(gw.results) != 2 || gw.results[0].DriverID != "d1" || gw.results[0].Outcome != "expired" ||
		gw.results[1].DriverID != "d3" || gw.results[1].Outcome != "accepted" {
		t.Fatalf("results: %+v", gw.results)
	}
}

func TestManagerUnknownRide(t *testing.T) {
	m, _, _ := newTestManager(NewFakeClock(epoch), nil)
	if ok, reason := m.Accept("nope", "d1"); ok || reason != ReasonNotActive {
		t.Fatalf("accept: ok=%v reason=%s", ok, reason)
	}
	if _, found := m.Cancel("nope"); found {
		t.Fatalf("cancel reported found for unknown ride")
	}
}

func TestManagerExhaustion(t *testing.T) {
	clk := NewFakeClock(epoch)
	m, _, l := newTestManager(clk, &fakeGateway{offerErr: errors.New("offline")})
	m.Start(testRequest("r1"), drivers("d1", "d2"))
	clk.Advance(7*time.Second + time.Millisecond)
	clk.Advance(7*time.Second + time.Millisecond)
	m.Wait()
	if len(l.exhausted) != 1 || l.exhausted[0] != "r1" {
		t.Fatalf("exhausted: %+v", l.exhausted)
	}
}

func TestManagerCancelNotifiesOfferedDriver(t *testing.T) {
	clk := NewFakeClock(epoch)
	gw := &fakeGateway{}
	m, _, l := newTestManager(clk, gw)
	m.Start(testRequest("r1"), drivers("d1", "d2"))
	clk.Advance(time.Second)

	state, found := m.Cancel("r1")
	if !found || state != StateCancelled {
		t.Fatalf("cancel: state=%s found=%v", state, found)
	}
	m.Wait()
	if len(l.cancelled) != 1 {
		t.Fatalf("listener not told about cancel")
	}
	if len(gw.cancels) != 1 || gw.cancels[0].DriverID != "d1" {
		t.Fatalf("cancel notices: %+v", gw.cancels)
	}
	if len(gw.results) != 0 {
		t.Fatalf("cancelled offer should not produce an expiry result: %+v", gw.results)
	}
}

func TestManagerDuplicateRidePanics(t *testing.T) {
	m, _, _ := newTestManager(NewFakeClock(epoch), nil)
	m.Start(testRequest("r1"), drivers("d1"))
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic on duplicate ride")
		}
		_ = m.Shutdown(context.Background())
	}()
	m.Start(testRequest("r1"), drivers("d2"))
}

func TestManagerShutdownCancelsActive(t *testing.T) {
	m, _, l := newTestManager(NewFakeClock(epoch), nil)
	m.Start(testRequest("r1"), drivers("d1"))
	m.Start(testRequest("r2"), drivers("d2"))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := m.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if len(l.cancelled) != 2 || m.Active() != 0 {
		t.Fatalf("cancelled=%v active=%d", l.cancelled, m.Active())
	}
}

func TestWSRegistryDeliversOfferAndAcceptsAnswer(t *testing.T) {
	clk := NewFakeClock(epoch)
	reg := NewWSRegistry(quietLogger())
	m, _, l := newTestManager(clk, reg)

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		reg.Serve(r.Context(), models.DriverID(r.URL.Query().Get("driver_id")), conn, m)
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?driver_id=d1"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for !reg.Connected("d1") {
		if time.Now().After(deadline) {
			t.Fatalf("session never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	m.Start(testRequest("r1"), drivers("d1"))
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var offer OfferMessage
	if err := conn.ReadJSON(&offer); err != nil {
		t.Fatalf("read offer: %v", err)
	}
	if offer.Type != MsgRideOffer || offer.RideID != "r1" || offer.DriverID != "d1" {
		t.Fatalf("offer: %+v", offer)
	}

	if err := conn.WriteJSON(InboundMessage{Type: MsgAccept, RideID: "r1"}); err != nil {
		t.Fatalf("write accept: %v", err)
	}
	got := map[string]json.RawMessage{}
	for i := 0; i < 2; i++ {
		var raw json.RawMessage
		if err := conn.ReadJSON(&raw); err != nil {
			t.Fatalf("read reply %d: %v", i, err)
		}
		var head struct {
			Type string `json:"type"`
		}
		_ = json.Unmarshal(raw, &head)
		got[head.Type] = raw
	}
	var ack AckMessage
	if err := json.Unmarshal(got[MsgAck], &ack); err != nil || !ack.OK || ack.Reason != ReasonOK {
		t.Fatalf("ack: %s", got[MsgAck])
	}
	if _, ok := got[MsgOfferResult]; !ok {
		t.Fatalf("no offer result received: %v", got)
	}
	m.Wait()
	if len(l.matched) != 1 {
		t.Fatalf("ride not matched over ws")
	}
}

func TestPushGatewayPostsMessage(t *testing.T) {
	var body map[string]map[string]any
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := NewPushGateway(srv.URL, "secret")
	a := models.DispatchAttempt{RideID: "r1", DriverID: "d9", Seq: 2, OfferedAt: epoch, Deadline: epoch.Add(7 * time.Second)}
	if err := p.OfferRide(context.Background(), NewOfferMessage(testRequest("r1"), a)); err != nil {
		t.Fatalf("offer: %v", err)
	}
	if auth != "Bearer secret" {
		t.Fatalf("auth header: %q", auth)
	}
	msg := body["message"]
	if msg["topic"] != "driver-d9" {
		t.Fatalf("topic: %v", msg["topic"])
	}
	data, _ := msg["data"].(map[string]any)
	if data["type"] != MsgRideOffer {
		t.Fatalf("data type: %v", data["type"])
	}
}

func TestPushGatewayReportsHTTPFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()
	err := NewPushGateway(srv.URL, "").RideCancelled(context.Background(), CancelMessage{Type: MsgRideCancelled, RideID: "r1", DriverID: "d1"})
	if err == nil {
		t.Fatalf("expected error on 503")
	}
}

func TestFallbackStopsAtFirstSuccess(t *testing.T) {
	failing := &fakeGateway{offerErr: errors.New("down")}
	ok := &fakeGateway{}
	never := &fakeGateway{}
	err := Fallback{failing, ok, never}.OfferRide(context.Background(), OfferMessage{RideID: "r1"})
	if err != nil {
		t.Fatalf("fallback: %v", err)
	}
	if len(ok.offers) != 1 || len(never.offers) != 0 {
		t.Fatalf("fallback tried gateways out of order")
	}
	if err := (Fallback{failing}).OfferRide(context.Background(), OfferMessage{}); err == nil {
		t.Fatalf("expected joined error when all fail")
	}
}

// blockingListener parks CascadeMatched until release is closed.
type blockingListener struct {
	fakeListener
	entered chan struct{}
	release chan struct{}
}

func (l *blockingListener) CascadeMatched(ctx context.Context, req models.RideRequest, trip models.Trip, attempts []models.DispatchAttempt) {
	close(l.entered)
	<-l.release
	l.fakeListener.CascadeMatched(ctx, req, trip, attempts)
}

func TestCancelDuringMatchListenerSeesMatched(t *testing.T) {
	clk := NewFakeClock(epoch)
	m := NewManager(ManagerConfig{Clock: clk, Timeout: 7 * time.Second, Gateway: &fakeGateway{}, Logger: quietLogger()})
	l := &blockingListener{entered: make(chan struct{}), release: make(chan struct{})}
	m.SetListener(l)

	m.Start(testRequest("r1"), drivers("a", "b"))
	if ok, reason := m.Accept("r1", "a"); !ok {
		t.Fatalf("accept: %s", reason)
	}
	select {
	case <-l.entered:
	case <-time.After(2 * time.Second):
		t.Fatalf("listener never called")
	}

	state, found := m.Cancel("r1")
	close(l.release)
	m.Wait()

	if !found || state != StateMatched {
		t.Fatalf("cancel inside listener window: state=%s found=%v", state, found)
	}
	if m.Active() != 0 {
		t.Fatalf("cascade still registered after the listener returned")
	}
	if len(l.matched) != 1 || len(l.cancelled) != 0 {
		t.Fatalf("matched=%d cancelled=%d", len(l.matched), len(l.cancelled))
	}
}
