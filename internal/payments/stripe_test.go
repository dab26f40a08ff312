package payments

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	stripe "github.com/stripe/stripe-go/v74"
)

type recorded struct {
	method string
	path   string
	form   map[string]string
}

// Intents the fake server knows how to return on GET.
var savedIntents = map[string]string{
	"/v1/payment_intents/pi_saved": `{"id":"pi_saved","object":"payment_intent","status":"requires_capture","customer":"cus_1","payment_method":"pm_1"}`,
	"/v1/payment_intents/pi_bare":  `{"id":"pi_bare","object":"payment_intent","status":"requires_payment_method"}`,
}

func fakeStripe(t *testing.T) (*StripeClient, *[]recorded, func()) {
	t.Helper()
	var (
		mu   sync.Mutex
		reqs []recorded
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		form := map[string]string{}
		for k := range r.PostForm {
			form[k] = r.PostForm.Get(k)
		}
		mu.Lock()
		reqs = append(reqs, recorded{method: r.Method, path: r.URL.Path, form: form})
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		if r.Method == http.MethodGet {
			body, ok := savedIntents[r.URL.Path]
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				_, _ = w.Write([]byte(`{"error":{"type":"invalid_request_error","message":"No such payment_intent"}}`))
				return
			}
			_, _ = w.Write([]byte(body))
			return
		}
		status := "requires_payment_method"
		if strings.HasSuffix(r.URL.Path, "/capture") {
			status = "succeeded"
		}
		_, _ = w.Write([]byte(`{"id":"pi_123","object":"payment_intent","status":"` + status + `"}`))
	}))
	backend := stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
		URL:               stripe.String(srv.URL),
		MaxNetworkRetries: stripe.Int64(0),
	})
	c := NewStripeClient("sk_test_123", &stripe.Backends{API: backend, Connect: backend, Uploads: backend})
	return c, &reqs, srv.Close
}

func TestStripeHoldUsesManualCapture(t *testing.T) {
	c, reqs, done := fakeStripe(t)
	defer done()

	id, err := c.Hold(context.Background(), 1850, "usd", "r1")
	if err != nil {
		t.Fatalf("hold: %v", err)
	}
	if id != "pi_123" {
		t.Fatalf("id: %s", id)
	}
	got := (*reqs)[0]
	if got.path != "/v1/payment_intents" {
		t.Fatalf("path: %s", got.path)
	}
	if got.form["amount"] != "1850" || got.form["capture_method"] != "manual" || got.form["metadata[ride_id]"] != "r1" {
		t.Fatalf("form: %v", got.form)
	}
}

func TestStripeCaptureAndRelease(t *testing.T) {
	c, reqs, done := fakeStripe(t)
	defer done()

	if err := c.Capture(context.Background(), "pi_123"); err != nil {
		t.Fatalf("capture: %v", err)
	}
	if err := c.Release(context.Background(), "pi_123"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if (*reqs)[0].path != "/v1/payment_intents/pi_123/capture" || (*reqs)[1].path != "/v1/payment_intents/pi_123/cancel" {
		t.Fatalf("paths: %+v", *reqs)
	}
}

func TestStripeCancellationCharge(t *testing.T) {
	c, reqs, done := fakeStripe(t)
	defer done()

	_, err := c.ChargeCancellation(context.Background(), Charge{
		AmountCents: 500, Currency: "usd", RideID: "r1", RiderID: "u1", DriverID: "d1", Description: "late cancel",
	})
	if err != nil {
		t.Fatalf("charge: %v", err)
	}
	form := (*reqs)[0].form
	if form["amount"] != "500" || form["metadata[kind]"] != "cancellation_fee" || form["metadata[driver_id]"] != "d1" {
		t.Fatalf("form: %v", form)
	}
	if _, ok := form["capture_method"]; ok {
		t.Fatalf("cancellation charge must capture automatically")
	}
}

func TestStripeCancellationChargeConfirmsSavedCard(t *testing.T) {
	c, reqs, done := fakeStripe(t)
	defer done()

	_, err := c.ChargeCancellation(context.Background(), Charge{
		AmountCents: 500, Currency: "usd", RideID: "r1", DriverID: "d1", HoldRef: "pi_saved",
	})
	if err != nil {
		t.Fatalf("charge: %v", err)
	}
	if len(*reqs) != 2 || (*reqs)[0].method != http.MethodGet || (*reqs)[0].path != "/v1/payment_intents/pi_saved" {
		t.Fatalf("expected the hold to be read first: %+v", *reqs)
	}
	form := (*reqs)[1].form
	if form["confirm"] != "true" || form["off_session"] != "true" || form["customer"] != "cus_1" || form["payment_method"] != "pm_1" {
		t.Fatalf("fee not confirmed against the saved card: %v", form)
	}
}

func TestStripeCancellationChargeWithoutSavedCard(t *testing.T) {
	c, reqs, done := fakeStripe(t)
	defer done()

	if _, err := c.ChargeCancellation(context.Background(), Charge{AmountCents: 500, Currency: "usd", RideID: "r1", HoldRef: "pi_bare"}); err != nil {
		t.Fatalf("charge: %v", err)
	}
	if _, ok := (*reqs)[1].form["confirm"]; ok {
		t.Fatalf("intent without a saved card must be left for the client: %v", (*reqs)[1].form)
	}

	if _, err := c.ChargeCancellation(context.Background(), Charge{AmountCents: 500, Currency: "usd", RideID: "r1", HoldRef: "pi_missing"}); err == nil {
		t.Fatal("expected an error when the hold cannot be read")
	}
}
