package eta

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/example/surge-dispatch/internal/models"
)

type countingRouter struct {
	r     Route
	err   error
	calls int
}

func (c *countingRouter) Route(context.Context, models.Coord, models.Coord) (Route, error) {
	c.calls++
	return c.r, c.err
}

func TestEstimatorUsesCacheThenRouter(t *testing.T) {
	a, b := models.Coord{Lat: 0, Lon: 0}, models.Coord{Lat: 0.01, Lon: 0}
	c := &countingRouter{r: Route{Meters: 1500, Seconds: 120}}
	e := &Estimator{Router: c, Cache: NewCache(time.Minute), SpeedMps: 10}

	got := e.Route(context.Background(), a, b)
	if got.Seconds != 120 || got.Meters != 1500 || !got.Routed {
		t.Fatalf("expected routed value, got %+v", got)
	}
	// A point a few metres away snaps to the same cache entry.
	near := models.Coord{Lat: 0.01001, Lon: 0}
	if s := e.Seconds(context.Background(), a, near); s != 120 || c.calls != 1 {
		t.Fatalf("expected cached value without a second call, got %v calls=%d", s, c.calls)
	}
}

func TestEstimatorFallsBackOnError(t *testing.T) {
	a, b := models.Coord{Lat: 0, Lon: 0}, models.Coord{Lat: 0.01, Lon: 0}
	cache := NewCache(time.Minute)
	e := &Estimator{Router: &countingRouter{err: errors.New("down")}, Cache: cache, SpeedMps: 10}
	got := e.Route(context.Background(), a, b)
	want := StraightLine(a, b, 10)
	if got != want || got.Routed || got.Seconds < 100 || got.Seconds > 120 {
		t.Fatalf("expected straight-line %+v, got %+v", want, got)
	}
	if cache.Len() != 0 {
		t.Fatalf("fallback estimates must not be cached")
	}
}

func TestStraightLineDefaultSpeed(t *testing.T) {
	a, b := models.Coord{Lat: 0, Lon: 0}, models.Coord{Lat: 0.01, Lon: 0}
	r := StraightLine(a, b, 0)
	if r.Seconds != r.Meters/DefaultSpeedMps {
		t.Fatalf("default speed not applied: %+v", r)
	}
}

func TestCacheExpiryAndBound(t *testing.T) {
	now := time.Date(2025, 3, 12, 10, 0, 0, 0, time.UTC)
	c := NewCache(time.Minute)
	c.now = func() time.Time { return now }
	c.maxEntries = 2

	a, b, d := models.Coord{Lat: 1, Lon: 1}, models.Coord{Lat: 2, Lon: 2}, models.Coord{Lat: 3, Lon: 3}
	c.Set(a, a, Route{Seconds: 5})
	c.Set(b, b, Route{Seconds: 6})
	c.Set(d, d, Route{Seconds: 7})
	if c.Len() != 2 {
		t.Fatalf("cache grew past its bound: %d", c.Len())
	}

	now = now.Add(time.Minute)
	if _, ok := c.Get(a, a); ok {
		t.Fatal("expected expired entry")
	}
	c.Set(d, d, Route{Seconds: 7})
	if r, ok := c.Get(d, d); !ok || r.Seconds != 7 {
		t.Fatalf("expired entries should be swept to make room")
	}
}

func TestOSRMClient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/route/v1/driving/2.000000,1.000000;4.000000,3.000000":
			fmt.Fprint(w, `{"code":"Ok","routes":[{"duration":321.5,"distance":4000}]}`)
		case "/route/v1/driving/0.000000,0.000000;0.000000,0.000000":
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprint(w, `{"code":"NoRoute","message":"Impossible route"}`)
		default:
			w.WriteHeader(http.StatusInternalServerError)
			fmt.Fprint(w, `{"code":"Error"}`)
		}
	}))
	defer srv.Close()

	o := NewOSRMClient(srv.URL + "/")
	got, err := o.Route(context.Background(), models.Coord{Lat: 1, Lon: 2}, models.Coord{Lat: 3, Lon: 4})
	if err != nil || got.Seconds != 321.5 || got.Meters != 4000 {
		t.Fatalf("expected 321.5s/4000m, got %+v err=%v", got, err)
	}
	if _, err := o.Route(context.Background(), models.Coord{}, models.Coord{}); !errors.Is(err, ErrNoRoute) {
		t.Fatalf("expected ErrNoRoute, got %v", err)
	}
	if _, err := o.Route(context.Background(), models.Coord{Lat: 5}, models.Coord{}); err == nil || errors.Is(err, ErrNoRoute) {
		t.Fatalf("expected server error, got %v", err)
	}
}
