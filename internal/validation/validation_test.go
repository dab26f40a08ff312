package validation

import (
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/example/surge-dispatch/internal/models"
)

var errInvalid = errors.New("invalid thing")

type pickupRequest struct {
	Rider  string       `json:"rider_id" validate:"notblank"`
	Pickup models.Place `json:"pickup"`
	Score  float64      `json:"score" validate:"finite,gte=0,lte=5"`
	Kind   string       `json:"kind" validate:"omitempty,oneof=a b"`
}

func TestStructWrapsSentinel(t *testing.T) {
	ok := pickupRequest{Rider: "r1", Pickup: models.Place{Coord: models.Coord{Lat: 40.7, Lon: -74}}, Score: 4.5}
	if err := Struct(ok, errInvalid); err != nil {
		t.Fatalf("expected valid, got %v", err)
	}

	bad := pickupRequest{Rider: "  ", Pickup: models.Place{Coord: models.Coord{Lat: 95, Lon: -74}}, Score: 6, Kind: "c"}
	err := Struct(bad, errInvalid)
	if !errors.Is(err, errInvalid) {
		t.Fatalf("expected sentinel, got %v", err)
	}
	for _, want := range []string{"rider_id is required", "pickup.lat out of range", "score must be <= 5", "kind must be one of [a b]"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("missing %q in %v", want, err)
		}
	}
}

func TestNonFiniteValuesRejected(t *testing.T) {
	for _, v := range []float64{math.NaN(), math.Inf(1)} {
		in := pickupRequest{Rider: "r1", Score: v}
		if errs := Check(in); len(errs) == 0 {
			t.Fatalf("score %v should fail", v)
		}
	}
	if errs := Check(pickupRequest{Rider: "r1", Pickup: models.Place{Coord: models.Coord{Lat: math.NaN()}}}); len(errs) != 1 {
		t.Fatalf("NaN latitude should be the only failure, got %v", errs)
	}
}
