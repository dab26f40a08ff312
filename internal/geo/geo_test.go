package geo

import (
	"context"
	"math"
	"testing"

	"github.com/example/surge-dispatch/internal/models"
)

func TestHaversineZero(t *testing.T) {
	d := Haversine(0, 0, 0, 0)
	if d != 0 {
		t.Fatalf("expected 0, got %f", d)
	}
}

func TestHaversineOneDegreeLatitude(t *testing.T) {
	d := Haversine(0, 0, 1, 0)
	if math.Abs(d-111195) > 100 {
		t.Fatalf("expected ~111km, got %f", d)
	}
}

func TestIndexNearbyFiltersAndOrders(t *testing.T) {
	ctx := context.Background()
	idx := NewIndex()
	center := models.Coord{Lat: 12.97, Lon: 77.59}
	_ = idx.Upsert(ctx, models.Driver{ID: "far", Loc: models.Coord{Lat: 13.20, Lon: 77.59}, Online: true})
	_ = idx.Upsert(ctx, models.Driver{ID: "b", Loc: models.Coord{Lat: 12.975, Lon: 77.59}, Online: true})
	_ = idx.Upsert(ctx, models.Driver{ID: "a", Loc: models.Coord{Lat: 12.975, Lon: 77.59}, Online: true})
	_ = idx.Upsert(ctx, models.Driver{ID: "near", Loc: models.Coord{Lat: 12.971, Lon: 77.59}, Online: true})
	_ = idx.Upsert(ctx, models.Driver{ID: "off", Loc: models.Coord{Lat: 12.97, Lon: 77.59}, Online: false})

	got, err := idx.Nearby(ctx, center, 5000, 10)
	if err != nil {
		t.Fatal(err)
	}
	want := []models.DriverID{"near", "a", "b"}
	if len(got) != len(want) {
		t.Fatalf("expected %d drivers, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i].ID != want[i] {
			t.Fatalf("position %d: expected %s, got %s", i, want[i], got[i].ID)
		}
	}

	got, _ = idx.Nearby(ctx, center, 5000, 1)
	if len(got) != 1 || got[0].ID != "near" {
		t.Fatalf("limit not applied: %+v", got)
	}

	n, _ := idx.CountWithin(ctx, center, 5000)
	if n != 3 {
		t.Fatalf("expected 3 online drivers in radius, got %d", n)
	}
}

func TestIndexRemove(t *testing.T) {
	ctx := context.Background()
	idx := NewIndex()
	_ = idx.Upsert(ctx, models.Driver{ID: "d1", Online: true})
	_ = idx.Remove(ctx, "d1")
	if _, ok := idx.Get("d1"); ok {
		t.Fatal("driver still present after remove")
	}
}

func TestPointInPolygon(t *testing.T) {
	square := []models.Coord{{Lat: 0, Lon: 0}, {Lat: 0, Lon: 1}, {Lat: 1, Lon: 1}, {Lat: 1, Lon: 0}}
	cases := []struct {
		p    models.Coord
		want bool
	}{
		{models.Coord{Lat: 0.5, Lon: 0.5}, true},
		{models.Coord{Lat: 1.5, Lon: 0.5}, false},
		{models.Coord{Lat: 0.5, Lon: -0.1}, false},
	}
	for _, c := range cases {
		if got := PointInPolygon(c.p, square); got != c.want {
			t.Fatalf("PointInPolygon(%v) = %v, want %v", c.p, got, c.want)
		}
	}
	if PointInPolygon(models.Coord{}, square[:2]) {
		t.Fatal("degenerate polygon must not contain points")
	}
}
