package geo

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/example/surge-dispatch/internal/models"
)

// Geo is the driver location index used by ride submission and demand sampling.
// Offline drivers are kept out of radius queries.
type Geo interface {
	Upsert(ctx context.Context, d models.Driver) error
	Remove(ctx context.Context, id models.DriverID) error
	Nearby(ctx context.Context, center models.Coord, radiusM float64, limit int) ([]models.Driver, error)
	CountWithin(ctx context.Context, center models.Coord, radiusM float64) (int, error)
}

type Index struct {
	mu      sync.RWMutex
	drivers map[models.DriverID]models.Driver
}

func NewIndex() *Index {
	return &Index{drivers: make(map[models.DriverID]models.Driver)}
}

func (g *Index) Upsert(_ context.Context, d models.Driver) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	d.Updated = time.Now()
	g.drivers[d.ID] = d
	return nil
}

func (g *Index) Remove(_ context.Context, id models.DriverID) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.drivers, id)
	return nil
}

func (g *Index) Get(id models.DriverID) (models.Driver, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	d, ok := g.drivers[id]
	return d, ok
}

// Nearby scans every driver; nearest first, ties by id.
func (g *Index) Nearby(_ context.Context, center models.Coord, radiusM float64, limit int) ([]models.Driver, error) {
	g.mu.RLock()
	type pair struct {
		d    models.Driver
		dist float64
	}
	arr := make([]pair, 0, len(g.drivers))
	for _, d := range g.drivers {
		if !d.Online {
			continue
		}
		dist := Haversine(center.Lat, center.Lon, d.Loc.Lat, d.Loc.Lon)
		if dist > radiusM {
			continue
		}
		arr = append(arr, pair{d, dist})
	}
	g.mu.RUnlock()

	sort.Slice(arr, func(i, j int) bool {
		if arr[i].dist != arr[j].dist {
			return arr[i].dist < arr[j].dist
		}
		return arr[i].d.ID < arr[j].d.ID
	})
	if limit > 0 && len(arr) > limit {
		arr = arr[:limit]
	}
	out := make([]models.Driver, 0, len(arr))
	for _, p := range arr {
		out = append(out, p.d)
	}
	return out, nil
}

func (g *Index) CountWithin(_ context.Context, center models.Coord, radiusM float64) (int, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n := 0
	for _, d := range g.drivers {
		if d.Online && Haversine(center.Lat, center.Lon, d.Loc.Lat, d.Loc.Lon) <= radiusM {
			n++
		}
	}
	return n, nil
}

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371000.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}

// Distance is Haversine over coordinates.
func Distance(a, b models.Coord) float64 {
	return Haversine(a.Lat, a.Lon, b.Lat, b.Lon)
}
