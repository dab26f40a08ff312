// Package demand samples supply and demand per surge zone.
package demand

import (
	"context"
	"math"
	"time"

	"github.com/example/surge-dispatch/internal/geo"
	"github.com/example/surge-dispatch/internal/surge"
)

// Sampler feeds surge escalation and records rider demand as it arrives.
type Sampler interface {
	surge.DemandSource
	RecordRequest(ctx context.Context, zoneID string, at time.Time) error
}

const (
	DefaultWindow = 15 * time.Minute

	noDriverWaitMin = 15.0
	minWaitMin      = 2.0
	maxWaitMin      = 20.0
)

// EstimateWait converts driver density into expected pickup minutes.
func EstimateWait(drivers int, areaKm2 float64) float64 {
	if drivers <= 0 || areaKm2 <= 0 {
		return noDriverWaitMin
	}
	density := float64(drivers) / areaKm2
	w := 8 / (density + 0.1)
	return math.Round(math.Min(math.Max(w, minWaitMin), maxWaitMin)*10) / 10
}

// searchRadius is the circle a zone's driver count is taken over.
func searchRadius(z surge.Zone) float64 {
	if len(z.Polygon) > 0 {
		return geo.BoundingRadius(z.Center, z.Polygon)
	}
	return z.RadiusM
}
