package geo

import (
	"math"

	"github.com/example/surge-dispatch/internal/models"
)

// PointInPolygon uses ray casting on raw lat/lon. Zones are city sized so the
// planar approximation holds; polygons crossing the antimeridian are not supported.
func PointInPolygon(p models.Coord, poly []models.Coord) bool {
	if len(poly) < 3 {
		return false
	}
	inside := false
	j := len(poly) - 1
	for i := range poly {
		yi, xi := poly[i].Lat, poly[i].Lon
		yj, xj := poly[j].Lat, poly[j].Lon
		if (yi > p.Lat) != (yj > p.Lat) &&
			p.Lon < (xj-xi)*(p.Lat-yi)/(yj-yi)+xi {
			inside = !inside
		}
		j = i
	}
	return inside
}

// CircleAreaKm2 is the area of a circle with the given radius in meters.
func CircleAreaKm2(radiusM float64) float64 {
	r := radiusM / 1000
	return math.Pi * r * r
}

// BoundingRadius is the distance from center to the farthest polygon vertex.
func BoundingRadius(center models.Coord, poly []models.Coord) float64 {
	var max float64
	for _, v := range poly {
		if d := Distance(center, v); d > max {
			max = d
		}
	}
	return max
}
