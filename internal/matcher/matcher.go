package matcher

import (
	"context"
	"math"
	"sort"

	"github.com/example/surge-dispatch/internal/eta"
	"github.com/example/surge-dispatch/internal/models"
)

// Strategy orders eligible drivers for a pickup, best first.
// Implementations must return a total order with no duplicates.
type Strategy interface {
	Rank(ctx context.Context, pickup models.Coord, drivers []models.Driver) []models.DriverID
}

// Scored is one driver with the inputs that produced its cost.
type Scored struct {
	Driver models.Driver
	ETASec float64
	Cost   float64
}

// Ranker blends pickup ETA with driver quality:
//
//	cost = eta_seconds + RatingWeight*(5 - rating) + AcceptanceWeight*(1 - acceptance_rate)
//
// Lower is better; ties are broken by driver id.
type Ranker struct {
	ETA              *eta.Estimator
	RatingWeight     float64
	AcceptanceWeight float64
}

func NewRanker(estimator *eta.Estimator) *Ranker {
	if estimator == nil {
		estimator = &eta.Estimator{}
	}
	return &Ranker{ETA: estimator, RatingWeight: 30, AcceptanceWeight: 60}
}

func (r *Ranker) Score(ctx context.Context, pickup models.Coord, drivers []models.Driver) []Scored {
	seen := make(map[models.DriverID]struct{}, len(drivers))
	out := make([]Scored, 0, len(drivers))
	for _, d := range drivers {
		if _, dup := seen[d.ID]; dup {
			continue
		}
		seen[d.ID] = struct{}{}
		etaSec := r.ETA.Seconds(ctx, d.Loc, pickup)
		cost := etaSec + r.RatingWeight*(5.0-clamp(d.Rating, 0, 5)) + r.AcceptanceWeight*(1.0-clamp(d.AcceptanceRate, 0, 1))
		out = append(out, Scored{Driver: d, ETASec: etaSec, Cost: cost})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Cost != out[j].Cost {
			return out[i].Cost < out[j].Cost
		}
		return out[i].Driver.ID < out[j].Driver.ID
	})
	return out
}

func (r *Ranker) Rank(ctx context.Context, pickup models.Coord, drivers []models.Driver) []models.DriverID {
	scored := r.Score(ctx, pickup, drivers)
	ids := make([]models.DriverID, len(scored))
	for i, s := range scored {
		ids[i] = s.Driver.ID
	}
	return ids
}

func clamp(v, lo, hi float64) float64 {
	if v < lo || math.IsNaN(v) {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
