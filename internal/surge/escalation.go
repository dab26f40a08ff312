package surge

import (
	"context"
	"errors"
	"math"
	"sort"

	"github.com/example/surge-dispatch/internal/observability"
)

var ErrNoDemandSource = errors.New("no demand source configured")

const (
	PriorityHigh   = "high"
	PriorityMedium = "medium"
	PriorityLow    = "low"
)

// TierChange records one zone's escalation decision.
type TierChange struct {
	ZoneID  string  `json:"zone_id"`
	Code    string  `json:"code"`
	From    int     `json:"from_tier"`
	To      int     `json:"to_tier"`
	Ratio   float64 `json:"demand_supply_ratio"`
	Applied bool    `json:"applied"`
}

// TierFor returns the highest tier whose threshold is <= ratio.
func TierFor(ratio float64, thresholds []float64) int {
	tier := 0
	for i, th := range thresholds {
		if ratio >= th {
			tier = i + 1
		}
	}
	return tier
}

// Priority labels a zone by its supply/demand ratio.
func Priority(drivers, requests int) string {
	if requests == 0 {
		return PriorityLow
	}
	ratio := float64(drivers) / float64(requests)
	switch {
	case ratio < 0.5:
		return PriorityHigh
	case ratio < 1.0:
		return PriorityMedium
	default:
		return PriorityLow
	}
}

func summarize(d Demand) *DemandSummary {
	ratio := float64(d.Drivers)
	if d.Requests > 0 {
		ratio = float64(d.Drivers) / float64(d.Requests)
	}
	return &DemandSummary{
		Drivers:           d.Drivers,
		Requests:          d.Requests,
		SupplyDemandRatio: math.Round(ratio*100) / 100,
		EstimatedWaitMin:  d.WaitMinutes,
		Priority:          Priority(d.Drivers, d.Requests),
	}
}

// EscalateTiers samples every zone and moves its tier to match the
// demand/supply ratio. With apply false the changes are only reported.
// Zones under a manual override still get their tier updated; the
// override keeps precedence in ComputeMultiplier.
func (s *Service) EscalateTiers(ctx context.Context, apply bool) ([]TierChange, error) {
	if s.demand == nil {
		return nil, ErrNoDemandSource
	}
	cfg := s.store.AlgorithmConfig()
	if len(cfg.TierMultipliers) == 0 {
		return nil, nil
	}
	var changes []TierChange
	for _, z := range s.store.ListZones() {
		d, ok := s.sample(ctx, z)
		if !ok {
			continue
		}
		ratio := float64(d.Requests) / math.Max(float64(d.Drivers), 1)
		to := TierFor(ratio, cfg.TierThresholds)
		if to >= len(cfg.TierMultipliers) {
			to = len(cfg.TierMultipliers) - 1
		}
		if to == z.Tier {
			continue
		}
		ch := TierChange{ZoneID: z.ID, Code: z.Code, From: z.Tier, To: to, Ratio: math.Round(ratio*100) / 100}
		if apply {
			if _, err := s.store.setTier(ctx, z.ID, to, cfg.TierMultipliers[to]); err != nil {
				return changes, err
			}
			ch.Applied = true
			dir := "up"
			if to < z.Tier {
				dir = "down"
			}
			observability.SurgeTierChanges.WithLabelValues(z.Code, dir).Inc()
			s.logger.Info("surge tier changed", "zone_id", z.ID, "from", z.Tier, "to", to, "ratio", ch.Ratio)
		}
		changes = append(changes, ch)
	}
	sort.Slice(changes, func(i, j int) bool { return changes[i].Code < changes[j].Code })
	return changes, nil
}
