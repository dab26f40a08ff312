package surge

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// ComputeMultiplier combines a zone's base multiplier with the applicable
// time and weather rules, or returns the override when one is live.
//
//	override present  -> clamp(override)
//	otherwise         -> clamp(base + sum(time deltas) + weather delta)
//
// Deltas are additive. Overlapping time rules all apply. The result is
// always within [1.0, maxSurge].
func ComputeMultiplier(
	zone Zone,
	now time.Time,
	weather WeatherCondition,
	timeRules []TimeRule,
	weatherRules []WeatherRule,
	override *Override,
	maxSurge float64,
) (float64, []Factor) {
	if override.ActiveAt(now) {
		m := clamp(override.Multiplier, maxSurge)
		return m, []Factor{{Kind: FactorOverride, Source: override.Reason, Value: m}}
	}

	m := zone.BaseMultiplier
	factors := []Factor{{Kind: FactorBase, Source: zone.Code, Value: zone.BaseMultiplier}}

	hour := now.In(zone.Location()).Hour()
	for _, r := range timeRules {
		if !r.Active || !r.Covers(hour) {
			continue
		}
		m += r.Delta
		factors = append(factors, Factor{Kind: FactorTime, Source: r.Name, Value: r.Delta})
	}

	if !weather.Valid() {
		weather = WeatherClear
	}
	for _, r := range weatherRules {
		if r.Active && r.Condition == weather {
			m += r.Delta
			factors = append(factors, Factor{Kind: FactorWeather, Source: string(r.Condition), Value: r.Delta})
			break
		}
	}

	clamped := clamp(m, maxSurge)
	if clamped != m {
		factors = append(factors, Factor{Kind: FactorClamp, Value: clamped})
	}
	return clamped, factors
}

func clamp(m, maxSurge float64) float64 {
	if math.IsNaN(maxSurge) || maxSurge < 1.0 {
		maxSurge = 1.0
	}
	switch {
	case math.IsNaN(m), m < 1.0:
		return 1.0
	case m > maxSurge:
		return maxSurge
	default:
		return m
	}
}

// Reasoning renders a breakdown the way the admin dashboard shows it.
func Reasoning(factors []Factor) string {
	var reasons []string
	for _, f := range factors {
		switch f.Kind {
		case FactorOverride:
			if f.Source == "" {
				reasons = append(reasons, "Manual override")
			} else {
				reasons = append(reasons, "Manual override: "+f.Source)
			}
		case FactorTime:
			reasons = append(reasons, fmt.Sprintf("Peak time window %s (%+gx)", f.Source, f.Value))
		case FactorWeather:
			reasons = append(reasons, fmt.Sprintf("Poor weather conditions (%s %+gx)", f.Source, f.Value))
		case FactorBase:
			if f.Value > 1.0 {
				reasons = append(reasons, fmt.Sprintf("Zone base tier (%.2fx)", f.Value))
			}
		case FactorClamp:
			reasons = append(reasons, fmt.Sprintf("Capped at %.2fx", f.Value))
		}
	}
	if len(reasons) == 0 {
		return "Normal pricing conditions"
	}
	return strings.Join(reasons, "; ")
}
