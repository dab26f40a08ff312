// Package surge holds the surge zone configuration and the rule engine that
// turns it into a per-zone price multiplier.
package surge

import (
	"strings"
	"time"

	"github.com/example/surge-dispatch/internal/models"
)

type WeatherCondition string

const (
	WeatherClear WeatherCondition = "clear"
	WeatherRain  WeatherCondition = "rain"
	WeatherSnow  WeatherCondition = "snow"
	WeatherStorm WeatherCondition = "storm"
	WeatherFog   WeatherCondition = "fog"
)

// ParseWeather maps a free-form classification onto a known condition.
// Anything unknown or empty is clear.
func ParseWeather(s string) WeatherCondition {
	switch c := WeatherCondition(strings.ToLower(strings.TrimSpace(s))); c {
	case WeatherRain, WeatherSnow, WeatherStorm, WeatherFog:
		return c
	default:
		return WeatherClear
	}
}

func (w WeatherCondition) Valid() bool {
	switch w {
	case WeatherClear, WeatherRain, WeatherSnow, WeatherStorm, WeatherFog:
		return true
	}
	return false
}

type Zone struct {
	ID             string         `json:"id"`
	Code           string         `json:"code" validate:"notblank"`
	Name           string         `json:"name,omitempty"`
	Center         models.Coord   `json:"center"`
	RadiusM        float64        `json:"radius_m,omitempty" validate:"gte=0"`
	Polygon        []models.Coord `json:"polygon,omitempty" validate:"omitempty,min=3,dive"`
	Tier           int            `json:"tier" validate:"gte=0"`
	BaseMultiplier float64        `json:"base_multiplier" validate:"gte=1"`
	// TimeZone is an IANA name; time rules are evaluated in this zone's local hour.
	TimeZone  string    `json:"time_zone,omitempty" validate:"omitempty,timezone"`
	UpdatedAt time.Time `json:"updated_at"`

	// loc is TimeZone resolved once by the store.
	loc *time.Location
}

// Location returns the zone's time zone, UTC when unset. Zones held by a
// ZoneStore carry it already resolved.
func (z Zone) Location() *time.Location {
	if z.loc != nil {
		return z.loc
	}
	if z.TimeZone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(z.TimeZone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// resolve fills the cached location.
func (z *Zone) resolve() {
	z.loc = nil
	z.loc = z.Location()
}

type TimeRule struct {
	ID        string  `json:"id"`
	Name      string  `json:"name" validate:"notblank"`
	StartHour int     `json:"start_hour" validate:"gte=0,lte=23"`
	EndHour   int     `json:"end_hour" validate:"gte=1,lte=24"`
	Delta     float64 `json:"multiplier_delta" validate:"finite"`
	Active    bool    `json:"active"`
}

// Covers reports whether hour falls in [StartHour, EndHour). A window whose
// end is before its start wraps midnight, so 22..4 covers 23 and 3.
func (r TimeRule) Covers(hour int) bool {
	if r.StartHour > r.EndHour {
		return hour >= r.StartHour || hour < r.EndHour
	}
	return hour >= r.StartHour && hour < r.EndHour
}

type WeatherRule struct {
	ID        string           `json:"id"`
	Condition WeatherCondition `json:"condition" validate:"oneof=clear rain snow storm fog"`
	Delta     float64          `json:"multiplier_delta" validate:"finite"`
	Active    bool             `json:"active"`
}

type Override struct {
	ZoneID     string     `json:"zone_id" validate:"required"`
	Multiplier float64    `json:"multiplier" validate:"finite,gt=0"`
	Reason     string     `json:"reason" validate:"notblank"`
	SetBy      string     `json:"set_by"`
	SetAt      time.Time  `json:"set_at"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
}

// ActiveAt reports whether the override still applies at now. A nil expiry never lapses.
func (o *Override) ActiveAt(now time.Time) bool {
	if o == nil {
		return false
	}
	return o.ExpiresAt == nil || o.ExpiresAt.After(now)
}

type FactorKind string

const (
	FactorOverride FactorKind = "override"
	FactorBase     FactorKind = "base"
	FactorTime     FactorKind = "time"
	FactorWeather  FactorKind = "weather"
	FactorClamp    FactorKind = "clamp"
)

// Factor is one contribution to a computed multiplier, kept for audit.
type Factor struct {
	Kind   FactorKind `json:"kind"`
	Source string     `json:"source,omitempty"`
	Value  float64    `json:"value"`
}

// AlgorithmConfig is the market level tuning shared by every zone.
type AlgorithmConfig struct {
	MaxSurge float64 `json:"max_surge" validate:"finite,gte=1"`
	// TierMultipliers[i] is the base multiplier a zone gets at tier i.
	TierMultipliers []float64 `json:"tier_multipliers" validate:"min=1,dive,finite,gte=1"`
	// TierThresholds[i] is the demand/supply ratio at which tier i+1 starts.
	TierThresholds    []float64     `json:"tier_thresholds" validate:"dive,finite,gt=0"`
	AutoEscalate      bool          `json:"auto_escalate"`
	RecomputeInterval time.Duration `json:"recompute_interval" validate:"gte=1s"`
}

func DefaultAlgorithmConfig() AlgorithmConfig {
	return AlgorithmConfig{
		MaxSurge:          5.0,
		TierMultipliers:   []float64{1.0, 1.25, 1.5, 2.0},
		TierThresholds:    []float64{1.2, 1.5, 2.0},
		AutoEscalate:      false,
		RecomputeInterval: 30 * time.Second,
	}
}

// ZoneStatus is one row of the current-status read path.
type ZoneStatus struct {
	ZoneID       string           `json:"zone_id"`
	Code         string           `json:"code"`
	Tier         int              `json:"tier"`
	Multiplier   float64          `json:"multiplier"`
	FromOverride bool             `json:"from_override"`
	Weather      WeatherCondition `json:"weather"`
	Breakdown    []Factor         `json:"breakdown"`
	Reasoning    string           `json:"reasoning"`
	Demand       *DemandSummary   `json:"demand,omitempty"`
	ComputedAt   time.Time        `json:"computed_at"`
}

// DemandSummary is the last sampled supply/demand picture for a zone.
type DemandSummary struct {
	Drivers           int     `json:"drivers"`
	Requests          int     `json:"requests"`
	SupplyDemandRatio float64 `json:"supply_demand_ratio"`
	EstimatedWaitMin  float64 `json:"estimated_wait_minutes"`
	Priority          string  `json:"priority"`
}
