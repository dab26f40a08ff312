package surge

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/example/surge-dispatch/internal/validation"
)

var (
	ErrInvalidZone     = errors.New("invalid zone")
	ErrInvalidRule     = errors.New("invalid rule")
	ErrInvalidOverride = errors.New("invalid override")
	ErrInvalidConfig   = errors.New("invalid algorithm config")
	ErrZoneNotFound    = errors.New("zone not found")
	ErrRuleNotFound    = errors.New("rule not found")
	ErrDuplicateRule   = errors.New("duplicate weather rule for condition")
)

// invalid joins field failures from the struct tags with the checks that
// depend on other fields or on the market config.
func invalid(kind error, tagged, errs []error) error {
	errs = append(tagged, errs...)
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", kind, errors.Join(errs...))
}

func ValidateZone(z Zone, maxSurge float64) error {
	var errs []error
	if len(z.Polygon) == 0 && !(z.RadiusM > 0) {
		errs = append(errs, errors.New("radius_m must be > 0 when no polygon is given"))
	}
	if z.BaseMultiplier > maxSurge {
		errs = append(errs, fmt.Errorf("base_multiplier must be within [1.0, %.2f]", maxSurge))
	}
	return invalid(ErrInvalidZone, validation.Check(z), errs)
}

// ValidateTimeRule allows a window to wrap midnight (start 22, end 4) but not
// to be empty.
func ValidateTimeRule(r TimeRule, maxSurge float64) error {
	var errs []error
	if r.StartHour == r.EndHour {
		errs = append(errs, errors.New("start_hour and end_hour must differ"))
	}
	if math.Abs(r.Delta) > maxSurge {
		errs = append(errs, fmt.Errorf("multiplier_delta must be within ±%.2f", maxSurge))
	}
	return invalid(ErrInvalidRule, validation.Check(r), errs)
}

func ValidateWeatherRule(r WeatherRule, maxSurge float64) error {
	var errs []error
	if math.Abs(r.Delta) > maxSurge {
		errs = append(errs, fmt.Errorf("multiplier_delta must be within ±%.2f", maxSurge))
	}
	return invalid(ErrInvalidRule, validation.Check(r), errs)
}

// ValidateOverride accepts any positive multiplier; values outside
// [1.0, max_surge] are clamped when evaluated.
func ValidateOverride(o Override, now time.Time) error {
	var errs []error
	if o.ExpiresAt != nil && !o.ExpiresAt.After(now) {
		errs = append(errs, errors.New("expires_at must be in the future"))
	}
	return invalid(ErrInvalidOverride, validation.Check(o), errs)
}

func ValidateAlgorithmConfig(c AlgorithmConfig) error {
	var errs []error
	for i, m := range c.TierMultipliers {
		if m > c.MaxSurge {
			errs = append(errs, fmt.Errorf("tier_multipliers[%d] must be within [1.0, max_surge]", i))
		}
	}
	if len(c.TierThresholds) != len(c.TierMultipliers)-1 && len(c.TierMultipliers) > 0 {
		errs = append(errs, errors.New("tier_thresholds must have one entry fewer than tier_multipliers"))
	}
	for i := 1; i < len(c.TierThresholds); i++ {
		if c.TierThresholds[i] <= c.TierThresholds[i-1] {
			errs = append(errs, errors.New("tier_thresholds must be strictly increasing"))
			break
		}
	}
	return invalid(ErrInvalidConfig, validation.Check(c), errs)
}
