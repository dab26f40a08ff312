package rides

import (
	"fmt"
	"math"
	"strings"
)

type FareConfig struct {
	BaseCents      int64
	PerKmCents     int64
	PerMinuteCents int64
	MinimumCents   int64
	Currency       string
}

func DefaultFareConfig() FareConfig {
	return FareConfig{BaseCents: 250, PerKmCents: 120, PerMinuteCents: 30, MinimumCents: 500, Currency: "usd"}
}

// Estimate prices a trip from its distance and duration, floors it at the
// minimum fare and then applies the surge multiplier.
func (f FareConfig) Estimate(distanceM, durationS, multiplier float64) int64 {
	raw := float64(f.BaseCents) +
		float64(f.PerKmCents)*math.Max(distanceM, 0)/1000 +
		float64(f.PerMinuteCents)*math.Max(durationS, 0)/60
	raw = math.Max(raw, float64(f.MinimumCents))
	if math.IsNaN(multiplier) || multiplier < 1 {
		multiplier = 1
	}
	return int64(math.Round(raw * multiplier))
}

// FormatCents renders an amount the way riders see it, e.g. "12.50 USD".
func FormatCents(cents int64, currency string) string {
	sign := ""
	if cents < 0 {
		sign = "-"
		cents = -cents
	}
	cur := currency
	if cur == "" {
		cur = "usd"
	}
	return fmt.Sprintf("%s%d.%02d %s", sign, cents/100, cents%100, strings.ToUpper(cur))
}

