package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/example/surge-dispatch/internal/surge"
)

// SurgeRepository keeps surge configuration in Postgres. It satisfies
// surge.Repository so the zone store can write through to it.
type SurgeRepository struct {
	db *sql.DB
}

func NewSurgeRepository(db *sql.DB) *SurgeRepository {
	return &SurgeRepository{db: db}
}

func (r *SurgeRepository) Load(ctx context.Context) (surge.State, error) {
	var (
		st  surge.State
		err error
	)
	if st.Zones, err = r.loadZones(ctx); err != nil {
		return st, fmt.Errorf("load zones: %w", err)
	}
	if st.TimeRules, err = r.loadTimeRules(ctx); err != nil {
		return st, fmt.Errorf("load time rules: %w", err)
	}
	if st.WeatherRules, err = r.loadWeatherRules(ctx); err != nil {
		return st, fmt.Errorf("load weather rules: %w", err)
	}
	if st.Overrides, st.Weather, err = r.loadZoneState(ctx); err != nil {
		return st, fmt.Errorf("load overrides: %w", err)
	}
	if st.Config, err = r.loadConfig(ctx); err != nil {
		return st, fmt.Errorf("load algorithm config: %w", err)
	}
	return st, nil
}

func (r *SurgeRepository) loadZones(ctx context.Context) ([]surge.Zone, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, code, name, center_lat, center_lon, radius_m, polygon, tier, base_multiplier, time_zone, updated_at
		FROM surge_zones ORDER BY code`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []surge.Zone
	for rows.Next() {
		var (
			z       surge.Zone
			polygon []byte
		)
		if err := rows.Scan(&z.ID, &z.Code, &z.Name, &z.Center.Lat, &z.Center.Lon, &z.RadiusM, &polygon,
			&z.Tier, &z.BaseMultiplier, &z.TimeZone, &z.UpdatedAt); err != nil {
			return nil, err
		}
		if len(polygon) > 0 {
			if err := json.Unmarshal(polygon, &z.Polygon); err != nil {
				return nil, fmt.Errorf("zone %s polygon: %w", z.ID, err)
			}
		}
		out = append(out, z)
	}
	return out, rows.Err()
}

func (r *SurgeRepository) loadTimeRules(ctx context.Context) ([]surge.TimeRule, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id, name, start_hour, end_hour, delta, active FROM surge_time_rules`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []surge.TimeRule
	for rows.Next() {
		var t surge.TimeRule
		if err := rows.Scan(&t.ID, &t.Name, &t.StartHour, &t.EndHour, &t.Delta, &t.Active); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (r *SurgeRepository) loadWeatherRules(ctx context.Context) ([]surge.WeatherRule, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id, condition, delta, active FROM surge_weather_rules`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []surge.WeatherRule
	for rows.Next() {
		var (
			w    surge.WeatherRule
			cond string
		)
		if err := rows.Scan(&w.ID, &cond, &w.Delta, &w.Active); err != nil {
			return nil, err
		}
		w.Condition = surge.WeatherCondition(cond)
		out = append(out, w)
	}
	return out, rows.Err()
}

// loadZoneState reads overrides and the weather classification, both kept per zone.
func (r *SurgeRepository) loadZoneState(ctx context.Context) ([]surge.Override, map[string]surge.WeatherCondition, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT zone_id, multiplier, reason, set_by, set_at, expires_at FROM surge_overrides`)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()
	var overrides []surge.Override
	for rows.Next() {
		var (
			o       surge.Override
			expires sql.NullTime
		)
		if err := rows.Scan(&o.ZoneID, &o.Multiplier, &o.Reason, &o.SetBy, &o.SetAt, &expires); err != nil {
			return nil, nil, err
		}
		o.ExpiresAt = timePtr(expires)
		overrides = append(overrides, o)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	wrows, err := r.db.QueryContext(ctx, `SELECT zone_id, condition FROM surge_zone_weather`)
	if err != nil {
		return nil, nil, err
	}
	defer wrows.Close()
	weather := make(map[string]surge.WeatherCondition)
	for wrows.Next() {
		var zoneID, cond string
		if err := wrows.Scan(&zoneID, &cond); err != nil {
			return nil, nil, err
		}
		weather[zoneID] = surge.WeatherCondition(cond)
	}
	return overrides, weather, wrows.Err()
}

func (r *SurgeRepository) loadConfig(ctx context.Context) (*surge.AlgorithmConfig, error) {
	var (
		c         surge.AlgorithmConfig
		intervalS float64
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT max_surge, tier_multipliers, tier_thresholds, auto_escalate, recompute_interval_seconds
		FROM surge_algorithm_config WHERE id = 1`).Scan(
		&c.MaxSurge, pq.Array(&c.TierMultipliers), pq.Array(&c.TierThresholds), &c.AutoEscalate, &intervalS)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	c.RecomputeInterval = time.Duration(intervalS * float64(time.Second))
	return &c, nil
}

func (r *SurgeRepository) SaveZone(ctx context.Context, z surge.Zone) error {
	var polygon []byte
	if len(z.Polygon) > 0 {
		b, err := json.Marshal(z.Polygon)
		if err != nil {
			return err
		}
		polygon = b
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO surge_zones (id, code, name, center_lat, center_lon, radius_m, polygon, tier, base_multiplier, time_zone, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		ON CONFLICT (id) DO UPDATE SET code = EXCLUDED.code, name = EXCLUDED.name,
			center_lat = EXCLUDED.center_lat, center_lon = EXCLUDED.center_lon, radius_m = EXCLUDED.radius_m,
			polygon = EXCLUDED.polygon, tier = EXCLUDED.tier, base_multiplier = EXCLUDED.base_multiplier,
			time_zone = EXCLUDED.time_zone, updated_at = EXCLUDED.updated_at`,
		z.ID, z.Code, z.Name, z.Center.Lat, z.Center.Lon, z.RadiusM, polygon, z.Tier, z.BaseMultiplier, z.TimeZone, z.UpdatedAt)
	return err
}

// DeleteZone also drops the zone's override and weather rows.
func (r *SurgeRepository) DeleteZone(ctx context.Context, id string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	for _, q := range []string{
		`DELETE FROM surge_overrides WHERE zone_id = $1`,
		`DELETE FROM surge_zone_weather WHERE zone_id = $1`,
		`DELETE FROM surge_zones WHERE id = $1`,
	} {
		if _, err := tx.ExecContext(ctx, q, id); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (r *SurgeRepository) SaveTimeRule(ctx context.Context, t surge.TimeRule) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO surge_time_rules (id, name, start_hour, end_hour, delta, active)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, start_hour = EXCLUDED.start_hour,
			end_hour = EXCLUDED.end_hour, delta = EXCLUDED.delta, active = EXCLUDED.active`,
		t.ID, t.Name, t.StartHour, t.EndHour, t.Delta, t.Active)
	return err
}

func (r *SurgeRepository) DeleteTimeRule(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM surge_time_rules WHERE id = $1`, id)
	return err
}

func (r *SurgeRepository) SaveWeatherRule(ctx context.Context, w surge.WeatherRule) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO surge_weather_rules (id, condition, delta, active)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (id) DO UPDATE SET condition = EXCLUDED.condition, delta = EXCLUDED.delta, active = EXCLUDED.active`,
		w.ID, string(w.Condition), w.Delta, w.Active)
	return err
}

func (r *SurgeRepository) DeleteWeatherRule(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM surge_weather_rules WHERE id = $1`, id)
	return err
}

func (r *SurgeRepository) SaveOverride(ctx context.Context, o surge.Override) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO surge_overrides (zone_id, multiplier, reason, set_by, set_at, expires_at)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (zone_id) DO UPDATE SET multiplier = EXCLUDED.multiplier, reason = EXCLUDED.reason,
			set_by = EXCLUDED.set_by, set_at = EXCLUDED.set_at, expires_at = EXCLUDED.expires_at`,
		o.ZoneID, o.Multiplier, o.Reason, o.SetBy, o.SetAt, nullTime(o.ExpiresAt))
	return err
}

func (r *SurgeRepository) DeleteOverride(ctx context.Context, zoneID string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM surge_overrides WHERE zone_id = $1`, zoneID)
	return err
}

func (r *SurgeRepository) SaveWeather(ctx context.Context, zoneID string, w surge.WeatherCondition) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO surge_zone_weather (zone_id, condition, updated_at) VALUES ($1,$2,now())
		ON CONFLICT (zone_id) DO UPDATE SET condition = EXCLUDED.condition, updated_at = EXCLUDED.updated_at`,
		zoneID, string(w))
	return err
}

func (r *SurgeRepository) SaveAlgorithmConfig(ctx context.Context, c surge.AlgorithmConfig) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO surge_algorithm_config (id, max_surge, tier_multipliers, tier_thresholds, auto_escalate, recompute_interval_seconds)
		VALUES (1,$1,$2,$3,$4,$5)
		ON CONFLICT (id) DO UPDATE SET max_surge = EXCLUDED.max_surge, tier_multipliers = EXCLUDED.tier_multipliers,
			tier_thresholds = EXCLUDED.tier_thresholds, auto_escalate = EXCLUDED.auto_escalate,
			recompute_interval_seconds = EXCLUDED.recompute_interval_seconds`,
		c.MaxSurge, pq.Array(c.TierMultipliers), pq.Array(c.TierThresholds), c.AutoEscalate, c.RecomputeInterval.Seconds())
	return err
}

var _ surge.Repository = (*SurgeRepository)(nil)
