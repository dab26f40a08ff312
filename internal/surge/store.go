package surge

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/surge-dispatch/internal/geo"
	"github.com/example/surge-dispatch/internal/models"
)

// Repository persists surge configuration. The store writes through to it
// before applying a change in memory, so a failed write leaves memory untouched.
type Repository interface {
	Load(ctx context.Context) (State, error)
	SaveZone(ctx context.Context, z Zone) error
	DeleteZone(ctx context.Context, id string) error
	SaveTimeRule(ctx context.Context, r TimeRule) error
	DeleteTimeRule(ctx context.Context, id string) error
	SaveWeatherRule(ctx context.Context, r WeatherRule) error
	DeleteWeatherRule(ctx context.Context, id string) error
	SaveOverride(ctx context.Context, o Override) error
	DeleteOverride(ctx context.Context, zoneID string) error
	SaveWeather(ctx context.Context, zoneID string, w WeatherCondition) error
	SaveAlgorithmConfig(ctx context.Context, c AlgorithmConfig) error
}

// State is the full persisted configuration.
type State struct {
	Zones        []Zone
	TimeRules    []TimeRule
	WeatherRules []WeatherRule
	Overrides    []Override
	Weather      map[string]WeatherCondition
	Config       *AlgorithmConfig
}

// NopRepository keeps everything in memory only.
type NopRepository struct{}

func (NopRepository) Load(context.Context) (State, error) { return State{}, nil }
func (NopRepository) SaveZone(context.Context, Zone) error { return nil }
func (NopRepository) DeleteZone(context.Context, string) error { return nil }
func (NopRepository) SaveTimeRule(context.Context, TimeRule) error { return nil }
func (NopRepository) DeleteTimeRule(context.Context, string) error { return nil }
func (NopRepository) SaveWeatherRule(context.Context, WeatherRule) error { return nil }
func (NopRepository) DeleteWeatherRule(context.Context, string) error { return nil }
func (NopRepository) SaveOverride(context.Context, Override) error { return nil }
func (NopRepository) DeleteOverride(context.Context, string) error { return nil }
func (NopRepository) SaveWeather(context.Context, string, WeatherCondition) error { return nil }
func (NopRepository) SaveAlgorithmConfig(context.Context, AlgorithmConfig) error { return nil }

// Snapshot is everything ComputeMultiplier needs for one zone at one instant.
type Snapshot struct {
	Zone         Zone
	Weather      WeatherCondition
	TimeRules    []TimeRule
	WeatherRules []WeatherRule
	Override     *Override
	MaxSurge     float64
}

// Multiplier evaluates the snapshot at now.
func (s Snapshot) Multiplier(now time.Time) (float64, []Factor) {
	return ComputeMultiplier(s.Zone, now, s.Weather, s.TimeRules, s.WeatherRules, s.Override, s.MaxSurge)
}

type ZoneStore struct {
	repo Repository

	mu           sync.RWMutex
	zones        map[string]Zone
	timeRules    map[string]TimeRule
	weatherRules map[string]WeatherRule
	overrides    map[string]Override
	weather      map[string]WeatherCondition
	cfg          AlgorithmConfig
	version      uint64
}

func NewZoneStore(repo Repository, cfg AlgorithmConfig) *ZoneStore {
	if repo == nil {
		repo = NopRepository{}
	}
	return &ZoneStore{
		repo:         repo,
		zones:        make(map[string]Zone),
		timeRules:    make(map[string]TimeRule),
		weatherRules: make(map[string]WeatherRule),
		overrides:    make(map[string]Override),
		weather:      make(map[string]WeatherCondition),
		cfg:          cfg,
	}
}

// Load replaces the in-memory configuration with what the repository holds.
func (s *ZoneStore) Load(ctx context.Context) error {
	st, err := s.repo.Load(ctx)
	if err != nil {
		return fmt.Errorf("load surge config: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, z := range st.Zones {
		z.resolve()
		s.zones[z.ID] = z
	}
	for _, r := range st.TimeRules {
		s.timeRules[r.ID] = r
	}
	for _, r := range st.WeatherRules {
		s.weatherRules[r.ID] = r
	}
	for _, o := range st.Overrides {
		s.overrides[o.ZoneID] = o
	}
	for id, w := range st.Weather {
		s.weather[id] = w
	}
	if st.Config != nil {
		s.cfg = *st.Config
	}
	s.version++
	return nil
}

// Version increases on every successful write.
func (s *ZoneStore) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

func (s *ZoneStore) AlgorithmConfig() AlgorithmConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c := s.cfg
	c.TierMultipliers = append([]float64(nil), s.cfg.TierMultipliers...)
	c.TierThresholds = append([]float64(nil), s.cfg.TierThresholds...)
	return c
}

func (s *ZoneStore) MaxSurge() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.MaxSurge
}

func (s *ZoneStore) SetAlgorithmConfig(ctx context.Context, c AlgorithmConfig) error {
	if err := ValidateAlgorithmConfig(c); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, z := range s.zones {
		if z.BaseMultiplier > c.MaxSurge {
			return fmt.Errorf("%w: zone %s base_multiplier %.2f exceeds max_surge", ErrInvalidConfig, z.Code, z.BaseMultiplier)
		}
	}
	if err := s.repo.SaveAlgorithmConfig(ctx, c); err != nil {
		return err
	}
	s.cfg = c
	s.version++
	return nil
}

// ---- zones

func (s *ZoneStore) GetZone(id string) (Zone, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	z, ok := s.zones[id]
	return z, ok
}

// ListZones returns zones ordered by code.
func (s *ZoneStore) ListZones() []Zone {
	s.mu.RLock()
	out := make([]Zone, 0, len(s.zones))
	for _, z := range s.zones {
		out = append(out, z)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out
}

// UpsertZone validates and stores z, assigning an id when it has none.
func (s *ZoneStore) UpsertZone(ctx context.Context, z Zone) (Zone, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ValidateZone(z, s.cfg.MaxSurge); err != nil {
		return Zone{}, err
	}
	if z.ID == "" {
		z.ID = uuid.NewString()
	}
	z.UpdatedAt = time.Now().UTC()
	if err := s.repo.SaveZone(ctx, z); err != nil {
		return Zone{}, err
	}
	z.resolve()
	s.zones[z.ID] = z
	s.version++
	return z, nil
}

// DeleteZone removes the zone together with its override and weather.
func (s *ZoneStore) DeleteZone(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.zones[id]; !ok {
		return ErrZoneNotFound
	}
	if err := s.repo.DeleteZone(ctx, id); err != nil {
		return err
	}
	delete(s.zones, id)
	delete(s.overrides, id)
	delete(s.weather, id)
	s.version++
	return nil
}

// ZoneAt returns the zone containing c. When several zones contain the
// point the one with the nearest center wins.
func (s *ZoneStore) ZoneAt(c models.Coord) (Zone, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var (
		best     Zone
		bestDist = math.Inf(1)
		found    bool
	)
	for _, z := range s.zones {
		d := geo.Haversine(c.Lat, c.Lon, z.Center.Lat, z.Center.Lon)
		var inside bool
		if len(z.Polygon) > 0 {
			inside = geo.PointInPolygon(c, z.Polygon)
		} else {
			inside = d <= z.RadiusM
		}
		if !inside {
			continue
		}
		if d < bestDist || (d == bestDist && z.ID < best.ID) {
			best, bestDist, found = z, d, true
		}
	}
	return best, found
}

// ---- rules

// ListTimeRules returns rules ordered by start hour then name.
func (s *ZoneStore) ListTimeRules() []TimeRule {
	s.mu.RLock()
	out := make([]TimeRule, 0, len(s.timeRules))
	for _, r := range s.timeRules {
		out = append(out, r)
	}
	s.mu.RUnlock()
	sortTimeRules(out)
	return out
}

func sortTimeRules(rules []TimeRule) {
	sort.Slice(rules, func(i, j int) bool {
		if rules[i].StartHour != rules[j].StartHour {
			return rules[i].StartHour < rules[j].StartHour
		}
		return rules[i].Name < rules[j].Name
	})
}

func (s *ZoneStore) UpsertTimeRule(ctx context.Context, r TimeRule) (TimeRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ValidateTimeRule(r, s.cfg.MaxSurge); err != nil {
		return TimeRule{}, err
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	} else if _, ok := s.timeRules[r.ID]; !ok {
		return TimeRule{}, ErrRuleNotFound
	}
	if err := s.repo.SaveTimeRule(ctx, r); err != nil {
		return TimeRule{}, err
	}
	s.timeRules[r.ID] = r
	s.version++
	return r, nil
}

func (s *ZoneStore) DeleteTimeRule(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.timeRules[id]; !ok {
		return ErrRuleNotFound
	}
	if err := s.repo.DeleteTimeRule(ctx, id); err != nil {
		return err
	}
	delete(s.timeRules, id)
	s.version++
	return nil
}

func (s *ZoneStore) ListWeatherRules() []WeatherRule {
	s.mu.RLock()
	out := make([]WeatherRule, 0, len(s.weatherRules))
	for _, r := range s.weatherRules {
		out = append(out, r)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Condition < out[j].Condition })
	return out
}

// UpsertWeatherRule rejects a second rule for a condition that already has one.
func (s *ZoneStore) UpsertWeatherRule(ctx context.Context, r WeatherRule) (WeatherRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ValidateWeatherRule(r, s.cfg.MaxSurge); err != nil {
		return WeatherRule{}, err
	}
	if r.ID != "" {
		if _, ok := s.weatherRules[r.ID]; !ok {
			return WeatherRule{}, ErrRuleNotFound
		}
	}
	for id, existing := range s.weatherRules {
		if id != r.ID && existing.Condition == r.Condition {
			return WeatherRule{}, fmt.Errorf("%w: %s", ErrDuplicateRule, r.Condition)
		}
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if err := s.repo.SaveWeatherRule(ctx, r); err != nil {
		return WeatherRule{}, err
	}
	s.weatherRules[r.ID] = r
	s.version++
	return r, nil
}

func (s *ZoneStore) DeleteWeatherRule(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.weatherRules[id]; !ok {
		return ErrRuleNotFound
	}
	if err := s.repo.DeleteWeatherRule(ctx, id); err != nil {
		return err
	}
	delete(s.weatherRules, id)
	s.version++
	return nil
}

// ---- weather

// SetWeather records the zone's classification. An empty condition clears it
// back to clear weather.
func (s *ZoneStore) SetWeather(ctx context.Context, zoneID string, w WeatherCondition) error {
	if w == "" {
		w = WeatherClear
	}
	if !w.Valid() {
		return fmt.Errorf("%w: unknown condition %q", ErrInvalidRule, w)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.zones[zoneID]; !ok {
		return ErrZoneNotFound
	}
	if err := s.repo.SaveWeather(ctx, zoneID, w); err != nil {
		return err
	}
	s.weather[zoneID] = w
	s.version++
	return nil
}

// Weather returns the zone's current classification, clear when unset.
func (s *ZoneStore) Weather(zoneID string) WeatherCondition {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if w, ok := s.weather[zoneID]; ok {
		return w
	}
	return WeatherClear
}

// ---- overrides

// UpsertOverride replaces any existing override for the zone.
func (s *ZoneStore) UpsertOverride(ctx context.Context, zoneID string, multiplier float64, reason, setBy string, expiresAt *time.Time) (Override, error) {
	now := time.Now().UTC()
	o := Override{ZoneID: zoneID, Multiplier: multiplier, Reason: reason, SetBy: setBy, SetAt: now, ExpiresAt: expiresAt}
	if err := ValidateOverride(o, now); err != nil {
		return Override{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.zones[zoneID]; !ok {
		return Override{}, ErrZoneNotFound
	}
	if err := s.repo.SaveOverride(ctx, o); err != nil {
		return Override{}, err
	}
	s.overrides[zoneID] = o
	s.version++
	return o, nil
}

// RemoveOverride reports whether an override existed.
func (s *ZoneStore) RemoveOverride(ctx context.Context, zoneID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.overrides[zoneID]; !ok {
		return false, nil
	}
	if err := s.repo.DeleteOverride(ctx, zoneID); err != nil {
		return false, err
	}
	delete(s.overrides, zoneID)
	s.version++
	return true, nil
}

// ListActiveOverrides returns overrides that have not lapsed at now.
func (s *ZoneStore) ListActiveOverrides(now time.Time) []Override {
	s.mu.RLock()
	out := make([]Override, 0, len(s.overrides))
	for _, o := range s.overrides {
		if o.ActiveAt(now) {
			out = append(out, o)
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ZoneID < out[j].ZoneID })
	return out
}

// EvictExpired drops lapsed overrides and returns the affected zone ids.
// Reads already ignore lapsed overrides; this only reclaims them.
func (s *ZoneStore) EvictExpired(ctx context.Context, now time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var evicted []string
	for id, o := range s.overrides {
		if o.ActiveAt(now) {
			continue
		}
		if err := s.repo.DeleteOverride(ctx, id); err != nil {
			return evicted, err
		}
		delete(s.overrides, id)
		evicted = append(evicted, id)
	}
	if len(evicted) > 0 {
		s.version++
	}
	sort.Strings(evicted)
	return evicted, nil
}

// Snapshot copies the inputs for one zone. The override is nil when none is active at now.
func (s *ZoneStore) Snapshot(zoneID string, now time.Time) (Snapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	z, ok := s.zones[zoneID]
	if !ok {
		return Snapshot{}, false
	}
	snap := Snapshot{
		Zone:         z,
		Weather:      WeatherClear,
		TimeRules:    make([]TimeRule, 0, len(s.timeRules)),
		WeatherRules: make([]WeatherRule, 0, len(s.weatherRules)),
		MaxSurge:     s.cfg.MaxSurge,
	}
	if w, ok := s.weather[zoneID]; ok {
		snap.Weather = w
	}
	for _, r := range s.timeRules {
		snap.TimeRules = append(snap.TimeRules, r)
	}
	sortTimeRules(snap.TimeRules)
	for _, r := range s.weatherRules {
		snap.WeatherRules = append(snap.WeatherRules, r)
	}
	if o, ok := s.overrides[zoneID]; ok && o.ActiveAt(now) {
		snap.Override = &o
	}
	return snap, true
}

// setTier is used by escalation; it bypasses validation of unrelated fields.
func (s *ZoneStore) setTier(ctx context.Context, zoneID string, tier int, base float64) (Zone, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	z, ok := s.zones[zoneID]
	if !ok {
		return Zone{}, ErrZoneNotFound
	}
	z.Tier = tier
	z.BaseMultiplier = clamp(base, s.cfg.MaxSurge)
	z.UpdatedAt = time.Now().UTC()
	if err := s.repo.SaveZone(ctx, z); err != nil {
		return Zone{}, err
	}
	s.zones[zoneID] = z
	s.version++
	return z, nil
}
