package surge

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/example/surge-dispatch/internal/observability"
)

// Demand is the supply/demand picture of one zone.
type Demand struct {
	Drivers     int
	Requests    int
	WaitMinutes float64
}

// DemandSource samples live demand for a zone.
type DemandSource interface {
	Sample(ctx context.Context, z Zone) (Demand, error)
}

// Service serves multipliers and the current-status snapshot on top of a ZoneStore.
type Service struct {
	store     *ZoneStore
	demand    DemandSource
	logger    *slog.Logger
	freshness time.Duration
	now       func() time.Time

	mu         sync.Mutex
	statuses   []ZoneStatus
	computedAt time.Time
	version    uint64
}

type ServiceOption func(*Service)

// WithDemand attaches a sampler used for status and tier escalation.
func WithDemand(d DemandSource) ServiceOption { return func(s *Service) { s.demand = d } }

// WithFreshness bounds how old a cached status may be before a read recomputes it.
func WithFreshness(d time.Duration) ServiceOption { return func(s *Service) { s.freshness = d } }

func WithClock(now func() time.Time) ServiceOption { return func(s *Service) { s.now = now } }

func NewService(store *ZoneStore, logger *slog.Logger, opts ...ServiceOption) *Service {
	s := &Service{
		store:     store,
		logger:    logger,
		freshness: 30 * time.Second,
		now:       time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

func (s *Service) Store() *ZoneStore { return s.store }

// Multiplier is the fare path: it always evaluates at the current instant.
func (s *Service) Multiplier(_ context.Context, zoneID string) (float64, []Factor, error) {
	snap, ok := s.store.Snapshot(zoneID, s.now())
	if !ok {
		return 1.0, nil, ErrZoneNotFound
	}
	m, factors := snap.Multiplier(s.now())
	return m, factors, nil
}

// CurrentStatus returns the cached snapshot, recomputing when it is stale or
// the configuration changed since it was built.
func (s *Service) CurrentStatus(ctx context.Context) []ZoneStatus {
	s.mu.Lock()
	stale := s.statuses == nil ||
		s.version != s.store.Version() ||
		s.now().Sub(s.computedAt) >= s.freshness
	out := s.statuses
	s.mu.Unlock()
	if stale {
		out = s.Recompute(ctx)
	}
	return out
}

// Recompute evaluates every zone and refreshes the cached status and gauges.
func (s *Service) Recompute(ctx context.Context) []ZoneStatus {
	version := s.store.Version()
	now := s.now()
	zones := s.store.ListZones()
	out := make([]ZoneStatus, 0, len(zones))
	for _, z := range zones {
		snap, ok := s.store.Snapshot(z.ID, now)
		if !ok {
			continue
		}
		m, factors := snap.Multiplier(now)
		st := ZoneStatus{
			ZoneID:       z.ID,
			Code:         z.Code,
			Tier:         z.Tier,
			Multiplier:   m,
			FromOverride: snap.Override != nil,
			Weather:      snap.Weather,
			Breakdown:    factors,
			Reasoning:    Reasoning(factors),
			ComputedAt:   now,
		}
		if d, ok := s.sample(ctx, z); ok {
			st.Demand = summarize(d)
		}
		observability.SurgeMultiplier.WithLabelValues(z.Code).Set(m)
		out = append(out, st)
	}
	observability.SurgeOverridesActive.Set(float64(len(s.store.ListActiveOverrides(now))))

	s.mu.Lock()
	s.statuses = out
	s.computedAt = now
	s.version = version
	s.mu.Unlock()
	return out
}

func (s *Service) sample(ctx context.Context, z Zone) (Demand, bool) {
	if s.demand == nil {
		return Demand{}, false
	}
	d, err := s.demand.Sample(ctx, z)
	if err != nil {
		s.logger.Warn("demand sample failed", "zone_id", z.ID, "error", err)
		return Demand{}, false
	}
	return d, true
}

// RunRecompute evicts lapsed overrides, optionally escalates tiers and
// refreshes the status on every tick until ctx is done.
func (s *Service) RunRecompute(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = s.store.AlgorithmConfig().RecomputeInterval
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Service) tick(ctx context.Context) {
	evicted, err := s.store.EvictExpired(ctx, s.now())
	if err != nil {
		s.logger.Error("evict expired overrides", "error", err)
	}
	for _, id := range evicted {
		s.logger.Info("surge override expired", "zone_id", id)
	}
	if s.store.AlgorithmConfig().AutoEscalate {
		if _, err := s.EscalateTiers(ctx, true); err != nil {
			s.logger.Error("tier escalation", "error", err)
		}
	}
	s.Recompute(ctx)
}
