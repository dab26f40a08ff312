package demand

import (
	"context"
	"sync"
	"time"

	"github.com/example/surge-dispatch/internal/geo"
	"github.com/example/surge-dispatch/internal/surge"
)

// MemorySampler counts drivers through a Geo index and keeps request
// timestamps in process.
type MemorySampler struct {
	geo    geo.Geo
	window time.Duration
	now    func() time.Time

	mu       sync.Mutex
	requests map[string][]time.Time
}

func NewMemorySampler(g geo.Geo, window time.Duration) *MemorySampler {
	if window <= 0 {
		window = DefaultWindow
	}
	return &MemorySampler{geo: g, window: window, now: time.Now, requests: make(map[string][]time.Time)}
}

func (m *MemorySampler) RecordRequest(_ context.Context, zoneID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests[zoneID] = append(m.trim(zoneID), at)
	return nil
}

func (m *MemorySampler) Sample(ctx context.Context, z surge.Zone) (surge.Demand, error) {
	radius := searchRadius(z)
	drivers, err := m.geo.CountWithin(ctx, z.Center, radius)
	if err != nil {
		return surge.Demand{}, err
	}
	m.mu.Lock()
	reqs := len(m.trim(z.ID))
	m.mu.Unlock()
	return surge.Demand{
		Drivers:     drivers,
		Requests:    reqs,
		WaitMinutes: EstimateWait(drivers, geo.CircleAreaKm2(radius)),
	}, nil
}

// trim drops requests older than the window. Caller holds mu.
func (m *MemorySampler) trim(zoneID string) []time.Time {
	cutoff := m.now().Add(-m.window)
	ts := m.requests[zoneID]
	i := 0
	for i < len(ts) && !ts[i].After(cutoff) {
		i++
	}
	ts = ts[i:]
	m.requests[zoneID] = ts
	return ts
}
