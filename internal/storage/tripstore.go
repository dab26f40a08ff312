package storage

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/example/surge-dispatch/internal/models"
)

var ErrNotFound = errors.New("not found")

// TripStore persists rides, their dispatch attempts and the trips they produce.
// Saves are upserts keyed by ride id (attempts by ride id and sequence).
type TripStore interface {
	SaveRide(ctx context.Context, r models.Ride) error
	GetRide(ctx context.Context, id string) (models.Ride, error)
	SaveAttempt(ctx context.Context, a models.DispatchAttempt) error
	Attempts(ctx context.Context, rideID string) ([]models.DispatchAttempt, error)
	SaveTrip(ctx context.Context, t models.Trip) error
	GetTrip(ctx context.Context, id string) (models.Trip, error)
}

type attemptKey struct {
	rideID string
	seq    int
}

type MemoryStore struct {
	mu       sync.RWMutex
	rides    map[string]models.Ride
	attempts map[attemptKey]models.DispatchAttempt
	trips    map[string]models.Trip
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rides:    make(map[string]models.Ride),
		attempts: make(map[attemptKey]models.DispatchAttempt),
		trips:    make(map[string]models.Trip),
	}
}

func (m *MemoryStore) SaveRide(_ context.Context, r models.Ride) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rides[r.Request.ID] = r
	return nil
}

func (m *MemoryStore) GetRide(_ context.Context, id string) (models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rides[id]
	if !ok {
		return models.Ride{}, ErrNotFound
	}
	return r, nil
}

func (m *MemoryStore) SaveAttempt(_ context.Context, a models.DispatchAttempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts[attemptKey{a.RideID, a.Seq}] = a
	return nil
}

// Attempts returns the ride's attempts in sequence order.
func (m *MemoryStore) Attempts(_ context.Context, rideID string) ([]models.DispatchAttempt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.DispatchAttempt
	for k, a := range m.attempts {
		if k.rideID == rideID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (m *MemoryStore) SaveTrip(_ context.Context, t models.Trip) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trips[t.ID] = t
	return nil
}

func (m *MemoryStore) GetTrip(_ context.Context, id string) (models.Trip, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.trips[id]
	if !ok {
		return models.Trip{}, ErrNotFound
	}
	return t, nil
}
