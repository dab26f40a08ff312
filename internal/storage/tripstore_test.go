package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/example/surge-dispatch/internal/models"
)

func TestMemoryStoreRideRoundTrip(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()

	r := models.Ride{Request: models.RideRequest{ID: "r1", RiderID: "u1", CreatedAt: now}, Status: models.RideSearching, UpdatedAt: now}
	if err := s.SaveRide(ctx, r); err != nil {
		t.Fatalf("save: %v", err)
	}
	r.Status = models.RideMatched
	r.DriverID = "d1"
	_ = s.SaveRide(ctx, r)

	got, err := s.GetRide(ctx, "r1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != models.RideMatched || got.DriverID != "d1" {
		t.Fatalf("upsert not applied: %+v", got)
	}
	if _, err := s.GetRide(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStoreAttemptsOrderedAndUpserted(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	for _, seq := range []int{3, 1, 2} {
		_ = s.SaveAttempt(ctx, models.DispatchAttempt{RideID: "r1", Seq: seq, Outcome: models.OutcomePending})
	}
	_ = s.SaveAttempt(ctx, models.DispatchAttempt{RideID: "r1", Seq: 2, Outcome: models.OutcomeRejected})
	_ = s.SaveAttempt(ctx, models.DispatchAttempt{RideID: "other", Seq: 1})

	got, _ := s.Attempts(ctx, "r1")
	if len(got) != 3 {
		t.Fatalf("expected 3 attempts, got %d", len(got))
	}
	for i, a := range got {
		if a.Seq != i+1 {
			t.Fatalf("attempts out of order: %+v", got)
		}
	}
	if got[1].Outcome != models.OutcomeRejected {
		t.Fatalf("attempt 2 not upserted: %s", got[1].Outcome)
	}
}

func TestMemoryStoreTrips(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	if _, err := s.GetTrip(ctx, "r1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	_ = s.SaveTrip(ctx, models.Trip{ID: "r1", DriverID: "d1", Status: models.TripAccepted})
	got, err := s.GetTrip(ctx, "r1")
	if err != nil || got.DriverID != "d1" {
		t.Fatalf("get trip: %+v %v", got, err)
	}
}

func TestMigrationFilesAreOrdered(t *testing.T) {
	files, err := filepath.Glob(filepath.Join("..", "..", "migrations", "*.sql"))
	if err != nil || len(files) == 0 {
		t.Fatalf("no migrations found: %v", err)
	}
	for _, f := range files {
		b, err := os.ReadFile(f)
		if err != nil || len(b) == 0 {
			t.Fatalf("migration %s unreadable or empty", f)
		}
	}
}
