package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/example/surge-dispatch/internal/models"
)

// Open connects to Postgres through lib/pq and verifies the connection.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) SaveRide(ctx context.Context, r models.Ride) error {
	q := r.Request
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO rides (id, rider_id, driver_id, pickup_lat, pickup_lon, pickup_address,
			dest_lat, dest_lon, dest_address, ride_type, zone_id, fare_cents, surge_multiplier,
			status, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
		ON CONFLICT (id) DO UPDATE SET driver_id = EXCLUDED.driver_id, status = EXCLUDED.status,
			updated_at = EXCLUDED.updated_at`,
		q.ID, q.RiderID, nullString(string(r.DriverID)), q.Pickup.Lat, q.Pickup.Lon, q.Pickup.Address,
		q.Destination.Lat, q.Destination.Lon, q.Destination.Address, q.RideType, nullString(q.ZoneID),
		q.FareCents, q.Multiplier, string(r.Status), q.CreatedAt, r.UpdatedAt)
	return err
}

func (p *PostgresStore) GetRide(ctx context.Context, id string) (models.Ride, error) {
	var (
		r        models.Ride
		driverID sql.NullString
		zoneID   sql.NullString
		status   string
	)
	q := &r.Request
	err := p.db.QueryRowContext(ctx, `
		SELECT id, rider_id, driver_id, pickup_lat, pickup_lon, pickup_address, dest_lat, dest_lon,
			dest_address, ride_type, zone_id, fare_cents, surge_multiplier, status, created_at, updated_at
		FROM rides WHERE id = $1`, id).Scan(
		&q.ID, &q.RiderID, &driverID, &q.Pickup.Lat, &q.Pickup.Lon, &q.Pickup.Address,
		&q.Destination.Lat, &q.Destination.Lon, &q.Destination.Address, &q.RideType, &zoneID,
		&q.FareCents, &q.Multiplier, &status, &q.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Ride{}, ErrNotFound
	}
	if err != nil {
		return models.Ride{}, err
	}
	r.DriverID = models.DriverID(driverID.String)
	q.ZoneID = zoneID.String
	r.Status = models.RideStatus(status)
	return r, nil
}

func (p *PostgresStore) SaveAttempt(ctx context.Context, a models.DispatchAttempt) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO dispatch_attempts (ride_id, seq, driver_id, offered_at, deadline, outcome, responded_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (ride_id, seq) DO UPDATE SET outcome = EXCLUDED.outcome, responded_at = EXCLUDED.responded_at`,
		a.RideID, a.Seq, string(a.DriverID), a.OfferedAt, a.Deadline, string(a.Outcome), nullTime(a.RespondedAt))
	return err
}

func (p *PostgresStore) Attempts(ctx context.Context, rideID string) ([]models.DispatchAttempt, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT ride_id, seq, driver_id, offered_at, deadline, outcome, responded_at
		FROM dispatch_attempts WHERE ride_id = $1 ORDER BY seq`, rideID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.DispatchAttempt
	for rows.Next() {
		var (
			a         models.DispatchAttempt
			driverID  string
			outcome   string
			responded sql.NullTime
		)
		if err := rows.Scan(&a.RideID, &a.Seq, &driverID, &a.OfferedAt, &a.Deadline, &outcome, &responded); err != nil {
			return nil, err
		}
		a.DriverID = models.DriverID(driverID)
		a.Outcome = models.AttemptOutcome(outcome)
		if responded.Valid {
			t := responded.Time
			a.RespondedAt = &t
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (p *PostgresStore) SaveTrip(ctx context.Context, t models.Trip) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO trips (id, driver_id, rider_id, fare_cents, status, accepted_at, pickup_at, enroute_at,
			completed_at, cancelled_at, cancelled_by, compensation_cents, payment_ref)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status, pickup_at = EXCLUDED.pickup_at,
			enroute_at = EXCLUDED.enroute_at, completed_at = EXCLUDED.completed_at,
			cancelled_at = EXCLUDED.cancelled_at, cancelled_by = EXCLUDED.cancelled_by,
			compensation_cents = EXCLUDED.compensation_cents, payment_ref = EXCLUDED.payment_ref`,
		t.ID, string(t.DriverID), t.RiderID, t.FareCents, string(t.Status), t.AcceptedAt,
		nullTime(t.PickupAt), nullTime(t.EnrouteAt), nullTime(t.CompletedAt), nullTime(t.CancelledAt),
		nullString(t.CancelledBy), t.CompensationCents, nullString(t.PaymentRef))
	return err
}

func (p *PostgresStore) GetTrip(ctx context.Context, id string) (models.Trip, error) {
	var (
		t           models.Trip
		driverID    string
		status      string
		cancelledBy sql.NullString
		paymentRef  sql.NullString
		pickup      sql.NullTime
		enroute     sql.NullTime
		completed   sql.NullTime
		cancelled   sql.NullTime
	)
	err := p.db.QueryRowContext(ctx, `
		SELECT id, driver_id, rider_id, fare_cents, status, accepted_at, pickup_at, enroute_at,
			completed_at, cancelled_at, cancelled_by, compensation_cents, payment_ref
		FROM trips WHERE id = $1`, id).Scan(
		&t.ID, &driverID, &t.RiderID, &t.FareCents, &status, &t.AcceptedAt,
		&pickup, &enroute, &completed, &cancelled, &cancelledBy, &t.CompensationCents, &paymentRef)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Trip{}, ErrNotFound
	}
	if err != nil {
		return models.Trip{}, err
	}
	t.DriverID = models.DriverID(driverID)
	t.Status = models.TripStatus(status)
	t.CancelledBy = cancelledBy.String
	t.PaymentRef = paymentRef.String
	t.PickupAt = timePtr(pickup)
	t.EnrouteAt = timePtr(enroute)
	t.CompletedAt = timePtr(completed)
	t.CancelledAt = timePtr(cancelled)
	return t, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(n sql.NullTime) *time.Time {
	if !n.Valid {
		return nil
	}
	t := n.Time
	return &t
}
