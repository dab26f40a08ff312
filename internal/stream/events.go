package stream

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/surge-dispatch/internal/models"
	"github.com/example/surge-dispatch/internal/observability"
)

const (
	EventRideRequested = "ride.requested"
	EventRideMatched   = "ride.matched"
	EventRideExhausted = "ride.exhausted"
	EventRideCancelled = "ride.cancelled"
	EventTripUpdated   = "trip.updated"
)

// RideEvent is a dispatch lifecycle fact for downstream consumers
// (billing, analytics, rider notifications).
type RideEvent struct {
	Type              string          `json:"type"`
	RideID            string          `json:"ride_id"`
	RiderID           string          `json:"rider_id"`
	DriverID          models.DriverID `json:"driver_id,omitempty"`
	ZoneID            string          `json:"zone_id,omitempty"`
	FareCents         int64           `json:"fare_cents,omitempty"`
	SurgeMultiplier   float64         `json:"surge_multiplier,omitempty"`
	Attempts          int             `json:"attempts,omitempty"`
	Status            string          `json:"status,omitempty"`
	Actor             string          `json:"actor,omitempty"`
	CompensationCents int64           `json:"compensation_cents,omitempty"`
	At                time.Time       `json:"at"`
}

type Publisher interface {
	Publish(ctx context.Context, ev RideEvent) error
}

// NopPublisher drops events; used when no brokers are configured.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, RideEvent) error { return nil }

// KafkaPublisher writes ride events keyed by ride id.
type KafkaPublisher struct {
	writer messageWriter
}

func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	return &KafkaPublisher{writer: newWriter(brokers, topic)}
}

func (p *KafkaPublisher) Publish(ctx context.Context, ev RideEvent) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:     []byte(ev.RideID),
		Value:   b,
		Headers: []kafka.Header{{Key: "type", Value: []byte(ev.Type)}},
		Time:    ev.At,
	})
	observability.EventsPublished.WithLabelValues(ev.Type, statusLabel(err)).Inc()
	return err
}

func (p *KafkaPublisher) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}
