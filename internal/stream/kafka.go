package stream

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/surge-dispatch/internal/models"
	"github.com/example/surge-dispatch/internal/observability"
)

const writeTimeout = 2 * time.Second

// messageWriter is the part of *kafka.Writer the producers use.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

func newWriter(brokers []string, topic string) *kafka.Writer {
	return kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: topic, Balancer: &kafka.LeastBytes{}})
}

// LocationProducer publishes driver location updates keyed by driver id, so
// every update for a driver lands on one partition in order.
type LocationProducer struct {
	writer messageWriter
}

func NewLocationProducer(brokers []string, topic string) *LocationProducer {
	return &LocationProducer{writer: newWriter(brokers, topic)}
}

func (p *LocationProducer) PublishLocation(ctx context.Context, d models.Driver) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	b, err := json.Marshal(d)
	if err != nil {
		return err
	}
	err = p.writer.WriteMessages(ctx, kafka.Message{Key: []byte(d.ID), Value: b})
	observability.EventsPublished.WithLabelValues("driver.location", statusLabel(err)).Inc()
	return err
}

func (p *LocationProducer) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}

func statusLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
