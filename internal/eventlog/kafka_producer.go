// Package eventlog carries ride lifecycle events and driver location pings to
// their observers. Ride events are keyed by ride id and location pings by
// driver id, so every observer sees one entity's records in emission order.
package eventlog

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/ride-dispatch/internal/models"
)

// KafkaRideEvents publishes lifecycle events synchronously and waits for all
// in-sync replicas.
type KafkaRideEvents struct {
	writer *kafka.Writer
}

func NewKafkaRideEvents(brokers []string, topic string) *KafkaRideEvents {
	return &KafkaRideEvents{writer: &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 10 * time.Millisecond,
	}}
}

func rideEventMessage(e models.RideEvent) (kafka.Message, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("encode event %s: %w", e.ID, err)
	}
	return kafka.Message{
		Key:     []byte(e.RideID),
		Value:   b,
		Headers: []kafka.Header{{Key: "event_type", Value: []byte(e.Type)}},
		Time:    e.OccurredAt,
	}, nil
}

func (k *KafkaRideEvents) PublishRideEvents(ctx context.Context, events []models.RideEvent) error {
	if len(events) == 0 {
		return nil
	}
	msgs := make([]kafka.Message, 0, len(events))
	for _, e := range events {
		m, err := rideEventMessage(e)
		if err != nil {
			return err
		}
		msgs = append(msgs, m)
	}
	return k.writer.WriteMessages(ctx, msgs...)
}

func (k *KafkaRideEvents) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}

// KafkaLocations publishes location pings without waiting for the broker.
// Failures are only logged; the next ping supersedes a lost one.
type KafkaLocations struct {
	writer *kafka.Writer
}

func NewKafkaLocations(brokers []string, topic string, logger *slog.Logger) *KafkaLocations {
	return &KafkaLocations{writer: &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		Async:        true,
		Completion: func(messages []kafka.Message, err error) {
			if err != nil {
				logger.Warn("location publish failed", "count", len(messages), "error", err)
			}
		},
	}}
}

func (k *KafkaLocations) PublishLocation(ctx context.Context, p models.LocationPing) error {
	b, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode ping: %w", err)
	}
	return k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(p.DriverID), Value: b, Time: p.Timestamp})
}

func (k *KafkaLocations) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
