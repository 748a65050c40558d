package eventlog

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
)

// Consumer reads one topic as part of a consumer group. Each group receives
// the full stream independently.
type Consumer struct {
	reader     *kafka.Reader
	logger     *slog.Logger
	maxBackoff time.Duration
}

func NewConsumer(brokers []string, topic, group string, logger *slog.Logger) *Consumer {
	return &Consumer{
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers:  brokers,
			Topic:    topic,
			GroupID:  group,
			MinBytes: 10e3,
			MaxBytes: 10e6,
		}),
		logger:     logger,
		maxBackoff: 30 * time.Second,
	}
}

// Run hands every message to handle until ctx is cancelled. Read errors back
// off exponentially; handler errors are logged and the message is skipped.
func (c *Consumer) Run(ctx context.Context, handle func(ctx context.Context, m kafka.Message) error) error {
	backoff := time.Second
	for {
		m, err := c.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			c.logger.Warn("kafka read error", "error", err, "backoff", backoff)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > c.maxBackoff {
				backoff = c.maxBackoff
			}
			continue
		}
		// reset backoff on success
		backoff = time.Second
		if err := handle(ctx, m); err != nil {
			c.logger.Warn("message handling failed", "key", string(m.Key), "offset", m.Offset, "error", err)
		}
	}
}

func (c *Consumer) Close() error { return c.reader.Close() }
