package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

const notificationsExchange = "notifications"

// AMQPDispatcher publishes to a topic exchange with routing key
// "<audience>.<id>" so downstream push workers can bind per audience.
type AMQPDispatcher struct {
	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

func NewAMQPDispatcher(url string) (*AMQPDispatcher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(notificationsExchange, "topic", true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}
	return &AMQPDispatcher{conn: conn, ch: ch}, nil
}

func routingKey(n Notification) string {
	return string(n.Audience) + "." + n.RecipientID
}

func (d *AMQPDispatcher) Notify(ctx context.Context, n Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return err
	}
	// channels are not safe for concurrent publishes
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ch.PublishWithContext(ctx, notificationsExchange, routingKey(n), false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Type:         n.Kind,
		Timestamp:    n.SentAt,
		Body:         body,
	})
}

func (d *AMQPDispatcher) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_ = d.ch.Close()
	return d.conn.Close()
}
