package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher broadcasts loan transitions to interested consumers.
type Publisher interface {
	Publish(ctx context.Context, kind string, payload any) error
	Close() error
}

// AMQPPublisher publishes events to a RabbitMQ topic exchange, using the
// event kind as the routing key.
type AMQPPublisher struct {
	conn     *amqp.Connection
	ch       *amqp.Channel
	exchange string
}

// NewAMQPPublisher dials RabbitMQ and declares the topic exchange.
func NewAMQPPublisher(url, exchange string) (*AMQPPublisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}
	return &AMQPPublisher{conn: conn, ch: ch, exchange: exchange}, nil
}

// Publish sends a JSON-encoded event. A nil receiver is a no-op so callers
// can run without a broker configured.
func (p *AMQPPublisher) Publish(ctx context.Context, kind string, payload any) error {
	if p == nil || p.ch == nil {
		return nil
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	return p.ch.PublishWithContext(ctx, p.exchange, kind, false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        body,
		Timestamp:   time.Now(),
	})
}

// Close releases the channel and connection.
func (p *AMQPPublisher) Close() error {
	if p == nil {
		return nil
	}
	if p.ch != nil {
		p.ch.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

// MemoryPublisher records events in memory for tests.
type MemoryPublisher struct {
	Events []RecordedEvent
}

// RecordedEvent is one captured publish call.
type RecordedEvent struct {
	Kind    string
	Payload any
}

func (p *MemoryPublisher) Publish(_ context.Context, kind string, payload any) error {
	p.Events = append(p.Events, RecordedEvent{Kind: kind, Payload: payload})
	return nil
}

func (p *MemoryPublisher) Close() error { return nil }
