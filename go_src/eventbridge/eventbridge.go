// Package eventbridge republishes subscription events onto an AMQP topic
// exchange, a side-channel for consumers who'd rather watch a queue than
// hold a subscription open against the session itself.
package eventbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const publishTimeout = 5 * time.Second

// Envelope is the JSON body published for each routed event.
type Envelope struct {
	Identifier       uint64          `json:"identifier"`
	SubscriptionKind string          `json:"subscription_kind"`
	Event            json.RawMessage `json:"event"`
}

// amqpChannel is the subset of *amqp.Channel the bridge uses, narrowed so
// tests can supply a fake instead of a live broker connection.
type amqpChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPBridge publishes events to a single topic exchange over one channel,
// opened once and reused for every publish — subscription events can be
// high-frequency, unlike the teacher's one-message-per-channel pattern.
type AMQPBridge struct {
	mu       sync.Mutex
	ch       amqpChannel
	exchange string
}

// NewAMQPBridge opens a channel on conn and declares exchange as a durable
// topic exchange (idempotent, as with mq_telegram's queue declaration).
func NewAMQPBridge(conn *amqp.Connection, exchange string) (*AMQPBridge, error) {
	if conn == nil {
		return nil, fmt.Errorf("eventbridge: connection cannot be nil")
	}
	if exchange == "" {
		return nil, fmt.Errorf("eventbridge: exchange name cannot be empty")
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("eventbridge: failed to open channel: %w", err)
	}
	return newAMQPBridge(ch, exchange)
}

func newAMQPBridge(ch amqpChannel, exchange string) (*AMQPBridge, error) {
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("eventbridge: failed to declare exchange '%s': %w", exchange, err)
	}
	return &AMQPBridge{ch: ch, exchange: exchange}, nil
}

// Publish marshals env to JSON and publishes it with routing key
// "events.<subscription_kind>". Delivery is Transient: a missed live-state
// event is superseded by the next one, so nothing needs to survive a
// broker restart.
func (b *AMQPBridge) Publish(ctx context.Context, env Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("eventbridge: failed to marshal envelope: %w", err)
	}

	pubCtx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	routingKey := "events." + env.SubscriptionKind

	b.mu.Lock()
	defer b.mu.Unlock()
	err = b.ch.PublishWithContext(pubCtx,
		b.exchange,
		routingKey,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         body,
			DeliveryMode: amqp.Transient,
		},
	)
	if err != nil {
		return fmt.Errorf("eventbridge: failed to publish to exchange '%s': %w", b.exchange, err)
	}
	return nil
}

// Close closes the bridge's channel. The connection is owned by the host
// application and is left untouched, matching mq_telegram's pattern of
// only ever closing the channel it opened itself.
func (b *AMQPBridge) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ch.Close()
}
