/**
 * @description
 * This package provides a simple producer for publishing messages to RabbitMQ.
 * The engine publishes two kinds of events: verification code deliveries, which
 * the notification-service turns into an email/SMS, and recurring transfer
 * lifecycle events for downstream consumers. Publishing is fire-and-forget from
 * the engine's perspective; delivery is the broker's concern.
 *
 * @dependencies
 * - context, encoding/json, time: Standard Go libraries.
 * - github.com/rabbitmq/amqp091-go: The RabbitMQ client library.
 */
package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"
)

// EventsExchange is the topic exchange all engine events are published to.
const EventsExchange = "transfa.events"

// Routing keys for engine events.
const (
	RoutingKeyVerificationCode  = "recurring.verification.code"
	RoutingKeyTransferActivated = "recurring.transfer.activated"
	RoutingKeyTransferExecuted  = "recurring.transfer.executed"
	RoutingKeyExecutionFailed   = "recurring.transfer.execution_failed"
	RoutingKeyTransferCompleted = "recurring.transfer.completed"
	RoutingKeyTransferFailed    = "recurring.transfer.failed_permanently"
	RoutingKeyTransferCancelled = "recurring.transfer.cancelled"
)

// VerificationCodeEvent carries a freshly issued code to the notification
// pipeline. This is the only place the plaintext code leaves the engine.
type VerificationCodeEvent struct {
	TransferID uuid.UUID `json:"transfer_id"`
	OwnerID    uuid.UUID `json:"owner_id"`
	Code       string    `json:"code"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// RecurringTransferEvent describes a lifecycle transition of a recurring transfer.
type RecurringTransferEvent struct {
	TransferID   uuid.UUID  `json:"transfer_id"`
	OwnerID      uuid.UUID  `json:"owner_id"`
	Amount       int64      `json:"amount"`
	Outcome      string     `json:"outcome,omitempty"`
	Reason       string     `json:"reason,omitempty"`
	ScheduledFor *time.Time `json:"scheduled_for,omitempty"`
	Timestamp    time.Time  `json:"timestamp"`
}

// Publisher is the interface implemented by types that can publish events.
type Publisher interface {
	Publish(ctx context.Context, exchange, routingKey string, body interface{}) error
	PublishVerificationCode(ctx context.Context, event VerificationCodeEvent) error
	PublishTransferEvent(ctx context.Context, routingKey string, event RecurringTransferEvent) error
	Close()
}

// EventProducer holds the RabbitMQ connection and channel for publishing messages.
type EventProducer struct {
	conn    *amqp091.Connection
	channel *amqp091.Channel
}

// EventProducerFallback is a minimal no-op publisher used when RabbitMQ is
// unavailable at startup. The engine keeps working; events are dropped with a
// warning instead of blocking money movement.
type EventProducerFallback struct{}

func (p *EventProducerFallback) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	log.Printf("level=warn component=rabbitmq_producer mode=fallback msg=\"publish skipped\" exchange=%s routing_key=%s", exchange, routingKey)
	return nil
}

func (p *EventProducerFallback) PublishVerificationCode(ctx context.Context, event VerificationCodeEvent) error {
	log.Printf("level=warn component=rabbitmq_producer mode=fallback msg=\"verification code publish skipped\" transfer_id=%s", event.TransferID)
	return nil
}

func (p *EventProducerFallback) PublishTransferEvent(ctx context.Context, routingKey string, event RecurringTransferEvent) error {
	log.Printf("level=warn component=rabbitmq_producer mode=fallback msg=\"transfer event publish skipped\" routing_key=%s transfer_id=%s", routingKey, event.TransferID)
	return nil
}

func (p *EventProducerFallback) Close() {}

func sanitizeAMQPURL(raw string) (string, error) {
	clean := strings.TrimSpace(raw)
	clean = strings.Trim(clean, "\"'")
	// If any stray characters precede the scheme, slice from first occurrence of amqp
	idx := strings.Index(strings.ToLower(clean), "amqp")
	if idx > 0 {
		clean = clean[idx:]
	}
	u, err := url.Parse(clean)
	if err != nil {
		return "", err
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return "", errors.New("AMQP scheme must be either 'amqp://' or 'amqps://'")
	}
	return clean, nil
}

// NewEventProducer creates and returns a new EventProducer.
func NewEventProducer(amqpURL string) (*EventProducer, error) {
	cleanURL, err := sanitizeAMQPURL(amqpURL)
	if err != nil {
		return nil, err
	}

	// Use a bounded dial timeout so startup does not hang indefinitely
	conn, err := amqp091.DialConfig(cleanURL, amqp091.Config{Dial: amqp091.DefaultDial(10 * time.Second)})
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}

	if err := ch.ExchangeDeclare(EventsExchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}

	return &EventProducer{conn: conn, channel: ch}, nil
}

// Publish serializes the body to JSON and publishes it to the given exchange
// with the given routing key.
func (p *EventProducer) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}

	pubCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	return p.channel.PublishWithContext(pubCtx, exchange, routingKey, false, false, amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		Timestamp:    time.Now().UTC(),
		Body:         payload,
	})
}

// PublishVerificationCode publishes a verification code event for the
// notification pipeline.
func (p *EventProducer) PublishVerificationCode(ctx context.Context, event VerificationCodeEvent) error {
	return p.Publish(ctx, EventsExchange, RoutingKeyVerificationCode, event)
}

// PublishTransferEvent publishes a lifecycle event for a recurring transfer.
func (p *EventProducer) PublishTransferEvent(ctx context.Context, routingKey string, event RecurringTransferEvent) error {
	return p.Publish(ctx, EventsExchange, routingKey, event)
}

// Close shuts down the channel and connection.
func (p *EventProducer) Close() {
	if p.channel != nil {
		p.channel.Close()
	}
	if p.conn != nil {
		p.conn.Close()
	}
}
