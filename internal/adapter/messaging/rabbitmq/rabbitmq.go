// Package rabbitmq publishes committed session events to an AMQP exchange.
package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"session-wallet/internal/core/domain"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

const exchangeKind = "topic"

// Channel is the subset of *amqp.Channel used by EventExchange.
type Channel interface {
	ExchangeDeclare(
		name, kind string,
		durable, autoDelete, internal, noWait bool,
		args amqp.Table,
	) error
	PublishWithContext(
		ctx context.Context,
		exchange, key string,
		mandatory, immediate bool,
		msg amqp.Publishing,
	) error
}

// Connect dials url and opens a channel.
func Connect(url string, log zerolog.Logger) (*amqp.Connection, *amqp.Channel, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, nil, fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("amqp channel: %w", err)
	}
	log.Info().Msg("RabbitMQ connected")
	return conn, ch, nil
}

// EventExchange implements ports.EventPublisher on a durable topic exchange.
// Routing keys have the form session.<event_type>, e.g. session.funds_added.
type EventExchange struct {
	ch       Channel
	exchange string
}

// NewEventExchange declares exchange on ch and returns a publisher for it.
func NewEventExchange(ch Channel, exchange string) (*EventExchange, error) {
	if exchange == "" {
		return nil, errors.New("amqp exchange name must not be empty")
	}
	if err := ch.ExchangeDeclare(exchange, exchangeKind, true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	return &EventExchange{ch: ch, exchange: exchange}, nil
}

// Publish sends rec as a persistent JSON message.
func (e *EventExchange) Publish(ctx context.Context, rec *domain.EventRecord) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    rec.ID.String(),
		Timestamp:    rec.CreatedAt,
		Type:         string(rec.Type),
		Headers: amqp.Table{
			"session_id": rec.SessionID,
			"address":    rec.Address.String(),
		},
		Body: body,
	}
	if err := e.ch.PublishWithContext(ctx, e.exchange, RoutingKey(rec.Type), false, false, msg); err != nil {
		return fmt.Errorf("amqp publish %s: %w", e.exchange, err)
	}
	return nil
}

// Name identifies the sink in logs.
func (e *EventExchange) Name() string {
	return "rabbitmq"
}

// RoutingKey maps an event type to its topic routing key.
func RoutingKey(t domain.EventType) string {
	return "session." + strings.ToLower(string(t))
}

// connection is the subset of *amqp.Connection used by HealthCheck.
type connection interface {
	IsClosed() bool
}

// HealthCheck reports whether the AMQP connection is still open.
type HealthCheck struct {
	conn connection
}

// NewHealthCheck creates a HealthCheck for conn.
func NewHealthCheck(conn *amqp.Connection) *HealthCheck {
	return &HealthCheck{conn: conn}
}

// Ping returns an error once the connection has closed.
func (h *HealthCheck) Ping(_ context.Context) error {
	if h.conn.IsClosed() {
		return errors.New("amqp connection closed")
	}
	return nil
}

// Name identifies the dependency.
func (h *HealthCheck) Name() string {
	return "rabbitmq"
}
