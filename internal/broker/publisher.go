package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ErrUnknownPublisher is returned when publishing through a publisher that
// was not configured.
var ErrUnknownPublisher = errors.New("unknown publisher")

// Properties are the optional AMQP message properties of an Event.
type Properties struct {
	Headers       map[string]any
	Persistent    bool
	Priority      uint8
	CorrelationID string
	ReplyTo       string
	Expiration    string
	MessageID     string
	Type          string
	AppID         string
	Timestamp     time.Time
}

// Event is a message to publish. Message is encoded as JSON.
type Event struct {
	Message any
	Props   Properties
}

// Publisher sends one event to its configured target.
type Publisher func(ctx context.Context, event Event) error

// Publishers are the named publishers of an engine.
type Publishers map[string]Publisher

// Publish sends event through the publisher called name.
func (p Publishers) Publish(ctx context.Context, name string, event Event) error {
	pub, ok := p[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPublisher, name)
	}
	return pub(ctx, event)
}

// Names returns the publisher names in no particular order.
func (p Publishers) Names() []string {
	names := make([]string, 0, len(p))
	for name := range p {
		names = append(names, name)
	}
	return names
}

// encode builds the AMQP message for event.
func encode(event Event) (amqp.Publishing, error) {
	body, err := json.Marshal(event.Message)
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("failed to encode message: %w", err)
	}

	msg := amqp.Publishing{
		ContentType:   "application/json",
		Body:          body,
		Headers:       amqp.Table(event.Props.Headers),
		Priority:      event.Props.Priority,
		CorrelationId: event.Props.CorrelationID,
		ReplyTo:       event.Props.ReplyTo,
		Expiration:    event.Props.Expiration,
		MessageId:     event.Props.MessageID,
		Type:          event.Props.Type,
		AppId:         event.Props.AppID,
		Timestamp:     event.Props.Timestamp,
	}
	if event.Props.Persistent {
		msg.DeliveryMode = amqp.Persistent
	}
	return msg, nil
}

// newPublisher returns a Publisher that sends JSON messages on ch.
func newPublisher(ch Channel, name string, cfg PublisherConfig) Publisher {
	exchange, key := cfg.target()
	return func(ctx context.Context, event Event) error {
		msg, err := encode(event)
		if err != nil {
			messagesPublishedTotal.WithLabelValues(name, "error").Inc()
			return err
		}
		if err := ch.PublishWithContext(ctx, exchange, key, false, false, msg); err != nil {
			messagesPublishedTotal.WithLabelValues(name, "error").Inc()
			return fmt.Errorf("publisher %s: %w", name, err)
		}
		messagesPublishedTotal.WithLabelValues(name, "success").Inc()
		return nil
	}
}
