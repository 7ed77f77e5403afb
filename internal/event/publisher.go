package event

import (
	"context"
	"fmt"

	"github.com/cloudresty/go-rabbitmq"
)

// Publisher sends an enveloped event to the marketplace exchange under a
// routing key. The orchestrator and dispatchers depend on this interface so
// tests can capture publishes without a broker.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, env *Envelope) error
}

// AMQPPublisher publishes envelopes through a go-rabbitmq publisher bound to
// one exchange. Messages are persistent and carry the envelope event id as
// the AMQP message id so downstream consumers can deduplicate.
type AMQPPublisher struct {
	exchange  string
	publisher *rabbitmq.Publisher
}

// NewAMQPPublisher creates a persistent publisher on the given exchange.
func NewAMQPPublisher(client *rabbitmq.Client, exchange string) (*AMQPPublisher, error) {
	publisher, err := client.NewPublisher(
		rabbitmq.WithDefaultExchange(exchange),
		rabbitmq.WithPersistent(),
	)
	if err != nil {
		return nil, fmt.Errorf("create publisher for exchange %s: %w", exchange, err)
	}
	return &AMQPPublisher{exchange: exchange, publisher: publisher}, nil
}

// Publish encodes and sends the envelope.
func (p *AMQPPublisher) Publish(ctx context.Context, routingKey string, env *Envelope) error {
	body, err := env.Encode()
	if err != nil {
		return err
	}

	msg := rabbitmq.NewMessageWithID(body, env.EventID).
		WithType(env.EventType).
		WithContentType("application/json").
		WithPersistent()

	if err := p.publisher.Publish(ctx, p.exchange, routingKey, msg); err != nil {
		return fmt.Errorf("publish %s: %w", routingKey, err)
	}
	return nil
}

// Close releases the underlying publisher channel.
func (p *AMQPPublisher) Close() error {
	return p.publisher.Close()
}

var _ Publisher = (*AMQPPublisher)(nil)
