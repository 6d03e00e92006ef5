package broker

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Channel is the part of *amqp.Channel the engine relies on.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	ExchangeDeclarePassive(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	ExchangeDelete(name string, ifUnused, noWait bool) error
	ExchangeBind(destination, key, source string, noWait bool, args amqp.Table) error
	ExchangeUnbind(destination, key, source string, noWait bool, args amqp.Table) error

	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueDeclarePassive(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueDelete(name string, ifUnused, ifEmpty, noWait bool) (int, error)
	QueuePurge(name string, noWait bool) (int, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	QueueUnbind(name, key, exchange string, args amqp.Table) error

	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Cancel(consumer string, noWait bool) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error

	Close() error
}

// Connection opens channels to the broker.
type Connection interface {
	Channel() (Channel, error)
	IsClosed() bool
	Close() error
}

// Dialer connects to the broker described by cfg.
type Dialer func(ctx context.Context, cfg *Config) (Connection, error)

var _ Channel = (*amqp.Channel)(nil)

type amqpConnection struct {
	conn *amqp.Connection
}

func (c amqpConnection) Channel() (Channel, error) {
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

func (c amqpConnection) IsClosed() bool {
	return c.conn.IsClosed()
}

func (c amqpConnection) Close() error {
	return c.conn.Close()
}

// DialAMQP connects to a RabbitMQ broker with amqp091-go.
func DialAMQP(ctx context.Context, cfg *Config) (Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	conn, err := amqp.DialConfig(cfg.URL, amqp.Config{
		Properties: amqp.Table{"connection_name": cfg.ConnectionName},
		Heartbeat:  cfg.Heartbeat.Duration,
		Locale:     cfg.Locale,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to broker: %w", err)
	}
	return amqpConnection{conn: conn}, nil
}
