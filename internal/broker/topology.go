package broker

import (
	amqp "github.com/rabbitmq/amqp091-go"
)

// Exchange operates on one declared exchange through the engine's channel.
// A failed Check closes the channel, as mandated by AMQP.
type Exchange struct {
	channel Channel
	name    string
	cfg     ExchangeConfig
}

// Name returns the exchange name.
func (x *Exchange) Name() string {
	return x.name
}

// Check verifies that the exchange exists with its declared settings.
func (x *Exchange) Check() error {
	return x.channel.ExchangeDeclarePassive(x.name, x.cfg.Type, x.cfg.Durable, x.cfg.AutoDelete, x.cfg.Internal, false, amqp.Table(x.cfg.Args))
}

// Remove deletes the exchange. With ifUnused it is only deleted when no
// queue or exchange is bound to it.
func (x *Exchange) Remove(ifUnused bool) error {
	return x.channel.ExchangeDelete(x.name, ifUnused, false)
}

// Bind routes messages from source to this exchange.
func (x *Exchange) Bind(source, pattern string, args amqp.Table) error {
	return x.channel.ExchangeBind(x.name, pattern, source, false, args)
}

// Unbind removes a route created by Bind.
func (x *Exchange) Unbind(source, pattern string, args amqp.Table) error {
	return x.channel.ExchangeUnbind(x.name, pattern, source, false, args)
}

// Queue operates on one declared queue through the engine's channel.
// A failed Check closes the channel, as mandated by AMQP.
type Queue struct {
	channel Channel
	name    string
	cfg     QueueConfig
}

// Name returns the queue name.
func (q *Queue) Name() string {
	return q.name
}

// Check verifies that the queue exists and returns its message and
// consumer counts.
func (q *Queue) Check() (amqp.Queue, error) {
	return q.channel.QueueDeclarePassive(q.name, q.cfg.Durable, q.cfg.AutoDelete, q.cfg.Exclusive, false, amqp.Table(q.cfg.Args))
}

// Remove deletes the queue and returns the number of messages it held.
func (q *Queue) Remove(ifUnused, ifEmpty bool) (int, error) {
	return q.channel.QueueDelete(q.name, ifUnused, ifEmpty, false)
}

// Purge drops every message waiting in the queue and returns how many were dropped.
func (q *Queue) Purge() (int, error) {
	return q.channel.QueuePurge(q.name, false)
}

// Bind routes messages from the source exchange to this queue.
func (q *Queue) Bind(source, pattern string, args amqp.Table) error {
	return q.channel.QueueBind(q.name, pattern, source, false, args)
}

// Unbind removes a route created by Bind.
func (q *Queue) Unbind(source, pattern string, args amqp.Table) error {
	return q.channel.QueueUnbind(q.name, pattern, source, args)
}
