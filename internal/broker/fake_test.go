package broker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

type nackCall struct {
	tag     uint64
	requeue bool
}

// fakeAcknowledger records acknowledgements of deliveries.
type fakeAcknowledger struct {
	mu      sync.Mutex
	acks    []uint64
	nacks   []nackCall
	rejects []uint64
}

func (a *fakeAcknowledger) Ack(tag uint64, _ bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acks = append(a.acks, tag)
	return nil
}

func (a *fakeAcknowledger) Nack(tag uint64, _ bool, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nacks = append(a.nacks, nackCall{tag: tag, requeue: requeue})
	return nil
}

func (a *fakeAcknowledger) Reject(tag uint64, _ bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rejects = append(a.rejects, tag)
	return nil
}

func (a *fakeAcknowledger) ackedTags() []uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]uint64(nil), a.acks...)
}

func (a *fakeAcknowledger) nackCalls() []nackCall {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]nackCall(nil), a.nacks...)
}

func (a *fakeAcknowledger) settled() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.acks) + len(a.nacks) + len(a.rejects)
}

type publishedMessage struct {
	exchange string
	key      string
	msg      amqp.Publishing
}

// fakeChannel records every call made by the engine. Consume hands out
// buffered delivery channels that Cancel closes.
type fakeChannel struct {
	mu        sync.Mutex
	calls     []string
	consumers map[string]chan amqp.Delivery
	queueTags map[string]string
	published []publishedMessage
	failOn    map[string]error
	closed    bool
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{
		consumers: map[string]chan amqp.Delivery{},
		queueTags: map[string]string{},
		failOn:    map[string]error{},
	}
}

func (c *fakeChannel) record(call string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, call)
	for prefix, err := range c.failOn {
		if strings.HasPrefix(call, prefix) {
			return err
		}
	}
	return nil
}

func (c *fakeChannel) recorded() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}

func (c *fakeChannel) ExchangeDeclare(name, kind string, durable, _, _, _ bool, _ amqp.Table) error {
	return c.record(fmt.Sprintf("exchange.declare %s %s durable=%t", name, kind, durable))
}

func (c *fakeChannel) ExchangeDeclarePassive(name, kind string, _, _, _, _ bool, _ amqp.Table) error {
	return c.record(fmt.Sprintf("exchange.check %s %s", name, kind))
}

func (c *fakeChannel) ExchangeDelete(name string, ifUnused, _ bool) error {
	return c.record(fmt.Sprintf("exchange.delete %s ifUnused=%t", name, ifUnused))
}

func (c *fakeChannel) ExchangeBind(destination, key, source string, _ bool, _ amqp.Table) error {
	return c.record(fmt.Sprintf("exchange.bind %s %s %s", destination, source, key))
}

func (c *fakeChannel) ExchangeUnbind(destination, key, source string, _ bool, _ amqp.Table) error {
	return c.record(fmt.Sprintf("exchange.unbind %s %s %s", destination, source, key))
}

func (c *fakeChannel) QueueDeclare(name string, durable, _, _, _ bool, _ amqp.Table) (amqp.Queue, error) {
	err := c.record(fmt.Sprintf("queue.declare %s durable=%t", name, durable))
	return amqp.Queue{Name: name}, err
}

func (c *fakeChannel) QueueDeclarePassive(name string, _, _, _, _ bool, _ amqp.Table) (amqp.Queue, error) {
	err := c.record(fmt.Sprintf("queue.check %s", name))
	return amqp.Queue{Name: name, Messages: 3, Consumers: 1}, err
}

func (c *fakeChannel) QueueDelete(name string, ifUnused, ifEmpty, _ bool) (int, error) {
	err := c.record(fmt.Sprintf("queue.delete %s ifUnused=%t ifEmpty=%t", name, ifUnused, ifEmpty))
	return 2, err
}

func (c *fakeChannel) QueuePurge(name string, _ bool) (int, error) {
	err := c.record(fmt.Sprintf("queue.purge %s", name))
	return 5, err
}

func (c *fakeChannel) QueueBind(name, key, exchange string, _ bool, _ amqp.Table) error {
	return c.record(fmt.Sprintf("queue.bind %s %s %s", name, exchange, key))
}

func (c *fakeChannel) QueueUnbind(name, key, exchange string, _ amqp.Table) error {
	return c.record(fmt.Sprintf("queue.unbind %s %s %s", name, exchange, key))
}

func (c *fakeChannel) Qos(prefetchCount, _ int, _ bool) error {
	return c.record(fmt.Sprintf("basic.qos %d", prefetchCount))
}

func (c *fakeChannel) Consume(queue, consumer string, autoAck, _, _, _ bool, _ amqp.Table) (<-chan amqp.Delivery, error) {
	if err := c.record(fmt.Sprintf("basic.consume %s autoAck=%t", queue, autoAck)); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	deliveries := make(chan amqp.Delivery, 16)
	c.consumers[consumer] = deliveries
	c.queueTags[queue] = consumer
	return deliveries, nil
}

func (c *fakeChannel) Cancel(consumer string, _ bool) error {
	if err := c.record("basic.cancel " + consumer); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	deliveries, ok := c.consumers[consumer]
	if !ok {
		return errors.New("unknown consumer tag " + consumer)
	}
	close(deliveries)
	delete(c.consumers, consumer)
	return nil
}

func (c *fakeChannel) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	if err := c.record(fmt.Sprintf("basic.publish %s %s", exchange, key)); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.published = append(c.published, publishedMessage{exchange: exchange, key: key, msg: msg})
	return nil
}

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeChannel) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeChannel) consumerCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.consumers)
}

func (c *fakeChannel) publishedMessages() []publishedMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]publishedMessage(nil), c.published...)
}

// deliver pushes a message to the consumer of queue.
func (c *fakeChannel) deliver(queue string, tag uint64, body string, ack amqp.Acknowledger) {
	c.mu.Lock()
	deliveries := c.consumers[c.queueTags[queue]]
	c.mu.Unlock()
	deliveries <- amqp.Delivery{Acknowledger: ack, DeliveryTag: tag, Body: []byte(body)}
}

type fakeConnection struct {
	mu         sync.Mutex
	channel    *fakeChannel
	channelErr error
	closed     bool
}

func (c *fakeConnection) Channel() (Channel, error) {
	if c.channelErr != nil {
		return nil, c.channelErr
	}
	return c.channel, nil
}

func (c *fakeConnection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConnection) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConnection) dial(context.Context, *Config) (Connection, error) {
	return c, nil
}
