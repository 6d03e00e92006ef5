package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// ConsumerHandler handles one decoded message. Returning an error
// negatively acknowledges the message and requeues it, unless the error
// wraps ErrReject.
type ConsumerHandler func(ctx context.Context, publishers Publishers, event any) error

// Decoder turns a message body into the event passed to a handler.
type Decoder func(body []byte) (any, error)

// ErrorHandler is told about every message that was not acknowledged.
type ErrorHandler func(ctx context.Context, err error)

// ErrReject marks a handler error as permanent. The message is rejected
// without requeue, so the broker drops or dead-letters it.
var ErrReject = errors.New("message rejected")

var errNotUTF8 = errors.New("body is not valid UTF-8")

// DecodeJSON decodes a UTF-8 JSON body into an untyped value.
func DecodeJSON(body []byte) (any, error) {
	if !utf8.Valid(body) {
		return nil, errNotUTF8
	}
	var event any
	if err := json.Unmarshal(body, &event); err != nil {
		return nil, err
	}
	return event, nil
}

// DecodeError reports a message whose body could not be decoded. Such
// messages are rejected without requeue.
type DecodeError struct {
	Queue       string
	DeliveryTag uint64
	Err         error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("failed to decode message %d from queue %s: %v", e.DeliveryTag, e.Queue, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// dispatchLoop consumes the deliveries of one queue.
type dispatchLoop struct {
	queue      string
	handler    ConsumerHandler
	publishers Publishers
	decode     Decoder
	onError    ErrorHandler
	logger     *zap.Logger
}

// run handles deliveries one at a time until the channel is closed.
func (l *dispatchLoop) run(ctx context.Context, deliveries <-chan amqp.Delivery) {
	for d := range deliveries {
		l.handle(ctx, d)
	}
	l.logger.Debug("Delivery channel closed")
}

func (l *dispatchLoop) handle(ctx context.Context, d amqp.Delivery) {
	start := time.Now()
	defer func() {
		messageHandleDuration.WithLabelValues(l.queue).Observe(time.Since(start).Seconds())
	}()

	event, err := l.decode(d.Body)
	if err != nil {
		if nackErr := d.Nack(false, false); nackErr != nil {
			l.report(ctx, fmt.Errorf("failed to reject message %d: %w", d.DeliveryTag, nackErr))
		}
		messagesTotal.WithLabelValues(l.queue, outcomeReject).Inc()
		l.report(ctx, &DecodeError{Queue: l.queue, DeliveryTag: d.DeliveryTag, Err: err})
		return
	}

	if err := l.handler(ctx, l.publishers, event); err != nil {
		requeue := !errors.Is(err, ErrReject)
		if nackErr := d.Nack(false, requeue); nackErr != nil {
			l.report(ctx, fmt.Errorf("failed to nack message %d: %w", d.DeliveryTag, nackErr))
		}
		outcome := outcomeNack
		if !requeue {
			outcome = outcomeReject
		}
		messagesTotal.WithLabelValues(l.queue, outcome).Inc()
		l.report(ctx, fmt.Errorf("handler for queue %s failed: %w", l.queue, err))
		return
	}

	if err := d.Ack(false); err != nil {
		l.report(ctx, fmt.Errorf("failed to ack message %d: %w", d.DeliveryTag, err))
		return
	}
	messagesTotal.WithLabelValues(l.queue, outcomeAck).Inc()
}

// report logs err and passes it to the error handler.
func (l *dispatchLoop) report(ctx context.Context, err error) {
	l.logger.Error("Message handling failed", zap.Error(err))
	if l.onError != nil {
		l.onError(ctx, err)
	}
}
