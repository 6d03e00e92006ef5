package broker

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"sync/atomic"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/potooio/reactor/internal/cancelscope"
)

var (
	// ErrNotDeclared is returned by operations that need a declared topology.
	ErrNotDeclared = errors.New("broker topology is not declared")

	// ErrAlreadyDeclared is returned by Declare on a declared engine.
	ErrAlreadyDeclared = errors.New("broker topology is already declared")

	// ErrAlreadyConsuming is returned by Consume while consumers are running.
	ErrAlreadyConsuming = errors.New("broker consumers are already running")

	// ErrConnectionClosed is reported by Ping once the broker dropped the connection.
	ErrConnectionClosed = errors.New("broker connection is closed")
)

// Hook runs at a fixed point of the engine lifecycle. An error aborts the
// lifecycle step.
type Hook func(ctx context.Context, e *Engine) error

// Hooks customise the engine lifecycle. Nil hooks are skipped.
type Hooks struct {
	AfterDeclare   Hook
	BeforeConsume  Hook
	BeforeShutdown Hook
}

// Options configures an Engine.
type Options struct {
	Config Config

	// Consumers maps a queue name to the handler of its messages.
	Consumers map[string]ConsumerHandler

	Hooks Hooks

	// Decoder defaults to DecodeJSON.
	Decoder Decoder

	// OnError is told about every message that could not be handled.
	OnError ErrorHandler

	// Dial defaults to DialAMQP.
	Dial Dialer

	Logger *zap.Logger
}

// Engine owns one broker connection and one shared channel.
type Engine struct {
	opts   Options
	logger *zap.Logger

	mu         sync.Mutex
	conn       Connection
	channel    Channel
	exchanges  map[string]*Exchange
	queues     map[string]*Queue
	publishers Publishers
	consuming  bool

	scopes  cancelscope.Group
	nextTag atomic.Uint64
}

// NewEngine creates an engine. Nothing is contacted until Declare.
func NewEngine(opts Options) *Engine {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Decoder == nil {
		opts.Decoder = DecodeJSON
	}
	if opts.Dial == nil {
		opts.Dial = DialAMQP
	}
	opts.Config.ApplyDefaults()

	return &Engine{
		opts:   opts,
		logger: opts.Logger.Named("broker"),
	}
}

// Declare connects to the broker, declares exchanges then queues with their
// bindings, and builds the publishers. The AfterDeclare hook runs last.
func (e *Engine) Declare(ctx context.Context) error {
	if err := e.declare(ctx); err != nil {
		return err
	}
	return e.runHook(ctx, e.opts.Hooks.AfterDeclare, "afterDeclare")
}

func (e *Engine) declare(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.conn != nil {
		return ErrAlreadyDeclared
	}
	cfg := &e.opts.Config
	if err := cfg.Validate(); err != nil {
		return err
	}

	conn, err := e.opts.Dial(ctx, cfg)
	if err != nil {
		return err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("failed to open channel: %w", err)
	}

	exchanges, queues, err := declareTopology(ch, cfg)
	if err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return err
	}

	publishers := make(Publishers, len(cfg.Publishers))
	for name, pub := range cfg.Publishers {
		publishers[name] = newPublisher(ch, name, pub)
	}

	e.conn = conn
	e.channel = ch
	e.exchanges = exchanges
	e.queues = queues
	e.publishers = publishers

	e.logger.Info("Broker topology declared",
		zap.Int("exchanges", len(exchanges)),
		zap.Int("queues", len(queues)),
		zap.Int("publishers", len(publishers)),
	)
	return nil
}

// declareTopology declares exchanges before queues so bindings can refer
// to them. Names are declared in sorted order.
func declareTopology(ch Channel, cfg *Config) (map[string]*Exchange, map[string]*Queue, error) {
	exchanges := make(map[string]*Exchange, len(cfg.Exchanges))
	for _, name := range slices.Sorted(maps.Keys(cfg.Exchanges)) {
		ex := cfg.Exchanges[name]
		if err := ch.ExchangeDeclare(name, ex.Type, ex.Durable, ex.AutoDelete, ex.Internal, false, amqp.Table(ex.Args)); err != nil {
			return nil, nil, fmt.Errorf("failed to declare exchange %s: %w", name, err)
		}
		exchanges[name] = &Exchange{channel: ch, name: name, cfg: ex}
	}

	queues := make(map[string]*Queue, len(cfg.Queues))
	for _, name := range slices.Sorted(maps.Keys(cfg.Queues)) {
		q := cfg.Queues[name]
		if _, err := ch.QueueDeclare(name, q.Durable, q.AutoDelete, q.Exclusive, false, amqp.Table(q.Args)); err != nil {
			return nil, nil, fmt.Errorf("failed to declare queue %s: %w", name, err)
		}
		for _, b := range q.Bindings {
			if err := ch.QueueBind(name, b.RoutingKey, b.Exchange, false, nil); err != nil {
				return nil, nil, fmt.Errorf("failed to bind queue %s to %s: %w", name, b.Exchange, err)
			}
		}
		queues[name] = &Queue{channel: ch, name: name, cfg: q}
	}
	return exchanges, queues, nil
}

// Consume runs the BeforeConsume hook and starts one dispatch loop per
// configured consumer. Handlers run until Shutdown; ctx only bounds the
// startup. Consume succeeds at most once per Declare.
func (e *Engine) Consume(ctx context.Context) (err error) {
	if err := e.runHook(ctx, e.opts.Hooks.BeforeConsume, "beforeConsume"); err != nil {
		return err
	}

	e.mu.Lock()
	ch := e.channel
	publishers := e.publishers
	consuming := e.consuming
	if ch != nil && !consuming {
		e.consuming = true
	}
	e.mu.Unlock()
	switch {
	case ch == nil:
		return ErrNotDeclared
	case consuming:
		return ErrAlreadyConsuming
	}
	defer func() {
		if err != nil {
			e.mu.Lock()
			e.consuming = false
			e.mu.Unlock()
		}
	}()

	if prefetch := e.opts.Config.Prefetch; prefetch > 0 {
		if err := ch.Qos(prefetch, 0, false); err != nil {
			return fmt.Errorf("failed to set prefetch: %w", err)
		}
	}

	runCtx := context.WithoutCancel(ctx)
	var started []*cancelscope.Scope
	for _, queue := range slices.Sorted(maps.Keys(e.opts.Consumers)) {
		scope, err := e.startConsumer(runCtx, ch, publishers, queue, e.opts.Consumers[queue])
		if err != nil {
			var errs []error
			errs = append(errs, err)
			for _, s := range started {
				errs = append(errs, s.Cancel(ctx))
			}
			return errors.Join(errs...)
		}
		started = append(started, scope)
	}

	for _, s := range started {
		e.scopes.Add(s)
	}
	e.logger.Info("Consumers started", zap.Int("consumers", len(started)))
	return nil
}

// startConsumer subscribes to queue and dispatches its deliveries in a
// dedicated goroutine. The returned scope cancels the subscription and
// waits for the loop to drain.
func (e *Engine) startConsumer(
	ctx context.Context,
	ch Channel,
	publishers Publishers,
	queue string,
	handler ConsumerHandler,
) (*cancelscope.Scope, error) {
	tag := fmt.Sprintf("%s-%s-%d", e.opts.Config.ConnectionName, queue, e.nextTag.Add(1))

	deliveries, err := ch.Consume(queue, tag, false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to consume queue %s: %w", queue, err)
	}

	logger := e.logger.With(zap.String("queue", queue), zap.String("consumerTag", tag))
	loop := &dispatchLoop{
		queue:      queue,
		handler:    handler,
		publishers: publishers,
		decode:     e.opts.Decoder,
		onError:    e.opts.OnError,
		logger:     logger,
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		loop.run(ctx, deliveries)
	}()
	logger.Debug("Consumer started")

	return cancelscope.New(func(cctx context.Context) error {
		if err := ch.Cancel(tag, false); err != nil {
			return fmt.Errorf("failed to cancel consumer %s: %w", tag, err)
		}
		select {
		case <-done:
			logger.Debug("Consumer stopped")
			return nil
		case <-cctx.Done():
			return fmt.Errorf("consumer %s did not stop: %w", tag, cctx.Err())
		}
	}), nil
}

// Shutdown runs the BeforeShutdown hook, cancels every consumer and closes
// the channel and the connection. The engine can be declared again
// afterwards.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	declared := e.conn != nil
	e.mu.Unlock()
	if !declared {
		return ErrNotDeclared
	}

	if err := e.runHook(ctx, e.opts.Hooks.BeforeShutdown, "beforeShutdown"); err != nil {
		return err
	}

	errs := []error{e.scopes.CancelAll(ctx)}

	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.channel.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close channel: %w", err))
	}
	if err := e.conn.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close connection: %w", err))
	}

	e.conn = nil
	e.channel = nil
	e.exchanges = nil
	e.queues = nil
	e.publishers = nil
	e.consuming = false

	e.logger.Info("Broker shut down")
	return errors.Join(errs...)
}

// Ping reports whether the engine holds a live broker connection.
func (e *Engine) Ping() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.conn == nil {
		return ErrNotDeclared
	}
	if e.conn.IsClosed() {
		return ErrConnectionClosed
	}
	return nil
}

// Options returns a copy of the engine options.
func (e *Engine) Options() Options {
	opts := e.opts
	opts.Config.Exchanges = maps.Clone(e.opts.Config.Exchanges)
	opts.Config.Queues = maps.Clone(e.opts.Config.Queues)
	opts.Config.Publishers = maps.Clone(e.opts.Config.Publishers)
	opts.Consumers = maps.Clone(e.opts.Consumers)
	return opts
}

// Exchange returns the declared exchange called name, or nil.
func (e *Engine) Exchange(name string) *Exchange {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.exchanges[name]
}

// Queue returns the declared queue called name, or nil.
func (e *Engine) Queue(name string) *Queue {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.queues[name]
}

// Publishers returns a copy of the declared publishers.
func (e *Engine) Publishers() Publishers {
	e.mu.Lock()
	defer e.mu.Unlock()
	return maps.Clone(e.publishers)
}

func (e *Engine) runHook(ctx context.Context, hook Hook, name string) error {
	if hook == nil {
		return nil
	}
	if err := hook(ctx, e); err != nil {
		return fmt.Errorf("%s hook failed: %w", name, err)
	}
	return nil
}
