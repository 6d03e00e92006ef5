package watcher

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/watch"

	"github.com/potooio/reactor/internal/cancelscope"
	"github.com/potooio/reactor/internal/kube"
)

// StreamOpener opens one change stream for a descriptor.
// *kube.Client implements it.
type StreamOpener interface {
	Watch(ctx context.Context, desc kube.Descriptor) (watch.Interface, error)
}

// StreamOpenerFunc adapts a function to StreamOpener.
type StreamOpenerFunc func(ctx context.Context, desc kube.Descriptor) (watch.Interface, error)

// Watch implements StreamOpener.
func (f StreamOpenerFunc) Watch(ctx context.Context, desc kube.Descriptor) (watch.Interface, error) {
	return f(ctx, desc)
}

// ObjectHook handles one change event. A returned error is reported to the
// error hook; it does not stop the watch.
type ObjectHook func(ctx context.Context, obj *unstructured.Unstructured) error

// ErrorHook is told about stream errors, hook failures and failed restarts.
type ErrorHook func(ctx context.Context, err error)

// Hooks are the per-event callbacks of a watcher. Nil hooks are no-ops.
type Hooks struct {
	OnAdded    ObjectHook
	OnModified ObjectHook
	OnDeleted  ObjectHook
	OnError    ErrorHook
}

// Options configures a ResourceWatcher.
type Options struct {
	// Logger for the watcher. Defaults to a no-op logger.
	Logger *zap.Logger

	// RestartLimiter, when set, is waited on before every restart after a
	// stream end. Nil means restart immediately, without limit.
	RestartLimiter *rate.Limiter

	// RetryInterval is the base delay between failed attempts to re-open a stream.
	RetryInterval time.Duration

	// MaxRetryInterval caps the exponential backoff of failed re-open attempts.
	MaxRetryInterval time.Duration
}

// DefaultOptions returns default watcher options.
func DefaultOptions() Options {
	return Options{
		Logger:           zap.NewNop(),
		RetryInterval:    time.Second,
		MaxRetryInterval: time.Minute,
	}
}

// ResourceWatcher watches the resources matching a Descriptor and restarts
// the stream whenever it ends, until cancelled.
type ResourceWatcher struct {
	desc    kube.Descriptor
	hooks   Hooks
	opts    Options
	logger  *zap.Logger
	handles map[string]ObjectHook
}

// New creates a ResourceWatcher for desc.
func New(desc kube.Descriptor, hooks Hooks, opts Options) *ResourceWatcher {
	defaults := DefaultOptions()
	if opts.Logger == nil {
		opts.Logger = defaults.Logger
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = defaults.RetryInterval
	}
	if opts.MaxRetryInterval <= 0 {
		opts.MaxRetryInterval = defaults.MaxRetryInterval
	}
	if opts.MaxRetryInterval < opts.RetryInterval {
		opts.MaxRetryInterval = opts.RetryInterval
	}

	w := &ResourceWatcher{
		desc:   desc,
		hooks:  hooks,
		opts:   opts,
		logger: opts.Logger.Named("watcher").With(zap.String("watch", desc.String())),
	}
	w.handles = map[string]ObjectHook{
		"added":    hooks.OnAdded,
		"modified": hooks.OnModified,
		"deleted":  hooks.OnDeleted,
	}
	return w
}

// Descriptor returns the descriptor the watcher was created with.
func (w *ResourceWatcher) Descriptor() kube.Descriptor {
	return w.desc
}

// restartState is shared between the watch goroutine and the cancel scope.
// enabled flips from true to false exactly once, in disable.
type restartState struct {
	mu      sync.Mutex
	active  watch.Interface
	enabled bool
}

// disable turns restarts off and returns the stream open at that moment.
func (s *restartState) disable() watch.Interface {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enabled = false
	return s.active
}

// restartEnabled reports whether a new stream may still be opened.
func (s *restartState) restartEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled
}

// swap installs next as the active stream. It returns false, leaving the
// state untouched, when restarts were disabled in the meantime.
func (s *restartState) swap(next watch.Interface) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.enabled {
		return false
	}
	s.active = next
	return true
}

// Watch opens the first stream and starts dispatching its events in the
// background. An error opening the first stream is returned as is; the
// returned scope stops the watch for good.
//
// ctx bounds only the establishment of the first stream. The watch keeps
// running until the scope is cancelled.
func (w *ResourceWatcher) Watch(ctx context.Context, opener StreamOpener) (*cancelscope.Scope, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	runCtx := context.WithoutCancel(ctx)
	openCtx, stopOpen := context.WithCancel(runCtx)

	stream, err := opener.Watch(openCtx, w.desc)
	if err != nil {
		stopOpen()
		return nil, fmt.Errorf("failed to watch %s: %w", w.desc, err)
	}

	state := &restartState{active: stream, enabled: true}
	done := make(chan struct{})

	w.logger.Info("Watch started")
	go w.run(runCtx, openCtx, opener, state, stream, done)

	return cancelscope.New(func(cctx context.Context) error {
		if active := state.disable(); active != nil {
			active.Stop()
		}
		stopOpen()

		select {
		case <-done:
			w.logger.Info("Watch cancelled")
			return nil
		case <-cctx.Done():
			return fmt.Errorf("watch %s did not stop: %w", w.desc, cctx.Err())
		}
	}), nil
}

// run consumes streams until restarts are disabled.
func (w *ResourceWatcher) run(
	ctx, openCtx context.Context,
	opener StreamOpener,
	state *restartState,
	stream watch.Interface,
	done chan struct{},
) {
	defer close(done)

	for {
		w.consume(ctx, stream)
		stream.Stop()

		next, ok := w.restart(ctx, openCtx, opener, state)
		if !ok {
			return
		}
		stream = next
	}
}

// consume dispatches the events of one stream until its result channel closes.
func (w *ResourceWatcher) consume(ctx context.Context, stream watch.Interface) {
	for event := range stream.ResultChan() {
		switch event.Type {
		case watch.Error:
			w.reportError(ctx, fmt.Errorf("watch stream error: %w", apierrors.FromObject(event.Object)))
			stream.Stop()
		case watch.Bookmark:
			continue
		default:
			w.dispatch(ctx, event)
		}
	}
}

// restart opens the next stream once the previous one has ended. It returns
// false when the watcher has been cancelled.
func (w *ResourceWatcher) restart(
	ctx, openCtx context.Context,
	opener StreamOpener,
	state *restartState,
) (watch.Interface, bool) {
	retryInterval := w.opts.RetryInterval

	for {
		if !state.restartEnabled() {
			return nil, false
		}

		if w.opts.RestartLimiter != nil {
			if err := w.opts.RestartLimiter.Wait(openCtx); err != nil {
				return nil, false
			}
		}

		next, err := opener.Watch(openCtx, w.desc)
		if err != nil {
			if openCtx.Err() != nil {
				return nil, false
			}
			w.reportError(ctx, fmt.Errorf("failed to restart watch %s: %w", w.desc, err))

			select {
			case <-openCtx.Done():
				return nil, false
			case <-time.After(retryInterval):
				retryInterval = w.nextRetryInterval(retryInterval)
			}
			continue
		}

		if !state.swap(next) {
			next.Stop()
			return nil, false
		}

		watchRestartsTotal.WithLabelValues(w.desc.Kind).Inc()
		w.logger.Debug("Watch restarted")
		return next, true
	}
}

// nextRetryInterval doubles the retry delay up to MaxRetryInterval.
func (w *ResourceWatcher) nextRetryInterval(current time.Duration) time.Duration {
	next := current * 2
	if next > w.opts.MaxRetryInterval {
		return w.opts.MaxRetryInterval
	}
	return next
}

// dispatch routes one change event to its hook.
func (w *ResourceWatcher) dispatch(ctx context.Context, event watch.Event) {
	eventType := strings.ToLower(string(event.Type))
	hook, known := w.handles[eventType]
	if !known {
		w.logger.Debug("Ignoring unknown event type", zap.String("type", string(event.Type)))
		return
	}

	obj, err := kube.AsUnstructured(event.Object)
	if err != nil {
		w.reportError(ctx, err)
		return
	}

	watchEventsTotal.WithLabelValues(w.desc.Kind, eventType).Inc()
	if hook == nil {
		return
	}

	if err := hook(ctx, obj); err != nil {
		w.reportError(ctx, fmt.Errorf("%s hook failed for %s/%s: %w",
			eventType, obj.GetNamespace(), obj.GetName(), err))
	}
}

// reportError logs err and hands it to the error hook.
func (w *ResourceWatcher) reportError(ctx context.Context, err error) {
	watchErrorsTotal.WithLabelValues(w.desc.Kind).Inc()
	w.logger.Warn("Watch error", zap.Error(err))
	if w.hooks.OnError != nil {
		w.hooks.OnError(ctx, err)
	}
}
