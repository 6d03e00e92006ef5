// Package operator composes resource watchers into a controller-runtime
// runnable with lifecycle hooks and health checks.
package operator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"

	"github.com/potooio/reactor/internal/cancelscope"
	"github.com/potooio/reactor/internal/kube"
	"github.com/potooio/reactor/internal/watcher"
)

// ErrNotStarted is reported by Readyz until every watcher is running.
var ErrNotStarted = errors.New("operator watchers are not running")

// Hook runs at a fixed point of the operator lifecycle.
type Hook func(ctx context.Context, op *Operator) error

// Options configures an Operator.
type Options struct {
	Watchers []*watcher.ResourceWatcher

	// CRDs are loaded before the watchers start. Missing ones are created
	// when CreateCRDs is set.
	CRDs       []*unstructured.Unstructured
	CreateCRDs bool

	// Initialize runs before the watchers start; an error aborts Start.
	Initialize Hook
	// Terminate runs after every watcher has been cancelled.
	Terminate Hook
	// HealthCheck backs Healthz. Nil means always healthy.
	HealthCheck func(ctx context.Context) error

	// Opener opens watch streams. Defaults to the kube client.
	Opener watcher.StreamOpener

	// ShutdownTimeout bounds watcher cancellation and Terminate.
	ShutdownTimeout time.Duration

	Logger *zap.Logger
}

// Operator runs a set of watchers for the lifetime of a context.
type Operator struct {
	client  *kube.Client
	opts    Options
	logger  *zap.Logger
	scopes  cancelscope.Group
	running atomic.Bool
}

// New creates an Operator around client.
func New(client *kube.Client, opts Options) *Operator {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 30 * time.Second
	}
	if opts.Opener == nil {
		opts.Opener = client
	}
	return &Operator{
		client: client,
		opts:   opts,
		logger: opts.Logger.Named("operator"),
	}
}

// Client returns the operator's kube client.
func (o *Operator) Client() *kube.Client {
	return o.client
}

// Start loads CRDs, runs Initialize and starts every watcher, then blocks
// until ctx is done. On the way out it cancels the watchers and runs
// Terminate. It implements manager.Runnable.
func (o *Operator) Start(ctx context.Context) error {
	if len(o.opts.CRDs) > 0 {
		if _, err := o.client.Load(ctx, o.opts.CRDs, o.opts.CreateCRDs); err != nil {
			return err
		}
	}

	if o.opts.Initialize != nil {
		if err := o.opts.Initialize(ctx, o); err != nil {
			return fmt.Errorf("initialize hook failed: %w", err)
		}
	}

	for _, w := range o.opts.Watchers {
		scope, err := w.Watch(ctx, o.opts.Opener)
		if err != nil {
			return errors.Join(err, o.shutdown(ctx))
		}
		o.scopes.Add(scope)
	}

	o.running.Store(true)
	o.logger.Info("Operator started", zap.Int("watchers", len(o.opts.Watchers)))

	<-ctx.Done()
	o.running.Store(false)
	o.logger.Info("Operator shutting down")
	return o.shutdown(ctx)
}

// shutdown cancels the started watchers and then runs Terminate, bounded by
// ShutdownTimeout even when ctx is already done.
func (o *Operator) shutdown(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.opts.ShutdownTimeout)
	defer cancel()

	errs := []error{o.stopWatchers(shutdownCtx)}
	if o.opts.Terminate != nil {
		if err := o.opts.Terminate(shutdownCtx, o); err != nil {
			errs = append(errs, fmt.Errorf("terminate hook failed: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (o *Operator) stopWatchers(ctx context.Context) error {
	if err := o.scopes.CancelAll(ctx); err != nil {
		o.logger.Error("Failed to stop watchers", zap.Error(err))
		return err
	}
	return nil
}

// Healthz adapts HealthCheck to a controller-runtime healthz.Checker.
func (o *Operator) Healthz(req *http.Request) error {
	if o.opts.HealthCheck == nil {
		return nil
	}
	return o.opts.HealthCheck(req.Context())
}

// Readyz reports ready once every watcher has started.
func (o *Operator) Readyz(_ *http.Request) error {
	if !o.running.Load() {
		return ErrNotStarted
	}
	return nil
}
