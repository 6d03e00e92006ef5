// Package cancelscope wraps subscription teardown actions.
//
// A Scope is handed out by every "start watching" or "start consuming" call.
// Calling Cancel runs the wrapped cleanup exactly as given and returns its
// error, so a failed teardown is visible to whoever asked for it.
package cancelscope

import (
	"context"
	"errors"
	"sync"
)

// CleanupFunc releases the resources held by a subscription.
type CleanupFunc func(ctx context.Context) error

// Scope encapsulates a single cleanup action to be called later on.
type Scope struct {
	cleanup CleanupFunc
}

// New creates a Scope around cleanup. A nil cleanup yields a Scope whose
// Cancel is a no-op.
func New(cleanup CleanupFunc) *Scope {
	return &Scope{cleanup: cleanup}
}

// Cancel calls the encapsulated cleanup and returns its error unchanged.
func (s *Scope) Cancel(ctx context.Context) error {
	if s == nil || s.cleanup == nil {
		return nil
	}
	return s.cleanup(ctx)
}

// Group collects scopes so an owner can tear them all down at shutdown.
type Group struct {
	mu     sync.Mutex
	scopes []*Scope
}

// Add registers a scope with the group.
func (g *Group) Add(s *Scope) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.scopes = append(g.scopes, s)
}

// Len returns the number of registered scopes.
func (g *Group) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.scopes)
}

// CancelAll cancels every registered scope concurrently and empties the group.
// Errors from individual scopes are joined.
func (g *Group) CancelAll(ctx context.Context) error {
	g.mu.Lock()
	scopes := g.scopes
	g.scopes = nil
	g.mu.Unlock()

	errs := make([]error, len(scopes))
	var wg sync.WaitGroup
	for i, s := range scopes {
		wg.Add(1)
		go func(i int, s *Scope) {
			defer wg.Done()
			errs[i] = s.Cancel(ctx)
		}(i, s)
	}
	wg.Wait()

	return errors.Join(errs...)
}
