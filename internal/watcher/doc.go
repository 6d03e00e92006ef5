// Package watcher runs long-lived, self-restarting watches on Kubernetes
// resources and dispatches their change events to user hooks.
//
// # Lifecycle
//
// A ResourceWatcher is defined by an immutable Descriptor and a set of Hooks.
// Watch opens the first stream synchronously; a failure there is returned to
// the caller and nothing is retried. After that, a single goroutine owns the
// subscription:
//
//	Starting -> Watching -> (Ended | Errored) -> Restarting -> Watching -> ... -> Cancelled
//
// Change events are delivered one at a time: the next event is not read until
// the current hook returns. Error events from the API server are reported to
// OnError and end the current stream. Whenever a stream ends while restarts
// are still enabled, a new stream is opened for the same Descriptor and the
// same hooks.
//
// # Cancellation
//
// Watch returns a *cancelscope.Scope. Its cleanup disables restarts, stops the
// active stream and waits for the watch goroutine to exit. Once Cancel returns
// no further stream is opened.
//
// # Restart policy
//
// Stream ends are restarted immediately and without limit by default. Set
// Options.RestartLimiter to bound reconnect storms against a degraded API
// server. Failures to re-open a stream are retried with exponential backoff
// between Options.RetryInterval and Options.MaxRetryInterval.
//
// # Metrics
//
//   - reactor_watch_events_total (counter, labels: kind, type)
//   - reactor_watch_restarts_total (counter, labels: kind)
//   - reactor_watch_errors_total (counter, labels: kind)
package watcher
