// Package cancellation tracks open requests per navigation or filter
// context so they can be aborted together when that context is torn down.
package cancellation

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// ErrCanceled marks a request that was aborted on purpose. It is not a
// failure and must not be shown to users.
var ErrCanceled = errors.New("request canceled")

// IsCanceled reports whether err is an intentional abort rather than a
// real failure.
func IsCanceled(err error) bool {
	return errors.Is(err, ErrCanceled) || errors.Is(err, context.Canceled)
}

type tracked struct {
	cancel context.CancelCauseFunc
}

// Registry groups cancel functions by context key.
type Registry struct {
	mu     sync.Mutex
	open   map[string]map[*tracked]struct{}
	logger *slog.Logger
}

// NewRegistry creates an empty registry. A nil logger discards output.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Registry{
		open:   make(map[string]map[*tracked]struct{}),
		logger: logger.With("component", "cancellation"),
	}
}

// Track derives a cancellable context from parent and registers it under
// key. The returned done func must be called when the request completes.
func (r *Registry) Track(parent context.Context, key string) (context.Context, func()) {
	ctx, cancel := context.WithCancelCause(parent)
	t := &tracked{cancel: cancel}

	r.mu.Lock()
	set, ok := r.open[key]
	if !ok {
		set = make(map[*tracked]struct{})
		r.open[key] = set
	}
	set[t] = struct{}{}
	r.mu.Unlock()

	return ctx, func() {
		r.mu.Lock()
		if set, ok := r.open[key]; ok {
			delete(set, t)
			if len(set) == 0 {
				delete(r.open, key)
			}
		}
		r.mu.Unlock()
		cancel(nil)
	}
}

// CancelContext aborts every open request registered under key and returns
// how many were aborted.
func (r *Registry) CancelContext(key string) int {
	r.mu.Lock()
	set := r.open[key]
	delete(r.open, key)
	r.mu.Unlock()

	for t := range set {
		t.cancel(ErrCanceled)
	}
	if len(set) > 0 {
		r.logger.Debug("requests canceled", "context", key, "count", len(set))
	}
	return len(set)
}

// Switch cancels the requests of the previous context when the active
// context changes from one key to another. Same-key switches are no-ops.
func (r *Registry) Switch(from, to string) {
	if from == "" || from == to {
		return
	}
	r.CancelContext(from)
}

// Open returns the number of in-flight requests under key.
func (r *Registry) Open(key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.open[key])
}

// Cause converts a context error produced by an abort into ErrCanceled so
// callers can test it with errors.Is. Other errors are returned unchanged.
func Cause(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if cause := context.Cause(ctx); errors.Is(cause, ErrCanceled) || errors.Is(err, context.Canceled) {
		return errors.Join(ErrCanceled, err)
	}
	return err
}
