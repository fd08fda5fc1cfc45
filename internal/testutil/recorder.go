package testutil

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/roach88/harvester/internal/registry"
)

// Recorder captures handler invocations.
type Recorder struct {
	mu     sync.Mutex
	calls  []registry.Change
	notify chan struct{}
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{notify: make(chan struct{})}
}

// Handler returns a handler that records every call and succeeds.
func (r *Recorder) Handler() registry.HandlerFunc {
	return func(_ context.Context, c registry.Change) error {
		r.record(c)
		return nil
	}
}

func (r *Recorder) record(c registry.Change) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, c)
	close(r.notify)
	r.notify = make(chan struct{})
}

// Calls returns a copy of the recorded changes in call order.
func (r *Recorder) Calls() []registry.Change {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]registry.Change, len(r.calls))
	copy(out, r.calls)
	return out
}

// WaitFor blocks until at least n calls were recorded and returns them.
// It fails the test after timeout.
func (r *Recorder) WaitFor(t testing.TB, n int, timeout time.Duration) []registry.Change {
	t.Helper()
	deadline := time.After(timeout)
	for {
		r.mu.Lock()
		if len(r.calls) >= n {
			out := make([]registry.Change, len(r.calls))
			copy(out, r.calls)
			r.mu.Unlock()
			return out
		}
		wake := r.notify
		r.mu.Unlock()

		select {
		case <-wake:
		case <-deadline:
			t.Fatalf("timed out waiting for %d handler calls, got %d", n, len(r.Calls()))
			return nil
		}
	}
}

// FailFirst wraps next so that its first n calls return an error without
// reaching next.
func FailFirst(n int, next registry.HandlerFunc) registry.HandlerFunc {
	var (
		mu    sync.Mutex
		calls int
	)
	return func(ctx context.Context, c registry.Change) error {
		mu.Lock()
		calls++
		attempt := calls
		mu.Unlock()

		if attempt <= n {
			return fmt.Errorf("induced failure %d/%d", attempt, n)
		}
		return next(ctx, c)
	}
}
