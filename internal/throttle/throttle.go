// Package throttle bounds how many handler invocations may start per time
// window.
//
// Invocations queue in FIFO order and a single pump goroutine releases them
// at a steady rate of Limit per Window (golang.org/x/time/rate with a burst
// of one). Starts are spaced just over Window/Limit apart, so no window of
// length Window ever sees more than Limit starts, wherever it is placed. A
// start may wait even when the current window still has budget.
package throttle

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/time/rate"
	"gopkg.in/tomb.v2"

	"github.com/roach88/harvester/internal/queue"
)

const (
	// DefaultLimit is the number of starts allowed per window.
	DefaultLimit = 100

	// DefaultWindow is the throttle window.
	DefaultWindow = time.Second
)

// ErrClosed is returned when work is submitted to a stopped throttle.
var ErrClosed = errors.New("throttle closed")

// Config configures a Throttle. Zero values select the defaults.
type Config struct {
	Limit  int
	Window time.Duration
	Logger *slog.Logger
}

// Throttle is a FIFO, rate limited invocation starter. It is safe for
// concurrent use.
type Throttle struct {
	limiter *rate.Limiter
	queue   *queue.Queue[func()]
	logger  *slog.Logger
	tomb    tomb.Tomb
}

// New starts a throttle. Call Stop to release its goroutines.
func New(cfg Config) *Throttle {
	if cfg.Limit <= 0 {
		cfg.Limit = DefaultLimit
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	t := &Throttle{
		limiter: rate.NewLimiter(rate.Every(interval(cfg.Limit, cfg.Window)), 1),
		queue:   queue.New[func()](),
		logger:  cfg.Logger,
	}
	t.tomb.Go(t.pump)
	return t
}

// interval is the minimum spacing between starts: Window/Limit rounded up,
// plus one nanosecond because the limiter converts tokens to durations in
// float64 and truncates. Either truncation alone would let Limit+1 starts
// fit in one window.
func interval(limit int, window time.Duration) time.Duration {
	n := time.Duration(limit)
	return (window+n-1)/n + time.Nanosecond
}

// Go queues fn and returns without waiting for it to start.
func (t *Throttle) Go(fn func()) error {
	if !t.queue.Enqueue(fn) {
		return ErrClosed
	}
	return nil
}

// Do queues fn and waits for its result.
//
// If ctx ends before fn starts, fn is never called. If ctx ends while fn is
// running, Do returns ctx.Err() and fn keeps its own copy of ctx.
func (t *Throttle) Do(ctx context.Context, fn func(context.Context) error) error {
	done := make(chan error, 1)
	ok := t.queue.Enqueue(func() {
		if err := ctx.Err(); err != nil {
			done <- err
			return
		}
		done <- fn(ctx)
	})
	if !ok {
		return ErrClosed
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-t.tomb.Dying():
		return ErrClosed
	}
}

// Len returns the number of invocations waiting to start.
func (t *Throttle) Len() int {
	return t.queue.Len()
}

// Stop drops queued work, waits for running invocations and returns.
func (t *Throttle) Stop() error {
	t.queue.Close()
	t.tomb.Kill(nil)
	return t.tomb.Wait()
}

func (t *Throttle) pump() error {
	ctx := t.tomb.Context(context.Background())
	for {
		j, ok := t.queue.TryDequeue()
		if !ok {
			select {
			case <-t.tomb.Dying():
				return nil
			case _, open := <-t.queue.Wait():
				if !open {
					return nil
				}
			}
			continue
		}

		if err := t.limiter.Wait(ctx); err != nil {
			// Only cancellation reaches here: burst is 1 and jobs take one token.
			t.logger.Debug("throttle stopping with queued work",
				"event", "throttle_stop",
				"queued", t.queue.Len()+1,
			)
			return nil
		}

		t.tomb.Go(func() error {
			j()
			return nil
		})
	}
}
