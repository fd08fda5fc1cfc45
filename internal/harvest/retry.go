package harvest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/juju/clock"
	"github.com/juju/retry"

	"github.com/roach88/harvester/internal/oplog"
	"github.com/roach88/harvester/internal/registry"
)

// DefaultRetryDelay is the pause between attempts of a failed handler.
const DefaultRetryDelay = 500 * time.Millisecond

// Backoff names a retry delay policy.
type Backoff string

const (
	// BackoffFixed waits Delay between every attempt.
	BackoffFixed Backoff = "fixed"

	// BackoffDouble doubles the delay after each attempt, capped at MaxDelay.
	BackoffDouble Backoff = "double"

	// BackoffExponential doubles with jitter, capped at MaxDelay.
	BackoffExponential Backoff = "exponential"
)

// ParseBackoff validates a backoff name. The empty string means fixed.
func ParseBackoff(s string) (Backoff, error) {
	switch b := Backoff(s); b {
	case "":
		return BackoffFixed, nil
	case BackoffFixed, BackoffDouble, BackoffExponential:
		return b, nil
	}
	return "", fmt.Errorf("unknown backoff %q (want fixed, double or exponential)", s)
}

// RetryConfig controls how failed handlers are retried.
type RetryConfig struct {
	// Delay between attempts. Zero selects DefaultRetryDelay.
	Delay time.Duration

	// MaxDelay caps growing backoffs. Zero means no cap.
	MaxDelay time.Duration

	Backoff Backoff

	// MaxAttempts bounds attempts per invocation. Zero retries forever.
	MaxAttempts int

	// StuckAfter reports an invocation as stuck once this many attempts
	// have failed. Zero disables stuck reporting.
	StuckAfter int

	// OnStuck is called once per stuck invocation, from its goroutine.
	OnStuck func(Stuck)

	Clock clock.Clock
}

// Stuck describes an invocation that keeps failing.
type Stuck struct {
	Resource   string
	Operation  oplog.Operation
	DocumentID string
	Position   oplog.Position
	Attempts   int
	LastError  error
}

// Invoker starts handler calls. *throttle.Throttle implements it.
type Invoker interface {
	Do(ctx context.Context, fn func(context.Context) error) error
}

// retrier re-invokes a failed handler on the same entry until it succeeds.
type retrier struct {
	cfg      RetryConfig
	invoker  Invoker
	observer Observer
	logger   *slog.Logger
}

func newRetrier(cfg RetryConfig, invoker Invoker, observer Observer, logger *slog.Logger) *retrier {
	if cfg.Delay <= 0 {
		cfg.Delay = DefaultRetryDelay
	}
	if cfg.Backoff == "" {
		cfg.Backoff = BackoffFixed
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	return &retrier{cfg: cfg, invoker: invoker, observer: observer, logger: logger}
}

func (r *retrier) backoff() func(time.Duration, int) time.Duration {
	switch r.cfg.Backoff {
	case BackoffDouble:
		return retry.DoubleDelay
	case BackoffExponential:
		maxDelay := r.cfg.MaxDelay
		if maxDelay <= 0 {
			maxDelay = time.Hour
		}
		return retry.ExpBackoff(r.cfg.Delay, maxDelay, 2, true)
	}
	return nil
}

// Invoke runs inv through the invoker, retrying until it succeeds, ctx
// ends or MaxAttempts is exhausted. It returns nil on success, ctx.Err()
// when stopped and an ErrRetriesExhausted wrapper on exhaustion.
func (r *retrier) Invoke(ctx context.Context, inv registry.Invocation) error {
	change := inv.Change
	attempts := retry.UnlimitedAttempts
	if r.cfg.MaxAttempts > 0 {
		attempts = r.cfg.MaxAttempts
	}

	stuck := false
	defer func() {
		if stuck {
			r.observer.Stuck(-1)
		}
	}()

	err := retry.Call(retry.CallArgs{
		Func: func() error {
			return r.invoker.Do(ctx, inv.Call)
		},
		IsFatalError: func(error) bool {
			return ctx.Err() != nil
		},
		NotifyFunc: func(err error, attempt int) {
			r.observer.Invocation(change.Resource, change.Operation, OutcomeFailure)
			r.logger.Warn("change handler failed",
				"event", "handler_failed",
				"resource", change.Resource,
				"operation", string(change.Operation),
				"id", change.DocumentID,
				"position", change.Entry.Position.String(),
				"attempt", attempt,
				"error", err,
			)

			if r.cfg.StuckAfter > 0 && attempt == r.cfg.StuckAfter && !stuck {
				stuck = true
				r.observer.Stuck(1)
				r.logger.Error("change handler stuck",
					"event", "handler_stuck",
					"resource", change.Resource,
					"operation", string(change.Operation),
					"id", change.DocumentID,
					"position", change.Entry.Position.String(),
					"attempts", attempt,
				)
				if r.cfg.OnStuck != nil {
					r.cfg.OnStuck(Stuck{
						Resource:   change.Resource,
						Operation:  change.Operation,
						DocumentID: change.DocumentID,
						Position:   change.Entry.Position,
						Attempts:   attempt,
						LastError:  err,
					})
				}
			}

			if attempts < 0 || attempt < attempts {
				r.observer.Retry(change.Resource, change.Operation)
			}
		},
		Attempts:    attempts,
		Delay:       r.cfg.Delay,
		MaxDelay:    r.cfg.MaxDelay,
		BackoffFunc: r.backoff(),
		Clock:       r.cfg.Clock,
		Stop:        ctx.Done(),
	})

	switch {
	case err == nil:
		r.observer.Invocation(change.Resource, change.Operation, OutcomeSuccess)
		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	case retry.IsAttemptsExceeded(err):
		r.observer.Invocation(change.Resource, change.Operation, OutcomeExhausted)
		return fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, attempts, retry.LastError(err))
	case retry.IsRetryStopped(err):
		return context.Canceled
	}
	return err
}

