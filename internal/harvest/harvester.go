package harvest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"gopkg.in/tomb.v2"

	"github.com/roach88/harvester/internal/checkpoint"
	"github.com/roach88/harvester/internal/oplog"
	"github.com/roach88/harvester/internal/registry"
	"github.com/roach88/harvester/internal/resource"
	"github.com/roach88/harvester/internal/throttle"
)

// DefaultMaxPending is the number of entries that may be dispatched but not
// yet checkpointed.
const DefaultMaxPending = 1

// Config wires a Harvester.
type Config struct {
	Log      oplog.Log
	Adapter  resource.Adapter
	Registry *registry.Registry

	// InstanceID selects the checkpoint record. Defaults to "default".
	InstanceID string

	// Invoker starts handler calls. When nil the harvester owns a throttle
	// built from Throttle and stops it on shutdown.
	Invoker  Invoker
	Throttle throttle.Config

	Retry      RetryConfig
	MaxPending int

	Observer Observer
	Logger   *slog.Logger
}

// Harvester tails the log and drives change handlers. Create one with New,
// then Start it; a stopped harvester cannot be restarted.
type Harvester struct {
	log        oplog.Log
	registry   *registry.Registry
	checkpoint *checkpoint.Store
	invoker    Invoker
	owned      *throttle.Throttle
	retrier    *retrier
	observer   Observer
	logger     *slog.Logger
	maxPending int

	tomb tomb.Tomb

	mu      sync.Mutex
	state   State
	started bool
}

// New validates cfg and returns an idle harvester.
func New(cfg Config) (*Harvester, error) {
	if cfg.Log == nil {
		return nil, errors.New("harvest: Log is required")
	}
	if cfg.Adapter == nil {
		return nil, errors.New("harvest: Adapter is required")
	}
	if cfg.Registry == nil {
		return nil, errors.New("harvest: Registry is required")
	}
	if cfg.MaxPending < 0 {
		return nil, fmt.Errorf("harvest: MaxPending must not be negative, got %d", cfg.MaxPending)
	}
	if cfg.MaxPending == 0 {
		cfg.MaxPending = DefaultMaxPending
	}
	if cfg.Retry.MaxAttempts < 0 {
		return nil, fmt.Errorf("harvest: Retry.MaxAttempts must not be negative, got %d", cfg.Retry.MaxAttempts)
	}
	if _, err := ParseBackoff(string(cfg.Retry.Backoff)); err != nil {
		return nil, fmt.Errorf("harvest: %w", err)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Observer == nil {
		cfg.Observer = nopObserver{}
	}

	h := &Harvester{
		log:        cfg.Log,
		registry:   cfg.Registry,
		checkpoint: checkpoint.New(cfg.Adapter, cfg.InstanceID),
		invoker:    cfg.Invoker,
		observer:   cfg.Observer,
		logger:     cfg.Logger,
		maxPending: cfg.MaxPending,
	}
	if h.invoker == nil {
		if cfg.Throttle.Logger == nil {
			cfg.Throttle.Logger = cfg.Logger
		}
		h.owned = throttle.New(cfg.Throttle)
		h.invoker = h.owned
	}
	h.retrier = newRetrier(cfg.Retry, h.invoker, h.observer, h.logger)
	return h, nil
}

// Start launches the pipeline. It returns immediately; the pipeline stops
// when ctx ends, Stop is called or a fatal error occurs.
func (h *Harvester) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.started {
		return errors.New("harvest: already started")
	}
	h.started = true

	runCtx := h.tomb.Context(ctx)
	h.tomb.Go(func() error { return h.run(runCtx) })
	go func() {
		<-h.tomb.Dead()
		if h.owned != nil {
			_ = h.owned.Stop()
		}
		h.setState(Stopped)
	}()
	return nil
}

// Stop requests shutdown and waits for it. It returns the fatal error that
// stopped the pipeline, if any.
func (h *Harvester) Stop() error {
	h.mu.Lock()
	started := h.started
	if !started {
		h.state = Stopped
	}
	h.mu.Unlock()
	if !started {
		return nil
	}

	h.tomb.Kill(nil)
	return h.Wait()
}

// Wait blocks until the pipeline has stopped and returns its fatal error.
func (h *Harvester) Wait() error {
	h.mu.Lock()
	started := h.started
	h.mu.Unlock()
	if !started {
		return nil
	}

	err := h.tomb.Wait()
	h.setState(Stopped)
	return err
}

// Dead is closed once the pipeline has fully stopped.
func (h *Harvester) Dead() <-chan struct{} {
	return h.tomb.Dead()
}

// State returns the current lifecycle state.
func (h *Harvester) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Checkpoint returns the last persisted checkpoint position.
func (h *Harvester) Checkpoint() oplog.Position {
	return h.checkpoint.Last()
}

// InstanceID returns the checkpoint instance this harvester advances.
func (h *Harvester) InstanceID() string {
	return h.checkpoint.InstanceID()
}

func (h *Harvester) setState(s State) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state == Stopped {
		return
	}
	if h.state != s {
		h.logger.Debug("harvester state", "event", "state_change", "from", h.state.String(), "to", s.String())
	}
	h.state = s
}

// pending is a dispatched entry awaiting its tracked invocations.
type pending struct {
	entry   oplog.Entry
	tracked sync.WaitGroup

	// failed is set when any tracked invocation ended without success.
	// Such an entry is never checkpointed.
	failed atomic.Bool
}

func (h *Harvester) run(ctx context.Context) error {
	pos, err := h.start(ctx)
	if err != nil {
		return err
	}
	if ctx.Err() != nil {
		h.setState(Stopping)
		return nil
	}

	h.setState(Tailing)
	cur, err := h.log.Tail(ctx, pos)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return newTailError(pos, err)
	}
	defer cur.Close()

	h.logger.Info("harvester tailing",
		"event", "tail_start",
		"instance", h.checkpoint.InstanceID(),
		"since", pos.String(),
		"max_pending", h.maxPending,
	)

	slots := make(chan struct{}, h.maxPending)
	queue := make(chan *pending, h.maxPending)
	h.tomb.Go(func() error { return h.advance(ctx, queue, slots) })

	for {
		select {
		case slots <- struct{}{}:
		case <-ctx.Done():
			h.setState(Stopping)
			return nil
		}

		h.setState(Reading)
		entry, err := cur.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				h.setState(Stopping)
				return nil
			}
			h.logger.Error("log tail failed", "event", "tail_failed", "after", pos.String(), "error", err)
			return newTailError(pos, err)
		}
		pos = entry.Position

		h.setState(Dispatching)
		p := h.dispatch(ctx, entry)

		select {
		case queue <- p:
		case <-ctx.Done():
			h.setState(Stopping)
			return nil
		}
	}
}

// start loads the checkpoint, creating it at the log head when missing.
// The creation branch ignores cancellation so a stop requested while it
// runs still leaves a checkpoint behind.
func (h *Harvester) start(ctx context.Context) (oplog.Position, error) {
	for {
		h.setState(Starting)

		pos, found, err := h.checkpoint.Load(context.WithoutCancel(ctx))
		if err != nil {
			return oplog.Position{}, newCheckpointError("load checkpoint", oplog.Position{}, err)
		}
		if found {
			return pos, nil
		}

		head, err := h.log.Head(context.WithoutCancel(ctx))
		if err != nil {
			return oplog.Position{}, newTailError(oplog.Position{}, fmt.Errorf("read log head: %w", err))
		}
		if err := h.checkpoint.Init(context.WithoutCancel(ctx), head); err != nil {
			return oplog.Position{}, newCheckpointError("create checkpoint", head, err)
		}
		h.logger.Info("checkpoint created",
			"event", "checkpoint_created",
			"instance", h.checkpoint.InstanceID(),
			"position", head.String(),
		)
	}
}

// dispatch starts every matching handler for entry and returns the
// pending record the advancer waits on.
func (h *Harvester) dispatch(ctx context.Context, entry oplog.Entry) *pending {
	p := &pending{entry: entry}

	for _, reg := range h.registry.Match(entry) {
		inv, ok := reg.Select(entry)
		if !ok {
			h.observer.Invocation(reg.Resource, entry.Operation, OutcomeSkipped)
			h.logger.Debug("change skipped",
				"event", "handler_skipped",
				"resource", reg.Resource,
				"operation", string(entry.Operation),
				"position", entry.Position.String(),
			)
			continue
		}

		switch inv.Mode {
		case registry.Tracked:
			p.tracked.Add(1)
			h.tomb.Go(func() error {
				defer p.tracked.Done()
				err := h.retrier.Invoke(ctx, inv)
				if err != nil {
					p.failed.Store(true)
				}
				return h.trackedResult(ctx, inv, err)
			})
		case registry.Detached:
			h.tomb.Go(func() error {
				h.invokeDetached(ctx, inv)
				return nil
			})
		}
	}
	return p
}

// trackedResult turns an invocation error into the tomb's exit reason.
// Shutdown is decided by ctx alone: a handler error may itself wrap a
// context error (an HTTP client timeout) and must still be fatal.
func (h *Harvester) trackedResult(ctx context.Context, inv registry.Invocation, err error) error {
	if err == nil || ctx.Err() != nil {
		return nil
	}
	h.logger.Error("change handler gave up",
		"event", "retries_exhausted",
		"resource", inv.Resource,
		"operation", string(inv.Change.Operation),
		"position", inv.Change.Entry.Position.String(),
		"error", err,
	)
	return &Error{
		Code:     ErrCodeRetriesExhausted,
		Message:  "tracked handler failed",
		Position: inv.Change.Entry.Position,
		Resource: inv.Resource,
		Err:      err,
	}
}

func (h *Harvester) invokeDetached(ctx context.Context, inv registry.Invocation) {
	if err := h.retrier.Invoke(ctx, inv); err != nil && ctx.Err() == nil {
		h.logger.Warn("detached handler dropped",
			"event", "detached_dropped",
			"resource", inv.Resource,
			"operation", string(inv.Change.Operation),
			"position", inv.Change.Entry.Position.String(),
			"error", err,
		)
	}
}

// advance persists checkpoints in dispatch order.
func (h *Harvester) advance(ctx context.Context, queue <-chan *pending, slots <-chan struct{}) error {
	for {
		var p *pending
		select {
		case p = <-queue:
		case <-ctx.Done():
			return nil
		}

		if !waitSettled(ctx, &p.tracked) {
			return nil
		}
		if p.failed.Load() {
			// The failing invocation kills the tomb; hold the slot until then.
			<-ctx.Done()
			return nil
		}

		pos := p.entry.Position
		if strings.EqualFold(p.entry.Namespace, h.checkpoint.Namespace()) {
			h.logger.Debug("checkpoint entry not recorded", "event", "checkpoint_self", "position", pos.String())
		} else {
			if err := h.checkpoint.Save(context.WithoutCancel(ctx), pos); err != nil {
				h.logger.Error("checkpoint write failed", "event", "checkpoint_failed", "position", pos.String(), "error", err)
				return newCheckpointError("save checkpoint", pos, err)
			}
			h.observer.Checkpoint(pos)
		}

		<-slots
	}
}

// waitSettled waits for wg unless ctx ends first.
func waitSettled(ctx context.Context, wg *sync.WaitGroup) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
