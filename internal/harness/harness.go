package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/juju/clock/testclock"

	"github.com/roach88/harvester/internal/checkpoint"
	"github.com/roach88/harvester/internal/harvest"
	"github.com/roach88/harvester/internal/oplog"
	"github.com/roach88/harvester/internal/registry"
	"github.com/roach88/harvester/internal/resource"
	"github.com/roach88/harvester/internal/store"
	"github.com/roach88/harvester/internal/testutil"
	"github.com/roach88/harvester/internal/throttle"
)

const (
	defaultTimeout    = 5 * time.Second
	defaultRetryDelay = time.Millisecond
)

// epoch freezes the store clock. Positions then only advance by sequence.
var epoch = time.Unix(testutil.Epoch, 0)

// recorder traces handler attempts across all registrations.
type recorder struct {
	mu    sync.Mutex
	seq   int64
	trace []TraceEvent
}

func (r *recorder) handler(spec HandlerSpec) registry.HandlerFunc {
	var calls int
	return func(_ context.Context, c registry.Change) error {
		r.mu.Lock()
		defer r.mu.Unlock()

		calls++
		r.seq++
		event := TraceEvent{
			Seq:        r.seq,
			Resource:   c.Resource,
			Operation:  string(c.Operation),
			DocumentID: c.DocumentID,
			Position:   c.Entry.Position.String(),
			Outcome:    OutcomeOK,
		}

		var err error
		if calls <= spec.FailFirst {
			event.Outcome = OutcomeError
			err = fmt.Errorf("induced failure %d/%d", calls, spec.FailFirst)
		}
		r.trace = append(r.trace, event)
		return err
	}
}

func (r *recorder) snapshot() []TraceEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]TraceEvent, len(r.trace))
	copy(out, r.trace)
	return out
}

// Run executes a scenario in a fresh in-memory store.
//
// Execution flow:
//  1. Open the store and register recording handlers
//  2. Place the checkpoint at the current head
//  3. Write the flow
//  4. Start a harvester and wait for the checkpoint to reach the last flow
//     entry, the pipeline to die, or the timeout
//  5. Evaluate assertions
func Run(scenario *Scenario) (*Result, error) {
	timeout := defaultTimeout
	if scenario.Timeout != "" {
		d, err := time.ParseDuration(scenario.Timeout)
		if err != nil {
			return nil, fmt.Errorf("invalid timeout: %w", err)
		}
		timeout = d
	}
	retryCfg, err := retryConfig(scenario.Retry)
	if err != nil {
		return nil, err
	}

	st, err := store.Open(":memory:",
		store.WithDatabaseName(scenario.Database),
		store.WithClock(testclock.NewClock(epoch)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	defer st.Close()

	rec := &recorder{}
	reg, err := buildRegistry(scenario, st.DatabaseName(), rec)
	if err != nil {
		return nil, err
	}

	ctx := context.Background()
	result := NewResult()

	head, err := st.Head(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read head: %w", err)
	}
	if err := checkpoint.New(st, checkpoint.DefaultInstanceID).Init(ctx, head); err != nil {
		return nil, fmt.Errorf("failed to place checkpoint: %w", err)
	}
	result.Initial = head

	touched, err := executeFlow(ctx, st, scenario.Flow)
	if err != nil {
		return nil, fmt.Errorf("failed to execute flow: %w", err)
	}
	if result.Last, err = st.Head(ctx); err != nil {
		return nil, fmt.Errorf("failed to read head: %w", err)
	}

	h, err := harvest.New(harvest.Config{
		Log:        st,
		Adapter:    st,
		Registry:   reg,
		Throttle:   throttle.Config{Limit: 1000, Window: time.Second},
		Retry:      retryCfg,
		MaxPending: scenario.MaxPending,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to configure harvester: %w", err)
	}
	if err := h.Start(ctx); err != nil {
		return nil, fmt.Errorf("failed to start harvester: %w", err)
	}

	waitErr := waitForCheckpoint(h, result.Last, timeout)
	result.Fatal = h.Stop()
	result.Trace = rec.snapshot()
	if waitErr != nil {
		result.AddError(waitErr.Error())
	}

	stored, _, err := checkpoint.New(st, checkpoint.DefaultInstanceID).Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	result.Checkpoint = stored

	for _, key := range touched {
		record, err := st.Find(ctx, key.resource, map[string]any{"id": key.id})
		if errors.Is(err, resource.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read final state: %w", err)
		}
		result.State[key.String()] = record
	}

	for _, msg := range EvaluateAssertions(result, scenario.Assertions) {
		result.AddError(msg)
	}
	return result, nil
}

func retryConfig(spec RetrySpec) (harvest.RetryConfig, error) {
	cfg := harvest.RetryConfig{
		Delay:       defaultRetryDelay,
		MaxAttempts: spec.MaxAttempts,
		StuckAfter:  spec.StuckAfter,
	}
	if spec.Delay != "" {
		d, err := time.ParseDuration(spec.Delay)
		if err != nil {
			return harvest.RetryConfig{}, fmt.Errorf("invalid retry delay: %w", err)
		}
		cfg.Delay = d
	}
	return cfg, nil
}

func buildRegistry(s *Scenario, database string, rec *recorder) (*registry.Registry, error) {
	b := registry.NewBuilder(database)
	for _, spec := range s.Handlers {
		fn := rec.handler(spec)
		handler := registry.Filtered(fn, spec.Filter)

		handlers := registry.ChangeHandlers{}
		if spec.Mode == "detached" {
			handlers.Mode = registry.Detached
		}
		for _, name := range spec.Operations {
			switch oplog.Operation(name) {
			case oplog.OpInsert:
				handlers.Insert = handler
			case oplog.OpUpdate:
				handlers.Update = handler
			case oplog.OpDelete:
				handlers.Delete = handler
			}
		}
		b.OnChange(spec.Resource, handlers)
	}
	return b.Build()
}

// recordKey identifies a record written by the flow.
type recordKey struct {
	resource string
	id       string
}

func (k recordKey) String() string {
	return k.resource + "/" + k.id
}

func executeFlow(ctx context.Context, st *store.Store, flow []FlowStep) ([]recordKey, error) {
	var touched []recordKey
	seen := make(map[recordKey]bool)

	for i, step := range flow {
		id := step.ID
		switch oplog.Operation(step.Op) {
		case oplog.OpInsert:
			doc := resource.Record{}
			for k, v := range step.Doc {
				doc[k] = v
			}
			if id != "" {
				doc["id"] = id
			}
			created, err := st.Create(ctx, step.Resource, doc)
			if err != nil {
				return nil, fmt.Errorf("flow[%d]: %w", i, err)
			}
			id = created.ID()
		case oplog.OpUpdate:
			if err := st.Update(ctx, step.Resource, id, step.Set); err != nil {
				return nil, fmt.Errorf("flow[%d]: %w", i, err)
			}
		case oplog.OpDelete:
			if err := st.Delete(ctx, step.Resource, id); err != nil {
				return nil, fmt.Errorf("flow[%d]: %w", i, err)
			}
		}

		key := recordKey{resource: step.Resource, id: id}
		if !seen[key] {
			seen[key] = true
			touched = append(touched, key)
		}
	}
	return touched, nil
}

// waitForCheckpoint polls until the harvester has checkpointed target or
// stopped.
func waitForCheckpoint(h *harvest.Harvester, target oplog.Position, timeout time.Duration) error {
	deadline := time.After(timeout)
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()

	for {
		if !target.After(h.Checkpoint()) {
			return nil
		}
		select {
		case <-h.Dead():
			return nil
		case <-deadline:
			return fmt.Errorf("timed out after %s waiting for checkpoint %s, at %s", timeout, target, h.Checkpoint())
		case <-ticker.C:
		}
	}
}
