package harvest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/harvester/internal/checkpoint"
	"github.com/roach88/harvester/internal/oplog"
	"github.com/roach88/harvester/internal/registry"
	"github.com/roach88/harvester/internal/resource"
	"github.com/roach88/harvester/internal/testutil"
)

func TestNew_Validation(t *testing.T) {
	m := testutil.NewMemLog("app")
	reg := buildRegistry(t, func(b *registry.Builder) {})

	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"missing log", func(c *Config) { c.Log = nil }},
		{"missing adapter", func(c *Config) { c.Adapter = nil }},
		{"missing registry", func(c *Config) { c.Registry = nil }},
		{"negative pending", func(c *Config) { c.MaxPending = -1 }},
		{"negative attempts", func(c *Config) { c.Retry.MaxAttempts = -1 }},
		{"unknown backoff", func(c *Config) { c.Retry.Backoff = "linear" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := fastConfig(m, reg)
			tt.mutate(&cfg)
			_, err := New(cfg)
			assert.Error(t, err)
		})
	}
}

func TestHarvester_CreatesCheckpointAtHead(t *testing.T) {
	m := testutil.NewMemLog("app")
	old := m.Append("app.posts", oplog.OpInsert, "old", map[string]any{"_id": "old"})

	rec := testutil.NewRecorder()
	reg := buildRegistry(t, func(b *registry.Builder) {
		b.OnChange("post", registry.ChangeHandlers{Insert: registry.Func(rec.Handler())})
	})
	h := startHarvester(t, fastConfig(m, reg))

	pos, found, err := checkpoint.New(m, "test").Load(context.Background())
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, old.Position, pos, "new checkpoints start at the log head")

	_, err = m.Create(context.Background(), "post", resource.Record{"id": "new"})
	require.NoError(t, err)

	calls := rec.WaitFor(t, 1, waitFor)
	assert.Equal(t, "new", calls[0].DocumentID, "entries before the head are not delivered")
	assert.Equal(t, "test", h.InstanceID())
}

func TestHarvester_DeliversInOrderAndResumes(t *testing.T) {
	m := testutil.NewMemLog("app")
	ctx := context.Background()

	rec := testutil.NewRecorder()
	handlers := registry.ChangeHandlers{
		Insert: registry.Func(rec.Handler()),
		Update: registry.Func(rec.Handler()),
		Delete: registry.Func(rec.Handler()),
	}
	reg := buildRegistry(t, func(b *registry.Builder) { b.OnChange("post", handlers) })
	h := startHarvester(t, fastConfig(m, reg))

	_, err := m.Create(ctx, "post", resource.Record{"id": "p1", "title": "a"})
	require.NoError(t, err)
	require.NoError(t, m.Update(ctx, "post", "p1", map[string]any{"title": "b"}))
	require.NoError(t, m.Delete(ctx, "post", "p1"))

	calls := rec.WaitFor(t, 3, waitFor)
	assert.Equal(t, oplog.OpInsert, calls[0].Operation)
	assert.Equal(t, oplog.OpUpdate, calls[1].Operation)
	assert.Equal(t, oplog.OpDelete, calls[2].Operation)
	assert.True(t, calls[1].Entry.Position.After(calls[0].Entry.Position))
	assert.True(t, calls[2].Entry.Position.After(calls[1].Entry.Position))

	last := calls[2].Entry.Position
	require.Eventually(t, func() bool { return h.Checkpoint() == last }, waitFor, time.Millisecond)
	require.NoError(t, h.Stop())
	assert.Equal(t, Stopped, h.State())

	// A second harvester on the same checkpoint sees only new entries.
	rec2 := testutil.NewRecorder()
	reg2 := buildRegistry(t, func(b *registry.Builder) {
		b.OnChange("post", registry.ChangeHandlers{
			Insert: registry.Func(rec2.Handler()),
			Update: registry.Func(rec2.Handler()),
			Delete: registry.Func(rec2.Handler()),
		})
	})
	h2 := startHarvester(t, fastConfig(m, reg2))
	assert.Equal(t, last, h2.Checkpoint())

	_, err = m.Create(ctx, "post", resource.Record{"id": "p2"})
	require.NoError(t, err)

	rec2.WaitFor(t, 1, waitFor)
	time.Sleep(20 * time.Millisecond)
	got := rec2.Calls()
	require.Len(t, got, 1, "no entry is delivered twice across restarts")
	assert.Equal(t, "p2", got[0].DocumentID)
}

func TestHarvester_CheckpointMonotonic(t *testing.T) {
	m := testutil.NewMemLog("app")
	rec := testutil.NewRecorder()
	reg := buildRegistry(t, func(b *registry.Builder) {
		b.OnChange("post", registry.ChangeHandlers{Insert: registry.Func(rec.Handler())})
	})
	obs := newRecordingObserver()
	cfg := fastConfig(m, reg)
	cfg.Observer = obs
	startHarvester(t, cfg)

	for i := 0; i < 10; i++ {
		m.Append("app.posts", oplog.OpInsert, "p", map[string]any{"_id": "p"})
	}
	rec.WaitFor(t, 10, waitFor)

	require.Eventually(t, func() bool {
		_, _, _, _, cps := obs.snapshot()
		return len(cps) == 10
	}, waitFor, time.Millisecond)

	_, _, _, _, cps := obs.snapshot()
	for i := 1; i < len(cps); i++ {
		assert.True(t, cps[i].After(cps[i-1]), "checkpoint %d did not advance", i)
	}
}

func TestHarvester_FailingHandlerStillAdvances(t *testing.T) {
	m := testutil.NewMemLog("app")
	rec := testutil.NewRecorder()
	reg := buildRegistry(t, func(b *registry.Builder) {
		b.OnChange("post", registry.ChangeHandlers{Insert: registry.Func(testutil.FailFirst(3, rec.Handler()))})
	})
	obs := newRecordingObserver()
	cfg := fastConfig(m, reg)
	cfg.Observer = obs
	h := startHarvester(t, cfg)

	e := m.Append("app.posts", oplog.OpInsert, "p1", map[string]any{"_id": "p1"})

	rec.WaitFor(t, 1, waitFor)
	require.Eventually(t, func() bool { return h.Checkpoint() == e.Position }, waitFor, time.Millisecond)

	outcomes, retries, _, _, _ := obs.snapshot()
	assert.Equal(t, 3, outcomes[OutcomeFailure])
	assert.Equal(t, 1, outcomes[OutcomeSuccess])
	assert.Equal(t, 3, retries)
}

func TestHarvester_CheckpointEntriesNeverWrite(t *testing.T) {
	m := testutil.NewMemLog("app")
	rec := testutil.NewRecorder()
	reg := buildRegistry(t, func(b *registry.Builder) {
		b.OnChange("post", registry.ChangeHandlers{Insert: registry.Func(rec.Handler())})
	})
	h := startHarvester(t, fastConfig(m, reg))

	e := m.Append("app.posts", oplog.OpInsert, "p1", map[string]any{"_id": "p1"})
	rec.WaitFor(t, 1, waitFor)
	require.Eventually(t, func() bool { return h.Checkpoint() == e.Position }, waitFor, time.Millisecond)

	// The checkpoint update just appended its own entry. Reading it must
	// not trigger another write, or the pipeline would feed itself.
	require.Eventually(t, func() bool {
		entries := m.Entries()
		return h.State() == Reading && entries[len(entries)-1].Namespace == "app.checkpoints"
	}, waitFor, time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, m.Updates(checkpoint.Type))
}

func TestHarvester_FilteredUpdateSkips(t *testing.T) {
	m := testutil.NewMemLog("app")
	rec := testutil.NewRecorder()
	reg := buildRegistry(t, func(b *registry.Builder) {
		b.OnChange("post", registry.ChangeHandlers{Update: registry.Filtered(rec.Handler(), "title")})
	})
	obs := newRecordingObserver()
	cfg := fastConfig(m, reg)
	cfg.Observer = obs
	h := startHarvester(t, cfg)

	skipped := m.Append("app.posts", oplog.OpUpdate, "p1", map[string]any{"$set": map[string]any{"body": "x"}})
	require.Eventually(t, func() bool { return h.Checkpoint() == skipped.Position }, waitFor, time.Millisecond)
	assert.Empty(t, rec.Calls())

	m.Append("app.posts", oplog.OpUpdate, "p1", map[string]any{"$set": map[string]any{"title": "x"}})
	calls := rec.WaitFor(t, 1, waitFor)
	assert.Equal(t, "p1", calls[0].DocumentID)

	outcomes, _, _, _, _ := obs.snapshot()
	assert.Equal(t, 1, outcomes[OutcomeSkipped])
}

func TestHarvester_RetriesExhaustedIsFatal(t *testing.T) {
	m := testutil.NewMemLog("app")
	boom := errors.New("downstream unavailable")
	reg := buildRegistry(t, func(b *registry.Builder) {
		b.OnChange("post", registry.ChangeHandlers{Insert: registry.Func(func(context.Context, registry.Change) error {
			return boom
		})})
	})
	cfg := fastConfig(m, reg)
	cfg.Retry.MaxAttempts = 2
	h := startHarvester(t, cfg)
	head := h.Checkpoint()

	m.Append("app.posts", oplog.OpInsert, "p1", map[string]any{"_id": "p1"})

	err := h.Wait()
	require.Error(t, err)
	assert.True(t, IsRetriesExhausted(err))
	assert.ErrorIs(t, err, ErrRetriesExhausted)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, head, h.Checkpoint(), "a failed entry is never checkpointed")
	assert.Equal(t, Stopped, h.State())
}

func TestHarvester_TimeoutErrorExhaustionIsFatal(t *testing.T) {
	m := testutil.NewMemLog("app")
	// HTTP client timeouts wrap context.DeadlineExceeded.
	timeout := fmt.Errorf("post webhook: %w", context.DeadlineExceeded)
	reg := buildRegistry(t, func(b *registry.Builder) {
		b.OnChange("post", registry.ChangeHandlers{Insert: registry.Func(func(context.Context, registry.Change) error {
			return timeout
		})})
	})
	cfg := fastConfig(m, reg)
	cfg.Retry.MaxAttempts = 2
	h := startHarvester(t, cfg)
	head := h.Checkpoint()

	m.Append("app.posts", oplog.OpInsert, "p1", map[string]any{"_id": "p1"})

	select {
	case <-h.Dead():
	case <-time.After(waitFor):
		t.Fatalf("harvester kept running after retries ran out; state=%s", h.State())
	}
	err := h.Wait()
	require.Error(t, err)
	assert.True(t, IsRetriesExhausted(err))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, head, h.Checkpoint())
}

func TestHarvester_TailErrorIsFatal(t *testing.T) {
	m := testutil.NewMemLog("app")
	reg := buildRegistry(t, func(b *registry.Builder) {})
	h := startHarvester(t, fastConfig(m, reg))

	boom := errors.New("cursor killed")
	m.FailTail(boom)

	err := h.Wait()
	assert.True(t, IsTailError(err))
	assert.ErrorIs(t, err, boom)
}

func TestHarvester_CheckpointErrorIsFatal(t *testing.T) {
	m := testutil.NewMemLog("app")
	rec := testutil.NewRecorder()
	reg := buildRegistry(t, func(b *registry.Builder) {
		b.OnChange("post", registry.ChangeHandlers{Insert: registry.Func(rec.Handler())})
	})
	h := startHarvester(t, fastConfig(m, reg))

	boom := errors.New("disk full")
	m.FailUpdates(boom)
	m.Append("app.posts", oplog.OpInsert, "p1", map[string]any{"_id": "p1"})

	err := h.Wait()
	assert.True(t, IsCheckpointError(err))
	assert.ErrorIs(t, err, boom)
	assert.Len(t, rec.Calls(), 1)
}

func TestHarvester_DetachedNotAwaited(t *testing.T) {
	m := testutil.NewMemLog("app")
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	reg := buildRegistry(t, func(b *registry.Builder) {
		b.OnChange("post", registry.ChangeHandlers{
			Mode: registry.Detached,
			Insert: registry.Func(func(ctx context.Context, _ registry.Change) error {
				started <- struct{}{}
				select {
				case <-release:
				case <-ctx.Done():
				}
				return nil
			}),
		})
	})
	h := startHarvester(t, fastConfig(m, reg))
	defer close(release)

	e := m.Append("app.posts", oplog.OpInsert, "p1", map[string]any{"_id": "p1"})

	select {
	case <-started:
	case <-time.After(waitFor):
		t.Fatal("detached handler never started")
	}
	require.Eventually(t, func() bool { return h.Checkpoint() == e.Position }, waitFor, time.Millisecond)
}

func TestHarvester_StuckReporting(t *testing.T) {
	m := testutil.NewMemLog("app")
	rec := testutil.NewRecorder()
	reg := buildRegistry(t, func(b *registry.Builder) {
		b.OnChange("post", registry.ChangeHandlers{Insert: registry.Func(testutil.FailFirst(4, rec.Handler()))})
	})

	var (
		mu    sync.Mutex
		stuck []Stuck
	)
	obs := newRecordingObserver()
	cfg := fastConfig(m, reg)
	cfg.Observer = obs
	cfg.Retry.StuckAfter = 2
	cfg.Retry.OnStuck = func(s Stuck) {
		mu.Lock()
		defer mu.Unlock()
		stuck = append(stuck, s)
	}
	startHarvester(t, cfg)

	e := m.Append("app.posts", oplog.OpInsert, "p1", map[string]any{"_id": "p1"})
	rec.WaitFor(t, 1, waitFor)

	require.Eventually(t, func() bool {
		_, _, current, _, _ := obs.snapshot()
		return current == 0
	}, waitFor, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, stuck, 1)
	assert.Equal(t, 2, stuck[0].Attempts)
	assert.Equal(t, e.Position, stuck[0].Position)
	assert.Equal(t, "post", stuck[0].Resource)
	assert.Error(t, stuck[0].LastError)

	_, _, _, peak, _ := obs.snapshot()
	assert.Equal(t, 1, peak)
}

func TestHarvester_MaxPendingPipelinesReads(t *testing.T) {
	m := testutil.NewMemLog("app")
	rec := testutil.NewRecorder()
	release := make(chan struct{})
	reg := buildRegistry(t, func(b *registry.Builder) {
		b.OnChange("post", registry.ChangeHandlers{Insert: registry.Func(func(ctx context.Context, c registry.Change) error {
			if c.DocumentID == "slow" {
				<-release
			}
			return rec.Handler()(ctx, c)
		})})
	})
	cfg := fastConfig(m, reg)
	cfg.MaxPending = 2
	h := startHarvester(t, cfg)
	head := h.Checkpoint()

	m.Append("app.posts", oplog.OpInsert, "slow", map[string]any{"_id": "slow"})
	fast := m.Append("app.posts", oplog.OpInsert, "fast", map[string]any{"_id": "fast"})

	// The second entry is dispatched while the first is still running...
	calls := rec.WaitFor(t, 1, waitFor)
	assert.Equal(t, "fast", calls[0].DocumentID)
	// ...but the checkpoint cannot pass the unfinished first entry.
	assert.Equal(t, head, h.Checkpoint())

	close(release)
	require.Eventually(t, func() bool { return h.Checkpoint() == fast.Position }, waitFor, time.Millisecond)
}

// blockingAdapter holds the first checkpoint lookup until released.
type blockingAdapter struct {
	*testutil.MemLog
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (b *blockingAdapter) Find(ctx context.Context, typ string, query map[string]any) (resource.Record, error) {
	b.once.Do(func() {
		close(b.entered)
		<-b.release
	})
	return b.MemLog.Find(ctx, typ, query)
}

func TestHarvester_StopDuringStarting(t *testing.T) {
	m := testutil.NewMemLog("app")
	m.Append("app.posts", oplog.OpInsert, "p0", nil)
	adapter := &blockingAdapter{MemLog: m, entered: make(chan struct{}), release: make(chan struct{})}

	rec := testutil.NewRecorder()
	reg := buildRegistry(t, func(b *registry.Builder) {
		b.OnChange("post", registry.ChangeHandlers{Insert: registry.Func(rec.Handler())})
	})
	cfg := fastConfig(m, reg)
	cfg.Adapter = adapter

	h, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, h.Start(context.Background()))

	<-adapter.entered
	assert.Equal(t, Starting, h.State())

	stopped := make(chan error, 1)
	go func() { stopped <- h.Stop() }()
	time.Sleep(10 * time.Millisecond)
	close(adapter.release)

	select {
	case err := <-stopped:
		require.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("Stop did not return")
	}

	_, found, err := checkpoint.New(m, "test").Load(context.Background())
	require.NoError(t, err)
	assert.True(t, found, "checkpoint creation completes despite the stop")
	assert.Empty(t, rec.Calls())
	assert.Equal(t, Stopped, h.State())
}

func TestHarvester_StopBeforeStart(t *testing.T) {
	m := testutil.NewMemLog("app")
	h, err := New(fastConfig(m, buildRegistry(t, func(b *registry.Builder) {})))
	require.NoError(t, err)

	require.NoError(t, h.Stop())
	require.NoError(t, h.Wait())
	assert.Equal(t, Stopped, h.State())
}

func TestHarvester_StartTwice(t *testing.T) {
	m := testutil.NewMemLog("app")
	h := startHarvester(t, fastConfig(m, buildRegistry(t, func(b *registry.Builder) {})))
	assert.Error(t, h.Start(context.Background()))
}

func TestHarvester_ContextCancelStops(t *testing.T) {
	m := testutil.NewMemLog("app")
	h, err := New(fastConfig(m, buildRegistry(t, func(b *registry.Builder) {})))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, h.Start(ctx))
	require.Eventually(t, func() bool { return h.State() == Reading }, waitFor, time.Millisecond)

	cancel()
	assert.NoError(t, h.Wait())
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "idle", Idle.String())
	assert.Equal(t, "dispatching", Dispatching.String())
	assert.Equal(t, "stopped", Stopped.String())
	assert.Equal(t, "State(42)", State(42).String())
}
