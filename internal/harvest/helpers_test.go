package harvest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/harvester/internal/oplog"
	"github.com/roach88/harvester/internal/registry"
	"github.com/roach88/harvester/internal/testutil"
	"github.com/roach88/harvester/internal/throttle"
)

const waitFor = 2 * time.Second

// fastConfig returns a config that retries and throttles on a millisecond
// scale.
func fastConfig(m *testutil.MemLog, reg *registry.Registry) Config {
	return Config{
		Log:        m,
		Adapter:    m,
		Registry:   reg,
		InstanceID: "test",
		Throttle:   throttle.Config{Limit: 1000, Window: time.Second},
		Retry:      RetryConfig{Delay: time.Millisecond},
	}
}

// startHarvester starts h and waits until it is reading the log.
func startHarvester(t *testing.T, cfg Config) *Harvester {
	t.Helper()
	h, err := New(cfg)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, h.Start(ctx))
	t.Cleanup(func() { _ = h.Stop() })
	t.Cleanup(cancel)

	require.Eventually(t, func() bool { return h.State() == Reading }, waitFor, time.Millisecond)
	return h
}

func buildRegistry(t *testing.T, fn func(b *registry.Builder)) *registry.Registry {
	t.Helper()
	b := registry.NewBuilder("app")
	fn(b)
	reg, err := b.Build()
	require.NoError(t, err)
	return reg
}

type recordingObserver struct {
	mu          sync.Mutex
	outcomes    map[string]int
	retries     int
	stuck       int
	stuckPeak   int
	checkpoints []oplog.Position
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{outcomes: make(map[string]int)}
}

func (o *recordingObserver) Invocation(_ string, _ oplog.Operation, outcome string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.outcomes[outcome]++
}

func (o *recordingObserver) Retry(string, oplog.Operation) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.retries++
}

func (o *recordingObserver) Stuck(delta int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.stuck += delta
	if o.stuck > o.stuckPeak {
		o.stuckPeak = o.stuck
	}
}

func (o *recordingObserver) Checkpoint(pos oplog.Position) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.checkpoints = append(o.checkpoints, pos)
}

func (o *recordingObserver) snapshot() (outcomes map[string]int, retries, stuck, stuckPeak int, checkpoints []oplog.Position) {
	o.mu.Lock()
	defer o.mu.Unlock()
	outcomes = make(map[string]int, len(o.outcomes))
	for k, v := range o.outcomes {
		outcomes[k] = v
	}
	return outcomes, o.retries, o.stuck, o.stuckPeak, append([]oplog.Position(nil), o.checkpoints...)
}
