package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/require"
)

// testEpoch is a fixed wall time for deterministic positions.
var testEpoch = time.Unix(1700000000, 0)

// createTestStore creates a new store in a temp dir for testing.
func createTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path, opts...)
	require.NoError(t, err, "Open() failed")
	t.Cleanup(func() { s.Close() })
	return s
}

// createClockedStore creates a store whose positions are driven by a test clock.
func createClockedStore(t *testing.T) (*Store, *testclock.Clock) {
	t.Helper()
	clk := testclock.NewClock(testEpoch)
	return createTestStore(t, WithClock(clk), WithDatabaseName("app")), clk
}
