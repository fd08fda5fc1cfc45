package testutil

import (
	"sync"

	"github.com/roach88/harvester/internal/oplog"
)

// Epoch is the seconds part of every position a PositionClock issues.
const Epoch = 1700000000

// PositionClock issues deterministic, strictly increasing log positions
// for tests: Epoch_1, Epoch_2, ...
//
// Thread-safe.
type PositionClock struct {
	mu  sync.Mutex
	seq uint32
}

// NewPositionClock creates a clock whose first Next returns Epoch_1.
func NewPositionClock() *PositionClock {
	return &PositionClock{}
}

// Next returns the next position.
func (c *PositionClock) Next() oplog.Position {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	return oplog.Position{Seconds: Epoch, Sequence: c.seq}
}

// Current returns the last issued position, or the zero position.
func (c *PositionClock) Current() oplog.Position {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.seq == 0 {
		return oplog.Position{}
	}
	return oplog.Position{Seconds: Epoch, Sequence: c.seq}
}

// Reset makes the next call to Next return Epoch_1 again.
func (c *PositionClock) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq = 0
}
