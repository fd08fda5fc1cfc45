package store

import (
	"context"
	"errors"
	"sync"

	"github.com/roach88/harvester/internal/oplog"
)

// ErrCursorClosed is returned by Next after Close.
var ErrCursorClosed = errors.New("cursor closed")

// Tail implements oplog.Log. The returned cursor yields every entry after
// since and then waits for new writes.
func (s *Store) Tail(ctx context.Context, since oplog.Position) (oplog.Cursor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &cursor{
		store: s,
		since: since,
		done:  make(chan struct{}),
	}, nil
}

// cursor buffers one batch of rows at a time.
type cursor struct {
	store *Store
	since oplog.Position
	buf   []oplog.Entry

	closeOnce sync.Once
	done      chan struct{}
}

// Next returns the next entry, blocking until one is written.
func (c *cursor) Next(ctx context.Context) (oplog.Entry, error) {
	for {
		select {
		case <-c.done:
			return oplog.Entry{}, ErrCursorClosed
		default:
		}

		if len(c.buf) > 0 {
			entry := c.buf[0]
			c.buf[0] = oplog.Entry{}
			c.buf = c.buf[1:]
			c.since = entry.Position
			return entry, nil
		}

		// Grab the wake-up channel before reading so a write committed
		// between the read and the wait is not missed.
		wake := c.store.changed()

		entries, err := c.store.Read(ctx, c.since, readBatchSize)
		if err != nil {
			return oplog.Entry{}, err
		}
		if len(entries) > 0 {
			c.buf = entries
			continue
		}

		select {
		case <-ctx.Done():
			return oplog.Entry{}, ctx.Err()
		case <-c.done:
			return oplog.Entry{}, ErrCursorClosed
		case <-wake:
		case <-c.store.clock.After(c.store.pollInterval):
		}
	}
}

// Close releases the cursor. Safe to call more than once.
func (c *cursor) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}
