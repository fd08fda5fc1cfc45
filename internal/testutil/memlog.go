// Package testutil provides in-memory doubles for the log and adapter
// contracts, plus helpers for recording handler calls.
package testutil

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/roach88/harvester/internal/oplog"
	"github.com/roach88/harvester/internal/resource"
)

// ErrCursorClosed is returned by Next on a closed MemLog cursor.
var ErrCursorClosed = errors.New("memlog: cursor closed")

// MemLog is an in-memory oplog.Log and resource.Adapter.
//
// Every adapter write appends a log entry the same way the SQLite store
// does, so checkpoint writes show up in the log.
type MemLog struct {
	database string
	clock    *PositionClock

	mu        sync.Mutex
	entries   []oplog.Entry
	records   map[string]map[string]resource.Record
	notify    chan struct{}
	tailErr   error
	updateErr error
	updates   map[string]int
}

var (
	_ oplog.Log        = (*MemLog)(nil)
	_ resource.Adapter = (*MemLog)(nil)
)

// NewMemLog creates an empty log for database.
func NewMemLog(database string) *MemLog {
	return &MemLog{
		database: database,
		clock:    NewPositionClock(),
		records:  make(map[string]map[string]resource.Record),
		notify:   make(chan struct{}),
		updates:  make(map[string]int),
	}
}

// Append adds a raw entry and returns it with its assigned position.
func (m *MemLog) Append(namespace string, op oplog.Operation, id string, doc map[string]any) oplog.Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendLocked(namespace, op, id, doc)
}

func (m *MemLog) appendLocked(namespace string, op oplog.Operation, id string, doc map[string]any) oplog.Entry {
	e := oplog.Entry{
		Position:   m.clock.Next(),
		Namespace:  namespace,
		Operation:  op,
		DocumentID: id,
		Document:   doc,
	}
	m.entries = append(m.entries, e)
	close(m.notify)
	m.notify = make(chan struct{})
	return e
}

// Entries returns a copy of every entry appended so far.
func (m *MemLog) Entries() []oplog.Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]oplog.Entry, len(m.entries))
	copy(out, m.entries)
	return out
}

// FailTail makes the next Next call on any cursor return err.
func (m *MemLog) FailTail(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tailErr = err
	close(m.notify)
	m.notify = make(chan struct{})
}

// FailUpdates makes every subsequent Update return err. Pass nil to clear.
func (m *MemLog) FailUpdates(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updateErr = err
}

// Updates returns how many successful updates typ has seen.
func (m *MemLog) Updates(typ string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updates[resource.Collection(typ)]
}

// Tail implements oplog.Log.
func (m *MemLog) Tail(_ context.Context, since oplog.Position) (oplog.Cursor, error) {
	return &memCursor{log: m, since: since, done: make(chan struct{})}, nil
}

// Read implements oplog.Log.
func (m *MemLog) Read(ctx context.Context, since oplog.Position, limit int) ([]oplog.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	out := []oplog.Entry{}
	for _, e := range m.entries {
		if !e.Position.After(since) {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// Head implements oplog.Log.
func (m *MemLog) Head(ctx context.Context) (oplog.Position, error) {
	if err := ctx.Err(); err != nil {
		return oplog.Position{}, err
	}
	return m.clock.Current(), nil
}

type memCursor struct {
	log   *MemLog
	since oplog.Position
	once  sync.Once
	done  chan struct{}
}

func (c *memCursor) Next(ctx context.Context) (oplog.Entry, error) {
	for {
		c.log.mu.Lock()
		if err := c.log.tailErr; err != nil {
			c.log.tailErr = nil
			c.log.mu.Unlock()
			return oplog.Entry{}, err
		}
		for _, e := range c.log.entries {
			if e.Position.After(c.since) {
				c.since = e.Position
				c.log.mu.Unlock()
				return e, nil
			}
		}
		wake := c.log.notify
		c.log.mu.Unlock()

		select {
		case <-ctx.Done():
			return oplog.Entry{}, ctx.Err()
		case <-c.done:
			return oplog.Entry{}, ErrCursorClosed
		case <-wake:
		}
	}
}

func (c *memCursor) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

// Namespace implements resource.Adapter.
func (m *MemLog) Namespace(typ string) string {
	return oplog.Namespace(m.database, resource.Collection(typ))
}

// Deserialize implements resource.Adapter.
func (m *MemLog) Deserialize(_ string, entry oplog.Entry) resource.Record {
	return resource.Deserialize(entry)
}

// Find implements resource.Adapter. Query values are compared by their
// fmt.Sprint form.
func (m *MemLog) Find(_ context.Context, typ string, query map[string]any) (resource.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	coll := m.records[resource.Collection(typ)]
	ids := make([]string, 0, len(coll))
	for id := range coll {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		rec := coll[id]
		if matchesQuery(rec, query) {
			return copyRecord(rec), nil
		}
	}
	return nil, fmt.Errorf("%s %v: %w", typ, query, resource.ErrNotFound)
}

func matchesQuery(rec resource.Record, query map[string]any) bool {
	for path, want := range query {
		got, ok := oplog.Lookup(rec, path)
		if !ok || fmt.Sprint(got) != fmt.Sprint(want) {
			return false
		}
	}
	return true
}

// Create implements resource.Adapter.
func (m *MemLog) Create(_ context.Context, typ string, rec resource.Record) (resource.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := rec.ID()
	if id == "" {
		return nil, errors.New("memlog: record id required")
	}
	collName := resource.Collection(typ)
	coll := m.records[collName]
	if coll == nil {
		coll = make(map[string]resource.Record)
		m.records[collName] = coll
	}
	if _, exists := coll[id]; exists {
		return nil, fmt.Errorf("memlog: duplicate %s/%s", typ, id)
	}

	stored := copyRecord(rec)
	coll[id] = stored

	doc := map[string]any{"_id": id}
	for k, v := range stored {
		if k != "id" {
			doc[k] = v
		}
	}
	m.appendLocked(m.Namespace(typ), oplog.OpInsert, id, doc)
	return copyRecord(stored), nil
}

// Update implements resource.Adapter.
func (m *MemLog) Update(_ context.Context, typ, id string, partial map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.updateErr != nil {
		return m.updateErr
	}
	collName := resource.Collection(typ)
	rec, ok := m.records[collName][id]
	if !ok {
		return fmt.Errorf("%s/%s: %w", typ, id, resource.ErrNotFound)
	}

	set := make(map[string]any, len(partial))
	for k, v := range partial {
		if k == "id" {
			continue
		}
		rec[k] = v
		set[k] = v
	}
	m.updates[collName]++
	m.appendLocked(m.Namespace(typ), oplog.OpUpdate, id, map[string]any{"$set": set})
	return nil
}

// Delete implements resource.Adapter.
func (m *MemLog) Delete(_ context.Context, typ, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	collName := resource.Collection(typ)
	if _, ok := m.records[collName][id]; !ok {
		return fmt.Errorf("%s/%s: %w", typ, id, resource.ErrNotFound)
	}
	delete(m.records[collName], id)
	m.appendLocked(m.Namespace(typ), oplog.OpDelete, id, map[string]any{"_id": id})
	return nil
}

func copyRecord(rec resource.Record) resource.Record {
	out := make(resource.Record, len(rec))
	for k, v := range rec {
		out[k] = v
	}
	return out
}
