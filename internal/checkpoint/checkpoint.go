// Package checkpoint persists the last fully processed log position of a
// harvester instance.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/roach88/harvester/internal/oplog"
	"github.com/roach88/harvester/internal/resource"
)

// Type is the reserved resource type checkpoints are stored under.
const Type = "checkpoint"

// DefaultInstanceID names the checkpoint when none is configured.
const DefaultInstanceID = "default"

// Store reads and writes one instance's checkpoint through the adapter.
//
// Save never moves the checkpoint backwards. Reset is the only way to do
// that and is meant for operators.
type Store struct {
	adapter    resource.Adapter
	instanceID string

	mu   sync.Mutex
	last oplog.Position
}

// New returns a checkpoint store for instanceID.
func New(adapter resource.Adapter, instanceID string) *Store {
	if instanceID == "" {
		instanceID = DefaultInstanceID
	}
	return &Store{adapter: adapter, instanceID: instanceID}
}

// InstanceID returns the id of the checkpoint record.
func (s *Store) InstanceID() string {
	return s.instanceID
}

// Namespace is the log namespace checkpoint writes appear under.
func (s *Store) Namespace() string {
	return s.adapter.Namespace(Type)
}

// Load returns the stored position. found is false when no checkpoint
// exists yet.
func (s *Store) Load(ctx context.Context) (pos oplog.Position, found bool, err error) {
	rec, err := s.adapter.Find(ctx, Type, map[string]any{"id": s.instanceID})
	if errors.Is(err, resource.ErrNotFound) {
		return oplog.Position{}, false, nil
	}
	if err != nil {
		return oplog.Position{}, false, fmt.Errorf("load checkpoint %q: %w", s.instanceID, err)
	}

	raw, ok := rec["position"].(map[string]any)
	if !ok {
		return oplog.Position{}, false, fmt.Errorf("load checkpoint %q: %w: position is %T", s.instanceID, oplog.ErrInvalidPosition, rec["position"])
	}
	pos, err = oplog.PositionFromMap(raw)
	if err != nil {
		return oplog.Position{}, false, fmt.Errorf("load checkpoint %q: %w", s.instanceID, err)
	}

	s.remember(pos, true)
	return pos, true, nil
}

// Init creates the checkpoint at pos.
func (s *Store) Init(ctx context.Context, pos oplog.Position) error {
	_, err := s.adapter.Create(ctx, Type, resource.Record{
		"id":       s.instanceID,
		"position": pos.Map(),
	})
	if err != nil {
		return fmt.Errorf("create checkpoint %q: %w", s.instanceID, err)
	}
	s.remember(pos, true)
	return nil
}

// Save advances the checkpoint to pos. Positions at or before the last
// known checkpoint are ignored.
func (s *Store) Save(ctx context.Context, pos oplog.Position) error {
	s.mu.Lock()
	stale := !pos.After(s.last)
	s.mu.Unlock()
	if stale {
		return nil
	}

	if err := s.adapter.Update(ctx, Type, s.instanceID, map[string]any{"position": pos.Map()}); err != nil {
		return fmt.Errorf("save checkpoint %q at %s: %w", s.instanceID, pos, err)
	}
	s.remember(pos, false)
	return nil
}

// Reset overwrites the checkpoint with pos, creating it if needed.
func (s *Store) Reset(ctx context.Context, pos oplog.Position) error {
	err := s.adapter.Update(ctx, Type, s.instanceID, map[string]any{"position": pos.Map()})
	if errors.Is(err, resource.ErrNotFound) {
		return s.Init(ctx, pos)
	}
	if err != nil {
		return fmt.Errorf("reset checkpoint %q: %w", s.instanceID, err)
	}
	s.remember(pos, true)
	return nil
}

// Last returns the most recent position loaded or written by this store.
func (s *Store) Last() oplog.Position {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

func (s *Store) remember(pos oplog.Position, force bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if force || pos.After(s.last) {
		s.last = pos
	}
}
