// Package memstore is an in-process Store. It backs tests and the degraded
// online-only mode used when durable storage cannot be opened.
package memstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/erauner12/notesync/internal/entity"
	"github.com/erauner12/notesync/internal/oplog"
	"github.com/erauner12/notesync/internal/store"
)

// Store keeps everything in maps guarded by a single mutex
type Store struct {
	mu          sync.Mutex
	entities    map[string]entity.Entity
	ops         map[string]oplog.Operation
	meta        map[string]string
	seq         int64
	closed      bool
	unavailable bool
}

var _ store.Store = (*Store)(nil)

// New creates an empty store
func New() *Store {
	return &Store{
		entities: make(map[string]entity.Entity),
		ops:      make(map[string]oplog.Operation),
		meta:     make(map[string]string),
	}
}

// SetUnavailable makes every subsequent call fail with
// store.ErrStorageUnavailable until cleared
func (s *Store) SetUnavailable(v bool) {
	s.mu.Lock()
	s.unavailable = v
	s.mu.Unlock()
}

func (s *Store) check() error {
	if s.closed {
		return fmt.Errorf("%w: %w", store.ErrStorageUnavailable, store.ErrClosed)
	}
	if s.unavailable {
		return fmt.Errorf("memstore: %w", store.ErrStorageUnavailable)
	}
	return nil
}

func (s *Store) PutEntity(_ context.Context, e entity.Entity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return err
	}
	s.entities[e.ID] = e.Clone()
	return nil
}

func (s *Store) GetEntity(_ context.Context, id string) (entity.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return entity.Entity{}, err
	}
	e, ok := s.entities[id]
	if !ok {
		return entity.Entity{}, fmt.Errorf("entity %s: %w", id, store.ErrNotFound)
	}
	return e.Clone(), nil
}

func (s *Store) ListEntities(_ context.Context, f store.Filter) ([]entity.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return nil, err
	}
	out := make([]entity.Entity, 0, len(s.entities))
	for _, e := range s.entities {
		if f.Match(e) {
			out = append(out, e.Clone())
		}
	}
	store.SortEntities(out)
	return out, nil
}

func (s *Store) RemoveEntity(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return err
	}
	delete(s.entities, id)
	return nil
}

func (s *Store) ReplaceAll(_ context.Context, entities []entity.Entity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return err
	}
	next := make(map[string]entity.Entity, len(entities))
	for _, e := range entities {
		next[e.ID] = e.Clone()
	}
	s.entities = next
	return nil
}

func (s *Store) AppendOp(_ context.Context, op oplog.Operation) (oplog.Operation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return oplog.Operation{}, err
	}
	if _, exists := s.ops[op.ID]; exists {
		return oplog.Operation{}, fmt.Errorf("operation %s already exists", op.ID)
	}
	if op.Seq == 0 {
		s.seq++
		op.Seq = s.seq
	} else if op.Seq > s.seq {
		s.seq = op.Seq
	}
	stored := op.Clone()
	s.ops[op.ID] = stored
	return stored.Clone(), nil
}

func (s *Store) GetOp(_ context.Context, id string) (oplog.Operation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return oplog.Operation{}, err
	}
	op, ok := s.ops[id]
	if !ok {
		return oplog.Operation{}, fmt.Errorf("operation %s: %w", id, store.ErrNotFound)
	}
	return op.Clone(), nil
}

func (s *Store) ListOps(ctx context.Context) ([]oplog.Operation, error) {
	return s.ListOpsByStatus(ctx)
}

func (s *Store) ListOpsByStatus(_ context.Context, statuses ...oplog.Status) ([]oplog.Operation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return nil, err
	}
	want := make(map[oplog.Status]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}
	out := make([]oplog.Operation, 0, len(s.ops))
	for _, op := range s.ops {
		if len(want) == 0 || want[op.Status] {
			out = append(out, op.Clone())
		}
	}
	store.SortOps(out)
	return out, nil
}

func (s *Store) UpdateOp(_ context.Context, id string, p oplog.Patch) (oplog.Operation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return oplog.Operation{}, err
	}
	op, ok := s.ops[id]
	if !ok {
		return oplog.Operation{}, fmt.Errorf("operation %s: %w", id, store.ErrNotFound)
	}
	op = oplog.ApplyPatch(op, p)
	s.ops[id] = op
	return op.Clone(), nil
}

func (s *Store) RemoveOp(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return err
	}
	delete(s.ops, id)
	return nil
}

func (s *Store) GetMeta(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return "", err
	}
	v, ok := s.meta[key]
	if !ok {
		return "", fmt.Errorf("meta %s: %w", key, store.ErrNotFound)
	}
	return v, nil
}

func (s *Store) SetMeta(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return err
	}
	s.meta[key] = value
	return nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
