// Package memremote is an in-memory reference implementation of the remote
// service. It backs the development server and the engine's end-to-end tests.
package memremote

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/erauner12/notesync/internal/entity"
	"github.com/erauner12/notesync/internal/oplog"
	"github.com/erauner12/notesync/internal/remote"
)

// Change describes a committed mutation, attributed to the calling actor
type Change struct {
	Type    entity.Type
	ID      string
	Kind    oplog.Kind
	Version int
	ActorID string
	At      time.Time
}

// Call identifies a service call for hooks
type Call struct {
	Method string
	Type   entity.Type
	ID     string
}

// Options configures a Service
type Options struct {
	// Now defaults to time.Now
	Now func() time.Time
	// NewID defaults to "<n|f>-<counter>"
	NewID func(t entity.Type) string
	// Hook runs before every call; a non-nil error fails the call
	Hook func(ctx context.Context, c Call) error
}

// Service is a thread-safe in-memory remote.Service
type Service struct {
	mu         sync.Mutex
	opts       Options
	records    map[string]entity.Entity
	idem       map[string]string
	counter    int
	listeners  []func(Change)
	changeLogs []Change
	logger     zerolog.Logger
}

var _ remote.Service = (*Service)(nil)

// New creates an empty service
func New(opts Options) *Service {
	s := &Service{
		opts:    opts,
		records: make(map[string]entity.Entity),
		idem:    make(map[string]string),
		logger:  log.With().Str("component", "memremote").Logger(),
	}
	if s.opts.Now == nil {
		s.opts.Now = time.Now
	}
	if s.opts.NewID == nil {
		s.opts.NewID = func(t entity.Type) string {
			s.counter++
			return fmt.Sprintf("%s-%d", string(t)[:1], s.counter)
		}
	}
	return s
}

// OnChange registers fn to run after every committed mutation. fn runs
// synchronously and must not call back into the service.
func (s *Service) OnChange(fn func(Change)) {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

// Changes returns every committed mutation in order
func (s *Service) Changes() []Change {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Change(nil), s.changeLogs...)
}

// Get returns the current record for id
func (s *Service) Get(id string) (entity.Entity, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.records[id]
	return e.Clone(), ok
}

// Seed stores records as-is, without notifications
func (s *Service) Seed(es ...entity.Entity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range es {
		if e.Version == 0 {
			e.Version = 1
		}
		s.records[e.ID] = e.Clone()
	}
}

func (s *Service) hook(ctx context.Context, c Call) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.opts.Hook != nil {
		return s.opts.Hook(ctx, c)
	}
	return nil
}

// emit must be called with s.mu held; listeners run after unlock
func (s *Service) emit(ctx context.Context, e entity.Entity, kind oplog.Kind) []Change {
	c := Change{
		Type:    e.Type,
		ID:      e.ID,
		Kind:    kind,
		Version: e.Version,
		ActorID: remote.ActorFrom(ctx),
		At:      s.opts.Now(),
	}
	s.changeLogs = append(s.changeLogs, c)
	return []Change{c}
}

func (s *Service) notify(changes []Change) {
	s.mu.Lock()
	ls := append(([]func(Change))(nil), s.listeners...)
	s.mu.Unlock()
	for _, c := range changes {
		for _, fn := range ls {
			fn(c)
		}
	}
}

// checkParent validates that parentID names an existing folder. self is the
// folder being placed, to reject cycles.
func (s *Service) checkParent(parentID, self string) error {
	if parentID == "" {
		return nil
	}
	for cur := parentID; cur != ""; {
		if cur == self {
			return &remote.ValidationError{Fields: map[string]string{"parentId": "would create a cycle"}}
		}
		p, ok := s.records[cur]
		if !ok || p.Type != entity.TypeFolder {
			if cur == parentID {
				return &remote.ValidationError{Fields: map[string]string{"parentId": "unknown folder " + parentID}}
			}
			break
		}
		cur = p.Parent()
	}
	return nil
}

func (s *Service) Create(ctx context.Context, e entity.Entity, idempotencyKey string) (entity.Entity, error) {
	if err := s.hook(ctx, Call{Method: "create", Type: e.Type}); err != nil {
		return entity.Entity{}, err
	}
	if err := e.Validate(); err != nil {
		return entity.Entity{}, &remote.ValidationError{Msg: err.Error()}
	}

	s.mu.Lock()
	if idempotencyKey != "" {
		if id, ok := s.idem[idempotencyKey]; ok {
			if rec, ok := s.records[id]; ok {
				s.mu.Unlock()
				s.logger.Debug().Str("idempotencyKey", idempotencyKey).Str("entityId", id).Msg("replayed create")
				return rec.Clone(), nil
			}
		}
	}
	if err := s.checkParent(e.Parent(), ""); err != nil {
		s.mu.Unlock()
		return entity.Entity{}, err
	}

	rec := e.Clone()
	rec.ID = s.opts.NewID(e.Type)
	rec.Version = 1
	rec.UpdatedAt = s.opts.Now()
	s.records[rec.ID] = rec
	if idempotencyKey != "" {
		s.idem[idempotencyKey] = rec.ID
	}
	changes := s.emit(ctx, rec, oplog.KindCreate)
	s.mu.Unlock()

	s.notify(changes)
	return rec.Clone(), nil
}

func (s *Service) Update(ctx context.Context, e entity.Entity, expectedVersion int) (entity.Entity, error) {
	if err := s.hook(ctx, Call{Method: "update", Type: e.Type, ID: e.ID}); err != nil {
		return entity.Entity{}, err
	}
	if err := e.Validate(); err != nil {
		return entity.Entity{}, &remote.ValidationError{Msg: err.Error()}
	}

	s.mu.Lock()
	cur, ok := s.records[e.ID]
	if !ok || cur.Type != e.Type {
		s.mu.Unlock()
		return entity.Entity{}, fmt.Errorf("%s %s: %w", e.Type, e.ID, remote.ErrNotFound)
	}
	if cur.Version != expectedVersion {
		s.mu.Unlock()
		current := cur.Clone()
		return entity.Entity{}, &remote.ConflictError{
			ID:              e.ID,
			ExpectedVersion: expectedVersion,
			CurrentVersion:  cur.Version,
			Current:         &current,
		}
	}
	selfID := ""
	if e.Type == entity.TypeFolder {
		selfID = e.ID
	}
	if err := s.checkParent(e.Parent(), selfID); err != nil {
		s.mu.Unlock()
		return entity.Entity{}, err
	}

	rec := e.Clone()
	rec.Version = cur.Version + 1
	rec.UpdatedAt = s.opts.Now()
	s.records[rec.ID] = rec
	kind := oplog.KindUpdate
	if cur.Parent() != rec.Parent() && cur.SameContent(rec.WithParent(cur.Parent())) {
		kind = oplog.KindMove
	}
	changes := s.emit(ctx, rec, kind)
	s.mu.Unlock()

	s.notify(changes)
	return rec.Clone(), nil
}

func (s *Service) Delete(ctx context.Context, t entity.Type, id string) error {
	if err := s.hook(ctx, Call{Method: "delete", Type: t, ID: id}); err != nil {
		return err
	}

	s.mu.Lock()
	cur, ok := s.records[id]
	if !ok || cur.Type != t {
		s.mu.Unlock()
		return fmt.Errorf("%s %s: %w", t, id, remote.ErrNotFound)
	}

	// Folder deletion removes everything beneath it, deepest first
	doomed := []entity.Entity{cur}
	if t == entity.TypeFolder {
		doomed = append(s.descendants(id), cur)
	}
	var changes []Change
	for _, d := range doomed {
		delete(s.records, d.ID)
		changes = append(changes, s.emit(ctx, d, oplog.KindDelete)...)
	}
	s.mu.Unlock()

	s.notify(changes)
	return nil
}

// descendants returns every record below folder id, children after their
// own descendants
func (s *Service) descendants(id string) []entity.Entity {
	var children []entity.Entity
	for _, r := range s.records {
		if r.Parent() == id {
			children = append(children, r)
		}
	}
	sort.Slice(children, func(i, j int) bool { return children[i].ID < children[j].ID })

	var out []entity.Entity
	for _, c := range children {
		if c.Type == entity.TypeFolder {
			out = append(out, s.descendants(c.ID)...)
		}
		out = append(out, c)
	}
	return out
}

func (s *Service) Move(ctx context.Context, t entity.Type, id, parentID string) (entity.Entity, error) {
	if err := s.hook(ctx, Call{Method: "move", Type: t, ID: id}); err != nil {
		return entity.Entity{}, err
	}

	s.mu.Lock()
	cur, ok := s.records[id]
	if !ok || cur.Type != t {
		s.mu.Unlock()
		return entity.Entity{}, fmt.Errorf("%s %s: %w", t, id, remote.ErrNotFound)
	}
	selfID := ""
	if t == entity.TypeFolder {
		selfID = id
	}
	if err := s.checkParent(parentID, selfID); err != nil {
		s.mu.Unlock()
		return entity.Entity{}, err
	}

	rec := cur.WithParent(parentID)
	rec.Version = cur.Version + 1
	rec.UpdatedAt = s.opts.Now()
	s.records[id] = rec
	changes := s.emit(ctx, rec, oplog.KindMove)
	s.mu.Unlock()

	s.notify(changes)
	return rec.Clone(), nil
}

func (s *Service) List(ctx context.Context, t entity.Type, f remote.Filter) ([]entity.Entity, error) {
	if err := s.hook(ctx, Call{Method: "list", Type: t}); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make(map[string]bool, len(f.IDs))
	for _, id := range f.IDs {
		ids[id] = true
	}
	out := make([]entity.Entity, 0)
	for _, r := range s.records {
		if r.Type != t {
			continue
		}
		if len(ids) > 0 && !ids[r.ID] {
			continue
		}
		if f.ParentID != nil && r.Parent() != *f.ParentID {
			continue
		}
		out = append(out, r.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
