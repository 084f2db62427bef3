// Package conflict presents parked version conflicts and applies the user's
// resolution back through the queue.
package conflict

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/erauner12/notesync/internal/entity"
	"github.com/erauner12/notesync/internal/oplog"
	"github.com/erauner12/notesync/internal/queue"
	"github.com/erauner12/notesync/internal/remote"
	"github.com/erauner12/notesync/internal/store"
)

// Field is one differing field of a conflict
type Field struct {
	Name   string `json:"name"`
	Local  string `json:"local"`
	Remote string `json:"remote"`
	// Merged is the editable starting value for a merge; it defaults to the
	// local value
	Merged string `json:"merged"`
}

// Conflict pairs a conflicted operation's intended result with the server
// record it collided with
type Conflict struct {
	// ID is the conflicted operation's id
	ID         string      `json:"id"`
	EntityID   string      `json:"entityId"`
	EntityType entity.Type `json:"entityType"`
	Kind       oplog.Kind  `json:"kind"`
	// Local is the value the operation would produce; nil for a local delete
	Local *entity.Entity `json:"local,omitempty"`
	// Remote is the server record; nil when it was deleted or is unknown
	Remote        *entity.Entity `json:"remote,omitempty"`
	RemoteDeleted bool           `json:"remoteDeleted"`
	Fields        []Field        `json:"fields"`
	Error         string         `json:"error,omitempty"`
	CreatedAt     time.Time      `json:"createdAt"`
}

// Strategy selects how a conflict is resolved
type Strategy string

const (
	KeepLocal  Strategy = "keep_local"
	KeepRemote Strategy = "keep_remote"
	Merge      Strategy = "merge"
)

// Side picks a value source for a merged field
type Side string

const (
	SideLocal  Side = "local"
	SideRemote Side = "remote"
)

// Resolution is the user's decision for one conflict
type Resolution struct {
	Strategy Strategy `json:"strategy"`
	// Choices picks a side per field for Merge; unlisted fields keep local
	Choices map[string]Side `json:"choices,omitempty"`
	// Edits sets fields to hand-edited values, overriding Choices
	Edits map[string]string `json:"edits,omitempty"`
}

// Queue is the subset of the processor the workflow drives
type Queue interface {
	ReplaceConflicted(ctx context.Context, opID string, next oplog.Operation, observed *entity.Entity, observedDeleted bool) (oplog.Operation, error)
	DiscardConflicted(ctx context.Context, opID string) error
}

var _ Queue = (*queue.Processor)(nil)

// Workflow lists and resolves conflicts. The processor's listeners see every
// resolution, so the projection follows without extra wiring.
type Workflow struct {
	store  store.Store
	queue  Queue
	remote remote.Service
	now    func() time.Time
	logger zerolog.Logger
}

// New creates a workflow. r is used to fetch the server record when a
// conflict was parked without one; it may be nil.
func New(s store.Store, q Queue, r remote.Service) *Workflow {
	return &Workflow{
		store:  s,
		queue:  q,
		remote: r,
		now:    time.Now,
		logger: log.With().Str("component", "conflict").Logger(),
	}
}

// List returns every open conflict, oldest first
func (w *Workflow) List(ctx context.Context) ([]Conflict, error) {
	ops, err := w.store.ListOpsByStatus(ctx, oplog.StatusConflicted)
	if err != nil {
		return nil, fmt.Errorf("list conflicts: %w", err)
	}
	out := make([]Conflict, 0, len(ops))
	for _, op := range ops {
		c, err := w.build(ctx, op)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// Get returns the conflict for a conflicted operation id
func (w *Workflow) Get(ctx context.Context, id string) (Conflict, error) {
	op, err := w.conflictedOp(ctx, id)
	if err != nil {
		return Conflict{}, err
	}
	return w.build(ctx, op)
}

func (w *Workflow) conflictedOp(ctx context.Context, id string) (oplog.Operation, error) {
	op, err := w.store.GetOp(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return oplog.Operation{}, fmt.Errorf("%s: %w", id, ErrUnknownConflict)
	}
	if err != nil {
		return oplog.Operation{}, err
	}
	if op.Status != oplog.StatusConflicted {
		return oplog.Operation{}, fmt.Errorf("%s is %s: %w", id, op.Status, ErrUnknownConflict)
	}
	return op, nil
}

func (w *Workflow) build(ctx context.Context, op oplog.Operation) (Conflict, error) {
	base, exists := entity.Entity{}, false
	if op.Snapshot != nil {
		base, exists = op.Snapshot.Clone(), true
	} else {
		e, err := w.store.GetEntity(ctx, op.EntityID)
		switch {
		case err == nil:
			base, exists = e, true
		case !errors.Is(err, store.ErrNotFound):
			return Conflict{}, fmt.Errorf("conflict %s: %w", op.ID, err)
		}
	}

	c := Conflict{
		ID:            op.ID,
		EntityID:      op.EntityID,
		EntityType:    op.EntityType,
		Kind:          op.Kind,
		RemoteDeleted: op.RemoteDeleted,
		Error:         op.LastError,
		CreatedAt:     op.CreatedAt,
	}
	if local, ok := op.Apply(base, exists); ok {
		c.Local = &local
	}
	if op.Remote != nil {
		r := op.Remote.Clone()
		c.Remote = &r
	}
	c.Fields = diff(op.EntityType, c.Local, c.Remote)
	return c, nil
}

// diff lists differing fields in display order. A missing side counts as
// empty values.
func diff(t entity.Type, local, rem *entity.Entity) []Field {
	lf, rf := map[string]string{}, map[string]string{}
	if local != nil {
		lf = local.Fields()
	}
	if rem != nil {
		rf = rem.Fields()
	}
	var out []Field
	for _, name := range entity.FieldNames(t) {
		if lf[name] == rf[name] && (local == nil) == (rem == nil) {
			continue
		}
		out = append(out, Field{Name: name, Local: lf[name], Remote: rf[name], Merged: lf[name]})
	}
	return out
}

// Resolve applies res to conflict id. For KeepLocal and Merge the returned
// operation is the replacement now queued in the conflicted operation's
// place; KeepRemote returns the zero operation.
func (w *Workflow) Resolve(ctx context.Context, id string, res Resolution) (oplog.Operation, error) {
	op, err := w.conflictedOp(ctx, id)
	if err != nil {
		return oplog.Operation{}, err
	}
	c, err := w.build(ctx, op)
	if err != nil {
		return oplog.Operation{}, err
	}
	logger := w.logger.With().Str("conflictId", id).Str("entityId", op.EntityID).Str("strategy", string(res.Strategy)).Logger()

	switch res.Strategy {
	case KeepRemote:
		if err := w.queue.DiscardConflicted(ctx, id); err != nil {
			return oplog.Operation{}, fmt.Errorf("resolve %s: %w", id, err)
		}
		logger.Info().Msg("kept server version")
		return oplog.Operation{}, nil

	case KeepLocal, Merge:
		if err := w.ensureRemote(ctx, &c); err != nil {
			return oplog.Operation{}, fmt.Errorf("resolve %s: %w", id, err)
		}
		value := c.Local
		if res.Strategy == Merge {
			merged, err := merge(c, res)
			if err != nil {
				return oplog.Operation{}, fmt.Errorf("resolve %s: %w", id, err)
			}
			value = merged
		}
		next, err := w.replacement(c, value)
		if err != nil {
			return oplog.Operation{}, fmt.Errorf("resolve %s: %w", id, err)
		}
		stored, err := w.queue.ReplaceConflicted(ctx, id, next, c.Remote, c.RemoteDeleted)
		if err != nil {
			return oplog.Operation{}, fmt.Errorf("resolve %s: %w", id, err)
		}
		logger.Info().Str("replacementId", stored.ID).Str("kind", string(stored.Kind)).Msg("queued resolved value")
		return stored, nil
	}
	return oplog.Operation{}, fmt.Errorf("%w: unknown strategy %q", ErrInvalidResolution, res.Strategy)
}

// ensureRemote fetches the server record when the conflict was parked
// without one
func (w *Workflow) ensureRemote(ctx context.Context, c *Conflict) error {
	if c.Remote != nil || c.RemoteDeleted || w.remote == nil {
		return nil
	}
	found, err := w.remote.List(ctx, c.EntityType, remote.Filter{IDs: []string{c.EntityID}})
	if err != nil {
		return fmt.Errorf("fetch server record: %w", err)
	}
	for _, e := range found {
		if e.ID == c.EntityID {
			rec := e
			c.Remote = &rec
			return nil
		}
	}
	c.RemoteDeleted = true
	return nil
}

func merge(c Conflict, res Resolution) (*entity.Entity, error) {
	if c.Local == nil {
		return nil, fmt.Errorf("%w: nothing to merge into a local delete", ErrInvalidResolution)
	}
	out := c.Local.Clone()
	for name, side := range res.Choices {
		var err error
		switch side {
		case SideLocal:
			continue
		case SideRemote:
			if c.Remote == nil {
				return nil, fmt.Errorf("%w: field %s has no server value", ErrInvalidResolution, name)
			}
			out, err = out.WithField(name, c.Remote.Fields()[name])
		default:
			return nil, fmt.Errorf("%w: unknown side %q for %s", ErrInvalidResolution, side, name)
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidResolution, err)
		}
	}
	for name, value := range res.Edits {
		var err error
		if out, err = out.WithField(name, value); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidResolution, err)
		}
	}
	return &out, nil
}

// replacement builds the operation that pushes value over the server state.
// A record deleted on the server is re-created; a local delete is retried
// against the current version.
func (w *Workflow) replacement(c Conflict, value *entity.Entity) (oplog.Operation, error) {
	now := w.now()
	switch {
	case value == nil && c.RemoteDeleted:
		return oplog.Operation{}, fmt.Errorf("%w: record is already deleted on both sides", ErrInvalidResolution)
	case value == nil:
		return oplog.New(oplog.KindDelete, c.EntityType, c.EntityID, oplog.Payload{}, c.Remote.Version, now), nil
	case c.RemoteDeleted:
		op := oplog.New(oplog.KindCreate, c.EntityType, c.EntityID, oplog.PayloadOf(*value), 0, now)
		return op, nil
	case c.Remote == nil:
		return oplog.Operation{}, fmt.Errorf("%w: server version unknown", ErrInvalidResolution)
	}
	op := oplog.New(oplog.KindUpdate, c.EntityType, c.EntityID, oplog.PayloadOf(*value), c.Remote.Version, now)
	snap := c.Remote.Clone()
	op.Snapshot = &snap
	return op, nil
}

// AcceptAllLocal resolves every open conflict with KeepLocal and returns how
// many were resolved
func (w *Workflow) AcceptAllLocal(ctx context.Context) (int, error) {
	return w.acceptAll(ctx, Resolution{Strategy: KeepLocal})
}

// AcceptAllRemote resolves every open conflict with KeepRemote
func (w *Workflow) AcceptAllRemote(ctx context.Context) (int, error) {
	return w.acceptAll(ctx, Resolution{Strategy: KeepRemote})
}

func (w *Workflow) acceptAll(ctx context.Context, res Resolution) (int, error) {
	cs, err := w.List(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, c := range cs {
		if _, err := w.Resolve(ctx, c.ID, res); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}
