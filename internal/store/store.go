// Package store defines the durable local persistence used by the sync engine:
// confirmed entities as last observed from the server, the operation log, and
// a small key/value metadata table.
package store

import (
	"context"
	"sort"

	"github.com/erauner12/notesync/internal/entity"
	"github.com/erauner12/notesync/internal/oplog"
)

// MetaActorID is the metadata key holding this client's actor id
const MetaActorID = "actor_id"

// Filter narrows ListEntities. Zero values match everything.
type Filter struct {
	Type entity.Type
	// ParentID, when non-nil, matches entities directly under that folder
	// ("" for root).
	ParentID *string
	IDs      []string
}

// Match reports whether e satisfies the filter
func (f Filter) Match(e entity.Entity) bool {
	if f.Type != "" && e.Type != f.Type {
		return false
	}
	if f.ParentID != nil && e.Parent() != *f.ParentID {
		return false
	}
	if len(f.IDs) > 0 {
		for _, id := range f.IDs {
			if id == e.ID {
				return true
			}
		}
		return false
	}
	return true
}

// Store is implemented by every persistence backend. All writes are durable
// before the call returns.
type Store interface {
	PutEntity(ctx context.Context, e entity.Entity) error
	GetEntity(ctx context.Context, id string) (entity.Entity, error)
	ListEntities(ctx context.Context, f Filter) ([]entity.Entity, error)
	RemoveEntity(ctx context.Context, id string) error
	// ReplaceAll atomically swaps every stored entity for the given set
	ReplaceAll(ctx context.Context, entities []entity.Entity) error

	// AppendOp persists op, assigning the next Seq when op.Seq is zero.
	// The stored operation is returned.
	AppendOp(ctx context.Context, op oplog.Operation) (oplog.Operation, error)
	GetOp(ctx context.Context, id string) (oplog.Operation, error)
	// ListOps returns every operation in Seq order
	ListOps(ctx context.Context) ([]oplog.Operation, error)
	ListOpsByStatus(ctx context.Context, statuses ...oplog.Status) ([]oplog.Operation, error)
	UpdateOp(ctx context.Context, id string, p oplog.Patch) (oplog.Operation, error)
	RemoveOp(ctx context.Context, id string) error

	GetMeta(ctx context.Context, key string) (string, error)
	SetMeta(ctx context.Context, key, value string) error

	Close() error
}

// SortOps orders operations by Seq, then id for stability
func SortOps(ops []oplog.Operation) {
	sort.SliceStable(ops, func(i, j int) bool {
		if ops[i].Seq != ops[j].Seq {
			return ops[i].Seq < ops[j].Seq
		}
		return ops[i].ID < ops[j].ID
	})
}

// SortEntities orders entities by id
func SortEntities(es []entity.Entity) {
	sort.Slice(es, func(i, j int) bool { return es[i].ID < es[j].ID })
}
