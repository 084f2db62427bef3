package projection

import (
	"context"
	"fmt"

	"github.com/erauner12/notesync/internal/entity"
	"github.com/erauner12/notesync/internal/oplog"
	"github.com/erauner12/notesync/internal/queue"
)

// Mutation is the handle returned by an optimistic change
type Mutation struct {
	// Entity is the optimistic value applied to the view; nil for deletes
	Entity *entity.Entity
	Op     oplog.Operation
	sub    Submitter
}

// Wait blocks until the operation settles terminally
func (m *Mutation) Wait(ctx context.Context) (queue.Outcome, error) {
	return m.sub.Wait(ctx, m.Op.ID)
}

// CreateOptimistic adds a provisional entity built from e's type and fields
func (v *View) CreateOptimistic(ctx context.Context, e entity.Entity) (*Mutation, error) {
	v.writeMu.Lock()
	defer v.writeMu.Unlock()

	now := v.opts.Now()
	ent := e.Clone()
	ent.ID = v.opts.NewID()
	ent.Version = 0
	ent.UpdatedAt = now
	if err := ent.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	if err := v.checkParent(ent.Parent(), ""); err != nil {
		return nil, err
	}

	op := oplog.New(oplog.KindCreate, ent.Type, ent.ID, oplog.PayloadOf(ent), 0, now)
	return v.commit(ctx, op, nil, &ent)
}

// UpdateOptimistic replaces the editable fields of e.ID with e's fields
func (v *View) UpdateOptimistic(ctx context.Context, e entity.Entity) (*Mutation, error) {
	v.writeMu.Lock()
	defer v.writeMu.Unlock()

	cur, ok := v.current(e.ID)
	if !ok {
		return nil, fmt.Errorf("update %s: %w", e.ID, ErrNotFound)
	}
	if cur.Entity.Type != e.Type {
		return nil, fmt.Errorf("update %s: %w: type %s does not match %s", e.ID, ErrInvalid, e.Type, cur.Entity.Type)
	}

	next := e.Clone()
	next.Version = cur.Entity.Version
	next.UpdatedAt = cur.Entity.UpdatedAt
	if err := next.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	self := ""
	if next.Type == entity.TypeFolder {
		self = next.ID
	}
	if next.Parent() != cur.Entity.Parent() {
		if err := v.checkParent(next.Parent(), self); err != nil {
			return nil, err
		}
	}

	op := oplog.New(oplog.KindUpdate, next.Type, next.ID, oplog.PayloadOf(next), cur.Entity.Version, v.opts.Now())
	return v.commit(ctx, op, &cur, &next)
}

// DeleteOptimistic removes id from the view
func (v *View) DeleteOptimistic(ctx context.Context, id string) (*Mutation, error) {
	v.writeMu.Lock()
	defer v.writeMu.Unlock()

	cur, ok := v.current(id)
	if !ok {
		return nil, fmt.Errorf("delete %s: %w", id, ErrNotFound)
	}
	op := oplog.New(oplog.KindDelete, cur.Entity.Type, id, oplog.Payload{}, cur.Entity.Version, v.opts.Now())
	return v.commit(ctx, op, &cur, nil)
}

// MoveOptimistic reparents id under parentID ("" for root)
func (v *View) MoveOptimistic(ctx context.Context, id, parentID string) (*Mutation, error) {
	v.writeMu.Lock()
	defer v.writeMu.Unlock()

	cur, ok := v.current(id)
	if !ok {
		return nil, fmt.Errorf("move %s: %w", id, ErrNotFound)
	}
	self := ""
	if cur.Entity.Type == entity.TypeFolder {
		self = id
	}
	if err := v.checkParent(parentID, self); err != nil {
		return nil, err
	}

	next := cur.Entity.WithParent(parentID)
	op := oplog.New(oplog.KindMove, cur.Entity.Type, id,
		oplog.Payload{Move: &oplog.MovePayload{ParentID: parentID}}, cur.Entity.Version, v.opts.Now())
	return v.commit(ctx, op, &cur, &next)
}

// descendantsLocked lists view items below folder id. The caller holds v.mu.
func (v *View) descendantsLocked(id string) []string {
	children := make(map[string][]string)
	for cid, it := range v.items {
		if p := it.Entity.Parent(); p != "" {
			children[p] = append(children[p], cid)
		}
	}
	var out []string
	seen := map[string]bool{id: true}
	queue := children[id]
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if seen[cur] {
			continue
		}
		seen[cur] = true
		out = append(out, cur)
		queue = append(queue, children[cur]...)
	}
	return out
}

func (v *View) current(id string) (Item, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	it, ok := v.items[id]
	if ok {
		it.Entity = it.Entity.Clone()
	}
	return it, ok
}

// checkParent verifies parentID names a folder in the view and, when self is
// a folder id, that the move would not place it inside itself
func (v *View) checkParent(parentID, self string) error {
	if parentID == "" {
		return nil
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	for cur := parentID; cur != ""; {
		if self != "" && cur == self {
			return fmt.Errorf("%w: %s cannot be placed inside itself", ErrInvalidParent, self)
		}
		it, ok := v.items[cur]
		if !ok || it.Entity.Type != entity.TypeFolder {
			if cur == parentID {
				return fmt.Errorf("%w: no folder %s", ErrInvalidParent, parentID)
			}
			return nil
		}
		cur = it.Entity.Parent()
	}
	return nil
}

// commit applies the optimistic value (nil next removes the item), then
// submits op. A failed submit restores the previous item. The caller holds
// v.writeMu.
func (v *View) commit(ctx context.Context, op oplog.Operation, prev *Item, next *entity.Entity) (*Mutation, error) {
	if v.submit == nil {
		return nil, ErrNoSubmitter
	}
	if prev != nil {
		snap := prev.Entity.Clone()
		op.Snapshot = &snap
	}
	id := op.EntityID
	hidden := make(map[string]Item)

	v.apply(func() []Change {
		if next == nil {
			changes := []Change{{Kind: ChangeRemove, ID: id}}
			for _, d := range v.descendantsLocked(id) {
				hidden[d] = v.items[d]
				delete(v.items, d)
				changes = append(changes, Change{Kind: ChangeRemove, ID: d})
			}
			delete(v.items, id)
			return changes
		}
		state := StatePending
		if prev != nil {
			state = worse(prev.State, StatePending)
		}
		it := Item{Entity: next.Clone(), State: state}
		if prev != nil {
			it.LastError = prev.LastError
		}
		v.items[id] = it
		return []Change{{Kind: ChangeUpsert, ID: id, Item: it}}
	})

	stored, err := v.submit.Submit(ctx, op)
	if err != nil {
		v.logger.Warn().Err(err).Str("opId", op.ID).Str("entityId", id).Str("kind", string(op.Kind)).Msg("submit failed, rolling back")
		v.apply(func() []Change {
			if prev == nil {
				delete(v.items, id)
				return []Change{{Kind: ChangeRemove, ID: id, Err: err}}
			}
			v.items[id] = *prev
			changes := []Change{{Kind: ChangeUpsert, ID: id, Item: *prev, Err: err}}
			for d, it := range hidden {
				v.items[d] = it
				changes = append(changes, Change{Kind: ChangeUpsert, ID: d, Item: it})
			}
			return changes
		})
		return nil, fmt.Errorf("submit %s %s: %w", op.Kind, id, err)
	}

	v.logger.Debug().Str("opId", stored.ID).Int64("seq", stored.Seq).Str("entityId", id).Str("kind", string(stored.Kind)).Msg("optimistic change applied")

	m := &Mutation{Op: stored, sub: v.submit}
	if next != nil {
		e := next.Clone()
		m.Entity = &e
	}
	return m, nil
}
