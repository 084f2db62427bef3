package projection

import (
	"context"
	"fmt"

	"github.com/erauner12/notesync/internal/oplog"
	"github.com/erauner12/notesync/internal/queue"
	"github.com/erauner12/notesync/internal/store"
)

// OperationSettled recomputes the affected entries from the store. A
// confirmed provisional create is reported as a single replace change.
func (v *View) OperationSettled(o queue.Outcome) {
	v.writeMu.Lock()
	defer v.writeMu.Unlock()

	ctx := context.Background()
	ids := []string{o.Op.EntityID}
	if o.PrevEntityID != "" {
		ids = append(ids, o.PrevEntityID)
		ids = append(ids, v.childrenOf(o.PrevEntityID)...)
	}
	ids = append(ids, o.Removed...)
	if o.Op.Kind == oplog.KindDelete && o.Op.Status != oplog.StatusConfirmed {
		// A withdrawn or failed folder delete brings its contents back
		ids = append(ids, v.storedDescendants(ctx, o.Op.EntityID)...)
	}

	changes, err := v.recompute(ctx, ids...)
	if err != nil {
		v.logger.Error().Err(err).Str("opId", o.Op.ID).Msg("recompute after settle failed")
		return
	}

	if o.PrevEntityID != "" {
		cur, ok := v.Get(o.Op.EntityID)
		changes = mergeReplace(changes, o.PrevEntityID, o.Op.EntityID, cur, ok)
	}
	if o.Err != nil && (o.Op.Status == oplog.StatusPermanentlyFailed || o.Op.Status == oplog.StatusConflicted) {
		for i := range changes {
			if changes[i].ID == o.Op.EntityID {
				changes[i].Err = o.Err
			}
		}
	}

	v.publishChanges(changes)
}

// Refresh recomputes the entries for ids after the store changed outside the
// queue, such as a remote change applied by reconciliation
func (v *View) Refresh(ctx context.Context, ids ...string) error {
	v.writeMu.Lock()
	defer v.writeMu.Unlock()

	changes, err := v.recompute(ctx, ids...)
	if err != nil {
		return fmt.Errorf("refresh: %w", err)
	}
	v.publishChanges(changes)
	return nil
}

func (v *View) publishChanges(changes []Change) {
	v.mu.Lock()
	obs := v.observerList()
	v.mu.Unlock()
	publish(obs, changes)
}

// Resynced rebuilds the view after the store was replaced wholesale
func (v *View) Resynced() {
	if err := v.Rebuild(context.Background()); err != nil {
		v.logger.Error().Err(err).Msg("rebuild after resync failed")
	}
}

// storedDescendants lists the stored entities below folder id along with
// provisional entities queued inside them
func (v *View) storedDescendants(ctx context.Context, id string) []string {
	ops, err := v.store.ListOps(ctx)
	if err != nil {
		v.logger.Error().Err(err).Str("entityId", id).Msg("list operations for descendants failed")
		return nil
	}
	var out []string
	seen := map[string]bool{id: true}
	queue := []string{id}
	for len(queue) > 0 {
		parent := queue[0]
		queue = queue[1:]
		var found []string
		children, err := v.store.ListEntities(ctx, store.Filter{ParentID: &parent})
		if err != nil {
			v.logger.Error().Err(err).Str("entityId", parent).Msg("list children failed")
			continue
		}
		for _, c := range children {
			found = append(found, c.ID)
		}
		for _, op := range ops {
			if op.Kind == oplog.KindCreate && op.Payload.ParentRef() == parent {
				found = append(found, op.EntityID)
			}
		}
		for _, c := range found {
			if seen[c] {
				continue
			}
			seen[c] = true
			out = append(out, c)
			queue = append(queue, c)
		}
	}
	return out
}

// childrenOf lists view items directly under parentID
func (v *View) childrenOf(parentID string) []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	var out []string
	for id, it := range v.items {
		if it.Entity.Parent() == parentID {
			out = append(out, id)
		}
	}
	return out
}

// mergeReplace folds a remove of prevID and an upsert of id into one
// replace change. When id was already showing with its settled value there
// is no upsert; the remove then becomes the replace, carrying cur.
func mergeReplace(changes []Change, prevID, id string, cur Item, showing bool) []Change {
	removeIdx, upsertIdx := -1, -1
	for i, c := range changes {
		switch {
		case c.Kind == ChangeRemove && c.ID == prevID:
			removeIdx = i
		case c.Kind == ChangeUpsert && c.ID == id:
			upsertIdx = i
		}
	}
	if removeIdx < 0 {
		return changes
	}
	if upsertIdx < 0 {
		if showing {
			changes[removeIdx] = Change{Kind: ChangeReplace, ID: id, PrevID: prevID, Item: cur, Err: changes[removeIdx].Err}
		}
		return changes
	}
	out := make([]Change, 0, len(changes)-1)
	for i, c := range changes {
		switch i {
		case removeIdx:
			continue
		case upsertIdx:
			c.Kind = ChangeReplace
			c.PrevID = prevID
		}
		out = append(out, c)
	}
	return out
}
