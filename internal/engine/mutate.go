package engine

import (
	"context"
	"fmt"

	"github.com/erauner12/notesync/internal/entity"
	"github.com/erauner12/notesync/internal/projection"
)

// guard rejects edits that would only exist in memory while offline
func (e *Engine) guard(action, id string) error {
	if e.degraded && !e.proc.Online() {
		return fmt.Errorf("%s %s: %w", action, id, ErrOfflineDegraded)
	}
	return nil
}

// Create adds an entity optimistically
func (e *Engine) Create(ctx context.Context, ent entity.Entity) (*projection.Mutation, error) {
	if err := e.guard("create", string(ent.Type)); err != nil {
		return nil, err
	}
	return e.view.CreateOptimistic(ctx, ent)
}

// Update replaces an entity's editable fields optimistically
func (e *Engine) Update(ctx context.Context, ent entity.Entity) (*projection.Mutation, error) {
	if err := e.guard("update", ent.ID); err != nil {
		return nil, err
	}
	return e.view.UpdateOptimistic(ctx, ent)
}

// Delete removes an entity optimistically
func (e *Engine) Delete(ctx context.Context, id string) (*projection.Mutation, error) {
	if err := e.guard("delete", id); err != nil {
		return nil, err
	}
	return e.view.DeleteOptimistic(ctx, id)
}

// Move reparents an entity optimistically. An empty parentID moves it to the
// root.
func (e *Engine) Move(ctx context.Context, id, parentID string) (*projection.Mutation, error) {
	if err := e.guard("move", id); err != nil {
		return nil, err
	}
	return e.view.MoveOptimistic(ctx, id, parentID)
}
