// Package remote defines the authoritative server the sync engine replays
// operations against, and the error types that drive queue decisions.
package remote

import (
	"context"

	"github.com/erauner12/notesync/internal/entity"
)

// Filter narrows List. Zero values match everything of the requested type.
type Filter struct {
	IDs []string
	// ParentID, when non-nil, lists only direct children of that folder
	ParentID *string
}

// Service is the remote API. Implementations return *ConflictError,
// *ValidationError or ErrNotFound for the failures the queue treats
// specially; anything else is treated as transient.
type Service interface {
	// Create stores a new record using e's type and fields. A repeated
	// idempotencyKey returns the record created by the first call.
	Create(ctx context.Context, e entity.Entity, idempotencyKey string) (entity.Entity, error)

	// Update replaces the fields of e.ID if its server version equals
	// expectedVersion.
	Update(ctx context.Context, e entity.Entity, expectedVersion int) (entity.Entity, error)

	Delete(ctx context.Context, t entity.Type, id string) error

	// Move reparents id; "" moves it to the root
	Move(ctx context.Context, t entity.Type, id, parentID string) (entity.Entity, error)

	List(ctx context.Context, t entity.Type, f Filter) ([]entity.Entity, error)
}
