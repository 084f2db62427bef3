package queue

import (
	"github.com/erauner12/notesync/internal/entity"
	"github.com/erauner12/notesync/internal/oplog"
)

// Outcome reports how a dispatched (or cancelled) operation settled
type Outcome struct {
	// Op is the operation as stored after settling
	Op oplog.Operation
	// Entity is the authoritative record returned by a confirmed write;
	// nil for deletes and failures
	Entity *entity.Entity
	// PrevEntityID is the provisional id the entity had before confirmation,
	// when it differs from Op.EntityID
	PrevEntityID string
	// Removed lists entities dropped from the store as a side effect, such as
	// the contents of a deleted folder
	Removed []string
	Err     error
	// Cancelled is set when the operation was withdrawn before it could settle
	Cancelled bool
}

// Terminal reports whether automatic processing of the operation has ended
func (o Outcome) Terminal() bool {
	return o.Cancelled || o.Op.Status.Terminal()
}

// Listener observes settled operations. Calls arrive outside the processor
// lock, in settle order.
type Listener interface {
	OperationSettled(o Outcome)
	// Resynced is called after FullResync replaced the store's entities
	Resynced()
}
