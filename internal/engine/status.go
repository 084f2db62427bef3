package engine

import (
	"context"

	"github.com/erauner12/notesync/internal/projection"
	"github.com/erauner12/notesync/internal/queue"
)

// Status is a point-in-time summary for status endpoints and the CLI
type Status struct {
	ActorID  string                       `json:"actorId"`
	Degraded bool                         `json:"degraded"`
	Queue    queue.Stats                  `json:"queue"`
	Items    map[projection.SyncState]int `json:"items"`
	// Deferred counts remote notifications waiting on local operations
	Deferred  int    `json:"deferred"`
	LastError string `json:"lastError,omitempty"`
}

// Status reports queue, view and connectivity state
func (e *Engine) Status(ctx context.Context) (Status, error) {
	qs, err := e.proc.Stats(ctx)
	if err != nil {
		return Status{}, err
	}
	st := Status{
		ActorID:  e.actorID,
		Degraded: e.degraded,
		Queue:    qs,
		Items:    e.view.Counts(),
		Deferred: e.reconcile.Deferred(),
	}
	e.mu.Lock()
	if e.lastErr != nil {
		st.LastError = e.lastErr.Error()
	}
	e.mu.Unlock()
	return st, nil
}
