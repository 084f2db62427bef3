// Package oplog defines the buffered mutation records that the sync queue
// replays against the remote service.
package oplog

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/erauner12/notesync/internal/entity"
)

// Kind is the mutation an operation performs
type Kind string

const (
	KindCreate Kind = "create"
	KindUpdate Kind = "update"
	KindDelete Kind = "delete"
	KindMove   Kind = "move"
)

// Status is the lifecycle state of an operation
type Status string

const (
	StatusPending           Status = "pending"
	StatusInFlight          Status = "in_flight"
	StatusConfirmed         Status = "confirmed"
	StatusFailed            Status = "failed"
	StatusConflicted        Status = "conflicted"
	StatusPermanentlyFailed Status = "permanently_failed"
)

// Live reports whether an operation in this status still contributes to the
// optimistic view. Confirmed results live in the store; permanently failed
// operations have been rolled back.
func (s Status) Live() bool {
	switch s {
	case StatusPending, StatusInFlight, StatusFailed, StatusConflicted:
		return true
	}
	return false
}

// Terminal reports whether the status ends automatic processing
func (s Status) Terminal() bool {
	switch s {
	case StatusConfirmed, StatusConflicted, StatusPermanentlyFailed:
		return true
	}
	return false
}

// ErrorKind classifies the failure attached to an operation
type ErrorKind string

const (
	ErrorNone               ErrorKind = ""
	ErrorTransient          ErrorKind = "transient"
	ErrorConflict           ErrorKind = "conflict"
	ErrorValidation         ErrorKind = "validation"
	ErrorStorageUnavailable ErrorKind = "storage_unavailable"
	ErrorPermanent          ErrorKind = "permanent"
)

// MovePayload is the target of a move operation. Empty ParentID is the root.
type MovePayload struct {
	ParentID string `json:"parentId"`
}

// Payload is a tagged union: create/update carry Note or Folder fields,
// move carries Move, delete carries nothing.
type Payload struct {
	Note   *entity.NoteFields   `json:"note,omitempty"`
	Folder *entity.FolderFields `json:"folder,omitempty"`
	Move   *MovePayload         `json:"move,omitempty"`
}

// PayloadOf captures the fields of e as a create/update payload
func PayloadOf(e entity.Entity) Payload {
	c := e.Clone()
	return Payload{Note: c.Note, Folder: c.Folder}
}

// Clone returns a deep copy
func (p Payload) Clone() Payload {
	out := Payload{}
	if p.Note != nil {
		n := *p.Note
		out.Note = &n
	}
	if p.Folder != nil {
		f := *p.Folder
		out.Folder = &f
	}
	if p.Move != nil {
		m := *p.Move
		out.Move = &m
	}
	return out
}

// ParentRef returns the parent folder id referenced by the payload, if any
func (p Payload) ParentRef() string {
	switch {
	case p.Move != nil:
		return p.Move.ParentID
	case p.Note != nil:
		return p.Note.FolderID
	case p.Folder != nil:
		return p.Folder.ParentID
	}
	return ""
}

// RemapParent replaces references to oldID with newID and reports whether
// anything changed
func (p *Payload) RemapParent(oldID, newID string) bool {
	changed := false
	if p.Move != nil && p.Move.ParentID == oldID {
		p.Move.ParentID = newID
		changed = true
	}
	if p.Note != nil && p.Note.FolderID == oldID {
		p.Note.FolderID = newID
		changed = true
	}
	if p.Folder != nil && p.Folder.ParentID == oldID {
		p.Folder.ParentID = newID
		changed = true
	}
	return changed
}

// Operation is a single buffered mutation
type Operation struct {
	ID             string         `json:"id"`
	Seq            int64          `json:"seq"`
	Kind           Kind           `json:"kind"`
	EntityType     entity.Type    `json:"entityType"`
	EntityID       string         `json:"entityId"`
	CreatedAt      time.Time      `json:"createdAt"`
	Payload        Payload        `json:"payload"`
	BaseVersion    int            `json:"baseVersion"`
	IdempotencyKey string         `json:"idempotencyKey,omitempty"`
	Status         Status         `json:"status"`
	RetryCount     int            `json:"retryCount"`
	NextAttemptAt  time.Time      `json:"nextAttemptAt"`
	LastError      string         `json:"lastError,omitempty"`
	ErrorKind      ErrorKind      `json:"errorKind,omitempty"`
	Snapshot       *entity.Entity `json:"snapshot,omitempty"`
	Remote         *entity.Entity `json:"remote,omitempty"`
	RemoteDeleted  bool           `json:"remoteDeleted,omitempty"`
}

// New builds a pending operation with a fresh id
func New(kind Kind, t entity.Type, entityID string, payload Payload, baseVersion int, now time.Time) Operation {
	op := Operation{
		ID:          uuid.New().String(),
		Kind:        kind,
		EntityType:  t,
		EntityID:    entityID,
		CreatedAt:   now,
		Payload:     payload,
		BaseVersion: baseVersion,
		Status:      StatusPending,
	}
	if kind == KindCreate {
		op.IdempotencyKey = uuid.New().String()
	}
	return op
}

// Clone returns a deep copy
func (o Operation) Clone() Operation {
	out := o
	out.Payload = o.Payload.Clone()
	if o.Snapshot != nil {
		s := o.Snapshot.Clone()
		out.Snapshot = &s
	}
	if o.Remote != nil {
		r := o.Remote.Clone()
		out.Remote = &r
	}
	return out
}

// Validate checks the payload matches the kind and entity type
func (o Operation) Validate() error {
	if !o.EntityType.Valid() {
		return fmt.Errorf("operation %s: unknown entity type %q", o.ID, o.EntityType)
	}
	if o.EntityID == "" {
		return fmt.Errorf("operation %s: entity id is required", o.ID)
	}
	switch o.Kind {
	case KindCreate, KindUpdate:
		if o.EntityType == entity.TypeNote && o.Payload.Note == nil {
			return fmt.Errorf("operation %s: %s note requires note fields", o.ID, o.Kind)
		}
		if o.EntityType == entity.TypeFolder && o.Payload.Folder == nil {
			return fmt.Errorf("operation %s: %s folder requires folder fields", o.ID, o.Kind)
		}
	case KindMove:
		if o.Payload.Move == nil {
			return fmt.Errorf("operation %s: move requires a target", o.ID)
		}
	case KindDelete:
	default:
		return fmt.Errorf("operation %s: unknown kind %q", o.ID, o.Kind)
	}
	return nil
}

// Apply projects the operation on top of cur. exists reports whether cur is
// present; the result reports whether the entity exists afterwards.
func (o Operation) Apply(cur entity.Entity, exists bool) (entity.Entity, bool) {
	switch o.Kind {
	case KindCreate, KindUpdate:
		e := entity.Entity{
			ID:        o.EntityID,
			Type:      o.EntityType,
			Version:   cur.Version,
			UpdatedAt: cur.UpdatedAt,
		}
		if !exists {
			e.Version = 0
			e.UpdatedAt = o.CreatedAt
		}
		p := o.Payload.Clone()
		e.Note, e.Folder = p.Note, p.Folder
		return e, true
	case KindMove:
		if !exists {
			return cur, false
		}
		return cur.WithParent(o.Payload.Move.ParentID), true
	case KindDelete:
		return entity.Entity{}, false
	}
	return cur, exists
}

// Reapply replays the operation over base, a value that replaced the one it
// was recorded against. An update carries over only the fields it changed
// relative to its snapshot; without a snapshot its whole payload applies.
func (o Operation) Reapply(base entity.Entity) (entity.Entity, bool) {
	if o.Kind != KindUpdate || o.Snapshot == nil {
		return o.Apply(base, true)
	}
	intended, _ := o.Apply(base, true)
	before, after := o.Snapshot.Fields(), intended.Fields()
	out := base.Clone()
	for _, name := range entity.FieldNames(o.EntityType) {
		v := after[name]
		if before[name] == v {
			continue
		}
		next, err := out.WithField(name, v)
		if err != nil {
			continue
		}
		out = next
	}
	return out, true
}

// Patch is a partial update of an operation. Nil fields are left unchanged.
type Patch struct {
	Status        *Status
	RetryCount    *int
	NextAttemptAt *time.Time
	LastError     *string
	ErrorKind     *ErrorKind
	EntityID      *string
	BaseVersion   *int
	Payload       *Payload
	Snapshot      *entity.Entity
	Remote        **entity.Entity
	RemoteDeleted *bool
}

// ApplyPatch returns a copy of o with p applied
func ApplyPatch(o Operation, p Patch) Operation {
	out := o.Clone()
	if p.Status != nil {
		out.Status = *p.Status
	}
	if p.RetryCount != nil {
		out.RetryCount = *p.RetryCount
	}
	if p.NextAttemptAt != nil {
		out.NextAttemptAt = *p.NextAttemptAt
	}
	if p.LastError != nil {
		out.LastError = *p.LastError
	}
	if p.ErrorKind != nil {
		out.ErrorKind = *p.ErrorKind
	}
	if p.EntityID != nil {
		out.EntityID = *p.EntityID
	}
	if p.BaseVersion != nil {
		out.BaseVersion = *p.BaseVersion
	}
	if p.Payload != nil {
		out.Payload = p.Payload.Clone()
	}
	if p.Snapshot != nil {
		snap := p.Snapshot.Clone()
		out.Snapshot = &snap
	}
	if p.Remote != nil {
		if *p.Remote == nil {
			out.Remote = nil
		} else {
			r := (*p.Remote).Clone()
			out.Remote = &r
		}
	}
	if p.RemoteDeleted != nil {
		out.RemoteDeleted = *p.RemoteDeleted
	}
	return out
}

// Ptr is a small helper for building patches
func Ptr[T any](v T) *T { return &v }
