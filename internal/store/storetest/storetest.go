// Package storetest holds the conformance suite every store backend runs
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/erauner12/notesync/internal/entity"
	"github.com/erauner12/notesync/internal/oplog"
	"github.com/erauner12/notesync/internal/store"
)

// Factory returns a fresh, empty store. The suite closes it.
type Factory func(t *testing.T) store.Store

// Run exercises the full Store contract against stores built by newStore
func Run(t *testing.T, newStore Factory) {
	t.Helper()

	tests := []struct {
		name string
		fn   func(t *testing.T, s store.Store)
	}{
		{"EntityRoundTrip", testEntityRoundTrip},
		{"ListEntitiesFilter", testListEntitiesFilter},
		{"ReplaceAll", testReplaceAll},
		{"AppendAssignsSeq", testAppendAssignsSeq},
		{"AppendKeepsExplicitSeq", testAppendKeepsExplicitSeq},
		{"ListOpsByStatus", testListOpsByStatus},
		{"UpdateOp", testUpdateOp},
		{"RemoveOp", testRemoveOp},
		{"Meta", testMeta},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStore(t)
			defer s.Close()
			tt.fn(t, s)
		})
	}
}

func mustAppend(t *testing.T, s store.Store, op oplog.Operation) oplog.Operation {
	t.Helper()
	got, err := s.AppendOp(context.Background(), op)
	if err != nil {
		t.Fatalf("AppendOp(%s) failed: %v", op.ID, err)
	}
	return got
}

func noteOp(id, entityID string, status oplog.Status) oplog.Operation {
	return oplog.Operation{
		ID:         id,
		Kind:       oplog.KindUpdate,
		EntityType: entity.TypeNote,
		EntityID:   entityID,
		CreatedAt:  time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Payload:    oplog.Payload{Note: &entity.NoteFields{Title: "t-" + id}},
		Status:     status,
	}
}

func testEntityRoundTrip(t *testing.T, s store.Store) {
	ctx := context.Background()
	n := entity.NewNote("n-1", 2, "Title", "Body", "f-1")
	n.UpdatedAt = time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)

	if err := s.PutEntity(ctx, n); err != nil {
		t.Fatalf("PutEntity failed: %v", err)
	}
	got, err := s.GetEntity(ctx, "n-1")
	if err != nil {
		t.Fatalf("GetEntity failed: %v", err)
	}
	if !got.Equal(n) || !got.UpdatedAt.Equal(n.UpdatedAt) {
		t.Errorf("GetEntity() = %+v, want %+v", got, n)
	}

	n.Version = 3
	n.Note.Title = "Updated"
	if err := s.PutEntity(ctx, n); err != nil {
		t.Fatalf("PutEntity overwrite failed: %v", err)
	}
	got, _ = s.GetEntity(ctx, "n-1")
	if got.Version != 3 || got.Note.Title != "Updated" {
		t.Errorf("overwrite not visible: %+v", got)
	}

	if err := s.RemoveEntity(ctx, "n-1"); err != nil {
		t.Fatalf("RemoveEntity failed: %v", err)
	}
	if _, err := s.GetEntity(ctx, "n-1"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound after remove, got %v", err)
	}
	if err := s.RemoveEntity(ctx, "n-1"); err != nil {
		t.Errorf("removing a missing entity should succeed, got %v", err)
	}
}

func testListEntitiesFilter(t *testing.T, s store.Store) {
	ctx := context.Background()
	seed := []entity.Entity{
		entity.NewFolder("f-1", 1, "Work", ""),
		entity.NewFolder("f-2", 1, "Sub", "f-1"),
		entity.NewNote("n-1", 1, "Root note", "", ""),
		entity.NewNote("n-2", 1, "Work note", "", "f-1"),
	}
	for _, e := range seed {
		if err := s.PutEntity(ctx, e); err != nil {
			t.Fatalf("PutEntity failed: %v", err)
		}
	}

	root := ""
	work := "f-1"
	tests := []struct {
		name   string
		filter store.Filter
		want   []string
	}{
		{"all", store.Filter{}, []string{"f-1", "f-2", "n-1", "n-2"}},
		{"notes", store.Filter{Type: entity.TypeNote}, []string{"n-1", "n-2"}},
		{"root children", store.Filter{ParentID: &root}, []string{"f-1", "n-1"}},
		{"inside work", store.Filter{ParentID: &work}, []string{"f-2", "n-2"}},
		{"ids", store.Filter{IDs: []string{"n-2", "f-2", "missing"}}, []string{"f-2", "n-2"}},
		{"notes inside work", store.Filter{Type: entity.TypeNote, ParentID: &work}, []string{"n-2"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.ListEntities(ctx, tt.filter)
			if err != nil {
				t.Fatalf("ListEntities failed: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %d entities, want %d (%v)", len(got), len(tt.want), got)
			}
			for i, e := range got {
				if e.ID != tt.want[i] {
					t.Errorf("entity[%d] = %s, want %s", i, e.ID, tt.want[i])
				}
			}
		})
	}
}

func testReplaceAll(t *testing.T, s store.Store) {
	ctx := context.Background()
	_ = s.PutEntity(ctx, entity.NewNote("n-old", 1, "old", "", ""))

	next := []entity.Entity{
		entity.NewNote("n-new", 5, "new", "", ""),
		entity.NewFolder("f-new", 2, "folder", ""),
	}
	if err := s.ReplaceAll(ctx, next); err != nil {
		t.Fatalf("ReplaceAll failed: %v", err)
	}
	all, err := s.ListEntities(ctx, store.Filter{})
	if err != nil {
		t.Fatalf("ListEntities failed: %v", err)
	}
	if len(all) != 2 || all[0].ID != "f-new" || all[1].ID != "n-new" {
		t.Errorf("unexpected entities after ReplaceAll: %+v", all)
	}
}

func testAppendAssignsSeq(t *testing.T, s store.Store) {
	a := mustAppend(t, s, noteOp("op-a", "n-1", oplog.StatusPending))
	b := mustAppend(t, s, noteOp("op-b", "n-1", oplog.StatusPending))
	if a.Seq == 0 || b.Seq <= a.Seq {
		t.Errorf("expected increasing seq, got %d then %d", a.Seq, b.Seq)
	}

	ops, err := s.ListOps(context.Background())
	if err != nil {
		t.Fatalf("ListOps failed: %v", err)
	}
	if len(ops) != 2 || ops[0].ID != "op-a" || ops[1].ID != "op-b" {
		t.Errorf("unexpected order: %+v", ops)
	}
}

func testAppendKeepsExplicitSeq(t *testing.T, s store.Store) {
	ctx := context.Background()
	first := mustAppend(t, s, noteOp("op-1", "n-1", oplog.StatusPending))
	_ = mustAppend(t, s, noteOp("op-2", "n-2", oplog.StatusPending))

	if err := s.RemoveOp(ctx, first.ID); err != nil {
		t.Fatalf("RemoveOp failed: %v", err)
	}
	replacement := noteOp("op-1b", "n-1", oplog.StatusPending)
	replacement.Seq = first.Seq
	got := mustAppend(t, s, replacement)
	if got.Seq != first.Seq {
		t.Fatalf("explicit seq not kept: got %d want %d", got.Seq, first.Seq)
	}

	ops, _ := s.ListOps(ctx)
	if len(ops) != 2 || ops[0].ID != "op-1b" {
		t.Errorf("replacement should sort first: %+v", ops)
	}

	later := mustAppend(t, s, noteOp("op-3", "n-3", oplog.StatusPending))
	if later.Seq <= ops[1].Seq {
		t.Errorf("seq went backwards: %d <= %d", later.Seq, ops[1].Seq)
	}
}

func testListOpsByStatus(t *testing.T, s store.Store) {
	ctx := context.Background()
	mustAppend(t, s, noteOp("op-1", "n-1", oplog.StatusPending))
	mustAppend(t, s, noteOp("op-2", "n-2", oplog.StatusConflicted))
	mustAppend(t, s, noteOp("op-3", "n-3", oplog.StatusFailed))

	got, err := s.ListOpsByStatus(ctx, oplog.StatusPending, oplog.StatusFailed)
	if err != nil {
		t.Fatalf("ListOpsByStatus failed: %v", err)
	}
	if len(got) != 2 || got[0].ID != "op-1" || got[1].ID != "op-3" {
		t.Errorf("unexpected ops: %+v", got)
	}
}

func testUpdateOp(t *testing.T, s store.Store) {
	ctx := context.Background()
	op := noteOp("op-1", "tmp-1", oplog.StatusPending)
	snap := entity.NewNote("tmp-1", 0, "snap", "", "")
	op.Snapshot = &snap
	mustAppend(t, s, op)

	remote := entity.NewNote("n-9", 4, "remote", "", "")
	rp := &remote
	next := time.Date(2026, 5, 6, 7, 8, 9, 0, time.UTC)
	updated, err := s.UpdateOp(ctx, "op-1", oplog.Patch{
		Status:        oplog.Ptr(oplog.StatusFailed),
		RetryCount:    oplog.Ptr(2),
		NextAttemptAt: &next,
		LastError:     oplog.Ptr("boom"),
		ErrorKind:     oplog.Ptr(oplog.ErrorTransient),
		EntityID:      oplog.Ptr("n-9"),
		BaseVersion:   oplog.Ptr(4),
		Remote:        &rp,
	})
	if err != nil {
		t.Fatalf("UpdateOp failed: %v", err)
	}
	if updated.Status != oplog.StatusFailed || updated.RetryCount != 2 || updated.EntityID != "n-9" {
		t.Errorf("patch not applied: %+v", updated)
	}

	got, err := s.GetOp(ctx, "op-1")
	if err != nil {
		t.Fatalf("GetOp failed: %v", err)
	}
	if !got.NextAttemptAt.Equal(next) || got.LastError != "boom" || got.BaseVersion != 4 {
		t.Errorf("patch not durable: %+v", got)
	}
	if got.Snapshot == nil || got.Snapshot.Note.Title != "snap" {
		t.Errorf("snapshot lost: %+v", got.Snapshot)
	}
	if got.Remote == nil || got.Remote.Version != 4 {
		t.Errorf("remote lost: %+v", got.Remote)
	}

	if _, err := s.UpdateOp(ctx, "missing", oplog.Patch{}); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func testRemoveOp(t *testing.T, s store.Store) {
	ctx := context.Background()
	mustAppend(t, s, noteOp("op-1", "n-1", oplog.StatusPending))
	if err := s.RemoveOp(ctx, "op-1"); err != nil {
		t.Fatalf("RemoveOp failed: %v", err)
	}
	if _, err := s.GetOp(ctx, "op-1"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func testMeta(t *testing.T, s store.Store) {
	ctx := context.Background()
	if _, err := s.GetMeta(ctx, store.MetaActorID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound for unset key, got %v", err)
	}
	if err := s.SetMeta(ctx, store.MetaActorID, "actor-1"); err != nil {
		t.Fatalf("SetMeta failed: %v", err)
	}
	if err := s.SetMeta(ctx, store.MetaActorID, "actor-2"); err != nil {
		t.Fatalf("SetMeta overwrite failed: %v", err)
	}
	got, err := s.GetMeta(ctx, store.MetaActorID)
	if err != nil || got != "actor-2" {
		t.Errorf("GetMeta() = %q, %v", got, err)
	}
}
