package memremote

import (
	"context"
	"errors"
	"testing"

	"github.com/erauner12/notesync/internal/entity"
	"github.com/erauner12/notesync/internal/oplog"
	"github.com/erauner12/notesync/internal/remote"
)

func TestCreateIsIdempotent(t *testing.T) {
	s := New(Options{})
	ctx := context.Background()
	draft := entity.NewNote("tmp-1", 0, "Draft", "", "")

	first, err := s.Create(ctx, draft, "key-1")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	second, err := s.Create(ctx, draft, "key-1")
	if err != nil {
		t.Fatalf("repeated Create failed: %v", err)
	}
	if first.ID != second.ID {
		t.Errorf("repeated key created a second record: %s vs %s", first.ID, second.ID)
	}
	all, _ := s.List(ctx, entity.TypeNote, remote.Filter{})
	if len(all) != 1 {
		t.Errorf("expected 1 record, got %d", len(all))
	}
	if first.Version != 1 || first.ID != "n-1" {
		t.Errorf("unexpected record: %+v", first)
	}
}

func TestUpdateVersionConflict(t *testing.T) {
	s := New(Options{})
	ctx := context.Background()
	s.Seed(entity.NewNote("n-1", 4, "Remote", "", ""))

	_, err := s.Update(ctx, entity.NewNote("n-1", 3, "Local", "", ""), 3)
	ce, ok := remote.AsConflict(err)
	if !ok {
		t.Fatalf("expected ConflictError, got %v", err)
	}
	if ce.CurrentVersion != 4 || ce.Current == nil || ce.Current.Note.Title != "Remote" {
		t.Errorf("unexpected conflict: %+v", ce)
	}

	got, err := s.Update(ctx, entity.NewNote("n-1", 4, "Local", "", ""), 4)
	if err != nil {
		t.Fatalf("Update at current version failed: %v", err)
	}
	if got.Version != 5 {
		t.Errorf("Version = %d, want 5", got.Version)
	}
}

func TestNotFound(t *testing.T) {
	s := New(Options{})
	ctx := context.Background()

	if err := s.Delete(ctx, entity.TypeNote, "missing"); !errors.Is(err, remote.ErrNotFound) {
		t.Errorf("Delete: expected ErrNotFound, got %v", err)
	}
	if _, err := s.Update(ctx, entity.NewNote("missing", 1, "", "", ""), 1); !errors.Is(err, remote.ErrNotFound) {
		t.Errorf("Update: expected ErrNotFound, got %v", err)
	}
	if _, err := s.Move(ctx, entity.TypeNote, "missing", ""); !errors.Is(err, remote.ErrNotFound) {
		t.Errorf("Move: expected ErrNotFound, got %v", err)
	}
}

func TestParentValidation(t *testing.T) {
	s := New(Options{})
	ctx := context.Background()
	s.Seed(
		entity.NewFolder("f-1", 1, "Top", ""),
		entity.NewFolder("f-2", 1, "Child", "f-1"),
	)

	if _, err := s.Create(ctx, entity.NewNote("", 0, "x", "", "f-missing"), ""); !remote.IsValidation(err) {
		t.Errorf("expected validation error for unknown parent, got %v", err)
	}
	if _, err := s.Move(ctx, entity.TypeFolder, "f-1", "f-2"); !remote.IsValidation(err) {
		t.Errorf("expected validation error for cycle, got %v", err)
	}
	if _, err := s.Move(ctx, entity.TypeFolder, "f-2", ""); err != nil {
		t.Errorf("move to root failed: %v", err)
	}
}

func TestChangesCarryActor(t *testing.T) {
	s := New(Options{})
	var got []Change
	s.OnChange(func(c Change) { got = append(got, c) })

	ctx := remote.WithActor(context.Background(), "actor-a")
	n, err := s.Create(ctx, entity.NewNote("", 0, "x", "", ""), "")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := s.Move(ctx, entity.TypeNote, n.ID, ""); err != nil {
		t.Fatalf("Move failed: %v", err)
	}

	if len(got) != 2 {
		t.Fatalf("expected 2 changes, got %d", len(got))
	}
	if got[0].Kind != oplog.KindCreate || got[1].Kind != oplog.KindMove {
		t.Errorf("unexpected kinds: %s, %s", got[0].Kind, got[1].Kind)
	}
	if got[1].ActorID != "actor-a" || got[1].Version != 2 {
		t.Errorf("unexpected change: %+v", got[1])
	}
}

func TestDeleteFolderCascades(t *testing.T) {
	s := New(Options{})
	s.Seed(
		entity.NewFolder("f-1", 1, "Top", ""),
		entity.NewFolder("f-2", 1, "Child", "f-1"),
		entity.NewNote("n-1", 1, "inside", "", "f-2"),
		entity.NewNote("n-2", 1, "outside", "", ""),
	)

	if err := s.Delete(context.Background(), entity.TypeFolder, "f-1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	for _, id := range []string{"f-1", "f-2", "n-1"} {
		if _, ok := s.Get(id); ok {
			t.Errorf("%s should have been deleted", id)
		}
	}
	if _, ok := s.Get("n-2"); !ok {
		t.Error("n-2 should survive")
	}
	if n := len(s.Changes()); n != 3 {
		t.Errorf("expected 3 delete changes, got %d", n)
	}
}

func TestListFilters(t *testing.T) {
	s := New(Options{})
	s.Seed(
		entity.NewNote("n-1", 1, "a", "", "f-1"),
		entity.NewNote("n-2", 1, "b", "", ""),
		entity.NewFolder("f-1", 1, "F", ""),
	)
	ctx := context.Background()

	byID, _ := s.List(ctx, entity.TypeNote, remote.Filter{IDs: []string{"n-2"}})
	if len(byID) != 1 || byID[0].ID != "n-2" {
		t.Errorf("id filter: %+v", byID)
	}
	parent := "f-1"
	byParent, _ := s.List(ctx, entity.TypeNote, remote.Filter{ParentID: &parent})
	if len(byParent) != 1 || byParent[0].ID != "n-1" {
		t.Errorf("parent filter: %+v", byParent)
	}
}
