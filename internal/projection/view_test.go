package projection

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/erauner12/notesync/internal/entity"
	"github.com/erauner12/notesync/internal/oplog"
	"github.com/erauner12/notesync/internal/store"
	"github.com/erauner12/notesync/internal/store/memstore"
)

type changeLog struct {
	mu      sync.Mutex
	changes []Change
}

func (l *changeLog) ViewChanged(c Change) {
	l.mu.Lock()
	l.changes = append(l.changes, c)
	l.mu.Unlock()
}

func (l *changeLog) all() []Change {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Change(nil), l.changes...)
}

func (l *changeLog) find(kind ChangeKind, id string) (Change, bool) {
	for _, c := range l.all() {
		if c.Kind == kind && c.ID == id {
			return c, true
		}
	}
	return Change{}, false
}

func withStatus(op oplog.Operation, s oplog.Status, lastErr string) oplog.Operation {
	op.Status = s
	op.LastError = lastErr
	return op
}

func TestProject(t *testing.T) {
	now := time.Now()
	base := entity.NewNote("n-1", 2, "Base", "body", "")
	edit := oplog.New(oplog.KindUpdate, entity.TypeNote, "n-1",
		oplog.PayloadOf(entity.NewNote("n-1", 2, "Edited", "body", "")), 2, now)
	del := oplog.New(oplog.KindDelete, entity.TypeNote, "n-1", oplog.Payload{}, 2, now)
	move := oplog.New(oplog.KindMove, entity.TypeNote, "n-1", oplog.Payload{Move: &oplog.MovePayload{ParentID: "f-1"}}, 2, now)

	tests := []struct {
		name      string
		exists    bool
		ops       []oplog.Operation
		wantOK    bool
		wantState SyncState
		wantTitle string
		wantErr   string
	}{
		{name: "confirmed only", exists: true, wantOK: true, wantState: StateSynced, wantTitle: "Base"},
		{
			name: "pending edit applies", exists: true,
			ops:    []oplog.Operation{edit},
			wantOK: true, wantState: StatePending, wantTitle: "Edited",
		},
		{
			name: "failed retry keeps error text", exists: true,
			ops:    []oplog.Operation{withStatus(edit, oplog.StatusFailed, "timeout")},
			wantOK: true, wantState: StatePending, wantTitle: "Edited", wantErr: "timeout",
		},
		{
			name: "confirmed op ignored", exists: true,
			ops:    []oplog.Operation{withStatus(edit, oplog.StatusConfirmed, "")},
			wantOK: true, wantState: StateSynced, wantTitle: "Base",
		},
		{
			name: "permanent failure reverts value", exists: true,
			ops:    []oplog.Operation{withStatus(edit, oplog.StatusPermanentlyFailed, "title too long")},
			wantOK: true, wantState: StateFailed, wantTitle: "Base", wantErr: "title too long",
		},
		{
			name: "conflict keeps local value", exists: true,
			ops:    []oplog.Operation{withStatus(edit, oplog.StatusConflicted, "version mismatch")},
			wantOK: true, wantState: StateConflicted, wantTitle: "Edited", wantErr: "version mismatch",
		},
		{
			name: "conflict outranks pending", exists: true,
			ops:    []oplog.Operation{withStatus(edit, oplog.StatusConflicted, "version mismatch"), move},
			wantOK: true, wantState: StateConflicted, wantTitle: "Edited", wantErr: "version mismatch",
		},
		{
			name: "pending delete hides item", exists: true,
			ops:    []oplog.Operation{del},
			wantOK: false,
		},
		{
			name: "move of missing entity is ignored", exists: false,
			ops:    []oplog.Operation{move},
			wantOK: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cur := entity.Entity{}
			if tt.exists {
				cur = base.Clone()
			}
			it, ok := project(cur, tt.exists, tt.ops)
			if ok != tt.wantOK {
				t.Fatalf("exists = %v, want %v", ok, tt.wantOK)
			}
			if !ok {
				return
			}
			if it.State != tt.wantState {
				t.Errorf("State = %s, want %s", it.State, tt.wantState)
			}
			if it.Entity.Note.Title != tt.wantTitle {
				t.Errorf("Title = %q, want %q", it.Entity.Note.Title, tt.wantTitle)
			}
			if it.LastError != tt.wantErr {
				t.Errorf("LastError = %q, want %q", it.LastError, tt.wantErr)
			}
		})
	}
}

func TestRebuildAppliesLiveOps(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	if err := s.PutEntity(ctx, entity.NewFolder("f-1", 1, "Inbox", "")); err != nil {
		t.Fatalf("PutEntity failed: %v", err)
	}
	if err := s.PutEntity(ctx, entity.NewNote("n-1", 1, "Stored", "", "f-1")); err != nil {
		t.Fatalf("PutEntity failed: %v", err)
	}
	draft := entity.NewNote("tmp-1", 0, "Draft", "", "f-1")
	if _, err := s.AppendOp(ctx, oplog.New(oplog.KindCreate, entity.TypeNote, "tmp-1", oplog.PayloadOf(draft), 0, time.Now())); err != nil {
		t.Fatalf("AppendOp failed: %v", err)
	}

	v := New(s, nil, Options{})
	log := &changeLog{}
	v.Subscribe(log)
	if err := v.Rebuild(ctx); err != nil {
		t.Fatalf("Rebuild failed: %v", err)
	}

	if n := len(log.all()); n != 3 {
		t.Errorf("observed %d changes, want 3", n)
	}
	parent := "f-1"
	inFolder := v.List(store.Filter{Type: entity.TypeNote, ParentID: &parent})
	if len(inFolder) != 2 || inFolder[0].Entity.ID != "n-1" || inFolder[1].Entity.ID != "tmp-1" {
		t.Fatalf("notes in f-1 = %+v", inFolder)
	}
	if inFolder[1].State != StatePending {
		t.Errorf("draft state = %s, want pending", inFolder[1].State)
	}
	counts := v.Counts()
	if counts[StateSynced] != 2 || counts[StatePending] != 1 {
		t.Errorf("Counts = %v", counts)
	}

	// A second rebuild over unchanged state is silent
	if err := v.Rebuild(ctx); err != nil {
		t.Fatalf("Rebuild failed: %v", err)
	}
	if n := len(log.all()); n != 3 {
		t.Errorf("unchanged rebuild emitted changes: %d total", n)
	}
}

func TestQueuedFolderDeleteHidesStoredContents(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	for _, e := range []entity.Entity{
		entity.NewFolder("f-1", 1, "Going", ""),
		entity.NewFolder("f-2", 1, "Nested", "f-1"),
		entity.NewNote("n-1", 1, "Deep", "", "f-2"),
		entity.NewNote("n-2", 1, "Elsewhere", "", ""),
	} {
		if err := s.PutEntity(ctx, e); err != nil {
			t.Fatalf("PutEntity failed: %v", err)
		}
	}
	if _, err := s.AppendOp(ctx, oplog.New(oplog.KindDelete, entity.TypeFolder, "f-1", oplog.Payload{}, 1, time.Now())); err != nil {
		t.Fatalf("AppendOp failed: %v", err)
	}

	v := New(s, nil, Options{})
	if err := v.Rebuild(ctx); err != nil {
		t.Fatalf("Rebuild failed: %v", err)
	}
	for _, id := range []string{"f-1", "f-2", "n-1"} {
		if _, ok := v.Get(id); ok {
			t.Errorf("%s visible under a queued delete", id)
		}
	}
	if _, ok := v.Get("n-2"); !ok {
		t.Error("unrelated note hidden")
	}

	if err := s.PutEntity(ctx, entity.NewNote("n-1", 2, "Edited elsewhere", "", "f-2")); err != nil {
		t.Fatalf("PutEntity failed: %v", err)
	}
	if err := v.Refresh(ctx, "n-1"); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	if _, ok := v.Get("n-1"); ok {
		t.Error("refresh brought back a note under a queued delete")
	}
}

func TestMergeReplace(t *testing.T) {
	settled := Item{Entity: entity.NewNote("n-1", 1, "Hello", "", ""), State: StateSynced}
	tests := []struct {
		name    string
		changes []Change
		showing bool
		want    []ChangeKind
	}{
		{
			name:    "remove and upsert fold",
			changes: []Change{{Kind: ChangeRemove, ID: "tmp-1"}, {Kind: ChangeUpsert, ID: "n-1", Item: settled}},
			want:    []ChangeKind{ChangeReplace},
		},
		{
			name:    "server record already showing",
			changes: []Change{{Kind: ChangeRemove, ID: "tmp-1"}},
			showing: true,
			want:    []ChangeKind{ChangeReplace},
		},
		{
			name:    "server record not showing",
			changes: []Change{{Kind: ChangeRemove, ID: "tmp-1"}},
			want:    []ChangeKind{ChangeRemove},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := mergeReplace(tt.changes, "tmp-1", "n-1", settled, tt.showing)
			if len(got) != len(tt.want) {
				t.Fatalf("changes = %+v", got)
			}
			for i, c := range got {
				if c.Kind != tt.want[i] {
					t.Errorf("change %d kind = %s, want %s", i, c.Kind, tt.want[i])
				}
				if c.Kind == ChangeReplace && (c.ID != "n-1" || c.PrevID != "tmp-1" || c.Item.Entity.ID != "n-1") {
					t.Errorf("replace = %+v", c)
				}
			}
		})
	}
}

func TestRefresh(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	v := New(s, nil, Options{})
	log := &changeLog{}
	unsubscribe := v.Subscribe(log)

	if err := s.PutEntity(ctx, entity.NewNote("n-1", 3, "From server", "", "")); err != nil {
		t.Fatalf("PutEntity failed: %v", err)
	}
	if err := v.Refresh(ctx, "n-1"); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	c, ok := log.find(ChangeUpsert, "n-1")
	if !ok || c.Item.Entity.Version != 3 || c.Item.State != StateSynced {
		t.Fatalf("upsert not observed: %+v", log.all())
	}

	if err := s.RemoveEntity(ctx, "n-1"); err != nil {
		t.Fatalf("RemoveEntity failed: %v", err)
	}
	unsubscribe()
	if err := v.Refresh(ctx, "n-1"); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	if _, ok := v.Get("n-1"); ok {
		t.Error("removed entity still in view")
	}
	if _, ok := log.find(ChangeRemove, "n-1"); ok {
		t.Error("unsubscribed observer still notified")
	}
}

func TestRefreshReportsStorageFailure(t *testing.T) {
	s := memstore.New()
	v := New(s, nil, Options{})
	s.SetUnavailable(true)
	if err := v.Refresh(context.Background(), "n-1"); err == nil {
		t.Fatal("expected error from unavailable store")
	}
}
