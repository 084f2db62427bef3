package projection

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/erauner12/notesync/internal/entity"
	"github.com/erauner12/notesync/internal/oplog"
	"github.com/erauner12/notesync/internal/queue"
	"github.com/erauner12/notesync/internal/remote"
	"github.com/erauner12/notesync/internal/remote/memremote"
	"github.com/erauner12/notesync/internal/store"
	"github.com/erauner12/notesync/internal/store/memstore"
)

type fakeSubmitter struct {
	mu  sync.Mutex
	ops []oplog.Operation
	err error
}

func (f *fakeSubmitter) Submit(_ context.Context, op oplog.Operation) (oplog.Operation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return oplog.Operation{}, f.err
	}
	op.Seq = int64(len(f.ops) + 1)
	f.ops = append(f.ops, op)
	return op, nil
}

func (f *fakeSubmitter) Wait(context.Context, string) (queue.Outcome, error) {
	return queue.Outcome{}, errors.New("fake submitter does not settle")
}

func sequentialIDs() func() string {
	n := 0
	return func() string {
		n++
		return entity.ProvisionalPrefix + string(rune('0'+n))
	}
}

func newFakeView(t *testing.T) (*View, *fakeSubmitter, *changeLog) {
	t.Helper()
	sub := &fakeSubmitter{}
	v := New(memstore.New(), sub, Options{NewID: sequentialIDs()})
	log := &changeLog{}
	v.Subscribe(log)
	return v, sub, log
}

func TestCreateOptimisticIsVisibleImmediately(t *testing.T) {
	v, sub, log := newFakeView(t)

	m, err := v.CreateOptimistic(context.Background(), entity.NewNote("", 0, "Groceries", "milk", ""))
	if err != nil {
		t.Fatalf("CreateOptimistic failed: %v", err)
	}
	if m.Entity == nil || m.Entity.ID != "tmp-1" || !entity.IsProvisionalID(m.Entity.ID) {
		t.Fatalf("unexpected provisional entity: %+v", m.Entity)
	}
	it, ok := v.Get("tmp-1")
	if !ok || it.State != StatePending || it.Entity.Note.Title != "Groceries" {
		t.Fatalf("view item = %+v, %v", it, ok)
	}
	if _, ok := log.find(ChangeUpsert, "tmp-1"); !ok {
		t.Error("observer missed the optimistic upsert")
	}
	if len(sub.ops) != 1 || sub.ops[0].Kind != oplog.KindCreate || sub.ops[0].IdempotencyKey == "" {
		t.Errorf("submitted ops = %+v", sub.ops)
	}
}

func TestSubmitFailureRollsBack(t *testing.T) {
	v, sub, log := newFakeView(t)
	ctx := context.Background()

	m, err := v.CreateOptimistic(ctx, entity.NewNote("", 0, "Kept", "", ""))
	if err != nil {
		t.Fatalf("CreateOptimistic failed: %v", err)
	}
	id := m.Entity.ID

	sub.err = errors.New("disk full")
	if _, err := v.UpdateOptimistic(ctx, entity.NewNote(id, 0, "Lost", "", "")); err == nil {
		t.Fatal("expected update to fail")
	}
	it, _ := v.Get(id)
	if it.Entity.Note.Title != "Kept" {
		t.Errorf("rollback left title %q", it.Entity.Note.Title)
	}

	if _, err := v.CreateOptimistic(ctx, entity.NewNote("", 0, "Never", "", "")); err == nil {
		t.Fatal("expected create to fail")
	}
	if _, ok := v.Get("tmp-2"); ok {
		t.Error("failed create left an item behind")
	}
	c, ok := log.find(ChangeRemove, "tmp-2")
	if !ok || c.Err == nil {
		t.Errorf("rollback remove not reported with error: %+v", c)
	}
}

func TestMutationValidation(t *testing.T) {
	v, _, _ := newFakeView(t)
	ctx := context.Background()

	folder, err := v.CreateOptimistic(ctx, entity.NewFolder("", 0, "Root", ""))
	if err != nil {
		t.Fatalf("CreateOptimistic failed: %v", err)
	}
	child, err := v.CreateOptimistic(ctx, entity.NewFolder("", 0, "Child", folder.Entity.ID))
	if err != nil {
		t.Fatalf("CreateOptimistic child failed: %v", err)
	}

	tests := []struct {
		name string
		run  func() error
		want error
	}{
		{
			name: "update unknown",
			run: func() error {
				_, err := v.UpdateOptimistic(ctx, entity.NewNote("n-404", 0, "x", "", ""))
				return err
			},
			want: ErrNotFound,
		},
		{
			name: "delete unknown",
			run: func() error {
				_, err := v.DeleteOptimistic(ctx, "n-404")
				return err
			},
			want: ErrNotFound,
		},
		{
			name: "type mismatch",
			run: func() error {
				_, err := v.UpdateOptimistic(ctx, entity.NewNote(folder.Entity.ID, 0, "x", "", ""))
				return err
			},
			want: ErrInvalid,
		},
		{
			name: "fields missing",
			run: func() error {
				_, err := v.CreateOptimistic(ctx, entity.Entity{Type: entity.TypeNote})
				return err
			},
			want: ErrInvalid,
		},
		{
			name: "unknown parent",
			run: func() error {
				_, err := v.CreateOptimistic(ctx, entity.NewNote("", 0, "x", "", "f-404"))
				return err
			},
			want: ErrInvalidParent,
		},
		{
			name: "folder into its own child",
			run: func() error {
				_, err := v.MoveOptimistic(ctx, folder.Entity.ID, child.Entity.ID)
				return err
			},
			want: ErrInvalidParent,
		},
		{
			name: "folder into itself",
			run: func() error {
				_, err := v.MoveOptimistic(ctx, folder.Entity.ID, folder.Entity.ID)
				return err
			},
			want: ErrInvalidParent,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.run(); !errors.Is(err, tt.want) {
				t.Errorf("error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestNoSubmitter(t *testing.T) {
	v := New(memstore.New(), nil, Options{})
	if _, err := v.CreateOptimistic(context.Background(), entity.NewNote("", 0, "x", "", "")); !errors.Is(err, ErrNoSubmitter) {
		t.Errorf("error = %v, want ErrNoSubmitter", err)
	}
}

type engineHarness struct {
	view   *View
	proc   *queue.Processor
	remote *memremote.Service
	log    *changeLog
}

func newEngineHarness(t *testing.T) *engineHarness {
	t.Helper()
	s := memstore.New()
	r := memremote.New(memremote.Options{})
	v := New(s, nil, Options{NewID: sequentialIDs()})
	p := queue.New(s, r, queue.Config{
		Policy:        queue.Policy{BaseDelay: time.Millisecond, MaxRetries: 1},
		DrainInterval: time.Hour,
	})
	p.AddListener(v)
	v.SetSubmitter(p)
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(p.Stop)
	p.SetOnline(true)

	log := &changeLog{}
	v.Subscribe(log)
	return &engineHarness{view: v, proc: p, remote: r, log: log}
}

func waitMutation(t *testing.T, m *Mutation) queue.Outcome {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	o, err := m.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	return o
}

func TestConfirmedCreateReplacesProvisionalItem(t *testing.T) {
	h := newEngineHarness(t)

	m, err := h.view.CreateOptimistic(context.Background(), entity.NewNote("", 0, "Hello", "", ""))
	if err != nil {
		t.Fatalf("CreateOptimistic failed: %v", err)
	}
	o := waitMutation(t, m)
	if o.Op.Status != oplog.StatusConfirmed {
		t.Fatalf("status = %s (%v)", o.Op.Status, o.Err)
	}

	c, ok := h.log.find(ChangeReplace, "n-1")
	if !ok || c.PrevID != "tmp-1" || c.Item.State != StateSynced {
		t.Fatalf("replace change not observed: %+v", h.log.all())
	}
	if _, ok := h.view.Get("tmp-1"); ok {
		t.Error("provisional item still present")
	}
	it, ok := h.view.Get("n-1")
	if !ok || it.State != StateSynced || it.Entity.Version != 1 {
		t.Errorf("confirmed item = %+v", it)
	}
}

func TestChildOfProvisionalFolderFollowsRemap(t *testing.T) {
	h := newEngineHarness(t)
	ctx := context.Background()

	folder, err := h.view.CreateOptimistic(ctx, entity.NewFolder("", 0, "Projects", ""))
	if err != nil {
		t.Fatalf("CreateOptimistic folder failed: %v", err)
	}
	note, err := h.view.CreateOptimistic(ctx, entity.NewNote("", 0, "Plan", "", folder.Entity.ID))
	if err != nil {
		t.Fatalf("CreateOptimistic note failed: %v", err)
	}
	fo := waitMutation(t, folder)
	no := waitMutation(t, note)

	it, ok := h.view.Get(no.Op.EntityID)
	if !ok {
		t.Fatalf("note %s missing from view", no.Op.EntityID)
	}
	if it.Entity.Note.FolderID != fo.Op.EntityID || it.State != StateSynced {
		t.Errorf("note = %+v, want synced under %s", it, fo.Op.EntityID)
	}
}

func TestRejectedCreateIsRolledBack(t *testing.T) {
	h := newEngineHarness(t)
	ctx := context.Background()

	// The folder exists locally but not on the server
	folder, err := h.view.CreateOptimistic(ctx, entity.NewFolder("", 0, "Offline", ""))
	if err != nil {
		t.Fatalf("CreateOptimistic folder failed: %v", err)
	}
	waitMutation(t, folder)
	fid := h.view.List(store.Filter{Type: entity.TypeFolder})[0].Entity.ID
	if err := h.remote.Delete(ctx, entity.TypeFolder, fid); err != nil {
		t.Fatalf("remote Delete failed: %v", err)
	}

	m, err := h.view.CreateOptimistic(ctx, entity.NewNote("", 0, "Orphan", "", fid))
	if err != nil {
		t.Fatalf("CreateOptimistic note failed: %v", err)
	}
	o := waitMutation(t, m)
	if o.Op.Status != oplog.StatusPermanentlyFailed || !remote.IsValidation(o.Err) {
		t.Fatalf("status = %s err = %v", o.Op.Status, o.Err)
	}
	if _, ok := h.view.Get(m.Entity.ID); ok {
		t.Error("rejected create still visible")
	}
	c, ok := h.log.find(ChangeRemove, m.Entity.ID)
	if !ok || c.Err == nil {
		t.Errorf("rollback not reported with error: %+v", c)
	}
}

func TestDeleteOptimisticHidesItem(t *testing.T) {
	h := newEngineHarness(t)
	ctx := context.Background()

	m, err := h.view.CreateOptimistic(ctx, entity.NewNote("", 0, "Temp", "", ""))
	if err != nil {
		t.Fatalf("CreateOptimistic failed: %v", err)
	}
	o := waitMutation(t, m)

	d, err := h.view.DeleteOptimistic(ctx, o.Op.EntityID)
	if err != nil {
		t.Fatalf("DeleteOptimistic failed: %v", err)
	}
	if _, ok := h.view.Get(o.Op.EntityID); ok {
		t.Error("deleted item still visible before confirmation")
	}
	if do := waitMutation(t, d); do.Op.Status != oplog.StatusConfirmed {
		t.Fatalf("delete status = %s (%v)", do.Op.Status, do.Err)
	}
	if _, ok := h.remote.Get(o.Op.EntityID); ok {
		t.Error("record still on server")
	}
}

func TestFolderDeleteHidesDescendants(t *testing.T) {
	v, sub, log := newFakeView(t)
	ctx := context.Background()

	folder, err := v.CreateOptimistic(ctx, entity.NewFolder("", 0, "Archive", ""))
	if err != nil {
		t.Fatalf("CreateOptimistic folder failed: %v", err)
	}
	fid := folder.Entity.ID
	note, _ := v.CreateOptimistic(ctx, entity.NewNote("", 0, "Old plan", "", fid))
	sub1, _ := v.CreateOptimistic(ctx, entity.NewFolder("", 0, "2023", fid))
	deep, _ := v.CreateOptimistic(ctx, entity.NewNote("", 0, "Receipts", "", sub1.Entity.ID))
	inside := []string{note.Entity.ID, sub1.Entity.ID, deep.Entity.ID}

	sub.err = errors.New("disk full")
	if _, err := v.DeleteOptimistic(ctx, fid); err == nil {
		t.Fatal("expected delete to fail")
	}
	for _, id := range append([]string{fid}, inside...) {
		if _, ok := v.Get(id); !ok {
			t.Errorf("%s missing after rolled back delete", id)
		}
	}

	sub.err = nil
	if _, err := v.DeleteOptimistic(ctx, fid); err != nil {
		t.Fatalf("DeleteOptimistic failed: %v", err)
	}
	for _, id := range append([]string{fid}, inside...) {
		if _, ok := v.Get(id); ok {
			t.Errorf("%s still visible under a deleted folder", id)
		}
	}
	for _, id := range inside {
		if _, ok := log.find(ChangeRemove, id); !ok {
			t.Errorf("no remove reported for %s", id)
		}
	}
}

func TestCancelledFolderDeleteRestoresContents(t *testing.T) {
	h := newEngineHarness(t)
	ctx := context.Background()

	folder, err := h.view.CreateOptimistic(ctx, entity.NewFolder("", 0, "Keep", ""))
	if err != nil {
		t.Fatalf("CreateOptimistic folder failed: %v", err)
	}
	fid := waitMutation(t, folder).Op.EntityID
	note, err := h.view.CreateOptimistic(ctx, entity.NewNote("", 0, "Inside", "", fid))
	if err != nil {
		t.Fatalf("CreateOptimistic note failed: %v", err)
	}
	nid := waitMutation(t, note).Op.EntityID

	h.proc.SetOnline(false)
	d, err := h.view.DeleteOptimistic(ctx, fid)
	if err != nil {
		t.Fatalf("DeleteOptimistic failed: %v", err)
	}
	if _, ok := h.view.Get(nid); ok {
		t.Fatal("note visible while its folder delete is queued")
	}
	if err := h.proc.Cancel(ctx, d.Op.ID); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	waitMutation(t, d)

	for _, id := range []string{fid, nid} {
		if it, ok := h.view.Get(id); !ok || it.State != StateSynced {
			t.Errorf("%s after cancel = %+v, %v", id, it, ok)
		}
	}
}
