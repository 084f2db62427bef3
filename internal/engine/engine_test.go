package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/erauner12/notesync/internal/config"
	"github.com/erauner12/notesync/internal/entity"
	"github.com/erauner12/notesync/internal/oplog"
	"github.com/erauner12/notesync/internal/projection"
	"github.com/erauner12/notesync/internal/reconcile"
	"github.com/erauner12/notesync/internal/remote/memremote"
	"github.com/erauner12/notesync/internal/store"
	"github.com/erauner12/notesync/internal/store/memstore"
)

type fakePush struct {
	ch chan reconcile.Notification
}

func newFakePush() *fakePush { return &fakePush{ch: make(chan reconcile.Notification, 8)} }

func (f *fakePush) Run(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func (f *fakePush) Notifications() <-chan reconcile.Notification { return f.ch }

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Push.Enabled = false
	cfg.Store.Driver = "memory"
	cfg.Queue.DrainInterval = config.Duration(time.Hour)
	cfg.Auth.Token = "tok"
	return cfg
}

func newEngine(t *testing.T, opts Options) *Engine {
	t.Helper()
	if opts.Config == nil {
		opts.Config = testConfig()
	}
	if opts.Registerer == nil {
		opts.Registerer = prometheus.NewRegistry()
	}
	e, err := New(context.Background(), opts)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(e.Stop)
	return e
}

func settle(t *testing.T, m *projection.Mutation) entity.Entity {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	o, err := m.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if o.Op.Status != oplog.StatusConfirmed {
		t.Fatalf("status = %s (%v)", o.Op.Status, o.Err)
	}
	if o.Entity == nil {
		return entity.Entity{}
	}
	return *o.Entity
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestLocalEditsReachServer(t *testing.T) {
	r := memremote.New(memremote.Options{})
	e := newEngine(t, Options{Remote: r})
	ctx := context.Background()

	m, err := e.Create(ctx, entity.NewFolder("", 0, "Work", ""))
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	folder := settle(t, m)
	if folder.ID == m.Op.EntityID {
		t.Fatalf("confirmed folder kept provisional id %s", folder.ID)
	}

	m, err = e.Create(ctx, entity.NewNote("", 0, "Plan", "draft", folder.ID))
	if err != nil {
		t.Fatalf("Create note failed: %v", err)
	}
	note := settle(t, m)

	m, err = e.Update(ctx, entity.NewNote(note.ID, note.Version, "Plan", "final", folder.ID))
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	settle(t, m)

	rec, ok := r.Get(note.ID)
	if !ok || rec.Note.Content != "final" {
		t.Fatalf("server record = %+v", rec)
	}
	item, ok := e.View().Get(note.ID)
	if !ok || item.State != projection.StateSynced || item.Entity.Note.Content != "final" {
		t.Errorf("view item = %+v", item)
	}

	m, err = e.Move(ctx, note.ID, "")
	if err != nil {
		t.Fatalf("Move failed: %v", err)
	}
	settle(t, m)
	if rec, _ := r.Get(note.ID); rec.Note.FolderID != "" {
		t.Errorf("server folder = %q after move to root", rec.Note.FolderID)
	}

	m, err = e.Delete(ctx, folder.ID)
	if err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	settle(t, m)
	if _, ok := e.View().Get(folder.ID); ok {
		t.Error("deleted folder still in view")
	}
}

func TestStartupResyncLoadsServerState(t *testing.T) {
	r := memremote.New(memremote.Options{})
	r.Seed(entity.NewNote("n-1", 4, "Existing", "", ""))
	e := newEngine(t, Options{Remote: r})

	eventually(t, "resync", func() bool {
		_, ok := e.View().Get("n-1")
		return ok
	})
}

func TestRemoteNotificationsApplied(t *testing.T) {
	r := memremote.New(memremote.Options{})
	push := newFakePush()
	e := newEngine(t, Options{Remote: r, Push: push})
	if e.Queue().Online() {
		t.Fatal("online before the push channel connected")
	}
	e.pushState(true)

	r.Seed(entity.NewNote("n-9", 1, "From elsewhere", "", ""))
	push.ch <- reconcile.Notification{EntityType: entity.TypeNote, EntityID: "n-9", Kind: oplog.KindCreate, Version: 1, ActorID: "other"}

	eventually(t, "notification", func() bool {
		item, ok := e.View().Get("n-9")
		return ok && item.Entity.Note.Title == "From elsewhere"
	})

	e.pushState(false)
	if e.Queue().Online() {
		t.Error("still online after disconnect")
	}
}

func TestDegradedFallback(t *testing.T) {
	push := newFakePush()
	e := newEngine(t, Options{
		Remote: memremote.New(memremote.Options{}),
		Push:   push,
		OpenStore: func(context.Context) (store.Store, error) {
			return nil, fmt.Errorf("open db: %w", store.ErrStorageUnavailable)
		},
	})
	if !e.Degraded() {
		t.Fatal("Degraded() = false")
	}
	ctx := context.Background()

	if _, err := e.Create(ctx, entity.NewNote("", 0, "Offline", "", "")); !errors.Is(err, ErrOfflineDegraded) {
		t.Fatalf("offline Create error = %v, want ErrOfflineDegraded", err)
	}

	e.pushState(true)
	m, err := e.Create(ctx, entity.NewNote("", 0, "Online", "", ""))
	if err != nil {
		t.Fatalf("online Create failed: %v", err)
	}
	settle(t, m)

	st, err := e.Status(ctx)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if !st.Degraded || st.LastError == "" {
		t.Errorf("status = %+v", st)
	}
}

func TestOpenStoreFailure(t *testing.T) {
	boom := errors.New("disk on fire")
	_, err := New(context.Background(), Options{
		Config:     testConfig(),
		Remote:     memremote.New(memremote.Options{}),
		Registerer: prometheus.NewRegistry(),
		OpenStore:  func(context.Context) (store.Store, error) { return nil, boom },
	})
	if !errors.Is(err, boom) {
		t.Errorf("New error = %v, want %v", err, boom)
	}
}

func TestActorIDPersisted(t *testing.T) {
	s := memstore.New()
	opts := Options{Config: testConfig(), Store: s, Remote: memremote.New(memremote.Options{})}
	opts.Config.ActorID = ""

	first, err := New(context.Background(), opts)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if first.ActorID() == "" {
		t.Fatal("no actor id generated")
	}
	second, err := New(context.Background(), opts)
	if err != nil {
		t.Fatalf("second New failed: %v", err)
	}
	if second.ActorID() != first.ActorID() {
		t.Errorf("actor id changed: %s then %s", first.ActorID(), second.ActorID())
	}

	opts.Config.ActorID = "configured"
	third, err := New(context.Background(), opts)
	if err != nil {
		t.Fatalf("third New failed: %v", err)
	}
	if third.ActorID() != "configured" {
		t.Errorf("ActorID() = %s, want configured", third.ActorID())
	}
}

func TestStatus(t *testing.T) {
	r := memremote.New(memremote.Options{})
	e := newEngine(t, Options{Remote: r, Push: newFakePush()})
	ctx := context.Background()

	if _, err := e.Create(ctx, entity.NewNote("", 0, "Queued", "", "")); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	st, err := e.Status(ctx)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if st.Queue.Pending != 1 || st.Queue.Online || st.Items[projection.StatePending] != 1 {
		t.Errorf("status = %+v", st)
	}
	if st.ActorID == "" || st.Degraded {
		t.Errorf("status = %+v", st)
	}
}

func TestStartTwice(t *testing.T) {
	e := newEngine(t, Options{Remote: memremote.New(memremote.Options{})})
	if err := e.Start(context.Background()); err == nil {
		t.Error("second Start succeeded")
	}
}
