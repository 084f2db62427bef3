// Package reconcile applies change notifications from other actors to the
// local store and view, deferring entities that still have local work queued.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/erauner12/notesync/internal/entity"
	"github.com/erauner12/notesync/internal/metrics"
	"github.com/erauner12/notesync/internal/oplog"
	"github.com/erauner12/notesync/internal/queue"
	"github.com/erauner12/notesync/internal/remote"
	"github.com/erauner12/notesync/internal/store"
)

// Notification announces a committed remote change
type Notification struct {
	EntityType entity.Type
	EntityID   string
	Kind       oplog.Kind
	Version    int
	ActorID    string
	At         time.Time
}

// Disposition records what Handle did with a notification
type Disposition string

const (
	Ignored   Disposition = "ignored"
	Duplicate Disposition = "duplicate"
	Deferred  Disposition = "deferred"
	Refreshed Disposition = "refreshed"
	Removed   Disposition = "removed"
)

// Refresher recomputes view entries after the store changed. The projection
// view implements it.
type Refresher interface {
	Refresh(ctx context.Context, ids ...string) error
}

// Writer stores a server record unless local work supersedes it. The queue
// processor implements it, so the write cannot interleave with a
// confirmation.
type Writer interface {
	ApplyRemote(ctx context.Context, rec entity.Entity) (bool, error)
}

var _ Writer = (*queue.Processor)(nil)

// Options configures a Handler
type Options struct {
	// ActorID is this client's actor; its own notifications are ignored
	ActorID string
	Metrics *metrics.Sync
}

// Handler reconciles notifications. Handle is meant to be driven from a
// single goroutine (Run); the queue listener methods may run concurrently.
type Handler struct {
	store   store.Store
	writer  Writer
	remote  remote.Service
	view    Refresher
	opts    Options
	logger  zerolog.Logger
	wake    chan struct{}
	mu      sync.Mutex
	pending map[string]Notification
}

var _ queue.Listener = (*Handler)(nil)

// New creates a handler. Records fetched from r are written through w; view
// may be nil when no projection is attached.
func New(s store.Store, w Writer, r remote.Service, view Refresher, opts Options) *Handler {
	return &Handler{
		store:   s,
		writer:  w,
		remote:  r,
		view:    view,
		opts:    opts,
		logger:  log.With().Str("component", "reconcile").Logger(),
		wake:    make(chan struct{}, 1),
		pending: make(map[string]Notification),
	}
}

// Run handles notifications from in until ctx is done or in is closed.
// Deferred notifications are re-evaluated whenever a local operation
// reaches a terminal state.
func (h *Handler) Run(ctx context.Context, in <-chan Notification) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case n, ok := <-in:
			if !ok {
				return nil
			}
			h.handleLogged(ctx, n)
		case <-h.wake:
			h.Redeliver(ctx)
		}
	}
}

func (h *Handler) handleLogged(ctx context.Context, n Notification) {
	d, err := h.Handle(ctx, n)
	if err != nil {
		h.logger.Error().Err(err).
			Str("entityType", string(n.EntityType)).
			Str("entityId", n.EntityID).
			Str("kind", string(n.Kind)).
			Msg("reconcile failed")
		return
	}
	h.opts.Metrics.Notification(string(d))
}

// Handle applies a single notification
func (h *Handler) Handle(ctx context.Context, n Notification) (Disposition, error) {
	logger := h.logger.With().
		Str("entityType", string(n.EntityType)).
		Str("entityId", n.EntityID).
		Str("kind", string(n.Kind)).
		Int("version", n.Version).
		Logger()

	if n.ActorID != "" && n.ActorID == h.opts.ActorID {
		logger.Debug().Msg("own change, ignored")
		return Ignored, nil
	}
	if !n.EntityType.Valid() {
		return Ignored, fmt.Errorf("notification for unknown type %q", n.EntityType)
	}

	if n.Kind != oplog.KindCreate {
		busy, err := h.hasLiveOps(ctx, n.EntityID)
		if err != nil {
			return "", err
		}
		if busy {
			h.deferLatest(n)
			logger.Debug().Msg("local operations pending, deferred")
			return Deferred, nil
		}
	}

	switch n.Kind {
	case oplog.KindDelete:
		return h.remove(ctx, n, &logger)
	case oplog.KindCreate:
		return h.refreshType(ctx, n, &logger)
	case oplog.KindUpdate, oplog.KindMove:
		return h.refreshOne(ctx, n, &logger)
	}
	return Ignored, fmt.Errorf("notification with unknown kind %q", n.Kind)
}

// deferLatest keeps only the newest deferred notification per entity
func (h *Handler) deferLatest(n Notification) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if cur, ok := h.pending[n.EntityID]; ok && cur.Version > n.Version && n.Kind != oplog.KindDelete {
		return
	}
	h.pending[n.EntityID] = n
}

// Redeliver re-evaluates deferred notifications whose entities no longer have
// live operations
func (h *Handler) Redeliver(ctx context.Context) {
	h.mu.Lock()
	batch := make([]Notification, 0, len(h.pending))
	for id, n := range h.pending {
		batch = append(batch, n)
		delete(h.pending, id)
	}
	h.mu.Unlock()

	for _, n := range batch {
		h.handleLogged(ctx, n)
	}
}

// Deferred returns the number of notifications waiting on local operations
func (h *Handler) Deferred() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.pending)
}

func (h *Handler) hasLiveOps(ctx context.Context, id string) (bool, error) {
	ops, err := h.store.ListOps(ctx)
	if err != nil {
		return false, fmt.Errorf("list operations: %w", err)
	}
	for _, op := range ops {
		if op.EntityID == id && op.Status.Live() {
			return true, nil
		}
	}
	return false, nil
}

func (h *Handler) cachedVersion(ctx context.Context, id string) (int, bool, error) {
	e, err := h.store.GetEntity(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return e.Version, true, nil
}

func (h *Handler) remove(ctx context.Context, n Notification, logger *zerolog.Logger) (Disposition, error) {
	if _, ok, err := h.cachedVersion(ctx, n.EntityID); err != nil {
		return "", err
	} else if !ok {
		return Duplicate, nil
	}

	ids := []string{n.EntityID}
	for i := 0; i < len(ids); i++ {
		parent := ids[i]
		children, err := h.store.ListEntities(ctx, store.Filter{ParentID: &parent})
		if err != nil {
			return "", err
		}
		for _, c := range children {
			ids = append(ids, c.ID)
		}
	}
	for _, id := range ids {
		if err := h.store.RemoveEntity(ctx, id); err != nil {
			return "", err
		}
	}
	if err := h.refreshView(ctx, ids...); err != nil {
		return "", err
	}
	logger.Info().Int("removed", len(ids)).Msg("remote delete applied")
	return Removed, nil
}

// refreshType lists the whole type and stores records newer than the cache
func (h *Handler) refreshType(ctx context.Context, n Notification, logger *zerolog.Logger) (Disposition, error) {
	if v, ok, err := h.cachedVersion(ctx, n.EntityID); err != nil {
		return "", err
	} else if ok && n.Version > 0 && v >= n.Version {
		return Duplicate, nil
	}

	records, err := h.remote.List(ctx, n.EntityType, remote.Filter{})
	if err != nil {
		return "", fmt.Errorf("list %s: %w", n.EntityType.Plural(), err)
	}
	changed, err := h.storeNewer(ctx, records)
	if err != nil {
		return "", err
	}
	if err := h.refreshView(ctx, changed...); err != nil {
		return "", err
	}
	logger.Info().Int("updated", len(changed)).Msg("remote create applied")
	return Refreshed, nil
}

// refreshOne refetches a single entity when the cache is behind
func (h *Handler) refreshOne(ctx context.Context, n Notification, logger *zerolog.Logger) (Disposition, error) {
	v, ok, err := h.cachedVersion(ctx, n.EntityID)
	if err != nil {
		return "", err
	}
	if ok && n.Version > 0 && v >= n.Version {
		logger.Debug().Int("cachedVersion", v).Msg("cache current, ignored")
		return Duplicate, nil
	}

	records, err := h.remote.List(ctx, n.EntityType, remote.Filter{IDs: []string{n.EntityID}})
	if err != nil {
		return "", fmt.Errorf("fetch %s %s: %w", n.EntityType, n.EntityID, err)
	}
	var found []entity.Entity
	for _, r := range records {
		if r.ID == n.EntityID {
			found = append(found, r)
		}
	}
	if len(found) == 0 {
		// Deleted again before the refetch
		return h.remove(ctx, Notification{EntityType: n.EntityType, EntityID: n.EntityID, Kind: oplog.KindDelete}, logger)
	}
	changed, err := h.storeNewer(ctx, found)
	if err != nil {
		return "", err
	}
	if len(changed) == 0 {
		return Duplicate, nil
	}
	if err := h.refreshView(ctx, changed...); err != nil {
		return "", err
	}
	logger.Info().Int("cachedVersion", v).Msg("remote change applied")
	return Refreshed, nil
}

// storeNewer writes records whose version is ahead of the cache and which
// have no unsettled local work, returning their ids. The rest are deferred.
func (h *Handler) storeNewer(ctx context.Context, records []entity.Entity) ([]string, error) {
	var changed []string
	for _, r := range records {
		written, err := h.writer.ApplyRemote(ctx, r)
		switch {
		case errors.Is(err, queue.ErrEntityBusy):
			h.deferLatest(Notification{EntityType: r.Type, EntityID: r.ID, Kind: oplog.KindUpdate, Version: r.Version})
			continue
		case err != nil:
			return nil, err
		}
		if written {
			changed = append(changed, r.ID)
		}
	}
	return changed, nil
}

func (h *Handler) refreshView(ctx context.Context, ids ...string) error {
	if h.view == nil || len(ids) == 0 {
		return nil
	}
	return h.view.Refresh(ctx, ids...)
}

// OperationSettled wakes Run to re-evaluate deferred notifications. Any
// settled create counts, since records held back while it was in flight
// can apply once it is no longer outstanding.
func (h *Handler) OperationSettled(o queue.Outcome) {
	if (!o.Terminal() && o.Op.Kind != oplog.KindCreate) || h.Deferred() == 0 {
		return
	}
	select {
	case h.wake <- struct{}{}:
	default:
	}
}

// Resynced drops deferred notifications; a full resync supersedes them
func (h *Handler) Resynced() {
	h.mu.Lock()
	n := len(h.pending)
	h.pending = make(map[string]Notification)
	h.mu.Unlock()
	if n > 0 {
		h.logger.Debug().Int("dropped", n).Msg("deferred notifications superseded by resync")
	}
}
