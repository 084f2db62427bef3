// Package projection maintains the optimistic view of notes and folders that
// the user sees: the confirmed store state with every live local operation
// applied on top, each item tagged with its sync state.
package projection

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/erauner12/notesync/internal/entity"
	"github.com/erauner12/notesync/internal/oplog"
	"github.com/erauner12/notesync/internal/queue"
	"github.com/erauner12/notesync/internal/store"
)

// SyncState summarizes where an item stands relative to the server
type SyncState string

const (
	StateSynced     SyncState = "synced"
	StatePending    SyncState = "pending"
	StateConflicted SyncState = "conflicted"
	StateFailed     SyncState = "failed"
)

// Item is a single entry in the view
type Item struct {
	Entity    entity.Entity `json:"entity"`
	State     SyncState     `json:"state"`
	LastError string        `json:"lastError,omitempty"`
}

// Submitter accepts new operations for replay. The sync queue processor
// implements it.
type Submitter interface {
	Submit(ctx context.Context, op oplog.Operation) (oplog.Operation, error)
	Wait(ctx context.Context, opID string) (queue.Outcome, error)
}

// Options configures a View
type Options struct {
	// Now defaults to time.Now
	Now func() time.Time
	// NewID generates provisional ids; defaults to "tmp-<uuid>"
	NewID func() string
}

// View is the synchronous, mutex-guarded optimistic view
type View struct {
	// writeMu serializes everything that rewrites items from the store or
	// from a mutation, so a recompute never overwrites a newer optimistic
	// change. mu guards the maps for readers.
	writeMu   sync.Mutex
	mu        sync.Mutex
	store     store.Store
	submit    Submitter
	items     map[string]Item
	observers map[int]Observer
	nextObs   int
	opts      Options
	logger    zerolog.Logger
}

var _ queue.Listener = (*View)(nil)

// New creates an empty view. Call Rebuild to load persisted state.
func New(s store.Store, sub Submitter, opts Options) *View {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = func() string { return entity.ProvisionalPrefix + uuid.New().String() }
	}
	return &View{
		store:     s,
		submit:    sub,
		items:     make(map[string]Item),
		observers: make(map[int]Observer),
		opts:      opts,
		logger:    log.With().Str("component", "projection").Logger(),
	}
}

// SetSubmitter wires the processor after construction
func (v *View) SetSubmitter(sub Submitter) {
	v.writeMu.Lock()
	v.submit = sub
	v.writeMu.Unlock()
}

// Get returns the current item for id
func (v *View) Get(id string) (Item, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	it, ok := v.items[id]
	if !ok {
		return Item{}, false
	}
	it.Entity = it.Entity.Clone()
	return it, true
}

// List returns the items matching f, sorted by id
func (v *View) List(f store.Filter) []Item {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]Item, 0, len(v.items))
	for _, it := range v.items {
		if f.Match(it.Entity) {
			it.Entity = it.Entity.Clone()
			out = append(out, it)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Entity.ID < out[j].Entity.ID })
	return out
}

// Counts tallies items by sync state
func (v *View) Counts() map[SyncState]int {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make(map[SyncState]int)
	for _, it := range v.items {
		out[it.State]++
	}
	return out
}

// Rebuild reconstructs the whole view from confirmed store entities plus
// live operations, emitting changes for every difference
func (v *View) Rebuild(ctx context.Context) error {
	v.writeMu.Lock()
	defer v.writeMu.Unlock()

	entities, err := v.store.ListEntities(ctx, store.Filter{})
	if err != nil {
		return fmt.Errorf("rebuild: list entities: %w", err)
	}
	ops, err := v.store.ListOps(ctx)
	if err != nil {
		return fmt.Errorf("rebuild: list ops: %w", err)
	}

	next := make(map[string]Item, len(entities))
	base := make(map[string]entity.Entity, len(entities))
	for _, e := range entities {
		base[e.ID] = e
	}
	byEntity := groupOps(ops)

	ids := make(map[string]bool, len(base)+len(byEntity))
	for id := range base {
		ids[id] = true
	}
	for id := range byEntity {
		ids[id] = true
	}
	for id := range ids {
		cur, exists := base[id]
		if it, ok := project(cur, exists, byEntity[id]); ok {
			next[id] = it
		}
	}
	if deleting := deletingIDs(byEntity); len(deleting) > 0 {
		parentOf := func(id string) (string, bool) {
			if it, ok := next[id]; ok {
				return it.Entity.Parent(), true
			}
			e, ok := base[id]
			return e.Parent(), ok
		}
		for id, it := range next {
			if underDeleted(it.Entity, deleting, parentOf) {
				delete(next, id)
			}
		}
	}

	v.mu.Lock()
	var changes []Change
	for id, it := range next {
		if old, ok := v.items[id]; !ok || !sameItem(old, it) {
			changes = append(changes, Change{Kind: ChangeUpsert, ID: id, Item: it})
		}
	}
	for id := range v.items {
		if _, ok := next[id]; !ok {
			changes = append(changes, Change{Kind: ChangeRemove, ID: id})
		}
	}
	v.items = next
	obs := v.observerList()
	v.mu.Unlock()

	v.logger.Debug().Int("items", len(next)).Int("changes", len(changes)).Msg("view rebuilt")
	publish(obs, changes)
	return nil
}

// groupOps buckets operations by entity id, keeping Seq order
func groupOps(ops []oplog.Operation) map[string][]oplog.Operation {
	out := make(map[string][]oplog.Operation)
	for _, op := range ops {
		out[op.EntityID] = append(out[op.EntityID], op)
	}
	return out
}

// project applies live ops to the confirmed value. Permanently failed ops do
// not contribute values but mark the item failed.
func project(cur entity.Entity, exists bool, ops []oplog.Operation) (Item, bool) {
	state := StateSynced
	lastErr := ""
	for _, op := range ops {
		switch op.Status {
		case oplog.StatusPermanentlyFailed:
			state = worse(state, StateFailed)
			lastErr = op.LastError
			continue
		case oplog.StatusConflicted:
			state = worse(state, StateConflicted)
			lastErr = op.LastError
		case oplog.StatusPending, oplog.StatusInFlight, oplog.StatusFailed:
			state = worse(state, StatePending)
			if op.LastError != "" {
				lastErr = op.LastError
			}
		default:
			continue
		}
		cur, exists = op.Apply(cur, exists)
	}
	if !exists {
		return Item{}, false
	}
	return Item{Entity: cur, State: state, LastError: lastErr}, true
}

// deletingIDs returns the entities with a delete still queued
func deletingIDs(byEntity map[string][]oplog.Operation) map[string]bool {
	out := make(map[string]bool)
	for id, ops := range byEntity {
		for _, op := range ops {
			if op.Kind == oplog.KindDelete && op.Status.Live() {
				out[id] = true
			}
		}
	}
	return out
}

// underDeleted reports whether some ancestor of e has a delete queued.
// parentOf resolves a folder's parent and whether the folder is known.
func underDeleted(e entity.Entity, deleting map[string]bool, parentOf func(id string) (string, bool)) bool {
	seen := make(map[string]bool)
	for p := e.Parent(); p != "" && !seen[p]; {
		if deleting[p] {
			return true
		}
		seen[p] = true
		next, ok := parentOf(p)
		if !ok {
			return false
		}
		p = next
	}
	return false
}

var stateRank = map[SyncState]int{StateSynced: 0, StatePending: 1, StateFailed: 2, StateConflicted: 3}

func worse(a, b SyncState) SyncState {
	if stateRank[b] > stateRank[a] {
		return b
	}
	return a
}

func sameItem(a, b Item) bool {
	return a.State == b.State && a.LastError == b.LastError && a.Entity.Equal(b.Entity)
}

// recompute rebuilds the view entries for ids from the store. The caller
// holds v.writeMu but not v.mu.
func (v *View) recompute(ctx context.Context, ids ...string) ([]Change, error) {
	ops, err := v.store.ListOps(ctx)
	if err != nil {
		return nil, err
	}
	byEntity := groupOps(ops)
	deleting := deletingIDs(byEntity)
	parentOf := func(id string) (string, bool) {
		e, err := v.store.GetEntity(ctx, id)
		if err != nil {
			return "", false
		}
		return e.Parent(), true
	}

	type result struct {
		item   Item
		exists bool
	}
	results := make(map[string]result, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		cur, err := v.store.GetEntity(ctx, id)
		exists := err == nil
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		it, ok := project(cur, exists, byEntity[id])
		if ok && len(deleting) > 0 && underDeleted(it.Entity, deleting, parentOf) {
			ok = false
		}
		results[id] = result{item: it, exists: ok}
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	var changes []Change
	for id, r := range results {
		old, had := v.items[id]
		switch {
		case r.exists && (!had || !sameItem(old, r.item)):
			v.items[id] = r.item
			changes = append(changes, Change{Kind: ChangeUpsert, ID: id, Item: r.item})
		case !r.exists && had:
			delete(v.items, id)
			changes = append(changes, Change{Kind: ChangeRemove, ID: id})
		}
	}
	return changes, nil
}

// apply runs fn against the view under the lock and publishes the changes
func (v *View) apply(fn func() []Change) {
	v.mu.Lock()
	changes := fn()
	obs := v.observerList()
	v.mu.Unlock()
	publish(obs, changes)
}
