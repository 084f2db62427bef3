package queue

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
	"github.com/erauner12/notesync/internal/remote"
	"github.com/erauner12/notesync/internal/store"
)

// Config controls dispatch
type Config struct {
	// Concurrency bounds in-flight remote calls (default 3)
	Concurrency int
	Policy      Policy
	// DrainInterval is the periodic drain and compaction tick (default 5s)
	DrainInterval time.Duration
	// CallTimeout bounds each remote call (default 30s)
	CallTimeout time.Duration
	// ActorID attributes remote calls to this client
	ActorID string
	Now     func() time.Time
	Metrics *metrics.Sync
}

func (c *Config) applyDefaults() {
	if c.Concurrency <= 0 {
		c.Concurrency = 3
	}
	if c.Policy.BaseDelay <= 0 {
		c.Policy.BaseDelay = DefaultPolicy.BaseDelay
	}
	if c.Policy.MaxRetries <= 0 {
		c.Policy.MaxRetries = DefaultPolicy.MaxRetries
	}
	if c.DrainInterval <= 0 {
		c.DrainInterval = 5 * time.Second
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 30 * time.Second
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

const recentLimit = 1024

type delivery struct {
	outcome  *Outcome
	resynced bool
}

// Processor replays the operation log against the remote service.
//
// Every change to the log happens under mu as one atomic step; remote calls
// run in their own goroutines and apply their results back under mu.
// Listener callbacks are delivered in settle order, outside mu.
type Processor struct {
	store  store.Store
	remote remote.Service
	cfg    Config
	logger zerolog.Logger

	mu          sync.Mutex
	online      bool
	running     bool
	stopping    bool
	inFlight    map[string]string
	creating    map[string]entity.Type
	cancelled   map[string]bool
	listeners   []Listener
	waiters     map[string][]chan Outcome
	undelivered map[string]int
	recent      map[string]Outcome
	recentOrder []string
	outbox      []delivery
	retryTimer  *time.Timer
	// gen advances on every confirmation and every create dispatch so a
	// resync can detect writes that landed while it was listing
	gen uint64
	// settled is closed and replaced whenever an in-flight call settles
	settled chan struct{}

	deliverMu sync.Mutex

	wake      chan struct{}
	stop      chan struct{}
	done      chan struct{}
	calls     sync.WaitGroup
	callCtx   context.Context
	cancelAll context.CancelFunc
}

// New creates a stopped, offline processor
func New(s store.Store, r remote.Service, cfg Config) *Processor {
	cfg.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Processor{
		store:       s,
		remote:      r,
		cfg:         cfg,
		logger:      log.With().Str("component", "queue").Logger(),
		inFlight:    make(map[string]string),
		creating:    make(map[string]entity.Type),
		cancelled:   make(map[string]bool),
		waiters:     make(map[string][]chan Outcome),
		undelivered: make(map[string]int),
		recent:      make(map[string]Outcome),
		settled:     make(chan struct{}),
		wake:        make(chan struct{}, 1),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
		callCtx:     ctx,
		cancelAll:   cancel,
	}
}

// AddListener registers l for settle and resync callbacks
func (p *Processor) AddListener(l Listener) {
	p.mu.Lock()
	p.listeners = append(p.listeners, l)
	p.mu.Unlock()
}

// Start resets operations interrupted by a previous crash and begins the
// drain loop. It returns once recovery is done.
func (p *Processor) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return nil
	}
	stale, err := p.store.ListOpsByStatus(ctx, oplog.StatusInFlight)
	if err != nil {
		p.mu.Unlock()
		return fmt.Errorf("start: list in-flight operations: %w", err)
	}
	for _, op := range stale {
		if err := p.transitionLocked(ctx, op, Event{Kind: EventReset}); err != nil {
			p.mu.Unlock()
			return fmt.Errorf("start: reset %s: %w", op.ID, err)
		}
	}
	p.running = true
	p.mu.Unlock()

	if len(stale) > 0 {
		p.logger.Info().Int("count", len(stale)).Msg("reset operations left in flight")
	}

	go p.loop(ctx)
	p.Trigger()
	return nil
}

// Stop halts dispatch, cancels outstanding calls and waits for them to settle
func (p *Processor) Stop() {
	p.mu.Lock()
	if !p.running || p.stopping {
		p.mu.Unlock()
		return
	}
	p.stopping = true
	if p.retryTimer != nil {
		p.retryTimer.Stop()
	}
	p.mu.Unlock()

	close(p.stop)
	<-p.done
	p.cancelAll()
	p.calls.Wait()

	p.mu.Lock()
	p.running = false
	p.mu.Unlock()
	p.logger.Info().Msg("processor stopped")
}

func (p *Processor) loop(ctx context.Context) {
	defer close(p.done)
	ticker := time.NewTicker(p.cfg.DrainInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		case <-p.wake:
			p.drain(ctx)
		case <-ticker.C:
			p.compact(ctx)
			p.drain(ctx)
		}
	}
}

// Trigger requests a drain pass without blocking
func (p *Processor) Trigger() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// SetOnline toggles dispatch. Coming online triggers a drain; going offline
// stops new dispatches while in-flight calls finish on their own.
func (p *Processor) SetOnline(online bool) {
	p.mu.Lock()
	changed := p.online != online
	p.online = online
	p.mu.Unlock()

	p.cfg.Metrics.SetOnline(online)
	if !changed {
		return
	}
	p.logger.Info().Bool("online", online).Msg("connectivity changed")
	if online {
		p.Trigger()
	}
}

// Online reports whether dispatch is enabled
func (p *Processor) Online() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.online
}

// Submit appends op to the log and schedules a drain
func (p *Processor) Submit(ctx context.Context, op oplog.Operation) (oplog.Operation, error) {
	if err := op.Validate(); err != nil {
		return oplog.Operation{}, err
	}
	if op.Status == "" {
		op.Status = oplog.StatusPending
	}

	p.mu.Lock()
	stored, err := p.store.AppendOp(ctx, op)
	p.mu.Unlock()
	if err != nil {
		return oplog.Operation{}, fmt.Errorf("append operation: %w", err)
	}

	p.Trigger()
	return stored, nil
}

func (p *Processor) drain(ctx context.Context) {
	p.mu.Lock()
	started := p.dispatchLocked(ctx)
	p.mu.Unlock()

	for _, op := range started {
		go p.execute(op)
	}
}

// dispatchLocked picks dispatchable operations oldest-first and marks them
// in flight. An operation is dispatchable when every earlier operation on its
// entity is confirmed and any provisional parent it references has a
// confirmed create.
func (p *Processor) dispatchLocked(ctx context.Context) []oplog.Operation {
	if !p.running || p.stopping {
		return nil
	}
	ops, err := p.store.ListOps(ctx)
	if err != nil {
		p.logger.Error().Err(err).Msg("drain: list operations failed")
		return nil
	}

	now := p.cfg.Now()
	unconfirmedCreates := make(map[string]bool)
	for _, op := range ops {
		if op.Kind == oplog.KindCreate && op.Status != oplog.StatusConfirmed {
			unconfirmedCreates[op.EntityID] = true
		}
	}

	var (
		started   []oplog.Operation
		depth     int
		nextRetry time.Time
		blocked   = make(map[string]bool)
	)
	for _, op := range ops {
		if op.Status == oplog.StatusConfirmed {
			continue
		}
		depth++
		if blocked[op.EntityID] {
			continue
		}
		blocked[op.EntityID] = true

		if op.Status == oplog.StatusInFlight {
			if _, tracked := p.inFlight[op.ID]; tracked {
				continue
			}
			// Left in flight by a settle that could not persist its result
			if err := p.transitionLocked(ctx, op, Event{Kind: EventReset}); err != nil {
				continue
			}
			op.Status = oplog.StatusPending
		}

		if ref := op.Payload.ParentRef(); entity.IsProvisionalID(ref) && unconfirmedCreates[ref] {
			continue
		}
		if !p.online || len(p.inFlight) >= p.cfg.Concurrency {
			continue
		}

		switch op.Status {
		case oplog.StatusPending:
		case oplog.StatusFailed:
			if now.Before(op.NextAttemptAt) {
				if nextRetry.IsZero() || op.NextAttemptAt.Before(nextRetry) {
					nextRetry = op.NextAttemptAt
				}
				continue
			}
		default:
			continue
		}

		patch, err := Transition(op, Event{Kind: EventDispatch}, p.cfg.Policy, now)
		if err != nil {
			p.logger.Error().Err(err).Str("opId", op.ID).Msg("dispatch transition rejected")
			continue
		}
		updated, err := p.store.UpdateOp(ctx, op.ID, patch)
		if err != nil {
			p.logger.Error().Err(err).Str("opId", op.ID).Msg("drain: mark in flight failed")
			break
		}
		p.inFlight[op.ID] = op.EntityID
		if op.Kind == oplog.KindCreate {
			p.creating[op.ID] = op.EntityType
			p.gen++
		}
		p.calls.Add(1)
		started = append(started, updated)
		p.cfg.Metrics.Dispatched(string(op.Kind))
	}

	p.cfg.Metrics.SetDepth(depth)
	p.cfg.Metrics.SetInFlight(len(p.inFlight))
	p.scheduleRetryLocked(now, nextRetry)
	return started
}

func (p *Processor) scheduleRetryLocked(now, at time.Time) {
	if at.IsZero() || !p.online {
		return
	}
	if p.retryTimer != nil {
		p.retryTimer.Stop()
	}
	p.retryTimer = time.AfterFunc(at.Sub(now), p.Trigger)
}

func (p *Processor) execute(op oplog.Operation) {
	defer p.calls.Done()

	ctx, cancel := context.WithTimeout(p.callCtx, p.cfg.CallTimeout)
	ctx = remote.WithActor(ctx, p.cfg.ActorID)

	logger := p.logger.With().
		Str("opId", op.ID).
		Str("kind", string(op.Kind)).
		Str("entityType", string(op.EntityType)).
		Str("entityId", op.EntityID).
		Logger()
	logger.Debug().Int("baseVersion", op.BaseVersion).Int("retryCount", op.RetryCount).Msg("dispatching")

	start := time.Now()
	rec, err := p.call(ctx, op)
	cancel()
	p.settle(op, rec, err, time.Since(start), &logger)
}

func (p *Processor) call(ctx context.Context, op oplog.Operation) (*entity.Entity, error) {
	e := entity.Entity{ID: op.EntityID, Type: op.EntityType}
	pl := op.Payload.Clone()
	e.Note, e.Folder = pl.Note, pl.Folder

	var (
		rec entity.Entity
		err error
	)
	switch op.Kind {
	case oplog.KindCreate:
		rec, err = p.remote.Create(ctx, e, op.IdempotencyKey)
	case oplog.KindUpdate:
		rec, err = p.remote.Update(ctx, e, op.BaseVersion)
	case oplog.KindMove:
		rec, err = p.remote.Move(ctx, op.EntityType, op.EntityID, op.Payload.Move.ParentID)
	case oplog.KindDelete:
		return nil, p.remote.Delete(ctx, op.EntityType, op.EntityID)
	default:
		return nil, &remote.ValidationError{Msg: "unknown operation kind " + string(op.Kind)}
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// classify maps a remote result onto a state machine event
func (p *Processor) classify(op oplog.Operation, err error) Event {
	if err == nil {
		return Event{Kind: EventSuccess}
	}
	if ce, ok := remote.AsConflict(err); ok {
		return Event{Kind: EventConflict, Err: err, Remote: ce.Current, RemoteDeleted: ce.Deleted}
	}
	if remote.IsValidation(err) {
		return Event{Kind: EventValidation, Err: err}
	}
	if errors.Is(err, remote.ErrNotFound) {
		switch op.Kind {
		case oplog.KindDelete:
			return Event{Kind: EventSuccess}
		case oplog.KindUpdate:
			return Event{Kind: EventConflict, Err: err, RemoteDeleted: true}
		case oplog.KindMove:
			return Event{Kind: EventPermanent, Err: err}
		}
	}
	if p.stopping && errors.Is(err, context.Canceled) {
		return Event{Kind: EventReset, Err: err}
	}
	return Event{Kind: EventTransient, Err: err}
}

func (p *Processor) settle(op oplog.Operation, rec *entity.Entity, callErr error, dur time.Duration, logger *zerolog.Logger) {
	ctx := context.Background()

	p.mu.Lock()
	delete(p.inFlight, op.ID)
	delete(p.creating, op.ID)
	close(p.settled)
	p.settled = make(chan struct{})

	if p.cancelled[op.ID] {
		delete(p.cancelled, op.ID)
		removed := p.removeLocked(ctx, op)
		p.queueCancelledLocked(op, removed)
		p.mu.Unlock()
		logger.Info().AnErr("callErr", callErr).Msg("cancelled while in flight, result discarded")
		p.flush()
		p.Trigger()
		return
	}

	cur, err := p.store.GetOp(ctx, op.ID)
	if err != nil {
		p.mu.Unlock()
		logger.Error().Err(err).Msg("settle: reload operation failed")
		p.Trigger()
		return
	}

	ev := p.classify(cur, callErr)
	patch, err := Transition(cur, ev, p.cfg.Policy, p.cfg.Now())
	if err != nil {
		p.mu.Unlock()
		logger.Error().Err(err).Msg("settle: transition rejected")
		p.Trigger()
		return
	}

	out := Outcome{Err: ev.Err}
	if ev.Kind == EventSuccess {
		prev, removed, err := p.confirmLocked(ctx, cur, rec)
		if err != nil {
			// Leave the operation in flight in the log; the next drain or
			// restart resets it and the idempotency key makes the replay safe.
			p.mu.Unlock()
			logger.Error().Err(err).Msg("settle: apply confirmed result failed")
			p.Trigger()
			return
		}
		if prev != "" {
			patch.EntityID = oplog.Ptr(rec.ID)
		}
		out.Entity = rec
		out.PrevEntityID = prev
		out.Removed = removed
	}

	updated, err := p.store.UpdateOp(ctx, cur.ID, patch)
	if err != nil {
		p.mu.Unlock()
		logger.Error().Err(err).Msg("settle: persist outcome failed")
		p.Trigger()
		return
	}
	out.Op = updated
	p.queueLocked(out)
	p.cfg.Metrics.SetInFlight(len(p.inFlight))
	p.mu.Unlock()

	p.cfg.Metrics.Settled(string(op.Kind), string(updated.Status), dur.Seconds())
	switch updated.Status {
	case oplog.StatusConfirmed:
		ev := logger.Info().Dur("duration", dur)
		if rec != nil {
			ev = ev.Str("serverId", rec.ID).Int("version", rec.Version)
		}
		ev.Msg("operation confirmed")
	case oplog.StatusFailed:
		p.cfg.Metrics.Retried()
		logger.Warn().Err(callErr).Int("retryCount", updated.RetryCount).Time("nextAttemptAt", updated.NextAttemptAt).Msg("transient failure, will retry")
	case oplog.StatusConflicted:
		p.cfg.Metrics.Conflicted()
		logger.Warn().Err(callErr).Bool("remoteDeleted", updated.RemoteDeleted).Msg("version conflict, parked for resolution")
	case oplog.StatusPermanentlyFailed:
		logger.Error().Err(callErr).Str("errorKind", string(updated.ErrorKind)).Int("retryCount", updated.RetryCount).Msg("operation permanently failed")
	case oplog.StatusPending:
		logger.Debug().Msg("operation reset to pending")
	}

	p.flush()
	p.Trigger()
}

// confirmLocked writes the authoritative result to the store, remaps a
// provisional id and rebases later operations on the entity. It returns the
// replaced provisional id (if any) and entities removed by a folder delete.
func (p *Processor) confirmLocked(ctx context.Context, op oplog.Operation, rec *entity.Entity) (string, []string, error) {
	p.gen++
	if op.Kind == oplog.KindDelete {
		removed, err := p.removeTreeLocked(ctx, op.EntityID)
		return "", removed, err
	}
	if rec == nil {
		return "", nil, fmt.Errorf("confirm %s: no record returned", op.ID)
	}
	if err := p.store.PutEntity(ctx, *rec); err != nil {
		return "", nil, err
	}

	prev := ""
	if rec.ID != op.EntityID {
		prev = op.EntityID
		if err := p.store.RemoveEntity(ctx, prev); err != nil {
			return "", nil, err
		}
		if err := p.remapLocked(ctx, op.ID, prev, rec.ID); err != nil {
			return "", nil, err
		}
	}
	if rec.Version == op.BaseVersion+1 {
		if err := p.rebaseLocked(ctx, op.Seq, rec.ID, op.BaseVersion, rec.Version); err != nil {
			return "", nil, err
		}
	} else {
		// Another actor wrote in between; later operations keep their base
		// and conflict against the server's state.
		p.logger.Info().
			Str("opId", op.ID).
			Int("baseVersion", op.BaseVersion).
			Int("version", rec.Version).
			Msg("server version moved past this write, later operations not rebased")
	}
	return prev, nil, nil
}

// removeTreeLocked drops id and, for folders, everything stored beneath it
func (p *Processor) removeTreeLocked(ctx context.Context, id string) ([]string, error) {
	var removed []string
	queue := []string{id}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		parent := cur
		children, err := p.store.ListEntities(ctx, store.Filter{ParentID: &parent})
		if err != nil {
			return nil, err
		}
		for _, c := range children {
			queue = append(queue, c.ID)
		}
		if err := p.store.RemoveEntity(ctx, cur); err != nil {
			return nil, err
		}
		if cur != id {
			removed = append(removed, cur)
		}
	}
	return removed, nil
}

// remapLocked rewrites references to a provisional id in every other
// unconfirmed operation
func (p *Processor) remapLocked(ctx context.Context, skipID, oldID, newID string) error {
	ops, err := p.store.ListOps(ctx)
	if err != nil {
		return err
	}
	for _, o := range ops {
		if o.ID == skipID || o.Status == oplog.StatusConfirmed {
			continue
		}
		var patch oplog.Patch
		changed := false
		if o.EntityID == oldID {
			patch.EntityID = oplog.Ptr(newID)
			changed = true
		}
		pl := o.Payload.Clone()
		if pl.RemapParent(oldID, newID) {
			patch.Payload = &pl
			changed = true
		}
		if !changed {
			continue
		}
		if _, err := p.store.UpdateOp(ctx, o.ID, patch); err != nil {
			return err
		}
		p.logger.Debug().Str("opId", o.ID).Str("from", oldID).Str("to", newID).Msg("remapped provisional id")
	}
	return nil
}

// rebaseLocked moves later operations on entityID that expected from onto
// version. Operations recorded against any other version are left alone.
func (p *Processor) rebaseLocked(ctx context.Context, afterSeq int64, entityID string, from, version int) error {
	ops, err := p.store.ListOps(ctx)
	if err != nil {
		return err
	}
	for _, o := range ops {
		if o.Seq <= afterSeq || o.EntityID != entityID || o.Kind == oplog.KindCreate {
			continue
		}
		if o.Status == oplog.StatusConfirmed || o.Status == oplog.StatusInFlight || o.BaseVersion != from {
			continue
		}
		if _, err := p.store.UpdateOp(ctx, o.ID, oplog.Patch{BaseVersion: oplog.Ptr(version)}); err != nil {
			return err
		}
	}
	return nil
}

// removeLocked deletes op from the log. Withdrawing a create also withdraws
// every later operation on the same entity, since none of them can succeed.
func (p *Processor) removeLocked(ctx context.Context, op oplog.Operation) []oplog.Operation {
	removed := []oplog.Operation{op}
	if err := p.store.RemoveOp(ctx, op.ID); err != nil {
		p.logger.Error().Err(err).Str("opId", op.ID).Msg("remove operation failed")
	}
	if op.Kind != oplog.KindCreate {
		return removed
	}
	ops, err := p.store.ListOps(ctx)
	if err != nil {
		p.logger.Error().Err(err).Msg("list dependent operations failed")
		return removed
	}
	for _, o := range ops {
		if o.EntityID != op.EntityID || o.Seq <= op.Seq {
			continue
		}
		if _, busy := p.inFlight[o.ID]; busy {
			p.cancelled[o.ID] = true
			continue
		}
		if err := p.store.RemoveOp(ctx, o.ID); err != nil {
			p.logger.Error().Err(err).Str("opId", o.ID).Msg("remove dependent operation failed")
			continue
		}
		removed = append(removed, o)
	}
	return removed
}

func (p *Processor) queueCancelledLocked(primary oplog.Operation, removed []oplog.Operation) {
	for _, o := range removed {
		p.queueLocked(Outcome{Op: o, Cancelled: true})
	}
	if len(removed) == 0 {
		p.queueLocked(Outcome{Op: primary, Cancelled: true})
	}
}

func (p *Processor) queueLocked(o Outcome) {
	p.outbox = append(p.outbox, delivery{outcome: &o})
	p.undelivered[o.Op.ID]++
}

// flush delivers queued outcomes to listeners in order, then wakes waiters
func (p *Processor) flush() {
	p.deliverMu.Lock()
	defer p.deliverMu.Unlock()

	for {
		p.mu.Lock()
		if len(p.outbox) == 0 {
			p.mu.Unlock()
			return
		}
		d := p.outbox[0]
		p.outbox = p.outbox[1:]
		ls := append([]Listener(nil), p.listeners...)
		p.mu.Unlock()

		for _, l := range ls {
			if d.resynced {
				l.Resynced()
			} else {
				l.OperationSettled(*d.outcome)
			}
		}
		if d.outcome != nil {
			p.finishDelivery(*d.outcome)
		}
	}
}

func (p *Processor) finishDelivery(o Outcome) {
	p.mu.Lock()
	id := o.Op.ID
	if p.undelivered[id]--; p.undelivered[id] <= 0 {
		delete(p.undelivered, id)
	}
	var chans []chan Outcome
	if o.Terminal() {
		chans = p.waiters[id]
		delete(p.waiters, id)
		p.rememberLocked(o)
	}
	p.mu.Unlock()

	for _, ch := range chans {
		ch <- o
	}
}

func (p *Processor) rememberLocked(o Outcome) {
	if _, ok := p.recent[o.Op.ID]; !ok {
		p.recentOrder = append(p.recentOrder, o.Op.ID)
	}
	p.recent[o.Op.ID] = o
	for len(p.recentOrder) > recentLimit {
		delete(p.recent, p.recentOrder[0])
		p.recentOrder = p.recentOrder[1:]
	}
}

func (p *Processor) forgetLocked(id string) {
	if _, ok := p.recent[id]; !ok {
		return
	}
	delete(p.recent, id)
	for i, r := range p.recentOrder {
		if r == id {
			p.recentOrder = append(p.recentOrder[:i], p.recentOrder[i+1:]...)
			break
		}
	}
}

// Wait blocks until opID reaches a terminal outcome and listeners have seen it
func (p *Processor) Wait(ctx context.Context, opID string) (Outcome, error) {
	p.mu.Lock()
	if p.undelivered[opID] == 0 {
		if o, ok := p.recent[opID]; ok {
			p.mu.Unlock()
			return o, nil
		}
		op, err := p.store.GetOp(ctx, opID)
		if err != nil {
			p.mu.Unlock()
			if errors.Is(err, store.ErrNotFound) {
				return Outcome{}, fmt.Errorf("wait %s: %w", opID, ErrUnknownOp)
			}
			return Outcome{}, err
		}
		if op.Status.Terminal() {
			p.mu.Unlock()
			return Outcome{Op: op}, nil
		}
	}
	ch := make(chan Outcome, 1)
	p.waiters[opID] = append(p.waiters[opID], ch)
	p.mu.Unlock()

	select {
	case o := <-ch:
		return o, nil
	case <-ctx.Done():
		p.dropWaiter(opID, ch)
		return Outcome{}, ctx.Err()
	case <-p.stop:
		p.dropWaiter(opID, ch)
		return Outcome{}, ErrStopped
	}
}

func (p *Processor) dropWaiter(opID string, ch chan Outcome) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ws := p.waiters[opID]
	for i, w := range ws {
		if w == ch {
			p.waiters[opID] = append(ws[:i], ws[i+1:]...)
			break
		}
	}
	if len(p.waiters[opID]) == 0 {
		delete(p.waiters, opID)
	}
}

// transitionLocked applies ev to op and persists the result
func (p *Processor) transitionLocked(ctx context.Context, op oplog.Operation, ev Event) error {
	patch, err := Transition(op, ev, p.cfg.Policy, p.cfg.Now())
	if err != nil {
		return err
	}
	_, err = p.store.UpdateOp(ctx, op.ID, patch)
	return err
}

// compact removes confirmed operations whose outcomes were delivered
func (p *Processor) compact(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ops, err := p.store.ListOpsByStatus(ctx, oplog.StatusConfirmed)
	if err != nil {
		p.logger.Error().Err(err).Msg("compact: list confirmed operations failed")
		return
	}
	n := 0
	for _, op := range ops {
		if p.undelivered[op.ID] > 0 {
			continue
		}
		if err := p.store.RemoveOp(ctx, op.ID); err != nil {
			p.logger.Error().Err(err).Str("opId", op.ID).Msg("compact: remove failed")
			continue
		}
		n++
	}
	if n > 0 {
		p.logger.Debug().Int("removed", n).Msg("compacted confirmed operations")
	}
}

// Compact runs a compaction pass immediately
func (p *Processor) Compact(ctx context.Context) {
	p.compact(ctx)
}
