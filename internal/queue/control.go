package queue

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/erauner12/notesync/internal/entity"
	"github.com/erauner12/notesync/internal/oplog"
	"github.com/erauner12/notesync/internal/remote"
	"github.com/erauner12/notesync/internal/store"
)

func (p *Processor) getOpLocked(ctx context.Context, opID string) (oplog.Operation, error) {
	op, err := p.store.GetOp(ctx, opID)
	if errors.Is(err, store.ErrNotFound) {
		return oplog.Operation{}, fmt.Errorf("operation %s: %w", opID, ErrUnknownOp)
	}
	return op, err
}

// Cancel withdraws an unconfirmed operation. An operation in flight has its
// result discarded when the call returns; cancelling a create also withdraws
// the later operations on that entity.
func (p *Processor) Cancel(ctx context.Context, opID string) error {
	return p.withdraw(ctx, opID, true)
}

// Discard withdraws an operation that is not in flight, typically one that
// permanently failed
func (p *Processor) Discard(ctx context.Context, opID string) error {
	return p.withdraw(ctx, opID, false)
}

func (p *Processor) withdraw(ctx context.Context, opID string, allowInFlight bool) error {
	p.mu.Lock()
	op, err := p.getOpLocked(ctx, opID)
	if err != nil {
		p.mu.Unlock()
		return err
	}
	if op.Status == oplog.StatusConfirmed {
		p.mu.Unlock()
		return fmt.Errorf("cancel %s: %w", opID, ErrAlreadyConfirmed)
	}
	if _, busy := p.inFlight[opID]; busy {
		if !allowInFlight {
			p.mu.Unlock()
			return fmt.Errorf("discard %s: %w", opID, ErrInFlight)
		}
		p.cancelled[opID] = true
		p.mu.Unlock()
		p.logger.Info().Str("opId", opID).Msg("cancel requested for in-flight operation")
		return nil
	}
	removed := p.removeLocked(ctx, op)
	p.queueCancelledLocked(op, removed)
	p.mu.Unlock()

	p.logger.Info().Str("opId", opID).Int("withdrawn", len(removed)).Msg("operation cancelled")
	p.flush()
	p.Trigger()
	return nil
}

// Retry returns a permanently failed operation to pending with its retry
// budget restored
func (p *Processor) Retry(ctx context.Context, opID string) error {
	p.mu.Lock()
	op, err := p.getOpLocked(ctx, opID)
	if err != nil {
		p.mu.Unlock()
		return err
	}
	patch, err := Transition(op, Event{Kind: EventRetry}, p.cfg.Policy, p.cfg.Now())
	if err != nil {
		p.mu.Unlock()
		return err
	}
	updated, err := p.store.UpdateOp(ctx, opID, patch)
	if err != nil {
		p.mu.Unlock()
		return fmt.Errorf("retry %s: %w", opID, err)
	}
	p.forgetLocked(opID)
	p.queueLocked(Outcome{Op: updated})
	p.mu.Unlock()

	p.logger.Info().Str("opId", opID).Msg("manual retry")
	p.flush()
	p.Trigger()
	return nil
}

// ReplaceConflicted swaps a conflicted operation for next, keeping its place
// in the log. observed is the server record the resolution was computed
// against and becomes the stored confirmed state. Later operations on the
// entity are replayed over the resolved value and rebased onto the
// observed version.
func (p *Processor) ReplaceConflicted(ctx context.Context, opID string, next oplog.Operation, observed *entity.Entity, observedDeleted bool) (oplog.Operation, error) {
	if err := next.Validate(); err != nil {
		return oplog.Operation{}, err
	}

	p.mu.Lock()
	op, err := p.getOpLocked(ctx, opID)
	if err != nil {
		p.mu.Unlock()
		return oplog.Operation{}, err
	}
	if op.Status != oplog.StatusConflicted {
		p.mu.Unlock()
		return oplog.Operation{}, fmt.Errorf("replace %s: %w", opID, ErrNotConflicted)
	}

	if err := p.adoptObservedLocked(ctx, op, observed, observedDeleted); err != nil {
		p.mu.Unlock()
		return oplog.Operation{}, fmt.Errorf("replace %s: %w", opID, err)
	}
	base, version, exists := entity.Entity{}, 0, false
	if observed != nil && !observedDeleted {
		base, version, exists = observed.Clone(), observed.Version, true
	}
	if resolved, ok := next.Apply(base, exists); ok {
		if err := p.restackLocked(ctx, op.Seq, resolved, version); err != nil {
			p.mu.Unlock()
			return oplog.Operation{}, fmt.Errorf("replace %s: %w", opID, err)
		}
	}
	if err := p.store.RemoveOp(ctx, opID); err != nil {
		p.mu.Unlock()
		return oplog.Operation{}, fmt.Errorf("replace %s: %w", opID, err)
	}
	next.Seq = op.Seq
	next.Status = oplog.StatusPending
	stored, err := p.store.AppendOp(ctx, next)
	if err != nil {
		p.mu.Unlock()
		return oplog.Operation{}, fmt.Errorf("replace %s: append resolution: %w", opID, err)
	}
	p.queueLocked(Outcome{Op: op, Cancelled: true})
	p.mu.Unlock()

	p.logger.Info().
		Str("opId", opID).
		Str("replacementId", stored.ID).
		Str("kind", string(stored.Kind)).
		Msg("conflict resolved with replacement operation")
	p.flush()
	p.Trigger()
	return stored, nil
}

func (p *Processor) adoptObservedLocked(ctx context.Context, op oplog.Operation, observed *entity.Entity, deleted bool) error {
	switch {
	case deleted:
		return p.store.RemoveEntity(ctx, op.EntityID)
	case observed != nil:
		return p.store.PutEntity(ctx, *observed)
	}
	return nil
}

// restackLocked replays the later unconfirmed operations on base's entity
// over base, in log order, and rebases them onto version. Each update keeps
// only the fields it changed itself, so a value the resolution rejected
// cannot return through a later whole-record write.
func (p *Processor) restackLocked(ctx context.Context, afterSeq int64, base entity.Entity, version int) error {
	ops, err := p.store.ListOps(ctx)
	if err != nil {
		return err
	}
	cur := base.Clone()
	for _, o := range ops {
		if o.Seq <= afterSeq || o.EntityID != base.ID || o.Kind == oplog.KindCreate {
			continue
		}
		if o.Status == oplog.StatusConfirmed || o.Status == oplog.StatusInFlight {
			continue
		}
		snap := cur.Clone()
		patch := oplog.Patch{BaseVersion: oplog.Ptr(version), Snapshot: &snap}
		next, exists := o.Reapply(cur)
		if o.Kind == oplog.KindUpdate {
			pl := oplog.PayloadOf(next)
			patch.Payload = &pl
		}
		if _, err := p.store.UpdateOp(ctx, o.ID, patch); err != nil {
			return err
		}
		p.logger.Debug().Str("opId", o.ID).Int("baseVersion", version).Msg("replayed over resolved value")
		if !exists {
			break
		}
		cur = next
	}
	return nil
}

// DiscardConflicted drops the local side of a conflict and adopts the server
// state. Later operations on the entity are replayed over the server record.
// When the server deleted the record, the entity and every later operation
// on it are dropped too.
func (p *Processor) DiscardConflicted(ctx context.Context, opID string) error {
	p.mu.Lock()
	op, err := p.getOpLocked(ctx, opID)
	if err != nil {
		p.mu.Unlock()
		return err
	}
	if op.Status != oplog.StatusConflicted {
		p.mu.Unlock()
		return fmt.Errorf("discard %s: %w", opID, ErrNotConflicted)
	}

	var gone []string
	withdrawn := []oplog.Operation{op}
	if op.RemoteDeleted {
		gone, err = p.removeTreeLocked(ctx, op.EntityID)
		if err != nil {
			p.mu.Unlock()
			return fmt.Errorf("discard %s: %w", opID, err)
		}
		later, err := p.store.ListOps(ctx)
		if err != nil {
			p.mu.Unlock()
			return fmt.Errorf("discard %s: %w", opID, err)
		}
		for _, o := range later {
			if o.EntityID != op.EntityID || o.ID == op.ID || o.Status == oplog.StatusConfirmed {
				continue
			}
			if _, busy := p.inFlight[o.ID]; busy {
				p.cancelled[o.ID] = true
				continue
			}
			if err := p.store.RemoveOp(ctx, o.ID); err != nil {
				p.logger.Error().Err(err).Str("opId", o.ID).Msg("discard: remove later operation failed")
				continue
			}
			withdrawn = append(withdrawn, o)
		}
	} else if op.Remote != nil {
		if err := p.adoptObservedLocked(ctx, op, op.Remote, false); err != nil {
			p.mu.Unlock()
			return fmt.Errorf("discard %s: %w", opID, err)
		}
		if err := p.restackLocked(ctx, op.Seq, *op.Remote, op.Remote.Version); err != nil {
			p.mu.Unlock()
			return fmt.Errorf("discard %s: %w", opID, err)
		}
	}

	if err := p.store.RemoveOp(ctx, opID); err != nil {
		p.mu.Unlock()
		return fmt.Errorf("discard %s: %w", opID, err)
	}
	for i, o := range withdrawn {
		out := Outcome{Op: o, Cancelled: true}
		if i == 0 {
			out.Removed = gone
		}
		p.queueLocked(out)
	}
	p.mu.Unlock()

	p.logger.Info().Str("opId", opID).Bool("remoteDeleted", op.RemoteDeleted).Msg("conflict resolved in favour of server")
	p.flush()
	p.Trigger()
	return nil
}

// FullResync replaces every stored entity with the server's current set.
// Unconfirmed operations are kept and continue to apply on top. Listing
// waits for in-flight creates to settle, since the server may already hold
// a record the processor still knows only by its provisional id.
func (p *Processor) FullResync(ctx context.Context) error {
	actx := remote.WithActor(ctx, p.cfg.ActorID)
	for attempt := 1; ; attempt++ {
		p.mu.Lock()
		if err := p.awaitCreatesLocked(ctx); err != nil {
			p.mu.Unlock()
			return fmt.Errorf("full resync: %w", err)
		}
		gen := p.gen
		p.mu.Unlock()

		all, err := p.listAll(actx)
		if err != nil {
			return fmt.Errorf("full resync: %w", err)
		}

		p.mu.Lock()
		if p.gen != gen && attempt < maxResyncAttempts {
			p.mu.Unlock()
			p.logger.Debug().Int("attempt", attempt).Msg("writes confirmed during resync, listing again")
			continue
		}
		if p.gen != gen {
			p.mu.Unlock()
			return fmt.Errorf("full resync: %w", ErrResyncRace)
		}
		if err := p.store.ReplaceAll(ctx, all); err != nil {
			p.mu.Unlock()
			return fmt.Errorf("full resync: %w", err)
		}
		p.outbox = append(p.outbox, delivery{resynced: true})
		p.mu.Unlock()

		p.compact(ctx)
		p.logger.Info().Int("entities", len(all)).Msg("full resync complete")
		p.flush()
		p.Trigger()
		return nil
	}
}

// awaitCreatesLocked blocks until no create is in flight. The caller holds
// p.mu, which is released while waiting and held again on return.
func (p *Processor) awaitCreatesLocked(ctx context.Context) error {
	for len(p.creating) > 0 {
		ch := p.settled
		p.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			p.mu.Lock()
			return ctx.Err()
		}
		p.mu.Lock()
	}
	return nil
}

// ApplyRemote stores a server record observed outside the queue, such as
// one fetched after another actor's change. It reports whether the record
// was written; a record no newer than the cache is skipped. It returns
// ErrEntityBusy while local operations on the record are live, or while a
// create of its type is in flight and the record is not yet cached, since
// that record may be the create's own result. The check and the write hold
// the same lock as confirmations.
func (p *Processor) ApplyRemote(ctx context.Context, rec entity.Entity) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	cur, err := p.store.GetEntity(ctx, rec.ID)
	cached := err == nil
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return false, err
	}
	if cached && cur.Version >= rec.Version {
		return false, nil
	}
	if !cached {
		for _, t := range p.creating {
			if t == rec.Type {
				return false, fmt.Errorf("apply %s: create of %s in flight: %w", rec.ID, t, ErrEntityBusy)
			}
		}
	}
	ops, err := p.store.ListOps(ctx)
	if err != nil {
		return false, err
	}
	for _, op := range ops {
		if op.EntityID == rec.ID && op.Status.Live() {
			return false, fmt.Errorf("apply %s: %w", rec.ID, ErrEntityBusy)
		}
	}
	if err := p.store.PutEntity(ctx, rec); err != nil {
		return false, err
	}
	return true, nil
}

const maxResyncAttempts = 5

func (p *Processor) listAll(ctx context.Context) ([]entity.Entity, error) {
	lists := make([][]entity.Entity, len(entity.Types))
	g, gctx := errgroup.WithContext(ctx)
	for i, t := range entity.Types {
		g.Go(func() error {
			es, err := p.remote.List(gctx, t, remote.Filter{})
			if err != nil {
				return fmt.Errorf("list %s: %w", t.Plural(), err)
			}
			lists[i] = es
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	var all []entity.Entity
	for _, es := range lists {
		all = append(all, es...)
	}
	return all, nil
}

// Stats summarizes the log
type Stats struct {
	Pending           int  `json:"pending"`
	InFlight          int  `json:"inFlight"`
	Failed            int  `json:"failed"`
	Conflicted        int  `json:"conflicted"`
	PermanentlyFailed int  `json:"permanentlyFailed"`
	Confirmed         int  `json:"confirmed"`
	Online            bool `json:"online"`
}

// Stats counts operations by status
func (p *Processor) Stats(ctx context.Context) (Stats, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ops, err := p.store.ListOps(ctx)
	if err != nil {
		return Stats{}, err
	}
	s := Stats{Online: p.online}
	for _, op := range ops {
		switch op.Status {
		case oplog.StatusPending:
			s.Pending++
		case oplog.StatusInFlight:
			s.InFlight++
		case oplog.StatusFailed:
			s.Failed++
		case oplog.StatusConflicted:
			s.Conflicted++
		case oplog.StatusPermanentlyFailed:
			s.PermanentlyFailed++
		case oplog.StatusConfirmed:
			s.Confirmed++
		}
	}
	return s, nil
}
