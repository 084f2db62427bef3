// Package queue replays buffered operations against the remote service:
// per-entity ordering, bounded concurrency, retry with linear backoff and
// version-conflict parking.
package queue

import (
	"fmt"
	"time"

	"github.com/erauner12/notesync/internal/entity"
	"github.com/erauner12/notesync/internal/oplog"
)

// EventKind is an input to the operation state machine
type EventKind string

const (
	// EventDispatch starts a remote call
	EventDispatch EventKind = "dispatch"
	// EventSuccess is an accepted remote write
	EventSuccess EventKind = "success"
	// EventTransient is a retryable failure (network, timeout, 5xx)
	EventTransient EventKind = "transient"
	// EventConflict is a version mismatch carrying the server record
	EventConflict EventKind = "conflict"
	// EventValidation is a payload the server will never accept
	EventValidation EventKind = "validation"
	// EventPermanent is a non-retryable failure other than validation
	EventPermanent EventKind = "permanent"
	// EventReset returns an operation interrupted by a crash to pending
	EventReset EventKind = "reset"
	// EventRetry is a manual retry of a permanently failed operation
	EventRetry EventKind = "retry"
)

// Event drives Transition
type Event struct {
	Kind EventKind
	Err  error
	// Remote is the authoritative record attached to a conflict
	Remote *entity.Entity
	// RemoteDeleted marks a conflict against a record deleted on the server
	RemoteDeleted bool
}

// Policy parameterizes retries
type Policy struct {
	BaseDelay  time.Duration
	MaxRetries int
}

// DefaultPolicy retries five times, one second apart and growing linearly
var DefaultPolicy = Policy{BaseDelay: time.Second, MaxRetries: 5}

// Backoff returns the wait before attempt number retryCount
func (p Policy) Backoff(retryCount int) time.Duration {
	return p.BaseDelay * time.Duration(retryCount)
}

// Transition computes the patch moving op through ev. It has no side effects.
func Transition(op oplog.Operation, ev Event, p Policy, now time.Time) (oplog.Patch, error) {
	invalid := func() (oplog.Patch, error) {
		return oplog.Patch{}, fmt.Errorf("%w: %s on %s operation %s", ErrInvalidTransition, ev.Kind, op.Status, op.ID)
	}
	errText := ""
	if ev.Err != nil {
		errText = ev.Err.Error()
	}

	switch ev.Kind {
	case EventDispatch:
		switch op.Status {
		case oplog.StatusPending:
		case oplog.StatusFailed:
			if now.Before(op.NextAttemptAt) {
				return oplog.Patch{}, fmt.Errorf("%w: operation %s waits until %s", ErrNotDue, op.ID, op.NextAttemptAt.Format(time.RFC3339))
			}
		default:
			return invalid()
		}
		return oplog.Patch{Status: oplog.Ptr(oplog.StatusInFlight)}, nil

	case EventSuccess:
		if op.Status != oplog.StatusInFlight {
			return invalid()
		}
		var none *entity.Entity
		return oplog.Patch{
			Status:    oplog.Ptr(oplog.StatusConfirmed),
			LastError: oplog.Ptr(""),
			ErrorKind: oplog.Ptr(oplog.ErrorNone),
			Remote:    &none,
		}, nil

	case EventTransient:
		if op.Status != oplog.StatusInFlight {
			return invalid()
		}
		retries := op.RetryCount + 1
		if retries > p.MaxRetries {
			return oplog.Patch{
				Status:     oplog.Ptr(oplog.StatusPermanentlyFailed),
				RetryCount: oplog.Ptr(retries),
				LastError:  oplog.Ptr(errText),
				ErrorKind:  oplog.Ptr(oplog.ErrorPermanent),
			}, nil
		}
		next := now.Add(p.Backoff(retries))
		return oplog.Patch{
			Status:        oplog.Ptr(oplog.StatusFailed),
			RetryCount:    oplog.Ptr(retries),
			NextAttemptAt: &next,
			LastError:     oplog.Ptr(errText),
			ErrorKind:     oplog.Ptr(oplog.ErrorTransient),
		}, nil

	case EventConflict:
		if op.Status != oplog.StatusInFlight {
			return invalid()
		}
		remote := ev.Remote
		return oplog.Patch{
			Status:        oplog.Ptr(oplog.StatusConflicted),
			LastError:     oplog.Ptr(errText),
			ErrorKind:     oplog.Ptr(oplog.ErrorConflict),
			Remote:        &remote,
			RemoteDeleted: oplog.Ptr(ev.RemoteDeleted),
		}, nil

	case EventValidation, EventPermanent:
		if op.Status != oplog.StatusInFlight {
			return invalid()
		}
		kind := oplog.ErrorValidation
		if ev.Kind == EventPermanent {
			kind = oplog.ErrorPermanent
		}
		return oplog.Patch{
			Status:    oplog.Ptr(oplog.StatusPermanentlyFailed),
			LastError: oplog.Ptr(errText),
			ErrorKind: oplog.Ptr(kind),
		}, nil

	case EventReset:
		if op.Status != oplog.StatusInFlight {
			return invalid()
		}
		return oplog.Patch{Status: oplog.Ptr(oplog.StatusPending)}, nil

	case EventRetry:
		if op.Status != oplog.StatusPermanentlyFailed {
			return invalid()
		}
		return oplog.Patch{
			Status:        oplog.Ptr(oplog.StatusPending),
			RetryCount:    oplog.Ptr(0),
			NextAttemptAt: &time.Time{},
			LastError:     oplog.Ptr(""),
			ErrorKind:     oplog.Ptr(oplog.ErrorNone),
		}, nil
	}
	return invalid()
}
