package queue

import "errors"

var (
	// ErrInvalidTransition is returned when an event does not apply to the
	// operation's current status
	ErrInvalidTransition = errors.New("queue: invalid transition")

	// ErrNotDue is returned when dispatching a failed operation before its
	// backoff elapsed
	ErrNotDue = errors.New("queue: retry not due")

	// ErrInFlight is returned for changes that cannot apply while a remote
	// call for the operation is outstanding
	ErrInFlight = errors.New("queue: operation in flight")

	// ErrUnknownOp is returned for operation ids the log does not hold
	ErrUnknownOp = errors.New("queue: unknown operation")

	// ErrAlreadyConfirmed is returned when cancelling a confirmed operation
	ErrAlreadyConfirmed = errors.New("queue: operation already confirmed")

	// ErrNotConflicted is returned when resolving an operation that is not
	// parked as conflicted
	ErrNotConflicted = errors.New("queue: operation not conflicted")

	// ErrStopped is returned by Wait when the processor shuts down
	ErrStopped = errors.New("queue: processor stopped")

	// ErrEntityBusy is returned when a server record cannot be applied
	// because local work on it has not settled
	ErrEntityBusy = errors.New("queue: entity has unsettled local work")

	// ErrResyncRace is returned when writes kept confirming while a full
	// resync was listing the server
	ErrResyncRace = errors.New("queue: server state kept changing during resync")
)
