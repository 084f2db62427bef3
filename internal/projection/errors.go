package projection

import "errors"

var (
	// ErrNotFound is returned when mutating an id that is not in the view
	ErrNotFound = errors.New("projection: entity not found")

	// ErrInvalid is returned for entities whose fields do not match their type
	ErrInvalid = errors.New("projection: invalid entity")

	// ErrInvalidParent is returned when a target folder does not exist or
	// would create a cycle
	ErrInvalidParent = errors.New("projection: invalid parent folder")

	// ErrNoSubmitter is returned when no processor has been wired
	ErrNoSubmitter = errors.New("projection: no submitter configured")
)
