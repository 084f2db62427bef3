package conflict

import "errors"

var (
	// ErrUnknownConflict is returned for ids that do not name a conflicted
	// operation
	ErrUnknownConflict = errors.New("conflict: unknown conflict")

	// ErrInvalidResolution is returned for resolutions that cannot be applied,
	// such as a merge naming a field the entity does not have
	ErrInvalidResolution = errors.New("conflict: invalid resolution")
)
