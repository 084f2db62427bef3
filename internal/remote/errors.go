package remote

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/erauner12/notesync/internal/entity"
)

// ErrNotFound is returned when the id does not exist on the server
var ErrNotFound = errors.New("remote: not found")

// ConflictError is returned when an update's expected version does not match
// the server. Current holds the authoritative record unless Deleted is set.
type ConflictError struct {
	ID              string
	ExpectedVersion int
	CurrentVersion  int
	Current         *entity.Entity
	Deleted         bool
}

func (e *ConflictError) Error() string {
	if e.Deleted {
		return fmt.Sprintf("version conflict on %s: deleted on server", e.ID)
	}
	return fmt.Sprintf("version conflict on %s: expected %d, server has %d", e.ID, e.ExpectedVersion, e.CurrentVersion)
}

// ValidationError is returned when the server rejects the payload itself.
// Retrying the same request will not succeed.
type ValidationError struct {
	Fields map[string]string
	Msg    string
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return "validation failed: " + e.Msg
	}
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+e.Fields[k])
	}
	return "validation failed: " + strings.Join(parts, ", ")
}

// AsConflict unwraps err into a *ConflictError
func AsConflict(err error) (*ConflictError, bool) {
	var ce *ConflictError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// IsValidation reports whether err is a *ValidationError
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
