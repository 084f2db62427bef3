package syncx

import "github.com/erauner12/notesync/internal/entity"

// Error codes carried in ErrorResponse.Error
const (
	CodeVersionConflict  = "version_conflict"
	CodeValidationFailed = "validation_failed"
	CodeNotFound         = "not_found"
	CodeRateLimited      = "rate_limited"
)

// ListResponse is one page of GET /v1/{type}
type ListResponse struct {
	Items      []entity.Entity `json:"items"`
	NextCursor string          `json:"nextCursor,omitempty"`
}

// ErrorResponse is the body of every non-2xx response
type ErrorResponse struct {
	Error   string            `json:"error"`
	Message string            `json:"message,omitempty"`
	Fields  map[string]string `json:"fields,omitempty"`
	// Current and CurrentVersion accompany version_conflict
	Current        *entity.Entity `json:"current,omitempty"`
	CurrentVersion int            `json:"currentVersion,omitempty"`
	Deleted        bool           `json:"deleted,omitempty"`
	CorrelationID  string         `json:"correlationId,omitempty"`
}

// MoveRequest is the body of POST /v1/{type}/{id}/move; "" is the root
type MoveRequest struct {
	ParentID string `json:"parentId"`
}
