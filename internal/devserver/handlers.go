package devserver

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"

	"github.com/erauner12/notesync/internal/entity"
	"github.com/erauner12/notesync/internal/remote"
	"github.com/erauner12/notesync/internal/syncx"
)

// noteRequest is the body of note create and update
type noteRequest struct {
	Title    string `json:"title" validate:"max=255"`
	Content  string `json:"content" validate:"max=1048576"`
	FolderID string `json:"folderId" validate:"max=255"`
}

// folderRequest is the body of folder create and update
type folderRequest struct {
	Name     string `json:"name" validate:"required,max=255"`
	ParentID string `json:"parentId" validate:"max=255"`
}

// entityType resolves the {type} route parameter
func entityType(r *http.Request) (entity.Type, bool) {
	plural := chi.URLParam(r, "type")
	for _, t := range entity.Types {
		if t.Plural() == plural {
			return t, true
		}
	}
	return "", false
}

// parseIfMatchHeader extracts version from If-Match header
// Handles both quoted ETags (If-Match: "5") and unquoted (If-Match: 5)
func parseIfMatchHeader(r *http.Request) (int, bool) {
	etag := r.Header.Get("If-Match")
	if len(etag) >= 2 && etag[0] == '"' && etag[len(etag)-1] == '"' {
		etag = etag[1 : len(etag)-1]
	}
	version, err := strconv.Atoi(etag)
	if err != nil {
		return 0, false
	}
	return version, true
}

// decodeFields reads and validates the body for t into an entity with id
func (s *Server) decodeFields(r *http.Request, t entity.Type, id string) (entity.Entity, *syncx.ErrorResponse) {
	var target any
	var note noteRequest
	var folder folderRequest
	if t == entity.TypeNote {
		target = &note
	} else {
		target = &folder
	}
	if err := json.NewDecoder(r.Body).Decode(target); err != nil {
		return entity.Entity{}, &syncx.ErrorResponse{Error: syncx.CodeValidationFailed, Message: "invalid JSON"}
	}
	if err := s.validate.Struct(target); err != nil {
		er := &syncx.ErrorResponse{Error: syncx.CodeValidationFailed, Message: "invalid fields", Fields: map[string]string{}}
		var ves validator.ValidationErrors
		if errors.As(err, &ves) {
			for _, fe := range ves {
				er.Fields[fe.Field()] = fe.Tag()
			}
		}
		return entity.Entity{}, er
	}
	if t == entity.TypeNote {
		return entity.NewNote(id, 0, note.Title, note.Content, note.FolderID), nil
	}
	return entity.NewFolder(id, 0, folder.Name, folder.ParentID), nil
}

// writeServiceError maps remote errors onto HTTP responses
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	if ce, ok := remote.AsConflict(err); ok {
		writeError(w, r, http.StatusConflict, syncx.ErrorResponse{
			Error:          syncx.CodeVersionConflict,
			Message:        ce.Error(),
			Current:        ce.Current,
			CurrentVersion: ce.CurrentVersion,
			Deleted:        ce.Deleted,
		})
		return
	}
	var ve *remote.ValidationError
	if errors.As(err, &ve) {
		writeError(w, r, http.StatusUnprocessableEntity, syncx.ErrorResponse{
			Error:   syncx.CodeValidationFailed,
			Message: ve.Msg,
			Fields:  ve.Fields,
		})
		return
	}
	if errors.Is(err, remote.ErrNotFound) {
		writeError(w, r, http.StatusNotFound, syncx.ErrorResponse{Error: syncx.CodeNotFound, Message: err.Error()})
		return
	}
	log.Ctx(r.Context()).Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	writeError(w, r, http.StatusInternalServerError, syncx.ErrorResponse{Error: "internal", Message: "internal error"})
}

func notFound(w http.ResponseWriter, r *http.Request) {
	writeError(w, r, http.StatusNotFound, syncx.ErrorResponse{Error: syncx.CodeNotFound, Message: "unknown collection"})
}

// List handles GET /v1/{type}
func (s *Server) List(w http.ResponseWriter, r *http.Request) {
	t, ok := entityType(r)
	if !ok {
		notFound(w, r)
		return
	}
	q := r.URL.Query()
	f := remote.Filter{IDs: q["id"]}
	if q.Has("parent") {
		parent := q.Get("parent")
		f.ParentID = &parent
	}
	limit := parseLimit(q.Get("limit"), 500, 1000)
	cur, _ := syncx.DecodeCursor(q.Get("cursor"))

	all, err := s.svc.List(r.Context(), t, f)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	// all is ordered by id
	resp := syncx.ListResponse{Items: make([]entity.Entity, 0, limit)}
	for _, e := range all {
		if cur.After != "" && e.ID <= cur.After {
			continue
		}
		if len(resp.Items) == limit {
			resp.NextCursor = syncx.EncodeCursor(syncx.Cursor{After: resp.Items[limit-1].ID})
			break
		}
		resp.Items = append(resp.Items, e)
	}
	writeJSON(w, http.StatusOK, resp)
}

// Create handles POST /v1/{type}
func (s *Server) Create(w http.ResponseWriter, r *http.Request) {
	t, ok := entityType(r)
	if !ok {
		notFound(w, r)
		return
	}
	e, er := s.decodeFields(r, t, "")
	if er != nil {
		writeError(w, r, http.StatusUnprocessableEntity, *er)
		return
	}
	rec, err := s.svc.Create(r.Context(), e, r.Header.Get("Idempotency-Key"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	log.Ctx(r.Context()).Info().Str("entityId", rec.ID).Str("type", string(t)).Msg("created")
	writeJSON(w, http.StatusCreated, rec)
}

// Update handles PUT /v1/{type}/{id}
func (s *Server) Update(w http.ResponseWriter, r *http.Request) {
	t, ok := entityType(r)
	if !ok {
		notFound(w, r)
		return
	}
	version, ok := parseIfMatchHeader(r)
	if !ok {
		writeError(w, r, http.StatusPreconditionRequired, syncx.ErrorResponse{Error: "precondition_required", Message: "If-Match version required"})
		return
	}
	e, er := s.decodeFields(r, t, chi.URLParam(r, "id"))
	if er != nil {
		writeError(w, r, http.StatusUnprocessableEntity, *er)
		return
	}
	rec, err := s.svc.Update(r.Context(), e, version)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// Delete handles DELETE /v1/{type}/{id}
func (s *Server) Delete(w http.ResponseWriter, r *http.Request) {
	t, ok := entityType(r)
	if !ok {
		notFound(w, r)
		return
	}
	if err := s.svc.Delete(r.Context(), t, chi.URLParam(r, "id")); err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Move handles POST /v1/{type}/{id}/move
func (s *Server) Move(w http.ResponseWriter, r *http.Request) {
	t, ok := entityType(r)
	if !ok {
		notFound(w, r)
		return
	}
	var req syncx.MoveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusUnprocessableEntity, syncx.ErrorResponse{Error: syncx.CodeValidationFailed, Message: "invalid JSON"})
		return
	}
	rec, err := s.svc.Move(r.Context(), t, chi.URLParam(r, "id"), req.ParentID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}
