// Package statusapi serves the sync agent's local control surface: status,
// the optimistic view, conflict resolution and Prometheus metrics.
package statusapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/erauner12/notesync/internal/conflict"
	"github.com/erauner12/notesync/internal/engine"
	"github.com/erauner12/notesync/internal/entity"
	"github.com/erauner12/notesync/internal/projection"
	"github.com/erauner12/notesync/internal/queue"
	"github.com/erauner12/notesync/internal/store"
)

// Server exposes an engine over HTTP
type Server struct {
	engine   *engine.Engine
	gatherer prometheus.Gatherer
	logger   zerolog.Logger
}

// New creates a server. gatherer may be nil to leave /metrics out.
func New(e *engine.Engine, gatherer prometheus.Gatherer) *Server {
	return &Server{
		engine:   e,
		gatherer: gatherer,
		logger:   log.With().Str("component", "statusapi").Logger(),
	}
}

// Routes returns the router
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	r.Get("/status", s.handleStatus)
	r.Get("/items", s.handleItems)
	r.Post("/resync", s.handleResync)

	r.Get("/conflicts", s.handleListConflicts)
	r.Get("/conflicts/{id}", s.handleGetConflict)
	r.Post("/conflicts/{id}/resolve", s.handleResolve)
	r.Post("/conflicts/accept-all", s.handleAcceptAll)

	r.Post("/ops/{id}/retry", s.opAction((*queue.Processor).Retry))
	r.Post("/ops/{id}/cancel", s.opAction((*queue.Processor).Cancel))
	r.Delete("/ops/{id}", s.opAction((*queue.Processor).Discard))
	return r
}

// ErrorResponse is the body of every error reply
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := http.StatusInternalServerError, "internal"
	switch {
	case errors.Is(err, conflict.ErrUnknownConflict), errors.Is(err, queue.ErrUnknownOp):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, conflict.ErrInvalidResolution):
		status, code = http.StatusUnprocessableEntity, "invalid_resolution"
	case errors.Is(err, queue.ErrInFlight), errors.Is(err, queue.ErrAlreadyConfirmed),
		errors.Is(err, queue.ErrInvalidTransition), errors.Is(err, queue.ErrNotConflicted):
		status, code = http.StatusConflict, "invalid_state"
	case errors.Is(err, queue.ErrResyncRace):
		status, code = http.StatusServiceUnavailable, "resync_busy"
	case errors.Is(err, store.ErrStorageUnavailable), errors.Is(err, store.ErrClosed):
		status, code = http.StatusServiceUnavailable, "storage_unavailable"
	}
	if status == http.StatusInternalServerError {
		s.logger.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	}
	writeJSON(w, status, ErrorResponse{Error: code, Message: err.Error()})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.engine.Status(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// handleItems lists the optimistic view, optionally filtered by type, parent
// and sync state
func (s *Server) handleItems(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var f store.Filter
	if t := q.Get("type"); t != "" {
		f.Type = entity.Type(t)
		if !f.Type.Valid() {
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "bad_request", Message: "unknown type " + t})
			return
		}
	}
	if q.Has("parent") {
		p := q.Get("parent")
		f.ParentID = &p
	}
	items := s.engine.View().List(f)
	if st := q.Get("state"); st != "" {
		kept := items[:0]
		for _, it := range items {
			if it.State == projection.SyncState(st) {
				kept = append(kept, it)
			}
		}
		items = kept
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleResync(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("wait") != "true" {
		s.engine.Resync()
		w.WriteHeader(http.StatusAccepted)
		return
	}
	if err := s.engine.Queue().FullResync(r.Context()); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListConflicts(w http.ResponseWriter, r *http.Request) {
	cs, err := s.engine.Conflicts().List(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conflicts": cs})
}

func (s *Server) handleGetConflict(w http.ResponseWriter, r *http.Request) {
	c, err := s.engine.Conflicts().Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	var res conflict.Resolution
	if err := json.NewDecoder(r.Body).Decode(&res); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "bad_request", Message: "invalid json"})
		return
	}
	next, err := s.engine.Conflicts().Resolve(r.Context(), chi.URLParam(r, "id"), res)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if next.ID == "" {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusAccepted, next)
}

func (s *Server) handleAcceptAll(w http.ResponseWriter, r *http.Request) {
	var (
		n   int
		err error
	)
	switch side := r.URL.Query().Get("side"); side {
	case "local":
		n, err = s.engine.Conflicts().AcceptAllLocal(r.Context())
	case "remote":
		n, err = s.engine.Conflicts().AcceptAllRemote(r.Context())
	default:
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "bad_request", Message: "side must be local or remote"})
		return
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"resolved": n})
}

func (s *Server) opAction(fn func(*queue.Processor, context.Context, string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := fn(s.engine.Queue(), r.Context(), chi.URLParam(r, "id")); err != nil {
			s.writeError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
