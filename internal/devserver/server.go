// Package devserver serves an in-memory remote over the REST and push
// channel protocols the sync agent speaks. It backs local development and
// the end-to-end tests of the HTTP client and push channel.
package devserver

import (
	"context"
	"encoding/json"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/erauner12/notesync/internal/auth"
	"github.com/erauner12/notesync/internal/remote"
	"github.com/erauner12/notesync/internal/remote/memremote"
	"github.com/erauner12/notesync/internal/syncx"
)

// Config configures a Server
type Config struct {
	JWT       auth.JWTCfg
	RateLimit RateLimit
	Hub       HubOptions
	Now       func() time.Time
}

// Server holds dependencies for HTTP handlers
type Server struct {
	svc      *memremote.Service
	hub      *Hub
	cfg      Config
	validate *validator.Validate
	logger   zerolog.Logger
}

// New creates a server over svc and starts broadcasting its changes
func New(svc *memremote.Service, cfg Config) *Server {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Hub.Now == nil {
		cfg.Hub.Now = cfg.Now
	}
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})

	s := &Server{
		svc:      svc,
		hub:      NewHub(cfg.Hub),
		cfg:      cfg,
		validate: v,
		logger:   log.With().Str("component", "devserver").Logger(),
	}
	svc.OnChange(s.publish)
	return s
}

// Hub returns the push hub
func (s *Server) Hub() *Hub { return s.hub }

// Close disconnects push clients
func (s *Server) Close() { s.hub.Close() }

func (s *Server) publish(c memremote.Change) {
	f, err := syncx.ChangeFrame(c.Type, c.Kind, syncx.Change{ID: c.ID, Version: c.Version, ActorID: c.ActorID}, c.At)
	if err != nil {
		s.logger.Error().Err(err).Str("entityId", c.ID).Msg("failed to build change frame")
		return
	}
	s.hub.Broadcast(f)
}

// writeJSON writes a JSON response with the given status code
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode json response")
	}
}

// writeError writes an error body tagged with the request's correlation id
func writeError(w http.ResponseWriter, r *http.Request, code int, body syncx.ErrorResponse) {
	body.CorrelationID = correlationID(r.Context())
	writeJSON(w, code, body)
}

// parseLimit parses a limit query param with default and max
func parseLimit(q string, def, max int) int {
	if q == "" {
		return def
	}
	n, err := strconv.Atoi(q)
	if err != nil || n <= 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}

type ctxKey string

const correlationIDKey ctxKey = "correlationId"

// correlationMiddleware reads X-Correlation-ID, generating one when absent,
// and tags the request logger with it. X-Actor-ID is attached for change
// attribution.
func correlationMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Correlation-ID")
		if id == "" {
			id = uuid.New().String()
		}
		w.Header().Set("X-Correlation-ID", id)

		ctx := context.WithValue(r.Context(), correlationIDKey, id)
		lc := log.With().Str("correlationId", id)
		if actor := r.Header.Get("X-Actor-ID"); actor != "" {
			ctx = remote.WithActor(ctx, actor)
			lc = lc.Str("actorId", actor)
		}
		logger := lc.Logger()
		next.ServeHTTP(w, r.WithContext(logger.WithContext(ctx)))
	})
}

func correlationID(ctx context.Context) string {
	id, _ := ctx.Value(correlationIDKey).(string)
	return id
}

// Routes creates the HTTP router
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(correlationMiddleware)

	// Health check (unauthenticated)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(200)
		w.Write([]byte("ok"))
	})

	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(s.cfg.JWT))

		r.Get("/v1/ws", s.hub.ServeWS)

		r.Group(func(r chi.Router) {
			r.Use(rateLimitMiddleware(s.cfg.RateLimit, s.cfg.Now))

			r.Get("/v1/{type}", s.List)
			r.Post("/v1/{type}", s.Create)
			r.Put("/v1/{type}/{id}", s.Update)
			r.Delete("/v1/{type}/{id}", s.Delete)
			r.Post("/v1/{type}/{id}/move", s.Move)
		})
	})

	s.logger.Info().Msg("HTTP routes registered")
	return r
}
