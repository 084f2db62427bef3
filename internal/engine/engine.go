// Package engine assembles the sync components into one process-wide
// context: the durable store, the optimistic view, the queue processor, the
// reconciliation handler, the conflict workflow and the push channel.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/erauner12/notesync/internal/auth"
	"github.com/erauner12/notesync/internal/config"
	"github.com/erauner12/notesync/internal/conflict"
	"github.com/erauner12/notesync/internal/metrics"
	"github.com/erauner12/notesync/internal/projection"
	"github.com/erauner12/notesync/internal/pushchan"
	"github.com/erauner12/notesync/internal/queue"
	"github.com/erauner12/notesync/internal/reconcile"
	"github.com/erauner12/notesync/internal/remote"
	"github.com/erauner12/notesync/internal/remote/httpremote"
	"github.com/erauner12/notesync/internal/store"
	"github.com/erauner12/notesync/internal/store/memstore"
	"github.com/erauner12/notesync/internal/store/pgstore"
	"github.com/erauner12/notesync/internal/store/sqlitestore"
)

// PushSource delivers change notifications. *pushchan.Client implements it.
type PushSource interface {
	Run(ctx context.Context) error
	Notifications() <-chan reconcile.Notification
}

// Options configures New. Remote and Store override what Config would
// build, for tests and embedding.
type Options struct {
	Config *config.Config
	Remote remote.Service
	Store  store.Store
	// OpenStore replaces the driver selection in Config.Store
	OpenStore func(ctx context.Context) (store.Store, error)
	// Push overrides the push channel. With Push nil and Config.Push.Enabled
	// false the engine assumes it is online.
	Push       PushSource
	Registerer prometheus.Registerer
}

// Engine owns every sync component for one client
type Engine struct {
	cfg       *config.Config
	store     store.Store
	degraded  bool
	remote    remote.Service
	view      *projection.View
	proc      *queue.Processor
	reconcile *reconcile.Handler
	conflicts *conflict.Workflow
	push      PushSource
	metrics   *metrics.Sync
	actorID   string
	logger    zerolog.Logger

	resync chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	started bool
	stopped bool
	lastErr error
}

// New opens storage and wires the components. Nothing runs until Start.
func New(ctx context.Context, opts Options) (*Engine, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	e := &Engine{
		cfg:     cfg,
		metrics: metrics.New(opts.Registerer),
		logger:  log.With().Str("component", "engine").Logger(),
		resync:  make(chan struct{}, 1),
	}

	s, err := e.openStore(ctx, opts)
	if err != nil {
		return nil, err
	}
	e.store = s

	if e.actorID, err = e.resolveActor(ctx); err != nil {
		s.Close()
		return nil, err
	}

	tokens := tokenProvider(cfg.Auth)
	e.remote = opts.Remote
	if e.remote == nil {
		e.remote = httpremote.New(httpremote.Options{
			BaseURL: cfg.APIBaseURL,
			Tokens:  tokens,
		})
	}

	e.view = projection.New(s, nil, projection.Options{})
	e.proc = queue.New(s, e.remote, queue.Config{
		Concurrency: cfg.Queue.Concurrency,
		Policy: queue.Policy{
			BaseDelay:  cfg.Queue.BaseDelay.Std(),
			MaxRetries: cfg.Queue.MaxRetries,
		},
		DrainInterval: cfg.Queue.DrainInterval.Std(),
		CallTimeout:   cfg.Queue.CallTimeout.Std(),
		ActorID:       e.actorID,
		Metrics:       e.metrics,
	})
	e.view.SetSubmitter(e.proc)
	e.reconcile = reconcile.New(s, e.proc, e.remote, e.view, reconcile.Options{ActorID: e.actorID, Metrics: e.metrics})
	e.conflicts = conflict.New(s, e.proc, e.remote)

	// The view first, so reconcile sees settled operations already projected
	e.proc.AddListener(e.view)
	e.proc.AddListener(e.reconcile)

	e.push = opts.Push
	if e.push == nil && cfg.Push.Enabled {
		endpoint, err := cfg.PushEndpoint()
		if err != nil {
			s.Close()
			return nil, err
		}
		e.push = pushchan.New(pushchan.Config{
			URL:               endpoint,
			Tokens:            tokens,
			HeartbeatInterval: cfg.Push.HeartbeatInterval.Std(),
			OnState:           e.pushState,
			Metrics:           e.metrics,
		})
	}
	return e, nil
}

func tokenProvider(a config.AuthConfig) auth.TokenProvider {
	switch {
	case a.Token != "":
		return auth.StaticToken(a.Token)
	case a.JWTSecret != "":
		return &auth.MintingProvider{Secret: a.JWTSecret, Subject: a.JWTSubject, TTL: time.Hour}
	}
	return nil
}

// openStore opens the configured store. When the medium is unavailable the
// engine continues on an in-memory store in degraded mode.
func (e *Engine) openStore(ctx context.Context, opts Options) (store.Store, error) {
	if opts.Store != nil {
		return opts.Store, nil
	}
	open := opts.OpenStore
	if open == nil {
		open = func(ctx context.Context) (store.Store, error) { return openConfigured(ctx, e.cfg.Store) }
	}
	s, err := open(ctx)
	if err == nil {
		return s, nil
	}
	if !errors.Is(err, store.ErrStorageUnavailable) {
		return nil, err
	}
	e.logger.Warn().Err(err).Msg("local storage unavailable; running online-only on an in-memory store, offline edits are disabled")
	e.degraded = true
	e.lastErr = err
	return memstore.New(), nil
}

func openConfigured(ctx context.Context, c config.StoreConfig) (store.Store, error) {
	switch c.Driver {
	case "sqlite":
		return sqlitestore.Open(ctx, c.Path)
	case "postgres":
		return pgstore.Open(ctx, c.DSN, c.Namespace)
	case "memory":
		return memstore.New(), nil
	}
	return nil, fmt.Errorf("unknown store driver %q", c.Driver)
}

// resolveActor returns the configured actor id, or the one persisted in the
// store, creating it on first run
func (e *Engine) resolveActor(ctx context.Context) (string, error) {
	if e.cfg.ActorID != "" {
		return e.cfg.ActorID, nil
	}
	id, err := e.store.GetMeta(ctx, store.MetaActorID)
	if err == nil && id != "" {
		return id, nil
	}
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return "", fmt.Errorf("load actor id: %w", err)
	}
	id = uuid.New().String()
	if err := e.store.SetMeta(ctx, store.MetaActorID, id); err != nil {
		return "", fmt.Errorf("save actor id: %w", err)
	}
	e.logger.Info().Str("actorId", id).Msg("generated actor id")
	return id, nil
}

// pushState follows the push connection: connected means online, and every
// (re)connection triggers a resync to cover notifications missed meanwhile
func (e *Engine) pushState(connected bool) {
	e.proc.SetOnline(connected)
	if connected {
		select {
		case e.resync <- struct{}{}:
		default:
		}
	}
}

// Start loads persisted state and begins syncing
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return errors.New("engine already started")
	}
	e.started = true
	e.mu.Unlock()

	if err := e.proc.Start(ctx); err != nil {
		return fmt.Errorf("start queue: %w", err)
	}
	if err := e.view.Rebuild(ctx); err != nil {
		e.proc.Stop()
		return fmt.Errorf("rebuild view: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.resyncLoop(runCtx)
	}()

	if e.push == nil {
		e.pushState(true)
		e.logger.Info().Str("actorId", e.actorID).Bool("degraded", e.degraded).Msg("engine started without push channel")
		return nil
	}

	e.wg.Add(2)
	go func() {
		defer e.wg.Done()
		if err := e.push.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			e.logger.Error().Err(err).Msg("push channel stopped")
		}
	}()
	go func() {
		defer e.wg.Done()
		if err := e.reconcile.Run(runCtx, e.push.Notifications()); err != nil && !errors.Is(err, context.Canceled) {
			e.logger.Error().Err(err).Msg("reconcile stopped")
		}
	}()
	e.logger.Info().Str("actorId", e.actorID).Bool("degraded", e.degraded).Msg("engine started")
	return nil
}

func (e *Engine) resyncLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.resync:
			if err := e.proc.FullResync(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				e.setErr(err)
				e.logger.Warn().Err(err).Msg("resync failed")
			}
		}
	}
}

func (e *Engine) setErr(err error) {
	e.mu.Lock()
	e.lastErr = err
	e.mu.Unlock()
}

// Resync asks for a full resync in the background
func (e *Engine) Resync() {
	select {
	case e.resync <- struct{}{}:
	default:
	}
}

// Stop halts syncing and closes the store. Operations still queued stay in
// the log for the next start.
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.stopped = true
	started := e.started
	e.mu.Unlock()

	if started {
		if e.cancel != nil {
			e.cancel()
		}
		e.wg.Wait()
		e.proc.Stop()
	}
	if err := e.store.Close(); err != nil {
		e.logger.Warn().Err(err).Msg("close store")
	}
	e.logger.Info().Msg("engine stopped")
}

// View returns the optimistic view
func (e *Engine) View() *projection.View { return e.view }

// Queue returns the queue processor
func (e *Engine) Queue() *queue.Processor { return e.proc }

// Conflicts returns the conflict workflow
func (e *Engine) Conflicts() *conflict.Workflow { return e.conflicts }

// Metrics returns the engine's metrics
func (e *Engine) Metrics() *metrics.Sync { return e.metrics }

// ActorID returns this client's actor id
func (e *Engine) ActorID() string { return e.actorID }

// Degraded reports whether the engine fell back to in-memory storage
func (e *Engine) Degraded() bool { return e.degraded }
