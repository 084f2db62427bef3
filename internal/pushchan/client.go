// Package pushchan is the WebSocket client for the server's change
// notification channel. It keeps one connection open, reconnecting with
// exponential backoff, and turns change frames into reconcile notifications.
package pushchan

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/erauner12/notesync/internal/auth"
	"github.com/erauner12/notesync/internal/metrics"
	"github.com/erauner12/notesync/internal/reconcile"
	"github.com/erauner12/notesync/internal/syncx"
)

const (
	defaultHeartbeat      = 30 * time.Second
	defaultPongWait       = 60 * time.Second
	defaultWriteWait      = 10 * time.Second
	defaultInitialBackoff = 500 * time.Millisecond
	defaultMaxBackoff     = 30 * time.Second
)

var newline = []byte{'\n'}

// ErrUnauthorized is returned by a session the server refused to upgrade
var ErrUnauthorized = errors.New("pushchan: unauthorized")

// Config configures a Client
type Config struct {
	// URL is the channel endpoint, e.g. ws://localhost:8081/v1/ws
	URL string
	// Tokens supplies the bearer token sent as ?token=; nil sends none
	Tokens auth.TokenProvider

	HeartbeatInterval time.Duration
	// PongWait is how long the connection may stay silent before it is
	// considered dead
	PongWait       time.Duration
	WriteWait      time.Duration
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// Dialer defaults to websocket.DefaultDialer
	Dialer *websocket.Dialer
	// OnState is called with true once a session is subscribed and with
	// false when it ends
	OnState func(connected bool)
	Metrics *metrics.Sync
}

// Client maintains the push connection. Run may be called once.
type Client struct {
	cfg    Config
	out    chan reconcile.Notification
	logger zerolog.Logger
}

// New creates a client
func New(cfg Config) *Client {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeat
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = defaultPongWait
	}
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = defaultWriteWait
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = defaultInitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = defaultMaxBackoff
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	return &Client{
		cfg:    cfg,
		out:    make(chan reconcile.Notification, 64),
		logger: log.With().Str("component", "pushchan").Logger(),
	}
}

// Notifications delivers change notifications. It is closed when Run returns.
func (c *Client) Notifications() <-chan reconcile.Notification {
	return c.out
}

// Run connects and reconnects until ctx is done
func (c *Client) Run(ctx context.Context) error {
	defer close(c.out)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.InitialBackoff
	b.MaxInterval = c.cfg.MaxBackoff
	b.MaxElapsedTime = 0
	b.Reset()

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			c.cfg.Metrics.Reconnected()
		}
		connected, err := c.session(ctx)
		if connected {
			c.setState(false)
			b.Reset()
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		wait := b.NextBackOff()
		c.logger.Warn().Err(err).Bool("wasConnected", connected).Dur("retryIn", wait).Msg("push channel disconnected")

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

func (c *Client) setState(connected bool) {
	if c.cfg.OnState != nil {
		c.cfg.OnState(connected)
	}
}

func (c *Client) endpoint(ctx context.Context) (string, error) {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("parse push url: %w", err)
	}
	if c.cfg.Tokens != nil {
		tok, err := c.cfg.Tokens.Token(ctx)
		if err != nil {
			return "", fmt.Errorf("get token: %w", err)
		}
		q := u.Query()
		q.Set("token", tok)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// session runs one connection to completion. connected reports whether the
// subscription was established.
func (c *Client) session(ctx context.Context) (connected bool, err error) {
	endpoint, err := c.endpoint(ctx)
	if err != nil {
		return false, err
	}
	conn, resp, err := c.cfg.Dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return false, ErrUnauthorized
		}
		return false, fmt.Errorf("dial: %w", err)
	}

	if err := c.write(conn, syncx.ClientMessage{Type: syncx.TypeSubscribe, Data: map[string]any{"event": "all"}}); err != nil {
		conn.Close()
		return false, fmt.Errorf("subscribe: %w", err)
	}
	c.logger.Info().Str("url", c.cfg.URL).Msg("push channel connected")
	c.setState(true)

	sctx, cancel := context.WithCancel(ctx)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writePump(sctx, conn)
	}()

	err = c.readPump(ctx, conn)
	cancel()
	<-writerDone
	return true, err
}

func (c *Client) write(conn *websocket.Conn, m syncx.ClientMessage) error {
	conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
	return conn.WriteJSON(m)
}

// writePump sends heartbeats until ctx is done, then closes the connection
// so the reader unblocks
func (c *Client) writePump(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
			conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case <-ticker.C:
			if err := c.write(conn, syncx.ClientMessage{Type: syncx.TypeHeartbeat}); err != nil {
				c.logger.Debug().Err(err).Msg("heartbeat failed")
				return
			}
		}
	}
}

func (c *Client) readPump(ctx context.Context, conn *websocket.Conn) error {
	extend := func() error { return conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait)) }
	extend()
	conn.SetPongHandler(func(string) error { return extend() })

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read: %w", err)
		}
		extend()

		// Servers may batch several frames into one message
		for _, line := range bytes.Split(msg, newline) {
			if len(bytes.TrimSpace(line)) == 0 {
				continue
			}
			if err := c.dispatch(ctx, line); err != nil {
				return err
			}
		}
	}
}

func (c *Client) dispatch(ctx context.Context, raw []byte) error {
	var f syncx.Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		c.logger.Warn().Err(err).Msg("undecodable frame dropped")
		return nil
	}

	switch f.MessageType {
	case syncx.TypePong, syncx.TypeHeartbeatResponse:
		return nil
	case syncx.TypeSubscriptionConfirmed:
		c.logger.Debug().RawJSON("data", f.Data).Msg("subscription confirmed")
		return nil
	}

	t, kind, ok := syncx.ParseMessageType(f.MessageType)
	if !ok {
		c.logger.Debug().Str("messageType", f.MessageType).Msg("unknown frame ignored")
		return nil
	}
	ch, err := syncx.ParseChange(f.Data)
	if err != nil {
		c.logger.Warn().Err(err).Str("messageType", f.MessageType).Msg("malformed change frame dropped")
		return nil
	}

	n := reconcile.Notification{
		EntityType: t,
		EntityID:   ch.ID,
		Kind:       kind,
		Version:    ch.Version,
		ActorID:    ch.ActorID,
		At:         f.Timestamp,
	}
	select {
	case c.out <- n:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
