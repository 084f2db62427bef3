// Package httpremote implements remote.Service over the server's REST API.
package httpremote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/erauner12/notesync/internal/auth"
	"github.com/erauner12/notesync/internal/entity"
	"github.com/erauner12/notesync/internal/remote"
	"github.com/erauner12/notesync/internal/syncx"
)

// RateLimitedError is returned when the server kept answering 429. The
// queue treats it as transient.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited (retry after %s)", e.RetryAfter)
}

// StatusError is an unexpected response status
type StatusError struct {
	Method string
	Path   string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s failed with status %d: %s", e.Method, e.Path, e.Status, e.Body)
}

// Options configures a Client
type Options struct {
	// BaseURL is the server root, e.g. http://localhost:8081
	BaseURL string
	Tokens  auth.TokenProvider
	// HTTPClient defaults to a client with a 30s timeout
	HTTPClient *http.Client
	// PageSize is the list page size; defaults to 500
	PageSize   int
	MaxRetries int
	Backoff    time.Duration
}

// Client is a remote.Service backed by HTTP
type Client struct {
	baseURL    string
	http       *http.Client
	tokens     auth.TokenProvider
	pageSize   int
	maxRetries int
	backoff    time.Duration
	logger     zerolog.Logger
}

var _ remote.Service = (*Client)(nil)

// New creates a client
func New(opts Options) *Client {
	c := &Client{
		baseURL:    opts.BaseURL,
		http:       opts.HTTPClient,
		tokens:     opts.Tokens,
		pageSize:   opts.PageSize,
		maxRetries: opts.MaxRetries,
		backoff:    opts.Backoff,
		logger:     log.With().Str("component", "httpremote").Logger(),
	}
	if c.http == nil {
		c.http = &http.Client{Timeout: 30 * time.Second}
	}
	if c.pageSize <= 0 {
		c.pageSize = 500
	}
	if c.maxRetries <= 0 {
		c.maxRetries = DefaultMaxRetries
	}
	if c.backoff <= 0 {
		c.backoff = DefaultBackoff
	}
	return c
}

func (c *Client) path(t entity.Type, parts ...string) string {
	p := "/v1/" + t.Plural()
	for _, s := range parts {
		p += "/" + url.PathEscape(s)
	}
	return p
}

// fieldsOf returns the request body for e's type
func fieldsOf(e entity.Entity) (any, error) {
	switch e.Type {
	case entity.TypeNote:
		if e.Note != nil {
			return e.Note, nil
		}
	case entity.TypeFolder:
		if e.Folder != nil {
			return e.Folder, nil
		}
	}
	return nil, fmt.Errorf("%s %s has no fields", e.Type, e.ID)
}

func (c *Client) send(ctx context.Context, method, path string, body any, header http.Header) (*http.Response, error) {
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal payload: %w", err)
		}
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, r)
	if err != nil {
		return nil, err
	}
	for k, v := range header {
		req.Header[k] = v
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(ctx, req)
}

// decodeError maps an error response onto the remote error types
func decodeError(resp *http.Response, method, path, id string, expectedVersion int) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	var er syncx.ErrorResponse
	_ = json.Unmarshal(raw, &er)

	switch resp.StatusCode {
	case http.StatusNotFound:
		return fmt.Errorf("%s %s: %w", method, path, remote.ErrNotFound)
	case http.StatusConflict, http.StatusPreconditionFailed:
		if er.Error == syncx.CodeVersionConflict || resp.StatusCode == http.StatusPreconditionFailed {
			ce := &remote.ConflictError{
				ID:              id,
				ExpectedVersion: expectedVersion,
				CurrentVersion:  er.CurrentVersion,
				Current:         er.Current,
				Deleted:         er.Deleted,
			}
			if ce.CurrentVersion == 0 && er.Current != nil {
				ce.CurrentVersion = er.Current.Version
			}
			return ce
		}
	case http.StatusUnprocessableEntity, http.StatusBadRequest:
		msg := er.Message
		if msg == "" {
			msg = er.Error
		}
		return &remote.ValidationError{Fields: er.Fields, Msg: msg}
	}
	return &StatusError{Method: method, Path: path, Status: resp.StatusCode, Body: string(bytes.TrimSpace(raw))}
}

func decodeEntity(resp *http.Response) (entity.Entity, error) {
	var e entity.Entity
	if err := json.NewDecoder(resp.Body).Decode(&e); err != nil {
		return entity.Entity{}, fmt.Errorf("failed to decode item: %w", err)
	}
	return e, nil
}

func (c *Client) Create(ctx context.Context, e entity.Entity, idempotencyKey string) (entity.Entity, error) {
	fields, err := fieldsOf(e)
	if err != nil {
		return entity.Entity{}, &remote.ValidationError{Msg: err.Error()}
	}
	h := http.Header{}
	if idempotencyKey != "" {
		h.Set("Idempotency-Key", idempotencyKey)
	}
	path := c.path(e.Type)
	resp, err := c.send(ctx, http.MethodPost, path, fields, h)
	if err != nil {
		return entity.Entity{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return entity.Entity{}, decodeError(resp, http.MethodPost, path, e.ID, 0)
	}
	return decodeEntity(resp)
}

func (c *Client) Update(ctx context.Context, e entity.Entity, expectedVersion int) (entity.Entity, error) {
	fields, err := fieldsOf(e)
	if err != nil {
		return entity.Entity{}, &remote.ValidationError{Msg: err.Error()}
	}
	h := http.Header{}
	h.Set("If-Match", strconv.Itoa(expectedVersion))
	path := c.path(e.Type, e.ID)
	resp, err := c.send(ctx, http.MethodPut, path, fields, h)
	if err != nil {
		return entity.Entity{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return entity.Entity{}, decodeError(resp, http.MethodPut, path, e.ID, expectedVersion)
	}
	return decodeEntity(resp)
}

func (c *Client) Delete(ctx context.Context, t entity.Type, id string) error {
	path := c.path(t, id)
	resp, err := c.send(ctx, http.MethodDelete, path, nil, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return decodeError(resp, http.MethodDelete, path, id, 0)
	}
	return nil
}

func (c *Client) Move(ctx context.Context, t entity.Type, id, parentID string) (entity.Entity, error) {
	path := c.path(t, id, "move")
	resp, err := c.send(ctx, http.MethodPost, path, syncx.MoveRequest{ParentID: parentID}, nil)
	if err != nil {
		return entity.Entity{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return entity.Entity{}, decodeError(resp, http.MethodPost, path, id, 0)
	}
	return decodeEntity(resp)
}

// List fetches every page of t matching f
func (c *Client) List(ctx context.Context, t entity.Type, f remote.Filter) ([]entity.Entity, error) {
	params := url.Values{}
	for _, id := range f.IDs {
		params.Add("id", id)
	}
	if f.ParentID != nil {
		params.Set("parent", *f.ParentID)
	}
	params.Set("limit", strconv.Itoa(c.pageSize))

	path := c.path(t)
	out := make([]entity.Entity, 0)
	for page := 0; ; page++ {
		resp, err := c.send(ctx, http.MethodGet, path+"?"+params.Encode(), nil, nil)
		if err != nil {
			return nil, err
		}
		var lr syncx.ListResponse
		if resp.StatusCode != http.StatusOK {
			err = decodeError(resp, http.MethodGet, path, "", 0)
		} else if derr := json.NewDecoder(resp.Body).Decode(&lr); derr != nil {
			err = fmt.Errorf("failed to decode list response: %w", derr)
		}
		resp.Body.Close()
		if err != nil {
			return nil, err
		}

		out = append(out, lr.Items...)
		if lr.NextCursor == "" {
			return out, nil
		}
		if lr.NextCursor == params.Get("cursor") {
			return nil, errors.New("list: server repeated cursor")
		}
		params.Set("cursor", lr.NextCursor)
		c.logger.Debug().Int("page", page+1).Int("items", len(out)).Msg("fetching next page")
	}
}
