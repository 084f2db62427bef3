package httpremote

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/erauner12/notesync/internal/auth"
	"github.com/erauner12/notesync/internal/remote"
)

const (
	// DefaultMaxRetries bounds the transport-level retries for 401 and 429
	DefaultMaxRetries = 3

	// DefaultBackoff is the initial wait for a 429 without Retry-After
	DefaultBackoff = 1 * time.Second
)

// invalidator is implemented by token providers that cache tokens
type invalidator interface {
	Invalidate()
}

// do executes req with auth, actor and correlation headers. It retries
// 401 once with a fresh token and 429 after Retry-After; everything else is
// returned to the caller.
func (c *Client) do(ctx context.Context, req *http.Request) (*http.Response, error) {
	correlationID := uuid.New().String()
	logger := c.logger.With().
		Str("method", req.Method).
		Str("path", req.URL.Path).
		Str("correlationId", correlationID).
		Logger()

	var body []byte
	if req.Body != nil {
		var err error
		if body, err = io.ReadAll(req.Body); err != nil {
			return nil, fmt.Errorf("read request body: %w", err)
		}
		req.Body.Close()
	}
	return c.doWithRetry(ctx, req, body, &logger, correlationID, 0)
}

func (c *Client) doWithRetry(ctx context.Context, req *http.Request, body []byte, logger *zerolog.Logger, correlationID string, retryCount int) (*http.Response, error) {
	attempt, err := http.NewRequestWithContext(ctx, req.Method, req.URL.String(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("clone request: %w", err)
	}
	for k, v := range req.Header {
		attempt.Header[k] = v
	}
	attempt.Header.Set("X-Correlation-ID", correlationID)
	if actor := remote.ActorFrom(ctx); actor != "" {
		attempt.Header.Set("X-Actor-ID", actor)
	}
	if c.tokens != nil {
		tok, err := c.tokens.Token(ctx)
		if err != nil {
			return nil, fmt.Errorf("get auth token: %w", err)
		}
		attempt.Header.Set("Authorization", "Bearer "+tok)
	}

	start := time.Now()
	resp, err := c.http.Do(attempt)
	duration := time.Since(start)
	if err != nil {
		logger.Debug().Err(err).Dur("duration", duration).Msg("HTTP request failed")
		return nil, err
	}

	logger.Debug().
		Int("status", resp.StatusCode).
		Dur("duration", duration).
		Int("retryCount", retryCount).
		Msg("HTTP request completed")

	switch resp.StatusCode {
	case http.StatusUnauthorized:
		resp.Body.Close()
		inv, ok := c.tokens.(invalidator)
		if !ok || retryCount >= c.maxRetries {
			return nil, fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, auth.ErrUnauthorized)
		}
		logger.Warn().Msg("401 Unauthorized - invalidating token and retrying")
		inv.Invalidate()
		return c.doWithRetry(ctx, req, body, logger, correlationID, retryCount+1)

	case http.StatusTooManyRequests:
		resp.Body.Close()
		retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))
		if retryCount >= c.maxRetries {
			return nil, &RateLimitedError{RetryAfter: retryAfter}
		}
		if retryAfter == 0 {
			retryAfter = c.backoff * time.Duration(1<<retryCount)
		}
		logger.Warn().
			Dur("retryAfter", retryAfter).
			Int("retryCount", retryCount).
			Msg("Rate limited - backing off")

		t := time.NewTimer(retryAfter)
		defer t.Stop()
		select {
		case <-t.C:
			return c.doWithRetry(ctx, req, body, logger, correlationID, retryCount+1)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return resp, nil
}

// parseRetryAfter parses the Retry-After header
// Supports both integer seconds and HTTP-date format
func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	if t, err := http.ParseTime(value); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
