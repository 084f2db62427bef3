// Package auth issues and checks the HS256 bearer tokens used between the
// sync agent and the development server.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"
)

type ctxKey string

const CtxSubject ctxKey = "sub"

// ErrUnauthorized is returned for missing, malformed or expired tokens
var ErrUnauthorized = errors.New("auth: unauthorized")

// JWTCfg holds JWT authentication configuration
type JWTCfg struct {
	HS256Secret string // HMAC secret for HS256 tokens
	DevMode     bool   // Allow X-Debug-Sub header (DANGEROUS: only for local dev)
}

// Mint signs a token for subject valid for ttl
func Mint(secret, subject string, ttl time.Duration, now time.Time) (string, error) {
	if secret == "" {
		return "", errors.New("auth: empty signing secret")
	}
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// ValidateToken verifies an HS256 token and returns its subject
func ValidateToken(tok, secret string) (string, error) {
	claims := jwt.MapClaims{}
	t, err := jwt.ParseWithClaims(tok, claims, func(t *jwt.Token) (any, error) {
		// Verify signing method
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return []byte(secret), nil
	})
	if err != nil || !t.Valid {
		return "", fmt.Errorf("%w: %w", ErrUnauthorized, err)
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return "", fmt.Errorf("%w: token has no subject", ErrUnauthorized)
	}
	return sub, nil
}

// BearerToken extracts the token from an Authorization header value
func BearerToken(h string) string {
	if len(h) > 7 && h[:7] == "Bearer " {
		return h[7:]
	}
	return ""
}

// Middleware creates HTTP middleware for JWT authentication
// Supports two modes:
// 1. Production: Bearer token (or ?token= for WebSocket upgrades) with JWT validation
// 2. Development: X-Debug-Sub header (ONLY when DevMode=true)
func Middleware(cfg JWTCfg) func(http.Handler) http.Handler {
	if cfg.DevMode {
		log.Warn().Msg("SECURITY WARNING: DevMode enabled - X-Debug-Sub header will bypass JWT authentication")
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tok := BearerToken(r.Header.Get("Authorization"))
			if tok == "" {
				tok = r.URL.Query().Get("token")
			}

			sub := ""

			// Development mode: accept X-Debug-Sub ONLY if DevMode is enabled and no token present
			if cfg.DevMode && tok == "" {
				sub = r.Header.Get("X-Debug-Sub")
				if sub != "" {
					log.Debug().Str("sub", sub).Msg("using X-Debug-Sub header (dev mode)")
				}
			}

			if tok != "" {
				s, err := ValidateToken(tok, cfg.HS256Secret)
				if err != nil {
					log.Warn().Err(err).Msg("jwt validation failed")
					http.Error(w, "unauthorized", http.StatusUnauthorized)
					return
				}
				sub = s
			}

			if sub == "" {
				log.Warn().Msg("missing subject (no JWT sub or X-Debug-Sub header)")
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), CtxSubject, sub)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// Subject extracts the authenticated subject from request context
// Returns empty string if not authenticated (should never happen after middleware)
func Subject(ctx context.Context) string {
	if v := ctx.Value(CtxSubject); v != nil {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// TokenProvider supplies bearer tokens for outgoing requests
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a fixed token
type StaticToken string

func (s StaticToken) Token(context.Context) (string, error) { return string(s), nil }

// MintingProvider mints development tokens and reuses each one until it is
// close to expiry
type MintingProvider struct {
	Secret  string
	Subject string
	TTL     time.Duration
	Now     func() time.Time

	mu      sync.Mutex
	token   string
	expires time.Time
}

const refreshSlack = 30 * time.Second

func (p *MintingProvider) Token(context.Context) (string, error) {
	now := time.Now()
	if p.Now != nil {
		now = p.Now()
	}
	ttl := p.TTL
	if ttl <= 0 {
		ttl = time.Hour
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.token != "" && now.Add(refreshSlack).Before(p.expires) {
		return p.token, nil
	}
	tok, err := Mint(p.Secret, p.Subject, ttl, now)
	if err != nil {
		return "", err
	}
	p.token, p.expires = tok, now.Add(ttl)
	return tok, nil
}

// Invalidate drops the cached token so the next call mints a fresh one
func (p *MintingProvider) Invalidate() {
	p.mu.Lock()
	p.token = ""
	p.mu.Unlock()
}
