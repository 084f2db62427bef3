// Package config loads the sync agent's configuration: defaults, then an
// optional JSON file, then .env and NOTESYNC_* environment overrides. CLI
// flags are applied by the caller before Validate.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Duration is a time.Duration that reads and writes as "5s" in JSON
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration must be a string like \"5s\": %w", err)
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Std returns d as a time.Duration
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config holds all configuration for the sync agent
type Config struct {
	APIBaseURL string `json:"apiBaseUrl" validate:"required,url"`
	// PushURL defaults to the API host's /v1/ws
	PushURL string `json:"pushUrl" validate:"omitempty,url"`
	// ActorID defaults to the id persisted in the store, created on first run
	ActorID    string      `json:"actorId"`
	Store      StoreConfig `json:"store"`
	Queue      QueueConfig `json:"queue"`
	Push       PushConfig  `json:"push"`
	Auth       AuthConfig  `json:"auth"`
	StatusAddr string      `json:"statusAddr" validate:"required,hostname_port"`
	LogLevel   string      `json:"logLevel" validate:"oneof=debug info warn error"`
	Debug      bool        `json:"debug"`
}

// StoreConfig selects the durable store
type StoreConfig struct {
	Driver    string `json:"driver" validate:"oneof=sqlite postgres memory"`
	Path      string `json:"path" validate:"required_if=Driver sqlite"`
	DSN       string `json:"dsn" validate:"required_if=Driver postgres"`
	// Namespace scopes rows when several agents share one Postgres database
	Namespace string `json:"namespace" validate:"max=64"`
}

// QueueConfig tunes the queue processor
type QueueConfig struct {
	Concurrency   int      `json:"concurrency" validate:"min=1,max=64"`
	BaseDelay     Duration `json:"baseDelay" validate:"gt=0"`
	MaxRetries    int      `json:"maxRetries" validate:"min=0"`
	DrainInterval Duration `json:"drainInterval" validate:"gt=0"`
	CallTimeout   Duration `json:"callTimeout" validate:"gt=0"`
}

// PushConfig tunes the push channel
type PushConfig struct {
	Enabled           bool     `json:"enabled"`
	HeartbeatInterval Duration `json:"heartbeatInterval" validate:"gt=0"`
}

// AuthConfig supplies bearer tokens. Token is used as-is; otherwise tokens
// are minted with JWTSecret for JWTSubject (development servers).
type AuthConfig struct {
	Token      string `json:"token,omitempty"`
	JWTSecret  string `json:"jwtSecret,omitempty"`
	JWTSubject string `json:"jwtSubject" validate:"required_with=JWTSecret"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		APIBaseURL: "http://localhost:8081",
		Store: StoreConfig{
			Driver: "sqlite",
			Path:   "notesync.db",
		},
		Queue: QueueConfig{
			Concurrency:   3,
			BaseDelay:     Duration(time.Second),
			MaxRetries:    5,
			DrainInterval: Duration(5 * time.Second),
			CallTimeout:   Duration(30 * time.Second),
		},
		Push: PushConfig{
			Enabled:           true,
			HeartbeatInterval: Duration(30 * time.Second),
		},
		Auth:       AuthConfig{JWTSubject: "notesync-agent"},
		StatusAddr: "127.0.0.1:7070",
		LogLevel:   "info",
	}
}

var validate = validator.New()

// Validate checks the configuration after every override has been applied
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var ves validator.ValidationErrors
		if errors.As(err, &ves) {
			parts := make([]string, 0, len(ves))
			for _, fe := range ves {
				parts = append(parts, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(parts, "; "))
		}
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if c.Auth.Token == "" && c.Auth.JWTSecret == "" {
		return ErrMissingCredentials
	}
	return nil
}

// PushEndpoint returns PushURL, or the WebSocket endpoint on the API host
func (c *Config) PushEndpoint() (string, error) {
	if c.PushURL != "" {
		return c.PushURL, nil
	}
	u, err := url.Parse(c.APIBaseURL)
	if err != nil {
		return "", fmt.Errorf("parse apiBaseUrl: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/v1/ws"
	u.RawQuery = ""
	return u.String(), nil
}
