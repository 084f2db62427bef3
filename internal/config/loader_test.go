package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoadLayers(t *testing.T) {
	file := writeFile(t, "config.json", `{
		"apiBaseUrl": "http://file:9000",
		"queue": {"concurrency": 5, "baseDelay": "2s"},
		"store": {"driver": "memory"}
	}`)
	env := writeFile(t, ".env", "NOTESYNC_CONCURRENCY=7\nNOTESYNC_JWT_SECRET=from-dotenv\nNOTESYNC_LOG_LEVEL=warn\n")
	t.Setenv("NOTESYNC_LOG_LEVEL", "debug")
	t.Setenv("NOTESYNC_CALL_TIMEOUT", "3s")

	cfg, err := Load(file, env)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	// godotenv sets variables process-wide; clear them for later tests
	t.Cleanup(func() {
		os.Unsetenv("NOTESYNC_CONCURRENCY")
		os.Unsetenv("NOTESYNC_JWT_SECRET")
	})

	checks := []struct {
		name string
		got  any
		want any
	}{
		{"file apiBaseUrl", cfg.APIBaseURL, "http://file:9000"},
		{"file baseDelay", cfg.Queue.BaseDelay.Std(), 2 * time.Second},
		{"file store driver", cfg.Store.Driver, "memory"},
		{"default maxRetries", cfg.Queue.MaxRetries, 5},
		{"dotenv concurrency", cfg.Queue.Concurrency, 7},
		{"dotenv secret", cfg.Auth.JWTSecret, "from-dotenv"},
		{"process env beats dotenv", cfg.LogLevel, "debug"},
		{"env callTimeout", cfg.Queue.CallTimeout.Std(), 3 * time.Second},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %v, want %v", c.name, c.got, c.want)
		}
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate failed: %v", err)
	}
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name  string
		setup func(t *testing.T) (string, string)
		want  error
	}{
		{
			name:  "missing file",
			setup: func(t *testing.T) (string, string) { return filepath.Join(t.TempDir(), "nope.json"), "" },
			want:  ErrConfigFileNotFound,
		},
		{
			name:  "bad json",
			setup: func(t *testing.T) (string, string) { return writeFile(t, "c.json", "{"), "" },
			want:  ErrInvalidConfigFormat,
		},
		{
			name: "bad duration env",
			setup: func(t *testing.T) (string, string) {
				t.Setenv("NOTESYNC_DRAIN_INTERVAL", "soon")
				return "", ""
			},
			want: ErrInvalidEnv,
		},
		{
			name: "bad bool env",
			setup: func(t *testing.T) (string, string) {
				t.Setenv("NOTESYNC_PUSH_ENABLED", "sometimes")
				return "", ""
			},
			want: ErrInvalidEnv,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path, env := tt.setup(t)
			if _, err := Load(path, env); !errors.Is(err, tt.want) {
				t.Errorf("Load error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		want   error
	}{
		{name: "valid", mutate: func(c *Config) {}},
		{name: "static token suffices", mutate: func(c *Config) { c.Auth = AuthConfig{Token: "t"} }},
		{name: "no credentials", mutate: func(c *Config) { c.Auth.JWTSecret = "" }, want: ErrMissingCredentials},
		{name: "bad url", mutate: func(c *Config) { c.APIBaseURL = "not a url" }, want: ErrInvalidConfig},
		{name: "unknown driver", mutate: func(c *Config) { c.Store.Driver = "mongo" }, want: ErrInvalidConfig},
		{name: "postgres without dsn", mutate: func(c *Config) { c.Store.Driver = "postgres" }, want: ErrInvalidConfig},
		{name: "sqlite without path", mutate: func(c *Config) { c.Store.Path = "" }, want: ErrInvalidConfig},
		{name: "zero concurrency", mutate: func(c *Config) { c.Queue.Concurrency = 0 }, want: ErrInvalidConfig},
		{name: "zero call timeout", mutate: func(c *Config) { c.Queue.CallTimeout = 0 }, want: ErrInvalidConfig},
		{name: "bad log level", mutate: func(c *Config) { c.LogLevel = "loud" }, want: ErrInvalidConfig},
		{name: "secret without subject", mutate: func(c *Config) { c.Auth.JWTSubject = "" }, want: ErrInvalidConfig},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Auth.JWTSecret = "s"
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.want == nil && err != nil {
				t.Fatalf("Validate failed: %v", err)
			}
			if tt.want != nil && !errors.Is(err, tt.want) {
				t.Errorf("Validate error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestPushEndpoint(t *testing.T) {
	tests := []struct {
		base, push, want string
	}{
		{base: "http://localhost:8081", want: "ws://localhost:8081/v1/ws"},
		{base: "https://api.example.com/sync/", want: "wss://api.example.com/sync/v1/ws"},
		{base: "http://x", push: "ws://push:1/ws", want: "ws://push:1/ws"},
	}
	for _, tt := range tests {
		cfg := DefaultConfig()
		cfg.APIBaseURL, cfg.PushURL = tt.base, tt.push
		got, err := cfg.PushEndpoint()
		if err != nil || got != tt.want {
			t.Errorf("PushEndpoint(%q, %q) = %q, %v; want %q", tt.base, tt.push, got, err, tt.want)
		}
	}
}
