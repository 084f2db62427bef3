package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Load builds the configuration from defaults, the JSON file at configPath
// (if any) and the environment. envFile names a .env file to load first; when
// empty, ./.env is loaded if present. Variables already set in the process
// environment win over .env entries.
//
// Validation is deferred to allow CLI flag overrides to be applied first
func Load(configPath, envFile string) (*Config, error) {
	cfg := DefaultConfig()

	if configPath != "" {
		if err := loadFromFile(configPath, cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("load %s: %w", envFile, err)
		}
	} else if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	if err := applyEnvironmentOverrides(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadFromFile overlays the JSON file at path onto cfg
func loadFromFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return ErrConfigFileNotFound
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfigFormat, err)
	}
	return nil
}

// applyEnvironmentOverrides applies configuration from NOTESYNC_* variables
func applyEnvironmentOverrides(cfg *Config) error {
	strs := map[string]*string{
		"NOTESYNC_API_BASE_URL":    &cfg.APIBaseURL,
		"NOTESYNC_PUSH_URL":        &cfg.PushURL,
		"NOTESYNC_ACTOR_ID":        &cfg.ActorID,
		"NOTESYNC_STORE_DRIVER":    &cfg.Store.Driver,
		"NOTESYNC_STORE_PATH":      &cfg.Store.Path,
		"NOTESYNC_STORE_DSN":       &cfg.Store.DSN,
		"NOTESYNC_STORE_NAMESPACE": &cfg.Store.Namespace,
		"NOTESYNC_TOKEN":           &cfg.Auth.Token,
		"NOTESYNC_JWT_SECRET":      &cfg.Auth.JWTSecret,
		"NOTESYNC_JWT_SUBJECT":     &cfg.Auth.JWTSubject,
		"NOTESYNC_STATUS_ADDR":     &cfg.StatusAddr,
		"NOTESYNC_LOG_LEVEL":       &cfg.LogLevel,
	}
	for key, dst := range strs {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	ints := map[string]*int{
		"NOTESYNC_CONCURRENCY": &cfg.Queue.Concurrency,
		"NOTESYNC_MAX_RETRIES": &cfg.Queue.MaxRetries,
	}
	for key, dst := range ints {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%w: %s=%q", ErrInvalidEnv, key, v)
			}
			*dst = n
		}
	}

	durations := map[string]*Duration{
		"NOTESYNC_BASE_DELAY":         &cfg.Queue.BaseDelay,
		"NOTESYNC_DRAIN_INTERVAL":     &cfg.Queue.DrainInterval,
		"NOTESYNC_CALL_TIMEOUT":       &cfg.Queue.CallTimeout,
		"NOTESYNC_HEARTBEAT_INTERVAL": &cfg.Push.HeartbeatInterval,
	}
	for key, dst := range durations {
		if v := os.Getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("%w: %s=%q", ErrInvalidEnv, key, v)
			}
			*dst = Duration(d)
		}
	}

	bools := map[string]*bool{
		"NOTESYNC_PUSH_ENABLED": &cfg.Push.Enabled,
		"NOTESYNC_DEBUG":        &cfg.Debug,
	}
	for key, dst := range bools {
		if v := os.Getenv(key); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("%w: %s=%q", ErrInvalidEnv, key, v)
			}
			*dst = b
		}
	}
	return nil
}
