package config

import "errors"

var (
	// ErrConfigFileNotFound indicates that the config file was not found
	ErrConfigFileNotFound = errors.New("configuration file not found")

	// ErrInvalidConfigFormat indicates that the config file has invalid JSON
	ErrInvalidConfigFormat = errors.New("invalid configuration file format")

	// ErrInvalidEnv indicates an environment override that could not be parsed
	ErrInvalidEnv = errors.New("invalid environment override")

	// ErrInvalidConfig wraps struct validation failures
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrMissingCredentials indicates that neither a token nor a signing
	// secret is configured
	ErrMissingCredentials = errors.New("auth.token or auth.jwtSecret is required")
)
