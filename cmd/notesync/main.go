package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/erauner12/notesync/internal/config"
)

const version = "0.1.0"

var (
	configPath string
	envFile    string
	apiURL     string
	storeFlag  string
	storePath  string
	statusAddr string
	logLevel   string
	debug      bool

	rootCmd = &cobra.Command{
		Use:           "notesync",
		Short:         "Offline-first sync agent for notes and folders",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&configPath, "config", "", "path to configuration file (JSON)")
	pf.StringVar(&envFile, "env-file", "", "dotenv file to load (default ./.env when present)")
	pf.StringVar(&apiURL, "api-url", "", "server base URL")
	pf.StringVar(&storeFlag, "store", "", "local store driver (sqlite, postgres, memory)")
	pf.StringVar(&storePath, "store-path", "", "sqlite database path")
	pf.StringVar(&statusAddr, "status-addr", "", "address of the local status API")
	pf.StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
	pf.BoolVar(&debug, "debug", false, "enable debug logging")

	rootCmd.AddCommand(runCmd, statusCmd, conflictsCmd, resyncCmd, retryCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "notesync: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig loads the layered configuration and applies flag overrides
// before validating
func loadConfig() (*config.Config, error) {
	cfg, err := loadUnvalidated()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadUnvalidated is loadConfig for commands that only talk to the local
// agent and need no server credentials
func loadUnvalidated() (*config.Config, error) {
	cfg, err := config.Load(configPath, envFile)
	if err != nil {
		return nil, err
	}
	if apiURL != "" {
		cfg.APIBaseURL = apiURL
	}
	if storeFlag != "" {
		cfg.Store.Driver = storeFlag
	}
	if storePath != "" {
		cfg.Store.Path = storePath
	}
	if statusAddr != "" {
		cfg.StatusAddr = statusAddr
	}
	if debug {
		cfg.Debug = true
		if logLevel == "" {
			cfg.LogLevel = "debug"
		}
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	return cfg, nil
}

func setupLogging(cfg *config.Config) {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	log.Logger = log.With().Str("service", "notesync").Logger()
	if cfg.Debug {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	}
}
