package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/erauner12/notesync/internal/auth"
	"github.com/erauner12/notesync/internal/devserver"
	"github.com/erauner12/notesync/internal/remote/memremote"
)

var (
	addr      = flag.String("addr", env("HTTP_ADDR", ":8081"), "listen address")
	devMode   = flag.Bool("dev", env("ENV", "dev") == "dev", "accept X-Debug-Sub instead of a token")
	rateLimit = flag.Int("rate-limit", envInt("RATE_LIMIT_MAX", 600), "requests per minute per subject, 0 disables")
	burst     = flag.Int("burst", envInt("RATE_LIMIT_BURST", 100), "rate limit burst")
	maxConns  = flag.Int("max-ws", envInt("MAX_WS_PER_SUBJECT", 10), "push connections per subject")
)

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if n, err := strconv.Atoi(os.Getenv(k)); err == nil {
		return n
	}
	return def
}

func main() {
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339Nano
	log.Logger = log.With().Str("service", "notesync-devserver").Logger()
	if *devMode {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	}

	secret := env("JWT_HS256_SECRET", "dev-secret-change-in-production")
	srv := devserver.New(memremote.New(memremote.Options{}), devserver.Config{
		JWT:       auth.JWTCfg{HS256Secret: secret, DevMode: *devMode},
		RateLimit: devserver.RateLimit{WindowSeconds: 60, MaxRequests: *rateLimit, Burst: *burst},
		Hub:       devserver.HubOptions{MaxConnPerSubject: *maxConns},
	})

	httpServer := &http.Server{
		Addr:         *addr,
		Handler:      srv.Routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Info().Str("addr", *addr).Bool("devMode", *devMode).Msg("starting dev server")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Info().Msg("shutting down gracefully...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	// Hijacked push connections are not tracked by Shutdown
	srv.Close()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}
	log.Info().Msg("server stopped")
}
