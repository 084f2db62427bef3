package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/erauner12/notesync/internal/engine"
	"github.com/erauner12/notesync/internal/statusapi"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the sync agent and its local status API",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		setupLogging(cfg)

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

		e, err := engine.New(ctx, engine.Options{Config: cfg, Registerer: reg})
		if err != nil {
			return err
		}
		if e.Degraded() {
			log.Warn().Msg("local storage unavailable: changes made while offline will be refused")
		}
		if err := e.Start(ctx); err != nil {
			e.Stop()
			return err
		}
		defer e.Stop()

		httpServer := &http.Server{
			Addr:         cfg.StatusAddr,
			Handler:      statusapi.New(e, reg).Routes(),
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  120 * time.Second,
		}
		errc := make(chan error, 1)
		go func() {
			log.Info().Str("addr", cfg.StatusAddr).Str("apiBaseUrl", cfg.APIBaseURL).Str("version", version).Msg("starting status API")
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errc <- err
			}
		}()

		select {
		case <-ctx.Done():
			log.Info().Msg("shutting down gracefully...")
		case err = <-errc:
			log.Error().Err(err).Msg("status API failed")
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if serr := httpServer.Shutdown(shutdownCtx); serr != nil {
			log.Error().Err(serr).Msg("status API shutdown error")
		}
		return err
	},
}
