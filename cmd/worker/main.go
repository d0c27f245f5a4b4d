package main

import (
	"context"
	"os/signal"
	"syscall"

	"geoattend/internal/app"
	"geoattend/internal/config"
	"geoattend/internal/logging"
	"geoattend/internal/reaper"
	"geoattend/internal/session"
)

// Worker consumes session events, purges deleted sessions after their undo window and
// persists lazy expiry.
func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLog := logging.New("info", "console")
		bootLog.Fatal().Err(err).Msg("invalid configuration")
	}
	log := logging.New(cfg.LogLevel, cfg.LogFormat).With().Str("service", "worker").Logger()

	// Graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.StoreBackend == "memory" {
		log.Warn().Msg("worker with the memory store only sees its own sessions; use postgres or mongo")
	}

	backends, err := app.Open(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("backend connect failed")
	}
	defer backends.Close(context.Background())

	// The worker publishes nothing; lifecycle calls here only persist expiry.
	sessions := session.NewService(backends.Sessions, nil, session.Options{DeleteGrace: cfg.DeleteGrace}, log)

	r := reaper.New(backends.Events, backends.Scheduler, sessions, reaper.Config{
		Grace:    cfg.DeleteGrace,
		Interval: cfg.ReaperInterval,
	}, log)
	if err := r.Run(ctx); err != nil {
		log.Error().Err(err).Msg("reaper stopped with error")
	}
	log.Info().Msg("worker stopped")
}
