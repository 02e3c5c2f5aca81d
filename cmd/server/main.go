package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"scriptd/internal/api"
	"scriptd/internal/config"
	"scriptd/internal/executor"
	"scriptd/internal/monitor"
	"scriptd/internal/storage"
)

func main() {
	// Structured logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	if os.Getenv("ENV") != "production" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if lvl, err := zerolog.ParseLevel(os.Getenv("LOG_LEVEL")); err == nil && lvl != zerolog.NoLevel {
		zerolog.SetGlobalLevel(lvl)
	}

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", configPath).Msg("failed to load config")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := storage.Open(ctx, cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Str("driver", cfg.Database.Driver).Msg("failed to open database")
	}
	defer store.Close()

	metrics := monitor.NewMetrics()
	orch, err := executor.New(store, executor.OptionsFromConfig(cfg), metrics, monitor.NewTracer())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize executor")
	}

	// Records left running by a previous process can never finish.
	if cfg.Executor.ReconcileOnStart {
		res, err := executor.Reconcile(ctx, store, orch.Artifacts())
		if err != nil {
			log.Error().Err(err).Msg("startup reconciliation failed")
		} else {
			log.Info().
				Int64("records", res.Records).
				Int("artifacts", res.Artifacts).
				Msg("startup reconciliation complete")
		}
	}

	server := api.NewServer(cfg, store, orch, metrics)

	// Graceful shutdown
	done := make(chan struct{})
	go func() {
		defer close(done)
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh

		log.Info().Str("signal", sig.String()).Msg("shutting down")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer shutdownCancel()

		// Runs end first so their streaming requests can complete.
		if err := orch.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("executor shutdown error")
		}
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("HTTP server shutdown error")
		}

		cancel()
	}()

	log.Info().
		Str("addr", cfg.Address()).
		Str("db_driver", cfg.Database.Driver).
		Str("shell", cfg.Executor.Shell).
		Str("artifact_dir", orch.Artifacts().Dir()).
		Msg("server starting")

	if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("server failed")
	}

	<-done
	log.Info().Msg("server stopped")
}
