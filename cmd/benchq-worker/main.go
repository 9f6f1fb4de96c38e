package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/scfuzzbench/benchq/internal/api"
	"github.com/scfuzzbench/benchq/internal/config"
	"github.com/scfuzzbench/benchq/internal/factory"
	"github.com/scfuzzbench/benchq/internal/health"
	"github.com/scfuzzbench/benchq/internal/identity"
	"github.com/scfuzzbench/benchq/internal/logger"
	"github.com/scfuzzbench/benchq/internal/store"
	"github.com/scfuzzbench/benchq/internal/worker"
)

func main() {
	log := logger.New("benchq-worker")

	cfg, err := config.New()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	workerID := identity.NewResolver("", log).Resolve(ctx)
	log.Info().Str("worker_id", workerID).Msg("Worker identity resolved")

	backend, err := factory.NewBackend(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Backend unavailable")
	}
	defer backend.Close()

	exec, err := factory.NewExecutor(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Executor unavailable")
	}

	// -------- Health monitor ---------------
	storeChecker := store.NewStoreHealthChecker(backend.Store, cfg.RunID, log, 2*time.Second)
	go storeChecker.Start(ctx, 15*time.Second)
	svcHealth := health.NewServiceHealthChecker(log, storeChecker)
	go svcHealth.Start(ctx, 15*time.Second)

	// -------- Operator HTTP surface --------
	router := api.NewRouter(api.NewHandler(backend.Store, backend.Queue, svcHealth.IsHealthy, log))
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		log.Info().Int("port", cfg.HTTPPort).Msg("HTTP server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("HTTP server failed")
		}
	}()

	// -------- Worker loop ------------------
	w := worker.New(cfg, backend.Store, backend.Queue, backend.Locker, exec, workerID, log)
	runErr := w.Run(ctx)

	ctxShutdown, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctxShutdown); err != nil {
		log.Warn().Err(err).Msg("HTTP server shutdown")
	}

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		log.Error().Err(runErr).Msg("worker exit")
		os.Exit(1)
	}
	log.Info().Msg("worker exited")
}
