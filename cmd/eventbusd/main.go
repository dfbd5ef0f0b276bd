// Command eventbusd runs the event bus's lifecycle runner and its optional
// admin/diagnostics HTTP surface as one process, wired the way the
// teacher's join-service api/cmd/main.go assembles config, storage, and
// transport before starting.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/baechuer/eventbus/internal/adminapi"
	"github.com/baechuer/eventbus/internal/config"
	"github.com/baechuer/eventbus/internal/eventbus"
	"github.com/baechuer/eventbus/internal/eventbus/metrics"
	"github.com/baechuer/eventbus/internal/eventbus/pgqueue"
	"github.com/baechuer/eventbus/internal/pkg/logger"
	"github.com/baechuer/eventbus/migrations"
	"github.com/prometheus/client_golang/prometheus"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
		os.Exit(1)
	}

	if cfg.LogLevel != "" {
		_ = os.Setenv("LOG_LEVEL", cfg.LogLevel)
	}
	logger.Init()
	log := logger.Logger.With().Str("service", "eventbusd").Str("env", cfg.AppEnv).Logger()

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ---- Schema migrations ----
	migrator, err := migrations.New(cfg.DBDSN, log)
	if err != nil {
		log.Fatal().Err(err).Msg("migrator init failed")
	}
	if err := migrator.Up(); err != nil {
		log.Fatal().Err(err).Msg("schema migration failed")
	}
	_ = migrator.Close()
	log.Info().Msg("schema up to date")

	// ---- Postgres ----
	dbPool, err := pgxpool.New(rootCtx, cfg.DBDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("postgres pool create failed")
	}
	defer dbPool.Close()

	{
		pingCtx, cancel := context.WithTimeout(rootCtx, 5*time.Second)
		defer cancel()
		if err := dbPool.Ping(pingCtx); err != nil {
			log.Fatal().Err(err).Msg("postgres ping failed")
		}
		log.Info().Msg("postgres connected")
	}

	dao := pgqueue.New(dbPool, cfg.TableName)
	codec := eventbus.NewCodec()
	sink := metrics.NewPrometheusSink(prometheus.DefaultRegisterer)

	bus := eventbus.New(eventbus.Config{
		TableName:         cfg.TableName,
		NbThreads:         cfg.NbThreads,
		PollInterval:      cfg.PollInterval,
		ClaimBatchSize:    cfg.ClaimBatchSize,
		ClaimLease:        cfg.ClaimLease,
		MaxFailureRetries: cfg.MaxFailureRetries,
		InstanceName:      cfg.InstanceName,
	}, dao, codec, eventbus.RealClock, sink, log)

	if err := bus.Start(rootCtx); err != nil {
		log.Fatal().Err(err).Msg("bus start failed")
	}
	log.Info().Msg("bus started")

	// ---- Admin HTTP surface ----
	rlLimit := cfg.RLLimit
	if !cfg.RLEnabled {
		rlLimit = 0
	}
	handler := adminapi.NewHandler(bus, codec)
	httpHandler := adminapi.NewRouter(adminapi.Deps{
		Handler:        handler,
		JWTSecret:      cfg.AdminJWTSecret,
		JWTIssuer:      cfg.AdminJWTIssuer,
		RateLimitLimit: rlLimit,
		RateLimitEvery: cfg.RLWindow,
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           httpHandler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      20 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Int("port", cfg.Port).Msg("admin http server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-rootCtx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		log.Error().Err(err).Msg("admin http server crashed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)

	bus.Stop()
	log.Info().Msg("shutdown complete")
}
