package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/sungwon/mail-dispatch/internal/config"
	"github.com/sungwon/mail-dispatch/internal/logger"
	"github.com/sungwon/mail-dispatch/internal/mailer"
	"github.com/sungwon/mail-dispatch/internal/scheduler"
	"github.com/sungwon/mail-dispatch/internal/status"
	"github.com/sungwon/mail-dispatch/internal/storage"
	"github.com/sungwon/mail-dispatch/internal/worker"
)

const consumerGroup = "dispatch-workers"

func main() {
	configPath := flag.String("config", "config", "path to the config directory")
	metricsAddr := flag.String("metrics-addr", ":9090", "metrics listen address")
	flag.Parse()

	if err := run(*configPath, *metricsAddr); err != nil {
		fmt.Fprintf(os.Stderr, "dispatch-worker: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, metricsAddr string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := newLogger(cfg)
	log.Info().Msg("starting dispatch worker")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := storage.NewDB(ctx, storage.PoolConfig{
		URL:               cfg.Database.URL,
		MinConns:          cfg.Database.PoolMin,
		MaxConns:          cfg.Database.PoolMax,
		ConnectTimeout:    cfg.Database.ConnectTimeout,
		ConnMaxLifetime:   cfg.Database.ConnMaxLifetime,
		ConnMaxIdleTime:   cfg.Database.ConnMaxIdleTime,
		HealthCheckPeriod: cfg.Database.HealthCheckPeriod,
	})
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer db.Close()
	store := storage.New(db)

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Scheduler.RedisAddr,
		Password: cfg.Scheduler.RedisPassword,
		DB:       cfg.Scheduler.RedisDB,
	})
	defer redisClient.Close()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}

	schedCfg := scheduler.Config{
		WorkerCount:     cfg.Scheduler.WorkerCount,
		PollInterval:    cfg.Scheduler.PollInterval,
		BlockTimeout:    cfg.Scheduler.BlockTimeout,
		ProcessTimeout:  cfg.Scheduler.ProcessTimeout,
		ShutdownTimeout: cfg.Scheduler.ShutdownTimeout,
		ClaimInterval:   cfg.Scheduler.ClaimInterval,
		ClaimMinIdle:    cfg.Scheduler.ClaimMinIdle,
	}
	sched := scheduler.New(redisClient, schedCfg, log)
	// Both processes run a mover; the ZREM claim makes concurrent movers safe.
	sched.StartMover(ctx)

	reconciler := status.NewReconciler(status.StoreFunc(
		func(ctx context.Context, client string, messageID uuid.UUID, jobID string, queue status.Queue, description string) error {
			_, err := store.UpdateStatus(ctx, client, messageID, jobID, queue, description)
			return err
		},
	), log)
	// The reconciler outlives the signal context: it exits when the event
	// channel closes, after the emitters have drained during shutdown.
	reconcilerDone := make(chan struct{})
	go func() {
		defer close(reconcilerDone)
		reconciler.Run(context.Background(), sched.Events())
	}()

	transport := mailer.NewSMTPSender(mailer.Config{
		Host:     cfg.SMTP.Host,
		Port:     cfg.SMTP.Port,
		Username: cfg.SMTP.Username,
		Password: cfg.SMTP.Password,
		StartTLS: cfg.SMTP.StartTLS,
	}, log)

	handler := worker.NewHandler(store, transport, sched, log)
	pool := scheduler.NewWorkerPool(redisClient, handler, schedCfg, log, consumerGroup)
	if err := pool.Start(ctx); err != nil {
		return fmt.Errorf("start worker pool: %w", err)
	}

	reaper := worker.NewReaper(store, sched, cfg.Scheduler.ReaperInterval, cfg.Scheduler.ReaperMinAge, log)
	reaperDone := make(chan struct{})
	go func() {
		defer close(reaperDone)
		reaper.Run(ctx)
	}()

	metricsServer := &http.Server{Addr: metricsAddr, Handler: promhttp.Handler()}
	go func() {
		log.Info().Str("addr", metricsAddr).Msg("metrics server listening")
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("metrics server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Scheduler.ShutdownTimeout)
	defer cancel()

	if err := pool.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("worker pool shutdown")
	}
	<-reaperDone
	if err := sched.StopMover(); err != nil {
		log.Error().Err(err).Msg("mover shutdown")
	}

	// Every emitter has stopped; close the channel and wait for the
	// reconciler to persist whatever the drain-down produced.
	sched.CloseEvents()
	select {
	case <-reconcilerDone:
	case <-shutdownCtx.Done():
		log.Warn().Msg("reconciler drain timed out")
	}

	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("metrics shutdown")
	}
	return nil
}

func newLogger(cfg *config.Config) zerolog.Logger {
	if cfg.Logging.FilePath != "" {
		return logger.NewWithWriter(cfg.Logging.Level, logger.NewFileWriter(logger.FileConfig{
			Path:      cfg.Logging.FilePath,
			MaxSizeMB: cfg.Logging.FileMaxSizeMB,
			MaxFiles:  cfg.Logging.FileMaxFiles,
		}))
	}
	return logger.New(cfg.Logging.Level)
}
