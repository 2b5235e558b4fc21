package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/sungwon/mail-dispatch/internal/api"
	"github.com/sungwon/mail-dispatch/internal/auth"
	"github.com/sungwon/mail-dispatch/internal/config"
	"github.com/sungwon/mail-dispatch/internal/lifecycle"
	"github.com/sungwon/mail-dispatch/internal/logger"
	"github.com/sungwon/mail-dispatch/internal/mailer"
	"github.com/sungwon/mail-dispatch/internal/scheduler"
	"github.com/sungwon/mail-dispatch/internal/status"
	"github.com/sungwon/mail-dispatch/internal/storage"
)

func main() {
	configPath := flag.String("config", "config", "path to the config directory")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "api-server: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := newLogger(cfg)
	log.Info().Msg("starting api server")

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

	sched := scheduler.New(redisClient, scheduler.Config{
		WorkerCount:     cfg.Scheduler.WorkerCount,
		PollInterval:    cfg.Scheduler.PollInterval,
		BlockTimeout:    cfg.Scheduler.BlockTimeout,
		ProcessTimeout:  cfg.Scheduler.ProcessTimeout,
		ShutdownTimeout: cfg.Scheduler.ShutdownTimeout,
	}, log)
	sched.StartMover(ctx)

	// The API process emits queue events for accept, cancel, promote, and
	// dispatch; its own reconciler persists them. It runs until the event
	// channel closes so events buffered during shutdown are not dropped.
	reconciler := status.NewReconciler(status.StoreFunc(
		func(ctx context.Context, client string, messageID uuid.UUID, jobID string, queue status.Queue, description string) error {
			_, err := store.UpdateStatus(ctx, client, messageID, jobID, queue, description)
			return err
		},
	), log)
	reconcilerDone := make(chan struct{})
	go func() {
		defer close(reconcilerDone)
		reconciler.Run(context.Background(), sched.Events())
	}()

	ethereal := mailer.NewEtherealSender(mailer.EtherealConfig{
		Host:           cfg.Ethereal.Host,
		Port:           cfg.Ethereal.Port,
		Username:       cfg.Ethereal.Username,
		Password:       cfg.Ethereal.Password,
		PreviewBaseURL: cfg.Ethereal.PreviewBaseURL,
	}, log)

	svc := lifecycle.NewService(store, sched, ethereal, log)

	jwtService := auth.NewJWTService(auth.JWTConfig{
		SigningKey: cfg.Auth.JWTSigningKey,
		Issuer:     cfg.Auth.JWTIssuer,
		Audience:   cfg.Auth.JWTAudience,
	})
	authMiddleware := auth.BearerAuth(func(ctx context.Context, client string) (string, error) {
		c, err := store.GetClient(ctx, client)
		if err != nil {
			return "", err
		}
		return c.APIKeyHash, nil
	}, jwtService)

	app := api.New(svc, store, db, redisPinger{redisClient}, log)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.API.Host, cfg.API.Port),
		Handler:      app.Router(authMiddleware),
		ReadTimeout:  cfg.API.ReadTimeout,
		WriteTimeout: cfg.API.WriteTimeout,
		BaseContext: func(net.Listener) context.Context {
			return logger.WithLogger(context.Background(), log)
		},
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", server.Addr).Msg("http server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Scheduler.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}

	if err := sched.StopMover(); err != nil {
		log.Error().Err(err).Msg("mover shutdown")
	}
	// In-flight requests are done and the mover is stopped; nothing emits
	// any more. Let the reconciler persist the buffered tail.
	sched.CloseEvents()
	select {
	case <-reconcilerDone:
	case <-shutdownCtx.Done():
		log.Warn().Msg("reconciler drain timed out")
	}
	return nil
}

// redisPinger adapts the redis client to the readiness Pinger interface.
type redisPinger struct {
	client *redis.Client
}

func (p redisPinger) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
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
