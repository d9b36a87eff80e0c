package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"application-workflow/internal/archive"
	"application-workflow/internal/config"
	"application-workflow/internal/models"
	"application-workflow/internal/notify"
	"application-workflow/internal/queue"
	"application-workflow/internal/services"
	"application-workflow/internal/store"
	"application-workflow/internal/telemetry"
	"application-workflow/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger := newLogger(cfg)
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Fatal("connect postgres", zap.Error(err))
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		logger.Fatal("migrations", zap.Error(err))
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	q := queue.NewRedisQueue(redisClient, cfg)

	var sender notify.Sender
	if cfg.NotifyFromEmail != "" {
		sesSender, err := notify.NewSESSender(ctx, cfg.AWSRegion, cfg.NotifyFromEmail)
		if err != nil {
			logger.Fatal("init ses sender", zap.Error(err))
		}
		sender = sesSender
	} else {
		sender = notify.NewLogSender(logger)
	}

	paymentClient := services.NewClient(cfg.PaymentServiceURL, cfg.ServiceTimeout)
	documentClient := services.NewClient(cfg.DocumentServiceURL, cfg.ServiceTimeout)

	registry := worker.NewRegistry()
	registry.Register(models.JobTypeNotify, worker.NewNotifyHandler(sender, logger))
	registry.Register(models.JobTypePayment, worker.NewPaymentHandler(paymentClient, st, logger))
	registry.Register(models.JobTypeDocument, worker.NewDocumentHandler(documentClient, st, logger))

	processor := worker.NewProcessor(cfg, q, st, registry, logger)
	if cfg.DLQArchiveBucket != "" {
		archiver, err := archive.NewS3Archiver(ctx, cfg.AWSRegion, cfg.DLQArchiveBucket)
		if err != nil {
			logger.Fatal("init dlq archiver", zap.Error(err))
		}
		processor.SetDeadLetterArchiver(archiver)
	}

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			logger.Warn("metrics server stopped", zap.Error(err))
		}
	}()

	logger.Info("worker started",
		zap.Int("concurrency", cfg.WorkerConcurrency),
		zap.Duration("visibility", cfg.VisibilityTimeout),
		zap.Duration("backoff_initial", cfg.BackoffInitial),
	)
	if err := processor.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("worker stopped", zap.Error(err))
	}
}

func newLogger(cfg config.Config) *zap.Logger {
	var zcfg zap.Config
	if cfg.Env == "dev" {
		zcfg = zap.NewDevelopmentConfig()
	} else {
		zcfg = zap.NewProductionConfig()
	}
	if level, err := zap.ParseAtomicLevel(cfg.LogLevel); err == nil {
		zcfg.Level = level
	}
	logger, err := zcfg.Build()
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	return logger
}
