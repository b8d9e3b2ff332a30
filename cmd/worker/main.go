package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/pscheid92/consultq/internal/adapter/metrics"
	"github.com/pscheid92/consultq/internal/adapter/notify"
	"github.com/pscheid92/consultq/internal/adapter/pubnub"
	"github.com/pscheid92/consultq/internal/platform/config"
	"github.com/pscheid92/consultq/internal/platform/logging"
	"github.com/pscheid92/consultq/internal/platform/version"
)

func setupDeliverer(cfg *config.Config) notify.Deliverer {
	if !cfg.PubNubEnabled() {
		slog.Warn("PubNub keys not configured, notifications are only logged")
		return notify.LogDeliverer{}
	}

	d, err := pubnub.NewDeliverer(pubnub.Config{
		PublishKey:   cfg.PubNubPublishKey,
		SubscribeKey: cfg.PubNubSubscribeKey,
		UserID:       cfg.PubNubUserID,
	})
	if err != nil {
		slog.Error("Failed to create PubNub deliverer", "error", err)
		os.Exit(1)
	}
	return d
}

func main() {
	cfg, err := config.LoadWorker()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logging.InitLogger(cfg.LogLevel, cfg.LogFormat)
	slog.Info("Notification worker starting", "version", version.Get().String(), "queue", cfg.NotifyQueue, "concurrency", cfg.WorkerConcurrency)

	redisOpt, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		slog.Error("Failed to parse Redis URL", "error", err)
		os.Exit(1)
	}

	reg := metrics.NewRegistry()
	notifyMetrics := metrics.NewNotifyMetrics(reg)

	handlers := notify.NewHandlers(setupDeliverer(cfg), notifyMetrics)
	srv := notify.NewServer(redisOpt, cfg.NotifyQueue, cfg.WorkerConcurrency)
	if err := srv.Start(notify.NewServeMux(handlers)); err != nil {
		slog.Error("Failed to start notification worker", "error", err)
		os.Exit(1)
	}

	metricsSrv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           metrics.Handler(reg),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Metrics server error", "error", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	slog.Info("Shutdown signal received, draining tasks...")

	srv.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := metricsSrv.Shutdown(ctx); err != nil {
		slog.Error("Metrics server shutdown error", "error", err)
	}
}
