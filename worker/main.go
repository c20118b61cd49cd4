package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"playlist-exporter/pkg/catalog"
	"playlist-exporter/pkg/config"
	"playlist-exporter/pkg/consumer"
	"playlist-exporter/pkg/mailer"
	"playlist-exporter/pkg/mq"
	"playlist-exporter/pkg/observability"
)

func main() {
	logger := observability.NewLogger()
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	catalogClient, err := catalog.New(ctx, cfg.Database)
	if err != nil {
		slog.Error("failed to connect to catalog database", "error", err)
		os.Exit(1)
	}
	defer catalogClient.Close()

	mailClient := mailer.New(cfg.SMTP, cfg.MailMaxAttempts, cfg.MailRetryDelay)
	defer mailClient.Close()

	observability.StartMetricsServer(cfg.MetricsAddrOr(":9091"))

	connect := func() (consumer.Queue, error) {
		return mq.Dial(cfg.AMQPURL, cfg.RetryDelay)
	}
	worker := consumer.New(consumer.Config{MaxRetries: cfg.MaxRetries}, connect, catalogClient, mailClient, logger)

	slog.Info("export worker starting", "queue", mq.ExportQueue, "max_retries", cfg.MaxRetries, "retry_delay", cfg.RetryDelay.String())
	worker.Run(ctx)
	slog.Info("export worker stopped")
}
