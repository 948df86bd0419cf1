// The worker binary consumes processing jobs from Redis. Run alongside the
// server with QUEUE_BACKEND=redis; any number of workers may share the
// queue.
package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/BernhardLangwallnerFlex/3c-vetcostcheck/internal/config"
	"github.com/BernhardLangwallnerFlex/3c-vetcostcheck/internal/jobs"
	"github.com/BernhardLangwallnerFlex/3c-vetcostcheck/internal/models"
	"github.com/BernhardLangwallnerFlex/3c-vetcostcheck/internal/services"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Invalid configuration.", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	processor, err := services.NewProcessor(ctx, cfg)
	if err != nil {
		slog.Error("Failed to initialize processor.", "error", err)
		os.Exit(1)
	}
	defer processor.Close()

	queue, err := jobs.NewRedis(ctx, cfg.RedisAddr)
	if err != nil {
		slog.Error("Failed to connect to redis.", "error", err)
		os.Exit(1)
	}
	defer queue.Close()

	run := func(ctx context.Context, job jobs.Job) (*models.AggregatedResult, error) {
		return processor.Process(ctx, job.FileID)
	}
	if err := queue.Worker(ctx, run); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("Worker stopped.", "error", err)
		os.Exit(1)
	}
	slog.Info("Worker shut down.")
}
