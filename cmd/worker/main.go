package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"
	"github.com/joho/godotenv"

	"github.com/nikhilbhutani/promptplane/internal/audit"
	"github.com/nikhilbhutani/promptplane/internal/calls"
	"github.com/nikhilbhutani/promptplane/internal/config"
	"github.com/nikhilbhutani/promptplane/internal/database"
	"github.com/nikhilbhutani/promptplane/internal/policy"
	"github.com/nikhilbhutani/promptplane/internal/queue"
	"github.com/nikhilbhutani/promptplane/internal/queue/workers"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("failed to load .env file", "error", err)
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if err := cfg.ValidateWorker(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := database.Open(ctx, cfg.Database)
	if err != nil {
		slog.Error("failed to open store", "driver", cfg.Database.Driver, "error", err)
		os.Exit(1)
	}
	defer st.Close()

	auditSvc := audit.NewService(st)
	tracker := calls.NewTracker(st, policy.NewGuard(st, auditSvc))

	redisOpt := queue.RedisOpt(cfg.Redis)
	srv := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: 2,
		Queues:      map[string]int{"default": 1},
	})
	mux := queue.NewServeMux(queue.Handlers{
		SweepTimeouts: workers.NewSweepWorker(tracker, cfg.Governance.CallTimeout),
	})

	scheduler := asynq.NewScheduler(redisOpt, &asynq.SchedulerOpts{})
	if _, err := queue.RegisterPeriodicSweep(scheduler, cfg.Governance.SweepInterval, cfg.Governance.CallTimeout); err != nil {
		slog.Error("failed to register periodic sweep", "error", err)
		os.Exit(1)
	}

	if err := srv.Start(mux); err != nil {
		slog.Error("worker error", "error", err)
		os.Exit(1)
	}
	if err := scheduler.Start(); err != nil {
		slog.Error("scheduler error", "error", err)
		srv.Shutdown()
		os.Exit(1)
	}

	slog.Info("worker started",
		"sweep_interval", cfg.Governance.SweepInterval.String(),
		"call_timeout", cfg.Governance.CallTimeout.String())
	<-ctx.Done()

	slog.Info("shutting down worker...")
	scheduler.Shutdown()
	srv.Shutdown()
	slog.Info("worker stopped")
}
