package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/nikhilbhutani/promptplane/internal/api"
	"github.com/nikhilbhutani/promptplane/internal/audit"
	"github.com/nikhilbhutani/promptplane/internal/cache"
	"github.com/nikhilbhutani/promptplane/internal/calls"
	"github.com/nikhilbhutani/promptplane/internal/config"
	"github.com/nikhilbhutani/promptplane/internal/database"
	"github.com/nikhilbhutani/promptplane/internal/llm"
	"github.com/nikhilbhutani/promptplane/internal/policy"
	"github.com/nikhilbhutani/promptplane/internal/prompt"
	"github.com/nikhilbhutani/promptplane/internal/queue"
	"github.com/nikhilbhutani/promptplane/internal/testrun"
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
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}
	loc, err := cfg.Governance.Location()
	if err != nil {
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

	svc := api.Services{DB: st}
	guardOpts := []policy.Option{policy.WithLocation(loc)}

	// Redis is optional: without it runtime configs are read from the store
	// every time and sweeps run in process.
	var rdb *redis.Client
	if cfg.Redis.Enabled {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			slog.Warn("redis unavailable, running without cache", "error", err)
			client.Close()
		} else {
			rdb = client
			defer rdb.Close()
		}
	}
	if rdb != nil {
		c := cache.NewCache(rdb, "promptplane:")
		guardOpts = append(guardOpts, policy.WithCache(c, cfg.Governance.RuntimeCacheTTL))
		svc.Redis = c
	}

	promptOpts := []prompt.Option{
		prompt.WithCreateAttempts(cfg.Governance.CreateVersionAttempts),
		prompt.WithActivationRetries(cfg.Governance.ActivationRetries),
	}

	svc.Audit = audit.NewService(st)
	svc.Guard = policy.NewGuard(st, svc.Audit, guardOpts...)
	svc.Versions = prompt.NewVersionManager(st, svc.Audit, promptOpts...)
	svc.Resolver = prompt.NewResolver(st, svc.Guard, promptOpts...)
	svc.Tracker = calls.NewTracker(st, svc.Guard)

	var runnerOpts []testrun.Option
	if gw := llm.NewGateway(cfg.LLM); gw.Enabled() {
		runnerOpts = append(runnerOpts, testrun.WithInvoker(gw))
	} else {
		slog.Info("no LLM provider configured, test runs resolve only")
	}
	svc.Tests = testrun.NewRunner(st, svc.Audit, svc.Resolver, svc.Tracker, runnerOpts...)

	if cfg.Governance.SweepInProcess || rdb == nil {
		sweeper := calls.NewSweeper(svc.Tracker, cfg.Governance.SweepInterval, cfg.Governance.CallTimeout)
		go sweeper.Run(ctx)
	} else {
		// Catch calls orphaned while no worker was running; the worker's
		// scheduler takes over from here.
		qc := queue.NewClient(cfg.Redis)
		if err := qc.EnqueueSweepTimeouts(cfg.Governance.CallTimeout); err != nil {
			slog.Warn("failed to enqueue startup sweep", "error", err)
		}
		qc.Close()
	}

	router := api.NewRouter(cfg.Auth.JWTSecret, svc)
	srv := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      router.Setup(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		slog.Info("starting API server", "addr", cfg.Addr(), "driver", cfg.Database.Driver)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "error", err)
			stop()
		}
	}()

	<-ctx.Done()

	slog.Info("shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced shutdown", "error", err)
	}
	slog.Info("server stopped")
}
