package queue

import (
	"context"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
)

// Handlers lists the task handlers served by the worker binary.
type Handlers struct {
	SweepTimeouts asynq.Handler
}

func NewServeMux(h Handlers) *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.Use(logTasks)
	mux.Handle(TypeCallsSweepTimeouts, h.SweepTimeouts)
	return mux
}

func logTasks(next asynq.Handler) asynq.Handler {
	return asynq.HandlerFunc(func(ctx context.Context, t *asynq.Task) error {
		start := time.Now()
		err := next.ProcessTask(ctx, t)
		if err != nil {
			slog.Error("task failed", "type", t.Type(), "duration_ms", time.Since(start).Milliseconds(), "error", err)
			return err
		}
		slog.Debug("task processed", "type", t.Type(), "duration_ms", time.Since(start).Milliseconds())
		return nil
	})
}
