package workers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/nikhilbhutani/promptplane/internal/queue"
)

// Sweeper is the part of calls.Tracker the worker needs.
type Sweeper interface {
	SweepTimeouts(ctx context.Context, threshold time.Duration) (int64, error)
}

type SweepWorker struct {
	tracker          Sweeper
	defaultThreshold time.Duration
}

func NewSweepWorker(tracker Sweeper, defaultThreshold time.Duration) *SweepWorker {
	return &SweepWorker{tracker: tracker, defaultThreshold: defaultThreshold}
}

func (w *SweepWorker) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var payload queue.SweepTimeoutsPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}

	threshold := payload.Threshold()
	if threshold <= 0 {
		threshold = w.defaultThreshold
	}

	n, err := w.tracker.SweepTimeouts(ctx, threshold)
	if err != nil {
		return fmt.Errorf("sweep timeouts: %w", err)
	}

	slog.Info("call sweep completed", "timed_out", n, "threshold", threshold.String())
	return nil
}
