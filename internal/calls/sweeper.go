package calls

import (
	"context"
	"log/slog"
	"time"
)

// Sweeper runs SweepTimeouts on a ticker. It is the in-process alternative
// to the scheduled worker task for single-binary deployments.
type Sweeper struct {
	tracker   *Tracker
	interval  time.Duration
	threshold time.Duration
	logger    *slog.Logger
}

func NewSweeper(t *Tracker, interval, threshold time.Duration) *Sweeper {
	return &Sweeper{tracker: t, interval: interval, threshold: threshold, logger: t.logger}
}

// Run blocks until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("call sweeper started", "interval", s.interval.String(), "threshold", s.threshold.String())
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("call sweeper stopped")
			return
		case <-ticker.C:
			if _, err := s.tracker.SweepTimeouts(ctx, s.threshold); err != nil && ctx.Err() == nil {
				s.logger.Error("call sweep failed", "error", err)
			}
		}
	}
}
