package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
)

const (
	TypeCallsSweepTimeouts = "calls:sweep_timeouts"
)

// SweepTimeoutsPayload carries the age after which a STARTED call is timed out.
type SweepTimeoutsPayload struct {
	ThresholdSeconds int64 `json:"threshold_seconds"`
}

func (p SweepTimeoutsPayload) Threshold() time.Duration {
	return time.Duration(p.ThresholdSeconds) * time.Second
}

func NewSweepTimeoutsTask(threshold time.Duration, opts ...asynq.Option) (*asynq.Task, error) {
	data, err := json.Marshal(SweepTimeoutsPayload{ThresholdSeconds: int64(threshold / time.Second)})
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return asynq.NewTask(TypeCallsSweepTimeouts, data, opts...), nil
}
