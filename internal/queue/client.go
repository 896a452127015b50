package queue

import (
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/nikhilbhutani/promptplane/internal/config"
)

func RedisOpt(cfg config.RedisConfig) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	}
}

type Client struct {
	client *asynq.Client
}

func NewClient(cfg config.RedisConfig) *Client {
	return &Client{client: asynq.NewClient(RedisOpt(cfg))}
}

func (c *Client) Close() error {
	return c.client.Close()
}

// EnqueueSweepTimeouts schedules a one-off sweep. Duplicate requests within
// the uniqueness window collapse into one task.
func (c *Client) EnqueueSweepTimeouts(threshold time.Duration) error {
	task, err := NewSweepTimeoutsTask(threshold,
		asynq.MaxRetry(1), asynq.Timeout(time.Minute), asynq.Unique(time.Minute))
	if err != nil {
		return err
	}
	if _, err := c.client.Enqueue(task); err != nil {
		return fmt.Errorf("enqueue %s: %w", TypeCallsSweepTimeouts, err)
	}
	return nil
}

// RegisterPeriodicSweep adds the recurring timeout sweep to scheduler.
func RegisterPeriodicSweep(scheduler *asynq.Scheduler, interval, threshold time.Duration) (string, error) {
	task, err := NewSweepTimeoutsTask(threshold, asynq.MaxRetry(0), asynq.Timeout(interval))
	if err != nil {
		return "", err
	}
	id, err := scheduler.Register(fmt.Sprintf("@every %s", interval), task)
	if err != nil {
		return "", fmt.Errorf("register periodic sweep: %w", err)
	}
	return id, nil
}
