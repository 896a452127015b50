package workers

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nikhilbhutani/promptplane/internal/queue"
)

type fakeSweeper struct {
	thresholds []time.Duration
	err        error
}

func (f *fakeSweeper) SweepTimeouts(_ context.Context, threshold time.Duration) (int64, error) {
	f.thresholds = append(f.thresholds, threshold)
	return 3, f.err
}

func TestSweepWorker_UsesPayloadThreshold(t *testing.T) {
	s := &fakeSweeper{}
	task, err := queue.NewSweepTimeoutsTask(90 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, queue.TypeCallsSweepTimeouts, task.Type())

	require.NoError(t, NewSweepWorker(s, 10*time.Minute).ProcessTask(context.Background(), task))
	assert.Equal(t, []time.Duration{90 * time.Second}, s.thresholds)
}

func TestSweepWorker_FallsBackToDefault(t *testing.T) {
	s := &fakeSweeper{}
	task, err := queue.NewSweepTimeoutsTask(0)
	require.NoError(t, err)

	require.NoError(t, NewSweepWorker(s, 10*time.Minute).ProcessTask(context.Background(), task))
	assert.Equal(t, []time.Duration{10 * time.Minute}, s.thresholds)
}

func TestSweepWorker_Errors(t *testing.T) {
	s := &fakeSweeper{err: errors.New("db down")}
	task, err := queue.NewSweepTimeoutsTask(time.Minute)
	require.NoError(t, err)
	assert.ErrorContains(t, NewSweepWorker(s, time.Minute).ProcessTask(context.Background(), task), "db down")

	bad := asynq.NewTask(queue.TypeCallsSweepTimeouts, []byte("{"))
	assert.ErrorContains(t, NewSweepWorker(&fakeSweeper{}, time.Minute).ProcessTask(context.Background(), bad), "unmarshal payload")
}

func TestServeMux_RoutesSweepTask(t *testing.T) {
	s := &fakeSweeper{}
	mux := queue.NewServeMux(queue.Handlers{SweepTimeouts: NewSweepWorker(s, time.Minute)})

	task, err := queue.NewSweepTimeoutsTask(2 * time.Minute)
	require.NoError(t, err)
	require.NoError(t, mux.ProcessTask(context.Background(), task))
	assert.Equal(t, []time.Duration{2 * time.Minute}, s.thresholds)
}
