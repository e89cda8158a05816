package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNextDelay(t *testing.T) {
	t.Parallel()

	require.Equal(t, 40*time.Second, NextDelay(time.Minute, 20*time.Second))
	require.Zero(t, NextDelay(time.Minute, 90*time.Second))
	require.Zero(t, NextDelay(time.Minute, time.Minute))
}

func TestStartRunsRepeatedly(t *testing.T) {
	t.Parallel()

	var runs atomic.Int32
	h := Start(context.Background(), Task{
		Name:           "tick",
		Interval:       10 * time.Millisecond,
		RunImmediately: true,
		Run: func(context.Context) error {
			runs.Add(1)
			return nil
		},
	}, nil)
	defer h.Stop()

	require.Eventually(t, func() bool { return runs.Load() >= 3 }, time.Second, 5*time.Millisecond)
}

func TestStartSurvivesErrorsAndPanics(t *testing.T) {
	t.Parallel()

	var runs atomic.Int32
	h := Start(context.Background(), Task{
		Name:           "flaky",
		Interval:       5 * time.Millisecond,
		RunImmediately: true,
		Run: func(context.Context) error {
			switch runs.Add(1) {
			case 1:
				return errors.New("boom")
			case 2:
				panic("kaboom")
			}
			return nil
		},
	}, nil)
	defer h.Stop()

	require.Eventually(t, func() bool { return runs.Load() >= 3 }, time.Second, 5*time.Millisecond)
}

func TestStopWaitsForLoopExit(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	h := Start(context.Background(), Task{
		Name:           "blocking",
		Interval:       time.Hour,
		RunImmediately: true,
		Run: func(ctx context.Context) error {
			close(started)
			<-ctx.Done()
			return ctx.Err()
		},
	}, nil)

	<-started
	h.Stop()
	select {
	case <-h.Done():
	default:
		t.Fatal("expected Done to be closed after Stop")
	}
}

func TestParentCancelStopsTask(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	h := Start(ctx, Task{Name: "idle", Interval: time.Hour, Run: func(context.Context) error { return nil }}, nil)
	cancel()

	select {
	case <-h.Done():
	case <-time.After(time.Second):
		t.Fatal("expected task to exit after parent cancel")
	}
}
