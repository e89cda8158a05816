// Package scheduler runs cancellable periodic tasks that correct for their own run time.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Task is a named unit of periodic work.
type Task struct {
	Name           string
	Interval       time.Duration
	RunImmediately bool
	Run            func(ctx context.Context) error
}

// Handle controls a started task.
type Handle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Start launches task in its own goroutine. The task stops when ctx is canceled or Stop is called.
func Start(ctx context.Context, task Task, logger *zap.Logger) *Handle {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(ctx)
	h := &Handle{cancel: cancel, done: make(chan struct{})}
	go h.loop(ctx, task, logger.Named("scheduler").With(zap.String("task", task.Name)))
	return h
}

// Stop cancels the task and waits for the in-flight run, if any, to return.
func (h *Handle) Stop() {
	h.cancel()
	<-h.done
}

// Done is closed once the task loop has exited.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

func (h *Handle) loop(ctx context.Context, task Task, logger *zap.Logger) {
	defer close(h.done)

	delay := task.Interval
	if task.RunImmediately {
		delay = 0
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		start := time.Now()
		if err := runOnce(ctx, task); err != nil && ctx.Err() == nil {
			logger.Warn("task run failed", zap.Error(err))
		}
		elapsed := time.Since(start)
		timer.Reset(NextDelay(task.Interval, elapsed))
	}
}

func runOnce(ctx context.Context, task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task %s panicked: %v", task.Name, r)
		}
	}()
	return task.Run(ctx)
}

// NextDelay subtracts the run's elapsed time from the interval, flooring at zero.
func NextDelay(interval, elapsed time.Duration) time.Duration {
	if d := interval - elapsed; d > 0 {
		return d
	}
	return 0
}
