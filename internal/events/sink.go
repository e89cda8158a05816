package events

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Sink consumes batches of events. Implementations must honor ctx deadlines.
type Sink interface {
	Consume(ctx context.Context, batch []Event) error
	Close(ctx context.Context) error
}

// Emitter publishes individual events.
type Emitter interface {
	Emit(evt Event)
}

// Nop discards every event.
type Nop struct{}

// Emit implements Emitter.
func (Nop) Emit(Event) {}

// LogSink writes each event as a structured log line.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink builds a LogSink.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger.Named("events")}
}

// Consume implements Sink.
func (s *LogSink) Consume(_ context.Context, batch []Event) error {
	for _, evt := range batch {
		s.logger.Info("event",
			zap.String("kind", string(evt.Kind)),
			zap.String("target", evt.Target),
			zap.String("channel", evt.Channel),
			zap.String("goal_text", evt.GoalText),
			zap.Float64("progress", evt.Progress),
			zap.String("job_id", evt.JobID),
			zap.String("status", evt.Status),
			zap.String("note", evt.Note),
			zap.Time("ts", evt.TS),
		)
	}
	return nil
}

// Close implements Sink.
func (*LogSink) Close(context.Context) error { return nil }

// Recorder keeps every event in memory. It is both a Sink and an Emitter.
type Recorder struct {
	mu     sync.RWMutex
	events []Event
}

// Emit implements Emitter.
func (r *Recorder) Emit(evt Event) {
	r.mu.Lock()
	r.events = append(r.events, evt)
	r.mu.Unlock()
}

// Consume implements Sink.
func (r *Recorder) Consume(_ context.Context, batch []Event) error {
	r.mu.Lock()
	r.events = append(r.events, batch...)
	r.mu.Unlock()
	return nil
}

// Close implements Sink.
func (*Recorder) Close(context.Context) error { return nil }

// Events returns a copy of everything recorded.
func (r *Recorder) Events() []Event {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Event(nil), r.events...)
}

// Kinds returns the recorded kinds in order.
func (r *Recorder) Kinds() []Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Kind, len(r.events))
	for i, e := range r.events {
		out[i] = e.Kind
	}
	return out
}
