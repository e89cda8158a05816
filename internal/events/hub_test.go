package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestHubBatchBySize(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{BufferSize: 8, MaxBatchEvents: 2, MaxBatchWait: time.Minute}, sink)
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	hub.Emit(sampleEvent(KindTargetLive))
	hub.Emit(sampleEvent(KindGoalStarted))
	require.Eventually(t, func() bool {
		b := sink.Batches()
		return len(b) == 1 && len(b[0]) == 2
	}, time.Second, 10*time.Millisecond)
}

func TestHubBatchByTimer(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{BufferSize: 4, MaxBatchEvents: 10, MaxBatchWait: 25 * time.Millisecond}, sink)
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	hub.Emit(sampleEvent(KindTargetOffline))
	require.Eventually(t, func() bool { return len(sink.Batches()) == 1 }, time.Second, 5*time.Millisecond)

	hub.Emit(sampleEvent(KindTargetLive))
	require.Eventually(t, func() bool { return len(sink.Batches()) == 2 }, time.Second, 5*time.Millisecond)
}

func TestHubEmitNeverBlocks(t *testing.T) {
	t.Parallel()

	hub := &Hub{events: make(chan Event), logger: zap.NewNop()}
	start := time.Now()
	hub.Emit(sampleEvent(KindTargetLive))
	require.Less(t, time.Since(start), 50*time.Millisecond)
	require.Equal(t, int64(0), hub.dropped.Load(), "drop counter is swapped out when logged")
}

func TestHubFlushOnCloseAndIgnoresLateEmits(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{BufferSize: 4, MaxBatchEvents: 100, MaxBatchWait: time.Minute}, sink)
	hub.Emit(sampleEvent(KindGoalCompleted))

	require.NoError(t, hub.Close(context.Background()))
	require.NoError(t, hub.Close(context.Background()))
	hub.Emit(sampleEvent(KindTargetLive))

	require.Len(t, sink.Batches(), 1)
	require.Len(t, sink.Batches()[0], 1)
	require.True(t, sink.closed)
}

func TestHubDropsInvalidEvents(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{MaxBatchEvents: 1}, sink)
	hub.Emit(Event{Kind: KindTargetLive})
	hub.Emit(Event{Kind: KindCaptureFinished, Target: "alice", TS: time.Now()})
	hub.Emit(Event{Kind: "bogus", Target: "alice", TS: time.Now()})
	require.NoError(t, hub.Close(context.Background()))
	require.Empty(t, sink.Batches())
}

func TestHubKeepsFlushingAfterSinkError(t *testing.T) {
	t.Parallel()

	failing := &stubSink{err: errors.New("down")}
	ok := newStubSink()
	hub := NewHub(Config{MaxBatchEvents: 1}, failing, ok)
	hub.Emit(sampleEvent(KindTargetLive))
	hub.Emit(sampleEvent(KindTargetOffline))
	require.NoError(t, hub.Close(context.Background()))
	require.Len(t, ok.Batches(), 2)
}

func TestRecorder(t *testing.T) {
	t.Parallel()

	var r Recorder
	r.Emit(sampleEvent(KindTargetLive))
	require.NoError(t, r.Consume(context.Background(), []Event{sampleEvent(KindGoalStarted)}))
	require.Equal(t, []Kind{KindTargetLive, KindGoalStarted}, r.Kinds())
}

type stubSink struct {
	mu      sync.Mutex
	batches [][]Event
	err     error
	closed  bool
}

func newStubSink() *stubSink {
	return &stubSink{}
}

func (s *stubSink) Consume(_ context.Context, batch []Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, append([]Event(nil), batch...))
	return s.err
}

func (s *stubSink) Close(context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *stubSink) Batches() [][]Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]Event, len(s.batches))
	copy(out, s.batches)
	return out
}

func sampleEvent(kind Kind) Event {
	evt := Event{Kind: kind, TS: time.Now(), Target: "alice", Channel: "c1"}
	if kind == KindCaptureFinished {
		evt.Status = "succeeded"
	}
	return evt
}
