package agentpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/goalclip/internal/clock"
	"github.com/JakeFAU/goalclip/internal/live"
)

type fakePage struct{}

func (fakePage) Close() error { return nil }

type fakeSession struct {
	id     string
	done   chan struct{}
	closed atomic.Bool
}

func (s *fakeSession) ID() string { return s.id }
func (s *fakeSession) Load(context.Context, string, time.Duration) (Page, error) {
	return fakePage{}, nil
}
func (s *fakeSession) Extract(context.Context, Page) (live.PageData, error) {
	return live.PageData{IsLive: true}, nil
}
func (s *fakeSession) Close() error {
	s.closed.Store(true)
	return nil
}
func (s *fakeSession) Done() <-chan struct{} { return s.done }

type fakeEngine struct {
	mu       sync.Mutex
	seq      int
	sessions []*fakeSession
	opts     []SessionOptions
	fail     func(opts SessionOptions) error
}

func (e *fakeEngine) NewSession(_ context.Context, opts SessionOptions) (Session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.opts = append(e.opts, opts)
	if e.fail != nil {
		if err := e.fail(opts); err != nil {
			return nil, err
		}
	}
	e.seq++
	s := &fakeSession{id: fmt.Sprintf("s%d", e.seq), done: make(chan struct{})}
	e.sessions = append(e.sessions, s)
	return s, nil
}

func (e *fakeEngine) created() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.sessions)
}

func newTestPool(t *testing.T, cfg Config, engine Engine, clk live.Clock) *Pool {
	t.Helper()
	p := New(cfg, engine, clk, nil)
	t.Cleanup(func() { _ = p.Shutdown() })
	return p
}

func TestAcquireReusesIdleAgent(t *testing.T) {
	t.Parallel()

	engine := &fakeEngine{}
	p := newTestPool(t, Config{Ceiling: 2}, engine, nil)
	ctx := context.Background()

	a, err := p.Acquire(ctx)
	require.NoError(t, err)
	p.Release(a)

	b, err := p.Acquire(ctx)
	require.NoError(t, err)
	require.Equal(t, a.ID(), b.ID())
	require.Equal(t, 1, engine.created())
}

func TestAcquireCreatesUpToCeiling(t *testing.T) {
	t.Parallel()

	engine := &fakeEngine{}
	p := newTestPool(t, Config{Ceiling: 2}, engine, nil)
	ctx := context.Background()

	a, err := p.Acquire(ctx)
	require.NoError(t, err)
	b, err := p.Acquire(ctx)
	require.NoError(t, err)
	require.NotEqual(t, a.ID(), b.ID())

	stats := p.Stats()
	require.Equal(t, 2, stats.Total)
	require.Equal(t, 2, stats.Busy)
}

func TestAcquireWaitsForRelease(t *testing.T) {
	t.Parallel()

	engine := &fakeEngine{}
	p := newTestPool(t, Config{Ceiling: 1, AcquireWait: time.Second, PollInterval: 5 * time.Millisecond}, engine, nil)
	ctx := context.Background()

	a, err := p.Acquire(ctx)
	require.NoError(t, err)

	go func() {
		time.Sleep(20 * time.Millisecond)
		p.Release(a)
	}()

	b, err := p.Acquire(ctx)
	require.NoError(t, err)
	require.Equal(t, a.ID(), b.ID())
	require.Equal(t, 1, engine.created())
}

func TestAcquireForcesSingleOverflowAgent(t *testing.T) {
	t.Parallel()

	engine := &fakeEngine{}
	clk := clock.NewManual(time.Unix(0, 0))
	p := newTestPool(t, Config{Ceiling: 1, AcquireWait: 10 * time.Millisecond, PollInterval: 2 * time.Millisecond}, engine, clk)
	ctx := context.Background()

	first, err := p.Acquire(ctx)
	require.NoError(t, err)
	clk.Advance(time.Second)

	overflow, err := p.Acquire(ctx)
	require.NoError(t, err)
	require.NotEqual(t, first.ID(), overflow.ID())
	require.Equal(t, 2, p.Stats().Total)

	// A third caller cannot push the pool beyond ceiling+1.
	short, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err = p.Acquire(short)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, 2, engine.created())

	// The least-recently-used agent was marked for eviction and goes on release.
	p.Release(first)
	require.Equal(t, 1, p.Stats().Total)
	require.True(t, engine.sessions[0].closed.Load())

	p.Release(overflow)
	require.Equal(t, 1, p.Stats().Total)
	require.False(t, engine.sessions[1].closed.Load())
}

func TestConstructionRetriesMinimal(t *testing.T) {
	t.Parallel()

	engine := &fakeEngine{fail: func(opts SessionOptions) error {
		if !opts.Minimal {
			return errors.New("launch failed")
		}
		return nil
	}}
	p := newTestPool(t, Config{Ceiling: 1}, engine, nil)

	a, err := p.Acquire(context.Background())
	require.NoError(t, err)
	require.NotNil(t, a)
	require.Equal(t, []SessionOptions{{}, {Minimal: true}}, engine.opts)
}

func TestConstructionFailureSurfacesUnavailable(t *testing.T) {
	t.Parallel()

	engine := &fakeEngine{fail: func(SessionOptions) error { return errors.New("no browser") }}
	p := newTestPool(t, Config{Ceiling: 1}, engine, nil)

	_, err := p.Acquire(context.Background())
	require.ErrorIs(t, err, ErrAgentUnavailable)
	require.Len(t, engine.opts, 2)

	stats := p.Stats()
	require.Zero(t, stats.Total)
	require.Zero(t, stats.Pending)
}

func TestSweepDestroysOnlyExpiredIdleAgents(t *testing.T) {
	t.Parallel()

	engine := &fakeEngine{}
	clk := clock.NewManual(time.Unix(0, 0))
	p := newTestPool(t, Config{Ceiling: 2, IdleTimeout: time.Minute}, engine, clk)
	ctx := context.Background()

	idle, err := p.Acquire(ctx)
	require.NoError(t, err)
	busy, err := p.Acquire(ctx)
	require.NoError(t, err)
	p.Release(idle)

	clk.Advance(30 * time.Second)
	require.Zero(t, p.Sweep())

	clk.Advance(31 * time.Second)
	require.Equal(t, 1, p.Sweep())
	require.Equal(t, 1, p.Stats().Total)
	require.Equal(t, 1, p.Stats().Busy)

	clk.Advance(time.Hour)
	require.Zero(t, p.Sweep(), "busy agents are never swept")
	p.Release(busy)
}

func TestShutdownDestroysBusyAgents(t *testing.T) {
	t.Parallel()

	engine := &fakeEngine{}
	p := New(Config{Ceiling: 2}, engine, nil, nil)

	_, err := p.Acquire(context.Background())
	require.NoError(t, err)
	require.NoError(t, p.Shutdown())
	require.True(t, engine.sessions[0].closed.Load())

	_, err = p.Acquire(context.Background())
	require.ErrorIs(t, err, ErrPoolClosed)
	require.NoError(t, p.Shutdown())
}

func TestDisconnectedAgentIsRemoved(t *testing.T) {
	t.Parallel()

	engine := &fakeEngine{}
	p := newTestPool(t, Config{Ceiling: 1}, engine, nil)

	a, err := p.Acquire(context.Background())
	require.NoError(t, err)
	p.Release(a)

	close(engine.sessions[0].done)
	require.Eventually(t, func() bool { return p.Stats().Total == 0 }, time.Second, 5*time.Millisecond)

	b, err := p.Acquire(context.Background())
	require.NoError(t, err)
	require.NotEqual(t, a.ID(), b.ID())
}

func TestDoReleasesAgent(t *testing.T) {
	t.Parallel()

	p := newTestPool(t, Config{Ceiling: 1}, &fakeEngine{}, nil)
	var data live.PageData
	err := p.Do(context.Background(), func(ctx context.Context, s Session) error {
		page, err := s.Load(ctx, "https://example.test/alice", time.Second)
		if err != nil {
			return err
		}
		defer page.Close()
		data, err = s.Extract(ctx, page)
		return err
	})
	require.NoError(t, err)
	require.True(t, data.IsLive)
	require.Zero(t, p.Stats().Busy)
}
