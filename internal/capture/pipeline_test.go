package capture

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/goalclip/internal/clock"
	"github.com/JakeFAU/goalclip/internal/live"
	"github.com/JakeFAU/goalclip/internal/quota"
)

type fakeLive struct {
	live bool
	err  error
}

func (f fakeLive) CheckLive(context.Context, string) (bool, error) { return f.live, f.err }

// blockingLive holds every live check until release is closed.
type blockingLive struct{ release chan struct{} }

func (b blockingLive) CheckLive(ctx context.Context, _ string) (bool, error) {
	select {
	case <-b.release:
		return true, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

type fakeDiscoverer struct{ addrs []string }

func (f fakeDiscoverer) Discover(context.Context, string) ([]string, error) { return f.addrs, nil }

type fakeTranscoder struct {
	mu      sync.Mutex
	works   map[string]bool
	probed  []string
	records []RecordJob
	result  RecordResult
	err     error
	size    int
	block   chan struct{}
}

func (f *fakeTranscoder) Probe(_ context.Context, source string, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.probed = append(f.probed, source)
	if f.works[source] {
		return nil
	}
	return errors.New("probe failed")
}

func (f *fakeTranscoder) Record(ctx context.Context, job RecordJob) (RecordResult, error) {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
		}
	}
	f.mu.Lock()
	f.records = append(f.records, job)
	size, res, err := f.size, f.result, f.err
	f.mu.Unlock()
	if size > 0 {
		if werr := os.WriteFile(job.Output, make([]byte, size), 0o600); werr != nil {
			return RecordResult{}, werr
		}
	}
	return res, err
}

func (f *fakeTranscoder) recordCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.records)
}

type fakeDeliverer struct {
	mu        sync.Mutex
	artifacts []Artifact
	err       error
}

func (f *fakeDeliverer) Deliver(_ context.Context, a Artifact) (Delivery, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, statErr := os.Stat(a.Path)
	if statErr != nil {
		return Delivery{}, statErr
	}
	f.artifacts = append(f.artifacts, a)
	return Delivery{Path: PathDirect}, f.err
}

type staticClasses map[string]live.EntitlementClass

func (s staticClasses) Class(id string) live.EntitlementClass { return s[id] }

type fixture struct {
	pipeline *Pipeline
	tx       *fakeTranscoder
	deliver  *fakeDeliverer
	gate     *quota.Gate
	clock    *clock.Manual
}

func newFixture(t *testing.T, isLive bool) *fixture {
	t.Helper()
	clk := clock.NewManual(time.Unix(1_700_000_000, 0))
	gate := quota.New(quota.Config{
		Cooldown:        10 * time.Minute,
		ThrottledMax:    45 * time.Second,
		UnlimitedMax:    5 * time.Minute,
		DefaultDuration: 30 * time.Second,
	}, staticClasses{"vip": live.ClassUnlimited}, clk)
	tx := &fakeTranscoder{works: map[string]bool{}, size: 1024}
	deliver := &fakeDeliverer{}
	p := New(Config{
		WorkDir:            t.TempDir(),
		DeadlineFloor:      120 * time.Second,
		DeadlineMultiplier: 3,
		Grace:              time.Second,
		Candidates: CandidateConfig{
			URLTemplate: "https://edge{server}.test/{name}/{quality}.m3u8",
			Servers:     []string{"1", "2"},
			Qualities:   []string{"hi", "lo"},
			Fallbacks:   []string{"https://fallback.test/{name}.m3u8"},
		},
	}, Deps{
		Live:       fakeLive{live: isLive},
		Gate:       gate,
		Transcoder: tx,
		Deliverer:  deliver,
		Clock:      clk,
	}, nil)
	return &fixture{pipeline: p, tx: tx, deliver: deliver, gate: gate, clock: clk}
}

func TestCaptureClampsThrottledDuration(t *testing.T) {
	t.Parallel()

	f := newFixture(t, true)
	f.tx.works["https://edge1.test/alice/hi.m3u8"] = true

	out := f.pipeline.Capture(context.Background(), Request{Target: "alice", Channel: "c1", Identity: "user", Duration: 600 * time.Second})
	require.Equal(t, StatusSucceeded, out.Status, out.Err)
	require.Equal(t, 600, out.RequestedSecs)
	require.Equal(t, 45, out.AdjustedSecs)

	require.Len(t, f.tx.records, 1)
	job := f.tx.records[0]
	require.Equal(t, 45*time.Second, job.Duration)
	require.Equal(t, 135*time.Second, job.Deadline)
	require.NotEmpty(t, out.JobID)

	_, err := os.Stat(job.Output)
	require.ErrorIs(t, err, os.ErrNotExist, "artifact is cleaned up")
	require.Len(t, f.deliver.artifacts, 1)
	require.Equal(t, int64(1024), f.deliver.artifacts[0].Size)
}

func TestCaptureDeadlineFloor(t *testing.T) {
	t.Parallel()

	cfg := Config{DeadlineFloor: 120 * time.Second, DeadlineMultiplier: 3}
	require.Equal(t, 120*time.Second, cfg.Deadline(10*time.Second))
	require.Equal(t, 900*time.Second, cfg.Deadline(300*time.Second))
}

func TestCaptureNoWorkingSource(t *testing.T) {
	t.Parallel()

	f := newFixture(t, true)
	out := f.pipeline.Capture(context.Background(), Request{Target: "alice", Channel: "c1", Identity: "vip", Duration: 30 * time.Second})

	require.Equal(t, StatusNoSource, out.Status)
	require.ErrorIs(t, out.Err, ErrNoSource)
	require.Equal(t, 5, out.CandidatesTried)
	require.Len(t, f.tx.probed, 5)
	require.Zero(t, f.tx.recordCount(), "no transcoder invocation without a source")
	require.True(t, out.Retryable())
}

func TestCaptureRejectsConcurrentSamePair(t *testing.T) {
	t.Parallel()

	f := newFixture(t, true)
	f.tx.works["https://edge1.test/alice/hi.m3u8"] = true
	f.tx.block = make(chan struct{})

	done := make(chan Outcome, 1)
	go func() {
		done <- f.pipeline.Capture(context.Background(), Request{Target: "alice", Channel: "c1", Identity: "vip"})
	}()
	require.Eventually(t, func() bool { return f.pipeline.Busy("c1", "Alice") }, time.Second, time.Millisecond)

	second := f.pipeline.Capture(context.Background(), Request{Target: "ALICE", Channel: "c1", Identity: "vip"})
	require.Equal(t, StatusBusy, second.Status)
	require.ErrorIs(t, second.Err, ErrBusy)

	close(f.tx.block)
	require.Equal(t, StatusSucceeded, (<-done).Status)
	require.False(t, f.pipeline.Busy("c1", "alice"))
}

func TestCaptureCooldown(t *testing.T) {
	t.Parallel()

	f := newFixture(t, true)
	f.tx.works["https://edge1.test/alice/hi.m3u8"] = true
	req := Request{Target: "alice", Channel: "c1", Identity: "user", Duration: 10 * time.Second}

	require.Equal(t, StatusSucceeded, f.pipeline.Capture(context.Background(), req).Status)

	f.clock.Advance(time.Minute)
	out := f.pipeline.Capture(context.Background(), req)
	require.Equal(t, StatusCooldown, out.Status)
	require.ErrorIs(t, out.Err, ErrQuota)
	require.Equal(t, 9*time.Minute, out.Wait)
	require.Equal(t, 1, f.tx.recordCount())
}

func TestCaptureNotLiveDoesNotConsumeQuota(t *testing.T) {
	t.Parallel()

	f := newFixture(t, false)
	out := f.pipeline.Capture(context.Background(), Request{Target: "alice", Channel: "c1", Identity: "user"})
	require.Equal(t, StatusNotLive, out.Status)
	require.ErrorIs(t, out.Err, ErrNotLive)
	require.Empty(t, f.tx.probed)
	require.True(t, f.gate.Check("user").Allowed)
}

func TestCaptureSharedIdentityAdmitsOneConcurrentCapture(t *testing.T) {
	t.Parallel()

	f := newFixture(t, true)
	blocker := blockingLive{release: make(chan struct{})}
	f.pipeline.deps.Live = blocker
	f.tx.works["https://edge1.test/alice/hi.m3u8"] = true
	f.tx.works["https://edge1.test/bob/hi.m3u8"] = true

	outcomes := make(chan Outcome, 2)
	for _, req := range []Request{
		{Target: "alice", Channel: "calice", Identity: "u1"},
		{Target: "bob", Channel: "cbob", Identity: "u1"},
	} {
		go func() { outcomes <- f.pipeline.Capture(context.Background(), req) }()
	}

	// The loser is refused before reaching the live check.
	first := <-outcomes
	require.Equal(t, StatusCooldown, first.Status)
	require.ErrorIs(t, first.Err, ErrQuota)

	close(blocker.release)
	second := <-outcomes
	require.Equal(t, StatusSucceeded, second.Status)
	require.Equal(t, 1, f.tx.recordCount())
	require.False(t, f.gate.Check("u1").Allowed)
}

func TestCaptureLiveCheckErrorReleasesQuota(t *testing.T) {
	t.Parallel()

	f := newFixture(t, true)
	f.pipeline.deps.Live = fakeLive{err: errors.New("status endpoint unreachable")}

	out := f.pipeline.Capture(context.Background(), Request{Target: "alice", Channel: "c1", Identity: "user"})
	require.Equal(t, StatusNotLive, out.Status)
	require.True(t, f.gate.Check("user").Allowed)
}

func TestCaptureTriesPriorsThenDiscovered(t *testing.T) {
	t.Parallel()

	f := newFixture(t, true)
	f.pipeline.deps.Discoverer = fakeDiscoverer{addrs: []string{"https://seen.test/alice.m3u8"}}
	f.tx.works["https://edge2.test/alice/lo.m3u8"] = true

	out := f.pipeline.Capture(context.Background(), Request{Target: "alice", Channel: "c1", Identity: "vip"})
	require.Equal(t, StatusSucceeded, out.Status)
	require.Equal(t, []string{
		"https://seen.test/alice.m3u8",
		"https://edge1.test/alice/hi.m3u8",
		"https://edge2.test/alice/hi.m3u8",
		"https://edge1.test/alice/lo.m3u8",
		"https://edge2.test/alice/lo.m3u8",
	}, f.tx.probed)

	f.tx.probed = nil
	out = f.pipeline.Capture(context.Background(), Request{Target: "alice", Channel: "c2", Identity: "vip"})
	require.Equal(t, StatusSucceeded, out.Status)
	require.Equal(t, []string{"https://edge2.test/alice/lo.m3u8"}, f.tx.probed, "remembered prior is tried first")
}

func TestCapturePartialWhenSourceEnds(t *testing.T) {
	t.Parallel()

	f := newFixture(t, true)
	f.tx.works["https://edge1.test/alice/hi.m3u8"] = true
	f.tx.result = RecordResult{SourceEnded: true}

	out := f.pipeline.Capture(context.Background(), Request{Target: "alice", Channel: "c1", Identity: "vip"})
	require.Equal(t, StatusPartial, out.Status)
	require.True(t, out.Delivered())
	require.Len(t, f.deliver.artifacts, 1)
}

func TestCaptureRecordFailure(t *testing.T) {
	t.Parallel()

	f := newFixture(t, true)
	f.tx.works["https://edge1.test/alice/hi.m3u8"] = true
	f.tx.err = errors.New("codec exploded")

	out := f.pipeline.Capture(context.Background(), Request{Target: "alice", Channel: "c1", Identity: "vip"})
	require.Equal(t, StatusFailed, out.Status)
	require.True(t, out.Retryable())
	require.Empty(t, f.deliver.artifacts)
	require.Empty(t, f.pipeline.Priors().List("alice"))
}

func TestCaptureEmptyArtifactFails(t *testing.T) {
	t.Parallel()

	f := newFixture(t, true)
	f.tx.works["https://edge1.test/alice/hi.m3u8"] = true
	f.tx.size = 0

	out := f.pipeline.Capture(context.Background(), Request{Target: "alice", Channel: "c1", Identity: "vip"})
	require.Equal(t, StatusFailed, out.Status)
}

func TestCaptureDeliveryFailure(t *testing.T) {
	t.Parallel()

	f := newFixture(t, true)
	f.tx.works["https://edge1.test/alice/hi.m3u8"] = true
	f.deliver.err = errors.New("platform rejected")

	out := f.pipeline.Capture(context.Background(), Request{Target: "alice", Channel: "c1", Identity: "vip"})
	require.Equal(t, StatusUndelivered, out.Status)
	require.False(t, out.Retryable())
	_, err := os.Stat(f.tx.records[0].Output)
	require.ErrorIs(t, err, os.ErrNotExist)
}
