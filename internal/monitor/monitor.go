// Package monitor polls monitored targets, turns snapshots into de-duplicated
// state changes, notifies subscribers, and launches captures on goal completion.
package monitor

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/goalclip/internal/capture"
	"github.com/JakeFAU/goalclip/internal/clock"
	"github.com/JakeFAU/goalclip/internal/events"
	"github.com/JakeFAU/goalclip/internal/live"
	"github.com/JakeFAU/goalclip/internal/metrics"
	"github.com/JakeFAU/goalclip/internal/scheduler"
	"github.com/JakeFAU/goalclip/internal/statuscache"
)

// StatusSource returns cached or fresh snapshots.
type StatusSource interface {
	Get(ctx context.Context, name string, opts statuscache.Options) statuscache.Result
}

// Capturer runs one capture pipeline.
type Capturer interface {
	Capture(ctx context.Context, req capture.Request) capture.Outcome
}

// Registry is the durable target list.
type Registry interface {
	Targets() []live.Target
	UpdateStatus(ctx context.Context, channel, name string, st live.TargetStatus) error
	Remove(ctx context.Context, channel, name string) error
}

// Config tunes polling and the goal-completion capture flow.
type Config struct {
	PollInterval        time.Duration
	MinSpacing          time.Duration
	BatchSize           int
	BatchPause          time.Duration
	FailureCeiling      int
	CompletionThreshold float64
	CaptureDuration     time.Duration
	// CaptureAttempts bounds whole-pipeline attempts per channel.
	CaptureAttempts int
	RetryPause      time.Duration
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = time.Minute
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 3
	}
	if c.FailureCeiling <= 0 {
		c.FailureCeiling = 10
	}
	if c.CompletionThreshold <= 0 || c.CompletionThreshold > 100 {
		c.CompletionThreshold = 99
	}
	if c.CaptureDuration <= 0 {
		c.CaptureDuration = time.Minute
	}
	if c.CaptureAttempts <= 0 {
		c.CaptureAttempts = 3
	}
	return c
}

// Deps are the monitor's collaborators. Registry, Capturer and Events may be nil.
type Deps struct {
	Status    StatusSource
	Capturer  Capturer
	Registry  Registry
	Messenger live.Messenger
	Events    events.Emitter
	Clock     live.Clock
}

// State is a read-only view of one target's monitoring state.
type State struct {
	Name          string            `json:"name"`
	Phase         Phase             `json:"phase"`
	Status        live.TargetStatus `json:"status"`
	LastCheckedAt time.Time         `json:"last_checked_at"`
	Failures      int               `json:"consecutive_failures"`
	Channels      []string          `json:"channels"`
}

type targetState struct {
	name          string
	machine       *Machine
	lastCheckedAt time.Time
	inFlight      bool
	failures      int
	// channels maps channel id to its subscriber identities.
	channels map[string][]string
	snapshot live.Snapshot
}

// Monitor owns the per-target state map.
type Monitor struct {
	cfg    Config
	deps   Deps
	logger *zap.Logger

	mu     sync.Mutex
	states map[string]*targetState

	captureCtx    context.Context
	cancelCapture context.CancelFunc
	captures      sync.WaitGroup
}

// New builds a Monitor.
func New(cfg Config, deps Deps, logger *zap.Logger) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	if deps.Events == nil {
		deps.Events = events.Nop{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Monitor{
		cfg:           cfg.withDefaults(),
		deps:          deps,
		logger:        logger.Named("monitor"),
		states:        make(map[string]*targetState),
		captureCtx:    ctx,
		cancelCapture: cancel,
	}
}

// Register adds t's channel and subscribers to the state for its name.
func (m *Monitor) Register(t live.Target) {
	name := live.Normalize(t.Name)
	if name == "" || t.ChannelID == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[name]
	if !ok {
		st = &targetState{
			name:     name,
			machine:  NewMachine(m.cfg.CompletionThreshold),
			channels: make(map[string][]string),
		}
		m.states[name] = st
		m.logger.Info("target registered", zap.String("target", name))
	}
	st.channels[t.ChannelID] = live.MergeSubscribers(t.Subscribers, nil)
	metrics.SetMonitoredTargets(len(m.states))
}

// Unregister removes channel from name; the state goes once no channel remains.
func (m *Monitor) Unregister(channel, name string) {
	name = live.Normalize(name)
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[name]
	if !ok {
		return
	}
	delete(st.channels, channel)
	if len(st.channels) == 0 {
		delete(m.states, name)
		m.logger.Info("target unregistered", zap.String("target", name))
	}
	metrics.SetMonitoredTargets(len(m.states))
}

// State returns the view for name.
func (m *Monitor) State(name string) (State, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[live.Normalize(name)]
	if !ok {
		return State{}, false
	}
	return st.view(), true
}

// States returns every view ordered by name.
func (m *Monitor) States() []State {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]State, 0, len(m.states))
	for _, name := range slices.Sorted(maps.Keys(m.states)) {
		out = append(out, m.states[name].view())
	}
	return out
}

func (st *targetState) view() State {
	return State{
		Name:          st.name,
		Phase:         st.machine.Phase(),
		Status:        st.machine.Status(),
		LastCheckedAt: st.lastCheckedAt,
		Failures:      st.failures,
		Channels:      slices.Sorted(maps.Keys(st.channels)),
	}
}

// Run drives Tick on the poll interval until ctx ends.
func (m *Monitor) Run(ctx context.Context) {
	h := scheduler.Start(ctx, scheduler.Task{
		Name:           "monitor-poll",
		Interval:       m.cfg.PollInterval,
		RunImmediately: true,
		Run:            m.Tick,
	}, m.logger)
	<-h.Done()
}

// Tick polls every target in fixed-size concurrent batches with a pause between batches.
func (m *Monitor) Tick(ctx context.Context) error {
	m.sync()
	m.mu.Lock()
	names := slices.Sorted(maps.Keys(m.states))
	m.mu.Unlock()

	for start := 0; start < len(names); start += m.cfg.BatchSize {
		if start > 0 {
			if err := sleep(ctx, m.cfg.BatchPause); err != nil {
				return err
			}
		}
		batch := names[start:min(start+m.cfg.BatchSize, len(names))]
		g, gctx := errgroup.WithContext(ctx)
		for _, name := range batch {
			g.Go(func() error {
				_, err := m.Poll(gctx, name)
				return err
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
	}
	return nil
}

// sync reconciles the state map with the registry.
func (m *Monitor) sync() {
	if m.deps.Registry == nil {
		return
	}
	wanted := make(map[string]map[string]bool)
	for _, t := range m.deps.Registry.Targets() {
		m.Register(t)
		name := live.Normalize(t.Name)
		if wanted[name] == nil {
			wanted[name] = make(map[string]bool)
		}
		wanted[name][t.ChannelID] = true
	}
	m.mu.Lock()
	var stale [][2]string
	for name, st := range m.states {
		for ch := range st.channels {
			if !wanted[name][ch] {
				stale = append(stale, [2]string{ch, name})
			}
		}
	}
	m.mu.Unlock()
	for _, s := range stale {
		m.Unregister(s[0], s[1])
	}
}

type pollEffects struct {
	name        string
	transitions []Transition
	snapshot    live.Snapshot
	status      live.TargetStatus
	goal        GoalMemory
	channels    map[string][]string
	dropped     bool
}

// Poll checks one target. It is a no-op, returning false, when the target is
// unknown, already being polled, or was polled less than MinSpacing ago.
// Only context cancellation is returned as an error.
func (m *Monitor) Poll(ctx context.Context, name string) (bool, error) {
	name = live.Normalize(name)
	now := m.deps.Clock.Now()

	m.mu.Lock()
	st, ok := m.states[name]
	if !ok || st.inFlight || (!st.lastCheckedAt.IsZero() && now.Sub(st.lastCheckedAt) < m.cfg.MinSpacing) {
		m.mu.Unlock()
		return false, nil
	}
	st.inFlight = true
	st.lastCheckedAt = now
	includeGoal := st.machine.Phase().Live()
	m.mu.Unlock()

	start := time.Now()
	res := m.deps.Status.Get(ctx, name, statuscache.Options{IncludeGoal: includeGoal})
	metrics.ObservePoll(time.Since(start))
	if err := ctx.Err(); err != nil {
		m.mu.Lock()
		st.inFlight = false
		m.mu.Unlock()
		return true, err
	}

	fx := m.evaluate(st, res, includeGoal)
	m.apply(ctx, fx)
	return true, nil
}

func (m *Monitor) evaluate(st *targetState, res statuscache.Result, withGoal bool) pollEffects {
	m.mu.Lock()
	defer m.mu.Unlock()
	st.inFlight = false
	fx := pollEffects{name: st.name, channels: maps.Clone(st.channels)}

	if res.Err != nil {
		st.failures++
		m.logger.Warn("status extraction failed",
			zap.String("target", st.name),
			zap.Int("consecutive_failures", st.failures),
			zap.String("source", string(res.Source)),
			zap.Error(res.Err),
		)
		if st.failures > m.cfg.FailureCeiling {
			if cur, ok := m.states[st.name]; ok && cur == st {
				delete(m.states, st.name)
				metrics.SetMonitoredTargets(len(m.states))
			}
			fx.dropped = true
		}
		return fx
	}

	st.failures = 0
	st.snapshot = res.Snapshot
	fx.transitions = st.machine.Step(res.Snapshot, withGoal)
	fx.snapshot = res.Snapshot
	fx.status = st.machine.Status()
	fx.goal, _ = st.machine.Goal()
	return fx
}

func (m *Monitor) apply(ctx context.Context, fx pollEffects) {
	logger := m.logger.With(zap.String("target", fx.name))
	if fx.dropped {
		logger.Error("target unreachable, dropping", zap.Int("failure_ceiling", m.cfg.FailureCeiling))
		metrics.ObserveTransition("dropped")
		for ch := range fx.channels {
			if m.deps.Registry != nil {
				if err := m.deps.Registry.Remove(ctx, ch, fx.name); err != nil {
					logger.Warn("remove dropped target failed", zap.String("channel", ch), zap.Error(err))
				}
			}
			m.notify(ctx, ch, fmt.Sprintf("%s is unreachable and is no longer monitored", fx.name))
			m.emit(events.Event{Kind: events.KindTargetDropped, Target: fx.name, Channel: ch})
		}
		return
	}

	if m.deps.Registry != nil {
		for ch := range fx.channels {
			if err := m.deps.Registry.UpdateStatus(ctx, ch, fx.name, fx.status); err != nil {
				logger.Debug("persist status failed", zap.String("channel", ch), zap.Error(err))
			}
		}
	}

	for _, tr := range fx.transitions {
		metrics.ObserveTransition(string(tr))
		logger.Info("transition", zap.String("transition", string(tr)), zap.String("goal_text", fx.goal.Text), zap.Float64("progress", fx.goal.Progress))
		if !tr.Notifies() {
			continue
		}
		for _, ch := range slices.Sorted(maps.Keys(fx.channels)) {
			m.announce(ctx, tr, ch, fx)
			if tr == TransitionGoalCompleted {
				m.startCapture(fx.name, ch, fx.channels[ch], fx.goal)
			}
		}
	}
}

func (m *Monitor) announce(ctx context.Context, tr Transition, channel string, fx pollEffects) {
	evt := events.Event{Target: fx.name, Channel: channel, GoalText: fx.goal.Text, Progress: fx.goal.Progress}
	switch tr {
	case TransitionOffline:
		evt.Kind = events.KindTargetOffline
		msg := fmt.Sprintf("%s went offline", fx.name)
		if fx.snapshot.NextBroadcast != "" {
			msg += fmt.Sprintf(" (next broadcast: %s)", fx.snapshot.NextBroadcast)
		}
		m.notify(ctx, channel, msg)
	case TransitionLive:
		evt.Kind = events.KindTargetLive
		msg := fmt.Sprintf("%s is live again", fx.name)
		if len(fx.snapshot.Preview) > 0 && m.deps.Messenger != nil {
			if err := m.deps.Messenger.SendPhoto(ctx, channel, fx.snapshot.Preview, msg); err == nil {
				break
			}
		}
		m.notify(ctx, channel, msg)
	case TransitionGoalStarted:
		evt.Kind = events.KindGoalStarted
		m.notify(ctx, channel, fmt.Sprintf("%s started a goal: %s", fx.name, fx.goal.Text))
	case TransitionGoalCompleted:
		evt.Kind = events.KindGoalCompleted
		m.notify(ctx, channel, fmt.Sprintf("%s completed the goal: %s (%.0f%%)", fx.name, fx.goal.Text, fx.goal.Progress))
	}
	m.emit(evt)
}

func (m *Monitor) notify(ctx context.Context, channel, text string) {
	if m.deps.Messenger == nil {
		return
	}
	if err := m.deps.Messenger.SendText(ctx, channel, text); err != nil {
		m.logger.Warn("notification failed", zap.String("channel", channel), zap.Error(err))
	}
}

func (m *Monitor) emit(evt events.Event) {
	evt.TS = m.deps.Clock.Now()
	m.deps.Events.Emit(evt)
}

// startCapture runs the completion capture for one channel as a tracked task.
func (m *Monitor) startCapture(name, channel string, identities []string, goal GoalMemory) {
	if m.deps.Capturer == nil {
		return
	}
	m.captures.Add(1)
	go func() {
		defer m.captures.Done()
		out := m.captureWithRetry(m.captureCtx, name, channel, identities, goal)
		m.logger.Info("completion capture finished",
			zap.String("target", name),
			zap.String("channel", channel),
			zap.String("identity", out.Identity),
			zap.String("job_id", out.JobID),
			zap.String("status", string(out.Status)),
		)
		note := ""
		if out.Err != nil {
			note = out.Err.Error()
		}
		m.emit(events.Event{
			Kind: events.KindCaptureFinished, Target: name, Channel: channel,
			GoalText: goal.Text, JobID: out.JobID, Status: string(out.Status), Note: note,
		})
		if !out.Delivered() && out.Status != capture.StatusBusy {
			m.notify(m.captureCtx, channel, fmt.Sprintf("capture of %s failed: %s", name, out.Status))
		}
	}()
}

// captureWithRetry retries only retryable outcomes. Within an attempt, identities
// are tried in order until one is past its cooldown.
func (m *Monitor) captureWithRetry(ctx context.Context, name, channel string, identities []string, goal GoalMemory) capture.Outcome {
	if len(identities) == 0 {
		identities = []string{channel}
	}
	var out capture.Outcome
	for attempt := 1; attempt <= m.cfg.CaptureAttempts; attempt++ {
		for _, id := range identities {
			out = m.deps.Capturer.Capture(ctx, capture.Request{
				Target:   name,
				Channel:  channel,
				Identity: id,
				Duration: m.cfg.CaptureDuration,
				Caption:  fmt.Sprintf("%s goal complete: %s", name, goal.Text),
			})
			if out.Status != capture.StatusCooldown {
				break
			}
		}
		if !out.Retryable() || attempt == m.cfg.CaptureAttempts {
			return out
		}
		m.logger.Info("retrying completion capture",
			zap.String("target", name), zap.String("channel", channel),
			zap.Int("attempt", attempt), zap.String("status", string(out.Status)))
		if err := sleep(ctx, m.cfg.RetryPause); err != nil {
			return out
		}
	}
	return out
}

// Wait blocks until every running capture task has returned.
func (m *Monitor) Wait() {
	m.captures.Wait()
}

// Shutdown waits for captures until ctx ends, then cancels the rest.
func (m *Monitor) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		m.captures.Wait()
		close(done)
	}()
	select {
	case <-done:
		m.cancelCapture()
		return nil
	case <-ctx.Done():
		m.cancelCapture()
		<-done
		return fmt.Errorf("monitor shutdown: %w", ctx.Err())
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
