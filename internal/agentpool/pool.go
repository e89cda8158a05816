// Package agentpool manages a bounded set of reusable render agents.
package agentpool

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/goalclip/internal/clock"
	"github.com/JakeFAU/goalclip/internal/live"
	"github.com/JakeFAU/goalclip/internal/metrics"
)

var (
	// ErrAgentUnavailable means no agent could be constructed. Callers should try again later.
	ErrAgentUnavailable = errors.New("render agent unavailable")
	// ErrPoolClosed is returned after Shutdown.
	ErrPoolClosed = errors.New("agent pool closed")
)

// Config bounds the pool.
type Config struct {
	Ceiling      int
	AcquireWait  time.Duration
	PollInterval time.Duration
	IdleTimeout  time.Duration
}

func (c Config) withDefaults() Config {
	if c.Ceiling <= 0 {
		c.Ceiling = 1
	}
	if c.AcquireWait <= 0 {
		c.AcquireWait = 30 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 250 * time.Millisecond
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 5 * time.Minute
	}
	return c
}

// Agent is a borrowed render agent. It is valid until passed to Release.
type Agent struct {
	session        Session
	busy           bool
	retire         bool
	lastActivityAt time.Time
}

// ID returns the underlying session id.
func (a *Agent) ID() string { return a.session.ID() }

// Session exposes the underlying session for the duration of one borrow.
func (a *Agent) Session() Session { return a.session }

// Stats is a point-in-time view of pool occupancy.
type Stats struct {
	Total   int  `json:"total"`
	Busy    int  `json:"busy"`
	Pending int  `json:"pending"`
	Ceiling int  `json:"ceiling"`
	Closed  bool `json:"closed"`
}

// Pool lends agents to one caller at a time.
type Pool struct {
	cfg    Config
	engine Engine
	clock  live.Clock
	logger *zap.Logger

	mu      sync.Mutex
	agents  map[string]*Agent
	pending int
	closed  bool
	stop    chan struct{}
}

// New builds a pool over engine.
func New(cfg Config, engine Engine, clk live.Clock, logger *zap.Logger) *Pool {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		cfg:    cfg.withDefaults(),
		engine: engine,
		clock:  clk,
		logger: logger.Named("agentpool"),
		agents: make(map[string]*Agent),
		stop:   make(chan struct{}),
	}
}

// Acquire returns an idle agent, creates one below the ceiling, or waits.
// When the bounded wait elapses it creates a single over-ceiling agent and
// marks the least-recently-used agent for eviction.
func (p *Pool) Acquire(ctx context.Context) (*Agent, error) {
	start := time.Now()
	defer func() { metrics.ObserveAcquireWait(time.Since(start)) }()

	limit := p.cfg.Ceiling
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()
	wait := time.NewTimer(p.cfg.AcquireWait)
	defer wait.Stop()

	for {
		agent, create, err := p.tryAcquire(limit)
		if err != nil {
			return nil, err
		}
		if agent != nil {
			return agent, nil
		}
		if create {
			return p.create(ctx, limit > p.cfg.Ceiling)
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("acquire render agent: %w", ctx.Err())
		case <-ticker.C:
		case <-wait.C:
			p.logger.Warn("agent wait elapsed, forcing over-ceiling agent", zap.Duration("waited", time.Since(start)))
			limit = p.cfg.Ceiling + 1
		}
	}
}

func (p *Pool) tryAcquire(limit int) (*Agent, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, false, ErrPoolClosed
	}
	if a := p.idleLocked(); a != nil {
		a.busy = true
		a.lastActivityAt = p.clock.Now()
		return a, false, nil
	}
	if len(p.agents)+p.pending >= limit {
		return nil, false, nil
	}
	p.pending++
	if len(p.agents)+p.pending > p.cfg.Ceiling {
		if lru := p.lruLocked(); lru != nil {
			lru.retire = true
			p.logger.Info("agent scheduled for eviction", zap.String("session_id", lru.ID()))
		}
	}
	return nil, true, nil
}

func (p *Pool) idleLocked() *Agent {
	var best *Agent
	for _, a := range p.agents {
		if a.busy || a.retire {
			continue
		}
		if best == nil || a.lastActivityAt.After(best.lastActivityAt) {
			best = a
		}
	}
	return best
}

func (p *Pool) lruLocked() *Agent {
	var lru *Agent
	for _, a := range p.agents {
		if a.retire {
			continue
		}
		if lru == nil || a.lastActivityAt.Before(lru.lastActivityAt) {
			lru = a
		}
	}
	return lru
}

func (p *Pool) create(ctx context.Context, overflow bool) (*Agent, error) {
	sess, err := p.engine.NewSession(ctx, SessionOptions{})
	if err != nil {
		p.logger.Warn("agent construction failed, retrying with minimal options", zap.Error(err))
		sess, err = p.engine.NewSession(ctx, SessionOptions{Minimal: true})
	}

	p.mu.Lock()
	p.pending--
	if err != nil {
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: %w", ErrAgentUnavailable, err)
	}
	if p.closed {
		p.mu.Unlock()
		p.closeSession(sess)
		return nil, ErrPoolClosed
	}
	agent := &Agent{session: sess, busy: true, lastActivityAt: p.clock.Now()}
	p.agents[sess.ID()] = agent
	total := len(p.agents)
	p.mu.Unlock()

	metrics.SetPoolAgents(total)
	if overflow {
		metrics.ObservePoolOverflow()
	}
	p.logger.Debug("agent created", zap.String("session_id", sess.ID()), zap.Int("total", total), zap.Bool("overflow", overflow))
	go p.watch(agent)
	return agent, nil
}

// Release returns agent to the pool and stamps its activity time.
// Agents marked for eviction, or extras above the ceiling, are destroyed instead.
func (p *Pool) Release(agent *Agent) {
	if agent == nil {
		return
	}
	p.mu.Lock()
	if cur, ok := p.agents[agent.ID()]; !ok || cur != agent {
		p.mu.Unlock()
		return
	}
	agent.busy = false
	agent.lastActivityAt = p.clock.Now()
	evict := agent.retire || (len(p.agents) > p.cfg.Ceiling && !p.retiredLocked(agent))
	if evict {
		delete(p.agents, agent.ID())
	}
	total := len(p.agents)
	p.mu.Unlock()

	if evict {
		p.closeSession(agent.session)
		metrics.SetPoolAgents(total)
	}
}

func (p *Pool) retiredLocked(except *Agent) bool {
	for _, a := range p.agents {
		if a != except && a.retire {
			return true
		}
	}
	return false
}

// Do borrows an agent for the duration of fn.
func (p *Pool) Do(ctx context.Context, fn func(ctx context.Context, s Session) error) error {
	agent, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	defer p.Release(agent)
	return fn(ctx, agent.Session())
}

// Sweep destroys idle agents past the inactivity threshold, agents marked
// for eviction, and idle extras above the ceiling. Busy agents are never swept.
func (p *Pool) Sweep() int {
	now := p.clock.Now()
	p.mu.Lock()
	idle := make([]*Agent, 0, len(p.agents))
	for _, a := range p.agents {
		if !a.busy {
			idle = append(idle, a)
		}
	}
	sort.Slice(idle, func(i, j int) bool { return idle[i].lastActivityAt.Before(idle[j].lastActivityAt) })

	var victims []*Agent
	excess := len(p.agents) - p.cfg.Ceiling
	for _, a := range idle {
		expired := now.Sub(a.lastActivityAt) >= p.cfg.IdleTimeout
		if a.retire || expired || excess > 0 {
			delete(p.agents, a.ID())
			victims = append(victims, a)
			excess--
		}
	}
	total := len(p.agents)
	p.mu.Unlock()

	for _, a := range victims {
		p.closeSession(a.session)
	}
	if len(victims) > 0 {
		metrics.SetPoolAgents(total)
		p.logger.Debug("swept idle agents", zap.Int("destroyed", len(victims)), zap.Int("total", total))
	}
	return len(victims)
}

// Shutdown destroys every agent regardless of busy state.
func (p *Pool) Shutdown() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.stop)
	victims := make([]*Agent, 0, len(p.agents))
	for id, a := range p.agents {
		victims = append(victims, a)
		delete(p.agents, id)
	}
	p.mu.Unlock()

	var errs []error
	for _, a := range victims {
		if err := a.session.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close session %s: %w", a.ID(), err))
		}
	}
	metrics.SetPoolAgents(0)
	return errors.Join(errs...)
}

// Stats reports current occupancy.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := Stats{Total: len(p.agents), Pending: p.pending, Ceiling: p.cfg.Ceiling, Closed: p.closed}
	for _, a := range p.agents {
		if a.busy {
			s.Busy++
		}
	}
	return s
}

func (p *Pool) watch(agent *Agent) {
	select {
	case <-p.stop:
		return
	case <-agent.session.Done():
	}
	p.mu.Lock()
	cur, ok := p.agents[agent.ID()]
	if ok && cur == agent {
		delete(p.agents, agent.ID())
	}
	total := len(p.agents)
	p.mu.Unlock()
	if ok && cur == agent {
		p.logger.Warn("agent disconnected", zap.String("session_id", agent.ID()))
		p.closeSession(agent.session)
		metrics.SetPoolAgents(total)
	}
}

func (p *Pool) closeSession(s Session) {
	if err := s.Close(); err != nil {
		p.logger.Warn("close session failed", zap.String("session_id", s.ID()), zap.Error(err))
	}
}
