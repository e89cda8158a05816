// Package capture records bounded clips of live targets and routes them to delivery.
package capture

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/JakeFAU/goalclip/internal/clock"
	"github.com/JakeFAU/goalclip/internal/live"
	"github.com/JakeFAU/goalclip/internal/metrics"
	"github.com/JakeFAU/goalclip/internal/quota"
)

const tracerName = "github.com/JakeFAU/goalclip/internal/capture"

var (
	// ErrBusy means a capture is already running for the same channel and target.
	ErrBusy = errors.New("capture already in progress")
	// ErrQuota means the caller's cooldown has not elapsed.
	ErrQuota = errors.New("capture cooldown active")
	// ErrNotLive means the target was not confirmed live.
	ErrNotLive = errors.New("target is not live")
	// ErrNoSource means no candidate media address passed its probe.
	ErrNoSource = errors.New("no working source found")
)

// Status is the terminal state of a capture attempt.
type Status string

// Capture statuses.
const (
	StatusSucceeded   Status = "succeeded"
	StatusPartial     Status = "partial"
	StatusBusy        Status = "busy"
	StatusCooldown    Status = "cooldown"
	StatusNotLive     Status = "not_live"
	StatusNoSource    Status = "no_source"
	StatusFailed      Status = "failed"
	StatusUndelivered Status = "undelivered"
)

// Request asks for one clip.
type Request struct {
	// JobID is minted by the pipeline when empty.
	JobID    string
	Target   string
	Channel  string
	Identity string
	Duration time.Duration
	Caption  string
}

// Outcome describes a finished capture attempt. It is never persisted.
type Outcome struct {
	JobID           string        `json:"job_id"`
	Target          string        `json:"target"`
	Channel         string        `json:"channel"`
	Identity        string        `json:"identity"`
	Status          Status        `json:"status"`
	RequestedSecs   int           `json:"requested_seconds"`
	AdjustedSecs    int           `json:"adjusted_seconds"`
	StartedAt       time.Time     `json:"started_at"`
	CandidatesTried int           `json:"candidates_tried"`
	Selected        string        `json:"selected,omitempty"`
	Size            int64         `json:"size,omitempty"`
	Delivery        string        `json:"delivery,omitempty"`
	Link            string        `json:"link,omitempty"`
	Wait            time.Duration `json:"wait,omitempty"`
	Err             error         `json:"-"`
}

// Retryable reports whether a whole-pipeline retry could help.
func (o Outcome) Retryable() bool {
	return o.Status == StatusNoSource || o.Status == StatusFailed
}

// Delivered reports whether an artifact reached the subscriber.
func (o Outcome) Delivered() bool {
	return o.Status == StatusSucceeded || o.Status == StatusPartial
}

// LiveChecker confirms a target is live with a fresh status check.
type LiveChecker interface {
	CheckLive(ctx context.Context, name string) (bool, error)
}

// Discoverer returns media addresses observed for a target.
type Discoverer interface {
	Discover(ctx context.Context, name string) ([]string, error)
}

// Gate is the quota check consulted before a capture starts.
type Gate interface {
	// Reserve starts identity's cooldown when allowed; cancel gives it back.
	Reserve(identity string) (quota.Decision, func())
	Clamp(identity string, requested time.Duration) time.Duration
}

// IDGenerator mints job ids.
type IDGenerator interface {
	NewID() (string, error)
}

// Config tunes candidate probing and transcoder deadlines.
type Config struct {
	WorkDir            string
	ProbeTimeout       time.Duration
	DeadlineFloor      time.Duration
	DeadlineMultiplier int
	Grace              time.Duration
	MaxPriors          int
	Candidates         CandidateConfig
}

func (c Config) withDefaults() Config {
	if c.WorkDir == "" {
		c.WorkDir = os.TempDir()
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 8 * time.Second
	}
	if c.DeadlineFloor <= 0 {
		c.DeadlineFloor = 2 * time.Minute
	}
	if c.DeadlineMultiplier <= 0 {
		c.DeadlineMultiplier = 3
	}
	if c.Grace <= 0 {
		c.Grace = 5 * time.Second
	}
	return c
}

// Deadline returns the hard wall-clock limit for recording d.
func (c Config) Deadline(d time.Duration) time.Duration {
	if scaled := time.Duration(c.DeadlineMultiplier) * d; scaled > c.DeadlineFloor {
		return scaled
	}
	return c.DeadlineFloor
}

// Deps are the pipeline's collaborators. Discoverer may be nil.
type Deps struct {
	Live       LiveChecker
	Discoverer Discoverer
	Gate       Gate
	Transcoder Transcoder
	Deliverer  Deliverer
	IDs        IDGenerator
	Clock      live.Clock
}

// Pipeline runs captures, at most one per (channel, target).
type Pipeline struct {
	cfg    Config
	deps   Deps
	priors *Priors
	logger *zap.Logger

	mu     sync.Mutex
	active map[string]struct{}
}

// New builds a Pipeline.
func New(cfg Config, deps Deps, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	cfg = cfg.withDefaults()
	return &Pipeline{
		cfg:    cfg,
		deps:   deps,
		priors: NewPriors(cfg.MaxPriors),
		logger: logger.Named("capture"),
		active: make(map[string]struct{}),
	}
}

// Priors exposes the remembered-address store.
func (p *Pipeline) Priors() *Priors { return p.priors }

// Busy reports whether a capture is running for channel and target.
func (p *Pipeline) Busy(channel, target string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.active[live.TargetKey(channel, target)]
	return ok
}

// Capture runs the full pipeline and always returns an Outcome.
func (p *Pipeline) Capture(ctx context.Context, req Request) Outcome {
	out := Outcome{
		JobID:         req.JobID,
		Target:        live.Normalize(req.Target),
		Channel:       req.Channel,
		Identity:      req.Identity,
		RequestedSecs: int(req.Duration.Seconds()),
		StartedAt:     p.deps.Clock.Now(),
	}
	if out.JobID == "" {
		out.JobID = p.newJobID()
	}
	logger := p.logger.With(
		zap.String("job_id", out.JobID),
		zap.String("target", out.Target),
		zap.String("channel", out.Channel),
		zap.String("identity", out.Identity),
	)
	ctx, span := otel.Tracer(tracerName).Start(ctx, "capture")
	start := time.Now()
	defer func() {
		span.SetAttributes(
			attribute.String("goalclip.target", out.Target),
			attribute.String("goalclip.status", string(out.Status)),
			attribute.Int("goalclip.candidates_tried", out.CandidatesTried),
		)
		if out.Err != nil && !out.Delivered() {
			span.SetStatus(codes.Error, out.Err.Error())
		}
		span.End()
		metrics.ObserveCapture(string(out.Status), time.Since(start))
		fields := []zap.Field{zap.String("status", string(out.Status)), zap.Int("candidates_tried", out.CandidatesTried)}
		if out.Err != nil {
			fields = append(fields, zap.Error(out.Err))
		}
		logger.Info("capture finished", fields...)
	}()

	key := live.TargetKey(req.Channel, req.Target)
	if !p.claim(key) {
		out.Status, out.Err = StatusBusy, ErrBusy
		return out
	}
	defer p.unclaim(key)

	decision, release := p.deps.Gate.Reserve(req.Identity)
	if !decision.Allowed {
		out.Status, out.Err, out.Wait = StatusCooldown, ErrQuota, decision.Wait
		return out
	}
	adjusted := p.deps.Gate.Clamp(req.Identity, req.Duration)
	out.AdjustedSecs = int(adjusted.Seconds())

	isLive, err := p.deps.Live.CheckLive(ctx, req.Target)
	if err != nil || !isLive {
		out.Status, out.Err = StatusNotLive, ErrNotLive
		if err != nil {
			out.Err = fmt.Errorf("%w: %w", ErrNotLive, err)
		}
		release()
		return out
	}

	selected, tried, err := p.selectSource(ctx, req.Target, logger)
	out.CandidatesTried = tried
	if err != nil {
		out.Status, out.Err = StatusFailed, err
		if errors.Is(err, ErrNoSource) {
			out.Status = StatusNoSource
		}
		return out
	}
	out.Selected = selected

	output := filepath.Join(p.cfg.WorkDir, fmt.Sprintf("%s-%s.mp4", out.Target, out.JobID))
	defer func() {
		if rerr := os.Remove(output); rerr != nil && !errors.Is(rerr, os.ErrNotExist) {
			logger.Warn("remove artifact failed", zap.String("path", output), zap.Error(rerr))
		}
	}()

	res, err := p.deps.Transcoder.Record(ctx, RecordJob{
		Source:   selected,
		Output:   output,
		Duration: adjusted,
		Deadline: p.cfg.Deadline(adjusted),
		Grace:    p.cfg.Grace,
	})
	if err != nil {
		out.Status, out.Err = StatusFailed, err
		return out
	}
	info, err := os.Stat(output)
	if err != nil || info.Size() == 0 {
		out.Status, out.Err = StatusFailed, fmt.Errorf("empty artifact: %s", res.Diagnostics)
		return out
	}
	out.Size = info.Size()
	out.Status = StatusSucceeded
	if res.SourceEnded || res.TimedOut {
		out.Status = StatusPartial
		logger.Info("capture ended early", zap.Bool("source_ended", res.SourceEnded), zap.Bool("timed_out", res.TimedOut))
	}
	p.priors.Remember(req.Target, selected)

	caption := req.Caption
	if caption == "" {
		caption = fmt.Sprintf("%s clip (%ds)", out.Target, out.AdjustedSecs)
	}
	delivery, err := p.deps.Deliverer.Deliver(ctx, Artifact{
		Channel: req.Channel,
		Path:    output,
		Size:    out.Size,
		Caption: caption,
		Metadata: map[string]string{
			"job_id":   out.JobID,
			"target":   out.Target,
			"duration": strconv.Itoa(out.AdjustedSecs),
		},
	})
	out.Delivery, out.Link = delivery.Path, delivery.Link
	if err != nil {
		out.Status, out.Err = StatusUndelivered, err
	}
	return out
}

// selectSource probes candidates one at a time and returns the first that works.
func (p *Pipeline) selectSource(ctx context.Context, target string, logger *zap.Logger) (string, int, error) {
	var discovered []string
	if p.deps.Discoverer != nil {
		d, err := p.deps.Discoverer.Discover(ctx, target)
		if err != nil {
			logger.Debug("media discovery failed", zap.Error(err))
		}
		discovered = d
	}
	candidates := orderCandidates(
		p.priors.List(target),
		discovered,
		p.cfg.Candidates.Generate(target),
		p.cfg.Candidates.FallbackAddresses(target),
	)

	tried := 0
	for _, candidate := range candidates {
		if err := ctx.Err(); err != nil {
			return "", tried, fmt.Errorf("select source: %w", err)
		}
		tried++
		err := p.deps.Transcoder.Probe(ctx, candidate, p.cfg.ProbeTimeout)
		metrics.ObserveCandidateProbe(err == nil)
		if err == nil {
			return candidate, tried, nil
		}
		logger.Debug("candidate rejected", zap.String("candidate", candidate), zap.Error(err))
	}
	return "", tried, ErrNoSource
}

func (p *Pipeline) claim(key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.active[key]; ok {
		return false
	}
	p.active[key] = struct{}{}
	return true
}

func (p *Pipeline) unclaim(key string) {
	p.mu.Lock()
	delete(p.active, key)
	p.mu.Unlock()
}

func (p *Pipeline) newJobID() string {
	if p.deps.IDs != nil {
		if id, err := p.deps.IDs.NewID(); err == nil {
			return id
		}
	}
	return strconv.FormatInt(time.Now().UnixNano(), 36)
}
