// Package headless implements render agents on top of chromedp and headless Chrome.
package headless

import (
	"context"
	"fmt"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/goalclip/internal/agentpool"
)

// Config controls browser launch and page extraction.
type Config struct {
	Headless     bool
	ExecPath     string
	UserAgent    string
	NavTimeout   time.Duration
	Settle       time.Duration
	Screenshot   bool
	Script       string
	GoalSelector string
}

func (c Config) withDefaults() Config {
	if c.NavTimeout <= 0 {
		c.NavTimeout = 45 * time.Second
	}
	if c.Settle < 0 {
		c.Settle = 0
	}
	if c.Script == "" {
		c.Script = defaultExtractScript
	}
	if c.GoalSelector == "" {
		c.GoalSelector = defaultGoalSelector
	}
	return c
}

// Engine launches one browser process per session.
type Engine struct {
	cfg    Config
	logger *zap.Logger
}

// New creates a chromedp-backed engine.
func New(cfg Config, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{cfg: cfg.withDefaults(), logger: logger.Named("headless")}
}

// NewSession launches a browser and waits for it to accept commands.
func (e *Engine) NewSession(ctx context.Context, opts agentpool.SessionOptions) (agentpool.Session, error) {
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), e.allocatorOptions(opts.Minimal)...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	stopForward := forwardCancel(ctx, browserCancel)
	err := chromedp.Run(browserCtx)
	stopForward()
	if err != nil {
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("chromedp warmup: %w", err)
	}

	s := &Session{
		id:            uuid.NewString(),
		cfg:           e.cfg,
		logger:        e.logger,
		browserCtx:    browserCtx,
		browserCancel: browserCancel,
		allocCancel:   allocCancel,
	}
	e.logger.Debug("browser session started", zap.String("session_id", s.id), zap.Bool("minimal", opts.Minimal))
	return s, nil
}

func (e *Engine) allocatorOptions(minimal bool) []chromedp.ExecAllocatorOption {
	var opts []chromedp.ExecAllocatorOption
	if minimal {
		opts = []chromedp.ExecAllocatorOption{
			chromedp.NoFirstRun,
			chromedp.NoDefaultBrowserCheck,
			chromedp.Flag("no-sandbox", true),
			chromedp.Flag("disable-dev-shm-usage", true),
		}
		if e.cfg.Headless {
			opts = append(opts, chromedp.Headless)
		}
	} else {
		opts = append(opts, chromedp.DefaultExecAllocatorOptions[:]...)
		opts = append(opts,
			chromedp.Flag("headless", e.cfg.Headless),
			chromedp.Flag("disable-gpu", true),
			chromedp.Flag("hide-scrollbars", true),
			chromedp.Flag("enable-automation", false),
			chromedp.Flag("no-sandbox", true),
			chromedp.Flag("disable-dev-shm-usage", true),
			chromedp.Flag("mute-audio", true),
			chromedp.Flag("autoplay-policy", "no-user-gesture-required"),
			chromedp.WindowSize(1280, 720),
		)
	}
	if e.cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(e.cfg.UserAgent))
	}
	if e.cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(e.cfg.ExecPath))
	}
	return opts
}

func forwardCancel(parent context.Context, cancel context.CancelFunc) func() {
	if parent == nil {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-parent.Done():
			cancel()
		case <-done:
		}
	}()
	return func() { close(done) }
}
