package headless

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/goalclip/internal/agentpool"
	"github.com/JakeFAU/goalclip/internal/live"
)

// Session is one browser process. Each Load opens a fresh tab.
type Session struct {
	id            string
	cfg           Config
	logger        *zap.Logger
	browserCtx    context.Context
	browserCancel context.CancelFunc
	allocCancel   context.CancelFunc
	closeOnce     sync.Once
}

type page struct {
	address string
	tabCtx  context.Context
	cancel  context.CancelFunc
	media   *mediaCollector
}

func (p *page) Close() error {
	p.cancel()
	return nil
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Done is closed once the browser context ends, including process exit.
func (s *Session) Done() <-chan struct{} { return s.browserCtx.Done() }

// Close tears down the browser and allocator contexts.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.browserCancel()
		s.allocCancel()
	})
	return nil
}

// Load opens address in a new tab and waits for the document to settle.
func (s *Session) Load(ctx context.Context, address string, timeout time.Duration) (agentpool.Page, error) {
	if timeout <= 0 {
		timeout = s.cfg.NavTimeout
	}
	tabCtx, cancelTab := chromedp.NewContext(s.browserCtx)
	if err := chromedp.Run(tabCtx); err != nil {
		cancelTab()
		return nil, fmt.Errorf("open tab: %w", err)
	}

	media := newMediaCollector()
	chromedp.ListenTarget(tabCtx, media.captureEvent)

	taskCtx, cancelTask := context.WithTimeout(tabCtx, timeout)
	defer cancelTask()
	stopForward := forwardCancel(ctx, cancelTask)
	defer stopForward()

	tasks := chromedp.Tasks{
		network.Enable(),
		chromedp.Navigate(address),
		chromedp.WaitReady("body", chromedp.ByQuery),
	}
	if s.cfg.UserAgent != "" {
		tasks = append(chromedp.Tasks{emulation.SetUserAgentOverride(s.cfg.UserAgent)}, tasks...)
	}
	if s.cfg.Settle > 0 {
		tasks = append(tasks, chromedp.Sleep(s.cfg.Settle))
	}
	if err := chromedp.Run(taskCtx, tasks); err != nil {
		cancelTab()
		return nil, fmt.Errorf("load %s: %w", address, err)
	}
	return &page{address: address, tabCtx: tabCtx, cancel: cancelTab, media: media}, nil
}

// Extract runs the extraction script against a loaded page, falling back to DOM parsing for the goal.
func (s *Session) Extract(ctx context.Context, handle agentpool.Page) (live.PageData, error) {
	p, ok := handle.(*page)
	if !ok {
		return live.PageData{}, fmt.Errorf("extract: unexpected page type %T", handle)
	}

	taskCtx, cancel := context.WithTimeout(p.tabCtx, s.cfg.NavTimeout)
	defer cancel()
	stopForward := forwardCancel(ctx, cancel)
	defer stopForward()

	var (
		raw  string
		html string
		shot []byte
	)
	tasks := chromedp.Tasks{
		chromedp.Evaluate(s.cfg.Script, &raw),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	}
	if s.cfg.Screenshot {
		tasks = append(tasks, chromedp.CaptureScreenshot(&shot))
	}
	if err := chromedp.Run(taskCtx, tasks); err != nil {
		return live.PageData{}, fmt.Errorf("extract %s: %w", p.address, err)
	}

	data, err := buildPageData(raw, html, s.cfg.GoalSelector, p.media.list())
	if err != nil {
		return live.PageData{}, err
	}
	data.Preview = shot
	s.logger.Debug("page extracted",
		zap.String("session_id", s.id),
		zap.String("address", p.address),
		zap.Bool("live", data.IsLive),
		zap.Bool("goal_active", data.Goal.Active),
	)
	return data, nil
}
