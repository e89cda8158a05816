// Package extract turns a target name into page data using either the status probe or a render agent.
package extract

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/goalclip/internal/agentpool"
	"github.com/JakeFAU/goalclip/internal/live"
)

// Borrower lends a render session for the duration of fn.
type Borrower interface {
	Do(ctx context.Context, fn func(ctx context.Context, s agentpool.Session) error) error
}

// Prober is the cheap live/offline check.
type Prober interface {
	Enabled() bool
	Probe(ctx context.Context, name string) (live.PageData, error)
}

// Config holds the page address template.
type Config struct {
	PageURL     string
	LoadTimeout time.Duration
}

// Extractor chooses between probe and render for each request.
type Extractor struct {
	cfg    Config
	pool   Borrower
	prober Prober
	logger *zap.Logger
}

// New builds an Extractor. prober may be nil.
func New(cfg Config, pool Borrower, prober Prober, logger *zap.Logger) *Extractor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Extractor{cfg: cfg, pool: pool, prober: prober, logger: logger.Named("extract")}
}

// Extract returns page data for name. When includeGoal is false and a probe is
// configured, no render agent is borrowed.
func (e *Extractor) Extract(ctx context.Context, name string, includeGoal bool) (live.PageData, error) {
	if !includeGoal && e.probeEnabled() {
		data, err := e.prober.Probe(ctx, name)
		if err == nil {
			return data, nil
		}
		e.logger.Debug("probe failed, rendering instead", zap.String("target", name), zap.Error(err))
	}
	return e.render(ctx, name)
}

// Discover returns media addresses observed for name, preferring the probe.
func (e *Extractor) Discover(ctx context.Context, name string) ([]string, error) {
	if e.probeEnabled() {
		if data, err := e.prober.Probe(ctx, name); err == nil && len(data.MediaSources) > 0 {
			return data.MediaSources, nil
		}
	}
	data, err := e.render(ctx, name)
	if err != nil {
		return nil, err
	}
	return data.MediaSources, nil
}

func (e *Extractor) probeEnabled() bool {
	return e.prober != nil && e.prober.Enabled()
}

func (e *Extractor) render(ctx context.Context, name string) (live.PageData, error) {
	if e.pool == nil {
		return live.PageData{}, fmt.Errorf("render %s: no agent pool", name)
	}
	address := e.PageAddress(name)
	var data live.PageData
	err := e.pool.Do(ctx, func(ctx context.Context, s agentpool.Session) error {
		page, err := s.Load(ctx, address, e.cfg.LoadTimeout)
		if err != nil {
			return err
		}
		defer func() {
			if cerr := page.Close(); cerr != nil {
				e.logger.Debug("close page failed", zap.Error(cerr))
			}
		}()
		data, err = s.Extract(ctx, page)
		return err
	})
	if err != nil {
		return live.PageData{}, fmt.Errorf("render %s: %w", name, err)
	}
	return data, nil
}

// PageAddress expands the page template for name.
func (e *Extractor) PageAddress(name string) string {
	return strings.ReplaceAll(e.cfg.PageURL, "{name}", live.Normalize(name))
}
