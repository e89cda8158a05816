// Package probe performs the cheap live/offline check against the site's status endpoint.
package probe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/goalclip/internal/live"
)

// ErrNoStatusURL means the prober has no endpoint configured.
var ErrNoStatusURL = errors.New("probe: status url not configured")

// Config controls the status endpoint and live-status vocabulary.
type Config struct {
	StatusURL    string
	LiveStatuses []string
	UserAgent    string
	Timeout      time.Duration
}

// Prober issues direct status requests with Colly.
type Prober struct {
	cfg    Config
	live   map[string]struct{}
	base   *colly.Collector
	logger *zap.Logger
}

type statusPayload struct {
	RoomStatus string `json:"room_status"`
	HLSSource  string `json:"hls_source"`
}

// New builds a Prober.
func New(cfg Config, logger *zap.Logger) *Prober {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 8 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	statuses := make(map[string]struct{}, len(cfg.LiveStatuses))
	for _, s := range cfg.LiveStatuses {
		statuses[strings.ToLower(strings.TrimSpace(s))] = struct{}{}
	}
	c := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	c.WithTransport(newHTTPTransport())
	return &Prober{cfg: cfg, live: statuses, base: c, logger: logger.Named("probe")}
}

// Enabled reports whether a status URL is configured.
func (p *Prober) Enabled() bool {
	return p != nil && p.cfg.StatusURL != ""
}

// Probe fetches the status document for name. Media sources are included when the site exposes one.
func (p *Prober) Probe(ctx context.Context, name string) (live.PageData, error) {
	if !p.Enabled() {
		return live.PageData{}, ErrNoStatusURL
	}
	target := strings.ReplaceAll(p.cfg.StatusURL, "{name}", live.Normalize(name))

	var (
		payload  statusPayload
		fetchErr error
	)
	collector := p.base.Clone()
	collector.AllowURLRevisit = true
	if p.cfg.UserAgent != "" {
		collector.UserAgent = p.cfg.UserAgent
	}
	collector.SetRequestTimeout(p.cfg.Timeout)
	collector.OnRequest(func(r *colly.Request) {
		r.Headers.Set("Accept", "application/json")
		r.Headers.Set("X-Requested-With", "XMLHttpRequest")
	})
	collector.OnResponse(func(r *colly.Response) {
		if err := json.Unmarshal(r.Body, &payload); err != nil {
			fetchErr = fmt.Errorf("decode status: %w", err)
		}
	})
	collector.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode != 0 {
			fetchErr = fmt.Errorf("status %d: %w", r.StatusCode, err)
			return
		}
		fetchErr = err
	})

	if err := runCollector(ctx, collector, target, &fetchErr); err != nil {
		return live.PageData{}, err
	}

	_, isLive := p.live[strings.ToLower(payload.RoomStatus)]
	data := live.PageData{IsLive: isLive}
	if isLive && payload.HLSSource != "" {
		data.MediaSources = []string{payload.HLSSource}
	}
	p.logger.Debug("status probed", zap.String("target", name), zap.String("room_status", payload.RoomStatus))
	return data, nil
}

func runCollector(ctx context.Context, collector *colly.Collector, url string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("probe canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("probe visit failed: %w", err)
		}
		if *fetchErr != nil {
			return fmt.Errorf("probe response failed: %w", *fetchErr)
		}
		return nil
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          20,
		IdleConnTimeout:       90 * time.Second,
	}
}
