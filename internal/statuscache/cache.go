// Package statuscache memoizes per-target status snapshots with class-dependent expiry.
package statuscache

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/JakeFAU/goalclip/internal/clock"
	"github.com/JakeFAU/goalclip/internal/live"
	"github.com/JakeFAU/goalclip/internal/metrics"
)

// ExtractFunc produces fresh page data for a target.
type ExtractFunc func(ctx context.Context, name string, includeGoal bool) (live.PageData, error)

// TTLClass is the expiry bucket assigned at write time.
type TTLClass string

// TTL classes.
const (
	ClassOnline  TTLClass = "online"
	ClassOffline TTLClass = "offline"
)

// Source says where a Get result came from.
type Source string

// Result sources.
const (
	SourceCache   Source = "cache"
	SourceFresh   Source = "fresh"
	SourceStale   Source = "stale"
	SourceDefault Source = "default"
)

// Options tune a single lookup.
type Options struct {
	ForceRefresh bool
	IncludeGoal  bool
	// MaxAge overrides the TTL class when positive.
	MaxAge time.Duration
}

// Result is the outcome of Get. Err is set when extraction failed and a
// fallback snapshot was returned instead.
type Result struct {
	Snapshot live.Snapshot
	Source   Source
	Err      error
}

// Record is a cache entry as stored in memory and in the mirror.
type Record struct {
	Snapshot  live.Snapshot `json:"snapshot"`
	WrittenAt time.Time     `json:"written_at"`
	Class     TTLClass      `json:"class"`
	WithGoal  bool          `json:"with_goal"`
}

// Mirror persists records outside the process. Failures are logged and ignored.
type Mirror interface {
	Load(ctx context.Context, key string) (Record, bool, error)
	Store(ctx context.Context, key string, rec Record, ttl time.Duration) error
}

// Config sets TTL classes and the absolute sweep ceiling.
type Config struct {
	OnlineTTL   time.Duration
	OfflineTTL  time.Duration
	MaxEntryAge time.Duration
}

func (c Config) withDefaults() Config {
	if c.OnlineTTL <= 0 {
		c.OnlineTTL = time.Minute
	}
	if c.OfflineTTL <= 0 {
		c.OfflineTTL = 5 * time.Minute
	}
	if c.MaxEntryAge <= 0 {
		c.MaxEntryAge = 24 * time.Hour
	}
	return c
}

// Cache owns the per-target entry map.
type Cache struct {
	cfg     Config
	extract ExtractFunc
	clock   live.Clock
	mirror  Mirror
	logger  *zap.Logger
	group   singleflight.Group

	mu      sync.RWMutex
	entries map[string]Record
}

// Option customizes a Cache.
type Option func(*Cache)

// WithMirror attaches an external mirror.
func WithMirror(m Mirror) Option {
	return func(c *Cache) { c.mirror = m }
}

// WithClock overrides the time source.
func WithClock(clk live.Clock) Option {
	return func(c *Cache) { c.clock = clk }
}

// New builds a Cache around extract.
func New(cfg Config, extract ExtractFunc, logger *zap.Logger, opts ...Option) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Cache{
		cfg:     cfg.withDefaults(),
		extract: extract,
		clock:   clock.New(),
		logger:  logger.Named("statuscache"),
		entries: make(map[string]Record),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the snapshot for name. It never returns an error: extraction
// failures fall back to the last stored value or the offline default, with
// Result.Err describing the failure.
func (c *Cache) Get(ctx context.Context, name string, opts Options) Result {
	key := live.Normalize(name)
	if !opts.ForceRefresh {
		if rec, ok := c.lookup(ctx, key); ok && c.fresh(rec, c.clock.Now(), opts) {
			metrics.ObserveCacheLookup(string(SourceCache))
			return Result{Snapshot: rec.Snapshot, Source: SourceCache}
		}
	}

	flightKey := key + "#live"
	if opts.IncludeGoal {
		flightKey = key + "#goal"
	}
	v, err, _ := c.group.Do(flightKey, func() (any, error) {
		data, err := c.extract(ctx, name, opts.IncludeGoal)
		if err != nil {
			return nil, err
		}
		snap := data.Snapshot(c.clock.Now())
		c.write(ctx, key, snap, opts.IncludeGoal)
		return snap, nil
	})
	if err == nil {
		metrics.ObserveCacheLookup(string(SourceFresh))
		snap, _ := v.(live.Snapshot)
		return Result{Snapshot: snap, Source: SourceFresh}
	}

	c.logger.Warn("extraction failed", zap.String("target", key), zap.Error(err))
	if rec, ok := c.peek(key); ok {
		metrics.ObserveCacheLookup(string(SourceStale))
		return Result{Snapshot: rec.Snapshot, Source: SourceStale, Err: err}
	}
	metrics.ObserveCacheLookup(string(SourceDefault))
	return Result{Snapshot: live.Offline(c.clock.Now()), Source: SourceDefault, Err: err}
}

// CheckLive forces a cheap refresh and reports whether name is confirmed live.
// A fallback result is never treated as confirmation.
func (c *Cache) CheckLive(ctx context.Context, name string) (bool, error) {
	res := c.Get(ctx, name, Options{ForceRefresh: true})
	if res.Err != nil {
		return false, res.Err
	}
	return res.Snapshot.IsLive, nil
}

// Peek returns the stored snapshot for name without extracting.
func (c *Cache) Peek(name string) (live.Snapshot, time.Time, bool) {
	rec, ok := c.peek(live.Normalize(name))
	return rec.Snapshot, rec.WrittenAt, ok
}

// Invalidate drops the in-memory entry for name.
func (c *Cache) Invalidate(name string) {
	c.mu.Lock()
	delete(c.entries, live.Normalize(name))
	c.mu.Unlock()
}

// Sweep removes entries older than the absolute age ceiling, regardless of TTL class.
func (c *Cache) Sweep() int {
	cutoff := c.clock.Now().Add(-c.cfg.MaxEntryAge)
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for key, rec := range c.entries {
		if rec.WrittenAt.Before(cutoff) {
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}

// Len reports the number of in-memory entries.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// TTL returns the expiry for class.
func (c *Cache) TTL(class TTLClass) time.Duration {
	if class == ClassOnline {
		return c.cfg.OnlineTTL
	}
	return c.cfg.OfflineTTL
}

func (c *Cache) fresh(rec Record, now time.Time, opts Options) bool {
	ttl := c.TTL(rec.Class)
	if opts.MaxAge > 0 {
		ttl = opts.MaxAge
	}
	if now.Sub(rec.WrittenAt) >= ttl {
		return false
	}
	return !opts.IncludeGoal || rec.WithGoal || !rec.Snapshot.IsLive
}

func (c *Cache) peek(key string) (Record, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rec, ok := c.entries[key]
	return rec, ok
}

func (c *Cache) lookup(ctx context.Context, key string) (Record, bool) {
	if rec, ok := c.peek(key); ok {
		return rec, true
	}
	if c.mirror == nil {
		return Record{}, false
	}
	rec, ok, err := c.mirror.Load(ctx, key)
	if err != nil {
		c.logger.Debug("mirror load failed", zap.String("target", key), zap.Error(err))
		return Record{}, false
	}
	if !ok {
		return Record{}, false
	}
	c.mu.Lock()
	if _, exists := c.entries[key]; !exists {
		c.entries[key] = rec
	}
	c.mu.Unlock()
	return rec, true
}

func (c *Cache) write(ctx context.Context, key string, snap live.Snapshot, withGoal bool) {
	class := ClassOffline
	if snap.IsLive {
		class = ClassOnline
	}
	rec := Record{Snapshot: snap, WrittenAt: snap.CapturedAt, Class: class, WithGoal: withGoal}
	c.mu.Lock()
	c.entries[key] = rec
	c.mu.Unlock()

	if c.mirror == nil {
		return
	}
	if err := c.mirror.Store(ctx, key, rec, c.cfg.MaxEntryAge); err != nil {
		c.logger.Debug("mirror store failed", zap.String("target", key), zap.Error(err))
	}
}
