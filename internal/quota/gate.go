// Package quota gates capture starts per caller identity.
package quota

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/goalclip/internal/clock"
	"github.com/JakeFAU/goalclip/internal/live"
)

// tokenEpsilon absorbs float drift in the limiter's token arithmetic.
const tokenEpsilon = 1e-9

// Classifier resolves an identity to its entitlement class.
type Classifier interface {
	Class(identity string) live.EntitlementClass
}

// Config sets the cooldown window and per-class duration ceilings.
type Config struct {
	Cooldown        time.Duration
	ThrottledMax    time.Duration
	UnlimitedMax    time.Duration
	DefaultDuration time.Duration
}

// Decision is the result of Check.
type Decision struct {
	Allowed bool
	// Wait is the remaining cooldown when Allowed is false.
	Wait  time.Duration
	Class live.EntitlementClass
	// Ceiling is the longest permitted capture; zero when refused.
	Ceiling time.Duration
}

// Gate holds one cooldown bucket per throttled identity.
type Gate struct {
	cfg        Config
	classifier Classifier
	clock      live.Clock

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// New builds a Gate. classifier may be nil, in which case every identity is throttled.
func New(cfg Config, classifier Classifier, clk live.Clock) *Gate {
	if clk == nil {
		clk = clock.New()
	}
	if cfg.DefaultDuration <= 0 {
		cfg.DefaultDuration = 30 * time.Second
	}
	return &Gate{cfg: cfg, classifier: classifier, clock: clk, limiters: make(map[string]*rate.Limiter)}
}

// Class returns identity's entitlement class.
func (g *Gate) Class(identity string) live.EntitlementClass {
	if g.classifier == nil {
		return live.ClassThrottled
	}
	if c := g.classifier.Class(identity); c == live.ClassUnlimited {
		return c
	}
	return live.ClassThrottled
}

// Ceiling returns the maximum capture duration for identity's class.
func (g *Gate) Ceiling(identity string) time.Duration {
	if g.Class(identity) == live.ClassUnlimited {
		return g.cfg.UnlimitedMax
	}
	return g.cfg.ThrottledMax
}

// Check reports whether identity may start a capture now. It does not consume quota.
func (g *Gate) Check(identity string) Decision {
	class := g.Class(identity)
	if class == live.ClassUnlimited {
		return Decision{Allowed: true, Class: class, Ceiling: g.cfg.UnlimitedMax}
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.decide(g.limiterLocked(identity), g.clock.Now(), class)
}

// Reserve checks identity and, when allowed, starts its cooldown in the same
// step. The returned cancel gives the token back; it is safe to call more
// than once and is a no-op when the reservation was refused.
func (g *Gate) Reserve(identity string) (Decision, func()) {
	class := g.Class(identity)
	if class == live.ClassUnlimited {
		return Decision{Allowed: true, Class: class, Ceiling: g.cfg.UnlimitedMax}, func() {}
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	lim := g.limiterLocked(identity)
	now := g.clock.Now()
	d := g.decide(lim, now, class)
	if !d.Allowed {
		return d, func() {}
	}
	r := lim.ReserveN(now, 1)
	var once sync.Once
	return d, func() {
		once.Do(func() {
			g.mu.Lock()
			defer g.mu.Unlock()
			// Cancelling at the reservation instant restores the token even
			// after the clock has moved on.
			r.CancelAt(now)
		})
	}
}

func (g *Gate) decide(lim *rate.Limiter, now time.Time, class live.EntitlementClass) Decision {
	tokens := lim.TokensAt(now)
	if tokens >= 1-tokenEpsilon {
		return Decision{Allowed: true, Class: class, Ceiling: g.cfg.ThrottledMax}
	}
	wait := time.Duration((1 - tokens) / float64(lim.Limit()) * float64(time.Second))
	return Decision{Allowed: false, Class: class, Wait: wait.Round(time.Second)}
}

// Clamp maps a requested duration onto identity's ceiling. Non-positive
// requests take the default duration. Requests are never refused here.
func (g *Gate) Clamp(identity string, requested time.Duration) time.Duration {
	return ClampTo(requested, g.cfg.DefaultDuration, g.Ceiling(identity))
}

// ClampTo reduces requested to ceiling, substituting def for non-positive requests.
func ClampTo(requested, def, ceiling time.Duration) time.Duration {
	if requested <= 0 {
		requested = def
	}
	if ceiling > 0 && requested > ceiling {
		return ceiling
	}
	return requested
}

func (g *Gate) limiterLocked(identity string) *rate.Limiter {
	lim, ok := g.limiters[identity]
	if !ok {
		lim = rate.NewLimiter(rate.Every(g.cfg.Cooldown), 1)
		g.limiters[identity] = lim
	}
	return lim
}
