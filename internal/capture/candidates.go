package capture

import (
	"strings"
	"sync"

	"github.com/JakeFAU/goalclip/internal/live"
)

// CandidateConfig describes how guessed media addresses are generated.
// Templates substitute {name}, {server}, and {quality}.
type CandidateConfig struct {
	URLTemplate string
	Servers     []string
	Qualities   []string
	Fallbacks   []string
}

// Generate returns the quality-major product of qualities and servers for name.
func (c CandidateConfig) Generate(name string) []string {
	if c.URLTemplate == "" {
		return nil
	}
	servers := c.Servers
	if len(servers) == 0 {
		servers = []string{""}
	}
	qualities := c.Qualities
	if len(qualities) == 0 {
		qualities = []string{""}
	}
	out := make([]string, 0, len(servers)*len(qualities))
	for _, q := range qualities {
		for _, s := range servers {
			out = append(out, expand(c.URLTemplate, name, s, q))
		}
	}
	return out
}

// FallbackAddresses expands the pattern-free fallbacks for name.
func (c CandidateConfig) FallbackAddresses(name string) []string {
	out := make([]string, 0, len(c.Fallbacks))
	for _, f := range c.Fallbacks {
		out = append(out, expand(f, name, "", ""))
	}
	return out
}

func expand(tmpl, name, server, quality string) string {
	return strings.NewReplacer(
		"{name}", live.Normalize(name),
		"{server}", server,
		"{quality}", quality,
	).Replace(tmpl)
}

// orderCandidates concatenates the groups in priority order, dropping duplicates and blanks.
func orderCandidates(groups ...[]string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, g := range groups {
		for _, addr := range g {
			addr = strings.TrimSpace(addr)
			if addr == "" {
				continue
			}
			if _, ok := seen[addr]; ok {
				continue
			}
			seen[addr] = struct{}{}
			out = append(out, addr)
		}
	}
	return out
}

// Priors remembers addresses that produced a capture, most recent first.
type Priors struct {
	max int

	mu       sync.Mutex
	byTarget map[string][]string
}

// NewPriors keeps at most max addresses per target.
func NewPriors(max int) *Priors {
	if max <= 0 {
		max = 5
	}
	return &Priors{max: max, byTarget: make(map[string][]string)}
}

// Remember moves addr to the front of name's list.
func (p *Priors) Remember(name, addr string) {
	key := live.Normalize(name)
	p.mu.Lock()
	defer p.mu.Unlock()
	list := []string{addr}
	for _, existing := range p.byTarget[key] {
		if existing != addr {
			list = append(list, existing)
		}
	}
	if len(list) > p.max {
		list = list[:p.max]
	}
	p.byTarget[key] = list
}

// List returns name's remembered addresses.
func (p *Priors) List(name string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.byTarget[live.Normalize(name)]...)
}
