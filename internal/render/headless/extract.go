package headless

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/PuerkitoBio/goquery"
	"github.com/chromedp/cdproto/network"

	"github.com/JakeFAU/goalclip/internal/live"
)

const defaultGoalSelector = "[data-role=goal], .goal, #goal, .tip-goal"

// defaultExtractScript returns a JSON object describing the page. Site-specific
// deployments override it through Config.Script.
const defaultExtractScript = `(() => {
  const out = {media: []};
  const offline = document.querySelector('[data-room-status=offline], .offline_tipping, .room-offline');
  const player = document.querySelector('video');
  if (offline) { out.live = false; } else if (player) { out.live = true; }
  const goal = document.querySelector('[data-goal-progress]');
  if (goal) {
    out.goal_active = true;
    out.goal_text = (goal.getAttribute('data-goal-text') || goal.textContent || '').trim();
    out.progress = parseFloat(goal.getAttribute('data-goal-progress')) || 0;
    out.tokens = parseInt(goal.getAttribute('data-goal-tokens') || '0', 10) || 0;
    out.completed = goal.getAttribute('data-goal-completed') === 'true';
  }
  const next = document.querySelector('[data-next-broadcast], .next-show');
  if (next) { out.next = (next.getAttribute('data-next-broadcast') || next.textContent || '').trim(); }
  document.querySelectorAll('source[src*=".m3u8"], video[src*=".m3u8"]').forEach(el => out.media.push(el.src));
  return JSON.stringify(out);
})()`

type extractResult struct {
	Live       *bool    `json:"live"`
	GoalActive bool     `json:"goal_active"`
	GoalText   string   `json:"goal_text"`
	Progress   float64  `json:"progress"`
	Tokens     int      `json:"tokens"`
	Completed  bool     `json:"completed"`
	Next       string   `json:"next"`
	Media      []string `json:"media"`
}

func buildPageData(raw, html, goalSelector string, observed []string) (live.PageData, error) {
	var res extractResult
	if strings.TrimSpace(raw) != "" {
		if err := json.Unmarshal([]byte(raw), &res); err != nil {
			return live.PageData{}, fmt.Errorf("decode extraction result: %w", err)
		}
	}

	data := live.PageData{
		NextBroadcast: res.Next,
		MediaSources:  mergeMedia(observed, res.Media),
	}
	if res.GoalActive {
		data.Goal = live.Goal{
			Active:      true,
			Progress:    res.Progress,
			Text:        res.GoalText,
			TokenAmount: res.Tokens,
			Completed:   res.Completed,
		}
	} else if goal, ok := parseGoalHTML(html, goalSelector); ok {
		data.Goal = goal
	}

	switch {
	case res.Live != nil:
		data.IsLive = *res.Live
	default:
		data.IsLive = len(data.MediaSources) > 0
	}
	if !data.IsLive {
		data.Goal = live.Goal{}
	}
	data.Goal = live.ClampGoal(data.Goal)
	return data, nil
}

var (
	percentPattern = regexp.MustCompile(`(\d{1,3}(?:\.\d+)?)\s*%`)
	ratioPattern   = regexp.MustCompile(`(\d[\d,]*)\s*/\s*(\d[\d,]*)`)
	spacePattern   = regexp.MustCompile(`\s+`)
)

// parseGoalHTML reads goal text and progress from rendered markup.
func parseGoalHTML(html, selector string) (live.Goal, bool) {
	if strings.TrimSpace(html) == "" {
		return live.Goal{}, false
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return live.Goal{}, false
	}
	sel := doc.Find(selector).First()
	if sel.Length() == 0 {
		return live.Goal{}, false
	}
	text := strings.TrimSpace(spacePattern.ReplaceAllString(sel.Text(), " "))
	if text == "" {
		return live.Goal{}, false
	}

	goal := live.Goal{Active: true, Text: text}
	if m := percentPattern.FindStringSubmatch(text); m != nil {
		goal.Progress, _ = strconv.ParseFloat(m[1], 64)
	} else if m := ratioPattern.FindStringSubmatch(text); m != nil {
		have := atoi(m[1])
		want := atoi(m[2])
		goal.TokenAmount = want
		if want > 0 {
			goal.Progress = float64(have) / float64(want) * 100
		}
	}
	if v, ok := sel.Attr("data-goal-text"); ok && strings.TrimSpace(v) != "" {
		goal.Text = strings.TrimSpace(v)
	}
	return live.ClampGoal(goal), true
}

func atoi(s string) int {
	n, _ := strconv.Atoi(strings.ReplaceAll(s, ",", ""))
	return n
}

func mergeMedia(lists ...[]string) []string {
	seen := map[string]struct{}{}
	var out []string
	for _, list := range lists {
		for _, u := range list {
			if u == "" {
				continue
			}
			if _, ok := seen[u]; ok {
				continue
			}
			seen[u] = struct{}{}
			out = append(out, u)
		}
	}
	return out
}

// mediaCollector records playlist addresses requested while the page loads.
type mediaCollector struct {
	mu   sync.Mutex
	seen map[string]struct{}
	urls []string
}

func newMediaCollector() *mediaCollector {
	return &mediaCollector{seen: make(map[string]struct{})}
}

func (m *mediaCollector) captureEvent(ev any) {
	switch e := ev.(type) {
	case *network.EventRequestWillBeSent:
		if e.Request != nil {
			m.add(e.Request.URL)
		}
	case *network.EventResponseReceived:
		if e.Response != nil {
			m.add(e.Response.URL)
		}
	}
}

func (m *mediaCollector) add(u string) {
	if !isPlaylist(u) {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.seen[u]; ok {
		return
	}
	m.seen[u] = struct{}{}
	m.urls = append(m.urls, u)
}

func (m *mediaCollector) list() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.urls...)
}

func isPlaylist(u string) bool {
	if i := strings.IndexAny(u, "?#"); i >= 0 {
		u = u[:i]
	}
	return strings.HasSuffix(strings.ToLower(u), ".m3u8")
}
