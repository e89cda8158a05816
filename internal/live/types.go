// Package live defines core types shared across the monitoring and capture subsystems.
package live

import (
	"sort"
	"strings"
	"time"
)

// Goal describes a progress-tracked milestone a broadcast may be pursuing.
type Goal struct {
	Active      bool    `json:"active" toml:"active"`
	Progress    float64 `json:"progress" toml:"progress"`
	Text        string  `json:"text" toml:"text"`
	TokenAmount int     `json:"token_amount" toml:"token_amount"`
	Completed   bool    `json:"completed" toml:"completed"`
}

// Snapshot is a point-in-time extraction result. Treat it as immutable once produced.
type Snapshot struct {
	IsLive        bool      `json:"is_live"`
	Goal          Goal      `json:"goal"`
	NextBroadcast string    `json:"next_broadcast,omitempty"`
	MediaSources  []string  `json:"media_sources,omitempty"`
	Preview       []byte    `json:"-"`
	CapturedAt    time.Time `json:"captured_at"`
}

// Offline returns the canonical "offline, no goal" snapshot.
func Offline(at time.Time) Snapshot {
	return Snapshot{CapturedAt: at}
}

// PageData is the structured payload a render agent extracts from a page.
type PageData struct {
	IsLive        bool
	Goal          Goal
	NextBroadcast string
	MediaSources  []string
	Preview       []byte
}

// Snapshot stamps the extracted page data with a capture time.
func (p PageData) Snapshot(at time.Time) Snapshot {
	return Snapshot{
		IsLive:        p.IsLive,
		Goal:          ClampGoal(p.Goal),
		NextBroadcast: p.NextBroadcast,
		MediaSources:  append([]string(nil), p.MediaSources...),
		Preview:       p.Preview,
		CapturedAt:    at,
	}
}

// ClampGoal bounds progress to [0,100].
func ClampGoal(g Goal) Goal {
	switch {
	case g.Progress < 0:
		g.Progress = 0
	case g.Progress > 100:
		g.Progress = 100
	}
	return g
}

// TargetStatus carries the durable flags persisted alongside a Target.
type TargetStatus struct {
	IsLive       bool    `json:"is_live"`
	GoalActive   bool    `json:"goal_active"`
	GoalText     string  `json:"goal_text"`
	GoalProgress float64 `json:"goal_progress"`
}

// Target is a monitored broadcaster bound to one subscriber channel.
type Target struct {
	Name        string       `json:"name"`
	ChannelID   string       `json:"channel_id"`
	Subscribers []string     `json:"subscribers"`
	Status      TargetStatus `json:"status"`
	AddedAt     time.Time    `json:"added_at"`
}

// Key returns the case-insensitive identity of the target within its channel.
func (t Target) Key() string {
	return TargetKey(t.ChannelID, t.Name)
}

// Normalize folds a broadcaster name to its case-insensitive identity.
func Normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// TargetKey joins a channel and broadcaster name into a registry key.
func TargetKey(channelID, name string) string {
	return channelID + "/" + Normalize(name)
}

// MergeSubscribers returns the sorted union of two identity lists.
func MergeSubscribers(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, id := range list {
			id = strings.TrimSpace(id)
			if id == "" {
				continue
			}
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// EntitlementClass buckets callers for quota purposes.
type EntitlementClass string

// Supported entitlement classes.
const (
	ClassThrottled EntitlementClass = "throttled"
	ClassUnlimited EntitlementClass = "unlimited"
)

// Entitlement maps a caller identity to its quota class.
type Entitlement struct {
	Identity string           `json:"identity"`
	Class    EntitlementClass `json:"class"`
}
