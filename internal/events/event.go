package events

import (
	"errors"
	"fmt"
	"time"
)

// Kind names a milestone.
type Kind string

// Supported event kinds.
const (
	KindTargetOffline   Kind = "target_offline"
	KindTargetLive      Kind = "target_live"
	KindGoalStarted     Kind = "goal_started"
	KindGoalCompleted   Kind = "goal_completed"
	KindTargetDropped   Kind = "target_dropped"
	KindCaptureFinished Kind = "capture_finished"
)

// Event is one milestone for a target within a channel.
type Event struct {
	Kind     Kind      `json:"kind"`
	TS       time.Time `json:"ts"`
	Target   string    `json:"target"`
	Channel  string    `json:"channel,omitempty"`
	GoalText string    `json:"goal_text,omitempty"`
	Progress float64   `json:"progress,omitempty"`
	// JobID and Status are set for capture_finished.
	JobID  string `json:"job_id,omitempty"`
	Status string `json:"status,omitempty"`
	// Note carries low-volume context such as an error message.
	Note string `json:"note,omitempty"`
}

// Validate rejects events missing the fields sinks rely on.
func (e Event) Validate() error {
	if e.Target == "" {
		return errors.New("target is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Kind {
	case KindTargetOffline, KindTargetLive, KindGoalStarted, KindGoalCompleted, KindTargetDropped:
	case KindCaptureFinished:
		if e.Status == "" {
			return errors.New("capture_finished requires status")
		}
	default:
		return fmt.Errorf("unknown kind %q", e.Kind)
	}
	return nil
}
