package monitor

import "github.com/JakeFAU/goalclip/internal/live"

// Phase is a target's position in the monitoring state machine.
type Phase string

// Monitoring phases.
const (
	PhaseOffline           Phase = "offline"
	PhaseLiveNoGoal        Phase = "live_no_goal"
	PhaseLiveGoalActive    Phase = "live_goal_active"
	PhaseLiveGoalCompleted Phase = "live_goal_completed"
)

// Live reports whether the phase is one of the live phases.
func (p Phase) Live() bool { return p != PhaseOffline }

// Transition is a state change produced by one snapshot.
type Transition string

// Transitions. Changed and cleared are recorded but never notified.
const (
	TransitionOffline       Transition = "offline"
	TransitionLive          Transition = "live"
	TransitionGoalStarted   Transition = "goal_started"
	TransitionGoalChanged   Transition = "goal_changed"
	TransitionGoalCleared   Transition = "goal_cleared"
	TransitionGoalCompleted Transition = "goal_completed"
)

// Notifies reports whether subscribers hear about t.
func (t Transition) Notifies() bool {
	switch t {
	case TransitionOffline, TransitionLive, TransitionGoalStarted, TransitionGoalCompleted:
		return true
	default:
		return false
	}
}

// GoalMemory is the goal instance remembered since the last reset.
type GoalMemory struct {
	Text      string
	Progress  float64
	Completed bool
}

// Machine tracks one target. The zero value is not ready; use NewMachine.
type Machine struct {
	phase     Phase
	goal      *GoalMemory
	threshold float64
	seeded    bool
}

// NewMachine starts optimistically live without a goal.
func NewMachine(threshold float64) *Machine {
	return &Machine{phase: PhaseLiveNoGoal, threshold: threshold}
}

// Phase returns the current phase.
func (m *Machine) Phase() Phase { return m.phase }

// Goal returns a copy of the remembered goal, if any.
func (m *Machine) Goal() (GoalMemory, bool) {
	if m.goal == nil {
		return GoalMemory{}, false
	}
	return *m.goal, true
}

// Step applies snap and returns the transitions it produced. withGoal says
// whether snap carries goal data; without it only liveness is evaluated.
// The first step only seeds state and returns nothing.
func (m *Machine) Step(snap live.Snapshot, withGoal bool) []Transition {
	first := !m.seeded
	m.seeded = true
	var out []Transition
	emit := func(t Transition) {
		if !first {
			out = append(out, t)
		}
	}

	if !snap.IsLive {
		if m.phase != PhaseOffline {
			m.phase = PhaseOffline
			emit(TransitionOffline)
		}
		return out
	}
	if m.phase == PhaseOffline {
		m.phase = PhaseLiveNoGoal
		m.goal = nil
		emit(TransitionLive)
	}
	if !withGoal {
		return out
	}

	g := snap.Goal
	if !g.Active {
		if m.phase == PhaseLiveGoalActive || m.phase == PhaseLiveGoalCompleted {
			m.phase = PhaseLiveNoGoal
			out = append(out, TransitionGoalCleared)
		}
		return out
	}

	switch {
	case m.goal == nil:
		m.goal = &GoalMemory{Text: g.Text}
		emit(TransitionGoalStarted)
	case m.goal.Text != g.Text:
		m.goal = &GoalMemory{Text: g.Text}
		out = append(out, TransitionGoalChanged)
	}
	m.goal.Progress = g.Progress

	if m.goal.Completed {
		m.phase = PhaseLiveGoalCompleted
		return out
	}
	m.phase = PhaseLiveGoalActive
	if g.Completed || g.Progress >= m.threshold {
		m.goal.Completed = true
		m.phase = PhaseLiveGoalCompleted
		emit(TransitionGoalCompleted)
	}
	return out
}

// Status summarizes the machine as durable target flags.
func (m *Machine) Status() live.TargetStatus {
	st := live.TargetStatus{IsLive: m.phase.Live()}
	if m.phase == PhaseLiveGoalActive || m.phase == PhaseLiveGoalCompleted {
		st.GoalActive = true
	}
	if m.goal != nil {
		st.GoalText = m.goal.Text
		st.GoalProgress = m.goal.Progress
	}
	return st
}
