package monitor

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/goalclip/internal/live"
)

func liveGoal(text string, progress float64) live.Snapshot {
	return live.Snapshot{IsLive: true, Goal: live.Goal{Active: true, Text: text, Progress: progress}}
}

func seeded(t *testing.T, snap live.Snapshot) *Machine {
	t.Helper()
	m := NewMachine(99)
	require.Empty(t, m.Step(snap, true))
	return m
}

func TestFirstStepOnlySeeds(t *testing.T) {
	t.Parallel()

	m := NewMachine(99)
	require.Equal(t, PhaseLiveNoGoal, m.Phase())
	require.Empty(t, m.Step(live.Snapshot{}, true))
	require.Equal(t, PhaseOffline, m.Phase())

	m = NewMachine(99)
	require.Empty(t, m.Step(liveGoal("T", 99.5), true))
	require.Equal(t, PhaseLiveGoalCompleted, m.Phase())
	g, ok := m.Goal()
	require.True(t, ok)
	require.True(t, g.Completed, "an already finished goal is not recaptured")
}

func TestOfflineIsIdempotent(t *testing.T) {
	t.Parallel()

	m := seeded(t, live.Snapshot{IsLive: true})
	require.Equal(t, []Transition{TransitionOffline}, m.Step(live.Snapshot{}, false))
	require.Empty(t, m.Step(live.Snapshot{}, false))
	require.Empty(t, m.Step(live.Snapshot{}, true))
	require.Equal(t, []Transition{TransitionLive}, m.Step(live.Snapshot{IsLive: true}, false))
	require.Equal(t, []Transition{TransitionOffline}, m.Step(live.Snapshot{}, false))
}

func TestLiveAgainResetsGoalMemory(t *testing.T) {
	t.Parallel()

	m := seeded(t, live.Snapshot{IsLive: true})
	require.Equal(t, []Transition{TransitionGoalStarted}, m.Step(liveGoal("T", 40), true))
	require.Equal(t, []Transition{TransitionGoalCompleted}, m.Step(liveGoal("T", 99), true))

	require.Equal(t, []Transition{TransitionOffline}, m.Step(live.Snapshot{}, false))
	require.Equal(t, []Transition{TransitionLive}, m.Step(live.Snapshot{IsLive: true}, false))
	_, ok := m.Goal()
	require.False(t, ok)

	require.Equal(t, []Transition{TransitionGoalStarted}, m.Step(liveGoal("T", 10), true))
	require.Equal(t, []Transition{TransitionGoalCompleted}, m.Step(liveGoal("T", 100), true))
}

func TestLiveSnapshotWithGoalInSameStep(t *testing.T) {
	t.Parallel()

	m := seeded(t, live.Snapshot{})
	require.Equal(t, []Transition{TransitionLive, TransitionGoalStarted}, m.Step(liveGoal("T", 5), true))
	require.Equal(t, PhaseLiveGoalActive, m.Phase())
}

func TestCompletionFiresOncePerGoalInstance(t *testing.T) {
	t.Parallel()

	m := seeded(t, live.Snapshot{IsLive: true})
	m.Step(liveGoal("T", 40), true)
	require.Equal(t, []Transition{TransitionGoalCompleted}, m.Step(liveGoal("T", 99), true))
	require.Empty(t, m.Step(liveGoal("T", 99), true))
	require.Empty(t, m.Step(liveGoal("T", 100), true))
	require.Equal(t, PhaseLiveGoalCompleted, m.Phase())

	require.Equal(t, []Transition{TransitionGoalChanged}, m.Step(liveGoal("T2", 3), true))
	require.Equal(t, PhaseLiveGoalActive, m.Phase())
	require.Equal(t, []Transition{TransitionGoalCompleted}, m.Step(liveGoal("T2", 99.2), true))
}

func TestCompletedFlagTriggersBelowThreshold(t *testing.T) {
	t.Parallel()

	m := seeded(t, liveGoal("T", 10))
	snap := liveGoal("T", 90)
	snap.Goal.Completed = true
	require.Equal(t, []Transition{TransitionGoalCompleted}, m.Step(snap, true))
}

func TestThresholdBoundary(t *testing.T) {
	t.Parallel()

	m := seeded(t, liveGoal("T", 10))
	require.Empty(t, m.Step(liveGoal("T", 98.9), true))
	require.Equal(t, []Transition{TransitionGoalCompleted}, m.Step(liveGoal("T", 99), true))
}

func TestGoalTextChangeIsSilent(t *testing.T) {
	t.Parallel()

	m := seeded(t, liveGoal("T", 10))
	trs := m.Step(liveGoal("T (updated)", 12), true)
	require.Equal(t, []Transition{TransitionGoalChanged}, trs)
	require.False(t, trs[0].Notifies())
	g, _ := m.Goal()
	require.Equal(t, "T (updated)", g.Text)
}

func TestGoalClearedAndResumedKeepsMemory(t *testing.T) {
	t.Parallel()

	m := seeded(t, live.Snapshot{IsLive: true})
	m.Step(liveGoal("T", 99), true)
	require.Equal(t, []Transition{TransitionGoalCleared}, m.Step(live.Snapshot{IsLive: true}, true))
	require.Equal(t, PhaseLiveNoGoal, m.Phase())
	require.Empty(t, m.Step(liveGoal("T", 99), true), "flicker does not re-fire completion")
	require.Equal(t, PhaseLiveGoalCompleted, m.Phase())
}

func TestLivenessOnlySnapshotLeavesGoalAlone(t *testing.T) {
	t.Parallel()

	m := seeded(t, liveGoal("T", 50))
	require.Empty(t, m.Step(live.Snapshot{IsLive: true}, false))
	require.Equal(t, PhaseLiveGoalActive, m.Phase())
	require.Equal(t, live.TargetStatus{IsLive: true, GoalActive: true, GoalText: "T", GoalProgress: 50}, m.Status())
}
