package pipeline

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunStateTransitions(t *testing.T) {
	state := NewRunState("run-1", "data.csv")
	assert.Equal(t, RunStatusPending, state.CurrentStatus())

	// Pause before start is rejected
	assert.False(t, state.Pause())

	state.Start()
	assert.Equal(t, RunStatusRunning, state.CurrentStatus())

	require.True(t, state.Pause())
	assert.Equal(t, RunStatusPaused, state.CurrentStatus())

	// Double pause is rejected
	assert.False(t, state.Pause())

	require.True(t, state.Resume())
	assert.Equal(t, RunStatusRunning, state.CurrentStatus())

	// Resume when running is rejected
	assert.False(t, state.Resume())

	state.Complete()
	assert.Equal(t, RunStatusCompleted, state.CurrentStatus())
	assert.True(t, state.CurrentStatus().Terminal())
	assert.NotNil(t, state.EndTime)
}

func TestRunStateFailAndCancel(t *testing.T) {
	state := NewRunState("run-2", "data.csv")
	state.Start()
	state.Fail(errors.New("boom"))
	assert.Equal(t, RunStatusFailed, state.CurrentStatus())
	assert.Equal(t, "boom", state.Error)

	state = NewRunState("run-3", "data.csv")
	state.Start()
	state.Cancel()
	assert.Equal(t, RunStatusCancelled, state.CurrentStatus())
}

func TestRunStateContext(t *testing.T) {
	state := NewRunState("run-4", "data.csv")

	state.SetContext(ContextKeyRowCount, 120)
	v, ok := state.GetContext(ContextKeyRowCount)
	require.True(t, ok)
	assert.Equal(t, 120, v)

	_, ok = state.GetContext("missing")
	assert.False(t, ok)

	// Snapshot is a copy; mutating it does not touch the run context
	snap := state.ContextSnapshot()
	snap[ContextKeyRowCount] = 0
	v, _ = state.GetContext(ContextKeyRowCount)
	assert.Equal(t, 120, v)
}

func TestStageStateLifecycle(t *testing.T) {
	stage := NewStageState("quality", "Quality Checks")
	assert.Equal(t, StageStatusPending, stage.CurrentStatus())
	assert.Zero(t, stage.Duration())

	stage.Start()
	assert.Equal(t, StageStatusActive, stage.CurrentStatus())

	stage.UpdateProgress(40, "checking columns")
	assert.Equal(t, 40.0, stage.Progress)

	stage.Complete()
	assert.Equal(t, StageStatusCompleted, stage.CurrentStatus())
	assert.Equal(t, 100.0, stage.Progress)
	assert.GreaterOrEqual(t, stage.Duration(), time.Duration(0))
}

func TestStageStateFailAndSkip(t *testing.T) {
	stage := NewStageState("quality", "Quality Checks")
	stage.Start()
	stage.Fail(errors.New("detector crashed"))
	assert.Equal(t, StageStatusFailed, stage.CurrentStatus())
	assert.Equal(t, "detector crashed", stage.Error)

	stage = NewStageState("insights", "Insight Extraction")
	stage.Skip("skipped by decision")
	assert.Equal(t, StageStatusSkipped, stage.CurrentStatus())
	assert.Equal(t, "skipped by decision", stage.Message)
}
