package agent

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusPredicates(t *testing.T) {
	assert.False(t, StatusRunning.Terminal())
	assert.False(t, StatusWaitingForMessage.Terminal())
	assert.False(t, StatusWaitingForRecovery.Terminal())
	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusFailed.Terminal())
	assert.True(t, StatusStopped.Terminal())

	assert.True(t, StatusWaitingForMessage.Waiting())
	assert.True(t, StatusWaitingForRecovery.Waiting())
	assert.False(t, StatusRunning.Waiting())
	assert.False(t, StatusCompleted.Waiting())
}

func TestNewAgentID(t *testing.T) {
	id := NewAgentID()
	require.Len(t, id, len("agent_")+8)
	assert.Regexp(t, `^agent_[0-9a-f]{8}$`, id)
	assert.NotEqual(t, id, NewAgentID())
}

func TestTransitionMaintainsWaitingTimestamp(t *testing.T) {
	s := &State{Status: StatusRunning}

	require.NoError(t, s.transitionTo(StatusWaitingForMessage))
	require.NotNil(t, s.WaitingStart)
	assert.WithinDuration(t, time.Now().UTC(), *s.WaitingStart, time.Second)

	require.NoError(t, s.transitionTo(StatusRunning))
	assert.Nil(t, s.WaitingStart)

	require.NoError(t, s.transitionTo(StatusWaitingForRecovery))
	require.NotNil(t, s.WaitingStart)

	require.NoError(t, s.transitionTo(StatusFailed))
	assert.Nil(t, s.WaitingStart)
}

func TestTransitionRejectsInvalidMoves(t *testing.T) {
	cases := []struct {
		from, to Status
	}{
		{StatusCompleted, StatusRunning},
		{StatusFailed, StatusRunning},
		{StatusStopped, StatusWaitingForMessage},
		{StatusWaitingForMessage, StatusWaitingForRecovery},
		{StatusWaitingForMessage, StatusCompleted},
		{StatusWaitingForRecovery, StatusCompleted},
	}
	for _, tc := range cases {
		s := &State{Status: tc.from}
		err := s.transitionTo(tc.to)
		require.Error(t, err, "%s -> %s", tc.from, tc.to)
		assert.Contains(t, err.Error(), "invalid agent transition")
		assert.Equal(t, tc.from, s.Status)
	}
}

func TestTransitionSameStatusIsNoOp(t *testing.T) {
	s := &State{Status: StatusCompleted}
	require.NoError(t, s.transitionTo(StatusCompleted))
	assert.Equal(t, StatusCompleted, s.Status)
}

func TestResumeFromWaitingResetsCounters(t *testing.T) {
	s := &State{Status: StatusRunning}
	require.NoError(t, s.transitionTo(StatusWaitingForRecovery))
	s.ConsecutiveEmptyResponses = 4
	s.FailureReason = "thinker failure"

	require.NoError(t, s.resumeFromWaiting())
	assert.Equal(t, StatusRunning, s.Status)
	assert.Nil(t, s.WaitingStart)
	assert.Zero(t, s.ConsecutiveEmptyResponses)
	assert.Empty(t, s.FailureReason)
}

func TestResumeFromWaitingRequiresWaitingStatus(t *testing.T) {
	s := &State{AgentID: "agent_0a1b2c3d", Status: StatusRunning}
	err := s.resumeFromWaiting()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not waiting")
}

func TestWaitTimedOutIsStrictlyAfterBound(t *testing.T) {
	started := time.Now().UTC()
	s := &State{Status: StatusWaitingForMessage, MaxWaitSeconds: 300, WaitingStart: &started}

	atBound := started.Add(300 * time.Second)
	assert.False(t, s.waitTimedOut(atBound))

	past := started.Add(300*time.Second + time.Millisecond)
	assert.True(t, s.waitTimedOut(past))
}

func TestWaitTimedOutIgnoresNonWaiting(t *testing.T) {
	started := time.Now().UTC().Add(-time.Hour)
	s := &State{Status: StatusRunning, MaxWaitSeconds: 1, WaitingStart: &started}
	assert.False(t, s.waitTimedOut(time.Now().UTC()))
}

func TestRecordErrorBoundsTheLog(t *testing.T) {
	s := &State{}
	for i := 0; i < 60; i++ {
		s.recordError(fmt.Errorf("error %d", i))
	}
	require.Len(t, s.ErrorLog, 50)
	assert.Equal(t, "error 10", s.ErrorLog[0])
	assert.Equal(t, "error 59", s.ErrorLog[49])
}

func TestProgressPercent(t *testing.T) {
	cases := []struct {
		iteration, max int
		want           float64
	}{
		{0, 300, 0},
		{150, 300, 50},
		{100, 300, 33.3},
		{299, 300, 99.6},
		{400, 300, 100},
		{5, 0, 0},
	}
	for _, tc := range cases {
		s := &State{Iteration: tc.iteration, MaxIterations: tc.max}
		assert.InDelta(t, tc.want, s.progressPercent(), 0.01, "%d/%d", tc.iteration, tc.max)
	}
}

func TestSnapshotCopiesObservableState(t *testing.T) {
	started := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s := &State{
		AgentID:       "agent_0a1b2c3d",
		Name:          "recon-1",
		Role:          "reconnaissance",
		ParentID:      "agent_ffffffff",
		Status:        StatusWaitingForMessage,
		Iteration:     7,
		MaxIterations: 300,
		WaitingStart:  &started,
		ErrorLog:      []string{"one"},
	}
	snap := s.snapshot()
	assert.Equal(t, "agent_0a1b2c3d", snap.AgentID)
	assert.Equal(t, "recon-1", snap.Name)
	assert.Equal(t, StatusWaitingForMessage, snap.Status)
	assert.Equal(t, 7, snap.Iteration)
	assert.Equal(t, 1, snap.ErrorCount)
	assert.Equal(t, "2025-06-01T12:00:00Z", snap.WaitingSince)
}
