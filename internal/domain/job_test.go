package domain

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewJob_StatusFollowsDependencyState(t *testing.T) {
	spec := JobSpec{Type: "send_email"}
	spec.Normalize()

	now := time.Now().UTC()
	id := uuid.Must(uuid.NewV7())

	pending := NewJob(id, spec, now, false)
	require.Equal(t, StatusPending, pending.Status)

	blocked := NewJob(id, spec, now, true)
	require.Equal(t, StatusBlocked, blocked.Status)
}

func TestJob_AttemptsExhausted(t *testing.T) {
	j := &Job{MaxAttempts: 3, CurrentAttempt: 2}
	assert.True(t, j.AttemptsExhausted())

	j.CurrentAttempt = 1
	assert.False(t, j.AttemptsExhausted())
}

func TestJob_AttemptNumberIsOneBased(t *testing.T) {
	j := &Job{CurrentAttempt: 0}
	assert.Equal(t, 1, j.AttemptNumber())

	j.CurrentAttempt = 2
	assert.Equal(t, 3, j.AttemptNumber())
}

func TestJobPriority_RankOrdersCriticalFirst(t *testing.T) {
	assert.Less(t, PriorityCritical.Rank(), PriorityHigh.Rank())
	assert.Less(t, PriorityHigh.Rank(), PriorityNormal.Rank())
	assert.Less(t, PriorityNormal.Rank(), PriorityLow.Rank())
}

func TestJobStatus_TerminalStatusesAreSinks(t *testing.T) {
	terminal := []JobStatus{StatusCompleted, StatusFailed, StatusCancelled, StatusTimeout}
	for _, s := range terminal {
		assert.True(t, s.IsTerminal(), "%s should be terminal", s)
	}

	nonTerminal := []JobStatus{StatusPending, StatusReady, StatusRunning, StatusBlocked}
	for _, s := range nonTerminal {
		assert.False(t, s.IsTerminal(), "%s should not be terminal", s)
	}
}
