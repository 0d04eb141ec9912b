package types

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParsePriority(t *testing.T) {
	tests := []struct {
		in   string
		want Priority
	}{
		{"critical", PriorityCritical},
		{" HIGH ", PriorityHigh},
		{"low", PriorityLow},
		{"", PriorityMedium},
		{"whenever", PriorityMedium},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ParsePriority(tt.in), "input %q", tt.in)
	}
	assert.Greater(t, PriorityCritical.Rank(), PriorityHigh.Rank())
	assert.Greater(t, PriorityMedium.Rank(), PriorityLow.Rank())
}

func TestPersistenceErrorUnwrap(t *testing.T) {
	cause := errors.New("disk full")
	err := fmt.Errorf("save task: %w", &PersistenceError{Op: "UpsertTask", Attempts: 3, Err: cause})

	assert.ErrorIs(t, err, ErrPersistence)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "3 attempt(s)")
}

func TestTransitionErrorUnwrap(t *testing.T) {
	err := &TransitionError{TaskID: "t1", From: TaskAssigned, To: TaskInProgress, Cause: ErrDependencyNotSatisfied}
	assert.ErrorIs(t, err, ErrDependencyNotSatisfied)
	assert.NotErrorIs(t, err, ErrInvalidTransition)
}

func TestExecutionProgressAndTerminal(t *testing.T) {
	e := Execution{TotalTasks: 4, CompletedTasks: 1}
	assert.InDelta(t, 0.25, e.Progress(), 1e-9)
	assert.Zero(t, Execution{}.Progress())

	assert.False(t, ExecutionActive.IsTerminal())
	for _, s := range []ExecutionState{ExecutionCompleted, ExecutionTimeout, ExecutionError, ExecutionCancelled} {
		assert.True(t, s.IsTerminal(), string(s))
	}
}

func TestWorkerHasSpecialty(t *testing.T) {
	w := WorkerProfile{Specialties: []string{"Backend", "testing"}}
	assert.True(t, w.HasSpecialty("backend"))
	assert.False(t, w.HasSpecialty("design"))
}
