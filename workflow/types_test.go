package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		name string
		from Status
		to   Status
		want bool
	}{
		{"pending to running", StatusPending, StatusRunning, true},
		{"pending to failed", StatusPending, StatusFailed, true},
		{"pending to cancelled", StatusPending, StatusCancelled, true},
		{"pending to completed skips running", StatusPending, StatusCompleted, false},
		{"running to completed", StatusRunning, StatusCompleted, true},
		{"running to failed", StatusRunning, StatusFailed, true},
		{"running to pending", StatusRunning, StatusPending, false},
		{"completed is terminal", StatusCompleted, StatusRunning, false},
		{"failed is terminal", StatusFailed, StatusRunning, false},
		{"cancelled is terminal", StatusCancelled, StatusRunning, false},
		{"no self transition", StatusRunning, StatusRunning, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestStepCanTransition(t *testing.T) {
	tests := []struct {
		name string
		from StepStatus
		to   StepStatus
		want bool
	}{
		{"pending to running", StepPending, StepRunning, true},
		{"pending to skipped", StepPending, StepSkipped, true},
		{"pending to completed", StepPending, StepCompleted, false},
		{"running retry self transition", StepRunning, StepRunning, true},
		{"running to completed", StepRunning, StepCompleted, true},
		{"running to failed", StepRunning, StepFailed, true},
		{"completed is terminal", StepCompleted, StepRunning, false},
		{"failed is terminal", StepFailed, StepRunning, false},
		{"skipped is terminal", StepSkipped, StepRunning, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, StepCanTransition(tt.from, tt.to))
		})
	}
}

func TestProgress(t *testing.T) {
	steps := []Step{
		{Name: "a", Status: StepCompleted},
		{Name: "b", Status: StepCompleted},
		{Name: "c", Status: StepRunning},
		{Name: "d", Status: StepPending},
		{Name: "e", Status: StepSkipped},
	}
	assert.Equal(t, "2/5 steps completed", Progress(steps))
	assert.Equal(t, "c", CurrentStep(steps))
	assert.Equal(t, "", CurrentStep(steps[:2]))
}

func TestKindValid(t *testing.T) {
	assert.True(t, KindIncidentResponse.Valid())
	assert.True(t, KindPostmortemPublish.Valid())
	assert.True(t, KindKBSync.Valid())
	assert.False(t, Kind("DEPLOY").Valid())
}
