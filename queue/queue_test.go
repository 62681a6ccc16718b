package queue

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opspilot/opspilot/task"
	"github.com/opspilot/opspilot/workflow"
)

func TestJobDeferred(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

	due := Job{}
	assert.Zero(t, due.Deferred(now), "no not-before means due now")

	past := now.Add(-time.Minute)
	assert.Zero(t, Job{NotBefore: &past}.Deferred(now))

	future := now.Add(30 * time.Second)
	assert.Equal(t, 30*time.Second, Job{NotBefore: &future}.Deferred(now))
}

func TestJobPayloadCarriesJoinedVector(t *testing.T) {
	job := Job{
		ID:         "j1",
		WorkflowID: uuid.New(),
		StepName:   "notify_stakeholders",
		Handler:    "notify_stakeholders",
		Joined: []task.Result{
			{"issue_url": "https://example.com/1"},
			{"embedding_id": "e1"},
		},
		JoinedSet: true,
	}
	raw, err := json.Marshal(job)
	require.NoError(t, err)

	var got Job
	require.NoError(t, json.Unmarshal(raw, &got))
	require.Len(t, got.Joined, 2)
	assert.Equal(t, "https://example.com/1", got.Joined[0]["issue_url"])
	assert.True(t, got.JoinedSet)
}

func TestJobPayloadEmptyJoinSurvives(t *testing.T) {
	// An empty chord callback must still know it is a join after the
	// payload round-trips, even though its vector is empty.
	job := Job{ID: "j1", Joined: []task.Result{}, JoinedSet: true}
	raw, err := json.Marshal(job)
	require.NoError(t, err)

	var got Job
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.True(t, got.JoinedSet)
	assert.Empty(t, got.Joined)
}

func TestStepResultPayload(t *testing.T) {
	res := StepResult{
		WorkflowID:    uuid.New(),
		StepID:        uuid.New(),
		StepName:      "create_github_issue",
		Status:        workflow.StepCompleted,
		ResultSummary: task.Result{"skipped": true, "reason": "github integration disabled"},
	}
	raw, err := json.Marshal(res)
	require.NoError(t, err)

	var got StepResult
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, workflow.StepCompleted, got.Status)
	assert.Equal(t, true, got.ResultSummary["skipped"])
}

func TestDefaultConfigAckWaitExceedsHardLimit(t *testing.T) {
	cfg := DefaultConfig()
	hardLimit := 10 * time.Minute
	assert.Greater(t, cfg.AckWait, hardLimit,
		"a job must not be redelivered while its first attempt may still be running")
	assert.Greater(t, cfg.MaxDeliver, 4, "redelivery budget must cover default retries")
}
