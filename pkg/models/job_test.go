package models

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubmitRequestValidate(t *testing.T) {
	valid := SubmitRequest{
		ModelName:   "gpt2",
		DatasetPath: "/data/train.jsonl",
		Priority:    5,
	}
	require.NoError(t, valid.Validate())

	cases := []struct {
		name    string
		mutate  func(*SubmitRequest)
		wantErr string
	}{
		{"missing model name", func(r *SubmitRequest) { r.ModelName = "" }, "model_name"},
		{"missing dataset path", func(r *SubmitRequest) { r.DatasetPath = "" }, "dataset_path"},
		{"negative priority", func(r *SubmitRequest) { r.Priority = -1 }, "priority"},
		{"negative timeout", func(r *SubmitRequest) { r.TimeoutSecs = -10 }, "timeout_seconds"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := valid
			tc.mutate(&req)
			err := req.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestJobStatusTerminal(t *testing.T) {
	terminal := []JobStatus{JobStatusCompleted, JobStatusFailed, JobStatusCancelled, JobStatusStopped}
	for _, s := range terminal {
		assert.True(t, s.Terminal(), "status %s should be terminal", s)
	}
	live := []JobStatus{JobStatusPending, JobStatusQueued, JobStatusRunning}
	for _, s := range live {
		assert.False(t, s.Terminal(), "status %s should not be terminal", s)
	}
}

func TestEventTypeTerminal(t *testing.T) {
	assert.False(t, EventJobProgress.Terminal())
	for _, et := range []EventType{EventJobCompleted, EventJobFailed, EventJobCancelled, EventServiceFailed} {
		assert.True(t, et.Terminal(), "event %s should be terminal", et)
	}
}

func TestServiceStateRunning(t *testing.T) {
	assert.True(t, ServiceHealthy.Running())
	assert.True(t, ServiceUnhealthy.Running())
	for _, s := range []ServiceState{ServiceStopped, ServiceStarting, ServiceRestarting, ServiceFailed} {
		assert.False(t, s.Running(), "state %s should not be running", s)
	}
}

func TestJobErrorClassification(t *testing.T) {
	plain := NewJobError(FailureOutOfMemory, "worker exceeded device memory")
	assert.Equal(t, "out_of_memory: worker exceeded device memory", plain.Error())
	assert.Equal(t, FailureOutOfMemory, KindOf(plain))

	wrapped := &JobError{
		Kind:    FailureWorkerTimeout,
		Message: "job exceeded deadline",
		Err:     context.DeadlineExceeded,
	}
	assert.ErrorIs(t, wrapped, context.DeadlineExceeded)
	assert.Equal(t, FailureWorkerTimeout, KindOf(fmt.Errorf("dispatch: %w", wrapped)))
}

func TestKindOfUnclassified(t *testing.T) {
	assert.Equal(t, FailureWorkerCrashed, KindOf(errors.New("exit status 2")))
}
