package models

import (
	"fmt"
	"time"
)

// JobStatus represents the current lifecycle state of a training job
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
	JobStatusStopped   JobStatus = "stopped"
)

// Terminal reports whether the status is final. Terminal jobs never
// transition again.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled, JobStatusStopped:
		return true
	}
	return false
}

// Job represents a single training job tracked by the scheduler
type Job struct {
	ID          string             `json:"job_id"`
	ModelName   string             `json:"model_name"`
	DatasetPath string             `json:"dataset_path"`
	DatasetSize uint64             `json:"dataset_size_bytes"`
	ModelSize   uint64             `json:"model_size_bytes"`
	Priority    int                `json:"priority"`
	Status      JobStatus          `json:"status"`
	Config      TrainingConfig     `json:"config"`
	Optimized   *OptimizedConfig   `json:"optimized_config,omitempty"`
	Progress    float64            `json:"progress"` // percent complete, 0-100
	Epoch       int                `json:"epoch"`
	Loss        float64            `json:"loss"`
	Error       string             `json:"error,omitempty"`
	FailureKind FailureKind        `json:"failure_kind,omitempty"`
	ModelPath   string             `json:"model_path,omitempty"`
	Performance map[string]float64 `json:"performance,omitempty"`
	TimeoutSecs int                `json:"timeout_seconds,omitempty"`
	SubmittedAt time.Time          `json:"submitted_at"`
	StartedAt   *time.Time         `json:"started_at,omitempty"`
	CompletedAt *time.Time         `json:"completed_at,omitempty"`
}

// SubmitRequest represents a request to enqueue a new training job
type SubmitRequest struct {
	ModelName   string         `json:"model_name"`
	DatasetPath string         `json:"dataset_path"`
	DatasetSize uint64         `json:"dataset_size_bytes"`
	ModelSize   uint64         `json:"model_size_bytes"`
	Priority    int            `json:"priority"`
	Config      TrainingConfig `json:"config"`
	TimeoutSecs int            `json:"timeout_seconds,omitempty"`
}

// Validate checks if the SubmitRequest is valid
func (r *SubmitRequest) Validate() error {
	if r.ModelName == "" {
		return fmt.Errorf("model_name is required")
	}
	if r.DatasetPath == "" {
		return fmt.Errorf("dataset_path is required")
	}
	if r.Priority < 0 {
		return fmt.Errorf("priority must be non-negative")
	}
	if r.TimeoutSecs < 0 {
		return fmt.Errorf("timeout_seconds must be non-negative")
	}
	return nil
}

// JobUpdate carries the mutable fields of a job for persistence.
// Nil pointers mean "leave unchanged".
type JobUpdate struct {
	Status      JobStatus
	Error       *string
	FailureKind *FailureKind
	Progress    *float64
	ModelPath   *string
	Performance map[string]float64
	Optimized   *OptimizedConfig
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// JobMetrics summarizes queue and execution state for reporting
type JobMetrics struct {
	QueueLength       int     `json:"queue_length"`
	ActiveJobs        int     `json:"active_jobs"`
	CompletedJobs     int64   `json:"completed_jobs"`
	FailedJobs        int64   `json:"failed_jobs"`
	CancelledJobs     int64   `json:"cancelled_jobs"`
	MaxConcurrentJobs int     `json:"max_concurrent_jobs"`
	SuccessRate       float64 `json:"success_rate"`
	DroppedEvents     uint64  `json:"dropped_events"`
}
