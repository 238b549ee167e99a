package models

import (
	"errors"
	"fmt"
)

// FailureKind classifies job and service failures for reporting and
// retry decisions.
type FailureKind string

const (
	FailurePreflight       FailureKind = "preflight_failed"
	FailureWorkerSpawn     FailureKind = "worker_spawn_failed"
	FailureWorkerCrashed   FailureKind = "worker_crashed"
	FailureWorkerTimeout   FailureKind = "worker_timeout"
	FailureOutOfMemory     FailureKind = "out_of_memory"
	FailureHealthCheck     FailureKind = "health_check_failed"
	FailureMaxRestarts     FailureKind = "max_restarts_exceeded"
	FailureMalformedOutput FailureKind = "malformed_worker_output"
	FailureUnknownJob      FailureKind = "unknown_job"
)

// Sentinel errors for errors.Is checks across package boundaries.
var (
	ErrUnknownJob          = errors.New("unknown job")
	ErrSchedulerStopped    = errors.New("scheduler is stopped")
	ErrServiceNotRunning   = errors.New("worker service is not running")
	ErrMaxRestartsExceeded = errors.New("max restarts exceeded")
)

// JobError is a classified failure carrying the captured stderr tail
// when one exists.
type JobError struct {
	Kind    FailureKind
	Message string
	Stderr  string
	Err     error
}

func (e *JobError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *JobError) Unwrap() error { return e.Err }

// NewJobError builds a classified failure.
func NewJobError(kind FailureKind, message string) *JobError {
	return &JobError{Kind: kind, Message: message}
}

// KindOf extracts the failure kind from err, walking the wrap chain.
// Unclassified errors report FailureWorkerCrashed.
func KindOf(err error) FailureKind {
	var je *JobError
	if errors.As(err, &je) {
		return je.Kind
	}
	return FailureWorkerCrashed
}
