package models

import "time"

// EventType identifies the kind of orchestration event
type EventType string

const (
	EventJobProgress   EventType = "job:progress"
	EventJobCompleted  EventType = "job:completed"
	EventJobFailed     EventType = "job:failed"
	EventJobCancelled  EventType = "job:cancelled"
	EventServiceFailed EventType = "service:failed"
)

// Terminal reports whether the event type marks the end of a job or
// service lifecycle. Terminal events are delivered with backpressure,
// never dropped.
func (t EventType) Terminal() bool {
	return t != EventJobProgress
}

// TrainingProgress is the payload of a job:progress event
type TrainingProgress struct {
	Progress float64 `json:"progress"`
	Epoch    int     `json:"epoch"`
	Loss     float64 `json:"loss"`
	Message  string  `json:"message,omitempty"`
}

// Event is a single orchestration event delivered to subscribers
type Event struct {
	Type     EventType         `json:"type"`
	JobID    string            `json:"job_id,omitempty"`
	Time     time.Time         `json:"time"`
	Progress *TrainingProgress `json:"progress,omitempty"`
	Job      *Job              `json:"job,omitempty"`
	Service  *ServiceHealth    `json:"service,omitempty"`
}
