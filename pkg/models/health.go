package models

import "time"

// ServiceState represents the lifecycle state of the supervised worker service
type ServiceState string

const (
	ServiceStopped    ServiceState = "stopped"
	ServiceStarting   ServiceState = "starting"
	ServiceHealthy    ServiceState = "healthy"
	ServiceUnhealthy  ServiceState = "unhealthy"
	ServiceRestarting ServiceState = "restarting"
	ServiceFailed     ServiceState = "failed"
)

// Running reports whether a worker process is expected to be alive in
// this state.
func (s ServiceState) Running() bool {
	switch s {
	case ServiceHealthy, ServiceUnhealthy:
		return true
	}
	return false
}

// ServiceHealth is a point-in-time view of the supervised service
type ServiceHealth struct {
	State        ServiceState  `json:"state"`
	PID          int           `json:"pid,omitempty"`
	StartedAt    time.Time     `json:"started_at,omitempty"`
	Uptime       time.Duration `json:"uptime_seconds"`
	RestartCount int           `json:"restart_count"`
	LastError    string        `json:"last_error,omitempty"`
	MemoryRSS    uint64        `json:"memory_rss_bytes"`
	CPUPercent   float64       `json:"cpu_percent"`
	SampleKnown  bool          `json:"sample_known"`
	LastHealthAt time.Time     `json:"last_health_at,omitempty"`
}
