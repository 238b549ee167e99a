package models

import "time"

// ResourceSnapshot captures host resource availability at a point in time
type ResourceSnapshot struct {
	TotalMemoryBytes     uint64    `json:"total_memory_bytes"`
	AvailableMemoryBytes uint64    `json:"available_memory_bytes"`
	UsedMemoryPercent    float64   `json:"used_memory_percent"`
	CPUCount             int       `json:"cpu_count"`
	CPUPercent           float64   `json:"cpu_percent"`
	GPUAvailable         bool      `json:"gpu_available"`
	GPUName              string    `json:"gpu_name,omitempty"`
	StorageTotalBytes    uint64    `json:"storage_total_bytes"`
	StorageFreeBytes     uint64    `json:"storage_free_bytes"`
	StorageKnown         bool      `json:"storage_known"`
	CapturedAt           time.Time `json:"captured_at"`
}
