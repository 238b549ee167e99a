package models

import "time"

// ModelRecord represents a trained model artifact produced by a
// completed job.
type ModelRecord struct {
	ID          string             `json:"id"`
	JobID       string             `json:"job_id"`
	ModelName   string             `json:"model_name"`
	ModelPath   string             `json:"model_path"`
	Performance map[string]float64 `json:"performance,omitempty"`
	CreatedAt   time.Time          `json:"created_at"`
}
