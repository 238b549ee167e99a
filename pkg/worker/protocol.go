// Package worker implements the line-delimited JSON protocol spoken by
// training worker processes and the per-job process invocations that
// drive it. Requests are a single JSON line on stdin; responses arrive
// as JSON lines on stdout classified by their "type" field.
package worker

import (
	"encoding/json"
	"fmt"

	"github.com/modelforge/modelforge-go/pkg/models"
)

// Actions accepted by the worker service.
const (
	ActionTrainModel      = "train_model"
	ActionValidateDataset = "validate_dataset"
	ActionRunInference    = "run_inference"
	ActionGetSystemInfo   = "get_system_info"
)

// Request is the single JSON line written to a worker's stdin.
type Request struct {
	Action      string                 `json:"action"`
	JobID       string                 `json:"job_id,omitempty"`
	DatasetPath string                 `json:"dataset_path,omitempty"`
	Config      *models.TrainingConfig `json:"config,omitempty"`
	ModelPath   string                 `json:"model_path,omitempty"`
	Prompt      string                 `json:"prompt,omitempty"`
}

// LineKind is the value of the "type" field on a worker stdout line.
type LineKind string

const (
	KindProgress   LineKind = "training_progress"
	KindStatus     LineKind = "status"
	KindCompletion LineKind = "completion"
)

// Line is one classified worker stdout line.
type Line interface {
	Kind() LineKind
}

// ProgressLine reports training progress as a percentage.
type ProgressLine struct {
	Progress float64 `json:"progress"`
	Epoch    int     `json:"epoch"`
	Loss     float64 `json:"loss"`
}

func (ProgressLine) Kind() LineKind { return KindProgress }

// StatusLine carries a free-form status message.
type StatusLine struct {
	Message string `json:"message"`
}

func (StatusLine) Kind() LineKind { return KindStatus }

// CompletionLine is the terminal response for a job.
type CompletionLine struct {
	Success     bool               `json:"success"`
	ModelPath   string             `json:"model_path,omitempty"`
	Performance map[string]float64 `json:"performance,omitempty"`
	Error       string             `json:"error,omitempty"`
}

func (CompletionLine) Kind() LineKind { return KindCompletion }

// ParseLine classifies one stdout line by its "type" field. Lines that
// are not JSON objects or carry no recognized type return an error;
// callers skip and count them rather than failing the stream.
func ParseLine(raw []byte) (Line, error) {
	var envelope struct {
		Type LineKind `json:"type"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("not a JSON object: %w", err)
	}

	switch envelope.Type {
	case KindProgress:
		var line ProgressLine
		if err := json.Unmarshal(raw, &line); err != nil {
			return nil, fmt.Errorf("malformed progress line: %w", err)
		}
		return line, nil
	case KindStatus:
		var line StatusLine
		if err := json.Unmarshal(raw, &line); err != nil {
			return nil, fmt.Errorf("malformed status line: %w", err)
		}
		return line, nil
	case KindCompletion:
		var line CompletionLine
		if err := json.Unmarshal(raw, &line); err != nil {
			return nil, fmt.Errorf("malformed completion line: %w", err)
		}
		return line, nil
	default:
		return nil, fmt.Errorf("unrecognized line type %q", envelope.Type)
	}
}

// ScanCompletion scans buffered stdout lines from the end and returns
// the last valid completion line, if any. Workers may emit trailing
// noise after the completion; scanning backwards tolerates it.
func ScanCompletion(lines [][]byte) (*CompletionLine, bool) {
	for i := len(lines) - 1; i >= 0; i-- {
		parsed, err := ParseLine(lines[i])
		if err != nil {
			continue
		}
		if completion, ok := parsed.(CompletionLine); ok {
			return &completion, true
		}
	}
	return nil, false
}

// IsReady reports whether a raw stdout line is a readiness marker: any
// JSON object whose "status" field equals "ready". The worker's
// get_system_info response carries this field.
func IsReady(raw []byte) bool {
	var probe struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return false
	}
	return probe.Status == "ready"
}
