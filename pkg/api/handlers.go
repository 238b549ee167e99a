package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/modelforge/modelforge-go/pkg/models"
	"github.com/modelforge/modelforge-go/pkg/optimizer"
)

// writeJSON writes a JSON response with the given status code
func writeJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response with the given status code
func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, map[string]any{
		"error":  message,
		"status": "error",
	})
}

// handleLiveness reports that the HTTP process itself is up.
func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// handleReadiness reports whether the orchestrator can accept jobs:
// the supervised worker service must be running or recovering.
func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	health := s.facade.Health()
	switch health.State {
	case models.ServiceStopped, models.ServiceFailed:
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not ready",
			"state":  string(health.State),
		})
	default:
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	}
}

// handleSubmitJob enqueues a training job.
func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	var req models.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}

	job, err := s.facade.Enqueue(r.Context(), req)
	if err != nil {
		if errors.Is(err, models.ErrSchedulerStopped) {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusAccepted, job)
}

// handleGetJob returns one job, live or persisted.
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	job, err := s.facade.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, models.ErrUnknownJob) {
			writeError(w, http.StatusNotFound, fmt.Sprintf("job %s not found", id))
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, job)
}

// handleCancelJob cancels a queued or running job. Cancelling a
// terminal job is a no-op reporting cancelled=false.
func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	cancelled, err := s.facade.Cancel(r.Context(), id)
	if err != nil {
		if errors.Is(err, models.ErrUnknownJob) {
			writeError(w, http.StatusNotFound, fmt.Sprintf("job %s not found", id))
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"job_id":    id,
		"cancelled": cancelled,
	})
}

// handleMetrics reports queue and outcome counters.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	metrics, err := s.facade.Metrics(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, metrics)
}

// handleServiceHealth reports the supervised worker service state; a
// permanently failed service answers 503 so probes see it.
func (s *Server) handleServiceHealth(w http.ResponseWriter, r *http.Request) {
	health := s.facade.Health()
	status := http.StatusOK
	if health.State == models.ServiceFailed {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, health)
}

// handleSystemInfo returns the host resource snapshot.
func (s *Server) handleSystemInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.facade.SystemInfo(r.Context()))
}

// optimizeRequest is the dry-run optimization request body.
type optimizeRequest struct {
	ModelSizeBytes   uint64                `json:"model_size_bytes"`
	DatasetSizeBytes uint64                `json:"dataset_size_bytes"`
	Config           models.TrainingConfig `json:"config"`
}

// optimizeResponse pairs the optimized config with a coarse duration
// estimate for it.
type optimizeResponse struct {
	Optimized    models.OptimizedConfig `json:"optimized"`
	TimeEstimate optimizer.TimeEstimate `json:"time_estimate"`
}

// handleOptimize runs a dry optimization against current resources
// without enqueueing anything.
func (s *Server) handleOptimize(w http.ResponseWriter, r *http.Request) {
	var req optimizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}

	optimized := s.facade.OptimizePreview(r.Context(), req.ModelSizeBytes, req.DatasetSizeBytes, req.Config)
	estimate := s.facade.EstimateTrainingTime(req.DatasetSizeBytes, optimized.Config)

	writeJSON(w, http.StatusOK, optimizeResponse{
		Optimized:    optimized,
		TimeEstimate: estimate,
	})
}

// handleListModels lists trained model records, newest first.
func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if param := r.URL.Query().Get("limit"); param != "" {
		parsed, err := strconv.Atoi(param)
		if err != nil || parsed < 1 {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid limit: %q", param))
			return
		}
		limit = parsed
	}

	records, err := s.facade.ModelRecords(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, records)
}
