// simworker is a stand-in for the Python training service. It speaks
// the same line-delimited JSON protocol on stdin/stdout, simulating
// training with fake progress and loss curves. Flags select failure
// modes for exercising the orchestrator's recovery paths.
package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"
)

var (
	steps    = flag.Int("steps", 10, "progress updates per training run")
	stepTime = flag.Duration("step", 300*time.Millisecond, "delay between progress updates")
	modelDir = flag.String("model-dir", "./models", "directory for simulated model artifacts")
	failRun  = flag.Bool("fail", false, "report training failure in the completion line")
	oomRun   = flag.Bool("oom", false, "abort training mid-run with an out-of-memory error")
	crashRun = flag.Bool("crash", false, "exit mid-run without a completion line")
)

// request mirrors the orchestrator's wire format. The worker is a
// black box to the orchestrator, so the shape is duplicated here
// rather than imported.
type request struct {
	Action      string          `json:"action"`
	JobID       string          `json:"job_id"`
	DatasetPath string          `json:"dataset_path"`
	Config      json.RawMessage `json:"config"`
	ModelPath   string          `json:"model_path"`
	Prompt      string          `json:"prompt"`
}

func main() {
	flag.Parse()

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var req request
		if err := json.Unmarshal([]byte(line), &req); err != nil {
			emit(map[string]any{"error": "invalid JSON input"})
			continue
		}

		switch req.Action {
		case "get_system_info":
			emit(systemInfo())
		case "train_model":
			trainModel(req)
		case "validate_dataset":
			emit(validateDataset(req))
		case "run_inference":
			emit(runInference(req))
		default:
			emit(map[string]any{"error": fmt.Sprintf("unknown action: %s", req.Action)})
		}
	}
}

// emit writes one JSON line to stdout.
func emit(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		fmt.Fprintln(os.Stderr, "encoding response:", err)
		return
	}
	fmt.Println(string(data))
}

// systemInfo answers the readiness probe.
func systemInfo() map[string]any {
	return map[string]any{
		"status":     "ready",
		"success":    true,
		"platform":   runtime.GOOS,
		"go_version": runtime.Version(),
		"cpu_count":  runtime.NumCPU(),
	}
}

// trainModel simulates a training run: progress lines with a falling
// loss, then a model artifact and a completion line. The failure-mode
// flags divert partway through.
func trainModel(req request) {
	loss := 2.5
	for i := 1; i <= *steps; i++ {
		time.Sleep(*stepTime)

		if *crashRun && i > *steps/2 {
			fmt.Fprintln(os.Stderr, "simulated crash: training process aborted")
			os.Exit(2)
		}
		if *oomRun && i > *steps/2 {
			fmt.Fprintln(os.Stderr, "RuntimeError: CUDA out of memory. Tried to allocate 2.00 GiB")
			os.Exit(1)
		}

		loss = 2.5 - float64(i)*0.2 + (rand.Float64()-0.5)*0.2
		emit(map[string]any{
			"type":     "training_progress",
			"progress": float64(i) * 100 / float64(*steps),
			"epoch":    i,
			"loss":     round4(loss),
		})
	}

	if *failRun {
		emit(map[string]any{
			"type":    "completion",
			"success": false,
			"error":   "simulated training failure",
		})
		return
	}

	modelPath, err := writeModelArtifact(req)
	if err != nil {
		emit(map[string]any{
			"type":    "completion",
			"success": false,
			"error":   fmt.Sprintf("saving model artifact: %v", err),
		})
		return
	}

	emit(map[string]any{
		"type":       "completion",
		"success":    true,
		"model_path": modelPath,
		"performance": map[string]any{
			"final_loss":       round4(loss),
			"epochs_completed": *steps,
			"training_time":    (*stepTime * time.Duration(*steps)).Seconds(),
		},
	})
}

// writeModelArtifact drops a small JSON file naming what was
// "trained", so completed runs leave an inspectable artifact.
func writeModelArtifact(req request) (string, error) {
	if err := os.MkdirAll(*modelDir, 0o755); err != nil {
		return "", err
	}
	name := fmt.Sprintf("trained_model_%d.json", time.Now().UnixNano())
	path := filepath.Join(*modelDir, name)

	artifact := map[string]any{
		"model_type":   "simulated",
		"job_id":       req.JobID,
		"dataset_path": req.DatasetPath,
		"config":       req.Config,
		"trained_at":   time.Now().Unix(),
	}
	data, err := json.MarshalIndent(artifact, "", "  ")
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", err
	}
	return path, nil
}

// validateDataset checks the dataset exists and counts its lines.
func validateDataset(req request) map[string]any {
	if req.DatasetPath == "" {
		return map[string]any{"error": "no dataset path provided"}
	}
	data, err := os.ReadFile(req.DatasetPath)
	if err != nil {
		return map[string]any{"error": fmt.Sprintf("dataset not found: %s", req.DatasetPath)}
	}

	samples := 0
	for _, line := range strings.Split(string(data), "\n") {
		if strings.TrimSpace(line) != "" {
			samples++
		}
	}

	var warnings []string
	if samples < 100 {
		warnings = append(warnings, "small_dataset")
	}
	return map[string]any{
		"valid":        true,
		"sample_count": samples,
		"warnings":     warnings,
	}
}

// runInference fakes a model response for a prompt.
func runInference(req request) map[string]any {
	if req.ModelPath != "" {
		if _, err := os.Stat(req.ModelPath); err != nil {
			return map[string]any{"error": fmt.Sprintf("model not found: %s", req.ModelPath)}
		}
	}
	return map[string]any{
		"success":    true,
		"response":   fmt.Sprintf("simulated response to: %s", req.Prompt),
		"model_used": req.ModelPath,
		"confidence": round4(0.7 + rand.Float64()*0.25),
	}
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
