package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelforge/modelforge-go/pkg/config"
	"github.com/modelforge/modelforge-go/pkg/events"
	"github.com/modelforge/modelforge-go/pkg/models"
	"github.com/modelforge/modelforge-go/pkg/optimizer"
	"github.com/modelforge/modelforge-go/pkg/recordstore"
	"github.com/modelforge/modelforge-go/pkg/resources"
	"github.com/modelforge/modelforge-go/pkg/scheduler"
	"github.com/modelforge/modelforge-go/pkg/supervisor"
)

// The test worker serves both roles: as the resident service it
// answers system info probes until stdin closes; as a per-job process
// it handles one train_model request and exits.
const workerBody = `while read line; do
case "$line" in
*train_model*)
echo '{"type":"training_progress","progress":50,"epoch":1,"loss":1.0}'
echo '{"type":"completion","success":true,"model_path":"/tmp/models/final.bin","performance":{"final_loss":0.7}}'
exit 0
;;
*)
echo '{"status":"ready","platform":"sh","python_version":"3.11"}'
;;
esac
done
`

func newTestOrchestrator(t *testing.T) (*Service, recordstore.RecordStore) {
	t.Helper()

	script := filepath.Join(t.TempDir(), "worker.sh")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\n"+workerBody), 0o755))

	cfg := config.Default()
	cfg.Storage.DatabasePath = filepath.Join(t.TempDir(), "orchestrator.db")
	cfg.Worker = config.WorkerConfig{Command: "sh", Args: []string{script}, StderrTailKB: 8}
	cfg.Resources.MinFreeDiskMB = 1
	cfg.Resources.MinFreeMemoryMB = 1
	cfg.Resources.GPUProbeTimeout = 1
	cfg.Supervisor.StartTimeout = 5
	cfg.Supervisor.StopGrace = 1
	cfg.Supervisor.HealthInterval = 1
	cfg.Supervisor.HealthTimeout = 1
	cfg.Scheduler.TickInterval = 60

	logger := hclog.NewNullLogger()
	store, err := recordstore.NewSQLiteStore(cfg.Storage.DatabasePath)
	require.NoError(t, err)

	monitor := resources.NewMonitor(cfg.Resources, resources.NewSystemProber(time.Duration(cfg.Resources.GPUProbeTimeout)*time.Second), logger)
	opt := optimizer.New(cfg.Optimizer, monitor, logger)
	bus := events.NewBus(logger)
	sup := supervisor.NewService(cfg.Supervisor, cfg.Worker, cfg.Resources, monitor, bus, logger)
	sched := scheduler.NewService(cfg.Scheduler, cfg.Worker, store, opt, bus, logger)

	svc := NewService(cfg, logger, store, monitor, opt, sup, sched, bus)
	t.Cleanup(func() {
		svc.Stop()
		bus.Close()
		store.Close()
	})
	return svc, store
}

func TestStartSweepsStaleRecords(t *testing.T) {
	svc, store := newTestOrchestrator(t)

	stale := &models.Job{
		ID:          "stale-1",
		ModelName:   "gpt2",
		DatasetPath: "/data/old.jsonl",
		Status:      models.JobStatusRunning,
		SubmittedAt: time.Now().Add(-time.Hour),
	}
	require.NoError(t, store.CreateJob(context.Background(), stale))

	require.NoError(t, svc.Start(context.Background()))

	record, err := store.GetJob(context.Background(), "stale-1")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusStopped, record.Status)
	require.NotNil(t, record.CompletedAt)
}

func TestEndToEndJobLifecycle(t *testing.T) {
	svc, _ := newTestOrchestrator(t)

	require.NoError(t, svc.Start(context.Background()))
	assert.Equal(t, models.ServiceHealthy, svc.Health().State)

	snap := svc.SystemInfo(context.Background())
	assert.NotZero(t, snap.TotalMemoryBytes)
	assert.NotZero(t, snap.CPUCount)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	info, err := svc.WorkerInfo(ctx)
	cancel()
	require.NoError(t, err)
	assert.Equal(t, "sh", info["platform"])

	job, err := svc.Enqueue(context.Background(), models.SubmitRequest{
		ModelName:   "gpt2",
		DatasetPath: "/data/train.jsonl",
		DatasetSize: 1 << 20,
		ModelSize:   64 << 20,
		Config:      models.TrainingConfig{BatchSize: 2, MaxEpochs: 1},
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, err := svc.Get(context.Background(), job.ID)
		return err == nil && got.Status == models.JobStatusCompleted
	}, 10*time.Second, 25*time.Millisecond)

	metrics, err := svc.Metrics(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), metrics.CompletedJobs)

	records, err := svc.ModelRecords(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "/tmp/models/final.bin", records[0].ModelPath)

	preview := svc.OptimizePreview(context.Background(), 64<<20, 1<<20, models.TrainingConfig{})
	assert.GreaterOrEqual(t, preview.Config.BatchSize, 1)
	assert.NotEmpty(t, preview.Tier)

	estimate := svc.EstimateTrainingTime(10<<20, models.TrainingConfig{BatchSize: 4, MaxEpochs: 2})
	assert.Greater(t, estimate.EstimatedSeconds, 0.0)

	svc.Stop()
	assert.Equal(t, models.ServiceStopped, svc.Health().State)
}
