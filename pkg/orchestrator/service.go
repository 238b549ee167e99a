// Package orchestrator composes the record store, resource monitor,
// config optimizer, worker supervisor, and job scheduler behind one
// facade. The HTTP layer and the CLI talk to this and nothing below it.
package orchestrator

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-hclog"

	"github.com/modelforge/modelforge-go/pkg/config"
	"github.com/modelforge/modelforge-go/pkg/events"
	"github.com/modelforge/modelforge-go/pkg/models"
	"github.com/modelforge/modelforge-go/pkg/optimizer"
	"github.com/modelforge/modelforge-go/pkg/recordstore"
	"github.com/modelforge/modelforge-go/pkg/resources"
	"github.com/modelforge/modelforge-go/pkg/scheduler"
	"github.com/modelforge/modelforge-go/pkg/supervisor"
)

// Service is the orchestration facade.
type Service struct {
	logger     hclog.Logger
	cfg        *config.Config
	store      recordstore.RecordStore
	monitor    *resources.Monitor
	optimizer  *optimizer.Optimizer
	supervisor *supervisor.Service
	scheduler  *scheduler.Service
	bus        *events.Bus
}

// NewService wires the orchestrator from its collaborators. The caller
// owns the store and the bus and closes them after Stop.
func NewService(
	cfg *config.Config,
	logger hclog.Logger,
	store recordstore.RecordStore,
	monitor *resources.Monitor,
	opt *optimizer.Optimizer,
	sup *supervisor.Service,
	sched *scheduler.Service,
	bus *events.Bus,
) *Service {
	return &Service{
		logger:     logger.Named("orchestrator"),
		cfg:        cfg,
		store:      store,
		monitor:    monitor,
		optimizer:  opt,
		supervisor: sup,
		scheduler:  sched,
		bus:        bus,
	}
}

// Start sweeps stale job records, starts the worker supervisor, then
// the scheduler. A supervisor that cannot pass preflight or spawn
// aborts startup.
func (s *Service) Start(ctx context.Context) error {
	swept, err := s.store.MarkActiveJobsStopped(ctx)
	if err != nil {
		s.logger.Warn("sweeping stale job records", "error", err)
	} else if swept > 0 {
		s.logger.Info("marked interrupted jobs from previous run as stopped", "count", swept)
	}

	if err := s.supervisor.Start(ctx); err != nil {
		return fmt.Errorf("starting worker service: %w", err)
	}
	s.scheduler.Start()

	s.logger.Info("orchestrator started")
	return nil
}

// Stop shuts down in reverse start order: scheduler first so no new
// work reaches the worker service, then the supervisor.
func (s *Service) Stop() {
	s.scheduler.Stop()
	s.supervisor.Stop()
	s.logger.Info("orchestrator stopped")
}

// Enqueue submits a training job.
func (s *Service) Enqueue(ctx context.Context, req models.SubmitRequest) (*models.Job, error) {
	return s.scheduler.Enqueue(ctx, req)
}

// Cancel cancels a queued or running job.
func (s *Service) Cancel(ctx context.Context, id string) (bool, error) {
	return s.scheduler.Cancel(ctx, id)
}

// Get returns a job snapshot, live or persisted.
func (s *Service) Get(ctx context.Context, id string) (*models.Job, error) {
	return s.scheduler.Get(ctx, id)
}

// Metrics reports scheduling and outcome counters.
func (s *Service) Metrics(ctx context.Context) (models.JobMetrics, error) {
	return s.scheduler.Metrics(ctx)
}

// Health reports the supervised worker service state.
func (s *Service) Health() models.ServiceHealth {
	return s.supervisor.Health()
}

// Subscribe attaches a named consumer to the orchestration event
// stream.
func (s *Service) Subscribe(name string, buffer int) (<-chan models.Event, func()) {
	return s.bus.Subscribe(name, buffer)
}

// SystemInfo returns the host resource snapshot.
func (s *Service) SystemInfo(ctx context.Context) models.ResourceSnapshot {
	return s.monitor.Snapshot(ctx)
}

// WorkerInfo returns the resident worker's own system report, which
// carries runtime details the host snapshot cannot see.
func (s *Service) WorkerInfo(ctx context.Context) (map[string]any, error) {
	return s.supervisor.SystemInfo(ctx)
}

// OptimizePreview runs a dry optimization against current resources
// without enqueueing anything.
func (s *Service) OptimizePreview(ctx context.Context, modelSizeBytes, datasetSizeBytes uint64, base models.TrainingConfig) models.OptimizedConfig {
	return s.optimizer.Optimize(ctx, modelSizeBytes, datasetSizeBytes, base.WithDefaults(""), models.TierUnchanged)
}

// EstimateTrainingTime estimates run duration for a config.
func (s *Service) EstimateTrainingTime(datasetSizeBytes uint64, cfg models.TrainingConfig) optimizer.TimeEstimate {
	return s.optimizer.EstimateTrainingTime(datasetSizeBytes, cfg.WithDefaults(""))
}

// ModelRecords lists recently trained model artifacts.
func (s *Service) ModelRecords(ctx context.Context, limit int) ([]*models.ModelRecord, error) {
	return s.store.ListModelRecords(ctx, limit)
}
