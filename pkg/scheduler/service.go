// Package scheduler admits queued training jobs into worker processes.
// A bounded number of jobs run concurrently; the rest wait in a
// priority queue. Dispatch happens on a periodic tick plus an
// immediate nudge whenever a job is enqueued or a slot frees up.
package scheduler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"github.com/robfig/cron/v3"

	"github.com/modelforge/modelforge-go/pkg/config"
	"github.com/modelforge/modelforge-go/pkg/events"
	"github.com/modelforge/modelforge-go/pkg/models"
	"github.com/modelforge/modelforge-go/pkg/optimizer"
	"github.com/modelforge/modelforge-go/pkg/queue"
	"github.com/modelforge/modelforge-go/pkg/recordstore"
	"github.com/modelforge/modelforge-go/pkg/worker"
)

// shutdownWait bounds how long Stop waits for cancelled jobs to drain.
const shutdownWait = 30 * time.Second

// stopCause records why a running invocation was cancelled, so the
// finishing goroutine can tell a user cancel from a shutdown.
type stopCause int

const (
	causeNone stopCause = iota
	causeCancel
	causeShutdown
)

// activeJob is one running invocation. cause is guarded by the
// scheduler mutex; cancel may be called from anywhere.
type activeJob struct {
	job    *models.Job
	cancel context.CancelFunc
	cause  stopCause
}

// Service runs the job scheduling loop.
type Service struct {
	logger    hclog.Logger
	cfg       config.SchedulerConfig
	workerCfg config.WorkerConfig
	store     recordstore.RecordStore
	optimizer *optimizer.Optimizer
	bus       *events.Bus

	mu      sync.Mutex
	queue   *queue.Queue
	jobs    map[string]*models.Job // queued and running jobs by ID
	active  map[string]*activeJob
	minTier models.OptimizationTier
	stopped bool

	// Session counters back up Metrics when the record store errors.
	completedCount int64
	failedCount    int64
	cancelledCount int64

	cron *cron.Cron
	kick chan struct{}
	done chan struct{}
	wg   sync.WaitGroup
}

// NewService creates a scheduler. Call Start to begin dispatching.
func NewService(cfg config.SchedulerConfig, workerCfg config.WorkerConfig, store recordstore.RecordStore, opt *optimizer.Optimizer, bus *events.Bus, logger hclog.Logger) *Service {
	return &Service{
		logger:    logger.Named("scheduler"),
		cfg:       cfg,
		workerCfg: workerCfg,
		store:     store,
		optimizer: opt,
		bus:       bus,
		queue:     queue.New(),
		jobs:      make(map[string]*models.Job),
		active:    make(map[string]*activeJob),
		minTier:   models.TierUnchanged,
		kick:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
}

// Start begins the dispatch tick. Safe to call once.
func (s *Service) Start() {
	s.mu.Lock()
	if s.cron != nil || s.stopped {
		s.mu.Unlock()
		return
	}
	croner := cron.New()
	_, _ = croner.AddFunc(fmt.Sprintf("@every %ds", s.cfg.TickInterval), s.tick)
	croner.Start()
	s.cron = croner
	s.mu.Unlock()

	s.wg.Add(1)
	go s.dispatchLoop()

	s.logger.Info("job scheduler started",
		"max_concurrent_jobs", s.cfg.MaxConcurrentJobs,
		"tick_interval", s.cfg.TickInterval,
	)
}

// Stop halts dispatch, cancels running invocations, and marks
// interrupted jobs stopped rather than failed. Queued jobs that never
// ran are marked stopped too. Bounded; safe to call multiple times.
func (s *Service) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	close(s.done)
	croner := s.cron
	s.cron = nil

	entries := make([]*activeJob, 0, len(s.active))
	for _, entry := range s.active {
		if entry.cause == causeNone {
			entry.cause = causeShutdown
		}
		entries = append(entries, entry)
	}

	var drained []*models.Job
	for {
		job := s.queue.Pop()
		if job == nil {
			break
		}
		delete(s.jobs, job.ID)
		drained = append(drained, job)
	}
	s.mu.Unlock()

	if croner != nil {
		<-croner.Stop().Done()
	}
	for _, entry := range entries {
		entry.cancel()
	}

	now := time.Now()
	for _, job := range drained {
		if err := s.store.UpdateJobStatus(context.Background(), job.ID, models.JobUpdate{
			Status:      models.JobStatusStopped,
			CompletedAt: &now,
		}); err != nil {
			s.logger.Warn("marking queued job stopped", "job_id", job.ID, "error", err)
		}
	}

	waited := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-time.After(shutdownWait):
		s.logger.Warn("stop timed out waiting for running jobs to drain")
	}
	s.logger.Info("job scheduler stopped")
}

// Enqueue validates and queues a training job. It never blocks on
// dispatch; the returned job is a snapshot.
func (s *Service) Enqueue(ctx context.Context, req models.SubmitRequest) (*models.Job, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil, models.ErrSchedulerStopped
	}
	s.mu.Unlock()

	job := &models.Job{
		ID:          uuid.New().String(),
		ModelName:   req.ModelName,
		DatasetPath: req.DatasetPath,
		DatasetSize: req.DatasetSize,
		ModelSize:   req.ModelSize,
		Priority:    req.Priority,
		Status:      models.JobStatusQueued,
		Config:      req.Config.WithDefaults(req.ModelName),
		TimeoutSecs: req.TimeoutSecs,
		SubmittedAt: time.Now(),
	}

	if err := s.store.CreateJob(ctx, job); err != nil {
		s.logger.Warn("persisting submitted job", "job_id", job.ID, "error", err)
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil, models.ErrSchedulerStopped
	}
	s.jobs[job.ID] = job
	s.queue.Push(job)
	snapshot := *job
	s.mu.Unlock()

	s.logger.Info("job enqueued", "job_id", job.ID, "model", job.ModelName, "priority", job.Priority)
	s.nudge()
	return &snapshot, nil
}

// Cancel cancels a queued or running job. Queued jobs are removed
// before dispatch; running jobs have their worker terminated. Returns
// false for unknown or already terminal jobs.
func (s *Service) Cancel(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	job, tracked := s.jobs[id]
	if !tracked {
		s.mu.Unlock()
		if _, err := s.store.GetJob(ctx, id); err != nil {
			return false, err
		}
		return false, nil
	}

	switch job.Status {
	case models.JobStatusQueued:
		s.queue.Remove(id)
		delete(s.jobs, id)
		now := time.Now()
		job.Status = models.JobStatusCancelled
		job.CompletedAt = &now
		s.cancelledCount++
		snapshot := *job
		s.mu.Unlock()

		if err := s.store.UpdateJobStatus(ctx, id, models.JobUpdate{
			Status:      models.JobStatusCancelled,
			CompletedAt: &now,
		}); err != nil {
			s.logger.Warn("persisting cancelled status", "job_id", id, "error", err)
		}
		s.logger.Info("queued job cancelled", "job_id", id)
		s.bus.Publish(models.Event{Type: models.EventJobCancelled, JobID: id, Time: now, Job: &snapshot})
		return true, nil

	case models.JobStatusRunning:
		entry := s.active[id]
		entry.cause = causeCancel
		cancel := entry.cancel
		s.mu.Unlock()

		s.logger.Info("cancelling running job", "job_id", id)
		cancel()
		return true, nil
	}

	s.mu.Unlock()
	return false, nil
}

// Get returns the live job when tracked, else the persisted record.
func (s *Service) Get(ctx context.Context, id string) (*models.Job, error) {
	s.mu.Lock()
	if job, ok := s.jobs[id]; ok {
		snapshot := *job
		s.mu.Unlock()
		return &snapshot, nil
	}
	s.mu.Unlock()
	return s.store.GetJob(ctx, id)
}

// Metrics reports queue and execution counters. Store totals are
// preferred; session counters stand in when the store errors.
func (s *Service) Metrics(ctx context.Context) (models.JobMetrics, error) {
	s.mu.Lock()
	metrics := models.JobMetrics{
		QueueLength:       s.queue.Len(),
		ActiveJobs:        len(s.active),
		CompletedJobs:     s.completedCount,
		FailedJobs:        s.failedCount,
		CancelledJobs:     s.cancelledCount,
		MaxConcurrentJobs: s.cfg.MaxConcurrentJobs,
	}
	s.mu.Unlock()

	counts, err := s.store.CountJobsByStatus(ctx)
	if err != nil {
		s.logger.Warn("counting jobs from store, falling back to session counters", "error", err)
	} else {
		metrics.CompletedJobs = counts[models.JobStatusCompleted]
		metrics.FailedJobs = counts[models.JobStatusFailed]
		metrics.CancelledJobs = counts[models.JobStatusCancelled]
	}

	if total := metrics.CompletedJobs + metrics.FailedJobs; total > 0 {
		metrics.SuccessRate = float64(metrics.CompletedJobs) / float64(total)
	}
	metrics.DroppedEvents = s.bus.Dropped()
	return metrics, nil
}

// nudge wakes the dispatch loop without waiting for the next tick.
func (s *Service) nudge() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

func (s *Service) dispatchLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.kick:
			s.tick()
		case <-s.done:
			return
		}
	}
}

// tick drains the queue into free slots.
func (s *Service) tick() {
	for s.dispatchNext() {
	}
}

// dispatchNext admits at most one queued job and reports whether it
// did. The active count is the sole admission gate; the slot is
// reserved under the mutex before anything slow happens.
func (s *Service) dispatchNext() bool {
	s.mu.Lock()
	if s.stopped || len(s.active) >= s.cfg.MaxConcurrentJobs {
		s.mu.Unlock()
		return false
	}
	job := s.queue.Pop()
	if job == nil {
		s.mu.Unlock()
		return false
	}

	now := time.Now()
	job.Status = models.JobStatusRunning
	job.StartedAt = &now

	timeout := time.Duration(s.cfg.JobTimeout) * time.Second
	if job.TimeoutSecs > 0 {
		timeout = time.Duration(job.TimeoutSecs) * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	entry := &activeJob{job: job, cancel: cancel}
	s.active[job.ID] = entry
	minTier := s.minTier
	s.mu.Unlock()

	optimized := s.optimizer.Optimize(ctx, job.ModelSize, job.DatasetSize, job.Config, minTier)

	s.mu.Lock()
	job.Optimized = &optimized
	s.mu.Unlock()

	if err := s.store.UpdateJobStatus(context.Background(), job.ID, models.JobUpdate{
		Status:    models.JobStatusRunning,
		Optimized: &optimized,
		StartedAt: job.StartedAt,
	}); err != nil {
		s.logger.Warn("persisting running status", "job_id", job.ID, "error", err)
	}

	s.logger.Info("dispatching job",
		"job_id", job.ID,
		"model", job.ModelName,
		"priority", job.Priority,
		"tier", optimized.Tier,
		"batch_size", optimized.Config.BatchSize,
		"timeout", timeout,
	)

	s.wg.Add(1)
	go s.run(ctx, entry)
	return true
}

// run executes one worker invocation and resolves the job's terminal
// state. Runs in its own goroutine, one per active job.
func (s *Service) run(ctx context.Context, entry *activeJob) {
	defer s.wg.Done()
	defer entry.cancel()

	job := entry.job
	inv := &worker.Invocation{
		Command:      s.workerCfg.Command,
		Args:         s.workerCfg.Args,
		Dir:          s.workerCfg.WorkingDir,
		StderrTailKB: s.workerCfg.StderrTailKB,
		Request: worker.Request{
			Action:      worker.ActionTrainModel,
			JobID:       job.ID,
			DatasetPath: job.DatasetPath,
			Config:      &job.Optimized.Config,
		},
		OnLine: func(line worker.Line) { s.onLine(job, line) },
		Logger: s.logger,
	}

	result, err := inv.Run(ctx)
	if result == nil {
		result = &worker.InvocationResult{}
	}
	s.finish(entry, result, err)
}

// onLine handles streamed progress and status lines from the worker.
func (s *Service) onLine(job *models.Job, line worker.Line) {
	switch l := line.(type) {
	case worker.ProgressLine:
		s.mu.Lock()
		job.Progress = l.Progress
		job.Epoch = l.Epoch
		job.Loss = l.Loss
		s.mu.Unlock()
		s.bus.Publish(models.Event{
			Type:  models.EventJobProgress,
			JobID: job.ID,
			Time:  time.Now(),
			Progress: &models.TrainingProgress{
				Progress: l.Progress,
				Epoch:    l.Epoch,
				Loss:     l.Loss,
			},
		})
	case worker.StatusLine:
		s.logger.Debug("worker status", "job_id", job.ID, "message", l.Message)
	}
}

// finish applies one terminal transition: classify, persist, publish,
// free the slot. Runs exactly once per dispatched job.
func (s *Service) finish(entry *activeJob, result *worker.InvocationResult, runErr error) {
	job := entry.job

	s.mu.Lock()
	cause := entry.cause
	s.mu.Unlock()

	status, kind, message := s.classify(result, runErr, cause)
	if status == models.JobStatusFailed && result.StderrTail != "" {
		message = message + "\nstderr: " + strings.TrimSpace(result.StderrTail)
	}

	now := time.Now()
	update := models.JobUpdate{Status: status, CompletedAt: &now}

	s.mu.Lock()
	delete(s.active, job.ID)
	delete(s.jobs, job.ID)
	job.Status = status
	job.CompletedAt = &now
	switch status {
	case models.JobStatusCompleted:
		job.Progress = 100.0
		job.ModelPath = result.Completion.ModelPath
		job.Performance = result.Completion.Performance
		s.completedCount++
		s.minTier = models.TierUnchanged
	case models.JobStatusFailed:
		job.Error = message
		job.FailureKind = kind
		s.failedCount++
		if kind == models.FailureOutOfMemory && job.Optimized != nil {
			s.minTier = optimizer.MaxTier(s.minTier, optimizer.EscalateTier(job.Optimized.Tier))
		}
	case models.JobStatusCancelled:
		s.cancelledCount++
	}
	snapshot := *job
	minTier := s.minTier
	s.mu.Unlock()

	switch status {
	case models.JobStatusCompleted:
		done := 100.0
		update.Progress = &done
		update.ModelPath = &snapshot.ModelPath
		update.Performance = snapshot.Performance
	case models.JobStatusFailed:
		update.Error = &message
		update.FailureKind = &kind
	}

	if err := s.store.UpdateJobStatus(context.Background(), job.ID, update); err != nil {
		s.logger.Warn("persisting terminal status", "job_id", job.ID, "status", status, "error", err)
	}

	switch status {
	case models.JobStatusCompleted:
		record := &models.ModelRecord{
			ID:          uuid.New().String(),
			JobID:       job.ID,
			ModelName:   job.ModelName,
			ModelPath:   snapshot.ModelPath,
			Performance: snapshot.Performance,
			CreatedAt:   now,
		}
		if err := s.store.CreateModelRecord(context.Background(), record); err != nil {
			s.logger.Warn("persisting model record", "job_id", job.ID, "error", err)
		}
		s.logger.Info("job completed", "job_id", job.ID, "model_path", snapshot.ModelPath)
		s.bus.Publish(models.Event{Type: models.EventJobCompleted, JobID: job.ID, Time: now, Job: &snapshot})
	case models.JobStatusFailed:
		s.logger.Error("job failed",
			"job_id", job.ID,
			"kind", kind,
			"error", message,
			"min_tier", minTier,
		)
		s.bus.Publish(models.Event{Type: models.EventJobFailed, JobID: job.ID, Time: now, Job: &snapshot})
	case models.JobStatusCancelled:
		s.logger.Info("running job cancelled", "job_id", job.ID)
		s.bus.Publish(models.Event{Type: models.EventJobCancelled, JobID: job.ID, Time: now, Job: &snapshot})
	case models.JobStatusStopped:
		s.logger.Info("job interrupted by shutdown", "job_id", job.ID)
	}

	s.nudge()
}

// classify maps an invocation outcome to a terminal status, failure
// kind, and message.
func (s *Service) classify(result *worker.InvocationResult, runErr error, cause stopCause) (models.JobStatus, models.FailureKind, string) {
	switch cause {
	case causeCancel:
		return models.JobStatusCancelled, "", ""
	case causeShutdown:
		return models.JobStatusStopped, "", ""
	}

	if runErr != nil {
		return models.JobStatusFailed, models.FailureWorkerSpawn,
			fmt.Sprintf("starting training process: %v", runErr)
	}
	if result.TimedOut {
		return models.JobStatusFailed, models.FailureWorkerTimeout,
			"training process killed after exceeding its deadline"
	}

	if result.ExitCode == 0 {
		completion := result.Completion
		if completion == nil {
			return models.JobStatusFailed, models.FailureMalformedOutput,
				"no valid result received from training process"
		}
		if completion.Success {
			return models.JobStatusCompleted, "", ""
		}
		message := completion.Error
		if message == "" {
			message = "training process reported failure"
		}
		if s.matchesOOM(message, result.StderrTail) {
			return models.JobStatusFailed, models.FailureOutOfMemory, message
		}
		return models.JobStatusFailed, models.FailureWorkerCrashed, message
	}

	message := fmt.Sprintf("training process exited with code %d", result.ExitCode)
	var completionErr string
	if result.Completion != nil {
		completionErr = result.Completion.Error
	}
	if s.matchesOOM(completionErr, result.StderrTail) {
		return models.JobStatusFailed, models.FailureOutOfMemory, message
	}
	return models.JobStatusFailed, models.FailureWorkerCrashed, message
}

// matchesOOM reports whether any text matches a configured out-of-memory
// pattern, case-insensitively. Best-effort classification.
func (s *Service) matchesOOM(texts ...string) bool {
	for _, text := range texts {
		if text == "" {
			continue
		}
		lower := strings.ToLower(text)
		for _, pattern := range s.cfg.OOMPatterns {
			if strings.Contains(lower, strings.ToLower(pattern)) {
				return true
			}
		}
	}
	return false
}
