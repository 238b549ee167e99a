// Package supervisor manages the resident worker service process:
// preflight checks, spawn with readiness detection, periodic health
// probes with debounce, resource sampling, and restart with capped
// exponential backoff.
package supervisor

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/robfig/cron/v3"

	"github.com/modelforge/modelforge-go/pkg/config"
	"github.com/modelforge/modelforge-go/pkg/events"
	"github.com/modelforge/modelforge-go/pkg/models"
	"github.com/modelforge/modelforge-go/pkg/worker"
)

// SnapshotSource provides resource snapshots for preflight checks.
type SnapshotSource interface {
	Snapshot(ctx context.Context) models.ResourceSnapshot
}

// Service supervises one resident worker service process.
type Service struct {
	logger    hclog.Logger
	cfg       config.SupervisorConfig
	workerCfg config.WorkerConfig
	resCfg    config.ResourcesConfig
	resources SnapshotSource
	bus       *events.Bus

	mu           sync.Mutex
	state        models.ServiceState
	inst         *instance
	pid          int
	startedAt    time.Time
	healthySince time.Time
	lastHealthAt time.Time
	restartCount int
	pingFailures int
	lastError    string
	sample       processSample
	stopping     bool
	done         chan struct{}

	pingMu sync.Mutex // serializes request/response exchanges on stdin
	cron   *cron.Cron
	wg     sync.WaitGroup
}

// instance is one spawned worker process. A new instance is created on
// every spawn so goroutines from an old process cannot act on a new one.
type instance struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	lines  chan []byte
	exited chan struct{} // closed after Wait returns
	stderr *worker.TailBuffer

	waitErr error
}

type processSample struct {
	rss   uint64
	cpu   float64
	known bool
}

// NewService creates a supervisor for the configured worker service.
func NewService(cfg config.SupervisorConfig, workerCfg config.WorkerConfig, resCfg config.ResourcesConfig, src SnapshotSource, bus *events.Bus, logger hclog.Logger) *Service {
	return &Service{
		logger:    logger.Named("supervisor"),
		cfg:       cfg,
		workerCfg: workerCfg,
		resCfg:    resCfg,
		resources: src,
		bus:       bus,
		state:     models.ServiceStopped,
	}
}

// Start runs preflight checks, spawns the worker service, waits for
// readiness, and starts the health and sampling loops. A failed
// preflight or spawn leaves the service stopped.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != models.ServiceStopped && s.state != models.ServiceFailed {
		s.mu.Unlock()
		return nil
	}
	s.state = models.ServiceStarting
	s.restartCount = 0
	s.pingFailures = 0
	s.lastError = ""
	s.sample = processSample{}
	s.stopping = false
	s.done = make(chan struct{})
	s.mu.Unlock()

	if err := s.preflight(ctx); err != nil {
		s.logger.Error("preflight failed", "error", err)
		s.recordStartFailure(err)
		return err
	}

	if err := s.spawn(ctx); err != nil {
		s.logger.Error("worker service failed to start", "error", err)
		s.recordStartFailure(err)
		return err
	}

	s.startLoops()
	return nil
}

func (s *Service) recordStartFailure(err error) {
	s.mu.Lock()
	s.state = models.ServiceStopped
	s.lastError = err.Error()
	if s.done != nil {
		close(s.done)
		s.done = nil
	}
	s.mu.Unlock()
}

// Stop terminates the worker service gracefully and halts all loops.
// Safe to call multiple times.
func (s *Service) Stop() {
	s.mu.Lock()
	if s.state == models.ServiceStopped {
		s.mu.Unlock()
		return
	}
	s.stopping = true
	if s.done != nil {
		close(s.done)
		s.done = nil
	}
	inst := s.inst
	s.inst = nil
	croner := s.cron
	s.cron = nil
	s.mu.Unlock()

	if croner != nil {
		<-croner.Stop().Done()
	}
	if inst != nil {
		s.terminate(inst)
	}

	// stopping stays set until the next Start so a restart goroutine
	// past its backoff sleep cannot install a fresh process.
	s.mu.Lock()
	s.state = models.ServiceStopped
	s.pid = 0
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("worker service stopped")
}

// Health returns a point-in-time view of the supervised service.
func (s *Service) Health() models.ServiceHealth {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.healthLocked()
}

func (s *Service) healthLocked() models.ServiceHealth {
	health := models.ServiceHealth{
		State:        s.state,
		RestartCount: s.restartCount,
		LastError:    s.lastError,
		MemoryRSS:    s.sample.rss,
		CPUPercent:   s.sample.cpu,
		SampleKnown:  s.sample.known,
		LastHealthAt: s.lastHealthAt,
	}
	if !s.sample.known {
		health.CPUPercent = -1
	}
	if s.state.Running() {
		health.PID = s.pid
		health.StartedAt = s.startedAt
		health.Uptime = time.Since(s.startedAt)
	}
	return health
}

// Ping sends a get_system_info request to the resident service and
// waits for the readiness marker. It never changes service state; the
// health loop owns transitions.
func (s *Service) Ping(ctx context.Context) error {
	s.mu.Lock()
	inst := s.inst
	running := s.state.Running()
	s.mu.Unlock()

	if inst == nil || !running {
		return &models.JobError{
			Kind:    models.FailureHealthCheck,
			Message: "ping skipped",
			Err:     models.ErrServiceNotRunning,
		}
	}

	if _, err := s.exchange(ctx, inst, worker.Request{Action: worker.ActionGetSystemInfo}, worker.IsReady); err != nil {
		return err
	}
	return nil
}

// SystemInfo sends a get_system_info request and returns the raw
// response object.
func (s *Service) SystemInfo(ctx context.Context) (map[string]any, error) {
	s.mu.Lock()
	inst := s.inst
	running := s.state.Running()
	s.mu.Unlock()

	if inst == nil || !running {
		return nil, models.ErrServiceNotRunning
	}

	raw, err := s.exchange(ctx, inst, worker.Request{Action: worker.ActionGetSystemInfo}, func(line []byte) bool {
		return json.Valid(line)
	})
	if err != nil {
		return nil, err
	}
	var info map[string]any
	if err := json.Unmarshal(raw, &info); err != nil {
		return nil, fmt.Errorf("decoding system info: %w", err)
	}
	return info, nil
}

// exchange writes one request line and reads lines until accept
// matches or ctx ends. Exchanges are serialized; the resident service
// handles one request at a time.
func (s *Service) exchange(ctx context.Context, inst *instance, req worker.Request, accept func([]byte) bool) ([]byte, error) {
	s.pingMu.Lock()
	defer s.pingMu.Unlock()

	// Drop stale lines from earlier exchanges.
	for {
		select {
		case <-inst.lines:
			continue
		default:
		}
		break
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}
	if _, err := inst.stdin.Write(append(payload, '\n')); err != nil {
		return nil, &models.JobError{Kind: models.FailureHealthCheck, Message: "writing to worker service", Err: err}
	}

	for {
		select {
		case line, ok := <-inst.lines:
			if !ok {
				return nil, &models.JobError{Kind: models.FailureHealthCheck, Message: "worker service closed stdout"}
			}
			if accept(line) {
				return line, nil
			}
		case <-ctx.Done():
			return nil, &models.JobError{Kind: models.FailureHealthCheck, Message: "no response from worker service", Err: ctx.Err()}
		}
	}
}

// preflight verifies the worker command resolves and the host has the
// minimum disk and memory headroom before any spawn.
func (s *Service) preflight(ctx context.Context) error {
	if s.workerCfg.Command == "" {
		return models.NewJobError(models.FailurePreflight, "worker command is not configured")
	}
	if filepath.IsAbs(s.workerCfg.Command) {
		if _, err := os.Stat(s.workerCfg.Command); err != nil {
			return &models.JobError{Kind: models.FailurePreflight, Message: fmt.Sprintf("worker command %q not found", s.workerCfg.Command), Err: err}
		}
	} else if _, err := exec.LookPath(s.workerCfg.Command); err != nil {
		return &models.JobError{Kind: models.FailurePreflight, Message: fmt.Sprintf("worker command %q not found in PATH", s.workerCfg.Command), Err: err}
	}

	snap := s.resources.Snapshot(ctx)

	minDisk := uint64(s.resCfg.MinFreeDiskMB) << 20
	if !snap.StorageKnown || snap.StorageFreeBytes < minDisk {
		return models.NewJobError(models.FailurePreflight,
			fmt.Sprintf("insufficient disk space: %d bytes free, need %d", snap.StorageFreeBytes, minDisk))
	}

	minMemory := uint64(s.resCfg.MinFreeMemoryMB) << 20
	if snap.AvailableMemoryBytes < minMemory {
		return models.NewJobError(models.FailurePreflight,
			fmt.Sprintf("insufficient available memory: %d bytes free, need %d", snap.AvailableMemoryBytes, minMemory))
	}

	return nil
}

// spawn starts the worker process and waits for its readiness marker.
func (s *Service) spawn(ctx context.Context) error {
	cmd := exec.Command(s.workerCfg.Command, s.workerCfg.Args...)
	cmd.Dir = s.workerCfg.WorkingDir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return &models.JobError{Kind: models.FailureWorkerSpawn, Message: "opening worker stdin", Err: err}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return &models.JobError{Kind: models.FailureWorkerSpawn, Message: "opening worker stdout", Err: err}
	}

	stderr := worker.NewTailBuffer(s.workerCfg.StderrTailKB * 1024)
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return &models.JobError{Kind: models.FailureWorkerSpawn, Message: "starting worker service", Err: err}
	}

	inst := &instance{
		cmd:    cmd,
		stdin:  stdin,
		lines:  make(chan []byte, 16),
		exited: make(chan struct{}),
		stderr: stderr,
	}

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		readLines(stdout, inst.lines)
	}()
	go func() {
		defer s.wg.Done()
		inst.waitErr = cmd.Wait()
		close(inst.exited)
		s.onExit(inst)
	}()

	if err := s.awaitReady(ctx, inst); err != nil {
		s.terminate(inst)
		return err
	}

	now := time.Now()
	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		s.terminate(inst)
		return models.NewJobError(models.FailureWorkerSpawn, "startup aborted by stop")
	}
	s.inst = inst
	s.pid = cmd.Process.Pid
	s.startedAt = now
	s.healthySince = now
	s.lastHealthAt = now
	s.pingFailures = 0
	s.state = models.ServiceHealthy
	s.mu.Unlock()

	s.logger.Info("worker service ready", "pid", cmd.Process.Pid)
	return nil
}

// awaitReady probes the fresh process and waits for the readiness
// marker, a JSON line with "status":"ready".
func (s *Service) awaitReady(ctx context.Context, inst *instance) error {
	probe, _ := json.Marshal(worker.Request{Action: worker.ActionGetSystemInfo})
	if _, err := inst.stdin.Write(append(probe, '\n')); err != nil {
		return &models.JobError{Kind: models.FailureWorkerSpawn, Message: "writing readiness probe", Err: err}
	}

	timeout := time.Duration(s.cfg.StartTimeout) * time.Second
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	lines := inst.lines
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				// stdout closed. The exit status and complete stderr
				// tail arrive with the exited signal, so wait for that.
				lines = nil
				continue
			}
			if worker.IsReady(line) {
				return nil
			}
		case <-inst.exited:
			return &models.JobError{
				Kind:    models.FailureWorkerSpawn,
				Message: "worker service exited before becoming ready",
				Stderr:  inst.stderr.String(),
				Err:     inst.waitErr,
			}
		case <-timer.C:
			return &models.JobError{
				Kind:    models.FailureWorkerSpawn,
				Message: fmt.Sprintf("worker service not ready after %s", timeout),
				Stderr:  inst.stderr.String(),
			}
		case <-ctx.Done():
			return &models.JobError{Kind: models.FailureWorkerSpawn, Message: "startup aborted", Err: ctx.Err()}
		}
	}
}

// readLines forwards stdout lines to the instance channel. Chatter
// beyond the buffer is discarded; exchanges drain before writing.
func readLines(stdout io.Reader, lines chan<- []byte) {
	defer close(lines)
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for scanner.Scan() {
		line := append([]byte(nil), scanner.Bytes()...)
		select {
		case lines <- line:
		default:
		}
	}
}

// terminate performs graceful-then-forceful shutdown of one process.
func (s *Service) terminate(inst *instance) {
	select {
	case <-inst.exited:
		return
	default:
	}

	inst.stdin.Close()
	if inst.cmd.Process != nil {
		_ = inst.cmd.Process.Signal(syscall.SIGTERM)
	}

	grace := time.Duration(s.cfg.StopGrace) * time.Second
	select {
	case <-inst.exited:
		return
	case <-time.After(grace):
	}

	s.logger.Warn("worker service did not exit in grace period, killing", "grace", grace)
	if inst.cmd.Process != nil {
		_ = inst.cmd.Process.Kill()
	}
	<-inst.exited
}

// onExit runs when a worker process exits. Exits of the current
// instance outside Stop or restart are crashes and trigger the
// restart path.
func (s *Service) onExit(inst *instance) {
	s.mu.Lock()
	current := s.inst == inst && !s.stopping && s.state.Running()
	s.mu.Unlock()
	if !current {
		return
	}

	s.logger.Error("worker service exited unexpectedly",
		"error", inst.waitErr,
		"stderr", inst.stderr.String(),
	)
	s.triggerRestart("worker service exited unexpectedly", models.FailureWorkerCrashed)
}

// triggerRestart moves the service into restarting and respawns after
// backoff. Exceeding max_restarts fails the service terminally.
func (s *Service) triggerRestart(reason string, kind models.FailureKind) {
	s.mu.Lock()
	// Only a running (healthy or unhealthy) service restarts; a restart
	// in progress is never doubled.
	if s.stopping || !s.state.Running() {
		s.mu.Unlock()
		return
	}

	if s.restartCount >= s.cfg.MaxRestarts {
		s.state = models.ServiceFailed
		s.lastError = fmt.Sprintf("%s after %d restarts: %s", models.ErrMaxRestartsExceeded, s.restartCount, reason)
		inst := s.inst
		s.inst = nil
		health := s.healthLocked()
		s.mu.Unlock()

		if inst != nil {
			s.terminate(inst)
		}
		s.logger.Error("worker service failed permanently", "restarts", health.RestartCount, "reason", reason)
		s.bus.Publish(models.Event{
			Type:    models.EventServiceFailed,
			Time:    time.Now(),
			Service: &health,
		})
		return
	}

	s.state = models.ServiceRestarting
	s.lastError = fmt.Sprintf("%s: %s", kind, reason)
	attempt := s.restartCount
	s.restartCount++
	inst := s.inst
	s.inst = nil
	done := s.done
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		if inst != nil {
			s.terminate(inst)
		}

		delay := s.backoffDelay(attempt)
		s.logger.Warn("restarting worker service", "reason", reason, "attempt", attempt+1, "delay", delay)

		select {
		case <-time.After(delay):
		case <-done:
			return
		}

		if err := s.spawn(context.Background()); err != nil {
			s.logger.Error("respawn failed", "error", err)
			s.mu.Lock()
			if s.stopping {
				s.mu.Unlock()
				return
			}
			s.state = models.ServiceUnhealthy
			s.mu.Unlock()
			s.triggerRestart(err.Error(), models.FailureWorkerSpawn)
		}
	}()
}

// backoffDelay computes base × multiplier^attempt capped at backoff_cap.
func (s *Service) backoffDelay(attempt int) time.Duration {
	base := float64(s.cfg.BackoffBaseMS) * float64(time.Millisecond)
	delay := base * math.Pow(s.cfg.BackoffMultiplier, float64(attempt))
	capped := float64(s.cfg.BackoffCap) * float64(time.Second)
	if delay > capped {
		delay = capped
	}
	return time.Duration(delay)
}

// startLoops schedules the health and resource sampling loops.
func (s *Service) startLoops() {
	croner := cron.New()
	if s.cfg.HealthInterval > 0 {
		_, _ = croner.AddFunc(fmt.Sprintf("@every %ds", s.cfg.HealthInterval), s.healthTick)
	}
	if s.cfg.SampleInterval > 0 {
		_, _ = croner.AddFunc(fmt.Sprintf("@every %ds", s.cfg.SampleInterval), s.sampleTick)
	}
	croner.Start()

	s.mu.Lock()
	s.cron = croner
	s.mu.Unlock()
}

// healthTick runs one health probe and feeds the debounce counter.
func (s *Service) healthTick() {
	s.mu.Lock()
	running := s.state.Running()
	s.mu.Unlock()
	if !running {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(s.cfg.HealthTimeout)*time.Second)
	err := s.Ping(ctx)
	cancel()

	s.recordProbe(err)
}

// recordProbe applies one probe result to the debounce state. The
// resource ceiling check feeds this too.
func (s *Service) recordProbe(err error) {
	if err == nil {
		s.mu.Lock()
		s.pingFailures = 0
		s.lastHealthAt = time.Now()
		if s.state == models.ServiceUnhealthy {
			s.state = models.ServiceHealthy
			s.healthySince = time.Now()
		}
		// A service that stays healthy long enough earns back its
		// restart budget.
		reset := s.restartCount > 0 && s.state == models.ServiceHealthy &&
			time.Since(s.healthySince) >= time.Duration(s.cfg.StableResetAfter)*time.Second
		if reset {
			s.restartCount = 0
		}
		s.mu.Unlock()
		if reset {
			s.logger.Info("worker service stable, restart count reset")
		}
		return
	}

	s.mu.Lock()
	if !s.state.Running() {
		s.mu.Unlock()
		return
	}
	s.pingFailures++
	failures := s.pingFailures
	threshold := s.cfg.UnhealthyThreshold
	if failures >= threshold {
		s.state = models.ServiceUnhealthy
	}
	s.mu.Unlock()

	s.logger.Warn("health probe failed", "failures", failures, "threshold", threshold, "error", err)
	if failures >= threshold {
		s.triggerRestart(fmt.Sprintf("%d consecutive health probe failures", failures), models.FailureHealthCheck)
	}
}

// sampleTick samples the worker process tree. Failures mark the sample
// unknown and never flip health state by themselves.
func (s *Service) sampleTick() {
	s.mu.Lock()
	running := s.state.Running()
	pid := s.pid
	s.mu.Unlock()
	if !running || pid == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(s.cfg.HealthTimeout)*time.Second)
	rss, cpu, err := sampleProcessTree(ctx, int32(pid))
	cancel()

	s.mu.Lock()
	if err != nil {
		s.sample = processSample{}
		s.mu.Unlock()
		s.logger.Debug("process sample failed", "pid", pid, "error", err)
		return
	}
	s.sample = processSample{rss: rss, cpu: cpu, known: true}
	memCeiling := uint64(s.cfg.MemoryCeilingMB) << 20
	cpuCeiling := s.cfg.CPUCeilingPercent
	s.mu.Unlock()

	if (memCeiling > 0 && rss > memCeiling) || (cpuCeiling > 0 && cpu > cpuCeiling) {
		s.logger.Warn("worker service exceeded resource ceiling", "rss_bytes", rss, "cpu_percent", cpu)
		s.recordProbe(fmt.Errorf("resource ceiling exceeded: rss=%d bytes, cpu=%.1f%%", rss, cpu))
	}
}
