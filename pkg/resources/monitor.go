// Package resources tracks host resource availability for scheduling
// and optimization decisions. Snapshots never fail: degraded probes
// substitute conservative defaults instead of returning errors.
package resources

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/modelforge/modelforge-go/pkg/config"
	"github.com/modelforge/modelforge-go/pkg/models"
)

// maxPressureRatio caps the reported pressure when available memory is
// unknown or zero, keeping the value loggable and serializable.
const maxPressureRatio = 100.0

// Monitor caches resource snapshots for a configured window so
// repeated scheduling decisions within the window share one probe.
type Monitor struct {
	logger   hclog.Logger
	prober   Prober
	ttl      time.Duration
	diskPath string

	mu          sync.Mutex
	cond        *sync.Cond
	snapshot    models.ResourceSnapshot
	hasSnapshot bool
	refreshing  bool
}

// NewMonitor creates a resource monitor backed by the given prober.
func NewMonitor(cfg config.ResourcesConfig, prober Prober, logger hclog.Logger) *Monitor {
	diskPath := cfg.DiskPath
	if diskPath == "" {
		diskPath = "."
	}
	m := &Monitor{
		logger:   logger.Named("resources"),
		prober:   prober,
		ttl:      time.Duration(cfg.CacheTTL) * time.Second,
		diskPath: diskPath,
	}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// Snapshot returns the current resource snapshot. It never fails: on
// probe errors the affected fields carry conservative defaults. Within
// the cache window all callers share the same snapshot. When a refresh
// is already in flight, callers receive the previous snapshot instead
// of waiting; only the very first call blocks for the initial probe.
func (m *Monitor) Snapshot(ctx context.Context) models.ResourceSnapshot {
	m.mu.Lock()
	for {
		if m.hasSnapshot && time.Since(m.snapshot.CapturedAt) < m.ttl {
			snap := m.snapshot
			m.mu.Unlock()
			return snap
		}
		if m.refreshing {
			if m.hasSnapshot {
				snap := m.snapshot
				m.mu.Unlock()
				return snap
			}
			m.cond.Wait()
			continue
		}
		break
	}
	m.refreshing = true
	m.mu.Unlock()

	snap := m.probe(ctx)

	m.mu.Lock()
	m.snapshot = snap
	m.hasSnapshot = true
	m.refreshing = false
	m.cond.Broadcast()
	m.mu.Unlock()
	return snap
}

// MemoryPressure returns requiredBytes divided by currently available
// memory. Unknown availability reports the maximum ratio.
func (m *Monitor) MemoryPressure(ctx context.Context, requiredBytes uint64) float64 {
	snap := m.Snapshot(ctx)
	return PressureRatio(requiredBytes, snap.AvailableMemoryBytes)
}

// PressureRatio computes required/available clamped to the maximum
// reportable ratio.
func PressureRatio(required, available uint64) float64 {
	if available == 0 {
		return maxPressureRatio
	}
	ratio := float64(required) / float64(available)
	if ratio > maxPressureRatio {
		return maxPressureRatio
	}
	return ratio
}

func (m *Monitor) probe(ctx context.Context) models.ResourceSnapshot {
	snap := models.ResourceSnapshot{CapturedAt: time.Now()}

	total, available, usedPercent, err := m.prober.Memory(ctx)
	if err != nil {
		m.logger.Warn("memory probe failed", "error", err)
	} else {
		snap.TotalMemoryBytes = total
		snap.AvailableMemoryBytes = available
		snap.UsedMemoryPercent = usedPercent
	}

	count, percent, err := m.prober.CPU(ctx)
	if err != nil {
		m.logger.Warn("cpu probe failed", "error", err)
		snap.CPUCount = runtime.NumCPU()
	} else {
		snap.CPUCount = count
		snap.CPUPercent = percent
	}

	diskTotal, diskFree, err := m.prober.Disk(ctx, m.diskPath)
	if err != nil {
		m.logger.Warn("disk probe failed, assuming small storage", "path", m.diskPath, "error", err)
		snap.StorageKnown = false
	} else {
		snap.StorageTotalBytes = diskTotal
		snap.StorageFreeBytes = diskFree
		snap.StorageKnown = true
	}

	if name, ok := m.prober.GPU(ctx); ok {
		snap.GPUAvailable = true
		snap.GPUName = name
	}

	return snap
}
