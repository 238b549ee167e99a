package resources

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelforge/modelforge-go/pkg/config"
)

type fakeProber struct {
	probes    atomic.Int64
	delay     time.Duration
	available uint64
	memErr    error
	diskErr   error
	gpu       bool
}

func (p *fakeProber) Memory(ctx context.Context) (uint64, uint64, float64, error) {
	p.probes.Add(1)
	if p.delay > 0 {
		time.Sleep(p.delay)
	}
	if p.memErr != nil {
		return 0, 0, 0, p.memErr
	}
	return 16 << 30, p.available, 50.0, nil
}

func (p *fakeProber) CPU(ctx context.Context) (int, float64, error) {
	return 4, 25.0, nil
}

func (p *fakeProber) Disk(ctx context.Context, path string) (uint64, uint64, error) {
	if p.diskErr != nil {
		return 0, 0, p.diskErr
	}
	return 100 << 30, 50 << 30, nil
}

func (p *fakeProber) GPU(ctx context.Context) (string, bool) {
	if p.gpu {
		return "Fake GPU", true
	}
	return "", false
}

func newTestMonitor(p Prober) *Monitor {
	cfg := config.Default().Resources
	return NewMonitor(cfg, p, hclog.NewNullLogger())
}

func TestSnapshotCachesWithinWindow(t *testing.T) {
	prober := &fakeProber{available: 8 << 30}
	m := newTestMonitor(prober)

	first := m.Snapshot(context.Background())
	second := m.Snapshot(context.Background())

	assert.Equal(t, first.CapturedAt, second.CapturedAt)
	assert.Equal(t, int64(1), prober.probes.Load())
	assert.Equal(t, uint64(8<<30), first.AvailableMemoryBytes)
	assert.True(t, first.StorageKnown)
}

func TestSnapshotSingleProbeUnderConcurrency(t *testing.T) {
	prober := &fakeProber{available: 8 << 30, delay: 50 * time.Millisecond}
	m := newTestMonitor(prober)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Snapshot(context.Background())
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), prober.probes.Load())
}

func TestSnapshotRefreshDoesNotBlockCallers(t *testing.T) {
	prober := &fakeProber{available: 8 << 30}
	m := newTestMonitor(prober)
	m.ttl = 10 * time.Millisecond

	stale := m.Snapshot(context.Background())
	time.Sleep(20 * time.Millisecond)

	// Expired cache: the next caller refreshes slowly while a second
	// caller gets the stale snapshot without waiting.
	prober.delay = 200 * time.Millisecond
	started := make(chan struct{})
	go func() {
		close(started)
		m.Snapshot(context.Background())
	}()
	<-started
	time.Sleep(20 * time.Millisecond)

	begin := time.Now()
	snap := m.Snapshot(context.Background())
	require.Less(t, time.Since(begin), 100*time.Millisecond)
	assert.Equal(t, stale.CapturedAt, snap.CapturedAt)
}

func TestSnapshotConservativeDefaultsOnProbeFailure(t *testing.T) {
	prober := &fakeProber{
		memErr:  errors.New("no /proc"),
		diskErr: errors.New("statfs failed"),
	}
	m := newTestMonitor(prober)

	snap := m.Snapshot(context.Background())

	assert.Zero(t, snap.AvailableMemoryBytes)
	assert.False(t, snap.StorageKnown)
	assert.Zero(t, snap.StorageFreeBytes)
	assert.False(t, snap.GPUAvailable)
	assert.Positive(t, snap.CPUCount)
}

func TestMemoryPressure(t *testing.T) {
	prober := &fakeProber{available: 4 << 30}
	m := newTestMonitor(prober)

	ratio := m.MemoryPressure(context.Background(), 6<<30)
	assert.InDelta(t, 1.5, ratio, 0.001)
}

func TestPressureRatioClamps(t *testing.T) {
	assert.InDelta(t, 0.5, PressureRatio(2, 4), 0.001)
	assert.Equal(t, maxPressureRatio, PressureRatio(1, 0))
	assert.Equal(t, maxPressureRatio, PressureRatio(1<<40, 1))
}

func TestGPUReported(t *testing.T) {
	prober := &fakeProber{available: 8 << 30, gpu: true}
	m := newTestMonitor(prober)

	snap := m.Snapshot(context.Background())
	assert.True(t, snap.GPUAvailable)
	assert.Equal(t, "Fake GPU", snap.GPUName)
}
