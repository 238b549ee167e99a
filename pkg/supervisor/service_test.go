package supervisor

import (
	"context"
	"fmt"
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
)

type fakeSnapshots struct {
	snap models.ResourceSnapshot
}

func (f *fakeSnapshots) Snapshot(ctx context.Context) models.ResourceSnapshot {
	return f.snap
}

func healthySnapshot() models.ResourceSnapshot {
	return models.ResourceSnapshot{
		TotalMemoryBytes:     16 << 30,
		AvailableMemoryBytes: 8 << 30,
		StorageTotalBytes:    500 << 30,
		StorageFreeBytes:     100 << 30,
		StorageKnown:         true,
	}
}

func testSupervisorConfig() config.SupervisorConfig {
	return config.SupervisorConfig{
		StartTimeout:       5,
		StopGrace:          1,
		HealthInterval:     1,
		HealthTimeout:      1,
		UnhealthyThreshold: 2,
		MaxRestarts:        2,
		BackoffBaseMS:      10,
		BackoffMultiplier:  2.0,
		BackoffCap:         1,
		StableResetAfter:   300,
		SampleInterval:     1,
	}
}

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "service.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

func newTestService(t *testing.T, script string, snap models.ResourceSnapshot) (*Service, *events.Bus) {
	t.Helper()
	bus := events.NewBus(hclog.NewNullLogger())
	svc := NewService(
		testSupervisorConfig(),
		config.WorkerConfig{Command: "sh", Args: []string{script}, StderrTailKB: 8},
		config.ResourcesConfig{MinFreeDiskMB: 1024, MinFreeMemoryMB: 256},
		&fakeSnapshots{snap: snap},
		bus,
		hclog.NewNullLogger(),
	)
	t.Cleanup(func() {
		svc.Stop()
		bus.Close()
	})
	return svc, bus
}

const echoReadyForever = `while read line; do echo '{"status":"ready","platform":"sh"}'; done`

func TestStartBecomesHealthy(t *testing.T) {
	svc, _ := newTestService(t, writeScript(t, echoReadyForever), healthySnapshot())

	require.NoError(t, svc.Start(context.Background()))

	health := svc.Health()
	assert.Equal(t, models.ServiceHealthy, health.State)
	assert.NotZero(t, health.PID)
	assert.Zero(t, health.RestartCount)

	svc.Stop()
	assert.Equal(t, models.ServiceStopped, svc.Health().State)
}

func TestStartIsIdempotentWhileRunning(t *testing.T) {
	svc, _ := newTestService(t, writeScript(t, echoReadyForever), healthySnapshot())

	require.NoError(t, svc.Start(context.Background()))
	pid := svc.Health().PID

	require.NoError(t, svc.Start(context.Background()))
	assert.Equal(t, pid, svc.Health().PID, "second start must not respawn")
}

func TestPreflightMissingCommand(t *testing.T) {
	bus := events.NewBus(hclog.NewNullLogger())
	defer bus.Close()
	svc := NewService(
		testSupervisorConfig(),
		config.WorkerConfig{Command: filepath.Join(t.TempDir(), "missing-interpreter")},
		config.ResourcesConfig{MinFreeDiskMB: 1024, MinFreeMemoryMB: 256},
		&fakeSnapshots{snap: healthySnapshot()},
		bus,
		hclog.NewNullLogger(),
	)

	err := svc.Start(context.Background())
	require.Error(t, err)
	assert.Equal(t, models.FailurePreflight, models.KindOf(err))
	assert.Equal(t, models.ServiceStopped, svc.Health().State)
}

func TestPreflightInsufficientDisk(t *testing.T) {
	snap := healthySnapshot()
	snap.StorageFreeBytes = 1 << 20
	svc, _ := newTestService(t, writeScript(t, echoReadyForever), snap)

	err := svc.Start(context.Background())
	require.Error(t, err)
	assert.Equal(t, models.FailurePreflight, models.KindOf(err))
}

func TestPreflightUnknownStorage(t *testing.T) {
	snap := healthySnapshot()
	snap.StorageKnown = false
	snap.StorageFreeBytes = 0
	svc, _ := newTestService(t, writeScript(t, echoReadyForever), snap)

	err := svc.Start(context.Background())
	require.Error(t, err)
	assert.Equal(t, models.FailurePreflight, models.KindOf(err))
}

func TestStartTimesOutWithoutReadiness(t *testing.T) {
	script := writeScript(t, `read line
exec sleep 30
`)
	svc, _ := newTestService(t, script, healthySnapshot())
	svc.cfg.StartTimeout = 1

	err := svc.Start(context.Background())
	require.Error(t, err)
	assert.Equal(t, models.FailureWorkerSpawn, models.KindOf(err))
	assert.Equal(t, models.ServiceStopped, svc.Health().State)
}

func TestStartFailsWhenWorkerExitsEarly(t *testing.T) {
	script := writeScript(t, `echo 'boot failure: no module named torch' >&2
exit 1
`)
	svc, _ := newTestService(t, script, healthySnapshot())

	err := svc.Start(context.Background())
	require.Error(t, err)
	assert.Equal(t, models.FailureWorkerSpawn, models.KindOf(err))

	var jobErr *models.JobError
	require.ErrorAs(t, err, &jobErr)
	assert.Contains(t, jobErr.Stderr, "no module named torch")
}

func TestPingWhenStopped(t *testing.T) {
	svc, _ := newTestService(t, writeScript(t, echoReadyForever), healthySnapshot())

	err := svc.Ping(context.Background())
	require.Error(t, err)
	assert.Equal(t, models.FailureHealthCheck, models.KindOf(err))
	assert.ErrorIs(t, err, models.ErrServiceNotRunning)
	assert.Equal(t, models.ServiceStopped, svc.Health().State, "ping must not change state")
}

func TestPingRoundTrip(t *testing.T) {
	svc, _ := newTestService(t, writeScript(t, echoReadyForever), healthySnapshot())
	require.NoError(t, svc.Start(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	assert.NoError(t, svc.Ping(ctx))
}

func TestSystemInfoReturnsWorkerResponse(t *testing.T) {
	svc, _ := newTestService(t, writeScript(t, echoReadyForever), healthySnapshot())
	require.NoError(t, svc.Start(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	info, err := svc.SystemInfo(ctx)
	require.NoError(t, err)
	assert.Equal(t, "sh", info["platform"])
}

func TestCrashRestartsAndRecovers(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "crashed-once")
	script := writeScript(t, fmt.Sprintf(`if [ ! -f %q ]; then
touch %q
read line
echo '{"status":"ready"}'
sleep 0.2
exit 7
fi
while read line; do echo '{"status":"ready"}'; done
`, marker, marker))

	svc, _ := newTestService(t, script, healthySnapshot())
	require.NoError(t, svc.Start(context.Background()))

	require.Eventually(t, func() bool {
		health := svc.Health()
		return health.State == models.ServiceHealthy && health.RestartCount == 1
	}, 5*time.Second, 20*time.Millisecond, "service should restart once and recover")
}

func TestMaxRestartsFailsTerminally(t *testing.T) {
	script := writeScript(t, `read line
echo '{"status":"ready"}'
sleep 0.2
exit 7
`)
	svc, bus := newTestService(t, script, healthySnapshot())

	eventCh, unsubscribe := bus.Subscribe("test", 4)
	defer unsubscribe()

	require.NoError(t, svc.Start(context.Background()))

	require.Eventually(t, func() bool {
		return svc.Health().State == models.ServiceFailed
	}, 10*time.Second, 20*time.Millisecond)

	health := svc.Health()
	assert.Equal(t, 2, health.RestartCount)
	assert.Contains(t, health.LastError, "max restarts")

	select {
	case ev := <-eventCh:
		assert.Equal(t, models.EventServiceFailed, ev.Type)
		require.NotNil(t, ev.Service)
		assert.Equal(t, models.ServiceFailed, ev.Service.State)
	case <-time.After(2 * time.Second):
		t.Fatal("no service:failed event published")
	}
}

func TestStopDuringBackoffCancelsRestart(t *testing.T) {
	script := writeScript(t, `read line
echo '{"status":"ready"}'
sleep 0.2
exit 7
`)
	svc, _ := newTestService(t, script, healthySnapshot())
	svc.cfg.BackoffBaseMS = 10000
	svc.cfg.BackoffCap = 30

	require.NoError(t, svc.Start(context.Background()))

	require.Eventually(t, func() bool {
		return svc.Health().State == models.ServiceRestarting
	}, 5*time.Second, 10*time.Millisecond)

	done := make(chan struct{})
	go func() {
		svc.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("stop did not interrupt backoff sleep")
	}

	assert.Equal(t, models.ServiceStopped, svc.Health().State)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, models.ServiceStopped, svc.Health().State, "no respawn after stop")
}

func TestBackoffDelayGrowsAndCaps(t *testing.T) {
	svc, _ := newTestService(t, writeScript(t, echoReadyForever), healthySnapshot())

	// base 10ms, multiplier 2.0, cap 1s (testSupervisorConfig)
	assert.Equal(t, 10*time.Millisecond, svc.backoffDelay(0))
	assert.Equal(t, 20*time.Millisecond, svc.backoffDelay(1))
	assert.Equal(t, 40*time.Millisecond, svc.backoffDelay(2))
	assert.Equal(t, time.Second, svc.backoffDelay(10))
}

func TestHealthDebounceTriggersRestart(t *testing.T) {
	// Replies to the readiness probe, then goes silent so every health
	// probe times out.
	script := writeScript(t, `read line
echo '{"status":"ready"}'
while read line; do :; done
`)
	svc, _ := newTestService(t, script, healthySnapshot())

	require.NoError(t, svc.Start(context.Background()))
	require.Equal(t, models.ServiceHealthy, svc.Health().State)

	require.Eventually(t, func() bool {
		return svc.Health().RestartCount >= 1
	}, 15*time.Second, 50*time.Millisecond, "silent service should be restarted after debounce")
}

func TestSampleProcessTreeSelf(t *testing.T) {
	rss, cpu, err := sampleProcessTree(context.Background(), int32(os.Getpid()))
	require.NoError(t, err)
	assert.Greater(t, rss, uint64(0))
	assert.GreaterOrEqual(t, cpu, 0.0)
}
