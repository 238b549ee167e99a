package resources

import (
	"context"
	"os/exec"
	"runtime"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"
)

// Prober abstracts the host probes so the monitor can be tested
// without touching real hardware.
type Prober interface {
	Memory(ctx context.Context) (total, available uint64, usedPercent float64, err error)
	CPU(ctx context.Context) (count int, percent float64, err error)
	Disk(ctx context.Context, path string) (total, free uint64, err error)
	GPU(ctx context.Context) (name string, available bool)
}

// SystemProber probes the local host.
type SystemProber struct {
	gpuTimeout time.Duration
}

// NewSystemProber creates a host prober. gpuTimeout bounds the
// nvidia-smi query.
func NewSystemProber(gpuTimeout time.Duration) *SystemProber {
	if gpuTimeout <= 0 {
		gpuTimeout = 5 * time.Second
	}
	return &SystemProber{gpuTimeout: gpuTimeout}
}

func (p *SystemProber) Memory(ctx context.Context) (uint64, uint64, float64, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, 0, 0, err
	}
	return vm.Total, vm.Available, vm.UsedPercent, nil
}

func (p *SystemProber) CPU(ctx context.Context) (int, float64, error) {
	count, err := cpu.CountsWithContext(ctx, true)
	if err != nil {
		count = runtime.NumCPU()
	}
	// Interval 0 reports utilization since the previous call; the very
	// first call reports 0.
	percents, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return count, 0, err
	}
	var percent float64
	if len(percents) > 0 {
		percent = percents[0]
	}
	return count, percent, nil
}

func (p *SystemProber) Disk(ctx context.Context, path string) (uint64, uint64, error) {
	usage, err := disk.UsageWithContext(ctx, path)
	if err != nil {
		return 0, 0, err
	}
	return usage.Total, usage.Free, nil
}

// GPU shells out to nvidia-smi. Any failure means no GPU.
func (p *SystemProber) GPU(ctx context.Context) (string, bool) {
	ctx, cancel := context.WithTimeout(ctx, p.gpuTimeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, "nvidia-smi", "--query-gpu=name", "--format=csv,noheader").Output()
	if err != nil {
		return "", false
	}
	name := strings.TrimSpace(strings.SplitN(string(out), "\n", 2)[0])
	if name == "" {
		return "", false
	}
	return name, true
}
