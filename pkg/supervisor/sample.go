package supervisor

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/v4/process"
)

// sampleProcessTree returns the RSS and CPU usage of a process and its
// children. Training runs fork from the service, so the tree is what
// matters, not the root process alone.
func sampleProcessTree(ctx context.Context, pid int32) (uint64, float64, error) {
	proc, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return 0, 0, fmt.Errorf("process %d: %w", pid, err)
	}

	mem, err := proc.MemoryInfoWithContext(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("memory info for %d: %w", pid, err)
	}
	rss := mem.RSS

	cpu, err := proc.CPUPercentWithContext(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("cpu percent for %d: %w", pid, err)
	}

	// Children may come and go mid-walk; per-child failures are skipped.
	children, err := proc.ChildrenWithContext(ctx)
	if err == nil {
		for _, child := range children {
			if childMem, err := child.MemoryInfoWithContext(ctx); err == nil {
				rss += childMem.RSS
			}
			if childCPU, err := child.CPUPercentWithContext(ctx); err == nil {
				cpu += childCPU
			}
		}
	}

	return rss, cpu, nil
}
