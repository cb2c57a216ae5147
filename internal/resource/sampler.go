// Package resource watches host memory, CPU, and disk pressure and adapts
// the worker pool's ceiling so background analysis never starves the rest
// of the machine. All actions are advisory: pressure sheds capacity and
// raises alerts, it never crashes or blocks the process.
package resource

import (
	"context"
	"fmt"
	"os"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// Usage is one sample of host pressure. Percentages are fractions in
// [0, 1] so they compare directly against configured thresholds.
type Usage struct {
	MemoryPercent     float64 `json:"memory_percent"`
	MemoryAvailableMB float64 `json:"memory_available_mb"`
	CPUPercent        float64 `json:"cpu_percent"`
	DiskPercent       float64 `json:"disk_percent"`
	ProcessMemoryMB   float64 `json:"process_memory_mb"`
}

// Sampler produces Usage samples. Tests substitute scripted samplers.
type Sampler interface {
	Sample(ctx context.Context) (Usage, error)
}

// HostSampler reads live host metrics through gopsutil.
type HostSampler struct {
	diskPath string
	proc     *process.Process
}

// NewHostSampler creates a sampler that reports disk usage for diskPath and
// resident memory for the current process.
func NewHostSampler(diskPath string) (*HostSampler, error) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, fmt.Errorf("failed to attach to own process: %w", err)
	}
	return &HostSampler{diskPath: diskPath, proc: proc}, nil
}

// Sample reads one Usage snapshot.
func (s *HostSampler) Sample(ctx context.Context) (Usage, error) {
	var u Usage

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return u, fmt.Errorf("failed to sample memory: %w", err)
	}
	u.MemoryPercent = vm.UsedPercent / 100
	u.MemoryAvailableMB = float64(vm.Available) / (1024 * 1024)

	// Interval 0 compares against the previous call instead of blocking.
	cpuPercents, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return u, fmt.Errorf("failed to sample cpu: %w", err)
	}
	if len(cpuPercents) > 0 {
		u.CPUPercent = cpuPercents[0] / 100
	}

	du, err := disk.UsageWithContext(ctx, s.diskPath)
	if err != nil {
		return u, fmt.Errorf("failed to sample disk %q: %w", s.diskPath, err)
	}
	u.DiskPercent = du.UsedPercent / 100

	if info, err := s.proc.MemoryInfoWithContext(ctx); err == nil {
		u.ProcessMemoryMB = float64(info.RSS) / (1024 * 1024)
	}

	return u, nil
}
