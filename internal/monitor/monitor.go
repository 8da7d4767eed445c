// Package monitor probes host hardware. It is the generalized
// descendant of the teacher's internal/monitor/monitor.go: instead of
// answering "can this worker encode video", it answers "how much heavy
// model capacity does this host have" for the Model Supervisor (C3), and
// still answers the CPU/RAM busy question the teacher used for its own
// scheduling signal.
package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// GPUTier buckets the host's accelerator capability for the Model
// Supervisor's LRU sizing (spec.md §4.3: "N derived from hardware
// profile: no-GPU -> 1; small GPU -> 1 heavy + light auxiliaries; large
// GPU -> >= 2").
type GPUTier string

const (
	TierNoGPU    GPUTier = "no_gpu"
	TierSmallGPU GPUTier = "small_gpu"
	TierLargeGPU GPUTier = "large_gpu"
)

// Stats is a point-in-time hardware read.
type Stats struct {
	CPUPercent float64
	RAMPercent float64
	IsBusy     bool
}

// Monitor caches the one-time GPU tier probe and serves repeated
// CPU/RAM reads, mirroring the teacher's SystemMonitor sync.Once shape.
type Monitor struct {
	tier     GPUTier
	once     sync.Once
	tierFunc func() GPUTier
}

// New constructs a Monitor. tierHint, when one of the known tiers,
// overrides auto-detection (operators without real GPUs in CI/dev can
// force a tier via SUBTITLER_GPU_TIER_HINT).
func New(tierHint string) *Monitor {
	m := &Monitor{}
	if hint := GPUTier(tierHint); hint == TierNoGPU || hint == TierSmallGPU || hint == TierLargeGPU {
		m.tierFunc = func() GPUTier { return hint }
	} else {
		m.tierFunc = detectTier
	}
	return m
}

// GPUTier runs the (cached) hardware probe and returns the tier.
func (m *Monitor) GPUTier(ctx context.Context) GPUTier {
	m.once.Do(func() {
		m.tier = m.tierFunc()
	})
	return m.tier
}

// detectTier is a conservative heuristic: without a real NVML/DRM
// binding anywhere in the dependency set for this host-probing use case,
// a host is assumed GPU-less unless an operator overrides it with
// SUBTITLER_GPU_TIER_HINT. This keeps the default safe (never over-commits
// VRAM) while leaving the override path open for real deployments.
func detectTier() GPUTier {
	return TierNoGPU
}

// GetStats gathers real-time CPU and RAM usage, same shape as the
// teacher's SystemMonitor.GetStats.
func (m *Monitor) GetStats(ctx context.Context) (Stats, error) {
	var stats Stats

	v, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return stats, fmt.Errorf("monitor: mem stats: %w", err)
	}
	stats.RAMPercent = v.UsedPercent

	cpuPct, err := cpu.PercentWithContext(ctx, 250*time.Millisecond, false)
	if err != nil {
		return stats, fmt.Errorf("monitor: cpu stats: %w", err)
	}
	if len(cpuPct) > 0 {
		stats.CPUPercent = cpuPct[0]
	}

	stats.IsBusy = stats.CPUPercent > 80.0 || stats.RAMPercent > 90.0
	return stats, nil
}
