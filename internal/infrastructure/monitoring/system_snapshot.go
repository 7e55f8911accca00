package monitoring

import (
	"context"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
)

// SystemSnapshot is the host state exposed to scheduled policy evaluation.
type SystemSnapshot struct {
	CPUPercent    float64
	MemoryPercent float64
	Goroutines    int
	TakenAt       time.Time
}

// Attributes renders the snapshot under the "system." field prefix.
func (s SystemSnapshot) Attributes() map[string]interface{} {
	return map[string]interface{}{
		"system": map[string]interface{}{
			"cpu_percent":    s.CPUPercent,
			"memory_percent": s.MemoryPercent,
			"goroutines":     s.Goroutines,
		},
	}
}

// SystemSampler reads host CPU and memory usage through gopsutil.
type SystemSampler struct{}

// Attributes samples the host and renders the snapshot for policy evaluation.
func (s SystemSampler) Attributes(ctx context.Context) (map[string]interface{}, error) {
	snap, err := s.Sample(ctx)
	if err != nil {
		return nil, err
	}
	return snap.Attributes(), nil
}

// Sample takes a snapshot. CPU is measured since the previous call, so the first value may be zero.
func (SystemSampler) Sample(ctx context.Context) (SystemSnapshot, error) {
	snap := SystemSnapshot{Goroutines: runtime.NumGoroutine(), TakenAt: time.Now()}
	percents, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return snap, err
	}
	if len(percents) > 0 {
		snap.CPUPercent = percents[0]
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return snap, err
	}
	snap.MemoryPercent = vm.UsedPercent
	return snap, nil
}
