package metrics

import (
	"context"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

/* ProcessSnapshot reports host and process health for the status
 * endpoint */
type ProcessSnapshot struct {
	Timestamp time.Time     `json:"timestamp"`
	CPU       CPUMetrics    `json:"cpu"`
	Memory    MemoryMetrics `json:"memory"`
	Runtime   GoMetrics     `json:"runtime"`
}

/* CPUMetrics contains CPU usage information */
type CPUMetrics struct {
	UsagePercent float64 `json:"usage_percent"`
	Count        int     `json:"count"`
}

/* MemoryMetrics contains memory usage information */
type MemoryMetrics struct {
	Total       uint64  `json:"total"`
	Used        uint64  `json:"used"`
	Available   uint64  `json:"available"`
	UsedPercent float64 `json:"used_percent"`
}

/* GoMetrics contains Go runtime information */
type GoMetrics struct {
	GoRoutines int    `json:"go_routines"`
	HeapAlloc  uint64 `json:"heap_alloc"`
	HeapSys    uint64 `json:"heap_sys"`
}

/* CollectProcessSnapshot gathers the current snapshot */
func CollectProcessSnapshot(ctx context.Context) (*ProcessSnapshot, error) {
	snapshot := &ProcessSnapshot{Timestamp: time.Now().UTC()}

	percents, err := cpu.PercentWithContext(ctx, 0, false)
	if err == nil && len(percents) > 0 {
		snapshot.CPU.UsagePercent = percents[0]
	}
	if count, err := cpu.CountsWithContext(ctx, true); err == nil {
		snapshot.CPU.Count = count
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return nil, err
	}
	snapshot.Memory = MemoryMetrics{
		Total:       vm.Total,
		Used:        vm.Used,
		Available:   vm.Available,
		UsedPercent: vm.UsedPercent,
	}

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	snapshot.Runtime = GoMetrics{
		GoRoutines: runtime.NumGoroutine(),
		HeapAlloc:  ms.HeapAlloc,
		HeapSys:    ms.HeapSys,
	}

	return snapshot, nil
}
