package queue

import (
	"fmt"

	"github.com/shirou/gopsutil/v3/mem"
)

// memorySnapshot returns a compact description of system memory for
// heartbeat logs, or "unavailable" if the platform query fails.
func memorySnapshot() string {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return "unavailable"
	}
	return fmt.Sprintf("%.1f%% used (%.1f GB free)",
		vm.UsedPercent, float64(vm.Available)/(1<<30))
}
