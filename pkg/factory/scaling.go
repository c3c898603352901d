package factory

import (
	"github.com/cuemby/burrow/pkg/types"
)

// workersCapacity derives a per-manager ceiling from the capacity vector
// it publishes, in workers.
func workersCapacity(m *types.ManagerStatus, cfg *Config) int {
	capacity := m.CapacityTasks
	if cfg.ConsiderCapacity {
		capacity = m.CapacityWeighted
	}

	if cfg.TasksPerWorker > 0 {
		capacity = divRoundUp(capacity, cfg.TasksPerWorker)
	}

	res := cfg.resources()
	if res.Cores > 0 && m.CapacityCores > 0 {
		capacity = minInt(capacity, divRoundUp(m.CapacityCores, int(res.Cores)))
	}
	if res.MemoryMB > 0 && m.CapacityMemory > 0 {
		capacity = minInt(capacity, divRoundUp(m.CapacityMemory, int(res.MemoryMB)))
	}
	if res.DiskMB > 0 && m.CapacityDisk > 0 {
		capacity = minInt(capacity, divRoundUp(m.CapacityDisk, int(res.DiskMB)))
	}
	if res.GPUs > 0 && m.CapacityGPUs > 0 {
		capacity = minInt(capacity, divRoundUp(m.CapacityGPUs, int(res.GPUs)))
	}
	return capacity
}

// workersNeededByResource converts the manager's published per-resource
// task totals into an independent lower bound on workers.
func workersNeededByResource(m *types.ManagerStatus, cfg *Config) int {
	res := cfg.resources()
	needed := 0
	if res.Cores > 0 && m.TasksTotalCores > 0 {
		needed = maxInt(needed, divRoundUp(m.TasksTotalCores, int(res.Cores)))
	}
	if res.MemoryMB > 0 && m.TasksTotalMemory > 0 {
		needed = maxInt(needed, divRoundUp(m.TasksTotalMemory, int(res.MemoryMB)))
	}
	if res.DiskMB > 0 && m.TasksTotalDisk > 0 {
		needed = maxInt(needed, divRoundUp(m.TasksTotalDisk, int(res.DiskMB)))
	}
	if res.GPUs > 0 && m.TasksTotalGPUs > 0 {
		needed = maxInt(needed, divRoundUp(m.TasksTotalGPUs, int(res.GPUs)))
	}
	return needed
}

// countWorkersNeeded totals the workers the given managers call for.
// With onlyNotRunning, tasks already on workers are excluded; that mode is
// used for managers behind foremen, whose running tasks the foremen count.
func countWorkersNeeded(managers []*types.ManagerStatus, cfg *Config, onlyNotRunning bool) int {
	needed := 0
	for _, m := range managers {
		capacity := workersCapacity(m, cfg)

		need := m.TasksWaiting + m.TasksLeft
		if !onlyNotRunning {
			need += m.TasksOnWorkers
		}
		if cfg.TasksPerWorker > 0 {
			need = divRoundUp(need, cfg.TasksPerWorker)
		}

		need = maxInt(need, workersNeededByResource(m, cfg))

		if cfg.ConsiderCapacity && capacity > 0 {
			need = minInt(need, capacity)
		}
		needed += need
	}
	return needed
}

// countWorkersConnected totals the workers the managers already see.
func countWorkersConnected(managers []*types.ManagerStatus) int {
	connected := 0
	for _, m := range managers {
		connected += m.Workers
	}
	return connected
}

func divRoundUp(n, d int) int {
	if d <= 0 {
		return n
	}
	return (n + d - 1) / d
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
