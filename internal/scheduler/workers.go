package scheduler

import (
	"runtime"

	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"
)

const (
	// memPerWorker is the memory budget one worker is assumed to need,
	// dominated by the external build invocation it drives.
	memPerWorker = 512 * 1024 * 1024

	minWorkers = 1
	maxWorkers = 32
)

// DeriveWorkerCount sizes the pool from host CPU count and available
// memory. Computed once per run; the pool is not adaptive mid-run.
func DeriveWorkerCount(logger *zap.Logger) int {
	if logger == nil {
		logger = zap.NewNop()
	}

	workers := runtime.NumCPU()

	vm, err := mem.VirtualMemory()
	if err != nil {
		logger.Warn("failed to read host memory, sizing by CPU only", zap.Error(err))
	} else {
		byMem := int(vm.Available / memPerWorker)
		if byMem < workers {
			workers = byMem
		}
	}

	if workers < minWorkers {
		workers = minWorkers
	}
	if workers > maxWorkers {
		workers = maxWorkers
	}

	logger.Debug("derived worker count", zap.Int("workers", workers))
	return workers
}
