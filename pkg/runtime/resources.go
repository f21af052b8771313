package runtime

import (
	"sync"

	"github.com/quantaleap/cellforge/pkg/fault"
	"github.com/quantaleap/cellforge/pkg/intent"
	"github.com/quantaleap/cellforge/pkg/model"
)

// Resources is a bundle of the three tracked resource types.
type Resources struct {
	MemoryMB   int `json:"memory_mb"`
	CPUPercent int `json:"cpu_percent"`
	StorageMB  int `json:"storage_mb"`
}

// defaultRequirements maps capabilities to their default reservations,
// used when the provider does not specify one.
var defaultRequirements = map[string]Resources{
	intent.CapTextGeneration:  {MemoryMB: 512, CPUPercent: 100, StorageMB: 100},
	intent.CapMediaProcessing: {MemoryMB: 1024, CPUPercent: 200, StorageMB: 500},
	intent.CapUIRendering:     {MemoryMB: 384, CPUPercent: 100, StorageMB: 100},
	intent.CapDataAnalysis:    {MemoryMB: 768, CPUPercent: 150, StorageMB: 100},
}

// fallbackRequirement covers capabilities without an entry.
var fallbackRequirement = Resources{MemoryMB: 256, CPUPercent: 50, StorageMB: 100}

// DefaultRequirement returns the default reservation for a capability.
func DefaultRequirement(capability string) Resources {
	if r, ok := defaultRequirements[capability]; ok {
		return r
	}
	return fallbackRequirement
}

func fromAllocation(a *model.ResourceAllocation) Resources {
	return Resources{MemoryMB: a.MemoryMB, CPUPercent: a.CPUPercent, StorageMB: a.StorageMB}
}

func (r Resources) toAllocation() *model.ResourceAllocation {
	return &model.ResourceAllocation{MemoryMB: r.MemoryMB, CPUPercent: r.CPUPercent, StorageMB: r.StorageMB}
}

// resourceTable is the process-wide accounting table. Allocation is
// all-or-nothing: a shortfall in any resource leaves the table untouched.
type resourceTable struct {
	mu        sync.Mutex
	total     Resources
	available Resources
}

func newResourceTable(total Resources) *resourceTable {
	return &resourceTable{total: total, available: total}
}

// allocate reserves the requested bundle atomically.
func (t *resourceTable) allocate(req Resources) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if req.MemoryMB > t.available.MemoryMB {
		return &fault.ResourceExhaustionError{Resource: "memory_mb", Limit: t.available.MemoryMB, Actual: req.MemoryMB}
	}
	if req.CPUPercent > t.available.CPUPercent {
		return &fault.ResourceExhaustionError{Resource: "cpu_percent", Limit: t.available.CPUPercent, Actual: req.CPUPercent}
	}
	if req.StorageMB > t.available.StorageMB {
		return &fault.ResourceExhaustionError{Resource: "storage_mb", Limit: t.available.StorageMB, Actual: req.StorageMB}
	}

	t.available.MemoryMB -= req.MemoryMB
	t.available.CPUPercent -= req.CPUPercent
	t.available.StorageMB -= req.StorageMB
	return nil
}

// free returns a bundle to the pool, clamped at total.
func (t *resourceTable) free(req Resources) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.available.MemoryMB = min(t.available.MemoryMB+req.MemoryMB, t.total.MemoryMB)
	t.available.CPUPercent = min(t.available.CPUPercent+req.CPUPercent, t.total.CPUPercent)
	t.available.StorageMB = min(t.available.StorageMB+req.StorageMB, t.total.StorageMB)
}

// ResourceSnapshot is a consistent view of the table.
type ResourceSnapshot struct {
	Total     Resources `json:"total"`
	Available Resources `json:"available"`
	Allocated Resources `json:"allocated"`
}

func (t *resourceTable) snapshot() ResourceSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return ResourceSnapshot{
		Total:     t.total,
		Available: t.available,
		Allocated: Resources{
			MemoryMB:   t.total.MemoryMB - t.available.MemoryMB,
			CPUPercent: t.total.CPUPercent - t.available.CPUPercent,
			StorageMB:  t.total.StorageMB - t.available.StorageMB,
		},
	}
}
