package model

import "time"

// SolutionStatus is the lifecycle state of an assembled solution.
type SolutionStatus string

const (
	SolutionInitializing SolutionStatus = "initializing"
	SolutionActive       SolutionStatus = "active"
	SolutionSuspended    SolutionStatus = "suspended"
	SolutionReleased     SolutionStatus = "released"
	SolutionError        SolutionStatus = "error"
)

// SolutionMetrics aggregates observed performance for a solution.
type SolutionMetrics struct {
	MemoryPeakMB     float64 `json:"memory_peak_mb"`
	CPUUsageAvg      float64 `json:"cpu_usage_avg"`
	AssemblyTimeMS   int64   `json:"assembly_time_ms"`
	TotalUsageTimeMS int64   `json:"total_usage_time_ms"`
}

// Solution is an assembled, active set of cells wired together to satisfy
// one intent. Every member cell carries a signature derived from the
// solution's quantum signature (shared 10-character prefix).
type Solution struct {
	ID               string              `json:"solution_id"`
	Cells            map[string]*Cell    `json:"cells"`
	QuantumSignature string              `json:"quantum_signature"`
	Intent           *IntentAnalysis     `json:"intent,omitempty"`
	Status           SolutionStatus      `json:"status"`
	CreatedAt        time.Time           `json:"created_at"`
	Metrics          SolutionMetrics     `json:"metrics"`
	ConnectionMap    map[string][]string `json:"connection_map,omitempty"`

	// UsedPriorConfiguration is set when the assembly reused a ledger
	// configuration instead of acquiring by capability.
	UsedPriorConfiguration bool `json:"used_prior_configuration"`
}

// CellIDs returns the member cell IDs in no particular order.
func (s *Solution) CellIDs() []string {
	ids := make([]string, 0, len(s.Cells))
	for id := range s.Cells {
		ids = append(ids, id)
	}
	return ids
}

// Clone returns a deep copy safe to serve to API readers while the
// assembler keeps mutating the original.
func (s *Solution) Clone() *Solution {
	cp := *s
	cp.Cells = make(map[string]*Cell, len(s.Cells))
	for id, c := range s.Cells {
		cp.Cells[id] = c.Clone()
	}
	if s.ConnectionMap != nil {
		cp.ConnectionMap = make(map[string][]string, len(s.ConnectionMap))
		for src, targets := range s.ConnectionMap {
			cp.ConnectionMap[src] = append([]string(nil), targets...)
		}
	}
	if s.Intent != nil {
		cp.Intent = s.Intent.Clone()
	}
	return &cp
}
