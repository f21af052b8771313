package assembler

import (
	"context"

	"go.opentelemetry.io/otel/attribute"

	"github.com/quantaleap/cellforge/pkg/model"
	"github.com/quantaleap/cellforge/pkg/trail"
)

// ReleaseSolution tears down a solution: each cell is deactivated, then
// either retained in the cache (core capability, capacity permitting) or
// fully released back to its provider. A final update transaction records
// the solution's lifetime metrics. Returns false for unknown solution IDs;
// a second release of the same ID is a no-op returning false.
func (a *Assembler) ReleaseSolution(ctx context.Context, solutionID string) bool {
	ctx, span, done := a.track(ctx, "assembler.release_solution",
		attribute.String("solution_id", solutionID))
	defer func() { done(nil) }()

	// Removing the solution from the registry under the lock makes the
	// release exclusive: concurrent callers race for the map entry and
	// exactly one proceeds past this point.
	a.mu.Lock()
	solution, ok := a.solutions[solutionID]
	if !ok {
		a.mu.Unlock()
		return false
	}
	delete(a.solutions, solutionID)
	for id := range solution.Cells {
		delete(a.cellSolution, id)
	}
	a.mu.Unlock()

	now := a.clock()
	solution.Status = model.SolutionReleased
	solution.Metrics.TotalUsageTimeMS = now.Sub(solution.CreatedAt).Milliseconds()
	// The solution holds assembly-time snapshots; usage peaks accumulate in
	// the runtime, so refresh before folding lifetime metrics.
	for id := range solution.Cells {
		if current := a.runtime.Cell(id); current != nil {
			solution.Cells[id] = current
		}
	}
	for _, cell := range solution.Cells {
		if cell.Usage.PeakMemoryMB > solution.Metrics.MemoryPeakMB {
			solution.Metrics.MemoryPeakMB = cell.Usage.PeakMemoryMB
		}
		solution.Metrics.CPUUsageAvg += cell.Usage.PeakCPUPercent
	}
	if len(solution.Cells) > 0 {
		solution.Metrics.CPUUsageAvg /= float64(len(solution.Cells))
	}

	cached, released := 0, 0
	for id, cell := range solution.Cells {
		if err := a.runtime.Deactivate(id); err != nil {
			a.logger.Warn("deactivate failed during release", "cell_id", id, "error", err)
		}
		if current := a.runtime.Cell(id); current != nil {
			cell = current
		}
		if a.cache.put(cell) {
			cached++
			continue
		}
		a.releaseCell(ctx, cell, solution.QuantumSignature)
		released++
	}

	// Update transaction: same cell IDs and connection map as the assembly
	// record, so the final metrics refine the same configuration's score.
	metrics := map[string]float64{
		trail.MetricTotalUsageTimeMS: float64(solution.Metrics.TotalUsageTimeMS),
		trail.MetricMemoryPeakMB:     solution.Metrics.MemoryPeakMB,
		trail.MetricCPUUsageAvg:      solution.Metrics.CPUUsageAvg,
	}
	if _, err := a.trail.AddUpdate(solution.QuantumSignature, solutionID, solution.CellIDs(), solution.ConnectionMap, metrics); err != nil {
		a.logger.Warn("trail update append failed", "solution_id", solutionID, "error", err)
	}

	a.logger.Info("solution released",
		"solution_id", solutionID,
		"cells_cached", cached,
		"cells_released", released,
		"usage_ms", solution.Metrics.TotalUsageTimeMS)

	span.SetAttributes(attribute.Int("cells_cached", cached), attribute.Int("cells_released", released))
	return true
}
