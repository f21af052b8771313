// Package runtime owns per-cell lifecycle, resource accounting, the
// inter-cell connection registry, and capability dispatch. It is one flat
// struct with a mutex per inner structure; there are no back-pointers
// between the lifecycle, resource, and connection parts.
//
// The lifecycle state machine:
//
//	initialized ──activate──▶ active ──suspend──▶ suspended
//	                             │                    └──resume──▶ active
//	                             └──deactivate──▶ deactivated ──release──▶ released
//
// Deactivate and release are idempotent from any state; released is
// terminal.
package runtime

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/quantaleap/cellforge/pkg/fault"
	"github.com/quantaleap/cellforge/pkg/model"
)

// Handler implements one capability of a cell.
type Handler func(ctx context.Context, params map[string]any) (*model.CapabilityResult, error)

// cellState is the runtime's book-keeping for one registered cell.
type cellState struct {
	cell     *model.Cell
	handlers map[string]Handler

	// requirement is the full reservation; during suspension only the
	// retained fraction of it is held.
	requirement Resources
	holding     Resources

	// dispatchMu serializes capability dispatch unless the cell is
	// flagged concurrent_safe.
	dispatchMu sync.Mutex
}

// Runtime is the process-wide cell runtime.
type Runtime struct {
	mu        sync.RWMutex
	cells     map[string]*cellState
	resources *resourceTable
	conns     *connectionRegistry
	logger    *slog.Logger
	clock     func() time.Time
}

// Options configures a Runtime.
type Options struct {
	Total  Resources
	Logger *slog.Logger
}

// New creates a runtime with the given resource capacity.
func New(opts Options) *Runtime {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Runtime{
		cells:     make(map[string]*cellState),
		resources: newResourceTable(opts.Total),
		conns:     newConnectionRegistry(),
		logger:    logger.With("component", "runtime"),
		clock:     time.Now,
	}
}

// WithClock overrides the clock for testing.
func (r *Runtime) WithClock(clock func() time.Time) *Runtime {
	r.clock = clock
	return r
}

// Register adds a cell in the initialized state with its capability
// handlers. The requirement defaults by capability when the cell carries
// no allocation of its own.
func (r *Runtime) Register(cell *model.Cell, handlers map[string]Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.cells[cell.ID]; exists {
		return fmt.Errorf("cell %s already registered", cell.ID)
	}
	if cell.Status == "" {
		cell.Status = model.CellInitialized
	}
	if cell.Status != model.CellInitialized && cell.Status != model.CellDeactivated {
		return fmt.Errorf("cell %s cannot be registered in state %s", cell.ID, cell.Status)
	}

	req := DefaultRequirement(cell.Capability)
	if cell.Allocation != nil {
		req = fromAllocation(cell.Allocation)
	}

	r.cells[cell.ID] = &cellState{
		cell:        cell,
		handlers:    handlers,
		requirement: req,
	}
	return nil
}

// Remove drops a released cell's record entirely (cache eviction path).
func (r *Runtime) Remove(cellID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cells, cellID)
	r.conns.dropCell(cellID)
}

// Cell returns a snapshot of the cell, or nil if unknown.
func (r *Runtime) Cell(cellID string) *model.Cell {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.cells[cellID]
	if !ok {
		return nil
	}
	return st.cell.Clone()
}

// Activate transitions a cell to active, reserving its full requirement.
// Permitted from initialized and deactivated.
func (r *Runtime) Activate(cellID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.cells[cellID]
	if !ok {
		return &fault.CellActivationError{CellID: cellID, Reason: "cell not registered"}
	}
	switch st.cell.Status {
	case model.CellInitialized, model.CellDeactivated:
	default:
		return &fault.CellActivationError{
			CellID: cellID,
			Reason: fmt.Sprintf("cannot activate from state %s", st.cell.Status),
		}
	}

	if err := r.resources.allocate(st.requirement); err != nil {
		return &fault.CellActivationError{CellID: cellID, Reason: "insufficient resources", Cause: err}
	}
	st.holding = st.requirement
	st.cell.Allocation = st.requirement.toAllocation()

	now := r.clock()
	st.cell.Status = model.CellActive
	st.cell.ActivatedAt = &now
	return nil
}

// Suspend transitions an active cell to suspended, retaining 20% of its
// memory and 10% of its CPU reservation and returning the remainder to the
// pool. The returned token is an opaque snapshot handle.
func (r *Runtime) Suspend(cellID string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.cells[cellID]
	if !ok {
		return "", fmt.Errorf("cell %s not registered", cellID)
	}
	if st.cell.Status != model.CellActive {
		return "", fmt.Errorf("cell %s cannot suspend from state %s", cellID, st.cell.Status)
	}

	retained := Resources{
		MemoryMB:   st.requirement.MemoryMB / 5,
		CPUPercent: st.requirement.CPUPercent / 10,
		StorageMB:  st.requirement.StorageMB,
	}
	r.resources.free(Resources{
		MemoryMB:   st.holding.MemoryMB - retained.MemoryMB,
		CPUPercent: st.holding.CPUPercent - retained.CPUPercent,
		StorageMB:  st.holding.StorageMB - retained.StorageMB,
	})
	st.holding = retained
	st.cell.Allocation = retained.toAllocation()

	now := r.clock()
	st.cell.Status = model.CellSuspended
	st.cell.SuspendedAt = &now

	token := base64.StdEncoding.EncodeToString(
		[]byte(fmt.Sprintf("%s|%d", cellID, now.UnixNano())))
	return token, nil
}

// Resume transitions a suspended cell back to active, re-reserving the
// full original allocation.
func (r *Runtime) Resume(cellID, token string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.cells[cellID]
	if !ok {
		return fmt.Errorf("cell %s not registered", cellID)
	}
	if st.cell.Status != model.CellSuspended {
		return fmt.Errorf("cell %s cannot resume from state %s", cellID, st.cell.Status)
	}
	if token == "" {
		return fmt.Errorf("cell %s resume requires a snapshot token", cellID)
	}

	delta := Resources{
		MemoryMB:   st.requirement.MemoryMB - st.holding.MemoryMB,
		CPUPercent: st.requirement.CPUPercent - st.holding.CPUPercent,
		StorageMB:  st.requirement.StorageMB - st.holding.StorageMB,
	}
	if err := r.resources.allocate(delta); err != nil {
		return err
	}
	st.holding = st.requirement
	st.cell.Allocation = st.requirement.toAllocation()

	now := r.clock()
	st.cell.Status = model.CellActive
	st.cell.ActivatedAt = &now
	return nil
}

// Deactivate stops a cell and returns its resources. Idempotent; a no-op
// on deactivated and released cells.
func (r *Runtime) Deactivate(cellID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.deactivateLocked(cellID)
}

func (r *Runtime) deactivateLocked(cellID string) error {
	st, ok := r.cells[cellID]
	if !ok {
		return nil
	}
	switch st.cell.Status {
	case model.CellDeactivated, model.CellReleased:
		return nil
	}

	r.resources.free(st.holding)
	st.holding = Resources{}
	st.cell.Allocation = nil

	now := r.clock()
	st.cell.Status = model.CellDeactivated
	st.cell.DeactivatedAt = &now
	return nil
}

// Release terminally releases a cell: resources returned, every connection
// involving it removed. Idempotent.
func (r *Runtime) Release(cellID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.cells[cellID]
	if !ok {
		return nil
	}
	if st.cell.Status == model.CellReleased {
		return nil
	}

	if err := r.deactivateLocked(cellID); err != nil {
		return err
	}
	r.conns.dropCell(cellID)

	now := r.clock()
	st.cell.Status = model.CellReleased
	st.cell.ReleasedAt = &now
	return nil
}

// ResourceSnapshot returns a consistent view of the resource table.
func (r *Runtime) ResourceSnapshot() ResourceSnapshot {
	return r.resources.snapshot()
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
