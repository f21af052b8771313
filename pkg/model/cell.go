// Package model holds the shared data model of the cell orchestrator:
// cells, solutions, reusable configurations, intent analyses, and the
// resource and performance records attached to them.
package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// CellStatus is the lifecycle state of a cell.
type CellStatus string

const (
	CellInitialized CellStatus = "initialized"
	CellActive      CellStatus = "active"
	CellSuspended   CellStatus = "suspended"
	CellDeactivated CellStatus = "deactivated"
	CellReleased    CellStatus = "released"
)

// Valid reports whether the status is a known lifecycle state.
func (s CellStatus) Valid() bool {
	switch s {
	case CellInitialized, CellActive, CellSuspended, CellDeactivated, CellReleased:
		return true
	}
	return false
}

// ResourceAllocation is the reservation a cell holds against the
// process-wide resource table.
type ResourceAllocation struct {
	MemoryMB   int `json:"memory_mb"`
	CPUPercent int `json:"cpu_percent"`
	StorageMB  int `json:"storage_mb"`
}

// UsageMetrics tracks observed peak consumption for a cell.
type UsageMetrics struct {
	PeakMemoryMB   float64   `json:"peak_memory_mb"`
	PeakCPUPercent float64   `json:"peak_cpu_percent"`
	LastUpdated    time.Time `json:"last_updated"`
}

// Cell is a remote compute module instance. A cell belongs to exactly one
// solution and provides exactly one capability.
type Cell struct {
	ID               string              `json:"cell_id"`
	CellType         string              `json:"cell_type"`
	Capability       string              `json:"capability"`
	Version          string              `json:"version"`
	ProviderURL      string              `json:"provider_url"`
	QuantumSignature string              `json:"quantum_signature"`
	Status           CellStatus          `json:"status"`
	CreatedAt        time.Time           `json:"created_at"`
	ActivatedAt      *time.Time          `json:"activated_at,omitempty"`
	SuspendedAt      *time.Time          `json:"suspended_at,omitempty"`
	DeactivatedAt    *time.Time          `json:"deactivated_at,omitempty"`
	ReleasedAt       *time.Time          `json:"released_at,omitempty"`
	Allocation       *ResourceAllocation `json:"resource_allocation,omitempty"`
	Usage            UsageMetrics        `json:"usage_metrics"`
	Parameters       map[string]any      `json:"parameters,omitempty"`
}

// NewCellID mints a cell ID of the form <capability>-<uuid>. The capability
// prefix is load-bearing: the ledger's similarity retrieval infers the
// capability of a recorded cell from it.
func NewCellID(capability string) string {
	return fmt.Sprintf("%s-%s", capability, uuid.New().String())
}

// CapabilityFromCellID recovers the capability prefix from a cell ID minted
// by NewCellID. Returns "" for IDs without a prefix.
func CapabilityFromCellID(cellID string) string {
	idx := strings.Index(cellID, "-")
	if idx <= 0 {
		return ""
	}
	return cellID[:idx]
}

// ConcurrentSafe reports whether the cell's parameters flag its capability
// handler as safe for parallel dispatch. Default is serialized dispatch.
func (c *Cell) ConcurrentSafe() bool {
	if c.Parameters == nil {
		return false
	}
	v, ok := c.Parameters["concurrent_safe"].(bool)
	return ok && v
}

// Clone returns a deep copy safe to hand outside the runtime's lock.
func (c *Cell) Clone() *Cell {
	cp := *c
	if c.Allocation != nil {
		alloc := *c.Allocation
		cp.Allocation = &alloc
	}
	if c.Parameters != nil {
		cp.Parameters = make(map[string]any, len(c.Parameters))
		for k, v := range c.Parameters {
			cp.Parameters[k] = v
		}
	}
	cp.ActivatedAt = cloneTime(c.ActivatedAt)
	cp.SuspendedAt = cloneTime(c.SuspendedAt)
	cp.DeactivatedAt = cloneTime(c.DeactivatedAt)
	cp.ReleasedAt = cloneTime(c.ReleasedAt)
	return &cp
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
