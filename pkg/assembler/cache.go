package assembler

import (
	"sync"

	"github.com/quantaleap/cellforge/pkg/model"
)

// CompatibilityPredicate decides whether a cached cell may serve a request
// targeting the given device. The default accepts everything.
type CompatibilityPredicate func(cell *model.Cell, device *model.DeviceInfo) bool

func defaultCompatibility(*model.Cell, *model.DeviceInfo) bool { return true }

// cellCache retains released cells of the core capability set for reuse:
// one cell per capability, bounded overall. Eviction releases the cell
// with the oldest created_at asynchronously.
type cellCache struct {
	mu         sync.Mutex
	entries    map[string]*model.Cell // capability → retained cell
	core       map[string]bool
	maxEntries int
	compatible CompatibilityPredicate
	releaseFn  func(cell *model.Cell) // async release of evicted cells
}

func newCellCache(coreCapabilities []string, maxEntries int, compatible CompatibilityPredicate, releaseFn func(*model.Cell)) *cellCache {
	core := make(map[string]bool, len(coreCapabilities))
	for _, c := range coreCapabilities {
		core[c] = true
	}
	if compatible == nil {
		compatible = defaultCompatibility
	}
	return &cellCache{
		entries:    make(map[string]*model.Cell),
		core:       core,
		maxEntries: maxEntries,
		compatible: compatible,
		releaseFn:  releaseFn,
	}
}

// eligible reports whether the cache policy admits the cell at all.
func (c *cellCache) eligible(cell *model.Cell) bool {
	return c.core[cell.Capability]
}

// put retains a cell, returning false when the policy rejects it. Within a
// capability the newer created_at wins; over capacity the oldest entry is
// evicted and released asynchronously.
func (c *cellCache) put(cell *model.Cell) bool {
	if !c.eligible(cell) || c.maxEntries <= 0 {
		return false
	}

	c.mu.Lock()
	var evicted []*model.Cell

	if existing, ok := c.entries[cell.Capability]; ok {
		if existing.CreatedAt.After(cell.CreatedAt) {
			c.mu.Unlock()
			return false
		}
		evicted = append(evicted, existing)
	}
	c.entries[cell.Capability] = cell

	for len(c.entries) > c.maxEntries {
		oldestCap := ""
		for capability, entry := range c.entries {
			if oldestCap == "" || entry.CreatedAt.Before(c.entries[oldestCap].CreatedAt) {
				oldestCap = capability
			}
		}
		evicted = append(evicted, c.entries[oldestCap])
		delete(c.entries, oldestCap)
	}
	c.mu.Unlock()

	for _, e := range evicted {
		if e.ID == cell.ID {
			continue
		}
		if c.releaseFn != nil {
			go c.releaseFn(e)
		}
	}
	return true
}

// get removes and returns a device-compatible cached cell for the
// capability, or nil.
func (c *cellCache) get(capability string, device *model.DeviceInfo) *model.Cell {
	c.mu.Lock()
	defer c.mu.Unlock()

	cell, ok := c.entries[capability]
	if !ok || !c.compatible(cell, device) {
		return nil
	}
	delete(c.entries, capability)
	return cell
}

func (c *cellCache) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
