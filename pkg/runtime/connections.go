package runtime

import (
	"fmt"
	"sync"
	"time"

	"github.com/quantaleap/cellforge/pkg/fault"
	"github.com/quantaleap/cellforge/pkg/model"
)

// maxInbox bounds the per-cell relay inbox.
const maxInbox = 256

// ConnectionMetadata annotates one directed edge.
type ConnectionMetadata struct {
	EstablishedAt time.Time      `json:"established_at"`
	RelayCount    int64          `json:"relay_count"`
	Attributes    map[string]any `json:"attributes,omitempty"`
}

// RelayMessage is one message delivered over an edge.
type RelayMessage struct {
	SourceID string    `json:"source_id"`
	Payload  any       `json:"payload"`
	SentAt   time.Time `json:"sent_at"`
}

// Connections describes a cell's edges in both directions.
type Connections struct {
	Outgoing map[string]ConnectionMetadata `json:"outgoing"`
	Incoming map[string]ConnectionMetadata `json:"incoming"`
}

// connectionRegistry is a directed adjacency map with a reverse index and
// per-cell relay inboxes.
type connectionRegistry struct {
	mu       sync.RWMutex
	outgoing map[string]map[string]*ConnectionMetadata
	incoming map[string]map[string]bool
	inboxes  map[string][]RelayMessage
}

func newConnectionRegistry() *connectionRegistry {
	return &connectionRegistry{
		outgoing: make(map[string]map[string]*ConnectionMetadata),
		incoming: make(map[string]map[string]bool),
		inboxes:  make(map[string][]RelayMessage),
	}
}

// Connect installs a directed edge between two registered, unreleased
// cells.
func (r *Runtime) Connect(sourceID, targetID string, attributes map[string]any) error {
	r.mu.RLock()
	src, srcOK := r.cells[sourceID]
	dst, dstOK := r.cells[targetID]
	r.mu.RUnlock()

	if !srcOK {
		return &fault.CellConnectionError{SourceID: sourceID, TargetID: targetID, Reason: "source not registered"}
	}
	if !dstOK {
		return &fault.CellConnectionError{SourceID: sourceID, TargetID: targetID, Reason: "target not registered"}
	}
	if src.cell.Status == model.CellReleased || dst.cell.Status == model.CellReleased {
		return &fault.CellConnectionError{SourceID: sourceID, TargetID: targetID, Reason: "endpoint released"}
	}

	r.conns.connect(sourceID, targetID, attributes, r.clock())
	return nil
}

// Disconnect removes an edge. Removing a non-existent edge is a no-op
// returning false.
func (r *Runtime) Disconnect(sourceID, targetID string) bool {
	return r.conns.disconnect(sourceID, targetID)
}

// GetConnections returns the outgoing and incoming edges of a cell.
func (r *Runtime) GetConnections(cellID string) Connections {
	return r.conns.get(cellID)
}

// Relay delivers a message over an existing edge into the target cell's
// inbox. The edge must exist.
func (r *Runtime) Relay(sourceID, targetID string, payload any) error {
	return r.conns.relay(sourceID, targetID, payload, r.clock())
}

// TakeInbox drains and returns the relay inbox of a cell.
func (r *Runtime) TakeInbox(cellID string) []RelayMessage {
	return r.conns.takeInbox(cellID)
}

func (c *connectionRegistry) connect(sourceID, targetID string, attributes map[string]any, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.outgoing[sourceID] == nil {
		c.outgoing[sourceID] = make(map[string]*ConnectionMetadata)
	}
	if c.outgoing[sourceID][targetID] == nil {
		c.outgoing[sourceID][targetID] = &ConnectionMetadata{
			EstablishedAt: now,
			Attributes:    attributes,
		}
	}
	if c.incoming[targetID] == nil {
		c.incoming[targetID] = make(map[string]bool)
	}
	c.incoming[targetID][sourceID] = true
}

func (c *connectionRegistry) disconnect(sourceID, targetID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	targets, ok := c.outgoing[sourceID]
	if !ok {
		return false
	}
	if _, ok := targets[targetID]; !ok {
		return false
	}
	delete(targets, targetID)
	if len(targets) == 0 {
		delete(c.outgoing, sourceID)
	}
	if sources, ok := c.incoming[targetID]; ok {
		delete(sources, sourceID)
		if len(sources) == 0 {
			delete(c.incoming, targetID)
		}
	}
	return true
}

func (c *connectionRegistry) get(cellID string) Connections {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := Connections{
		Outgoing: make(map[string]ConnectionMetadata),
		Incoming: make(map[string]ConnectionMetadata),
	}
	for target, meta := range c.outgoing[cellID] {
		out.Outgoing[target] = *meta
	}
	for source := range c.incoming[cellID] {
		if meta, ok := c.outgoing[source][cellID]; ok {
			out.Incoming[source] = *meta
		}
	}
	return out
}

func (c *connectionRegistry) relay(sourceID, targetID string, payload any, now time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	meta, ok := c.outgoing[sourceID][targetID]
	if !ok {
		return &fault.CellConnectionError{
			SourceID: sourceID,
			TargetID: targetID,
			Reason:   "no connection between cells",
		}
	}
	meta.RelayCount++

	inbox := c.inboxes[targetID]
	if len(inbox) >= maxInbox {
		return &fault.CellConnectionError{
			SourceID: sourceID,
			TargetID: targetID,
			Reason:   fmt.Sprintf("inbox full (%d messages)", maxInbox),
		}
	}
	c.inboxes[targetID] = append(inbox, RelayMessage{
		SourceID: sourceID,
		Payload:  payload,
		SentAt:   now,
	})
	return nil
}

func (c *connectionRegistry) takeInbox(cellID string) []RelayMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	msgs := c.inboxes[cellID]
	delete(c.inboxes, cellID)
	return msgs
}

// dropCell removes every edge and the inbox of a cell.
func (c *connectionRegistry) dropCell(cellID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for target := range c.outgoing[cellID] {
		if sources, ok := c.incoming[target]; ok {
			delete(sources, cellID)
			if len(sources) == 0 {
				delete(c.incoming, target)
			}
		}
	}
	delete(c.outgoing, cellID)

	for source := range c.incoming[cellID] {
		if targets, ok := c.outgoing[source]; ok {
			delete(targets, cellID)
			if len(targets) == 0 {
				delete(c.outgoing, source)
			}
		}
	}
	delete(c.incoming, cellID)
	delete(c.inboxes, cellID)
}

// connectionCount reports the number of edges touching a cell.
func (c *connectionRegistry) connectionCount(cellID string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.outgoing[cellID]) + len(c.incoming[cellID])
}

// ConnectionCount reports the number of edges touching a cell.
func (r *Runtime) ConnectionCount(cellID string) int {
	return r.conns.connectionCount(cellID)
}
