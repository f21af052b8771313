package runtime

import (
	"context"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/quantaleap/cellforge/pkg/intent"
	"github.com/quantaleap/cellforge/pkg/model"
)

// Invocation parameter schemas, one per built-in capability. All are
// closed: unknown options are rejected at the boundary instead of being
// passed through as an untyped bag.
var capabilitySchemas = map[string]string{
	intent.CapTextGeneration: `{
		"type": "object",
		"properties": {
			"prompt":     {"type": "string"},
			"mode":       {"type": "string", "enum": ["creative", "informative", "edit", "summarize"]},
			"format":     {"type": "string"},
			"max_length": {"type": "integer", "minimum": 1},
			"concurrent_safe": {"type": "boolean"}
		},
		"additionalProperties": false
	}`,
	intent.CapUIRendering: `{
		"type": "object",
		"properties": {
			"type":       {"type": "string"},
			"content":    {},
			"responsive": {"type": "boolean"},
			"compact":    {"type": "boolean"},
			"concurrent_safe": {"type": "boolean"}
		},
		"additionalProperties": false
	}`,
	intent.CapFileSystem: `{
		"type": "object",
		"properties": {
			"operation": {"type": "string", "enum": ["read", "save", "read_write", "delete", "list"]},
			"path":      {"type": "string"},
			"content":   {"type": "string"},
			"concurrent_safe": {"type": "boolean"}
		},
		"additionalProperties": false
	}`,
	intent.CapDataAnalysis: `{
		"type": "object",
		"properties": {
			"mode":  {"type": "string", "enum": ["exploratory", "calculation", "aggregate"]},
			"data":  {"type": "array"},
			"query": {"type": "string"},
			"concurrent_safe": {"type": "boolean"}
		},
		"additionalProperties": false
	}`,
	intent.CapMediaProcessing: `{
		"type": "object",
		"properties": {
			"type":    {"type": "string", "enum": ["image", "video", "audio"]},
			"source":  {"type": "string"},
			"quality": {"type": "string", "enum": ["low", "medium", "high"]},
			"use_gpu": {"type": "boolean"},
			"concurrent_safe": {"type": "boolean"}
		},
		"additionalProperties": false
	}`,
	intent.CapWebSearch: `{
		"type": "object",
		"properties": {
			"query": {"type": "string"},
			"scope": {"type": "string"},
			"limit": {"type": "integer", "minimum": 1, "maximum": 100},
			"concurrent_safe": {"type": "boolean"}
		},
		"additionalProperties": false
	}`,
	intent.CapDatabase: `{
		"type": "object",
		"properties": {
			"mode":  {"type": "string", "enum": ["query", "insert", "update", "delete"]},
			"query": {"type": "string"},
			"table": {"type": "string"},
			"concurrent_safe": {"type": "boolean"}
		},
		"additionalProperties": false
	}`,
}

var compiledSchemas = compileSchemas()

func compileSchemas() map[string]*jsonschema.Schema {
	out := make(map[string]*jsonschema.Schema, len(capabilitySchemas))
	for capability, raw := range capabilitySchemas {
		schema, err := jsonschema.CompileString(capability+".schema.json", raw)
		if err != nil {
			panic(fmt.Sprintf("capability schema %s: %v", capability, err))
		}
		out[capability] = schema
	}
	return out
}

// ValidateParameters checks an invocation parameter bag against the
// capability's schema. Capabilities without a schema (provider-defined
// types) accept any bag.
func ValidateParameters(capability string, params map[string]any) error {
	schema, ok := compiledSchemas[capability]
	if !ok {
		return nil
	}
	if params == nil {
		params = map[string]any{}
	}
	if err := schema.Validate(normalizeForSchema(params)); err != nil {
		return fmt.Errorf("parameters for %s rejected: %w", capability, err)
	}
	return nil
}

// normalizeForSchema converts Go-typed values into the JSON value space
// the validator expects (ints become float64, nested maps recurse).
func normalizeForSchema(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = normalizeForSchema(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = normalizeForSchema(item)
		}
		return out
	case int:
		return float64(val)
	case int32:
		return float64(val)
	case int64:
		return float64(val)
	case float32:
		return float64(val)
	default:
		return val
	}
}

// Execute dispatches a capability invocation to an active cell's handler.
// Dispatch on one cell is serialized unless the cell's parameters flag it
// concurrent_safe. Usage metrics are updated from the handler's reported
// performance metrics.
func (r *Runtime) Execute(ctx context.Context, cellID, capability string, params map[string]any) (*model.CapabilityResult, error) {
	r.mu.RLock()
	st, ok := r.cells[cellID]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("cell %s not registered", cellID)
	}

	r.mu.RLock()
	status := st.cell.Status
	concurrentSafe := st.cell.ConcurrentSafe()
	handler, hasHandler := st.handlers[capability]
	r.mu.RUnlock()

	if status != model.CellActive {
		return nil, fmt.Errorf("cell %s is %s, not active", cellID, status)
	}
	if !hasHandler {
		return nil, fmt.Errorf("cell %s has no handler for capability %s", cellID, capability)
	}
	if err := ValidateParameters(capability, params); err != nil {
		return nil, err
	}

	if !concurrentSafe {
		st.dispatchMu.Lock()
		defer st.dispatchMu.Unlock()
	}

	result, err := handler(ctx, params)
	if err != nil {
		return nil, err
	}
	if result != nil {
		r.recordUsage(cellID, result.Metrics)
	}
	return result, nil
}

// recordUsage folds one invocation's metrics into the cell's peaks.
func (r *Runtime) recordUsage(cellID string, metrics model.ExecutionMetrics) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.cells[cellID]
	if !ok {
		return
	}
	if metrics.MemoryUsedMB > st.cell.Usage.PeakMemoryMB {
		st.cell.Usage.PeakMemoryMB = metrics.MemoryUsedMB
	}
	// The result envelope carries no CPU figure; the cell's reserved CPU
	// share stands in as the observed peak while it executes.
	if st.cell.Allocation != nil {
		if cpu := float64(st.cell.Allocation.CPUPercent); cpu > st.cell.Usage.PeakCPUPercent {
			st.cell.Usage.PeakCPUPercent = cpu
		}
	}
	st.cell.Usage.LastUpdated = r.clock()
}
