package model

// OutputValue is one named output of a capability invocation.
type OutputValue struct {
	Name  string `json:"name"`
	Value any    `json:"value"`
	Type  string `json:"type"`
}

// ExecutionMetrics reports the cost of a single capability invocation.
type ExecutionMetrics struct {
	ExecutionTimeMS int64   `json:"execution_time_ms"`
	MemoryUsedMB    float64 `json:"memory_used_mb"`
}

// CapabilityResult is the cell contract's result envelope. Status is either
// "success" with outputs, or "error" with a single output named "error".
type CapabilityResult struct {
	Status  string           `json:"status"`
	Outputs []OutputValue    `json:"outputs"`
	Metrics ExecutionMetrics `json:"performance_metrics"`
}

// ErrorResult builds the contract's error envelope.
func ErrorResult(message string) *CapabilityResult {
	return &CapabilityResult{
		Status: "error",
		Outputs: []OutputValue{
			{Name: "error", Value: message, Type: "string"},
		},
	}
}

// SuccessResult builds a success envelope with the given outputs.
func SuccessResult(outputs ...OutputValue) *CapabilityResult {
	return &CapabilityResult{Status: "success", Outputs: outputs}
}
