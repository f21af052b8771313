package model

import "time"

// DeviceInfo describes the client device an assembly targets.
type DeviceInfo struct {
	Platform     string  `json:"platform"` // mobile, web, desktop
	MemoryGB     float64 `json:"memory_gb"`
	GPUAvailable bool    `json:"gpu_available"`
}

// AssemblyContext carries the per-request environment the assembler stamps
// before interpretation.
type AssemblyContext struct {
	UserID      string         `json:"user_id,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
	AssemblerID string         `json:"assembler_id,omitempty"`
	DeviceInfo  *DeviceInfo    `json:"device_info,omitempty"`
	Extra       map[string]any `json:"extra,omitempty"`

	// DisablePriorConfigurations opts the request out of ledger
	// configuration reuse.
	DisablePriorConfigurations bool `json:"disable_prior_configurations,omitempty"`
}

// CapabilityRequirement is one capability the interpreter derived from a
// request, with its match metadata.
type CapabilityRequirement struct {
	Name       string         `json:"name"`
	Priority   int            `json:"priority"`
	Confidence float64        `json:"confidence"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// ConnectionHint is a suggested directed edge between two capabilities.
type ConnectionHint struct {
	Source string `json:"source"`
	Target string `json:"target"`
}

// IntentAnalysis is the interpreter's output: the prioritized capability
// list plus wiring hints.
type IntentAnalysis struct {
	OriginalRequest           string                  `json:"original_request"`
	NormalizedRequest         string                  `json:"normalized_request"`
	Capabilities              []CapabilityRequirement `json:"capabilities"`
	SuggestedConnections      []ConnectionHint        `json:"suggested_connections,omitempty"`
	ConfidenceScore           float64                 `json:"confidence_score"`
	UsePreviousConfigurations bool                    `json:"use_previous_configurations"`
}

// CapabilityNames returns the capability names in priority order.
func (a *IntentAnalysis) CapabilityNames() []string {
	names := make([]string, 0, len(a.Capabilities))
	for _, c := range a.Capabilities {
		names = append(names, c.Name)
	}
	return names
}

// HasCapability reports whether the analysis contains the named capability.
func (a *IntentAnalysis) HasCapability(name string) bool {
	for _, c := range a.Capabilities {
		if c.Name == name {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of the analysis.
func (a *IntentAnalysis) Clone() *IntentAnalysis {
	cp := *a
	cp.Capabilities = make([]CapabilityRequirement, len(a.Capabilities))
	for i, c := range a.Capabilities {
		cp.Capabilities[i] = c
		if c.Parameters != nil {
			params := make(map[string]any, len(c.Parameters))
			for k, v := range c.Parameters {
				params[k] = v
			}
			cp.Capabilities[i].Parameters = params
		}
	}
	cp.SuggestedConnections = append([]ConnectionHint(nil), a.SuggestedConnections...)
	return &cp
}
