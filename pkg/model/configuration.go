package model

import (
	"time"

	"github.com/Masterminds/semver/v3"
)

// CellSpec is one entry of a reusable configuration: enough to re-request
// an equivalent cell from a provider.
type CellSpec struct {
	CellType    string         `json:"cell_type"`
	Capability  string         `json:"capability"`
	Version     string         `json:"version"`
	ProviderURL string         `json:"provider_url"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// VersionValid reports whether the spec's version parses as semver.
// Empty versions are accepted; the provider picks its latest.
func (s *CellSpec) VersionValid() bool {
	if s.Version == "" {
		return true
	}
	_, err := semver.NewVersion(s.Version)
	return err == nil
}

// CellConfiguration is a reusable recipe reconstructed from past successful
// assemblies: an ordered cell spec list plus a connection map over the cell
// types in it.
type CellConfiguration struct {
	ID               string              `json:"config_id"`
	Specs            []CellSpec          `json:"cell_specs"`
	ConnectionMap    map[string][]string `json:"connection_map,omitempty"`
	PerformanceScore float64             `json:"performance_score"`
	UseCount         int                 `json:"use_count"`
	LastUsedAt       time.Time           `json:"last_used_at"`
}

// Capabilities returns the capability of each spec, in order.
func (c *CellConfiguration) Capabilities() []string {
	caps := make([]string, 0, len(c.Specs))
	for _, spec := range c.Specs {
		caps = append(caps, spec.Capability)
	}
	return caps
}

// ConnectionMapValid reports whether every endpoint of the connection map
// names a cell type present in the spec list (no dangling nodes).
func (c *CellConfiguration) ConnectionMapValid() bool {
	types := make(map[string]bool, len(c.Specs))
	for _, spec := range c.Specs {
		types[spec.CellType] = true
	}
	for src, targets := range c.ConnectionMap {
		if !types[src] {
			return false
		}
		for _, t := range targets {
			if !types[t] {
				return false
			}
		}
	}
	return true
}
