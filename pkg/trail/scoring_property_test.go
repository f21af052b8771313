//go:build property
// +build property

package trail

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// Property: configuration scores stay inside [0, 100] for any metrics, and
// configuration IDs are invariant under capability reordering.
func TestScoringProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 300
	properties := gopter.NewProperties(parameters)

	properties.Property("ScoreMetrics is bounded", prop.ForAll(
		func(assemblyMS, memoryMB, cpu, usageMS float64) bool {
			score := ScoreMetrics(map[string]float64{
				MetricAssemblyTimeMS:   assemblyMS,
				MetricMemoryPeakMB:     memoryMB,
				MetricCPUUsageAvg:      cpu,
				MetricTotalUsageTimeMS: usageMS,
			})
			return score >= 0 && score <= 100
		},
		gen.Float64Range(0, 1e9),
		gen.Float64Range(0, 1e9),
		gen.Float64Range(0, 1e9),
		gen.Float64Range(0, 1e9),
	))

	properties.Property("ConfigurationID ignores capability order", prop.ForAll(
		func(caps []string) bool {
			if len(caps) < 2 {
				return true
			}
			reversed := make([]string, len(caps))
			for i, c := range caps {
				reversed[len(caps)-1-i] = c
			}
			return ConfigurationID(caps, nil) == ConfigurationID(reversed, nil)
		},
		gen.SliceOf(gen.Identifier()),
	))

	properties.TestingRun(t)
}
