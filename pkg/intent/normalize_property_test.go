//go:build property
// +build property

package intent

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// Property: normalization is idempotent and interpretation never yields an
// empty capability list — the fallback guarantees at least text generation.
func TestInterpretationProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("Normalize is idempotent", prop.ForAll(
		func(request string) bool {
			once := Normalize(request)
			return Normalize(once) == once
		},
		gen.AnyString(),
	))

	interp := NewInterpreter()
	properties.Property("Analyze never returns an empty capability list", prop.ForAll(
		func(request string) bool {
			analysis := interp.Analyze(request, nil)
			return len(analysis.Capabilities) >= 1
		},
		gen.AnyString(),
	))

	properties.Property("capability priorities are sorted ascending", prop.ForAll(
		func(request string) bool {
			analysis := interp.Analyze(request, nil)
			for i := 1; i < len(analysis.Capabilities); i++ {
				if analysis.Capabilities[i-1].Priority > analysis.Capabilities[i].Priority {
					return false
				}
			}
			return true
		},
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}
