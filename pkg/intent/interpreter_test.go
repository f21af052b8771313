package intent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantaleap/cellforge/pkg/model"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"lowercase and collapse", "  Create   a DOCUMENT  ", "create a document"},
		{"abbreviation expansion", "write a doc about my db", "write a document about my database"},
		{"punctuation trimmed before lookup", "open the doc.", "open the document"},
		{"ui expands to two words", "build a ui", "build a user interface"},
		{"punctuation-only word dropped", "hello ... world", "hello world"},
		{"empty", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Normalize(tt.in))
		})
	}
}

func TestNormalize_Idempotent(t *testing.T) {
	inputs := []string{
		"Create a DOC about stats",
		"show me a pic",
		"query the db for records",
		"plain words without abbreviations",
	}
	for _, in := range inputs {
		once := Normalize(in)
		assert.Equal(t, once, Normalize(once), "normalize(normalize(x)) != normalize(x) for %q", in)
	}
}

func TestAnalyze_DocumentCreation(t *testing.T) {
	i := NewInterpreter()
	a := i.Analyze("Create a document about whales", nil)

	require.True(t, a.HasCapability(CapTextGeneration))
	require.True(t, a.HasCapability(CapFileSystem))
	assert.Equal(t, CapTextGeneration, a.Capabilities[0].Name, "priority 1 first")
	assert.Equal(t, "creative", a.Capabilities[0].Parameters["mode"])
	assert.InDelta(t, 0.85, a.ConfidenceScore, 0.001)
	assert.True(t, a.UsePreviousConfigurations)
}

func TestAnalyze_PhotoViewing(t *testing.T) {
	i := NewInterpreter()
	a := i.Analyze("show my vacation photos", nil)

	require.True(t, a.HasCapability(CapMediaProcessing))
	require.True(t, a.HasCapability(CapUIRendering))
	assert.Equal(t, "image", a.Capabilities[0].Parameters["type"])
}

func TestAnalyze_DeduplicatesAcrossPatterns(t *testing.T) {
	i := NewInterpreter()
	// Matches both the analysis pattern and the calculate pattern, each of
	// which produces data_analysis and ui_rendering.
	a := i.Analyze("analyze and calculate my numbers", nil)

	counts := map[string]int{}
	for _, c := range a.Capabilities {
		counts[c.Name]++
	}
	for name, n := range counts {
		assert.Equal(t, 1, n, "capability %s appears %d times", name, n)
	}
	// First match wins: exploratory mode, not calculation.
	for _, c := range a.Capabilities {
		if c.Name == CapDataAnalysis {
			assert.Equal(t, "exploratory", c.Parameters["mode"])
		}
	}
}

func TestAnalyze_FallbackInformative(t *testing.T) {
	i := NewInterpreter()
	a := i.Analyze("zxqv blorp", nil)

	require.Len(t, a.Capabilities, 1)
	assert.Equal(t, CapTextGeneration, a.Capabilities[0].Name)
	assert.Equal(t, "informative", a.Capabilities[0].Parameters["mode"])
	assert.InDelta(t, 0.5, a.ConfidenceScore, 0.001)
}

func TestAnalyze_FallbackVisual(t *testing.T) {
	i := NewInterpreter()
	a := i.Analyze("blorp zxqv graph", nil)

	require.Len(t, a.Capabilities, 2)
	assert.Equal(t, CapTextGeneration, a.Capabilities[0].Name)
	assert.Equal(t, CapUIRendering, a.Capabilities[1].Name)
	assert.Equal(t, "simple", a.Capabilities[1].Parameters["type"])
}

func TestAnalyze_DeviceAdjustments(t *testing.T) {
	i := NewInterpreter()

	tests := []struct {
		name   string
		device model.DeviceInfo
		check  func(t *testing.T, a *model.IntentAnalysis)
	}{
		{
			name:   "mobile ui is responsive and compact",
			device: model.DeviceInfo{Platform: "mobile", MemoryGB: 4},
			check: func(t *testing.T, a *model.IntentAnalysis) {
				for _, c := range a.Capabilities {
					if c.Name == CapUIRendering {
						assert.Equal(t, true, c.Parameters["responsive"])
						assert.Equal(t, true, c.Parameters["compact"])
					}
				}
			},
		},
		{
			name:   "low memory caps media quality",
			device: model.DeviceInfo{Platform: "desktop", MemoryGB: 1},
			check: func(t *testing.T, a *model.IntentAnalysis) {
				for _, c := range a.Capabilities {
					if c.Name == CapMediaProcessing {
						assert.Equal(t, "low", c.Parameters["quality"])
					}
				}
			},
		},
		{
			name:   "unreported memory gets the desktop default quality",
			device: model.DeviceInfo{Platform: "desktop"},
			check: func(t *testing.T, a *model.IntentAnalysis) {
				for _, c := range a.Capabilities {
					if c.Name == CapMediaProcessing {
						assert.Equal(t, "high", c.Parameters["quality"])
					}
				}
			},
		},
		{
			name:   "gpu flag set",
			device: model.DeviceInfo{Platform: "desktop", MemoryGB: 16, GPUAvailable: true},
			check: func(t *testing.T, a *model.IntentAnalysis) {
				for _, c := range a.Capabilities {
					if c.Name == CapMediaProcessing {
						assert.Equal(t, "high", c.Parameters["quality"])
						assert.Equal(t, true, c.Parameters["use_gpu"])
					}
				}
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := &model.AssemblyContext{DeviceInfo: &tt.device}
			a := i.Analyze("show my photos", ctx)
			require.True(t, a.HasCapability(CapMediaProcessing))
			tt.check(t, a)
		})
	}
}

func TestAnalyze_ConnectionsOnlyBetweenPresent(t *testing.T) {
	i := NewInterpreter()
	a := i.Analyze("create a document about whales", nil)

	present := map[string]bool{}
	for _, c := range a.Capabilities {
		present[c.Name] = true
	}
	for _, h := range a.SuggestedConnections {
		assert.True(t, present[h.Source], "hint source %s not in capability set", h.Source)
		assert.True(t, present[h.Target], "hint target %s not in capability set", h.Target)
	}
	// text_generation → file_system is in the rule table and both are present.
	assert.Contains(t, a.SuggestedConnections, model.ConnectionHint{Source: CapTextGeneration, Target: CapFileSystem})
}

func TestAnalyze_DisablePriorConfigurations(t *testing.T) {
	i := NewInterpreter()
	a := i.Analyze("create a document", &model.AssemblyContext{DisablePriorConfigurations: true})
	assert.False(t, a.UsePreviousConfigurations)
}

func TestAnalyze_PrioritySorted(t *testing.T) {
	i := NewInterpreter()
	a := i.Analyze("analyze my data and save the file", nil)
	for idx := 1; idx < len(a.Capabilities); idx++ {
		assert.LessOrEqual(t, a.Capabilities[idx-1].Priority, a.Capabilities[idx].Priority)
	}
}

func TestConnectionRules_ReturnsCopy(t *testing.T) {
	rules := ConnectionRules()
	rules[CapUIRendering][0] = "tampered"
	fresh := ConnectionRules()
	assert.Equal(t, CapTextGeneration, fresh[CapUIRendering][0])
}
