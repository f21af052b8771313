// Package intent turns a natural-language request into a prioritized
// capability list with wiring hints. Interpretation is a pure function of
// its inputs: a fixed pattern table, a fixed abbreviation table, and
// context-driven refinement. An unintelligible request never fails; it
// falls back to informative text generation.
package intent

import (
	"regexp"
	"sort"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/quantaleap/cellforge/pkg/model"
)

// Capability names the interpreter can emit.
const (
	CapTextGeneration  = "text_generation"
	CapUIRendering     = "ui_rendering"
	CapFileSystem      = "file_system"
	CapDataAnalysis    = "data_analysis"
	CapMediaProcessing = "media_processing"
	CapWebSearch       = "web_search"
	CapDatabase        = "database"
)

// capabilityPattern maps one request pattern to the capabilities it implies.
type capabilityPattern struct {
	re       *regexp.Regexp
	produces []model.CapabilityRequirement
}

// abbreviations is the fixed expansion table applied during normalization.
var abbreviations = map[string]string{
	"doc":   "document",
	"pic":   "picture",
	"calc":  "calculator",
	"app":   "application",
	"info":  "information",
	"stats": "statistics",
	"ui":    "user interface",
	"db":    "database",
}

// connectionRules is the fixed hint table: which capabilities feed which.
var connectionRules = map[string][]string{
	CapUIRendering:    {CapTextGeneration, CapDataAnalysis, CapMediaProcessing, CapFileSystem},
	CapTextGeneration: {CapDataAnalysis, CapFileSystem, CapWebSearch},
	CapDataAnalysis:   {CapFileSystem, CapDatabase, CapWebSearch},
}

// ConnectionRules exposes the hint table; the security gate shares it as
// its connection allowlist.
func ConnectionRules() map[string][]string {
	out := make(map[string][]string, len(connectionRules))
	for k, v := range connectionRules {
		out[k] = append([]string(nil), v...)
	}
	return out
}

var visualWords = []string{"show", "display", "visual", "graph", "chart", "picture", "image"}

// Interpreter maps requests to capability lists. Safe for concurrent use;
// it holds only immutable tables.
type Interpreter struct {
	patterns []capabilityPattern
}

// NewInterpreter compiles the fixed pattern set.
func NewInterpreter() *Interpreter {
	mk := func(expr string, caps ...model.CapabilityRequirement) capabilityPattern {
		return capabilityPattern{re: regexp.MustCompile("(?i)" + expr), produces: caps}
	}
	req := func(name string, priority int, confidence float64, params map[string]any) model.CapabilityRequirement {
		return model.CapabilityRequirement{Name: name, Priority: priority, Confidence: confidence, Parameters: params}
	}

	return &Interpreter{patterns: []capabilityPattern{
		mk(`\b(create|write|make|compose|draft|new)\b.*\b(document|text|note|letter|report)s?\b`,
			req(CapTextGeneration, 1, 0.9, map[string]any{"mode": "creative", "format": "document"}),
			req(CapFileSystem, 2, 0.8, map[string]any{"operation": "save"}),
		),
		mk(`\b(view|show|display|open|see)\b.*\b(photo|picture|image)s?\b`,
			req(CapMediaProcessing, 1, 0.9, map[string]any{"type": "image"}),
			req(CapUIRendering, 2, 0.85, map[string]any{"type": "image_viewer"}),
		),
		mk(`\b(play|watch|view)\b.*\b(video|movie|film|clip)s?\b`,
			req(CapMediaProcessing, 1, 0.9, map[string]any{"type": "video"}),
			req(CapUIRendering, 2, 0.85, map[string]any{"type": "video_player"}),
		),
		mk(`\b(play|listen to|hear)\b.*\b(music|song|audio|podcast)s?\b`,
			req(CapMediaProcessing, 1, 0.9, map[string]any{"type": "audio"}),
			req(CapUIRendering, 2, 0.8, map[string]any{"type": "audio_player"}),
		),
		mk(`\b(analyze|analyse|analysis|statistics)\b|\b(graph|chart|plot)\b.*\b(data|number|result)s?\b`,
			req(CapDataAnalysis, 1, 0.85, map[string]any{"mode": "exploratory"}),
			req(CapUIRendering, 2, 0.7, map[string]any{"type": "chart"}),
		),
		mk(`\b(calculate|calculator|compute|sum|multiply)\b`,
			req(CapDataAnalysis, 1, 0.85, map[string]any{"mode": "calculation"}),
			req(CapUIRendering, 2, 0.7, map[string]any{"type": "calculator"}),
		),
		mk(`\b(search|find|look up|lookup)\b.*\b(web|internet|online|information)\b`,
			req(CapWebSearch, 1, 0.85, map[string]any{"scope": "web"}),
			req(CapTextGeneration, 2, 0.6, map[string]any{"mode": "summarize"}),
		),
		mk(`\b(edit|modify|change|update)\b.*\b(document|file|text|note)s?\b`,
			req(CapTextGeneration, 1, 0.85, map[string]any{"mode": "edit"}),
			req(CapFileSystem, 2, 0.8, map[string]any{"operation": "read_write"}),
		),
		mk(`\b(save|store|backup|archive)\b.*\b(file|document|data)s?\b`,
			req(CapFileSystem, 1, 0.85, map[string]any{"operation": "save"}),
		),
		mk(`\b(query|database|record|table)s?\b`,
			req(CapDatabase, 1, 0.8, map[string]any{"mode": "query"}),
			req(CapDataAnalysis, 2, 0.6, map[string]any{"mode": "exploratory"}),
		),
	}}
}

// Analyze maps a request plus optional context to an intent analysis.
// Pure: no I/O, no failure mode.
func (i *Interpreter) Analyze(request string, ctx *model.AssemblyContext) *model.IntentAnalysis {
	normalized := Normalize(request)

	capabilities := i.match(normalized)
	if len(capabilities) == 0 {
		capabilities = fallback(normalized)
	}

	if ctx != nil {
		applyDeviceAdjustments(capabilities, ctx.DeviceInfo)
	}

	sort.SliceStable(capabilities, func(a, b int) bool {
		return capabilities[a].Priority < capabilities[b].Priority
	})

	analysis := &model.IntentAnalysis{
		OriginalRequest:           request,
		NormalizedRequest:         normalized,
		Capabilities:              capabilities,
		SuggestedConnections:      deriveConnections(capabilities),
		ConfidenceScore:           meanConfidence(capabilities),
		UsePreviousConfigurations: ctx == nil || !ctx.DisablePriorConfigurations,
	}
	return analysis
}

// match runs every pattern and de-duplicates capabilities by name, keeping
// the first match.
func (i *Interpreter) match(normalized string) []model.CapabilityRequirement {
	var out []model.CapabilityRequirement
	seen := make(map[string]bool)
	for _, p := range i.patterns {
		if !p.re.MatchString(normalized) {
			continue
		}
		for _, c := range p.produces {
			if seen[c.Name] {
				continue
			}
			seen[c.Name] = true
			out = append(out, cloneRequirement(c))
		}
	}
	return out
}

func fallback(normalized string) []model.CapabilityRequirement {
	caps := []model.CapabilityRequirement{{
		Name:       CapTextGeneration,
		Priority:   1,
		Confidence: 0.5,
		Parameters: map[string]any{"mode": "informative"},
	}}
	for _, w := range visualWords {
		if containsWord(normalized, w) {
			caps = append(caps, model.CapabilityRequirement{
				Name:       CapUIRendering,
				Priority:   2,
				Confidence: 0.4,
				Parameters: map[string]any{"type": "simple"},
			})
			break
		}
	}
	return caps
}

// applyDeviceAdjustments refines capability parameters from device info.
func applyDeviceAdjustments(caps []model.CapabilityRequirement, device *model.DeviceInfo) {
	if device == nil {
		return
	}
	for idx := range caps {
		c := &caps[idx]
		if c.Parameters == nil {
			c.Parameters = make(map[string]any)
		}
		switch c.Name {
		case CapUIRendering:
			switch device.Platform {
			case "mobile":
				c.Parameters["responsive"] = true
				c.Parameters["compact"] = true
			case "web":
				c.Parameters["responsive"] = true
			}
		case CapMediaProcessing:
			// Unreported memory falls back to the desktop probe default so
			// every device gets a quality tier.
			mem := device.MemoryGB
			if mem <= 0 {
				mem = 8
			}
			switch {
			case mem < 2:
				c.Parameters["quality"] = "low"
			case mem < 8:
				c.Parameters["quality"] = "medium"
			default:
				c.Parameters["quality"] = "high"
			}
			if device.GPUAvailable {
				c.Parameters["use_gpu"] = true
			}
		}
	}
}

// deriveConnections emits hint edges whose endpoints are both present.
func deriveConnections(caps []model.CapabilityRequirement) []model.ConnectionHint {
	present := make(map[string]bool, len(caps))
	for _, c := range caps {
		present[c.Name] = true
	}
	var hints []model.ConnectionHint
	for _, c := range caps {
		for _, target := range connectionRules[c.Name] {
			if present[target] {
				hints = append(hints, model.ConnectionHint{Source: c.Name, Target: target})
			}
		}
	}
	return hints
}

func meanConfidence(caps []model.CapabilityRequirement) float64 {
	if len(caps) == 0 {
		return 0
	}
	var sum float64
	for _, c := range caps {
		sum += c.Confidence
	}
	return sum / float64(len(caps))
}

// Normalize lowercases, NFKC-folds, collapses whitespace, and expands the
// fixed abbreviation table word by word. Idempotent: normalizing already
// normalized text is a no-op for single-word abbreviation targets.
func Normalize(request string) string {
	s := norm.NFKC.String(request)
	s = strings.ToLower(s)
	words := strings.Fields(s)
	out := words[:0]
	for _, w := range words {
		trimmed := strings.Trim(w, ".,!?;:'\"()")
		if trimmed == "" {
			continue
		}
		if expansion, ok := abbreviations[trimmed]; ok {
			trimmed = expansion
		}
		out = append(out, trimmed)
	}
	return strings.Join(out, " ")
}

func containsWord(text, word string) bool {
	for _, w := range strings.Fields(text) {
		if w == word {
			return true
		}
	}
	return false
}

func cloneRequirement(c model.CapabilityRequirement) model.CapabilityRequirement {
	cp := c
	if c.Parameters != nil {
		cp.Parameters = make(map[string]any, len(c.Parameters))
		for k, v := range c.Parameters {
			cp.Parameters[k] = v
		}
	}
	return cp
}
