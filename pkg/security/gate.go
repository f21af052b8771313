package security

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/google/cel-go/cel"

	"github.com/quantaleap/cellforge/pkg/fault"
	"github.com/quantaleap/cellforge/pkg/intent"
	"github.com/quantaleap/cellforge/pkg/model"
)

// Level is the gate's enforcement level.
type Level string

const (
	LevelStandard Level = "standard"
	LevelHigh     Level = "high"
	LevelMaximum  Level = "maximum"
)

// Valid reports whether the level is recognized.
func (l Level) Valid() bool {
	switch l {
	case LevelStandard, LevelHigh, LevelMaximum:
		return true
	}
	return false
}

// AccessLevel grades a permission.
type AccessLevel string

const (
	AccessNone      AccessLevel = "none"
	AccessRead      AccessLevel = "read"
	AccessReadWrite AccessLevel = "read_write"
	AccessLimited   AccessLevel = "limited"
)

// Permissions is the per-cell permission set derived from its capability.
type Permissions struct {
	FileSystem      AccessLevel `json:"file_system"`
	Network         AccessLevel `json:"network"`
	UserInteraction AccessLevel `json:"user_interaction"`
	Process         AccessLevel `json:"process"`
	Memory          AccessLevel `json:"memory"`
}

// lockedTemplate is the fully locked starting point for every cell.
func lockedTemplate() Permissions {
	return Permissions{
		FileSystem:      AccessNone,
		Network:         AccessNone,
		UserInteraction: AccessNone,
		Process:         AccessNone,
		Memory:          AccessLimited,
	}
}

// capabilityTemplates is the fixed capability→permission table.
var capabilityTemplates = map[string]Permissions{
	intent.CapTextGeneration:  {FileSystem: AccessRead, Network: AccessNone, UserInteraction: AccessRead},
	intent.CapUIRendering:     {FileSystem: AccessNone, Network: AccessNone, UserInteraction: AccessReadWrite},
	intent.CapFileSystem:      {FileSystem: AccessReadWrite, Network: AccessNone, UserInteraction: AccessRead},
	intent.CapDataAnalysis:    {FileSystem: AccessRead, Network: AccessNone, UserInteraction: AccessRead},
	intent.CapMediaProcessing: {FileSystem: AccessRead, Network: AccessNone, UserInteraction: AccessRead},
	intent.CapWebSearch:       {FileSystem: AccessNone, Network: AccessRead, UserInteraction: AccessRead},
}

// Options configures a Gate.
type Options struct {
	Level Level
	// ConnectionPolicyExpr is an optional CEL expression evaluated for
	// every connection in addition to the fixed rule table. Variables:
	// source_capability, target_capability, source_provider,
	// target_provider, level. Must evaluate to bool.
	ConnectionPolicyExpr string
	Logger               *slog.Logger
}

// Gate enforces signatures, permissions, and connection policy.
type Gate struct {
	level   Level
	allowed map[string][]string
	policy  cel.Program
	logger  *slog.Logger
}

// NewGate builds a gate at the given level. The connection allowlist is the
// interpreter's fixed hint table.
func NewGate(opts Options) (*Gate, error) {
	level := opts.Level
	if level == "" {
		level = LevelStandard
	}
	if !level.Valid() {
		return nil, fmt.Errorf("unknown security level %q", level)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	g := &Gate{
		level:   level,
		allowed: intent.ConnectionRules(),
		logger:  logger.With("component", "security_gate"),
	}

	if opts.ConnectionPolicyExpr != "" {
		prog, err := compilePolicy(opts.ConnectionPolicyExpr)
		if err != nil {
			return nil, fmt.Errorf("connection policy: %w", err)
		}
		g.policy = prog
	}

	return g, nil
}

// Level returns the gate's enforcement level.
func (g *Gate) Level() Level { return g.level }

// GenerateSolutionSignature mints a fresh signature for an assembly.
func (g *Gate) GenerateSolutionSignature(userID, intentDigest string, at time.Time) (string, error) {
	sig, err := GenerateSignature(userID, intentDigest, at)
	if err != nil {
		return "", &fault.SecurityVerificationError{Stage: "generate", Reason: err.Error()}
	}
	return sig, nil
}

// VerifyCell checks a cell's signature: well-formed, and sharing the first
// SharedPrefixLength characters with the owning solution's signature.
func (g *Gate) VerifyCell(cell *model.Cell, solutionSig string) error {
	if err := VerifySignature(cell.QuantumSignature); err != nil {
		if sv, ok := err.(*fault.SecurityVerificationError); ok {
			sv.CellID = cell.ID
		}
		return err
	}
	if err := VerifySignature(solutionSig); err != nil {
		return err
	}
	if cell.QuantumSignature[:SharedPrefixLength] != solutionSig[:SharedPrefixLength] {
		return &fault.SecurityVerificationError{
			CellID: cell.ID,
			Stage:  "verify_cell",
			Reason: "cell signature prefix does not match solution signature",
		}
	}
	return nil
}

// DerivePermissions applies the capability template over the locked
// template, then the level restrictions.
func (g *Gate) DerivePermissions(capability string) Permissions {
	perms := lockedTemplate()
	if tmpl, ok := capabilityTemplates[capability]; ok {
		if tmpl.FileSystem != "" {
			perms.FileSystem = tmpl.FileSystem
		}
		if tmpl.Network != "" {
			perms.Network = tmpl.Network
		}
		if tmpl.UserInteraction != "" {
			perms.UserInteraction = tmpl.UserInteraction
		}
	}

	switch g.level {
	case LevelHigh:
		if perms.Network == AccessReadWrite {
			perms.Network = AccessRead
		}
	case LevelMaximum:
		perms.Network = AccessNone
		if perms.FileSystem == AccessReadWrite {
			perms.FileSystem = AccessRead
		}
	}
	return perms
}

// AuthorizeConnection decides whether a directed edge between two cells is
// permitted. At the standard level all connections pass the fixed table; a
// configured CEL policy is always evaluated.
func (g *Gate) AuthorizeConnection(source, target *model.Cell) error {
	if g.level != LevelStandard {
		if !g.tableAllows(source.Capability, target.Capability) {
			return &fault.SecurityVerificationError{
				CellID: source.ID,
				Stage:  "connection_policy",
				Reason: fmt.Sprintf("capability %q may not connect to %q at level %s",
					source.Capability, target.Capability, g.level),
			}
		}
		if g.level == LevelMaximum && source.ProviderURL != target.ProviderURL {
			return &fault.SecurityVerificationError{
				CellID: source.ID,
				Stage:  "connection_policy",
				Reason: "maximum level requires both cells from the same provider",
			}
		}
	}

	if g.policy != nil {
		ok, err := g.evalPolicy(source, target)
		if err != nil {
			return &fault.SecurityVerificationError{
				CellID: source.ID,
				Stage:  "connection_policy",
				Reason: "policy evaluation failed: " + err.Error(),
			}
		}
		if !ok {
			return &fault.SecurityVerificationError{
				CellID: source.ID,
				Stage:  "connection_policy",
				Reason: "connection rejected by policy expression",
			}
		}
	}

	return nil
}

func (g *Gate) tableAllows(sourceCap, targetCap string) bool {
	for _, allowed := range g.allowed[sourceCap] {
		if allowed == targetCap {
			return true
		}
	}
	return false
}

func compilePolicy(expr string) (cel.Program, error) {
	env, err := cel.NewEnv(
		cel.Variable("source_capability", cel.StringType),
		cel.Variable("target_capability", cel.StringType),
		cel.Variable("source_provider", cel.StringType),
		cel.Variable("target_provider", cel.StringType),
		cel.Variable("level", cel.StringType),
	)
	if err != nil {
		return nil, err
	}
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, issues.Err()
	}
	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("expression must return bool, got %s", ast.OutputType())
	}
	return env.Program(ast)
}

func (g *Gate) evalPolicy(source, target *model.Cell) (bool, error) {
	out, _, err := g.policy.Eval(map[string]any{
		"source_capability": source.Capability,
		"target_capability": target.Capability,
		"source_provider":   source.ProviderURL,
		"target_provider":   target.ProviderURL,
		"level":             string(g.level),
	})
	if err != nil {
		return false, err
	}
	allowed, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("policy returned non-bool %T", out.Value())
	}
	return allowed, nil
}
