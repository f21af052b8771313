// Package assembler is the orchestration core: it turns a natural-language
// request into an assembled solution of provider-hosted cells, wired,
// verified, activated, and recorded on the quantum trail. It owns the
// solution registry, the cell reuse cache, and provider selection.
package assembler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/quantaleap/cellforge/pkg/intent"
	"github.com/quantaleap/cellforge/pkg/model"
	"github.com/quantaleap/cellforge/pkg/observability"
	"github.com/quantaleap/cellforge/pkg/provider"
	cellruntime "github.com/quantaleap/cellforge/pkg/runtime"
	"github.com/quantaleap/cellforge/pkg/security"
	"github.com/quantaleap/cellforge/pkg/trail"
)

// Selection policies for choosing the first provider to try.
const (
	SelectFirstHealthy = "first_healthy"
	SelectRoundRobin   = "round_robin"
)

// HandlerFactory builds the capability dispatch handlers for an acquired
// cell. The default produces a local echo handler per capability; real
// deployments inject a factory that proxies to the provider-hosted cell.
type HandlerFactory func(cell *model.Cell, body *provider.CellBody) map[string]cellruntime.Handler

// Options configures an Assembler.
type Options struct {
	AssemblerID      string
	Providers        []string
	SelectionPolicy  string // first_healthy (default) or round_robin
	CoreCapabilities []string
	CacheMaxEntries  int
	SecurityLevel    security.Level

	Interpreter *intent.Interpreter
	Gate        *security.Gate
	Runtime     *cellruntime.Runtime
	Trail       *trail.Trail
	Client      *provider.Client

	HandlerFactory HandlerFactory
	Compatibility  CompatibilityPredicate
	DeviceProbe    func() *model.DeviceInfo
	Obs            *observability.Provider // spans plus RED instruments
	Tracer         trace.Tracer            // span-only fallback when Obs is nil
	Logger         *slog.Logger
}

// Assembler assembles, tracks, and releases solutions.
type Assembler struct {
	id        string
	startedAt time.Time
	opts      Options

	interpreter *intent.Interpreter
	gate        *security.Gate
	runtime     *cellruntime.Runtime
	trail       *trail.Trail
	client      *provider.Client
	cache       *cellCache
	obs         *observability.Provider
	tracer      trace.Tracer
	logger      *slog.Logger
	clock       func() time.Time

	mu           sync.RWMutex
	solutions    map[string]*model.Solution
	cellSolution map[string]string // cell ID → owning solution ID

	rrCursor atomic.Uint64

	totalAssemblies   atomic.Int64
	failedAssemblies  atomic.Int64
	totalCellRequests atomic.Int64
	cacheHits         atomic.Int64
	failovers         atomic.Int64
	priorConfigReuses atomic.Int64
}

// New creates an assembler. Gate, Runtime, Trail, and Client are required;
// the interpreter defaults to a fresh one.
func New(opts Options) (*Assembler, error) {
	if opts.Gate == nil || opts.Runtime == nil || opts.Trail == nil || opts.Client == nil {
		return nil, fmt.Errorf("assembler requires gate, runtime, trail, and provider client")
	}
	if opts.AssemblerID == "" {
		opts.AssemblerID = "assembler-" + uuid.NewString()[:8]
	}
	if opts.SelectionPolicy == "" {
		opts.SelectionPolicy = SelectFirstHealthy
	}
	if opts.SelectionPolicy != SelectFirstHealthy && opts.SelectionPolicy != SelectRoundRobin {
		return nil, fmt.Errorf("unknown selection policy %q", opts.SelectionPolicy)
	}
	if opts.Interpreter == nil {
		opts.Interpreter = intent.NewInterpreter()
	}
	if opts.HandlerFactory == nil {
		opts.HandlerFactory = echoHandlerFactory
	}
	if opts.DeviceProbe == nil {
		opts.DeviceProbe = probeLocalDevice
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := opts.Tracer
	if tracer == nil && opts.Obs != nil {
		tracer = opts.Obs.Tracer()
	}
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("assembler")
	}

	a := &Assembler{
		id:           opts.AssemblerID,
		startedAt:    time.Now(),
		opts:         opts,
		interpreter:  opts.Interpreter,
		gate:         opts.Gate,
		runtime:      opts.Runtime,
		trail:        opts.Trail,
		client:       opts.Client,
		obs:          opts.Obs,
		tracer:       tracer,
		logger:       logger.With("component", "assembler"),
		clock:        time.Now,
		solutions:    make(map[string]*model.Solution),
		cellSolution: make(map[string]string),
	}
	a.cache = newCellCache(opts.CoreCapabilities, opts.CacheMaxEntries, opts.Compatibility, a.releaseEvicted)
	return a, nil
}

// track opens a span for the operation plus, when an observability
// provider is wired, its RED instruments. The returned completion function
// must be called exactly once.
func (a *Assembler) track(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span, func(error)) {
	if a.obs != nil {
		ctx, done := a.obs.TrackOperation(ctx, name, attrs...)
		return ctx, trace.SpanFromContext(ctx), done
	}
	ctx, span := a.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
	return ctx, span, func(err error) {
		if err != nil {
			span.RecordError(err)
		}
		span.End()
	}
}

// WithClock overrides the clock for testing.
func (a *Assembler) WithClock(clock func() time.Time) *Assembler {
	a.clock = clock
	return a
}

// ID returns the assembler's node identifier.
func (a *Assembler) ID() string { return a.id }

// Solution returns a snapshot of an active solution, or nil.
func (a *Assembler) Solution(solutionID string) *model.Solution {
	a.mu.RLock()
	defer a.mu.RUnlock()
	sol, ok := a.solutions[solutionID]
	if !ok {
		return nil
	}
	return sol.Clone()
}

// ExecuteCapability dispatches a capability on a cell after confirming the
// cell belongs to the named solution and the solution is still active.
func (a *Assembler) ExecuteCapability(ctx context.Context, solutionID, cellID, capability string, params map[string]any) (*model.CapabilityResult, error) {
	ctx, span := a.tracer.Start(ctx, "assembler.execute_capability",
		trace.WithAttributes(
			attribute.String("solution_id", solutionID),
			attribute.String("capability", capability),
		))
	defer span.End()

	a.mu.RLock()
	owner, known := a.cellSolution[cellID]
	_, active := a.solutions[solutionID]
	a.mu.RUnlock()

	if !active {
		return nil, fmt.Errorf("solution %s not found", solutionID)
	}
	if !known || owner != solutionID {
		return nil, fmt.Errorf("cell %s does not belong to solution %s", cellID, solutionID)
	}
	return a.runtime.Execute(ctx, cellID, capability, params)
}

// Status is a point-in-time operational summary.
type Status struct {
	AssemblerID       string  `json:"assembler_id"`
	UptimeSeconds     float64 `json:"uptime_seconds"`
	SecurityLevel     string  `json:"security_level"`
	ActiveSolutions   int     `json:"active_solutions"`
	CachedCells       int     `json:"cached_cells"`
	TotalAssemblies   int64   `json:"total_assemblies"`
	FailedAssemblies  int64   `json:"failed_assemblies"`
	TotalCellRequests int64   `json:"total_cell_requests"`
	CacheHits         int64   `json:"cache_hits"`
	Failovers         int64   `json:"failovers"`
	PriorConfigReuses int64   `json:"prior_config_reuses"`
	LedgerHeight      int     `json:"ledger_height"`
	LedgerPending     int     `json:"ledger_pending"`
}

// GetStatus reports the assembler's operational counters.
func (a *Assembler) GetStatus() Status {
	a.mu.RLock()
	active := len(a.solutions)
	a.mu.RUnlock()

	return Status{
		AssemblerID:       a.id,
		UptimeSeconds:     time.Since(a.startedAt).Seconds(),
		SecurityLevel:     string(a.gate.Level()),
		ActiveSolutions:   active,
		CachedCells:       a.cache.size(),
		TotalAssemblies:   a.totalAssemblies.Load(),
		FailedAssemblies:  a.failedAssemblies.Load(),
		TotalCellRequests: a.totalCellRequests.Load(),
		CacheHits:         a.cacheHits.Load(),
		Failovers:         a.failovers.Load(),
		PriorConfigReuses: a.priorConfigReuses.Load(),
		LedgerHeight:      a.trail.Height(),
		LedgerPending:     a.trail.PendingCount(),
	}
}

// orderedProviders returns the configured providers rotated per the
// selection policy, healthy ones first.
func (a *Assembler) orderedProviders() []string {
	urls := a.opts.Providers
	if len(urls) == 0 {
		return nil
	}

	start := 0
	if a.opts.SelectionPolicy == SelectRoundRobin {
		start = int(a.rrCursor.Add(1)-1) % len(urls)
	}

	rotated := make([]string, 0, len(urls))
	for i := 0; i < len(urls); i++ {
		rotated = append(rotated, urls[(start+i)%len(urls)])
	}

	healthy := make([]string, 0, len(rotated))
	cooling := make([]string, 0)
	for _, u := range rotated {
		if a.client.Healthy(u) {
			healthy = append(healthy, u)
		} else {
			cooling = append(cooling, u)
		}
	}
	return append(healthy, cooling...)
}

// releaseEvicted is the cache's eviction callback: drop the cell from the
// runtime and notify its provider, best effort.
func (a *Assembler) releaseEvicted(cell *model.Cell) {
	a.releaseCell(context.Background(), cell, cell.QuantumSignature)
}

// releaseCell fully disposes of one cell: runtime release, provider
// notification, record removal. Provider errors are logged, not surfaced.
func (a *Assembler) releaseCell(ctx context.Context, cell *model.Cell, quantumSignature string) {
	if err := a.runtime.Release(cell.ID); err != nil {
		a.logger.Warn("runtime release failed", "cell_id", cell.ID, "error", err)
	}
	if cell.ProviderURL != "" {
		usage := cell.Usage
		if _, err := a.client.ReleaseCell(ctx, cell.ProviderURL, providerCellID(cell), quantumSignature, &usage); err != nil {
			a.logger.Warn("provider release failed",
				"cell_id", cell.ID, "provider", cell.ProviderURL, "error", err)
		}
	}
	a.runtime.Remove(cell.ID)
}

// providerCellID returns the provider-side identifier for a cell, falling
// back to the local ID when the provider's was not retained.
func providerCellID(cell *model.Cell) string {
	if cell.Parameters != nil {
		if id, ok := cell.Parameters["provider_cell_id"].(string); ok && id != "" {
			return id
		}
	}
	return cell.ID
}

// echoHandlerFactory is the default dispatch wiring: one handler per cell
// capability that acknowledges the invocation locally. The cell contract
// leaves the execute RPC to the provider package; deployments that host
// remote execution inject their own factory.
func echoHandlerFactory(cell *model.Cell, _ *provider.CellBody) map[string]cellruntime.Handler {
	capability := cell.Capability
	return map[string]cellruntime.Handler{
		capability: func(_ context.Context, params map[string]any) (*model.CapabilityResult, error) {
			return model.SuccessResult(
				model.OutputValue{Name: "capability", Value: capability, Type: "string"},
				model.OutputValue{Name: "echo", Value: params, Type: "object"},
			), nil
		},
	}
}

// probeLocalDevice is the default device probe for requests that carry no
// device info of their own.
func probeLocalDevice() *model.DeviceInfo {
	return &model.DeviceInfo{Platform: "desktop", MemoryGB: 8}
}
