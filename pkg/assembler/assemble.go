package assembler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/quantaleap/cellforge/pkg/fault"
	"github.com/quantaleap/cellforge/pkg/model"
	"github.com/quantaleap/cellforge/pkg/provider"
	"github.com/quantaleap/cellforge/pkg/security"
	"github.com/quantaleap/cellforge/pkg/trail"
)

// acquiredCell pairs a registered cell with how it was obtained, so the
// cleanup and caching paths know what to undo.
type acquiredCell struct {
	cell      *model.Cell
	fromCache bool
}

// AssembleSolution runs the full pipeline: interpret the request, mint a
// signature, acquire cells (prior configuration, cache, or providers),
// verify, wire, activate, and record the assembly on the trail.
//
// On any failure after acquisition began, every acquired cell is released
// in reverse acquisition order before the error is returned.
func (a *Assembler) AssembleSolution(ctx context.Context, request string, actx *model.AssemblyContext) (*model.Solution, error) {
	start := a.clock()

	ctx, span, done := a.track(ctx, "assembler.assemble_solution")

	sol, err := a.assemble(ctx, request, actx, start)
	if err != nil {
		a.failedAssemblies.Add(1)
		span.SetStatus(codes.Error, string(fault.CodeOf(err)))
		done(err)
		return nil, err
	}
	a.totalAssemblies.Add(1)
	span.SetAttributes(
		attribute.String("solution_id", sol.ID),
		attribute.Int("cells", len(sol.Cells)),
		attribute.Bool("prior_configuration", sol.UsedPriorConfiguration),
	)
	done(nil)
	return sol, nil
}

func (a *Assembler) assemble(ctx context.Context, request string, actx *model.AssemblyContext, start time.Time) (*model.Solution, error) {
	// Context enrichment: every assembly runs with a stamped context even
	// when the caller passed none.
	if actx == nil {
		actx = &model.AssemblyContext{}
	}
	actx.Timestamp = start
	actx.AssemblerID = a.id
	if actx.DeviceInfo == nil {
		actx.DeviceInfo = a.opts.DeviceProbe()
	}

	analysis := a.interpreter.Analyze(request, actx)
	a.logger.Info("intent analyzed",
		"capabilities", analysis.CapabilityNames(),
		"confidence", analysis.ConfidenceScore)

	solutionSig, err := a.gate.GenerateSolutionSignature(actx.UserID, analysis.NormalizedRequest, start)
	if err != nil {
		return nil, err
	}

	var prior *model.CellConfiguration
	if analysis.UsePreviousConfigurations {
		prior = a.pickPriorConfiguration(analysis.CapabilityNames())
	}

	acquired, usedPrior, err := a.acquireCells(ctx, analysis, actx, prior, solutionSig)
	if err != nil {
		return nil, err
	}

	// Security verification before any cell goes live.
	for _, ac := range acquired {
		if err := a.gate.VerifyCell(ac.cell, solutionSig); err != nil {
			a.cleanup(ctx, acquired, solutionSig)
			return nil, err
		}
	}

	connectionMap := a.installConnections(analysis, prior, usedPrior, acquired)

	// Activation with rollback: a single refused activation unwinds the
	// whole assembly.
	var activated []*acquiredCell
	for _, ac := range acquired {
		if err := a.runtime.Activate(ac.cell.ID); err != nil {
			for _, done := range activated {
				_ = a.runtime.Deactivate(done.cell.ID)
			}
			a.cleanup(ctx, acquired, solutionSig)
			return nil, err
		}
		activated = append(activated, ac)
	}

	solution := &model.Solution{
		ID:                     uuid.NewString(),
		Cells:                  make(map[string]*model.Cell, len(acquired)),
		QuantumSignature:       solutionSig,
		Intent:                 analysis,
		Status:                 model.SolutionActive,
		CreatedAt:              start,
		ConnectionMap:          connectionMap,
		UsedPriorConfiguration: usedPrior,
	}
	solution.Metrics.AssemblyTimeMS = a.clock().Sub(start).Milliseconds()
	for _, ac := range acquired {
		// Re-read runtime state so the snapshot carries active status and
		// allocation.
		if current := a.runtime.Cell(ac.cell.ID); current != nil {
			solution.Cells[ac.cell.ID] = current
		} else {
			solution.Cells[ac.cell.ID] = ac.cell
		}
	}

	a.mu.Lock()
	a.solutions[solution.ID] = solution
	for id := range solution.Cells {
		a.cellSolution[id] = solution.ID
	}
	a.mu.Unlock()

	if usedPrior {
		a.priorConfigReuses.Add(1)
	}

	metrics := map[string]float64{
		trail.MetricAssemblyTimeMS: float64(solution.Metrics.AssemblyTimeMS),
	}
	if _, err := a.trail.AddTransaction(solutionSig, solution.ID, solution.CellIDs(), connectionMap, metrics); err != nil {
		// The assembly itself succeeded; a refused ledger append costs the
		// audit record, not the solution.
		a.logger.Warn("trail append failed", "solution_id", solution.ID, "error", err)
	}

	a.logger.Info("solution assembled",
		"solution_id", solution.ID,
		"cells", len(solution.Cells),
		"prior_configuration", usedPrior,
		"assembly_ms", solution.Metrics.AssemblyTimeMS)

	return solution.Clone(), nil
}

// pickPriorConfiguration returns the best-scoring similar configuration,
// ties broken by most recent use.
func (a *Assembler) pickPriorConfiguration(capabilities []string) *model.CellConfiguration {
	configs := a.trail.FindSimilarConfigurations(capabilities, 3)
	if len(configs) == 0 {
		return nil
	}
	best := configs[0]
	for _, c := range configs[1:] {
		if c.PerformanceScore > best.PerformanceScore ||
			(c.PerformanceScore == best.PerformanceScore && c.LastUsedAt.After(best.LastUsedAt)) {
			best = c
		}
	}
	return best
}

// acquireCells obtains one cell per requirement. The prior-configuration
// path acquires by spec and is all-or-nothing; the capability path tolerates
// per-capability failure but requires at least one cell overall.
func (a *Assembler) acquireCells(ctx context.Context, analysis *model.IntentAnalysis, actx *model.AssemblyContext, prior *model.CellConfiguration, solutionSig string) ([]*acquiredCell, bool, error) {
	if prior != nil {
		acquired, err := a.acquireFromConfiguration(ctx, prior, actx, solutionSig)
		if err == nil {
			return acquired, true, nil
		}
		// A stale configuration falls back to fresh assembly.
		a.logger.Warn("prior configuration unusable, assembling fresh",
			"config_id", prior.ID, "error", err)
	}

	var acquired []*acquiredCell
	var lastErr error
	providersTried := map[string]bool{}

	for _, req := range analysis.Capabilities {
		ac, tried, err := a.acquireByCapability(ctx, req, actx, solutionSig)
		for _, p := range tried {
			providersTried[p] = true
		}
		if err != nil {
			lastErr = err
			a.logger.Warn("capability acquisition failed",
				"capability", req.Name, "error", err)
			continue
		}
		acquired = append(acquired, ac)
	}

	if len(acquired) == 0 {
		tried := make([]string, 0, len(providersTried))
		for p := range providersTried {
			tried = append(tried, p)
		}
		if lastErr == nil {
			lastErr = errors.New("no providers configured and no cached cells available")
		}
		return nil, false, &fault.CellRequestError{
			ProvidersTried: tried,
			Cause:          lastErr,
		}
	}
	return acquired, false, nil
}

// acquireByCapability serves a requirement from the cache when possible,
// otherwise requests it from providers with failover.
func (a *Assembler) acquireByCapability(ctx context.Context, req model.CapabilityRequirement, actx *model.AssemblyContext, solutionSig string) (*acquiredCell, []string, error) {
	if cached := a.cache.get(req.Name, actx.DeviceInfo); cached != nil {
		if ac, err := a.adoptCachedCell(cached, req, solutionSig); err == nil {
			a.cacheHits.Add(1)
			return ac, nil, nil
		}
		// A cached cell that cannot be adopted is disposed of and the
		// request proceeds to the providers.
		a.releaseCell(ctx, cached, cached.QuantumSignature)
	}

	spec := model.CellSpec{Capability: req.Name, Parameters: req.Parameters}
	return a.acquireFromProviders(ctx, spec, actx, solutionSig)
}

// adoptCachedCell re-binds a cached cell to the new solution: fresh local
// identity is kept, the signature is re-derived from the new solution's.
func (a *Assembler) adoptCachedCell(cell *model.Cell, req model.CapabilityRequirement, solutionSig string) (*acquiredCell, error) {
	sig, err := security.DeriveCellSignature(solutionSig, cell.ID)
	if err != nil {
		return nil, err
	}
	cell.QuantumSignature = sig
	if req.Parameters != nil {
		if cell.Parameters == nil {
			cell.Parameters = make(map[string]any, len(req.Parameters))
		}
		for k, v := range req.Parameters {
			cell.Parameters[k] = v
		}
	}
	// The cell stayed registered (deactivated) while cached; refresh the
	// runtime's record with the re-signed state.
	a.runtime.Remove(cell.ID)
	if err := a.runtime.Register(cell, a.opts.HandlerFactory(cell, nil)); err != nil {
		return nil, err
	}
	return &acquiredCell{cell: cell, fromCache: true}, nil
}

// acquireFromConfiguration re-acquires every spec of a prior configuration.
// Any spec failing on all providers aborts the whole path.
func (a *Assembler) acquireFromConfiguration(ctx context.Context, cfg *model.CellConfiguration, actx *model.AssemblyContext, solutionSig string) ([]*acquiredCell, error) {
	var acquired []*acquiredCell
	for _, spec := range cfg.Specs {
		ac, _, err := a.acquireFromProviders(ctx, spec, actx, solutionSig)
		if err != nil {
			a.cleanup(ctx, acquired, solutionSig)
			return nil, err
		}
		acquired = append(acquired, ac)
	}
	return acquired, nil
}

// acquireFromProviders walks the provider list in selection-policy order:
// the spec's own provider first when it names one, then each configured
// provider, retrying by the full spec and then by capability alone.
func (a *Assembler) acquireFromProviders(ctx context.Context, spec model.CellSpec, actx *model.AssemblyContext, solutionSig string) (*acquiredCell, []string, error) {
	candidates := a.orderedProviders()
	if spec.ProviderURL != "" {
		reordered := []string{spec.ProviderURL}
		for _, p := range candidates {
			if p != spec.ProviderURL {
				reordered = append(reordered, p)
			}
		}
		candidates = reordered
	}
	if len(candidates) == 0 {
		return nil, nil, &fault.CellRequestError{
			Capability: spec.Capability,
			Cause:      errors.New("no providers configured"),
		}
	}

	var tried []string
	var lastErr error
	for i, providerURL := range candidates {
		if i > 0 {
			a.failovers.Add(1)
		}
		tried = append(tried, providerURL)

		ac, err := a.requestAndRegister(ctx, providerURL, spec, actx, solutionSig)
		if err == nil {
			return ac, tried, nil
		}
		lastErr = err

		// Second try against the same provider by capability alone, in
		// case it cannot satisfy the exact type/version.
		if spec.CellType != "" || spec.Version != "" {
			loose := model.CellSpec{Capability: spec.Capability, Parameters: spec.Parameters}
			if ac, err := a.requestAndRegister(ctx, providerURL, loose, actx, solutionSig); err == nil {
				return ac, tried, nil
			}
		}
	}
	return nil, tried, &fault.CellRequestError{
		Capability:     spec.Capability,
		ProvidersTried: tried,
		Cause:          lastErr,
	}
}

// requestAndRegister performs one provider acquisition: request, download,
// local identity, derived signature, runtime registration.
func (a *Assembler) requestAndRegister(ctx context.Context, providerURL string, spec model.CellSpec, actx *model.AssemblyContext, solutionSig string) (*acquiredCell, error) {
	a.totalCellRequests.Add(1)

	req := &provider.CellRequest{
		Capability:       spec.Capability,
		CellType:         spec.CellType,
		Version:          spec.Version,
		Parameters:       spec.Parameters,
		QuantumSignature: solutionSig,
		AssemblerID:      a.id,
	}
	if actx.DeviceInfo != nil {
		req.Context = map[string]any{
			"platform":      actx.DeviceInfo.Platform,
			"memory_gb":     actx.DeviceInfo.MemoryGB,
			"gpu_available": actx.DeviceInfo.GPUAvailable,
		}
	}

	handle, err := a.client.RequestCell(ctx, providerURL, req)
	if err != nil {
		return nil, err
	}
	body, err := a.client.DownloadCell(ctx, handle)
	if err != nil {
		return nil, err
	}

	cellID := model.NewCellID(handle.Capability)
	sig, err := security.DeriveCellSignature(solutionSig, cellID)
	if err != nil {
		return nil, err
	}

	params := make(map[string]any, len(spec.Parameters)+1)
	for k, v := range spec.Parameters {
		params[k] = v
	}
	params["provider_cell_id"] = handle.CellID

	cell := &model.Cell{
		ID:               cellID,
		CellType:         handle.CellType,
		Capability:       handle.Capability,
		Version:          handle.Version,
		ProviderURL:      providerURL,
		QuantumSignature: sig,
		Status:           model.CellInitialized,
		CreatedAt:        a.clock(),
		Parameters:       params,
	}

	if err := a.runtime.Register(cell, a.opts.HandlerFactory(cell, body)); err != nil {
		return nil, fmt.Errorf("register cell %s: %w", cellID, err)
	}
	return &acquiredCell{cell: cell}, nil
}

// installConnections wires the acquired cells. Edges come from the prior
// configuration's map when one was used, else from the intent's hints.
// An edge whose endpoint is missing is skipped; an edge the gate refuses is
// logged and skipped, never fatal.
func (a *Assembler) installConnections(analysis *model.IntentAnalysis, prior *model.CellConfiguration, usedPrior bool, acquired []*acquiredCell) map[string][]string {
	byCapability := make(map[string]*model.Cell, len(acquired))
	byType := make(map[string]*model.Cell, len(acquired))
	for _, ac := range acquired {
		if _, ok := byCapability[ac.cell.Capability]; !ok {
			byCapability[ac.cell.Capability] = ac.cell
		}
		if ac.cell.CellType != "" {
			if _, ok := byType[ac.cell.CellType]; !ok {
				byType[ac.cell.CellType] = ac.cell
			}
		}
	}

	type edge struct{ source, target *model.Cell }
	var edges []edge

	if usedPrior && prior != nil {
		for srcType, targets := range prior.ConnectionMap {
			src := byType[srcType]
			if src == nil {
				src = byCapability[srcType]
			}
			for _, dstType := range targets {
				dst := byType[dstType]
				if dst == nil {
					dst = byCapability[dstType]
				}
				if src == nil || dst == nil {
					a.logger.Debug("connection endpoint missing", "source", srcType, "target", dstType)
					continue
				}
				edges = append(edges, edge{src, dst})
			}
		}
	} else {
		for _, hint := range analysis.SuggestedConnections {
			src, dst := byCapability[hint.Source], byCapability[hint.Target]
			if src == nil || dst == nil {
				a.logger.Debug("connection endpoint missing", "source", hint.Source, "target", hint.Target)
				continue
			}
			edges = append(edges, edge{src, dst})
		}
	}

	connectionMap := make(map[string][]string)
	for _, e := range edges {
		if err := a.gate.AuthorizeConnection(e.source, e.target); err != nil {
			a.logger.Warn("connection refused by security gate",
				"source", e.source.Capability, "target", e.target.Capability, "error", err)
			continue
		}
		if err := a.runtime.Connect(e.source.ID, e.target.ID, nil); err != nil {
			a.logger.Warn("connection failed",
				"source", e.source.ID, "target", e.target.ID, "error", err)
			continue
		}
		connectionMap[e.source.ID] = append(connectionMap[e.source.ID], e.target.ID)
	}
	if len(connectionMap) == 0 {
		return nil
	}
	return connectionMap
}

// cleanup releases every acquired cell in reverse acquisition order.
func (a *Assembler) cleanup(ctx context.Context, acquired []*acquiredCell, solutionSig string) {
	for i := len(acquired) - 1; i >= 0; i-- {
		a.releaseCell(ctx, acquired[i].cell, solutionSig)
	}
}
