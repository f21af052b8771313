package assembler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantaleap/cellforge/pkg/fault"
	"github.com/quantaleap/cellforge/pkg/intent"
	"github.com/quantaleap/cellforge/pkg/model"
	"github.com/quantaleap/cellforge/pkg/observability"
	"github.com/quantaleap/cellforge/pkg/provider"
	cellruntime "github.com/quantaleap/cellforge/pkg/runtime"
	"github.com/quantaleap/cellforge/pkg/security"
	"github.com/quantaleap/cellforge/pkg/trail"
)

// fakeProvider is an httptest cell provider speaking the three-call
// contract: request, download, release.
type fakeProvider struct {
	srv      *httptest.Server
	requests atomic.Int32
	releases atomic.Int32
	failing  atomic.Bool
}

func newFakeProvider(t *testing.T) *fakeProvider {
	t.Helper()
	p := &fakeProvider{}
	var seq atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("POST /cells/request", func(w http.ResponseWriter, r *http.Request) {
		p.requests.Add(1)
		if p.failing.Load() {
			http.Error(w, "provider down", http.StatusInternalServerError)
			return
		}
		var req provider.CellRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		writeJSON(w, map[string]any{
			"status":     "success",
			"cell_id":    fmt.Sprintf("prov-%s-%d", req.Capability, seq.Add(1)),
			"cell_type":  req.Capability,
			"capability": req.Capability,
			"version":    "1.0.0",
		})
	})
	mux.HandleFunc("GET /cells/{id}", func(w http.ResponseWriter, r *http.Request) {
		if p.failing.Load() {
			http.Error(w, "provider down", http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]any{
			"status":            "success",
			"cell_id":           r.PathValue("id"),
			"quantum_signature": "qcPROVIDER",
			"package":           map[string]any{"entry": "main"},
		})
	})
	mux.HandleFunc("POST /cells/{id}/release", func(w http.ResponseWriter, _ *http.Request) {
		p.releases.Add(1)
		writeJSON(w, map[string]any{"status": "success"})
	})
	p.srv = httptest.NewServer(mux)
	t.Cleanup(p.srv.Close)
	return p
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func newTestAssembler(t *testing.T, opts Options) *Assembler {
	t.Helper()
	if opts.Gate == nil {
		gate, err := security.NewGate(security.Options{})
		require.NoError(t, err)
		opts.Gate = gate
	}
	if opts.Runtime == nil {
		opts.Runtime = cellruntime.New(cellruntime.Options{
			Total: cellruntime.Resources{MemoryMB: 8192, CPUPercent: 800, StorageMB: 8192},
		})
	}
	if opts.Trail == nil {
		tr, err := trail.New(trail.Options{Difficulty: 1, BlockCapacity: 100})
		require.NoError(t, err)
		opts.Trail = tr
	}
	if opts.Client == nil {
		opts.Client = provider.NewClient(provider.Options{})
	}
	a, err := New(opts)
	require.NoError(t, err)
	return a
}

func freshContext() *model.AssemblyContext {
	return &model.AssemblyContext{UserID: "user-1", DisablePriorConfigurations: true}
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
}

func TestNew_RejectsUnknownPolicy(t *testing.T) {
	gate, err := security.NewGate(security.Options{})
	require.NoError(t, err)
	tr, err := trail.New(trail.Options{Difficulty: 1})
	require.NoError(t, err)

	_, err = New(Options{
		Gate:            gate,
		Runtime:         cellruntime.New(cellruntime.Options{}),
		Trail:           tr,
		Client:          provider.NewClient(provider.Options{}),
		SelectionPolicy: "fastest",
	})
	assert.Error(t, err)
}

func TestAssembleSolution_EndToEnd(t *testing.T) {
	p := newFakeProvider(t)
	a := newTestAssembler(t, Options{Providers: []string{p.srv.URL}})

	sol, err := a.AssembleSolution(context.Background(), "write a document about gophers", freshContext())
	require.NoError(t, err)

	assert.Equal(t, model.SolutionActive, sol.Status)
	require.Len(t, sol.Cells, 2)

	caps := make(map[string]bool)
	for _, cell := range sol.Cells {
		caps[cell.Capability] = true
		assert.Equal(t, model.CellActive, cell.Status)
		// Member cells share the solution signature's 10-character prefix.
		assert.Equal(t, sol.QuantumSignature[:10], cell.QuantumSignature[:10])
		assert.Equal(t, p.srv.URL, cell.ProviderURL)
	}
	assert.True(t, caps[intent.CapTextGeneration])
	assert.True(t, caps[intent.CapFileSystem])

	// The text generator feeds the file system per the intent hints.
	require.Len(t, sol.ConnectionMap, 1)

	// The assembly was queued on the trail.
	assert.Equal(t, 1, a.trail.PendingCount())

	status := a.GetStatus()
	assert.Equal(t, int64(1), status.TotalAssemblies)
	assert.Equal(t, 1, status.ActiveSolutions)
	assert.Equal(t, int64(2), status.TotalCellRequests)

	// The registry serves an isolated snapshot.
	snap := a.Solution(sol.ID)
	require.NotNil(t, snap)
	snap.Status = model.SolutionError
	assert.Equal(t, model.SolutionActive, a.Solution(sol.ID).Status)
}

func TestAssembleSolution_NoProviders(t *testing.T) {
	a := newTestAssembler(t, Options{})

	_, err := a.AssembleSolution(context.Background(), "write a document", freshContext())
	require.Error(t, err)
	assert.Equal(t, fault.CodeCellRequest, fault.CodeOf(err))
	assert.Equal(t, int64(1), a.GetStatus().FailedAssemblies)
}

func TestAssembleSolution_FailsOverToHealthyProvider(t *testing.T) {
	bad := newFakeProvider(t)
	bad.failing.Store(true)
	good := newFakeProvider(t)

	a := newTestAssembler(t, Options{Providers: []string{bad.srv.URL, good.srv.URL}})

	sol, err := a.AssembleSolution(context.Background(), "write a document", freshContext())
	require.NoError(t, err)
	require.Len(t, sol.Cells, 2)
	for _, cell := range sol.Cells {
		assert.Equal(t, good.srv.URL, cell.ProviderURL)
	}
	assert.Positive(t, a.GetStatus().Failovers)
	assert.Positive(t, bad.requests.Load(), "failing provider was tried first")
}

func TestReleaseSolution_CachesCoreCells(t *testing.T) {
	p := newFakeProvider(t)
	a := newTestAssembler(t, Options{
		Providers:        []string{p.srv.URL},
		CoreCapabilities: []string{intent.CapTextGeneration, intent.CapFileSystem},
		CacheMaxEntries:  4,
	})

	sol, err := a.AssembleSolution(context.Background(), "write a document", freshContext())
	require.NoError(t, err)

	require.True(t, a.ReleaseSolution(context.Background(), sol.ID))
	assert.False(t, a.ReleaseSolution(context.Background(), sol.ID), "second release is a no-op")
	assert.Nil(t, a.Solution(sol.ID))

	status := a.GetStatus()
	assert.Equal(t, 0, status.ActiveSolutions)
	assert.Equal(t, 2, status.CachedCells)
	assert.Equal(t, int32(0), p.releases.Load(), "cached cells stay leased")

	// Assembly record plus the lifetime update record.
	assert.Equal(t, 2, a.trail.PendingCount())
}

func TestReleaseSolution_ReturnsNonCoreCells(t *testing.T) {
	p := newFakeProvider(t)
	a := newTestAssembler(t, Options{
		Providers:       []string{p.srv.URL},
		CacheMaxEntries: 4, // no core capabilities: nothing is cacheable
	})

	sol, err := a.AssembleSolution(context.Background(), "write a document", freshContext())
	require.NoError(t, err)
	require.True(t, a.ReleaseSolution(context.Background(), sol.ID))

	assert.Equal(t, 0, a.GetStatus().CachedCells)
	assert.Equal(t, int32(2), p.releases.Load())
}

func TestAssembleSolution_ServesFromCache(t *testing.T) {
	p := newFakeProvider(t)
	a := newTestAssembler(t, Options{
		Providers:        []string{p.srv.URL},
		CoreCapabilities: []string{intent.CapTextGeneration, intent.CapFileSystem},
		CacheMaxEntries:  4,
	})

	first, err := a.AssembleSolution(context.Background(), "write a document", freshContext())
	require.NoError(t, err)
	require.True(t, a.ReleaseSolution(context.Background(), first.ID))
	requestsAfterFirst := p.requests.Load()

	second, err := a.AssembleSolution(context.Background(), "write a document", freshContext())
	require.NoError(t, err)

	assert.Equal(t, int64(2), a.GetStatus().CacheHits)
	assert.Equal(t, requestsAfterFirst, p.requests.Load(), "no provider traffic on cache hits")
	assert.Equal(t, 0, a.GetStatus().CachedCells)

	// Adopted cells are re-signed under the new solution.
	for _, cell := range second.Cells {
		assert.Equal(t, second.QuantumSignature[:10], cell.QuantumSignature[:10])
		assert.Equal(t, model.CellActive, cell.Status)
	}
}

func TestAssembleSolution_ReusesPriorConfiguration(t *testing.T) {
	p := newFakeProvider(t)
	a := newTestAssembler(t, Options{Providers: []string{p.srv.URL}})

	first, err := a.AssembleSolution(context.Background(), "write a document", freshContext())
	require.NoError(t, err)
	require.True(t, a.ReleaseSolution(context.Background(), first.ID))

	// Prior configurations enabled this time: the ledger already knows this
	// capability shape.
	second, err := a.AssembleSolution(context.Background(), "write a document",
		&model.AssemblyContext{UserID: "user-1"})
	require.NoError(t, err)

	assert.True(t, second.UsedPriorConfiguration)
	assert.Equal(t, int64(1), a.GetStatus().PriorConfigReuses)
	require.Len(t, second.Cells, 2)
	for _, cell := range second.Cells {
		assert.Equal(t, model.CellActive, cell.Status)
	}
}

func TestExecuteCapability(t *testing.T) {
	p := newFakeProvider(t)
	a := newTestAssembler(t, Options{Providers: []string{p.srv.URL}})

	sol, err := a.AssembleSolution(context.Background(), "write a document", freshContext())
	require.NoError(t, err)

	var textCellID string
	for id, cell := range sol.Cells {
		if cell.Capability == intent.CapTextGeneration {
			textCellID = id
		}
	}
	require.NotEmpty(t, textCellID)

	res, err := a.ExecuteCapability(context.Background(), sol.ID, textCellID, intent.CapTextGeneration,
		map[string]any{"prompt": "hello"})
	require.NoError(t, err)
	assert.Equal(t, "success", res.Status)

	_, err = a.ExecuteCapability(context.Background(), "other-solution", textCellID, intent.CapTextGeneration, nil)
	assert.Error(t, err, "unknown solution")

	_, err = a.ExecuteCapability(context.Background(), sol.ID, "stray-cell", intent.CapTextGeneration, nil)
	assert.Error(t, err, "cell not owned by the solution")
}

func TestAssembleSolution_RoundRobinRotation(t *testing.T) {
	p1 := newFakeProvider(t)
	p2 := newFakeProvider(t)
	a := newTestAssembler(t, Options{
		Providers:       []string{p1.srv.URL, p2.srv.URL},
		SelectionPolicy: SelectRoundRobin,
	})

	// "save my files" resolves to a single file_system cell, so each
	// assembly lands on exactly one provider.
	for i := 0; i < 4; i++ {
		sol, err := a.AssembleSolution(context.Background(), "save my files", freshContext())
		require.NoError(t, err)
		require.True(t, a.ReleaseSolution(context.Background(), sol.ID))
	}
	assert.Positive(t, p1.requests.Load())
	assert.Positive(t, p2.requests.Load())
}

func TestAssembleSolution_SignatureVerificationBlocksForgedCell(t *testing.T) {
	// A provider-side signature never enters the cell: the assembler derives
	// its own from the solution signature, so verification passes end to end
	// even though the provider reported an unrelated signature.
	p := newFakeProvider(t)
	a := newTestAssembler(t, Options{Providers: []string{p.srv.URL}})

	sol, err := a.AssembleSolution(context.Background(), "write a document", freshContext())
	require.NoError(t, err)
	for _, cell := range sol.Cells {
		assert.NotEqual(t, "qcPROVIDER", cell.QuantumSignature)
		assert.NoError(t, security.VerifySignature(cell.QuantumSignature))
	}

	unrelated := strings.Repeat("x", len(sol.QuantumSignature))
	assert.Error(t, security.VerifySignature(unrelated))
}

func TestReleaseSolution_FoldsFinalMetricsIntoScore(t *testing.T) {
	p := newFakeProvider(t)
	a := newTestAssembler(t, Options{Providers: []string{p.srv.URL}})

	now := time.Now()
	a.WithClock(func() time.Time { return now })

	sol, err := a.AssembleSolution(context.Background(), "write a document", freshContext())
	require.NoError(t, err)

	caps := []string{intent.CapTextGeneration, intent.CapFileSystem}
	found := a.trail.FindSimilarConfigurations(caps, 1)
	require.Len(t, found, 1)
	before := found[0]
	assert.InDelta(t, 100, before.PerformanceScore, 0.001, "instant assembly scores a clean 100")

	// One execution reserves the text generator's CPU share, giving the
	// lifetime record a nonzero CPU average.
	var textCellID string
	for id, cell := range sol.Cells {
		if cell.Capability == intent.CapTextGeneration {
			textCellID = id
		}
	}
	require.NotEmpty(t, textCellID)
	_, err = a.ExecuteCapability(context.Background(), sol.ID, textCellID, intent.CapTextGeneration,
		map[string]any{"prompt": "hello"})
	require.NoError(t, err)

	// Ten seconds of lifetime keeps the update outside the short-usage
	// bonus window.
	now = now.Add(10 * time.Second)
	require.True(t, a.ReleaseSolution(context.Background(), sol.ID))

	found = a.trail.FindSimilarConfigurations(caps, 1)
	require.Len(t, found, 1)
	after := found[0]
	assert.Less(t, after.PerformanceScore, before.PerformanceScore,
		"lifetime metrics refine the configuration score")
	assert.Equal(t, before.UseCount, after.UseCount, "a release is not another use")
}

func TestAssembler_RunsWithObservabilityProvider(t *testing.T) {
	obs, err := observability.New(context.Background(), &observability.Config{Enabled: false})
	require.NoError(t, err)

	p := newFakeProvider(t)
	a := newTestAssembler(t, Options{Providers: []string{p.srv.URL}, Obs: obs})

	sol, err := a.AssembleSolution(context.Background(), "save my files", freshContext())
	require.NoError(t, err)
	assert.True(t, a.ReleaseSolution(context.Background(), sol.ID))

	_, err = a.AssembleSolution(context.Background(), "write a document", freshContext())
	require.NoError(t, err)
}
