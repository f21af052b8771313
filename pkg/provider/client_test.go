package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantaleap/cellforge/pkg/fault"
	"github.com/quantaleap/cellforge/pkg/model"
)

func handleJSON(cellID string) map[string]any {
	return map[string]any{
		"status":     "success",
		"cell_id":    cellID,
		"cell_type":  "text_generator",
		"capability": "text_generation",
		"version":    "1.2.0",
	}
}

func writeBody(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func TestRequestCell_Success(t *testing.T) {
	var gotKey, gotContentType string
	var gotReq CellRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/cells/request", r.URL.Path)
		gotKey = r.Header.Get("X-API-Key")
		gotContentType = r.Header.Get("Content-Type")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		writeBody(w, handleJSON("prov-cell-1"))
	}))
	defer srv.Close()

	c := NewClient(Options{APIKey: "secret"})
	handle, err := c.RequestCell(context.Background(), srv.URL, &CellRequest{
		Capability:       "text_generation",
		QuantumSignature: "qcSIG",
		AssemblerID:      "assembler-1",
	})
	require.NoError(t, err)

	assert.Equal(t, "prov-cell-1", handle.CellID)
	assert.Equal(t, "text_generation", handle.Capability)
	assert.Equal(t, srv.URL, handle.Provider)
	assert.Equal(t, "secret", gotKey)
	assert.Equal(t, "application/json", gotContentType)
	assert.Equal(t, "qcSIG", gotReq.QuantumSignature)
	assert.True(t, c.Healthy(srv.URL))
}

func TestRequestCell_NonSuccessStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		body := handleJSON("x")
		body["status"] = "unavailable"
		writeBody(w, body)
	}))
	defer srv.Close()

	c := NewClient(Options{})
	_, err := c.RequestCell(context.Background(), srv.URL, &CellRequest{Capability: "text_generation"})
	require.Error(t, err)
	assert.Equal(t, fault.CodeCellRequest, fault.CodeOf(err))
}

func TestRequestCell_SchemaRejectsMalformedEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		// Missing required cell_id and capability.
		writeBody(w, map[string]any{"status": "success"})
	}))
	defer srv.Close()

	c := NewClient(Options{})
	_, err := c.RequestCell(context.Background(), srv.URL, &CellRequest{Capability: "text_generation"})
	require.Error(t, err)
	assert.ErrorContains(t, err, "schema")
}

func TestCall_RetriesOnceThenFails(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(Options{FailureThreshold: 3})
	_, err := c.RequestCell(context.Background(), srv.URL, &CellRequest{Capability: "text_generation"})
	require.Error(t, err)
	assert.Equal(t, fault.CodeCellRequest, fault.CodeOf(err))
	assert.Equal(t, int32(2), hits.Load(), "one retry against the same provider")
}

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	now := time.Now()
	c := NewClient(Options{FailureThreshold: 3, UnhealthyCooldown: time.Minute}).
		WithClock(func() time.Time { return now })

	for i := 0; i < 3; i++ {
		_, err := c.RequestCell(context.Background(), srv.URL, &CellRequest{Capability: "text_generation"})
		require.Error(t, err)
	}
	assert.False(t, c.Healthy(srv.URL))

	// The open breaker short-circuits: no further wire calls.
	before := hits.Load()
	_, err := c.RequestCell(context.Background(), srv.URL, &CellRequest{Capability: "text_generation"})
	require.Error(t, err)
	assert.Equal(t, fault.CodeCellRequest, fault.CodeOf(err))
	assert.Equal(t, before, hits.Load())

	// After the cooldown the breaker half-opens and traffic resumes.
	now = now.Add(2 * time.Minute)
	assert.True(t, c.Healthy(srv.URL))
	_, _ = c.RequestCell(context.Background(), srv.URL, &CellRequest{Capability: "text_generation"})
	assert.Greater(t, hits.Load(), before)
}

func TestTimeout_MarksProviderUnhealthy(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		<-block
	}))
	defer srv.Close()
	defer close(block)

	c := NewClient(Options{Timeout: 50 * time.Millisecond})
	_, err := c.RequestCell(context.Background(), srv.URL, &CellRequest{Capability: "text_generation"})
	require.Error(t, err)
	assert.Equal(t, fault.CodeTimeout, fault.CodeOf(err))

	var timeoutErr *fault.TimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	assert.False(t, c.Healthy(srv.URL), "timeout opens the breaker immediately")
}

func TestDownloadCell(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodGet, r.Method)
		require.Equal(t, "/cells/prov-cell-1", r.URL.Path)
		writeBody(w, map[string]any{
			"status":            "success",
			"cell_id":           "prov-cell-1",
			"quantum_signature": "qcCELLSIG",
			"package":           map[string]any{"entry": "main"},
		})
	}))
	defer srv.Close()

	c := NewClient(Options{})
	body, err := c.DownloadCell(context.Background(), &CellHandle{
		CellID:   "prov-cell-1",
		Provider: srv.URL,
	})
	require.NoError(t, err)
	assert.Equal(t, "prov-cell-1", body.CellID)
	assert.Equal(t, "qcCELLSIG", body.QuantumSignature)
	assert.JSONEq(t, `{"entry": "main"}`, string(body.Package))
}

func TestDownloadCell_PrefersDownloadURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/packages/abc", r.URL.Path)
		writeBody(w, map[string]any{"status": "success", "cell_id": "prov-cell-1"})
	}))
	defer srv.Close()

	c := NewClient(Options{})
	_, err := c.DownloadCell(context.Background(), &CellHandle{
		CellID:      "prov-cell-1",
		Provider:    srv.URL,
		DownloadURL: srv.URL + "/packages/abc",
	})
	require.NoError(t, err)
}

func TestReleaseCell(t *testing.T) {
	var payload map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/cells/prov-cell-1/release", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		writeBody(w, map[string]any{"status": "success", "message": "released"})
	}))
	defer srv.Close()

	c := NewClient(Options{})
	ack, err := c.ReleaseCell(context.Background(), srv.URL, "prov-cell-1", "qcCELLSIG", &model.UsageMetrics{
		PeakMemoryMB: 128,
	})
	require.NoError(t, err)
	assert.Equal(t, "success", ack.Status)
	assert.Equal(t, "qcCELLSIG", payload["quantum_signature"])
	require.Contains(t, payload, "usage_metrics")
}

func TestHealthy_UnknownProviderStartsHealthy(t *testing.T) {
	c := NewClient(Options{})
	assert.True(t, c.Healthy("http://never-called.invalid"))
}

func TestRequestCell_DistinguishesProviders(t *testing.T) {
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer bad.Close()
	var served atomic.Int32
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		served.Add(1)
		writeBody(w, handleJSON(fmt.Sprintf("cell-%d", served.Load())))
	}))
	defer good.Close()

	c := NewClient(Options{FailureThreshold: 1})
	_, err := c.RequestCell(context.Background(), bad.URL, &CellRequest{Capability: "text_generation"})
	require.Error(t, err)
	assert.False(t, c.Healthy(bad.URL))

	// Failure isolation: the other provider is untouched.
	handle, err := c.RequestCell(context.Background(), good.URL, &CellRequest{Capability: "text_generation"})
	require.NoError(t, err)
	assert.Equal(t, "cell-1", handle.CellID)
	assert.True(t, c.Healthy(good.URL))
}
