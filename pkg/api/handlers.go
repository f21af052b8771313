package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/quantaleap/cellforge/pkg/assembler"
	"github.com/quantaleap/cellforge/pkg/fault"
	"github.com/quantaleap/cellforge/pkg/model"
	"github.com/quantaleap/cellforge/pkg/trail"
)

const maxRequestBody = 1 << 20 // 1 MiB

// Server exposes the orchestrator over HTTP.
type Server struct {
	assembler   *assembler.Assembler
	trail       *trail.Trail
	logger      *slog.Logger
	idempotency *IdempotencyStore
}

// NewServer creates the HTTP surface over an assembler and its trail.
func NewServer(asm *assembler.Assembler, tr *trail.Trail, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		assembler:   asm,
		trail:       tr,
		logger:      logger.With("component", "api"),
		idempotency: NewIdempotencyStore(10 * time.Minute),
	}
}

// Handler returns the full middleware-wrapped handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)

	var h http.Handler = mux
	h = Idempotency(s.idempotency)(h)
	h = AccessLog(s.logger)(h)
	h = Recover(s.logger)(h)
	h = RequestID(h)
	return h
}

// RegisterRoutes installs the orchestrator's routes on the mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/solutions", s.handleAssemble)
	mux.HandleFunc("GET /v1/solutions/{id}", s.handleGetSolution)
	mux.HandleFunc("DELETE /v1/solutions/{id}", s.handleReleaseSolution)
	mux.HandleFunc("POST /v1/solutions/{id}/cells/{cellID}/execute", s.handleExecute)
	mux.HandleFunc("GET /v1/status", s.handleStatus)
	mux.HandleFunc("GET /v1/trail/verify", s.handleTrailVerify)
	mux.HandleFunc("GET /v1/trail/configurations", s.handleTrailConfigurations)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
}

// assembleRequest is the body of POST /v1/solutions.
type assembleRequest struct {
	Request string                 `json:"request"`
	Context *model.AssemblyContext `json:"context,omitempty"`
}

func (s *Server) handleAssemble(w http.ResponseWriter, r *http.Request) {
	var req assembleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		return
	}
	if strings.TrimSpace(req.Request) == "" {
		WriteBadRequest(w, "request text must not be empty")
		return
	}

	solution, err := s.assembler.AssembleSolution(r.Context(), req.Request, req.Context)
	if err != nil {
		s.writeFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, solution)
}

func (s *Server) handleGetSolution(w http.ResponseWriter, r *http.Request) {
	solution := s.assembler.Solution(r.PathValue("id"))
	if solution == nil {
		WriteNotFound(w, "solution not found")
		return
	}
	writeJSON(w, http.StatusOK, solution)
}

func (s *Server) handleReleaseSolution(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.assembler.ReleaseSolution(r.Context(), id) {
		WriteNotFound(w, "solution not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"solution_id": id, "released": true})
}

// executeRequest is the body of the capability execute endpoint.
type executeRequest struct {
	Capability string         `json:"capability"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		return
	}
	if req.Capability == "" {
		WriteBadRequest(w, "capability must not be empty")
		return
	}

	result, err := s.assembler.ExecuteCapability(r.Context(), r.PathValue("id"), r.PathValue("cellID"), req.Capability, req.Parameters)
	if err != nil {
		s.writeFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.assembler.GetStatus())
}

func (s *Server) handleTrailVerify(w http.ResponseWriter, _ *http.Request) {
	if err := s.trail.Validate(); err != nil {
		writeJSON(w, http.StatusOK, map[string]any{
			"valid": false,
			"error": err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"valid":        true,
		"height":       s.trail.Height(),
		"transactions": s.trail.TransactionCount(),
		"public_key":   s.trail.PublicKey(),
	})
}

func (s *Server) handleTrailConfigurations(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("capabilities")
	if raw == "" {
		WriteBadRequest(w, "capabilities query parameter is required")
		return
	}
	capabilities := strings.Split(raw, ",")
	for i := range capabilities {
		capabilities[i] = strings.TrimSpace(capabilities[i])
	}
	configs := s.trail.FindSimilarConfigurations(capabilities, 10)
	writeJSON(w, http.StatusOK, map[string]any{"configurations": configs})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// writeFault maps the orchestrator's fault taxonomy onto HTTP statuses.
func (s *Server) writeFault(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	title := "Internal Server Error"

	switch fault.CodeOf(err) {
	case fault.CodeCellRequest:
		status, title = http.StatusBadGateway, "Cell Request Failed"
	case fault.CodeSecurity:
		status, title = http.StatusForbidden, "Security Verification Failed"
	case fault.CodeCellActivation, fault.CodeCellConnection:
		status, title = http.StatusConflict, "Cell Lifecycle Failed"
	case fault.CodeResource:
		status, title = http.StatusServiceUnavailable, "Resources Exhausted"
	case fault.CodeLedger:
		status, title = http.StatusServiceUnavailable, "Ledger Unavailable"
	case fault.CodeTimeout:
		status, title = http.StatusGatewayTimeout, "Provider Timeout"
	default:
		s.logger.Error("unclassified fault", "error", err)
		WriteErrorR(w, r, status, title, "An unexpected error occurred. Please try again later.")
		return
	}

	WriteProblem(w, &ProblemDetail{
		Type:     "https://cellforge.dev/errors/" + strings.ToLower(string(fault.CodeOf(err))),
		Title:    title,
		Status:   status,
		Detail:   err.Error(),
		Instance: r.URL.Path,
		Code:     string(fault.CodeOf(err)),
		TraceID:  w.Header().Get("X-Request-ID"),
	})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, out any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			WriteError(w, http.StatusRequestEntityTooLarge, "Payload Too Large", "request body exceeds limit")
			return err
		}
		WriteBadRequest(w, "invalid JSON body: "+err.Error())
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
