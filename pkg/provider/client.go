// Package provider is the outbound RPC client to cell providers. A
// provider is addressed by URL and exposes three operations: request a
// cell, download its body, release it. The client layers health tracking
// over the wire calls: a per-provider unhealthy cooldown, a circuit
// breaker, and an outbound rate limiter.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"golang.org/x/time/rate"

	"github.com/quantaleap/cellforge/pkg/fault"
	"github.com/quantaleap/cellforge/pkg/model"
)

// CellRequest is the body of POST /cells/request.
type CellRequest struct {
	Capability       string         `json:"capability,omitempty"`
	CellType         string         `json:"cell_type,omitempty"`
	Version          string         `json:"version,omitempty"`
	Parameters       map[string]any `json:"parameters,omitempty"`
	Context          map[string]any `json:"context,omitempty"`
	QuantumSignature string         `json:"quantum_signature"`
	AssemblerID      string         `json:"assembler_id"`
}

// CellHandle is the provider's response to a cell request.
type CellHandle struct {
	Status       string `json:"status"`
	CellID       string `json:"cell_id"`
	DownloadURL  string `json:"download_url,omitempty"`
	CellType     string `json:"cell_type"`
	Capability   string `json:"capability"`
	Version      string `json:"version"`
	ExpirationTS int64  `json:"expiration_ts,omitempty"`
	Provider     string `json:"-"`
}

// CellBody is the downloaded cell package.
type CellBody struct {
	Status           string          `json:"status"`
	CellID           string          `json:"cell_id"`
	QuantumSignature string          `json:"quantum_signature"`
	Package          json.RawMessage `json:"package"`
}

// ReleaseAck acknowledges a cell release.
type ReleaseAck struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// Response envelopes are schema-checked before decoding so a malformed
// provider cannot push junk past the boundary.
const handleSchemaJSON = `{
	"type": "object",
	"required": ["status", "cell_id", "cell_type", "capability", "version"],
	"properties": {
		"status":        {"type": "string"},
		"cell_id":       {"type": "string", "minLength": 1},
		"download_url":  {"type": "string"},
		"cell_type":     {"type": "string", "minLength": 1},
		"capability":    {"type": "string", "minLength": 1},
		"version":       {"type": "string"},
		"expiration_ts": {"type": "integer"}
	},
	"additionalProperties": true
}`

const bodySchemaJSON = `{
	"type": "object",
	"required": ["status", "cell_id"],
	"properties": {
		"status":            {"type": "string"},
		"cell_id":           {"type": "string", "minLength": 1},
		"quantum_signature": {"type": "string"},
		"package":           {}
	},
	"additionalProperties": true
}`

var (
	handleSchema = jsonschema.MustCompileString("cell_handle.schema.json", handleSchemaJSON)
	bodySchema   = jsonschema.MustCompileString("cell_body.schema.json", bodySchemaJSON)
)

// Options configures a Client.
type Options struct {
	Timeout           time.Duration // per-call deadline, default 30s
	UnhealthyCooldown time.Duration // default 60s
	APIKey            string        // optional X-API-Key header
	FailureThreshold  int           // breaker threshold, default 3
	RequestsPerSecond float64       // per-provider rate limit, default 10
	Burst             int           // default 20
	HTTPClient        *http.Client
	Logger            *slog.Logger
}

// Client talks to cell providers over HTTP.
type Client struct {
	http      *http.Client
	opts      Options
	logger    *slog.Logger
	clock     func() time.Time
	mu        sync.Mutex
	providers map[string]*providerHealth
}

// NewClient creates a provider client.
func NewClient(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.UnhealthyCooldown <= 0 {
		opts.UnhealthyCooldown = 60 * time.Second
	}
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = 3
	}
	if opts.RequestsPerSecond <= 0 {
		opts.RequestsPerSecond = 10
	}
	if opts.Burst <= 0 {
		opts.Burst = 20
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: opts.Timeout}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		http:      httpClient,
		opts:      opts,
		logger:    logger.With("component", "provider_client"),
		clock:     time.Now,
		providers: make(map[string]*providerHealth),
	}
}

// WithClock overrides the clock for testing.
func (c *Client) WithClock(clock func() time.Time) *Client {
	c.clock = clock
	return c
}

func (c *Client) health(providerURL string) *providerHealth {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.providers[providerURL]
	if !ok {
		h = newProviderHealth(rate.Limit(c.opts.RequestsPerSecond), c.opts.Burst)
		c.providers[providerURL] = h
	}
	return h
}

// Healthy reports whether the provider is currently usable.
func (c *Client) Healthy(providerURL string) bool {
	return c.health(providerURL).healthy(c.clock(), c.opts.UnhealthyCooldown, c.opts.FailureThreshold)
}

// MarkUnhealthy flags a provider for the unhealthy cooldown.
func (c *Client) MarkUnhealthy(providerURL string) {
	c.health(providerURL).markUnhealthy(c.clock())
}

// RequestCell asks a provider for a cell matching the request. The call is
// retried at most once against the same provider before failing.
func (c *Client) RequestCell(ctx context.Context, providerURL string, req *CellRequest) (*CellHandle, error) {
	var handle CellHandle
	err := c.call(ctx, providerURL, http.MethodPost, providerURL+"/cells/request", req, handleSchema, &handle)
	if err != nil {
		return nil, err
	}
	if handle.Status != "success" {
		return nil, &fault.CellRequestError{
			Capability:     req.Capability,
			ProvidersTried: []string{providerURL},
			Cause:          fmt.Errorf("provider returned status %q", handle.Status),
		}
	}
	handle.Provider = providerURL
	return &handle, nil
}

// DownloadCell fetches the cell body for a handle.
func (c *Client) DownloadCell(ctx context.Context, handle *CellHandle) (*CellBody, error) {
	url := handle.DownloadURL
	if url == "" {
		url = fmt.Sprintf("%s/cells/%s", handle.Provider, handle.CellID)
	}
	var body CellBody
	if err := c.call(ctx, handle.Provider, http.MethodGet, url, nil, bodySchema, &body); err != nil {
		return nil, err
	}
	return &body, nil
}

// ReleaseCell informs the provider that a cell is no longer in use.
func (c *Client) ReleaseCell(ctx context.Context, providerURL, cellID, quantumSignature string, usage *model.UsageMetrics) (*ReleaseAck, error) {
	payload := map[string]any{
		"quantum_signature": quantumSignature,
	}
	if usage != nil {
		payload["usage_metrics"] = usage
	}
	var ack ReleaseAck
	url := fmt.Sprintf("%s/cells/%s/release", providerURL, cellID)
	if err := c.call(ctx, providerURL, http.MethodPost, url, payload, nil, &ack); err != nil {
		return nil, err
	}
	return &ack, nil
}

// call runs one provider RPC with deadline, breaker, rate limit, a single
// retry, and schema validation of the response envelope.
func (c *Client) call(ctx context.Context, providerURL, method, url string, payload any, schema *jsonschema.Schema, out any) error {
	h := c.health(providerURL)

	if !h.healthy(c.clock(), c.opts.UnhealthyCooldown, c.opts.FailureThreshold) {
		return &fault.CellRequestError{
			ProvidersTried: []string{providerURL},
			Cause:          errors.New("provider in unhealthy cooldown"),
		}
	}

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		if err := h.limiter.Wait(ctx); err != nil {
			return c.classify(providerURL, err)
		}
		err := c.doOnce(ctx, method, url, payload, schema, out)
		if err == nil {
			h.success(c.clock())
			return nil
		}
		lastErr = err
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			break
		}
	}

	if errors.Is(lastErr, context.DeadlineExceeded) {
		h.markUnhealthy(c.clock())
		return &fault.TimeoutError{Operation: method + " " + url, Timeout: c.opts.Timeout}
	}
	h.failure(c.clock(), c.opts.FailureThreshold)
	return c.classify(providerURL, lastErr)
}

func (c *Client) classify(providerURL string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		c.MarkUnhealthy(providerURL)
		return &fault.TimeoutError{Operation: "provider call", Timeout: c.opts.Timeout}
	}
	return &fault.CellRequestError{ProvidersTried: []string{providerURL}, Cause: err}
}

func (c *Client) doOnce(ctx context.Context, method, url string, payload any, schema *jsonschema.Schema, out any) error {
	callCtx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(callCtx, method, url, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.opts.APIKey != "" {
		req.Header.Set("X-API-Key", c.opts.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if callCtx.Err() == context.DeadlineExceeded {
			return context.DeadlineExceeded
		}
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("provider returned HTTP %d: %s", resp.StatusCode, truncate(raw, 256))
	}

	if schema != nil {
		var generic any
		if err := json.Unmarshal(raw, &generic); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		if err := schema.Validate(generic); err != nil {
			return fmt.Errorf("response failed schema validation: %w", err)
		}
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

func truncate(raw []byte, n int) string {
	if len(raw) <= n {
		return string(raw)
	}
	return string(raw[:n]) + "..."
}
