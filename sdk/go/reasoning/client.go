package reasoning

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Config holds the settings needed to construct a Client.
type Config struct {
	// BaseURL is the root URL of the reasoning server (e.g. "http://localhost:8080").
	BaseURL string

	// OperatorKey is the secret used to obtain a JWT token.
	OperatorKey string

	// Name is an optional operator label carried into token claims and the
	// server's request logs.
	Name string

	// HTTPClient is an optional custom HTTP client. If nil, a default client
	// with a 30-second timeout is used.
	HTTPClient *http.Client

	// Timeout applies to individual API requests. Defaults to 30 seconds.
	Timeout time.Duration
}

// Client is an HTTP client for the reasoning service's operator API.
// All methods are safe for concurrent use.
type Client struct {
	baseURL  string
	client   *http.Client
	tokenMgr *tokenManager
}

// NewClient creates a Client from the given configuration.
// Returns an error if BaseURL or OperatorKey is empty.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("reasoning: BaseURL is required")
	}
	if cfg.OperatorKey == "" {
		return nil, fmt.Errorf("reasoning: OperatorKey is required")
	}

	baseURL := strings.TrimRight(cfg.BaseURL, "/")

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	return &Client{
		baseURL:  baseURL,
		client:   httpClient,
		tokenMgr: newTokenManager(baseURL, cfg.Name, cfg.OperatorKey, httpClient),
	}, nil
}

// Status retrieves the one-call summary of the self-improvement loop:
// mode, circuit breaker, 24-hour action tally, effectiveness ranking, live
// runtime configuration, telemetry backpressure, and the latest reflection.
func (c *Client) Status(ctx context.Context) (*Status, error) {
	var resp Status
	if err := c.get(ctx, "/v1/improve/status", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// HistoryOptions are optional filters for the History method.
type HistoryOptions struct {
	// Outcome filters to one outcome: OutcomePending, OutcomeSuccess,
	// OutcomeFailed, or OutcomeRolledBack.
	Outcome string
	// Since excludes records executed before this time.
	Since time.Time
	// Limit caps the number of returned records. Defaults to 50 server-side.
	Limit int
}

// History retrieves the audited action trail, newest first. Every row
// carries the server's content-hash verification result.
func (c *Client) History(ctx context.Context, opts *HistoryOptions) (*HistoryResponse, error) {
	params := url.Values{}
	if opts != nil {
		if opts.Outcome != "" {
			params.Set("outcome", opts.Outcome)
		}
		if !opts.Since.IsZero() {
			params.Set("since", opts.Since.UTC().Format(time.RFC3339))
		}
		if opts.Limit > 0 {
			params.Set("limit", strconv.Itoa(opts.Limit))
		}
	}

	path := "/v1/improve/history"
	if len(params) > 0 {
		path += "?" + params.Encode()
	}
	var resp HistoryResponse
	if err := c.get(ctx, path, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// DiagnosesOptions are optional filters for the Diagnoses method.
type DiagnosesOptions struct {
	// Status filters to one lifecycle status (DiagnosisPending, ...).
	Status string
	// Since excludes diagnoses created before this time.
	Since time.Time
	// Limit caps the number of returned diagnoses. Defaults to 20 server-side.
	Limit int
}

// Diagnoses retrieves recent diagnoses, newest first.
func (c *Client) Diagnoses(ctx context.Context, opts *DiagnosesOptions) (*DiagnosesResponse, error) {
	params := url.Values{}
	if opts != nil {
		if opts.Status != "" {
			params.Set("status", opts.Status)
		}
		if !opts.Since.IsZero() {
			params.Set("since", opts.Since.UTC().Format(time.RFC3339))
		}
		if opts.Limit > 0 {
			params.Set("limit", strconv.Itoa(opts.Limit))
		}
	}

	path := "/v1/improve/diagnoses"
	if len(params) > 0 {
		path += "?" + params.Encode()
	}
	var resp DiagnosesResponse
	if err := c.get(ctx, path, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Diagnosis retrieves one diagnosis by ID, including its full pipe trace.
func (c *Client) Diagnosis(ctx context.Context, id uuid.UUID) (*Diagnosis, error) {
	var resp Diagnosis
	if err := c.get(ctx, "/v1/improve/diagnoses/"+id.String(), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Baselines retrieves the live adaptive baseline for every core metric.
func (c *Client) Baselines(ctx context.Context) (*BaselinesResponse, error) {
	var resp BaselinesResponse
	if err := c.get(ctx, "/v1/improve/baselines", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Effectiveness retrieves per-action effectiveness aggregates ranked by
// score. A non-positive limit uses the server default.
func (c *Client) Effectiveness(ctx context.Context, limit int) (*EffectivenessResponse, error) {
	path := "/v1/improve/effectiveness"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var resp EffectivenessResponse
	if err := c.get(ctx, path, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ResetBreaker forces the circuit breaker closed, clearing the failure
// streak without waiting out the recovery timeout. Returns the breaker's
// snapshot after the reset.
func (c *Client) ResetBreaker(ctx context.Context) (*BreakerSnapshot, error) {
	var resp BreakerSnapshot
	if err := c.post(ctx, "/v1/improve/breaker/reset", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Health checks the server's health status. This endpoint does not require
// authentication and will work even if the client has invalid credentials.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var resp HealthResponse
	if err := c.getNoAuth(ctx, "/health", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ---------------------------------------------------------------------------
// HTTP transport
// ---------------------------------------------------------------------------

// apiEnvelope is the server's standard response wrapper.
type apiEnvelope struct {
	Data json.RawMessage `json:"data"`
}

// apiErrorEnvelope is the server's standard error response wrapper.
type apiErrorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) get(ctx context.Context, path string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("reasoning: create request: %w", err)
	}

	return c.doRequest(ctx, req, dest)
}

func (c *Client) post(ctx context.Context, path string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("reasoning: create request: %w", err)
	}

	return c.doRequest(ctx, req, dest)
}

func (c *Client) getNoAuth(ctx context.Context, path string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("reasoning: create request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("reasoning: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	return handleResponse(resp, dest)
}

func (c *Client) doRequest(ctx context.Context, req *http.Request, dest any) error {
	token, err := c.tokenMgr.getToken(ctx)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("reasoning: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	return handleResponse(resp, dest)
}

func handleResponse(resp *http.Response, dest any) error {
	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reasoning: read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		return parseErrorResponse(resp.StatusCode, bodyBytes)
	}

	if resp.StatusCode == http.StatusNoContent || dest == nil {
		return nil
	}

	// Unwrap the server's { "data": ... } envelope.
	var envelope apiEnvelope
	if err := json.Unmarshal(bodyBytes, &envelope); err != nil {
		return fmt.Errorf("reasoning: decode response envelope: %w", err)
	}

	if envelope.Data == nil {
		// Fallback: some endpoints may not wrap in "data".
		return json.Unmarshal(bodyBytes, dest)
	}

	return json.Unmarshal(envelope.Data, dest)
}

func parseErrorResponse(statusCode int, body []byte) *Error {
	apiErr := &Error{StatusCode: statusCode}

	var envelope apiErrorEnvelope
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
	} else {
		apiErr.Code = http.StatusText(statusCode)
		apiErr.Message = string(body)
	}

	return apiErr
}
