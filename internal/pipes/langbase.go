package pipes

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Langbase runs named pipes against the Langbase pipes API. Each pipe is a
// deployed prompt with its own model binding; this client only names them.
type Langbase struct {
	apiKey     string
	baseURL    string
	timeout    time.Duration
	httpClient *http.Client
}

// NewLangbase creates a Langbase runner. baseURL defaults to the hosted API;
// override it in tests.
func NewLangbase(apiKey, baseURL string, timeout time.Duration) *Langbase {
	if baseURL == "" {
		baseURL = "https://api.langbase.com"
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Langbase{
		apiKey:  apiKey,
		baseURL: baseURL,
		timeout: timeout,
		httpClient: &http.Client{
			Timeout: timeout + 5*time.Second, // HTTP timeout slightly beyond per-call context timeout.
		},
	}
}

type langbaseRunRequest struct {
	Name     string    `json:"name"`
	Messages []Message `json:"messages"`
	Stream   bool      `json:"stream"`
}

type langbaseRunResponse struct {
	Completion string `json:"completion"`
}

// Run executes the named pipe and returns its completion.
func (l *Langbase) Run(ctx context.Context, pipe string, messages []Message) (Response, error) {
	callCtx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	body, err := json.Marshal(langbaseRunRequest{
		Name:     pipe,
		Messages: messages,
		Stream:   false,
	})
	if err != nil {
		return Response{}, fmt.Errorf("langbase: marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, l.baseURL+"/v1/pipes/run", bytes.NewReader(body))
	if err != nil {
		return Response{}, fmt.Errorf("langbase: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+l.apiKey)

	start := time.Now()
	resp, err := l.httpClient.Do(req)
	if err != nil {
		return Response{}, fmt.Errorf("langbase: run %s: %w", pipe, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return Response{}, fmt.Errorf("langbase: run %s: status %d: %s", pipe, resp.StatusCode, string(respBody))
	}

	var result langbaseRunResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return Response{}, fmt.Errorf("langbase: decode response: %w", err)
	}

	return Response{
		Text:      result.Completion,
		Pipe:      pipe,
		LatencyMS: time.Since(start).Milliseconds(),
	}, nil
}
