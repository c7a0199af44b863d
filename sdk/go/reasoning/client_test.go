package reasoning

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
)

// mockServer creates an httptest server that mimics the reasoning API.
func mockServer(t *testing.T, handlers map[string]http.HandlerFunc) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()

	// Always register auth endpoint.
	if _, ok := handlers["POST /auth/token"]; !ok {
		mux.HandleFunc("POST /auth/token", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{
				"data": map[string]any{
					"token":      "test-token-xyz",
					"expires_at": time.Now().Add(1 * time.Hour).Format(time.RFC3339),
				},
			})
		})
	}

	for pattern, handler := range handlers {
		mux.HandleFunc(pattern, handler)
	}

	return httptest.NewServer(mux)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func newTestClient(t *testing.T, serverURL string) *Client {
	t.Helper()
	c, err := NewClient(Config{
		BaseURL:     serverURL,
		OperatorKey: "test-key",
		Name:        "test-operator",
		Timeout:     5 * time.Second,
	})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	return c
}

func TestNewClientValidation(t *testing.T) {
	if _, err := NewClient(Config{OperatorKey: "k"}); err == nil {
		t.Error("expected error for missing BaseURL")
	}
	if _, err := NewClient(Config{BaseURL: "http://localhost:8080"}); err == nil {
		t.Error("expected error for missing OperatorKey")
	}
	c, err := NewClient(Config{BaseURL: "http://localhost:8080/", OperatorKey: "k"})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	if c.baseURL != "http://localhost:8080" {
		t.Errorf("expected trailing slash trimmed, got %q", c.baseURL)
	}
}

func TestStatusReturnsLoopSummary(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /v1/improve/status": func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Authorization") != "Bearer test-token-xyz" {
				writeJSON(w, http.StatusUnauthorized, map[string]any{
					"error": map[string]any{"code": "UNAUTHORIZED", "message": "bad token"},
				})
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{
				"data": Status{
					Mode:       "autonomous",
					Breaker:    &BreakerSnapshot{State: "closed"},
					Actions24h: map[string]int{"success": 3, "rolled_back": 1},
					Effectiveness: []Effectiveness{
						{Kind: ActionScaleResource, Target: "cache_size", Attempts: 4, Successes: 3, Score: 0.42},
					},
					Telemetry: TelemetryStatus{PendingInvocations: 12},
				},
			})
		},
	})
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	status, err := client.Status(context.Background())
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if status.Mode != "autonomous" {
		t.Errorf("expected mode 'autonomous', got %q", status.Mode)
	}
	if status.Breaker == nil || status.Breaker.State != "closed" {
		t.Errorf("expected closed breaker, got %+v", status.Breaker)
	}
	if status.Actions24h["success"] != 3 {
		t.Errorf("expected 3 successes in tally, got %d", status.Actions24h["success"])
	}
	if len(status.Effectiveness) != 1 || status.Effectiveness[0].Target != "cache_size" {
		t.Errorf("unexpected effectiveness: %+v", status.Effectiveness)
	}
}

func TestTokenCachedAcrossRequests(t *testing.T) {
	var authCalls atomic.Int32
	srv := mockServer(t, map[string]http.HandlerFunc{
		"POST /auth/token": func(w http.ResponseWriter, r *http.Request) {
			authCalls.Add(1)
			var body authRequest
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				t.Errorf("decode auth request: %v", err)
			}
			if body.OperatorKey != "test-key" {
				t.Errorf("expected operator key 'test-key', got %q", body.OperatorKey)
			}
			if body.Name != "test-operator" {
				t.Errorf("expected name 'test-operator', got %q", body.Name)
			}
			writeJSON(w, http.StatusOK, map[string]any{
				"data": map[string]any{
					"token":      "test-token-xyz",
					"expires_at": time.Now().Add(1 * time.Hour).Format(time.RFC3339),
				},
			})
		},
		"GET /v1/improve/baselines": func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{"data": BaselinesResponse{}})
		},
	})
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	for range 3 {
		if _, err := client.Baselines(context.Background()); err != nil {
			t.Fatalf("Baselines failed: %v", err)
		}
	}
	if got := authCalls.Load(); got != 1 {
		t.Errorf("expected 1 auth call for 3 requests, got %d", got)
	}
}

func TestTokenRefreshedNearExpiry(t *testing.T) {
	var authCalls atomic.Int32
	srv := mockServer(t, map[string]http.HandlerFunc{
		"POST /auth/token": func(w http.ResponseWriter, r *http.Request) {
			authCalls.Add(1)
			writeJSON(w, http.StatusOK, map[string]any{
				"data": map[string]any{
					// Inside the 30s refresh margin, so every request refreshes.
					"token":      "short-lived",
					"expires_at": time.Now().Add(10 * time.Second).Format(time.RFC3339),
				},
			})
		},
		"GET /v1/improve/baselines": func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{"data": BaselinesResponse{}})
		},
	})
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	for range 2 {
		if _, err := client.Baselines(context.Background()); err != nil {
			t.Fatalf("Baselines failed: %v", err)
		}
	}
	if got := authCalls.Load(); got != 2 {
		t.Errorf("expected a refresh per request near expiry, got %d auth calls", got)
	}
}

func TestHistoryPassesFilters(t *testing.T) {
	recordID := uuid.New()
	var receivedQuery string
	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /v1/improve/history": func(w http.ResponseWriter, r *http.Request) {
			receivedQuery = r.URL.RawQuery
			writeJSON(w, http.StatusOK, map[string]any{
				"data": HistoryResponse{
					Count:      1,
					MerkleRoot: "abc123",
					Actions: []HistoryItem{
						{
							ActionRecord: ActionRecord{
								ID:      recordID,
								Outcome: OutcomeRolledBack,
								Detail:  "error rate regressed",
							},
							HashVerified: true,
						},
					},
				},
			})
		},
	})
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	since := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	resp, err := client.History(context.Background(), &HistoryOptions{
		Outcome: OutcomeRolledBack,
		Since:   since,
		Limit:   25,
	})
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if !strings.Contains(receivedQuery, "outcome=rolled_back") {
		t.Errorf("expected outcome filter in query, got %q", receivedQuery)
	}
	if !strings.Contains(receivedQuery, "limit=25") {
		t.Errorf("expected limit in query, got %q", receivedQuery)
	}
	if !strings.Contains(receivedQuery, "since=2026-02-01") {
		t.Errorf("expected since in query, got %q", receivedQuery)
	}
	if resp.Count != 1 || resp.Actions[0].ID != recordID {
		t.Errorf("unexpected response: %+v", resp)
	}
	if !resp.Actions[0].HashVerified {
		t.Error("expected hash_verified to round-trip")
	}
	if resp.MerkleRoot != "abc123" {
		t.Errorf("expected merkle root 'abc123', got %q", resp.MerkleRoot)
	}
}

func TestDiagnosisByID(t *testing.T) {
	diagID := uuid.New()
	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /v1/improve/diagnoses/{id}": func(w http.ResponseWriter, r *http.Request) {
			if r.PathValue("id") != diagID.String() {
				writeJSON(w, http.StatusNotFound, map[string]any{
					"error": map[string]any{"code": "NOT_FOUND", "message": "diagnosis not found"},
				})
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{
				"data": Diagnosis{
					ID:         diagID,
					Hypothesis: "latency spike from cold cache",
					Status:     DiagnosisCompleted,
					Action: SuggestedAction{
						Kind:          ActionScaleResource,
						ScaleResource: &ScaleResource{Resource: "cache_size", Old: 1000, New: 1500},
					},
				},
			})
		},
	})
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	d, err := client.Diagnosis(context.Background(), diagID)
	if err != nil {
		t.Fatalf("Diagnosis failed: %v", err)
	}
	if d.Status != DiagnosisCompleted {
		t.Errorf("expected status completed, got %q", d.Status)
	}
	if d.Action.Kind != ActionScaleResource || d.Action.ScaleResource == nil {
		t.Fatalf("unexpected action: %+v", d.Action)
	}
	if d.Action.ScaleResource.New != 1500 {
		t.Errorf("expected new value 1500, got %d", d.Action.ScaleResource.New)
	}

	_, err = client.Diagnosis(context.Background(), uuid.New())
	if !IsNotFound(err) {
		t.Errorf("expected IsNotFound, got %v", err)
	}
}

func TestResetBreaker(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"POST /v1/improve/breaker/reset": func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Authorization") != "Bearer test-token-xyz" {
				writeJSON(w, http.StatusUnauthorized, map[string]any{
					"error": map[string]any{"code": "UNAUTHORIZED", "message": "bad token"},
				})
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{
				"data": BreakerSnapshot{State: "closed", Opens: 2, TotalFailures: 7, TotalSuccesses: 19},
			})
		},
	})
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	snap, err := client.ResetBreaker(context.Background())
	if err != nil {
		t.Fatalf("ResetBreaker failed: %v", err)
	}
	if snap.State != "closed" {
		t.Errorf("expected closed breaker after reset, got %q", snap.State)
	}
	if snap.TotalFailures != 7 || snap.TotalSuccesses != 19 {
		t.Errorf("expected lifetime totals preserved, got %+v", snap)
	}
}

func TestErrorParsing(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /v1/improve/status": func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusTooManyRequests, map[string]any{
				"error": map[string]any{"code": "RATE_LIMITED", "message": "slow down"},
			})
		},
		"GET /v1/improve/baselines": func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
			_, _ = w.Write([]byte("upstream broke"))
		},
	})
	defer srv.Close()

	client := newTestClient(t, srv.URL)

	_, err := client.Status(context.Background())
	if !IsRateLimited(err) {
		t.Errorf("expected IsRateLimited, got %v", err)
	}
	var apiErr *Error
	if !errors.As(err, &apiErr) || apiErr.Message != "slow down" {
		t.Errorf("expected server message preserved, got %v", err)
	}

	// Non-envelope error bodies fall back to raw text.
	_, err = client.Baselines(context.Background())
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *Error, got %v", err)
	}
	if apiErr.StatusCode != http.StatusBadGateway || !strings.Contains(apiErr.Message, "upstream broke") {
		t.Errorf("unexpected error: %+v", apiErr)
	}
}

func TestHealthSkipsAuth(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"POST /auth/token": func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusUnauthorized, map[string]any{
				"error": map[string]any{"code": "UNAUTHORIZED", "message": "invalid credentials"},
			})
		},
		"GET /health": func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Authorization") != "" {
				t.Error("health request should not carry an Authorization header")
			}
			writeJSON(w, http.StatusOK, map[string]any{
				"data": HealthResponse{Status: "healthy", Storage: "connected", Breaker: "closed"},
			})
		},
	})
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	resp, err := client.Health(context.Background())
	if err != nil {
		t.Fatalf("Health failed: %v", err)
	}
	if resp.Status != "healthy" || resp.Breaker != "closed" {
		t.Errorf("unexpected health response: %+v", resp)
	}
}
