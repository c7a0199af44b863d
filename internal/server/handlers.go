package server

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/quanticsoul4772/mcp-langbase-reasoning-sub000/internal/auth"
	"github.com/quanticsoul4772/mcp-langbase-reasoning-sub000/internal/baseline"
	"github.com/quanticsoul4772/mcp-langbase-reasoning-sub000/internal/breaker"
	"github.com/quanticsoul4772/mcp-langbase-reasoning-sub000/internal/ctxutil"
	"github.com/quanticsoul4772/mcp-langbase-reasoning-sub000/internal/integrity"
	"github.com/quanticsoul4772/mcp-langbase-reasoning-sub000/internal/invocations"
	"github.com/quanticsoul4772/mcp-langbase-reasoning-sub000/internal/model"
	"github.com/quanticsoul4772/mcp-langbase-reasoning-sub000/internal/precedent"
	"github.com/quanticsoul4772/mcp-langbase-reasoning-sub000/internal/runtimecfg"
	"github.com/quanticsoul4772/mcp-langbase-reasoning-sub000/internal/storage"
)

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	store               storage.Store
	jwtMgr              *auth.JWTManager
	registry            *runtimecfg.Registry
	brk                 *breaker.Breaker
	baselines           *baseline.Calculator
	recorder            *invocations.Recorder
	searcher            precedent.Searcher
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	maxRequestBodyBytes int64
	// operatorKeyHash is the argon2id hash of the configured operator key.
	// Empty means no key is configured and /auth/token always rejects.
	operatorKeyHash string
	loopEnabled     bool
}

// HandlersDeps holds all dependencies for constructing Handlers.
// Optional (nil-safe): Registry, Breaker, Baselines, Recorder, Searcher.
type HandlersDeps struct {
	Store               storage.Store
	JWTMgr              *auth.JWTManager
	Registry            *runtimecfg.Registry
	Breaker             *breaker.Breaker
	Baselines           *baseline.Calculator
	Recorder            *invocations.Recorder
	Searcher            precedent.Searcher
	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
	OperatorKeyHash     string
	LoopEnabled         bool
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	return &Handlers{
		store:               d.Store,
		jwtMgr:              d.JWTMgr,
		registry:            d.Registry,
		brk:                 d.Breaker,
		baselines:           d.Baselines,
		recorder:            d.Recorder,
		searcher:            d.Searcher,
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
		operatorKeyHash:     d.OperatorKeyHash,
		loopEnabled:         d.LoopEnabled,
	}
}

// HandleAuthToken handles POST /auth/token. The configured operator key is
// exchanged for a short-lived JWT.
func (h *Handlers) HandleAuthToken(w http.ResponseWriter, r *http.Request) {
	var req model.AuthTokenRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	if h.operatorKeyHash == "" {
		// Burn the same time as a real check so the response does not
		// reveal whether an operator key is configured.
		auth.DummyVerify()
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
		return
	}

	valid, err := auth.VerifyOperatorKey(req.OperatorKey, h.operatorKeyHash)
	if err != nil {
		h.writeInternalError(w, r, "failed to verify operator key", err)
		return
	}
	if !valid {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
		return
	}

	token, expiresAt, err := h.jwtMgr.IssueToken(req.Name)
	if err != nil {
		h.writeInternalError(w, r, "failed to issue token", err)
		return
	}

	h.logger.Info("operator token issued",
		"name", req.Name,
		"expires_at", expiresAt.Format(time.RFC3339),
		"request_id", ctxutil.RequestIDFromContext(r.Context()),
	)

	writeJSON(w, r, http.StatusOK, model.AuthTokenResponse{Token: token, ExpiresAt: expiresAt})
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	storageStatus := "connected"
	status := "healthy"
	httpStatus := http.StatusOK

	if err := h.store.Ping(r.Context()); err != nil {
		storageStatus = "disconnected"
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}

	// Recorder backpressure: >50% capacity = high, >75% capacity = critical.
	bufDepth := 0
	bufStatus := "ok"
	var dropped int64
	if h.recorder != nil {
		bufDepth = h.recorder.Len()
		dropped = h.recorder.Dropped()
		cap := h.recorder.Cap()
		if bufDepth > cap*3/4 {
			bufStatus = "critical"
			if status == "healthy" {
				status = "degraded"
			}
		} else if bufDepth > cap/2 {
			bufStatus = "high"
		}
	}

	resp := model.HealthResponse{
		Status:             status,
		Version:            h.version,
		Storage:            storageStatus,
		PendingInvocations: bufDepth,
		DroppedInvocations: dropped,
		BufferStatus:       bufStatus,
		Uptime:             int64(time.Since(h.startedAt).Seconds()),
	}

	if h.brk != nil {
		resp.Breaker = string(h.brk.State())
	}

	if h.searcher != nil {
		if err := h.searcher.Healthy(r.Context()); err == nil {
			resp.Qdrant = "connected"
		} else {
			resp.Qdrant = "disconnected"
		}
	}

	writeJSON(w, r, httpStatus, resp)
}

// HandleReady handles GET /ready. Ready means the store answers; pipe
// backends are probed per call and do not gate readiness.
func (h *Handlers) HandleReady(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Ping(r.Context()); err != nil {
		writeJSON(w, r, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]string{"status": "ready"})
}

// improveStatus is the response for GET /v1/improve/status.
type improveStatus struct {
	Mode           string                      `json:"mode"`
	Breaker        *breaker.Snapshot           `json:"breaker,omitempty"`
	Actions24h     map[string]int              `json:"actions_24h"`
	Effectiveness  []model.ActionEffectiveness `json:"effectiveness"`
	Config         *runtimecfg.Snapshot        `json:"config,omitempty"`
	Telemetry      telemetryStatus             `json:"telemetry"`
	LastReflection *reflectionStatus           `json:"last_reflection,omitempty"`
}

type telemetryStatus struct {
	PendingInvocations int   `json:"pending_invocations"`
	DroppedInvocations int64 `json:"dropped_invocations"`
}

type reflectionStatus struct {
	Summary     string    `json:"summary"`
	Suggestions string    `json:"suggestions,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// HandleImproveStatus handles GET /v1/improve/status.
func (h *Handlers) HandleImproveStatus(w http.ResponseWriter, r *http.Request) {
	recent, err := h.store.ListActionRecords(r.Context(), storage.ActionFilter{
		Since: time.Now().Add(-24 * time.Hour),
		Limit: 200,
	})
	if err != nil {
		h.writeInternalError(w, r, "failed to list action records", err)
		return
	}
	eff, err := h.store.ListEffectiveness(r.Context(), 10)
	if err != nil {
		h.writeInternalError(w, r, "failed to list effectiveness", err)
		return
	}
	if eff == nil {
		eff = make([]model.ActionEffectiveness, 0)
	}

	tally := make(map[string]int, len(recent))
	for _, rec := range recent {
		tally[string(rec.Outcome)]++
	}

	resp := improveStatus{
		Mode:          "monitor",
		Actions24h:    tally,
		Effectiveness: eff,
	}
	if h.loopEnabled {
		resp.Mode = "autonomous"
	}
	if h.brk != nil {
		snap := h.brk.Snapshot()
		resp.Breaker = &snap
	}
	if h.registry != nil {
		snap := h.registry.Snapshot()
		resp.Config = &snap
	}
	if h.recorder != nil {
		resp.Telemetry.PendingInvocations = h.recorder.Len()
		resp.Telemetry.DroppedInvocations = h.recorder.Dropped()
	}
	if refs, err := h.store.ListReflections(r.Context(), 1); err == nil && len(refs) > 0 {
		resp.LastReflection = &reflectionStatus{
			Summary:     refs[0].Summary,
			Suggestions: refs[0].Suggestions,
			CreatedAt:   refs[0].CreatedAt,
		}
	}

	writeJSON(w, r, http.StatusOK, resp)
}

// HandleBreakerReset handles POST /v1/improve/breaker/reset, the operator
// escape hatch for an open breaker. The reset position is persisted
// immediately so a crash cannot resurrect the open state, and the new
// snapshot comes back in the response.
func (h *Handlers) HandleBreakerReset(w http.ResponseWriter, r *http.Request) {
	if h.brk == nil {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "no circuit breaker configured")
		return
	}

	before := h.brk.State()
	h.brk.Reset()
	if err := h.store.SaveBreakerState(r.Context(), h.brk.Export()); err != nil {
		h.writeInternalError(w, r, "failed to persist breaker state", err)
		return
	}

	h.logger.Info("breaker reset by operator",
		"previous_state", before,
		"request_id", ctxutil.RequestIDFromContext(r.Context()),
	)

	writeJSON(w, r, http.StatusOK, h.brk.Snapshot())
}

// historyItem is one audited action row with its hash verification result.
type historyItem struct {
	model.ActionRecord
	HashVerified bool `json:"hash_verified"`
}

// improveHistory is the response for GET /v1/improve/history.
type improveHistory struct {
	Count        int           `json:"count"`
	HashFailures int           `json:"hash_failures"`
	MerkleRoot   string        `json:"merkle_root,omitempty"`
	Actions      []historyItem `json:"actions"`
}

// HandleImproveHistory handles GET /v1/improve/history. Every returned row
// carries the result of verifying its content hash, so a tampered audit
// trail is visible without extra tooling.
func (h *Handlers) HandleImproveHistory(w http.ResponseWriter, r *http.Request) {
	filter := storage.ActionFilter{Limit: queryLimit(r, 50)}

	if outcome := r.URL.Query().Get("outcome"); outcome != "" {
		switch model.ActionOutcome(outcome) {
		case model.OutcomePending, model.OutcomeSuccess, model.OutcomeFailed, model.OutcomeRolledBack:
			filter.Outcome = model.ActionOutcome(outcome)
		default:
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput,
				fmt.Sprintf("unknown outcome %q; valid outcomes: pending, success, failed, rolled_back", outcome))
			return
		}
	}
	since, err := queryTime(r, "since")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	if since != nil {
		filter.Since = *since
	}

	records, err := h.store.ListActionRecords(r.Context(), filter)
	if err != nil {
		h.writeInternalError(w, r, "failed to list action records", err)
		return
	}

	items := make([]historyItem, 0, len(records))
	failures := 0
	for _, rec := range records {
		verified := integrity.VerifyActionHash(rec.ContentHash, rec.ID, rec.DiagnosisID, rec.Action, rec.ExecutedAt)
		if !verified {
			failures++
		}
		items = append(items, historyItem{ActionRecord: rec, HashVerified: verified})
	}

	resp := improveHistory{Count: len(items), HashFailures: failures, Actions: items}
	if len(records) > 0 {
		resp.MerkleRoot = integrity.RecordsRoot(records)
	}

	writeJSON(w, r, http.StatusOK, resp)
}

// improveDiagnoses is the response for GET /v1/improve/diagnoses.
type improveDiagnoses struct {
	Count     int                   `json:"count"`
	Diagnoses []model.SelfDiagnosis `json:"diagnoses"`
}

// HandleImproveDiagnoses handles GET /v1/improve/diagnoses.
func (h *Handlers) HandleImproveDiagnoses(w http.ResponseWriter, r *http.Request) {
	filter := storage.DiagnosisFilter{Limit: queryLimit(r, 20)}

	if status := r.URL.Query().Get("status"); status != "" {
		switch model.DiagnosisStatus(status) {
		case model.DiagnosisPending, model.DiagnosisApproved, model.DiagnosisRejected,
			model.DiagnosisExecuting, model.DiagnosisCompleted, model.DiagnosisBlocked:
			filter.Status = model.DiagnosisStatus(status)
		default:
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput,
				fmt.Sprintf("unknown status %q; valid statuses: pending, approved, rejected, executing, completed, blocked", status))
			return
		}
	}
	since, err := queryTime(r, "since")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	if since != nil {
		filter.Since = *since
	}

	diagnoses, err := h.store.ListDiagnoses(r.Context(), filter)
	if err != nil {
		h.writeInternalError(w, r, "failed to list diagnoses", err)
		return
	}
	if diagnoses == nil {
		diagnoses = make([]model.SelfDiagnosis, 0)
	}

	writeJSON(w, r, http.StatusOK, improveDiagnoses{Count: len(diagnoses), Diagnoses: diagnoses})
}

// HandleImproveDiagnosis handles GET /v1/improve/diagnoses/{id}.
func (h *Handlers) HandleImproveDiagnosis(w http.ResponseWriter, r *http.Request) {
	idStr := r.PathValue("id")
	id, err := uuid.Parse(idStr)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput,
			fmt.Sprintf("invalid diagnosis id: %s", idStr))
		return
	}

	d, err := h.store.GetDiagnosis(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "diagnosis not found")
			return
		}
		h.writeInternalError(w, r, "failed to load diagnosis", err)
		return
	}

	writeJSON(w, r, http.StatusOK, d)
}

// improveBaselines is the response for GET /v1/improve/baselines.
type improveBaselines struct {
	Count     int                         `json:"count"`
	Valid     int                         `json:"valid"`
	Baselines []model.MetricBaselineState `json:"baselines"`
}

// HandleImproveBaselines handles GET /v1/improve/baselines, reporting the
// live adaptive baseline for every core metric.
func (h *Handlers) HandleImproveBaselines(w http.ResponseWriter, r *http.Request) {
	if h.baselines == nil {
		writeJSON(w, r, http.StatusOK, improveBaselines{Baselines: make([]model.MetricBaselineState, 0)})
		return
	}

	states := h.baselines.Snapshot()
	valid := 0
	for _, s := range states {
		if s.Valid {
			valid++
		}
	}

	writeJSON(w, r, http.StatusOK, improveBaselines{Count: len(states), Valid: valid, Baselines: states})
}

// improveEffectiveness is the response for GET /v1/improve/effectiveness.
type improveEffectiveness struct {
	Count   int                         `json:"count"`
	Entries []model.ActionEffectiveness `json:"entries"`
}

// HandleImproveEffectiveness handles GET /v1/improve/effectiveness.
func (h *Handlers) HandleImproveEffectiveness(w http.ResponseWriter, r *http.Request) {
	entries, err := h.store.ListEffectiveness(r.Context(), queryLimit(r, 20))
	if err != nil {
		h.writeInternalError(w, r, "failed to list effectiveness", err)
		return
	}
	if entries == nil {
		entries = make([]model.ActionEffectiveness, 0)
	}

	writeJSON(w, r, http.StatusOK, improveEffectiveness{Count: len(entries), Entries: entries})
}

// writeInternalError logs the cause and writes a generic 500 so internals do
// not leak into responses.
func (h *Handlers) writeInternalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	h.logger.Error(msg,
		"error", err,
		"path", r.URL.Path,
		"request_id", ctxutil.RequestIDFromContext(r.Context()),
	)
	writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, msg)
}

// --- Shared helpers ---

// maxQueryLimit is the maximum allowed value for limit query parameters.
const maxQueryLimit = 1000

func queryInt(r *http.Request, key string, defaultVal int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

// queryLimit returns a bounded limit value from query params.
// Values are clamped to [1, maxQueryLimit].
func queryLimit(r *http.Request, defaultVal int) int {
	limit := queryInt(r, "limit", defaultVal)
	if limit < 1 {
		return 1
	}
	if limit > maxQueryLimit {
		return maxQueryLimit
	}
	return limit
}

func queryTime(r *http.Request, key string) (*time.Time, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil, fmt.Errorf("invalid %s: expected RFC3339 format (e.g. 2024-01-01T00:00:00Z)", key)
	}
	return &t, nil
}
