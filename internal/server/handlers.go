package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/ashita-ai/veritas/internal/auth"
	"github.com/ashita-ai/veritas/internal/fuji"
	"github.com/ashita-ai/veritas/internal/llm"
	"github.com/ashita-ai/veritas/internal/memory"
	"github.com/ashita-ai/veritas/internal/model"
	"github.com/ashita-ai/veritas/internal/pipeline"
	"github.com/ashita-ai/veritas/internal/trustlog"
)

const (
	defaultPageLimit = 50
	maxPageLimit     = 200
)

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	pipeline        *pipeline.Orchestrator
	log             *trustlog.Log
	policies        *fuji.PolicyStore
	jwtMgr          *auth.JWTManager
	keychain        *auth.Keychain
	memory          *memory.Memory
	proposer        *llm.Proposer
	logger          *slog.Logger
	version         string
	requestDeadline time.Duration
	openapiSpec     []byte
}

// HandlersDeps holds all dependencies for constructing Handlers.
// Optional (nil-safe): Memory, Proposer, OpenAPISpec.
type HandlersDeps struct {
	Pipeline        *pipeline.Orchestrator
	Log             *trustlog.Log
	Policies        *fuji.PolicyStore
	JWTMgr          *auth.JWTManager
	Keychain        *auth.Keychain
	Memory          *memory.Memory
	Proposer        *llm.Proposer
	Logger          *slog.Logger
	Version         string
	RequestDeadline time.Duration // bounds each decide call; 0 leaves the request unbounded
	OpenAPISpec     []byte
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	return &Handlers{
		pipeline:        d.Pipeline,
		log:             d.Log,
		policies:        d.Policies,
		jwtMgr:          d.JWTMgr,
		keychain:        d.Keychain,
		memory:          d.Memory,
		proposer:        d.Proposer,
		logger:          d.Logger,
		version:         d.Version,
		requestDeadline: d.RequestDeadline,
		openapiSpec:     d.OpenAPISpec,
	}
}

// HandleDecide handles POST /v1/decide. Every logical outcome, deny and
// hold included, is a 200: the decision status lives in the body. Only a
// request the pipeline refused to run (400) or a decision that could not
// be sealed (503) surface as errors.
func (h *Handlers) HandleDecide(w http.ResponseWriter, r *http.Request) {
	var req model.DecideRequest
	if err := decodeJSON(r, &req); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	// Reuse the HTTP request ID for the pipeline unless the caller pinned
	// a request id in the decision context themselves.
	if reqID := RequestIDFromContext(r.Context()); reqID != "" {
		if req.Context == nil {
			req.Context = map[string]any{}
		}
		if _, ok := req.Context[model.CtxRequestID]; !ok {
			req.Context[model.CtxRequestID] = reqID
		}
	}

	// The pipeline watches this deadline at stage boundaries and holds
	// with reason timeout when it runs out.
	ctx := r.Context()
	if h.requestDeadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.requestDeadline)
		defer cancel()
	}

	resp, err := h.pipeline.Decide(ctx, req)
	switch {
	case errors.Is(err, pipeline.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
	case errors.Is(err, pipeline.ErrTrustLogUnavailable):
		writeErrorDetails(w, r, http.StatusServiceUnavailable, model.ErrCodeTrustLogUnavailable,
			"decision was not sealed to the trust log", map[string]any{
				"request_id":       resp.RequestID,
				"decision_status":  resp.DecisionStatus,
				"rejection_reason": resp.RejectionReason,
			})
	case err != nil:
		h.writeInternalError(w, r, "decide failed", err)
	default:
		writeJSON(w, r, http.StatusOK, resp)
	}
}

// HandleTrustLogList handles GET /v1/trustlog.
func (h *Handlers) HandleTrustLogList(w http.ResponseWriter, r *http.Request) {
	limit := defaultPageLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "limit must be a positive integer")
			return
		}
		limit = min(n, maxPageLimit)
	}

	records, next, err := h.log.List(r.URL.Query().Get("cursor"), limit)
	if err != nil {
		if errors.Is(err, trustlog.ErrBadCursor) {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid cursor")
			return
		}
		h.writeInternalError(w, r, "trust log list failed", err)
		return
	}
	if records == nil {
		records = []model.TrustLogRecord{}
	}
	writeList(w, r, records, next, limit)
}

// HandleTrustLogGet handles GET /v1/trustlog/{id}.
func (h *Handlers) HandleTrustLogGet(w http.ResponseWriter, r *http.Request) {
	rec, err := h.log.Get(r.PathValue("id"))
	if err != nil {
		if errors.Is(err, trustlog.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "trust log record not found")
			return
		}
		h.writeInternalError(w, r, "trust log get failed", err)
		return
	}
	writeJSON(w, r, http.StatusOK, rec)
}

// HandleTrustLogByRequest handles GET /v1/trustlog/request/{request_id}.
// A request id with no sealed records is not an error; the report says
// "empty" and carries no records.
func (h *Handlers) HandleTrustLogByRequest(w http.ResponseWriter, r *http.Request) {
	report, err := h.log.ByRequestID(r.PathValue("request_id"))
	if err != nil {
		h.writeInternalError(w, r, "trust log request lookup failed", err)
		return
	}
	writeJSON(w, r, http.StatusOK, report)
}

// HandleTrustLogVerify handles POST /v1/trustlog/verify (admin-only).
// Walks the full chain, so latency grows with log size.
func (h *Handlers) HandleTrustLogVerify(w http.ResponseWriter, r *http.Request) {
	report, err := h.log.Verify(r.Context())
	if err != nil {
		h.writeInternalError(w, r, "trust log verification failed", err)
		return
	}
	writeJSON(w, r, http.StatusOK, report)
}

// HandleAuthToken handles POST /v1/auth/token. Exchanges a valid API key
// for a short-lived JWT.
func (h *Handlers) HandleAuthToken(w http.ResponseWriter, r *http.Request) {
	var req model.AuthTokenRequest
	if err := decodeJSON(r, &req); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.KeyID == "" || req.APIKey == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "key_id and api_key are required")
		return
	}

	key, ok := h.keychain.Verify(req.KeyID, req.APIKey)
	if !ok {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid key_id or api_key")
		return
	}

	token, expiresAt, err := h.jwtMgr.IssueToken(key)
	if err != nil {
		h.writeInternalError(w, r, "token issuance failed", err)
		return
	}

	h.logger.Info("auth token issued",
		"key_id", key.KeyID,
		"role", key.Role,
		"expires_at", expiresAt,
		"request_id", RequestIDFromContext(r.Context()),
	)

	writeJSON(w, r, http.StatusOK, model.AuthTokenResponse{
		Token:     token,
		ExpiresAt: expiresAt,
	})
}

// HandlePolicyReload handles POST /v1/admin/policy/reload (admin-only).
// The file watcher applies changes on its own; this endpoint forces an
// immediate reload and reports the active policy hash either way.
func (h *Handlers) HandlePolicyReload(w http.ResponseWriter, r *http.Request) {
	reloaded, err := h.policies.Reload()
	if err != nil {
		h.writeInternalError(w, r, "policy reload failed", err)
		return
	}
	if reloaded {
		h.logger.Info("policy reloaded via admin endpoint",
			"hash", h.policies.Hash(),
			"key_id", keyIDFrom(r),
		)
	}
	writeJSON(w, r, http.StatusOK, model.PolicyReloadResponse{
		Reloaded:   reloaded,
		PolicyHash: h.policies.Hash(),
	})
}

// HandleHealth handles GET /health. Liveness never fails here; per-service
// availability is reported in the body and readiness gating happens on
// /ready.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	services := map[string]string{
		"trust_log": "ready",
		"memory":    "disabled",
		"proposer":  "disabled",
	}
	status := "healthy"

	if !h.log.Ready() {
		services["trust_log"] = "unavailable"
		status = "degraded"
	}
	if h.memory != nil {
		services["memory"] = "available"
		if h.memory.SemanticAvailable() {
			services["memory"] = "available+semantic"
		}
	}
	if h.proposer.Enabled() {
		services["proposer"] = "available"
	}

	writeJSON(w, r, http.StatusOK, model.HealthResponse{
		Status:   status,
		Version:  h.version,
		Services: services,
	})
}

// HandleReady handles GET /ready. Not ready means decisions cannot be
// sealed, so load balancers should stop routing decide traffic here.
func (h *Handlers) HandleReady(w http.ResponseWriter, r *http.Request) {
	if !h.log.Ready() {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeTrustLogUnavailable, "trust log is not writable")
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]string{"status": "ready"})
}

// HandleOpenAPISpec handles GET /openapi.yaml.
func (h *Handlers) HandleOpenAPISpec(w http.ResponseWriter, r *http.Request) {
	if len(h.openapiSpec) == 0 {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "openapi spec not embedded")
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(h.openapiSpec)
}

func (h *Handlers) writeInternalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	h.logger.Error(msg, "error", err, "request_id", RequestIDFromContext(r.Context()))
	writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, msg)
}

func keyIDFrom(r *http.Request) string {
	if claims := ClaimsFromContext(r.Context()); claims != nil {
		return claims.KeyID
	}
	return ""
}
