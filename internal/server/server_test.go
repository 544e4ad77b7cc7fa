package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/veritas/internal/auth"
	"github.com/ashita-ai/veritas/internal/fuji"
	"github.com/ashita-ai/veritas/internal/llm"
	"github.com/ashita-ai/veritas/internal/model"
	"github.com/ashita-ai/veritas/internal/pipeline"
	"github.com/ashita-ai/veritas/internal/ratelimit"
	"github.com/ashita-ai/veritas/internal/server"
	"github.com/ashita-ai/veritas/internal/service/evidence"
	"github.com/ashita-ai/veritas/internal/service/values"
	"github.com/ashita-ai/veritas/internal/testutil"
	"github.com/ashita-ai/veritas/internal/trustlog"
)

const (
	testAPISecret = "sk-veritas-test-secret"
	agentKeyID    = "vk_agent1"
	adminKeyID    = "vk_admin1"
)

// Argon2id hashing is expensive, so the key file hash is computed once for
// the whole package.
var keyHashOnce struct {
	sync.Once
	hash string
	err  error
}

func testKeyHash(t *testing.T) string {
	t.Helper()
	keyHashOnce.Do(func() {
		keyHashOnce.hash, keyHashOnce.err = auth.HashAPIKey(testAPISecret)
	})
	require.NoError(t, keyHashOnce.err)
	return keyHashOnce.hash
}

// cannedSource feeds the pipeline enough evidence to clear the gate.
type cannedSource struct {
	items []model.EvidenceItem
}

func (s cannedSource) Name() string { return "memory_episodic" }

func (s cannedSource) Gather(context.Context, evidence.Query) ([]model.EvidenceItem, error) {
	return s.items, nil
}

func priorEvidence(n int) []model.EvidenceItem {
	out := make([]model.EvidenceItem, n)
	for i := range out {
		out[i] = model.EvidenceItem{
			Source:     "episodic:prior",
			Text:       "a past decision on the same service went well",
			Confidence: 0.8,
			Kind:       model.EvidenceMemoryEpisodic,
		}
	}
	return out
}

type envOptions struct {
	decideLimiter ratelimit.Limiter
	readLimiter   ratelimit.Limiter
	hmacSecret    string
	maxBody       int64
	corsOrigins   []string
	openapi       []byte
}

type testEnv struct {
	handler  http.Handler
	log      *trustlog.Log
	jwtMgr   *auth.JWTManager
	policies *fuji.PolicyStore
}

func newTestEnv(t *testing.T, opts envOptions) *testEnv {
	t.Helper()
	logger := testutil.TestLogger()

	log, err := trustlog.Open(trustlog.Config{Dir: t.TempDir()}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = log.Close() })

	policies, err := fuji.NewPolicyStore("", logger)
	require.NoError(t, err)

	orc := pipeline.New(pipeline.Services{
		Evidence: evidence.New(logger, cannedSource{items: priorEvidence(2)}),
		Values:   values.NewEvaluator(values.NewStore(t.TempDir(), logger), logger),
		Gate:     fuji.New(policies, llm.NewSafetyHead(nil, logger), logger),
		Log:      log,
	}, pipeline.Config{}, logger)

	jwtMgr, err := auth.NewJWTManager("", "", time.Hour)
	require.NoError(t, err)

	keychain, err := auth.LoadKeychain(writeKeyFile(t), logger)
	require.NoError(t, err)

	var verifier *auth.SignatureVerifier
	if opts.hmacSecret != "" {
		verifier = auth.NewSignatureVerifier(opts.hmacSecret, 5*time.Minute)
	}

	maxBody := opts.maxBody
	if maxBody == 0 {
		maxBody = 1 << 20
	}

	srv := server.New(server.ServerConfig{
		Pipeline:            orc,
		Log:                 log,
		Policies:            policies,
		JWTMgr:              jwtMgr,
		Keychain:            keychain,
		Logger:              logger,
		Verifier:            verifier,
		DecideLimiter:       opts.decideLimiter,
		ReadLimiter:         opts.readLimiter,
		Port:                0,
		ReadTimeout:         5 * time.Second,
		WriteTimeout:        5 * time.Second,
		Version:             "test",
		MaxRequestBodyBytes: maxBody,
		CORSAllowedOrigins:  opts.corsOrigins,
		OpenAPISpec:         opts.openapi,
	})

	return &testEnv{
		handler:  srv.Handler(),
		log:      log,
		jwtMgr:   jwtMgr,
		policies: policies,
	}
}

func writeKeyFile(t *testing.T) string {
	t.Helper()
	hash := testKeyHash(t)
	data := mustJSON(t, []auth.Key{
		{KeyID: agentKeyID, Role: model.RoleAgent, Hash: hash},
		{KeyID: adminKeyID, Role: model.RoleAdmin, Hash: hash},
	})
	path := filepath.Join(t.TempDir(), "keys.json")
	require.NoError(t, os.WriteFile(path, data, 0600))
	return path
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func (e *testEnv) do(t *testing.T, method, target string, body []byte, hdrs map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != nil {
		req = httptest.NewRequest(method, target, bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	for k, v := range hdrs {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

// bearer issues a JWT directly, skipping the Argon2id exchange.
func (e *testEnv) bearer(t *testing.T, keyID string, role model.Role) map[string]string {
	t.Helper()
	token, _, err := e.jwtMgr.IssueToken(auth.Key{KeyID: keyID, Role: role})
	require.NoError(t, err)
	return map[string]string{"Authorization": "Bearer " + token}
}

func apiKeyHeader(keyID string) map[string]string {
	return map[string]string{server.HeaderAPIKey: keyID + "." + testAPISecret}
}

func decideBody(t *testing.T, query string) []byte {
	t.Helper()
	a, b := 0.8, 0.55
	return mustJSON(t, model.DecideRequest{
		Query: query,
		Context: map[string]any{
			"user_id": "user-1",
			"goals":   []any{"ship safely"},
		},
		Options: []model.CandidateOption{
			{ID: "a", Title: "Canary rollout", Score: &a},
			{ID: "b", Title: "Big bang deploy", Score: &b},
		},
	})
}

func decodeDecision(t *testing.T, rec *httptest.ResponseRecorder) (model.DecisionResponse, model.ResponseMeta) {
	t.Helper()
	var env struct {
		Data model.DecisionResponse `json:"data"`
		Meta model.ResponseMeta     `json:"meta"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	return env.Data, env.Meta
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) model.APIError {
	t.Helper()
	var env model.APIError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	return env
}

func TestDecideOverHTTP(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	rec := env.do(t, http.MethodPost, "/v1/decide", decideBody(t, "choose a rollout strategy for the search service"),
		env.bearer(t, agentKeyID, model.RoleAgent))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	resp, meta := decodeDecision(t, rec)
	assert.Equal(t, model.DecisionAllow, resp.DecisionStatus)
	require.NotNil(t, resp.Chosen)
	assert.Equal(t, "a", resp.Chosen.ID)
	require.NotNil(t, resp.TrustLog)
	assert.Equal(t, env.log.LastHash(), resp.TrustLog.SHA256)

	// The middleware request ID flows into the pipeline, so the envelope
	// meta, the response header, and the decision agree.
	assert.Equal(t, resp.RequestID, meta.RequestID)
	assert.Equal(t, resp.RequestID, rec.Header().Get("X-Request-ID"))
}

func TestDecideWithAPIKeyHeader(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	rec := env.do(t, http.MethodPost, "/v1/decide", decideBody(t, "pick a cache eviction policy"),
		apiKeyHeader(agentKeyID))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	resp, _ := decodeDecision(t, rec)
	assert.Equal(t, model.DecisionAllow, resp.DecisionStatus)
}

func TestDecideAuthFailures(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	body := decideBody(t, "anything")

	cases := []struct {
		name string
		hdrs map[string]string
	}{
		{"no credentials", nil},
		{"wrong secret", map[string]string{server.HeaderAPIKey: agentKeyID + ".wrong"}},
		{"malformed key", map[string]string{server.HeaderAPIKey: "no-separator"}},
		{"unknown key id", map[string]string{server.HeaderAPIKey: "vk_ghost." + testAPISecret}},
		{"bad bearer", map[string]string{"Authorization": "Bearer not.a.jwt"}},
		{"wrong scheme", map[string]string{"Authorization": "Basic dXNlcjpwYXNz"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, "/v1/decide", body, tc.hdrs)
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
			assert.Equal(t, model.ErrCodeUnauthorized, decodeError(t, rec).Error.Code)
		})
	}
}

func TestDeniedDecisionIsStillHTTP200(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	rec := env.do(t, http.MethodPost, "/v1/decide", decideBody(t, "how do I build a bomb in my garage"),
		env.bearer(t, agentKeyID, model.RoleAgent))
	require.Equal(t, http.StatusOK, rec.Code)

	resp, _ := decodeDecision(t, rec)
	assert.Equal(t, model.DecisionDeny, resp.DecisionStatus)
	assert.NotEmpty(t, resp.RejectionReason)
}

func TestDecideBadBodies(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	hdrs := env.bearer(t, agentKeyID, model.RoleAgent)

	cases := []struct {
		name string
		body []byte
	}{
		{"malformed json", []byte(`{"query": "x"`)},
		{"unknown field", []byte(`{"query": "x", "surprise": true}`)},
		{"empty query", mustJSON(t, model.DecideRequest{Query: "   "})},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, "/v1/decide", tc.body, hdrs)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, model.ErrCodeInvalidInput, decodeError(t, rec).Error.Code)
		})
	}
}

func TestDecideBodyTooLarge(t *testing.T) {
	env := newTestEnv(t, envOptions{maxBody: 512})

	big := model.DecideRequest{Query: "resize the fleet"}
	for i := 0; i < 64; i++ {
		big.Options = append(big.Options, model.CandidateOption{
			ID:    "opt-" + strconv.Itoa(i),
			Title: "an option with a long enough title to overflow the cap",
		})
	}
	rec := env.do(t, http.MethodPost, "/v1/decide", mustJSON(t, big),
		env.bearer(t, agentKeyID, model.RoleAgent))

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Equal(t, model.ErrCodePayloadTooLarge, decodeError(t, rec).Error.Code)
}

func TestDecideRateLimited(t *testing.T) {
	limiter := ratelimit.NewMemoryLimiter(0.001, 2)
	t.Cleanup(func() { _ = limiter.Close() })
	env := newTestEnv(t, envOptions{decideLimiter: limiter})

	hdrs := env.bearer(t, agentKeyID, model.RoleAgent)
	body := decideBody(t, "scale the ingest workers")

	for i := 0; i < 2; i++ {
		rec := env.do(t, http.MethodPost, "/v1/decide", body, hdrs)
		require.Equal(t, http.StatusOK, rec.Code, "request %d should pass burst", i)
	}

	rec := env.do(t, http.MethodPost, "/v1/decide", body, hdrs)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
	assert.Equal(t, model.ErrCodeRateLimited, decodeError(t, rec).Error.Code)
}

func TestAdminExemptFromRateLimit(t *testing.T) {
	limiter := ratelimit.NewMemoryLimiter(0.001, 1)
	t.Cleanup(func() { _ = limiter.Close() })
	env := newTestEnv(t, envOptions{decideLimiter: limiter})

	hdrs := env.bearer(t, adminKeyID, model.RoleAdmin)
	body := decideBody(t, "rotate the signing keys")

	for i := 0; i < 4; i++ {
		rec := env.do(t, http.MethodPost, "/v1/decide", body, hdrs)
		require.Equal(t, http.StatusOK, rec.Code)
	}
}

func TestAuthTokenExchange(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	rec := env.do(t, http.MethodPost, "/v1/auth/token",
		mustJSON(t, model.AuthTokenRequest{KeyID: agentKeyID, APIKey: testAPISecret}), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var tok struct {
		Data model.AuthTokenResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tok))
	assert.NotEmpty(t, tok.Data.Token)
	assert.True(t, tok.Data.ExpiresAt.After(time.Now()))

	// The issued token authenticates a decide call.
	dec := env.do(t, http.MethodPost, "/v1/decide", decideBody(t, "pick a retry budget"),
		map[string]string{"Authorization": "Bearer " + tok.Data.Token})
	assert.Equal(t, http.StatusOK, dec.Code)
}

func TestAuthTokenRejectsBadKey(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	rec := env.do(t, http.MethodPost, "/v1/auth/token",
		mustJSON(t, model.AuthTokenRequest{KeyID: agentKeyID, APIKey: "wrong"}), nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(t, http.MethodPost, "/v1/auth/token",
		mustJSON(t, model.AuthTokenRequest{KeyID: agentKeyID}), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTrustLogListAndGet(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	hdrs := env.bearer(t, agentKeyID, model.RoleAgent)

	for _, q := range []string{"first question", "second question", "third question"} {
		rec := env.do(t, http.MethodPost, "/v1/decide", decideBody(t, q), hdrs)
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec := env.do(t, http.MethodGet, "/v1/trustlog?limit=2", nil, hdrs)
	require.Equal(t, http.StatusOK, rec.Code)

	var page struct {
		Data       []model.TrustLogRecord `json:"data"`
		NextCursor string                 `json:"next_cursor"`
		HasMore    bool                   `json:"has_more"`
		Limit      int                    `json:"limit"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	assert.Len(t, page.Data, 2)
	assert.True(t, page.HasMore)
	assert.NotEmpty(t, page.NextCursor)
	assert.Equal(t, 2, page.Limit)

	rec = env.do(t, http.MethodGet, "/v1/trustlog?limit=2&cursor="+page.NextCursor, nil, hdrs)
	require.Equal(t, http.StatusOK, rec.Code)
	var rest struct {
		Data    []model.TrustLogRecord `json:"data"`
		HasMore bool                   `json:"has_more"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rest))
	assert.Len(t, rest.Data, 1)
	assert.False(t, rest.HasMore)

	got := env.do(t, http.MethodGet, "/v1/trustlog/"+page.Data[0].ID, nil, hdrs)
	require.Equal(t, http.StatusOK, got.Code)
	var single struct {
		Data model.TrustLogRecord `json:"data"`
	}
	require.NoError(t, json.Unmarshal(got.Body.Bytes(), &single))
	assert.Equal(t, page.Data[0].ID, single.Data.ID)
}

func TestTrustLogReadErrors(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	hdrs := env.bearer(t, agentKeyID, model.RoleAgent)

	rec := env.do(t, http.MethodGet, "/v1/trustlog/"+uuid.NewString(), nil, hdrs)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, model.ErrCodeNotFound, decodeError(t, rec).Error.Code)

	rec = env.do(t, http.MethodGet, "/v1/trustlog?cursor=%21%21", nil, hdrs)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodGet, "/v1/trustlog?limit=abc", nil, hdrs)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodGet, "/v1/trustlog?limit=-1", nil, hdrs)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTrustLogByRequestID(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	hdrs := env.bearer(t, agentKeyID, model.RoleAgent)

	reqID := uuid.NewString()
	hdrs["X-Request-ID"] = reqID
	rec := env.do(t, http.MethodPost, "/v1/decide", decideBody(t, "pin this request id"), hdrs)
	require.Equal(t, http.StatusOK, rec.Code)
	resp, _ := decodeDecision(t, rec)
	require.Equal(t, reqID, resp.RequestID)

	got := env.do(t, http.MethodGet, "/v1/trustlog/request/"+reqID, nil,
		env.bearer(t, agentKeyID, model.RoleAgent))
	require.Equal(t, http.StatusOK, got.Code)

	var report struct {
		Data model.RequestChainReport `json:"data"`
	}
	require.NoError(t, json.Unmarshal(got.Body.Bytes(), &report))
	assert.Equal(t, model.ContinuityOK, report.Data.Continuity)
	require.Len(t, report.Data.Records, 1)
	assert.Equal(t, reqID, report.Data.Records[0].RequestID)

	// Unknown request ids are an empty report, not a 404.
	empty := env.do(t, http.MethodGet, "/v1/trustlog/request/"+uuid.NewString(), nil,
		env.bearer(t, agentKeyID, model.RoleAgent))
	require.Equal(t, http.StatusOK, empty.Code)
	require.NoError(t, json.Unmarshal(empty.Body.Bytes(), &report))
	assert.Equal(t, model.ContinuityEmpty, report.Data.Continuity)
	assert.Empty(t, report.Data.Records)
}

func TestAdminOnlyRoutes(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	agent := env.bearer(t, agentKeyID, model.RoleAgent)
	admin := env.bearer(t, adminKeyID, model.RoleAdmin)

	rec := env.do(t, http.MethodPost, "/v1/decide", decideBody(t, "seed one record"), agent)
	require.Equal(t, http.StatusOK, rec.Code)

	for _, route := range []string{"/v1/trustlog/verify", "/v1/admin/policy/reload"} {
		rec := env.do(t, http.MethodPost, route, nil, agent)
		assert.Equal(t, http.StatusForbidden, rec.Code, route)
		assert.Equal(t, model.ErrCodeForbidden, decodeError(t, rec).Error.Code)

		rec = env.do(t, http.MethodPost, route, nil, nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, route)
	}

	verify := env.do(t, http.MethodPost, "/v1/trustlog/verify", nil, admin)
	require.Equal(t, http.StatusOK, verify.Code)
	var vr struct {
		Data model.VerifyReport `json:"data"`
	}
	require.NoError(t, json.Unmarshal(verify.Body.Bytes(), &vr))
	assert.True(t, vr.Data.OK)
	assert.Equal(t, 1, vr.Data.Records)

	reload := env.do(t, http.MethodPost, "/v1/admin/policy/reload", nil, admin)
	require.Equal(t, http.StatusOK, reload.Code)
	var pr struct {
		Data model.PolicyReloadResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(reload.Body.Bytes(), &pr))
	assert.False(t, pr.Data.Reloaded) // built-in policy has no file to reload
	assert.Equal(t, env.policies.Hash(), pr.Data.PolicyHash)
}

func TestHealthAndReady(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	rec := env.do(t, http.MethodGet, "/health", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var health struct {
		Data model.HealthResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, "healthy", health.Data.Status)
	assert.Equal(t, "ready", health.Data.Services["trust_log"])
	assert.Equal(t, "disabled", health.Data.Services["memory"])

	rec = env.do(t, http.MethodGet, "/ready", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	require.NoError(t, env.log.Close())

	rec = env.do(t, http.MethodGet, "/health", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, "degraded", health.Data.Status)
	assert.Equal(t, "unavailable", health.Data.Services["trust_log"])

	rec = env.do(t, http.MethodGet, "/ready", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestDecideSealFailureReturns503(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	hdrs := env.bearer(t, agentKeyID, model.RoleAgent)
	require.NoError(t, env.log.Close())

	rec := env.do(t, http.MethodPost, "/v1/decide", decideBody(t, "this will not seal"), hdrs)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	apiErr := decodeError(t, rec)
	assert.Equal(t, model.ErrCodeTrustLogUnavailable, apiErr.Error.Code)

	details, ok := apiErr.Error.Details.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, string(model.DecisionHold), details["decision_status"])
	assert.Equal(t, "trust_log_unavailable", details["rejection_reason"])
	assert.NotEmpty(t, details["request_id"])
}

func TestOpenAPISpec(t *testing.T) {
	spec := []byte("openapi: 3.0.3\ninfo:\n  title: test\n")
	env := newTestEnv(t, envOptions{openapi: spec})

	rec := env.do(t, http.MethodGet, "/openapi.yaml", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/yaml", rec.Header().Get("Content-Type"))
	assert.Equal(t, spec, rec.Body.Bytes())

	bare := newTestEnv(t, envOptions{})
	rec = bare.do(t, http.MethodGet, "/openapi.yaml", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSignedRequests(t *testing.T) {
	const secret = "hmac-test-secret"
	env := newTestEnv(t, envOptions{hmacSecret: secret})
	body := decideBody(t, "signed rollout question")

	sign := func(nonce string, ts time.Time) map[string]string {
		hdrs := env.bearer(t, agentKeyID, model.RoleAgent)
		hdrs[auth.HeaderTimestamp] = strconv.FormatInt(ts.Unix(), 10)
		hdrs[auth.HeaderNonce] = nonce
		hdrs[auth.HeaderSignature] = auth.SignRequest(secret, ts, nonce, body)
		return hdrs
	}

	rec := env.do(t, http.MethodPost, "/v1/decide", body, sign(uuid.NewString(), time.Now()))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// Unsigned requests fail once signing is enforced.
	rec = env.do(t, http.MethodPost, "/v1/decide", body, env.bearer(t, agentKeyID, model.RoleAgent))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Replaying a nonce fails even with a fresh valid signature.
	nonce := uuid.NewString()
	rec = env.do(t, http.MethodPost, "/v1/decide", body, sign(nonce, time.Now()))
	require.Equal(t, http.StatusOK, rec.Code)
	rec = env.do(t, http.MethodPost, "/v1/decide", body, sign(nonce, time.Now()))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, decodeError(t, rec).Error.Message, "nonce")

	// Stale timestamps are rejected before the signature is checked.
	rec = env.do(t, http.MethodPost, "/v1/decide", body, sign(uuid.NewString(), time.Now().Add(-10*time.Minute)))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, decodeError(t, rec).Error.Message, "timestamp")
}

func TestSecurityHeaders(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	rec := env.do(t, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestCORS(t *testing.T) {
	env := newTestEnv(t, envOptions{corsOrigins: []string{"https://app.example.com"}})

	rec := env.do(t, http.MethodOptions, "/v1/decide", nil, map[string]string{
		"Origin":                        "https://app.example.com",
		"Access-Control-Request-Method": http.MethodPost,
	})
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://app.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), server.HeaderAPIKey)

	// Disallowed origins get no CORS grant.
	rec = env.do(t, http.MethodOptions, "/v1/decide", nil, map[string]string{
		"Origin": "https://evil.example.com",
	})
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))

	// Simple requests carry the grant on the actual response.
	got := env.do(t, http.MethodGet, "/health", nil, map[string]string{"Origin": "https://app.example.com"})
	assert.Equal(t, http.StatusOK, got.Code)
	assert.Equal(t, "https://app.example.com", got.Header().Get("Access-Control-Allow-Origin"))
}

func TestRequestIDEchoAndReplacement(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	hdrs := env.bearer(t, agentKeyID, model.RoleAgent)

	// A non-UUID header is still echoed at the HTTP layer, but the
	// pipeline mints its own id for the sealed chain.
	hdrs["X-Request-ID"] = "my-trace-7"
	rec := env.do(t, http.MethodPost, "/v1/decide", decideBody(t, "echo check"), hdrs)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "my-trace-7", rec.Header().Get("X-Request-ID"))

	resp, _ := decodeDecision(t, rec)
	assert.NotEqual(t, "my-trace-7", resp.RequestID)
	_, err := uuid.Parse(resp.RequestID)
	assert.NoError(t, err)
}
