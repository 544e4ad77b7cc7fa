package veritas

import "time"

// DecisionStatus is the coarse verdict of a decide call.
type DecisionStatus string

const (
	DecisionAllow DecisionStatus = "allow"
	DecisionHold  DecisionStatus = "hold"
	DecisionDeny  DecisionStatus = "deny"
)

// Verdict grades one candidate option after critique.
type Verdict string

const (
	VerdictAccepted    Verdict = "accepted"
	VerdictNeedsReview Verdict = "needs_review"
	VerdictRejected    Verdict = "rejected"
)

// Severity grades a critique.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// --- Request types ---

// DecideRequest is the input for Client.Decide. Context carries free-form
// decision context; the server recognizes user_id, request_id, and goals.
type DecideRequest struct {
	Query   string            `json:"query"`
	Context map[string]any    `json:"context,omitempty"`
	Options []CandidateOption `json:"options,omitempty"`
}

// CandidateOption is one candidate answer. Score, Risk, Complexity, and
// Value are in [0,1] when set; later pipeline stages fill what the caller
// leaves nil.
type CandidateOption struct {
	ID         string   `json:"id"`
	Title      string   `json:"title"`
	Score      *float64 `json:"score,omitempty"`
	Verdict    Verdict  `json:"verdict,omitempty"`
	Rationale  string   `json:"rationale,omitempty"`
	Risk       *float64 `json:"risk,omitempty"`
	Complexity *float64 `json:"complexity,omitempty"`
	Value      *float64 `json:"value,omitempty"`
}

// --- Response types ---

// EvidenceItem is one piece of supporting evidence.
type EvidenceItem struct {
	Source     string  `json:"source"`
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	Kind       string  `json:"kind"`
}

// Critique flags one issue with the draft decision.
type Critique struct {
	Issue    string         `json:"issue"`
	Severity Severity       `json:"severity"`
	Fix      string         `json:"fix,omitempty"`
	Details  map[string]any `json:"details,omitempty"`
}

// DebateResult is the outcome of option selection.
type DebateResult struct {
	Chosen          *CandidateOption  `json:"chosen"`
	EnrichedOptions []CandidateOption `json:"enriched_options"`
	Mode            string            `json:"mode"`
	Warnings        []string          `json:"warnings,omitempty"`
	RiskDelta       float64           `json:"risk_delta"`
}

// PlanStep is one node of the execution plan.
type PlanStep struct {
	ID           string         `json:"id"`
	Title        string         `json:"title"`
	Objective    string         `json:"objective,omitempty"`
	Tasks        []string       `json:"tasks,omitempty"`
	Metrics      []string       `json:"metrics,omitempty"`
	Risks        []string       `json:"risks,omitempty"`
	DoneCriteria []string       `json:"done_criteria,omitempty"`
	Dependencies []string       `json:"dependencies,omitempty"`
	Details      map[string]any `json:"details,omitempty"`
}

// Plan is the ordered step sequence produced by the planner.
type Plan struct {
	Steps []PlanStep `json:"steps"`
}

// ValueReport is the output of value evaluation.
type ValueReport struct {
	Total   float64            `json:"total"`
	Factors map[string]float64 `json:"factors"`
	EMA     float64            `json:"ema"`
}

// LayerOutcome is one safety gate layer's contribution to the verdict.
type LayerOutcome struct {
	Score      float64        `json:"score"`
	Proposal   string         `json:"proposal"`
	Violations []string       `json:"violations,omitempty"`
	Detail     map[string]any `json:"detail,omitempty"`
	Err        string         `json:"error,omitempty"`
}

// Patch is one idempotent text modification proposed by the gate.
type Patch struct {
	Field       string `json:"field"`
	Pattern     string `json:"pattern"`
	Replacement string `json:"replacement"`
}

// FujiDecision is the safety gate verdict for one decide call.
type FujiDecision struct {
	InternalStatus   string                   `json:"internal_status"`
	DecisionStatus   DecisionStatus           `json:"decision_status"`
	RejectionReason  string                   `json:"rejection_reason,omitempty"`
	Risk             float64                  `json:"risk"`
	Violations       []string                 `json:"violations,omitempty"`
	Modifications    []Patch                  `json:"modifications,omitempty"`
	SafeInstructions []string                 `json:"safe_instructions,omitempty"`
	LayerResults     map[string]*LayerOutcome `json:"layer_results"`
}

// StageMetric records one pipeline stage's execution outcome.
type StageMetric struct {
	Stage     string `json:"stage"`
	LatencyMS int64  `json:"latency_ms"`
	OK        bool   `json:"ok"`
	Skipped   bool   `json:"skipped"`
	Reason    string `json:"reason,omitempty"`
}

// Metrics aggregates per-stage metrics for one decide call.
type Metrics struct {
	Stages         []StageMetric `json:"stages"`
	TotalLatencyMS int64         `json:"total_latency_ms"`
}

// TrustLogRef points at the sealed trust log record for a decision.
type TrustLogRef struct {
	ID         string  `json:"id"`
	SHA256     string  `json:"sha256"`
	SHA256Prev *string `json:"sha256_prev"`
}

// DecisionResponse is the output of Client.Decide. Chosen is nil when the
// decision was denied or no options survived.
type DecisionResponse struct {
	RequestID       string            `json:"request_id"`
	DecisionStatus  DecisionStatus    `json:"decision_status"`
	RejectionReason string            `json:"rejection_reason,omitempty"`
	Chosen          *CandidateOption  `json:"chosen"`
	Alternatives    []CandidateOption `json:"alternatives,omitempty"`
	Evidence        []EvidenceItem    `json:"evidence,omitempty"`
	Critique        []Critique        `json:"critique,omitempty"`
	Debate          *DebateResult     `json:"debate,omitempty"`
	Plan            *Plan             `json:"plan,omitempty"`
	Values          *ValueReport      `json:"values,omitempty"`
	Fuji            *FujiDecision     `json:"fuji,omitempty"`
	TrustLog        *TrustLogRef      `json:"trust_log,omitempty"`
	Warnings        []string          `json:"warnings,omitempty"`
	Metrics         Metrics           `json:"metrics"`
}

// --- Trust log types ---

// TrustLogRecord is one sealed audit record. A hash_chain of "unavailable"
// marks a degraded record written while the canonical seal was failing.
type TrustLogRecord struct {
	ID         string         `json:"id"`
	CreatedAt  string         `json:"created_at"`
	RequestID  string         `json:"request_id"`
	Stage      string         `json:"stage"`
	Payload    map[string]any `json:"payload"`
	HashChain  string         `json:"hash_chain,omitempty"`
	SHA256Prev *string        `json:"sha256_prev"`
	SHA256     string         `json:"sha256"`
}

// VerifyReport is the output of Client.VerifyTrustLog.
type VerifyReport struct {
	OK            bool   `json:"ok"`
	Records       int    `json:"records"`
	Segments      int    `json:"segments"`
	Degraded      int    `json:"degraded"`
	FirstMismatch *int   `json:"first_mismatch,omitempty"`
	Reason        string `json:"reason,omitempty"`
}

// ChainContinuity classifies the linkage of one request's records.
type ChainContinuity string

const (
	ContinuityOK     ChainContinuity = "ok"
	ContinuityBroken ChainContinuity = "broken"
	ContinuityEmpty  ChainContinuity = "empty"
)

// RequestChainReport is the output of Client.RequestChain.
type RequestChainReport struct {
	RequestID  string           `json:"request_id"`
	Records    []TrustLogRecord `json:"records"`
	Continuity ChainContinuity  `json:"continuity"`
}

// --- Admin and system types ---

// PolicyReloadResponse is the output of Client.ReloadPolicy.
type PolicyReloadResponse struct {
	Reloaded   bool   `json:"reloaded"`
	PolicyHash string `json:"policy_hash"`
}

// HealthResponse is the output of Client.Health.
type HealthResponse struct {
	Status   string            `json:"status"`
	Version  string            `json:"version"`
	Services map[string]string `json:"services,omitempty"`
}

// authTokenResponse is the data payload of POST /v1/auth/token.
type authTokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}
