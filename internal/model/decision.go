// Package model defines the data model shared across the pipeline, the
// safety gate, the trust log, and the HTTP API.
package model

// StageName identifies one step of the decision pipeline.
type StageName string

// Pipeline stages in execution order.
const (
	StageNormalizeInput   StageName = "normalize_input"
	StageCollectOptions   StageName = "collect_options"
	StageGatherEvidence   StageName = "gather_evidence"
	StageRunCritique      StageName = "run_critique"
	StageRunDebate        StageName = "run_debate"
	StageRunPlanner       StageName = "run_planner"
	StageEvaluateValues   StageName = "evaluate_values"
	StageFujiGate         StageName = "fuji_gate"
	StageSealTrustLog     StageName = "seal_trust_log"
	StageFinalizeResponse StageName = "finalize_response"
)

// StageOrder is the fixed execution order of the pipeline.
var StageOrder = []StageName{
	StageNormalizeInput,
	StageCollectOptions,
	StageGatherEvidence,
	StageRunCritique,
	StageRunDebate,
	StageRunPlanner,
	StageEvaluateValues,
	StageFujiGate,
	StageSealTrustLog,
	StageFinalizeResponse,
}

// Verdict classifies a candidate option after critique/debate.
type Verdict string

const (
	VerdictAccepted    Verdict = "accepted"
	VerdictNeedsReview Verdict = "needs_review"
	VerdictRejected    Verdict = "rejected"
)

// Valid reports whether v is a known verdict.
func (v Verdict) Valid() bool {
	switch v {
	case VerdictAccepted, VerdictNeedsReview, VerdictRejected:
		return true
	}
	return false
}

// EvidenceKind classifies the origin of an evidence item.
type EvidenceKind string

const (
	EvidenceMemoryEpisodic EvidenceKind = "memory_episodic"
	EvidenceMemorySemantic EvidenceKind = "memory_semantic"
	EvidenceWorld          EvidenceKind = "world"
	EvidenceTool           EvidenceKind = "tool"
	EvidenceExternal       EvidenceKind = "external"
)

// Valid reports whether k is a known evidence kind.
func (k EvidenceKind) Valid() bool {
	switch k {
	case EvidenceMemoryEpisodic, EvidenceMemorySemantic, EvidenceWorld, EvidenceTool, EvidenceExternal:
		return true
	}
	return false
}

// Severity grades a critique.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// DebateMode records which selection tier produced the chosen option.
type DebateMode string

const (
	DebateNormal       DebateMode = "normal"
	DebateDegraded     DebateMode = "degraded"
	DebateSafeFallback DebateMode = "safe_fallback"
)

// InternalStatus is the gate's fine-grained verdict. Ordered by
// strictness: allow < warn < human_review < deny.
type InternalStatus string

const (
	InternalAllow       InternalStatus = "allow"
	InternalWarn        InternalStatus = "warn"
	InternalHumanReview InternalStatus = "human_review"
	InternalDeny        InternalStatus = "deny"
)

// internalRank maps internal statuses onto the strictness order.
var internalRank = map[InternalStatus]int{
	InternalAllow:       0,
	InternalWarn:        1,
	InternalHumanReview: 2,
	InternalDeny:        3,
}

// Stricter reports whether s is strictly stricter than other.
func (s InternalStatus) Stricter(other InternalStatus) bool {
	return internalRank[s] > internalRank[other]
}

// DecisionStatus is the coarse verdict exposed to clients.
type DecisionStatus string

const (
	DecisionAllow DecisionStatus = "allow"
	DecisionHold  DecisionStatus = "hold"
	DecisionDeny  DecisionStatus = "deny"
)

// External maps an internal status to the client-facing decision status:
// allow and warn admit, human_review holds, deny denies.
func (s InternalStatus) External() DecisionStatus {
	switch s {
	case InternalHumanReview:
		return DecisionHold
	case InternalDeny:
		return DecisionDeny
	default:
		return DecisionAllow
	}
}

// CandidateOption is one candidate answer flowing through the pipeline.
// Options are enriched in place by later stages; ID is stable.
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

// ScoreOr returns the option's score or a default when unset.
func (o CandidateOption) ScoreOr(def float64) float64 {
	if o.Score != nil {
		return *o.Score
	}
	return def
}

// RiskOr returns the option's risk or a default when unset.
func (o CandidateOption) RiskOr(def float64) float64 {
	if o.Risk != nil {
		return *o.Risk
	}
	return def
}

// EvidenceItem is one piece of supporting evidence.
type EvidenceItem struct {
	Source     string       `json:"source"`
	Text       string       `json:"text"`
	Confidence float64      `json:"confidence"`
	Kind       EvidenceKind `json:"kind"`
}

// Critique flags one issue with the draft decision. Critiques form an
// unordered set keyed by Issue; high severity is blocking.
type Critique struct {
	Issue    string         `json:"issue"`
	Severity Severity       `json:"severity"`
	Fix      string         `json:"fix,omitempty"`
	Details  map[string]any `json:"details,omitempty"`
}

// DebateResult is the outcome of option selection. Chosen is non-nil
// whenever at least one option existed.
type DebateResult struct {
	Chosen          *CandidateOption  `json:"chosen"`
	EnrichedOptions []CandidateOption `json:"enriched_options"`
	Mode            DebateMode        `json:"mode"`
	Warnings        []string          `json:"warnings,omitempty"`
	RiskDelta       float64           `json:"risk_delta"`
}

// PlanStep is one node of the execution plan. Dependencies reference
// other step IDs and must form a DAG.
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

// ValueReport is the output of value evaluation. EMA is the per-user
// exponential moving average of Total across calls.
type ValueReport struct {
	Total   float64            `json:"total"`
	Factors map[string]float64 `json:"factors"`
	EMA     float64            `json:"ema"`
}

// LayerName identifies one gate layer. The set is closed.
type LayerName string

const (
	LayerKeyword      LayerName = "keyword"
	LayerSafetyHead   LayerName = "safety_head"
	LayerPolicy       LayerName = "policy"
	LayerEvidenceGate LayerName = "evidence_gate"
	LayerPII          LayerName = "pii"
)

// ViolationTag names a specific rule violation raised by a gate layer.
type ViolationTag string

const (
	ViolationBannedKeyword   ViolationTag = "banned_keyword"
	ViolationBannedPattern   ViolationTag = "banned_pattern"
	ViolationSafetyHeadError ViolationTag = "safety_head_error"
	ViolationPolicyExceeded  ViolationTag = "policy_risk_exceeded"
	ViolationLowEvidence     ViolationTag = "insufficient_evidence"
	ViolationConfirmedPII    ViolationTag = "confirmed_pii"
)

// LayerOutcome is one layer's contribution to the gate verdict.
type LayerOutcome struct {
	Score      float64        `json:"score"`
	Proposal   InternalStatus `json:"proposal"`
	Violations []ViolationTag `json:"violations,omitempty"`
	Detail     map[string]any `json:"detail,omitempty"`
	Err        string         `json:"error,omitempty"`
}

// Patch is one idempotent text modification proposed by the gate.
// Applying a patch twice yields the same result as applying it once.
type Patch struct {
	Field       string `json:"field"`
	Pattern     string `json:"pattern"`
	Replacement string `json:"replacement"`
}

// FujiDecision is the gate verdict for one decide call.
type FujiDecision struct {
	InternalStatus   InternalStatus              `json:"internal_status"`
	DecisionStatus   DecisionStatus              `json:"decision_status"`
	RejectionReason  string                      `json:"rejection_reason,omitempty"`
	Risk             float64                     `json:"risk"`
	Violations       []ViolationTag              `json:"violations,omitempty"`
	Modifications    []Patch                     `json:"modifications,omitempty"`
	SafeInstructions []string                    `json:"safe_instructions,omitempty"`
	LayerResults     map[LayerName]*LayerOutcome `json:"layer_results"`
}

// StageMetric records one stage's execution outcome.
type StageMetric struct {
	Stage     StageName `json:"stage"`
	LatencyMS int64     `json:"latency_ms"`
	OK        bool      `json:"ok"`
	Skipped   bool      `json:"skipped"`
	Reason    string    `json:"reason,omitempty"`
}

// Metrics aggregates per-stage metrics for one decide call. Stages keeps
// execution order; TotalLatencyMS includes orchestrator overhead.
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

// DecisionResponse is the structured output of one decide call.
// RejectionReason mirrors the gate's reason when the gate decided, and
// carries pipeline-level hold reasons (timeout, fuji_unavailable,
// trust_log_unavailable) when it did not.
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
