package pipeline

import (
	"encoding/json"
	"fmt"

	"github.com/ashita-ai/veritas/internal/model"
	"github.com/ashita-ai/veritas/internal/service/planner"
)

// Request context keys recognized by the orchestrator beyond the ones the
// model package declares.
const (
	// ctxPrefill maps stage names to pre-computed outputs; matching
	// stages are skipped with reason "pre_filled".
	ctxPrefill = "prefill"
	// ctxExtraEvidence carries caller-supplied evidence items (tool
	// results, external references) that join the gathered ranking.
	ctxExtraEvidence = "extra_evidence"
)

// State accumulates stage outputs for one decide call. It is owned by the
// orchestrator and discarded after the response; only the sealed trust log
// record persists.
type State struct {
	Request   model.DecideRequest
	RequestID string
	UserID    string
	Goals     []string

	Options   []model.CandidateOption
	Evidence  []model.EvidenceItem
	Critiques []model.Critique
	Debate    *model.DebateResult
	Plan      *model.Plan
	Values    *model.ValueReport
	Fuji      *model.FujiDecision
	TrustLog  *model.TrustLogRef

	Warnings []string

	prefilled map[model.StageName]bool
	gateRan   bool
}

func (st *State) chosen() *model.CandidateOption {
	if st.Debate == nil {
		return nil
	}
	return st.Debate.Chosen
}

func (st *State) warn(msg string) {
	st.Warnings = append(st.Warnings, msg)
}

// prefillSlots are the stages whose output a caller may pre-fill. The
// gate, the seal, and normalization itself can never be bypassed.
var prefillSlots = map[model.StageName]bool{
	model.StageCollectOptions: true,
	model.StageGatherEvidence: true,
	model.StageRunCritique:    true,
	model.StageRunDebate:      true,
	model.StageRunPlanner:     true,
	model.StageEvaluateValues: true,
}

// applyPrefill decodes one pre-filled output slot into the state. Values
// arrive as decoded JSON from the request context and land in the typed
// slot via a JSON round trip; the boundary caps apply to prefills too.
func (st *State) applyPrefill(name model.StageName, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("prefill %s: encode: %w", name, err)
	}
	switch name {
	case model.StageCollectOptions:
		var opts []model.CandidateOption
		if err := json.Unmarshal(raw, &opts); err != nil {
			return fmt.Errorf("prefill %s: %w", name, err)
		}
		if len(opts) > model.MaxOptions {
			return fmt.Errorf("prefill %s: exceeds %d options", name, model.MaxOptions)
		}
		st.Options = opts
	case model.StageGatherEvidence:
		var items []model.EvidenceItem
		if err := json.Unmarshal(raw, &items); err != nil {
			return fmt.Errorf("prefill %s: %w", name, err)
		}
		if len(items) > model.MaxEvidence {
			return fmt.Errorf("prefill %s: exceeds %d items", name, model.MaxEvidence)
		}
		st.Evidence = items
	case model.StageRunCritique:
		var crits []model.Critique
		if err := json.Unmarshal(raw, &crits); err != nil {
			return fmt.Errorf("prefill %s: %w", name, err)
		}
		if len(crits) > model.MaxCritiques {
			return fmt.Errorf("prefill %s: exceeds %d critiques", name, model.MaxCritiques)
		}
		st.Critiques = crits
	case model.StageRunDebate:
		var d model.DebateResult
		if err := json.Unmarshal(raw, &d); err != nil {
			return fmt.Errorf("prefill %s: %w", name, err)
		}
		st.Debate = &d
	case model.StageRunPlanner:
		var p model.Plan
		if err := json.Unmarshal(raw, &p); err != nil {
			return fmt.Errorf("prefill %s: %w", name, err)
		}
		if len(p.Steps) > model.MaxPlanSteps {
			return fmt.Errorf("prefill %s: exceeds %d steps", name, model.MaxPlanSteps)
		}
		if err := planner.Validate(p.Steps); err != nil {
			return fmt.Errorf("prefill %s: %w", name, err)
		}
		st.Plan = &p
	case model.StageEvaluateValues:
		var v model.ValueReport
		if err := json.Unmarshal(raw, &v); err != nil {
			return fmt.Errorf("prefill %s: %w", name, err)
		}
		st.Values = &v
	default:
		return fmt.Errorf("prefill %s: stage cannot be pre-filled", name)
	}
	st.prefilled[name] = true
	return nil
}

// Outcome is one stage's result: an update (zero value), a skip, or a
// failure. The orchestrator maps failures onto the stage's criticality.
type Outcome struct {
	Skipped bool
	Reason  string
	Err     error
}

// OK reports a completed update.
func OK() Outcome { return Outcome{} }

// Skip reports that the stage did not run.
func Skip(reason string) Outcome { return Outcome{Skipped: true, Reason: reason} }

// Fail reports a stage failure.
func Fail(err error) Outcome { return Outcome{Err: err} }
