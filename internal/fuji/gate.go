package fuji

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/veritas/internal/llm"
	"github.com/ashita-ai/veritas/internal/model"
	"github.com/ashita-ai/veritas/internal/telemetry"
)

// defaultSafeInstructions are attached to held and denied decisions when no
// matched category declares its own guidance.
var defaultSafeInstructions = []string{
	"rephrase the request without the flagged content",
	"ask a human operator for review",
}

// Input is everything the gate sees for one decide call.
type Input struct {
	Query    string
	Options  []model.CandidateOption
	Chosen   *model.CandidateOption
	Evidence []model.EvidenceItem
	UserID   string
}

// Gate runs the five safety layers and aggregates their proposals into one
// FujiDecision. The gate degrades rather than fails: a broken safety head
// contributes baseline risk, and every verdict carries all layer outcomes.
type Gate struct {
	policies *PolicyStore
	head     *llm.SafetyHead
	logger   *slog.Logger

	evalDuration metric.Float64Histogram
	verdicts     metric.Int64Counter
}

// New builds a gate over the given policy store and safety head. Pass a
// disabled head (llm.NewSafetyHead(nil, ...)) to run without the classifier.
func New(policies *PolicyStore, head *llm.SafetyHead, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	meter := telemetry.Meter("veritas/fuji")
	evalDur, _ := meter.Float64Histogram("veritas.fuji.duration",
		metric.WithDescription("Time to evaluate the safety gate (ms)"),
		metric.WithUnit("ms"),
	)
	verdicts, _ := meter.Int64Counter("veritas.fuji.verdicts",
		metric.WithDescription("Gate verdicts by decision status"),
	)
	return &Gate{policies: policies, head: head, logger: logger, evalDuration: evalDur, verdicts: verdicts}
}

// Evaluate runs all five layers and aggregates the result. It only fails
// when ctx is already done on entry; layer-level trouble degrades into the
// verdict instead. Two invariants hold on every returned decision: an
// internal deny always surfaces as an external deny, and a deny always
// carries a non-empty rejection reason.
func (g *Gate) Evaluate(ctx context.Context, in Input) (model.FujiDecision, error) {
	if err := ctx.Err(); err != nil {
		return model.FujiDecision{}, fmt.Errorf("fuji: evaluate: %w", err)
	}
	start := time.Now()
	p := g.policies.Current()

	results := make(map[model.LayerName]*model.LayerOutcome, len(layerOrder))

	kw := evalKeyword(p, surfaceTexts(in))
	results[model.LayerKeyword] = kw.outcome

	headOut, headCats := evalSafetyHead(ctx, g.head, g.logger, in)
	results[model.LayerSafetyHead] = headOut

	pol := evalPolicy(p, kw.matched, headCats)
	results[model.LayerPolicy] = pol.outcome

	results[model.LayerEvidenceGate] = evalEvidenceGate(p, len(in.Evidence))

	piiOut, patches := evalPII(p, in)
	results[model.LayerPII] = piiOut

	risk := clamp01(p.Weights.Keyword*kw.outcome.Score +
		p.Weights.Head*headOut.Score +
		p.Weights.Policy*pol.outcome.Score)

	internal := model.InternalAllow
	var violations []model.ViolationTag
	for _, name := range layerOrder {
		out := results[name]
		if out.Proposal.Stricter(internal) {
			internal = out.Proposal
		}
		violations = append(violations, out.Violations...)
	}

	reason := ""
	if internal == model.InternalDeny && pol.first != nil {
		reason = "policy:" + pol.first.Name
	}
	for _, tag := range violations {
		if p.IsHardBlock(tag) {
			if internal != model.InternalDeny {
				internal = model.InternalDeny
				reason = "hard_block:" + string(tag)
			}
			break
		}
	}

	decision := internal.External()
	if internal == model.InternalDeny && decision != model.DecisionDeny {
		decision = model.DecisionDeny
		if reason == "" {
			reason = "policy_deny_coerce"
		}
	}
	if decision == model.DecisionDeny && reason == "" {
		reason = "policy_or_poc_gate_deny"
	}

	d := model.FujiDecision{
		InternalStatus:  internal,
		DecisionStatus:  decision,
		RejectionReason: reason,
		Risk:            risk,
		Violations:      violations,
		Modifications:   patches,
		LayerResults:    results,
	}
	if decision != model.DecisionAllow {
		d.SafeInstructions = safeInstructions(pol.exceeded)
	}

	elapsed := time.Since(start)
	g.evalDuration.Record(ctx, float64(elapsed.Milliseconds()))
	g.verdicts.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(decision))))
	g.logger.Debug("fuji: gate evaluated",
		"status", decision,
		"internal", internal,
		"risk", risk,
		"violations", len(violations),
		"duration_ms", elapsed.Milliseconds(),
	)
	return d, nil
}

// surfaceTexts collects every request text the keyword layer scans.
func surfaceTexts(in Input) []string {
	texts := make([]string, 0, 1+2*len(in.Options)+2)
	texts = append(texts, in.Query)
	for _, opt := range in.Options {
		texts = append(texts, opt.Title)
		if opt.Rationale != "" {
			texts = append(texts, opt.Rationale)
		}
	}
	if in.Chosen != nil {
		texts = append(texts, in.Chosen.Title)
		if in.Chosen.Rationale != "" {
			texts = append(texts, in.Chosen.Rationale)
		}
	}
	return texts
}

// safeInstructions collects guidance from the exceeded categories, falling
// back to the built-in defaults.
func safeInstructions(exceeded []*CategoryRule) []string {
	var out []string
	seen := map[string]bool{}
	for _, cat := range exceeded {
		for _, s := range cat.SafeInstructions {
			if !seen[s] {
				seen[s] = true
				out = append(out, s)
			}
		}
	}
	if len(out) == 0 {
		out = append(out, defaultSafeInstructions...)
	}
	return out
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
