package fuji

import (
	"context"
	"errors"
	"log/slog"

	"github.com/ashita-ai/veritas/internal/llm"
	"github.com/ashita-ai/veritas/internal/model"
)

// layerOrder is the fixed evaluation order. Every FujiDecision carries an
// outcome for each of these layers.
var layerOrder = []model.LayerName{
	model.LayerKeyword,
	model.LayerSafetyHead,
	model.LayerPolicy,
	model.LayerEvidenceGate,
	model.LayerPII,
}

const (
	// headBaselineRisk is the risk contribution recorded when the safety
	// head is disabled or unreachable. The gate stays conservative without
	// the classifier rather than scoring zero.
	headBaselineRisk = 0.30

	headWarnThreshold   = 0.50
	headReviewThreshold = 0.80
)

// keywordEval carries the keyword layer outcome plus the matched category
// set consumed by the policy layer.
type keywordEval struct {
	outcome *model.LayerOutcome
	matched map[string]bool
}

// evalKeyword scans the request surface for category keywords and patterns.
// Its score is the highest Risk among matched categories; matching proposes
// warn and leaves stricter treatment to the policy layer.
func evalKeyword(p *Policy, texts []string) keywordEval {
	matched := map[string]bool{}
	var names []string
	score := 0.0
	anyKeyword, anyPattern := false, false

	for i := range p.Categories {
		cat := &p.Categories[i]
		for _, text := range texts {
			kw, pat := cat.Match(text)
			if !kw && !pat {
				continue
			}
			if !matched[cat.Name] {
				matched[cat.Name] = true
				names = append(names, cat.Name)
				if cat.Risk > score {
					score = cat.Risk
				}
			}
			anyKeyword = anyKeyword || kw
			anyPattern = anyPattern || pat
		}
	}

	out := &model.LayerOutcome{Score: score, Proposal: model.InternalAllow}
	if anyKeyword {
		out.Violations = append(out.Violations, model.ViolationBannedKeyword)
	}
	if anyPattern {
		out.Violations = append(out.Violations, model.ViolationBannedPattern)
	}
	if len(names) > 0 {
		out.Proposal = model.InternalWarn
		out.Detail = map[string]any{"categories": names}
	}
	return keywordEval{outcome: out, matched: matched}
}

// evalSafetyHead invokes the classifier and maps its risk onto a proposal.
// A disabled head is not a violation; an unreachable one is, and both fall
// back to the baseline risk contribution.
func evalSafetyHead(ctx context.Context, head *llm.SafetyHead, logger *slog.Logger, in Input) (*model.LayerOutcome, map[string]float64) {
	titles := make([]string, 0, len(in.Options))
	for _, opt := range in.Options {
		titles = append(titles, opt.Title)
	}

	verdict, err := head.Classify(ctx, in.Query, titles)
	if errors.Is(err, llm.ErrDisabled) {
		return &model.LayerOutcome{
			Score:    headBaselineRisk,
			Proposal: model.InternalAllow,
			Detail:   map[string]any{"disabled": true},
		}, nil
	}
	if err != nil {
		logger.Warn("fuji: safety head unavailable; applying baseline risk", "error", err)
		return &model.LayerOutcome{
			Score:      headBaselineRisk,
			Proposal:   model.InternalWarn,
			Violations: []model.ViolationTag{model.ViolationSafetyHeadError},
			Err:        err.Error(),
		}, nil
	}

	out := &model.LayerOutcome{Score: verdict.Risk, Proposal: model.InternalAllow}
	switch {
	case verdict.Risk >= headReviewThreshold:
		out.Proposal = model.InternalHumanReview
	case verdict.Risk >= headWarnThreshold:
		out.Proposal = model.InternalWarn
	}
	if verdict.Rationale != "" {
		out.Detail = map[string]any{"rationale": verdict.Rationale}
	}
	return out, verdict.Categories
}

// policyEval carries the policy layer outcome plus the rules whose risk
// ceiling was exceeded, in declared order.
type policyEval struct {
	outcome  *model.LayerOutcome
	first    *CategoryRule
	exceeded []*CategoryRule
}

// evalPolicy applies the declarative rules. Each category's effective risk
// is the higher of its own risk (when the keyword layer matched it) and the
// safety head's per-category risk; the first rule whose ceiling is exceeded,
// in declared order, sets the proposal.
func evalPolicy(p *Policy, matched map[string]bool, headCats map[string]float64) policyEval {
	ev := policyEval{outcome: &model.LayerOutcome{Proposal: model.InternalAllow}}
	var exceededNames []string
	firstRisk := 0.0

	for i := range p.Categories {
		cat := &p.Categories[i]
		risk := 0.0
		if matched[cat.Name] {
			risk = cat.Risk
		}
		if hr, ok := headCats[cat.Name]; ok && hr > risk {
			risk = hr
		}
		if risk == 0 {
			continue
		}
		if risk > ev.outcome.Score {
			ev.outcome.Score = risk
		}
		if risk > cat.MaxRiskAllow {
			ev.exceeded = append(ev.exceeded, cat)
			exceededNames = append(exceededNames, cat.Name)
			if ev.first == nil {
				ev.first = cat
				firstRisk = risk
			}
		}
	}

	if ev.first != nil {
		ev.outcome.Proposal = ev.first.ActionOnExceed
		ev.outcome.Violations = []model.ViolationTag{model.ViolationPolicyExceeded}
		ev.outcome.Detail = map[string]any{
			"category":       ev.first.Name,
			"risk":           firstRisk,
			"max_risk_allow": ev.first.MaxRiskAllow,
			"exceeded":       exceededNames,
		}
	}
	return ev
}

// evalEvidenceGate holds decisions that arrive with less supporting
// evidence than the policy requires.
func evalEvidenceGate(p *Policy, evidenceCount int) *model.LayerOutcome {
	if evidenceCount >= p.MinEvidence {
		return &model.LayerOutcome{Proposal: model.InternalAllow}
	}
	return &model.LayerOutcome{
		Proposal:   model.InternalHumanReview,
		Violations: []model.ViolationTag{model.ViolationLowEvidence},
		Detail:     map[string]any{"have": evidenceCount, "want": p.MinEvidence},
	}
}

// evalPII scans the query and the chosen option for personal data. Matches
// at or above the policy's confidence floor propose warn and produce
// redaction patches; weaker matches are recorded but not acted on.
func evalPII(p *Policy, in Input) (*model.LayerOutcome, []model.Patch) {
	matches := DetectPII("query", in.Query)
	if in.Chosen != nil {
		matches = append(matches, DetectPII("chosen.title", in.Chosen.Title)...)
		matches = append(matches, DetectPII("chosen.rationale", in.Chosen.Rationale)...)
	}

	var confirmed []PIIMatch
	var confirmedTypes []string
	seen := map[string]bool{}
	for _, m := range matches {
		if m.Confidence < p.PIIConfidence {
			continue
		}
		confirmed = append(confirmed, m)
		if !seen[m.Type] {
			seen[m.Type] = true
			confirmedTypes = append(confirmedTypes, m.Type)
		}
	}

	out := &model.LayerOutcome{Proposal: model.InternalAllow}
	if len(matches) > 0 {
		out.Detail = map[string]any{"detected": len(matches)}
	}
	if len(confirmed) == 0 {
		return out, nil
	}
	out.Proposal = model.InternalWarn
	out.Violations = []model.ViolationTag{model.ViolationConfirmedPII}
	out.Detail["confirmed"] = confirmedTypes
	return out, RedactionPatches(confirmed)
}
