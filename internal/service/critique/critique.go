// Package critique reviews a draft decision and emits issue-keyed critiques.
// Checks are pure: they read the options, the evidence set, and the request
// context and never block. High-severity critiques are blockers — Enrich
// stamps the affected options rejected so debate routes around them.
package critique

import (
	"fmt"
	"sort"

	"github.com/ashita-ai/veritas/internal/model"
)

// Issue names for the required checks.
const (
	IssueInsufficientEvidence = "insufficient_evidence"
	IssueHighRisk             = "high_risk"
	IssueExcessiveComplexity  = "excessive_complexity"
	IssueLowValue             = "low_value"
	IssueLowFeasibility       = "low_feasibility"
	IssueExcessiveTimeline    = "excessive_timeline"
	IssueRiskValueImbalance   = "risk_value_imbalance"
)

// Config holds the check thresholds. Every threshold can be overridden per
// request through same-named numeric context keys.
type Config struct {
	MinEvidence          int
	RiskThreshold        float64
	ComplexityThreshold  float64
	ValueThreshold       float64
	FeasibilityThreshold float64
	TimelineDaysMax      float64
	ImbalanceMargin      float64
}

// Default returns the stock thresholds.
func Default() Config {
	return Config{
		MinEvidence:          2,
		RiskThreshold:        0.7,
		ComplexityThreshold:  5,
		ValueThreshold:       0.3,
		FeasibilityThreshold: 0.3,
		TimelineDaysMax:      90,
		ImbalanceMargin:      0.25,
	}
}

// WithContext returns a copy of c with any numeric overrides found in the
// request context applied.
func (c Config) WithContext(reqCtx map[string]any) Config {
	if v, ok := ctxNumber(reqCtx, "min_evidence"); ok && v >= 0 {
		c.MinEvidence = int(v)
	}
	if v, ok := ctxNumber(reqCtx, "risk_threshold"); ok {
		c.RiskThreshold = v
	}
	if v, ok := ctxNumber(reqCtx, "complexity_threshold"); ok {
		c.ComplexityThreshold = v
	}
	if v, ok := ctxNumber(reqCtx, "value_threshold"); ok {
		c.ValueThreshold = v
	}
	if v, ok := ctxNumber(reqCtx, "feasibility_threshold"); ok {
		c.FeasibilityThreshold = v
	}
	if v, ok := ctxNumber(reqCtx, "timeline_days_max"); ok {
		c.TimelineDaysMax = v
	}
	if v, ok := ctxNumber(reqCtx, "imbalance_margin"); ok {
		c.ImbalanceMargin = v
	}
	return c
}

// Review runs every check and returns the critique set, keyed by issue and
// capped at the critique limit. Option-level findings fold into one critique
// per issue with the offending option ids in Details.
func Review(opts []model.CandidateOption, evidence []model.EvidenceItem, reqCtx map[string]any, cfg Config) []model.Critique {
	cfg = cfg.WithContext(reqCtx)
	found := map[string]model.Critique{}

	if len(evidence) < cfg.MinEvidence {
		found[IssueInsufficientEvidence] = model.Critique{
			Issue:    IssueInsufficientEvidence,
			Severity: model.SeverityMedium,
			Fix:      "supply more evidence in the request or expand memory recall",
			Details:  map[string]any{"have": len(evidence), "want": cfg.MinEvidence},
		}
	}

	if days, ok := ctxNumber(reqCtx, "timeline_days"); ok && days > cfg.TimelineDaysMax {
		found[IssueExcessiveTimeline] = model.Critique{
			Issue:    IssueExcessiveTimeline,
			Severity: model.SeverityLow,
			Fix:      "split the work into shorter milestones",
			Details:  map[string]any{"timeline_days": days, "max": cfg.TimelineDaysMax},
		}
	}

	perOption := []struct {
		issue    string
		severity model.Severity
		fix      string
		hit      func(o model.CandidateOption) bool
	}{
		{
			issue: IssueHighRisk, severity: model.SeverityHigh,
			fix: "mitigate the risk or pick a safer option",
			hit: func(o model.CandidateOption) bool { return o.Risk != nil && *o.Risk > cfg.RiskThreshold },
		},
		{
			issue: IssueExcessiveComplexity, severity: model.SeverityMedium,
			fix: "decompose the option into simpler pieces",
			hit: func(o model.CandidateOption) bool {
				return o.Complexity != nil && *o.Complexity > cfg.ComplexityThreshold
			},
		},
		{
			issue: IssueLowValue, severity: model.SeverityLow,
			fix: "reconsider whether this option is worth pursuing",
			hit: func(o model.CandidateOption) bool { return o.Value != nil && *o.Value < cfg.ValueThreshold },
		},
		{
			issue: IssueLowFeasibility, severity: model.SeverityMedium,
			fix: "raise feasibility before committing",
			hit: func(o model.CandidateOption) bool {
				return o.Score != nil && *o.Score < cfg.FeasibilityThreshold
			},
		},
		{
			issue: IssueRiskValueImbalance, severity: model.SeverityMedium,
			fix: "the risk taken is out of proportion to the value returned",
			hit: func(o model.CandidateOption) bool {
				return o.Risk != nil && o.Value != nil && *o.Risk-*o.Value > cfg.ImbalanceMargin
			},
		},
	}

	for _, check := range perOption {
		var ids []string
		for _, o := range opts {
			if check.hit(o) {
				ids = append(ids, o.ID)
			}
		}
		if len(ids) > 0 {
			found[check.issue] = model.Critique{
				Issue:    check.issue,
				Severity: check.severity,
				Fix:      check.fix,
				Details:  map[string]any{"option_ids": ids},
			}
		}
	}

	out := make([]model.Critique, 0, len(found))
	for _, c := range found {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Issue < out[j].Issue })
	if len(out) > model.MaxCritiques {
		out = out[:model.MaxCritiques]
	}
	return out
}

// Enrich stamps verdicts onto options based on the critique set: options
// named by a high-severity critique become rejected, by a medium one
// needs_review, everything else accepted. Caller-set verdicts are preserved.
func Enrich(opts []model.CandidateOption, critiques []model.Critique) []model.CandidateOption {
	worst := map[string]model.Severity{}
	for _, c := range critiques {
		for _, id := range optionIDs(c) {
			if severityRank(c.Severity) > severityRank(worst[id]) {
				worst[id] = c.Severity
			}
		}
	}

	out := make([]model.CandidateOption, len(opts))
	for i, o := range opts {
		if o.Verdict == "" {
			switch worst[o.ID] {
			case model.SeverityHigh:
				o.Verdict = model.VerdictRejected
			case model.SeverityMedium:
				o.Verdict = model.VerdictNeedsReview
			default:
				o.Verdict = model.VerdictAccepted
			}
		}
		out[i] = o
	}
	return out
}

// optionIDs reads Details["option_ids"], tolerating the []any shape the
// field takes after a JSON round-trip (pre-filled critiques).
func optionIDs(c model.Critique) []string {
	switch v := c.Details["option_ids"].(type) {
	case []string:
		return v
	case []any:
		ids := make([]string, 0, len(v))
		for _, x := range v {
			if s, ok := x.(string); ok {
				ids = append(ids, s)
			}
		}
		return ids
	}
	return nil
}

func severityRank(s model.Severity) int {
	switch s {
	case model.SeverityHigh:
		return 3
	case model.SeverityMedium:
		return 2
	case model.SeverityLow:
		return 1
	}
	return 0
}

// StageFailure builds the critique recorded when a best-effort stage fails.
func StageFailure(stage model.StageName, err error) model.Critique {
	return model.Critique{
		Issue:    fmt.Sprintf("stage_failure:%s", stage),
		Severity: model.SeverityMedium,
		Fix:      "the stage output is empty; retry or supply it in the request",
		Details:  map[string]any{"stage": string(stage), "error": err.Error()},
	}
}

func ctxNumber(m map[string]any, key string) (float64, bool) {
	if m == nil {
		return 0, false
	}
	switch v := m[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}
