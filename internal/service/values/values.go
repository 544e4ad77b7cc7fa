// Package values scores how well a decision serves the caller's stated
// goals. Scores (0.0-1.0) are weighted means of named factors; a per-user
// exponential moving average tracks decision quality across calls and is
// persisted so the trend survives restarts.
package values

import (
	"strings"

	"github.com/ashita-ai/veritas/internal/model"
)

// Factor names reported in ValueReport.Factors.
const (
	FactorGoalAlignment    = "goal_alignment"
	FactorEvidenceSupport  = "evidence_support"
	FactorOptionScore      = "option_score"
	FactorSafetyMargin     = "safety_margin"
	FactorCritiquePressure = "critique_pressure"
)

// factorWeights sum to 1.0 so the weighted mean stays in [0,1].
var factorWeights = map[string]float64{
	FactorGoalAlignment:    0.25,
	FactorEvidenceSupport:  0.20,
	FactorOptionScore:      0.20,
	FactorSafetyMargin:     0.25,
	FactorCritiquePressure: 0.10,
}

// Input is everything value evaluation reads.
type Input struct {
	Query     string
	Goals     []string
	Chosen    *model.CandidateOption
	Evidence  []model.EvidenceItem
	Critiques []model.Critique
}

// Score computes the factor map and weighted total for one decision.
//
// Factors:
//   - goal_alignment: term overlap between the chosen option (or the query
//     when nothing was chosen) and the stated goals; 0.5 when no goals.
//   - evidence_support: mean evidence confidence scaled by coverage
//     (3+ items = full coverage).
//   - option_score: the chosen option's score; 0 when nothing was chosen.
//   - safety_margin: 1 − chosen option risk.
//   - critique_pressure: erodes from 1.0 as critiques accumulate; high
//     severity erodes fastest.
func Score(in Input) (total float64, factors map[string]float64) {
	factors = map[string]float64{
		FactorGoalAlignment:    goalAlignment(in),
		FactorEvidenceSupport:  evidenceSupport(in.Evidence),
		FactorOptionScore:      optionScore(in.Chosen),
		FactorSafetyMargin:     safetyMargin(in.Chosen),
		FactorCritiquePressure: critiquePressure(in.Critiques),
	}
	for name, f := range factors {
		total += factorWeights[name] * f
	}
	return clamp01(total), factors
}

// goalAlignment measures term overlap between the decision text and the
// caller's goals. No goals means nothing to align against: neutral 0.5.
func goalAlignment(in Input) float64 {
	if len(in.Goals) == 0 {
		return 0.5
	}
	text := in.Query
	if in.Chosen != nil {
		text = in.Chosen.Title + " " + in.Chosen.Rationale
	}
	textTerms := termSet(text)
	if len(textTerms) == 0 {
		return 0
	}

	matchedGoals := 0
	for _, goal := range in.Goals {
		for term := range termSet(goal) {
			if textTerms[term] {
				matchedGoals++
				break
			}
		}
	}
	return clamp01(float64(matchedGoals) / float64(len(in.Goals)))
}

// evidenceSupport is mean confidence scaled by coverage; three or more items
// count as full coverage.
func evidenceSupport(evidence []model.EvidenceItem) float64 {
	if len(evidence) == 0 {
		return 0
	}
	var sum float64
	for _, e := range evidence {
		sum += e.Confidence
	}
	mean := sum / float64(len(evidence))
	coverage := float64(len(evidence)) / 3
	if coverage > 1 {
		coverage = 1
	}
	return clamp01(mean * coverage)
}

func optionScore(chosen *model.CandidateOption) float64 {
	if chosen == nil {
		return 0
	}
	return clamp01(chosen.ScoreOr(0.5))
}

func safetyMargin(chosen *model.CandidateOption) float64 {
	if chosen == nil {
		return 0.5
	}
	return clamp01(1 - chosen.RiskOr(0.5))
}

// critiquePressure starts at 1.0 and erodes per critique: high severity
// costs 1.0 point, medium 0.5, low 0.25, against a budget of 3 points.
func critiquePressure(critiques []model.Critique) float64 {
	var points float64
	for _, c := range critiques {
		switch c.Severity {
		case model.SeverityHigh:
			points += 1.0
		case model.SeverityMedium:
			points += 0.5
		default:
			points += 0.25
		}
	}
	pressure := points / 3
	if pressure > 1 {
		pressure = 1
	}
	return clamp01(1 - pressure)
}

func termSet(s string) map[string]bool {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9')
	})
	set := make(map[string]bool, len(fields))
	for _, f := range fields {
		if len(f) < 3 {
			continue
		}
		set[f] = true
	}
	return set
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
