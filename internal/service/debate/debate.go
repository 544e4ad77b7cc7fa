// Package debate selects the winning option from the enriched candidate set.
// Selection is pure and never blocks: three tiers trade selectivity for
// availability so that whenever at least one option exists, one is chosen.
package debate

import (
	"fmt"

	"github.com/ashita-ai/veritas/internal/model"
)

// Tier thresholds. Normal selection requires a non-rejected option at or
// above normalFloor; degraded selection accepts any option at or above
// degradedFloor.
const (
	normalFloor   = 0.4
	degradedFloor = 0.2
)

// defaultScore stands in for an unset option score. Neutral: passes the
// normal floor so an unscored caller option is not penalized for silence.
const defaultScore = 0.5

// defaultRisk stands in for an unset option risk when computing risk_delta.
const defaultRisk = 0.5

// Run picks the winner among enriched options.
//
// Tier 1 (normal): highest score among non-rejected options scoring at least
// 0.4. Tier 2 (degraded): highest score among all options scoring at least
// 0.2, with a warning. Tier 3 (safe_fallback): the first option, with a
// strong warning. With zero options there is nothing to choose; the result
// carries mode safe_fallback and a warning so downstream stages can tell
// "no options" from "no debate ran".
func Run(options []model.CandidateOption) model.DebateResult {
	res := model.DebateResult{
		EnrichedOptions: options,
		Mode:            model.DebateNormal,
	}
	if len(options) == 0 {
		res.Mode = model.DebateSafeFallback
		res.Warnings = append(res.Warnings, "no candidate options to debate")
		return res
	}

	if chosen := pick(options, normalFloor, true); chosen != nil {
		res.Chosen = chosen
	} else if chosen := pick(options, degradedFloor, false); chosen != nil {
		res.Chosen = chosen
		res.Mode = model.DebateDegraded
		res.Warnings = append(res.Warnings,
			fmt.Sprintf("no acceptable option scored at least %.1f; degraded selection", normalFloor))
	} else {
		first := options[0]
		res.Chosen = &first
		res.Mode = model.DebateSafeFallback
		res.Warnings = append(res.Warnings,
			fmt.Sprintf("all options scored below %.1f; falling back to the first option %q", degradedFloor, first.ID))
	}

	res.RiskDelta = riskDelta(res.Chosen, options)
	return res
}

// pick returns the max-score option meeting the floor, or nil. When
// excludeRejected is set, rejected options are not considered. Ties keep the
// earliest option so selection is deterministic.
func pick(options []model.CandidateOption, floor float64, excludeRejected bool) *model.CandidateOption {
	var best *model.CandidateOption
	bestScore := -1.0
	for i := range options {
		o := options[i]
		if excludeRejected && o.Verdict == model.VerdictRejected {
			continue
		}
		score := o.ScoreOr(defaultScore)
		if score < floor {
			continue
		}
		if score > bestScore {
			bestScore = score
			best = &options[i]
		}
	}
	if best == nil {
		return nil
	}
	chosen := *best
	return &chosen
}

// riskDelta is the extra risk accepted by choosing this option over the
// least risky candidate, clamped to [0,1].
func riskDelta(chosen *model.CandidateOption, options []model.CandidateOption) float64 {
	if chosen == nil || len(options) == 0 {
		return 0
	}
	minRisk := chosen.RiskOr(defaultRisk)
	for _, o := range options {
		if r := o.RiskOr(defaultRisk); r < minRisk {
			minRisk = r
		}
	}
	delta := chosen.RiskOr(defaultRisk) - minRisk
	if delta < 0 {
		delta = 0
	}
	if delta > 1 {
		delta = 1
	}
	return delta
}
