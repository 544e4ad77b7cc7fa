// Package planner turns the chosen option into an executable step plan.
// Callers may supply their own steps through the request context; the
// planner then only validates them. Either way the result must be a DAG —
// a dependency cycle is a stage failure, not a silent reorder.
package planner

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ashita-ai/veritas/internal/model"
)

// CtxPlanSteps is the context key under which callers supply their own steps.
const CtxPlanSteps = "plan_steps"

// ErrCycle is wrapped by validation errors caused by cyclic dependencies.
var ErrCycle = errors.New("planner: dependency cycle")

// Build produces the plan for a chosen option. When the request context
// carries plan_steps, those are decoded and validated instead of generating
// defaults. A nil chosen option without supplied steps yields an empty plan.
func Build(chosen *model.CandidateOption, reqCtx map[string]any) (model.Plan, error) {
	if raw, ok := reqCtx[CtxPlanSteps]; ok {
		steps, err := decodeSteps(raw)
		if err != nil {
			return model.Plan{}, err
		}
		if len(steps) > model.MaxPlanSteps {
			return model.Plan{}, fmt.Errorf("planner: %d steps exceed the maximum of %d", len(steps), model.MaxPlanSteps)
		}
		if err := Validate(steps); err != nil {
			return model.Plan{}, err
		}
		return model.Plan{Steps: steps}, nil
	}

	if chosen == nil {
		return model.Plan{}, nil
	}
	return model.Plan{Steps: defaultSteps(*chosen)}, nil
}

// defaultSteps is the stock three-step plan: confirm the evidence, execute
// the option, verify the outcome. Linear dependencies.
func defaultSteps(chosen model.CandidateOption) []model.PlanStep {
	return []model.PlanStep{
		{
			ID:        "review-evidence",
			Title:     "Review supporting evidence",
			Objective: fmt.Sprintf("Confirm the evidence behind %q still holds", chosen.Title),
			DoneCriteria: []string{
				"every cited evidence item re-checked",
			},
		},
		{
			ID:           "execute",
			Title:        chosen.Title,
			Objective:    firstNonEmpty(chosen.Rationale, "Carry out the chosen option"),
			Dependencies: []string{"review-evidence"},
			Risks:        []string{"outcome diverges from the rationale"},
		},
		{
			ID:           "verify-outcome",
			Title:        "Verify the outcome",
			Objective:    "Check the result against the decision's done criteria and record it",
			Dependencies: []string{"execute"},
			Metrics:      []string{"outcome_verified"},
		},
	}
}

// Validate checks that steps have unique non-empty ids, that dependencies
// reference known steps, and that the dependency graph is acyclic.
func Validate(steps []model.PlanStep) error {
	byID := make(map[string][]string, len(steps))
	for i, s := range steps {
		if s.ID == "" {
			return fmt.Errorf("planner: step %d has no id", i)
		}
		if _, dup := byID[s.ID]; dup {
			return fmt.Errorf("planner: duplicate step id %q", s.ID)
		}
		byID[s.ID] = s.Dependencies
	}
	for _, s := range steps {
		for _, dep := range s.Dependencies {
			if _, ok := byID[dep]; !ok {
				return fmt.Errorf("planner: step %q depends on unknown step %q", s.ID, dep)
			}
		}
	}

	// Depth-first cycle detection with tri-color marking.
	const (
		white = 0
		grey  = 1
		black = 2
	)
	color := make(map[string]int, len(steps))
	var visit func(id string) error
	visit = func(id string) error {
		switch color[id] {
		case grey:
			return fmt.Errorf("%w through step %q", ErrCycle, id)
		case black:
			return nil
		}
		color[id] = grey
		for _, dep := range byID[id] {
			if err := visit(dep); err != nil {
				return err
			}
		}
		color[id] = black
		return nil
	}
	for _, s := range steps {
		if err := visit(s.ID); err != nil {
			return err
		}
	}
	return nil
}

// decodeSteps converts the context value (decoded JSON, so []any of maps)
// into typed plan steps via a JSON round-trip.
func decodeSteps(raw any) ([]model.PlanStep, error) {
	buf, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("planner: encode supplied steps: %w", err)
	}
	var steps []model.PlanStep
	if err := json.Unmarshal(buf, &steps); err != nil {
		return nil, fmt.Errorf("planner: decode supplied steps: %w", err)
	}
	return steps, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
