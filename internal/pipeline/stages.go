package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/ashita-ai/veritas/internal/fuji"
	"github.com/ashita-ai/veritas/internal/model"
	"github.com/ashita-ai/veritas/internal/service/critique"
	"github.com/ashita-ai/veritas/internal/service/debate"
	"github.com/ashita-ai/veritas/internal/service/evidence"
	"github.com/ashita-ai/veritas/internal/service/planner"
	"github.com/ashita-ai/veritas/internal/service/values"
)

// normalizeInput validates the request, extracts context fields, and
// decodes pre-filled stage outputs. A failure here is the only one that
// aborts without sealing.
func (o *Orchestrator) normalizeInput(_ context.Context, st *State) Outcome {
	st.Request.Query = strings.TrimSpace(st.Request.Query)
	if err := st.Request.Validate(); err != nil {
		return Fail(err)
	}
	st.Goals = goalsFrom(st.Request.Context)

	if raw, ok := st.Request.Context[ctxPrefill]; ok {
		slots, ok := raw.(map[string]any)
		if !ok {
			st.warn("prefill ignored: not an object")
			return OK()
		}
		keys := make([]string, 0, len(slots))
		for k := range slots {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, key := range keys {
			name := model.StageName(key)
			if !prefillSlots[name] {
				st.warn(fmt.Sprintf("prefill ignored for stage %q", key))
				continue
			}
			if err := st.applyPrefill(name, slots[key]); err != nil {
				st.warn(err.Error())
			}
		}
	}
	return OK()
}

// collectOptions takes caller-supplied options verbatim, falls back to the
// LLM proposer, and otherwise proceeds with none so selection can fall
// through to the safe default.
func (o *Orchestrator) collectOptions(ctx context.Context, st *State) Outcome {
	if len(st.Request.Options) > 0 {
		st.Options = append([]model.CandidateOption(nil), st.Request.Options...)
		return OK()
	}
	if o.svc.Proposer.Enabled() {
		opts, err := o.svc.Proposer.Propose(ctx, st.Request.Query, st.Goals, maxProposedOptions)
		if err != nil {
			return Fail(err)
		}
		st.Options = opts
		if len(opts) == 0 {
			st.warn("option proposer returned no options")
		}
		return OK()
	}
	st.warn("no candidate options provided and no proposer configured")
	return OK()
}

func (o *Orchestrator) gatherEvidence(ctx context.Context, st *State) Outcome {
	items, warnings := o.svc.Evidence.Gather(ctx, evidence.Query{
		UserID: st.UserID,
		Text:   st.Request.Query,
	}, extraEvidence(st.Request.Context))
	st.Evidence = items
	st.Warnings = append(st.Warnings, warnings...)
	return OK()
}

func (o *Orchestrator) runCritique(_ context.Context, st *State) Outcome {
	crits := critique.Review(st.Options, st.Evidence, st.Request.Context, critique.Default())
	st.Critiques = append(st.Critiques, crits...)
	st.Options = critique.Enrich(st.Options, st.Critiques)
	return OK()
}

func (o *Orchestrator) runDebate(_ context.Context, st *State) Outcome {
	res := debate.Run(st.Options)
	st.Debate = &res
	return OK()
}

// runPlanner builds the execution plan for the chosen option. On failure
// the plan is pinned empty so a later prefill cannot resurrect a plan the
// run rejected.
func (o *Orchestrator) runPlanner(_ context.Context, st *State) Outcome {
	plan, err := planner.Build(st.chosen(), st.Request.Context)
	if err != nil {
		st.Plan = &model.Plan{}
		return Fail(err)
	}
	st.Plan = &plan
	return OK()
}

func (o *Orchestrator) evaluateValues(_ context.Context, st *State) Outcome {
	rep := o.svc.Values.Evaluate(st.UserID, values.Input{
		Query:     st.Request.Query,
		Goals:     st.Goals,
		Chosen:    st.chosen(),
		Evidence:  st.Evidence,
		Critiques: st.Critiques,
	})
	st.Values = &rep
	return OK()
}

func (o *Orchestrator) fujiGate(ctx context.Context, st *State) Outcome {
	d, err := o.svc.Gate.Evaluate(ctx, fuji.Input{
		Query:    st.Request.Query,
		Options:  st.Options,
		Chosen:   st.chosen(),
		Evidence: st.Evidence,
		UserID:   st.UserID,
	})
	if err != nil {
		return Fail(err)
	}
	st.Fuji = &d
	st.gateRan = true
	return OK()
}

// requestIDFrom returns the caller-supplied request id when it is a valid
// UUID, and a fresh one otherwise. Generation happens exactly once per
// decide call; every later consumer sees the same value.
func requestIDFrom(reqCtx map[string]any) string {
	if v, ok := reqCtx[model.CtxRequestID].(string); ok {
		if _, err := uuid.Parse(v); err == nil {
			return v
		}
	}
	return uuid.NewString()
}

func goalsFrom(reqCtx map[string]any) []string {
	switch v := reqCtx[model.CtxGoals].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, g := range v {
			if s, ok := g.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// extraEvidence decodes caller-supplied evidence from the request context.
// Malformed entries are dropped silently; the gatherer clamps and caps
// whatever survives.
func extraEvidence(reqCtx map[string]any) []model.EvidenceItem {
	raw, ok := reqCtx[ctxExtraEvidence]
	if !ok {
		return nil
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return nil
	}
	var items []model.EvidenceItem
	if err := json.Unmarshal(b, &items); err != nil {
		return nil
	}
	return items
}
