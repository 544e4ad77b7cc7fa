package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ashita-ai/veritas/internal/model"
)

const proposerSystem = `You are an option generator for a decision support system.
Given a query and the caller's goals, propose concrete, mutually distinct
candidate actions. Prefer reversible, low-risk options.

Respond with ONLY a JSON object, no prose:
{"options": [{"id": "opt-1", "title": "<short action>", "score": <float 0..1>, "rationale": "<one sentence>"}]}`

// Proposer generates candidate options for queries that arrive without
// any. A nil inner client means proposal is disabled.
type Proposer struct {
	client *Client
	logger *slog.Logger
}

// NewProposer wraps a chat client as an option generator. Pass a nil
// client to build a disabled proposer.
func NewProposer(client *Client, logger *slog.Logger) *Proposer {
	return &Proposer{client: client, logger: logger}
}

// Enabled reports whether a model is configured.
func (p *Proposer) Enabled() bool {
	return p != nil && p.client != nil
}

type proposalDoc struct {
	Options []model.CandidateOption `json:"options"`
}

// Propose asks the model for up to max candidate options. IDs are assigned
// when the model omits them; scores and risks outside [0,1] are dropped.
func (p *Proposer) Propose(ctx context.Context, query string, goals []string, max int) ([]model.CandidateOption, error) {
	if !p.Enabled() {
		return nil, ErrDisabled
	}
	if max <= 0 {
		max = 3
	}

	var sb strings.Builder
	sb.WriteString("Query: ")
	sb.WriteString(query)
	if len(goals) > 0 {
		sb.WriteString("\nGoals: ")
		sb.WriteString(strings.Join(goals, ", "))
	}
	fmt.Fprintf(&sb, "\nPropose at most %d options.", max)

	raw, err := p.client.Complete(ctx, []Message{
		{Role: "system", Content: proposerSystem},
		{Role: "user", Content: sb.String()},
	}, 1024)
	if err != nil {
		return nil, fmt.Errorf("llm: propose options: %w", err)
	}

	cleaned := ExtractJSON(StripFences(StripThinkBlocks(raw)))
	var doc proposalDoc
	if err := json.Unmarshal([]byte(cleaned), &doc); err != nil {
		return nil, fmt.Errorf("llm: proposal parse: %w", err)
	}

	out := make([]model.CandidateOption, 0, max)
	for i, opt := range doc.Options {
		if len(out) >= max {
			break
		}
		if opt.Title == "" {
			continue
		}
		if opt.ID == "" {
			opt.ID = fmt.Sprintf("opt-%d", i+1)
		}
		if opt.Score != nil && (*opt.Score < 0 || *opt.Score > 1) {
			opt.Score = nil
		}
		if opt.Risk != nil && (*opt.Risk < 0 || *opt.Risk > 1) {
			opt.Risk = nil
		}
		opt.Verdict = ""
		out = append(out, opt)
	}
	return out, nil
}
