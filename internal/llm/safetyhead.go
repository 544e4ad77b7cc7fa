package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// HeadVerdict is the structured verdict returned by the safety head.
// Risk is the overall score in [0,1]; Categories carries per-category
// risks when the model provides them.
type HeadVerdict struct {
	Risk       float64            `json:"risk"`
	Categories map[string]float64 `json:"categories,omitempty"`
	Rationale  string             `json:"rationale,omitempty"`
}

const safetyHeadSystem = `You are a safety classifier for an automated decision gate.
Given a decision query and its candidate options, estimate the risk that
executing the leading option causes harm (physical, financial, legal,
privacy, or irreversible damage).

Respond with ONLY a JSON object, no prose:
{"risk": <float 0..1>, "categories": {"<category>": <float 0..1>, ...}, "rationale": "<one sentence>"}`

// SafetyHead classifies decisions via an external model. A nil inner
// client means the head is disabled and Classify reports ErrDisabled.
type SafetyHead struct {
	client *Client
	logger *slog.Logger
}

// ErrDisabled is returned by Classify when no model is configured.
var ErrDisabled = errors.New("llm: safety head disabled")

// NewSafetyHead wraps a chat client as a safety classifier. Pass a nil
// client to build a disabled head.
func NewSafetyHead(client *Client, logger *slog.Logger) *SafetyHead {
	return &SafetyHead{client: client, logger: logger}
}

// Enabled reports whether a model is configured.
func (h *SafetyHead) Enabled() bool {
	return h != nil && h.client != nil
}

// Classify asks the model for a risk verdict on the query and options.
// The reply must be strict JSON; reasoning blocks and code fences are
// stripped before decoding. Any transport or parse failure is returned
// to the caller, which applies the baseline risk contribution.
func (h *SafetyHead) Classify(ctx context.Context, query string, optionTitles []string) (HeadVerdict, error) {
	if !h.Enabled() {
		return HeadVerdict{}, ErrDisabled
	}

	var sb strings.Builder
	sb.WriteString("Query: ")
	sb.WriteString(query)
	if len(optionTitles) > 0 {
		sb.WriteString("\nOptions:\n")
		for _, title := range optionTitles {
			sb.WriteString("- ")
			sb.WriteString(title)
			sb.WriteByte('\n')
		}
	}

	raw, err := h.client.Complete(ctx, []Message{
		{Role: "system", Content: safetyHeadSystem},
		{Role: "user", Content: sb.String()},
	}, 256)
	if err != nil {
		return HeadVerdict{}, fmt.Errorf("llm: safety head call: %w", err)
	}

	cleaned := ExtractJSON(StripFences(StripThinkBlocks(raw)))
	var verdict HeadVerdict
	if err := json.Unmarshal([]byte(cleaned), &verdict); err != nil {
		return HeadVerdict{}, fmt.Errorf("llm: safety head verdict parse: %w", err)
	}

	// A verdict with only category risks still yields an overall score.
	if verdict.Risk == 0 {
		for _, r := range verdict.Categories {
			if r > verdict.Risk {
				verdict.Risk = r
			}
		}
	}
	verdict.Risk = clamp01(verdict.Risk)
	for k, r := range verdict.Categories {
		verdict.Categories[k] = clamp01(r)
	}
	return verdict, nil
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
