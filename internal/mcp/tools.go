package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/veritas/internal/model"
	"github.com/ashita-ai/veritas/internal/pipeline"
)

func (s *Server) registerTools() {
	// veritas_decide — run a decision through the full pipeline.
	s.mcpServer.AddTool(
		mcplib.NewTool("veritas_decide",
			mcplib.WithDescription(`Run a decision through the VERITAS pipeline: evidence gathering,
critique, debate, planning, value alignment, and the FUJI safety gate.
Every outcome is sealed to a tamper-evident trust log.

WHEN TO USE: BEFORE acting on any consequential choice. VERITAS either
allows the best candidate, holds when evidence is too thin, or denies
when the query violates safety policy. Treat deny and hold as binding.

WHAT YOU GET BACK:
- decision_status: allow, hold, or deny
- chosen: the winning option with its score (null on hold/deny)
- evidence, critique, debate, plan, values: the full reasoning trail
- fuji: the safety gate verdict with risk score and violations
- trust_log: the sealed record reference — cite it when asked "why?"

EXAMPLE: Before rolling out a model change, call veritas_decide with
query="roll out the new ranking model to all regions?" and options_json
listing the candidate strategies.`),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithIdempotentHintAnnotation(false),
			mcplib.WithOpenWorldHintAnnotation(true),
			mcplib.WithString("query",
				mcplib.Description("The decision question, stated plainly. What are you trying to decide?"),
				mcplib.Required(),
			),
			mcplib.WithString("user_id",
				mcplib.Description("Identity the decision is made for. Scopes memory recall and value profiles."),
			),
			mcplib.WithString("goals",
				mcplib.Description("Comma-separated goals the decision should serve, e.g. \"ship safely, keep latency low\""),
			),
			mcplib.WithString("options_json",
				mcplib.Description(`Optional JSON array of candidate options, e.g. [{"id":"a","title":"Canary rollout","score":0.8}]. Omit to let the pipeline propose candidates.`),
			),
		),
		s.handleDecide,
	)

	// veritas_verify_log — verify the whole trust log chain.
	s.mcpServer.AddTool(
		mcplib.NewTool("veritas_verify_log",
			mcplib.WithDescription(`Verify the integrity of the entire trust log hash chain.

WHEN TO USE: When you need proof that the decision audit trail has not
been tampered with — before relying on past records, or on a schedule.

WHAT YOU GET BACK:
- ok: whether every record re-derives from its predecessor
- records / segments: how much history was checked
- first_mismatch: index of the first broken link, if any`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
		),
		s.handleVerifyLog,
	)

	// veritas_log_tail — read the most recent sealed records.
	s.mcpServer.AddTool(
		mcplib.NewTool("veritas_log_tail",
			mcplib.WithDescription(`Read the most recent sealed decision records from the trust log.

WHEN TO USE: To see what was decided recently — at the start of a
session for context, or to find the record id of a decision you just
made so you can cite it.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithNumber("limit",
				mcplib.Description("Maximum records to return, newest last"),
				mcplib.Min(1),
				mcplib.Max(100),
				mcplib.DefaultNumber(10),
			),
		),
		s.handleLogTail,
	)
}

func (s *Server) handleDecide(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	query := request.GetString("query", "")
	if strings.TrimSpace(query) == "" {
		return errorResult("query is required"), nil
	}

	req := model.DecideRequest{Query: query, Context: map[string]any{}}
	if userID := request.GetString("user_id", ""); userID != "" {
		req.Context[model.CtxUserID] = userID
	}
	if goals := request.GetString("goals", ""); goals != "" {
		var list []any
		for _, g := range strings.Split(goals, ",") {
			if g = strings.TrimSpace(g); g != "" {
				list = append(list, g)
			}
		}
		if len(list) > 0 {
			req.Context[model.CtxGoals] = list
		}
	}
	if raw := request.GetString("options_json", ""); raw != "" {
		if err := json.Unmarshal([]byte(raw), &req.Options); err != nil {
			return errorResult(fmt.Sprintf("options_json is not a valid option array: %v", err)), nil
		}
	}

	resp, err := s.pipeline.Decide(ctx, req)
	switch {
	case errors.Is(err, pipeline.ErrInvalidInput):
		return errorResult(err.Error()), nil
	case errors.Is(err, pipeline.ErrTrustLogUnavailable):
		return errorResult("decision was not sealed to the trust log; treat it as hold and retry"), nil
	case err != nil:
		return errorResult(fmt.Sprintf("decide failed: %v", err)), nil
	}

	data, err := json.MarshalIndent(resp, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal decision: %w", err)
	}
	return textResult(string(data)), nil
}

func (s *Server) handleVerifyLog(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	report, err := s.log.Verify(ctx)
	if err != nil {
		return errorResult(fmt.Sprintf("verification failed: %v", err)), nil
	}

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal verify report: %w", err)
	}
	return textResult(string(data)), nil
}

func (s *Server) handleLogTail(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	limit := request.GetInt("limit", 10)
	if limit < 1 {
		limit = 1
	}
	if limit > 100 {
		limit = 100
	}

	records := s.log.Tail(limit)
	data, err := json.MarshalIndent(map[string]any{
		"records":   records,
		"count":     len(records),
		"last_hash": s.log.LastHash(),
	}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal log tail: %w", err)
	}
	return textResult(string(data)), nil
}
