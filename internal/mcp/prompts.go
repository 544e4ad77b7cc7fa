package mcp

import (
	"context"

	mcplib "github.com/mark3labs/mcp-go/mcp"
)

func (s *Server) registerPrompts() {
	// agent-setup — system prompt snippet explaining the VERITAS decision workflow.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("agent-setup",
			mcplib.WithPromptDescription("System prompt snippet explaining the VERITAS gated decision workflow"),
		),
		s.handleAgentSetupPrompt,
	)
}

func (s *Server) handleAgentSetupPrompt(ctx context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	return &mcplib.GetPromptResult{
		Description: "VERITAS gated decision workflow for AI agents",
		Messages: []mcplib.PromptMessage{
			{
				Role: mcplib.RoleUser,
				Content: mcplib.TextContent{
					Type: "text",
					Text: `You have access to VERITAS, a decision gateway for AI agents. Every
consequential choice goes through its pipeline: evidence is gathered,
candidates are critiqued and debated, a plan is drafted, values are
checked, and the FUJI safety gate issues the final verdict. The whole
trail is sealed into a tamper-evident trust log.

## The Pattern: Decide Through the Gate, Cite the Seal

### Before acting:
Call veritas_decide with your question, the goals at stake, and the
candidate options you are weighing. Do not act first and ask later.

### Read the verdict:
- allow: proceed with the chosen option. The plan field gives you an
  ordered set of steps to follow.
- hold: do NOT proceed. The rejection_reason tells you what was
  missing — usually evidence. Gather more and decide again.
- deny: do NOT proceed, and do not rephrase the query to slip past
  the gate. The violations list explains what policy was hit.

### When asked "why?":
Cite the trust_log reference from the response. Anyone can fetch the
sealed record and verify the chain with veritas_verify_log.

## Available Tools

- veritas_decide: Run a decision through the pipeline (use BEFORE acting)
- veritas_log_tail: See recently sealed decisions (good for context)
- veritas_verify_log: Prove the audit chain is intact

## Honest Inputs

The gate is only as good as what you give it. State the query plainly,
list the options you are actually considering, and pass the real goals.
Feeding the pipeline a sanitized version of your intent defeats the
safety layer and still leaves a sealed record of the sanitized query.`,
				},
			},
		},
	}, nil
}
