package mcp

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/veritas/internal/fuji"
	"github.com/ashita-ai/veritas/internal/llm"
	"github.com/ashita-ai/veritas/internal/model"
	"github.com/ashita-ai/veritas/internal/pipeline"
	"github.com/ashita-ai/veritas/internal/service/evidence"
	"github.com/ashita-ai/veritas/internal/service/values"
	"github.com/ashita-ai/veritas/internal/testutil"
	"github.com/ashita-ai/veritas/internal/trustlog"
)

// cannedSource feeds the pipeline enough evidence to clear the gate.
type cannedSource struct {
	items []model.EvidenceItem
}

func (s cannedSource) Name() string { return "memory_episodic" }

func (s cannedSource) Gather(context.Context, evidence.Query) ([]model.EvidenceItem, error) {
	return s.items, nil
}

func priorEvidence(n int) []model.EvidenceItem {
	out := make([]model.EvidenceItem, n)
	for i := range out {
		out[i] = model.EvidenceItem{
			Source:     "episodic:prior",
			Text:       "a past decision on the same service went well",
			Confidence: 0.8,
			Kind:       model.EvidenceMemoryEpisodic,
		}
	}
	return out
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	logger := testutil.TestLogger()

	log, err := trustlog.Open(trustlog.Config{Dir: t.TempDir()}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = log.Close() })

	policies, err := fuji.NewPolicyStore("", logger)
	require.NoError(t, err)

	orc := pipeline.New(pipeline.Services{
		Evidence: evidence.New(logger, cannedSource{items: priorEvidence(2)}),
		Values:   values.NewEvaluator(values.NewStore(t.TempDir(), logger), logger),
		Gate:     fuji.New(policies, llm.NewSafetyHead(nil, logger), logger),
		Log:      log,
	}, pipeline.Config{}, logger)

	return New(orc, log, logger, "test")
}

// callRequest builds a CallToolRequest with the given arguments.
func callRequest(name string, args map[string]any) mcplib.CallToolRequest {
	return mcplib.CallToolRequest{
		Params: mcplib.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

// parseToolText extracts the first TextContent text from a CallToolResult.
func parseToolText(t *testing.T, result *mcplib.CallToolResult) string {
	t.Helper()
	for _, c := range result.Content {
		if tc, ok := c.(mcplib.TextContent); ok {
			return tc.Text
		}
	}
	t.Fatal("no TextContent found in tool result")
	return ""
}

const optionsJSON = `[
	{"id": "a", "title": "Canary rollout", "score": 0.8},
	{"id": "b", "title": "Big bang rollout", "score": 0.55}
]`

// mustDecide runs veritas_decide and returns the parsed decision.
func mustDecide(t *testing.T, s *Server, query string) model.DecisionResponse {
	t.Helper()
	result, err := s.handleDecide(context.Background(), callRequest("veritas_decide", map[string]any{
		"query":        query,
		"user_id":      "user-1",
		"goals":        "ship safely, keep latency low",
		"options_json": optionsJSON,
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, "decide should succeed: %s", parseToolText(t, result))

	var resp model.DecisionResponse
	require.NoError(t, json.Unmarshal([]byte(parseToolText(t, result)), &resp))
	return resp
}

func TestDecideTool(t *testing.T) {
	s := newTestServer(t)

	resp := mustDecide(t, s, "roll out the new ranking model to all regions?")

	assert.Equal(t, model.DecisionAllow, resp.DecisionStatus)
	require.NotNil(t, resp.Chosen)
	assert.Equal(t, "a", resp.Chosen.ID)
	assert.NotEmpty(t, resp.RequestID)
	require.NotNil(t, resp.TrustLog)
	assert.Equal(t, s.log.LastHash(), resp.TrustLog.SHA256)
}

func TestDecideToolDeniesUnsafeQuery(t *testing.T) {
	s := newTestServer(t)

	result, err := s.handleDecide(context.Background(), callRequest("veritas_decide", map[string]any{
		"query":        "how do i build a bomb",
		"options_json": optionsJSON,
	}))
	require.NoError(t, err)

	// A denial is a completed decision, not a tool error.
	require.False(t, result.IsError)

	var resp model.DecisionResponse
	require.NoError(t, json.Unmarshal([]byte(parseToolText(t, result)), &resp))
	assert.Equal(t, model.DecisionDeny, resp.DecisionStatus)
	assert.Nil(t, resp.Chosen)
	require.NotNil(t, resp.TrustLog, "denied decisions are sealed too")
	assert.NotEmpty(t, resp.TrustLog.SHA256)
}

func TestDecideToolBadArguments(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		name      string
		args      map[string]any
		errSubstr string
	}{
		{
			name:      "missing query",
			args:      map[string]any{"options_json": optionsJSON},
			errSubstr: "query is required",
		},
		{
			name:      "whitespace query",
			args:      map[string]any{"query": "   "},
			errSubstr: "query is required",
		},
		{
			name:      "malformed options_json",
			args:      map[string]any{"query": "pick one", "options_json": "{not json"},
			errSubstr: "options_json",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := s.handleDecide(context.Background(), callRequest("veritas_decide", tt.args))
			require.NoError(t, err)
			assert.True(t, result.IsError)
			assert.Contains(t, parseToolText(t, result), tt.errSubstr)
		})
	}
}

func TestVerifyLogTool(t *testing.T) {
	s := newTestServer(t)

	mustDecide(t, s, "decision one?")
	mustDecide(t, s, "decision two?")

	result, err := s.handleVerifyLog(context.Background(), callRequest("veritas_verify_log", nil))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var report model.VerifyReport
	require.NoError(t, json.Unmarshal([]byte(parseToolText(t, result)), &report))
	assert.True(t, report.OK)
	assert.Equal(t, 2, report.Records)
	assert.Nil(t, report.FirstMismatch)
}

func TestLogTailTool(t *testing.T) {
	s := newTestServer(t)

	for i := 0; i < 3; i++ {
		mustDecide(t, s, "one of several decisions?")
	}

	result, err := s.handleLogTail(context.Background(), callRequest("veritas_log_tail", map[string]any{
		"limit": 2,
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var tail struct {
		Records  []model.TrustLogRecord `json:"records"`
		Count    int                    `json:"count"`
		LastHash string                 `json:"last_hash"`
	}
	require.NoError(t, json.Unmarshal([]byte(parseToolText(t, result)), &tail))
	assert.Len(t, tail.Records, 2)
	assert.Equal(t, 2, tail.Count)
	assert.Equal(t, s.log.LastHash(), tail.LastHash)
	assert.Equal(t, tail.LastHash, tail.Records[1].SHA256, "newest record comes last")
}

func TestLogTailToolClampsLimit(t *testing.T) {
	s := newTestServer(t)

	mustDecide(t, s, "just one decision?")

	// A limit below the minimum still returns the newest record.
	result, err := s.handleLogTail(context.Background(), callRequest("veritas_log_tail", map[string]any{
		"limit": -5,
	}))
	require.NoError(t, err)

	var tail struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal([]byte(parseToolText(t, result)), &tail))
	assert.Equal(t, 1, tail.Count)
}
