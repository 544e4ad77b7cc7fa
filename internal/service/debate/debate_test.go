package debate_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/veritas/internal/model"
	"github.com/ashita-ai/veritas/internal/service/debate"
)

func f(v float64) *float64 { return &v }

func TestNormalTierPicksMaxScore(t *testing.T) {
	res := debate.Run([]model.CandidateOption{
		{ID: "a", Title: "a", Score: f(0.6)},
		{ID: "b", Title: "b", Score: f(0.9)},
		{ID: "c", Title: "c", Score: f(0.5)},
	})

	require.NotNil(t, res.Chosen)
	assert.Equal(t, "b", res.Chosen.ID)
	assert.Equal(t, model.DebateNormal, res.Mode)
	assert.Empty(t, res.Warnings)
}

func TestNormalTierSkipsRejected(t *testing.T) {
	res := debate.Run([]model.CandidateOption{
		{ID: "best-but-rejected", Title: "x", Score: f(0.95), Verdict: model.VerdictRejected},
		{ID: "runner-up", Title: "y", Score: f(0.6)},
	})

	require.NotNil(t, res.Chosen)
	assert.Equal(t, "runner-up", res.Chosen.ID)
	assert.Equal(t, model.DebateNormal, res.Mode)
}

func TestUnscoredOptionPassesNormalTier(t *testing.T) {
	res := debate.Run([]model.CandidateOption{{ID: "plain", Title: "plain"}})
	require.NotNil(t, res.Chosen)
	assert.Equal(t, model.DebateNormal, res.Mode)
}

func TestDegradedTierIncludesRejected(t *testing.T) {
	res := debate.Run([]model.CandidateOption{
		{ID: "low", Title: "low", Score: f(0.3), Verdict: model.VerdictRejected},
		{ID: "lower", Title: "lower", Score: f(0.25)},
	})

	require.NotNil(t, res.Chosen)
	assert.Equal(t, "low", res.Chosen.ID)
	assert.Equal(t, model.DebateDegraded, res.Mode)
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "degraded")
}

func TestSafeFallbackPicksFirst(t *testing.T) {
	res := debate.Run([]model.CandidateOption{
		{ID: "first", Title: "first", Score: f(0.1)},
		{ID: "second", Title: "second", Score: f(0.15)},
	})

	require.NotNil(t, res.Chosen)
	assert.Equal(t, "first", res.Chosen.ID)
	assert.Equal(t, model.DebateSafeFallback, res.Mode)
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "fallback")
}

func TestNoOptions(t *testing.T) {
	res := debate.Run(nil)
	assert.Nil(t, res.Chosen)
	assert.Equal(t, model.DebateSafeFallback, res.Mode)
	assert.NotEmpty(t, res.Warnings)
	assert.Zero(t, res.RiskDelta)
}

func TestChosenNonNilWheneverOptionsExist(t *testing.T) {
	// One option in each tier's reach.
	cases := [][]model.CandidateOption{
		{{ID: "a", Title: "a", Score: f(0.9)}},
		{{ID: "a", Title: "a", Score: f(0.3)}},
		{{ID: "a", Title: "a", Score: f(0.05)}},
		{{ID: "a", Title: "a", Score: f(0.9), Verdict: model.VerdictRejected}},
	}
	for _, opts := range cases {
		res := debate.Run(opts)
		require.NotNil(t, res.Chosen, "options=%v", opts)
	}
}

func TestRiskDelta(t *testing.T) {
	res := debate.Run([]model.CandidateOption{
		{ID: "risky", Title: "risky", Score: f(0.9), Risk: f(0.8)},
		{ID: "calm", Title: "calm", Score: f(0.5), Risk: f(0.1)},
	})

	require.NotNil(t, res.Chosen)
	assert.Equal(t, "risky", res.Chosen.ID)
	assert.InDelta(t, 0.7, res.RiskDelta, 1e-9)
}

func TestRiskDeltaZeroWhenChosenIsSafest(t *testing.T) {
	res := debate.Run([]model.CandidateOption{
		{ID: "winner", Title: "w", Score: f(0.9), Risk: f(0.1)},
		{ID: "loser", Title: "l", Score: f(0.5), Risk: f(0.6)},
	})
	assert.Zero(t, res.RiskDelta)
}

func TestTieKeepsEarliestOption(t *testing.T) {
	res := debate.Run([]model.CandidateOption{
		{ID: "one", Title: "one", Score: f(0.8)},
		{ID: "two", Title: "two", Score: f(0.8)},
	})
	require.NotNil(t, res.Chosen)
	assert.Equal(t, "one", res.Chosen.ID)
}
