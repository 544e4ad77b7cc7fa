package values_test

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/veritas/internal/model"
	"github.com/ashita-ai/veritas/internal/service/values"
	"github.com/ashita-ai/veritas/internal/testutil"
)

func f(v float64) *float64 { return &v }

func TestScoreStrongDecision(t *testing.T) {
	total, factors := values.Score(values.Input{
		Query: "migrate billing database",
		Goals: []string{"keep billing reliable", "reduce database load"},
		Chosen: &model.CandidateOption{
			ID: "a", Title: "migrate billing database off the shared cluster",
			Rationale: "reduces load and isolates billing",
			Score:     f(0.9), Risk: f(0.1),
		},
		Evidence: []model.EvidenceItem{
			{Confidence: 0.9}, {Confidence: 0.8}, {Confidence: 0.85},
		},
	})

	assert.Greater(t, total, 0.8)
	assert.Equal(t, 1.0, factors[values.FactorGoalAlignment])
	assert.Equal(t, 1.0, factors[values.FactorCritiquePressure])
	assert.InDelta(t, 0.9, factors[values.FactorSafetyMargin], 1e-9)
}

func TestScoreWeakDecision(t *testing.T) {
	total, factors := values.Score(values.Input{
		Query:  "do the thing",
		Goals:  []string{"unrelated objective entirely"},
		Chosen: &model.CandidateOption{ID: "a", Title: "something else", Score: f(0.2), Risk: f(0.9)},
		Critiques: []model.Critique{
			{Issue: "high_risk", Severity: model.SeverityHigh},
			{Issue: "low_value", Severity: model.SeverityMedium},
		},
	})

	assert.Less(t, total, 0.35)
	assert.Zero(t, factors[values.FactorGoalAlignment])
	assert.Zero(t, factors[values.FactorEvidenceSupport])
	assert.InDelta(t, 0.5, factors[values.FactorCritiquePressure], 1e-9)
}

func TestScoreBoundsAndFactors(t *testing.T) {
	total, factors := values.Score(values.Input{Query: "anything"})
	assert.GreaterOrEqual(t, total, 0.0)
	assert.LessOrEqual(t, total, 1.0)
	// No goals: alignment is neutral, not zero.
	assert.Equal(t, 0.5, factors[values.FactorGoalAlignment])
	for name, v := range factors {
		assert.GreaterOrEqualf(t, v, 0.0, "factor %s", name)
		assert.LessOrEqualf(t, v, 1.0, "factor %s", name)
	}
}

func TestEMAFirstObservationSeedsWithTotal(t *testing.T) {
	store := values.NewStore(t.TempDir(), testutil.TestLogger())

	ema, err := store.Update("alice", 0.8)
	require.NoError(t, err)
	assert.InDelta(t, 0.8, ema, 1e-9)
}

func TestEMASmoothing(t *testing.T) {
	store := values.NewStore(t.TempDir(), testutil.TestLogger())

	_, err := store.Update("alice", 0.8)
	require.NoError(t, err)
	ema, err := store.Update("alice", 0.4)
	require.NoError(t, err)
	// 0.1*0.4 + 0.9*0.8
	assert.InDelta(t, 0.76, ema, 1e-9)
}

func TestEMAConvergence(t *testing.T) {
	store := values.NewStore(t.TempDir(), testutil.TestLogger())

	var ema float64
	var err error
	for i := 0; i < 200; i++ {
		ema, err = store.Update("alice", 0.6)
		require.NoError(t, err)
	}
	assert.InDelta(t, 0.6, ema, 1e-6)
}

func TestEMAPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	store := values.NewStore(dir, testutil.TestLogger())
	_, err := store.Update("alice", 0.9)
	require.NoError(t, err)
	_, err = store.Update("alice", 0.5)
	require.NoError(t, err)
	want, count, err := store.EMA("alice")
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	reopened := values.NewStore(dir, testutil.TestLogger())
	got, count, err := reopened.EMA("alice")
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
	assert.InDelta(t, want, got, 1e-12)
}

func TestEMAIsolatesUsers(t *testing.T) {
	store := values.NewStore(t.TempDir(), testutil.TestLogger())

	_, err := store.Update("alice", 1.0)
	require.NoError(t, err)
	_, err = store.Update("bob", 0.0)
	require.NoError(t, err)

	aliceEMA, _, err := store.EMA("alice")
	require.NoError(t, err)
	bobEMA, _, err := store.EMA("bob")
	require.NoError(t, err)
	assert.Equal(t, 1.0, aliceEMA)
	assert.Equal(t, 0.0, bobEMA)
}

func TestHostileUserIDsStayDistinct(t *testing.T) {
	dir := t.TempDir()
	store := values.NewStore(dir, testutil.TestLogger())

	_, err := store.Update("../escape", 0.9)
	require.NoError(t, err)
	_, err = store.Update(".._escape", 0.1)
	require.NoError(t, err)

	a, _, err := store.EMA("../escape")
	require.NoError(t, err)
	b, _, err := store.EMA(".._escape")
	require.NoError(t, err)
	assert.False(t, math.Abs(a-b) < 1e-9, "sanitized ids must not collide")
}

func TestEvaluatorProducesReport(t *testing.T) {
	store := values.NewStore(t.TempDir(), testutil.TestLogger())
	eval := values.NewEvaluator(store, testutil.TestLogger())

	in := values.Input{
		Query:  "scale the ingest workers",
		Chosen: &model.CandidateOption{ID: "a", Title: "scale workers", Score: f(0.7), Risk: f(0.2)},
		Evidence: []model.EvidenceItem{
			{Confidence: 0.9}, {Confidence: 0.7},
		},
	}
	r1 := eval.Evaluate("alice", in)
	assert.Equal(t, r1.Total, r1.EMA)

	r2 := eval.Evaluate("alice", in)
	assert.InDelta(t, r1.Total, r2.EMA, 1e-9) // same total keeps the EMA put
	assert.Len(t, r2.Factors, 5)
}
