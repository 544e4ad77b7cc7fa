package pipeline_test

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/veritas/internal/memory"
	"github.com/ashita-ai/veritas/internal/model"
	"github.com/ashita-ai/veritas/internal/pipeline"
	"github.com/ashita-ai/veritas/internal/service/evidence"
	"github.com/ashita-ai/veritas/internal/testutil"
	"github.com/ashita-ai/veritas/internal/trustlog"
)

// TestEndToEndMemoryBackedAllow runs the full path with a real episodic
// store: seeded memories surface as evidence, the request is admitted at
// low risk, and the admitted decision is observed back into memory.
func TestEndToEndMemoryBackedAllow(t *testing.T) {
	logger := testutil.TestLogger()
	epi, err := memory.OpenEpisodic(t.TempDir(), logger)
	require.NoError(t, err)
	mem := memory.New(epi, nil, nil, logger)
	t.Cleanup(func() { _ = mem.Close() })

	ctx := context.Background()
	for _, text := range []string{
		"canary rollout of the search service went smoothly",
		"the search service tolerated a canary rollout last quarter",
	} {
		require.NoError(t, mem.Observe(ctx, memory.Episode{
			UserID:     "user-1",
			Text:       text,
			Source:     "test-seed",
			Confidence: 0.9,
		}))
	}

	log := openLog(t)
	svc := services(t, log, evidence.EpisodicSource{Memory: mem})
	svc.Memory = mem
	orc := pipeline.New(svc, pipeline.Config{}, logger)

	resp, err := orc.Decide(ctx, decideRequest(option("a", "Canary rollout", 0.8)))
	require.NoError(t, err)

	assert.Equal(t, model.DecisionAllow, resp.DecisionStatus)
	require.NotNil(t, resp.Fuji)
	assert.Less(t, resp.Fuji.Risk, 0.2)
	require.GreaterOrEqual(t, len(resp.Evidence), 2)
	assert.Equal(t, model.EvidenceMemoryEpisodic, resp.Evidence[0].Kind)
	require.NotNil(t, resp.TrustLog)

	n, err := mem.Episodes(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 3, n, "the admitted decision becomes an episode")
}

// TestEndToEndInsufficientEvidenceHolds exercises the evidence gate: with
// no evidence available anywhere, the decision holds for review and the
// critique names the shortage.
func TestEndToEndInsufficientEvidenceHolds(t *testing.T) {
	orc := newOrchestrator(t, openLog(t)) // no sources at all

	resp, err := orc.Decide(context.Background(), decideRequest(option("a", "Proceed", 0.7)))
	require.NoError(t, err)

	assert.Equal(t, model.DecisionHold, resp.DecisionStatus)
	require.NotNil(t, resp.Fuji)
	assert.Contains(t, resp.Fuji.Violations, model.ViolationLowEvidence)

	found := false
	for _, c := range resp.Critique {
		if c.Issue == "insufficient_evidence" {
			found = true
		}
	}
	assert.True(t, found, "critique must flag the evidence shortage: %+v", resp.Critique)
}

// TestEndToEndDegradedDebate forces every option below the normal floor
// and verifies the degraded tier still produces a decision, with the
// degradation visible in the debate result.
func TestEndToEndDegradedDebate(t *testing.T) {
	orc := newOrchestrator(t, openLog(t), stubSource{name: "memory_episodic", items: episodicItems(2)})

	resp, err := orc.Decide(context.Background(), decideRequest(
		option("a", "Weak option", 0.3),
		option("b", "Weaker option", 0.25),
	))
	require.NoError(t, err)

	require.NotNil(t, resp.Debate)
	assert.Equal(t, model.DebateDegraded, resp.Debate.Mode)
	require.NotNil(t, resp.Chosen)
	assert.Equal(t, "a", resp.Chosen.ID)
	assert.NotEmpty(t, resp.Debate.Warnings)
	assert.Equal(t, model.DecisionAllow, resp.DecisionStatus)
}

// TestEndToEndRotationContinuity seals enough decisions to force log
// rotation and verifies the chain stays unbroken across segments.
func TestEndToEndRotationContinuity(t *testing.T) {
	dir := t.TempDir()
	log, err := trustlog.Open(trustlog.Config{Dir: dir, RotateBytes: 16 * 1024}, testutil.TestLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = log.Close() })

	orc := newOrchestrator(t, log, stubSource{name: "memory_episodic", items: episodicItems(2)})

	ctx := context.Background()
	const runs = 60
	for i := 0; i < runs; i++ {
		req := decideRequest(option("a", "Canary rollout", 0.8))
		req.Query = fmt.Sprintf("decision %d: choose a rollout strategy", i)
		_, err := orc.Decide(ctx, req)
		require.NoError(t, err)
	}

	report, err := log.Verify(ctx)
	require.NoError(t, err)
	assert.True(t, report.OK, "reason: %s", report.Reason)
	assert.Equal(t, runs, report.Records)
	assert.GreaterOrEqual(t, report.Segments, 2, "rotation should have occurred")
}

// TestEndToEndTamperDetected seals decisions through the pipeline, edits
// one sealed record on disk, and verifies the chain reports the exact
// index.
func TestEndToEndTamperDetected(t *testing.T) {
	dir := t.TempDir()
	log, err := trustlog.Open(trustlog.Config{Dir: dir}, testutil.TestLogger())
	require.NoError(t, err)

	orc := newOrchestrator(t, log, stubSource{name: "memory_episodic", items: episodicItems(2)})

	ctx := context.Background()
	for i := 0; i < 60; i++ {
		_, err := orc.Decide(ctx, decideRequest(option("a", "Canary rollout", 0.8)))
		require.NoError(t, err)
	}
	require.NoError(t, log.Close())

	tamperSealedRecord(t, dir, 41)

	log, err = trustlog.Open(trustlog.Config{Dir: dir}, testutil.TestLogger())
	require.NoError(t, err)
	defer log.Close()

	report, err := log.Verify(ctx)
	require.NoError(t, err)
	assert.False(t, report.OK)
	require.NotNil(t, report.FirstMismatch)
	assert.Equal(t, 41, *report.FirstMismatch)
}

// tamperSealedRecord rewrites one line of the active chain file without
// fixing its hash.
func tamperSealedRecord(t *testing.T, dir string, line int) {
	t.Helper()
	path := filepath.Join(dir, "trust_log.primary")
	data, err := os.ReadFile(path)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	require.Greater(t, len(lines), line)

	var rec model.TrustLogRecord
	require.NoError(t, json.Unmarshal([]byte(lines[line]), &rec))
	rec.Payload["decision_status"] = "tampered"
	edited, err := json.Marshal(rec)
	require.NoError(t, err)
	lines[line] = string(edited)

	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644))
}
