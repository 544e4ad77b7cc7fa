package fuji_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/veritas/internal/fuji"
	"github.com/ashita-ai/veritas/internal/model"
	"github.com/ashita-ai/veritas/internal/testutil"
)

func TestParsePolicyAppliesDefaults(t *testing.T) {
	p, err := fuji.ParsePolicy([]byte(`{"version": 3, "categories": []}`))
	require.NoError(t, err)

	assert.Equal(t, 3, p.Version)
	assert.InDelta(t, 0.2, p.Weights.Keyword, 1e-9)
	assert.InDelta(t, 0.5, p.Weights.Head, 1e-9)
	assert.InDelta(t, 0.3, p.Weights.Policy, 1e-9)
	assert.Equal(t, 2, p.MinEvidence)
	assert.InDelta(t, 0.85, p.PIIConfidence, 1e-9)
	assert.Len(t, p.Hash(), 64)
}

func TestParsePolicyCategoryDefaults(t *testing.T) {
	p, err := fuji.ParsePolicy([]byte(`{"version": 1, "categories": [{"name": "bare"}]}`))
	require.NoError(t, err)

	require.Len(t, p.Categories, 1)
	assert.InDelta(t, 0.5, p.Categories[0].Risk, 1e-9)
	assert.Equal(t, model.InternalHumanReview, p.Categories[0].ActionOnExceed)
}

func TestParsePolicyRejectsInvalidDocuments(t *testing.T) {
	cases := map[string]string{
		"not json":           `{"version": 1,`,
		"missing version":    `{"categories": []}`,
		"missing categories": `{"version": 1}`,
		"unknown field":      `{"version": 1, "categories": [], "extra": true}`,
		"bad action":         `{"version": 1, "categories": [{"name": "x", "action_on_exceed": "obliterate"}]}`,
		"bad hard block tag": `{"version": 1, "categories": [], "hard_block": ["unknown_tag"]}`,
		"risk out of range":  `{"version": 1, "categories": [{"name": "x", "risk": 1.5}]}`,
		"empty name":         `{"version": 1, "categories": [{"name": ""}]}`,
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := fuji.ParsePolicy([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestParsePolicyRejectsUnbalancedWeights(t *testing.T) {
	_, err := fuji.ParsePolicy([]byte(`{
		"version": 1,
		"weights": {"keyword": 0.5, "head": 0.2, "policy": 0.1},
		"categories": []
	}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sum to 1")
}

func TestParsePolicyRejectsDuplicateCategory(t *testing.T) {
	_, err := fuji.ParsePolicy([]byte(`{
		"version": 1,
		"categories": [{"name": "dup"}, {"name": "dup"}]
	}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate")
}

func TestParsePolicyRejectsBadPattern(t *testing.T) {
	_, err := fuji.ParsePolicy([]byte(`{
		"version": 1,
		"categories": [{"name": "x", "patterns": ["(unclosed"]}]
	}`))
	assert.Error(t, err)
}

func TestDefaultPolicyIsUsable(t *testing.T) {
	p := fuji.DefaultPolicy()

	assert.Equal(t, 1, p.Version)
	assert.Len(t, p.Categories, 6)
	assert.True(t, p.IsHardBlock(model.ViolationBannedKeyword))
	assert.False(t, p.IsHardBlock(model.ViolationBannedPattern))
	assert.Len(t, p.Hash(), 64)
}

func writePolicy(t *testing.T, path, doc string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))
}

func TestPolicyStoreEmptyPathUsesDefault(t *testing.T) {
	s, err := fuji.NewPolicyStore("", testutil.TestLogger())
	require.NoError(t, err)

	assert.Equal(t, fuji.DefaultPolicy().Hash(), s.Hash())

	changed, err := s.Reload()
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestPolicyStoreRefusesBrokenFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.json")
	writePolicy(t, path, `{"version": 1`)

	_, err := fuji.NewPolicyStore(path, testutil.TestLogger())
	assert.Error(t, err)
}

func TestPolicyStoreRefusesMissingFile(t *testing.T) {
	_, err := fuji.NewPolicyStore(filepath.Join(t.TempDir(), "absent.json"), testutil.TestLogger())
	assert.Error(t, err)
}

func TestReloadSwapsOnContentChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.json")
	writePolicy(t, path, `{"version": 1, "categories": []}`)

	s, err := fuji.NewPolicyStore(path, testutil.TestLogger())
	require.NoError(t, err)
	assert.Equal(t, 1, s.Current().Version)
	firstHash := s.Hash()

	writePolicy(t, path, `{"version": 2, "categories": []}`)
	changed, err := s.Reload()
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, 2, s.Current().Version)
	assert.NotEqual(t, firstHash, s.Hash())
}

func TestReloadSkipsUnchangedContent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.json")
	writePolicy(t, path, `{"version": 1, "categories": []}`)

	s, err := fuji.NewPolicyStore(path, testutil.TestLogger())
	require.NoError(t, err)
	before := s.Current()

	// Rewrite identical bytes; the content hash is unchanged.
	writePolicy(t, path, `{"version": 1, "categories": []}`)
	changed, err := s.Reload()
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Same(t, before, s.Current())
}

func TestReloadKeepsActivePolicyOnInvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.json")
	writePolicy(t, path, `{"version": 1, "categories": []}`)

	s, err := fuji.NewPolicyStore(path, testutil.TestLogger())
	require.NoError(t, err)
	before := s.Current()

	writePolicy(t, path, `{"version": "broken"}`)
	_, err = s.Reload()
	require.Error(t, err)
	assert.Same(t, before, s.Current())
}

func TestWatchAppliesChanges(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.json")
	writePolicy(t, path, `{"version": 1, "categories": []}`)

	s, err := fuji.NewPolicyStore(path, testutil.TestLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		s.Watch(ctx, 10*time.Millisecond)
		close(done)
	}()

	writePolicy(t, path, `{"version": 2, "categories": []}`)
	require.Eventually(t, func() bool {
		return s.Current().Version == 2
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("watch did not stop on context cancel")
	}
}
