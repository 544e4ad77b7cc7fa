package world_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/veritas/internal/testutil"
	"github.com/ashita-ai/veritas/internal/world"
)

func openStore(t *testing.T, dir string) *world.Store {
	t.Helper()
	s, err := world.Open(dir, testutil.TestLogger())
	require.NoError(t, err)
	return s
}

func TestSetGet(t *testing.T) {
	s := openStore(t, t.TempDir())

	require.NoError(t, s.Set("deploy.target", "staging", "ops", 0.9))

	f, err := s.Get("deploy.target")
	require.NoError(t, err)
	assert.Equal(t, "staging", f.Value)
	assert.Equal(t, "ops", f.Source)
	assert.InDelta(t, 0.9, f.Confidence, 1e-9)
	assert.False(t, f.UpdatedAt.IsZero())
}

func TestGetMissing(t *testing.T) {
	s := openStore(t, t.TempDir())

	_, err := s.Get("nope")
	assert.ErrorIs(t, err, world.ErrNotFound)
}

func TestSetEmptyKey(t *testing.T) {
	s := openStore(t, t.TempDir())
	assert.Error(t, s.Set("", "v", "", 0.5))
}

func TestConfidenceClamped(t *testing.T) {
	s := openStore(t, t.TempDir())

	require.NoError(t, s.Set("a", "x", "", 1.7))
	require.NoError(t, s.Set("b", "y", "", -0.2))

	fa, err := s.Get("a")
	require.NoError(t, err)
	assert.Equal(t, 1.0, fa.Confidence)

	fb, err := s.Get("b")
	require.NoError(t, err)
	assert.Equal(t, 0.0, fb.Confidence)
}

func TestPersistAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	s := openStore(t, dir)
	require.NoError(t, s.Set("region", "eu-west-1", "bootstrap", 1.0))
	require.NoError(t, s.Set("maintenance", "false", "ops", 0.8))

	reopened := openStore(t, dir)
	assert.Equal(t, 2, reopened.Len())

	f, err := reopened.Get("region")
	require.NoError(t, err)
	assert.Equal(t, "eu-west-1", f.Value)
}

func TestDeleteIdempotent(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir)

	require.NoError(t, s.Set("temp", "x", "", 0.5))
	require.NoError(t, s.Delete("temp"))
	require.NoError(t, s.Delete("temp"))

	_, err := s.Get("temp")
	assert.ErrorIs(t, err, world.ErrNotFound)

	reopened := openStore(t, dir)
	assert.Equal(t, 0, reopened.Len())
}

func TestCorruptStateFileRejected(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "world_state.json"), []byte("{not json"), 0o600))

	_, err := world.Open(dir, testutil.TestLogger())
	assert.Error(t, err)
}

func TestFactsSortedByKey(t *testing.T) {
	s := openStore(t, t.TempDir())
	require.NoError(t, s.Set("zebra", "1", "", 0.5))
	require.NoError(t, s.Set("alpha", "2", "", 0.5))
	require.NoError(t, s.Set("mike", "3", "", 0.5))

	facts := s.Facts()
	require.Len(t, facts, 3)
	assert.Equal(t, "alpha", facts[0].Key)
	assert.Equal(t, "mike", facts[1].Key)
	assert.Equal(t, "zebra", facts[2].Key)
}

func TestRelevant(t *testing.T) {
	s := openStore(t, t.TempDir())
	require.NoError(t, s.Set("deploy.freeze", "active until friday", "ops", 0.9))
	require.NoError(t, s.Set("deploy.target", "staging cluster", "ops", 0.7))
	require.NoError(t, s.Set("billing.plan", "enterprise", "crm", 1.0))

	hits := s.Relevant("can we deploy to the staging cluster", 10)
	require.Len(t, hits, 2)
	// deploy.target matches deploy+staging+cluster, freeze only deploy.
	assert.Equal(t, "deploy.target", hits[0].Key)
	assert.Equal(t, "deploy.freeze", hits[1].Key)

	assert.Empty(t, s.Relevant("unrelated query entirely", 10))
	assert.Empty(t, s.Relevant("a b", 10)) // all terms too short
}

func TestRelevantLimit(t *testing.T) {
	s := openStore(t, t.TempDir())
	require.NoError(t, s.Set("svc.alpha", "service alpha", "", 0.5))
	require.NoError(t, s.Set("svc.beta", "service beta", "", 0.6))
	require.NoError(t, s.Set("svc.gamma", "service gamma", "", 0.7))

	hits := s.Relevant("service", 2)
	assert.Len(t, hits, 2)

	assert.Nil(t, s.Relevant("service", 0))
}
