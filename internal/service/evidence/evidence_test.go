package evidence_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/veritas/internal/model"
	"github.com/ashita-ai/veritas/internal/service/evidence"
	"github.com/ashita-ai/veritas/internal/testutil"
)

type fakeSource struct {
	name  string
	items []model.EvidenceItem
	err   error
}

func (f fakeSource) Name() string { return f.name }

func (f fakeSource) Gather(context.Context, evidence.Query) ([]model.EvidenceItem, error) {
	return f.items, f.err
}

func item(source string, conf float64) model.EvidenceItem {
	return model.EvidenceItem{Source: source, Text: "about " + source, Confidence: conf, Kind: model.EvidenceWorld}
}

func TestGatherMergesAndRanks(t *testing.T) {
	g := evidence.New(testutil.TestLogger(),
		fakeSource{name: "a", items: []model.EvidenceItem{item("a:1", 0.4), item("a:2", 0.9)}},
		fakeSource{name: "b", items: []model.EvidenceItem{item("b:1", 0.9), item("b:2", 0.1)}},
	)

	items, warnings := g.Gather(context.Background(), evidence.Query{UserID: "u", Text: "query", Limit: 8}, nil)
	require.Empty(t, warnings)
	require.Len(t, items, 4)

	// Confidence descending; the 0.9 tie breaks on source name.
	assert.Equal(t, "a:2", items[0].Source)
	assert.Equal(t, "b:1", items[1].Source)
	assert.Equal(t, "a:1", items[2].Source)
	assert.Equal(t, "b:2", items[3].Source)
}

func TestGatherFailingSourceDegradesToWarning(t *testing.T) {
	g := evidence.New(testutil.TestLogger(),
		fakeSource{name: "dead", err: errors.New("connection refused")},
		fakeSource{name: "alive", items: []model.EvidenceItem{item("alive:1", 0.5)}},
	)

	items, warnings := g.Gather(context.Background(), evidence.Query{Text: "query"}, nil)
	require.Len(t, items, 1)
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0], "dead")
}

func TestGatherCapsResults(t *testing.T) {
	var many []model.EvidenceItem
	for i := 0; i < model.MaxEvidence+10; i++ {
		many = append(many, item(fmt.Sprintf("s:%03d", i), 0.5))
	}
	g := evidence.New(testutil.TestLogger(), fakeSource{name: "big", items: many})

	items, _ := g.Gather(context.Background(), evidence.Query{Text: "query"}, nil)
	assert.Len(t, items, model.MaxEvidence)
}

func TestGatherExtraItems(t *testing.T) {
	g := evidence.New(testutil.TestLogger())

	extra := []model.EvidenceItem{
		{Source: "tool:lint", Text: "lint passed", Confidence: 1.4, Kind: model.EvidenceTool},
		{Source: "caller", Text: "ticket INC-42 open", Confidence: -1, Kind: "bogus"},
		{Source: "empty", Text: ""},
	}
	items, warnings := g.Gather(context.Background(), evidence.Query{Text: "query"}, extra)
	require.Empty(t, warnings)
	require.Len(t, items, 2)

	assert.Equal(t, model.EvidenceTool, items[0].Kind)
	assert.Equal(t, 1.0, items[0].Confidence)
	assert.Equal(t, model.EvidenceExternal, items[1].Kind)
	assert.Equal(t, 0.0, items[1].Confidence)
}

func TestGatherNoSources(t *testing.T) {
	g := evidence.New(testutil.TestLogger())
	items, warnings := g.Gather(context.Background(), evidence.Query{Text: "query"}, nil)
	assert.Empty(t, items)
	assert.Empty(t, warnings)
}
