// Package evidence gathers supporting evidence for a decision from every
// wired source in parallel: episodic memory, semantic memory, world facts,
// and caller-supplied tool or external items. A failing source degrades to a
// warning instead of failing the stage; ranking and the result cap are
// applied after the fan-out completes.
package evidence

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/veritas/internal/memory"
	"github.com/ashita-ai/veritas/internal/model"
	"github.com/ashita-ai/veritas/internal/world"
)

// maxConcurrency bounds the source fan-out. Sources are few today; the bound
// guards against a future source list outgrowing downstream rate limits.
const maxConcurrency = 4

// Query is one evidence-gathering request.
type Query struct {
	UserID string
	Text   string
	Limit  int // per-source recall limit
}

// Source produces evidence items for a query. Implementations must respect
// ctx cancellation; errors degrade the stage rather than fail it.
type Source interface {
	Name() string
	Gather(ctx context.Context, q Query) ([]model.EvidenceItem, error)
}

// Gatherer fans a query out to all sources and merges the results.
type Gatherer struct {
	sources  []Source
	logger   *slog.Logger
	maxItems int
}

// New creates a Gatherer over the given sources.
func New(logger *slog.Logger, sources ...Source) *Gatherer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gatherer{sources: sources, logger: logger, maxItems: model.MaxEvidence}
}

// Gather queries every source concurrently and returns the merged evidence,
// ranked by confidence descending with ties broken by source name, capped at
// the evidence limit. Extra carries caller-supplied items (tool results,
// external references) that join the ranking unmodified except for clamping.
// Per-source failures come back as warnings.
func (g *Gatherer) Gather(ctx context.Context, q Query, extra []model.EvidenceItem) ([]model.EvidenceItem, []string) {
	if q.Limit <= 0 {
		q.Limit = 8
	}

	var (
		mu       sync.Mutex
		items    []model.EvidenceItem
		warnings []string
	)

	eg, gctx := errgroup.WithContext(ctx)
	eg.SetLimit(maxConcurrency)
	for _, src := range g.sources {
		eg.Go(func() error {
			got, err := src.Gather(gctx, q)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				g.logger.Warn("evidence: source failed", "source", src.Name(), "error", err)
				warnings = append(warnings, "evidence source "+src.Name()+" unavailable")
				return nil // degrade, never cancel the sibling sources
			}
			items = append(items, got...)
			return nil
		})
	}
	_ = eg.Wait()

	for _, it := range extra {
		if it.Text == "" {
			continue
		}
		if !it.Kind.Valid() {
			it.Kind = model.EvidenceExternal
		}
		items = append(items, clamp(it))
	}

	sort.SliceStable(items, func(i, j int) bool {
		if items[i].Confidence != items[j].Confidence {
			return items[i].Confidence > items[j].Confidence
		}
		return items[i].Source < items[j].Source
	})
	if len(items) > g.maxItems {
		items = items[:g.maxItems]
	}
	return items, warnings
}

func clamp(it model.EvidenceItem) model.EvidenceItem {
	if it.Confidence < 0 {
		it.Confidence = 0
	}
	if it.Confidence > 1 {
		it.Confidence = 1
	}
	return it
}

// EpisodicSource recalls keyword-matched episodes from memory.
type EpisodicSource struct {
	Memory *memory.Memory
}

func (s EpisodicSource) Name() string { return "memory_episodic" }

func (s EpisodicSource) Gather(ctx context.Context, q Query) ([]model.EvidenceItem, error) {
	hits, err := s.Memory.Recall(ctx, q.UserID, q.Text, q.Limit)
	if err != nil {
		return nil, err
	}
	items := make([]model.EvidenceItem, 0, len(hits))
	for _, h := range hits {
		items = append(items, model.EvidenceItem{
			Source:     "episodic:" + shortID(h.Episode.ID),
			Text:       h.Episode.Text,
			Confidence: h.Score,
			Kind:       model.EvidenceMemoryEpisodic,
		})
	}
	return items, nil
}

// SemanticSource recalls embedding-similar episodes. When the semantic layer
// is not wired it contributes nothing rather than a warning: absence is a
// deployment choice, not a fault.
type SemanticSource struct {
	Memory *memory.Memory
}

func (s SemanticSource) Name() string { return "memory_semantic" }

func (s SemanticSource) Gather(ctx context.Context, q Query) ([]model.EvidenceItem, error) {
	hits, err := s.Memory.RecallSemantic(ctx, q.UserID, q.Text, q.Limit)
	if errors.Is(err, memory.ErrSemanticUnavailable) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	items := make([]model.EvidenceItem, 0, len(hits))
	for _, h := range hits {
		conf := float64(h.Score)
		if conf < 0 {
			conf = 0
		}
		if conf > 1 {
			conf = 1
		}
		items = append(items, model.EvidenceItem{
			Source:     "semantic:" + shortID(h.ID.String()),
			Text:       h.Text,
			Confidence: conf,
			Kind:       model.EvidenceMemorySemantic,
		})
	}
	return items, nil
}

// WorldSource surfaces world-state facts whose key or value overlaps the
// query.
type WorldSource struct {
	World *world.Store
}

func (s WorldSource) Name() string { return "world" }

func (s WorldSource) Gather(_ context.Context, q Query) ([]model.EvidenceItem, error) {
	facts := s.World.Relevant(q.Text, q.Limit)
	items := make([]model.EvidenceItem, 0, len(facts))
	for _, f := range facts {
		items = append(items, model.EvidenceItem{
			Source:     "world:" + f.Key,
			Text:       f.Key + " = " + f.Value,
			Confidence: f.Confidence,
			Kind:       model.EvidenceWorld,
		})
	}
	return items, nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
