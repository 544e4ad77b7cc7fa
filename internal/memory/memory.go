// Package memory provides the recall layers behind evidence gathering: an
// episodic SQLite store for keyword recall over past decisions and an
// optional Qdrant-backed semantic index for embedding similarity. The
// semantic layer degrades away cleanly when Qdrant or the embedding provider
// is not configured; the episodic layer is always present.
package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
)

// ErrSemanticUnavailable is returned by RecallSemantic when no semantic index
// or embedding provider is wired.
var ErrSemanticUnavailable = errors.New("memory: semantic index unavailable")

// Memory bundles the episodic store with the optional semantic index.
type Memory struct {
	episodic *EpisodicStore
	semantic *SemanticIndex
	embedder EmbeddingProvider
	logger   *slog.Logger
}

// New assembles a Memory. semantic and embedder may be nil; semantic recall
// then reports ErrSemanticUnavailable instead of failing requests.
func New(episodic *EpisodicStore, semantic *SemanticIndex, embedder EmbeddingProvider, logger *slog.Logger) *Memory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Memory{episodic: episodic, semantic: semantic, embedder: embedder, logger: logger}
}

// SemanticAvailable reports whether semantic recall is wired.
func (m *Memory) SemanticAvailable() bool {
	return m.semantic != nil && m.embedder != nil
}

// Observe stores an episode durably and mirrors it into the semantic index
// when one is wired. The episodic write is authoritative; a failed semantic
// upsert only logs — the index is rebuildable, the episode record is not.
func (m *Memory) Observe(ctx context.Context, ep Episode) error {
	if ep.ID == "" {
		ep.ID = uuid.NewString()
	}
	if err := m.episodic.Observe(ctx, ep); err != nil {
		return err
	}

	if !m.SemanticAvailable() {
		return nil
	}
	vec, err := m.embedder.Embed(ctx, ep.Text)
	if err != nil {
		m.logger.Warn("memory: embed for semantic mirror failed", "episode_id", ep.ID, "error", err)
		return nil
	}
	id, err := uuid.Parse(ep.ID)
	if err != nil {
		// Non-UUID episode IDs cannot become Qdrant point IDs; keep a stable
		// derived one so re-observes overwrite instead of duplicating.
		id = uuid.NewSHA1(uuid.NameSpaceOID, []byte(ep.ID))
	}
	point := SemanticPoint{
		ID:         id,
		UserID:     ep.UserID,
		Text:       ep.Text,
		Source:     ep.Source,
		Confidence: ep.Confidence,
		CreatedAt:  ep.CreatedAt,
		Embedding:  vec,
	}
	if err := m.semantic.Upsert(ctx, []SemanticPoint{point}); err != nil {
		m.logger.Warn("memory: semantic mirror upsert failed", "episode_id", ep.ID, "error", err)
	}
	return nil
}

// Recall performs keyword recall against the episodic store.
func (m *Memory) Recall(ctx context.Context, userID, query string, limit int) ([]RecallHit, error) {
	return m.episodic.Recall(ctx, userID, query, limit)
}

// RecallSemantic performs embedding-similarity recall. Returns
// ErrSemanticUnavailable when the semantic layer is not wired, and a wrapped
// health error when Qdrant is down, so callers can degrade instead of abort.
func (m *Memory) RecallSemantic(ctx context.Context, userID, query string, limit int) ([]SemanticHit, error) {
	if !m.SemanticAvailable() {
		return nil, ErrSemanticUnavailable
	}
	if err := m.semantic.Healthy(ctx); err != nil {
		return nil, fmt.Errorf("memory: semantic recall: %w", err)
	}
	vec, err := m.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("memory: embed recall query: %w", err)
	}
	return m.semantic.Search(ctx, userID, vec, limit)
}

// Episodes returns the number of stored episodes.
func (m *Memory) Episodes(ctx context.Context) (int64, error) {
	return m.episodic.Count(ctx)
}

// Close releases both layers.
func (m *Memory) Close() error {
	var errs []error
	if err := m.episodic.Close(); err != nil {
		errs = append(errs, err)
	}
	if m.semantic != nil {
		if err := m.semantic.Close(); err != nil {
			errs = append(errs, fmt.Errorf("memory: close semantic index: %w", err))
		}
	}
	return errors.Join(errs...)
}
