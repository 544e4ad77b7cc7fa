package veritas

import (
	"context"
	"net/http"
)

// EvidenceQuery describes one recall request handed to an evidence source.
type EvidenceQuery struct {
	UserID string // identity the decision is made for; may be empty
	Text   string // the decision query
	Limit  int    // per-source item cap
}

// Evidence is one item produced by an external evidence source. Items
// surface in decisions with kind "external"; confidence is clamped to
// [0,1] downstream.
type Evidence struct {
	Source     string
	Text       string
	Confidence float64
}

// EvidenceSource feeds caller-owned evidence (ticket systems, runbooks,
// observability queries) into the gather stage alongside the built-in
// memory and world sources. Implementations must respect ctx
// cancellation; errors degrade the stage rather than fail the decision.
type EvidenceSource interface {
	Name() string
	Gather(ctx context.Context, q EvidenceQuery) ([]Evidence, error)
}

// Middleware wraps the root HTTP handler.
// Applied outermost (before routing), so it sees all requests including /health.
// Use for license enforcement, custom logging, or cross-cutting headers.
// Multiple middlewares are applied in registration order (first-registered = outermost).
type Middleware func(http.Handler) http.Handler
