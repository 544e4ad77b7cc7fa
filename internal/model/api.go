package model

import (
	"fmt"
	"time"
)

// Resource caps enforced at the API boundary. A request exceeding any of
// these is rejected before the pipeline runs.
const (
	MaxBodyBytes    = 10 << 20 // 10 MiB
	MaxQueryLen     = 10_000
	MaxContextDepth = 8
	MaxOptions      = 16
	MaxEvidence     = 32
	MaxCritiques    = 64
	MaxPlanSteps    = 32
)

// DecideRequest is the request body for POST /v1/decide. Context carries
// user_id, goals, constraints, and optional skip-control slots; request_id
// is generated at the entry point when absent and then never changes.
type DecideRequest struct {
	Query   string            `json:"query"`
	Context map[string]any    `json:"context,omitempty"`
	Options []CandidateOption `json:"options,omitempty"`
}

// Context keys the pipeline recognizes.
const (
	CtxUserID    = "user_id"
	CtxRequestID = "request_id"
	CtxGoals     = "goals"
)

// UserID extracts the user id from the request context, or "anonymous".
func (r DecideRequest) UserID() string {
	if v, ok := r.Context[CtxUserID].(string); ok && v != "" {
		return v
	}
	return "anonymous"
}

// Validate checks the boundary caps. Body size is enforced upstream by the
// HTTP layer; everything else is checked here.
func (r DecideRequest) Validate() error {
	if r.Query == "" {
		return fmt.Errorf("query is required")
	}
	if len(r.Query) > MaxQueryLen {
		return fmt.Errorf("query exceeds maximum length of %d characters", MaxQueryLen)
	}
	if len(r.Options) > MaxOptions {
		return fmt.Errorf("options exceed maximum count of %d", MaxOptions)
	}
	for i, opt := range r.Options {
		if opt.ID == "" {
			return fmt.Errorf("options[%d].id is required", i)
		}
		if opt.Title == "" {
			return fmt.Errorf("options[%d].title is required", i)
		}
		if opt.Score != nil && (*opt.Score < 0 || *opt.Score > 1) {
			return fmt.Errorf("options[%d].score must be in [0,1]", i)
		}
		if opt.Risk != nil && (*opt.Risk < 0 || *opt.Risk > 1) {
			return fmt.Errorf("options[%d].risk must be in [0,1]", i)
		}
		if opt.Verdict != "" && !opt.Verdict.Valid() {
			return fmt.Errorf("options[%d].verdict %q is not a known verdict", i, opt.Verdict)
		}
	}
	if depth := mapDepth(r.Context, 1); depth > MaxContextDepth {
		return fmt.Errorf("context nesting exceeds maximum depth of %d", MaxContextDepth)
	}
	return nil
}

// mapDepth returns the nesting depth of a decoded JSON value. A flat map
// has depth 1; depth counts map and array levels only.
func mapDepth(v any, depth int) int {
	if depth > MaxContextDepth {
		return depth // deep enough to fail; stop descending
	}
	deepest := depth
	switch t := v.(type) {
	case map[string]any:
		for _, child := range t {
			if d := mapDepth(child, depth+1); d > deepest {
				deepest = d
			}
		}
	case []any:
		for _, child := range t {
			if d := mapDepth(child, depth+1); d > deepest {
				deepest = d
			}
		}
	}
	return deepest
}

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// ListResponse is the standard envelope for cursor-paginated list endpoints.
// NextCursor is opaque; an empty value means the listing is exhausted.
type ListResponse struct {
	Data       any          `json:"data"`
	NextCursor string       `json:"next_cursor,omitempty"`
	HasMore    bool         `json:"has_more"`
	Limit      int          `json:"limit"`
	Meta       ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput        = "INVALID_INPUT"
	ErrCodeUnauthorized        = "UNAUTHORIZED"
	ErrCodeForbidden           = "FORBIDDEN"
	ErrCodeNotFound            = "NOT_FOUND"
	ErrCodePayloadTooLarge     = "PAYLOAD_TOO_LARGE"
	ErrCodeRateLimited         = "RATE_LIMITED"
	ErrCodeTrustLogUnavailable = "TRUST_LOG_UNAVAILABLE"
	ErrCodeInternalError       = "INTERNAL_ERROR"
)

// Role describes what an authenticated caller may do. Agents decide and
// read their own trust log entries; admins additionally reload policy and
// run chain verification.
type Role string

const (
	RoleAgent Role = "agent"
	RoleAdmin Role = "admin"
)

// Valid reports whether the role is a known role.
func (r Role) Valid() bool {
	return r == RoleAgent || r == RoleAdmin
}

// AuthTokenRequest is the request body for POST /v1/auth/token.
type AuthTokenRequest struct {
	KeyID  string `json:"key_id"`
	APIKey string `json:"api_key"`
}

// AuthTokenResponse is the response for POST /v1/auth/token.
type AuthTokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// HealthResponse reports liveness plus per-service availability.
type HealthResponse struct {
	Status   string            `json:"status"`
	Version  string            `json:"version"`
	Services map[string]string `json:"services,omitempty"`
}

// PolicyReloadResponse is the response for POST /v1/admin/policy/reload.
type PolicyReloadResponse struct {
	Reloaded   bool   `json:"reloaded"`
	PolicyHash string `json:"policy_hash"`
}
