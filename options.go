package veritas

import "log/slog"

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
// Unexported — callers use the With* functions.
type resolvedOptions struct {
	port            int
	logDir          string
	policyPath      string
	logger          *slog.Logger
	version         string
	evidenceSources []EvidenceSource
	middlewares     []Middleware
}

// WithPort overrides the TCP port from config (VERITAS_PORT env var).
func WithPort(port int) Option {
	return func(o *resolvedOptions) { o.port = port }
}

// WithLogDir overrides the trust log directory from config (VERITAS_LOG_DIR env var).
func WithLogDir(dir string) Option {
	return func(o *resolvedOptions) { o.logDir = dir }
}

// WithPolicyPath overrides the FUJI policy file from config (VERITAS_POLICY_PATH env var).
func WithPolicyPath(path string) Option {
	return func(o *resolvedOptions) { o.policyPath = path }
}

// WithLogger sets the structured logger for the App.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in the health endpoint and logs.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithEvidenceSource registers an additional evidence source for the
// gather stage. Multiple sources may be registered; all run in the same
// bounded fan-out as the built-in memory and world sources, and a failing
// source degrades the stage with a warning instead of failing the decision.
func WithEvidenceSource(src EvidenceSource) Option {
	return func(o *resolvedOptions) { o.evidenceSources = append(o.evidenceSources, src) }
}

// WithMiddleware registers an outermost HTTP middleware.
// Multiple middlewares may be registered. Applied in registration order:
// the first-registered middleware is outermost (called first by every request).
func WithMiddleware(mw Middleware) Option {
	return func(o *resolvedOptions) { o.middlewares = append(o.middlewares, mw) }
}
