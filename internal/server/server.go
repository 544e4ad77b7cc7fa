package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/veritas/internal/auth"
	"github.com/ashita-ai/veritas/internal/fuji"
	"github.com/ashita-ai/veritas/internal/llm"
	"github.com/ashita-ai/veritas/internal/memory"
	"github.com/ashita-ai/veritas/internal/model"
	"github.com/ashita-ai/veritas/internal/pipeline"
	"github.com/ashita-ai/veritas/internal/ratelimit"
	"github.com/ashita-ai/veritas/internal/trustlog"
)

// Server is the VERITAS HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and configuration for creating a
// Server. Optional (nil-safe): Verifier, DecideLimiter, ReadLimiter,
// Memory, Proposer, MCPServer, OpenAPISpec.
type ServerConfig struct {
	// Required dependencies.
	Pipeline *pipeline.Orchestrator
	Log      *trustlog.Log
	Policies *fuji.PolicyStore
	JWTMgr   *auth.JWTManager
	Keychain *auth.Keychain
	Logger   *slog.Logger

	// Optional dependencies (nil = disabled).
	Verifier      *auth.SignatureVerifier
	DecideLimiter ratelimit.Limiter // decide and token issuance
	ReadLimiter   ratelimit.Limiter // trust log reads
	Memory        *memory.Memory
	Proposer      *llm.Proposer
	MCPServer     *mcpserver.MCPServer

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	RequestDeadline     time.Duration // per-decide pipeline deadline
	MaxRequestBodyBytes int64
	CORSAllowedOrigins  []string

	// Optional embedded assets.
	OpenAPISpec []byte // Embedded OpenAPI YAML.

	// Extra outermost middlewares, applied in registration order.
	Middlewares []func(http.Handler) http.Handler
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		Pipeline:        cfg.Pipeline,
		Log:             cfg.Log,
		Policies:        cfg.Policies,
		JWTMgr:          cfg.JWTMgr,
		Keychain:        cfg.Keychain,
		Memory:          cfg.Memory,
		Proposer:        cfg.Proposer,
		Logger:          cfg.Logger,
		Version:         cfg.Version,
		RequestDeadline: cfg.RequestDeadline,
		OpenAPISpec:     cfg.OpenAPISpec,
	})

	// Request ID extractor for rate limit error responses.
	reqIDFunc := func(r *http.Request) string {
		return RequestIDFromContext(r.Context())
	}

	// Rate limit rules. Admin callers are exempt through callerKeyFunc;
	// token issuance is keyed by IP because it runs before any identity
	// exists.
	decideRL := ratelimit.Middleware(cfg.DecideLimiter, "decide", callerKeyFunc, reqIDFunc)
	readRL := ratelimit.Middleware(cfg.ReadLimiter, "read", callerKeyFunc, reqIDFunc)
	authRL := ratelimit.Middleware(cfg.DecideLimiter, "auth", ratelimit.IPKeyFunc, reqIDFunc)

	anyRole := requireRole(model.RoleAgent, model.RoleAdmin)
	adminOnly := requireRole(model.RoleAdmin)

	mux := http.NewServeMux()

	// Token issuance (no auth required, rate limited by IP).
	mux.Handle("POST /v1/auth/token", authRL(http.HandlerFunc(h.HandleAuthToken)))

	// Decision pipeline.
	mux.Handle("POST /v1/decide", decideRL(anyRole(http.HandlerFunc(h.HandleDecide))))

	// Trust log reads.
	mux.Handle("GET /v1/trustlog", readRL(anyRole(http.HandlerFunc(h.HandleTrustLogList))))
	mux.Handle("GET /v1/trustlog/request/{request_id}", readRL(anyRole(http.HandlerFunc(h.HandleTrustLogByRequest))))
	mux.Handle("GET /v1/trustlog/{id}", readRL(anyRole(http.HandlerFunc(h.HandleTrustLogGet))))

	// Admin surface (no rate limit, admin is exempt anyway).
	mux.Handle("POST /v1/trustlog/verify", adminOnly(http.HandlerFunc(h.HandleTrustLogVerify)))
	mux.Handle("POST /v1/admin/policy/reload", adminOnly(http.HandlerFunc(h.HandlePolicyReload)))

	// MCP StreamableHTTP transport (auth required).
	if cfg.MCPServer != nil {
		mcpHTTP := mcpserver.NewStreamableHTTPServer(cfg.MCPServer)
		mux.Handle("/mcp", anyRole(mcpHTTP))
	}

	// OpenAPI spec (no auth, no rate limit).
	mux.HandleFunc("GET /openapi.yaml", h.HandleOpenAPISpec)

	// Probes (no auth, no rate limit).
	mux.HandleFunc("GET /health", h.HandleHealth)
	mux.HandleFunc("GET /ready", h.HandleReady)

	// Middleware chain (outermost executes first):
	// request ID → security headers → CORS → tracing → logging →
	// body limit → auth → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = authMiddleware(authDeps{
		jwtMgr:   cfg.JWTMgr,
		keychain: cfg.Keychain,
		verifier: cfg.Verifier,
	}, handler)
	handler = bodyLimitMiddleware(cfg.MaxRequestBodyBytes, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = corsMiddleware(cfg.CORSAllowedOrigins, handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)

	// Caller-supplied middlewares wrap everything above; the first
	// registered one is outermost.
	for i := len(cfg.Middlewares) - 1; i >= 0; i-- {
		handler = cfg.Middlewares[i](handler)
	}

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler:  handler,
		handlers: h,
		logger:   cfg.Logger,
	}
}

// Handlers returns the underlying Handlers.
func (s *Server) Handlers() *Handlers {
	return s.handlers
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
