// Package veritas is the public API for embedding the VERITAS decision
// gateway.
//
// Operators who need more than the stock binary import this package to
// construct and extend the server without forking it:
//
//	app, err := veritas.New(
//	    veritas.WithVersion(version),
//	    veritas.WithLogger(logger),
//	    veritas.WithEvidenceSource(myTicketIndex{}),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The import graph enforces a strict no-cycle rule: veritas (root) imports
// internal/*, but internal/* never imports veritas (root). Public types
// (Evidence, EvidenceQuery) are standalone structs with no internal
// imports; conversion helpers live here because this is the only file that
// sees both sides of the boundary.
package veritas

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/ashita-ai/veritas/api"
	"github.com/ashita-ai/veritas/internal/auth"
	"github.com/ashita-ai/veritas/internal/config"
	"github.com/ashita-ai/veritas/internal/fuji"
	"github.com/ashita-ai/veritas/internal/llm"
	"github.com/ashita-ai/veritas/internal/mcp"
	"github.com/ashita-ai/veritas/internal/memory"
	"github.com/ashita-ai/veritas/internal/model"
	"github.com/ashita-ai/veritas/internal/pipeline"
	"github.com/ashita-ai/veritas/internal/ratelimit"
	"github.com/ashita-ai/veritas/internal/server"
	"github.com/ashita-ai/veritas/internal/service/evidence"
	"github.com/ashita-ai/veritas/internal/service/values"
	"github.com/ashita-ai/veritas/internal/telemetry"
	"github.com/ashita-ai/veritas/internal/trustlog"
	"github.com/ashita-ai/veritas/internal/world"
)

const (
	// Trust log reads are cheap compared to decide calls, so the read
	// limiter runs at a multiple of the decide rate.
	readRateMultiplier = 3

	shutdownHTTPTimeout = 10 * time.Second
)

// App is the VERITAS server lifecycle. Construct with New(), run with
// Run(). App has no public fields; use New() options to configure it.
type App struct {
	cfg           config.Config
	srv           *server.Server
	log           *trustlog.Log
	mem           *memory.Memory
	policies      *fuji.PolicyStore
	decideLimiter ratelimit.Limiter
	readLimiter   ratelimit.Limiter
	otelShutdown  func(context.Context) error
	logger        *slog.Logger
	version       string
}

// New initialises the VERITAS server. It opens the trust log and memory
// stores, wires the pipeline, and returns a ready-to-run App. It does NOT
// start any goroutines or accept HTTP connections — call Run().
func New(opts ...Option) (*App, error) {
	// Apply options.
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	// Load configuration (env vars), then apply option overrides.
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.logDir != "" {
		cfg.LogDir = o.logDir
	}
	if o.policyPath != "" {
		cfg.PolicyPath = o.policyPath
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("veritas starting", "version", version, "port", cfg.Port)

	// Initialize OpenTelemetry.
	otelShutdown, err := telemetry.Init(context.Background(), cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	// Data directories. The trust log creates its own; the values store
	// and the episodic database expect theirs to exist.
	valuesDir := filepath.Join(cfg.LogDir, "values")
	for _, dir := range []string{cfg.LogDir, valuesDir, cfg.MemoryDir} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("create data directory %s: %w", dir, err)
		}
	}

	// FUJI policy store (built-in defaults when no path is configured).
	policies, err := fuji.NewPolicyStore(cfg.PolicyPath, logger)
	if err != nil {
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("fuji policy: %w", err)
	}

	// Auth: JWT manager, API keychain, optional request signing.
	jwtMgr, err := auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration)
	if err != nil {
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("auth: %w", err)
	}
	keychain, err := auth.LoadKeychain(cfg.APIKeysPath, logger)
	if err != nil {
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("api keys: %w", err)
	}
	var verifier *auth.SignatureVerifier
	if cfg.HMACSecret != "" {
		verifier = auth.NewSignatureVerifier(cfg.HMACSecret, cfg.NonceTTL)
		logger.Info("request signing: enforced")
	} else {
		logger.Warn("request signing: disabled (no VERITAS_HMAC_SECRET)")
	}

	// Trust log.
	log, err := trustlog.Open(trustlog.Config{
		Dir:         cfg.LogDir,
		MirrorSize:  cfg.MirrorSize,
		RotateBytes: cfg.RotateBytes,
	}, logger)
	if err != nil {
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("trust log: %w", err)
	}

	// Episodic memory.
	episodic, err := memory.OpenEpisodic(cfg.MemoryDir, logger)
	if err != nil {
		_ = log.Close()
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("memory: %w", err)
	}

	// Semantic memory needs both a reachable embedder and a Qdrant
	// endpoint; missing either downgrades recall instead of failing boot.
	var semantic *memory.SemanticIndex
	var embedder memory.EmbeddingProvider
	if cfg.QdrantURL != "" {
		if probeErr := memory.ProbeOllama(context.Background(), cfg.OllamaURL); probeErr != nil {
			logger.Warn("semantic memory: disabled (ollama unreachable)", "error", probeErr)
		} else {
			embedder = memory.NewOllamaProvider(cfg.OllamaURL, cfg.OllamaModel, cfg.EmbeddingDimensions)
			semantic, err = memory.NewSemanticIndex(memory.QdrantConfig{
				URL:        cfg.QdrantURL,
				APIKey:     cfg.QdrantAPIKey,
				Collection: cfg.QdrantCollection,
				Dims:       uint64(cfg.EmbeddingDimensions), //nolint:gosec // validated positive in config.Validate
			}, logger)
			if err != nil {
				_ = episodic.Close()
				_ = log.Close()
				_ = otelShutdown(context.Background())
				return nil, fmt.Errorf("qdrant: %w", err)
			}
			if err := semantic.EnsureCollection(context.Background()); err != nil {
				_ = semantic.Close()
				_ = episodic.Close()
				_ = log.Close()
				_ = otelShutdown(context.Background())
				return nil, fmt.Errorf("qdrant ensure collection: %w", err)
			}
			logger.Info("semantic memory: enabled", "collection", cfg.QdrantCollection)
		}
	} else {
		logger.Info("semantic memory: disabled (no VERITAS_QDRANT_URL)")
	}
	mem := memory.New(episodic, semantic, embedder, logger)

	// World state.
	worldStore, err := world.Open(cfg.LogDir, logger)
	if err != nil {
		_ = mem.Close()
		_ = log.Close()
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("world state: %w", err)
	}

	// LLM client powers the option proposer and, when enabled, the FUJI
	// safety head. Both degrade cleanly without one.
	var llmClient *llm.Client
	if cfg.LLMBaseURL != "" {
		llmClient = llm.NewClient(cfg.LLMBaseURL, cfg.LLMAPIKey, cfg.LLMModel, logger)
		logger.Info("llm: enabled", "base_url", cfg.LLMBaseURL, "model", cfg.LLMModel)
	} else {
		logger.Info("llm: disabled (no VERITAS_LLM_BASE_URL)")
	}
	proposer := llm.NewProposer(llmClient, logger)
	var head *llm.SafetyHead
	if cfg.SafetyHeadEnabled {
		head = llm.NewSafetyHead(llmClient, logger)
		logger.Info("fuji safety head: enabled", "model", cfg.LLMModel)
	} else {
		head = llm.NewSafetyHead(nil, logger)
		logger.Info("fuji safety head: disabled (keyword and policy layers only)")
	}

	// Evidence sources: built-in memory and world recall plus any
	// caller-registered sources.
	sources := []evidence.Source{
		evidence.EpisodicSource{Memory: mem},
		evidence.SemanticSource{Memory: mem},
		evidence.WorldSource{World: worldStore},
	}
	for _, src := range o.evidenceSources {
		sources = append(sources, evidenceSourceAdapter{src: src})
		logger.Info("evidence source registered", "name", src.Name())
	}

	// Decision pipeline.
	orc := pipeline.New(pipeline.Services{
		Evidence: evidence.New(logger, sources...),
		Values:   values.NewEvaluator(values.NewStore(valuesDir, logger), logger),
		Gate:     fuji.New(policies, head, logger),
		Log:      log,
		Memory:   mem,
		Proposer: proposer,
	}, pipeline.Config{
		SealGrace:      cfg.SealGrace,
		EvidenceBudget: cfg.EvidenceBudget,
		DebateBudget:   cfg.DebateBudget,
		PlannerBudget:  cfg.PlannerBudget,
		FujiBudget:     cfg.FujiBudget,
	}, logger)

	// Rate limiters. Reads get a higher budget than decide calls.
	var decideLimiter, readLimiter ratelimit.Limiter
	if cfg.RateLimitEnabled {
		decideLimiter = ratelimit.NewMemoryLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
		readLimiter = ratelimit.NewMemoryLimiter(cfg.RateLimitRPS*readRateMultiplier, cfg.RateLimitBurst*readRateMultiplier)
		logger.Info("rate limiting: memory (in-process token bucket)",
			"decide_rps", cfg.RateLimitRPS, "decide_burst", cfg.RateLimitBurst)
	} else {
		decideLimiter = ratelimit.NoopLimiter{}
		readLimiter = ratelimit.NoopLimiter{}
		logger.Info("rate limiting: disabled")
	}

	// MCP server.
	mcpSrv := mcp.New(orc, log, logger, version)

	// Adapt middlewares from veritas.Middleware to func(http.Handler) http.Handler.
	var middlewares []func(http.Handler) http.Handler
	for _, mw := range o.middlewares {
		middlewares = append(middlewares, func(h http.Handler) http.Handler { return mw(h) })
	}

	// Create HTTP server.
	srv := server.New(server.ServerConfig{
		Pipeline:            orc,
		Log:                 log,
		Policies:            policies,
		JWTMgr:              jwtMgr,
		Keychain:            keychain,
		Logger:              logger,
		Verifier:            verifier,
		DecideLimiter:       decideLimiter,
		ReadLimiter:         readLimiter,
		Memory:              mem,
		Proposer:            proposer,
		MCPServer:           mcpSrv.MCPServer(),
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		RequestDeadline:     cfg.RequestDeadline,
		MaxRequestBodyBytes: cfg.MaxBodyBytes,
		CORSAllowedOrigins:  splitOrigins(cfg.CORSAllowedOrigins),
		OpenAPISpec:         api.OpenAPISpec,
		Middlewares:         middlewares,
	})

	return &App{
		cfg:           cfg,
		srv:           srv,
		log:           log,
		mem:           mem,
		policies:      policies,
		decideLimiter: decideLimiter,
		readLimiter:   readLimiter,
		otelShutdown:  otelShutdown,
		logger:        logger,
		version:       version,
	}, nil
}

// Run starts the policy watcher and the HTTP server, then blocks until ctx
// is cancelled or a fatal server error occurs. On return, Shutdown is
// called automatically — callers should not call Shutdown separately.
func (a *App) Run(ctx context.Context) error {
	// Hot policy reload.
	go a.policies.Watch(ctx, a.cfg.PolicyPollInterval)

	// Start HTTP server.
	errCh := make(chan error, 1)
	go func() {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Block until signal or server error.
	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	return a.Shutdown(context.Background())
}

// Shutdown performs a three-phase graceful shutdown:
// (1) stop accepting HTTP requests and drain in-flight,
// (2) close the trust log (final flush and fsync),
// (3) close memory, release the limiters and the OTEL provider.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("veritas shutting down")

	// Phase 1: HTTP drain. In-flight decide calls finish sealing here.
	httpCtx, cancel := context.WithTimeout(ctx, shutdownHTTPTimeout)
	if err := a.srv.Shutdown(httpCtx); err != nil {
		a.logger.Error("http shutdown error", "error", err)
	}
	cancel()

	// Phase 2: trust log. A close failure can strand the newest records,
	// so it is the one error worth returning.
	var closeErr error
	if err := a.log.Close(); err != nil {
		a.logger.Error("trust log close error", "error", err)
		closeErr = fmt.Errorf("trust log close: %w", err)
	}

	// Phase 3: collaborators.
	if err := a.mem.Close(); err != nil {
		a.logger.Warn("memory close error", "error", err)
	}
	_ = a.decideLimiter.Close()
	_ = a.readLimiter.Close()
	_ = a.otelShutdown(context.Background())

	a.logger.Info("veritas stopped")
	return closeErr
}

// evidenceSourceAdapter bridges a public EvidenceSource into the internal
// evidence fan-out. External items surface with kind external.
type evidenceSourceAdapter struct {
	src EvidenceSource
}

func (a evidenceSourceAdapter) Name() string { return a.src.Name() }

func (a evidenceSourceAdapter) Gather(ctx context.Context, q evidence.Query) ([]model.EvidenceItem, error) {
	items, err := a.src.Gather(ctx, EvidenceQuery{UserID: q.UserID, Text: q.Text, Limit: q.Limit})
	if err != nil {
		return nil, err
	}
	out := make([]model.EvidenceItem, 0, len(items))
	for _, it := range items {
		out = append(out, model.EvidenceItem{
			Source:     it.Source,
			Text:       it.Text,
			Confidence: it.Confidence,
			Kind:       model.EvidenceExternal,
		})
	}
	return out, nil
}

func splitOrigins(s string) []string {
	var out []string
	for _, o := range strings.Split(s, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}
