// Package config loads and validates application configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/ashita-ai/veritas/internal/model"
)

// Config holds all application configuration.
type Config struct {
	// Server settings.
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Pipeline deadlines. RequestDeadline bounds the whole request;
	// SealGrace is reserved past the deadline so the audit record still
	// lands. The per-stage budgets bound the slow stages individually.
	RequestDeadline time.Duration
	SealGrace       time.Duration
	EvidenceBudget  time.Duration
	DebateBudget    time.Duration
	PlannerBudget   time.Duration
	FujiBudget      time.Duration

	// Trust log settings.
	LogDir      string
	RotateBytes int64
	MirrorSize  int

	// Policy settings.
	PolicyPath         string // empty runs the gate on built-in defaults
	PolicyPollInterval time.Duration

	// Auth settings.
	APIKeysPath       string // JSON key file written by scripts/genkey
	HMACSecret        string // empty disables request signing enforcement
	NonceTTL          time.Duration
	JWTPrivateKeyPath string // Path to Ed25519 private key PEM file.
	JWTPublicKeyPath  string // Path to Ed25519 public key PEM file.
	JWTExpiration     time.Duration

	// Rate limit settings.
	RateLimitEnabled bool
	RateLimitRPS     float64
	RateLimitBurst   int

	// Memory settings.
	MemoryDir           string // episodic SQLite database lives here
	QdrantURL           string // empty disables the semantic index
	QdrantAPIKey        string
	QdrantCollection    string
	OllamaURL           string
	OllamaModel         string
	EmbeddingDimensions int // Vector dimensions; must match the chosen model's output.

	// LLM settings for the safety head.
	LLMBaseURL        string
	LLMAPIKey         string
	LLMModel          string
	SafetyHeadEnabled bool

	// HTTP settings.
	CORSAllowedOrigins string
	MaxBodyBytes       int64

	// OTEL settings.
	OTELEndpoint string
	OTELInsecure bool
	ServiceName  string

	// Operational settings.
	LogLevel string
}

// Load reads configuration from environment variables with sensible
// defaults. Every malformed variable is reported, not just the first.
func Load() (Config, error) {
	var errs []error
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	var cfg Config
	var err error

	cfg.Port, err = envInt("VERITAS_PORT", 8428)
	collect(err)
	cfg.ReadTimeout, err = envDuration("VERITAS_READ_TIMEOUT", 35*time.Second)
	collect(err)
	cfg.WriteTimeout, err = envDuration("VERITAS_WRITE_TIMEOUT", 35*time.Second)
	collect(err)

	cfg.RequestDeadline, err = envDuration("VERITAS_REQUEST_DEADLINE", 30*time.Second)
	collect(err)
	cfg.SealGrace, err = envDuration("VERITAS_SEAL_GRACE", 2*time.Second)
	collect(err)
	cfg.EvidenceBudget, err = envDuration("VERITAS_EVIDENCE_BUDGET", 5*time.Second)
	collect(err)
	cfg.DebateBudget, err = envDuration("VERITAS_DEBATE_BUDGET", 15*time.Second)
	collect(err)
	cfg.PlannerBudget, err = envDuration("VERITAS_PLANNER_BUDGET", 5*time.Second)
	collect(err)
	cfg.FujiBudget, err = envDuration("VERITAS_FUJI_BUDGET", 3*time.Second)
	collect(err)

	cfg.LogDir = envStr("VERITAS_LOG_DIR", "./data")
	rotate, err := envInt("VERITAS_ROTATE_BYTES", 8*1024*1024)
	collect(err)
	cfg.RotateBytes = int64(rotate)
	cfg.MirrorSize, err = envInt("VERITAS_MIRROR_SIZE", 2000)
	collect(err)

	cfg.PolicyPath = envStr("VERITAS_POLICY_PATH", "")
	cfg.PolicyPollInterval, err = envDuration("VERITAS_POLICY_POLL_INTERVAL", 5*time.Second)
	collect(err)

	cfg.APIKeysPath = envStr("VERITAS_API_KEYS_PATH", "")
	cfg.HMACSecret = envStr("VERITAS_HMAC_SECRET", "")
	cfg.NonceTTL, err = envDuration("VERITAS_NONCE_TTL", 5*time.Minute)
	collect(err)
	cfg.JWTPrivateKeyPath = envStr("VERITAS_JWT_PRIVATE_KEY_PATH", "")
	cfg.JWTPublicKeyPath = envStr("VERITAS_JWT_PUBLIC_KEY_PATH", "")
	cfg.JWTExpiration, err = envDuration("VERITAS_JWT_EXPIRATION", time.Hour)
	collect(err)

	cfg.RateLimitEnabled, err = envBool("VERITAS_RATE_LIMIT_ENABLED", true)
	collect(err)
	cfg.RateLimitRPS, err = envFloat("VERITAS_RATE_LIMIT_RPS", 10)
	collect(err)
	cfg.RateLimitBurst, err = envInt("VERITAS_RATE_LIMIT_BURST", 20)
	collect(err)

	cfg.MemoryDir = envStr("VERITAS_MEMORY_DIR", "./data")
	cfg.QdrantURL = envStr("VERITAS_QDRANT_URL", "")
	cfg.QdrantAPIKey = envStr("VERITAS_QDRANT_API_KEY", "")
	cfg.QdrantCollection = envStr("VERITAS_QDRANT_COLLECTION", "veritas_memory")
	cfg.OllamaURL = envStr("VERITAS_OLLAMA_URL", "http://localhost:11434")
	cfg.OllamaModel = envStr("VERITAS_OLLAMA_MODEL", "mxbai-embed-large")
	cfg.EmbeddingDimensions, err = envInt("VERITAS_EMBEDDING_DIMENSIONS", 768)
	collect(err)

	cfg.LLMBaseURL = envStr("VERITAS_LLM_BASE_URL", "")
	cfg.LLMAPIKey = envStr("VERITAS_LLM_API_KEY", "")
	cfg.LLMModel = envStr("VERITAS_LLM_MODEL", "qwen2.5:7b")
	cfg.SafetyHeadEnabled, err = envBool("VERITAS_SAFETY_HEAD_ENABLED", false)
	collect(err)

	cfg.CORSAllowedOrigins = envStr("VERITAS_CORS_ALLOWED_ORIGINS", "")
	body, err := envInt("VERITAS_MAX_BODY_BYTES", model.MaxBodyBytes)
	collect(err)
	cfg.MaxBodyBytes = int64(body)

	cfg.OTELEndpoint = envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	cfg.OTELInsecure, err = envBool("OTEL_EXPORTER_OTLP_INSECURE", false)
	collect(err)
	cfg.ServiceName = envStr("OTEL_SERVICE_NAME", "veritas")

	cfg.LogLevel = envStr("VERITAS_LOG_LEVEL", "info")

	if len(errs) > 0 {
		return Config{}, errors.Join(errs...)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that required configuration is present and coherent.
func (c Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("config: VERITAS_PORT must be in 1..65535")
	}
	if c.LogDir == "" {
		return fmt.Errorf("config: VERITAS_LOG_DIR is required")
	}
	if c.RotateBytes <= 0 {
		return fmt.Errorf("config: VERITAS_ROTATE_BYTES must be positive")
	}
	if c.MirrorSize <= 0 {
		return fmt.Errorf("config: VERITAS_MIRROR_SIZE must be positive")
	}
	if c.MaxBodyBytes <= 0 {
		return fmt.Errorf("config: VERITAS_MAX_BODY_BYTES must be positive")
	}
	if c.EmbeddingDimensions <= 0 {
		return fmt.Errorf("config: VERITAS_EMBEDDING_DIMENSIONS must be positive")
	}
	if c.SealGrace <= 0 || c.SealGrace >= c.RequestDeadline {
		return fmt.Errorf("config: VERITAS_SEAL_GRACE must be positive and below VERITAS_REQUEST_DEADLINE")
	}
	if c.NonceTTL < 5*time.Minute {
		return fmt.Errorf("config: VERITAS_NONCE_TTL must be at least 5m")
	}
	if c.SafetyHeadEnabled && c.LLMBaseURL == "" {
		return fmt.Errorf("config: VERITAS_LLM_BASE_URL is required when VERITAS_SAFETY_HEAD_ENABLED is set")
	}
	return nil
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s=%q is not a valid integer", key, v)
	}
	return n, nil
}

func envFloat(key string, defaultVal float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s=%q is not a valid number", key, v)
	}
	return f, nil
}

func envBool(key string, defaultVal bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s=%q is not a valid boolean", key, v)
	}
	return b, nil
}

func envDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s=%q is not a valid duration", key, v)
	}
	return d, nil
}
