// Package config loads and validates application configuration from
// environment variables, plus the JSON defaults file that carries the
// shipped default prompt mappings.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration.
type Config struct {
	// Server settings.
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Database settings.
	DatabasePath string // Path to the SQLite auth store (uderia_auth.db).

	// Defaults file (shipped prompt mapping defaults).
	DefaultsPath string

	// JWT settings.
	JWTPrivateKeyPath string // Path to Ed25519 private key PEM file.
	JWTPublicKeyPath  string // Path to Ed25519 public key PEM file.
	JWTExpiration     time.Duration

	// Admin bootstrap.
	AdminAPIKey string // API key for the initial admin user.

	// License settings.
	LicensePublicKeyPath string // Shipped public key file; feeds the bootstrap prompt key.
	LicenseSignature     string
	LicenseTier          string

	// Vector store settings.
	QdrantURL        string
	QdrantAPIKey     string
	QdrantCollection string

	// Embedding provider settings.
	EmbeddingProvider   string // "auto", "gemini", "ollama", or "noop"
	EmbeddingModel      string
	EmbeddingDimensions int // Vector dimensions; must match the chosen model's output.

	// LLM provider settings.
	GeminiAPIKey  string
	GeminiModel   string
	OllamaURL     string
	OllamaModel   string
	LLMMaxRetries int           // Fixed retry count for LLM API calls.
	LLMBaseDelay  time.Duration // Base delay for exponential backoff between retries.

	// OTEL settings.
	OTELEndpoint string
	OTELInsecure bool
	ServiceName  string

	// Feature toggles.
	EnableMCP               bool
	EnableMCPClassification bool
	SessionsFilterByUser    bool

	// Operational settings.
	LogLevel            string
	RateLimitEnabled    bool
	RateLimitRPS        float64 // Sustained requests per second per key.
	RateLimitBurst      int     // Burst allowance on top of the sustained rate.
	AuthRateLimitRPS    float64 // Tighter limit for credential endpoints, per client IP.
	AuthRateLimitBurst  int
	OutboxPollInterval  time.Duration
	OutboxBatchSize     int
	MaxRequestBodyBytes int64 // Maximum request body size in bytes.
	MaxPackBytes        int64 // Maximum agent pack upload size in bytes.
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (Config, error) {
	cfg := Config{
		Port:                    envInt("UDERIA_PORT", 8080),
		ReadTimeout:             envDuration("UDERIA_READ_TIMEOUT", 30*time.Second),
		WriteTimeout:            envDuration("UDERIA_WRITE_TIMEOUT", 30*time.Second),
		DatabasePath:            envStr("UDERIA_DB_PATH", "uderia_auth.db"),
		DefaultsPath:            envStr("UDERIA_DEFAULTS_PATH", "uderia.json"),
		JWTPrivateKeyPath:       envStr("UDERIA_JWT_PRIVATE_KEY", ""),
		JWTPublicKeyPath:        envStr("UDERIA_JWT_PUBLIC_KEY", ""),
		JWTExpiration:           envDuration("UDERIA_JWT_EXPIRATION", 24*time.Hour),
		AdminAPIKey:             envStr("UDERIA_ADMIN_API_KEY", ""),
		LicensePublicKeyPath:    envStr("UDERIA_LICENSE_PUBLIC_KEY", "license_public.pem"),
		LicenseSignature:        envStr("UDERIA_LICENSE_SIGNATURE", ""),
		LicenseTier:             envStr("UDERIA_LICENSE_TIER", "standard"),
		QdrantURL:               envStr("QDRANT_URL", ""),
		QdrantAPIKey:            envStr("QDRANT_API_KEY", ""),
		QdrantCollection:        envStr("UDERIA_QDRANT_COLLECTION", "uderia_cases"),
		EmbeddingProvider:       envStr("UDERIA_EMBEDDING_PROVIDER", "auto"),
		EmbeddingModel:          envStr("UDERIA_EMBEDDING_MODEL", "gemini-embedding-001"),
		EmbeddingDimensions:     envInt("UDERIA_EMBEDDING_DIMENSIONS", 768),
		GeminiAPIKey:            envStr("GEMINI_API_KEY", ""),
		GeminiModel:             envStr("UDERIA_GEMINI_MODEL", "gemini-2.0-flash"),
		OllamaURL:               envStr("OLLAMA_URL", "http://localhost:11434"),
		OllamaModel:             envStr("OLLAMA_MODEL", "llama3.1"),
		LLMMaxRetries:           envInt("UDERIA_LLM_MAX_RETRIES", 3),
		LLMBaseDelay:            envDuration("UDERIA_LLM_BASE_DELAY", time.Second),
		OTELEndpoint:            envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		OTELInsecure:            envBool("OTEL_EXPORTER_OTLP_INSECURE", false),
		ServiceName:             envStr("OTEL_SERVICE_NAME", "uderia"),
		EnableMCP:               envBool("UDERIA_ENABLE_MCP", true),
		EnableMCPClassification: envBool("UDERIA_ENABLE_MCP_CLASSIFICATION", false),
		SessionsFilterByUser:    envBool("UDERIA_SESSIONS_FILTER_BY_USER", true),
		LogLevel:                envStr("UDERIA_LOG_LEVEL", "info"),
		RateLimitEnabled:        envBool("UDERIA_RATE_LIMIT_ENABLED", true),
		RateLimitRPS:            envFloat("UDERIA_RATE_LIMIT_RPS", 10),
		RateLimitBurst:          envInt("UDERIA_RATE_LIMIT_BURST", 20),
		AuthRateLimitRPS:        envFloat("UDERIA_AUTH_RATE_LIMIT_RPS", 1),
		AuthRateLimitBurst:      envInt("UDERIA_AUTH_RATE_LIMIT_BURST", 10),
		OutboxPollInterval:      envDuration("UDERIA_OUTBOX_POLL_INTERVAL", 2*time.Second),
		OutboxBatchSize:         envInt("UDERIA_OUTBOX_BATCH_SIZE", 50),
		MaxRequestBodyBytes:     int64(envInt("UDERIA_MAX_REQUEST_BODY_BYTES", 1*1024*1024)), // 1 MB default
		MaxPackBytes:            int64(envInt("UDERIA_MAX_PACK_BYTES", 50*1024*1024)),        // 50 MB default
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that required configuration is present.
func (c Config) Validate() error {
	if c.DatabasePath == "" {
		return fmt.Errorf("config: UDERIA_DB_PATH is required")
	}
	if c.EmbeddingDimensions <= 0 {
		return fmt.Errorf("config: UDERIA_EMBEDDING_DIMENSIONS must be positive")
	}
	if c.LLMMaxRetries < 0 {
		return fmt.Errorf("config: UDERIA_LLM_MAX_RETRIES must be non-negative")
	}
	if c.MaxRequestBodyBytes <= 0 {
		return fmt.Errorf("config: UDERIA_MAX_REQUEST_BODY_BYTES must be positive")
	}
	if c.MaxPackBytes <= 0 {
		return fmt.Errorf("config: UDERIA_MAX_PACK_BYTES must be positive")
	}
	if c.RateLimitEnabled && (c.RateLimitRPS <= 0 || c.RateLimitBurst <= 0) {
		return fmt.Errorf("config: rate limiting enabled but UDERIA_RATE_LIMIT_RPS or UDERIA_RATE_LIMIT_BURST is not positive")
	}
	if c.RateLimitEnabled && (c.AuthRateLimitRPS <= 0 || c.AuthRateLimitBurst <= 0) {
		return fmt.Errorf("config: rate limiting enabled but UDERIA_AUTH_RATE_LIMIT_RPS or UDERIA_AUTH_RATE_LIMIT_BURST is not positive")
	}
	return nil
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func envBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}

func envFloat(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
