// Package uderia is the public API for embedding the Uderia assistant
// backend.
//
// Enterprise and plugin consumers import this package to construct and
// extend the server without forking it:
//
//	app, err := uderia.New(
//	    uderia.WithVersion(version),
//	    uderia.WithLogger(logger),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The import graph enforces a strict no-cycle rule: uderia (root) imports
// internal/*, but internal/* never imports uderia (root).
package uderia

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/joho/godotenv"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/uderia/uderia/internal/auth"
	"github.com/uderia/uderia/internal/component"
	"github.com/uderia/uderia/internal/config"
	"github.com/uderia/uderia/internal/extension"
	"github.com/uderia/uderia/internal/license"
	"github.com/uderia/uderia/internal/llm"
	"github.com/uderia/uderia/internal/mcp"
	"github.com/uderia/uderia/internal/model"
	"github.com/uderia/uderia/internal/pack"
	"github.com/uderia/uderia/internal/promptcrypt"
	"github.com/uderia/uderia/internal/prompts"
	"github.com/uderia/uderia/internal/rag"
	"github.com/uderia/uderia/internal/ratelimit"
	"github.com/uderia/uderia/internal/server"
	"github.com/uderia/uderia/internal/storage"
	"github.com/uderia/uderia/internal/telemetry"
	"github.com/uderia/uderia/migrations"
)

// App is the Uderia server lifecycle. Construct with New(), run with Run().
// App has no public fields — use New() options to configure it.
type App struct {
	cfg          config.Config
	db           *storage.DB
	srv          *server.Server
	caseStore    *rag.CaseStore // nil when Qdrant is not configured
	indexer      *rag.Indexer   // nil when Qdrant is not configured
	limiter      ratelimit.Limiter
	otelShutdown func(context.Context) error
	logger       *slog.Logger
	version      string
}

// New initialises the Uderia server. It opens the auth store, runs
// migrations, derives the prompt key, and wires all subsystems into a
// ready-to-run App. It does NOT start any goroutines or accept HTTP
// connections — call Run().
func New(opts ...Option) (*App, error) {
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
	if o.dbPath != "" {
		cfg.DatabasePath = o.dbPath
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("uderia starting", "version", version, "port", cfg.Port)

	ctx := context.Background()

	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	db, err := storage.Open(ctx, cfg.DatabasePath, logger)
	if err != nil {
		_ = otelShutdown(ctx)
		return nil, fmt.Errorf("storage: %w", err)
	}

	// SQLite has no out-of-band migration path, so a failure here is fatal.
	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		_ = db.Close()
		_ = otelShutdown(ctx)
		return nil, fmt.Errorf("migrations: %w", err)
	}
	for i, extraFS := range o.extraMigrations {
		if err := db.RunMigrations(ctx, extraFS); err != nil {
			_ = db.Close()
			_ = otelShutdown(ctx)
			return nil, fmt.Errorf("extra migrations[%d]: %w", i, err)
		}
	}

	// Shipped default prompt mappings. A missing file falls back to the
	// built-in defaults, so new installs still resolve genie prompts.
	defaults, err := config.LoadDefaults(cfg.DefaultsPath)
	if err != nil {
		_ = db.Close()
		_ = otelShutdown(ctx)
		return nil, fmt.Errorf("defaults: %w", err)
	}

	jwtMgr, err := auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration)
	if err != nil {
		_ = db.Close()
		_ = otelShutdown(ctx)
		return nil, fmt.Errorf("auth: %w", err)
	}

	// Derive the prompt encryption key. A signed license binds prompts to
	// this install; otherwise the bootstrap key from the shipped public key
	// opens the factory prompt set. Without either, encrypted prompt save
	// and read are refused at the API layer.
	promptKey := derivePromptKey(cfg, logger)

	// Embedding provider — external override takes priority over auto-detect.
	// The public interface matches the internal one, so no adapter is needed.
	var embedder rag.Provider
	if o.embeddingProvider != nil {
		embedder = o.embeddingProvider
	} else {
		embedder = newEmbeddingProvider(ctx, cfg, logger)
	}

	// Qdrant-backed case store and outbox indexer (optional — disabled when
	// QDRANT_URL is empty; RAG queries then return 503).
	var (
		caseStore  *rag.CaseStore
		indexer    *rag.Indexer
		vectors    server.VectorSearcher
		mcpVectors mcp.VectorSearcher
		caseSource pack.CaseSource
	)
	if cfg.QdrantURL != "" {
		caseStore, err = rag.NewCaseStore(rag.CaseStoreConfig{
			URL:        cfg.QdrantURL,
			APIKey:     cfg.QdrantAPIKey,
			Collection: cfg.QdrantCollection,
			Dims:       uint64(cfg.EmbeddingDimensions), //nolint:gosec // validated positive in config.Validate
		}, logger)
		if err != nil {
			_ = db.Close()
			_ = otelShutdown(ctx)
			return nil, fmt.Errorf("qdrant: %w", err)
		}
		if err := caseStore.EnsureCollection(ctx); err != nil {
			_ = caseStore.Close()
			_ = db.Close()
			_ = otelShutdown(ctx)
			return nil, fmt.Errorf("qdrant ensure collection: %w", err)
		}
		vectors = caseStore
		mcpVectors = caseStore
		caseSource = caseStore
		indexer = rag.NewIndexer(db, caseStore, embedder, logger, cfg.OutboxPollInterval, cfg.OutboxBatchSize)
		logger.Info("qdrant: enabled", "collection", cfg.QdrantCollection)
	} else {
		logger.Info("qdrant: disabled (no QDRANT_URL)")
	}

	// LLM client for extensions that synthesize text (summarizer and
	// friends). Extensions that need it fail cleanly when none is set.
	llmReg := llm.NewRegistry(newLLMClient(ctx, cfg, logger))

	resolver := prompts.NewResolver(db, &defaults, logger)
	loader := prompts.NewLoader(db, promptKey)

	extRegistry := extension.NewRegistry()
	extension.RegisterBuiltins(extRegistry)
	runner := extension.NewRunner(extRegistry, db, llmReg, logger, nil)

	components := component.NewManager(db, logger)
	component.RegisterBuiltins(components)

	var decrypter pack.PromptDecrypter
	if len(promptKey) > 0 {
		decrypter = keyDecrypter(promptKey)
	}
	exporter := pack.NewExporter(db, caseSource, decrypter, logger)
	importer := pack.NewImporter(db, logger)

	// MCP server mounted at /mcp behind the same auth middleware as the
	// REST API.
	var mcpHandler http.Handler
	if cfg.EnableMCP {
		mcpSrv := mcp.New(mcp.Deps{
			DB:       db,
			Resolver: resolver,
			Loader:   loader,
			Embedder: embedder,
			Vectors:  mcpVectors,
			Runner:   runner,
			Logger:   logger,
		})
		mcpHandler = mcpserver.NewStreamableHTTPServer(mcpSrv.MCPServer())
		logger.Info("mcp: enabled")
	} else {
		logger.Info("mcp: disabled")
	}

	var limiter ratelimit.Limiter
	if cfg.RateLimitEnabled {
		memLimiter := ratelimit.NewMemoryLimiter(ratelimit.Limit{RPS: cfg.RateLimitRPS, Burst: cfg.RateLimitBurst})
		memLimiter.SetRule("auth", ratelimit.Limit{RPS: cfg.AuthRateLimitRPS, Burst: cfg.AuthRateLimitBurst})
		limiter = memLimiter
		logger.Info("rate limiting: memory (in-process token bucket)",
			"rps", cfg.RateLimitRPS, "burst", cfg.RateLimitBurst,
			"auth_rps", cfg.AuthRateLimitRPS, "auth_burst", cfg.AuthRateLimitBurst)
	} else {
		limiter = ratelimit.NoopLimiter{}
		logger.Info("rate limiting: disabled")
	}

	handlers := server.NewHandlers(server.HandlersDeps{
		DB:                  db,
		JWTMgr:              jwtMgr,
		Resolver:            resolver,
		Loader:              loader,
		PromptKey:           promptKey,
		Embedder:            embedder,
		Vectors:             vectors,
		Runner:              runner,
		ExtRegistry:         extRegistry,
		Components:          components,
		Exporter:            exporter,
		Importer:            importer,
		Logger:              logger,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		MaxPackBytes:        cfg.MaxPackBytes,
	})

	if err := handlers.SeedAdmin(ctx, cfg.AdminAPIKey); err != nil {
		if caseStore != nil {
			_ = caseStore.Close()
		}
		_ = db.Close()
		_ = otelShutdown(ctx)
		return nil, fmt.Errorf("seed admin: %w", err)
	}

	srv := server.NewServer(&cfg, handlers, limiter, mcpHandler, logger)

	return &App{
		cfg:          cfg,
		db:           db,
		srv:          srv,
		caseStore:    caseStore,
		indexer:      indexer,
		limiter:      limiter,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}, nil
}

// Run starts the outbox indexer and the HTTP server, then blocks until ctx
// is cancelled or the server fails. On cancellation it drains in-flight
// requests, flushes the outbox to Qdrant, and releases all resources.
func (a *App) Run(ctx context.Context) error {
	if a.indexer != nil {
		a.indexer.Start(ctx)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}

	// Graceful shutdown: stop accepting HTTP (in-flight requests may still
	// enqueue outbox entries), then drain the outbox to Qdrant.
	a.logger.Info("uderia shutting down")

	httpCtx, httpCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := a.srv.Shutdown(httpCtx); err != nil {
		a.logger.Error("http shutdown error", "error", err)
	}
	httpCancel()

	if a.indexer != nil {
		drainCtx, drainCancel := context.WithTimeout(context.Background(), 10*time.Second)
		a.indexer.Drain(drainCtx)
		drainCancel()
	}

	a.close()
	a.logger.Info("uderia stopped")
	return runErr
}

// close releases resources held by the App. Called from Run after shutdown;
// callers that never Run must call Close themselves.
func (a *App) close() {
	if a.caseStore != nil {
		_ = a.caseStore.Close()
	}
	if a.limiter != nil {
		_ = a.limiter.Close()
	}
	_ = a.db.Close()
	_ = a.otelShutdown(context.Background())
}

// Close releases resources for an App that was constructed but never Run.
func (a *App) Close() {
	a.close()
}

// keyDecrypter adapts a raw prompt key to the pack exporter, which bundles
// prompts as cleartext.
type keyDecrypter []byte

func (k keyDecrypter) Decrypt(token string) (string, error) {
	return promptcrypt.Decrypt(token, k)
}

// derivePromptKey derives the prompt encryption key from license material.
// Returns nil when no usable material exists; encrypted prompts are then
// unavailable but the server still runs.
func derivePromptKey(cfg config.Config, logger *slog.Logger) []byte {
	if cfg.LicenseSignature != "" {
		key, err := license.DeriveTierKey(cfg.LicenseSignature, model.LicenseTier(cfg.LicenseTier))
		if err != nil {
			logger.Error("license: tier key derivation failed", "error", err)
			return nil
		}
		logger.Info("prompt key: derived from license signature", "tier", cfg.LicenseTier)
		return key
	}

	key, err := license.DeriveBootstrapKey(cfg.LicensePublicKeyPath)
	if err != nil {
		logger.Warn("prompt key: unavailable, encrypted prompts disabled", "error", err)
		return nil
	}
	logger.Info("prompt key: bootstrap (no license signature set)")
	return key
}

// newEmbeddingProvider creates an embedding provider based on configuration.
// Provider selection: "gemini", "ollama", "noop", or "auto" (default).
// Auto mode prefers Gemini if a key is present, then Ollama if reachable,
// else noop.
func newEmbeddingProvider(ctx context.Context, cfg config.Config, logger *slog.Logger) rag.Provider {
	dims := cfg.EmbeddingDimensions

	switch cfg.EmbeddingProvider {
	case "gemini":
		if cfg.GeminiAPIKey == "" {
			logger.Error("GEMINI_API_KEY required when UDERIA_EMBEDDING_PROVIDER=gemini")
			return rag.NoopProvider{Dims: dims}
		}
		p, err := rag.NewGeminiProvider(ctx, cfg.GeminiAPIKey, cfg.EmbeddingModel, dims)
		if err != nil {
			logger.Error("gemini provider init failed", "error", err)
			return rag.NoopProvider{Dims: dims}
		}
		logger.Info("embedding provider: gemini", "model", cfg.EmbeddingModel, "dimensions", dims)
		return p

	case "ollama":
		logger.Info("embedding provider: ollama", "url", cfg.OllamaURL, "model", cfg.OllamaModel, "dimensions", dims)
		return rag.NewOllamaProvider(cfg.OllamaURL, cfg.OllamaModel, dims)

	case "noop":
		logger.Info("embedding provider: noop (semantic search disabled)")
		return rag.NoopProvider{Dims: dims}

	case "auto":
		fallthrough
	default:
		if cfg.GeminiAPIKey != "" {
			p, err := rag.NewGeminiProvider(ctx, cfg.GeminiAPIKey, cfg.EmbeddingModel, dims)
			if err != nil {
				logger.Error("gemini provider init failed", "error", err)
				return rag.NoopProvider{Dims: dims}
			}
			logger.Info("embedding provider: gemini (auto-detected)", "model", cfg.EmbeddingModel, "dimensions", dims)
			return p
		}
		if ollamaReachable(cfg.OllamaURL) {
			logger.Info("embedding provider: ollama (auto-detected)", "url", cfg.OllamaURL, "model", cfg.OllamaModel, "dimensions", dims)
			return rag.NewOllamaProvider(cfg.OllamaURL, cfg.OllamaModel, dims)
		}
		logger.Warn("no embedding provider available, using noop (semantic search disabled)")
		return rag.NoopProvider{Dims: dims}
	}
}

// newLLMClient picks the completion client for extensions. Returns nil when
// no provider is configured; the registry reports that to callers.
func newLLMClient(ctx context.Context, cfg config.Config, logger *slog.Logger) llm.Client {
	if cfg.GeminiAPIKey != "" {
		client, err := llm.NewGeminiClient(ctx, cfg.GeminiAPIKey, cfg.GeminiModel)
		if err != nil {
			logger.Error("gemini llm init failed", "error", err)
			return nil
		}
		logger.Info("llm provider: gemini", "model", cfg.GeminiModel)
		return llm.WithRetry(client, cfg.LLMMaxRetries, cfg.LLMBaseDelay, logger)
	}
	if ollamaReachable(cfg.OllamaURL) {
		logger.Info("llm provider: ollama", "url", cfg.OllamaURL, "model", cfg.OllamaModel)
		return llm.WithRetry(llm.NewOllamaClient(cfg.OllamaURL, cfg.OllamaModel), cfg.LLMMaxRetries, cfg.LLMBaseDelay, logger)
	}
	logger.Info("llm provider: none (LLM-backed extensions disabled)")
	return nil
}

// ollamaReachable checks if an Ollama server is responding.
func ollamaReachable(baseURL string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
