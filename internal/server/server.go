package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/uderia/uderia/internal/config"
	"github.com/uderia/uderia/internal/model"
	"github.com/uderia/uderia/internal/ratelimit"
)

// Server is the HTTP server hosting the REST API and, when enabled, the MCP
// endpoint.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer builds the server with its full middleware chain and route
// table. mcpHandler is mounted at /mcp when non-nil; limiter may be nil to
// disable rate limiting.
func NewServer(cfg *config.Config, h *Handlers, limiter ratelimit.Limiter, mcpHandler http.Handler, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	reqID := func(r *http.Request) string { return RequestIDFromContext(r.Context()) }

	// Token issuance is keyed by client IP: the caller is unauthenticated.
	// Everything else throttles per user.
	authThrottle := ratelimit.Middleware(limiter, ratelimit.Rule{Prefix: "auth"}, ratelimit.IPKeyFunc, reqID)
	queryThrottle := ratelimit.Middleware(limiter, ratelimit.Rule{Prefix: "query"}, userKeyFunc, reqID)

	reader := requireRole(model.RoleReader)
	user := requireRole(model.RoleUser)
	admin := requireRole(model.RoleAdmin)

	handle := func(pattern string, mw func(http.Handler) http.Handler, fn http.HandlerFunc) {
		mux.Handle(pattern, mw(fn))
	}

	mux.HandleFunc("GET /health", h.HandleHealth)

	mux.Handle("POST /api/v1/auth/token", authThrottle(http.HandlerFunc(h.HandleAuthToken)))
	handle("POST /api/v1/auth/refresh", reader, h.HandleAuthRefresh)

	handle("POST /api/v1/admin/users", admin, h.HandleCreateUser)
	handle("GET /api/v1/admin/users", admin, h.HandleListUsers)
	handle("PATCH /api/v1/admin/users/{user_id}", admin, h.HandleUpdateUser)
	handle("DELETE /api/v1/admin/users/{user_id}", admin, h.HandleDeactivateUser)

	handle("POST /api/v1/profiles", user, h.HandleCreateProfile)
	handle("GET /api/v1/profiles", reader, h.HandleListProfiles)
	handle("GET /api/v1/profiles/{profile_id}", reader, h.HandleGetProfile)
	handle("PATCH /api/v1/profiles/{profile_id}", user, h.HandleUpdateProfile)
	handle("DELETE /api/v1/profiles/{profile_id}", user, h.HandleDeactivateProfile)
	handle("GET /api/v1/profiles/{profile_id}/relationships", reader, h.HandleProfileRelationships)
	handle("GET /api/v1/profiles/{profile_id}/prompts/{category}", reader, h.HandleResolvePrompt)

	handle("PUT /api/v1/prompts/{name}", user, h.HandleSavePrompt)
	handle("GET /api/v1/prompts", reader, h.HandleListPrompts)
	handle("GET /api/v1/prompts/{name}", reader, h.HandleGetPrompt)
	handle("GET /api/v1/prompts/{name}/versions", reader, h.HandleListPromptVersions)
	handle("DELETE /api/v1/prompts/{name}", admin, h.HandleDeactivatePrompt)

	handle("PUT /api/v1/prompt-mappings", user, h.HandleSetMapping)
	handle("GET /api/v1/prompt-mappings", reader, h.HandleListMappings)
	handle("DELETE /api/v1/prompt-mappings", user, h.HandleDeleteMapping)

	handle("PUT /api/v1/prompt-overrides", user, h.HandleSetPromptOverride)
	handle("DELETE /api/v1/prompt-overrides/{override_id}", user, h.HandleClearPromptOverride)

	handle("POST /api/v1/collections", user, h.HandleCreateCollection)
	handle("GET /api/v1/collections", reader, h.HandleListCollections)
	handle("GET /api/v1/collections/{collection_id}", reader, h.HandleGetCollection)
	handle("PATCH /api/v1/collections/{collection_id}", user, h.HandleUpdateCollection)
	handle("DELETE /api/v1/collections/{collection_id}", user, h.HandleDeactivateCollection)
	handle("POST /api/v1/collections/{collection_id}/subscribe", user, h.HandleSubscribe)
	handle("DELETE /api/v1/collections/{collection_id}/subscribe", user, h.HandleUnsubscribe)
	handle("GET /api/v1/collections/{collection_id}/subscribers", reader, h.HandleListSubscribers)
	handle("POST /api/v1/collections/{collection_id}/cases", user, h.HandleStoreCase)
	handle("DELETE /api/v1/collections/{collection_id}/cases/{case_id}", user, h.HandleDeleteCase)
	mux.Handle("POST /api/v1/collections/{collection_id}/query",
		reader(queryThrottle(http.HandlerFunc(h.HandleQueryCases))))

	handle("GET /api/v1/extensions", reader, h.HandleListExtensions)
	handle("PATCH /api/v1/extensions/{name}", admin, h.HandleUpdateExtension)
	mux.Handle("POST /api/v1/extensions/run",
		user(queryThrottle(http.HandlerFunc(h.HandleRunExtensions))))

	handle("GET /api/v1/components", reader, h.HandleListComponents)
	handle("PATCH /api/v1/components/{name}", admin, h.HandleUpdateComponent)
	handle("POST /api/v1/components/{name}/render", user, h.HandleRenderComponent)

	handle("POST /api/v1/planner/rewrite", user, h.HandleRewritePlan)

	handle("POST /api/v1/packs/export", user, h.HandleExportPack)
	handle("POST /api/v1/packs/import", user, h.HandleImportPack)

	if mcpHandler != nil {
		mux.Handle("/mcp", mcpHandler)
		mux.Handle("/mcp/", mcpHandler)
	}

	// Outermost first: a request ID exists before anything logs, traces wrap
	// auth so failed logins still show up, recovery sits closest to the
	// handlers.
	var root http.Handler = mux
	root = recoveryMiddleware(logger, root)
	root = authMiddleware(h.jwtMgr, root)
	root = loggingMiddleware(logger, root)
	root = tracingMiddleware(root)
	root = securityHeadersMiddleware(root)
	root = requestIDMiddleware(root)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      root,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		logger: logger,
	}
}

// userKeyFunc keys rate limits by the authenticated username. Admins are
// exempt.
func userKeyFunc(r *http.Request) string {
	claims := ClaimsFromContext(r.Context())
	if claims == nil || claims.Role == model.RoleAdmin {
		return ""
	}
	return claims.Username
}

// Start runs the server until Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("http server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
