package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"

	"github.com/uderia/uderia/internal/auth"
	"github.com/uderia/uderia/internal/component"
	"github.com/uderia/uderia/internal/extension"
	"github.com/uderia/uderia/internal/model"
	"github.com/uderia/uderia/internal/pack"
	"github.com/uderia/uderia/internal/prompts"
	"github.com/uderia/uderia/internal/rag"
	"github.com/uderia/uderia/internal/storage"
)

// VectorSearcher is the vector-store surface the handlers need: similarity
// queries and a liveness probe. Implemented by rag.CaseStore.
type VectorSearcher interface {
	Query(ctx context.Context, embedding []float32, filter *qdrant.Filter, limit int) ([]model.CaseResult, error)
	Healthy(ctx context.Context) error
}

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	db          *storage.DB
	jwtMgr      *auth.JWTManager
	resolver    *prompts.Resolver
	loader      *prompts.Loader
	promptKey   []byte // encrypts prompt bodies saved with encrypt=true; nil disables
	embedder    rag.Provider
	vectors     VectorSearcher // nil = vector store not configured
	runner      *extension.Runner
	extRegistry *extension.Registry
	components  *component.Manager
	exporter    *pack.Exporter
	importer    *pack.Importer
	logger      *slog.Logger
	startedAt   time.Time
	version     string

	maxRequestBodyBytes int64
	maxPackBytes        int64
}

// HandlersDeps holds all dependencies for constructing Handlers.
// Optional (nil-safe): PromptKey, Embedder, Vectors, Exporter, Importer.
type HandlersDeps struct {
	DB          *storage.DB
	JWTMgr      *auth.JWTManager
	Resolver    *prompts.Resolver
	Loader      *prompts.Loader
	PromptKey   []byte
	Embedder    rag.Provider
	Vectors     VectorSearcher
	Runner      *extension.Runner
	ExtRegistry *extension.Registry
	Components  *component.Manager
	Exporter    *pack.Exporter
	Importer    *pack.Importer
	Logger      *slog.Logger
	Version     string

	MaxRequestBodyBytes int64
	MaxPackBytes        int64
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	return &Handlers{
		db:                  d.DB,
		jwtMgr:              d.JWTMgr,
		resolver:            d.Resolver,
		loader:              d.Loader,
		promptKey:           d.PromptKey,
		embedder:            d.Embedder,
		vectors:             d.Vectors,
		runner:              d.Runner,
		extRegistry:         d.ExtRegistry,
		components:          d.Components,
		exporter:            d.Exporter,
		importer:            d.Importer,
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
		maxPackBytes:        d.MaxPackBytes,
	}
}

// HandleAuthToken handles POST /api/v1/auth/token.
func (h *Handlers) HandleAuthToken(w http.ResponseWriter, r *http.Request) {
	var req model.AuthTokenRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.Username == "" || req.APIKey == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "username and api_key are required")
		return
	}

	user, err := h.db.GetUserByUsername(r.Context(), req.Username)
	if err != nil || user.CredHash == nil || !user.IsActive {
		// Burn the same time as a real verification so a missing username
		// is indistinguishable from a wrong key.
		auth.DummyVerify()
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
		return
	}

	valid, err := auth.VerifyAPIKey(req.APIKey, *user.CredHash)
	if err != nil || !valid {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
		return
	}

	token, expiresAt, err := h.jwtMgr.IssueToken(user)
	if err != nil {
		h.writeInternalError(w, r, "failed to issue token", err)
		return
	}

	if err := h.db.TouchUserLogin(r.Context(), user.ID); err != nil {
		h.logger.Warn("failed to record login", "username", user.Username, "error", err)
	}

	writeJSON(w, r, http.StatusOK, model.AuthTokenResponse{
		Token:     token,
		ExpiresAt: expiresAt,
	})
}

// HandleAuthRefresh handles POST /api/v1/auth/refresh. Requires a valid
// token; re-reads the user so role or tier changes take effect immediately.
func (h *Handlers) HandleAuthRefresh(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())

	user, err := h.db.GetUser(r.Context(), claims.UserID())
	if err != nil {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "account no longer exists")
		return
	}
	if !user.IsActive {
		writeError(w, r, http.StatusForbidden, model.ErrCodeForbidden, "account is deactivated")
		return
	}

	token, expiresAt, err := h.jwtMgr.IssueToken(user)
	if err != nil {
		h.writeInternalError(w, r, "failed to issue token", err)
		return
	}
	writeJSON(w, r, http.StatusOK, model.AuthTokenResponse{
		Token:     token,
		ExpiresAt: expiresAt,
	})
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	dbStatus := "connected"
	status := "healthy"
	httpStatus := http.StatusOK

	if err := h.db.Ping(r.Context()); err != nil {
		dbStatus = "disconnected"
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}

	depth, err := h.db.OutboxDepth(r.Context())
	if err != nil {
		depth = -1
	}

	resp := model.HealthResponse{
		Status:      status,
		Version:     h.version,
		Database:    dbStatus,
		OutboxDepth: depth,
		Uptime:      int64(time.Since(h.startedAt).Seconds()),
	}

	if h.vectors != nil {
		if err := h.vectors.Healthy(r.Context()); err == nil {
			resp.VectorStore = "connected"
		} else {
			resp.VectorStore = "disconnected"
			if status == "healthy" {
				resp.Status = "degraded"
			}
		}
	}

	writeJSON(w, r, httpStatus, resp)
}

// SeedAdmin creates the initial admin user if the users table is empty.
func (h *Handlers) SeedAdmin(ctx context.Context, adminAPIKey string) error {
	users, err := h.db.ListUsers(ctx, 1, 0)
	if err != nil {
		return fmt.Errorf("seed admin: list users: %w", err)
	}
	if len(users) > 0 {
		h.logger.Info("users table not empty, skipping admin seed")
		return nil
	}
	if adminAPIKey == "" {
		return fmt.Errorf("seed admin: UDERIA_ADMIN_API_KEY is empty and no users exist; set it to bootstrap initial admin access")
	}

	hash, err := auth.HashAPIKey(adminAPIKey)
	if err != nil {
		return fmt.Errorf("seed admin: hash key: %w", err)
	}

	_, err = h.db.CreateUser(ctx, model.User{
		Username: "admin",
		Role:     model.RoleAdmin,
		Tier:     model.TierEnterprise,
		CredHash: &hash,
		IsActive: true,
	})
	if err != nil {
		return fmt.Errorf("seed admin: create user: %w", err)
	}

	h.logger.Info("seeded initial admin user")
	return nil
}

// HandleCreateUser handles POST /api/v1/admin/users.
func (h *Handlers) HandleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req model.CreateUserRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := model.ValidateUsername(req.Username); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	if !model.ValidRole(req.Role) {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "unknown role: "+string(req.Role))
		return
	}
	if req.APIKey == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "api_key is required")
		return
	}
	tier := req.Tier
	if tier == "" {
		tier = model.TierStandard
	}

	hash, err := auth.HashAPIKey(req.APIKey)
	if err != nil {
		h.writeInternalError(w, r, "failed to hash api key", err)
		return
	}

	user, err := h.db.CreateUser(r.Context(), model.User{
		Username: req.Username,
		Role:     req.Role,
		Tier:     tier,
		CredHash: &hash,
		IsActive: true,
		Metadata: req.Metadata,
	})
	if err != nil {
		if errors.Is(err, storage.ErrConflict) {
			writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "username already exists")
			return
		}
		h.writeInternalError(w, r, "failed to create user", err)
		return
	}
	writeJSON(w, r, http.StatusCreated, user)
}

// HandleListUsers handles GET /api/v1/admin/users.
func (h *Handlers) HandleListUsers(w http.ResponseWriter, r *http.Request) {
	limit := queryLimit(r, 50)
	offset := queryOffset(r)
	users, err := h.db.ListUsers(r.Context(), limit, offset)
	if err != nil {
		h.writeInternalError(w, r, "failed to list users", err)
		return
	}
	writeList(w, r, users, len(users), limit, offset)
}

// HandleUpdateUser handles PATCH /api/v1/admin/users/{user_id}.
func (h *Handlers) HandleUpdateUser(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDPath(r, "user_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	var req model.UpdateUserRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	if req.Role != nil {
		if !model.ValidRole(*req.Role) {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "unknown role: "+string(*req.Role))
			return
		}
		if err := h.db.UpdateUserRole(r.Context(), id, *req.Role); err != nil {
			h.writeStorageError(w, r, "failed to update role", err)
			return
		}
	}
	if req.Tier != nil {
		if err := h.db.UpdateUserTier(r.Context(), id, *req.Tier); err != nil {
			h.writeStorageError(w, r, "failed to update tier", err)
			return
		}
	}

	user, err := h.db.GetUser(r.Context(), id)
	if err != nil {
		h.writeStorageError(w, r, "failed to load user", err)
		return
	}
	writeJSON(w, r, http.StatusOK, user)
}

// HandleDeactivateUser handles DELETE /api/v1/admin/users/{user_id}.
func (h *Handlers) HandleDeactivateUser(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDPath(r, "user_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	if err := h.db.DeactivateUser(r.Context(), id); err != nil {
		h.writeStorageError(w, r, "failed to deactivate user", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Shared helpers ---

func (h *Handlers) writeInternalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	h.logger.Error(msg, "error", err, "request_id", RequestIDFromContext(r.Context()))
	writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, msg)
}

// writeStorageError maps storage sentinels to HTTP statuses, defaulting to 500.
func (h *Handlers) writeStorageError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "not found")
	case errors.Is(err, storage.ErrConflict):
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "conflict")
	default:
		h.writeInternalError(w, r, msg, err)
	}
}

func parseUUIDPath(r *http.Request, key string) (uuid.UUID, error) {
	raw := r.PathValue(key)
	if raw == "" {
		return uuid.Nil, fmt.Errorf("%s is required", key)
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid %s: %s", key, raw)
	}
	return id, nil
}

func parseInt64Path(r *http.Request, key string) (int64, error) {
	raw := r.PathValue(key)
	if raw == "" {
		return 0, fmt.Errorf("%s is required", key)
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %s", key, raw)
	}
	return id, nil
}

// maxQueryLimit is the maximum allowed value for limit query parameters.
const maxQueryLimit = 200

func queryInt(r *http.Request, key string, defaultVal int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

// queryOffset returns a non-negative offset from query params.
func queryOffset(r *http.Request) int {
	offset := queryInt(r, "offset", 0)
	if offset < 0 {
		return 0
	}
	return offset
}

// queryLimit returns a bounded limit value from query params.
// Values are clamped to [1, maxQueryLimit].
func queryLimit(r *http.Request, defaultVal int) int {
	limit := queryInt(r, "limit", defaultVal)
	if limit < 1 {
		return 1
	}
	if limit > maxQueryLimit {
		return maxQueryLimit
	}
	return limit
}
