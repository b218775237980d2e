package model

import (
	"time"

	"github.com/google/uuid"
)

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// ListResponse is the standard envelope for paginated list endpoints.
type ListResponse struct {
	Data    any          `json:"data"`
	Total   *int         `json:"total,omitempty"`
	HasMore bool         `json:"has_more"`
	Limit   int          `json:"limit"`
	Offset  int          `json:"offset"`
	Meta    ResponseMeta `json:"meta"`
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
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeUnauthorized  = "UNAUTHORIZED"
	ErrCodeForbidden     = "FORBIDDEN"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeConflict      = "CONFLICT"
	ErrCodeInternalError = "INTERNAL_ERROR"
	ErrCodeRateLimited   = "RATE_LIMITED"
)

// AuthTokenRequest is the request body for POST /api/v1/auth/token.
type AuthTokenRequest struct {
	Username string `json:"username"`
	APIKey   string `json:"api_key"`
}

// AuthTokenResponse is the response for POST /api/v1/auth/token.
type AuthTokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// CreateUserRequest is the request body for POST /api/v1/admin/users.
type CreateUserRequest struct {
	Username string         `json:"username"`
	Role     UserRole       `json:"role"`
	Tier     LicenseTier    `json:"tier,omitempty"`
	APIKey   string         `json:"api_key"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// UpdateUserRequest is the request body for PATCH /api/v1/admin/users/{id}.
// Only non-nil fields are applied.
type UpdateUserRequest struct {
	Role *UserRole    `json:"role,omitempty"`
	Tier *LicenseTier `json:"tier,omitempty"`
}

// CreateProfileRequest is the request body for POST /api/v1/profiles.
type CreateProfileRequest struct {
	ID       string         `json:"id"`
	Name     string         `json:"name"`
	Kind     ProfileKind    `json:"kind,omitempty"`
	Provider string         `json:"provider,omitempty"`
	Model    string         `json:"model,omitempty"`
	ParentID *string        `json:"parent_id,omitempty"`
	Settings map[string]any `json:"settings,omitempty"`
}

// UpdateProfileRequest is the request body for PATCH /api/v1/profiles/{id}.
// Only non-nil fields are applied.
type UpdateProfileRequest struct {
	Name     *string        `json:"name,omitempty"`
	Provider *string        `json:"provider,omitempty"`
	Model    *string        `json:"model,omitempty"`
	ParentID *string        `json:"parent_id,omitempty"` // empty string detaches
	Settings map[string]any `json:"settings,omitempty"`
}

// SavePromptRequest is the request body for PUT /api/v1/prompts/{name}.
type SavePromptRequest struct {
	Content string `json:"content"`
	Encrypt bool   `json:"encrypt,omitempty"`
}

// SetPromptOverrideRequest is the request body for PUT /api/v1/prompt-overrides.
// Exactly one of UserID or ProfileID scopes the override.
type SetPromptOverrideRequest struct {
	PromptName string     `json:"prompt_name"`
	UserID     *uuid.UUID `json:"user_id,omitempty"`
	ProfileID  *string    `json:"profile_id,omitempty"`
	Content    string     `json:"content"`
}

// SetMappingRequest is the request body for PUT /api/v1/prompt-mappings.
type SetMappingRequest struct {
	ProfileID   string `json:"profile_id"`
	Category    string `json:"category"`
	Subcategory string `json:"subcategory,omitempty"`
	PromptName  string `json:"prompt_name"`
}

// ResolvePromptResponse is the response for GET /api/v1/profiles/{id}/prompts/{category}.
type ResolvePromptResponse struct {
	ProfileID   string `json:"profile_id"`
	Category    string `json:"category"`
	Subcategory string `json:"subcategory,omitempty"`
	PromptName  string `json:"prompt_name"`
	Content     any    `json:"content,omitempty"` // string or decoded JSON object
}

// CreateCollectionRequest is the request body for POST /api/v1/collections.
type CreateCollectionRequest struct {
	Name        string               `json:"name"`
	Description string               `json:"description,omitempty"`
	ProfileID   *string              `json:"profile_id,omitempty"`
	Visibility  CollectionVisibility `json:"visibility,omitempty"`
}

// UpdateCollectionRequest is the request body for PATCH /api/v1/collections/{id}.
type UpdateCollectionRequest struct {
	Visibility CollectionVisibility `json:"visibility"`
}

// StoreCaseRequest is the request body for POST /api/v1/collections/{id}/cases.
type StoreCaseRequest struct {
	Question string         `json:"question"`
	Answer   string         `json:"answer"`
	Tool     string         `json:"tool,omitempty"`
	Quality  float32        `json:"quality,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// QueryCasesRequest is the request body for POST /api/v1/collections/{id}/query.
type QueryCasesRequest struct {
	Query      string  `json:"query"`
	Tool       *string `json:"tool,omitempty"`
	QualityMin *float32 `json:"quality_min,omitempty"`
	Limit      int     `json:"limit,omitempty"`
}

// CaseResult is a single retrieved case with its similarity score.
type CaseResult struct {
	Case            RAGCase `json:"case"`
	SimilarityScore float32 `json:"similarity_score"`
}

// RunExtensionsRequest is the request body for POST /api/v1/extensions/run.
type RunExtensionsRequest struct {
	Answer     string          `json:"answer"`
	ProfileID  string          `json:"profile_id,omitempty"`
	Extensions []ExtensionSpec `json:"extensions,omitempty"` // empty = active settings order
}

// ExtensionSpec names one extension invocation in a pipeline request.
type ExtensionSpec struct {
	Name  string         `json:"name"`
	Param map[string]any `json:"param,omitempty"`
}

// UpdateSettingRequest is the request body for PATCH on extension/component settings.
type UpdateSettingRequest struct {
	IsActive *bool          `json:"is_active,omitempty"`
	Position *int           `json:"position,omitempty"`
	Options  map[string]any `json:"options,omitempty"`
}

// ExportPackRequest is the request body for POST /api/v1/packs/export.
type ExportPackRequest struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	ProfileIDs  []string `json:"profile_ids"`
}

// RenderComponentRequest is the request body for POST /api/v1/components/{name}/render.
type RenderComponentRequest struct {
	Input map[string]any `json:"input"`
}

// RewritePlanRequest is the request body for POST /api/v1/planner/rewrite.
// Phases are free-form plan maps; the planner only inspects the keys it
// understands.
type RewritePlanRequest struct {
	Phases []map[string]any `json:"phases"`
}

// RewritePlanResponse carries the rewritten plan.
type RewritePlanResponse struct {
	Phases []map[string]any `json:"phases"`
}

// ImportPackResponse reports what an agent-pack import materialized.
type ImportPackResponse struct {
	PackID      uuid.UUID         `json:"pack_id"`
	Profiles    []string          `json:"profiles"`
	Collections []int64           `json:"collections"`
	Prompts     []string          `json:"prompts"`
	Skipped     []string          `json:"skipped,omitempty"`
	Renamed     map[string]string `json:"renamed,omitempty"`
}

// HealthResponse is the response for GET /health.
type HealthResponse struct {
	Status      string `json:"status"`
	Version     string `json:"version"`
	Database    string `json:"database"`
	VectorStore string `json:"vector_store,omitempty"`
	OutboxDepth int    `json:"outbox_depth"`
	Uptime      int64  `json:"uptime_seconds"`
}
