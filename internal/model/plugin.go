package model

import (
	"time"

	"github.com/google/uuid"
)

// ExtensionSetting is the persisted per-extension configuration: whether the
// extension participates in the post-answer pipeline and its stored options.
// Rows are soft-disabled via IsActive, never deleted.
type ExtensionSetting struct {
	ID        int64          `json:"id"`
	Name      string         `json:"name"`
	IsActive  bool           `json:"is_active"`
	Position  int            `json:"position"` // pipeline order; lower runs first
	Options   map[string]any `json:"options,omitempty"`
	UsesLLM   bool           `json:"uses_llm"` // LLM credentials injected at run time
	UpdatedBy uuid.UUID      `json:"updated_by"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// ComponentSetting is the persisted per-component (chart/canvas renderer)
// configuration.
type ComponentSetting struct {
	ID        int64          `json:"id"`
	Name      string         `json:"name"`
	IsActive  bool           `json:"is_active"`
	Options   map[string]any `json:"options,omitempty"`
	UpdatedBy uuid.UUID      `json:"updated_by"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// PackResource records one resource materialized by an agent-pack import,
// so the import can be audited and unwound.
type PackResource struct {
	ID           int64     `json:"id"`
	PackID       uuid.UUID `json:"pack_id"`
	ResourceType string    `json:"resource_type"` // "profile", "collection", "prompt"
	ResourceID   string    `json:"resource_id"`
	OriginalID   string    `json:"original_id"` // ID inside the pack before remapping
	ImportedBy   uuid.UUID `json:"imported_by"`
	CreatedAt    time.Time `json:"created_at"`
}
