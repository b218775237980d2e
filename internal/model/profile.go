package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ProfileKind distinguishes plain agent profiles from genie coordinators.
// A genie profile can delegate work to its child profiles.
type ProfileKind string

const (
	ProfileKindAgent ProfileKind = "agent"
	ProfileKindGenie ProfileKind = "genie"
)

// Profile is an agent configuration: which LLM provider it talks to, which
// prompts it resolves, and (for genies) which child profiles it coordinates.
type Profile struct {
	ID          string         `json:"id"` // caller-visible slug, e.g. "sales-analyst"
	OwnerID     uuid.UUID      `json:"owner_id"`
	Name        string         `json:"name"`
	Kind        ProfileKind    `json:"kind"`
	Provider    string         `json:"provider"` // "gemini", "ollama"; empty = server default
	Model       string         `json:"model,omitempty"`
	ParentID    *string        `json:"parent_id,omitempty"` // set on children of a genie
	IsActive    bool           `json:"is_active"`
	Settings    map[string]any `json:"settings,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// MaxProfileIDLen bounds profile slugs; they are embedded in mapping rows
// and pack manifests.
const MaxProfileIDLen = 128

// ValidateProfileID checks slug format: non-empty, bounded, no whitespace.
func ValidateProfileID(id string) error {
	if id == "" {
		return fmt.Errorf("profile id must not be empty")
	}
	if len(id) > MaxProfileIDLen {
		return fmt.Errorf("profile id exceeds %d characters", MaxProfileIDLen)
	}
	for _, r := range id {
		if r == ' ' || r == '\t' || r == '\n' {
			return fmt.Errorf("profile id must not contain whitespace")
		}
	}
	return nil
}

// ProfileRelationships describes what references a profile, for
// deletion-safety checks before a profile is deactivated.
type ProfileRelationships struct {
	ProfileID      string   `json:"profile_id"`
	ChildProfiles  []string `json:"child_profiles"`
	PromptMappings int      `json:"prompt_mappings"`
	Collections    []int64  `json:"collections"`
	PackImports    int      `json:"pack_imports"`
}

// SafeToDelete reports whether nothing references the profile.
func (r ProfileRelationships) SafeToDelete() bool {
	return len(r.ChildProfiles) == 0 && r.PromptMappings == 0 &&
		len(r.Collections) == 0 && r.PackImports == 0
}
