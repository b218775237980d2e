package model

import (
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
)

// SystemDefaultProfileID is the sentinel profile_id for the system-default
// tier of the prompt mapping fallback chain. A mapping row with this profile
// applies to every profile that has no profile-specific row.
const SystemDefaultProfileID = "__system_default__"

// Prompt categories with built-in fallbacks merged in by the resolver even
// when the defaults file omits them.
const (
	CategoryGenieCoordination     = "genie_coordination"
	CategoryConversationExecution = "conversation_execution"
)

// Prompt is a named prompt body. Content is either a plain string or a
// JSON-encoded object; consumers JSON-parse first and fall back to the raw
// string. Encrypted prompts hold a promptcrypt token in Content.
type Prompt struct {
	Name      string    `json:"name"`
	Content   string    `json:"content"`
	Encrypted bool      `json:"encrypted"`
	Version   int       `json:"version"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PromptVersion is one historical revision of a prompt. A row is appended on
// every save; prompt history is never hard-deleted.
type PromptVersion struct {
	ID         int64     `json:"id"`
	PromptName string    `json:"prompt_name"`
	Version    int       `json:"version"`
	Content    string    `json:"content"`
	Encrypted  bool      `json:"encrypted"`
	EditedBy   uuid.UUID `json:"edited_by"`
	CreatedAt  time.Time `json:"created_at"`
}

// PromptOverride layers replacement content above a base prompt, scoped to
// either a user or a profile. Priority: user override > profile override >
// profile mapping > system default.
type PromptOverride struct {
	ID         int64      `json:"id"`
	PromptName string     `json:"prompt_name"`
	UserID     *uuid.UUID `json:"user_id,omitempty"`
	ProfileID  *string    `json:"profile_id,omitempty"`
	Content    string     `json:"content"`
	IsActive   bool       `json:"is_active"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// PromptMapping routes (profile, category, subcategory) to a prompt name.
// Resolution order: profile-specific row, then the SystemDefaultProfileID
// row, then the configured default; first hit wins.
type PromptMapping struct {
	ID          int64     `json:"id"`
	ProfileID   string    `json:"profile_id"`
	Category    string    `json:"category"`
	Subcategory string    `json:"subcategory"`
	PromptName  string    `json:"prompt_name"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

const (
	// MaxPromptNameLen bounds prompt names; they appear in mapping rows,
	// version history, and pack manifests.
	MaxPromptNameLen = 200

	// MaxPromptContentLen caps a prompt body at 256 KB. Larger bodies would
	// blow up the context window of every provider anyway.
	MaxPromptContentLen = 256 * 1024
)

var categoryRe = regexp.MustCompile(`^[a-z][a-z0-9_]{0,99}$`)

// ValidatePromptName checks a prompt name is non-empty and bounded.
func ValidatePromptName(name string) error {
	if name == "" {
		return fmt.Errorf("prompt name must not be empty")
	}
	if len(name) > MaxPromptNameLen {
		return fmt.Errorf("prompt name exceeds %d characters", MaxPromptNameLen)
	}
	return nil
}

// ValidateCategory checks category/subcategory format: snake_case, lowercase,
// up to 100 chars. Subcategory may be empty (category-wide mapping).
func ValidateCategory(category, subcategory string) error {
	if !categoryRe.MatchString(category) {
		return fmt.Errorf("invalid category %q: must be lowercase snake_case", category)
	}
	if subcategory != "" && !categoryRe.MatchString(subcategory) {
		return fmt.Errorf("invalid subcategory %q: must be lowercase snake_case", subcategory)
	}
	return nil
}

// ValidatePromptContent checks the body size cap.
func ValidatePromptContent(content string) error {
	if len(content) > MaxPromptContentLen {
		return fmt.Errorf("prompt content exceeds %d bytes", MaxPromptContentLen)
	}
	return nil
}
