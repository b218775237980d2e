// Package pack implements agent packs: portable ZIP bundles carrying a set
// of profiles, their prompt mappings and prompt bodies, and the knowledge
// collections (with documents) that back them. A pack exported from one
// deployment imports into another with all embedded IDs remapped.
package pack

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// File names inside the pack ZIP.
const (
	ManifestFile           = "pack_manifest.json"
	CollectionMetadataFile = "collection_metadata.json"
	DocumentsFile          = "documents.json"
)

// FormatVersion is bumped when the pack layout changes incompatibly.
const FormatVersion = 1

// Manifest is the top-level pack descriptor.
type Manifest struct {
	FormatVersion int          `json:"format_version"`
	PackID        uuid.UUID    `json:"pack_id"`
	Name          string       `json:"name"`
	Description   string       `json:"description,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
	Profiles      []ProfileDef `json:"profiles"`
	Prompts       []PromptDef  `json:"prompts,omitempty"`
	Mappings      []MappingDef `json:"mappings,omitempty"`
}

// ProfileDef is a profile definition bundled in a pack.
type ProfileDef struct {
	ID       string         `json:"id"`
	Name     string         `json:"name"`
	Kind     string         `json:"kind"`
	Provider string         `json:"provider,omitempty"`
	Model    string         `json:"model,omitempty"`
	ParentID *string        `json:"parent_id,omitempty"`
	Settings map[string]any `json:"settings,omitempty"`
}

// PromptDef is a prompt body bundled in a pack. Packs carry prompts in the
// clear; encryption state is deployment-local and never exported.
type PromptDef struct {
	Name    string `json:"name"`
	Content string `json:"content"`
}

// MappingDef routes (profile, category, subcategory) to a prompt name
// inside the pack.
type MappingDef struct {
	ProfileID   string `json:"profile_id"`
	Category    string `json:"category"`
	Subcategory string `json:"subcategory,omitempty"`
	PromptName  string `json:"prompt_name"`
}

// CollectionMetadata is the collection_metadata.json payload.
type CollectionMetadata struct {
	Collections []CollectionDef `json:"collections"`
}

// CollectionDef describes one bundled knowledge collection. OriginalID is
// the collection's ID in the exporting deployment; the importer assigns a
// fresh ID and remaps document references.
type CollectionDef struct {
	OriginalID  int64   `json:"original_id"`
	Name        string  `json:"name"`
	Description string  `json:"description,omitempty"`
	ProfileID   *string `json:"profile_id,omitempty"`
	Visibility  string  `json:"visibility,omitempty"`
}

// Documents is the documents.json payload.
type Documents struct {
	Documents []DocumentDef `json:"documents"`
}

// DocumentDef is one RAG case bundled in a pack. OriginalID and
// CollectionID refer to the exporting deployment and are remapped on import.
type DocumentDef struct {
	OriginalID   uuid.UUID      `json:"original_id"`
	CollectionID int64          `json:"collection_id"`
	Question     string         `json:"question"`
	Answer       string         `json:"answer"`
	Tool         string         `json:"tool,omitempty"`
	Quality      float32        `json:"quality,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// ConflictStrategy controls what an import does when a pack resource's name
// or slug already exists.
type ConflictStrategy string

const (
	ConflictSkip      ConflictStrategy = "skip"
	ConflictOverwrite ConflictStrategy = "overwrite"
	ConflictRename    ConflictStrategy = "rename"
)

// Validate checks the strategy is one of the known values. An empty strategy
// defaults to skip.
func (s ConflictStrategy) Validate() error {
	switch s {
	case "", ConflictSkip, ConflictOverwrite, ConflictRename:
		return nil
	}
	return fmt.Errorf("pack: unknown conflict strategy %q", s)
}

// Validate checks structural manifest invariants before an import touches
// storage.
func (m *Manifest) Validate() error {
	if m.FormatVersion != FormatVersion {
		return fmt.Errorf("pack: unsupported format version %d", m.FormatVersion)
	}
	if m.Name == "" {
		return fmt.Errorf("pack: manifest missing name")
	}
	profiles := make(map[string]bool, len(m.Profiles))
	for _, p := range m.Profiles {
		if p.ID == "" {
			return fmt.Errorf("pack: profile with empty id")
		}
		if profiles[p.ID] {
			return fmt.Errorf("pack: duplicate profile id %q", p.ID)
		}
		profiles[p.ID] = true
	}
	for _, p := range m.Profiles {
		if p.ParentID != nil && !profiles[*p.ParentID] {
			return fmt.Errorf("pack: profile %q references parent %q not in pack", p.ID, *p.ParentID)
		}
	}
	prompts := make(map[string]bool, len(m.Prompts))
	for _, p := range m.Prompts {
		if p.Name == "" {
			return fmt.Errorf("pack: prompt with empty name")
		}
		prompts[p.Name] = true
	}
	for _, mapping := range m.Mappings {
		if !profiles[mapping.ProfileID] {
			return fmt.Errorf("pack: mapping references profile %q not in pack", mapping.ProfileID)
		}
		if !prompts[mapping.PromptName] {
			return fmt.Errorf("pack: mapping references prompt %q not in pack", mapping.PromptName)
		}
	}
	return nil
}
