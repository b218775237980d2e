// Package prompts resolves which prompt a profile uses for a category and
// loads the prompt body, applying overrides and decrypting at-rest content.
//
// Resolution walks a fixed fallback chain: the profile's own mapping row,
// then the system-default profile's row, then the configured defaults. Every
// tier is consulted before giving up; storage errors degrade to not-found so
// a flaky database cannot make resolution return the wrong prompt.
package prompts

import (
	"context"
	"errors"
	"log/slog"

	"github.com/uderia/uderia/internal/config"
	"github.com/uderia/uderia/internal/model"
	"github.com/uderia/uderia/internal/storage"
)

// MappingStore is the slice of storage the resolver needs.
type MappingStore interface {
	GetMapping(ctx context.Context, profileID, category, subcategory string) (model.PromptMapping, error)
}

// Resolver resolves (profile, category, subcategory) tuples to prompt names.
type Resolver struct {
	store    MappingStore
	defaults *config.Defaults
	logger   *slog.Logger
}

// NewResolver builds a Resolver over the mapping store and config defaults.
func NewResolver(store MappingStore, defaults *config.Defaults, logger *slog.Logger) *Resolver {
	return &Resolver{store: store, defaults: defaults, logger: logger}
}

// PromptNameForCategory resolves the prompt name for a profile and category.
// The boolean reports whether any tier produced a name.
func (r *Resolver) PromptNameForCategory(ctx context.Context, profileID, category, subcategory string) (string, bool) {
	// Tier 1: the profile's own mapping.
	if name, ok := r.lookupMapping(ctx, profileID, category, subcategory); ok {
		return name, true
	}

	// Tier 2: the system-default profile.
	if profileID != model.SystemDefaultProfileID {
		if name, ok := r.lookupMapping(ctx, model.SystemDefaultProfileID, category, subcategory); ok {
			return name, true
		}
	}

	// Tier 3: configured defaults (with built-in merge-ins).
	if name, ok := r.defaults.PromptNameFor(category, subcategory); ok {
		return name, true
	}

	r.logger.Debug("prompt resolution exhausted all tiers",
		"profile_id", profileID, "category", category, "subcategory", subcategory)
	return "", false
}

// lookupMapping consults one (profile, category, subcategory) tuple, falling
// back to the category-wide row when the subcategory row is absent. Storage
// errors are logged and treated as not-found.
func (r *Resolver) lookupMapping(ctx context.Context, profileID, category, subcategory string) (string, bool) {
	m, err := r.store.GetMapping(ctx, profileID, category, subcategory)
	if err == nil {
		return m.PromptName, true
	}
	if !errors.Is(err, storage.ErrNotFound) {
		r.logger.Warn("prompt mapping lookup failed, treating as not found",
			"profile_id", profileID, "category", category, "subcategory", subcategory, "error", err)
		return "", false
	}

	if subcategory != "" {
		m, err = r.store.GetMapping(ctx, profileID, category, "")
		if err == nil {
			return m.PromptName, true
		}
		if !errors.Is(err, storage.ErrNotFound) {
			r.logger.Warn("prompt mapping lookup failed, treating as not found",
				"profile_id", profileID, "category", category, "error", err)
		}
	}
	return "", false
}
