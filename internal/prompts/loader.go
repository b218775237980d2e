package prompts

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/uderia/uderia/internal/license"
	"github.com/uderia/uderia/internal/model"
	"github.com/uderia/uderia/internal/promptcrypt"
	"github.com/uderia/uderia/internal/storage"
)

// ErrTierDenied is returned when a prompt is encrypted and the caller's
// license tier may not read decrypted bodies.
var ErrTierDenied = errors.New("prompts: license tier cannot access decrypted prompts")

// PromptStore is the slice of storage the loader needs.
type PromptStore interface {
	GetPrompt(ctx context.Context, name string) (model.Prompt, error)
	GetUserPromptOverride(ctx context.Context, promptName string, userID uuid.UUID) (model.PromptOverride, error)
	GetProfilePromptOverride(ctx context.Context, promptName, profileID string) (model.PromptOverride, error)
}

// Loader fetches prompt bodies, decrypting encrypted rows with the install's
// prompt key when the caller's tier allows it.
type Loader struct {
	store PromptStore
	key   []byte // nil when no license key is configured
}

// NewLoader builds a Loader. key may be nil; encrypted prompts then fail to
// load for every tier.
func NewLoader(store PromptStore, key []byte) *Loader {
	return &Loader{store: store, key: key}
}

// Load fetches a prompt body. Encrypted rows require both an allowed tier
// and a configured key.
func (l *Loader) Load(ctx context.Context, name string, tier model.LicenseTier) (string, error) {
	p, err := l.store.GetPrompt(ctx, name)
	if err != nil {
		return "", err
	}
	if !p.Encrypted {
		return p.Content, nil
	}

	if !license.CanAccessPrompts(tier) {
		return "", ErrTierDenied
	}
	if l.key == nil {
		return "", fmt.Errorf("prompts: prompt %q is encrypted but no license key is configured", name)
	}

	plaintext, err := promptcrypt.Decrypt(p.Content, l.key)
	if err != nil {
		return "", fmt.Errorf("prompts: decrypt prompt %q: %w", name, err)
	}
	return plaintext, nil
}

// LoadForUser loads a prompt body with overrides applied: an active user
// override wins over a profile override wins over the base prompt.
// Overrides are stored in the clear, so tier gating applies only when the
// base body is used.
func (l *Loader) LoadForUser(ctx context.Context, name string, userID uuid.UUID, profileID string, tier model.LicenseTier) (string, error) {
	if userID != uuid.Nil {
		o, err := l.store.GetUserPromptOverride(ctx, name, userID)
		if err == nil {
			return o.Content, nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return "", err
		}
	}

	if profileID != "" {
		o, err := l.store.GetProfilePromptOverride(ctx, name, profileID)
		if err == nil {
			return o.Content, nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return "", err
		}
	}

	return l.Load(ctx, name, tier)
}
