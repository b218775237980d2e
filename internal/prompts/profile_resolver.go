package prompts

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/uderia/uderia/internal/model"
)

// ProfileResolver is the per-profile facade used by request handlers and
// the MCP tools. It memoizes resolved names for its profile and never
// returns an error: any failure yields nil content, and the caller falls
// back to its own built-in behavior.
type ProfileResolver struct {
	resolver *Resolver
	loader   *Loader
	logger   *slog.Logger

	profileID string
	userID    uuid.UUID
	tier      model.LicenseTier

	mu    sync.Mutex
	names map[[2]string]string // (category, subcategory) -> resolved name; "" = resolved to nothing
}

// NewProfileResolver builds a facade bound to one profile and caller.
func NewProfileResolver(resolver *Resolver, loader *Loader, logger *slog.Logger, profileID string, userID uuid.UUID, tier model.LicenseTier) *ProfileResolver {
	return &ProfileResolver{
		resolver:  resolver,
		loader:    loader,
		logger:    logger,
		profileID: profileID,
		userID:    userID,
		tier:      tier,
		names:     make(map[[2]string]string),
	}
}

// ProfileID returns the bound profile slug.
func (pr *ProfileResolver) ProfileID() string {
	return pr.profileID
}

// ResolveName returns the memoized prompt name for a category tuple.
func (pr *ProfileResolver) ResolveName(ctx context.Context, category, subcategory string) (string, bool) {
	key := [2]string{category, subcategory}

	pr.mu.Lock()
	if name, ok := pr.names[key]; ok {
		pr.mu.Unlock()
		return name, name != ""
	}
	pr.mu.Unlock()

	name, ok := pr.resolver.PromptNameForCategory(ctx, pr.profileID, category, subcategory)
	if !ok {
		name = ""
	}

	pr.mu.Lock()
	pr.names[key] = name
	pr.mu.Unlock()
	return name, ok
}

// Content resolves and loads a category's prompt, materializing JSON bodies.
// The result is a decoded object for JSON content, the raw string otherwise,
// and nil when resolution or loading fails.
func (pr *ProfileResolver) Content(ctx context.Context, category, subcategory string) any {
	name, ok := pr.ResolveName(ctx, category, subcategory)
	if !ok {
		return nil
	}

	raw, err := pr.loader.LoadForUser(ctx, name, pr.userID, pr.profileID, pr.tier)
	if err != nil {
		pr.logger.Warn("prompt load failed",
			"profile_id", pr.profileID, "prompt", name, "category", category, "error", err)
		return nil
	}
	return Materialize(raw)
}

// MasterSystemPrompt returns the profile's master system prompt, if mapped.
func (pr *ProfileResolver) MasterSystemPrompt(ctx context.Context) any {
	return pr.Content(ctx, "master_system", "")
}

// WorkflowPrompt returns the prompt for a named workflow phase.
func (pr *ProfileResolver) WorkflowPrompt(ctx context.Context, phase string) any {
	return pr.Content(ctx, "workflow", phase)
}

// GenieCoordinationPrompt returns the coordination prompt used when this
// profile delegates to children.
func (pr *ProfileResolver) GenieCoordinationPrompt(ctx context.Context) any {
	return pr.Content(ctx, model.CategoryGenieCoordination, "")
}

// ConversationExecutionPrompt returns the conversation execution prompt.
func (pr *ProfileResolver) ConversationExecutionPrompt(ctx context.Context) any {
	return pr.Content(ctx, model.CategoryConversationExecution, "")
}

// ClearCache drops memoized names, forcing re-resolution on next use.
func (pr *ProfileResolver) ClearCache() {
	pr.mu.Lock()
	pr.names = make(map[[2]string]string)
	pr.mu.Unlock()
}

// Materialize decodes JSON prompt content when the body is a JSON object or
// array, otherwise returns the raw string. Scalar JSON (numbers, quoted
// strings) stays raw: a prompt body of "42" is a prompt, not a number.
func Materialize(raw string) any {
	trimmed := firstNonSpace(raw)
	if trimmed != '{' && trimmed != '[' {
		return raw
	}
	var decoded any
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		return raw
	}
	return decoded
}

func firstNonSpace(s string) byte {
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case ' ', '\t', '\n', '\r':
			continue
		default:
			return s[i]
		}
	}
	return 0
}
