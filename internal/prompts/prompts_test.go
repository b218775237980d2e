package prompts

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uderia/uderia/internal/config"
	"github.com/uderia/uderia/internal/license"
	"github.com/uderia/uderia/internal/model"
	"github.com/uderia/uderia/internal/promptcrypt"
	"github.com/uderia/uderia/internal/storage"
)

// fakeStore backs both the resolver and loader interfaces in memory.
type fakeStore struct {
	mappings         map[string]string // "profile|category|subcategory" -> prompt name
	prompts          map[string]model.Prompt
	userOverrides    map[string]string // "prompt|user" -> content
	profileOverrides map[string]string // "prompt|profile" -> content
	failMappings     bool
	lookups          int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		mappings:         map[string]string{},
		prompts:          map[string]model.Prompt{},
		userOverrides:    map[string]string{},
		profileOverrides: map[string]string{},
	}
}

func (f *fakeStore) GetMapping(_ context.Context, profileID, category, subcategory string) (model.PromptMapping, error) {
	f.lookups++
	if f.failMappings {
		return model.PromptMapping{}, fmt.Errorf("database is locked")
	}
	name, ok := f.mappings[profileID+"|"+category+"|"+subcategory]
	if !ok {
		return model.PromptMapping{}, fmt.Errorf("storage: mapping: %w", storage.ErrNotFound)
	}
	return model.PromptMapping{ProfileID: profileID, Category: category, Subcategory: subcategory, PromptName: name}, nil
}

func (f *fakeStore) GetPrompt(_ context.Context, name string) (model.Prompt, error) {
	p, ok := f.prompts[name]
	if !ok {
		return model.Prompt{}, fmt.Errorf("storage: prompt: %w", storage.ErrNotFound)
	}
	return p, nil
}

func (f *fakeStore) GetUserPromptOverride(_ context.Context, promptName string, userID uuid.UUID) (model.PromptOverride, error) {
	content, ok := f.userOverrides[promptName+"|"+userID.String()]
	if !ok {
		return model.PromptOverride{}, fmt.Errorf("storage: prompt override: %w", storage.ErrNotFound)
	}
	return model.PromptOverride{PromptName: promptName, UserID: &userID, Content: content, IsActive: true}, nil
}

func (f *fakeStore) GetProfilePromptOverride(_ context.Context, promptName, profileID string) (model.PromptOverride, error) {
	content, ok := f.profileOverrides[promptName+"|"+profileID]
	if !ok {
		return model.PromptOverride{}, fmt.Errorf("storage: prompt override: %w", storage.ErrNotFound)
	}
	return model.PromptOverride{PromptName: promptName, ProfileID: &profileID, Content: content, IsActive: true}, nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testDefaults(t *testing.T) config.Defaults {
	t.Helper()
	d, err := config.LoadDefaults("does-not-exist.json")
	require.NoError(t, err)
	return d
}

func TestResolverFallbackChain(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	d := testDefaults(t)
	d.DefaultPromptMappings["sql_generation"] = map[string]string{"": "DEFAULT_SQL_PROMPT"}
	r := NewResolver(store, &d, quietLogger())

	// Tier 3: nothing mapped, config default wins.
	name, ok := r.PromptNameForCategory(ctx, "analyst", "sql_generation", "")
	require.True(t, ok)
	assert.Equal(t, "DEFAULT_SQL_PROMPT", name)

	// Tier 2: system default beats config default.
	store.mappings[model.SystemDefaultProfileID+"|sql_generation|"] = "SYSTEM_SQL_PROMPT"
	name, ok = r.PromptNameForCategory(ctx, "analyst", "sql_generation", "")
	require.True(t, ok)
	assert.Equal(t, "SYSTEM_SQL_PROMPT", name)

	// Tier 1: the profile's own row beats everything.
	store.mappings["analyst|sql_generation|"] = "ANALYST_SQL_PROMPT"
	name, ok = r.PromptNameForCategory(ctx, "analyst", "sql_generation", "")
	require.True(t, ok)
	assert.Equal(t, "ANALYST_SQL_PROMPT", name)
}

func TestResolverSubcategoryFallback(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	store.mappings["analyst|workflow|"] = "WORKFLOW_WIDE"
	store.mappings["analyst|workflow|planning"] = "WORKFLOW_PLANNING"
	d := testDefaults(t)
	r := NewResolver(store, &d, quietLogger())

	name, ok := r.PromptNameForCategory(ctx, "analyst", "workflow", "planning")
	require.True(t, ok)
	assert.Equal(t, "WORKFLOW_PLANNING", name)

	// Unknown subcategory falls back to the category-wide row.
	name, ok = r.PromptNameForCategory(ctx, "analyst", "workflow", "review")
	require.True(t, ok)
	assert.Equal(t, "WORKFLOW_WIDE", name)
}

func TestResolverBuiltinDefaults(t *testing.T) {
	ctx := context.Background()
	d := testDefaults(t)
	r := NewResolver(newFakeStore(), &d, quietLogger())

	name, ok := r.PromptNameForCategory(ctx, "any-profile", model.CategoryGenieCoordination, "")
	require.True(t, ok)
	assert.Equal(t, "GENIE_COORDINATION_PROMPT", name)

	name, ok = r.PromptNameForCategory(ctx, "any-profile", model.CategoryConversationExecution, "")
	require.True(t, ok)
	assert.Equal(t, "CONVERSATION_EXECUTION_PROMPT", name)
}

func TestResolverNotFound(t *testing.T) {
	d := testDefaults(t)
	r := NewResolver(newFakeStore(), &d, quietLogger())

	_, ok := r.PromptNameForCategory(context.Background(), "analyst", "unknown_category", "")
	assert.False(t, ok)
}

func TestResolverStorageErrorFailsSoft(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	store.failMappings = true
	d := testDefaults(t)
	r := NewResolver(store, &d, quietLogger())

	// DB errors never surface; the config tier still answers.
	name, ok := r.PromptNameForCategory(ctx, "analyst", model.CategoryGenieCoordination, "")
	require.True(t, ok)
	assert.Equal(t, "GENIE_COORDINATION_PROMPT", name)

	_, ok = r.PromptNameForCategory(ctx, "analyst", "unknown_category", "")
	assert.False(t, ok)
}

func TestLoaderPlainAndEncrypted(t *testing.T) {
	ctx := context.Background()
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}

	token, err := promptcrypt.Encrypt("secret body", key)
	require.NoError(t, err)

	store := newFakeStore()
	store.prompts["PLAIN"] = model.Prompt{Name: "PLAIN", Content: "plain body", IsActive: true}
	store.prompts["SECRET"] = model.Prompt{Name: "SECRET", Content: token, Encrypted: true, IsActive: true}

	l := NewLoader(store, key)

	got, err := l.Load(ctx, "PLAIN", model.TierStandard)
	require.NoError(t, err)
	assert.Equal(t, "plain body", got)

	got, err = l.Load(ctx, "SECRET", model.TierEnterprise)
	require.NoError(t, err)
	assert.Equal(t, "secret body", got)

	// Standard tier may not read decrypted bodies.
	_, err = l.Load(ctx, "SECRET", model.TierStandard)
	require.ErrorIs(t, err, ErrTierDenied)

	// No key configured: encrypted prompts fail even for allowed tiers.
	noKey := NewLoader(store, nil)
	_, err = noKey.Load(ctx, "SECRET", model.TierEnterprise)
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrTierDenied)
	assert.True(t, license.CanAccessPrompts(model.TierEnterprise))
}

func TestLoaderOverridePriority(t *testing.T) {
	ctx := context.Background()
	userID := uuid.New()

	store := newFakeStore()
	store.prompts["P"] = model.Prompt{Name: "P", Content: "base", IsActive: true}
	l := NewLoader(store, nil)

	got, err := l.LoadForUser(ctx, "P", userID, "analyst", model.TierStandard)
	require.NoError(t, err)
	assert.Equal(t, "base", got)

	store.profileOverrides["P|analyst"] = "profile override"
	got, err = l.LoadForUser(ctx, "P", userID, "analyst", model.TierStandard)
	require.NoError(t, err)
	assert.Equal(t, "profile override", got)

	store.userOverrides["P|"+userID.String()] = "user override"
	got, err = l.LoadForUser(ctx, "P", userID, "analyst", model.TierStandard)
	require.NoError(t, err)
	assert.Equal(t, "user override", got)
}

func TestProfileResolverMemoization(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	store.mappings["analyst|workflow|planning"] = "PLANNING_PROMPT"
	d := testDefaults(t)
	r := NewResolver(store, &d, quietLogger())
	l := NewLoader(store, nil)

	pr := NewProfileResolver(r, l, quietLogger(), "analyst", uuid.Nil, model.TierStandard)

	name, ok := pr.ResolveName(ctx, "workflow", "planning")
	require.True(t, ok)
	assert.Equal(t, "PLANNING_PROMPT", name)
	after := store.lookups

	// Second resolution served from the memo, no new lookups.
	name, ok = pr.ResolveName(ctx, "workflow", "planning")
	require.True(t, ok)
	assert.Equal(t, "PLANNING_PROMPT", name)
	assert.Equal(t, after, store.lookups)

	// Negative results are memoized too.
	_, ok = pr.ResolveName(ctx, "nothing", "")
	assert.False(t, ok)
	after = store.lookups
	_, ok = pr.ResolveName(ctx, "nothing", "")
	assert.False(t, ok)
	assert.Equal(t, after, store.lookups)

	pr.ClearCache()
	_, _ = pr.ResolveName(ctx, "workflow", "planning")
	assert.Greater(t, store.lookups, after)
}

func TestProfileResolverContentNeverErrors(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	store.mappings["analyst|workflow|"] = "MISSING_PROMPT" // mapped but body absent
	d := testDefaults(t)
	r := NewResolver(store, &d, quietLogger())
	l := NewLoader(store, nil)
	pr := NewProfileResolver(r, l, quietLogger(), "analyst", uuid.Nil, model.TierStandard)

	assert.Nil(t, pr.Content(ctx, "workflow", ""))
	assert.Nil(t, pr.Content(ctx, "unmapped_category", ""))
}

func TestProfileResolverTypedGetters(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	store.prompts["GENIE_COORDINATION_PROMPT"] = model.Prompt{
		Name: "GENIE_COORDINATION_PROMPT", Content: `{"steps": ["plan", "delegate"]}`, IsActive: true,
	}
	store.prompts["CONVERSATION_EXECUTION_PROMPT"] = model.Prompt{
		Name: "CONVERSATION_EXECUTION_PROMPT", Content: "run the conversation", IsActive: true,
	}
	d := testDefaults(t)
	r := NewResolver(store, &d, quietLogger())
	l := NewLoader(store, nil)
	pr := NewProfileResolver(r, l, quietLogger(), "analyst", uuid.Nil, model.TierStandard)

	coord := pr.GenieCoordinationPrompt(ctx)
	obj, ok := coord.(map[string]any)
	require.True(t, ok, "JSON content should decode to a map")
	assert.Len(t, obj["steps"], 2)

	conv := pr.ConversationExecutionPrompt(ctx)
	assert.Equal(t, "run the conversation", conv)
}

func TestMaterialize(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		json bool
	}{
		{"plain string", "hello there", false},
		{"json object", `{"a": 1}`, true},
		{"json array", `[1, 2, 3]`, true},
		{"json with leading space", `  {"a": 1}`, true},
		{"malformed json", `{"a": `, false},
		{"scalar json stays raw", `42`, false},
		{"quoted scalar stays raw", `"just a string"`, false},
		{"empty", ``, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Materialize(tt.raw)
			if tt.json {
				assert.NotEqual(t, tt.raw, got)
			} else {
				assert.Equal(t, tt.raw, got)
			}
		})
	}
}
