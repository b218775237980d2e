package storage_test

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uderia/uderia/internal/model"
	"github.com/uderia/uderia/internal/storage"
)

// testDB holds a shared test database for all tests in this package.
var testDB *storage.DB

func TestMain(m *testing.M) {
	ctx := context.Background()

	dir, err := os.MkdirTemp("", "uderia-storage-test")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create temp dir: %v\n", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	testDB, err = storage.Open(ctx, filepath.Join(dir, "uderia_auth.db"), logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open database: %v\n", err)
		os.Exit(1)
	}

	if err := testDB.RunMigrations(ctx, os.DirFS("../../migrations")); err != nil {
		fmt.Fprintf(os.Stderr, "failed to run migrations: %v\n", err)
		os.Exit(1)
	}

	code := m.Run()

	testDB.Close()
	_ = os.RemoveAll(dir)
	os.Exit(code)
}

// mustCreateUser inserts a throwaway active user for foreign keys.
func mustCreateUser(t *testing.T, username string) model.User {
	t.Helper()
	user, err := testDB.CreateUser(context.Background(), model.User{
		Username: username,
		Role:     model.RoleUser,
		Tier:     model.TierStandard,
		IsActive: true,
	})
	require.NoError(t, err)
	return user
}

func TestCreateAndGetUser(t *testing.T) {
	ctx := context.Background()

	user, err := testDB.CreateUser(ctx, model.User{
		Username: "alice",
		Role:     model.RoleAdmin,
		Tier:     model.TierEnterprise,
		IsActive: true,
		Metadata: map[string]any{"team": "data"},
	})
	require.NoError(t, err)
	require.NotEqual(t, uuid.Nil, user.ID)

	got, err := testDB.GetUser(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice", got.Username)
	assert.Equal(t, model.RoleAdmin, got.Role)
	assert.Equal(t, model.TierEnterprise, got.Tier)
	assert.Equal(t, "data", got.Metadata["team"])

	byName, err := testDB.GetUserByUsername(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, user.ID, byName.ID)
}

func TestCreateUserDuplicateUsername(t *testing.T) {
	ctx := context.Background()

	mustCreateUser(t, "dup-user")
	_, err := testDB.CreateUser(ctx, model.User{Username: "dup-user", Role: model.RoleUser, IsActive: true})
	require.ErrorIs(t, err, storage.ErrConflict)
}

func TestGetUserNotFound(t *testing.T) {
	_, err := testDB.GetUser(context.Background(), uuid.New())
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestUpdateUserTierAndDeactivate(t *testing.T) {
	ctx := context.Background()
	user := mustCreateUser(t, "tier-user")

	require.NoError(t, testDB.UpdateUserTier(ctx, user.ID, model.TierPromptEngineer))
	got, err := testDB.GetUser(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TierPromptEngineer, got.Tier)

	require.NoError(t, testDB.DeactivateUser(ctx, user.ID))
	got, err = testDB.GetUser(ctx, user.ID)
	require.NoError(t, err)
	assert.False(t, got.IsActive)
}

func TestCreateAndGetProfile(t *testing.T) {
	ctx := context.Background()
	owner := mustCreateUser(t, "profile-owner")

	p, err := testDB.CreateProfile(ctx, model.Profile{
		ID:       "sales-analyst",
		OwnerID:  owner.ID,
		Name:     "Sales Analyst",
		Kind:     model.ProfileKindAgent,
		Provider: "gemini",
		IsActive: true,
		Settings: map[string]any{"temperature": 0.2},
	})
	require.NoError(t, err)

	got, err := testDB.GetProfile(ctx, "sales-analyst")
	require.NoError(t, err)
	assert.Equal(t, p.Name, got.Name)
	assert.Equal(t, "gemini", got.Provider)
	assert.InDelta(t, 0.2, got.Settings["temperature"], 0.001)

	_, err = testDB.CreateProfile(ctx, model.Profile{ID: "sales-analyst", OwnerID: owner.ID, Name: "again", IsActive: true})
	require.ErrorIs(t, err, storage.ErrConflict)
}

func TestProfileRelationships(t *testing.T) {
	ctx := context.Background()
	owner := mustCreateUser(t, "rel-owner")

	genie, err := testDB.CreateProfile(ctx, model.Profile{
		ID: "rel-genie", OwnerID: owner.ID, Name: "Genie", Kind: model.ProfileKindGenie, IsActive: true,
	})
	require.NoError(t, err)

	_, err = testDB.CreateProfile(ctx, model.Profile{
		ID: "rel-child", OwnerID: owner.ID, Name: "Child", Kind: model.ProfileKindAgent,
		ParentID: &genie.ID, IsActive: true,
	})
	require.NoError(t, err)

	_, err = testDB.SetMapping(ctx, model.PromptMapping{
		ProfileID: "rel-genie", Category: "genie_coordination", PromptName: "GENIE_COORDINATION_PROMPT",
	})
	require.NoError(t, err)

	rel, err := testDB.GetProfileRelationships(ctx, "rel-genie")
	require.NoError(t, err)
	assert.Equal(t, []string{"rel-child"}, rel.ChildProfiles)
	assert.Equal(t, 1, rel.PromptMappings)
	assert.False(t, rel.SafeToDelete())

	rel, err = testDB.GetProfileRelationships(ctx, "rel-child")
	require.NoError(t, err)
	assert.True(t, rel.SafeToDelete())
}

func TestSavePromptVersioning(t *testing.T) {
	ctx := context.Background()
	editor := mustCreateUser(t, "prompt-editor")

	p1, err := testDB.SavePrompt(ctx, "GREETING_PROMPT", "hello v1", false, editor.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, p1.Version)

	p2, err := testDB.SavePrompt(ctx, "GREETING_PROMPT", "hello v2", false, editor.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, p2.Version)

	got, err := testDB.GetPrompt(ctx, "GREETING_PROMPT")
	require.NoError(t, err)
	assert.Equal(t, "hello v2", got.Content)
	assert.Equal(t, 2, got.Version)

	versions, err := testDB.ListPromptVersions(ctx, "GREETING_PROMPT", 10, 0)
	require.NoError(t, err)
	require.Len(t, versions, 2)
	assert.Equal(t, 2, versions[0].Version)
	assert.Equal(t, "hello v1", versions[1].Content)
	assert.Equal(t, editor.ID, versions[0].EditedBy)
}

func TestDeactivatePromptKeepsHistory(t *testing.T) {
	ctx := context.Background()
	editor := mustCreateUser(t, "deact-editor")

	_, err := testDB.SavePrompt(ctx, "DOOMED_PROMPT", "body", false, editor.ID)
	require.NoError(t, err)
	require.NoError(t, testDB.DeactivatePrompt(ctx, "DOOMED_PROMPT"))

	_, err = testDB.GetPrompt(ctx, "DOOMED_PROMPT")
	require.ErrorIs(t, err, storage.ErrNotFound)

	versions, err := testDB.ListPromptVersions(ctx, "DOOMED_PROMPT", 10, 0)
	require.NoError(t, err)
	assert.Len(t, versions, 1)
}

func TestPromptOverrideScopes(t *testing.T) {
	ctx := context.Background()
	editor := mustCreateUser(t, "override-user")

	_, err := testDB.SavePrompt(ctx, "OVERRIDE_PROMPT", "base", false, editor.ID)
	require.NoError(t, err)

	// Both scopes set is rejected.
	pid := "some-profile"
	_, err = testDB.SetPromptOverride(ctx, model.PromptOverride{
		PromptName: "OVERRIDE_PROMPT", UserID: &editor.ID, ProfileID: &pid, Content: "x",
	})
	require.Error(t, err)

	o, err := testDB.SetPromptOverride(ctx, model.PromptOverride{
		PromptName: "OVERRIDE_PROMPT", UserID: &editor.ID, Content: "user override",
	})
	require.NoError(t, err)

	got, err := testDB.GetUserPromptOverride(ctx, "OVERRIDE_PROMPT", editor.ID)
	require.NoError(t, err)
	assert.Equal(t, "user override", got.Content)

	// Lookup by id round-trips the scope.
	byID, err := testDB.GetPromptOverride(ctx, got.ID)
	require.NoError(t, err)
	require.NotNil(t, byID.UserID)
	assert.Equal(t, editor.ID, *byID.UserID)

	// Re-setting replaces the active override for the same scope.
	_, err = testDB.SetPromptOverride(ctx, model.PromptOverride{
		PromptName: "OVERRIDE_PROMPT", UserID: &editor.ID, Content: "user override v2",
	})
	require.NoError(t, err)
	got, err = testDB.GetUserPromptOverride(ctx, "OVERRIDE_PROMPT", editor.ID)
	require.NoError(t, err)
	assert.Equal(t, "user override v2", got.Content)

	require.NoError(t, testDB.ClearPromptOverride(ctx, got.ID))
	_, err = testDB.GetUserPromptOverride(ctx, "OVERRIDE_PROMPT", editor.ID)
	require.ErrorIs(t, err, storage.ErrNotFound)

	_ = o
}

func TestMappingUpsertAndExactLookup(t *testing.T) {
	ctx := context.Background()

	m, err := testDB.SetMapping(ctx, model.PromptMapping{
		ProfileID: "map-profile", Category: "sql_generation", Subcategory: "postgres",
		PromptName: "SQL_PROMPT_V1",
	})
	require.NoError(t, err)
	require.NotZero(t, m.ID)

	// Same tuple updates in place.
	_, err = testDB.SetMapping(ctx, model.PromptMapping{
		ProfileID: "map-profile", Category: "sql_generation", Subcategory: "postgres",
		PromptName: "SQL_PROMPT_V2",
	})
	require.NoError(t, err)

	got, err := testDB.GetMapping(ctx, "map-profile", "sql_generation", "postgres")
	require.NoError(t, err)
	assert.Equal(t, "SQL_PROMPT_V2", got.PromptName)

	// No fallback at the storage layer: the category-wide row is a different tuple.
	_, err = testDB.GetMapping(ctx, "map-profile", "sql_generation", "")
	require.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, testDB.DeleteMapping(ctx, "map-profile", "sql_generation", "postgres"))
	_, err = testDB.GetMapping(ctx, "map-profile", "sql_generation", "postgres")
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestCollectionAccessTypes(t *testing.T) {
	ctx := context.Background()
	owner := mustCreateUser(t, "coll-owner")
	subscriber := mustCreateUser(t, "coll-subscriber")
	stranger := mustCreateUser(t, "coll-stranger")

	private, err := testDB.CreateCollection(ctx, model.Collection{
		Name: "private-kb", OwnerID: owner.ID, Visibility: model.VisibilityPrivate, IsActive: true,
	})
	require.NoError(t, err)

	public, err := testDB.CreateCollection(ctx, model.Collection{
		Name: "public-kb", OwnerID: owner.ID, Visibility: model.VisibilityPublic, IsActive: true,
	})
	require.NoError(t, err)

	_, err = testDB.Subscribe(ctx, private.ID, subscriber.ID)
	require.NoError(t, err)

	at, err := testDB.AccessTypeFor(ctx, owner.ID, private.ID)
	require.NoError(t, err)
	assert.Equal(t, model.AccessOwned, at)

	at, err = testDB.AccessTypeFor(ctx, subscriber.ID, private.ID)
	require.NoError(t, err)
	assert.Equal(t, model.AccessSubscribed, at)

	at, err = testDB.AccessTypeFor(ctx, stranger.ID, private.ID)
	require.NoError(t, err)
	assert.Empty(t, at)

	at, err = testDB.AccessTypeFor(ctx, stranger.ID, public.ID)
	require.NoError(t, err)
	assert.Equal(t, model.AccessPublic, at)

	// Deactivated collections vanish even for the owner.
	require.NoError(t, testDB.DeactivateCollection(ctx, private.ID))
	_, err = testDB.AccessTypeFor(ctx, owner.ID, private.ID)
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestSubscribeDuplicateConflict(t *testing.T) {
	ctx := context.Background()
	owner := mustCreateUser(t, "dup-owner")
	subscriber := mustCreateUser(t, "dup-subscriber")

	coll, err := testDB.CreateCollection(ctx, model.Collection{
		Name: "dup-kb", OwnerID: owner.ID, Visibility: model.VisibilityPublic, IsActive: true,
	})
	require.NoError(t, err)

	first, err := testDB.Subscribe(ctx, coll.ID, subscriber.ID)
	require.NoError(t, err)
	assert.NotZero(t, first.ID)

	_, err = testDB.Subscribe(ctx, coll.ID, subscriber.ID)
	require.ErrorIs(t, err, storage.ErrConflict)

	// The existing subscription is untouched.
	at, err := testDB.AccessTypeFor(ctx, subscriber.ID, coll.ID)
	require.NoError(t, err)
	assert.Equal(t, model.AccessSubscribed, at)
}

func TestListAccessibleCollections(t *testing.T) {
	ctx := context.Background()
	owner := mustCreateUser(t, "list-owner")
	viewer := mustCreateUser(t, "list-viewer")

	owned, err := testDB.CreateCollection(ctx, model.Collection{
		Name: "mine", OwnerID: owner.ID, Visibility: model.VisibilityPrivate, IsActive: true,
	})
	require.NoError(t, err)

	shared, err := testDB.CreateCollection(ctx, model.Collection{
		Name: "shared", OwnerID: owner.ID, Visibility: model.VisibilityPrivate, IsActive: true,
	})
	require.NoError(t, err)
	_, err = testDB.Subscribe(ctx, shared.ID, viewer.ID)
	require.NoError(t, err)

	got, err := testDB.ListAccessibleCollections(ctx, viewer.ID, 100, 0)
	require.NoError(t, err)

	ids := make(map[int64]bool, len(got))
	for _, c := range got {
		ids[c.ID] = true
	}
	assert.True(t, ids[shared.ID])
	assert.False(t, ids[owned.ID])
}

func TestExtensionSettingsOrder(t *testing.T) {
	ctx := context.Background()
	admin := mustCreateUser(t, "ext-admin")

	for _, s := range []model.ExtensionSetting{
		{Name: "chart_generator", IsActive: true, Position: 2, UpdatedBy: admin.ID},
		{Name: "summarizer", IsActive: true, Position: 1, UsesLLM: true, UpdatedBy: admin.ID},
		{Name: "off_extension", IsActive: false, Position: 0, UpdatedBy: admin.ID},
	} {
		_, err := testDB.UpsertExtensionSetting(ctx, s)
		require.NoError(t, err)
	}

	active, err := testDB.ListActiveExtensionSettings(ctx)
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, "summarizer", active[0].Name)
	assert.Equal(t, "chart_generator", active[1].Name)
	assert.True(t, active[0].UsesLLM)

	// Upsert flips the flag in place.
	_, err = testDB.UpsertExtensionSetting(ctx, model.ExtensionSetting{
		Name: "chart_generator", IsActive: false, Position: 2, UpdatedBy: admin.ID,
	})
	require.NoError(t, err)

	active, err = testDB.ListActiveExtensionSettings(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "summarizer", active[0].Name)
}

func TestComponentSettings(t *testing.T) {
	ctx := context.Background()
	admin := mustCreateUser(t, "comp-admin")

	_, err := testDB.UpsertComponentSetting(ctx, model.ComponentSetting{
		Name: "canvas", IsActive: true, Options: map[string]any{"theme": "dark"}, UpdatedBy: admin.ID,
	})
	require.NoError(t, err)

	got, err := testDB.GetComponentSetting(ctx, "canvas")
	require.NoError(t, err)
	assert.Equal(t, "dark", got.Options["theme"])

	_, err = testDB.GetComponentSetting(ctx, "missing")
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestOutboxLifecycle(t *testing.T) {
	ctx := context.Background()

	e1, err := testDB.EnqueueOutbox(ctx, storage.OutboxEntry{
		CaseID: uuid.New(), CollectionID: 1, Operation: storage.OutboxOpIndex,
		Payload: map[string]any{"question": "q1"},
	})
	require.NoError(t, err)

	e2, err := testDB.EnqueueOutbox(ctx, storage.OutboxEntry{
		CaseID: uuid.New(), CollectionID: 1, Operation: storage.OutboxOpDelete,
	})
	require.NoError(t, err)

	claimed, err := testDB.ClaimOutbox(ctx, 10)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(claimed), 2)
	assert.Equal(t, 1, claimed[len(claimed)-2].Attempts)

	require.NoError(t, testDB.MarkOutboxProcessed(ctx, e1.ID))
	require.NoError(t, testDB.MarkOutboxFailed(ctx, e2.ID, fmt.Errorf("qdrant unavailable")))

	// Failed entry stays claimable; processed one does not.
	claimed, err = testDB.ClaimOutbox(ctx, 100)
	require.NoError(t, err)
	var sawE1, sawE2 bool
	for _, e := range claimed {
		if e.ID == e1.ID {
			sawE1 = true
		}
		if e.ID == e2.ID {
			sawE2 = true
			require.NotNil(t, e.LastError)
			assert.Contains(t, *e.LastError, "qdrant unavailable")
		}
	}
	assert.False(t, sawE1)
	assert.True(t, sawE2)
}

func TestPackResourcesRoundTrip(t *testing.T) {
	ctx := context.Background()
	importer := mustCreateUser(t, "pack-importer")
	packID := uuid.New()

	err := testDB.RecordPackResources(ctx, []model.PackResource{
		{PackID: packID, ResourceType: "profile", ResourceID: "imported-agent", OriginalID: "agent", ImportedBy: importer.ID},
		{PackID: packID, ResourceType: "collection", ResourceID: "42", OriginalID: "7", ImportedBy: importer.ID},
	})
	require.NoError(t, err)

	got, err := testDB.ListPackResources(ctx, packID)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "profile", got[0].ResourceType)
	assert.Equal(t, "agent", got[0].OriginalID)
	assert.Equal(t, importer.ID, got[1].ImportedBy)
}
