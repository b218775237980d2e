package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uderia/uderia/internal/auth"
	"github.com/uderia/uderia/internal/config"
	"github.com/uderia/uderia/internal/ctxutil"
	"github.com/uderia/uderia/internal/extension"
	"github.com/uderia/uderia/internal/llm"
	"github.com/uderia/uderia/internal/model"
	"github.com/uderia/uderia/internal/prompts"
	"github.com/uderia/uderia/internal/storage"
)

var (
	testDB     *storage.DB
	testServer *Server
	testUser   model.User
	otherUser  model.User
)

func TestMain(m *testing.M) {
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	dir, err := os.MkdirTemp("", "uderia-mcp-test")
	if err != nil {
		fmt.Fprintf(os.Stderr, "mcp test: temp dir: %v\n", err)
		os.Exit(1)
	}

	testDB, err = storage.Open(ctx, filepath.Join(dir, "uderia_auth.db"), logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mcp test: open database: %v\n", err)
		os.Exit(1)
	}
	if err := testDB.RunMigrations(ctx, os.DirFS("../../migrations")); err != nil {
		fmt.Fprintf(os.Stderr, "mcp test: migrations: %v\n", err)
		os.Exit(1)
	}

	testUser, err = testDB.CreateUser(ctx, model.User{
		Username: "mcp-caller", Role: model.RoleUser, Tier: model.TierEnterprise, IsActive: true,
	})
	if err == nil {
		otherUser, err = testDB.CreateUser(ctx, model.User{
			Username: "mcp-other", Role: model.RoleUser, Tier: model.TierStandard, IsActive: true,
		})
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "mcp test: create users: %v\n", err)
		os.Exit(1)
	}

	defaults, err := config.LoadDefaults(filepath.Join(dir, "missing.json"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "mcp test: defaults: %v\n", err)
		os.Exit(1)
	}

	extReg := extension.NewRegistry()
	extension.RegisterBuiltins(extReg)

	testServer = New(Deps{
		DB:       testDB,
		Resolver: prompts.NewResolver(testDB, &defaults, logger),
		Loader:   prompts.NewLoader(testDB, nil),
		Runner:   extension.NewRunner(extReg, testDB, llm.NewRegistry(nil), logger, nil),
		Logger:   logger,
	})

	code := m.Run()

	testDB.Close()
	_ = os.RemoveAll(dir)
	os.Exit(code)
}

func callerCtx(u model.User) context.Context {
	return ctxutil.WithClaims(context.Background(), &auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: u.ID.String()},
		Username:         u.Username,
		Role:             u.Role,
		Tier:             u.Tier,
	})
}

func toolRequest(name string, args map[string]any) mcplib.CallToolRequest {
	return mcplib.CallToolRequest{
		Params: mcplib.CallToolParams{Name: name, Arguments: args},
	}
}

func toolText(t *testing.T, result *mcplib.CallToolResult) string {
	t.Helper()
	for _, c := range result.Content {
		if tc, ok := c.(mcplib.TextContent); ok {
			return tc.Text
		}
	}
	t.Fatal("no TextContent found in tool result")
	return ""
}

func TestResolvePromptTool(t *testing.T) {
	ctx := callerCtx(testUser)

	_, err := testDB.SavePrompt(context.Background(), "MCP_SALES_PROMPT", "analyze the pipeline", false, testUser.ID)
	require.NoError(t, err)
	_, err = testDB.CreateProfile(context.Background(), model.Profile{
		ID: "mcp-analyst", OwnerID: testUser.ID, Name: "Analyst", Kind: model.ProfileKindAgent, IsActive: true,
	})
	require.NoError(t, err)
	_, err = testDB.SetMapping(context.Background(), model.PromptMapping{
		ProfileID: "mcp-analyst", Category: "sales_analysis", PromptName: "MCP_SALES_PROMPT",
	})
	require.NoError(t, err)

	result, err := testServer.handleResolvePrompt(ctx, toolRequest("uderia_resolve_prompt", map[string]any{
		"profile_id": "mcp-analyst",
		"category":   "sales_analysis",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, toolText(t, result))

	var resp model.ResolvePromptResponse
	require.NoError(t, json.Unmarshal([]byte(toolText(t, result)), &resp))
	assert.Equal(t, "MCP_SALES_PROMPT", resp.PromptName)
	assert.Equal(t, "analyze the pipeline", resp.Content)
}

func TestResolvePromptToolUnmapped(t *testing.T) {
	result, err := testServer.handleResolvePrompt(callerCtx(testUser),
		toolRequest("uderia_resolve_prompt", map[string]any{
			"profile_id": "mcp-analyst",
			"category":   "nonexistent_category",
		}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestResolvePromptToolRequiresAuth(t *testing.T) {
	result, err := testServer.handleResolvePrompt(context.Background(),
		toolRequest("uderia_resolve_prompt", map[string]any{
			"profile_id": "mcp-analyst",
			"category":   "sales_analysis",
		}))
	require.NoError(t, err)
	require.True(t, result.IsError)
	assert.Contains(t, toolText(t, result), "authentication required")
}

func TestRAGStoreTool(t *testing.T) {
	ctx := callerCtx(testUser)

	coll, err := testDB.CreateCollection(context.Background(), model.Collection{
		Name: "mcp-kb", OwnerID: testUser.ID, Visibility: model.VisibilityPrivate, IsActive: true,
	})
	require.NoError(t, err)

	result, err := testServer.handleRAGStore(ctx, toolRequest("uderia_rag_store", map[string]any{
		"collection_id": float64(coll.ID),
		"question":      "what drove churn in Q2?",
		"answer":        "pricing changes in the starter tier",
		"quality":       0.8,
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, toolText(t, result))

	var resp struct {
		CaseID uuid.UUID `json:"case_id"`
		Status string    `json:"status"`
	}
	require.NoError(t, json.Unmarshal([]byte(toolText(t, result)), &resp))
	assert.Equal(t, "queued", resp.Status)
	assert.NotEqual(t, uuid.Nil, resp.CaseID)

	// Writes into someone else's collection are refused.
	result, err = testServer.handleRAGStore(callerCtx(otherUser), toolRequest("uderia_rag_store", map[string]any{
		"collection_id": float64(coll.ID),
		"question":      "q",
		"answer":        "a",
	}))
	require.NoError(t, err)
	require.True(t, result.IsError)
	assert.Contains(t, toolText(t, result), "denied")
}

func TestRAGSearchToolUnconfigured(t *testing.T) {
	result, err := testServer.handleRAGSearch(callerCtx(testUser),
		toolRequest("uderia_rag_search", map[string]any{
			"collection_id": float64(1),
			"query":         "anything",
		}))
	require.NoError(t, err)
	require.True(t, result.IsError)
	assert.Contains(t, toolText(t, result), "not configured")
}

func TestRunExtensionsTool(t *testing.T) {
	result, err := testServer.handleRunExtensions(callerCtx(testUser),
		toolRequest("uderia_run_extensions", map[string]any{
			"answer":     "Revenue grew 12% per the annual report.",
			"extensions": "citation_check, no_such_extension",
		}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var results []extension.Result
	require.NoError(t, json.Unmarshal([]byte(toolText(t, result)), &results))
	require.Len(t, results, 2)
	assert.True(t, results[0].Success)
	assert.False(t, results[1].Success)
}

func TestCollectionsResource(t *testing.T) {
	contents, err := testServer.handleCollectionsResource(callerCtx(testUser),
		mcplib.ReadResourceRequest{
			Params: mcplib.ReadResourceParams{URI: "uderia://collections"},
		})
	require.NoError(t, err)
	require.Len(t, contents, 1)

	text, ok := contents[0].(mcplib.TextResourceContents)
	require.True(t, ok)
	var collections []model.Collection
	require.NoError(t, json.Unmarshal([]byte(text.Text), &collections))

	_, err = testServer.handleCollectionsResource(context.Background(),
		mcplib.ReadResourceRequest{
			Params: mcplib.ReadResourceParams{URI: "uderia://collections"},
		})
	assert.Error(t, err)
}

func TestPromptResource(t *testing.T) {
	_, err := testDB.SavePrompt(context.Background(), "MCP_RESOURCE_PROMPT", "resource body", false, testUser.ID)
	require.NoError(t, err)

	contents, err := testServer.handlePromptResource(callerCtx(testUser),
		mcplib.ReadResourceRequest{
			Params: mcplib.ReadResourceParams{URI: "uderia://prompts/MCP_RESOURCE_PROMPT"},
		})
	require.NoError(t, err)
	require.Len(t, contents, 1)
	text, ok := contents[0].(mcplib.TextResourceContents)
	require.True(t, ok)
	assert.Equal(t, "resource body", text.Text)
}

func TestRewritePlanTool(t *testing.T) {
	plan := `[{"tool":"sales_report","args":{"granularity":"week","start_date":"2025-06-02","end_date":"2025-06-15"}}]`

	result, err := testServer.handleRewritePlan(callerCtx(testUser),
		toolRequest("uderia_rewrite_plan", map[string]any{"plan": plan}))
	require.NoError(t, err)
	require.False(t, result.IsError, toolText(t, result))

	var phases []map[string]any
	require.NoError(t, json.Unmarshal([]byte(toolText(t, result)), &phases))
	require.Len(t, phases, 1)
	assert.Equal(t, "loop", phases[0]["kind"])
	iterations, ok := phases[0]["iterations"].([]any)
	require.True(t, ok)
	assert.Len(t, iterations, 2)

	result, err = testServer.handleRewritePlan(callerCtx(testUser),
		toolRequest("uderia_rewrite_plan", map[string]any{"plan": "not json"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}
