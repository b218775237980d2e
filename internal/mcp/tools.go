package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"
	"github.com/qdrant/go-client/qdrant"

	"github.com/uderia/uderia/internal/extension"
	"github.com/uderia/uderia/internal/model"
	"github.com/uderia/uderia/internal/planner"
	"github.com/uderia/uderia/internal/prompts"
	"github.com/uderia/uderia/internal/rag"
	"github.com/uderia/uderia/internal/storage"
)

func (s *Server) registerTools() {
	// uderia_resolve_prompt — resolve the prompt an agent profile should use.
	s.mcpServer.AddTool(
		mcplib.NewTool("uderia_resolve_prompt",
			mcplib.WithDescription(`Resolve the prompt an agent profile uses for a task category.

WHEN TO USE: Before executing a task on behalf of a profile, to load the
instructions its operator configured for that kind of work.

Resolution walks the fallback chain: the profile's own mapping, then the
system-wide default mapping, then the shipped defaults. User and profile
overrides are applied, and encrypted prompts are decrypted only when your
license tier allows.

WHAT YOU GET BACK: the resolved prompt name and its full content.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("profile_id",
				mcplib.Description("The agent profile slug, e.g. sales-analyst"),
				mcplib.Required(),
			),
			mcplib.WithString("category",
				mcplib.Description("Task category, lowercase snake_case, e.g. genie_coordination"),
				mcplib.Required(),
			),
			mcplib.WithString("subcategory",
				mcplib.Description("Optional subcategory; falls back to the category-wide mapping when absent"),
			),
		),
		s.handleResolvePrompt,
	)

	// uderia_rag_search — semantic search over a knowledge collection.
	s.mcpServer.AddTool(
		mcplib.NewTool("uderia_rag_search",
			mcplib.WithDescription(`Search a knowledge collection for similar past cases by semantic similarity.

WHEN TO USE: To ground an answer in past question/answer pairs before
responding. Retrieved cases show how similar questions were answered and
which tools were used.

Access control applies: you only see collections you own, subscribed to,
or that are public, and within owned collections only your own cases plus
shipped template cases.

EXAMPLE QUERIES:
- "quarterly revenue trend for the EMEA region"
- "how to join the orders and refunds tables"`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithNumber("collection_id",
				mcplib.Description("The knowledge collection to search"),
				mcplib.Required(),
			),
			mcplib.WithString("query",
				mcplib.Description("Natural language search query"),
				mcplib.Required(),
			),
			mcplib.WithString("tool",
				mcplib.Description("Optional: only return cases produced by this tool"),
			),
			mcplib.WithNumber("quality_min",
				mcplib.Description("Minimum quality score for results (0.0-1.0)"),
				mcplib.Min(0),
				mcplib.Max(1),
			),
			mcplib.WithNumber("limit",
				mcplib.Description("Maximum results to return"),
				mcplib.Min(1),
				mcplib.Max(100),
				mcplib.DefaultNumber(5),
			),
		),
		s.handleRAGSearch,
	)

	// uderia_rag_store — store a case into a knowledge collection.
	s.mcpServer.AddTool(
		mcplib.NewTool("uderia_rag_store",
			mcplib.WithDescription(`Store a question/answer case into a knowledge collection you own.

WHEN TO USE: After producing a good answer worth reusing as a retrieval
example. Stored cases become few-shot grounding for future searches.

The case is committed durably and indexed into the vector store
asynchronously; it may take a few seconds to become searchable.`),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithIdempotentHintAnnotation(false),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithNumber("collection_id",
				mcplib.Description("The collection to store into; you must own it"),
				mcplib.Required(),
			),
			mcplib.WithString("question",
				mcplib.Description("The question the case answers"),
				mcplib.Required(),
			),
			mcplib.WithString("answer",
				mcplib.Description("The answer, stated completely enough to be reused"),
				mcplib.Required(),
			),
			mcplib.WithString("tool",
				mcplib.Description("Optional: the tool that produced this answer"),
			),
			mcplib.WithNumber("quality",
				mcplib.Description("Quality score for the case (0.0-1.0)"),
				mcplib.Min(0),
				mcplib.Max(1),
			),
		),
		s.handleRAGStore,
	)

	// uderia_run_extensions — post-process an answer through the pipeline.
	s.mcpServer.AddTool(
		mcplib.NewTool("uderia_run_extensions",
			mcplib.WithDescription(`Run an answer through the extension pipeline (charts, summaries, citation checks).

WHEN TO USE: After producing a final answer, to attach post-processing
artifacts. Extensions run strictly in order and one failing never stops
the rest; each returns its own success flag.

Pass extension names comma-separated, or omit them to run every active
extension in its configured pipeline order.`),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithIdempotentHintAnnotation(false),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("answer",
				mcplib.Description("The answer text to post-process"),
				mcplib.Required(),
			),
			mcplib.WithString("profile_id",
				mcplib.Description("Optional: the profile that produced the answer"),
			),
			mcplib.WithString("extensions",
				mcplib.Description("Optional comma-separated extension names, e.g. \"summarizer,citation_check\". Empty runs all active extensions."),
			),
		),
		s.handleRunExtensions,
	)

	// uderia_rewrite_plan — expand wide date ranges into per-window loops.
	s.mcpServer.AddTool(
		mcplib.NewTool("uderia_rewrite_plan",
			mcplib.WithDescription(`Rewrite a tool-call plan so wide date ranges become explicit loops.

WHEN TO USE: After drafting a plan and before executing it. A phase whose
tool args span more than one day/week/month (per its "granularity") is
expanded into a loop phase with one iteration per window, so each tool
call stays within a range the data tools handle well.

Phases that carry no date range, or already fit one window, pass through
untouched. The rewrite is idempotent.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("plan",
				mcplib.Description(`JSON array of plan phases, e.g. [{"tool":"sales_report","args":{"granularity":"month","start_date":"2025-01-01","end_date":"2025-06-30"}}]`),
				mcplib.Required(),
			),
		),
		s.handleRewritePlan,
	)
}

func (s *Server) handleResolvePrompt(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	claims := callerClaims(ctx)
	if claims == nil {
		return errorResult("authentication required"), nil
	}

	profileID := request.GetString("profile_id", "")
	category := request.GetString("category", "")
	subcategory := request.GetString("subcategory", "")
	if profileID == "" || category == "" {
		return errorResult("profile_id and category are required"), nil
	}

	name, ok := s.resolver.PromptNameForCategory(ctx, profileID, category, subcategory)
	if !ok {
		return errorResult(fmt.Sprintf("no prompt mapped for category %q", category)), nil
	}

	content, err := s.loader.LoadForUser(ctx, name, claims.UserID(), profileID, claims.Tier)
	if err != nil {
		switch {
		case errors.Is(err, prompts.ErrTierDenied):
			return errorResult("license tier cannot access this prompt"), nil
		case errors.Is(err, storage.ErrNotFound):
			return errorResult(fmt.Sprintf("mapped prompt does not exist: %s", name)), nil
		default:
			return errorResult(fmt.Sprintf("failed to load prompt: %v", err)), nil
		}
	}

	return jsonResult(model.ResolvePromptResponse{
		ProfileID:   profileID,
		Category:    category,
		Subcategory: subcategory,
		PromptName:  name,
		Content:     content,
	}), nil
}

func (s *Server) handleRAGSearch(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	claims := callerClaims(ctx)
	if claims == nil {
		return errorResult("authentication required"), nil
	}
	if s.embedder == nil || s.vectors == nil {
		return errorResult("vector search is not configured on this server"), nil
	}

	collectionID := int64(request.GetInt("collection_id", 0))
	query := request.GetString("query", "")
	if collectionID == 0 || query == "" {
		return errorResult("collection_id and query are required"), nil
	}
	limit := request.GetInt("limit", 5)

	var extra []*qdrant.Condition
	if tool := request.GetString("tool", ""); tool != "" {
		extra = append(extra, qdrant.NewMatch("tool", tool))
	}
	if qualityMin := request.GetFloat("quality_min", 0); qualityMin > 0 {
		extra = append(extra, qdrant.NewRange("quality", &qdrant.Range{
			Gte: qdrant.PtrOf(qualityMin),
		}))
	}

	access := rag.NewAccessContext(s.db, claims.UserID())
	filter, err := access.BuildQueryFilter(ctx, collectionID, extra...)
	if err != nil {
		if errors.Is(err, rag.ErrForbidden) {
			return errorResult(fmt.Sprintf("access denied to collection %d", collectionID)), nil
		}
		return errorResult(fmt.Sprintf("access check failed: %v", err)), nil
	}

	embedding, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return errorResult(fmt.Sprintf("failed to embed query: %v", err)), nil
	}

	results, err := s.vectors.Query(ctx, embedding, filter, limit)
	if err != nil {
		return errorResult(fmt.Sprintf("search failed: %v", err)), nil
	}
	return jsonResult(results), nil
}

func (s *Server) handleRAGStore(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	claims := callerClaims(ctx)
	if claims == nil {
		return errorResult("authentication required"), nil
	}

	collectionID := int64(request.GetInt("collection_id", 0))
	question := request.GetString("question", "")
	answer := request.GetString("answer", "")
	if collectionID == 0 || question == "" || answer == "" {
		return errorResult("collection_id, question, and answer are required"), nil
	}

	access := rag.NewAccessContext(s.db, claims.UserID())
	if err := access.ValidateAccess(ctx, collectionID, true); err != nil {
		if errors.Is(err, rag.ErrForbidden) {
			return errorResult(fmt.Sprintf("write access denied to collection %d", collectionID)), nil
		}
		return errorResult(fmt.Sprintf("access check failed: %v", err)), nil
	}

	c := model.RAGCase{
		ID:           uuid.New(),
		CollectionID: collectionID,
		UserID:       claims.UserID(),
		Question:     question,
		Answer:       answer,
		Tool:         request.GetString("tool", ""),
		Quality:      float32(request.GetFloat("quality", 0)),
	}
	if _, err := s.db.EnqueueOutbox(ctx, storage.OutboxEntry{
		CaseID:       c.ID,
		CollectionID: collectionID,
		Operation:    storage.OutboxOpIndex,
		Payload:      rag.OutboxPayload(c),
	}); err != nil {
		return errorResult(fmt.Sprintf("failed to store case: %v", err)), nil
	}

	return jsonResult(map[string]any{
		"case_id": c.ID,
		"status":  "queued",
	}), nil
}

func (s *Server) handleRunExtensions(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	if claims := callerClaims(ctx); claims == nil {
		return errorResult("authentication required"), nil
	}

	answer := request.GetString("answer", "")
	if answer == "" {
		return errorResult("answer is required"), nil
	}

	var specs []model.ExtensionSpec
	if raw := request.GetString("extensions", ""); raw != "" {
		for _, name := range strings.Split(raw, ",") {
			name = strings.TrimSpace(name)
			if name == "" {
				continue
			}
			specs = append(specs, model.ExtensionSpec{Name: name})
		}
	}

	results, err := s.runner.Run(ctx, specs, &extension.RunContext{
		Answer:    answer,
		ProfileID: request.GetString("profile_id", ""),
	})
	if err != nil {
		return errorResult(fmt.Sprintf("pipeline failed: %v", err)), nil
	}
	return jsonResult(results), nil
}

func (s *Server) handleRewritePlan(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	if claims := callerClaims(ctx); claims == nil {
		return errorResult("authentication required"), nil
	}

	raw := request.GetString("plan", "")
	if raw == "" {
		return errorResult("plan is required"), nil
	}
	var phases []map[string]any
	if err := json.Unmarshal([]byte(raw), &phases); err != nil {
		return errorResult(fmt.Sprintf("plan must be a JSON array of phase objects: %v", err)), nil
	}

	return jsonResult(planner.RewriteForDateRangeLoops(phases)), nil
}
