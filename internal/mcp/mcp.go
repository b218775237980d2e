// Package mcp implements the Model Context Protocol server for Uderia.
//
// The MCP server exposes prompt resolution, RAG retrieval, and the
// extension pipeline to MCP-compatible agents. It reuses the JWT claims the
// HTTP auth middleware put into the request context, so MCP callers get
// exactly the same access control as REST callers.
package mcp

import (
	"context"
	"encoding/json"
	"log/slog"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/qdrant/go-client/qdrant"

	"github.com/uderia/uderia/internal/auth"
	"github.com/uderia/uderia/internal/ctxutil"
	"github.com/uderia/uderia/internal/extension"
	"github.com/uderia/uderia/internal/model"
	"github.com/uderia/uderia/internal/prompts"
	"github.com/uderia/uderia/internal/rag"
	"github.com/uderia/uderia/internal/storage"
)

// VectorSearcher is the vector-store surface the MCP tools need.
type VectorSearcher interface {
	Query(ctx context.Context, embedding []float32, filter *qdrant.Filter, limit int) ([]model.CaseResult, error)
}

// Server wraps the MCP server with Uderia's service layer.
type Server struct {
	mcpServer *mcpserver.MCPServer
	db        *storage.DB
	resolver  *prompts.Resolver
	loader    *prompts.Loader
	embedder  rag.Provider
	vectors   VectorSearcher
	runner    *extension.Runner
	logger    *slog.Logger
}

// Deps holds the dependencies for constructing the MCP server. Embedder and
// Vectors may be nil when no vector store is configured; the search tool
// then reports itself unavailable.
type Deps struct {
	DB       *storage.DB
	Resolver *prompts.Resolver
	Loader   *prompts.Loader
	Embedder rag.Provider
	Vectors  VectorSearcher
	Runner   *extension.Runner
	Logger   *slog.Logger
}

// New creates and configures the MCP server with all resources and tools.
func New(d Deps) *Server {
	s := &Server{
		db:       d.DB,
		resolver: d.Resolver,
		loader:   d.Loader,
		embedder: d.Embedder,
		vectors:  d.Vectors,
		runner:   d.Runner,
		logger:   d.Logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"uderia",
		"0.1.0",
		mcpserver.WithResourceCapabilities(true, true),
		mcpserver.WithToolCapabilities(true),
	)

	s.registerResources()
	s.registerTools()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

// callerClaims extracts the authenticated caller from the request context.
func callerClaims(ctx context.Context) *auth.Claims {
	return ctxutil.ClaimsFromContext(ctx)
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}

func jsonResult(v any) *mcplib.CallToolResult {
	data, _ := json.MarshalIndent(v, "", "  ")
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(data)},
		},
	}
}
