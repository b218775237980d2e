package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/uderia/uderia/internal/prompts"
	"github.com/uderia/uderia/internal/rag"
)

func (s *Server) registerResources() {
	// uderia://collections — knowledge collections the caller can read.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			"uderia://collections",
			"Accessible Collections",
			mcplib.WithResourceDescription("Knowledge collections the caller owns, subscribed to, or that are public"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleCollectionsResource,
	)

	// uderia://profiles/{id} — one agent profile with its relationships.
	s.mcpServer.AddResourceTemplate(
		mcplib.NewResourceTemplate(
			"uderia://profiles/{id}",
			"Agent Profile",
			mcplib.WithTemplateDescription("An agent profile and everything referencing it"),
			mcplib.WithTemplateMIMEType("application/json"),
		),
		s.handleProfileResource,
	)

	// uderia://prompts/{name} — a prompt body, tier-gated.
	s.mcpServer.AddResourceTemplate(
		mcplib.NewResourceTemplate(
			"uderia://prompts/{name}",
			"Prompt",
			mcplib.WithTemplateDescription("A named prompt body; encrypted prompts require a licensed tier"),
			mcplib.WithTemplateMIMEType("text/plain"),
		),
		s.handlePromptResource,
	)
}

func (s *Server) handleCollectionsResource(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	claims := callerClaims(ctx)
	if claims == nil {
		return nil, fmt.Errorf("mcp: collections resource: authentication required")
	}

	access := rag.NewAccessContext(s.db, claims.UserID())
	collections, err := access.AccessibleCollections(ctx)
	if err != nil {
		return nil, fmt.Errorf("mcp: collections resource: %w", err)
	}

	data, err := json.MarshalIndent(collections, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: collections resource: %w", err)
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      "uderia://collections",
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func (s *Server) handleProfileResource(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	id := strings.TrimPrefix(request.Params.URI, "uderia://profiles/")
	if id == "" {
		return nil, fmt.Errorf("mcp: profile resource: missing profile id")
	}

	profile, err := s.db.GetProfile(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("mcp: profile resource: %w", err)
	}
	rel, err := s.db.GetProfileRelationships(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("mcp: profile resource: %w", err)
	}

	data, err := json.MarshalIndent(map[string]any{
		"profile":       profile,
		"relationships": rel,
	}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: profile resource: %w", err)
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      request.Params.URI,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func (s *Server) handlePromptResource(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	claims := callerClaims(ctx)
	if claims == nil {
		return nil, fmt.Errorf("mcp: prompt resource: authentication required")
	}

	name := strings.TrimPrefix(request.Params.URI, "uderia://prompts/")
	if name == "" {
		return nil, fmt.Errorf("mcp: prompt resource: missing prompt name")
	}

	content, err := s.loader.Load(ctx, name, claims.Tier)
	if err != nil {
		if errors.Is(err, prompts.ErrTierDenied) {
			return nil, fmt.Errorf("mcp: prompt resource: license tier cannot access prompt %q", name)
		}
		return nil, fmt.Errorf("mcp: prompt resource: %w", err)
	}

	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      request.Params.URI,
			MIMEType: "text/plain",
			Text:     content,
		},
	}, nil
}
