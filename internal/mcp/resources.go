package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/faucetdb/warden/internal/model"
)

const (
	permissionsURI = "warden://permissions"
	breakersURI    = "warden://circuit-breakers"
)

// registerResources adds read-only resources LLM clients can load into
// their context.
func (s *MCPServer) registerResources(srv *server.MCPServer) {
	srv.AddResource(
		mcp.NewResource(
			permissionsURI,
			"Grantable Permissions",
			mcp.WithResourceDescription(
				"Every resource:action permission an API key may carry.",
			),
			mcp.WithMIMEType("application/json"),
		),
		s.handlePermissionsResource,
	)

	srv.AddResource(
		mcp.NewResource(
			breakersURI,
			"Circuit Breakers",
			mcp.WithResourceDescription(
				"Current state of every downstream circuit breaker.",
			),
			mcp.WithMIMEType("application/json"),
		),
		s.handleBreakersResource,
	)
}

func (s *MCPServer) handlePermissionsResource(
	ctx context.Context,
	request mcp.ReadResourceRequest,
) ([]mcp.ResourceContents, error) {
	perms := make([]string, len(model.PermissionCatalog))
	for i, c := range model.PermissionCatalog {
		perms[i] = c.String()
	}
	return jsonResource(permissionsURI, perms)
}

func (s *MCPServer) handleBreakersResource(
	ctx context.Context,
	request mcp.ReadResourceRequest,
) ([]mcp.ResourceContents, error) {
	if err := s.guard.AuthorizeGlobal(s.identity(ctx), model.CapReadBreakers); err != nil {
		return nil, err
	}
	return jsonResource(breakersURI, s.breakers.List())
}

func jsonResource(uri string, v interface{}) ([]mcp.ResourceContents, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s: %w", uri, err)
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(b),
		},
	}, nil
}
