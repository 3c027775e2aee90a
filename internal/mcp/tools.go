package mcp

import (
	"context"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/faucetdb/warden/internal/model"
	"github.com/faucetdb/warden/internal/server/middleware"
)

const auditTimeout = 3 * time.Second

// registerTools registers all Warden MCP tools on the given server.
func (s *MCPServer) registerTools(srv *server.MCPServer) {

	// ----- Organizations -----

	srv.AddTool(
		mcp.NewTool("warden_list_organizations",
			mcp.WithDescription(
				"List organizations known to Warden. API keys always belong to exactly "+
					"one organization. Superuser only.",
			),
			mcp.WithToolAnnotation(readOnlyAnnotation()),
		),
		s.handleListOrganizations,
	)

	// ----- API keys -----

	srv.AddTool(
		mcp.NewTool("warden_list_api_keys",
			mcp.WithDescription(
				"List API keys of an organization, newest first. Secrets are never "+
					"returned; keys are identified by id and key_prefix.",
			),
			mcp.WithToolAnnotation(readOnlyAnnotation()),
			mcp.WithString("organization_id",
				mcp.Description("Organization to list. Defaults to the caller's own organization."),
			),
		),
		s.handleListAPIKeys,
	)

	srv.AddTool(
		mcp.NewTool("warden_get_api_key",
			mcp.WithDescription(
				"Get one API key record by id, including its permissions, rate limit, "+
					"expiry and last use.",
			),
			mcp.WithToolAnnotation(readOnlyAnnotation()),
			mcp.WithString("id",
				mcp.Required(),
				mcp.Description("API key id"),
			),
		),
		s.handleGetAPIKey,
	)

	srv.AddTool(
		mcp.NewTool("warden_revoke_api_key",
			mcp.WithDescription(
				"Revoke an API key. Revoked keys are rejected immediately and cannot be "+
					"reactivated. Revoking an already revoked key succeeds.",
			),
			mcp.WithToolAnnotation(mutatingAnnotation(true)),
			mcp.WithString("id",
				mcp.Required(),
				mcp.Description("API key id"),
			),
		),
		s.handleRevokeAPIKey,
	)

	// ----- Audit -----

	srv.AddTool(
		mcp.NewTool("warden_list_audit_events",
			mcp.WithDescription("List recent audit events (key creation, revocation, breaker resets), newest first."),
			mcp.WithToolAnnotation(readOnlyAnnotation()),
			mcp.WithString("organization_id",
				mcp.Description("Organization to list. Defaults to the caller's own organization."),
			),
			mcp.WithNumber("limit",
				mcp.Description("Maximum number of events to return (default 50, max 1000)"),
			),
		),
		s.handleListAuditEvents,
	)

	// ----- Circuit breakers -----

	srv.AddTool(
		mcp.NewTool("warden_list_circuit_breakers",
			mcp.WithDescription(
				"Show the state of every downstream circuit breaker: closed (healthy), "+
					"open (failing fast) or half_open (probing). Includes failure counts "+
					"and the last transition time.",
			),
			mcp.WithToolAnnotation(readOnlyAnnotation()),
		),
		s.handleListCircuitBreakers,
	)

	srv.AddTool(
		mcp.NewTool("warden_reset_circuit_breakers",
			mcp.WithDescription(
				"Force every circuit breaker closed with zero counters. Use after a "+
					"downstream outage is resolved. Requires breakers:write.",
			),
			mcp.WithToolAnnotation(mutatingAnnotation(false)),
		),
		s.handleResetCircuitBreakers,
	)
}

// identity returns the caller attached by HTTP auth middleware, or the
// configured operator.
func (s *MCPServer) identity(ctx context.Context) model.Identity {
	if id, ok := middleware.GetIdentity(ctx); ok {
		return id
	}
	return s.operator
}

// scope resolves the organization a list tool targets.
func scope(request mcp.CallToolRequest, identity model.Identity) string {
	org := strings.TrimSpace(optionalString(request, "organization_id"))
	if org == "" && !identity.IsSuperuser {
		org = identity.OrganizationID
	}
	return org
}

func (s *MCPServer) handleListOrganizations(
	ctx context.Context,
	request mcp.CallToolRequest,
) (*mcp.CallToolResult, error) {

	if err := s.guard.RequireSuperuser(s.identity(ctx)); err != nil {
		return serviceError(err)
	}
	orgs, err := s.store.ListOrganizations(ctx)
	if err != nil {
		return toolError("Failed to list organizations: %v", err)
	}
	return successJSON(orgs)
}

func (s *MCPServer) handleListAPIKeys(
	ctx context.Context,
	request mcp.CallToolRequest,
) (*mcp.CallToolResult, error) {

	identity := s.identity(ctx)
	org := scope(request, identity)
	if err := s.guard.Authorize(identity, model.CapReadAPIKeys, org); err != nil {
		return serviceError(err)
	}

	keys, err := s.keys.List(ctx, org)
	if err != nil {
		return serviceError(err)
	}
	return successJSON(map[string]interface{}{
		"resource": keys,
		"count":    len(keys),
	})
}

func (s *MCPServer) handleGetAPIKey(
	ctx context.Context,
	request mcp.CallToolRequest,
) (*mcp.CallToolResult, error) {

	id, err := requireString(request, "id")
	if err != nil {
		return toolError("%v", err)
	}

	key, lookupErr := s.keys.Get(ctx, id)
	if err := s.guard.AuthorizeKey(s.identity(ctx), model.CapReadAPIKeys, id, key, lookupErr); err != nil {
		return serviceError(err)
	}
	return successJSON(key)
}

func (s *MCPServer) handleRevokeAPIKey(
	ctx context.Context,
	request mcp.CallToolRequest,
) (*mcp.CallToolResult, error) {

	id, err := requireString(request, "id")
	if err != nil {
		return toolError("%v", err)
	}

	identity := s.identity(ctx)
	key, lookupErr := s.keys.Get(ctx, id)
	if err := s.guard.AuthorizeKey(identity, model.CapWriteAPIKeys, id, key, lookupErr); err != nil {
		return serviceError(err)
	}
	if err := s.keys.Revoke(ctx, id, identity); err != nil {
		return serviceError(err)
	}
	return successJSON(map[string]interface{}{
		"success": true,
		"id":      id,
		"message": "API key revoked",
	})
}

func (s *MCPServer) handleListAuditEvents(
	ctx context.Context,
	request mcp.CallToolRequest,
) (*mcp.CallToolResult, error) {

	identity := s.identity(ctx)
	org := scope(request, identity)
	if err := s.guard.Authorize(identity, model.CapReadAudit, org); err != nil {
		return serviceError(err)
	}

	limit := clamp(optionalInt(request, "limit", 50), 1, 1000)
	events, err := s.store.ListAuditEvents(ctx, org, limit)
	if err != nil {
		return toolError("Failed to list audit events: %v", err)
	}
	return successJSON(events)
}

func (s *MCPServer) handleListCircuitBreakers(
	ctx context.Context,
	request mcp.CallToolRequest,
) (*mcp.CallToolResult, error) {

	if err := s.guard.AuthorizeGlobal(s.identity(ctx), model.CapReadBreakers); err != nil {
		return serviceError(err)
	}
	return successJSON(s.breakers.List())
}

func (s *MCPServer) handleResetCircuitBreakers(
	ctx context.Context,
	request mcp.CallToolRequest,
) (*mcp.CallToolResult, error) {

	identity := s.identity(ctx)
	if err := s.guard.AuthorizeGlobal(identity, model.CapWriteBreakers); err != nil {
		return serviceError(err)
	}

	n := s.breakers.ResetAll()
	s.logger.Info("circuit breakers reset via MCP", "count", n, "actor", identity.Subject)
	if s.audit != nil {
		actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), auditTimeout)
		defer cancel()
		ev := model.AuditEvent{Action: model.AuditBreakerReset, Actor: identity.Subject}
		if err := s.audit.Record(actx, ev); err != nil {
			s.logger.Warn("failed to record audit event", "action", ev.Action, "error", err)
		}
	}
	return successJSON(map[string]interface{}{
		"success": true,
		"reset":   n,
	})
}

// serviceError reports a service failure to the client with its kind so
// the caller can tell a denial from a missing key.
func serviceError(err error) (*mcp.CallToolResult, error) {
	kind := model.KindOf(err)
	if kind == "" {
		return toolError("%v", err)
	}
	if kind == model.KindStorage {
		return toolError("%s: storage error", kind)
	}
	return toolError("%s: %v", kind, err)
}
