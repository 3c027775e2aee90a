package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"

	"github.com/faucetdb/warden/internal/circuitbreaker"
	"github.com/faucetdb/warden/internal/model"
	"github.com/faucetdb/warden/internal/server/middleware"
	"github.com/faucetdb/warden/internal/service"
)

const maxOrganizationNameLength = 100

// SystemStore is the persistence the system handler reads directly.
// *config.Store implements it.
type SystemStore interface {
	CreateOrganization(ctx context.Context, org *model.Organization) error
	ListOrganizations(ctx context.Context) ([]model.Organization, error)
	ListAuditEvents(ctx context.Context, organizationID string, limit int) ([]model.AuditEvent, error)
}

// SystemHandler serves warden's administrative API: organizations, API
// keys, the audit log and circuit breakers.
type SystemHandler struct {
	store    SystemStore
	keys     *service.APIKeyService
	guard    *service.Guard
	breakers *circuitbreaker.Registry
	audit    service.AuditSink
	logger   *slog.Logger
}

// NewSystemHandler creates a new SystemHandler. audit may be nil.
func NewSystemHandler(store SystemStore, keys *service.APIKeyService, guard *service.Guard, breakers *circuitbreaker.Registry, audit service.AuditSink, logger *slog.Logger) *SystemHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &SystemHandler{
		store:    store,
		keys:     keys,
		guard:    guard,
		breakers: breakers,
		audit:    audit,
		logger:   logger,
	}
}

// caller returns the authenticated identity or writes a 401.
func caller(w http.ResponseWriter, r *http.Request) (model.Identity, bool) {
	identity, ok := middleware.GetIdentity(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Authentication required")
	}
	return identity, ok
}

// scopeOrganization resolves the organization a list request targets. A
// non-superuser who names no organization gets their own.
func scopeOrganization(r *http.Request, identity model.Identity) string {
	org := strings.TrimSpace(queryString(r, "organization_id"))
	if org == "" && !identity.IsSuperuser {
		org = identity.OrganizationID
	}
	return org
}

// ---------------------------------------------------------------------------
// Organizations
// ---------------------------------------------------------------------------

type createOrganizationRequest struct {
	Name string `json:"name"`
}

// CreateOrganization registers a new organization.
// POST /api/v1/system/organization
func (h *SystemHandler) CreateOrganization(w http.ResponseWriter, r *http.Request) {
	var req createOrganizationRequest
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	name := strings.TrimSpace(req.Name)
	if n := utf8.RuneCountInString(name); n == 0 || n > maxOrganizationNameLength {
		writeServiceError(w, model.NewValidationError("name", "must be 1 to %d characters", maxOrganizationNameLength))
		return
	}

	org := &model.Organization{Name: name, IsActive: true}
	if err := h.store.CreateOrganization(r.Context(), org); err != nil {
		h.logger.Error("create organization failed", "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to create organization")
		return
	}
	writeJSON(w, http.StatusCreated, org)
}

// ListOrganizations returns every organization.
// GET /api/v1/system/organization
func (h *SystemHandler) ListOrganizations(w http.ResponseWriter, r *http.Request) {
	orgs, err := h.store.ListOrganizations(r.Context())
	if err != nil {
		h.logger.Error("list organizations failed", "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to list organizations")
		return
	}
	writeJSON(w, http.StatusOK, listResponse(orgs, len(orgs)))
}

// ---------------------------------------------------------------------------
// API keys
// ---------------------------------------------------------------------------

// createAPIKeyResponse includes the plaintext key, shown once only.
type createAPIKeyResponse struct {
	*model.APIKey
	Key string `json:"api_key"`
}

// CreateAPIKey creates a key for the organization named in the body and
// returns the plaintext secret exactly once.
// POST /api/v1/system/api-key
func (h *SystemHandler) CreateAPIKey(w http.ResponseWriter, r *http.Request) {
	identity, ok := caller(w, r)
	if !ok {
		return
	}

	var req service.CreateAPIKeyRequest
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	if err := h.guard.Authorize(identity, model.CapWriteAPIKeys, strings.TrimSpace(req.OrganizationID)); err != nil {
		writeServiceError(w, err)
		return
	}

	key, secret, err := h.keys.Create(r.Context(), req, identity)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, createAPIKeyResponse{APIKey: key, Key: secret})
}

// ListAPIKeys returns the keys of one organization. Superusers may omit
// organization_id to list every key.
// GET /api/v1/system/api-key
func (h *SystemHandler) ListAPIKeys(w http.ResponseWriter, r *http.Request) {
	identity, ok := caller(w, r)
	if !ok {
		return
	}

	org := scopeOrganization(r, identity)
	if err := h.guard.Authorize(identity, model.CapReadAPIKeys, org); err != nil {
		writeServiceError(w, err)
		return
	}

	keys, err := h.keys.List(r.Context(), org)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse(keys, len(keys)))
}

// GetAPIKey returns a single key record. The secret is never included.
// GET /api/v1/system/api-key/{keyId}
func (h *SystemHandler) GetAPIKey(w http.ResponseWriter, r *http.Request) {
	identity, ok := caller(w, r)
	if !ok {
		return
	}

	id := chi.URLParam(r, "keyId")
	key, lookupErr := h.keys.Get(r.Context(), id)
	if err := h.guard.AuthorizeKey(identity, model.CapReadAPIKeys, id, key, lookupErr); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, key)
}

// RevokeAPIKey deactivates a key. Revoking an inactive key succeeds.
// DELETE /api/v1/system/api-key/{keyId}
func (h *SystemHandler) RevokeAPIKey(w http.ResponseWriter, r *http.Request) {
	identity, ok := caller(w, r)
	if !ok {
		return
	}

	id := chi.URLParam(r, "keyId")
	key, lookupErr := h.keys.Get(r.Context(), id)
	if err := h.guard.AuthorizeKey(identity, model.CapWriteAPIKeys, id, key, lookupErr); err != nil {
		writeServiceError(w, err)
		return
	}

	if err := h.keys.Revoke(r.Context(), id, identity); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "API key revoked",
	})
}

// ---------------------------------------------------------------------------
// Audit log
// ---------------------------------------------------------------------------

// ListAuditEvents returns recent audit events, newest first.
// GET /api/v1/system/audit
func (h *SystemHandler) ListAuditEvents(w http.ResponseWriter, r *http.Request) {
	identity, ok := caller(w, r)
	if !ok {
		return
	}

	org := scopeOrganization(r, identity)
	if err := h.guard.Authorize(identity, model.CapReadAudit, org); err != nil {
		writeServiceError(w, err)
		return
	}

	limit := clampInt(queryInt(r, "limit", 100), 1, 1000)
	events, err := h.store.ListAuditEvents(r.Context(), org, limit)
	if err != nil {
		h.logger.Error("list audit events failed", "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to list audit events")
		return
	}
	writeJSON(w, http.StatusOK, listResponse(events, len(events)))
}

// ---------------------------------------------------------------------------
// Circuit breakers
// ---------------------------------------------------------------------------

// ListCircuitBreakers returns the state of every tracked breaker.
// GET /api/v1/system/circuit-breaker
func (h *SystemHandler) ListCircuitBreakers(w http.ResponseWriter, r *http.Request) {
	identity, ok := caller(w, r)
	if !ok {
		return
	}
	if err := h.guard.AuthorizeGlobal(identity, model.CapReadBreakers); err != nil {
		writeServiceError(w, err)
		return
	}

	stats := h.breakers.List()
	writeJSON(w, http.StatusOK, listResponse(stats, len(stats)))
}

// ResetCircuitBreakers forces every breaker closed.
// POST /api/v1/system/circuit-breaker/reset
func (h *SystemHandler) ResetCircuitBreakers(w http.ResponseWriter, r *http.Request) {
	identity, ok := caller(w, r)
	if !ok {
		return
	}
	if err := h.guard.AuthorizeGlobal(identity, model.CapWriteBreakers); err != nil {
		writeServiceError(w, err)
		return
	}

	n := h.breakers.ResetAll()
	h.logger.Info("circuit breakers reset by operator", "count", n, "actor", identity.Subject)
	if h.audit != nil {
		ev := model.AuditEvent{Action: model.AuditBreakerReset, Actor: identity.Subject}
		if err := h.audit.Record(context.WithoutCancel(r.Context()), ev); err != nil {
			h.logger.Warn("failed to record audit event", "action", ev.Action, "error", err)
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"reset":   n,
	})
}

// ---------------------------------------------------------------------------
// Self
// ---------------------------------------------------------------------------

// Self returns the record of the API key making the request.
// GET /api/v1/self
func Self(w http.ResponseWriter, r *http.Request) {
	key := middleware.GetAPIKey(r.Context())
	if key == nil {
		writeError(w, http.StatusUnauthorized, "Authentication required")
		return
	}
	writeJSON(w, http.StatusOK, key)
}
