package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/faucetdb/warden/internal/audit"
	"github.com/faucetdb/warden/internal/circuitbreaker"
	"github.com/faucetdb/warden/internal/config"
	"github.com/faucetdb/warden/internal/model"
	"github.com/faucetdb/warden/internal/server/middleware"
	"github.com/faucetdb/warden/internal/service"
)

const testPepper = "test-pepper-for-handler-tests"

var (
	superuser = model.Identity{Subject: "root", IsSuperuser: true, IsActive: true}
	anonymous = model.Identity{}
)

// testEnv holds shared state for handler integration tests.
type testEnv struct {
	store    *config.Store
	keys     *service.APIKeyService
	breakers *circuitbreaker.Registry
	handler  *SystemHandler
	router   chi.Router
	org      *model.Organization
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestEnv creates a fresh test environment with an in-memory key store,
// a system handler, and a Chi router with routes mounted. Authentication is
// replaced by the identity passed to do.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	store, err := config.NewStore("") // in-memory SQLite
	if err != nil {
		t.Fatalf("config.NewStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	org := &model.Organization{Name: "acme", IsActive: true}
	if err := store.CreateOrganization(context.Background(), org); err != nil {
		t.Fatalf("CreateOrganization: %v", err)
	}

	sink := audit.NewStoreSink(store)
	keys := service.NewAPIKeyService(store, sink, service.APIKeyOptions{
		Pepper:        testPepper,
		TouchInterval: time.Hour,
	}, discardLogger())
	t.Cleanup(keys.Close)

	breakers := circuitbreaker.NewRegistry(circuitbreaker.RegistryConfig{
		Default: circuitbreaker.Config{Threshold: 2, Cooldown: time.Minute},
	}, discardLogger())

	sysHandler := NewSystemHandler(store, keys, service.NewGuard(), breakers, sink, discardLogger())

	r := chi.NewRouter()
	r.Route("/api/v1/system", func(r chi.Router) {
		r.Get("/organization", sysHandler.ListOrganizations)
		r.Post("/organization", sysHandler.CreateOrganization)

		r.Get("/api-key", sysHandler.ListAPIKeys)
		r.Post("/api-key", sysHandler.CreateAPIKey)
		r.Get("/api-key/{keyId}", sysHandler.GetAPIKey)
		r.Delete("/api-key/{keyId}", sysHandler.RevokeAPIKey)

		r.Get("/audit", sysHandler.ListAuditEvents)

		r.Get("/circuit-breaker", sysHandler.ListCircuitBreakers)
		r.Post("/circuit-breaker/reset", sysHandler.ResetCircuitBreakers)
	})

	return &testEnv{
		store:    store,
		keys:     keys,
		breakers: breakers,
		handler:  sysHandler,
		router:   r,
		org:      org,
	}
}

// member returns an identity in the test organization holding perms.
func (e *testEnv) member(perms ...model.Capability) model.Identity {
	return model.Identity{
		Subject:        "user-1",
		OrganizationID: e.org.ID,
		Permissions:    model.NewCapabilitySet(perms...),
		IsActive:       true,
	}
}

// seedKey creates a key in the test organization and returns it with its
// secret.
func (e *testEnv) seedKey(t *testing.T, name string) (*model.APIKey, string) {
	t.Helper()
	key, secret, err := e.keys.Create(context.Background(), service.CreateAPIKeyRequest{
		Name:           name,
		OrganizationID: e.org.ID,
		Permissions:    []string{"integrations:call"},
	}, superuser)
	if err != nil {
		t.Fatalf("seedKey: %v", err)
	}
	return key, secret
}

// do executes an HTTP request as identity against the test router and
// returns the recorder. A zero identity sends the request unauthenticated.
func (e *testEnv) do(t *testing.T, identity model.Identity, method, path string, body io.Reader) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if identity.Subject != "" {
		req = req.WithContext(middleware.WithIdentity(req.Context(), identity))
	}
	rr := httptest.NewRecorder()
	e.router.ServeHTTP(rr, req)
	return rr
}

// toJSON marshals v to a JSON reader for use as a request body.
func toJSON(t *testing.T, v interface{}) *bytes.Buffer {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("json.Marshal: %v", err)
	}
	return bytes.NewBuffer(b)
}

// assertStatus checks the HTTP status code.
func assertStatus(t *testing.T, rr *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rr.Code != want {
		t.Fatalf("status = %d, want %d; body: %s", rr.Code, want, rr.Body.String())
	}
}

// decodeJSON decodes the response body into v.
func decodeJSON(t *testing.T, rr *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(rr.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v; body: %s", err, rr.Body.String())
	}
}

// errorKind decodes an error envelope and returns its kind.
func errorKind(t *testing.T, rr *httptest.ResponseRecorder) model.Kind {
	t.Helper()
	var resp model.ErrorResponse
	decodeJSON(t, rr, &resp)
	return resp.Error.Kind
}
