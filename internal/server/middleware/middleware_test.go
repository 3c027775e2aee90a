package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/faucetdb/warden/internal/config"
	"github.com/faucetdb/warden/internal/model"
	"github.com/faucetdb/warden/internal/ratelimit"
	"github.com/faucetdb/warden/internal/service"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func decodeError(t *testing.T, rr *httptest.ResponseRecorder) model.ErrorDetail {
	t.Helper()
	var resp model.ErrorResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode error body %q: %v", rr.Body.String(), err)
	}
	return resp.Error
}

// newKeyService returns a key service over an in-memory store with one
// organization, and a freshly created key for it.
func newKeyService(t *testing.T, rateLimit int) (*service.APIKeyService, *model.APIKey, string) {
	t.Helper()
	store, err := config.NewStore("")
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	org := &model.Organization{Name: "acme", IsActive: true}
	if err := store.CreateOrganization(context.Background(), org); err != nil {
		t.Fatalf("CreateOrganization: %v", err)
	}

	svc := service.NewAPIKeyService(store, nil, service.APIKeyOptions{Pepper: "p"}, discardLogger())
	t.Cleanup(svc.Close)

	key, secret, err := svc.Create(context.Background(), service.CreateAPIKeyRequest{
		Name:           "test",
		OrganizationID: org.ID,
		Permissions:    []string{"integrations:call"},
		RateLimit:      &rateLimit,
	}, model.Identity{Subject: "tester", IsSuperuser: true, IsActive: true})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return svc, key, secret
}

// ---------------------------------------------------------------------------
// RequestID middleware tests
// ---------------------------------------------------------------------------

func TestRequestIDGeneratesUUID(t *testing.T) {
	handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if GetRequestID(r.Context()) == "" {
			t.Error("expected non-empty request ID in context")
		}
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest("GET", "/test", nil))

	if respID := rr.Header().Get("X-Request-ID"); len(respID) != 36 {
		t.Errorf("expected UUID-length request ID, got %q", respID)
	}
}

func TestRequestIDPreservesClientID(t *testing.T) {
	clientID := "my-custom-trace-id-123"

	handler := RequestID(okHandler())
	req := httptest.NewRequest("GET", "/test", nil)
	req.Header.Set("X-Request-ID", clientID)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if got := rr.Header().Get("X-Request-ID"); got != clientID {
		t.Errorf("expected response X-Request-ID %q, got %q", clientID, got)
	}
}

func TestRequestIDReplacesUnsafeClientID(t *testing.T) {
	for _, bad := range []string{"has space", "new\nline", strings.Repeat("a", 200)} {
		handler := RequestID(okHandler())
		req := httptest.NewRequest("GET", "/test", nil)
		req.Header.Set("X-Request-ID", bad)
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)

		if got := rr.Header().Get("X-Request-ID"); got == bad || len(got) != 36 {
			t.Errorf("client ID %q should be replaced, got %q", bad, got)
		}
	}
}

// ---------------------------------------------------------------------------
// Authenticate (bearer identity) tests
// ---------------------------------------------------------------------------

func TestAuthenticateAttachesIdentity(t *testing.T) {
	verifier := service.NewIdentityVerifier("secret")
	token, _ := verifier.IssueToken(context.Background(), model.Identity{
		Subject: "alice", OrganizationID: "org-1", IsActive: true,
	}, time.Hour)

	handler := Authenticate(verifier)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := GetIdentity(r.Context())
		if !ok || id.Subject != "alice" || id.OrganizationID != "org-1" {
			t.Errorf("identity = %+v, ok = %v", id, ok)
		}
	}))

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rr.Code)
	}
}

func TestAuthenticateRejects(t *testing.T) {
	verifier := service.NewIdentityVerifier("secret")
	inactive, _ := verifier.IssueToken(context.Background(), model.Identity{Subject: "bob"}, time.Hour)

	tests := []struct {
		name   string
		header string
	}{
		{"missing", ""},
		{"not bearer", "Basic abc"},
		{"garbage", "Bearer nope"},
		{"inactive", "Bearer " + inactive},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := Authenticate(verifier)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				t.Error("inner handler should not be called")
			}))
			req := httptest.NewRequest("GET", "/", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)

			if rr.Code != http.StatusUnauthorized {
				t.Errorf("expected 401, got %d", rr.Code)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// RequireSuperuser / RequireKeyPermission tests
// ---------------------------------------------------------------------------

func TestRequireSuperuser(t *testing.T) {
	guard := service.NewGuard()

	tests := []struct {
		name string
		ctx  func(context.Context) context.Context
		want int
	}{
		{"superuser", func(c context.Context) context.Context {
			return WithIdentity(c, model.Identity{Subject: "root", IsSuperuser: true, IsActive: true})
		}, http.StatusOK},
		{"member", func(c context.Context) context.Context {
			return WithIdentity(c, model.Identity{Subject: "u", OrganizationID: "o", IsActive: true})
		}, http.StatusForbidden},
		{"unauthenticated", func(c context.Context) context.Context { return c }, http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/admin", nil)
			req = req.WithContext(tt.ctx(req.Context()))
			rr := httptest.NewRecorder()
			RequireSuperuser(guard)(okHandler()).ServeHTTP(rr, req)
			if rr.Code != tt.want {
				t.Errorf("expected %d, got %d", tt.want, rr.Code)
			}
		})
	}
}

func TestRequireKeyPermission(t *testing.T) {
	guard := service.NewGuard()
	key := &model.APIKey{ID: "k1", OrganizationID: "org-1", Permissions: []string{"api_keys:read"}, IsActive: true}

	req := httptest.NewRequest("GET", "/", nil)
	req = req.WithContext(WithAPIKey(req.Context(), key))

	rr := httptest.NewRecorder()
	RequireKeyPermission(guard, model.CapReadAPIKeys)(okHandler()).ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	RequireKeyPermission(guard, model.CapCallIntegrations)(okHandler()).ServeHTTP(rr, req)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rr.Code)
	}
	if d := decodeError(t, rr); d.Kind != model.KindInsufficientPermission {
		t.Errorf("kind = %q", d.Kind)
	}
}

// ---------------------------------------------------------------------------
// AuthenticateAPIKey + KeyQuota tests
// ---------------------------------------------------------------------------

func TestAuthenticateAPIKey(t *testing.T) {
	svc, key, secret := newKeyService(t, 10)

	handler := AuthenticateAPIKey(svc, "")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := GetAPIKey(r.Context())
		if got == nil || got.ID != key.ID {
			t.Errorf("api key = %+v", got)
		}
		id, _ := GetIdentity(r.Context())
		if id.OrganizationID != key.OrganizationID || !id.Permissions.Has(model.CapCallIntegrations) {
			t.Errorf("identity = %+v", id)
		}
	}))

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set(DefaultAPIKeyHeader, secret)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	// Revoked key reports its own kind.
	if err := svc.Revoke(context.Background(), key.ID, model.Identity{Subject: "root", IsSuperuser: true}); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
	if d := decodeError(t, rr); d.Kind != model.KindInactiveKey {
		t.Errorf("kind = %q, want inactive_key", d.Kind)
	}
}

func TestAuthenticateAPIKeyMissingHeader(t *testing.T) {
	svc, _, _ := newKeyService(t, 10)
	rr := httptest.NewRecorder()
	AuthenticateAPIKey(svc, "X-Custom-Key")(okHandler()).ServeHTTP(rr, httptest.NewRequest("GET", "/", nil))
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rr.Code)
	}
}

func TestKeyQuota(t *testing.T) {
	svc, _, secret := newKeyService(t, 2)
	limiter := ratelimit.NewMemoryLimiter(time.Minute)
	defer limiter.Close()

	handler := AuthenticateAPIKey(svc, "")(KeyQuota(limiter, discardLogger())(okHandler()))

	do := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest("GET", "/", nil)
		req.Header.Set(DefaultAPIKeyHeader, secret)
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		return rr
	}

	for i := 0; i < 2; i++ {
		rr := do()
		if rr.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i+1, rr.Code)
		}
		if rr.Header().Get("X-RateLimit-Limit") != "2" {
			t.Errorf("X-RateLimit-Limit = %q", rr.Header().Get("X-RateLimit-Limit"))
		}
	}

	rr := do()
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rr.Code)
	}
	if rr.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}
	if rr.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Errorf("X-RateLimit-Remaining = %q", rr.Header().Get("X-RateLimit-Remaining"))
	}
	if d := decodeError(t, rr); d.Kind != model.KindRateLimited {
		t.Errorf("kind = %q", d.Kind)
	}
}

func TestRateLimitByIP(t *testing.T) {
	handler := RateLimit(1)(okHandler())

	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "10.0.0.1:1234"

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rr.Code)
	}
	if decodeError(t, rr).Kind != model.KindRateLimited {
		t.Error("expected rate_limited kind")
	}
}

// ---------------------------------------------------------------------------
// Error mapping and logging
// ---------------------------------------------------------------------------

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{model.NewValidationError("name", "bad"), http.StatusBadRequest},
		{model.ErrInvalidKey, http.StatusUnauthorized},
		{model.ErrExpiredKey, http.StatusUnauthorized},
		{model.ErrWrongOrganization, http.StatusForbidden},
		{model.ErrInsufficientPermission, http.StatusForbidden},
		{model.ErrNotFound, http.StatusNotFound},
		{model.NewRateLimitedError(time.Second), http.StatusTooManyRequests},
		{model.NewUnavailableError("crm", time.Second), http.StatusServiceUnavailable},
		{model.NewStorageError("op", true, io.EOF), http.StatusServiceUnavailable},
		{model.NewStorageError("op", false, io.EOF), http.StatusInternalServerError},
		{io.EOF, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := StatusFor(tt.err); got != tt.want {
			t.Errorf("StatusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestWriteErrorHidesStorageCause(t *testing.T) {
	rr := httptest.NewRecorder()
	WriteError(rr, model.NewStorageError("get", false, io.ErrUnexpectedEOF))

	if strings.Contains(rr.Body.String(), "unexpected EOF") {
		t.Errorf("storage cause leaked: %s", rr.Body.String())
	}
}

func TestWriteErrorValidationField(t *testing.T) {
	rr := httptest.NewRecorder()
	WriteError(rr, model.NewValidationError("rate_limit", "must be between 1 and 100000"))

	d := decodeError(t, rr)
	if d.Code != http.StatusBadRequest || d.Kind != model.KindValidation || d.Context["field"] != "rate_limit" {
		t.Errorf("detail = %+v", d)
	}
}

func TestRetryAfterRoundsUp(t *testing.T) {
	rr := httptest.NewRecorder()
	WriteError(rr, model.NewUnavailableError("crm", 1500*time.Millisecond))
	if got := rr.Header().Get("Retry-After"); got != "2" {
		t.Errorf("Retry-After = %q, want 2", got)
	}
}

func TestLoggerIncludesAnnotations(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		annotate(r.Context(), "key_id", "k-42")
		w.WriteHeader(http.StatusTeapot)
	})
	Logger(logger)(inner).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/x", nil))

	out := buf.String()
	if !strings.Contains(out, `"key_id":"k-42"`) || !strings.Contains(out, `"status":418`) {
		t.Errorf("unexpected log line: %s", out)
	}
	if !strings.Contains(out, `"level":"WARN"`) {
		t.Errorf("4xx should log at warn: %s", out)
	}
}
