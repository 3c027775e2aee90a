package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/faucetdb/warden/internal/model"
	"github.com/faucetdb/warden/internal/service"
)

type contextKeyAuth string

const (
	identityKey contextKeyAuth = "auth_identity"
	apiKeyKey   contextKeyAuth = "auth_api_key"
)

// DefaultAPIKeyHeader carries API key secrets on ordinary API traffic.
const DefaultAPIKeyHeader = "X-API-Key"

// Authenticate resolves the Bearer token in the Authorization header into
// an identity and attaches it to the request context. Requests without a
// valid, active identity get a 401.
func Authenticate(verifier *service.IdentityVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if !strings.HasPrefix(authHeader, "Bearer ") {
				writeAuthError(w, http.StatusUnauthorized, "Authentication required. Provide a Bearer token.")
				return
			}

			identity, err := verifier.Verify(r.Context(), strings.TrimPrefix(authHeader, "Bearer "))
			if err != nil {
				msg := "Invalid token"
				if errors.Is(err, service.ErrIdentityInactive) {
					msg = "Identity is inactive"
				}
				writeAuthError(w, http.StatusUnauthorized, msg)
				return
			}

			annotate(r.Context(), "subject", identity.Subject)
			ctx := context.WithValue(r.Context(), identityKey, identity)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// AuthenticateAPIKey validates the API key presented in header and
// attaches both the key record and an identity derived from it. Invalid,
// revoked and expired keys get a 401 with distinct kinds.
func AuthenticateAPIKey(keys *service.APIKeyService, header string) func(http.Handler) http.Handler {
	if header == "" {
		header = DefaultAPIKeyHeader
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			secret := r.Header.Get(header)
			if secret == "" {
				writeAuthError(w, http.StatusUnauthorized, "Authentication required. Provide the "+header+" header.")
				return
			}

			key, err := keys.Validate(r.Context(), secret)
			if err != nil {
				WriteError(w, err)
				return
			}

			annotate(r.Context(), "key_id", key.ID)
			annotate(r.Context(), "organization_id", key.OrganizationID)
			ctx := context.WithValue(r.Context(), apiKeyKey, key)
			ctx = context.WithValue(ctx, identityKey, KeyIdentity(key))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// KeyIdentity is the identity an API key acts as: scoped to its own
// organization with exactly its own permissions.
func KeyIdentity(key *model.APIKey) model.Identity {
	return model.Identity{
		Subject:        "api_key:" + key.ID,
		OrganizationID: key.OrganizationID,
		Permissions:    key.Capabilities(),
		IsActive:       key.IsActive,
	}
}

// RequireSuperuser rejects identities without superuser access. It must be
// used after Authenticate.
func RequireSuperuser(guard *service.Guard) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity, ok := GetIdentity(r.Context())
			if !ok {
				writeAuthError(w, http.StatusUnauthorized, "Authentication required")
				return
			}
			if err := guard.RequireSuperuser(identity); err != nil {
				WriteError(w, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireKeyPermission rejects API keys that lack capability. It must be
// used after AuthenticateAPIKey.
func RequireKeyPermission(guard *service.Guard, capability model.Capability) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity, ok := GetIdentity(r.Context())
			if !ok {
				writeAuthError(w, http.StatusUnauthorized, "Authentication required")
				return
			}
			if err := guard.Authorize(identity, capability, identity.OrganizationID); err != nil {
				WriteError(w, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// GetIdentity returns the authenticated identity from the context.
func GetIdentity(ctx context.Context) (model.Identity, bool) {
	id, ok := ctx.Value(identityKey).(model.Identity)
	return id, ok
}

// GetAPIKey returns the validated API key from the context, or nil.
func GetAPIKey(ctx context.Context) *model.APIKey {
	if k, ok := ctx.Value(apiKeyKey).(*model.APIKey); ok {
		return k
	}
	return nil
}

// WithIdentity returns a copy of ctx carrying identity.
func WithIdentity(ctx context.Context, identity model.Identity) context.Context {
	return context.WithValue(ctx, identityKey, identity)
}

// WithAPIKey returns a copy of ctx carrying key and its identity.
func WithAPIKey(ctx context.Context, key *model.APIKey) context.Context {
	ctx = context.WithValue(ctx, apiKeyKey, key)
	return context.WithValue(ctx, identityKey, KeyIdentity(key))
}

func writeAuthError(w http.ResponseWriter, status int, message string) {
	writeErrorDetail(w, model.ErrorDetail{Code: status, Message: message})
}
