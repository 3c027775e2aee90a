package service

import (
	"context"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/faucetdb/warden/internal/model"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrIdentityInactive   = errors.New("identity is inactive")
)

const tokenIssuer = "warden"

// IdentityVerifier resolves bearer tokens into identities. Tokens are HS256
// JWTs issued by an upstream identity provider or by IssueToken.
type IdentityVerifier struct {
	secret []byte
}

// NewIdentityVerifier creates a verifier for tokens signed with secret.
func NewIdentityVerifier(secret string) *IdentityVerifier {
	return &IdentityVerifier{secret: []byte(secret)}
}

type identityClaims struct {
	OrganizationID string   `json:"org_id"`
	Superuser      bool     `json:"superuser,omitempty"`
	Permissions    []string `json:"permissions,omitempty"`
	Active         *bool    `json:"active,omitempty"`
	jwt.RegisteredClaims
}

// Verify checks the token signature and expiry and returns the identity it
// carries. Identities marked inactive are rejected.
func (v *IdentityVerifier) Verify(ctx context.Context, tokenStr string) (model.Identity, error) {
	claims := &identityClaims{}

	token, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return v.secret, nil
	}, jwt.WithIssuedAt())
	if err != nil || !token.Valid {
		return model.Identity{}, ErrInvalidCredentials
	}
	if claims.Subject == "" {
		return model.Identity{}, ErrInvalidCredentials
	}

	perms, err := model.ParseCapabilitySet(claims.Permissions)
	if err != nil {
		return model.Identity{}, ErrInvalidCredentials
	}

	identity := model.Identity{
		Subject:        claims.Subject,
		OrganizationID: claims.OrganizationID,
		IsSuperuser:    claims.Superuser,
		Permissions:    perms,
		IsActive:       claims.Active == nil || *claims.Active,
	}
	if !identity.IsActive {
		return model.Identity{}, ErrIdentityInactive
	}
	return identity, nil
}

// IssueToken signs a token for identity valid for ttl.
func (v *IdentityVerifier) IssueToken(ctx context.Context, identity model.Identity, ttl time.Duration) (string, error) {
	now := time.Now()
	active := identity.IsActive
	claims := identityClaims{
		OrganizationID: identity.OrganizationID,
		Superuser:      identity.IsSuperuser,
		Permissions:    identity.Permissions.Strings(),
		Active:         &active,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   identity.Subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			Issuer:    tokenIssuer,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}
