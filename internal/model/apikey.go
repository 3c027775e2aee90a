package model

import "time"

// API key rate limit bounds, in requests per rate window.
const (
	DefaultRateLimit = 1000
	MinRateLimit     = 1
	MaxRateLimit     = 100000
)

// MaxKeyNameLength is the longest accepted API key name, in characters.
const MaxKeyNameLength = 100

// APIKey represents an organization-scoped API key. The raw secret is never
// stored; only a keyed digest and a short prefix for identification are
// persisted.
type APIKey struct {
	ID             string     `json:"id" db:"id"`
	OrganizationID string     `json:"organization_id" db:"organization_id"`
	CreatedBy      string     `json:"created_by" db:"created_by"`
	Name           string     `json:"name" db:"name"`
	Description    *string    `json:"description,omitempty" db:"description"`
	KeyHash        string     `json:"-" db:"key_hash"` // keyed digest, never expose
	KeyPrefix      string     `json:"key_prefix" db:"key_prefix"`
	Permissions    []string   `json:"permissions"`
	RateLimit      int        `json:"rate_limit" db:"rate_limit"`
	IsActive       bool       `json:"is_active" db:"is_active"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty" db:"expires_at"`
	LastUsedAt     *time.Time `json:"last_used_at,omitempty" db:"last_used_at"`
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at" db:"updated_at"`
}

// Expired reports whether the key has an expiry at or before now.
func (k *APIKey) Expired(now time.Time) bool {
	return k.ExpiresAt != nil && !now.Before(*k.ExpiresAt)
}

// Capabilities returns the key's permissions as a CapabilitySet. Entries
// that do not parse are skipped.
func (k *APIKey) Capabilities() CapabilitySet {
	set := make(CapabilitySet, len(k.Permissions))
	for _, p := range k.Permissions {
		if c, err := ParseCapability(p); err == nil {
			set[c] = struct{}{}
		}
	}
	return set
}
