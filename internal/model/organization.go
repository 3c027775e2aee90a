package model

import "time"

// Organization owns API keys. Keys can only be created for an organization
// that exists and is active.
type Organization struct {
	ID        string    `json:"id" db:"id"`
	Name      string    `json:"name" db:"name"`
	IsActive  bool      `json:"is_active" db:"is_active"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Audit actions recorded by the key service and the breaker admin surface.
const (
	AuditKeyCreated   = "api_key.created"
	AuditKeyRevoked   = "api_key.revoked"
	AuditBreakerReset = "breakers.reset"
)

// AuditEvent is an append-only record of a security-relevant action.
type AuditEvent struct {
	ID             string    `json:"id" db:"id"`
	Action         string    `json:"action" db:"action"`
	KeyID          string    `json:"key_id,omitempty" db:"key_id"`
	OrganizationID string    `json:"organization_id,omitempty" db:"organization_id"`
	Actor          string    `json:"actor" db:"actor"`
	At             time.Time `json:"at" db:"at"`
}
