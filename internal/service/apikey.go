package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/faucetdb/warden/internal/config"
	"github.com/faucetdb/warden/internal/model"
)

const auditTimeout = 3 * time.Second

// KeyStore is the persistence the key service needs. *config.Store
// implements it.
type KeyStore interface {
	Toucher
	GetOrganization(ctx context.Context, id string) (*model.Organization, error)
	CreateAPIKey(ctx context.Context, key *model.APIKey) error
	GetAPIKey(ctx context.Context, id string) (*model.APIKey, error)
	GetAPIKeyByHash(ctx context.Context, hash string) (*model.APIKey, error)
	ListAPIKeys(ctx context.Context, organizationID string) ([]model.APIKey, error)
	RevokeAPIKey(ctx context.Context, id string) (bool, error)
}

// AuditSink receives audit events. Delivery failures never fail the
// operation that produced the event.
type AuditSink interface {
	Record(ctx context.Context, ev model.AuditEvent) error
}

// CreateAPIKeyRequest holds the caller-supplied fields for a new key.
type CreateAPIKeyRequest struct {
	Name           string     `json:"name"`
	OrganizationID string     `json:"organization_id"`
	Description    *string    `json:"description,omitempty"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
	Permissions    []string   `json:"permissions,omitempty"`
	RateLimit      *int       `json:"rate_limit,omitempty"`
}

// APIKeyOptions configures an APIKeyService.
type APIKeyOptions struct {
	Pepper        string
	Storage       StoragePolicy
	TouchInterval time.Duration
	TouchBuffer   int
}

// APIKeyService creates, validates and revokes organization-scoped API keys.
type APIKeyService struct {
	store    KeyStore
	audit    AuditSink
	hasher   *Hasher
	storage  StoragePolicy
	lastUsed *LastUsedRecorder
	logger   *slog.Logger
	now      func() time.Time
}

// NewAPIKeyService creates the service and starts its last-used recorder.
// Call Close to flush pending usage on shutdown. audit may be nil.
func NewAPIKeyService(store KeyStore, audit AuditSink, opts APIKeyOptions, logger *slog.Logger) *APIKeyService {
	if logger == nil {
		logger = slog.Default()
	}
	s := &APIKeyService{
		store:    store,
		audit:    audit,
		hasher:   NewHasher(opts.Pepper),
		storage:  opts.Storage.withDefaults(),
		lastUsed: NewLastUsedRecorder(store, opts.TouchInterval, opts.TouchBuffer, logger),
		logger:   logger,
		now:      time.Now,
	}
	s.lastUsed.Start()
	return s
}

// Close stops the last-used recorder after writing pending updates.
func (s *APIKeyService) Close() {
	s.lastUsed.Shutdown()
}

// FlushUsage writes pending last-used updates immediately.
func (s *APIKeyService) FlushUsage(ctx context.Context) {
	s.lastUsed.Flush(ctx)
}

// Create validates req, persists a new key and returns the record with the
// plaintext secret. The secret is returned exactly once and never stored.
func (s *APIKeyService) Create(ctx context.Context, req CreateAPIKeyRequest, creator model.Identity) (*model.APIKey, string, error) {
	key, err := s.buildKey(req, creator)
	if err != nil {
		return nil, "", err
	}
	key.CreatedBy = creator.Subject

	var org *model.Organization
	err = s.storage.do(ctx, "get organization", func(ctx context.Context) error {
		var err error
		org, err = s.store.GetOrganization(ctx, key.OrganizationID)
		return err
	})
	if errors.Is(err, config.ErrNotFound) || (err == nil && !org.IsActive) {
		return nil, "", model.NewValidationError("organization_id", "organization %q does not exist", key.OrganizationID)
	}
	if err != nil {
		return nil, "", err
	}

	plaintext, prefix, err := generateSecret()
	if err != nil {
		return nil, "", err
	}
	key.KeyPrefix = prefix
	key.KeyHash = s.hasher.Digest(plaintext)

	// Inserts are not retried; a retry after an unacknowledged commit would
	// leave an orphan key.
	once := s.storage
	once.Retries = 0
	if err := once.do(ctx, "create api key", func(ctx context.Context) error {
		return s.store.CreateAPIKey(ctx, key)
	}); err != nil {
		return nil, "", err
	}

	s.logger.Info("api key created",
		"key_id", key.ID,
		"key_prefix", key.KeyPrefix,
		"organization_id", key.OrganizationID,
		"created_by", key.CreatedBy,
	)
	s.recordAudit(ctx, model.AuditEvent{
		Action:         model.AuditKeyCreated,
		KeyID:          key.ID,
		OrganizationID: key.OrganizationID,
		Actor:          creator.Subject,
	})
	return key, plaintext, nil
}

// buildKey applies defaults and field constraints without touching storage.
// A key never carries a permission its non-superuser creator lacks.
func (s *APIKeyService) buildKey(req CreateAPIKeyRequest, creator model.Identity) (*model.APIKey, error) {
	name := strings.TrimSpace(req.Name)
	if n := utf8.RuneCountInString(name); n == 0 || n > model.MaxKeyNameLength {
		return nil, model.NewValidationError("name", "must be 1 to %d characters", model.MaxKeyNameLength)
	}

	orgID := strings.TrimSpace(req.OrganizationID)
	if orgID == "" {
		return nil, model.NewValidationError("organization_id", "is required")
	}

	rateLimit := model.DefaultRateLimit
	if req.RateLimit != nil {
		rateLimit = *req.RateLimit
	}
	if rateLimit < model.MinRateLimit || rateLimit > model.MaxRateLimit {
		return nil, model.NewValidationError("rate_limit", "must be between %d and %d", model.MinRateLimit, model.MaxRateLimit)
	}

	perms := make([]string, 0, len(req.Permissions))
	seen := make(map[model.Capability]bool, len(req.Permissions))
	for _, p := range req.Permissions {
		c, err := model.ParseCapability(p)
		if err != nil || !model.InCatalog(c) {
			return nil, model.NewValidationError("permissions", "unknown permission %q", p)
		}
		if !creator.IsSuperuser && !creator.Permissions.Has(c) {
			return nil, &model.Error{
				Kind:    model.KindInsufficientPermission,
				Field:   "permissions",
				Message: fmt.Sprintf("cannot grant %s without holding it", c),
			}
		}
		if seen[c] {
			continue
		}
		seen[c] = true
		perms = append(perms, c.String())
	}

	var expiresAt *time.Time
	if req.ExpiresAt != nil {
		t := req.ExpiresAt.UTC()
		if !t.After(s.now()) {
			return nil, model.NewValidationError("expires_at", "must be in the future")
		}
		expiresAt = &t
	}

	var desc *string
	if req.Description != nil {
		d := strings.TrimSpace(*req.Description)
		if d != "" {
			desc = &d
		}
	}

	return &model.APIKey{
		OrganizationID: orgID,
		Name:           name,
		Description:    desc,
		Permissions:    perms,
		RateLimit:      rateLimit,
		IsActive:       true,
		ExpiresAt:      expiresAt,
	}, nil
}

// Validate resolves a presented secret to its key record. Unknown,
// malformed, inactive and expired keys are rejected with distinct kinds.
// Storage failures are reported as invalid keys so that an unavailable
// store never grants access.
func (s *APIKeyService) Validate(ctx context.Context, plaintext string) (*model.APIKey, error) {
	prefix, ok := parseSecret(plaintext)
	if !ok {
		return nil, &model.Error{Kind: model.KindInvalidKey, Message: "malformed api key"}
	}
	digest := s.hasher.Digest(plaintext)

	var key *model.APIKey
	err := s.storage.do(ctx, "lookup api key", func(ctx context.Context) error {
		var err error
		key, err = s.store.GetAPIKeyByHash(ctx, digest)
		return err
	})
	switch {
	case errors.Is(err, config.ErrNotFound):
		return nil, &model.Error{Kind: model.KindInvalidKey, Message: "unknown api key"}
	case err != nil:
		s.logger.Warn("api key lookup failed, denying", "key_prefix", prefix, "error", err)
		return nil, &model.Error{Kind: model.KindInvalidKey, Message: "api key could not be verified", Err: err}
	}

	if !s.hasher.Equal(key.KeyHash, digest) || !s.hasher.Equal(key.KeyPrefix, prefix) {
		return nil, &model.Error{Kind: model.KindInvalidKey, Message: "unknown api key"}
	}

	now := s.now()
	if !key.IsActive {
		return nil, &model.Error{Kind: model.KindInactiveKey, Message: "api key has been revoked"}
	}
	if key.Expired(now) {
		return nil, &model.Error{Kind: model.KindExpiredKey, Message: "api key has expired"}
	}

	s.lastUsed.Record(key.ID, now)
	return key, nil
}

// Get returns a key record by ID.
func (s *APIKeyService) Get(ctx context.Context, id string) (*model.APIKey, error) {
	var key *model.APIKey
	err := s.storage.do(ctx, "get api key", func(ctx context.Context) error {
		var err error
		key, err = s.store.GetAPIKey(ctx, id)
		return err
	})
	if errors.Is(err, config.ErrNotFound) {
		return nil, keyNotFound(id)
	}
	if err != nil {
		return nil, err
	}
	return key, nil
}

// List returns the keys of an organization, or every key when
// organizationID is empty.
func (s *APIKeyService) List(ctx context.Context, organizationID string) ([]model.APIKey, error) {
	var keys []model.APIKey
	err := s.storage.do(ctx, "list api keys", func(ctx context.Context) error {
		var err error
		keys, err = s.store.ListAPIKeys(ctx, organizationID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return keys, nil
}

// Revoke deactivates a key. Revoking an already inactive key succeeds
// without emitting a second audit event.
func (s *APIKeyService) Revoke(ctx context.Context, id string, actor model.Identity) error {
	key, err := s.Get(ctx, id)
	if err != nil {
		return err
	}

	var changed bool
	err = s.storage.do(ctx, "revoke api key", func(ctx context.Context) error {
		var err error
		changed, err = s.store.RevokeAPIKey(ctx, id)
		return err
	})
	if errors.Is(err, config.ErrNotFound) {
		return keyNotFound(id)
	}
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}

	s.logger.Info("api key revoked",
		"key_id", key.ID,
		"key_prefix", key.KeyPrefix,
		"organization_id", key.OrganizationID,
		"revoked_by", actor.Subject,
	)
	s.recordAudit(ctx, model.AuditEvent{
		Action:         model.AuditKeyRevoked,
		KeyID:          key.ID,
		OrganizationID: key.OrganizationID,
		Actor:          actor.Subject,
	})
	return nil
}

// recordAudit delivers ev on a context detached from the request so a
// client disconnect does not drop the event. Failures are logged.
func (s *APIKeyService) recordAudit(ctx context.Context, ev model.AuditEvent) {
	if s.audit == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = s.now().UTC()
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), auditTimeout)
	defer cancel()
	if err := s.audit.Record(ctx, ev); err != nil {
		s.logger.Warn("failed to record audit event", "action", ev.Action, "key_id", ev.KeyID, "error", err)
	}
}

func keyNotFound(id string) error {
	return &model.Error{Kind: model.KindNotFound, Message: "api key not found: " + id}
}
