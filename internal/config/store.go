package config

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/faucetdb/warden/internal/model"
)

// Supported store dialects.
const (
	DialectSQLite   = "sqlite"
	DialectPostgres = "postgres"
	DialectMySQL    = "mysql"
)

// Store is Warden's durable key store. It persists organizations, API key
// records, and the audit log. SQLite is the default; PostgreSQL and MySQL
// are supported for shared deployments.
type Store struct {
	db      *sqlx.DB
	dialect string
}

// NewStore creates a SQLite-backed store under dataDir. Pass empty string
// for in-memory.
func NewStore(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == "" {
		dsn = ":memory:?_journal_mode=WAL"
	} else {
		if err := os.MkdirAll(dataDir, 0755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
		dsn = filepath.Join(dataDir, "warden.db") + "?_journal_mode=WAL&_busy_timeout=5000"
	}
	return Open(DialectSQLite, dsn)
}

// Open connects to the store using the given dialect and DSN and applies
// migrations.
func Open(dialect, dsn string) (*Store, error) {
	var driverName string
	switch dialect {
	case DialectSQLite, "":
		dialect, driverName = DialectSQLite, "sqlite"
	case DialectPostgres, "postgresql", "pgx":
		dialect, driverName = DialectPostgres, "pgx"
	case DialectMySQL:
		driverName = "mysql"
		var err error
		if dsn, err = normalizeMySQLDSN(dsn); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported store driver %q (want sqlite, postgres or mysql)", dialect)
	}

	db, err := sqlx.Connect(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open key store: %w", err)
	}

	if dialect == DialectSQLite {
		db.SetMaxOpenConns(1) // SQLite doesn't support concurrent writes

		// Enable foreign keys (off by default in SQLite).
		if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enable foreign keys: %w", err)
		}
	} else {
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
	}

	s := &Store{db: db, dialect: dialect}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate key store: %w", err)
	}
	return s, nil
}

// normalizeMySQLDSN forces parseTime so DATETIME columns scan into time.Time.
func normalizeMySQLDSN(dsn string) (string, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return "", fmt.Errorf("parse mysql dsn: %w", err)
	}
	cfg.ParseTime = true
	cfg.Loc = time.UTC
	return cfg.FormatDSN(), nil
}

// Dialect returns the store's SQL dialect.
func (s *Store) Dialect() string {
	return s.dialect
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// ---------------------------------------------------------------------------
// Organizations
// ---------------------------------------------------------------------------

// CreateOrganization inserts a new organization. ID and CreatedAt are
// populated when empty.
func (s *Store) CreateOrganization(ctx context.Context, org *model.Organization) error {
	if org.ID == "" {
		org.ID = uuid.Must(uuid.NewV7()).String()
	}
	org.CreatedAt = time.Now().UTC()

	const q = `INSERT INTO organizations (id, name, is_active, created_at)
		VALUES (:id, :name, :is_active, :created_at)`
	if _, err := s.db.NamedExecContext(ctx, q, org); err != nil {
		return fmt.Errorf("insert organization: %w", err)
	}
	return nil
}

// GetOrganization retrieves an organization by ID.
func (s *Store) GetOrganization(ctx context.Context, id string) (*model.Organization, error) {
	var org model.Organization
	q := s.db.Rebind(`SELECT id, name, is_active, created_at FROM organizations WHERE id = ?`)
	if err := s.db.GetContext(ctx, &org, q, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get organization: %w", err)
	}
	return &org, nil
}

// ListOrganizations returns all organizations ordered by name.
func (s *Store) ListOrganizations(ctx context.Context) ([]model.Organization, error) {
	var orgs []model.Organization
	err := s.db.SelectContext(ctx, &orgs,
		`SELECT id, name, is_active, created_at FROM organizations ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list organizations: %w", err)
	}
	return orgs, nil
}

// ---------------------------------------------------------------------------
// API keys
// ---------------------------------------------------------------------------

// apiKeyRow is the flat column mapping of the api_keys table. Permissions
// are stored as a JSON array.
type apiKeyRow struct {
	ID             string     `db:"id"`
	OrganizationID string     `db:"organization_id"`
	CreatedBy      string     `db:"created_by"`
	Name           string     `db:"name"`
	Description    *string    `db:"description"`
	KeyHash        string     `db:"key_hash"`
	KeyPrefix      string     `db:"key_prefix"`
	Permissions    string     `db:"permissions"`
	RateLimit      int        `db:"rate_limit"`
	IsActive       bool       `db:"is_active"`
	ExpiresAt      *time.Time `db:"expires_at"`
	LastUsedAt     *time.Time `db:"last_used_at"`
	CreatedAt      time.Time  `db:"created_at"`
	UpdatedAt      time.Time  `db:"updated_at"`
}

const apiKeyColumns = `id, organization_id, created_by, name, description, key_hash, key_prefix,
	permissions, rate_limit, is_active, expires_at, last_used_at, created_at, updated_at`

func apiKeyRowFromModel(k *model.APIKey) (apiKeyRow, error) {
	perms := k.Permissions
	if perms == nil {
		perms = []string{}
	}
	b, err := json.Marshal(perms)
	if err != nil {
		return apiKeyRow{}, fmt.Errorf("encode permissions: %w", err)
	}
	return apiKeyRow{
		ID:             k.ID,
		OrganizationID: k.OrganizationID,
		CreatedBy:      k.CreatedBy,
		Name:           k.Name,
		Description:    k.Description,
		KeyHash:        k.KeyHash,
		KeyPrefix:      k.KeyPrefix,
		Permissions:    string(b),
		RateLimit:      k.RateLimit,
		IsActive:       k.IsActive,
		ExpiresAt:      k.ExpiresAt,
		LastUsedAt:     k.LastUsedAt,
		CreatedAt:      k.CreatedAt,
		UpdatedAt:      k.UpdatedAt,
	}, nil
}

func (r apiKeyRow) toModel() (model.APIKey, error) {
	var perms []string
	if r.Permissions != "" {
		if err := json.Unmarshal([]byte(r.Permissions), &perms); err != nil {
			return model.APIKey{}, fmt.Errorf("decode permissions for key %s: %w", r.ID, err)
		}
	}
	if perms == nil {
		perms = []string{}
	}
	return model.APIKey{
		ID:             r.ID,
		OrganizationID: r.OrganizationID,
		CreatedBy:      r.CreatedBy,
		Name:           r.Name,
		Description:    r.Description,
		KeyHash:        r.KeyHash,
		KeyPrefix:      r.KeyPrefix,
		Permissions:    perms,
		RateLimit:      r.RateLimit,
		IsActive:       r.IsActive,
		ExpiresAt:      utcPtr(r.ExpiresAt),
		LastUsedAt:     utcPtr(r.LastUsedAt),
		CreatedAt:      r.CreatedAt.UTC(),
		UpdatedAt:      r.UpdatedAt.UTC(),
	}, nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

// CreateAPIKey inserts a new API key record. KeyHash must already be set.
// ID, CreatedAt, and UpdatedAt are populated when empty.
func (s *Store) CreateAPIKey(ctx context.Context, key *model.APIKey) error {
	if key.ID == "" {
		key.ID = uuid.Must(uuid.NewV7()).String()
	}
	now := time.Now().UTC()
	key.CreatedAt = now
	key.UpdatedAt = now

	row, err := apiKeyRowFromModel(key)
	if err != nil {
		return err
	}

	const q = `INSERT INTO api_keys
		(id, organization_id, created_by, name, description, key_hash, key_prefix,
		 permissions, rate_limit, is_active, expires_at, last_used_at, created_at, updated_at)
		VALUES
		(:id, :organization_id, :created_by, :name, :description, :key_hash, :key_prefix,
		 :permissions, :rate_limit, :is_active, :expires_at, :last_used_at, :created_at, :updated_at)`

	if _, err := s.db.NamedExecContext(ctx, q, row); err != nil {
		return fmt.Errorf("insert api key: %w", err)
	}
	return nil
}

func (s *Store) getAPIKey(ctx context.Context, where string, arg interface{}) (*model.APIKey, error) {
	var row apiKeyRow
	q := s.db.Rebind(`SELECT ` + apiKeyColumns + ` FROM api_keys WHERE ` + where + ` = ?`)
	if err := s.db.GetContext(ctx, &row, q, arg); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get api key: %w", err)
	}
	key, err := row.toModel()
	if err != nil {
		return nil, err
	}
	return &key, nil
}

// GetAPIKey retrieves an API key by ID.
func (s *Store) GetAPIKey(ctx context.Context, id string) (*model.APIKey, error) {
	return s.getAPIKey(ctx, "id", id)
}

// GetAPIKeyByHash looks up an API key by its digest.
func (s *Store) GetAPIKeyByHash(ctx context.Context, hash string) (*model.APIKey, error) {
	return s.getAPIKey(ctx, "key_hash", hash)
}

// ListAPIKeys returns the keys of one organization, or all keys when
// organizationID is empty, newest first.
func (s *Store) ListAPIKeys(ctx context.Context, organizationID string) ([]model.APIKey, error) {
	var rows []apiKeyRow
	var err error
	if organizationID == "" {
		err = s.db.SelectContext(ctx, &rows,
			`SELECT `+apiKeyColumns+` FROM api_keys ORDER BY id DESC`)
	} else {
		err = s.db.SelectContext(ctx, &rows,
			s.db.Rebind(`SELECT `+apiKeyColumns+` FROM api_keys WHERE organization_id = ? ORDER BY id DESC`),
			organizationID)
	}
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}

	keys := make([]model.APIKey, 0, len(rows))
	for _, r := range rows {
		k, err := r.toModel()
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, nil
}

// RevokeAPIKey marks an API key as inactive. It reports whether the call
// changed the key; revoking an already inactive key is not an error.
// Returns ErrNotFound for unknown IDs.
func (s *Store) RevokeAPIKey(ctx context.Context, id string) (bool, error) {
	q := s.db.Rebind(`UPDATE api_keys SET is_active = ?, updated_at = ? WHERE id = ? AND is_active = ?`)
	result, err := s.db.ExecContext(ctx, q, false, time.Now().UTC(), id, true)
	if err != nil {
		return false, fmt.Errorf("revoke api key: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("revoke api key rows affected: %w", err)
	}
	if n > 0 {
		return true, nil
	}

	// No row changed: either the key is already inactive or it doesn't exist.
	var exists int
	err = s.db.GetContext(ctx, &exists, s.db.Rebind(`SELECT COUNT(*) FROM api_keys WHERE id = ?`), id)
	if err != nil {
		return false, fmt.Errorf("check api key: %w", err)
	}
	if exists == 0 {
		return false, ErrNotFound
	}
	return false, nil
}

// TouchAPIKeys records last-used timestamps for a batch of keys in a single
// transaction.
func (s *Store) TouchAPIKeys(ctx context.Context, lastUsed map[string]time.Time) error {
	if len(lastUsed) == 0 {
		return nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin touch: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PreparexContext(ctx, tx.Rebind(`UPDATE api_keys SET last_used_at = ? WHERE id = ?`))
	if err != nil {
		return fmt.Errorf("prepare touch: %w", err)
	}
	defer stmt.Close()

	for id, at := range lastUsed {
		if _, err := stmt.ExecContext(ctx, at.UTC(), id); err != nil {
			return fmt.Errorf("touch api key %s: %w", id, err)
		}
	}
	return tx.Commit()
}

// ---------------------------------------------------------------------------
// Audit log
// ---------------------------------------------------------------------------

// AppendAuditEvent stores an audit event. ID and At are populated when empty.
func (s *Store) AppendAuditEvent(ctx context.Context, ev *model.AuditEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.Must(uuid.NewV7()).String()
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	const q = `INSERT INTO audit_events (id, action, key_id, organization_id, actor, at)
		VALUES (:id, :action, :key_id, :organization_id, :actor, :at)`
	if _, err := s.db.NamedExecContext(ctx, q, ev); err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

// ListAuditEvents returns up to limit events, newest first, optionally
// filtered by organization.
func (s *Store) ListAuditEvents(ctx context.Context, organizationID string, limit int) ([]model.AuditEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	const cols = `id, action, key_id, organization_id, actor, at`

	var events []model.AuditEvent
	var err error
	if organizationID == "" {
		err = s.db.SelectContext(ctx, &events,
			s.db.Rebind(`SELECT `+cols+` FROM audit_events ORDER BY id DESC LIMIT ?`), limit)
	} else {
		err = s.db.SelectContext(ctx, &events,
			s.db.Rebind(`SELECT `+cols+` FROM audit_events WHERE organization_id = ? ORDER BY id DESC LIMIT ?`),
			organizationID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	for i := range events {
		events[i].At = events[i].At.UTC()
	}
	return events, nil
}
