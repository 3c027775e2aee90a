package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-sql-driver/mysql"
)

// columnTypes holds the per-dialect spellings used by the DDL below.
type columnTypes struct {
	timestamp string
	boolean   string
	trueValue string
}

func (s *Store) columnTypes() columnTypes {
	switch s.dialect {
	case DialectPostgres:
		return columnTypes{timestamp: "TIMESTAMPTZ", boolean: "BOOLEAN", trueValue: "TRUE"}
	case DialectMySQL:
		return columnTypes{timestamp: "DATETIME(6)", boolean: "BOOLEAN", trueValue: "TRUE"}
	default:
		return columnTypes{timestamp: "DATETIME", boolean: "INTEGER", trueValue: "1"}
	}
}

func (s *Store) migrate() error {
	t := s.columnTypes()

	migrations := []string{
		`CREATE TABLE IF NOT EXISTS organizations (
			id VARCHAR(36) PRIMARY KEY,
			name VARCHAR(200) UNIQUE NOT NULL,
			is_active ` + t.boolean + ` NOT NULL DEFAULT ` + t.trueValue + `,
			created_at ` + t.timestamp + ` NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS api_keys (
			id VARCHAR(36) PRIMARY KEY,
			organization_id VARCHAR(36) NOT NULL REFERENCES organizations(id),
			created_by VARCHAR(200) NOT NULL DEFAULT '',
			name VARCHAR(100) NOT NULL,
			description TEXT,
			key_hash VARCHAR(128) UNIQUE NOT NULL,
			key_prefix VARCHAR(32) NOT NULL,
			permissions TEXT NOT NULL,
			rate_limit INTEGER NOT NULL DEFAULT 1000,
			is_active ` + t.boolean + ` NOT NULL DEFAULT ` + t.trueValue + `,
			expires_at ` + t.timestamp + ` NULL,
			last_used_at ` + t.timestamp + ` NULL,
			created_at ` + t.timestamp + ` NOT NULL,
			updated_at ` + t.timestamp + ` NOT NULL
		)`,

		`CREATE INDEX idx_api_keys_organization ON api_keys(organization_id)`,

		`CREATE TABLE IF NOT EXISTS audit_events (
			id VARCHAR(36) PRIMARY KEY,
			action VARCHAR(64) NOT NULL,
			key_id VARCHAR(36) NOT NULL DEFAULT '',
			organization_id VARCHAR(36) NOT NULL DEFAULT '',
			actor VARCHAR(200) NOT NULL DEFAULT '',
			at ` + t.timestamp + ` NOT NULL
		)`,

		`CREATE INDEX idx_audit_events_organization ON audit_events(organization_id)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			// Re-running CREATE INDEX fails once the index exists; treat that
			// as a no-op so migrations stay idempotent on every dialect.
			if isAlreadyExists(err) {
				continue
			}
			return fmt.Errorf("migration failed: %w\nSQL: %s", err, m)
		}
	}
	return nil
}

func isAlreadyExists(err error) bool {
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == 1061 // ER_DUP_KEYNAME
	}
	return strings.Contains(strings.ToLower(err.Error()), "already exists")
}
