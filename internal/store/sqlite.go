package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/oppihq/oppid/internal/policy"
)

// SQLiteStore is the standalone-mode rule store. The schema is created on
// open; there is no migration tooling for the embedded database.
type SQLiteStore struct {
	db *sql.DB
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS policy_rules (
	id           TEXT PRIMARY KEY,
	scope        TEXT NOT NULL CHECK (scope IN ('workspace', 'global')),
	workspace_id TEXT NOT NULL DEFAULT '',
	pattern      TEXT NOT NULL,
	command      TEXT NOT NULL DEFAULT '',
	action       TEXT NOT NULL CHECK (action IN ('allow', 'deny')),
	risk         TEXT NOT NULL,
	created_at   TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_policy_rules_scope ON policy_rules (scope, workspace_id);
`

// OpenSQLite opens (creating if needed) the rule database at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, err
	}
	// modernc sqlite is serialized per connection; a single connection
	// avoids SQLITE_BUSY under concurrent writers.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) SaveRule(ctx context.Context, r policy.Rule) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO policy_rules (id, scope, workspace_id, pattern, command, action, risk, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET action = excluded.action, risk = excluded.risk`,
		r.ID, r.Scope, r.WorkspaceID, r.Pattern, r.Command, r.Action, r.Risk, r.CreatedAt.UTC())
	return err
}

func (s *SQLiteStore) ListRules(ctx context.Context) ([]policy.Rule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, scope, workspace_id, pattern, command, action, risk, created_at
		FROM policy_rules ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []policy.Rule
	for rows.Next() {
		var r policy.Rule
		var createdAt time.Time
		if err := rows.Scan(&r.ID, &r.Scope, &r.WorkspaceID, &r.Pattern, &r.Command, &r.Action, &r.Risk, &createdAt); err != nil {
			return nil, err
		}
		r.CreatedAt = createdAt
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

func (s *SQLiteStore) DeleteRule(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM policy_rules WHERE id = ?`, id)
	return err
}

func (s *SQLiteStore) Close() error { return s.db.Close() }
