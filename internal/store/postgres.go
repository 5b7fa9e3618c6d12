package store

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/oppihq/oppid/internal/policy"
)

// PostgresStore is the managed-mode rule store. Schema is owned by the
// migrate command (migrations/), not created here.
type PostgresStore struct {
	db *sql.DB
}

// OpenPostgres opens a pgx-backed connection pool and verifies it.
func OpenPostgres(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(5)
	db.SetConnMaxIdleTime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) SaveRule(ctx context.Context, r policy.Rule) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO policy_rules (id, scope, workspace_id, pattern, command, action, risk, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET action = EXCLUDED.action, risk = EXCLUDED.risk`,
		r.ID, r.Scope, r.WorkspaceID, r.Pattern, r.Command, r.Action, r.Risk, r.CreatedAt.UTC())
	return err
}

func (s *PostgresStore) ListRules(ctx context.Context) ([]policy.Rule, error) {
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
		if err := rows.Scan(&r.ID, &r.Scope, &r.WorkspaceID, &r.Pattern, &r.Command, &r.Action, &r.Risk, &r.CreatedAt); err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

func (s *PostgresStore) DeleteRule(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM policy_rules WHERE id = $1`, id)
	return err
}

func (s *PostgresStore) Close() error { return s.db.Close() }
