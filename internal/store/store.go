// Package store provides learned-rule persistence behind a backend-neutral
// interface. Standalone mode uses an embedded sqlite database; managed mode
// uses Postgres.
package store

import (
	"context"
	"fmt"

	"github.com/oppihq/oppid/internal/config"
	"github.com/oppihq/oppid/internal/policy"
)

// RuleStore persists workspace- and global-scoped learned policy rules.
// Session-scoped rules never reach a store.
type RuleStore interface {
	policy.Persister
	DeleteRule(ctx context.Context, id string) error
	Close() error
}

// Open selects the backend from config: "managed" → Postgres (DSN from
// env), anything else → sqlite at database.sqlite_path.
func Open(cfg *config.Config) (RuleStore, error) {
	if cfg.IsManagedMode() {
		s, err := OpenPostgres(cfg.Database.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres rule store: %w", err)
		}
		return s, nil
	}
	path := config.ExpandHome(cfg.Database.SQLitePath)
	s, err := OpenSQLite(path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite rule store: %w", err)
	}
	return s, nil
}
