package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// EnsureSnapshotSchema creates the table that keeps parsed document bodies
// keyed by source path and content hash.
func EnsureSnapshotSchema(ctx context.Context, pool *pgxpool.Pool) error {
	if pool == nil {
		return fmt.Errorf("postgres pool is nil")
	}

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS policy_documents (
			id UUID PRIMARY KEY,
			source_path TEXT UNIQUE NOT NULL,
			name TEXT NOT NULL,
			format TEXT NOT NULL,
			sha256 TEXT NOT NULL,
			body TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		"CREATE INDEX IF NOT EXISTS idx_policy_documents_sha ON policy_documents(source_path, sha256)",
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("execute schema statement: %w", err)
		}
	}

	return nil
}
