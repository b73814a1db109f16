package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/fabfab/policybot/ingestion"
)

// SQLiteSnapshotStore keeps parsed bodies in a local SQLite file. It serves
// single-node deployments that run without Postgres.
type SQLiteSnapshotStore struct {
	db     *sql.DB
	logger *zap.Logger
}

func OpenSQLiteSnapshotStore(ctx context.Context, path string, logger *zap.Logger) (*SQLiteSnapshotStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// One writer keeps SQLite from returning SQLITE_BUSY under concurrent saves.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS policy_documents (
		id TEXT PRIMARY KEY,
		source_path TEXT UNIQUE NOT NULL,
		name TEXT NOT NULL,
		format TEXT NOT NULL,
		sha256 TEXT NOT NULL,
		body TEXT NOT NULL,
		updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create sqlite schema: %w", err)
	}

	return &SQLiteSnapshotStore{db: db, logger: logger}, nil
}

func (s *SQLiteSnapshotStore) Lookup(ctx context.Context, path, sha string) (string, bool, error) {
	var body string
	err := s.db.QueryRowContext(ctx,
		"SELECT body FROM policy_documents WHERE source_path = ? AND sha256 = ?",
		path, sha).Scan(&body)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("query snapshot: %w", err)
	}
	return body, true, nil
}

func (s *SQLiteSnapshotStore) Save(ctx context.Context, docs []ingestion.Document) (err error) {
	if len(docs) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				s.logger.Warn("rollback snapshot save", zap.Error(rbErr))
			}
		}
	}()

	for _, doc := range docs {
		if doc.Path == "" || doc.SHA256 == "" {
			continue
		}
		if _, err = tx.ExecContext(ctx, `
			INSERT INTO policy_documents (id, source_path, name, format, sha256, body, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT(source_path) DO UPDATE SET
				name = excluded.name,
				format = excluded.format,
				sha256 = excluded.sha256,
				body = excluded.body,
				updated_at = CURRENT_TIMESTAMP
			WHERE policy_documents.sha256 <> excluded.sha256
		`, uuid.NewString(), doc.Path, doc.Name, string(doc.Format), doc.SHA256, doc.Body); err != nil {
			return fmt.Errorf("upsert document %s: %w", doc.Name, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (s *SQLiteSnapshotStore) Purge(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM policy_documents")
	if err != nil {
		return 0, fmt.Errorf("purge snapshots: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLiteSnapshotStore) Close() error {
	return s.db.Close()
}
