package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/fabfab/policybot/ingestion"
)

// SnapshotStore persists parsed document bodies in Postgres so that a
// restarted server can skip parsing files whose content is unchanged.
type SnapshotStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

func NewSnapshotStore(ctx context.Context, pool *pgxpool.Pool, logger *zap.Logger) (*SnapshotStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := EnsureSnapshotSchema(ctx, pool); err != nil {
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return &SnapshotStore{pool: pool, logger: logger}, nil
}

// Lookup returns the stored body for path when its hash matches sha.
func (s *SnapshotStore) Lookup(ctx context.Context, path, sha string) (string, bool, error) {
	var body string
	err := s.pool.QueryRow(ctx,
		"SELECT body FROM policy_documents WHERE source_path = $1 AND sha256 = $2",
		path, sha).Scan(&body)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("query snapshot: %w", err)
	}
	return body, true, nil
}

// Save upserts docs in one transaction. Rows whose hash is unchanged are
// left alone.
func (s *SnapshotStore) Save(ctx context.Context, docs []ingestion.Document) (err error) {
	if len(docs) == 0 {
		return nil
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(ctx); rbErr != nil {
				s.logger.Warn("rollback snapshot save", zap.Error(rbErr))
			}
		}
	}()

	updated := 0
	for _, doc := range docs {
		if doc.Path == "" || doc.SHA256 == "" {
			continue
		}
		changed, upsertErr := upsertDocument(ctx, tx, doc)
		if upsertErr != nil {
			return upsertErr
		}
		if changed {
			updated++
		}
	}

	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	s.logger.Debug("snapshots saved", zap.Int("documents", len(docs)), zap.Int("updated", updated))
	return nil
}

// Purge removes every stored snapshot and reports how many rows were
// deleted.
func (s *SnapshotStore) Purge(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, "DELETE FROM policy_documents")
	if err != nil {
		return 0, fmt.Errorf("purge snapshots: %w", err)
	}
	return tag.RowsAffected(), nil
}

func upsertDocument(ctx context.Context, tx pgx.Tx, doc ingestion.Document) (bool, error) {
	var (
		docID        uuid.UUID
		existingHash string
	)

	err := tx.QueryRow(ctx, "SELECT id, sha256 FROM policy_documents WHERE source_path = $1", doc.Path).Scan(&docID, &existingHash)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			_, execErr := tx.Exec(ctx, `
				INSERT INTO policy_documents (id, source_path, name, format, sha256, body, created_at, updated_at)
				VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())
			`, uuid.New(), doc.Path, doc.Name, string(doc.Format), doc.SHA256, doc.Body)
			if execErr != nil {
				return false, fmt.Errorf("insert document %s: %w", doc.Name, execErr)
			}
			return true, nil
		}
		return false, fmt.Errorf("query document %s: %w", doc.Name, err)
	}

	if existingHash == doc.SHA256 {
		return false, nil
	}

	if _, err := tx.Exec(ctx, `
		UPDATE policy_documents
		SET name = $2,
		    format = $3,
		    sha256 = $4,
		    body = $5,
		    updated_at = NOW()
		WHERE id = $1
	`, docID, doc.Name, string(doc.Format), doc.SHA256, doc.Body); err != nil {
		return false, fmt.Errorf("update document %s: %w", doc.Name, err)
	}

	return true, nil
}
