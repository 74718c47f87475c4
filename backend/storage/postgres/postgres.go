package postgres

import (
	"context"
	"errors"

	"Node-sync/backend/storage"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/xerrors"
)

const schema = `
CREATE TABLE IF NOT EXISTS document_snapshots (
	doc_id     TEXT PRIMARY KEY,
	data       BYTEA NOT NULL,
	marker     BIGINT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS document_updates (
	doc_id TEXT NOT NULL,
	marker BIGSERIAL NOT NULL,
	data   BYTEA NOT NULL,
	PRIMARY KEY (doc_id, marker)
);`

// Open connects to Postgres and creates the tables if needed.
func Open(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, xerrors.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, xerrors.Errorf("failed to reach postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, xerrors.Errorf("failed to create schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Store keeps snapshots and update logs in Postgres. Markers come from a
// single BIGSERIAL, so they increase within every document.
//
// - implements storage.Store
type Store struct {
	pool *pgxpool.Pool
}

// LoadSnapshot implements storage.Store
func (s *Store) LoadSnapshot(ctx context.Context, docID string) ([]byte, error) {
	var data []byte
	err := s.pool.QueryRow(ctx,
		`SELECT data FROM document_snapshots WHERE doc_id = $1`, docID).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, xerrors.Errorf("failed to load snapshot of %s: %w", docID, err)
	}
	return data, nil
}

// LoadUpdates implements storage.Store
func (s *Store) LoadUpdates(ctx context.Context, docID string, after uint64) ([]storage.Update, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT marker, data FROM document_updates WHERE doc_id = $1 AND marker > $2 ORDER BY marker`,
		docID, int64(after))
	if err != nil {
		return nil, xerrors.Errorf("failed to load updates of %s: %w", docID, err)
	}
	defer rows.Close()

	var updates []storage.Update
	for rows.Next() {
		var marker int64
		var data []byte
		if err := rows.Scan(&marker, &data); err != nil {
			return nil, xerrors.Errorf("failed to scan update of %s: %w", docID, err)
		}
		updates = append(updates, storage.Update{Marker: uint64(marker), Data: data})
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Errorf("failed to read updates of %s: %w", docID, err)
	}
	return updates, nil
}

// AppendUpdate implements storage.Store
func (s *Store) AppendUpdate(ctx context.Context, docID string, data []byte) (uint64, error) {
	var marker int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO document_updates (doc_id, data) VALUES ($1, $2) RETURNING marker`,
		docID, data).Scan(&marker)
	if err != nil {
		return 0, xerrors.Errorf("failed to append update to %s: %w", docID, err)
	}
	return uint64(marker), nil
}

// SaveSnapshot implements storage.Store
func (s *Store) SaveSnapshot(ctx context.Context, docID string, data []byte, marker uint64) error {
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
INSERT INTO document_snapshots (doc_id, data, marker, updated_at) VALUES ($1, $2, $3, now())
ON CONFLICT (doc_id) DO UPDATE SET data = EXCLUDED.data, marker = EXCLUDED.marker, updated_at = now()`,
			docID, data, int64(marker))
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx,
			`DELETE FROM document_updates WHERE doc_id = $1 AND marker <= $2`, docID, int64(marker))
		return err
	})
	if err != nil {
		return xerrors.Errorf("failed to save snapshot of %s: %w", docID, err)
	}
	return nil
}

// Close implements storage.Store
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}
