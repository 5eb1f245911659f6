// Package postgres implements storage.Repository backed by PostgreSQL.
//
// The records table uses a composite primary key (record_table, record_key)
// that mirrors the key space used by the BBolt and in-memory backends.
// Sealed fields are stored as a single JSONB document per row; the upsert
// bumps version server-side so concurrent writers still observe
// last-write-wins with a monotonically increasing version.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jmcleod/avatarkey/storage"
)

// Store implements storage.Repository backed by PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var _ storage.Repository = (*Store)(nil)

// NewRepository returns a Repository backed by the given pgx connection pool.
func NewRepository(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// NewRepositoryFromDSN creates a connection pool from a DSN string, ensures
// the schema exists, and returns a new Repository.
func NewRepositoryFromDSN(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensuring schema: %w", err)
	}
	return NewRepository(pool), nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) Get(ctx context.Context, table, key string) (*storage.Row, error) {
	var (
		row    storage.Row
		fields []byte
	)
	err := s.pool.QueryRow(ctx,
		`SELECT record_key, fields, version, updated_at
		 FROM records WHERE record_table = $1 AND record_key = $2`,
		table, key).Scan(&row.Key, &fields, &row.Version, &row.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%s/%s: %w", table, key, storage.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(fields, &row.Fields); err != nil {
		return nil, fmt.Errorf("decoding fields for %s/%s: %w", table, key, err)
	}
	return &row, nil
}

func (s *Store) Upsert(ctx context.Context, table string, row *storage.Row) error {
	fields, err := json.Marshal(row.Fields)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO records (record_table, record_key, fields, version, updated_at)
		 VALUES ($1, $2, $3, 1, now())
		 ON CONFLICT (record_table, record_key)
		 DO UPDATE SET fields = EXCLUDED.fields, version = records.version + 1, updated_at = now()`,
		table, row.Key, fields)
	return err
}

func (s *Store) Delete(ctx context.Context, table, key string) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM records WHERE record_table = $1 AND record_key = $2`,
		table, key)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s/%s: %w", table, key, storage.ErrNotFound)
	}
	return nil
}

func (s *Store) List(ctx context.Context, table string) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT record_key FROM records WHERE record_table = $1 ORDER BY record_key`,
		table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}
