// Package bbolt provides a BBolt-backed storage repository.
package bbolt

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/jmcleod/avatarkey/storage"
)

// Store implements storage.Repository backed by a BBolt database.
// Each table is a top-level bucket keyed by row key.
type Store struct {
	db  *bbolt.DB
	now func() time.Time
}

var _ storage.Repository = (*Store)(nil)

// NewRepository returns a Repository backed by the given BBolt database.
func NewRepository(db *bbolt.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// NewRepositoryFromFile opens a BBolt database at the given path and returns a new Repository.
func NewRepositoryFromFile(path string, options *bbolt.Options) (*Store, error) {
	db, err := bbolt.Open(path, 0600, options)
	if err != nil {
		return nil, fmt.Errorf("opening bbolt db: %w", err)
	}
	return NewRepository(db), nil
}

// Close closes the underlying BBolt database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Get(ctx context.Context, table, key string) (*storage.Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var row storage.Row
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(table))
		if b == nil {
			return fmt.Errorf("%s/%s: %w", table, key, storage.ErrNotFound)
		}
		data := b.Get([]byte(key))
		if data == nil {
			return fmt.Errorf("%s/%s: %w", table, key, storage.ErrNotFound)
		}
		return json.Unmarshal(data, &row)
	})
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// Upsert writes row inside a single update transaction so the version bump
// observes the previous value atomically.
func (s *Store) Upsert(ctx context.Context, table string, row *storage.Row) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(table))
		if err != nil {
			return err
		}
		stored := storage.CloneRow(row)
		stored.Version = 1
		if prev := b.Get([]byte(row.Key)); prev != nil {
			var existing storage.Row
			if err := json.Unmarshal(prev, &existing); err != nil {
				return fmt.Errorf("decoding existing row %s/%s: %w", table, row.Key, err)
			}
			stored.Version = existing.Version + 1
		}
		stored.UpdatedAt = s.now().UTC()
		data, err := json.Marshal(stored)
		if err != nil {
			return err
		}
		return b.Put([]byte(row.Key), data)
	})
}

func (s *Store) Delete(ctx context.Context, table, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(table))
		if b == nil || b.Get([]byte(key)) == nil {
			return fmt.Errorf("%s/%s: %w", table, key, storage.ErrNotFound)
		}
		return b.Delete([]byte(key))
	})
}

func (s *Store) List(ctx context.Context, table string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var keys []string
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(table))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, _ []byte) error {
			keys = append(keys, string(k))
			return nil
		})
	})
	return keys, err
}
