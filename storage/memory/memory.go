// Package memory provides a thread-safe in-memory implementation of storage.Repository.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jmcleod/avatarkey/storage"
)

// Repository is a thread-safe in-memory implementation of storage.Repository.
// Suitable for testing, demos, and single-process use cases.
type Repository struct {
	mu   sync.RWMutex
	data map[string]map[string]*storage.Row
	now  func() time.Time
}

var _ storage.Repository = (*Repository)(nil)

// NewRepository creates a new empty in-memory Repository.
func NewRepository() *Repository {
	return &Repository{
		data: make(map[string]map[string]*storage.Row),
		now:  time.Now,
	}
}

func (r *Repository) Get(ctx context.Context, table, key string) (*storage.Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	row, ok := r.data[table][key]
	if !ok {
		return nil, fmt.Errorf("%s/%s: %w", table, key, storage.ErrNotFound)
	}
	return storage.CloneRow(row), nil
}

func (r *Repository) Upsert(ctx context.Context, table string, row *storage.Row) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	rows, ok := r.data[table]
	if !ok {
		rows = make(map[string]*storage.Row)
		r.data[table] = rows
	}
	stored := storage.CloneRow(row)
	stored.Version = 1
	if prev, ok := rows[row.Key]; ok {
		stored.Version = prev.Version + 1
	}
	stored.UpdatedAt = r.now().UTC()
	rows[row.Key] = stored
	return nil
}

func (r *Repository) Delete(ctx context.Context, table, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.data[table][key]; !ok {
		return fmt.Errorf("%s/%s: %w", table, key, storage.ErrNotFound)
	}
	delete(r.data[table], key)
	return nil
}

func (r *Repository) List(ctx context.Context, table string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.data[table]))
	for k := range r.data[table] {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}
