// Package storage provides the persistence port for encrypted credential rows.
package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when no row exists for a key.
var ErrNotFound = errors.New("record not found")

// Row is a persisted record whose fields are sealed independently.
// Backends treat Fields as opaque; they only assign Version and UpdatedAt.
type Row struct {
	Key       string               `json:"key"`
	Fields    map[string]*Envelope `json:"fields"`
	Version   uint64               `json:"version"`
	UpdatedAt time.Time            `json:"updated_at"`
}

// Repository is a generic keyed store. Upsert has last-write-wins
// semantics: at most one row exists per (table, key) and a later write
// replaces an earlier one, bumping Version.
type Repository interface {
	Get(ctx context.Context, table, key string) (*Row, error)
	Upsert(ctx context.Context, table string, row *Row) error
	Delete(ctx context.Context, table, key string) error
	List(ctx context.Context, table string) ([]string, error)
}

// CloneRow deep-copies a row so backends never share envelope slices with callers.
func CloneRow(row *Row) *Row {
	if row == nil {
		return nil
	}
	out := &Row{
		Key:       row.Key,
		Version:   row.Version,
		UpdatedAt: row.UpdatedAt,
		Fields:    make(map[string]*Envelope, len(row.Fields)),
	}
	for name, env := range row.Fields {
		out.Fields[name] = env.Clone()
	}
	return out
}
