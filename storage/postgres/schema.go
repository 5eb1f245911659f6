package postgres

import (
	"context"
	_ "embed"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schemaSQL string

// EnsureSchema creates the records table, which holds one JSONB document of
// sealed credential fields per (record_table, record_key), together with its
// indexes. Every statement is IF NOT EXISTS so it runs on each startup.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("creating records schema: %w", err)
	}
	return nil
}
