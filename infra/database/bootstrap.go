package database

import (
	"context"
	_ "embed"

	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schemaSQL string

// Bootstrap executes the versioned DDL script against pool. It is
// idempotent: every statement guards against re-running.
func Bootstrap(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, schemaSQL)
	return err
}

// resetStatement drops every non-system table in the public schema,
// cascading to dependent views and constraints; Reset re-bootstraps after it.
const resetStatement = `
DO $$
DECLARE
    stmt text;
BEGIN
    FOR stmt IN
        SELECT 'DROP TABLE IF EXISTS ' || quote_ident(tablename) || ' CASCADE'
        FROM pg_tables
        WHERE schemaname = 'public'
    LOOP
        EXECUTE stmt;
    END LOOP;
END $$;
`

// Reset drops every table this engine owns (cascading to the derived views)
// and re-runs the bootstrap script against a clean schema.
func Reset(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, resetStatement); err != nil {
		return err
	}
	return Bootstrap(ctx, pool)
}

// HealthCheck is the cheapest possible liveness probe.
func HealthCheck(ctx context.Context, pool *pgxpool.Pool) error {
	var ok int
	return pool.QueryRow(ctx, "SELECT 1").Scan(&ok)
}
