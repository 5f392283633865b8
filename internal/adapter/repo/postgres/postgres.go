// Package postgres provides PostgreSQL database adapters.
//
// It implements the domain store ports for groups, client keys, upstream
// accounts, bindings, usage records and account health. Aggregates read
// from here are projections; the usage_records table stays authoritative.
package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// PgxPool is a minimal subset of pgxpool used by the repos for easy testing.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// scanner is satisfied by both pgx.Row and pgx.Rows so the scan helpers can
// serve single-row and list queries alike.
type scanner interface {
	Scan(dest ...any) error
}
