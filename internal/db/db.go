// Package db is the persistence layer (C2): typed, parameter-bound access to
// the nine tables backing the preflight registry, alert engine, outbox, and
// dispatcher. It follows the sqlc-generated-code convention the rest of this
// codebase is written against — a DBTX interface satisfied by both a pool and
// a transaction, a Queries struct closing over one, and one typed
// Params/Row struct per query — even though these query methods are
// hand-written rather than generated.
package db

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DBTX is satisfied by *pgxpool.Pool and pgx.Tx, so every Queries method can
// run either directly against the pool or inside a caller-managed transaction.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Queries wraps a DBTX with the repository's typed query methods.
type Queries struct {
	db DBTX
}

// New returns a Queries bound to the given executor.
func New(dbtx DBTX) *Queries {
	return &Queries{db: dbtx}
}

// WithTx returns a copy of q bound to the given transaction, for call sites
// that need several statements to commit atomically (e.g. alert state +
// history, per §5's ordering guarantee).
func (q *Queries) WithTx(tx pgx.Tx) *Queries {
	return &Queries{db: tx}
}

// BeginFunc runs fn inside a transaction on pool, committing on success and
// rolling back on error or panic.
func BeginFunc(ctx context.Context, pool *pgxpool.Pool, fn func(q *Queries) error) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := fn(New(tx)); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
