// Package postgres implements the State Store (spec §4.1) directly
// against pgx/v5, hand-writing the queries the teacher generated via
// sqlc: the sqlc toolchain output (internal/infrastructure/persistence/postgres/sqlcgen)
// cannot be regenerated without running it, so every query here is
// written by hand against pgxpool without the codegen indirection:
// status changes lock the row with SELECT ... FOR UPDATE inside a
// transaction, and job creation is an ON CONFLICT DO NOTHING
// idempotent insert. See DESIGN.md.
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store implements store.Store against a Postgres pool.
type Store struct {
	pool *pgxpool.Pool
}

func (s *Store) Close() {
	s.pool.Close()
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx, letting every
// query method run either standalone or inside Atomic's transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Atomic runs fn inside a single transaction, following the teacher's
// executeInTransaction pattern: panics are recovered and re-thrown
// after rollback, any returned error rolls back, success commits.
func (s *Store) Atomic(ctx context.Context, fn func(ctx context.Context, q querier) error) (err error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback(ctx)
			panic(p)
		}
	}()

	if err := fn(ctx, tx); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			return fmt.Errorf("failed to rollback after error %v: %w", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}
