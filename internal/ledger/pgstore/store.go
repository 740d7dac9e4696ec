// Package pgstore implements ledger.Store on PostgreSQL through pgx.
//
// Update units run at READ COMMITTED and lock every row they read with
// SELECT ... FOR UPDATE, so conflicting units serialize on the rows they
// share. View units run in read-only REPEATABLE READ transactions.
package pgstore

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/medichain/medichain/internal/ledger"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Migrations returns the schema scripts for db.NewMigrator.
func Migrations() fs.FS {
	sub, err := fs.Sub(migrations, "migrations")
	if err != nil {
		panic(err)
	}
	return sub
}

type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) View(ctx context.Context, fn func(tx ledger.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return classify("begin", err)
	}
	defer tx.Rollback(ctx)
	return fn(&txn{q: tx})
}

func (s *Store) Update(ctx context.Context, fn func(tx ledger.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return classify("begin", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&txn{q: tx, lock: true}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return classify("commit", err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

// Close is a no-op; the pool belongs to the caller.
func (s *Store) Close() error { return nil }

// Constraint names from 001_ledger.sql that carry domain meaning.
const (
	pkParticipants    = "participants_pkey"
	uniqueEmail       = "participants_email_key"
	pkEnrollments     = "enrollments_pkey"
	codeUniqueViolate = "23505"
)

// classify maps a pgx error onto the ledger error set.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.ErrNotFound
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == codeUniqueViolate {
		switch pgErr.ConstraintName {
		case pkParticipants:
			return ledger.ErrAlreadyRegistered
		case uniqueEmail:
			return ledger.ErrDuplicateEmail
		case pkEnrollments:
			return ledger.ErrAlreadyEnrolled
		}
	}
	return unavailable(op, err)
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: postgres %s: %v", ledger.ErrStorageUnavailable, op, err)
}

var _ ledger.Store = (*Store)(nil)
