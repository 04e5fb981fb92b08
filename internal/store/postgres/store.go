// Package postgres implements the repositories on PostgreSQL. Preconditions of conditional writes are
// part of the statements themselves, so concurrent callers cannot both pass a check.
package postgres

import (
	"context"
	stderrors "errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/victornm/livequiz/internal/auth"
	"github.com/victornm/livequiz/internal/errors"
	"github.com/victornm/livequiz/internal/ledger"
	"github.com/victornm/livequiz/internal/session"
)

var (
	_ session.Repository = (*Store)(nil)
	_ ledger.Repository  = (*Store)(nil)
	_ auth.Repository    = (*Store)(nil)
)

const (
	codeUniqueViolation     = "23505"
	codeForeignKeyViolation = "23503"

	constraintOpenCode = "sessions_open_code_idx"
)

type Store struct {
	db *pgxpool.Pool
}

func New(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

// inTx runs fn in a transaction, committing only if fn succeeds.
func (s *Store) inTx(ctx context.Context, fn func(tx pgx.Tx) error) (err error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if err = fn(tx); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

func pgError(err error) *pgconn.PgError {
	var pgErr *pgconn.PgError
	if stderrors.As(err, &pgErr) {
		return pgErr
	}
	return nil
}

func notFound(err error, format string, args ...any) error {
	if stderrors.Is(err, pgx.ErrNoRows) {
		return errors.NotFound(format, args...)
	}
	return err
}
