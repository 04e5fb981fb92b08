package postgres

import (
	"context"
	stderrors "errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/victornm/livequiz/internal/domain"
	"github.com/victornm/livequiz/internal/errors"
	"github.com/victornm/livequiz/internal/session"
)

const sessionColumns = `session_id, code, host_id, status, COALESCE(current_question_id, ''), current_order_key, version, create_time, update_time`

func scanSession(row pgx.Row) (*domain.Session, error) {
	var ss domain.Session
	err := row.Scan(&ss.SessionID, &ss.Code, &ss.HostID, &ss.Status, &ss.CurrentQuestionID,
		&ss.CurrentOrderKey, &ss.Version, &ss.CreateTime, &ss.UpdateTime)
	if err != nil {
		return nil, err
	}

	return &ss, nil
}

func (s *Store) InsertSession(ctx context.Context, ss *domain.Session) error {
	const stmt = `
INSERT INTO sessions (session_id, code, host_id, status, version, create_time, update_time)
VALUES ($1, $2, $3, $4, 1, $5, $6);`

	_, err := s.db.Exec(ctx, stmt, ss.SessionID, ss.Code, ss.HostID, ss.Status, ss.CreateTime, ss.UpdateTime)
	if pgErr := pgError(err); pgErr != nil && pgErr.Code == codeUniqueViolation {
		if pgErr.ConstraintName == constraintOpenCode {
			return errors.New(errors.CodeAborted, errors.WithMessagef("session code is taken: code=%s", ss.Code), errors.WithCause(err))
		}
		return errors.New(errors.CodeAlreadyExists, errors.WithCause(err))
	}
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}

	ss.Version = 1
	return nil
}

func (s *Store) GetSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	stmt := `SELECT ` + sessionColumns + ` FROM sessions WHERE session_id = $1;`

	ss, err := scanSession(s.db.QueryRow(ctx, stmt, sessionID))
	if err != nil {
		return nil, notFound(err, "session not found: session_id=%s", sessionID)
	}

	return ss, nil
}

func (s *Store) GetSessionByCode(ctx context.Context, code string) (*domain.Session, error) {
	stmt := `SELECT ` + sessionColumns + ` FROM sessions WHERE code = $1 ORDER BY create_time DESC, session_id DESC LIMIT 1;`

	ss, err := scanSession(s.db.QueryRow(ctx, stmt, code))
	if err != nil {
		return nil, notFound(err, "session not found: code=%s", code)
	}

	return ss, nil
}

func (s *Store) UpdateSession(ctx context.Context, u session.SessionUpdate) (*domain.Session, error) {
	stmt := `
UPDATE sessions
SET status = $3, current_question_id = NULLIF($4, ''), current_order_key = $5, version = version + 1, update_time = now()
WHERE session_id = $1 AND version = $2
RETURNING ` + sessionColumns + `;`

	var updated *domain.Session
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		var err error
		updated, err = scanSession(tx.QueryRow(ctx, stmt, u.SessionID, u.ExpectVersion, u.Status, u.CurrentQuestionID, u.CurrentOrderKey))
		if stderrors.Is(err, pgx.ErrNoRows) {
			return s.versionMismatch(ctx, tx, u.SessionID, u.ExpectVersion)
		}
		if err != nil {
			return fmt.Errorf("update session: %w", err)
		}

		if u.ClearAnswersFor != "" {
			if _, err := tx.Exec(ctx, `DELETE FROM answers WHERE question_id = $1;`, u.ClearAnswersFor); err != nil {
				return fmt.Errorf("clear answers: %w", err)
			}
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return updated, nil
}

// versionMismatch explains why a conditional update matched no row.
func (s *Store) versionMismatch(ctx context.Context, tx pgx.Tx, sessionID string, want int64) error {
	var got int64
	err := tx.QueryRow(ctx, `SELECT version FROM sessions WHERE session_id = $1;`, sessionID).Scan(&got)
	if err != nil {
		return notFound(err, "session not found: session_id=%s", sessionID)
	}

	return errors.New(errors.CodeAborted, errors.WithMessagef("session version mismatch: want=%d, got=%d", want, got))
}

func (s *Store) ResetSession(ctx context.Context, sessionID string, expectVersion int64) (*domain.Session, error) {
	stmt := `
UPDATE sessions
SET current_question_id = NULL, current_order_key = 0, next_order_key = 1, version = version + 1, update_time = now()
WHERE session_id = $1 AND version = $2 AND status = 'waiting'
RETURNING ` + sessionColumns + `;`

	var updated *domain.Session
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		var err error
		updated, err = scanSession(tx.QueryRow(ctx, stmt, sessionID, expectVersion))
		if stderrors.Is(err, pgx.ErrNoRows) {
			return s.versionMismatch(ctx, tx, sessionID, expectVersion)
		}
		if err != nil {
			return fmt.Errorf("reset session: %w", err)
		}

		// Answers go with their questions.
		if _, err := tx.Exec(ctx, `DELETE FROM questions WHERE session_id = $1;`, sessionID); err != nil {
			return fmt.Errorf("delete questions: %w", err)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return updated, nil
}
