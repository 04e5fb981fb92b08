package postgres

import (
	"context"
	stderrors "errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/victornm/livequiz/internal/domain"
	"github.com/victornm/livequiz/internal/errors"
)

const (
	questionColumns = `question_id, session_id, order_key, points, image_url, description, revealed, create_time`
	questionOrder   = `ORDER BY order_key, create_time, question_id`
)

func scanQuestion(row pgx.Row) (domain.Question, error) {
	var q domain.Question
	err := row.Scan(&q.QuestionID, &q.SessionID, &q.OrderKey, &q.Points, &q.ImageURL, &q.Description, &q.Revealed, &q.CreateTime)
	return q, err
}

// InsertQuestion takes the next ordering key and inserts the question in one statement, only while
// the session is waiting.
func (s *Store) InsertQuestion(ctx context.Context, q *domain.Question) error {
	const stmt = `
WITH s AS (
	UPDATE sessions SET next_order_key = next_order_key + 1
	WHERE session_id = $2 AND status = 'waiting'
	RETURNING next_order_key - 1 AS order_key
)
INSERT INTO questions (question_id, session_id, order_key, points, image_url, description, revealed, create_time)
SELECT $1, $2, s.order_key, $3, $4, $5, FALSE, $6 FROM s
RETURNING order_key;`

	err := s.db.QueryRow(ctx, stmt, q.QuestionID, q.SessionID, q.Points, q.ImageURL, q.Description, q.CreateTime).Scan(&q.OrderKey)
	if stderrors.Is(err, pgx.ErrNoRows) {
		ss, err := s.GetSession(ctx, q.SessionID)
		if err != nil {
			return err
		}
		return errors.FailedPrecondition("questions can only be added while the session is waiting: status=%s", ss.Status)
	}
	if err != nil {
		return fmt.Errorf("insert question: %w", err)
	}

	return nil
}

func (s *Store) DeleteQuestion(ctx context.Context, sessionID, questionID string) error {
	const stmt = `
DELETE FROM questions q
USING sessions s
WHERE q.question_id = $2 AND q.session_id = $1 AND s.session_id = q.session_id AND s.status = 'waiting';`

	tag, err := s.db.Exec(ctx, stmt, sessionID, questionID)
	if err != nil {
		return fmt.Errorf("delete question: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	q, err := s.GetQuestion(ctx, questionID)
	if err != nil {
		return err
	}
	if q.SessionID != sessionID {
		return errors.NotFound("question not found: question_id=%s", questionID)
	}

	return errors.FailedPrecondition("questions can only be deleted while the session is waiting")
}

func (s *Store) GetQuestion(ctx context.Context, questionID string) (*domain.Question, error) {
	stmt := `SELECT ` + questionColumns + ` FROM questions WHERE question_id = $1;`

	q, err := scanQuestion(s.db.QueryRow(ctx, stmt, questionID))
	if err != nil {
		return nil, notFound(err, "question not found: question_id=%s", questionID)
	}

	return &q, nil
}

func (s *Store) ListQuestions(ctx context.Context, sessionID string) ([]domain.Question, error) {
	stmt := `SELECT ` + questionColumns + ` FROM questions WHERE session_id = $1 ` + questionOrder + `;`

	rows, err := s.db.Query(ctx, stmt, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list questions: %w", err)
	}

	return pgx.CollectRows(rows, func(r pgx.CollectableRow) (domain.Question, error) {
		return scanQuestion(r)
	})
}

func (s *Store) NextQuestion(ctx context.Context, sessionID string, afterKey int64) (*domain.Question, error) {
	stmt := `SELECT ` + questionColumns + ` FROM questions WHERE session_id = $1 AND order_key > $2 ` + questionOrder + ` LIMIT 1;`

	q, err := scanQuestion(s.db.QueryRow(ctx, stmt, sessionID, afterKey))
	if err != nil {
		return nil, notFound(err, "no question after order key %d", afterKey)
	}

	return &q, nil
}

func (s *Store) RevealQuestion(ctx context.Context, questionID string) (*domain.Question, error) {
	stmt := `UPDATE questions SET revealed = TRUE WHERE question_id = $1 RETURNING ` + questionColumns + `;`

	q, err := scanQuestion(s.db.QueryRow(ctx, stmt, questionID))
	if err != nil {
		return nil, notFound(err, "question not found: question_id=%s", questionID)
	}

	return &q, nil
}
