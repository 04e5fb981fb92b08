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
	playerColumns = `player_id, session_id, name, total_score, connected, join_time`
	answerColumns = `a.answer_id, a.question_id, a.player_id, p.name, a.text, a.correct, a.submit_time`
)

func scanPlayer(row pgx.Row) (domain.Player, error) {
	var p domain.Player
	err := row.Scan(&p.PlayerID, &p.SessionID, &p.Name, &p.TotalScore, &p.Connected, &p.JoinTime)
	return p, err
}

func scanAnswer(row pgx.Row) (domain.Answer, error) {
	var a domain.Answer
	err := row.Scan(&a.AnswerID, &a.QuestionID, &a.PlayerID, &a.PlayerName, &a.Text, &a.Correct, &a.SubmitTime)
	return a, err
}

func (s *Store) InsertPlayer(ctx context.Context, p *domain.Player) error {
	const stmt = `
INSERT INTO players (player_id, session_id, name, total_score, connected, join_time)
VALUES ($1, $2, $3, $4, $5, $6);`

	_, err := s.db.Exec(ctx, stmt, p.PlayerID, p.SessionID, p.Name, p.TotalScore, p.Connected, p.JoinTime)
	if pgErr := pgError(err); pgErr != nil {
		switch pgErr.Code {
		case codeUniqueViolation:
			return errors.New(errors.CodeAlreadyExists, errors.WithMessagef("player name is taken: name=%s", p.Name), errors.WithCause(err))
		case codeForeignKeyViolation:
			return errors.NotFound("session not found: session_id=%s", p.SessionID)
		}
	}
	if err != nil {
		return fmt.Errorf("insert player: %w", err)
	}

	return nil
}

func (s *Store) GetPlayer(ctx context.Context, playerID string) (*domain.Player, error) {
	stmt := `SELECT ` + playerColumns + ` FROM players WHERE player_id = $1;`

	p, err := scanPlayer(s.db.QueryRow(ctx, stmt, playerID))
	if err != nil {
		return nil, notFound(err, "player not found: player_id=%s", playerID)
	}

	return &p, nil
}

func (s *Store) GetPlayerByName(ctx context.Context, sessionID, name string) (*domain.Player, error) {
	stmt := `SELECT ` + playerColumns + ` FROM players WHERE session_id = $1 AND name = $2;`

	p, err := scanPlayer(s.db.QueryRow(ctx, stmt, sessionID, name))
	if err != nil {
		return nil, notFound(err, "player not found: name=%s", name)
	}

	return &p, nil
}

func (s *Store) SetPlayerConnected(ctx context.Context, playerID string, connected bool) (*domain.Player, error) {
	stmt := `UPDATE players SET connected = $2 WHERE player_id = $1 RETURNING ` + playerColumns + `;`

	p, err := scanPlayer(s.db.QueryRow(ctx, stmt, playerID, connected))
	if err != nil {
		return nil, notFound(err, "player not found: player_id=%s", playerID)
	}

	return &p, nil
}

func (s *Store) ListPlayers(ctx context.Context, sessionID string) ([]domain.Player, error) {
	stmt := `SELECT ` + playerColumns + ` FROM players WHERE session_id = $1 ORDER BY join_time, player_id;`

	rows, err := s.db.Query(ctx, stmt, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list players: %w", err)
	}

	return pgx.CollectRows(rows, func(r pgx.CollectableRow) (domain.Player, error) {
		return scanPlayer(r)
	})
}

// InsertAnswer holds a share lock on the session row while it inserts, so a transition waits for the
// answer to commit, or the answer sees the transition.
func (s *Store) InsertAnswer(ctx context.Context, sessionID string, a *domain.Answer) error {
	const (
		lockStmt = `SELECT status, COALESCE(current_question_id, '') FROM sessions WHERE session_id = $1 FOR SHARE;`

		insertStmt = `
INSERT INTO answers (answer_id, question_id, player_id, text, correct, submit_time)
VALUES ($1, $2, $3, $4, FALSE, $5);`
	)

	return s.inTx(ctx, func(tx pgx.Tx) error {
		var (
			status  domain.Status
			current string
		)
		if err := tx.QueryRow(ctx, lockStmt, sessionID).Scan(&status, &current); err != nil {
			return notFound(err, "session not found: session_id=%s", sessionID)
		}
		if status != domain.StatusActive {
			return errors.FailedPrecondition("answers are not accepted: status=%s", status)
		}
		if current != a.QuestionID {
			return errors.FailedPrecondition("question is not the current question: question_id=%s", a.QuestionID)
		}

		_, err := tx.Exec(ctx, insertStmt, a.AnswerID, a.QuestionID, a.PlayerID, a.Text, a.SubmitTime)
		if pgErr := pgError(err); pgErr != nil {
			switch pgErr.Code {
			case codeUniqueViolation:
				return errors.New(errors.CodeAlreadyExists, errors.WithMessagef("answer already exists"), errors.WithCause(err))
			case codeForeignKeyViolation:
				return errors.NotFound("question or player not found")
			}
		}
		if err != nil {
			return fmt.Errorf("insert answer: %w", err)
		}

		return nil
	})
}

func (s *Store) GetAnswer(ctx context.Context, answerID string) (*domain.Answer, error) {
	return s.getAnswer(ctx, s.db, answerID)
}

func (s *Store) getAnswer(ctx context.Context, q querier, answerID string) (*domain.Answer, error) {
	stmt := `SELECT ` + answerColumns + ` FROM answers a JOIN players p ON p.player_id = a.player_id WHERE a.answer_id = $1;`

	a, err := scanAnswer(q.QueryRow(ctx, stmt, answerID))
	if err != nil {
		return nil, notFound(err, "answer not found: answer_id=%s", answerID)
	}

	return &a, nil
}

func (s *Store) ListAnswers(ctx context.Context, questionID string) ([]domain.Answer, error) {
	stmt := `SELECT ` + answerColumns + ` FROM answers a JOIN players p ON p.player_id = a.player_id
WHERE a.question_id = $1 ORDER BY a.submit_time, a.answer_id;`

	rows, err := s.db.Query(ctx, stmt, questionID)
	if err != nil {
		return nil, fmt.Errorf("list answers: %w", err)
	}

	return pgx.CollectRows(rows, func(r pgx.CollectableRow) (domain.Answer, error) {
		return scanAnswer(r)
	})
}

// MarkAnswerCorrect relies on the row lock of the first UPDATE: a concurrent caller waits, then sees
// correct already set and matches no row. The session row is share locked first so the session cannot
// end in between.
func (s *Store) MarkAnswerCorrect(ctx context.Context, answerID string) (*domain.Answer, *domain.Player, bool, error) {
	const (
		lockStmt = `
SELECT s.status, s.code FROM answers a
JOIN questions q ON q.question_id = a.question_id
JOIN sessions s ON s.session_id = q.session_id
WHERE a.answer_id = $1
FOR SHARE OF s;`

		markStmt = `
UPDATE answers SET correct = TRUE
WHERE answer_id = $1 AND NOT correct
RETURNING question_id, player_id;`

		awardStmt = `
UPDATE players SET total_score = total_score + (SELECT points FROM questions WHERE question_id = $2)
WHERE player_id = $1;`
	)

	var (
		a       *domain.Answer
		p       *domain.Player
		changed bool
	)

	err := s.inTx(ctx, func(tx pgx.Tx) error {
		var (
			status domain.Status
			code   string
		)
		if err := tx.QueryRow(ctx, lockStmt, answerID).Scan(&status, &code); err != nil {
			return notFound(err, "answer not found: answer_id=%s", answerID)
		}
		if status == domain.StatusEnded {
			return errors.FailedPrecondition("session has ended: code=%s", code)
		}

		var questionID, playerID string
		err := tx.QueryRow(ctx, markStmt, answerID).Scan(&questionID, &playerID)
		switch {
		case stderrors.Is(err, pgx.ErrNoRows):
		case err != nil:
			return fmt.Errorf("mark answer: %w", err)
		default:
			if _, err := tx.Exec(ctx, awardStmt, playerID, questionID); err != nil {
				return fmt.Errorf("award points: %w", err)
			}
			changed = true
		}

		if a, err = s.getAnswer(ctx, tx, answerID); err != nil {
			return err
		}

		pl, err := scanPlayer(tx.QueryRow(ctx, `SELECT `+playerColumns+` FROM players WHERE player_id = $1;`, a.PlayerID))
		if err != nil {
			return notFound(err, "player not found: player_id=%s", a.PlayerID)
		}
		p = &pl

		return nil
	})
	if err != nil {
		return nil, nil, false, err
	}

	return a, p, changed, nil
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *Store) InsertHost(ctx context.Context, h *domain.Host) error {
	const stmt = `
INSERT INTO hosts (host_id, username, full_name, password_hash, create_time)
VALUES ($1, $2, $3, $4, $5);`

	_, err := s.db.Exec(ctx, stmt, h.HostID, h.Username, h.FullName, h.PasswordHash, h.CreateTime)
	if pgErr := pgError(err); pgErr != nil && pgErr.Code == codeUniqueViolation {
		return errors.New(errors.CodeAlreadyExists, errors.WithMessagef("username is taken: username=%s", h.Username), errors.WithCause(err))
	}
	if err != nil {
		return fmt.Errorf("insert host: %w", err)
	}

	return nil
}

func (s *Store) GetHostByUsername(ctx context.Context, username string) (*domain.Host, error) {
	const stmt = `SELECT host_id, username, full_name, password_hash, create_time FROM hosts WHERE username = $1;`

	var h domain.Host
	err := s.db.QueryRow(ctx, stmt, username).Scan(&h.HostID, &h.Username, &h.FullName, &h.PasswordHash, &h.CreateTime)
	if err != nil {
		return nil, notFound(err, "host not found: username=%s", username)
	}

	return &h, nil
}
