package session

import (
	"context"

	"github.com/victornm/livequiz/internal/domain"
)

// Repository persists sessions and their questions. Implementations must apply UpdateSession,
// InsertQuestion, DeleteQuestion and ResetSession atomically.
type Repository interface {
	// InsertSession stores a new session in waiting status with version 1. It fails with CodeAborted
	// when the code is taken by a session that has not ended.
	InsertSession(ctx context.Context, ss *domain.Session) error
	GetSession(ctx context.Context, sessionID string) (*domain.Session, error)
	// GetSessionByCode returns the most recent session with the code.
	GetSessionByCode(ctx context.Context, code string) (*domain.Session, error)
	// UpdateSession fails with CodeAborted when the stored version differs from u.ExpectVersion.
	UpdateSession(ctx context.Context, u SessionUpdate) (*domain.Session, error)

	// InsertQuestion assigns the next ordering key of the session. It fails with
	// CodeFailedPrecondition when the session is not waiting.
	InsertQuestion(ctx context.Context, q *domain.Question) error
	DeleteQuestion(ctx context.Context, sessionID, questionID string) error
	GetQuestion(ctx context.Context, questionID string) (*domain.Question, error)
	// ListQuestions returns the questions of a session in presentation order.
	ListQuestions(ctx context.Context, sessionID string) ([]domain.Question, error)
	// NextQuestion returns the first question in presentation order whose ordering key is greater
	// than afterKey, or CodeNotFound.
	NextQuestion(ctx context.Context, sessionID string, afterKey int64) (*domain.Question, error)
	RevealQuestion(ctx context.Context, questionID string) (*domain.Question, error)
	// ResetSession deletes all questions and answers of a waiting session and restarts its ordering
	// keys. It fails with CodeAborted on a version mismatch.
	ResetSession(ctx context.Context, sessionID string, expectVersion int64) (*domain.Session, error)
}

// SessionUpdate is a compare-and-set on a session row. The stored version is incremented on success.
type SessionUpdate struct {
	SessionID         string
	ExpectVersion     int64
	Status            domain.Status
	CurrentQuestionID string
	CurrentOrderKey   int64
	// ClearAnswersFor, if set, deletes the answers of that question in the same transaction.
	ClearAnswersFor string
}
