package ledger

import (
	"context"

	"github.com/victornm/livequiz/internal/domain"
)

type Repository interface {
	// InsertPlayer fails with CodeAlreadyExists when the name is taken in the session.
	InsertPlayer(ctx context.Context, p *domain.Player) error
	GetPlayer(ctx context.Context, playerID string) (*domain.Player, error)
	GetPlayerByName(ctx context.Context, sessionID, name string) (*domain.Player, error)
	SetPlayerConnected(ctx context.Context, playerID string, connected bool) (*domain.Player, error)
	// ListPlayers returns the players of a session in join order.
	ListPlayers(ctx context.Context, sessionID string) ([]domain.Player, error)

	// InsertAnswer records the answer only while the session is active on the answered question, checked
	// in the same atomic step as the write. It fails with CodeFailedPrecondition otherwise, and with
	// CodeAlreadyExists when the player already answered the question.
	InsertAnswer(ctx context.Context, sessionID string, a *domain.Answer) error
	GetAnswer(ctx context.Context, answerID string) (*domain.Answer, error)
	// ListAnswers returns the answers of a question in submission order.
	ListAnswers(ctx context.Context, questionID string) ([]domain.Answer, error)
	// MarkAnswerCorrect flips the answer to correct and adds the question points to the player in one
	// atomic step. changed is false when the answer was already correct, in which case nothing is
	// modified. It fails with CodeFailedPrecondition once the session of the answer has ended.
	MarkAnswerCorrect(ctx context.Context, answerID string) (a *domain.Answer, p *domain.Player, changed bool, err error)
}
