package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/victornm/livequiz/internal/domain"
	"github.com/victornm/livequiz/internal/errors"
	"github.com/victornm/livequiz/internal/event"
	"github.com/victornm/livequiz/internal/session"
)

const (
	maxNameLength   = 32
	maxAnswerLength = 200
)

// Sessions is the part of the session service the ledger depends on.
type Sessions interface {
	Lookup(ctx context.Context, code string) (*domain.Session, error)
	LookupByID(ctx context.Context, sessionID string) (*domain.Session, error)
	LookupQuestion(ctx context.Context, questionID string) (*domain.Question, error)
	ValidateSubmission(ctx context.Context, req session.ValidateSubmissionRequest) (*session.ValidateSubmissionResponse, error)
}

type Config struct {
	Repo     Repository
	Sessions Sessions
	EventBus *event.Bus
	Now      func() time.Time
}

type Service struct {
	repo     Repository
	sessions Sessions
	eb       *event.Bus
	now      func() time.Time
}

func NewService(c Config) *Service {
	s := &Service{
		repo:     c.Repo,
		sessions: c.Sessions,
		eb:       c.EventBus,
		now:      c.Now,
	}

	if s.now == nil {
		s.now = time.Now
	}

	return s
}

type JoinRequest struct {
	Code string
	Name string
}

type JoinResponse struct {
	Player  *domain.Player
	Session *domain.Session
	// Rejoined is true when the name was already in the session and the player was rebound.
	Rejoined bool
}

// Join adds a player to a session. Joining again with a name already used in the session rebinds to
// that player instead of creating a new one.
func (s *Service) Join(ctx context.Context, req JoinRequest) (*JoinResponse, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, errors.InvalidArgument("player name is required")
	}
	if utf8.RuneCountInString(name) > maxNameLength {
		return nil, errors.InvalidArgument("player name must be at most %d characters", maxNameLength)
	}

	ss, err := s.sessions.Lookup(ctx, req.Code)
	if err != nil {
		return nil, err
	}

	if ss.Status == domain.StatusEnded {
		return nil, errors.FailedPrecondition("session has ended: code=%s", ss.Code)
	}

	if p, err := s.rebind(ctx, ss, name); err == nil {
		return &JoinResponse{Player: p, Session: ss, Rejoined: true}, nil
	} else if !errors.Is(err, errors.CodeNotFound) {
		return nil, err
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate player ID: %w", err)
	}

	p := &domain.Player{
		PlayerID:  id.String(),
		SessionID: ss.SessionID,
		Name:      name,
		Connected: true,
		JoinTime:  s.now(),
	}

	err = s.repo.InsertPlayer(ctx, p)
	if errors.Is(err, errors.CodeAlreadyExists) {
		// Lost a race with a concurrent join under the same name.
		p, err := s.rebind(ctx, ss, name)
		if err != nil {
			return nil, err
		}
		return &JoinResponse{Player: p, Session: ss, Rejoined: true}, nil
	}
	if err != nil {
		return nil, err
	}

	slog.InfoContext(ctx, "ledger: player joined", "code", ss.Code, "player_id", p.PlayerID, "name", p.Name)
	s.eb.Publish(ctx, domain.EventPlayerUpdated{Code: ss.Code, Player: *p})

	return &JoinResponse{Player: p, Session: ss}, nil
}

func (s *Service) rebind(ctx context.Context, ss *domain.Session, name string) (*domain.Player, error) {
	p, err := s.repo.GetPlayerByName(ctx, ss.SessionID, name)
	if err != nil {
		return nil, err
	}

	if !p.Connected {
		if p, err = s.repo.SetPlayerConnected(ctx, p.PlayerID, true); err != nil {
			return nil, err
		}
		s.eb.Publish(ctx, domain.EventPlayerUpdated{Code: ss.Code, Player: *p})
	}

	slog.InfoContext(ctx, "ledger: player rejoined", "code", ss.Code, "player_id", p.PlayerID)
	return p, nil
}

type SetConnectedRequest struct {
	PlayerID  string
	Connected bool
}

// SetConnected updates the connectivity flag of a player.
func (s *Service) SetConnected(ctx context.Context, req SetConnectedRequest) (*domain.Player, error) {
	p, err := s.repo.SetPlayerConnected(ctx, req.PlayerID, req.Connected)
	if err != nil {
		return nil, err
	}

	ss, err := s.sessions.LookupByID(ctx, p.SessionID)
	if err != nil {
		return nil, err
	}

	s.eb.Publish(ctx, domain.EventPlayerUpdated{Code: ss.Code, Player: *p})
	return p, nil
}

type SubmitAnswerRequest struct {
	PlayerID   string
	QuestionID string
	Text       string
}

// SubmitAnswer records the answer of a player to the current question. A second answer to the same
// question is rejected with a DuplicateError and the first one is kept.
func (s *Service) SubmitAnswer(ctx context.Context, req SubmitAnswerRequest) (*domain.Answer, error) {
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return nil, errors.InvalidArgument("answer is required")
	}
	if utf8.RuneCountInString(text) > maxAnswerLength {
		return nil, errors.InvalidArgument("answer must be at most %d characters", maxAnswerLength)
	}

	p, err := s.repo.GetPlayer(ctx, req.PlayerID)
	if err != nil {
		return nil, err
	}

	v, err := s.sessions.ValidateSubmission(ctx, session.ValidateSubmissionRequest{
		SessionID:  p.SessionID,
		QuestionID: req.QuestionID,
	})
	if err != nil {
		return nil, err
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate answer ID: %w", err)
	}

	a := &domain.Answer{
		AnswerID:   id.String(),
		QuestionID: v.Question.QuestionID,
		PlayerID:   p.PlayerID,
		PlayerName: p.Name,
		Text:       text,
		SubmitTime: s.now(),
	}

	err = s.repo.InsertAnswer(ctx, v.Session.SessionID, a)
	if errors.Is(err, errors.CodeAlreadyExists) {
		return nil, errors.New(errors.CodeAlreadyExists,
			errors.WithMessagef("already answered: question_id=%s", req.QuestionID),
			errors.WithCause(err))
	}
	if err != nil {
		return nil, err
	}

	s.eb.Publish(ctx, domain.EventAnswersChanged{
		SessionID:  v.Session.SessionID,
		Code:       v.Session.Code,
		QuestionID: a.QuestionID,
	})

	return a, nil
}

type MarkCorrectRequest struct {
	AnswerID string
	HostID   string
}

type MarkCorrectResponse struct {
	Answer *domain.Answer
	Player *domain.Player
	// Awarded is the number of points added by this call, zero when the answer was already correct.
	Awarded int
}

// MarkCorrect marks an answer correct and awards the question points to its player. Repeated calls
// award nothing.
func (s *Service) MarkCorrect(ctx context.Context, req MarkCorrectRequest) (*MarkCorrectResponse, error) {
	if req.HostID == "" {
		return nil, errors.New(errors.CodeUnauthenticated, errors.WithMessagef("host is not authenticated"))
	}

	a, err := s.repo.GetAnswer(ctx, req.AnswerID)
	if err != nil {
		return nil, err
	}

	q, err := s.sessions.LookupQuestion(ctx, a.QuestionID)
	if err != nil {
		return nil, err
	}

	ss, err := s.sessions.LookupByID(ctx, q.SessionID)
	if err != nil {
		return nil, err
	}

	if ss.HostID != req.HostID {
		return nil, errors.New(errors.CodePermissionDenied, errors.WithMessagef("session is owned by another host"))
	}
	if ss.Status == domain.StatusEnded {
		return nil, errors.FailedPrecondition("session has ended: code=%s", ss.Code)
	}

	a, p, changed, err := s.repo.MarkAnswerCorrect(ctx, req.AnswerID)
	if err != nil {
		return nil, err
	}

	resp := &MarkCorrectResponse{Answer: a, Player: p}
	if !changed {
		return resp, nil
	}

	resp.Awarded = q.Points
	slog.InfoContext(ctx, "ledger: answer marked correct",
		"code", ss.Code,
		"answer_id", a.AnswerID,
		"player_id", p.PlayerID,
		"total_score", p.TotalScore,
	)

	s.eb.Publish(ctx, domain.EventAnswersChanged{SessionID: ss.SessionID, Code: ss.Code, QuestionID: a.QuestionID})
	s.eb.Publish(ctx, domain.EventPlayerUpdated{Code: ss.Code, Player: *p})

	return resp, nil
}

type GetPlayerRequest struct {
	PlayerID string
}

func (s *Service) GetPlayer(ctx context.Context, req GetPlayerRequest) (*domain.Player, error) {
	return s.repo.GetPlayer(ctx, req.PlayerID)
}

type ListPlayersRequest struct {
	Code string
}

// ListPlayers returns the players of a session in join order.
func (s *Service) ListPlayers(ctx context.Context, req ListPlayersRequest) ([]domain.Player, error) {
	ss, err := s.sessions.Lookup(ctx, req.Code)
	if err != nil {
		return nil, err
	}

	return s.repo.ListPlayers(ctx, ss.SessionID)
}

type ListAnswersRequest struct {
	QuestionID string
}

func (s *Service) ListAnswers(ctx context.Context, req ListAnswersRequest) ([]domain.Answer, error) {
	if _, err := s.sessions.LookupQuestion(ctx, req.QuestionID); err != nil {
		return nil, err
	}

	return s.repo.ListAnswers(ctx, req.QuestionID)
}
