package session

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/victornm/livequiz/internal/domain"
	"github.com/victornm/livequiz/internal/errors"
	"github.com/victornm/livequiz/internal/event"
	"github.com/victornm/livequiz/internal/telemetry"
)

const (
	defaultCodeAttempts  = 5
	maxDescriptionLength = 500
)

type Config struct {
	Repo     Repository
	EventBus *event.Bus

	// CodeLength is the length of generated session codes, DefaultCodeLength if zero.
	CodeLength int
	// CodeAttempts bounds the number of codes tried before CreateSession gives up.
	CodeAttempts int
	// AllowedImageHosts restricts question images to these hosts and their subdomains. Empty allows
	// any host.
	AllowedImageHosts []string

	NewCode func(n int) (string, error)
	Now     func() time.Time
}

type Service struct {
	repo         Repository
	eb           *event.Bus
	codeLength   int
	codeAttempts int
	imageHosts   []string
	newCode      func(n int) (string, error)
	now          func() time.Time
}

func NewService(c Config) *Service {
	s := &Service{
		repo:         c.Repo,
		eb:           c.EventBus,
		codeLength:   c.CodeLength,
		codeAttempts: c.CodeAttempts,
		newCode:      c.NewCode,
		now:          c.Now,
	}

	if s.codeLength <= 0 {
		s.codeLength = DefaultCodeLength
	}
	if s.codeAttempts <= 0 {
		s.codeAttempts = defaultCodeAttempts
	}
	if s.newCode == nil {
		s.newCode = NewCode
	}
	if s.now == nil {
		s.now = time.Now
	}
	for _, h := range c.AllowedImageHosts {
		if h = strings.ToLower(strings.TrimSpace(h)); h != "" {
			s.imageHosts = append(s.imageHosts, h)
		}
	}

	return s
}

// CreateSessionRequest represents a request to create a new quiz session.
type CreateSessionRequest struct {
	// HostID is the authenticated host that will own the session.
	HostID string
}

// CreateSession creates a new quiz session in waiting status with a fresh code.
func (s *Service) CreateSession(ctx context.Context, req CreateSessionRequest) (*domain.Session, error) {
	if req.HostID == "" {
		return nil, errors.New(errors.CodeUnauthenticated, errors.WithMessagef("host is not authenticated"))
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate session ID: %w", err)
	}

	now := s.now()
	for i := 0; i < s.codeAttempts; i++ {
		code, err := s.newCode(s.codeLength)
		if err != nil {
			return nil, err
		}

		ss := &domain.Session{
			SessionID:  id.String(),
			Code:       NormalizeCode(code),
			HostID:     req.HostID,
			Status:     domain.StatusWaiting,
			CreateTime: now,
			UpdateTime: now,
		}

		err = s.repo.InsertSession(ctx, ss)
		if errors.Is(err, errors.CodeAborted) {
			slog.WarnContext(ctx, "session: code collision", "code", ss.Code, "attempt", i+1)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("insert session: %w", err)
		}

		telemetry.SessionTransitions.WithLabelValues("create").Inc()
		slog.InfoContext(ctx, "session: created", "session_id", ss.SessionID, "code", ss.Code, "host_id", ss.HostID)
		return ss, nil
	}

	return nil, errors.New(errors.CodeAborted,
		errors.WithMessagef("no free session code after %d attempts", s.codeAttempts))
}

type GetSessionRequest struct {
	Code string
}

func (s *Service) GetSession(ctx context.Context, req GetSessionRequest) (*domain.Session, error) {
	return s.Lookup(ctx, req.Code)
}

// Lookup returns the session addressed by a user-entered code.
func (s *Service) Lookup(ctx context.Context, code string) (*domain.Session, error) {
	code = NormalizeCode(code)
	if code == "" {
		return nil, errors.InvalidArgument("session code is required")
	}

	return s.repo.GetSessionByCode(ctx, code)
}

func (s *Service) LookupByID(ctx context.Context, sessionID string) (*domain.Session, error) {
	return s.repo.GetSession(ctx, sessionID)
}

// LookupQuestion returns a question without any visibility rule applied. It is meant for other
// services, never for API callers.
func (s *Service) LookupQuestion(ctx context.Context, questionID string) (*domain.Question, error) {
	return s.repo.GetQuestion(ctx, questionID)
}

type AddQuestionRequest struct {
	Code        string
	HostID      string
	ImageURL    string
	Description string
	Points      int
}

// AddQuestion appends a question to a waiting session, after every existing question.
func (s *Service) AddQuestion(ctx context.Context, req AddQuestionRequest) (*domain.Question, error) {
	if err := s.validateQuestion(req); err != nil {
		return nil, err
	}

	ss, err := s.owned(ctx, req.Code, req.HostID)
	if err != nil {
		return nil, err
	}

	if ss.Status != domain.StatusWaiting {
		return nil, errors.FailedPrecondition("questions can only be added while the session is waiting: status=%s", ss.Status)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate question ID: %w", err)
	}

	q := &domain.Question{
		QuestionID:  id.String(),
		SessionID:   ss.SessionID,
		Points:      req.Points,
		ImageURL:    strings.TrimSpace(req.ImageURL),
		Description: strings.TrimSpace(req.Description),
		CreateTime:  s.now(),
	}

	if err := s.repo.InsertQuestion(ctx, q); err != nil {
		return nil, err
	}

	s.eb.Publish(ctx, domain.EventQuestionsChanged{SessionID: ss.SessionID, Code: ss.Code})
	return q, nil
}

func (s *Service) validateQuestion(req AddQuestionRequest) error {
	if req.Points <= 0 {
		return errors.InvalidArgument("points must be a positive integer: points=%d", req.Points)
	}

	desc := strings.TrimSpace(req.Description)
	if desc == "" {
		return errors.InvalidArgument("description is required")
	}
	if len(desc) > maxDescriptionLength {
		return errors.InvalidArgument("description must be at most %d characters", maxDescriptionLength)
	}

	return s.validateImageURL(strings.TrimSpace(req.ImageURL))
}

func (s *Service) validateImageURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return errors.InvalidArgument("image reference must be an absolute http(s) URL: %q", raw)
	}

	if len(s.imageHosts) == 0 {
		return nil
	}

	host := strings.ToLower(u.Hostname())
	for _, h := range s.imageHosts {
		if host == h || strings.HasSuffix(host, "."+h) {
			return nil
		}
	}

	return errors.InvalidArgument("image host %q is not allowed", host)
}

type DeleteQuestionRequest struct {
	Code       string
	HostID     string
	QuestionID string
}

// DeleteQuestion removes a question from a waiting session. Other ordering keys are left as they are.
func (s *Service) DeleteQuestion(ctx context.Context, req DeleteQuestionRequest) error {
	ss, err := s.owned(ctx, req.Code, req.HostID)
	if err != nil {
		return err
	}

	if ss.Status != domain.StatusWaiting {
		return errors.FailedPrecondition("questions can only be deleted while the session is waiting: status=%s", ss.Status)
	}

	if err := s.repo.DeleteQuestion(ctx, ss.SessionID, req.QuestionID); err != nil {
		return err
	}

	s.eb.Publish(ctx, domain.EventQuestionsChanged{SessionID: ss.SessionID, Code: ss.Code})
	return nil
}

type RevealQuestionRequest struct {
	Code       string
	HostID     string
	QuestionID string
}

// RevealQuestion makes the description of a question visible to players.
func (s *Service) RevealQuestion(ctx context.Context, req RevealQuestionRequest) (*domain.Question, error) {
	ss, err := s.owned(ctx, req.Code, req.HostID)
	if err != nil {
		return nil, err
	}

	q, err := s.repo.GetQuestion(ctx, req.QuestionID)
	if err != nil {
		return nil, err
	}
	if q.SessionID != ss.SessionID {
		return nil, errors.NotFound("question not found: question_id=%s", req.QuestionID)
	}
	if q.Revealed {
		return q, nil
	}

	q, err = s.repo.RevealQuestion(ctx, req.QuestionID)
	if err != nil {
		return nil, err
	}

	s.eb.Publish(ctx, domain.EventQuestionsChanged{SessionID: ss.SessionID, Code: ss.Code})
	return q, nil
}

type GetQuestionRequest struct {
	QuestionID string
	// HostID is empty for players.
	HostID string
}

// GetQuestion returns a question as the caller may see it. Players only see questions that have been
// presented, without description until revealed.
func (s *Service) GetQuestion(ctx context.Context, req GetQuestionRequest) (*domain.Question, error) {
	q, err := s.repo.GetQuestion(ctx, req.QuestionID)
	if err != nil {
		return nil, err
	}

	ss, err := s.repo.GetSession(ctx, q.SessionID)
	if err != nil {
		return nil, err
	}

	if req.HostID != "" && req.HostID == ss.HostID {
		return q, nil
	}

	if q.OrderKey > ss.CurrentOrderKey {
		return nil, errors.NotFound("question not found: question_id=%s", req.QuestionID)
	}

	r := q.Redacted()
	return &r, nil
}

type ListQuestionsRequest struct {
	Code   string
	HostID string
}

func (s *Service) ListQuestions(ctx context.Context, req ListQuestionsRequest) ([]domain.Question, error) {
	ss, err := s.Lookup(ctx, req.Code)
	if err != nil {
		return nil, err
	}

	qs, err := s.repo.ListQuestions(ctx, ss.SessionID)
	if err != nil {
		return nil, err
	}

	if req.HostID != "" && req.HostID == ss.HostID {
		return qs, nil
	}

	visible := make([]domain.Question, 0, len(qs))
	for _, q := range qs {
		if q.OrderKey <= ss.CurrentOrderKey {
			visible = append(visible, q.Redacted())
		}
	}

	return visible, nil
}

// TransitionRequest addresses a host-triggered state transition of a session.
type TransitionRequest struct {
	Code   string
	HostID string
}

// Advance moves the session to the next question by ordering key and makes it active. Answers
// already recorded for that question are cleared.
func (s *Service) Advance(ctx context.Context, req TransitionRequest) (*domain.Session, error) {
	ss, err := s.owned(ctx, req.Code, req.HostID)
	if err != nil {
		return nil, err
	}

	switch ss.Status {
	case domain.StatusWaiting, domain.StatusActive, domain.StatusShowingScores:
	default:
		return nil, errors.FailedPrecondition("cannot advance session: status=%s", ss.Status)
	}

	q, err := s.repo.NextQuestion(ctx, ss.SessionID, ss.CurrentOrderKey)
	if errors.Is(err, errors.CodeNotFound) {
		return nil, errors.FailedPrecondition("no more questions, end the session instead")
	}
	if err != nil {
		return nil, err
	}

	updated, err := s.update(ctx, SessionUpdate{
		SessionID:         ss.SessionID,
		ExpectVersion:     ss.Version,
		Status:            domain.StatusActive,
		CurrentQuestionID: q.QuestionID,
		CurrentOrderKey:   q.OrderKey,
		ClearAnswersFor:   q.QuestionID,
	})
	if err != nil {
		return nil, err
	}

	telemetry.SessionTransitions.WithLabelValues("advance").Inc()
	slog.InfoContext(ctx, "session: advanced",
		"code", updated.Code,
		"question_id", q.QuestionID,
		"order_key", q.OrderKey,
		"version", updated.Version,
	)

	s.eb.Publish(ctx, domain.EventSessionChanged{Session: *updated})
	s.eb.Publish(ctx, domain.EventNextQuestionPushed{Session: *updated, Question: q.Redacted()})
	s.eb.Publish(ctx, domain.EventAnswersChanged{SessionID: updated.SessionID, Code: updated.Code, QuestionID: q.QuestionID})

	return updated, nil
}

// ShowScores switches an active session to the scoreboard. The current question is kept.
func (s *Service) ShowScores(ctx context.Context, req TransitionRequest) (*domain.Session, error) {
	return s.transition(ctx, req, "show_scores", func(ss *domain.Session) (SessionUpdate, error) {
		if ss.Status != domain.StatusActive {
			return SessionUpdate{}, errors.FailedPrecondition("cannot show scores: status=%s", ss.Status)
		}

		return SessionUpdate{
			Status:            domain.StatusShowingScores,
			CurrentQuestionID: ss.CurrentQuestionID,
			CurrentOrderKey:   ss.CurrentOrderKey,
		}, nil
	})
}

// End finishes the session and clears the current question.
func (s *Service) End(ctx context.Context, req TransitionRequest) (*domain.Session, error) {
	return s.transition(ctx, req, "end", func(ss *domain.Session) (SessionUpdate, error) {
		if ss.Status != domain.StatusActive && ss.Status != domain.StatusShowingScores {
			return SessionUpdate{}, errors.FailedPrecondition("cannot end session: status=%s", ss.Status)
		}

		return SessionUpdate{
			Status:          domain.StatusEnded,
			CurrentOrderKey: ss.CurrentOrderKey,
		}, nil
	})
}

func (s *Service) transition(ctx context.Context, req TransitionRequest, op string, next func(ss *domain.Session) (SessionUpdate, error)) (*domain.Session, error) {
	ss, err := s.owned(ctx, req.Code, req.HostID)
	if err != nil {
		return nil, err
	}

	u, err := next(ss)
	if err != nil {
		return nil, err
	}

	u.SessionID = ss.SessionID
	u.ExpectVersion = ss.Version
	updated, err := s.update(ctx, u)
	if err != nil {
		return nil, err
	}

	telemetry.SessionTransitions.WithLabelValues(op).Inc()
	slog.InfoContext(ctx, "session: "+op, "code", updated.Code, "status", updated.Status, "version", updated.Version)

	s.eb.Publish(ctx, domain.EventSessionChanged{Session: *updated})
	return updated, nil
}

// Reset deletes all questions and answers of a waiting session.
func (s *Service) Reset(ctx context.Context, req TransitionRequest) (*domain.Session, error) {
	ss, err := s.owned(ctx, req.Code, req.HostID)
	if err != nil {
		return nil, err
	}

	if ss.Status != domain.StatusWaiting {
		return nil, errors.FailedPrecondition("cannot reset session: status=%s", ss.Status)
	}

	updated, err := s.repo.ResetSession(ctx, ss.SessionID, ss.Version)
	if errors.Is(err, errors.CodeAborted) {
		return nil, errors.FailedPrecondition("session changed concurrently, retry with fresh state")
	}
	if err != nil {
		return nil, err
	}

	telemetry.SessionTransitions.WithLabelValues("reset").Inc()
	slog.InfoContext(ctx, "session: reset", "code", updated.Code, "version", updated.Version)

	s.eb.Publish(ctx, domain.EventSessionChanged{Session: *updated})
	s.eb.Publish(ctx, domain.EventQuestionsChanged{SessionID: updated.SessionID, Code: updated.Code})
	return updated, nil
}

type ValidateSubmissionRequest struct {
	SessionID  string
	QuestionID string
}

type ValidateSubmissionResponse struct {
	Session  *domain.Session
	Question *domain.Question
}

// ValidateSubmission checks that answers for the question are currently accepted.
func (s *Service) ValidateSubmission(ctx context.Context, req ValidateSubmissionRequest) (*ValidateSubmissionResponse, error) {
	ss, err := s.repo.GetSession(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}

	if ss.Status != domain.StatusActive {
		return nil, errors.FailedPrecondition("answers are not accepted: status=%s", ss.Status)
	}
	if ss.CurrentQuestionID != req.QuestionID {
		return nil, errors.FailedPrecondition("question is not the current question: question_id=%s", req.QuestionID)
	}

	q, err := s.repo.GetQuestion(ctx, req.QuestionID)
	if err != nil {
		return nil, err
	}

	return &ValidateSubmissionResponse{Session: ss, Question: q}, nil
}

func (s *Service) update(ctx context.Context, u SessionUpdate) (*domain.Session, error) {
	updated, err := s.repo.UpdateSession(ctx, u)
	if errors.Is(err, errors.CodeAborted) {
		return nil, errors.FailedPrecondition("session changed concurrently, retry with fresh state")
	}

	return updated, err
}

// owned returns the session addressed by code if hostID owns it.
func (s *Service) owned(ctx context.Context, code, hostID string) (*domain.Session, error) {
	if hostID == "" {
		return nil, errors.New(errors.CodeUnauthenticated, errors.WithMessagef("host is not authenticated"))
	}

	ss, err := s.Lookup(ctx, code)
	if err != nil {
		return nil, err
	}

	if ss.HostID != hostID {
		return nil, errors.New(errors.CodePermissionDenied, errors.WithMessagef("session is owned by another host"))
	}

	return ss, nil
}
