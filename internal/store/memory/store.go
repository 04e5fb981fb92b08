// Package memory is a process-local store. All repositories share one mutex, so every method is
// atomic with respect to the others.
package memory

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/victornm/livequiz/internal/auth"
	"github.com/victornm/livequiz/internal/domain"
	"github.com/victornm/livequiz/internal/errors"
	"github.com/victornm/livequiz/internal/ledger"
	"github.com/victornm/livequiz/internal/session"
)

var (
	_ session.Repository = (*Store)(nil)
	_ ledger.Repository  = (*Store)(nil)
	_ auth.Repository    = (*Store)(nil)
)

type sessionRow struct {
	domain.Session
	seq          int64
	nextOrderKey int64
}

type row[T any] struct {
	v   T
	seq int64
}

type Store struct {
	mu  sync.Mutex
	seq int64
	now func() time.Time

	sessions  map[string]*sessionRow
	questions map[string]*row[domain.Question]
	players   map[string]*row[domain.Player]
	answers   map[string]*row[domain.Answer]
	hosts     map[string]*row[domain.Host]
}

func New() *Store {
	return &Store{
		now:       time.Now,
		sessions:  make(map[string]*sessionRow),
		questions: make(map[string]*row[domain.Question]),
		players:   make(map[string]*row[domain.Player]),
		answers:   make(map[string]*row[domain.Answer]),
		hosts:     make(map[string]*row[domain.Host]),
	}
}

func (s *Store) next() int64 {
	s.seq++
	return s.seq
}

func (s *Store) InsertSession(_ context.Context, ss *domain.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range s.sessions {
		if r.Code == ss.Code && r.Status != domain.StatusEnded {
			return errors.New(errors.CodeAborted, errors.WithMessagef("session code is taken: code=%s", ss.Code))
		}
	}
	if _, ok := s.sessions[ss.SessionID]; ok {
		return errors.New(errors.CodeAlreadyExists, errors.WithMessagef("session already exists: session_id=%s", ss.SessionID))
	}

	ss.Version = 1
	s.sessions[ss.SessionID] = &sessionRow{Session: *ss, seq: s.next(), nextOrderKey: 1}
	return nil
}

func (s *Store) GetSession(_ context.Context, sessionID string) (*domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.sessions[sessionID]
	if !ok {
		return nil, errors.NotFound("session not found: session_id=%s", sessionID)
	}

	ss := r.Session
	return &ss, nil
}

func (s *Store) GetSessionByCode(_ context.Context, code string) (*domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var latest *sessionRow
	for _, r := range s.sessions {
		if r.Code == code && (latest == nil || r.seq > latest.seq) {
			latest = r
		}
	}
	if latest == nil {
		return nil, errors.NotFound("session not found: code=%s", code)
	}

	ss := latest.Session
	return &ss, nil
}

func (s *Store) UpdateSession(_ context.Context, u session.SessionUpdate) (*domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.sessions[u.SessionID]
	if !ok {
		return nil, errors.NotFound("session not found: session_id=%s", u.SessionID)
	}
	if r.Version != u.ExpectVersion {
		return nil, errors.New(errors.CodeAborted,
			errors.WithMessagef("session version mismatch: want=%d, got=%d", u.ExpectVersion, r.Version))
	}

	r.Status = u.Status
	r.CurrentQuestionID = u.CurrentQuestionID
	r.CurrentOrderKey = u.CurrentOrderKey
	r.Version++
	r.UpdateTime = s.now()

	if u.ClearAnswersFor != "" {
		for id, a := range s.answers {
			if a.v.QuestionID == u.ClearAnswersFor {
				delete(s.answers, id)
			}
		}
	}

	ss := r.Session
	return &ss, nil
}

func (s *Store) ResetSession(_ context.Context, sessionID string, expectVersion int64) (*domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.sessions[sessionID]
	if !ok {
		return nil, errors.NotFound("session not found: session_id=%s", sessionID)
	}
	if r.Version != expectVersion {
		return nil, errors.New(errors.CodeAborted,
			errors.WithMessagef("session version mismatch: want=%d, got=%d", expectVersion, r.Version))
	}
	if r.Status != domain.StatusWaiting {
		return nil, errors.FailedPrecondition("cannot reset session: status=%s", r.Status)
	}

	for id, q := range s.questions {
		if q.v.SessionID != sessionID {
			continue
		}
		for aid, a := range s.answers {
			if a.v.QuestionID == id {
				delete(s.answers, aid)
			}
		}
		delete(s.questions, id)
	}

	r.CurrentQuestionID = ""
	r.CurrentOrderKey = 0
	r.nextOrderKey = 1
	r.Version++
	r.UpdateTime = s.now()

	ss := r.Session
	return &ss, nil
}

func (s *Store) InsertQuestion(_ context.Context, q *domain.Question) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.sessions[q.SessionID]
	if !ok {
		return errors.NotFound("session not found: session_id=%s", q.SessionID)
	}
	if r.Status != domain.StatusWaiting {
		return errors.FailedPrecondition("questions can only be added while the session is waiting: status=%s", r.Status)
	}

	q.OrderKey = r.nextOrderKey
	r.nextOrderKey++
	s.questions[q.QuestionID] = &row[domain.Question]{v: *q, seq: s.next()}
	return nil
}

func (s *Store) DeleteQuestion(_ context.Context, sessionID, questionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.questions[questionID]
	if !ok || q.v.SessionID != sessionID {
		return errors.NotFound("question not found: question_id=%s", questionID)
	}
	if r := s.sessions[sessionID]; r.Status != domain.StatusWaiting {
		return errors.FailedPrecondition("questions can only be deleted while the session is waiting: status=%s", r.Status)
	}

	delete(s.questions, questionID)
	return nil
}

func (s *Store) GetQuestion(_ context.Context, questionID string) (*domain.Question, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.questions[questionID]
	if !ok {
		return nil, errors.NotFound("question not found: question_id=%s", questionID)
	}

	v := q.v
	return &v, nil
}

func (s *Store) ListQuestions(_ context.Context, sessionID string) ([]domain.Question, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.sortedQuestions(sessionID), nil
}

// sortedQuestions orders by ordering key, then create time, then ID.
func (s *Store) sortedQuestions(sessionID string) []domain.Question {
	qs := make([]domain.Question, 0)
	for _, q := range s.questions {
		if q.v.SessionID == sessionID {
			qs = append(qs, q.v)
		}
	}

	slices.SortFunc(qs, func(a, b domain.Question) int {
		return cmp.Or(
			cmp.Compare(a.OrderKey, b.OrderKey),
			a.CreateTime.Compare(b.CreateTime),
			cmp.Compare(a.QuestionID, b.QuestionID),
		)
	})

	return qs
}

func (s *Store) NextQuestion(_ context.Context, sessionID string, afterKey int64) (*domain.Question, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, q := range s.sortedQuestions(sessionID) {
		if q.OrderKey > afterKey {
			return &q, nil
		}
	}

	return nil, errors.NotFound("no question after order key %d", afterKey)
}

func (s *Store) RevealQuestion(_ context.Context, questionID string) (*domain.Question, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.questions[questionID]
	if !ok {
		return nil, errors.NotFound("question not found: question_id=%s", questionID)
	}

	q.v.Revealed = true
	v := q.v
	return &v, nil
}

func (s *Store) InsertPlayer(_ context.Context, p *domain.Player) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[p.SessionID]; !ok {
		return errors.NotFound("session not found: session_id=%s", p.SessionID)
	}
	for _, r := range s.players {
		if r.v.SessionID == p.SessionID && r.v.Name == p.Name {
			return errors.New(errors.CodeAlreadyExists, errors.WithMessagef("player name is taken: name=%s", p.Name))
		}
	}

	s.players[p.PlayerID] = &row[domain.Player]{v: *p, seq: s.next()}
	return nil
}

func (s *Store) GetPlayer(_ context.Context, playerID string) (*domain.Player, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.players[playerID]
	if !ok {
		return nil, errors.NotFound("player not found: player_id=%s", playerID)
	}

	p := r.v
	return &p, nil
}

func (s *Store) GetPlayerByName(_ context.Context, sessionID, name string) (*domain.Player, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range s.players {
		if r.v.SessionID == sessionID && r.v.Name == name {
			p := r.v
			return &p, nil
		}
	}

	return nil, errors.NotFound("player not found: name=%s", name)
}

func (s *Store) SetPlayerConnected(_ context.Context, playerID string, connected bool) (*domain.Player, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.players[playerID]
	if !ok {
		return nil, errors.NotFound("player not found: player_id=%s", playerID)
	}

	r.v.Connected = connected
	p := r.v
	return &p, nil
}

func (s *Store) ListPlayers(_ context.Context, sessionID string) ([]domain.Player, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows := make([]*row[domain.Player], 0)
	for _, r := range s.players {
		if r.v.SessionID == sessionID {
			rows = append(rows, r)
		}
	}

	return values(rows), nil
}

func (s *Store) InsertAnswer(_ context.Context, sessionID string, a *domain.Answer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.sessions[sessionID]
	if !ok {
		return errors.NotFound("session not found: session_id=%s", sessionID)
	}
	if q, ok := s.questions[a.QuestionID]; !ok || q.v.SessionID != sessionID {
		return errors.NotFound("question not found: question_id=%s", a.QuestionID)
	}
	if r.Status != domain.StatusActive {
		return errors.FailedPrecondition("answers are not accepted: status=%s", r.Status)
	}
	if r.CurrentQuestionID != a.QuestionID {
		return errors.FailedPrecondition("question is not the current question: question_id=%s", a.QuestionID)
	}
	for _, r := range s.answers {
		if r.v.PlayerID == a.PlayerID && r.v.QuestionID == a.QuestionID {
			return errors.New(errors.CodeAlreadyExists, errors.WithMessagef("answer already exists"))
		}
	}

	s.answers[a.AnswerID] = &row[domain.Answer]{v: *a, seq: s.next()}
	return nil
}

func (s *Store) GetAnswer(_ context.Context, answerID string) (*domain.Answer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.answers[answerID]
	if !ok {
		return nil, errors.NotFound("answer not found: answer_id=%s", answerID)
	}

	a := r.v
	return &a, nil
}

func (s *Store) ListAnswers(_ context.Context, questionID string) ([]domain.Answer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows := make([]*row[domain.Answer], 0)
	for _, r := range s.answers {
		if r.v.QuestionID == questionID {
			rows = append(rows, r)
		}
	}

	return values(rows), nil
}

func (s *Store) MarkAnswerCorrect(_ context.Context, answerID string) (*domain.Answer, *domain.Player, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.answers[answerID]
	if !ok {
		return nil, nil, false, errors.NotFound("answer not found: answer_id=%s", answerID)
	}
	p, ok := s.players[a.v.PlayerID]
	if !ok {
		return nil, nil, false, errors.NotFound("player not found: player_id=%s", a.v.PlayerID)
	}
	q, ok := s.questions[a.v.QuestionID]
	if !ok {
		return nil, nil, false, errors.NotFound("question not found: question_id=%s", a.v.QuestionID)
	}
	if r := s.sessions[q.v.SessionID]; r != nil && r.Status == domain.StatusEnded {
		return nil, nil, false, errors.FailedPrecondition("session has ended: code=%s", r.Code)
	}

	changed := false
	if !a.v.Correct {
		a.v.Correct = true
		p.v.TotalScore += q.v.Points
		changed = true
	}

	av, pv := a.v, p.v
	return &av, &pv, changed, nil
}

func (s *Store) InsertHost(_ context.Context, h *domain.Host) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range s.hosts {
		if r.v.Username == h.Username {
			return errors.New(errors.CodeAlreadyExists, errors.WithMessagef("username is taken: username=%s", h.Username))
		}
	}

	s.hosts[h.HostID] = &row[domain.Host]{v: *h, seq: s.next()}
	return nil
}

func (s *Store) GetHostByUsername(_ context.Context, username string) (*domain.Host, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range s.hosts {
		if r.v.Username == username {
			h := r.v
			return &h, nil
		}
	}

	return nil, errors.NotFound("host not found: username=%s", username)
}

// values returns the rows in insertion order.
func values[T any](rows []*row[T]) []T {
	slices.SortFunc(rows, func(a, b *row[T]) int {
		return cmp.Compare(a.seq, b.seq)
	})

	vs := make([]T, len(rows))
	for i, r := range rows {
		vs[i] = r.v
	}

	return vs
}
