package ledger_test

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/victornm/livequiz/internal/domain"
	"github.com/victornm/livequiz/internal/errors"
	"github.com/victornm/livequiz/internal/event"
	"github.com/victornm/livequiz/internal/ledger"
	"github.com/victornm/livequiz/internal/session"
	"github.com/victornm/livequiz/internal/store/memory"
)

const host = "host-1"

func TestService_Join(t *testing.T) {
	type outputs struct {
		resp *ledger.JoinResponse
		err  error
	}

	tests := map[string]struct {
		arrange func(t *testing.T, f *fixture) ledger.JoinRequest
		assert  func(t *testing.T, f *fixture, out outputs)
	}{
		"should create a connected player": {
			arrange: func(t *testing.T, f *fixture) ledger.JoinRequest {
				return ledger.JoinRequest{Code: f.session.Code, Name: " Ann "}
			},
			assert: func(t *testing.T, f *fixture, out outputs) {
				require.NoError(t, out.err)
				assert.Equal(t, "Ann", out.resp.Player.Name)
				assert.True(t, out.resp.Player.Connected)
				assert.Zero(t, out.resp.Player.TotalScore)
				assert.False(t, out.resp.Rejoined)
			},
		},

		"should accept a code in any case": {
			arrange: func(t *testing.T, f *fixture) ledger.JoinRequest {
				return ledger.JoinRequest{Code: " " + strings.ToLower(f.session.Code), Name: "Ann"}
			},
			assert: func(t *testing.T, f *fixture, out outputs) {
				require.NoError(t, out.err)
				assert.Equal(t, f.session.SessionID, out.resp.Session.SessionID)
			},
		},

		"should rebind to the existing player on rejoin": {
			arrange: func(t *testing.T, f *fixture) ledger.JoinRequest {
				p := f.join(t, "Ann")
				_, err := f.l.SetConnected(context.Background(), ledger.SetConnectedRequest{PlayerID: p.PlayerID})
				require.NoError(t, err)
				return ledger.JoinRequest{Code: f.session.Code, Name: "Ann"}
			},
			assert: func(t *testing.T, f *fixture, out outputs) {
				require.NoError(t, out.err)
				assert.True(t, out.resp.Rejoined)
				assert.True(t, out.resp.Player.Connected)

				players := f.players(t)
				require.Len(t, players, 1, "rejoin must not create a duplicate")
				assert.Equal(t, out.resp.Player.PlayerID, players[0].PlayerID)
			},
		},

		"should fail with not found for an unknown code and create nothing": {
			arrange: func(t *testing.T, f *fixture) ledger.JoinRequest {
				return ledger.JoinRequest{Code: "ZZZZZZ", Name: "Ann"}
			},
			assert: func(t *testing.T, f *fixture, out outputs) {
				require.True(t, errors.Is(out.err, errors.CodeNotFound), "got %v", out.err)
				assert.Equal(t, "NotFoundError", errors.Convert(out.err).Kind)
				assert.Empty(t, f.players(t))
			},
		},

		"should reject an empty name": {
			arrange: func(t *testing.T, f *fixture) ledger.JoinRequest {
				return ledger.JoinRequest{Code: f.session.Code, Name: "   "}
			},
			assert: func(t *testing.T, f *fixture, out outputs) {
				require.True(t, errors.Is(out.err, errors.CodeInvalidArgument), "got %v", out.err)
			},
		},

		"should reject a long name": {
			arrange: func(t *testing.T, f *fixture) ledger.JoinRequest {
				return ledger.JoinRequest{Code: f.session.Code, Name: strings.Repeat("a", 33)}
			},
			assert: func(t *testing.T, f *fixture, out outputs) {
				require.True(t, errors.Is(out.err, errors.CodeInvalidArgument), "got %v", out.err)
			},
		},

		"should reject joining an ended session": {
			arrange: func(t *testing.T, f *fixture) ledger.JoinRequest {
				f.addQuestion(t, 10)
				f.advance(t)
				_, err := f.s.End(context.Background(), session.TransitionRequest{Code: f.session.Code, HostID: host})
				require.NoError(t, err)
				return ledger.JoinRequest{Code: f.session.Code, Name: "Ann"}
			},
			assert: func(t *testing.T, f *fixture, out outputs) {
				require.True(t, errors.Is(out.err, errors.CodeFailedPrecondition), "got %v", out.err)
			},
		},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t)
			req := tt.arrange(t, f)

			resp, err := f.l.Join(context.Background(), req)
			tt.assert(t, f, outputs{resp: resp, err: err})
		})
	}
}

func TestService_Join_Concurrent(t *testing.T) {
	f := newFixture(t)

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		ids = make(map[string]bool)
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := f.l.Join(context.Background(), ledger.JoinRequest{Code: f.session.Code, Name: "Ann"})
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			ids[resp.Player.PlayerID] = true
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Len(t, ids, 1)
	assert.Len(t, f.players(t), 1)
}

func TestService_SubmitAnswer(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	q1 := f.addQuestion(t, 10)
	q2 := f.addQuestion(t, 20)
	ann := f.join(t, "Ann")

	_, err := f.l.SubmitAnswer(ctx, ledger.SubmitAnswerRequest{PlayerID: ann.PlayerID, QuestionID: q1.QuestionID, Text: "cat"})
	require.True(t, errors.Is(err, errors.CodeFailedPrecondition), "session is waiting: got %v", err)

	f.advance(t)

	a, err := f.l.SubmitAnswer(ctx, ledger.SubmitAnswerRequest{PlayerID: ann.PlayerID, QuestionID: q1.QuestionID, Text: " cat "})
	require.NoError(t, err)
	assert.Equal(t, "cat", a.Text)
	assert.Equal(t, "Ann", a.PlayerName)
	assert.False(t, a.Correct)

	_, err = f.l.SubmitAnswer(ctx, ledger.SubmitAnswerRequest{PlayerID: ann.PlayerID, QuestionID: q1.QuestionID, Text: "dog"})
	require.True(t, errors.Is(err, errors.CodeAlreadyExists), "second answer: got %v", err)
	assert.Equal(t, "DuplicateError", errors.Convert(err).Kind)

	answers, err := f.l.ListAnswers(ctx, ledger.ListAnswersRequest{QuestionID: q1.QuestionID})
	require.NoError(t, err)
	require.Len(t, answers, 1)
	assert.Equal(t, "cat", answers[0].Text, "the first submission is kept")

	_, err = f.l.SubmitAnswer(ctx, ledger.SubmitAnswerRequest{PlayerID: ann.PlayerID, QuestionID: q2.QuestionID, Text: "dog"})
	require.True(t, errors.Is(err, errors.CodeFailedPrecondition), "not the current question: got %v", err)

	_, err = f.l.SubmitAnswer(ctx, ledger.SubmitAnswerRequest{PlayerID: ann.PlayerID, QuestionID: q1.QuestionID, Text: strings.Repeat("x", 201)})
	require.True(t, errors.Is(err, errors.CodeInvalidArgument), "too long: got %v", err)

	_, err = f.l.SubmitAnswer(ctx, ledger.SubmitAnswerRequest{PlayerID: "nobody", QuestionID: q1.QuestionID, Text: "cat"})
	require.True(t, errors.Is(err, errors.CodeNotFound), "unknown player: got %v", err)
}

func TestService_MarkCorrect(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	q1 := f.addQuestion(t, 10)
	ann := f.join(t, "Ann")
	f.advance(t)

	a, err := f.l.SubmitAnswer(ctx, ledger.SubmitAnswerRequest{PlayerID: ann.PlayerID, QuestionID: q1.QuestionID, Text: "cat"})
	require.NoError(t, err)

	_, err = f.l.MarkCorrect(ctx, ledger.MarkCorrectRequest{AnswerID: a.AnswerID, HostID: "intruder"})
	require.True(t, errors.Is(err, errors.CodePermissionDenied), "got %v", err)

	resp, err := f.l.MarkCorrect(ctx, ledger.MarkCorrectRequest{AnswerID: a.AnswerID, HostID: host})
	require.NoError(t, err)
	assert.Equal(t, 10, resp.Awarded)
	assert.True(t, resp.Answer.Correct)
	assert.Equal(t, 10, resp.Player.TotalScore)

	resp, err = f.l.MarkCorrect(ctx, ledger.MarkCorrectRequest{AnswerID: a.AnswerID, HostID: host})
	require.NoError(t, err)
	assert.Zero(t, resp.Awarded, "repeat is a no-op")
	assert.Equal(t, 10, resp.Player.TotalScore)

	players := f.players(t)
	require.Len(t, players, 1)
	assert.Equal(t, 10, players[0].TotalScore, "score increases exactly once")
}

func TestService_MarkCorrect_Concurrent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	q1 := f.addQuestion(t, 7)
	ann := f.join(t, "Ann")
	f.advance(t)

	a, err := f.l.SubmitAnswer(ctx, ledger.SubmitAnswerRequest{PlayerID: ann.PlayerID, QuestionID: q1.QuestionID, Text: "cat"})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.l.MarkCorrect(ctx, ledger.MarkCorrectRequest{AnswerID: a.AnswerID, HostID: host})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 7, f.players(t)[0].TotalScore)
}

func TestService_SubmitAnswer_AdvancedMeanwhile(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	q1 := f.addQuestion(t, 10)
	q2 := f.addQuestion(t, 20)
	ann := f.join(t, "Ann")
	f.advance(t)

	l := f.ledgerWith(steppingSessions{
		Service:       f.s,
		afterValidate: func() { f.advance(t) },
	})

	_, err := l.SubmitAnswer(ctx, ledger.SubmitAnswerRequest{PlayerID: ann.PlayerID, QuestionID: q1.QuestionID, Text: "cat"})
	require.True(t, errors.Is(err, errors.CodeFailedPrecondition), "q1 stopped being current: got %v", err)

	ss, err := f.s.Lookup(ctx, f.session.Code)
	require.NoError(t, err)
	require.Equal(t, q2.QuestionID, ss.CurrentQuestionID)

	answers, err := f.l.ListAnswers(ctx, ledger.ListAnswersRequest{QuestionID: q1.QuestionID})
	require.NoError(t, err)
	assert.Empty(t, answers, "no answer is recorded for a question that is no longer current")
}

func TestService_MarkCorrect_EndedMeanwhile(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	q1 := f.addQuestion(t, 10)
	ann := f.join(t, "Ann")
	f.advance(t)

	a, err := f.l.SubmitAnswer(ctx, ledger.SubmitAnswerRequest{PlayerID: ann.PlayerID, QuestionID: q1.QuestionID, Text: "cat"})
	require.NoError(t, err)

	l := f.ledgerWith(steppingSessions{
		Service: f.s,
		afterLookupByID: func() {
			_, err := f.s.End(ctx, session.TransitionRequest{Code: f.session.Code, HostID: host})
			require.NoError(t, err)
		},
	})

	_, err = l.MarkCorrect(ctx, ledger.MarkCorrectRequest{AnswerID: a.AnswerID, HostID: host})
	require.True(t, errors.Is(err, errors.CodeFailedPrecondition), "session ended: got %v", err)
	assert.Zero(t, f.players(t)[0].TotalScore)
}

func TestService_Scenario(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	q1 := f.addQuestion(t, 10)
	q2 := f.addQuestion(t, 20)
	ann := f.join(t, "Ann")
	bo := f.join(t, "Bo")

	ss := f.advance(t)
	require.Equal(t, q1.QuestionID, ss.CurrentQuestionID)

	annAnswer, err := f.l.SubmitAnswer(ctx, ledger.SubmitAnswerRequest{PlayerID: ann.PlayerID, QuestionID: q1.QuestionID, Text: "cat"})
	require.NoError(t, err)
	_, err = f.l.SubmitAnswer(ctx, ledger.SubmitAnswerRequest{PlayerID: bo.PlayerID, QuestionID: q1.QuestionID, Text: "dog"})
	require.NoError(t, err)

	_, err = f.l.MarkCorrect(ctx, ledger.MarkCorrectRequest{AnswerID: annAnswer.AnswerID, HostID: host})
	require.NoError(t, err)

	scores := make(map[string]int)
	for _, p := range f.players(t) {
		scores[p.Name] = p.TotalScore
	}
	assert.Equal(t, map[string]int{"Ann": 10, "Bo": 0}, scores)

	ss = f.advance(t)
	require.Equal(t, q2.QuestionID, ss.CurrentQuestionID)

	answers, err := f.l.ListAnswers(ctx, ledger.ListAnswersRequest{QuestionID: q2.QuestionID})
	require.NoError(t, err)
	assert.Empty(t, answers)

	_, err = f.s.ShowScores(ctx, session.TransitionRequest{Code: ss.Code, HostID: host})
	require.NoError(t, err)
	ss, err = f.s.End(ctx, session.TransitionRequest{Code: ss.Code, HostID: host})
	require.NoError(t, err)
	require.Equal(t, domain.StatusEnded, ss.Status)

	ranked := ledger.ComputeRanks(f.players(t))
	require.Len(t, ranked, 2)
	assert.Equal(t, "Ann", ranked[0].Name)
	assert.Equal(t, 1, ranked[0].Rank)
	assert.Equal(t, "Bo", ranked[1].Name)
	assert.Equal(t, 2, ranked[1].Rank)
}

type fixture struct {
	store   *memory.Store
	eb      *event.Bus
	s       *session.Service
	l       *ledger.Service
	session *domain.Session
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store := memory.New()
	eb := event.NewBus()
	t.Cleanup(eb.Stop)

	s := session.NewService(session.Config{Repo: store, EventBus: eb})
	l := ledger.NewService(ledger.Config{Repo: store, Sessions: s, EventBus: eb})

	ss, err := s.CreateSession(context.Background(), session.CreateSessionRequest{HostID: host})
	require.NoError(t, err)

	return &fixture{store: store, eb: eb, s: s, l: l, session: ss}
}

func (f *fixture) addQuestion(t *testing.T, points int) *domain.Question {
	t.Helper()

	q, err := f.s.AddQuestion(context.Background(), session.AddQuestionRequest{
		Code:        f.session.Code,
		HostID:      host,
		ImageURL:    "https://i.imgur.com/q.png",
		Description: "what is it?",
		Points:      points,
	})
	require.NoError(t, err)
	return q
}

func (f *fixture) advance(t *testing.T) *domain.Session {
	t.Helper()

	ss, err := f.s.Advance(context.Background(), session.TransitionRequest{Code: f.session.Code, HostID: host})
	require.NoError(t, err)
	return ss
}

func (f *fixture) join(t *testing.T, name string) *domain.Player {
	t.Helper()

	resp, err := f.l.Join(context.Background(), ledger.JoinRequest{Code: f.session.Code, Name: name})
	require.NoError(t, err)
	return resp.Player
}

func (f *fixture) players(t *testing.T) []domain.Player {
	t.Helper()

	ps, err := f.l.ListPlayers(context.Background(), ledger.ListPlayersRequest{Code: f.session.Code})
	require.NoError(t, err)
	return ps
}

// ledgerWith builds a second ledger over the same store that reaches the session service through ss.
func (f *fixture) ledgerWith(ss ledger.Sessions) *ledger.Service {
	return ledger.NewService(ledger.Config{Repo: f.store, Sessions: ss, EventBus: f.eb})
}

// steppingSessions runs a session transition right after a read, between the ledger's check and its
// write.
type steppingSessions struct {
	*session.Service
	afterValidate   func()
	afterLookupByID func()
}

func (s steppingSessions) ValidateSubmission(ctx context.Context, req session.ValidateSubmissionRequest) (*session.ValidateSubmissionResponse, error) {
	resp, err := s.Service.ValidateSubmission(ctx, req)
	if s.afterValidate != nil {
		s.afterValidate()
	}
	return resp, err
}

func (s steppingSessions) LookupByID(ctx context.Context, sessionID string) (*domain.Session, error) {
	ss, err := s.Service.LookupByID(ctx, sessionID)
	if s.afterLookupByID != nil {
		s.afterLookupByID()
	}
	return ss, err
}
