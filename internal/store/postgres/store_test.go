package postgres_test

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tc "github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/victornm/livequiz/internal/domain"
	"github.com/victornm/livequiz/internal/errors"
	"github.com/victornm/livequiz/internal/event"
	"github.com/victornm/livequiz/internal/ledger"
	"github.com/victornm/livequiz/internal/session"
	"github.com/victornm/livequiz/internal/store/postgres"
)

const host = "host-1"

func TestStore_Scenario(t *testing.T) {
	ctx := context.Background()
	store := startStore(t, ctx)

	eb := event.NewBus()
	t.Cleanup(eb.Stop)
	ss := session.NewService(session.Config{Repo: store, EventBus: eb})
	l := ledger.NewService(ledger.Config{Repo: store, Sessions: ss, EventBus: eb})

	created, err := ss.CreateSession(ctx, session.CreateSessionRequest{HostID: host})
	require.NoError(t, err)
	code := created.Code

	add := func(points int) *domain.Question {
		q, err := ss.AddQuestion(ctx, session.AddQuestionRequest{
			Code: code, HostID: host, ImageURL: "https://i.imgur.com/q.png", Description: "what is it?", Points: points,
		})
		require.NoError(t, err)
		return q
	}
	q1, q2 := add(10), add(20)
	assert.Less(t, q1.OrderKey, q2.OrderKey)

	ann, err := l.Join(ctx, ledger.JoinRequest{Code: strings.ToLower(code), Name: "Ann"})
	require.NoError(t, err)
	bo, err := l.Join(ctx, ledger.JoinRequest{Code: code, Name: "Bo"})
	require.NoError(t, err)

	again, err := l.Join(ctx, ledger.JoinRequest{Code: code, Name: "Ann"})
	require.NoError(t, err)
	assert.Equal(t, ann.Player.PlayerID, again.Player.PlayerID)

	cur, err := ss.Advance(ctx, session.TransitionRequest{Code: code, HostID: host})
	require.NoError(t, err)
	require.Equal(t, q1.QuestionID, cur.CurrentQuestionID)

	annAnswer, err := l.SubmitAnswer(ctx, ledger.SubmitAnswerRequest{PlayerID: ann.Player.PlayerID, QuestionID: q1.QuestionID, Text: "cat"})
	require.NoError(t, err)
	boAnswer, err := l.SubmitAnswer(ctx, ledger.SubmitAnswerRequest{PlayerID: bo.Player.PlayerID, QuestionID: q1.QuestionID, Text: "dog"})
	require.NoError(t, err)

	_, err = l.SubmitAnswer(ctx, ledger.SubmitAnswerRequest{PlayerID: ann.Player.PlayerID, QuestionID: q1.QuestionID, Text: "bird"})
	require.True(t, errors.Is(err, errors.CodeAlreadyExists), "got %v", err)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.MarkCorrect(ctx, ledger.MarkCorrectRequest{AnswerID: annAnswer.AnswerID, HostID: host})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	cur, err = ss.Advance(ctx, session.TransitionRequest{Code: code, HostID: host})
	require.NoError(t, err)
	require.Equal(t, q2.QuestionID, cur.CurrentQuestionID)

	err = store.InsertAnswer(ctx, created.SessionID, &domain.Answer{
		AnswerID: "late", QuestionID: q1.QuestionID, PlayerID: bo.Player.PlayerID, Text: "cat", SubmitTime: time.Now(),
	})
	require.True(t, errors.Is(err, errors.CodeFailedPrecondition), "q1 is no longer current: got %v", err)

	_, err = ss.Advance(ctx, session.TransitionRequest{Code: code, HostID: host})
	require.True(t, errors.Is(err, errors.CodeFailedPrecondition), "got %v", err)

	_, err = ss.ShowScores(ctx, session.TransitionRequest{Code: code, HostID: host})
	require.NoError(t, err)
	ended, err := ss.End(ctx, session.TransitionRequest{Code: code, HostID: host})
	require.NoError(t, err)
	assert.Empty(t, ended.CurrentQuestionID)

	_, _, _, err = store.MarkAnswerCorrect(ctx, boAnswer.AnswerID)
	require.True(t, errors.Is(err, errors.CodeFailedPrecondition), "session has ended: got %v", err)

	players, err := l.ListPlayers(ctx, ledger.ListPlayersRequest{Code: code})
	require.NoError(t, err)
	ranked := ledger.ComputeRanks(players)
	require.Len(t, ranked, 2)
	assert.Equal(t, "Ann", ranked[0].Name)
	assert.Equal(t, 10, ranked[0].TotalScore, "points are awarded once")
	assert.Equal(t, "Bo", ranked[1].Name)
}

func TestStore_UpdateSession_VersionMismatch(t *testing.T) {
	ctx := context.Background()
	store := startStore(t, ctx)

	ss := &domain.Session{SessionID: "s1", Code: "AAAAAA", HostID: host, Status: domain.StatusWaiting, CreateTime: time.Now(), UpdateTime: time.Now()}
	require.NoError(t, store.InsertSession(ctx, ss))

	err := store.InsertSession(ctx, &domain.Session{SessionID: "s2", Code: "AAAAAA", HostID: host, Status: domain.StatusWaiting, CreateTime: time.Now(), UpdateTime: time.Now()})
	require.True(t, errors.Is(err, errors.CodeAborted), "open code is taken: got %v", err)

	updated, err := store.UpdateSession(ctx, session.SessionUpdate{SessionID: "s1", ExpectVersion: 1, Status: domain.StatusEnded})
	require.NoError(t, err)
	assert.Equal(t, int64(2), updated.Version)

	_, err = store.UpdateSession(ctx, session.SessionUpdate{SessionID: "s1", ExpectVersion: 1, Status: domain.StatusActive})
	require.True(t, errors.Is(err, errors.CodeAborted), "stale version: got %v", err)

	_, err = store.UpdateSession(ctx, session.SessionUpdate{SessionID: "missing", ExpectVersion: 1, Status: domain.StatusActive})
	require.True(t, errors.Is(err, errors.CodeNotFound), "got %v", err)

	require.NoError(t, store.InsertSession(ctx, &domain.Session{SessionID: "s3", Code: "AAAAAA", HostID: host, Status: domain.StatusWaiting, CreateTime: time.Now(), UpdateTime: time.Now()}),
		"code is free again once the session ended")
}

func startStore(t *testing.T, ctx context.Context) *postgres.Store {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping postgres container test in short mode")
	}
	requireDocker(t)

	req := tc.ContainerRequest{
		Image:        "postgres:16-alpine",
		Env:          map[string]string{"POSTGRES_USER": "quiz", "POSTGRES_PASSWORD": "quizpass", "POSTGRES_DB": "quizdb"},
		ExposedPorts: []string{"5432/tcp"},
		WaitingFor:   wait.ForLog("database system is ready to accept connections").WithOccurrence(2).WithStartupTimeout(60 * time.Second),
	}
	container, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		if strings.Contains(err.Error(), "Cannot connect to the Docker daemon") {
			t.Skipf("docker not available: %v", err)
		}
		t.Fatalf("start postgres: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	h, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432/tcp")
	require.NoError(t, err)

	dsn := fmt.Sprintf("postgres://quiz:quizpass@%s:%s/quizdb?sslmode=disable", h, port.Port())
	require.NoError(t, postgres.Migrate(ctx, dsn))

	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	return postgres.New(pool)
}

func requireDocker(t *testing.T) {
	t.Helper()
	if _, err := tc.NewDockerProvider(); err != nil {
		t.Skipf("docker not available: %v", err)
	}
}
