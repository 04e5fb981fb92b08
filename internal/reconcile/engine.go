// Package reconcile keeps a participant's local view of a quiz session consistent with the server.
//
// Change notifications are thin, unordered and may be lost. Every subscription therefore owns its own
// cache, applies notifications one at a time on a single loop, and repairs the cache either from a
// payload that fully replaces a slice of it or from an authoritative refetch.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/victornm/livequiz/internal/domain"
	"github.com/victornm/livequiz/internal/session"
)

const defaultUpdateBuffer = 16

// Fetcher is the read side of the server API.
type Fetcher interface {
	GetSession(ctx context.Context, code string) (*domain.Session, error)
	GetQuestion(ctx context.Context, questionID string) (*domain.Question, error)
	ListQuestions(ctx context.Context, code string) ([]domain.Question, error)
	ListPlayers(ctx context.Context, code string) ([]domain.Player, error)
	ListAnswers(ctx context.Context, questionID string) ([]domain.Answer, error)
}

type Submitter interface {
	SubmitAnswer(ctx context.Context, playerID, questionID, text string) (*domain.Answer, error)
}

// Relay delivers the notifications of one session until cancel is called.
type Relay interface {
	Subscribe(ctx context.Context, code string) (<-chan domain.Notification, func(), error)
}

type Config struct {
	Fetcher   Fetcher
	Submitter Submitter
	Relay     Relay
	Retry     RetryPolicy

	// UpdateBuffer is the number of snapshots kept for a slow Updates reader before the oldest is dropped.
	UpdateBuffer int
}

type Engine struct {
	fetcher   Fetcher
	submitter Submitter
	relay     Relay
	retry     RetryPolicy
	buffer    int

	epochs atomic.Uint64
}

func NewEngine(c Config) *Engine {
	e := &Engine{
		fetcher:   c.Fetcher,
		submitter: c.Submitter,
		relay:     c.Relay,
		retry:     c.Retry,
		buffer:    c.UpdateBuffer,
	}

	if e.retry.Attempts == 0 {
		e.retry = DefaultRetryPolicy()
	}
	if e.buffer <= 0 {
		e.buffer = defaultUpdateBuffer
	}

	return e
}

type SubscribeRequest struct {
	Code string
	// PlayerID is empty for observers such as the host.
	PlayerID string
}

// Subscribe starts following a session. The relay subscription is established before the initial
// fetch, so no change after that fetch can be missed. The subscription lives until Close is called or
// ctx is done.
func (e *Engine) Subscribe(ctx context.Context, req SubscribeRequest) (*Subscription, error) {
	code := session.NormalizeCode(req.Code)
	epoch := e.epochs.Add(1)

	sctx, cancel := context.WithCancel(ctx)
	events, unsubscribe, err := e.relay.Subscribe(sctx, code)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("reconcile: subscribe %s: %w", code, err)
	}

	s := newSubscription(e, sctx, cancel, code, req.PlayerID, epoch, events, unsubscribe)
	if err := s.resync(sctx); err != nil {
		cancel()
		unsubscribe()
		return nil, fmt.Errorf("reconcile: initial sync %s: %w", code, err)
	}

	go s.run()

	slog.InfoContext(ctx, "reconcile: subscribed", "code", code, "epoch", epoch, "player_id", req.PlayerID)
	return s, nil
}
