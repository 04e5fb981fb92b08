package leaderboard

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/victornm/livequiz/internal/domain"
	"github.com/victornm/livequiz/internal/event"
	"github.com/victornm/livequiz/internal/ledger"
	"github.com/victornm/livequiz/internal/session"
)

const (
	defaultPublishInterval = 200 * time.Millisecond
)

type Config struct {
	EventBus *event.Bus
	Ledger   *ledger.Service
	Sessions *session.Service
	Redis    redis.UniversalClient
	Prefix   string
	// PublishInterval is the window in which player updates of one session are coalesced into a
	// single players.changed notification.
	PublishInterval time.Duration
}

type Service struct {
	eb       *event.Bus
	ledger   *ledger.Service
	sessions *session.Service
	redis    redis.UniversalClient
	prefix   string
	interval time.Duration

	wg sync.WaitGroup
}

func NewService(c Config) *Service {
	s := &Service{
		eb:       c.EventBus,
		ledger:   c.Ledger,
		sessions: c.Sessions,
		redis:    c.Redis,
		prefix:   c.Prefix,
		interval: c.PublishInterval,
	}

	if s.interval <= 0 {
		s.interval = defaultPublishInterval
	}

	s.eb.Subscribe(domain.EventNamePlayerUpdated, func(ctx context.Context, e event.Event) error {
		pu := e.(domain.EventPlayerUpdated)
		return s.SchedulePublish(ctx, pu.Player.SessionID, pu.Code)
	})

	return s
}

type GetLeaderboardRequest struct {
	Code string
}

// GetLeaderboard returns all players of a session ranked by score. Ranks are computed on every call.
func (s *Service) GetLeaderboard(ctx context.Context, req GetLeaderboardRequest) (*domain.Leaderboard, error) {
	ss, err := s.sessions.Lookup(ctx, req.Code)
	if err != nil {
		return nil, err
	}

	players, err := s.ledger.ListPlayers(ctx, ledger.ListPlayersRequest{Code: ss.Code})
	if err != nil {
		return nil, fmt.Errorf("list players: %w", err)
	}

	return &domain.Leaderboard{
		SessionID: ss.SessionID,
		Code:      ss.Code,
		Entries:   ledger.ComputeRanks(players),
	}, nil
}

// SchedulePublish publishes players.changed for the session once the current interval has passed.
// Scores and connectivity flags change in bursts, so every update received while a publish is
// pending is covered by that publish.
func (s *Service) SchedulePublish(ctx context.Context, sessionID, code string) error {
	// SETNX keeps instances sharing the Redis from publishing the same window twice.
	ok, err := s.redis.SetNX(ctx, s.getPendingKey(code), time.Now().UnixMilli(), s.interval).Result()
	if err != nil {
		return fmt.Errorf("setnx: %w", err)
	}

	if !ok {
		return nil
	}

	s.wg.Add(1)
	time.AfterFunc(s.interval, func() {
		defer s.wg.Done()
		s.publish(context.WithoutCancel(ctx), sessionID, code)
	})

	return nil
}

func (s *Service) publish(ctx context.Context, sessionID, code string) {
	if err := s.redis.Del(ctx, s.getPendingKey(code)).Err(); err != nil {
		slog.WarnContext(ctx, "leaderboard: clear pending key failed", "code", code, "error", err)
	}

	s.eb.Publish(ctx, domain.EventPlayersChanged{
		SessionID: sessionID,
		Code:      code,
	})
}

// Stop waits for pending publishes.
func (s *Service) Stop() {
	s.wg.Wait()
}

func (s *Service) getPendingKey(code string) string {
	return fmt.Sprintf("%s:%s:players:pending", s.prefix, code)
}
