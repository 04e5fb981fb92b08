package reconcile

import (
	"cmp"
	"context"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/victornm/livequiz/internal/domain"
	"github.com/victornm/livequiz/internal/errors"
	"github.com/victornm/livequiz/internal/ledger"
	"github.com/victornm/livequiz/internal/telemetry"
)

// Snapshot is a consistent copy of a subscription's cache.
type Snapshot struct {
	Code  string
	Epoch uint64

	Session *domain.Session
	// Question is the question on display. It may lag behind Session.CurrentQuestionID while the new
	// question is being fetched.
	Question  *domain.Question
	Questions []domain.Question
	Players   []domain.RankedPlayer
	Answers   []domain.Answer

	Submitted bool
	View      View
}

type cache struct {
	session   *domain.Session
	questions map[string]domain.Question
	current   *domain.Question
	players   []domain.RankedPlayer
	answers   []domain.Answer

	// submittedFor is the question the local player has answered; the answered state resets as soon as
	// the current question changes.
	submittedFor string
}

// owns reports whether data of sessionID belongs in the cache. A code is reused once its session has
// ended, so anything looked up by code may describe a later session.
func (c *cache) owns(sessionID string) bool {
	return c.session == nil || c.session.SessionID == sessionID
}

type Subscription struct {
	e        *Engine
	code     string
	playerID string
	epoch    uint64

	// live holds epoch while the subscription is open and zero afterwards. Results fetched under
	// another epoch are discarded.
	live atomic.Uint64

	ctx     context.Context
	events  <-chan domain.Notification
	release func()
	tasks   chan func(ctx context.Context)
	updates chan Snapshot
	done    chan struct{}

	mu      sync.RWMutex
	cache   cache
	changed chan struct{}
}

func newSubscription(e *Engine, ctx context.Context, cancel context.CancelFunc, code, playerID string, epoch uint64, events <-chan domain.Notification, unsubscribe func()) *Subscription {
	s := &Subscription{
		e:        e,
		code:     code,
		playerID: playerID,
		epoch:    epoch,
		ctx:      ctx,
		events:   events,
		tasks:    make(chan func(ctx context.Context)),
		updates:  make(chan Snapshot, e.buffer),
		done:     make(chan struct{}),
		cache:    cache{questions: map[string]domain.Question{}},
		changed:  make(chan struct{}),
	}
	s.live.Store(epoch)
	s.release = sync.OnceFunc(func() {
		s.live.Store(0)
		cancel()
		unsubscribe()
	})
	return s
}

func (s *Subscription) Code() string  { return s.code }
func (s *Subscription) Epoch() uint64 { return s.epoch }

// Close stops the loop, abandons in-flight fetches and releases the relay subscription. It returns once
// the loop has exited; Updates is closed by then.
func (s *Subscription) Close() {
	s.release()
	<-s.done
}

// Updates delivers a snapshot after every change of the cache. A slow reader loses the oldest snapshots,
// never the latest.
func (s *Subscription) Updates() <-chan Snapshot {
	return s.updates
}

func (s *Subscription) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.snapshotLocked()
}

func (s *Subscription) snapshotLocked() Snapshot {
	c := s.cache
	snap := Snapshot{
		Code:      s.code,
		Epoch:     s.epoch,
		Questions: sortedQuestions(c.questions),
		Players:   slices.Clone(c.players),
		Answers:   slices.Clone(c.answers),
	}

	if c.session != nil {
		ss := *c.session
		snap.Session = &ss
	}
	if c.current != nil {
		q := *c.current
		snap.Question = &q
		snap.Submitted = c.submittedFor == q.QuestionID
	}

	snap.View = DeriveView(s.playerID != "", snap.Session, snap.Question != nil, snap.Submitted)
	return snap
}

// WaitFor blocks until the cache satisfies cond, ctx is done or the subscription is closed.
func (s *Subscription) WaitFor(ctx context.Context, cond func(Snapshot) bool) (Snapshot, error) {
	for {
		s.mu.RLock()
		snap := s.snapshotLocked()
		changed := s.changed
		s.mu.RUnlock()

		if cond(snap) {
			return snap, nil
		}

		select {
		case <-changed:
		case <-ctx.Done():
			return snap, ctx.Err()
		case <-s.done:
			return snap, errClosed()
		}
	}
}

// Resync replaces the whole cache with freshly fetched state. On failure the cache is left unchanged.
func (s *Subscription) Resync(ctx context.Context) error {
	return s.do(ctx, s.resync)
}

// Submit sends the local player's answer to the question on display.
func (s *Subscription) Submit(ctx context.Context, text string) (*domain.Answer, error) {
	if s.playerID == "" {
		return nil, errors.FailedPrecondition("subscription has no player")
	}
	if s.e.submitter == nil {
		return nil, errors.FailedPrecondition("answers cannot be submitted from this client")
	}

	var a *domain.Answer
	err := s.do(ctx, func(ctx context.Context) error {
		s.mu.RLock()
		ss, q, submittedFor := s.cache.session, s.cache.current, s.cache.submittedFor
		s.mu.RUnlock()

		if ss == nil || ss.Status != domain.StatusActive || q == nil {
			return errors.FailedPrecondition("no question is open for answers")
		}
		if submittedFor == q.QuestionID {
			return errors.New(errors.CodeAlreadyExists, errors.WithMessagef("already answered"))
		}

		var err error
		a, err = s.e.submitter.SubmitAnswer(ctx, s.playerID, q.QuestionID, text)
		if err != nil && !errors.Is(err, errors.CodeAlreadyExists) {
			return err
		}

		s.commit(func(c *cache) bool {
			if c.current == nil || c.current.QuestionID != q.QuestionID {
				return false
			}
			c.submittedFor = q.QuestionID
			return true
		})
		return err
	})

	return a, err
}

// do runs fn on the loop, so it never interleaves with notification handling.
func (s *Subscription) do(ctx context.Context, fn func(ctx context.Context) error) error {
	result := make(chan error, 1)
	task := func(loopCtx context.Context) {
		taskCtx, cancel := context.WithCancel(loopCtx)
		defer cancel()
		stop := context.AfterFunc(ctx, cancel)
		defer stop()

		result <- fn(taskCtx)
	}

	select {
	case s.tasks <- task:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return errClosed()
	}

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Subscription) run() {
	defer func() {
		s.release()
		close(s.updates)
		close(s.done)
	}()

	for {
		select {
		case <-s.ctx.Done():
			return
		case task := <-s.tasks:
			task(s.ctx)
		case n, ok := <-s.events:
			if !ok {
				slog.WarnContext(s.ctx, "reconcile: relay closed the subscription", "code", s.code, "epoch", s.epoch)
				return
			}
			s.handle(n)
		}
	}
}

func (s *Subscription) handle(n domain.Notification) {
	if n.SessionCode() != s.code {
		slog.DebugContext(s.ctx, "reconcile: ignore notification of another session", "code", s.code, "event", n.Name())
		return
	}

	switch n := n.(type) {
	case domain.EventSessionChanged:
		s.applySession(n.Session)
	case domain.EventNextQuestionPushed:
		s.seedQuestion(n.Question)
		s.applySession(n.Session)
	case domain.EventQuestionsChanged:
		s.refetchQuestions()
	case domain.EventPlayersChanged:
		s.refetchPlayers()
	case domain.EventAnswersChanged:
		s.refetchAnswers()
	default:
		slog.WarnContext(s.ctx, "reconcile: unknown notification", "code", s.code, "event", n.Name())
		return
	}

	s.ensureCurrent()
}

// applySession replaces the cached session with next unless the cache already holds that version or a
// later one, or next is another session reusing the code.
func (s *Subscription) applySession(next domain.Session) {
	var prev domain.Status
	applied := s.commit(func(c *cache) bool {
		if !c.owns(next.SessionID) {
			return false
		}
		if c.session != nil && next.Version <= c.session.Version {
			return false
		}
		if c.session != nil {
			prev = c.session.Status
		}

		c.session = &next
		if next.CurrentQuestionID == "" {
			c.current = nil
			c.answers = nil
		}
		return true
	})
	if !applied {
		slog.DebugContext(s.ctx, "reconcile: ignore stale session", "code", s.code, "session_id", next.SessionID, "version", next.Version)
		return
	}

	s.ensureCurrent()

	// Standings are refreshed on entering the scoreboard even if a PlayersChanged was lost.
	if next.Status != prev && (next.Status == domain.StatusShowingScores || next.Status == domain.StatusEnded) {
		s.refetchPlayers()
	}
}

// seedQuestion caches a pushed question unless a copy is already known. Pushed questions are redacted,
// so a fuller cached copy is kept.
func (s *Subscription) seedQuestion(q domain.Question) {
	s.commit(func(c *cache) bool {
		if !c.owns(q.SessionID) {
			return false
		}
		if _, ok := c.questions[q.QuestionID]; ok {
			return false
		}
		c.questions[q.QuestionID] = q
		return true
	})
}

// ensureCurrent brings the question on display in line with the session pointer. The old question stays
// on display until the new one is known.
func (s *Subscription) ensureCurrent() {
	s.mu.RLock()
	var id string
	if s.cache.session != nil {
		id = s.cache.session.CurrentQuestionID
	}
	q, cached := s.cache.questions[id]
	upToDate := id == "" || (s.cache.current != nil && s.cache.current.QuestionID == id)
	s.mu.RUnlock()

	if upToDate {
		return
	}

	if !cached {
		var fetched *domain.Question
		err := s.fetch("question", func(ctx context.Context) (err error) {
			fetched, err = s.e.fetcher.GetQuestion(ctx, id)
			return err
		})
		if err != nil {
			return
		}
		q = *fetched
	}

	s.commit(func(c *cache) bool {
		if c.session == nil || c.session.CurrentQuestionID != id {
			return false
		}
		c.questions[id] = q
		c.current = &q
		c.answers = nil
		return true
	})
}

func (s *Subscription) refetchQuestions() {
	var qs []domain.Question
	err := s.fetch("questions", func(ctx context.Context) (err error) {
		qs, err = s.e.fetcher.ListQuestions(ctx, s.code)
		return err
	})
	if err != nil {
		return
	}

	s.commit(func(c *cache) bool {
		if len(qs) > 0 && !c.owns(qs[0].SessionID) {
			return false
		}
		c.questions = indexQuestions(qs)
		if c.current != nil {
			if q, ok := c.questions[c.current.QuestionID]; ok {
				c.current = &q
			}
		}
		return true
	})
}

func (s *Subscription) refetchPlayers() {
	var ps []domain.Player
	err := s.fetch("players", func(ctx context.Context) (err error) {
		ps, err = s.e.fetcher.ListPlayers(ctx, s.code)
		return err
	})
	if err != nil {
		return
	}

	ranked := ledger.ComputeRanks(ps)
	s.commit(func(c *cache) bool {
		if len(ps) > 0 && !c.owns(ps[0].SessionID) {
			return false
		}
		c.players = ranked
		return true
	})
}

// refetchAnswers reloads the answers of the question on display. Without one the notification is stale
// with respect to the cache and is ignored.
func (s *Subscription) refetchAnswers() {
	s.mu.RLock()
	current := s.cache.current
	s.mu.RUnlock()

	if current == nil {
		slog.DebugContext(s.ctx, "reconcile: ignore answers change without current question", "code", s.code)
		return
	}

	var as []domain.Answer
	err := s.fetch("answers", func(ctx context.Context) (err error) {
		as, err = s.e.fetcher.ListAnswers(ctx, current.QuestionID)
		return err
	})
	if err != nil {
		return
	}

	s.commit(func(c *cache) bool {
		if c.current == nil || c.current.QuestionID != current.QuestionID {
			return false
		}
		c.answers = as
		return true
	})
}

// resync fetches the session, questions and players concurrently, then the current question and its
// answers, and replaces the cache only if every fetch succeeded.
func (s *Subscription) resync(ctx context.Context) error {
	var (
		ss *domain.Session
		qs []domain.Question
		ps []domain.Player
	)

	eg, gctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return s.fetchCtx(gctx, "session", func(ctx context.Context) (err error) {
			ss, err = s.e.fetcher.GetSession(ctx, s.code)
			return err
		})
	})
	eg.Go(func() error {
		return s.fetchCtx(gctx, "questions", func(ctx context.Context) (err error) {
			qs, err = s.e.fetcher.ListQuestions(ctx, s.code)
			return err
		})
	})
	eg.Go(func() error {
		return s.fetchCtx(gctx, "players", func(ctx context.Context) (err error) {
			ps, err = s.e.fetcher.ListPlayers(ctx, s.code)
			return err
		})
	})
	if err := eg.Wait(); err != nil {
		return err
	}

	questions := indexQuestions(qs)
	var (
		current *domain.Question
		answers []domain.Answer
	)
	if id := ss.CurrentQuestionID; id != "" {
		q, ok := questions[id]
		if !ok {
			err := s.fetchCtx(ctx, "question", func(ctx context.Context) error {
				fetched, err := s.e.fetcher.GetQuestion(ctx, id)
				if err == nil {
					q = *fetched
				}
				return err
			})
			if err != nil {
				return err
			}
			questions[id] = q
		}
		current = &q

		err := s.fetchCtx(ctx, "answers", func(ctx context.Context) (err error) {
			answers, err = s.e.fetcher.ListAnswers(ctx, id)
			return err
		})
		if err != nil {
			return err
		}
	}

	ranked := ledger.ComputeRanks(ps)
	var replaced bool
	s.commit(func(c *cache) bool {
		if !c.owns(ss.SessionID) {
			replaced = true
			return false
		}
		submittedFor := c.submittedFor
		*c = cache{
			session:      ss,
			questions:    questions,
			current:      current,
			players:      ranked,
			answers:      answers,
			submittedFor: submittedFor,
		}
		return true
	})
	if replaced {
		return errors.FailedPrecondition("session code %s now belongs to another session", s.code)
	}

	return nil
}

func (s *Subscription) fetch(kind string, fn func(ctx context.Context) error) error {
	return s.fetchCtx(s.ctx, kind, fn)
}

// fetchCtx runs fn under the retry policy. Failures are logged and returned, never raised to the loop.
func (s *Subscription) fetchCtx(ctx context.Context, kind string, fn func(ctx context.Context) error) error {
	err := s.e.retry.Do(ctx, fn)
	telemetry.ReconcileFetches.WithLabelValues(kind, telemetry.Result(err)).Inc()
	if err != nil {
		slog.WarnContext(ctx, "reconcile: fetch failed, keeping cached state",
			"code", s.code,
			"epoch", s.epoch,
			"kind", kind,
			"error", err,
		)
	}

	return err
}

// commit applies fn to the cache if the subscription is still open under its epoch. When fn reports a
// change, waiters are woken and a snapshot is published.
func (s *Subscription) commit(fn func(c *cache) bool) bool {
	s.mu.Lock()
	if s.live.Load() != s.epoch {
		s.mu.Unlock()
		slog.DebugContext(s.ctx, "reconcile: discard result of closed subscription", "code", s.code, "epoch", s.epoch)
		return false
	}

	if !fn(&s.cache) {
		s.mu.Unlock()
		return false
	}

	snap := s.snapshotLocked()
	close(s.changed)
	s.changed = make(chan struct{})
	s.mu.Unlock()

	s.publish(snap)
	return true
}

// publish drops the oldest pending snapshot when the reader falls behind. Only the loop publishes.
func (s *Subscription) publish(snap Snapshot) {
	for {
		select {
		case s.updates <- snap:
			return
		default:
		}

		select {
		case <-s.updates:
		default:
		}
	}
}

func sortedQuestions(m map[string]domain.Question) []domain.Question {
	qs := make([]domain.Question, 0, len(m))
	for _, q := range m {
		qs = append(qs, q)
	}
	slices.SortFunc(qs, compareQuestions)
	return qs
}

func indexQuestions(qs []domain.Question) map[string]domain.Question {
	m := make(map[string]domain.Question, len(qs))
	for _, q := range qs {
		m[q.QuestionID] = q
	}
	return m
}

func compareQuestions(a, b domain.Question) int {
	return cmp.Or(
		cmp.Compare(a.OrderKey, b.OrderKey),
		a.CreateTime.Compare(b.CreateTime),
		cmp.Compare(a.QuestionID, b.QuestionID),
	)
}

func errClosed() error {
	return errors.FailedPrecondition("subscription is closed")
}
