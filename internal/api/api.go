package api

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/victornm/livequiz/internal/auth"
	"github.com/victornm/livequiz/internal/domain"
	"github.com/victornm/livequiz/internal/errors"
	"github.com/victornm/livequiz/internal/leaderboard"
	"github.com/victornm/livequiz/internal/ledger"
	"github.com/victornm/livequiz/internal/session"
)

const hostIDKey = "host_id"

type Config struct {
	HTTP        *gin.Engine
	GRPC        *grpc.Server
	Auth        *auth.Service
	Session     *session.Service
	Ledger      *ledger.Service
	Leaderboard *leaderboard.Service
	Relay       Subscriber
}

// Subscriber delivers the notifications of one session until cancel is called.
type Subscriber interface {
	Subscribe(ctx context.Context, code string) (<-chan domain.Notification, func(), error)
}

type API struct {
	as  *auth.Service
	qss *session.Service
	ls  *ledger.Service
	lbs *leaderboard.Service

	relay   Subscriber
	streams *playerStreams
	health  *health.Server
}

func New(c Config) *API {
	a := &API{
		as:      c.Auth,
		qss:     c.Session,
		ls:      c.Ledger,
		lbs:     c.Leaderboard,
		relay:   c.Relay,
		streams: newPlayerStreams(c.Ledger),
		health:  health.NewServer(),
	}

	// gRPC APIs
	if c.GRPC != nil {
		healthpb.RegisterHealthServer(c.GRPC, a.health)
		reflection.Register(c.GRPC)
	}

	a.routes(c.HTTP)
	return a
}

func (a *API) routes(e *gin.Engine) {
	e.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	e.GET("/ws/sessions/:code", a.StreamSession)

	v1 := e.Group("/api/v1")
	v1.POST("/auth/register", a.Register)
	v1.POST("/auth/login", a.Login)

	// Readable by anyone; a valid bearer token additionally identifies the owner.
	public := v1.Group("", a.authenticate(false))
	public.GET("/sessions/:code", a.GetSession)
	public.GET("/sessions/:code/questions", a.ListQuestions)
	public.GET("/sessions/:code/players", a.ListPlayers)
	public.GET("/sessions/:code/leaderboard", a.GetLeaderboard)
	public.POST("/sessions/:code/players", a.Join)
	public.GET("/questions/:id", a.GetQuestion)
	public.GET("/questions/:id/answers", a.ListAnswers)
	public.POST("/questions/:id/answers", a.SubmitAnswer)

	host := v1.Group("", a.authenticate(true))
	host.POST("/sessions", a.CreateSession)
	host.POST("/sessions/:code/questions", a.AddQuestion)
	host.DELETE("/sessions/:code/questions/:id", a.DeleteQuestion)
	host.POST("/sessions/:code/questions/:id/reveal", a.RevealQuestion)
	host.POST("/sessions/:code/advance", a.transition(a.qss.Advance))
	host.POST("/sessions/:code/show-scores", a.transition(a.qss.ShowScores))
	host.POST("/sessions/:code/end", a.transition(a.qss.End))
	host.POST("/sessions/:code/reset", a.transition(a.qss.Reset))
	host.POST("/answers/:id/correct", a.MarkCorrect)
}

// Shutdown reports NOT_SERVING to health checkers.
func (a *API) Shutdown() {
	a.health.Shutdown()
}

// authenticate reads the bearer token. With required set, requests without a valid token are rejected;
// otherwise a missing token leaves the request anonymous.
func (a *API) authenticate(required bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if !ok || token == "" {
			if required {
				abort(c, errors.New(errors.CodeUnauthenticated, errors.WithMessagef("bearer token is required")))
				return
			}
			c.Next()
			return
		}

		hostID, err := a.as.Verify(token)
		if err != nil {
			abort(c, err)
			return
		}

		c.Set(hostIDKey, hostID)
		c.Next()
	}
}

func hostID(c *gin.Context) string {
	return c.GetString(hostIDKey)
}

// abort writes err as {"error": {code, kind, message}} with the matching HTTP status.
func abort(c *gin.Context, err error) {
	e := errors.Convert(err)
	if e.Code == errors.CodeInternal {
		slog.ErrorContext(c.Request.Context(), "api: request failed", "path", c.FullPath(), "error", err)
		e = errors.New(errors.CodeInternal)
	}

	c.AbortWithStatusJSON(e.HTTPStatusCode(), gin.H{"error": e})
}

func bind(c *gin.Context, req any) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		abort(c, errors.InvalidArgument("invalid request body: %v", err))
		return false
	}
	return true
}
