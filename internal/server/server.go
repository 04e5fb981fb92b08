package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/victornm/livequiz/internal/api"
	"github.com/victornm/livequiz/internal/auth"
	"github.com/victornm/livequiz/internal/event"
	"github.com/victornm/livequiz/internal/leaderboard"
	"github.com/victornm/livequiz/internal/ledger"
	"github.com/victornm/livequiz/internal/relay"
	"github.com/victornm/livequiz/internal/session"
	"github.com/victornm/livequiz/internal/store/memory"
	"github.com/victornm/livequiz/internal/store/postgres"
	"github.com/victornm/livequiz/internal/telemetry"
)

type Config struct {
	HTTP struct {
		Port int32
	}

	GRPC struct {
		Port int32
	}

	Redis struct {
		Leaderboard struct {
			Addrs  []string
			Pass   string
			Prefix string
		}

		Pubsub struct {
			Addrs  []string
			Pass   string
			Prefix string
		}
	}

	// Postgres holds the quiz data. An empty Addr keeps everything in memory.
	Postgres struct {
		Addr string
		User string
		Pass string
		Name string
	}

	Session struct {
		CodeLength        int
		CodeAttempts      int
		AllowedImageHosts []string
	}

	Auth struct {
		Secret   string
		TokenTTL time.Duration
	}

	Leaderboard struct {
		PublishInterval time.Duration
	}
}

// DefaultConfig is the configuration used for every value the config file and environment leave out.
func DefaultConfig() Config {
	var c Config
	c.HTTP.Port = 8080
	c.GRPC.Port = 8081
	c.Redis.Leaderboard.Addrs = []string{"localhost:6379"}
	c.Redis.Leaderboard.Prefix = "livequiz"
	c.Redis.Pubsub.Addrs = []string{"localhost:6379"}
	c.Redis.Pubsub.Prefix = "livequiz"
	c.Session.CodeLength = session.DefaultCodeLength
	c.Session.CodeAttempts = 5
	c.Session.AllowedImageHosts = []string{"imgur.com"}
	c.Auth.TokenTTL = 24 * time.Hour
	c.Leaderboard.PublishInterval = 200 * time.Millisecond
	return c
}

// PostgresDSN returns the connection string of the configured database, empty when none is configured.
func (c Config) PostgresDSN() string {
	if c.Postgres.Addr == "" {
		return ""
	}

	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.Postgres.User, c.Postgres.Pass),
		Host:     c.Postgres.Addr,
		Path:     "/" + c.Postgres.Name,
		RawQuery: "sslmode=disable",
	}
	return u.String()
}

// store is every repository the services need.
type store interface {
	session.Repository
	ledger.Repository
	auth.Repository
}

type Server struct {
	c Config

	eb *event.Bus

	infra struct {
		redis struct {
			leaderboard redis.UniversalClient
			pubsub      redis.UniversalClient
		}

		postgres *pgxpool.Pool
		store    store
		relay    *relay.Redis
	}

	service struct {
		auth        *auth.Service
		session     *session.Service
		ledger      *ledger.Service
		leaderboard *leaderboard.Service
	}

	api  *api.API
	http *http.Server
	grpc *grpc.Server
}

func Init(c Config) (*Server, error) {
	s := &Server{c: c}

	if c.Auth.Secret == "" {
		return nil, fmt.Errorf("server: auth secret is required")
	}

	s.eb = event.NewBus()

	if err := s.initInfra(); err != nil {
		return nil, fmt.Errorf("server: init infra: %w", err)
	}

	s.initService()
	s.initAPI()
	return s, nil
}

func (s *Server) initInfra() error {
	if err := s.initRedis(); err != nil {
		return fmt.Errorf("redis: %w", err)
	}

	if err := s.initPostgres(); err != nil {
		return fmt.Errorf("postgres: %w", err)
	}

	s.infra.relay = relay.NewRedis(s.infra.redis.pubsub, s.c.Redis.Pubsub.Prefix)
	return nil
}

func (s *Server) initRedis() error {
	connect := func(addrs []string, pass string) (redis.UniversalClient, error) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		r := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    addrs,
			Password: pass,
		})

		if err := telemetry.MonitorRedis(r); err != nil {
			return nil, err
		}

		if err := r.Ping(ctx).Err(); err != nil {
			return nil, err
		}

		return r, nil
	}

	var err error
	s.infra.redis.leaderboard, err = connect(s.c.Redis.Leaderboard.Addrs, s.c.Redis.Leaderboard.Pass)
	if err != nil {
		return fmt.Errorf("leaderboard: %w", err)
	}

	s.infra.redis.pubsub, err = connect(s.c.Redis.Pubsub.Addrs, s.c.Redis.Pubsub.Pass)
	if err != nil {
		return fmt.Errorf("pubsub: %w", err)
	}

	return nil
}

// initPostgres migrates and connects to the database, or falls back to the in-memory store when no
// database is configured.
func (s *Server) initPostgres() error {
	dsn := s.c.PostgresDSN()
	if dsn == "" {
		slog.Warn("server: no postgres configured, quiz data is kept in memory")
		s.infra.store = memory.New()
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := postgres.Migrate(ctx, dsn); err != nil {
		return err
	}

	cc, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return err
	}

	db, err := pgxpool.NewWithConfig(ctx, cc)
	if err != nil {
		return err
	}

	if err := db.Ping(ctx); err != nil {
		db.Close()
		return err
	}

	s.infra.postgres = db
	s.infra.store = postgres.New(db)
	return nil
}

func (s *Server) initService() {
	s.service.auth = auth.NewService(auth.Config{
		Repo:     s.infra.store,
		Secret:   s.c.Auth.Secret,
		TokenTTL: s.c.Auth.TokenTTL,
	})

	s.service.session = session.NewService(session.Config{
		Repo:              s.infra.store,
		EventBus:          s.eb,
		CodeLength:        s.c.Session.CodeLength,
		CodeAttempts:      s.c.Session.CodeAttempts,
		AllowedImageHosts: s.c.Session.AllowedImageHosts,
	})

	s.service.ledger = ledger.NewService(ledger.Config{
		Repo:     s.infra.store,
		Sessions: s.service.session,
		EventBus: s.eb,
	})

	s.service.leaderboard = leaderboard.NewService(leaderboard.Config{
		EventBus:        s.eb,
		Ledger:          s.service.ledger,
		Sessions:        s.service.session,
		Redis:           s.infra.redis.leaderboard,
		Prefix:          s.c.Redis.Leaderboard.Prefix,
		PublishInterval: s.c.Leaderboard.PublishInterval,
	})

	relay.NewBridge(s.eb, s.infra.relay)
}

func (s *Server) initAPI() {
	e := gin.New()
	e.GET("/metrics", gin.WrapH(promhttp.Handler()))
	pprof.Register(e, "/debug/pprof")
	e.Use(gin.Recovery(), telemetry.GinMetrics())

	s.grpc = grpc.NewServer(telemetry.GRPCServerOptions()...)

	s.api = api.New(api.Config{
		HTTP:        e,
		GRPC:        s.grpc,
		Auth:        s.service.auth,
		Session:     s.service.session,
		Ledger:      s.service.ledger,
		Leaderboard: s.service.leaderboard,
		Relay:       s.infra.relay,
	})

	s.http = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.c.HTTP.Port),
		Handler:           e,
		ReadHeaderTimeout: 60 * time.Second,
	}
}

// Start serves HTTP and gRPC until Shutdown is called or either listener fails.
func (s *Server) Start() error {
	ctx := context.TODO()

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", s.c.GRPC.Port))
	if err != nil {
		return fmt.Errorf("server: grpc listen: %w", err)
	}

	var eg errgroup.Group
	eg.Go(func() error {
		slog.InfoContext(ctx, fmt.Sprintf("server: gRPC listening on port %d", s.c.GRPC.Port))
		return s.grpc.Serve(lis)
	})

	eg.Go(func() error {
		slog.InfoContext(ctx, fmt.Sprintf("server: HTTP listening on port %d", s.c.HTTP.Port))
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	if err := eg.Wait(); err != nil {
		slog.ErrorContext(ctx, "server: shutdown with error", "error", err)
		return err
	}

	return nil
}

func (s *Server) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s.api.Shutdown()
	s.grpc.GracefulStop()
	if err := s.http.Shutdown(ctx); err != nil {
		slog.ErrorContext(ctx, "server: shutdown HTTP failed", "error", err)
	}

	s.service.leaderboard.Stop()
	s.eb.Stop()

	if s.infra.postgres != nil {
		s.infra.postgres.Close()
	}
	for _, r := range []redis.UniversalClient{s.infra.redis.leaderboard, s.infra.redis.pubsub} {
		if err := r.Close(); err != nil {
			slog.ErrorContext(ctx, "server: close redis failed", "error", err)
		}
	}

	slog.InfoContext(ctx, "server: shutdown completed")
}
