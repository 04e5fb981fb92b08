package auth

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/victornm/livequiz/internal/domain"
	"github.com/victornm/livequiz/internal/errors"
)

const (
	defaultTokenTTL   = 24 * time.Hour
	minPasswordLength = 6
	issuer            = "livequiz"
)

type Repository interface {
	// InsertHost fails with CodeAlreadyExists when the username is taken.
	InsertHost(ctx context.Context, h *domain.Host) error
	GetHostByUsername(ctx context.Context, username string) (*domain.Host, error)
}

type Config struct {
	Repo     Repository
	Secret   string
	TokenTTL time.Duration
	Now      func() time.Time
}

// Service manages host accounts and the bearer tokens that authenticate them.
type Service struct {
	repo   Repository
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewService(c Config) *Service {
	s := &Service{
		repo:   c.Repo,
		secret: []byte(c.Secret),
		ttl:    c.TokenTTL,
		now:    c.Now,
	}

	if s.ttl <= 0 {
		s.ttl = defaultTokenTTL
	}
	if s.now == nil {
		s.now = time.Now
	}

	return s
}

type RegisterRequest struct {
	Username string
	Password string
	FullName string
}

func (s *Service) Register(ctx context.Context, req RegisterRequest) (*domain.Host, error) {
	username := strings.ToLower(strings.TrimSpace(req.Username))
	if username == "" {
		return nil, errors.InvalidArgument("username is required")
	}
	if len(req.Password) < minPasswordLength {
		return nil, errors.InvalidArgument("password must be at least %d characters", minPasswordLength)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, errors.InvalidArgument("invalid password: %v", err)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate host ID: %w", err)
	}

	h := &domain.Host{
		HostID:       id.String(),
		Username:     username,
		FullName:     strings.TrimSpace(req.FullName),
		PasswordHash: hash,
		CreateTime:   s.now(),
	}

	if err := s.repo.InsertHost(ctx, h); err != nil {
		return nil, err
	}

	slog.InfoContext(ctx, "auth: host registered", "host_id", h.HostID, "username", h.Username)
	return h, nil
}

type LoginRequest struct {
	Username string
	Password string
}

type LoginResponse struct {
	Host       *domain.Host
	Token      string
	ExpireTime time.Time
}

func (s *Service) Login(ctx context.Context, req LoginRequest) (*LoginResponse, error) {
	h, err := s.repo.GetHostByUsername(ctx, strings.ToLower(strings.TrimSpace(req.Username)))
	if errors.Is(err, errors.CodeNotFound) {
		return nil, errInvalidCredentials()
	}
	if err != nil {
		return nil, err
	}

	if err := bcrypt.CompareHashAndPassword(h.PasswordHash, []byte(req.Password)); err != nil {
		return nil, errInvalidCredentials()
	}

	exp := s.now().Add(s.ttl)
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Issuer:    issuer,
		Subject:   h.HostID,
		IssuedAt:  jwt.NewNumericDate(s.now()),
		ExpiresAt: jwt.NewNumericDate(exp),
	}).SignedString(s.secret)
	if err != nil {
		return nil, fmt.Errorf("sign token: %w", err)
	}

	return &LoginResponse{Host: h, Token: token, ExpireTime: exp}, nil
}

// Verify returns the host ID the token was issued to.
func (s *Service) Verify(token string) (string, error) {
	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		msg := "invalid token"
		if stderrors.Is(err, jwt.ErrTokenExpired) {
			msg = "token expired"
		}
		return "", errors.New(errors.CodeUnauthenticated, errors.WithMessagef("%s", msg), errors.WithCause(err))
	}

	if claims.Subject == "" {
		return "", errors.New(errors.CodeUnauthenticated, errors.WithMessagef("invalid token"))
	}

	return claims.Subject, nil
}

func errInvalidCredentials() error {
	return errors.New(errors.CodeUnauthenticated, errors.WithMessagef("invalid username or password"))
}
