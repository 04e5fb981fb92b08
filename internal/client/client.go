// Package client talks to the quiz server over its REST API and notification websocket.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/victornm/livequiz/internal/api"
	"github.com/victornm/livequiz/internal/domain"
	"github.com/victornm/livequiz/internal/errors"
)

const defaultTimeout = 10 * time.Second

type Config struct {
	// BaseURL is the server root, e.g. http://localhost:8080.
	BaseURL    string
	HTTPClient *http.Client
}

// Client calls the server API. It satisfies the fetch and submit sides of the reconciliation engine.
type Client struct {
	base string
	hc   *http.Client

	mu    sync.RWMutex
	token string

	// questions collapses concurrent fetches of the same question into one request.
	questions singleflight.Group
}

func New(c Config) *Client {
	hc := c.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: defaultTimeout}
	}

	return &Client{
		base: strings.TrimRight(c.BaseURL, "/"),
		hc:   hc,
	}
}

// SetToken sets the bearer token sent with every request. Login sets it too.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
}

func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// Relay returns a websocket subscriber to the same server. With playerID set, the player is reported
// connected while a subscription is open.
func (c *Client) Relay(playerID string) *WSRelay {
	return NewWSRelay(WSConfig{BaseURL: c.base, PlayerID: playerID})
}

func (c *Client) Register(ctx context.Context, username, password, fullName string) (*domain.Host, error) {
	var h domain.Host
	req := api.RegisterRequest{Username: username, Password: password, FullName: fullName}
	if err := c.do(ctx, http.MethodPost, "/api/v1/auth/register", req, &h); err != nil {
		return nil, err
	}
	return &h, nil
}

func (c *Client) Login(ctx context.Context, username, password string) (*api.LoginResponse, error) {
	var res api.LoginResponse
	req := api.LoginRequest{Username: username, Password: password}
	if err := c.do(ctx, http.MethodPost, "/api/v1/auth/login", req, &res); err != nil {
		return nil, err
	}

	c.SetToken(res.Token)
	return &res, nil
}

func (c *Client) CreateSession(ctx context.Context) (*domain.Session, error) {
	var ss domain.Session
	if err := c.do(ctx, http.MethodPost, "/api/v1/sessions", nil, &ss); err != nil {
		return nil, err
	}
	return &ss, nil
}

func (c *Client) GetSession(ctx context.Context, code string) (*domain.Session, error) {
	var ss domain.Session
	if err := c.do(ctx, http.MethodGet, sessionPath(code, ""), nil, &ss); err != nil {
		return nil, err
	}
	return &ss, nil
}

func (c *Client) AddQuestion(ctx context.Context, code string, req api.AddQuestionRequest) (*domain.Question, error) {
	var q domain.Question
	if err := c.do(ctx, http.MethodPost, sessionPath(code, "/questions"), req, &q); err != nil {
		return nil, err
	}
	return &q, nil
}

func (c *Client) DeleteQuestion(ctx context.Context, code, questionID string) error {
	return c.do(ctx, http.MethodDelete, sessionPath(code, "/questions/"+url.PathEscape(questionID)), nil, nil)
}

func (c *Client) RevealQuestion(ctx context.Context, code, questionID string) (*domain.Question, error) {
	var q domain.Question
	path := sessionPath(code, "/questions/"+url.PathEscape(questionID)+"/reveal")
	if err := c.do(ctx, http.MethodPost, path, nil, &q); err != nil {
		return nil, err
	}
	return &q, nil
}

// GetQuestion fetches one question. Concurrent calls for the same question share a request. The shared
// request is not bound to any caller's ctx, so a canceled caller only stops its own wait.
func (c *Client) GetQuestion(ctx context.Context, questionID string) (*domain.Question, error) {
	path := "/api/v1/questions/" + url.PathEscape(questionID)

	ch := c.questions.DoChan(questionID, func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultTimeout)
		defer cancel()

		var q domain.Question
		if err := c.do(fctx, http.MethodGet, path, nil, &q); err != nil {
			if fctx.Err() != nil {
				return nil, errors.New(errors.CodeUnavailable, errors.WithMessagef("GET %s: %v", path, fctx.Err()))
			}
			return nil, err
		}
		return &q, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		q := *res.Val.(*domain.Question)
		return &q, nil
	}
}

func (c *Client) ListQuestions(ctx context.Context, code string) ([]domain.Question, error) {
	var qs []domain.Question
	if err := c.do(ctx, http.MethodGet, sessionPath(code, "/questions"), nil, &qs); err != nil {
		return nil, err
	}
	return qs, nil
}

func (c *Client) Advance(ctx context.Context, code string) (*domain.Session, error) {
	return c.transition(ctx, code, "advance")
}

func (c *Client) ShowScores(ctx context.Context, code string) (*domain.Session, error) {
	return c.transition(ctx, code, "show-scores")
}

func (c *Client) End(ctx context.Context, code string) (*domain.Session, error) {
	return c.transition(ctx, code, "end")
}

func (c *Client) Reset(ctx context.Context, code string) (*domain.Session, error) {
	return c.transition(ctx, code, "reset")
}

func (c *Client) transition(ctx context.Context, code, op string) (*domain.Session, error) {
	var ss domain.Session
	if err := c.do(ctx, http.MethodPost, sessionPath(code, "/"+op), nil, &ss); err != nil {
		return nil, err
	}
	return &ss, nil
}

func (c *Client) Join(ctx context.Context, code, name string) (*api.JoinResponse, error) {
	var res api.JoinResponse
	if err := c.do(ctx, http.MethodPost, sessionPath(code, "/players"), api.JoinRequest{Name: name}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) ListPlayers(ctx context.Context, code string) ([]domain.Player, error) {
	var ps []domain.Player
	if err := c.do(ctx, http.MethodGet, sessionPath(code, "/players"), nil, &ps); err != nil {
		return nil, err
	}
	return ps, nil
}

func (c *Client) GetLeaderboard(ctx context.Context, code string) (*domain.Leaderboard, error) {
	var l domain.Leaderboard
	if err := c.do(ctx, http.MethodGet, sessionPath(code, "/leaderboard"), nil, &l); err != nil {
		return nil, err
	}
	return &l, nil
}

func (c *Client) SubmitAnswer(ctx context.Context, playerID, questionID, text string) (*domain.Answer, error) {
	var a domain.Answer
	req := api.SubmitAnswerRequest{PlayerID: playerID, Text: text}
	if err := c.do(ctx, http.MethodPost, "/api/v1/questions/"+url.PathEscape(questionID)+"/answers", req, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

func (c *Client) ListAnswers(ctx context.Context, questionID string) ([]domain.Answer, error) {
	var as []domain.Answer
	if err := c.do(ctx, http.MethodGet, "/api/v1/questions/"+url.PathEscape(questionID)+"/answers", nil, &as); err != nil {
		return nil, err
	}
	return as, nil
}

func (c *Client) MarkCorrect(ctx context.Context, answerID string) (*api.MarkCorrectResponse, error) {
	var res api.MarkCorrectResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/answers/"+url.PathEscape(answerID)+"/correct", nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// do sends body as JSON and decodes a successful response into out. Failures come back as *errors.Error:
// the server's own error, or a NetworkError when the server could not be reached.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return errors.Internal(fmt.Errorf("client: encode %s %s: %w", method, path, err))
		}
		r = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, r)
	if err != nil {
		return errors.Internal(fmt.Errorf("client: new request %s %s: %w", method, path, err))
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := c.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return errors.New(errors.CodeUnavailable, errors.WithMessagef("%s %s: %v", method, path, err), errors.WithCause(err))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return decodeError(resp)
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.New(errors.CodeUnavailable, errors.WithMessagef("%s %s: read response: %v", method, path, err), errors.WithCause(err))
	}

	return nil
}

// decodeError reads the {"error": {...}} body of a failed response. Responses without one, typically
// from a proxy in front of the server, are classified by status alone.
func decodeError(resp *http.Response) error {
	var body struct {
		Error *errors.Error `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err == nil && body.Error != nil {
		return body.Error
	}

	code := errors.CodeInternal
	if resp.StatusCode >= http.StatusInternalServerError {
		code = errors.CodeUnavailable
	}
	return errors.New(code, errors.WithMessagef("unexpected status %d", resp.StatusCode))
}

func sessionPath(code, suffix string) string {
	return "/api/v1/sessions/" + url.PathEscape(code) + suffix
}
