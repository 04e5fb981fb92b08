package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/victornm/livequiz/internal/auth"
	"github.com/victornm/livequiz/internal/domain"
	"github.com/victornm/livequiz/internal/leaderboard"
	"github.com/victornm/livequiz/internal/ledger"
	"github.com/victornm/livequiz/internal/session"
)

type (
	RegisterRequest struct {
		Username string `json:"username" binding:"required"`
		Password string `json:"password" binding:"required"`
		FullName string `json:"full_name"`
	}

	LoginRequest struct {
		Username string `json:"username" binding:"required"`
		Password string `json:"password" binding:"required"`
	}

	LoginResponse struct {
		Host       *domain.Host `json:"host"`
		Token      string       `json:"token"`
		ExpireTime time.Time    `json:"expire_time"`
	}

	AddQuestionRequest struct {
		ImageURL    string `json:"image_url"`
		Description string `json:"description"`
		Points      int    `json:"points"`
	}

	JoinRequest struct {
		Name string `json:"name"`
	}

	JoinResponse struct {
		Player   *domain.Player  `json:"player"`
		Session  *domain.Session `json:"session"`
		Rejoined bool            `json:"rejoined"`
	}

	SubmitAnswerRequest struct {
		PlayerID string `json:"player_id" binding:"required"`
		Text     string `json:"text"`
	}

	MarkCorrectResponse struct {
		Answer  *domain.Answer `json:"answer"`
		Player  *domain.Player `json:"player"`
		Awarded int            `json:"awarded"`
	}
)

func (a *API) Register(c *gin.Context) {
	var req RegisterRequest
	if !bind(c, &req) {
		return
	}

	h, err := a.as.Register(c.Request.Context(), auth.RegisterRequest{
		Username: req.Username,
		Password: req.Password,
		FullName: req.FullName,
	})
	if err != nil {
		abort(c, err)
		return
	}

	c.JSON(http.StatusCreated, h)
}

func (a *API) Login(c *gin.Context) {
	var req LoginRequest
	if !bind(c, &req) {
		return
	}

	res, err := a.as.Login(c.Request.Context(), auth.LoginRequest{
		Username: req.Username,
		Password: req.Password,
	})
	if err != nil {
		abort(c, err)
		return
	}

	c.JSON(http.StatusOK, LoginResponse{Host: res.Host, Token: res.Token, ExpireTime: res.ExpireTime})
}

func (a *API) CreateSession(c *gin.Context) {
	ss, err := a.qss.CreateSession(c.Request.Context(), session.CreateSessionRequest{HostID: hostID(c)})
	if err != nil {
		abort(c, err)
		return
	}

	c.JSON(http.StatusCreated, ss)
}

func (a *API) GetSession(c *gin.Context) {
	ss, err := a.qss.GetSession(c.Request.Context(), session.GetSessionRequest{Code: c.Param("code")})
	if err != nil {
		abort(c, err)
		return
	}

	c.JSON(http.StatusOK, ss)
}

func (a *API) AddQuestion(c *gin.Context) {
	var req AddQuestionRequest
	if !bind(c, &req) {
		return
	}

	q, err := a.qss.AddQuestion(c.Request.Context(), session.AddQuestionRequest{
		Code:        c.Param("code"),
		HostID:      hostID(c),
		ImageURL:    req.ImageURL,
		Description: req.Description,
		Points:      req.Points,
	})
	if err != nil {
		abort(c, err)
		return
	}

	c.JSON(http.StatusCreated, q)
}

func (a *API) DeleteQuestion(c *gin.Context) {
	err := a.qss.DeleteQuestion(c.Request.Context(), session.DeleteQuestionRequest{
		Code:       c.Param("code"),
		HostID:     hostID(c),
		QuestionID: c.Param("id"),
	})
	if err != nil {
		abort(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

func (a *API) RevealQuestion(c *gin.Context) {
	q, err := a.qss.RevealQuestion(c.Request.Context(), session.RevealQuestionRequest{
		Code:       c.Param("code"),
		HostID:     hostID(c),
		QuestionID: c.Param("id"),
	})
	if err != nil {
		abort(c, err)
		return
	}

	c.JSON(http.StatusOK, q)
}

func (a *API) GetQuestion(c *gin.Context) {
	q, err := a.qss.GetQuestion(c.Request.Context(), session.GetQuestionRequest{
		QuestionID: c.Param("id"),
		HostID:     hostID(c),
	})
	if err != nil {
		abort(c, err)
		return
	}

	c.JSON(http.StatusOK, q)
}

func (a *API) ListQuestions(c *gin.Context) {
	qs, err := a.qss.ListQuestions(c.Request.Context(), session.ListQuestionsRequest{
		Code:   c.Param("code"),
		HostID: hostID(c),
	})
	if err != nil {
		abort(c, err)
		return
	}

	c.JSON(http.StatusOK, nonNil(qs))
}

// transition adapts one of the host-driven session transitions to a handler returning the new session.
func (a *API) transition(op func(context.Context, session.TransitionRequest) (*domain.Session, error)) gin.HandlerFunc {
	return func(c *gin.Context) {
		ss, err := op(c.Request.Context(), session.TransitionRequest{
			Code:   c.Param("code"),
			HostID: hostID(c),
		})
		if err != nil {
			abort(c, err)
			return
		}

		c.JSON(http.StatusOK, ss)
	}
}

func (a *API) Join(c *gin.Context) {
	var req JoinRequest
	if !bind(c, &req) {
		return
	}

	res, err := a.ls.Join(c.Request.Context(), ledger.JoinRequest{
		Code: c.Param("code"),
		Name: req.Name,
	})
	if err != nil {
		abort(c, err)
		return
	}

	status := http.StatusCreated
	if res.Rejoined {
		status = http.StatusOK
	}

	c.JSON(status, JoinResponse{Player: res.Player, Session: res.Session, Rejoined: res.Rejoined})
}

func (a *API) ListPlayers(c *gin.Context) {
	ps, err := a.ls.ListPlayers(c.Request.Context(), ledger.ListPlayersRequest{Code: c.Param("code")})
	if err != nil {
		abort(c, err)
		return
	}

	c.JSON(http.StatusOK, nonNil(ps))
}

func (a *API) GetLeaderboard(c *gin.Context) {
	l, err := a.lbs.GetLeaderboard(c.Request.Context(), leaderboard.GetLeaderboardRequest{Code: c.Param("code")})
	if err != nil {
		abort(c, err)
		return
	}

	l.Entries = nonNil(l.Entries)
	c.JSON(http.StatusOK, l)
}

func (a *API) SubmitAnswer(c *gin.Context) {
	var req SubmitAnswerRequest
	if !bind(c, &req) {
		return
	}

	ans, err := a.ls.SubmitAnswer(c.Request.Context(), ledger.SubmitAnswerRequest{
		PlayerID:   req.PlayerID,
		QuestionID: c.Param("id"),
		Text:       req.Text,
	})
	if err != nil {
		abort(c, err)
		return
	}

	c.JSON(http.StatusCreated, ans)
}

func (a *API) ListAnswers(c *gin.Context) {
	as, err := a.ls.ListAnswers(c.Request.Context(), ledger.ListAnswersRequest{QuestionID: c.Param("id")})
	if err != nil {
		abort(c, err)
		return
	}

	c.JSON(http.StatusOK, nonNil(as))
}

func (a *API) MarkCorrect(c *gin.Context) {
	res, err := a.ls.MarkCorrect(c.Request.Context(), ledger.MarkCorrectRequest{
		AnswerID: c.Param("id"),
		HostID:   hostID(c),
	})
	if err != nil {
		abort(c, err)
		return
	}

	c.JSON(http.StatusOK, MarkCorrectResponse{Answer: res.Answer, Player: res.Player, Awarded: res.Awarded})
}

// nonNil keeps empty lists encoded as [] rather than null.
func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
