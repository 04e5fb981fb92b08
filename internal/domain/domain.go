package domain

import (
	"time"
)

// Status is the lifecycle state of a quiz session.
type Status string

const (
	StatusWaiting       Status = "waiting"
	StatusActive        Status = "active"
	StatusShowingScores Status = "showing_scores"
	StatusEnded         Status = "ended"
)

func (s Status) Valid() bool {
	switch s {
	case StatusWaiting, StatusActive, StatusShowingScores, StatusEnded:
		return true
	}
	return false
}

// Session represents a quiz session. Version increases with every change to the session row and
// orders SessionChanged notifications.
type Session struct {
	SessionID         string    `json:"session_id"`
	Code              string    `json:"code"`
	HostID            string    `json:"host_id"`
	Status            Status    `json:"status"`
	CurrentQuestionID string    `json:"current_question_id,omitempty"`
	CurrentOrderKey   int64     `json:"current_order_key"`
	Version           int64     `json:"version"`
	CreateTime        time.Time `json:"create_time"`
	UpdateTime        time.Time `json:"update_time"`
}

type Question struct {
	QuestionID  string    `json:"question_id"`
	SessionID   string    `json:"session_id"`
	OrderKey    int64     `json:"order_key"`
	Points      int       `json:"points"`
	ImageURL    string    `json:"image_url"`
	Description string    `json:"description"`
	Revealed    bool      `json:"revealed"`
	CreateTime  time.Time `json:"create_time"`
}

// Redacted returns the question as players may see it: the description stays hidden until revealed.
func (q Question) Redacted() Question {
	if !q.Revealed {
		q.Description = ""
	}
	return q
}

// Player is a participant of one session. Name is unique within the session.
type Player struct {
	PlayerID   string    `json:"player_id"`
	SessionID  string    `json:"session_id"`
	Name       string    `json:"name"`
	TotalScore int       `json:"total_score"`
	Connected  bool      `json:"connected"`
	JoinTime   time.Time `json:"join_time"`
}

type Answer struct {
	AnswerID   string    `json:"answer_id"`
	QuestionID string    `json:"question_id"`
	PlayerID   string    `json:"player_id"`
	PlayerName string    `json:"player_name"`
	Text       string    `json:"text"`
	Correct    bool      `json:"correct"`
	SubmitTime time.Time `json:"submit_time"`
}

type Host struct {
	HostID       string    `json:"host_id"`
	Username     string    `json:"username"`
	FullName     string    `json:"full_name"`
	PasswordHash []byte    `json:"-"`
	CreateTime   time.Time `json:"create_time"`
}

// RankedPlayer is a player with its derived, 1-based rank. Ranks are never stored.
type RankedPlayer struct {
	Player
	Rank int `json:"rank"`
}

// Leaderboard represents a list of players of a session sorted by score in descending order.
type Leaderboard struct {
	SessionID string         `json:"session_id"`
	Code      string         `json:"code"`
	Entries   []RankedPlayer `json:"entries"`
}
