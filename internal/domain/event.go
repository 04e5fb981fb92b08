package domain

const (
	EventNameSessionChanged     = "session.changed"
	EventNameQuestionsChanged   = "questions.changed"
	EventNamePlayersChanged     = "players.changed"
	EventNameAnswersChanged     = "answers.changed"
	EventNameNextQuestionPushed = "question.pushed"

	// EventNamePlayerUpdated stays in process; the leaderboard coalesces it into PlayersChanged.
	EventNamePlayerUpdated = "player.updated"
)

// RelayedEventNames lists every event delivered to session subscribers.
var RelayedEventNames = []string{
	EventNameSessionChanged,
	EventNameQuestionsChanged,
	EventNamePlayersChanged,
	EventNameAnswersChanged,
	EventNameNextQuestionPushed,
}

// Notification is a change event relayed to the subscribers of one session. The set of
// implementations is closed: SessionChanged, QuestionsChanged, PlayersChanged, AnswersChanged and
// NextQuestionPushed.
type Notification interface {
	Name() string
	SessionCode() string
	notification()
}

// EventSessionChanged carries the full session row, so subscribers can apply it without a fetch.
type EventSessionChanged struct {
	Session Session `json:"session"`
}

func (EventSessionChanged) Name() string          { return EventNameSessionChanged }
func (e EventSessionChanged) SessionCode() string { return e.Session.Code }
func (EventSessionChanged) notification()         {}

type EventQuestionsChanged struct {
	SessionID string `json:"session_id"`
	Code      string `json:"code"`
}

func (EventQuestionsChanged) Name() string          { return EventNameQuestionsChanged }
func (e EventQuestionsChanged) SessionCode() string { return e.Code }
func (EventQuestionsChanged) notification()         {}

type EventPlayersChanged struct {
	SessionID string `json:"session_id"`
	Code      string `json:"code"`
}

func (EventPlayersChanged) Name() string          { return EventNamePlayersChanged }
func (e EventPlayersChanged) SessionCode() string { return e.Code }
func (EventPlayersChanged) notification()         {}

type EventAnswersChanged struct {
	SessionID  string `json:"session_id"`
	Code       string `json:"code"`
	QuestionID string `json:"question_id"`
}

func (EventAnswersChanged) Name() string          { return EventNameAnswersChanged }
func (e EventAnswersChanged) SessionCode() string { return e.Code }
func (EventAnswersChanged) notification()         {}

// EventNextQuestionPushed is broadcast on advance together with the (redacted) next question.
type EventNextQuestionPushed struct {
	Session  Session  `json:"session"`
	Question Question `json:"question"`
}

func (EventNextQuestionPushed) Name() string          { return EventNameNextQuestionPushed }
func (e EventNextQuestionPushed) SessionCode() string { return e.Session.Code }
func (EventNextQuestionPushed) notification()         {}

type EventPlayerUpdated struct {
	Code   string
	Player Player
}

func (EventPlayerUpdated) Name() string { return EventNamePlayerUpdated }
