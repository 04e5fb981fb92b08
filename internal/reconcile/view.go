package reconcile

import "github.com/victornm/livequiz/internal/domain"

// View is the screen a participant should be looking at.
type View int

const (
	ViewNotJoined View = iota
	ViewWaitingRoom
	ViewAnswering
	ViewAlreadyAnswered
	ViewScoreboard
	ViewFinalResults
)

var viewNames = map[View]string{
	ViewNotJoined:       "not-joined",
	ViewWaitingRoom:     "waiting-room",
	ViewAnswering:       "answering",
	ViewAlreadyAnswered: "already-answered",
	ViewScoreboard:      "scoreboard",
	ViewFinalResults:    "final-results",
}

func (v View) String() string {
	if s, ok := viewNames[v]; ok {
		return s
	}
	return "unknown"
}

// DeriveView maps the cached session status and the local join and submit state to a view. An active
// session whose current question is not known locally yet still shows the waiting room.
func DeriveView(joined bool, ss *domain.Session, hasQuestion, submitted bool) View {
	if !joined || ss == nil {
		return ViewNotJoined
	}

	switch ss.Status {
	case domain.StatusActive:
		switch {
		case !hasQuestion:
			return ViewWaitingRoom
		case submitted:
			return ViewAlreadyAnswered
		default:
			return ViewAnswering
		}
	case domain.StatusShowingScores:
		return ViewScoreboard
	case domain.StatusEnded:
		return ViewFinalResults
	default:
		return ViewWaitingRoom
	}
}
