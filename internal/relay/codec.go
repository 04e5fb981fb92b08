// Package relay carries session notifications between the services that produce them and the
// clients that reconcile against them.
package relay

import (
	"encoding/json"
	"fmt"

	"github.com/victornm/livequiz/internal/domain"
)

// Message is the wire form of a notification.
type Message struct {
	Event   string          `json:"event"`
	Session string          `json:"session"`
	Data    json.RawMessage `json:"data"`
}

func Encode(n domain.Notification) ([]byte, error) {
	data, err := json.Marshal(n)
	if err != nil {
		return nil, fmt.Errorf("relay: marshal %s: %w", n.Name(), err)
	}

	return json.Marshal(Message{
		Event:   n.Name(),
		Session: n.SessionCode(),
		Data:    data,
	})
}

// Decode parses a wire message into one of the notification variants. Unknown events are an error.
func Decode(b []byte) (domain.Notification, error) {
	var m Message
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("relay: unmarshal message: %w", err)
	}

	switch m.Event {
	case domain.EventNameSessionChanged:
		return decode[domain.EventSessionChanged](m)
	case domain.EventNameQuestionsChanged:
		return decode[domain.EventQuestionsChanged](m)
	case domain.EventNamePlayersChanged:
		return decode[domain.EventPlayersChanged](m)
	case domain.EventNameAnswersChanged:
		return decode[domain.EventAnswersChanged](m)
	case domain.EventNameNextQuestionPushed:
		return decode[domain.EventNextQuestionPushed](m)
	default:
		return nil, fmt.Errorf("relay: unknown event %q", m.Event)
	}
}

func decode[T domain.Notification](m Message) (domain.Notification, error) {
	var n T
	if err := json.Unmarshal(m.Data, &n); err != nil {
		return nil, fmt.Errorf("relay: unmarshal %s: %w", m.Event, err)
	}

	return n, nil
}
