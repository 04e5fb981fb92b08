package client

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/victornm/livequiz/internal/domain"
	"github.com/victornm/livequiz/internal/errors"
	"github.com/victornm/livequiz/internal/relay"
)

const (
	handshakeTimeout = 10 * time.Second
	closeWait        = time.Second
	wsBuffer         = 64
)

type WSConfig struct {
	// BaseURL is the server root; http and https are switched to ws and wss.
	BaseURL  string
	PlayerID string
}

// WSRelay receives the notifications of a session from the server websocket.
type WSRelay struct {
	base     string
	playerID string
	dialer   *websocket.Dialer
}

func NewWSRelay(c WSConfig) *WSRelay {
	base := strings.TrimRight(c.BaseURL, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}

	return &WSRelay{
		base:     base,
		playerID: c.PlayerID,
		dialer:   &websocket.Dialer{HandshakeTimeout: handshakeTimeout},
	}
}

// Subscribe opens a websocket to the session. The returned channel is closed when the connection ends,
// after cancel is called or ctx is done.
func (r *WSRelay) Subscribe(ctx context.Context, code string) (<-chan domain.Notification, func(), error) {
	u := r.base + "/ws/sessions/" + url.PathEscape(code)
	if r.playerID != "" {
		u += "?" + url.Values{"player_id": {r.playerID}}.Encode()
	}

	conn, resp, err := r.dialer.DialContext(ctx, u, nil)
	if err != nil {
		return nil, nil, handshakeError(resp, err)
	}

	var (
		ch   = make(chan domain.Notification, wsBuffer)
		done = make(chan struct{})
		once sync.Once
	)

	cancel := func() {
		once.Do(func() {
			close(done)
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWait))
			_ = conn.Close()
		})
	}
	stop := context.AfterFunc(ctx, cancel)

	go func() {
		defer close(ch)
		defer stop()

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				select {
				case <-done:
				default:
					slog.WarnContext(ctx, "client: websocket closed", "code", code, "error", err)
					cancel()
				}
				return
			}

			n, err := relay.Decode(data)
			if err != nil {
				slog.WarnContext(ctx, "client: decode notification failed", "code", code, "error", err)
				continue
			}

			select {
			case ch <- n:
			case <-done:
				return
			}
		}
	}()

	return ch, cancel, nil
}

// handshakeError turns a rejected upgrade into the server's error and anything else into a NetworkError.
func handshakeError(resp *http.Response, err error) error {
	if resp != nil && resp.StatusCode >= http.StatusBadRequest {
		var body struct {
			Error *errors.Error `json:"error"`
		}
		if json.NewDecoder(resp.Body).Decode(&body) == nil && body.Error != nil {
			return body.Error
		}
	}

	return errors.New(errors.CodeUnavailable, errors.WithMessagef("websocket: %v", err), errors.WithCause(err))
}
