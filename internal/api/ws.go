package api

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/victornm/livequiz/internal/errors"
	"github.com/victornm/livequiz/internal/ledger"
	"github.com/victornm/livequiz/internal/relay"
	"github.com/victornm/livequiz/internal/session"
	"github.com/victornm/livequiz/internal/telemetry"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// StreamSession forwards the relay notifications of one session to a websocket, one encoded
// relay.Message per text frame. With player_id set, the player is marked connected for the lifetime
// of the stream.
func (a *API) StreamSession(c *gin.Context) {
	ctx := c.Request.Context()

	ss, err := a.qss.GetSession(ctx, session.GetSessionRequest{Code: c.Param("code")})
	if err != nil {
		abort(c, err)
		return
	}

	playerID := c.Query("player_id")
	if playerID != "" {
		p, err := a.ls.GetPlayer(ctx, ledger.GetPlayerRequest{PlayerID: playerID})
		if err != nil {
			abort(c, err)
			return
		}
		if p.SessionID != ss.SessionID {
			abort(c, errors.New(errors.CodePermissionDenied, errors.WithMessagef("player does not belong to session %s", ss.Code)))
			return
		}
	}

	// Subscribe before upgrading so nothing published after the handshake is missed.
	updates, cancel, err := a.relay.Subscribe(ctx, ss.Code)
	if err != nil {
		abort(c, errors.New(errors.CodeUnavailable, errors.WithMessagef("relay is unavailable"), errors.WithCause(err)))
		return
	}
	defer cancel()

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		slog.WarnContext(ctx, "api: websocket upgrade failed", "code", ss.Code, "error", err)
		return
	}
	defer conn.Close()

	telemetry.WSConnections.Inc()
	defer telemetry.WSConnections.Dec()

	if playerID != "" {
		a.streams.open(ctx, playerID)
		defer a.streams.close(context.WithoutCancel(ctx), playerID)
	}

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		readUntilClosed(conn)
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-closed:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case n, ok := <-updates:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "relay closed"), time.Now().Add(writeWait))
				return
			}

			b, err := relay.Encode(n)
			if err != nil {
				slog.ErrorContext(ctx, "api: encode notification failed", "event", n.Name(), "error", err)
				continue
			}

			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
				slog.InfoContext(ctx, "api: websocket write failed", "code", ss.Code, "error", err)
				return
			}
		}
	}
}

// readUntilClosed discards client frames. Clients never send data; reading is needed to process
// control frames and to notice the peer going away.
func readUntilClosed(conn *websocket.Conn) {
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := conn.NextReader(); err != nil {
			return
		}
	}
}

// playerStreams counts the open streams of each player. A player stays connected until its last stream
// closes, so an old socket going away after a reconnect does not mark it offline.
type playerStreams struct {
	ls *ledger.Service

	mu    sync.Mutex
	count map[string]int
}

func newPlayerStreams(ls *ledger.Service) *playerStreams {
	return &playerStreams{ls: ls, count: make(map[string]int)}
}

func (ps *playerStreams) open(ctx context.Context, playerID string) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	ps.count[playerID]++
	ps.set(ctx, playerID, true)
}

func (ps *playerStreams) close(ctx context.Context, playerID string) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	if ps.count[playerID]--; ps.count[playerID] > 0 {
		return
	}
	delete(ps.count, playerID)
	ps.set(ctx, playerID, false)
}

func (ps *playerStreams) set(ctx context.Context, playerID string, connected bool) {
	_, err := ps.ls.SetConnected(ctx, ledger.SetConnectedRequest{PlayerID: playerID, Connected: connected})
	if err != nil {
		slog.WarnContext(ctx, "api: update player connectivity failed", "player_id", playerID, "connected", connected, "error", err)
	}
}
