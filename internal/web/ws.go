package web

import (
	"bytes"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/justestif/go-spotify-now-playing/internal/nowplaying"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
)

// newUpgrader accepts same-origin requests, plus any origin listed in
// allowed. "*" allows every origin.
func newUpgrader(allowed []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			if slices.Contains(allowed, "*") || slices.Contains(allowed, origin) {
				return true
			}
			u, err := url.Parse(origin)
			if err != nil {
				return false
			}
			return strings.EqualFold(u.Host, r.Host)
		},
	}
}

// WebSocket streams the now-playing fragment to the browser (GET /ws).
//
// The rendered fragment is sent on connect and again after every applied
// snapshot. While the socket is open the session's poller is kept alive and
// fed a fresh access token.
func (h *Handlers) WebSocket(w http.ResponseWriter, r *http.Request) {
	session := h.sessions.GetFromRequest(r)
	if session == nil {
		http.Error(w, "Not logged in", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied to the client.
		h.logger.Debug("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	remote := conn.RemoteAddr().String()
	h.logger.Debug("websocket connected", "session", session.ID, "remote", remote)
	defer h.logger.Debug("websocket disconnected", "session", session.ID, "remote", remote)

	closed := make(chan struct{})
	go readPump(conn, closed)

	poller := h.attach(session)
	updates, unsubscribe := poller.Subscribe()
	defer func() { unsubscribe() }()

	if err := h.push(conn, poller); err != nil {
		return
	}

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	keepAlive := time.NewTicker(max(h.pollers.IdleTimeout()/3, 10*time.Millisecond))
	defer keepAlive.Stop()

	for {
		select {
		case <-closed:
			return

		case <-r.Context().Done():
			return

		case <-updates:
			if err := h.push(conn, poller); err != nil {
				return
			}

		case <-keepAlive.C:
			if h.sessions.Get(session.ID) == nil {
				// Logged out or expired elsewhere.
				h.pollers.Detach(session.ID)
				closeSessionEnded(conn)
				return
			}

			next := h.attach(session)
			if h.sessions.Get(session.ID) == nil {
				closeSessionEnded(conn)
				return
			}
			if next != poller {
				// The previous poller was swept; follow its replacement.
				unsubscribe()
				poller = next
				updates, unsubscribe = poller.Subscribe()
				if err := h.push(conn, poller); err != nil {
					return
				}
			}

		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				h.logger.Debug("websocket ping failed", "err", err, "remote", remote)
				return
			}
		}
	}
}

func closeSessionEnded(conn *websocket.Conn) {
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session ended"),
		time.Now().Add(writeWait))
}

// push renders the poller's latest snapshot and writes it as a text frame.
func (h *Handlers) push(conn *websocket.Conn, poller *nowplaying.Poller) error {
	var buf bytes.Buffer
	if err := h.templates.RenderPartial(&buf, "now_playing", nowplaying.NewView(poller.Snapshot())); err != nil {
		h.logger.Error("rendering now playing", "err", err)
		return err
	}

	if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	if err := conn.WriteMessage(websocket.TextMessage, buf.Bytes()); err != nil {
		h.logger.Debug("websocket write failed", "err", err, "remote", conn.RemoteAddr())
		return err
	}
	return nil
}

// readPump discards client messages and detects dead connections via pong
// deadlines. It closes closed when the connection is gone.
func readPump(conn *websocket.Conn, closed chan<- struct{}) {
	defer close(closed)

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
