package stream

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

// SessionFunc resolves the session a request belongs to.
type SessionFunc func(r *http.Request) (string, bool)

// SnapshotFunc returns the events that bring a fresh client up to date.
type SnapshotFunc func(session string) []Event

// WSHandler pushes a session's events to the browser over a WebSocket.
type WSHandler struct {
	broadcaster *Broadcaster
	session     SessionFunc
	snapshot    SnapshotFunc
	upgrader    websocket.Upgrader
	log         *slog.Logger
}

// NewWSHandler creates a WebSocket event handler. snapshot may be nil.
func NewWSHandler(b *Broadcaster, session SessionFunc, snapshot SnapshotFunc, logger *slog.Logger) *WSHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &WSHandler{
		broadcaster: b,
		session:     session,
		snapshot:    snapshot,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 64 * 1024, // frame lists carry data URIs
		},
		log: logger,
	}
}

func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id, ok := h.session(r)
	if !ok {
		http.Error(w, "no session", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	listener := h.broadcaster.Subscribe(id)
	defer h.broadcaster.Unsubscribe(listener)

	h.log.Info("websocket client connected", "session", id, "listeners", h.broadcaster.ListenerCount())
	defer h.log.Info("websocket client disconnected", "session", id)

	// Reader: only control frames matter; a read error means the client left.
	closed := make(chan struct{})
	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if h.snapshot != nil {
		for _, ev := range h.snapshot(id) {
			if err := writeEvent(conn, ev); err != nil {
				return
			}
		}
	}

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case <-listener.Done():
			return
		case ev := <-listener.C:
			if err := writeEvent(conn, ev); err != nil {
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func writeEvent(conn *websocket.Conn, ev Event) error {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(ev)
}
