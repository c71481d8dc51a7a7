package hub

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Clients only send control frames.
	maxMessageSize = 4096
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Requests reach here through the auth middleware.
	CheckOrigin: func(*http.Request) bool { return true },
}

// ServeWS upgrades the request and streams every note published for
// versionID until either side closes.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, versionID int64) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		h.logger.Warn("hub: upgrade failed", slog.Int64("version_id", versionID), slog.String("error", err.Error()))
		return
	}

	ch := h.Subscribe(versionID)
	h.logger.Debug("hub: client connected", slog.Int64("version_id", versionID), slog.String("remote", r.RemoteAddr))

	done := make(chan struct{})
	go h.writePump(conn, ch, done)
	h.readPump(conn, versionID)

	h.Unsubscribe(versionID, ch)
	<-done
	h.logger.Debug("hub: client disconnected", slog.Int64("version_id", versionID))
}

// readPump discards client frames and returns when the connection ends.
func (h *Hub) readPump(conn *websocket.Conn, versionID int64) {
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				h.logger.Warn("hub: read error", slog.Int64("version_id", versionID), slog.String("error", err.Error()))
			}
			return
		}
	}
}

// writePump sends queued payloads and pings. It owns every write on conn
// and closes it when ch is closed or a write fails.
func (h *Hub) writePump(conn *websocket.Conn, ch <-chan []byte, done chan<- struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
		close(done)
	}()

	for {
		select {
		case payload, ok := <-ch:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
