package broadcast

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4 << 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// ServeHTTP upgrades the request to a websocket and streams hub messages to it.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	l, err := h.Subscribe()
	if err != nil {
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, err.Error()))
		_ = conn.Close()
		return
	}
	h.logger.Info().Str("listener_id", l.ID).Str("remote", r.RemoteAddr).Msg("websocket listener connected")

	go h.writePump(conn, l)
	go h.readPump(conn, l)
}

// readPump only services control frames; listeners do not send data.
func (h *Hub) readPump(conn *websocket.Conn, l *Listener) {
	defer func() {
		h.Unsubscribe(l)
		_ = conn.Close()
	}()

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Debug().Err(err).Str("listener_id", l.ID).Msg("websocket read error")
			}
			return
		}
	}
}

func (h *Hub) writePump(conn *websocket.Conn, l *Listener) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()

	for {
		select {
		case msg, ok := <-l.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteJSON(msg); err != nil {
				h.logger.Debug().Err(err).Str("listener_id", l.ID).Msg("websocket write failed")
				h.Unsubscribe(l)
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.Unsubscribe(l)
				return
			}
		}
	}
}
