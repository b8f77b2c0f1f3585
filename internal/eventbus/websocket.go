package eventbus

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const pingInterval = 30 * time.Second

// WebSocketHandler upgrades HTTP requests on /jobs/stream (spec §6)
// into a persistent connection delivering every Bus event, grounded on
// jontk-slurm-client/pkg/streaming's WebSocketServer shape (upgrade,
// spawn a reader goroutine for the incoming side, keepAlive ping loop
// on the outgoing side).
type WebSocketHandler struct {
	bus      *Bus
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

func NewWebSocketHandler(bus *Bus, logger *slog.Logger) *WebSocketHandler {
	return &WebSocketHandler{
		bus: bus,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: logger,
	}
}

func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	sub := h.bus.Subscribe()
	defer sub.Close()

	done := make(chan struct{})
	go h.drainIncoming(conn, done)

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case event, ok := <-sub.Events:
			if !ok {
				return // dropped for being too slow
			}
			if err := conn.WriteJSON(event); err != nil {
				h.logger.Debug("websocket write failed, closing", "error", err)
				return
			}
		case <-ticker.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// drainIncoming discards client frames (this stream is server-push
// only) but must keep reading so gorilla/websocket processes control
// frames (close, pong) and notices a dropped connection.
func (h *WebSocketHandler) drainIncoming(conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
