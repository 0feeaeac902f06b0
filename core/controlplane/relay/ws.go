package relay

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cordum/tenantgate/core/infra/logging"
	"github.com/cordum/tenantgate/core/tenant"
)

// Subprotocol is echoed to clients that offer it. Browser clients must offer
// one the server accepts when they also send an API key subprotocol.
const Subprotocol = "tenantgate.v1"

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
)

// StreamHandler upgrades tenant-resolved requests to a receive-only
// websocket fed by the Hub.
type StreamHandler struct {
	hub      *Hub
	upgrader websocket.Upgrader
	ping     time.Duration
}

// NewStreamHandler builds the stream endpoint. checkOrigin may be nil to
// accept same-origin and non-browser clients only.
func NewStreamHandler(hub *Hub, checkOrigin func(*http.Request) bool) *StreamHandler {
	return &StreamHandler{
		hub: hub,
		upgrader: websocket.Upgrader{
			CheckOrigin:  checkOrigin,
			Subprotocols: []string{Subprotocol},
		},
		ping: pingPeriod,
	}
}

func (h *StreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	tenantID := tenant.IDFromContext(r.Context())
	if tenantID == "" {
		http.Error(w, "tenant not found", http.StatusNotFound)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warn("relay", "ws upgrade failed", "tenant", tenantID, "error", err)
		return
	}
	defer conn.Close()

	sub := h.hub.Subscribe(tenantID)
	defer h.hub.Unsubscribe(sub)
	logging.Info("relay", "ws connected", "tenant", tenantID, "remote", r.RemoteAddr)

	readerDone := make(chan struct{})
	go readPump(conn, readerDone)

	ticker := time.NewTicker(h.ping)
	defer ticker.Stop()
	for {
		select {
		case data := <-sub.C():
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				logging.Debug("relay", "ws write failed", "tenant", tenantID, "error", err)
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-sub.Done():
			code, reason := websocket.CloseGoingAway, "server shutting down"
			if sub.Dropped() {
				code, reason = websocket.CloseTryAgainLater, "slow consumer"
				logging.Warn("relay", "dropped slow subscriber", "tenant", tenantID, "remote", r.RemoteAddr)
			}
			msg := websocket.FormatCloseMessage(code, reason)
			_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
			return
		case <-readerDone:
			logging.Info("relay", "ws disconnected", "tenant", tenantID, "remote", r.RemoteAddr)
			return
		}
	}
}

// readPump drains client frames so control messages (pong, close) are
// processed. Application data from the client is ignored.
func readPump(conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)
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
