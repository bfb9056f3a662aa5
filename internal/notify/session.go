package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"multicam-live/internal/observability/logging"
	"multicam-live/internal/observability/metrics"
)

const (
	defaultPingInterval = 25 * time.Second
	defaultWriteTimeout = 5 * time.Second
	maxInboundMessage   = 4096
)

// SessionConfig configures operator websocket sessions.
type SessionConfig struct {
	Bus          *Bus
	Logger       *slog.Logger
	Metrics      *metrics.Recorder
	PingInterval time.Duration
	WriteTimeout time.Duration
	// CheckOrigin overrides the upgrader's origin policy.
	CheckOrigin func(r *http.Request) bool
}

// SessionHandler upgrades authenticated requests into event streams scoped
// to one owner.
type SessionHandler struct {
	bus          *Bus
	logger       *slog.Logger
	metrics      *metrics.Recorder
	pingInterval time.Duration
	writeTimeout time.Duration
	upgrader     websocket.Upgrader
}

// NewSessionHandler builds a session handler.
func NewSessionHandler(cfg SessionConfig) *SessionHandler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ping := cfg.PingInterval
	if ping <= 0 {
		ping = defaultPingInterval
	}
	writeTimeout := cfg.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	return &SessionHandler{
		bus:          cfg.Bus,
		logger:       logger,
		metrics:      cfg.Metrics,
		pingInterval: ping,
		writeTimeout: writeTimeout,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     cfg.CheckOrigin,
		},
	}
}

// Serve runs one session for ownerID until the client goes away, the
// request context ends, or the subscriber falls behind. The subscription is
// taken before the snapshot is read so no delta between the two is lost.
func (h *SessionHandler) Serve(w http.ResponseWriter, r *http.Request, ownerID string) {
	// The upgrader writes the 101 itself, so headers set on w are lost.
	conn, err := h.upgrader.Upgrade(w, r, logging.ResponseHeader(r.Context()))
	if err != nil {
		h.logger.Debug("websocket upgrade failed", "owner", ownerID, "error", err)
		return
	}
	defer conn.Close()

	sub := h.bus.Subscribe(ownerID)
	defer sub.Close()
	logger := h.logger.With("owner", ownerID, "session", sub.ID())
	h.metrics.SessionOpened()
	defer h.metrics.SessionClosed()
	logger.Debug("operator session opened")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	snapshot, err := h.bus.Snapshot(ctx, ownerID)
	if err != nil {
		logger.Warn("snapshot failed", "error", err)
		h.closeWith(conn, websocket.CloseInternalServerErr, "snapshot unavailable")
		return
	}
	if err := h.write(conn, snapshot); err != nil {
		return
	}

	go h.readLoop(conn, cancel)

	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.Lagged():
			logger.Warn("operator session fell behind, closing")
			h.closeWith(conn, websocket.CloseTryAgainLater, "lagging, reconnect for snapshot")
			return
		case event, ok := <-sub.Events():
			if !ok {
				return
			}
			if err := h.write(conn, event); err != nil {
				logger.Debug("operator session write failed", "error", err)
				return
			}
		case <-ticker.C:
			deadline := time.Now().Add(h.writeTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}

func (h *SessionHandler) write(conn *websocket.Conn, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(h.writeTimeout))
	return conn.WriteMessage(websocket.TextMessage, payload)
}

func (h *SessionHandler) closeWith(conn *websocket.Conn, code int, reason string) {
	message := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, message, time.Now().Add(h.writeTimeout))
}

// readLoop discards client messages and keeps the read deadline moving
// with pongs. Any read error ends the session.
func (h *SessionHandler) readLoop(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	conn.SetReadLimit(maxInboundMessage)
	idle := 2 * h.pingInterval
	_ = conn.SetReadDeadline(time.Now().Add(idle))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(idle))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(idle))
	}
}
