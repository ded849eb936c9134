package devassets

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/conneroisu/hotswap/internal/logging"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Send pings to peer with this period.
	pingPeriod = 30 * time.Second
)

// SocketStream serves hot events over a websocket. Messages from the
// browser are ignored.
type SocketStream struct {
	hub    *Hub
	logger logging.Logger
	// OriginPatterns lists extra hosts allowed to connect cross-origin.
	OriginPatterns []string
}

// NewSocketStream creates a websocket stream over hub.
func NewSocketStream(hub *Hub, logger logging.Logger) *SocketStream {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &SocketStream{hub: hub, logger: logger}
}

// ServeHTTP implements http.Handler.
func (s *SocketStream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.OriginPatterns,
	})
	if err != nil {
		s.logger.Warn(r.Context(), err, "WebSocket upgrade failed")
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	ch := s.hub.Subscribe()
	defer s.hub.Unsubscribe(ch)
	s.logger.Debug(r.Context(), "Hot client connected", "transport", "websocket", "clients", s.hub.Clients())

	// The read side only watches for the peer going away.
	ctx := conn.CloseRead(r.Context())

	if data, ok := s.hub.Sync(); ok {
		if err := write(ctx, conn, data); err != nil {
			return
		}
	}

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-ch:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "server shutting down")
				return
			}
			if err := write(ctx, conn, data); err != nil {
				if websocket.CloseStatus(err) == -1 {
					s.logger.Debug(ctx, "Hot client write failed", "error", err)
				}
				return
			}
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, writeWait)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

func write(ctx context.Context, conn *websocket.Conn, data []byte) error {
	ctx, cancel := context.WithTimeout(ctx, writeWait)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}
