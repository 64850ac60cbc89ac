package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/VenkatGGG/leasekeeper/internal/events"
)

const eventWriteTimeout = 5 * time.Second

// handleEvents streams lease lifecycle events over a websocket. An optional
// owner_scope query parameter restricts the stream to one scope.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	scope := strings.TrimSpace(r.URL.Query().Get("owner_scope"))

	// The stream outlives the server's per-request write timeout.
	rc := http.NewResponseController(w)
	_ = rc.SetReadDeadline(time.Time{})
	_ = rc.SetWriteDeadline(time.Time{})

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket accept failed", zap.Error(err))
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream closed")

	stream, cancel := s.hub.Subscribe()
	defer cancel()

	// Clients only listen; CloseRead handles their control frames.
	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-stream:
			if !ok {
				return
			}
			if !matchesScope(event, scope) {
				continue
			}
			if err := writeEvent(ctx, conn, event); err != nil {
				s.logger.Debug("websocket write failed", zap.Error(err))
				return
			}
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, event events.Event) error {
	writeCtx, cancel := context.WithTimeout(ctx, eventWriteTimeout)
	defer cancel()
	return wsjson.Write(writeCtx, conn, event)
}

func matchesScope(event events.Event, scope string) bool {
	if scope == "" {
		return true
	}
	return strings.HasPrefix(event.Resource, scope+":")
}
