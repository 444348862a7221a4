package headless

import (
	"net/http"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/standardbeagle/wkdrive/internal/connection"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  32 << 10,
	WriteBufferSize: 32 << 10,
	// The engine binds to loopback; any local page may drive it.
	CheckOrigin: func(*http.Request) bool { return true },
}

// WebSocketHandler serves the protocol over WebSocket. Message boundaries
// carry no meaning; the byte stream is the same as over TCP.
func (s *Server) WebSocketHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.logger.Debug("websocket upgrade failed", zap.Error(err))
			return
		}
		s.ServeConn(r.Context(), connection.WebSocketConn(ws))
	})
}
