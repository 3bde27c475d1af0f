package gateway

import (
	"net/http"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Browser clients connect from arbitrary origins; authentication is
		// handled upstream of the gateway.
		return true
	},
}

// Handler upgrades HTTP requests to websocket connections served by the hub.
func Handler(hub *Hub, logger *zap.Logger) http.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}

	return func(w http.ResponseWriter, r *http.Request) {
		wsConn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Warn("websocket upgrade failed", zap.Error(err))
			return
		}

		c := newClient(hub, wsConn, logger)
		if err := c.run(); err != nil {
			logger.Warn("connection rejected", zap.Error(err))
			_ = wsConn.Close()
		}
	}
}
