package ws

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Server upgrades HTTP requests to bill notification streams.
type Server struct {
	hub          *Hub
	logger       *zap.Logger
	writeTimeout time.Duration
	upgrader     websocket.Upgrader
}

// NewServer builds the websocket endpoint.
func NewServer(hub *Hub, writeTimeout time.Duration, logger *zap.Logger) *Server {
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	return &Server{
		hub:          hub,
		logger:       logger,
		writeTimeout: writeTimeout,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// HandleWS serves /ws/bills. An optional area_id query narrows the stream to one area.
func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	areaID := r.URL.Query().Get("area_id")

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", zap.Error(err))
		return
	}

	sub := newSubscriber(uuid.NewString(), areaID, conn, s.writeTimeout, s.logger)
	s.hub.Add(sub)

	go sub.writePump()
	go sub.readPump(func() { s.hub.Remove(sub.ID()) })

	s.logger.Info("bill subscriber connected", zap.String("subscriber_id", sub.ID()), zap.String("area_id", areaID))
}
