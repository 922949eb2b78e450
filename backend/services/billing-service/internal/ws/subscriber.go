package ws

import (
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	pongWait     = 60 * time.Second
	pingInterval = 30 * time.Second
	maxReadSize  = 4096
)

// Subscriber is one dashboard connection listening for bill notifications.
type Subscriber struct {
	id           string
	areaID       string
	ws           *websocket.Conn
	send         chan []byte
	writeTimeout time.Duration
	logger       *zap.Logger
}

func newSubscriber(id, areaID string, conn *websocket.Conn, writeTimeout time.Duration, logger *zap.Logger) *Subscriber {
	return &Subscriber{
		id:           id,
		areaID:       areaID,
		ws:           conn,
		send:         make(chan []byte, 16),
		writeTimeout: writeTimeout,
		logger:       logger,
	}
}

// ID returns the subscriber identifier.
func (s *Subscriber) ID() string {
	return s.id
}

// wants reports whether a bill for areaID should reach this subscriber.
func (s *Subscriber) wants(areaID string) bool {
	return s.areaID == "" || s.areaID == areaID
}

// offer queues msg without blocking. The hub holds its read lock while calling it.
func (s *Subscriber) offer(msg []byte) {
	select {
	case s.send <- msg:
	default:
		s.logger.Warn("dropping bill notification, buffer full", zap.String("subscriber_id", s.id))
	}
}

// readPump drains client frames so pongs and close frames are processed.
func (s *Subscriber) readPump(onClose func()) {
	defer onClose()
	s.ws.SetReadLimit(maxReadSize)
	s.ws.SetReadDeadline(time.Now().Add(pongWait))
	s.ws.SetPongHandler(func(string) error {
		s.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := s.ws.ReadMessage(); err != nil {
			s.logger.Debug("subscriber read closed", zap.String("subscriber_id", s.id), zap.Error(err))
			return
		}
	}
}

// writePump is the only goroutine writing to the connection.
func (s *Subscriber) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = s.ws.Close()
	}()

	for {
		select {
		case msg, ok := <-s.send:
			if !ok {
				_ = s.write(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.write(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			if err := s.write(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Subscriber) write(messageType int, data []byte) error {
	s.ws.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	return s.ws.WriteMessage(messageType, data)
}
