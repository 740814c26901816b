package gateway

import (
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	sendBufferSize = 64

	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second

	maxFrameSize = 1 << 20
)

type outboundFrame struct {
	messageType int
	payload     []byte
}

// session is one websocket connection attached to a room. The read pump
// forwards inbound binary frames to the room; the write pump drains the
// buffered send channel. A session whose buffer stays full is detached
// rather than allowed to stall the room.
type session struct {
	conn     *websocket.Conn
	room     *Room
	userID   string
	readOnly bool
	send     chan outboundFrame
	logger   *zap.Logger
}

func newSession(conn *websocket.Conn, room *Room, userID string, readOnly bool, logger *zap.Logger) *session {
	return &session{
		conn:     conn,
		room:     room,
		userID:   userID,
		readOnly: readOnly,
		send:     make(chan outboundFrame, sendBufferSize),
		logger:   logger,
	}
}

// enqueue queues a frame for delivery. It reports false when the session's
// buffer is full, which the room treats as a dead or stalled connection.
func (s *session) enqueue(frame outboundFrame) bool {
	select {
	case s.send <- frame:
		return true
	default:
		return false
	}
}

func (s *session) readPump() {
	defer func() {
		s.room.detach(s)
		s.conn.Close()
	}()

	s.conn.SetReadLimit(maxFrameSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		messageType, payload, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.logger.Warn("websocket read failed",
					zap.String("user_id", s.userID),
					zap.Error(err))
			}
			return
		}
		if messageType != websocket.BinaryMessage {
			continue
		}
		if s.readOnly {
			s.logger.Warn("dropping update from read-only session",
				zap.String("user_id", s.userID),
				zap.String("document", s.room.name.String()))
			continue
		}
		s.room.submit(s, payload)
	}
}

func (s *session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(frame.messageType, frame.payload); err != nil {
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
