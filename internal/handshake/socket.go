package handshake

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"chatforge/internal/heartbeat"
	"chatforge/internal/protocol"
)

// sendTimeout bounds how long a write to one socket's outbound queue may
// block before the frame for that socket alone is dropped.
const sendTimeout = 50 * time.Millisecond

// sendBufferSize is the outbound queue depth per socket.
const sendBufferSize = 64

// wsSocket adapts a gorilla/websocket connection to room.Socket. Writes
// never happen directly from Send: they're queued on outbound and drained
// by a dedicated writer goroutine, so one slow client can't stall the room
// actor.
type wsSocket struct {
	conn *websocket.Conn
	user protocol.UserIdentity

	outbound chan protocol.ServerFrame

	closeOnce sync.Once
	done      chan struct{}
}

func newWSSocket(conn *websocket.Conn, user protocol.UserIdentity) *wsSocket {
	s := &wsSocket{
		conn:     conn,
		user:     user,
		outbound: make(chan protocol.ServerFrame, sendBufferSize),
		done:     make(chan struct{}),
	}
	go s.writeLoop()
	return s
}

func (s *wsSocket) User() protocol.UserIdentity { return s.user }

// Send enqueues frame for delivery. It does not block on the network; if
// the outbound queue is full for longer than sendTimeout, the frame is
// dropped for this socket only.
func (s *wsSocket) Send(frame protocol.ServerFrame) error {
	select {
	case s.outbound <- frame:
		return nil
	case <-time.After(sendTimeout):
		slog.Debug("ws send timeout, dropping frame", "type", frame.Type, "accountId", s.user.AccountID)
		return errSendTimeout
	case <-s.done:
		return errSocketClosed
	}
}

func (s *wsSocket) writeLoop() {
	for {
		select {
		case frame := <-s.outbound:
			_ = s.conn.SetWriteDeadline(time.Now().Add(sendTimeout))
			if err := s.conn.WriteJSON(frame); err != nil {
				slog.Debug("ws write error", "accountId", s.user.AccountID, "err", err)
				s.Close(1011, "write error")
				return
			}
		case <-s.done:
			return
		}
	}
}

// Close terminates the socket. Safe to call more than once.
func (s *wsSocket) Close(code int, reason string) {
	s.closeOnce.Do(func() {
		close(s.done)
		deadline := time.Now().Add(sendTimeout)
		_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
		_ = s.conn.Close()
	})
}

// SendPing implements heartbeat.Pinger by writing a ping control frame.
func (s *wsSocket) SendPing() error {
	return s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(sendTimeout))
}

var _ heartbeat.Pinger = (*wsSocket)(nil)

// readRaw reads one text/binary frame from the connection as raw bytes,
// suitable for room.HandleFrame. The caller owns the read loop; this just
// isolates the gorilla/websocket call so tests can avoid real sockets.
func readRaw(conn *websocket.Conn) ([]byte, error) {
	_, raw, err := conn.ReadMessage()
	return raw, err
}
