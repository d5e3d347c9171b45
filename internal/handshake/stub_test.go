package handshake

import (
	"context"

	"chatforge/internal/protocol"
)

// stubSocket is a minimal room.Socket for tests that need to occupy a
// connection slot without a real network socket.
type stubSocket struct {
	user protocol.UserIdentity
	sent []protocol.ServerFrame
}

func (s *stubSocket) User() protocol.UserIdentity { return s.user }

func (s *stubSocket) Send(frame protocol.ServerFrame) error {
	s.sent = append(s.sent, frame)
	return nil
}

func (s *stubSocket) Close(code int, reason string) {}

func noopCtx() context.Context {
	return context.Background()
}
