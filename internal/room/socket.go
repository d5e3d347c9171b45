package room

import "chatforge/internal/protocol"

// Socket is the room's view of one accepted connection. Implementations
// (the WebSocket handshake layer) own the underlying transport; the room
// calls Send and Close only from its single command-processing goroutine,
// while User is also called from other goroutines (ConnectionCountForUser
// runs on the caller's goroutine). The room assigns its own uint64 id to each Socket on Join and
// uses that id (not anything self-reported) for Leave/HandleFrame, so
// Socket itself carries no identity of its own.
//
// Send MUST NOT block the room actor for long: a slow client must not stall
// delivery to every other socket. Implementations achieve this the way the
// newer channel-state subsystem does — a buffered per-socket outbound
// channel drained by its own writer goroutine, with a short send timeout
// that drops the message for that one socket rather than blocking.
type Socket interface {
	User() protocol.UserIdentity
	Send(frame protocol.ServerFrame) error
	Close(code int, reason string)
}
