package handshake

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"

	"github.com/gorilla/websocket"

	"chatforge/internal/heartbeat"
	"chatforge/internal/room"
)

var (
	errSocketClosed = errors.New("handshake: socket closed")
	errSendTimeout  = errors.New("handshake: send timed out")
)

// HeartbeatConfig holds the per-socket liveness task's tunables.
type HeartbeatConfig struct {
	PingIntervalMs int64
	PongTimeoutMs  int64
}

// DefaultHeartbeatConfig returns the documented defaults (20s ping, 60s
// pong timeout).
func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{PingIntervalMs: 20_000, PongTimeoutMs: 60_000}
}

// Server upgrades HTTP requests to the chat channel, running the handshake
// pipeline first and handing accepted connections to the room actor.
type Server struct {
	pipeline  *Pipeline
	room      *room.Room
	upgrader  websocket.Upgrader
	heartbeat HeartbeatConfig
}

// NewServer constructs a Server bound to pipeline and r.
func NewServer(pipeline *Pipeline, r *room.Room, hbCfg HeartbeatConfig) *Server {
	return &Server{
		pipeline: pipeline,
		room:     r,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(_ *http.Request) bool { return true },
		},
		heartbeat: hbCfg,
	}
}

// ServeHTTP runs the handshake pipeline for one request and, on success,
// upgrades the connection and serves it until the socket closes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	remoteIP := hostOnly(r.RemoteAddr)
	bearer := BearerToken(r.Header.Get("Authorization"))

	user, rej := s.pipeline.Authorize(remoteIP, bearer)
	if rej != nil {
		if rej.RetryAfterMs > 0 {
			w.Header().Set("Retry-After", RetryAfterHeader(rej.RetryAfterMs))
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(rej.HTTPStatus)
		_ = json.NewEncoder(w).Encode(rej.Body)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "remote", remoteIP, "err", err)
		return
	}

	sock := newWSSocket(conn, user)
	id, welcome, err := s.room.Join(sock)
	if err != nil {
		slog.Error("room join failed", "accountId", user.AccountID, "err", err)
		sock.Close(1011, "join failed")
		return
	}
	_ = sock.Send(welcome)

	mon, err := heartbeat.Start(s.heartbeat.PingIntervalMs, s.heartbeat.PongTimeoutMs, sock, func() {
		sock.Close(1000, "heartbeat timeout")
	})
	if err != nil {
		slog.Error("heartbeat start failed", "err", err)
	}
	conn.SetPongHandler(func(string) error {
		if mon != nil {
			mon.Pong()
		}
		return nil
	})

	defer func() {
		if mon != nil {
			mon.Stop()
		}
		s.room.Leave(id)
		sock.Close(1000, "connection closed")
	}()

	for {
		raw, err := readRaw(conn)
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("ws unexpected close", "accountId", user.AccountID, "err", err)
			}
			return
		}
		s.room.HandleFrame(id, raw)
	}
}

// hostOnly strips the ephemeral client port from a RemoteAddr so the
// per-IP connect-rate-limit key doesn't change on every new connection.
// It falls back to the raw value if RemoteAddr has no port to split.
func hostOnly(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
