package runtime

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"chatforge/internal/protocol"
)

// handshakeHTTPError is returned by dialChannel when the server rejects the
// upgrade with a structured handshake-rejection body (§4.3).
type handshakeHTTPError struct {
	status       int
	retryAfterMs int64
	body         string
}

func (e *handshakeHTTPError) Error() string {
	return "runtime: handshake rejected"
}

// channel wraps one client-side WebSocket connection to /ws. It owns a
// dedicated read goroutine (driven by Runtime.readLoop) and answers Pings
// with Pongs automatically, the client-side mirror of the server's
// heartbeat liveness contract (C4).
type channel struct {
	conn *websocket.Conn

	suppressed atomic.Bool
	closeOnce  sync.Once
}

// dialChannel opens a new WebSocket connection to endpoint's /ws path,
// presenting token as a bearer credential. On a non-101 response it reads
// the handshake-rejection body (best-effort) and returns a
// *handshakeHTTPError describing it.
func dialChannel(ctx context.Context, endpoint, token string, r *Runtime) (*channel, error) {
	wsURL := toWebSocketURL(endpoint) + "/ws"

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	conn, resp, err := dialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if resp != nil {
			return nil, readHandshakeRejection(resp)
		}
		return nil, err
	}

	ch := &channel{conn: conn}
	conn.SetPongHandler(func(string) error { return nil })
	return ch, nil
}

func readHandshakeRejection(resp *http.Response) error {
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

	retryAfterMs := parseRetryAfter(resp.Header.Get("Retry-After"))
	if retryAfterMs == 0 {
		var rej protocol.HandshakeRejection
		if json.Unmarshal(body, &rej) == nil {
			retryAfterMs = rej.RetryAfterMs
		}
	}
	return &handshakeHTTPError{
		status:       resp.StatusCode,
		retryAfterMs: retryAfterMs,
		body:         string(body),
	}
}

// toWebSocketURL rewrites an http(s):// endpoint to ws(s)://, tolerating
// endpoints already given in ws(s):// form.
func toWebSocketURL(endpoint string) string {
	switch {
	case strings.HasPrefix(endpoint, "https://"):
		return "wss://" + strings.TrimPrefix(endpoint, "https://")
	case strings.HasPrefix(endpoint, "http://"):
		return "ws://" + strings.TrimPrefix(endpoint, "http://")
	default:
		return endpoint
	}
}

// send marshals and writes one client frame.
func (c *channel) send(frame protocol.ClientFrame) error {
	if frame.Version == 0 {
		frame.Version = protocol.Version
	}
	return c.conn.WriteJSON(frame)
}

// readFrame blocks for the next inbound, well-formed server frame, silently
// skipping any message that fails to parse as one.
func (c *channel) readFrame() (protocol.ServerFrame, error) {
	for {
		var frame protocol.ServerFrame
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return frame, err
		}
		if err := json.Unmarshal(raw, &frame); err != nil {
			slog.Debug("runtime: dropping malformed server frame", "err", err)
			continue
		}
		return frame, nil
	}
}

// closeIntentionally marks the channel as deliberately closed by the
// runtime (so the eventual read-loop error does not trigger auto-reconnect)
// and closes the underlying connection. Safe to call more than once.
func (c *channel) closeIntentionally(code int, reason string) {
	c.suppressed.Store(true)
	c.closeOnce.Do(func() {
		deadline := time.Now().Add(time.Second)
		_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
		_ = c.conn.Close()
	})
}

// suppressedReconnect reports whether this channel was closed by
// closeIntentionally rather than by a transport failure.
func (c *channel) suppressedReconnect() bool {
	return c.suppressed.Load()
}
