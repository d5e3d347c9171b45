// Package handshake implements the channel upgrade pipeline (C3): connect
// rate limiting, bearer-token verification, denylist lookup, and connection
// caps, in a fixed order. A successful pipeline hands the
// upgraded connection to the room actor as a room.Socket.
package handshake

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"chatforge/internal/protocol"
	"chatforge/internal/ratelimit"
	"chatforge/internal/room"
	"chatforge/internal/session"
)

// Config holds the handshake pipeline's tunables.
type Config struct {
	ConnectRateWindowMs int64
	ConnectRateMaxCount int
	MaxTrackedKeys      int
}

// DefaultConfig returns the documented defaults (20 connects per 10s).
func DefaultConfig() Config {
	return Config{
		ConnectRateWindowMs: 10_000,
		ConnectRateMaxCount: 20,
		MaxTrackedKeys:      10_000,
	}
}

// Rejection is returned when the pipeline refuses the upgrade before any
// socket is created. HTTPStatus is the status code the caller must write;
// Body is the JSON payload to write alongside it.
type Rejection struct {
	HTTPStatus   int
	Body         protocol.HandshakeRejection
	RetryAfterMs int64
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("handshake rejected: %s (%d)", r.Body.Code, r.HTTPStatus)
}

func rejectf(status int, code, message string, retryAfterMs int64) *Rejection {
	return &Rejection{
		HTTPStatus:   status,
		RetryAfterMs: retryAfterMs,
		Body: protocol.HandshakeRejection{
			Code:         code,
			Message:      message,
			RetryAfterMs: retryAfterMs,
		},
	}
}

// Pipeline runs the ordered handshake checks for the single shared room.
type Pipeline struct {
	cfg         Config
	issuer      *session.Issuer
	room        *room.Room
	connectRate *ratelimit.Store
}

// NewPipeline constructs a Pipeline bound to issuer (bearer-token
// verification) and r (denylist + connection-cap checks).
func NewPipeline(cfg Config, issuer *session.Issuer, r *room.Room) *Pipeline {
	return &Pipeline{
		cfg:         cfg,
		issuer:      issuer,
		room:        r,
		connectRate: ratelimit.NewStore(),
	}
}

// Authorize runs steps 1-5 of the handshake pipeline for one upgrade
// request from remoteIP carrying bearerToken, and returns the resolved
// identity on success or a Rejection describing the HTTP response to send.
func (p *Pipeline) Authorize(remoteIP, bearerToken string) (protocol.UserIdentity, *Rejection) {
	now := time.Now().UnixMilli()

	res := p.connectRate.Check("connect:"+remoteIP, now, p.cfg.ConnectRateWindowMs, p.cfg.ConnectRateMaxCount, p.cfg.MaxTrackedKeys)
	if !res.Allowed {
		return protocol.UserIdentity{}, rejectf(http.StatusTooManyRequests, protocol.HandshakeRateLimited, "connect rate exceeded", res.RetryAfterMs)
	}

	user, err := p.issuer.Verify(bearerToken)
	if err != nil {
		return protocol.UserIdentity{}, rejectf(http.StatusUnauthorized, protocol.ErrAuthExpired, authErrorMessage(err), 0)
	}

	if p.room.IsDenylisted(user.AccountID) {
		return protocol.UserIdentity{}, rejectf(http.StatusForbidden, protocol.ErrForbidden, "account is denylisted", 0)
	}

	roomCfg := p.room.Config()
	if roomCfg.MaxConnectionsPerRoom > 0 && p.room.ConnectionCount() >= roomCfg.MaxConnectionsPerRoom {
		return protocol.UserIdentity{}, rejectf(http.StatusTooManyRequests, protocol.HandshakeRoomFull, "room is full", 0)
	}

	if roomCfg.MaxConnectionsPerUser > 0 && p.room.ConnectionCountForUser(user.AccountID) >= roomCfg.MaxConnectionsPerUser {
		return protocol.UserIdentity{}, rejectf(http.StatusTooManyRequests, protocol.HandshakeTooManyConnections, "too many connections for this account", 0)
	}

	return user, nil
}

func authErrorMessage(err error) string {
	if errors.Is(err, session.ErrExpired) {
		return "session expired"
	}
	return "invalid session token"
}

// BearerToken extracts the token from an "Authorization: Bearer <token>"
// header value. Returns "" if the header is absent or malformed.
func BearerToken(authorizationHeader string) string {
	const prefix = "Bearer "
	if !strings.HasPrefix(authorizationHeader, prefix) {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(authorizationHeader, prefix))
}

// RetryAfterHeader formats RetryAfterMs as an RFC 9110 delta-seconds value
// for the Retry-After header, rounding up to the next whole second.
func RetryAfterHeader(retryAfterMs int64) string {
	seconds := (retryAfterMs + 999) / 1000
	return strconv.FormatInt(seconds, 10)
}
