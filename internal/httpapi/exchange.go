package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"chatforge/internal/identityprovider"
	"chatforge/internal/protocol"
)

// maxExchangeBodyBytes bounds the request body for /auth/exchange.
const maxExchangeBodyBytes = 2 * 1024

// maxTelemetryBodyBytes bounds the request body for /telemetry.
const maxTelemetryBodyBytes = 4 * 1024

// exchangeReadTimeout bounds how long the body read for /auth/exchange may take.
const exchangeReadTimeout = time.Second

type exchangeRequest struct {
	AccessToken string `json:"accessToken"`
}

type exchangeResponse struct {
	Token     string                `json:"token"`
	ExpiresAt int64                 `json:"expiresAt"`
	User      protocol.UserIdentity `json:"user"`
}

type errorBody struct {
	Code         string `json:"code"`
	Message      string `json:"message,omitempty"`
	RetryAfterMs int64  `json:"retryAfterMs,omitempty"`
}

func (s *Server) handleExchange(c echo.Context) error {
	req := c.Request()

	if req.ContentLength > maxExchangeBodyBytes {
		return writeError(c, http.StatusRequestEntityTooLarge, "payload_too_large", "", 0)
	}

	ctx, cancel := context.WithTimeout(req.Context(), exchangeReadTimeout)
	defer cancel()

	body, err := readBodyWithDeadline(ctx, req.Body, maxExchangeBodyBytes+1)
	if err != nil {
		return writeError(c, http.StatusRequestEntityTooLarge, "payload_too_large", "", 0)
	}
	if len(body) > maxExchangeBodyBytes {
		return writeError(c, http.StatusRequestEntityTooLarge, "payload_too_large", "", 0)
	}

	var in exchangeRequest
	if err := json.Unmarshal(body, &in); err != nil {
		return writeError(c, http.StatusBadRequest, "invalid_json", "", 0)
	}
	if in.AccessToken == "" {
		return writeError(c, http.StatusBadRequest, "invalid_payload", "accessToken is required", 0)
	}

	remoteIP := c.RealIP()
	now := time.Now()
	res := s.exchangeRate.Check("exchange:"+remoteIP, now.UnixMilli(), s.cfg.ExchangeRateWindowMs, s.cfg.ExchangeRateMaxCount, s.cfg.MaxTrackedKeys)
	if !res.Allowed {
		c.Response().Header().Set("Retry-After", retryAfterHeaderValue(res.RetryAfterMs))
		return writeError(c, http.StatusTooManyRequests, "rate_limited", "", res.RetryAfterMs)
	}

	user, err := s.identity.FetchUser(req.Context(), in.AccessToken)
	if err != nil {
		if errors.Is(err, identityprovider.ErrUnauthorized) {
			return writeError(c, http.StatusUnauthorized, "auth_failed", "", 0)
		}
		return writeError(c, http.StatusUnauthorized, "auth_failed", err.Error(), 0)
	}
	if s.isModerator(user.AccountID) {
		user.Roles = append(user.Roles, protocol.RoleModerator)
	}

	ticket, err := s.issuer.Issue(now, user)
	if err != nil {
		return writeError(c, http.StatusInternalServerError, "server_error", "", 0)
	}

	c.Response().Header().Set("Cache-Control", "no-store")
	return c.JSON(http.StatusOK, exchangeResponse{
		Token:     ticket.Token,
		ExpiresAt: ticket.ExpiresAtMs,
		User:      ticket.User,
	})
}

func (s *Server) handleTelemetry(c echo.Context) error {
	req := c.Request()
	if req.ContentLength > maxTelemetryBodyBytes {
		return writeError(c, http.StatusRequestEntityTooLarge, "payload_too_large", "", 0)
	}

	body, err := readBodyWithDeadline(req.Context(), req.Body, maxTelemetryBodyBytes+1)
	if err != nil || len(body) > maxTelemetryBodyBytes {
		return writeError(c, http.StatusRequestEntityTooLarge, "payload_too_large", "", 0)
	}

	var event map[string]any
	if err := json.Unmarshal(body, &event); err != nil {
		return writeError(c, http.StatusBadRequest, "invalid_json", "", 0)
	}

	return c.NoContent(http.StatusNoContent)
}

func writeError(c echo.Context, status int, code, message string, retryAfterMs int64) error {
	return c.JSON(status, errorBody{Code: code, Message: message, RetryAfterMs: retryAfterMs})
}

func retryAfterHeaderValue(retryAfterMs int64) string {
	seconds := (retryAfterMs + 999) / 1000
	if seconds < 1 {
		seconds = 1
	}
	return strconv.FormatInt(seconds, 10)
}

func readBodyWithDeadline(ctx context.Context, r io.Reader, limit int64) ([]byte, error) {
	type result struct {
		data []byte
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		data, err := io.ReadAll(io.LimitReader(r, limit))
		ch <- result{data, err}
	}()
	select {
	case res := <-ch:
		return res.data, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
