// Package session issues and verifies the short-lived session tickets
// clients use to open a chat channel, after exchanging an identity
// provider's access token. Tickets are signed JWTs (HS256); the rest of the
// system treats the raw token string as opaque, per spec.
package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"chatforge/internal/protocol"
)

// ErrInvalidSecretLength is returned by NewIssuer when the configured
// signing secret is shorter than MinSecretLength.
var ErrInvalidSecretLength = errors.New("session: secret must be at least 32 bytes")

// MinSecretLength is the minimum byte length of a signing secret.
const MinSecretLength = 32

// Lifetime is the fixed validity window of an issued ticket.
const Lifetime = time.Hour

// ErrExpired and ErrInvalidToken distinguish the two ways verification can
// fail; the handshake rejects both with auth_expired and uses the
// distinction only for the rejection message.
var (
	ErrExpired      = errors.New("session: token expired")
	ErrInvalidToken = errors.New("session: invalid token")
)

// Config configures an Issuer.
type Config struct {
	Secret []byte
	Issuer string
}

// Issuer signs and verifies session tickets.
type Issuer struct {
	secret []byte
	issuer string
}

// NewIssuer validates the secret length and returns an Issuer.
func NewIssuer(cfg Config) (*Issuer, error) {
	if len(cfg.Secret) < MinSecretLength {
		return nil, ErrInvalidSecretLength
	}
	issuer := cfg.Issuer
	if issuer == "" {
		issuer = "chatforge"
	}
	return &Issuer{secret: cfg.Secret, issuer: issuer}, nil
}

// claims is the JWT payload. Roles rides as a custom claim alongside the
// registered set; subject carries the accountId.
type claims struct {
	jwt.RegisteredClaims
	Login     string   `json:"login"`
	AvatarURL string   `json:"avatar_url"`
	Roles     []string `json:"roles,omitempty"`
}

// Ticket is a SessionTicket: the issued token plus its absolute expiry and
// the identity it was minted for.
type Ticket struct {
	Token       string
	ExpiresAtMs int64
	User        protocol.UserIdentity
}

// Issue mints a ticket for user, valid for Lifetime from now.
func (iss *Issuer) Issue(now time.Time, user protocol.UserIdentity) (Ticket, error) {
	expiresAt := now.Add(Lifetime)
	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    iss.issuer,
			Subject:   user.AccountID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		Login:     user.Login,
		AvatarURL: user.AvatarURL,
		Roles:     user.Roles,
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	signed, err := tok.SignedString(iss.secret)
	if err != nil {
		return Ticket{}, fmt.Errorf("session: sign: %w", err)
	}
	return Ticket{
		Token:       signed,
		ExpiresAtMs: expiresAt.UnixMilli(),
		User:        user,
	}, nil
}

// Verify parses and validates a ticket's token string, returning the
// identity it carries. Expiry is checked against the current wall clock.
func (iss *Issuer) Verify(tokenString string) (protocol.UserIdentity, error) {
	var c claims
	tok, err := jwt.ParseWithClaims(tokenString, &c, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("session: unexpected signing method %v", t.Header["alg"])
		}
		return iss.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return protocol.UserIdentity{}, ErrExpired
		}
		return protocol.UserIdentity{}, ErrInvalidToken
	}
	if !tok.Valid {
		return protocol.UserIdentity{}, ErrInvalidToken
	}
	return protocol.UserIdentity{
		AccountID: c.Subject,
		Login:     c.Login,
		AvatarURL: c.AvatarURL,
		Roles:     c.Roles,
	}, nil
}
