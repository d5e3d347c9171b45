// Package protocol defines the wire schema shared by the server and the
// client: message envelopes, identifier canonicalization, and the bounds
// that every inbound frame is validated against before it reaches an actor.
package protocol

import (
	"fmt"
	"regexp"
	"strconv"
)

// Version is the only protocol version this build understands. Any frame
// carrying a different version is rejected before its type is even dispatched.
const Version = 1

// Client→server message types.
const (
	TypeHello               = "hello"
	TypeMessageSend         = "message.send"
	TypeDMIdentityPublish   = "dm.identity.publish"
	TypeDMOpen              = "dm.open"
	TypeDMMessageSend       = "dm.message.send"
	TypeModerationUserDeny  = "moderation.user.deny"
	TypeModerationUserAllow = "moderation.user.allow"
)

// Server→client message types.
const (
	TypeWelcome               = "welcome"
	TypeMessageNew            = "message.new"
	TypeDMWelcome             = "dm.welcome"
	TypeDMMessageNew          = "dm.message.new"
	TypePresence              = "presence"
	TypeModerationSnapshot    = "moderation.snapshot"
	TypeModerationUserDenied  = "moderation.user.denied"
	TypeModerationUserAllowed = "moderation.user.allowed"
	TypeError                 = "error"
)

// Error codes carried on the wire inside an Error frame.
const (
	ErrInvalidPayload = "invalid_payload"
	ErrForbidden      = "forbidden"
	ErrRateLimited    = "rate_limited"
	ErrAuthExpired    = "auth_expired"
	ErrServerError    = "server_error"
)

// Handshake-rejection codes (HTTP body, not a channel frame).
const (
	HandshakeRateLimited        = "rate_limited"
	HandshakeRoomFull           = "room_full"
	HandshakeTooManyConnections = "too_many_connections"
)

// RoleModerator is the only role the wire protocol knows about.
const RoleModerator = "moderator"

const (
	// MaxTextCodepoints bounds PlainFrame.Text.
	MaxTextCodepoints = 500
	// PublicKeyBytes is the exact decoded length of a PublicIdentity.PublicKey.
	PublicKeyBytes = 32
	// NonceBytes is the exact decoded length of a CiphertextFrame.Nonce.
	NonceBytes = 24
	// MaxCiphertextBytes bounds the decoded length of CiphertextFrame.Ciphertext.
	MaxCiphertextBytes = 4096
	// MaxAccountIDLen bounds the string length of an accountId.
	MaxAccountIDLen = 32
)

var accountIDPattern = regexp.MustCompile(`^[1-9][0-9]*$`)

// ValidAccountID reports whether s is a syntactically valid accountId:
// a non-empty base-10 integer string without leading zeros, at most
// MaxAccountIDLen characters.
func ValidAccountID(s string) bool {
	return len(s) > 0 && len(s) <= MaxAccountIDLen && accountIDPattern.MatchString(s)
}

// UserIdentity is the immutable identity of an authenticated user for the
// lifetime of one session.
type UserIdentity struct {
	AccountID string   `json:"accountId"`
	Login     string   `json:"login"`
	AvatarURL string   `json:"avatarUrl"`
	Roles     []string `json:"roles,omitempty"`
}

// HasRole reports whether u carries the given role.
func (u UserIdentity) HasRole(role string) bool {
	for _, r := range u.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// PublicIdentity is a user's published DM public key.
type PublicIdentity struct {
	Suite     string `json:"suite"`
	PublicKey string `json:"publicKey"` // base64, decodes to PublicKeyBytes
}

// SuiteV1 is the only supported DM crypto suite.
const SuiteV1 = "v1"

// PlainFrame is one message in the shared room's history.
type PlainFrame struct {
	ID        string       `json:"id"`
	User      UserIdentity `json:"user"`
	Text      string       `json:"text"`
	CreatedAt string       `json:"createdAt"` // ISO-8601
}

// CiphertextFrame is one message in a DM pair's history. The server never
// interprets Ciphertext; it is opaque bytes, base64-encoded on the wire.
type CiphertextFrame struct {
	ID                 string         `json:"id"`
	PairID             string         `json:"pairId"`
	Sender             UserIdentity   `json:"sender"`
	RecipientAccountID string         `json:"recipientAccountId"`
	SenderIdentity     PublicIdentity `json:"senderIdentity"`
	RecipientIdentity  PublicIdentity `json:"recipientIdentity"`
	Nonce              string         `json:"nonce"`      // base64, decodes to NonceBytes
	Ciphertext         string         `json:"ciphertext"` // base64, decodes to <=MaxCiphertextBytes
	CreatedAt          string         `json:"createdAt"`
}

// PairID returns the canonical pair identifier for two accountIds, ordered
// numerically ascending regardless of argument order.
func PairID(a, b string) (string, error) {
	an, err := strconv.ParseUint(a, 10, 64)
	if err != nil {
		return "", fmt.Errorf("pairID: invalid accountId %q: %w", a, err)
	}
	bn, err := strconv.ParseUint(b, 10, 64)
	if err != nil {
		return "", fmt.Errorf("pairID: invalid accountId %q: %w", b, err)
	}
	lo, hi := a, b
	if an > bn {
		lo, hi = b, a
	}
	return fmt.Sprintf("dm:v1:%s:%s", lo, hi), nil
}

var pairIDPattern = regexp.MustCompile(`^dm:v1:([1-9][0-9]*|0):([1-9][0-9]*|0)$`)

// ValidPairID reports whether s is syntactically well-formed AND canonical:
// dm:v1:<a>:<b> with a <= b by numeric compare.
func ValidPairID(s string) bool {
	m := pairIDPattern.FindStringSubmatch(s)
	if m == nil {
		return false
	}
	a, err1 := strconv.ParseUint(m[1], 10, 64)
	b, err2 := strconv.ParseUint(m[2], 10, 64)
	if err1 != nil || err2 != nil {
		return false
	}
	return a <= b
}

// ParsePairID splits a canonical pairId into its two accountIds (lo, hi).
func ParsePairID(s string) (lo, hi string, ok bool) {
	m := pairIDPattern.FindStringSubmatch(s)
	if m == nil {
		return "", "", false
	}
	return m[1], m[2], true
}

// CountCodepoints returns the number of Unicode code points in s, which for
// bounds-checking purposes is what "1..=500 code points" means (not bytes,
// not UTF-16 units).
func CountCodepoints(s string) int {
	n := 0
	for range s {
		n++
	}
	return n
}

// ValidText reports whether s satisfies the 1..=MaxTextCodepoints bound.
func ValidText(s string) bool {
	n := CountCodepoints(s)
	return n >= 1 && n <= MaxTextCodepoints
}
