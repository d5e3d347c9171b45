package protocol

import "encoding/json"

// ClientFrame is the envelope for every client→server message. Fields not
// relevant to Type are left zero; Validate checks only the fields the
// concrete Type requires.
type ClientFrame struct {
	Version int    `json:"version"`
	Type    string `json:"type"`

	// message.send
	Text            string `json:"text,omitempty"`
	ClientMessageID string `json:"clientMessageId,omitempty"`

	// dm.identity.publish
	Identity *PublicIdentity `json:"identity,omitempty"`

	// dm.open
	TargetAccountID string `json:"targetAccountId,omitempty"`

	// dm.message.send
	PairID             string          `json:"pairId,omitempty"`
	RecipientAccountID string          `json:"recipientAccountId,omitempty"`
	SenderIdentity     *PublicIdentity `json:"senderIdentity,omitempty"`
	RecipientIdentity  *PublicIdentity `json:"recipientIdentity,omitempty"`
	Nonce              string          `json:"nonce,omitempty"`
	Ciphertext         string          `json:"ciphertext,omitempty"`

	// moderation.user.deny / moderation.user.allow share TargetAccountID
	// with dm.open — the two kinds never appear on the same frame.
	Reason string `json:"reason,omitempty"`
}

// ServerFrame is the envelope for every server→client message.
type ServerFrame struct {
	Version int    `json:"version"`
	Type    string `json:"type"`

	// welcome
	User       *UserIdentity `json:"user,omitempty"`
	ServerTime int64         `json:"serverTime,omitempty"`
	History    []PlainFrame  `json:"history,omitempty"`

	// message.new
	Message         *PlainFrame `json:"message,omitempty"`
	ClientMessageID string      `json:"clientMessageId,omitempty"`

	// dm.welcome
	PairID        string            `json:"pairId,omitempty"`
	PeerAccountID string            `json:"peerAccountId,omitempty"`
	PeerIdentity  *PublicIdentity   `json:"peerIdentity,omitempty"`
	DMHistory     []CiphertextFrame `json:"dmHistory,omitempty"`

	// dm.message.new
	DMMessage *CiphertextFrame `json:"message,omitempty"`

	// presence
	Presence []PresenceEntry `json:"snapshot,omitempty"`

	// moderation.user.denied / moderation.user.allowed
	Actor  string `json:"actor,omitempty"`
	Target string `json:"target,omitempty"`

	// moderation.snapshot
	Denylist []string `json:"denylist,omitempty"`

	// error
	Code         string `json:"code,omitempty"`
	ErrMessage   string `json:"message,omitempty"`
	RetryAfterMs int64  `json:"retryAfterMs,omitempty"`
}

// PresenceEntry is one account's aggregated connection count in a presence snapshot.
type PresenceEntry struct {
	AccountID   string `json:"accountId"`
	Login       string `json:"login"`
	Connections int    `json:"connections"`
}

// HandshakeRejection is the JSON body of a rejected channel-upgrade HTTP response.
type HandshakeRejection struct {
	Code         string `json:"code"`
	Message      string `json:"message,omitempty"`
	RetryAfterMs int64  `json:"retryAfterMs,omitempty"`
}

// Marshal is a thin wrapper kept for symmetry with Unmarshal call sites.
func (f ServerFrame) Marshal() ([]byte, error) { return json.Marshal(f) }
