// Package dmcrypto implements the client-side end-to-end encryption for
// direct messages: sealed-box-style encryption with NaCl box, whose 32-byte
// public keys and 24-byte nonces match the wire protocol's PublicIdentity
// and CiphertextFrame exactly. The server never imports this package — it
// only ever stores and forwards the opaque bytes this package produces.
package dmcrypto

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/nacl/box"

	"chatforge/internal/protocol"
)

// ErrDecryptFailed is returned by Open when the ciphertext does not
// authenticate against the given keys and nonce.
var ErrDecryptFailed = errors.New("dmcrypto: decryption failed")

// KeyPair is a NaCl box key pair for one account.
type KeyPair struct {
	Public  [32]byte
	Private [32]byte
}

// GenerateKeyPair creates a fresh key pair.
func GenerateKeyPair() (KeyPair, error) {
	pub, priv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return KeyPair{}, fmt.Errorf("dmcrypto: generate key pair: %w", err)
	}
	return KeyPair{Public: *pub, Private: *priv}, nil
}

// PublicIdentity returns the wire-format PublicIdentity for this key pair.
func (kp KeyPair) PublicIdentity() protocol.PublicIdentity {
	return protocol.PublicIdentity{
		Suite:     protocol.SuiteV1,
		PublicKey: base64.StdEncoding.EncodeToString(kp.Public[:]),
	}
}

// Seal encrypts plaintext for recipientPublicKey using this key pair's
// private key, returning base64-encoded nonce and ciphertext ready to place
// on a dm.message.send frame.
func (kp KeyPair) Seal(plaintext []byte, recipientPublicKey [32]byte) (nonceB64, ciphertextB64 string, err error) {
	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", "", fmt.Errorf("dmcrypto: generate nonce: %w", err)
	}
	sealed := box.Seal(nil, plaintext, &nonce, &recipientPublicKey, &kp.Private)
	return base64.StdEncoding.EncodeToString(nonce[:]), base64.StdEncoding.EncodeToString(sealed), nil
}

// Open decrypts a ciphertext produced by Seal, verifying it against
// senderPublicKey.
func (kp KeyPair) Open(nonceB64, ciphertextB64 string, senderPublicKey [32]byte) ([]byte, error) {
	nonceBytes, err := base64.StdEncoding.DecodeString(nonceB64)
	if err != nil || len(nonceBytes) != 24 {
		return nil, fmt.Errorf("dmcrypto: invalid nonce: %w", err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(ciphertextB64)
	if err != nil {
		return nil, fmt.Errorf("dmcrypto: invalid ciphertext: %w", err)
	}
	var nonce [24]byte
	copy(nonce[:], nonceBytes)

	plain, ok := box.Open(nil, ciphertext, &nonce, &senderPublicKey, &kp.Private)
	if !ok {
		return nil, ErrDecryptFailed
	}
	return plain, nil
}

// DecodePublicKey parses a PublicIdentity's base64 public key into the
// 32-byte array NaCl box expects. Callers must have already validated the
// identity with protocol.ValidateClientFrame or equivalent.
func DecodePublicKey(id protocol.PublicIdentity) ([32]byte, error) {
	var out [32]byte
	raw, err := base64.StdEncoding.DecodeString(id.PublicKey)
	if err != nil || len(raw) != 32 {
		return out, fmt.Errorf("dmcrypto: public key must decode to 32 bytes")
	}
	copy(out[:], raw)
	return out, nil
}
