package protocol

import (
	"encoding/base64"
	"fmt"
)

// ValidateClientFrame checks version and per-type shape/bounds. It does not
// check authorization (self-DM, participant mismatch, roles) — those are
// domain checks made by the room actor, which has the connection's identity.
func ValidateClientFrame(f ClientFrame) error {
	if f.Version != Version {
		return errInvalidPayload("unsupported version %d", f.Version)
	}
	switch f.Type {
	case TypeHello:
		return nil
	case TypeMessageSend:
		if !ValidText(f.Text) {
			return errInvalidPayload("text must be 1..=%d code points", MaxTextCodepoints)
		}
		return nil
	case TypeDMIdentityPublish:
		if f.Identity == nil {
			return errInvalidPayload("identity is required")
		}
		return validatePublicIdentity(*f.Identity)
	case TypeDMOpen:
		if !ValidAccountID(f.TargetAccountID) {
			return errInvalidPayload("invalid targetAccountId")
		}
		return nil
	case TypeDMMessageSend:
		return validateDMMessageSend(f)
	case TypeModerationUserDeny, TypeModerationUserAllow:
		if !ValidAccountID(f.TargetAccountID) {
			return errInvalidPayload("invalid targetAccountId")
		}
		return nil
	default:
		return errInvalidPayload("unknown type %q", f.Type)
	}
}

func validateDMMessageSend(f ClientFrame) error {
	if !ValidPairID(f.PairID) {
		return errInvalidPayload("invalid pairId")
	}
	if !ValidAccountID(f.RecipientAccountID) {
		return errInvalidPayload("invalid recipientAccountId")
	}
	if f.SenderIdentity == nil || f.RecipientIdentity == nil {
		return errInvalidPayload("senderIdentity and recipientIdentity are required")
	}
	if err := validatePublicIdentity(*f.SenderIdentity); err != nil {
		return err
	}
	if err := validatePublicIdentity(*f.RecipientIdentity); err != nil {
		return err
	}
	if !validBase64Len(f.Nonce, NonceBytes, NonceBytes) {
		return errInvalidPayload("nonce must decode to %d bytes", NonceBytes)
	}
	if !validBase64MaxLen(f.Ciphertext, MaxCiphertextBytes) {
		return errInvalidPayload("ciphertext must decode to <=%d bytes", MaxCiphertextBytes)
	}
	return nil
}

func validatePublicIdentity(id PublicIdentity) error {
	if id.Suite != SuiteV1 {
		return errInvalidPayload("unsupported suite %q", id.Suite)
	}
	if !validBase64Len(id.PublicKey, PublicKeyBytes, PublicKeyBytes) {
		return errInvalidPayload("publicKey must decode to %d bytes", PublicKeyBytes)
	}
	return nil
}

func validBase64Len(s string, min, max int) bool {
	decoded, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return false
	}
	return len(decoded) >= min && len(decoded) <= max
}

func validBase64MaxLen(s string, max int) bool {
	decoded, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return false
	}
	return len(decoded) <= max
}

// ValidationError is the concrete type behind every error this package
// returns. The room actor does not inspect the type: any validation error
// is answered with an invalid_payload frame and counts as a strike.
type ValidationError struct {
	msg string
}

func (e *ValidationError) Error() string { return e.msg }

func errInvalidPayload(format string, args ...any) error {
	return &ValidationError{msg: fmt.Sprintf(format, args...)}
}
