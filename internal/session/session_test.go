package session

import (
	"strings"
	"testing"
	"time"

	"chatforge/internal/protocol"
)

func testSecret() []byte {
	return []byte(strings.Repeat("k", MinSecretLength))
}

func TestNewIssuerRejectsShortSecret(t *testing.T) {
	_, err := NewIssuer(Config{Secret: []byte("too-short")})
	if err != ErrInvalidSecretLength {
		t.Fatalf("err = %v, want ErrInvalidSecretLength", err)
	}
}

func TestIssueThenVerifyRoundTrips(t *testing.T) {
	iss, err := NewIssuer(Config{Secret: testSecret(), Issuer: "test"})
	if err != nil {
		t.Fatalf("NewIssuer: %v", err)
	}
	user := protocol.UserIdentity{AccountID: "42", Login: "octocat", Roles: []string{"moderator"}}
	now := time.Unix(1_700_000_000, 0)

	ticket, err := iss.Issue(now, user)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if ticket.ExpiresAtMs != now.Add(Lifetime).UnixMilli() {
		t.Fatalf("ExpiresAtMs = %d, want %d", ticket.ExpiresAtMs, now.Add(Lifetime).UnixMilli())
	}

	got, err := iss.Verify(ticket.Token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if got.AccountID != user.AccountID || got.Login != user.Login {
		t.Fatalf("Verify returned %+v, want %+v", got, user)
	}
	if !got.HasRole("moderator") {
		t.Fatal("expected moderator role to round-trip")
	}
}

func TestVerifyRejectsTamperedToken(t *testing.T) {
	iss, _ := NewIssuer(Config{Secret: testSecret()})
	ticket, _ := iss.Issue(time.Now(), protocol.UserIdentity{AccountID: "1"})

	tampered := ticket.Token[:len(ticket.Token)-1] + "x"
	if _, err := iss.Verify(tampered); err == nil {
		t.Fatal("expected error for tampered token")
	}
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	iss, _ := NewIssuer(Config{Secret: testSecret()})
	past := time.Now().Add(-2 * Lifetime)
	ticket, _ := iss.Issue(past, protocol.UserIdentity{AccountID: "1"})

	_, err := iss.Verify(ticket.Token)
	if err != ErrExpired {
		t.Fatalf("err = %v, want ErrExpired", err)
	}
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	iss1, _ := NewIssuer(Config{Secret: testSecret()})
	iss2, _ := NewIssuer(Config{Secret: []byte(strings.Repeat("z", MinSecretLength))})

	ticket, _ := iss1.Issue(time.Now(), protocol.UserIdentity{AccountID: "1"})
	if _, err := iss2.Verify(ticket.Token); err == nil {
		t.Fatal("expected error when verifying with a different secret")
	}
}
