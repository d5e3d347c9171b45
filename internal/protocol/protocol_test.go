package protocol

import (
	"encoding/base64"
	"strings"
	"testing"
)

func TestPairIDCanonical(t *testing.T) {
	got, err := PairID("2", "1")
	if err != nil {
		t.Fatalf("PairID(2,1): %v", err)
	}
	if got != "dm:v1:1:2" {
		t.Fatalf("PairID(2,1) = %q, want dm:v1:1:2", got)
	}

	got2, err := PairID("1", "2")
	if err != nil {
		t.Fatalf("PairID(1,2): %v", err)
	}
	if got2 != got {
		t.Fatalf("PairID not order-independent: %q vs %q", got, got2)
	}
}

func TestPairIDRejectsNonIntegers(t *testing.T) {
	if _, err := PairID("abc", "1"); err == nil {
		t.Fatal("expected error for non-integer accountId")
	}
}

func TestValidPairID(t *testing.T) {
	cases := []struct {
		s    string
		want bool
	}{
		{"dm:v1:1:2", true},
		{"dm:v1:2:1", false}, // not canonical: a must be <= b
		{"dm:v1:1:1", true},
		{"dm:v1:01:2", false}, // leading zero
		{"dm:v2:1:2", false},  // wrong suite version
		{"dm:v1:1", false},
		{"", false},
	}
	for _, c := range cases {
		if got := ValidPairID(c.s); got != c.want {
			t.Errorf("ValidPairID(%q) = %v, want %v", c.s, got, c.want)
		}
	}
}

func TestParsePairID(t *testing.T) {
	lo, hi, ok := ParsePairID("dm:v1:1:2")
	if !ok || lo != "1" || hi != "2" {
		t.Fatalf("ParsePairID got lo=%q hi=%q ok=%v", lo, hi, ok)
	}
	if _, _, ok := ParsePairID("not-a-pairid"); ok {
		t.Fatal("expected ok=false for malformed pairId")
	}
}

func TestValidAccountID(t *testing.T) {
	cases := []struct {
		s    string
		want bool
	}{
		{"1", true},
		{"123456", true},
		{"0", false},
		{"01", false},
		{"", false},
		{"-1", false},
		{strings.Repeat("9", 33), false},
		{strings.Repeat("9", 32), true},
	}
	for _, c := range cases {
		if got := ValidAccountID(c.s); got != c.want {
			t.Errorf("ValidAccountID(%q) = %v, want %v", c.s, got, c.want)
		}
	}
}

func TestCountCodepoints(t *testing.T) {
	// "héllo" has 5 code points but more UTF-8 bytes.
	s := "héllo"
	if n := CountCodepoints(s); n != 5 {
		t.Fatalf("CountCodepoints(%q) = %d, want 5", s, n)
	}
}

func TestValidText(t *testing.T) {
	if ValidText("") {
		t.Error("empty text should be invalid")
	}
	if !ValidText("a") {
		t.Error("single character should be valid")
	}
	if !ValidText(strings.Repeat("a", MaxTextCodepoints)) {
		t.Error("exactly MaxTextCodepoints should be valid")
	}
	if ValidText(strings.Repeat("a", MaxTextCodepoints+1)) {
		t.Error("MaxTextCodepoints+1 should be invalid")
	}
}

func TestValidateClientFrameMessageSend(t *testing.T) {
	f := ClientFrame{Version: Version, Type: TypeMessageSend, Text: "hi"}
	if err := ValidateClientFrame(f); err != nil {
		t.Fatalf("valid frame rejected: %v", err)
	}

	f.Text = ""
	if err := ValidateClientFrame(f); err == nil {
		t.Fatal("expected error for empty text")
	}
}

func TestValidateClientFrameWrongVersion(t *testing.T) {
	f := ClientFrame{Version: 2, Type: TypeHello}
	if err := ValidateClientFrame(f); err == nil {
		t.Fatal("expected error for unsupported version")
	}
}

func TestValidateClientFrameUnknownType(t *testing.T) {
	f := ClientFrame{Version: Version, Type: "bogus"}
	if err := ValidateClientFrame(f); err == nil {
		t.Fatal("expected error for unknown type")
	}
}

func validIdentity() *PublicIdentity {
	key := make([]byte, PublicKeyBytes)
	return &PublicIdentity{Suite: SuiteV1, PublicKey: base64.StdEncoding.EncodeToString(key)}
}

func TestValidateClientFrameDMMessageSend(t *testing.T) {
	f := ClientFrame{
		Version:            Version,
		Type:               TypeDMMessageSend,
		PairID:             "dm:v1:1:2",
		RecipientAccountID: "2",
		SenderIdentity:     validIdentity(),
		RecipientIdentity:  validIdentity(),
		Nonce:              base64.StdEncoding.EncodeToString(make([]byte, NonceBytes)),
		Ciphertext:         base64.StdEncoding.EncodeToString(make([]byte, 128)),
	}
	if err := ValidateClientFrame(f); err != nil {
		t.Fatalf("valid dm.message.send rejected: %v", err)
	}

	bad := f
	bad.Nonce = base64.StdEncoding.EncodeToString(make([]byte, NonceBytes-1))
	if err := ValidateClientFrame(bad); err == nil {
		t.Fatal("expected error for wrong-length nonce")
	}

	bad = f
	bad.Ciphertext = base64.StdEncoding.EncodeToString(make([]byte, MaxCiphertextBytes+1))
	if err := ValidateClientFrame(bad); err == nil {
		t.Fatal("expected error for oversized ciphertext")
	}

	bad = f
	bad.PairID = "dm:v1:2:1"
	if err := ValidateClientFrame(bad); err == nil {
		t.Fatal("expected error for non-canonical pairId")
	}
}

func TestValidateClientFrameDMIdentityPublish(t *testing.T) {
	f := ClientFrame{Version: Version, Type: TypeDMIdentityPublish, Identity: validIdentity()}
	if err := ValidateClientFrame(f); err != nil {
		t.Fatalf("valid identity publish rejected: %v", err)
	}

	bad := ClientFrame{Version: Version, Type: TypeDMIdentityPublish}
	if err := ValidateClientFrame(bad); err == nil {
		t.Fatal("expected error for missing identity")
	}

	badKey := &PublicIdentity{Suite: SuiteV1, PublicKey: base64.StdEncoding.EncodeToString(make([]byte, PublicKeyBytes-1))}
	bad = ClientFrame{Version: Version, Type: TypeDMIdentityPublish, Identity: badKey}
	if err := ValidateClientFrame(bad); err == nil {
		t.Fatal("expected error for wrong-length public key")
	}
}
