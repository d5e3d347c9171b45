package dmcrypto

import "testing"

func TestSealThenOpenRoundTrips(t *testing.T) {
	alice, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair alice: %v", err)
	}
	bob, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair bob: %v", err)
	}

	plaintext := []byte("hello bob")
	nonce, ciphertext, err := alice.Seal(plaintext, bob.Public)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}

	got, err := bob.Open(nonce, ciphertext, alice.Public)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if string(got) != "hello bob" {
		t.Fatalf("Open = %q, want %q", got, plaintext)
	}
}

func TestOpenRejectsWrongSender(t *testing.T) {
	alice, _ := GenerateKeyPair()
	bob, _ := GenerateKeyPair()
	eve, _ := GenerateKeyPair()

	nonce, ciphertext, err := alice.Seal([]byte("secret"), bob.Public)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}

	if _, err := bob.Open(nonce, ciphertext, eve.Public); err != ErrDecryptFailed {
		t.Fatalf("err = %v, want ErrDecryptFailed", err)
	}
}

func TestDecodePublicKeyRejectsWrongLength(t *testing.T) {
	kp, _ := GenerateKeyPair()
	id := kp.PublicIdentity()
	if _, err := DecodePublicKey(id); err != nil {
		t.Fatalf("DecodePublicKey valid: %v", err)
	}

	id.PublicKey = "dG9vc2hvcnQ=" // "tooshort" base64
	if _, err := DecodePublicKey(id); err == nil {
		t.Fatal("expected error for short public key")
	}
}
