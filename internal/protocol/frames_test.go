package protocol

import (
	"encoding/json"
	"testing"
)

func TestServerFrameWelcomeMarshalsHistory(t *testing.T) {
	f := ServerFrame{
		Version:    Version,
		Type:       TypeWelcome,
		User:       &UserIdentity{AccountID: "1", Login: "alice"},
		ServerTime: 1000,
		History: []PlainFrame{
			{User: UserIdentity{AccountID: "2", Login: "bob"}, Text: "hi"},
		},
	}
	raw, err := f.Marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var decoded map[string]json.RawMessage
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal to map: %v", err)
	}
	if _, ok := decoded["history"]; !ok {
		t.Fatalf("welcome frame missing %q key on the wire: %s", "history", raw)
	}

	var roundTripped ServerFrame
	if err := json.Unmarshal(raw, &roundTripped); err != nil {
		t.Fatalf("unmarshal to ServerFrame: %v", err)
	}
	if len(roundTripped.History) != 1 || roundTripped.History[0].Text != "hi" {
		t.Fatalf("History did not round-trip: %+v", roundTripped.History)
	}
}

func TestServerFrameDMWelcomeMarshalsDMHistory(t *testing.T) {
	f := ServerFrame{
		Version:       Version,
		Type:          TypeDMWelcome,
		PairID:        "dm:v1:1:2",
		PeerAccountID: "2",
		DMHistory: []CiphertextFrame{
			{Sender: UserIdentity{AccountID: "2", Login: "bob"}, Nonce: "nonce", Ciphertext: "ct"},
		},
	}
	raw, err := f.Marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var decoded map[string]json.RawMessage
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal to map: %v", err)
	}
	if _, ok := decoded["dmHistory"]; !ok {
		t.Fatalf("dm.welcome frame missing %q key on the wire: %s", "dmHistory", raw)
	}

	var roundTripped ServerFrame
	if err := json.Unmarshal(raw, &roundTripped); err != nil {
		t.Fatalf("unmarshal to ServerFrame: %v", err)
	}
	if len(roundTripped.DMHistory) != 1 || roundTripped.DMHistory[0].Ciphertext != "ct" {
		t.Fatalf("DMHistory did not round-trip: %+v", roundTripped.DMHistory)
	}
}
