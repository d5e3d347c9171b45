package store

import (
	"testing"

	"chatforge/internal/protocol"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRoomHistoryRoundTrip(t *testing.T) {
	s := openTestStore(t)

	if frames, err := s.LoadRoomHistory(); err != nil || frames != nil {
		t.Fatalf("expected nil history before save, got %v, err %v", frames, err)
	}

	want := []protocol.PlainFrame{
		{ID: "1", Text: "hi", User: protocol.UserIdentity{AccountID: "1", Login: "a"}},
		{ID: "2", Text: "there", User: protocol.UserIdentity{AccountID: "2", Login: "b"}},
	}
	if err := s.SaveRoomHistory(want); err != nil {
		t.Fatalf("SaveRoomHistory: %v", err)
	}

	got, err := s.LoadRoomHistory()
	if err != nil {
		t.Fatalf("LoadRoomHistory: %v", err)
	}
	if len(got) != len(want) || got[0].ID != "1" || got[1].Text != "there" {
		t.Fatalf("LoadRoomHistory = %+v, want %+v", got, want)
	}

	// Overwrite replaces wholesale.
	if err := s.SaveRoomHistory(want[:1]); err != nil {
		t.Fatalf("SaveRoomHistory overwrite: %v", err)
	}
	got, err = s.LoadRoomHistory()
	if err != nil || len(got) != 1 {
		t.Fatalf("expected truncated history, got %+v, err %v", got, err)
	}
}

func TestRoomDenylistAddRemove(t *testing.T) {
	s := openTestStore(t)

	if err := s.AddToRoomDenylist("5"); err != nil {
		t.Fatalf("AddToRoomDenylist: %v", err)
	}
	if err := s.AddToRoomDenylist("5"); err != nil {
		t.Fatalf("AddToRoomDenylist idempotent: %v", err)
	}
	if err := s.AddToRoomDenylist("2"); err != nil {
		t.Fatalf("AddToRoomDenylist: %v", err)
	}

	ids, err := s.LoadRoomDenylist()
	if err != nil {
		t.Fatalf("LoadRoomDenylist: %v", err)
	}
	if len(ids) != 2 || ids[0] != "2" || ids[1] != "5" {
		t.Fatalf("LoadRoomDenylist = %v, want sorted [2 5]", ids)
	}

	if err := s.RemoveFromRoomDenylist("2"); err != nil {
		t.Fatalf("RemoveFromRoomDenylist: %v", err)
	}
	ids, err = s.LoadRoomDenylist()
	if err != nil || len(ids) != 1 || ids[0] != "5" {
		t.Fatalf("LoadRoomDenylist after remove = %v, err %v", ids, err)
	}
}

func TestDMIdentityUpsert(t *testing.T) {
	s := openTestStore(t)

	id := protocol.PublicIdentity{Suite: protocol.SuiteV1, PublicKey: "aaaa"}
	if err := s.SaveDMIdentity("9", id); err != nil {
		t.Fatalf("SaveDMIdentity: %v", err)
	}

	updated := protocol.PublicIdentity{Suite: protocol.SuiteV1, PublicKey: "bbbb"}
	if err := s.SaveDMIdentity("9", updated); err != nil {
		t.Fatalf("SaveDMIdentity update: %v", err)
	}

	all, err := s.LoadDMIdentities()
	if err != nil {
		t.Fatalf("LoadDMIdentities: %v", err)
	}
	if all["9"].PublicKey != "bbbb" {
		t.Fatalf("LoadDMIdentities[9] = %+v, want PublicKey bbbb", all["9"])
	}
}

func TestDMHistoryRoundTrip(t *testing.T) {
	s := openTestStore(t)

	if frames, err := s.LoadDMHistory("dm:v1:1:2"); err != nil || frames != nil {
		t.Fatalf("expected nil before save, got %v, err %v", frames, err)
	}

	want := []protocol.CiphertextFrame{{ID: "f1", PairID: "dm:v1:1:2"}}
	if err := s.SaveDMHistory("dm:v1:1:2", want); err != nil {
		t.Fatalf("SaveDMHistory: %v", err)
	}

	got, err := s.LoadDMHistory("dm:v1:1:2")
	if err != nil || len(got) != 1 || got[0].ID != "f1" {
		t.Fatalf("LoadDMHistory = %+v, err %v", got, err)
	}

	// A different pair's history is independent.
	if frames, err := s.LoadDMHistory("dm:v1:3:4"); err != nil || frames != nil {
		t.Fatalf("expected nil for unrelated pair, got %v, err %v", frames, err)
	}
}
