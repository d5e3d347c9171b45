package dmroom

import (
	"testing"

	"chatforge/internal/protocol"
	"chatforge/internal/store"
)

func TestAppendTruncatesToHistoryLimit(t *testing.T) {
	m := NewManager(nil, 2, 1)
	r, err := m.Get("dm:v1:1:2")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	for _, id := range []string{"a", "b", "c"} {
		if err := r.Append(protocol.CiphertextFrame{ID: id, PairID: "dm:v1:1:2"}); err != nil {
			t.Fatalf("Append(%s): %v", id, err)
		}
	}

	got := r.History()
	if len(got) != 2 || got[0].ID != "b" || got[1].ID != "c" {
		t.Fatalf("History = %+v, want last 2 appends [b c]", got)
	}
}

func TestManagerGetIsIdempotentPerPair(t *testing.T) {
	m := NewManager(nil, 200, 1)
	r1, _ := m.Get("dm:v1:1:2")
	r2, _ := m.Get("dm:v1:1:2")
	if r1 != r2 {
		t.Fatal("expected the same *Room instance for the same pairId")
	}

	other, _ := m.Get("dm:v1:3:4")
	if other == r1 {
		t.Fatal("expected a distinct *Room for a distinct pairId")
	}
}

func TestAppendPersistsAndReloads(t *testing.T) {
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	defer st.Close()

	m := NewManager(st, 200, 1)
	r, _ := m.Get("dm:v1:1:2")
	if err := r.Append(protocol.CiphertextFrame{ID: "f1", PairID: "dm:v1:1:2"}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	frames, err := st.LoadDMHistory("dm:v1:1:2")
	if err != nil || len(frames) != 1 || frames[0].ID != "f1" {
		t.Fatalf("LoadDMHistory = %+v, err %v", frames, err)
	}
}

func TestNewManagerLoadsExistingHistory(t *testing.T) {
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	defer st.Close()

	if err := st.SaveDMHistory("dm:v1:1:2", []protocol.CiphertextFrame{{ID: "prior"}}); err != nil {
		t.Fatalf("SaveDMHistory: %v", err)
	}

	m := NewManager(st, 200, 1)
	r, err := m.Get("dm:v1:1:2")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	got := r.History()
	if len(got) != 1 || got[0].ID != "prior" {
		t.Fatalf("History = %+v, want prior frame preserved", got)
	}
}
