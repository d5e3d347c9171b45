// Package dmroom implements the per-pair direct-message ciphertext log
// (C7): one room per canonical pairId, append-only, persisted, never
// interpreted. The chat room actor is the only caller — it already
// serializes all DM traffic through its own single-writer loop — but each
// Room also guards its own state with a mutex so it is safe to use from
// more than one goroutine if that assumption ever changes.
package dmroom

import (
	"fmt"
	"sync"

	"chatforge/internal/protocol"
	"chatforge/internal/store"
)

// Room is one pairId's ciphertext history.
type Room struct {
	mu     sync.Mutex
	pairID string
	frames []protocol.CiphertextFrame

	historyLimit  int
	persistEveryN int
	sinceLast     int

	store *store.Store
}

func newRoom(pairID string, st *store.Store, historyLimit, persistEveryN int) (*Room, error) {
	r := &Room{
		pairID:        pairID,
		historyLimit:  historyLimit,
		persistEveryN: persistEveryN,
		store:         st,
	}
	if st != nil {
		frames, err := st.LoadDMHistory(pairID)
		if err != nil {
			return nil, fmt.Errorf("dmroom: load history for %s: %w", pairID, err)
		}
		r.frames = frames
	}
	return r, nil
}

// History returns a copy of the pair's ciphertext history, bounded to
// historyLimit, in append order.
func (r *Room) History() []protocol.CiphertextFrame {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]protocol.CiphertextFrame, len(r.frames))
	copy(out, r.frames)
	return out
}

// Append adds frame to the pair's history, truncating to historyLimit and
// persisting every persistEveryN appends. The room never decodes
// frame.Ciphertext.
func (r *Room) Append(frame protocol.CiphertextFrame) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.frames = append(r.frames, frame)
	if r.historyLimit > 0 && len(r.frames) > r.historyLimit {
		r.frames = r.frames[len(r.frames)-r.historyLimit:]
	}

	r.sinceLast++
	if r.store == nil || r.sinceLast < r.persistEveryN {
		return nil
	}
	r.sinceLast = 0
	if err := r.store.SaveDMHistory(r.pairID, r.frames); err != nil {
		return fmt.Errorf("dmroom: persist %s: %w", r.pairID, err)
	}
	return nil
}

// Manager lazily creates and caches one Room per pairId.
type Manager struct {
	mu    sync.Mutex
	rooms map[string]*Room

	store         *store.Store
	historyLimit  int
	persistEveryN int
}

// NewManager returns an empty Manager. historyLimit and persistEveryN are
// applied to every room it creates.
func NewManager(st *store.Store, historyLimit, persistEveryN int) *Manager {
	return &Manager{
		rooms:         make(map[string]*Room),
		store:         st,
		historyLimit:  historyLimit,
		persistEveryN: persistEveryN,
	}
}

// Get returns the Room for pairID, creating and loading it from storage on
// first access.
func (m *Manager) Get(pairID string) (*Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if r, ok := m.rooms[pairID]; ok {
		return r, nil
	}
	r, err := newRoom(pairID, m.store, m.historyLimit, m.persistEveryN)
	if err != nil {
		return nil, err
	}
	m.rooms[pairID] = r
	return r, nil
}
