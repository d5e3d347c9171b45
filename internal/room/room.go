// Package room implements the shared chat room actor (C6): a single-writer
// owner of history, presence, per-user rate limits, and the moderator
// denylist. All mutating operations funnel through one goroutine's command
// queue, the idiomatic Go analogue of a mutex-guarded Room generalized to
// an actor loop; the handful of read-mostly accessors below still use a
// plain RWMutex, taking its read lock so they can run concurrently with
// each other.
package room

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"chatforge/internal/dmroom"
	"chatforge/internal/protocol"
	"chatforge/internal/ratelimit"
	"chatforge/internal/store"
)

type socketEntry struct {
	sock    Socket
	strikes int
}

// Room is the single shared chat room.
type Room struct {
	cfg   Config
	store *store.Store
	dms   *dmroom.Manager

	inbox chan func()

	mu      sync.RWMutex
	sockets map[uint64]*socketEntry
	history []protocol.PlainFrame

	appendsSincePersist int
	nextSocketID        uint64

	roomDenylist map[string]struct{}
	dmIdentities map[string]protocol.PublicIdentity

	rateLimiter *ratelimit.Store

	presenceMu    sync.Mutex
	presenceTimer *time.Timer
}

// New constructs a Room, loading persisted history, the room denylist, and
// published DM identities. Run must be called to start processing.
func New(st *store.Store, dms *dmroom.Manager, cfg Config) (*Room, error) {
	r := &Room{
		cfg:          cfg,
		store:        st,
		dms:          dms,
		inbox:        make(chan func(), 64),
		sockets:      make(map[uint64]*socketEntry),
		roomDenylist: make(map[string]struct{}),
		dmIdentities: make(map[string]protocol.PublicIdentity),
		rateLimiter:  ratelimit.NewStore(),
	}

	if st != nil {
		history, err := st.LoadRoomHistory()
		if err != nil {
			return nil, fmt.Errorf("room: load history: %w", err)
		}
		r.history = history

		denylist, err := st.LoadRoomDenylist()
		if err != nil {
			return nil, fmt.Errorf("room: load denylist: %w", err)
		}
		for _, id := range denylist {
			r.roomDenylist[id] = struct{}{}
		}

		identities, err := st.LoadDMIdentities()
		if err != nil {
			return nil, fmt.Errorf("room: load dm identities: %w", err)
		}
		r.dmIdentities = identities
	}

	return r, nil
}

// Run processes the command queue until ctx is cancelled.
func (r *Room) Run(ctx context.Context) {
	for {
		select {
		case fn := <-r.inbox:
			fn()
		case <-ctx.Done():
			return
		}
	}
}

// do enqueues fn on the actor's single-writer queue and blocks until it has
// run, giving callers synchronous request/response semantics while keeping
// all mutation serialized through one goroutine.
func (r *Room) do(fn func()) {
	done := make(chan struct{})
	r.inbox <- func() {
		fn()
		close(done)
	}
	<-done
}

// Config returns the room's configuration, for callers (the handshake
// pipeline) that need its connection-cap limits.
func (r *Room) Config() Config {
	return r.cfg
}

// ConnectionCount returns the number of currently accepted sockets.
func (r *Room) ConnectionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sockets)
}

// ConnectionCountForUser returns the number of currently accepted sockets
// belonging to accountID.
func (r *Room) ConnectionCountForUser(accountID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, e := range r.sockets {
		if e.sock.User().AccountID == accountID {
			n++
		}
	}
	return n
}

// IsDenylisted reports whether accountID is on the room denylist (moderator
// action) or the operator denylist (config).
func (r *Room) IsDenylisted(accountID string) bool {
	if _, ok := r.cfg.OperatorDenyAccountIDs[accountID]; ok {
		return true
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.roomDenylist[accountID]
	return ok
}

// History returns a copy of the current shared history.
func (r *Room) History() []protocol.PlainFrame {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]protocol.PlainFrame, len(r.history))
	copy(out, r.history)
	return out
}

// Join accepts sock into the room: it assigns a socket id, builds the
// welcome frame (with the current history snapshot) and returns it for the
// caller to send, and schedules a debounced presence broadcast. Join does
// not send welcome itself. If user is a moderator, Join sends
// moderation.snapshot on sock directly, so that frame goes out before the
// caller's welcome.
func (r *Room) Join(sock Socket) (id uint64, welcome protocol.ServerFrame, err error) {
	r.do(func() {
		r.nextSocketID++
		id = r.nextSocketID

		r.mu.Lock()
		r.sockets[id] = &socketEntry{sock: sock}
		r.mu.Unlock()

		user := sock.User()
		welcome = protocol.ServerFrame{
			Version:    protocol.Version,
			Type:       protocol.TypeWelcome,
			User:       &user,
			ServerTime: time.Now().UnixMilli(),
			History:    r.History(),
		}

		if user.HasRole(protocol.RoleModerator) {
			_ = sock.Send(r.buildModerationSnapshot())
		}

		r.schedulePresenceBroadcast()
	})
	return id, welcome, nil
}

// Leave removes id from the room and schedules a debounced presence
// broadcast.
func (r *Room) Leave(id uint64) {
	r.do(func() {
		r.mu.Lock()
		delete(r.sockets, id)
		r.mu.Unlock()
		r.schedulePresenceBroadcast()
	})
}

// HandleFrame parses and dispatches one inbound client frame. Parse,
// schema-validation, and domain-level failures (self-DM, pair/recipient
// mismatch, self-moderation) all increment the socket's
// consecutive-invalid-payload strike counter and are always answered with
// an error frame; after MaxConsecutiveInvalidPayloads strikes the socket is
// closed with 1008. A frame that dispatches without triggering a strike
// resets the counter.
func (r *Room) HandleFrame(id uint64, raw []byte) {
	r.do(func() {
		entry, ok := r.sockets[id]
		if !ok {
			return
		}

		var f protocol.ClientFrame
		if err := json.Unmarshal(raw, &f); err != nil {
			r.strike(id, entry, "malformed json")
			return
		}
		if err := protocol.ValidateClientFrame(f); err != nil {
			r.strike(id, entry, err.Error())
			return
		}
		before := entry.strikes
		r.dispatch(id, entry, f)
		if entry.strikes == before {
			entry.strikes = 0
		}
	})
}

func (r *Room) strike(id uint64, entry *socketEntry, reason string) {
	_ = entry.sock.Send(protocol.ServerFrame{
		Version: protocol.Version,
		Type:    protocol.TypeError,
		Code:    protocol.ErrInvalidPayload,
	})
	entry.strikes++
	if entry.strikes >= r.cfg.MaxConsecutiveInvalidPayloads {
		entry.sock.Close(1008, "too many invalid payloads")
		r.mu.Lock()
		delete(r.sockets, id)
		r.mu.Unlock()
	}
}

func (r *Room) dispatch(id uint64, entry *socketEntry, f protocol.ClientFrame) {
	switch f.Type {
	case protocol.TypeHello:
		// no-op past the initial join handshake
	case protocol.TypeMessageSend:
		r.handleMessageSend(entry, f)
	case protocol.TypeDMIdentityPublish:
		r.handleDMIdentityPublish(entry, f)
	case protocol.TypeDMOpen:
		r.handleDMOpen(id, entry, f)
	case protocol.TypeDMMessageSend:
		r.handleDMMessageSend(id, entry, f)
	case protocol.TypeModerationUserDeny:
		r.handleModerationDeny(id, entry, f)
	case protocol.TypeModerationUserAllow:
		r.handleModerationAllow(id, entry, f)
	}
}

func (r *Room) handleMessageSend(entry *socketEntry, f protocol.ClientFrame) {
	sender := entry.sock.User()
	now := time.Now()
	res := r.rateLimiter.Check("msg:"+sender.AccountID, now.UnixMilli(), r.cfg.MessageRateWindowMs, r.cfg.MessageRateMaxCount, r.cfg.MaxTrackedRateLimitKeys)
	if !res.Allowed {
		_ = entry.sock.Send(protocol.ServerFrame{
			Version:         protocol.Version,
			Type:            protocol.TypeError,
			Code:            protocol.ErrRateLimited,
			RetryAfterMs:    res.RetryAfterMs,
			ClientMessageID: f.ClientMessageID,
		})
		return
	}

	pf := protocol.PlainFrame{
		ID:        uuid.NewString(),
		User:      sender,
		Text:      f.Text,
		CreatedAt: now.UTC().Format(time.RFC3339),
	}
	r.appendHistory(pf)

	r.broadcastAll(protocol.ServerFrame{Version: protocol.Version, Type: protocol.TypeMessageNew, Message: &pf})
	if f.ClientMessageID != "" {
		_ = entry.sock.Send(protocol.ServerFrame{
			Version:         protocol.Version,
			Type:            protocol.TypeMessageNew,
			Message:         &pf,
			ClientMessageID: f.ClientMessageID,
		})
	}
}

func (r *Room) appendHistory(pf protocol.PlainFrame) {
	r.mu.Lock()
	r.history = append(r.history, pf)
	if r.cfg.HistoryLimit > 0 && len(r.history) > r.cfg.HistoryLimit {
		r.history = r.history[len(r.history)-r.cfg.HistoryLimit:]
	}
	snapshot := make([]protocol.PlainFrame, len(r.history))
	copy(snapshot, r.history)
	r.appendsSincePersist++
	shouldPersist := r.store != nil && r.appendsSincePersist >= r.cfg.PersistEveryN
	if shouldPersist {
		r.appendsSincePersist = 0
	}
	r.mu.Unlock()

	if shouldPersist {
		_ = r.store.SaveRoomHistory(snapshot)
	}
}

func (r *Room) handleDMIdentityPublish(entry *socketEntry, f protocol.ClientFrame) {
	accountID := entry.sock.User().AccountID
	r.mu.Lock()
	r.dmIdentities[accountID] = *f.Identity
	r.mu.Unlock()
	if r.store != nil {
		_ = r.store.SaveDMIdentity(accountID, *f.Identity)
	}
}

func (r *Room) handleDMOpen(id uint64, entry *socketEntry, f protocol.ClientFrame) {
	self := entry.sock.User()
	if f.TargetAccountID == self.AccountID {
		r.strike(id, entry, "dm.open: self-dm")
		return
	}
	pairID, err := protocol.PairID(self.AccountID, f.TargetAccountID)
	if err != nil {
		r.strike(id, entry, "dm.open: invalid pair")
		return
	}
	dmRoom, err := r.dms.Get(pairID)
	if err != nil {
		_ = entry.sock.Send(protocol.ServerFrame{Version: protocol.Version, Type: protocol.TypeError, Code: protocol.ErrServerError})
		return
	}

	r.mu.RLock()
	peerIdentity, hasPeerIdentity := r.dmIdentities[f.TargetAccountID]
	r.mu.RUnlock()

	frame := protocol.ServerFrame{
		Version:       protocol.Version,
		Type:          protocol.TypeDMWelcome,
		PairID:        pairID,
		PeerAccountID: f.TargetAccountID,
		DMHistory:     dmRoom.History(),
	}
	if hasPeerIdentity {
		frame.PeerIdentity = &peerIdentity
	}
	_ = entry.sock.Send(frame)
}

func (r *Room) handleDMMessageSend(id uint64, entry *socketEntry, f protocol.ClientFrame) {
	self := entry.sock.User()
	now := time.Now()
	res := r.rateLimiter.Check("msg:"+self.AccountID, now.UnixMilli(), r.cfg.MessageRateWindowMs, r.cfg.MessageRateMaxCount, r.cfg.MaxTrackedRateLimitKeys)
	if !res.Allowed {
		_ = entry.sock.Send(protocol.ServerFrame{
			Version:      protocol.Version,
			Type:         protocol.TypeError,
			Code:         protocol.ErrRateLimited,
			RetryAfterMs: res.RetryAfterMs,
		})
		return
	}

	lo, hi, ok := protocol.ParsePairID(f.PairID)
	if !ok {
		r.strike(id, entry, "dm.message.send: malformed pairId")
		return
	}
	var peer string
	switch self.AccountID {
	case lo:
		peer = hi
	case hi:
		peer = lo
	default:
		_ = entry.sock.Send(protocol.ServerFrame{Version: protocol.Version, Type: protocol.TypeError, Code: protocol.ErrForbidden})
		return
	}
	if f.RecipientAccountID != peer {
		r.strike(id, entry, "dm.message.send: recipient mismatch")
		return
	}

	dmRoom, err := r.dms.Get(f.PairID)
	if err != nil {
		_ = entry.sock.Send(protocol.ServerFrame{Version: protocol.Version, Type: protocol.TypeError, Code: protocol.ErrServerError})
		return
	}

	frame := protocol.CiphertextFrame{
		ID:                 uuid.NewString(),
		PairID:             f.PairID,
		Sender:             self,
		RecipientAccountID: f.RecipientAccountID,
		SenderIdentity:     *f.SenderIdentity,
		RecipientIdentity:  *f.RecipientIdentity,
		Nonce:              f.Nonce,
		Ciphertext:         f.Ciphertext,
		CreatedAt:          now.UTC().Format(time.RFC3339),
	}
	if err := dmRoom.Append(frame); err != nil {
		_ = entry.sock.Send(protocol.ServerFrame{Version: protocol.Version, Type: protocol.TypeError, Code: protocol.ErrServerError})
		return
	}

	r.sendToAccounts(map[string]struct{}{self.AccountID: {}, peer: {}},
		protocol.ServerFrame{Version: protocol.Version, Type: protocol.TypeDMMessageNew, DMMessage: &frame})
}

func (r *Room) handleModerationDeny(id uint64, entry *socketEntry, f protocol.ClientFrame) {
	actor := entry.sock.User()
	if !actor.HasRole(protocol.RoleModerator) {
		_ = entry.sock.Send(protocol.ServerFrame{Version: protocol.Version, Type: protocol.TypeError, Code: protocol.ErrForbidden})
		return
	}
	if f.TargetAccountID == actor.AccountID {
		r.strike(id, entry, "moderation.user.deny: self-target")
		return
	}

	r.mu.Lock()
	r.roomDenylist[f.TargetAccountID] = struct{}{}
	var targetSockets []Socket
	for id, e := range r.sockets {
		if e.sock.User().AccountID == f.TargetAccountID {
			targetSockets = append(targetSockets, e.sock)
			delete(r.sockets, id)
		}
	}
	r.mu.Unlock()

	if r.store != nil {
		_ = r.store.AddToRoomDenylist(f.TargetAccountID)
	}

	for _, sock := range targetSockets {
		_ = sock.Send(protocol.ServerFrame{Version: protocol.Version, Type: protocol.TypeError, Code: protocol.ErrForbidden})
		sock.Close(1008, "banned")
	}

	r.sendToModerators(protocol.ServerFrame{
		Version: protocol.Version, Type: protocol.TypeModerationUserDenied,
		Actor: actor.AccountID, Target: f.TargetAccountID,
	})
	r.schedulePresenceBroadcast()
}

func (r *Room) handleModerationAllow(id uint64, entry *socketEntry, f protocol.ClientFrame) {
	actor := entry.sock.User()
	if !actor.HasRole(protocol.RoleModerator) {
		_ = entry.sock.Send(protocol.ServerFrame{Version: protocol.Version, Type: protocol.TypeError, Code: protocol.ErrForbidden})
		return
	}
	if f.TargetAccountID == actor.AccountID {
		r.strike(id, entry, "moderation.user.allow: self-target")
		return
	}
	if _, operatorDenied := r.cfg.OperatorDenyAccountIDs[f.TargetAccountID]; operatorDenied {
		_ = entry.sock.Send(protocol.ServerFrame{
			Version: protocol.Version, Type: protocol.TypeError, Code: protocol.ErrForbidden,
			ErrMessage: "operator deny cannot be overridden",
		})
		return
	}

	r.mu.Lock()
	delete(r.roomDenylist, f.TargetAccountID)
	r.mu.Unlock()

	if r.store != nil {
		_ = r.store.RemoveFromRoomDenylist(f.TargetAccountID)
	}

	r.sendToModerators(protocol.ServerFrame{
		Version: protocol.Version, Type: protocol.TypeModerationUserAllowed,
		Actor: actor.AccountID, Target: f.TargetAccountID,
	})
}

func (r *Room) buildModerationSnapshot() protocol.ServerFrame {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.roomDenylist))
	for id := range r.roomDenylist {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return protocol.ServerFrame{Version: protocol.Version, Type: protocol.TypeModerationSnapshot, Denylist: ids}
}

func (r *Room) broadcastAll(frame protocol.ServerFrame) {
	r.mu.RLock()
	targets := make([]Socket, 0, len(r.sockets))
	for _, e := range r.sockets {
		targets = append(targets, e.sock)
	}
	r.mu.RUnlock()

	for _, sock := range targets {
		_ = sock.Send(frame)
	}
}

func (r *Room) sendToAccounts(accountIDs map[string]struct{}, frame protocol.ServerFrame) {
	r.mu.RLock()
	var targets []Socket
	for _, e := range r.sockets {
		if _, ok := accountIDs[e.sock.User().AccountID]; ok {
			targets = append(targets, e.sock)
		}
	}
	r.mu.RUnlock()

	for _, sock := range targets {
		_ = sock.Send(frame)
	}
}

func (r *Room) sendToModerators(frame protocol.ServerFrame) {
	r.mu.RLock()
	var targets []Socket
	for _, e := range r.sockets {
		if e.sock.User().HasRole(protocol.RoleModerator) {
			targets = append(targets, e.sock)
		}
	}
	r.mu.RUnlock()

	for _, sock := range targets {
		_ = sock.Send(frame)
	}
}

// presenceDebounce is the coalescing window for presence broadcasts
// triggered by rapid joins/leaves (e.g. a reconnect storm).
const presenceDebounce = 100 * time.Millisecond

// schedulePresenceBroadcast must be called with the actor goroutine's
// exclusivity already held (i.e. from within do()); it resets a shared
// timer so bursts of joins/leaves coalesce into one broadcast.
func (r *Room) schedulePresenceBroadcast() {
	r.presenceMu.Lock()
	defer r.presenceMu.Unlock()

	if r.presenceTimer != nil {
		r.presenceTimer.Stop()
	}
	r.presenceTimer = time.AfterFunc(presenceDebounce, func() {
		r.do(func() {
			r.broadcastAll(r.buildPresenceSnapshot())
		})
	})
}

// buildPresenceSnapshot builds the presence frame: group by accountId, sum
// connections, sort ascending by (login, accountId) for determinism.
func (r *Room) buildPresenceSnapshot() protocol.ServerFrame {
	r.mu.RLock()
	type agg struct {
		login       string
		connections int
	}
	byAccount := make(map[string]*agg)
	for _, e := range r.sockets {
		u := e.sock.User()
		a, ok := byAccount[u.AccountID]
		if !ok {
			a = &agg{login: u.Login}
			byAccount[u.AccountID] = a
		}
		a.connections++
	}
	r.mu.RUnlock()

	entries := make([]protocol.PresenceEntry, 0, len(byAccount))
	for accountID, a := range byAccount {
		entries = append(entries, protocol.PresenceEntry{AccountID: accountID, Login: a.login, Connections: a.connections})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Login != entries[j].Login {
			return entries[i].Login < entries[j].Login
		}
		return entries[i].AccountID < entries[j].AccountID
	})
	return protocol.ServerFrame{Version: protocol.Version, Type: protocol.TypePresence, Presence: entries}
}
