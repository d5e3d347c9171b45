// Package reducer implements the client's connection state machine as a
// pure function: reduce(state, event) -> (state, commands). It performs no
// I/O, reads no clock, and generates no randomness; every time-dependent
// decision takes "now" from the triggering event. pkg/runtime drives it.
package reducer

import "chatforge/internal/protocol"

// Origin distinguishes a user-initiated connect attempt from one the
// runtime scheduled on its own (reconnect), since several transitions
// only raise to the host on the user path.
type Origin string

const (
	OriginUser      Origin = "user"
	OriginReconnect Origin = "reconnect"
)

// ConnStatus is the public half of ClientConnState.
type ConnStatus string

const (
	StatusDisconnected ConnStatus = "disconnected"
	StatusConnecting   ConnStatus = "connecting"
	StatusConnected    ConnStatus = "connected"
)

// PublicState is the state the host UI actually observes.
type PublicState struct {
	SignedIn bool
	Status   ConnStatus
	User     protocol.UserIdentity
}

// CachedSession is the last session ticket the runtime obtained, kept
// around so a reconnect within its lifetime skips the exchange round trip.
type CachedSession struct {
	AccountID   string
	Token       string
	ExpiresAtMs int64
	User        protocol.UserIdentity
}

// PendingKind tags which single outstanding operation, if any, the state
// machine is waiting on.
type PendingKind string

const (
	PendingAuth            PendingKind = "auth"
	PendingConnectSession  PendingKind = "connect.session"
	PendingConnectExchange PendingKind = "connect.exchange"
	PendingConnectChannel  PendingKind = "connect.channel"
)

// Pending describes the single in-flight operation. At most one Pending is
// ever set on State; every reducer transition that starts a new one must
// have cleared the previous one first.
type Pending struct {
	Kind PendingKind

	// connect.* fields
	Origin      Origin
	Endpoint    string
	Interactive bool

	// connect.exchange / connect.channel
	AccessToken string
	Recovered   bool

	// connect.channel
	Token             string
	UsedCachedSession bool
}

// State is the reducer's entire private state. The runtime owns the single
// mutable cell; the reducer only ever returns a new value for it.
type State struct {
	Public PublicState

	AccountID     string
	HasAccountID  bool
	CachedSession *CachedSession

	ReconnectAttempt   int
	ReconnectScheduled bool

	Pending *Pending

	AuthSuppressedByUser               bool
	ClearSessionPreferenceOnNextSignIn bool
}

// New returns the initial, signed-out, disconnected state.
func New() State {
	return State{Public: PublicState{Status: StatusDisconnected}}
}

// ResultError is the error shape carried by identity/exchange/channel
// result events.
type ResultError struct {
	Type         string // e.g. "network_error", "handshake_http_error", "invalid"
	Status       int    // HTTP status, when Type == "handshake_http_error"
	RetryAfterMs int64
	Body         string // raw response body, for best-effort 429 classification
}

// Event is a tagged union over every input the reducer accepts. Exactly one
// group of fields is meaningful per Type; the zero value of the others is
// ignored.
type Event struct {
	Type string

	// ui.connect
	Origin      Origin
	Endpoint    string
	Interactive bool

	// identity.result / exchange.result / channel.open.result
	OK    bool
	NowMs int64

	IdentitySession *IdentitySession
	Session         *CachedSession
	Err             *ResultError

	// channel.closed
	AutoReconnectEnabled bool

	// channel.welcome
	User protocol.UserIdentity

	// timer.reconnect.fired
	TimerEndpoint string
}

// IdentitySession is what the identity-provider adapter returns on
// identity.result: ok.
type IdentitySession struct {
	AccountID   string
	AccessToken string
}

// Event type tags.
const (
	EventAuthRefresh         = "auth.refresh"
	EventUISignIn            = "ui.signIn"
	EventUISignOut           = "ui.signOut"
	EventUIConnect           = "ui.connect"
	EventUIDisconnect        = "ui.disconnect"
	EventIdentityResult      = "identity.result"
	EventExchangeResult      = "exchange.result"
	EventChannelOpenResult   = "channel.open.result"
	EventChannelClosed       = "channel.closed"
	EventChannelWelcome      = "channel.welcome"
	EventTimerReconnectFired = "timer.reconnect.fired"
)

// Command is a tagged union of side effects the runtime must perform, in
// the order they appear in the returned slice.
type Command struct {
	Type string

	// get-identity
	Interactive bool
	ClearPref   bool

	// exchange / channel.open
	Endpoint    string
	AccessToken string
	Token       string

	// channel.close
	Code   int
	Reason string

	// reconnect.schedule
	DelayMs int64

	// telemetry
	TelemetryEvent   string
	TelemetryAttempt int

	// raise
	RaiseMessage string
}

// Command type tags.
const (
	CmdGetIdentity       = "get-identity"
	CmdExchange          = "exchange"
	CmdChannelOpen       = "channel.open"
	CmdChannelClose      = "channel.close"
	CmdReconnectCancel   = "reconnect.cancel"
	CmdReconnectSchedule = "reconnect.schedule"
	CmdTelemetry         = "telemetry"
	CmdRaise             = "raise"
)

// cachedSessionSkewMs is the lead time before expiry at which a cached
// session is treated as no longer reusable.
const cachedSessionSkewMs = 30_000

// maxBackoffMs and baseBackoffMs parameterize localBackoff.
const (
	maxBackoffMs  = 30_000
	baseBackoffMs = 500
)

// localBackoff returns the deterministic reconnect delay for the given
// attempt count: min(30000, 500 * 2^min(attempt,6)).
func localBackoff(attempt int) int64 {
	if attempt < 0 {
		attempt = 0
	}
	if attempt > 6 {
		attempt = 6
	}
	delay := int64(baseBackoffMs) << uint(attempt)
	if delay > maxBackoffMs {
		delay = maxBackoffMs
	}
	return delay
}

// Reduce is the pure transition function. It never mutates state in place;
// it returns the next state by value plus the commands the runtime must
// execute, in order.
func Reduce(state State, event Event) (State, []Command) {
	switch event.Type {
	case EventAuthRefresh:
		return reduceAuthRefresh(state)
	case EventUISignIn:
		return reduceUISignIn(state)
	case EventUISignOut:
		return reduceUISignOut(state)
	case EventUIConnect:
		return reduceUIConnect(state, event)
	case EventUIDisconnect:
		return reduceUIDisconnect(state)
	case EventIdentityResult:
		return reduceIdentityResult(state, event)
	case EventExchangeResult:
		return reduceExchangeResult(state, event)
	case EventChannelOpenResult:
		return reduceChannelOpenResult(state, event)
	case EventChannelClosed:
		return reduceChannelClosed(state, event)
	case EventChannelWelcome:
		return reduceChannelWelcome(state, event)
	case EventTimerReconnectFired:
		return reduceTimerReconnectFired(state, event)
	default:
		return state, nil
	}
}

func reduceAuthRefresh(state State) (State, []Command) {
	if state.AuthSuppressedByUser {
		state.Public.SignedIn = false
		state.Public.Status = StatusDisconnected
		state.Pending = nil
		return state, []Command{{Type: CmdChannelClose, Code: 1000, Reason: "auth_suppressed"}}
	}
	state.Pending = &Pending{Kind: PendingAuth, Interactive: false}
	return state, []Command{{Type: CmdGetIdentity, Interactive: false}}
}

func reduceUISignIn(state State) (State, []Command) {
	clearPref := state.ClearSessionPreferenceOnNextSignIn
	state.ClearSessionPreferenceOnNextSignIn = false
	state.AuthSuppressedByUser = false
	state.Pending = &Pending{Kind: PendingAuth, Interactive: true}
	return state, []Command{{Type: CmdGetIdentity, Interactive: true, ClearPref: clearPref}}
}

func reduceUISignOut(state State) (State, []Command) {
	state.AuthSuppressedByUser = true
	state.Public.SignedIn = false
	state.Public.Status = StatusDisconnected
	state.Pending = nil
	state.CachedSession = nil
	state.HasAccountID = false
	state.AccountID = ""
	return state, []Command{
		{Type: CmdReconnectCancel},
		{Type: CmdChannelClose, Code: 1000, Reason: "sign_out"},
	}
}

func reduceUIConnect(state State, event Event) (State, []Command) {
	if !event.Interactive && state.AuthSuppressedByUser {
		return state, nil
	}
	state.Pending = &Pending{Kind: PendingConnectSession, Origin: event.Origin, Endpoint: event.Endpoint, Interactive: event.Interactive}
	if event.Interactive && state.Public.Status != StatusConnecting {
		state.Public.Status = StatusConnecting
	}
	return state, []Command{
		{Type: CmdReconnectCancel},
		{Type: CmdGetIdentity, Interactive: event.Interactive},
	}
}

func reduceUIDisconnect(state State) (State, []Command) {
	state.Public.Status = StatusDisconnected
	state.Pending = nil
	return state, []Command{
		{Type: CmdReconnectCancel},
		{Type: CmdChannelClose, Code: 1000, Reason: "client_disconnect"},
	}
}

func reduceIdentityResult(state State, event Event) (State, []Command) {
	if state.Pending == nil {
		return state, nil
	}

	switch state.Pending.Kind {
	case PendingAuth:
		interactive := state.Pending.Interactive
		if !event.OK {
			state.Public.SignedIn = false
			state.Pending = nil
			if interactive {
				return state, []Command{raiseFrom(event.Err)}
			}
			return state, nil
		}
		newAccountID := event.IdentitySession.AccountID
		changed := state.HasAccountID && state.AccountID != newAccountID
		state.AccountID = newAccountID
		state.HasAccountID = true
		state.Public.SignedIn = true
		state.Pending = nil
		if changed {
			state.CachedSession = nil
			state.Public.Status = StatusDisconnected
			return state, []Command{{Type: CmdChannelClose, Code: 1000, Reason: "account_changed"}}
		}
		return state, nil

	case PendingConnectSession:
		origin := state.Pending.Origin
		endpoint := state.Pending.Endpoint
		if !event.OK {
			state.Public.Status = StatusDisconnected
			state.Pending = nil
			cmds := []Command{
				{Type: CmdReconnectCancel},
				{Type: CmdChannelClose, Code: 1000, Reason: "auth_failed"},
			}
			if origin == OriginUser {
				cmds = append(cmds, raiseFrom(event.Err))
			}
			return state, cmds
		}

		newAccountID := event.IdentitySession.AccountID
		if state.HasAccountID && state.AccountID != newAccountID {
			state.CachedSession = nil
		}
		state.AccountID = newAccountID
		state.HasAccountID = true
		state.Public.SignedIn = true
		state.Public.Status = StatusConnecting

		if state.CachedSession != nil && state.CachedSession.AccountID == newAccountID &&
			state.CachedSession.ExpiresAtMs-cachedSessionSkewMs > event.NowMs {
			state.Pending = &Pending{
				Kind:              PendingConnectChannel,
				Origin:            origin,
				Endpoint:          endpoint,
				AccessToken:       event.IdentitySession.AccessToken,
				Token:             state.CachedSession.Token,
				UsedCachedSession: true,
				Recovered:         false,
			}
			return state, []Command{{Type: CmdChannelOpen, Endpoint: endpoint, Token: state.CachedSession.Token}}
		}

		state.Pending = &Pending{Kind: PendingConnectExchange, Origin: origin, Endpoint: endpoint, AccessToken: event.IdentitySession.AccessToken}
		return state, []Command{{Type: CmdExchange, Endpoint: endpoint, AccessToken: event.IdentitySession.AccessToken}}

	default:
		return state, nil
	}
}

func reduceExchangeResult(state State, event Event) (State, []Command) {
	if state.Pending == nil || state.Pending.Kind != PendingConnectExchange {
		return state, nil
	}
	origin := state.Pending.Origin
	endpoint := state.Pending.Endpoint

	if event.OK {
		state.CachedSession = event.Session
		state.Pending = &Pending{Kind: PendingConnectChannel, Origin: origin, Endpoint: endpoint, AccessToken: state.Pending.AccessToken, Token: event.Session.Token, UsedCachedSession: false}
		return state, []Command{
			{Type: CmdChannelOpen, Endpoint: endpoint, Token: event.Session.Token},
			{Type: CmdTelemetry, TelemetryEvent: "auth.exchange.success"},
		}
	}

	if event.Err != nil && event.Err.Type == "handshake_http_error" && (event.Err.Status == 401 || event.Err.Status == 403) {
		state.Public.SignedIn = false
		state.CachedSession = nil
		state.HasAccountID = false
		state.AccountID = ""
		state.Pending = nil
		return state, []Command{{Type: CmdTelemetry, TelemetryEvent: "auth.exchange.rejected"}}
	}

	state.Public.Status = StatusDisconnected
	state.Pending = nil
	cmds := []Command{{Type: CmdTelemetry, TelemetryEvent: "auth.exchange.failed"}}
	if origin == OriginUser {
		cmds = append(cmds, raiseFrom(event.Err))
	}
	return state, cmds
}

func reduceChannelOpenResult(state State, event Event) (State, []Command) {
	if state.Pending == nil || state.Pending.Kind != PendingConnectChannel {
		return state, nil
	}
	pending := *state.Pending
	origin := pending.Origin

	if event.OK {
		state.Public.Status = StatusConnected
		state.Pending = nil
		state.ReconnectAttempt = 0
		return state, []Command{{Type: CmdTelemetry, TelemetryEvent: "ws.connect.success"}}
	}

	isHTTPErr := event.Err != nil && event.Err.Type == "handshake_http_error"

	if isHTTPErr && event.Err.Status == 401 && pending.UsedCachedSession && !pending.Recovered {
		state.CachedSession = nil
		state.Pending = &Pending{Kind: PendingConnectExchange, Origin: origin, Endpoint: pending.Endpoint, AccessToken: pending.AccessToken, Recovered: true}
		return state, []Command{{Type: CmdExchange, Endpoint: pending.Endpoint, AccessToken: pending.AccessToken}}
	}

	if isHTTPErr && event.Err.Status == 429 {
		class := classify429(event.Err)
		retryAfterMs := event.Err.RetryAfterMs

		if origin == OriginReconnect && class == classRateLimited {
			attempt := state.ReconnectAttempt
			delay := localBackoff(attempt)
			if retryAfterMs > delay {
				delay = retryAfterMs
			}
			state.ReconnectAttempt++
			state.ReconnectScheduled = true
			state.Public.Status = StatusDisconnected
			state.Pending = nil
			return state, []Command{
				{Type: CmdReconnectSchedule, DelayMs: delay},
				{Type: CmdTelemetry, TelemetryEvent: "handshake_http_error"},
				{Type: CmdTelemetry, TelemetryEvent: "reconnect_scheduled", TelemetryAttempt: attempt, DelayMs: delay},
			}
		}

		if origin == OriginReconnect {
			state.ReconnectScheduled = true
			state.Public.Status = StatusDisconnected
			state.Pending = nil
			return state, []Command{{Type: CmdTelemetry, TelemetryEvent: "handshake_http_error"}}
		}

		state.Public.Status = StatusDisconnected
		state.Pending = nil
		return state, []Command{raiseFrom429(class, retryAfterMs)}
	}

	state.Public.Status = StatusDisconnected
	state.Pending = nil
	cmds := []Command{{Type: CmdTelemetry, TelemetryEvent: "handshake_error"}}
	if origin == OriginUser {
		cmds = append(cmds, raiseFrom(event.Err))
	}
	return state, cmds
}

func reduceChannelClosed(state State, event Event) (State, []Command) {
	state.Public.Status = StatusDisconnected
	if state.Public.SignedIn && event.AutoReconnectEnabled && !state.ReconnectScheduled {
		attempt := state.ReconnectAttempt
		delay := localBackoff(attempt)
		state.ReconnectAttempt++
		state.ReconnectScheduled = true
		return state, []Command{
			{Type: CmdReconnectSchedule, DelayMs: delay},
			{Type: CmdTelemetry, TelemetryEvent: "reconnect_scheduled", TelemetryAttempt: attempt, DelayMs: delay},
		}
	}
	return state, nil
}

func reduceChannelWelcome(state State, event Event) (State, []Command) {
	if state.CachedSession != nil {
		state.CachedSession.User = event.User
	}
	state.Public.User = event.User
	return state, nil
}

func reduceTimerReconnectFired(state State, event Event) (State, []Command) {
	state.ReconnectScheduled = false
	next, cmds := reduceUIConnect(state, Event{Type: EventUIConnect, Origin: OriginReconnect, Endpoint: event.TimerEndpoint, Interactive: false})
	return next, cmds
}

func raiseFrom(err *ResultError) Command {
	if err == nil {
		return Command{Type: CmdRaise, RaiseMessage: "unknown error"}
	}
	return Command{Type: CmdRaise, RaiseMessage: err.Type}
}

// class429 tags the result of classifying a 429 handshake rejection.
type class429 string

const (
	classRateLimited        class429 = protocol.HandshakeRateLimited
	classRoomFull           class429 = protocol.HandshakeRoomFull
	classTooManyConnections class429 = protocol.HandshakeTooManyConnections
	classUnknown            class429 = "unknown"
)

// classify429 implements the reconnect policy's classification rules in
// order: a recognized structured body code wins; otherwise a present
// retryAfterMs implies rate limiting; otherwise fall back to best-effort
// substring matching against the raw body text.
func classify429(err *ResultError) class429 {
	switch bodyCode(err.Body) {
	case protocol.HandshakeRateLimited:
		return classRateLimited
	case protocol.HandshakeRoomFull:
		return classRoomFull
	case protocol.HandshakeTooManyConnections:
		return classTooManyConnections
	}
	if err.RetryAfterMs > 0 {
		return classRateLimited
	}
	return classifyBodyText(err.Body)
}

func raiseFrom429(class class429, retryAfterMs int64) Command {
	return Command{Type: CmdRaise, RaiseMessage: string(class), DelayMs: retryAfterMs}
}
