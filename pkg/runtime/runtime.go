// Package runtime is the client effects runtime (C9): it owns the single
// mutable ClientConnState cell and the current channel, serializes reducer
// application through one goroutine, and executes the commands each
// reducer step returns. Every external event (a UI intent, a timer firing,
// a channel event) is funneled through a single queue so that a reducer
// call and the execution of its commands always complete before the next
// event is processed — the explicit-FIFO-queue pattern Design Note §9
// calls for in place of relying on microtask ordering.
package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"chatforge/internal/protocol"
	"chatforge/pkg/reducer"
)

// IdentityAdapter resolves the host identity provider flow. The real OAuth
// dance (and any interactive sign-in UI) is the externally supplied host
// shell's job; the runtime only needs the outcome.
type IdentityAdapter interface {
	// GetIdentity asks the host to produce a fresh identity-provider access
	// token, prompting the user interactively if interactive is true and
	// clearing any remembered session preference first if clearPref is true.
	GetIdentity(ctx context.Context, interactive, clearPref bool) (accountID, accessToken string, err error)
}

// Telemetry receives fire-and-forget telemetry events. The real transport
// (an HTTP POST to /telemetry) is a thin collaborator.
type Telemetry interface {
	Emit(event string, attrs map[string]any)
}

// NopTelemetry discards every event.
type NopTelemetry struct{}

// Emit implements Telemetry.
func (NopTelemetry) Emit(string, map[string]any) {}

// Host receives user-visible errors raised by the reducer's "raise" command.
type Host interface {
	Raise(message string)
}

// HostFunc adapts a plain function to Host.
type HostFunc func(message string)

// Raise implements Host.
func (f HostFunc) Raise(message string) { f(message) }

// MessageHandler receives inbound server frames once a channel is open, for
// the caller (the headless demo harness, or a real host UI) to render. A
// frame is passed on as soon as it decodes as JSON into a ServerFrame; its
// version, type and fields are not checked against the wire schema.
type MessageHandler func(frame protocol.ServerFrame)

// Runtime drives pkg/reducer against a real identity provider, session
// exchange HTTP endpoint, and WebSocket channel.
type Runtime struct {
	identity  IdentityAdapter
	telemetry Telemetry
	host      Host
	onMessage MessageHandler

	httpClient *http.Client

	events chan reducer.Event
	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	state        reducer.State
	lastEndpoint string

	chMu           sync.Mutex
	ch             *channel
	reconnectTimer *time.Timer
}

// Option configures a Runtime at construction.
type Option func(*Runtime)

// WithTelemetry overrides the default no-op telemetry sink.
func WithTelemetry(t Telemetry) Option { return func(r *Runtime) { r.telemetry = t } }

// WithHost overrides the default no-op host error sink.
func WithHost(h Host) Option { return func(r *Runtime) { r.host = h } }

// WithMessageHandler registers the callback invoked for every inbound server
// frame that decodes as JSON once a channel is open.
func WithMessageHandler(fn MessageHandler) Option {
	return func(r *Runtime) { r.onMessage = fn }
}

// WithHTTPClient overrides the default HTTP client used for exchange
// commands. get-identity goes through the IdentityAdapter instead.
func WithHTTPClient(c *http.Client) Option { return func(r *Runtime) { r.httpClient = c } }

// New constructs a Runtime bound to identity and starts its event loop.
// Callers must call Close when done.
func New(identity IdentityAdapter, opts ...Option) *Runtime {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Runtime{
		identity:   identity,
		telemetry:  NopTelemetry{},
		host:       HostFunc(func(string) {}),
		httpClient: &http.Client{Timeout: 10 * time.Second},
		events:     make(chan reducer.Event, 32),
		ctx:        ctx,
		cancel:     cancel,
		state:      reducer.New(),
	}
	go r.loop()
	return r
}

// State returns a snapshot of the public connection state.
func (r *Runtime) State() reducer.PublicState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.Public
}

// Close stops the event loop, cancels any pending reconnect timer, and
// closes the current channel without triggering auto-reconnect.
func (r *Runtime) Close() {
	r.cancel()
	r.cancelReconnectTimer()
	r.closeChannel(1000, "runtime_closed")
}

// Dispatch enqueues an external event (a UI intent or a timer firing) for
// serialized processing. It never blocks the caller past the channel send.
func (r *Runtime) Dispatch(event reducer.Event) {
	select {
	case r.events <- event:
	case <-r.ctx.Done():
	}
}

// SignIn, SignOut, Connect, and Disconnect are convenience wrappers around
// Dispatch for the corresponding ui.* events.
func (r *Runtime) SignIn() { r.Dispatch(reducer.Event{Type: reducer.EventUISignIn}) }

func (r *Runtime) SignOut() { r.Dispatch(reducer.Event{Type: reducer.EventUISignOut}) }

func (r *Runtime) Connect(endpoint string, interactive bool) {
	r.Dispatch(reducer.Event{
		Type:        reducer.EventUIConnect,
		Origin:      reducer.OriginUser,
		Endpoint:    endpoint,
		Interactive: interactive,
	})
}

func (r *Runtime) Disconnect() { r.Dispatch(reducer.Event{Type: reducer.EventUIDisconnect}) }

// Send submits a client frame on the current channel, if one is open.
func (r *Runtime) Send(frame protocol.ClientFrame) error {
	r.chMu.Lock()
	ch := r.ch
	r.chMu.Unlock()
	if ch == nil {
		return fmt.Errorf("runtime: no open channel")
	}
	return ch.send(frame)
}

// loop is the single consumer that awaits one reducer step at a time,
// never processing two events concurrently.
func (r *Runtime) loop() {
	for {
		select {
		case <-r.ctx.Done():
			return
		case event := <-r.events:
			r.step(event)
		}
	}
}

func (r *Runtime) step(event reducer.Event) {
	r.mu.Lock()
	next, cmds := reducer.Reduce(r.state, event)
	r.state = next
	r.mu.Unlock()

	for _, cmd := range cmds {
		r.execute(cmd)
	}
}

func (r *Runtime) execute(cmd reducer.Command) {
	if cmd.Endpoint != "" {
		r.mu.Lock()
		r.lastEndpoint = cmd.Endpoint
		r.mu.Unlock()
	}
	switch cmd.Type {
	case reducer.CmdGetIdentity:
		r.doGetIdentity(cmd)
	case reducer.CmdExchange:
		r.doExchange(cmd)
	case reducer.CmdChannelOpen:
		r.doChannelOpen(cmd)
	case reducer.CmdChannelClose:
		r.closeChannel(cmd.Code, cmd.Reason)
	case reducer.CmdReconnectCancel:
		r.cancelReconnectTimer()
	case reducer.CmdReconnectSchedule:
		r.scheduleReconnect(cmd.DelayMs)
	case reducer.CmdTelemetry:
		r.telemetry.Emit(cmd.TelemetryEvent, map[string]any{
			"attempt": cmd.TelemetryAttempt,
			"delayMs": cmd.DelayMs,
		})
	case reducer.CmdRaise:
		r.host.Raise(cmd.RaiseMessage)
	}
}

func (r *Runtime) doGetIdentity(cmd reducer.Command) {
	accountID, accessToken, err := r.identity.GetIdentity(r.ctx, cmd.Interactive, cmd.ClearPref)
	if err != nil {
		r.Dispatch(reducer.Event{
			Type: reducer.EventIdentityResult,
			OK:   false,
			Err:  &reducer.ResultError{Type: "network_error"},
		})
		return
	}
	r.Dispatch(reducer.Event{
		Type:  reducer.EventIdentityResult,
		OK:    true,
		NowMs: time.Now().UnixMilli(),
		IdentitySession: &reducer.IdentitySession{
			AccountID:   accountID,
			AccessToken: accessToken,
		},
	})
}

type exchangeRequestBody struct {
	AccessToken string `json:"accessToken"`
}

type exchangeResponseBody struct {
	Token     string                `json:"token"`
	ExpiresAt int64                 `json:"expiresAt"`
	User      protocol.UserIdentity `json:"user"`
}

func (r *Runtime) doExchange(cmd reducer.Command) {
	body, err := json.Marshal(exchangeRequestBody{AccessToken: cmd.AccessToken})
	if err != nil {
		r.Dispatch(reducer.Event{Type: reducer.EventExchangeResult, OK: false, Err: &reducer.ResultError{Type: "invalid"}})
		return
	}

	ctx, cancel := context.WithTimeout(r.ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cmd.Endpoint+"/auth/exchange", bytes.NewReader(body))
	if err != nil {
		r.Dispatch(reducer.Event{Type: reducer.EventExchangeResult, OK: false, Err: &reducer.ResultError{Type: "invalid"}})
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		r.Dispatch(reducer.Event{Type: reducer.EventExchangeResult, OK: false, Err: &reducer.ResultError{Type: "network_error"}})
		return
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

	if resp.StatusCode != http.StatusOK {
		r.Dispatch(reducer.Event{
			Type: reducer.EventExchangeResult,
			OK:   false,
			Err: &reducer.ResultError{
				Type:         "handshake_http_error",
				Status:       resp.StatusCode,
				RetryAfterMs: parseRetryAfter(resp.Header.Get("Retry-After")),
				Body:         string(respBody),
			},
		})
		return
	}

	var out exchangeResponseBody
	if err := json.Unmarshal(respBody, &out); err != nil {
		r.Dispatch(reducer.Event{Type: reducer.EventExchangeResult, OK: false, Err: &reducer.ResultError{Type: "invalid"}})
		return
	}

	r.Dispatch(reducer.Event{
		Type: reducer.EventExchangeResult,
		OK:   true,
		Session: &reducer.CachedSession{
			AccountID:   out.User.AccountID,
			Token:       out.Token,
			ExpiresAtMs: out.ExpiresAt,
			User:        out.User,
		},
	})
}

// doChannelOpen closes any existing channel with {1000,"reconnect"} and
// opens a new one. Reconnect-timer payloads read the endpoint at fire time:
// scheduleReconnect's timer reads lastEndpoint when it fires and dispatches
// timer.reconnect.fired with it, so an endpoint change between schedule and
// fire is respected.
func (r *Runtime) doChannelOpen(cmd reducer.Command) {
	r.closeChannel(1000, "reconnect")

	ch, err := dialChannel(r.ctx, cmd.Endpoint, cmd.Token, r)
	if err != nil {
		r.Dispatch(reducer.Event{Type: reducer.EventChannelOpenResult, OK: false, Err: classifyDialError(err)})
		return
	}

	r.chMu.Lock()
	r.ch = ch
	r.chMu.Unlock()

	r.Dispatch(reducer.Event{Type: reducer.EventChannelOpenResult, OK: true})
	_ = ch.send(protocol.ClientFrame{Version: protocol.Version, Type: protocol.TypeHello})

	go r.readLoop(ch)
}

func (r *Runtime) readLoop(ch *channel) {
	for {
		frame, err := ch.readFrame()
		if err != nil {
			auto := !ch.suppressedReconnect()
			r.chMu.Lock()
			if r.ch == ch {
				r.ch = nil
			}
			r.chMu.Unlock()
			r.Dispatch(reducer.Event{Type: reducer.EventChannelClosed, AutoReconnectEnabled: auto})
			return
		}

		if frame.Type == protocol.TypeWelcome && frame.User != nil {
			r.Dispatch(reducer.Event{Type: reducer.EventChannelWelcome, User: *frame.User})
		}
		if r.onMessage != nil {
			r.onMessage(frame)
		}
	}
}

// closeChannel best-effort closes the current channel (if any), marking it
// as intentionally closed so the read loop's resulting channel.closed event
// carries autoReconnectEnabled=false.
func (r *Runtime) closeChannel(code int, reason string) {
	r.chMu.Lock()
	ch := r.ch
	r.ch = nil
	r.chMu.Unlock()
	if ch != nil {
		ch.closeIntentionally(code, reason)
	}
}

func (r *Runtime) scheduleReconnect(delayMs int64) {
	r.chMu.Lock()
	defer r.chMu.Unlock()
	if r.reconnectTimer != nil {
		r.reconnectTimer.Stop()
	}
	r.reconnectTimer = time.AfterFunc(time.Duration(delayMs)*time.Millisecond, func() {
		r.mu.Lock()
		endpoint := r.lastEndpoint
		r.mu.Unlock()
		r.Dispatch(reducer.Event{Type: reducer.EventTimerReconnectFired, TimerEndpoint: endpoint})
	})
}

func (r *Runtime) cancelReconnectTimer() {
	r.chMu.Lock()
	defer r.chMu.Unlock()
	if r.reconnectTimer != nil {
		r.reconnectTimer.Stop()
		r.reconnectTimer = nil
	}
}

func parseRetryAfter(header string) int64 {
	if header == "" {
		return 0
	}
	if seconds, err := strconv.ParseInt(header, 10, 64); err == nil {
		return seconds * 1000
	}
	if t, err := http.ParseTime(header); err == nil {
		delta := time.Until(t)
		if delta < 0 {
			return 0
		}
		return delta.Milliseconds()
	}
	return 0
}

func classifyDialError(err error) *reducer.ResultError {
	if rej, ok := err.(*handshakeHTTPError); ok {
		return &reducer.ResultError{
			Type:         "handshake_http_error",
			Status:       rej.status,
			RetryAfterMs: rej.retryAfterMs,
			Body:         rej.body,
		}
	}
	return &reducer.ResultError{Type: "network_error"}
}
