package runtime

import (
	"context"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"chatforge/internal/dmroom"
	"chatforge/internal/handshake"
	"chatforge/internal/httpapi"
	"chatforge/internal/identityprovider"
	"chatforge/internal/protocol"
	"chatforge/internal/room"
	"chatforge/internal/session"
	"chatforge/pkg/reducer"
)

// testBackend wires a full server (identity provider, session issuer, room,
// handshake, httpapi) behind an httptest.Server, the same fixture shape
// internal/httpapi/server_test.go uses.
func testBackend(t *testing.T) *httptest.Server {
	t.Helper()

	idp := identityprovider.NewFakeProvider()
	idp.Users["gh-token"] = protocol.UserIdentity{AccountID: "7", Login: "octocat", AvatarURL: "https://example.com/a.png"}

	iss, err := session.NewIssuer(session.Config{Secret: []byte("01234567890123456789012345678901")})
	if err != nil {
		t.Fatalf("NewIssuer: %v", err)
	}

	r, err := room.New(nil, dmroom.NewManager(nil, 200, 1), room.DefaultConfig())
	if err != nil {
		t.Fatalf("room.New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go r.Run(ctx)

	pipeline := handshake.NewPipeline(handshake.DefaultConfig(), iss, r)
	hsServer := handshake.NewServer(pipeline, r, handshake.DefaultHeartbeatConfig())

	api := httpapi.New(httpapi.DefaultConfig(), idp, iss, r, hsServer)
	return httptest.NewServer(api.Echo())
}

type fakeIdentity struct {
	accountID, accessToken string
	err                    error
}

func (f *fakeIdentity) GetIdentity(_ context.Context, _, _ bool) (string, string, error) {
	if f.err != nil {
		return "", "", f.err
	}
	return f.accountID, f.accessToken, nil
}

type errBoom struct{}

func (errBoom) Error() string { return "boom" }

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func TestRuntimeConnectsEndToEnd(t *testing.T) {
	srv := testBackend(t)
	defer srv.Close()

	var mu sync.Mutex
	var received []protocol.ServerFrame

	rt := New(&fakeIdentity{accountID: "7", accessToken: "gh-token"}, WithMessageHandler(func(f protocol.ServerFrame) {
		mu.Lock()
		received = append(received, f)
		mu.Unlock()
	}))
	defer rt.Close()

	rt.Connect(srv.URL, true)

	waitFor(t, 2*time.Second, func() bool {
		return rt.State().Status == reducer.StatusConnected
	})

	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, f := range received {
			if f.Type == protocol.TypeWelcome {
				return true
			}
		}
		return false
	})

	if !rt.State().SignedIn {
		t.Fatalf("expected SignedIn after connect")
	}
}

func TestRuntimeSendAfterConnect(t *testing.T) {
	srv := testBackend(t)
	defer srv.Close()

	rt := New(&fakeIdentity{accountID: "7", accessToken: "gh-token"})
	defer rt.Close()

	rt.Connect(srv.URL, true)
	waitFor(t, 2*time.Second, func() bool { return rt.State().Status == reducer.StatusConnected })

	if err := rt.Send(protocol.ClientFrame{Version: protocol.Version, Type: protocol.TypeMessageSend, Text: "hello"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
}

func TestRuntimeDisconnectDoesNotReconnect(t *testing.T) {
	srv := testBackend(t)
	defer srv.Close()

	rt := New(&fakeIdentity{accountID: "7", accessToken: "gh-token"})
	defer rt.Close()

	rt.Connect(srv.URL, true)
	waitFor(t, 2*time.Second, func() bool { return rt.State().Status == reducer.StatusConnected })

	rt.Disconnect()
	waitFor(t, 2*time.Second, func() bool { return rt.State().Status == reducer.StatusDisconnected })

	// Give any erroneous auto-reconnect a chance to fire; it must not.
	time.Sleep(200 * time.Millisecond)
	if rt.State().Status != reducer.StatusDisconnected {
		t.Fatalf("status = %s, want disconnected (no auto-reconnect after explicit disconnect)", rt.State().Status)
	}
}

func TestRuntimeIdentityFailureSurfacesRaise(t *testing.T) {
	srv := testBackend(t)
	defer srv.Close()

	var mu sync.Mutex
	var raised []string
	rt := New(&fakeIdentity{err: errBoom{}}, WithHost(HostFunc(func(msg string) {
		mu.Lock()
		raised = append(raised, msg)
		mu.Unlock()
	})))
	defer rt.Close()

	rt.Connect(srv.URL, true)

	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(raised) > 0
	})
}

func TestToWebSocketURL(t *testing.T) {
	cases := map[string]string{
		"http://localhost:8080": "ws://localhost:8080",
		"https://chat.example":  "wss://chat.example",
		"ws://already.example":  "ws://already.example",
	}
	for in, want := range cases {
		if got := toWebSocketURL(in); got != want {
			t.Errorf("toWebSocketURL(%q) = %q, want %q", in, got, want)
		}
	}
}
