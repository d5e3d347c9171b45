package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"chatforge/internal/dmroom"
	"chatforge/internal/handshake"
	"chatforge/internal/identityprovider"
	"chatforge/internal/protocol"
	"chatforge/internal/room"
	"chatforge/internal/session"
)

func testServer(t *testing.T) (*Server, *identityprovider.FakeProvider) {
	t.Helper()

	idp := identityprovider.NewFakeProvider()
	idp.Users["good-token"] = protocol.UserIdentity{AccountID: "42", Login: "alice", AvatarURL: "https://example.com/a.png"}

	iss, err := session.NewIssuer(session.Config{Secret: []byte("01234567890123456789012345678901")})
	if err != nil {
		t.Fatalf("NewIssuer: %v", err)
	}

	r, err := room.New(nil, dmroom.NewManager(nil, 200, 1), room.DefaultConfig())
	if err != nil {
		t.Fatalf("room.New: %v", err)
	}

	pipeline := handshake.NewPipeline(handshake.DefaultConfig(), iss, r)
	hsServer := handshake.NewServer(pipeline, r, handshake.DefaultHeartbeatConfig())

	cfg := DefaultConfig()
	cfg.ModeratorAccountIDs = map[string]struct{}{"99": {}}
	s := New(cfg, idp, iss, r, hsServer)
	return s, idp
}

func TestHealthReturnsOK(t *testing.T) {
	s, _ := testServer(t)
	ts := httptest.NewServer(s.Echo())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}

func TestExchangeSucceedsAndSetsNoStore(t *testing.T) {
	s, _ := testServer(t)
	ts := httptest.NewServer(s.Echo())
	defer ts.Close()

	body, _ := json.Marshal(exchangeRequest{AccessToken: "good-token"})
	resp, err := http.Post(ts.URL+"/auth/exchange", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST /auth/exchange: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if resp.Header.Get("Cache-Control") != "no-store" {
		t.Fatalf("Cache-Control = %q, want no-store", resp.Header.Get("Cache-Control"))
	}

	var out exchangeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.User.AccountID != "42" {
		t.Fatalf("AccountID = %q, want 42", out.User.AccountID)
	}
	if out.Token == "" {
		t.Fatal("expected a non-empty token")
	}
}

func TestExchangeGrantsModeratorRole(t *testing.T) {
	s, idp := testServer(t)
	idp.Users["mod-token"] = protocol.UserIdentity{AccountID: "99", Login: "mod"}
	ts := httptest.NewServer(s.Echo())
	defer ts.Close()

	body, _ := json.Marshal(exchangeRequest{AccessToken: "mod-token"})
	resp, err := http.Post(ts.URL+"/auth/exchange", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()

	var out exchangeResponse
	_ = json.NewDecoder(resp.Body).Decode(&out)
	if !out.User.HasRole(protocol.RoleModerator) {
		t.Fatalf("expected moderator role, got roles %v", out.User.Roles)
	}
}

func TestExchangeRejectsUnknownToken(t *testing.T) {
	s, _ := testServer(t)
	ts := httptest.NewServer(s.Echo())
	defer ts.Close()

	body, _ := json.Marshal(exchangeRequest{AccessToken: "bad-token"})
	resp, err := http.Post(ts.URL+"/auth/exchange", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestExchangeRejectsOversizedBody(t *testing.T) {
	s, _ := testServer(t)
	ts := httptest.NewServer(s.Echo())
	defer ts.Close()

	huge := make([]byte, maxExchangeBodyBytes+1024)
	resp, err := http.Post(ts.URL+"/auth/exchange", "application/json", bytes.NewReader(huge))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want 413", resp.StatusCode)
	}
}

func TestExchangeRejectsMalformedJSON(t *testing.T) {
	s, _ := testServer(t)
	ts := httptest.NewServer(s.Echo())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/auth/exchange", "application/json", bytes.NewReader([]byte("{not json")))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestExchangeEnforcesRateLimit(t *testing.T) {
	s, _ := testServer(t)
	s.cfg.ExchangeRateMaxCount = 2
	ts := httptest.NewServer(s.Echo())
	defer ts.Close()

	body, _ := json.Marshal(exchangeRequest{AccessToken: "good-token"})
	for i := 0; i < 2; i++ {
		resp, err := http.Post(ts.URL+"/auth/exchange", "application/json", bytes.NewReader(body))
		if err != nil {
			t.Fatalf("POST %d: %v", i, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("attempt %d status = %d, want 200", i, resp.StatusCode)
		}
	}

	resp, err := http.Post(ts.URL+"/auth/exchange", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST 3rd: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Fatal("expected Retry-After header")
	}
}

func TestTelemetryAcceptsValidEvent(t *testing.T) {
	s, _ := testServer(t)
	ts := httptest.NewServer(s.Echo())
	defer ts.Close()

	body, _ := json.Marshal(map[string]any{"event": "auth.exchange.success"})
	resp, err := http.Post(ts.URL+"/telemetry", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST /telemetry: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", resp.StatusCode)
	}
}

func TestTelemetryRejectsOversizedBody(t *testing.T) {
	s, _ := testServer(t)
	ts := httptest.NewServer(s.Echo())
	defer ts.Close()

	huge := make([]byte, maxTelemetryBodyBytes+1024)
	resp, err := http.Post(ts.URL+"/telemetry", "application/json", bytes.NewReader(huge))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want 413", resp.StatusCode)
	}
}
