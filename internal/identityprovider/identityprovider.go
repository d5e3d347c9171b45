// Package identityprovider abstracts the external identity provider (GitHub)
// the session-exchange endpoint calls to turn an access token into a user
// identity. The real HTTP call is a thin, deliberately small collaborator;
// the interesting logic — session ticket signing, rate limiting, moderator
// role derivation — lives in internal/session and internal/httpapi.
package identityprovider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"chatforge/internal/protocol"
)

// ErrUnauthorized is returned when the provider rejects the access token.
var ErrUnauthorized = fmt.Errorf("identityprovider: unauthorized")

// Provider fetches the identity behind an access token.
type Provider interface {
	FetchUser(ctx context.Context, accessToken string) (protocol.UserIdentity, error)
}

// HTTPProvider calls GitHub's /user endpoint. It derives no roles; role
// derivation (the moderator allowlist) is a server-side concern layered on
// top by the exchange handler, not the provider.
type HTTPProvider struct {
	client  *http.Client
	baseURL string
}

// NewHTTPProvider returns a Provider backed by the real GitHub REST API.
func NewHTTPProvider() *HTTPProvider {
	return &HTTPProvider{
		client:  &http.Client{Timeout: 5 * time.Second},
		baseURL: "https://api.github.com",
	}
}

type githubUser struct {
	ID        int64  `json:"id"`
	Login     string `json:"login"`
	AvatarURL string `json:"avatar_url"`
}

// FetchUser performs a single GET /user with the given bearer token.
func (p *HTTPProvider) FetchUser(ctx context.Context, accessToken string) (protocol.UserIdentity, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/user", nil)
	if err != nil {
		return protocol.UserIdentity{}, fmt.Errorf("identityprovider: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := p.client.Do(req)
	if err != nil {
		return protocol.UserIdentity{}, fmt.Errorf("identityprovider: request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return protocol.UserIdentity{}, ErrUnauthorized
	}
	if resp.StatusCode != http.StatusOK {
		return protocol.UserIdentity{}, fmt.Errorf("identityprovider: unexpected status %d", resp.StatusCode)
	}

	var gu githubUser
	if err := json.NewDecoder(resp.Body).Decode(&gu); err != nil {
		return protocol.UserIdentity{}, fmt.Errorf("identityprovider: decode response: %w", err)
	}

	return protocol.UserIdentity{
		AccountID: fmt.Sprintf("%d", gu.ID),
		Login:     gu.Login,
		AvatarURL: gu.AvatarURL,
	}, nil
}

// FakeProvider is an in-memory Provider for tests: it maps access tokens to
// identities directly, with no network access.
type FakeProvider struct {
	Users map[string]protocol.UserIdentity
}

// NewFakeProvider returns an empty FakeProvider.
func NewFakeProvider() *FakeProvider {
	return &FakeProvider{Users: make(map[string]protocol.UserIdentity)}
}

// FetchUser looks up accessToken in Users, returning ErrUnauthorized if absent.
func (p *FakeProvider) FetchUser(_ context.Context, accessToken string) (protocol.UserIdentity, error) {
	u, ok := p.Users[accessToken]
	if !ok {
		return protocol.UserIdentity{}, ErrUnauthorized
	}
	return u, nil
}
