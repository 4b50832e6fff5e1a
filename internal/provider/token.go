package provider

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/oauth2"
)

// TokenCapability hands adapters a valid bearer token. ForceRefresh discards
// any cached token and mints a new one; adapters call it exactly once after a
// 401 before giving up.
type TokenCapability interface {
	Token(ctx context.Context) (string, error)
	ForceRefresh(ctx context.Context) (string, error)
}

// OAuthTokenCapability backs TokenCapability with an oauth2 refresh-token
// flow. The refresh token itself lives in the credential store owned by the
// caller; this type only exchanges it for access tokens.
type OAuthTokenCapability struct {
	Config       *oauth2.Config
	RefreshToken string

	mu     sync.Mutex
	source oauth2.TokenSource
	cached *oauth2.Token
}

func (c *OAuthTokenCapability) Token(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cached.Valid() {
		return c.cached.AccessToken, nil
	}
	return c.refreshLocked(ctx)
}

func (c *OAuthTokenCapability) ForceRefresh(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cached = nil
	c.source = nil
	return c.refreshLocked(ctx)
}

func (c *OAuthTokenCapability) refreshLocked(ctx context.Context) (string, error) {
	if c.Config == nil {
		return "", fmt.Errorf("oauth config missing")
	}
	if c.source == nil {
		c.source = c.Config.TokenSource(ctx, &oauth2.Token{RefreshToken: c.RefreshToken})
	}
	tok, err := c.source.Token()
	if err != nil {
		return "", fmt.Errorf("refresh access token: %w", err)
	}
	c.cached = tok
	return tok.AccessToken, nil
}

// StaticTokenCapability serves a fixed token. Notion-style internal
// integration secrets never expire, so ForceRefresh returns the same value.
type StaticTokenCapability struct {
	AccessToken string
}

func (c StaticTokenCapability) Token(ctx context.Context) (string, error) {
	if c.AccessToken == "" {
		return "", fmt.Errorf("access token missing")
	}
	return c.AccessToken, nil
}

func (c StaticTokenCapability) ForceRefresh(ctx context.Context) (string, error) {
	return c.Token(ctx)
}

// TokenStore resolves an Integration's AuthRef to its token capability. The
// credential store behind it is an external collaborator.
type TokenStore interface {
	Capability(ctx context.Context, authRef string) (TokenCapability, error)
}

// StaticTokenStore backs TokenStore with a fixed map of configured
// credential refs.
type StaticTokenStore map[string]TokenCapability

func (s StaticTokenStore) Capability(ctx context.Context, authRef string) (TokenCapability, error) {
	tc, ok := s[authRef]
	if !ok {
		return nil, fmt.Errorf("unknown auth ref %q", authRef)
	}
	return tc, nil
}
