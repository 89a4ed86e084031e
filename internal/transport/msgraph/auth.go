package msgraph

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

const (
	graphScope = "https://graph.microsoft.com/.default"

	// tokenExpiryBuffer renews a token this long before it actually expires.
	tokenExpiryBuffer = 5 * time.Minute
)

// tokenSource hands out client-credentials access tokens. Tokens are cached
// until they come within tokenExpiryBuffer of expiry. Invalidate discards
// the cache after the API rejects a token.
type tokenSource struct {
	cfg *clientcredentials.Config
	ctx context.Context

	mu  sync.Mutex
	src oauth2.TokenSource
}

func newTokenSource(tokenURL, clientID, clientSecret string, client *http.Client) *tokenSource {
	ts := &tokenSource{
		cfg: &clientcredentials.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			TokenURL:     tokenURL,
			Scopes:       []string{graphScope},
			AuthStyle:    oauth2.AuthStyleInParams,
		},
		ctx: context.WithValue(context.Background(), oauth2.HTTPClient, client),
	}
	ts.src = ts.newSource()
	return ts
}

func (ts *tokenSource) newSource() oauth2.TokenSource {
	return oauth2.ReuseTokenSourceWithExpiry(nil, ts.cfg.TokenSource(ts.ctx), tokenExpiryBuffer)
}

// Token returns the cached access token or fetches a new one.
func (ts *tokenSource) Token(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	ts.mu.Lock()
	src := ts.src
	ts.mu.Unlock()

	tok, err := src.Token()
	if err != nil {
		return "", fmt.Errorf("failed to fetch token: %w", err)
	}
	return tok.AccessToken, nil
}

// Invalidate drops the cached token so the next call fetches a fresh one.
func (ts *tokenSource) Invalidate() {
	ts.mu.Lock()
	ts.src = ts.newSource()
	ts.mu.Unlock()
}
