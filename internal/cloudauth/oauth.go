package cloudauth

import (
	"context"
	"fmt"
	"net/http"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

// defaultGCPScope is requested when a gcp_oauth provider lists no scopes.
const defaultGCPScope = "https://www.googleapis.com/auth/cloud-platform"

// TokenTransport sets an OAuth2 access token on every outbound request.
// Source is wrapped in oauth2.ReuseTokenSource, so tokens are refreshed only
// when they expire.
type TokenTransport struct {
	source oauth2.TokenSource
	Base   http.RoundTripper
}

// NewTokenTransport wraps base with tokens from src.
func NewTokenTransport(base http.RoundTripper, src oauth2.TokenSource) *TokenTransport {
	return &TokenTransport{source: oauth2.ReuseTokenSource(nil, src), Base: base}
}

// NewGCPTokenTransport resolves Application Default Credentials for scopes
// and returns a TokenTransport backed by them.
func NewGCPTokenTransport(ctx context.Context, base http.RoundTripper, scopes ...string) (*TokenTransport, error) {
	if len(scopes) == 0 {
		scopes = []string{defaultGCPScope}
	}
	creds, err := google.FindDefaultCredentials(ctx, scopes...)
	if err != nil {
		return nil, fmt.Errorf("cloudauth: application default credentials: %w", err)
	}
	return NewTokenTransport(base, creds.TokenSource), nil
}

// RoundTrip clones r and sets its Authorization header from the current token.
func (t *TokenTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	tok, err := t.source.Token()
	if err != nil {
		return nil, fmt.Errorf("cloudauth: upstream token: %w", err)
	}
	out := r.Clone(r.Context())
	tok.SetAuthHeader(out)
	return baseOrDefault(t.Base).RoundTrip(out)
}

func baseOrDefault(rt http.RoundTripper) http.RoundTripper {
	if rt == nil {
		return http.DefaultTransport
	}
	return rt
}
