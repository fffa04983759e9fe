// Package cloudauth provides http.RoundTripper decorators that inject
// upstream credentials for LLM providers (static API keys, GCP OAuth).
package cloudauth

import (
	"context"
	"fmt"
	"net/http"
)

// Auth types accepted by Upstream.
const (
	AuthAPIKey   = "api_key"
	AuthGCPOAuth = "gcp_oauth"
)

// APIKeyTransport is an http.RoundTripper that injects a static API key
// header on every outbound request. HeaderName is the header to set
// (e.g. "Authorization", "x-api-key"). Prefix is prepended to Key
// (e.g. "Bearer " for Authorization headers).
type APIKeyTransport struct {
	Key        string
	HeaderName string
	Prefix     string
	Base       http.RoundTripper
}

// RoundTrip clones the request and sets the auth header.
func (t *APIKeyTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	r2 := r.Clone(r.Context())
	r2.Header.Set(t.HeaderName, t.Prefix+t.Key)
	return baseOrDefault(t.Base).RoundTrip(r2)
}

// UpstreamAuth describes how to authenticate against one provider.
type UpstreamAuth struct {
	ProviderType string // "openai", "anthropic", "ollama"
	AuthType     string // AuthAPIKey (default) or AuthGCPOAuth
	APIKey       string
	Scopes       []string
}

// keyHeaders maps provider types to the header carrying a static key.
var keyHeaders = map[string]struct{ name, prefix string }{
	"openai":    {"Authorization", "Bearer "},
	"anthropic": {"x-api-key", ""},
	"ollama":    {"Authorization", "Bearer "},
}

// Upstream wraps base with the credential transport described by a.
// An api_key auth without a key returns base unchanged (local Ollama).
func Upstream(ctx context.Context, base http.RoundTripper, a UpstreamAuth) (http.RoundTripper, error) {
	switch a.AuthType {
	case "", AuthAPIKey:
		if a.APIKey == "" {
			return base, nil
		}
		h, ok := keyHeaders[a.ProviderType]
		if !ok {
			return nil, fmt.Errorf("cloudauth: no key header for provider type %q", a.ProviderType)
		}
		return &APIKeyTransport{Key: a.APIKey, HeaderName: h.name, Prefix: h.prefix, Base: base}, nil
	case AuthGCPOAuth:
		return NewGCPTokenTransport(ctx, base, a.Scopes...)
	default:
		return nil, fmt.Errorf("cloudauth: unknown auth type %q", a.AuthType)
	}
}
