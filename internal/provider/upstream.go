package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// DefaultResponseLimit caps upstream response bodies read by Upstream.Call.
const DefaultResponseLimit = 4 << 20

// Upstream is the JSON-over-HTTP plumbing shared by the connectors. Auth
// headers come from Client's transport chain; Header carries the static
// per-API headers.
type Upstream struct {
	Kind    string // connector type, prefixes transport errors
	Name    string // instance name, reported in APIError
	BaseURL string
	Client  *http.Client
	Header  http.Header
	Limit   int64
}

// NewUpstream fills in the defaults: fallbackURL when baseURL is empty, a
// zero-value http.Client, and DefaultResponseLimit.
func NewUpstream(kind, name, baseURL, fallbackURL string, client *http.Client) Upstream {
	if baseURL == "" {
		baseURL = fallbackURL
	}
	if client == nil {
		client = &http.Client{}
	}
	return Upstream{
		Kind:    kind,
		Name:    name,
		BaseURL: strings.TrimRight(baseURL, "/"),
		Client:  client,
		Header:  http.Header{"Content-Type": {"application/json"}},
		Limit:   DefaultResponseLimit,
	}
}

// Call sends in (JSON-encoded unless nil) to path and returns the raw
// response body. Non-2xx replies are returned as *APIError.
func (u Upstream) Call(ctx context.Context, method, path string, in any) ([]byte, error) {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return nil, fmt.Errorf("%s: marshal request: %w", u.Kind, err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.BaseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("%s: create request: %w", u.Kind, err)
	}
	for k, vs := range u.Header {
		req.Header[k] = vs
	}

	resp, err := u.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %s %s: %w", u.Kind, method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, ParseAPIError(u.Name, resp)
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, u.Limit))
	if err != nil {
		return nil, fmt.Errorf("%s: read response: %w", u.Kind, err)
	}
	return raw, nil
}

// Decode is Call followed by a JSON decode into out.
func (u Upstream) Decode(ctx context.Context, method, path string, in, out any) error {
	raw, err := u.Call(ctx, method, path, in)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%s: decode response: %w", u.Kind, err)
	}
	return nil
}
