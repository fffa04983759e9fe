package anthropic

import (
	"context"
	"errors"
	"net/http"

	gateway "github.com/eugener/warden/internal"
	"github.com/eugener/warden/internal/provider"
)

const (
	defaultBaseURL   = "https://api.anthropic.com/v1"
	anthropicVersion = "2023-06-01"
	maxResponseBody  = 1 << 20
)

var _ gateway.Provider = (*Client)(nil)

// The Messages API has no public model listing.
var knownModels = []string{
	"claude-3-opus",
	"claude-3-sonnet",
	"claude-3-haiku",
	"claude-sonnet-4-6",
	"claude-haiku-4-5",
}

// Client talks to the Anthropic Messages API. The x-api-key header comes
// from the client's transport chain.
type Client struct {
	up provider.Upstream
}

// New creates a Client. An empty baseURL selects the public Anthropic API.
func New(name, baseURL string, client *http.Client) *Client {
	up := provider.NewUpstream("anthropic", name, baseURL, defaultBaseURL, client)
	up.Header.Set("anthropic-version", anthropicVersion)
	up.Limit = maxResponseBody
	return &Client{up: up}
}

func (c *Client) Name() string { return c.up.Name }

// ChatCompletion translates req to the Messages API and the reply back to
// the chat-completion shape.
func (c *Client) ChatCompletion(ctx context.Context, req *gateway.ChatRequest) (*gateway.ChatResponse, error) {
	raw, err := c.up.Call(ctx, http.MethodPost, "/messages", translateRequest(req))
	if err != nil {
		return nil, err
	}
	return translateResponse(raw)
}

func (c *Client) ListModels(context.Context) ([]string, error) {
	return append([]string(nil), knownModels...), nil
}

// HealthCheck sends HEAD /messages. Any HTTP status proves reachability;
// only transport failures count.
func (c *Client) HealthCheck(ctx context.Context) error {
	_, err := c.up.Call(ctx, http.MethodHead, "/messages", nil)
	var apiErr *provider.APIError
	if errors.As(err, &apiErr) {
		return nil
	}
	return err
}
