// Package openai implements the gateway.Provider connector for the OpenAI
// chat completions API and compatible endpoints.
package openai

import (
	"context"
	"net/http"

	gateway "github.com/eugener/warden/internal"
	"github.com/eugener/warden/internal/provider"
)

const defaultBaseURL = "https://api.openai.com/v1"

var _ gateway.Provider = (*Client)(nil)

// Client is an OpenAI connector. Credentials are attached by the client's
// transport chain.
type Client struct {
	up provider.Upstream
}

// New creates a Client. An empty baseURL selects the public OpenAI API.
func New(name, baseURL string, client *http.Client) *Client {
	return &Client{up: provider.NewUpstream("openai", name, baseURL, defaultBaseURL, client)}
}

func (c *Client) Name() string { return c.up.Name }

// ChatCompletion posts the request unchanged apart from broker-only fields;
// the reply is already in the wire shape callers expect.
func (c *Client) ChatCompletion(ctx context.Context, req *gateway.ChatRequest) (*gateway.ChatResponse, error) {
	var out gateway.ChatResponse
	if err := c.up.Decode(ctx, http.MethodPost, "/chat/completions", provider.Outbound(req), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListModels returns the model IDs from GET /models.
func (c *Client) ListModels(ctx context.Context) ([]string, error) {
	var page struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := c.up.Decode(ctx, http.MethodGet, "/models", nil, &page); err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(page.Data))
	for _, m := range page.Data {
		ids = append(ids, m.ID)
	}
	return ids, nil
}

// HealthCheck lists models; any upstream error means unhealthy.
func (c *Client) HealthCheck(ctx context.Context) error {
	_, err := c.ListModels(ctx)
	return err
}
