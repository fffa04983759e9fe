// Package ollama implements the gateway.Provider connector for local Ollama
// instances using the native /api/chat endpoint.
package ollama

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	gateway "github.com/eugener/warden/internal"
	"github.com/eugener/warden/internal/provider"
)

const defaultBaseURL = "http://localhost:11434"

var (
	errInvalidBody = errors.New("ollama: invalid response body")
	errNoContent   = errors.New("ollama: response has no message content")
)

var _ gateway.Provider = (*Client)(nil)

// Client is an Ollama connector.
type Client struct {
	up  provider.Upstream
	now func() time.Time
}

// New creates a Client. If baseURL is empty, it defaults to
// "http://localhost:11434".
func New(name, baseURL string, client *http.Client) *Client {
	return &Client{
		up:  provider.NewUpstream("ollama", name, baseURL, defaultBaseURL, client),
		now: time.Now,
	}
}

// Name returns the instance identifier.
func (c *Client) Name() string { return c.up.Name }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatOptions struct {
	Temperature *float64 `json:"temperature,omitempty"`
	TopP        *float64 `json:"top_p,omitempty"`
	NumPredict  *int     `json:"num_predict,omitempty"`
	Seed        *int     `json:"seed,omitempty"`
	Stop        []string `json:"stop,omitempty"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
	Options  *chatOptions  `json:"options,omitempty"`
}

func translateRequest(req *gateway.ChatRequest) *chatRequest {
	out := &chatRequest{
		Model:    req.Model,
		Messages: make([]chatMessage, len(req.Messages)),
	}
	for i, m := range req.Messages {
		out.Messages[i] = chatMessage{Role: m.Role, Content: m.Text()}
	}

	opts := chatOptions{
		Temperature: req.Temperature,
		TopP:        req.TopP,
		NumPredict:  req.MaxTokens,
		Seed:        req.Seed,
	}
	if len(req.Stop) > 0 {
		stop := gjson.ParseBytes(req.Stop)
		if stop.IsArray() {
			for _, s := range stop.Array() {
				opts.Stop = append(opts.Stop, s.String())
			}
		} else if stop.Type == gjson.String {
			opts.Stop = []string{stop.String()}
		}
	}
	if opts.Temperature != nil || opts.TopP != nil || opts.NumPredict != nil || opts.Seed != nil || len(opts.Stop) > 0 {
		out.Options = &opts
	}
	return out
}

// ChatCompletion sends a non-streaming chat request to /api/chat and
// translates the reply to the OpenAI response shape.
func (c *Client) ChatCompletion(ctx context.Context, req *gateway.ChatRequest) (*gateway.ChatResponse, error) {
	raw, err := c.up.Call(ctx, http.MethodPost, "/api/chat", translateRequest(req))
	if err != nil {
		return nil, err
	}
	return c.translateResponse(raw, req.Model)
}

func (c *Client) translateResponse(raw []byte, model string) (*gateway.ChatResponse, error) {
	if !gjson.ValidBytes(raw) {
		return nil, errInvalidBody
	}
	res := gjson.ParseBytes(raw)
	content := res.Get("message.content")
	if !content.Exists() {
		return nil, errNoContent
	}

	prompt := int(res.Get("prompt_eval_count").Int())
	completion := int(res.Get("eval_count").Int())
	finish := res.Get("done_reason").String()
	if finish == "" {
		finish = "stop"
	}
	return &gateway.ChatResponse{
		ID:      "chatcmpl-" + uuid.NewString(),
		Object:  "chat.completion",
		Created: c.now().Unix(),
		Model:   model,
		Choices: []gateway.Choice{{
			Message:      gateway.TextMessage("assistant", content.String()),
			FinishReason: finish,
		}},
		Usage: &gateway.Usage{
			PromptTokens:     prompt,
			CompletionTokens: completion,
			TotalTokens:      prompt + completion,
		},
	}, nil
}

// ListModels returns the names of locally installed models from /api/tags.
func (c *Client) ListModels(ctx context.Context) ([]string, error) {
	raw, err := c.up.Call(ctx, http.MethodGet, "/api/tags", nil)
	if err != nil {
		return nil, err
	}
	var names []string
	gjson.GetBytes(raw, "models.#.name").ForEach(func(_, v gjson.Result) bool {
		names = append(names, v.String())
		return true
	})
	return names, nil
}

// HealthCheck verifies the server answers /api/tags.
func (c *Client) HealthCheck(ctx context.Context) error {
	_, err := c.ListModels(ctx)
	return err
}
