// Package testutil holds in-memory fakes shared by package tests.
package testutil

import (
	"context"
	"sync"

	gateway "github.com/eugener/warden/internal"
)

var _ gateway.Provider = (*FakeProvider)(nil)

// FakeProvider answers every chat with Reply(model, "hello") unless ChatFn
// is set. Each request it receives is recorded.
type FakeProvider struct {
	ProviderName string
	ChatFn       func(ctx context.Context, req *gateway.ChatRequest) (*gateway.ChatResponse, error)
	ModelsFn     func(ctx context.Context) ([]string, error)
	HealthFn     func(ctx context.Context) error

	mu   sync.Mutex
	seen []*gateway.ChatRequest
}

func (f *FakeProvider) Name() string { return f.ProviderName }

// Calls is the number of ChatCompletion invocations so far.
func (f *FakeProvider) Calls() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.seen))
}

// Requests returns the chat requests received, oldest first.
func (f *FakeProvider) Requests() []*gateway.ChatRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*gateway.ChatRequest(nil), f.seen...)
}

func (f *FakeProvider) ChatCompletion(ctx context.Context, req *gateway.ChatRequest) (*gateway.ChatResponse, error) {
	f.mu.Lock()
	f.seen = append(f.seen, req)
	f.mu.Unlock()
	if f.ChatFn == nil {
		return Reply(req.Model, "hello"), nil
	}
	return f.ChatFn(ctx, req)
}

func (f *FakeProvider) ListModels(ctx context.Context) ([]string, error) {
	if f.ModelsFn == nil {
		return []string{"fake-model"}, nil
	}
	return f.ModelsFn(ctx)
}

func (f *FakeProvider) HealthCheck(ctx context.Context) error {
	if f.HealthFn == nil {
		return nil
	}
	return f.HealthFn(ctx)
}

// Reply is a one-choice assistant completion reporting 10 prompt and 5
// completion tokens.
func Reply(model, text string) *gateway.ChatResponse {
	return &gateway.ChatResponse{
		ID:      "chatcmpl-fake",
		Object:  "chat.completion",
		Created: 1700000000,
		Model:   model,
		Choices: []gateway.Choice{{
			Message:      gateway.TextMessage("assistant", text),
			FinishReason: "stop",
		}},
		Usage: &gateway.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}
}
