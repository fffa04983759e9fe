// Package anthropic implements the gateway.Provider connector for the
// Anthropic Messages API.
package anthropic

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/tidwall/gjson"

	gateway "github.com/eugener/warden/internal"
)

var errInvalidResponse = errors.New("anthropic: invalid response body")

// defaultMaxTokens is sent when the caller sets none; the API requires it.
const defaultMaxTokens = 4096

// anthropicRequest is the Messages API request body.
type anthropicRequest struct {
	Model       string          `json:"model"`
	MaxTokens   int             `json:"max_tokens"`
	Messages    []anthropicMsg  `json:"messages"`
	System      string          `json:"system,omitempty"`
	Temperature *float64        `json:"temperature,omitempty"`
	TopP        *float64        `json:"top_p,omitempty"`
	StopSeqs    json.RawMessage `json:"stop_sequences,omitempty"`
}

type anthropicMsg struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// translateRequest converts an OpenAI-format request. System messages are
// joined into the top-level system prompt; other roles map to user unless
// they are assistant turns.
func translateRequest(req *gateway.ChatRequest) *anthropicRequest {
	out := &anthropicRequest{
		Model:       req.Model,
		MaxTokens:   defaultMaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		StopSeqs:    stopSequences(req.Stop),
	}
	if req.MaxTokens != nil {
		out.MaxTokens = *req.MaxTokens
	}

	var system []string
	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			system = append(system, m.Text())
		case "assistant":
			out.Messages = append(out.Messages, anthropicMsg{Role: "assistant", Content: m.Content})
		default:
			out.Messages = append(out.Messages, anthropicMsg{Role: "user", Content: m.Content})
		}
	}
	out.System = strings.Join(system, "\n\n")
	return out
}

// stopSequences normalizes OpenAI's string-or-array stop into an array.
func stopSequences(stop json.RawMessage) json.RawMessage {
	if len(stop) == 0 {
		return nil
	}
	res := gjson.ParseBytes(stop)
	if res.Type == gjson.String {
		b, _ := json.Marshal([]string{res.String()})
		return b
	}
	return stop
}

// translateResponse converts a Messages API response body to an OpenAI-format
// ChatResponse.
func translateResponse(data []byte) (*gateway.ChatResponse, error) {
	if !gjson.ValidBytes(data) {
		return nil, errInvalidResponse
	}
	result := gjson.ParseBytes(data)

	var text strings.Builder
	result.Get("content").ForEach(func(_, block gjson.Result) bool {
		if block.Get("type").String() == "text" {
			text.WriteString(block.Get("text").String())
		}
		return true
	})

	var usage *gateway.Usage
	if u := result.Get("usage"); u.Exists() {
		in, out := int(u.Get("input_tokens").Int()), int(u.Get("output_tokens").Int())
		usage = &gateway.Usage{PromptTokens: in, CompletionTokens: out, TotalTokens: in + out}
	}

	return &gateway.ChatResponse{
		ID:     result.Get("id").String(),
		Object: "chat.completion",
		Model:  result.Get("model").String(),
		Choices: []gateway.Choice{{
			Message:      gateway.TextMessage("assistant", text.String()),
			FinishReason: mapStopReason(result.Get("stop_reason").String()),
		}},
		Usage: usage,
	}, nil
}

// mapStopReason converts Anthropic stop reasons to OpenAI finish reasons.
func mapStopReason(reason string) string {
	switch reason {
	case "end_turn", "stop_sequence":
		return "stop"
	case "max_tokens":
		return "length"
	case "tool_use":
		return "tool_calls"
	default:
		return reason
	}
}
