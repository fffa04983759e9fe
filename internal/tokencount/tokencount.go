// Package tokencount provides deterministic token estimation for quota checks
// and usage accounting. It is a character heuristic, not a real tokenizer:
// ~4 characters per token, ~3.5 for Claude-family models.
package tokencount

import (
	"strings"
	"unicode/utf8"

	gateway "github.com/eugener/warden/internal"
)

const (
	messageOverhead      = 4 // per-message formatting tokens
	conversationOverhead = 3 // reply priming
)

// Counter estimates token counts for text and message lists.
type Counter struct{}

// NewCounter creates a new Counter.
func NewCounter() *Counter {
	return &Counter{}
}

// CountTokens estimates the tokens in text. It returns 0 for empty text and
// at least 1 otherwise.
func (c *Counter) CountTokens(text, _ /* provider */, model string) int {
	n := utf8.RuneCountInString(text)
	if n == 0 {
		return 0
	}
	return max(1, int(float64(n)/charsPerToken(model)))
}

// CountMessageTokens sums content tokens, a per-message overhead, the role
// tokens, and a fixed conversation overhead. An empty list costs exactly the
// conversation overhead.
func (c *Counter) CountMessageTokens(messages []gateway.Message, provider, model string) int {
	total := conversationOverhead
	for _, m := range messages {
		total += c.CountTokens(m.Text(), provider, model)
		total += messageOverhead
		total += c.CountTokens(m.Role, provider, model)
	}
	return total
}

// EstimateRequest estimates the prompt size of a chat request before routing.
func (c *Counter) EstimateRequest(req *gateway.ChatRequest) int {
	return c.CountMessageTokens(req.Messages, "", req.Model)
}

func charsPerToken(model string) float64 {
	if strings.Contains(strings.ToLower(model), "claude") {
		return 3.5
	}
	return 4
}
