package server

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"

	gateway "github.com/eugener/warden/internal"
)

// maxChatBody bounds a chat completion request body (4 MB).
const maxChatBody = 4 << 20

const (
	preferredModelHeader = "X-Preferred-Model"
	sessionIDHeader      = "X-Session-ID"
	sanitizedHeader      = "X-Warden-Sanitized"
)

var trueValue = []string{"true"}

// chatCompletionRequest accepts the OpenAI body plus the stream flag, which
// the broker does not serve.
type chatCompletionRequest struct {
	gateway.ChatRequest
	Stream bool `json:"stream,omitempty"`
}

// chatCompletionResponse is the OpenAI response with broker accounting attached.
type chatCompletionResponse struct {
	*gateway.ChatResponse
	Warden wardenInfo `json:"warden"`
}

type wardenInfo struct {
	Provider         string   `json:"provider"`
	Strategy         string   `json:"strategy"`
	NormalizedTokens int      `json:"normalized_tokens"`
	CostUSD          float64  `json:"cost_usd"`
	Sanitized        bool     `json:"sanitized,omitempty"`
	MemoryRecalled   int      `json:"memory_recalled,omitempty"`
	Threats          []string `json:"threats_detected,omitempty"`
}

func (s *server) handleChatCompletion(w http.ResponseWriter, r *http.Request) {
	var req chatCompletionRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxChatBody)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, fmt.Errorf("%w: invalid request body: %v", gateway.ErrBadRequest, err))
		return
	}
	if req.Stream {
		writeError(w, r, fmt.Errorf("%w: streaming is not supported", gateway.ErrBadRequest))
		return
	}

	if req.SessionID == "" {
		req.SessionID = r.Header.Get(sessionIDHeader)
	}
	id := gateway.IdentityFromContext(r.Context())
	preferred := r.Header.Get(preferredModelHeader)
	c, err := s.deps.Broker.ChatCompletion(r.Context(), id, &req.ChatRequest, preferred, clientIP(r))
	if err != nil {
		writeError(w, r, err)
		return
	}

	info := wardenInfo{
		Provider:         c.Usage.Provider,
		Strategy:         c.Strategy,
		NormalizedTokens: c.Usage.NormalizedTokens,
		CostUSD:          c.Usage.CostUSD,
		Sanitized:        c.Sanitized,
		MemoryRecalled:   c.Recalled,
	}
	for _, d := range c.Detections {
		info.Threats = append(info.Threats, string(d.Kind))
	}
	if c.Sanitized {
		w.Header()[sanitizedHeader] = trueValue
	}
	writeJSON(w, http.StatusOK, chatCompletionResponse{ChatResponse: c.Response, Warden: info})
}

// clientIP returns the host part of the peer address.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
