package server

import (
	"net/http"
	"strings"
	"time"
)

// startedAt is reported as every model's creation time. Upstream
// timestamps are not aggregated.
var startedAt = time.Now().Unix()

type modelObject struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

type modelListResponse struct {
	Object string        `json:"object"`
	Data   []modelObject `json:"data"`
}

// modelOwner guesses the vendor from the model family.
func modelOwner(id string) string {
	m := strings.ToLower(id)
	switch {
	case strings.Contains(m, "claude"):
		return "anthropic"
	case strings.Contains(m, "gpt"), strings.Contains(m, "davinci"):
		return "openai"
	default:
		return "warden"
	}
}

// handleListModels serves the broker's model union in the OpenAI list shape.
func (s *server) handleListModels(w http.ResponseWriter, r *http.Request) {
	ids := s.deps.Broker.Models(r.Context())
	resp := modelListResponse{Object: "list", Data: make([]modelObject, 0, len(ids))}
	for _, id := range ids {
		resp.Data = append(resp.Data, modelObject{
			ID:      id,
			Object:  "model",
			Created: startedAt,
			OwnedBy: modelOwner(id),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}
