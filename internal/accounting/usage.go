package accounting

import (
	"maps"
	"strings"
	"time"
)

// dayLayout formats the calendar day (UTC) a usage record covers.
const dayLayout = "2006-01-02"

// UsageRecord accumulates one credential's usage for one calendar day.
type UsageRecord struct {
	CredentialID     string           `json:"credential_id"`
	Day              string           `json:"day"`
	UserID           string           `json:"user_id,omitempty"`
	NormalizedTokens int64            `json:"normalized_tokens"`
	InputTokens      int64            `json:"input_tokens"`
	OutputTokens     int64            `json:"output_tokens"`
	RequestCount     int64            `json:"request_count"`
	CostUSD          float64          `json:"cost_usd"`
	ModelBreakdown   map[string]int64 `json:"model_breakdown"`
	LastUpdated      time.Time        `json:"last_updated"`
}

// Key returns the "credential:day" storage key.
func (u *UsageRecord) Key() string { return u.CredentialID + ":" + u.Day }

// clone returns a deep copy safe to hand off outside the stripe lock.
func (u *UsageRecord) clone() UsageRecord {
	c := *u
	c.ModelBreakdown = maps.Clone(u.ModelBreakdown)
	return c
}

// UsageInput describes one completed provider call. Provider-reported token
// counts take precedence; zero counts are estimated from the texts.
type UsageInput struct {
	CredentialID string
	UserID       string
	Provider     string
	Model        string
	InputText    string
	OutputText   string
	InputTokens  int
	OutputTokens int
}

// UsageSummary is the accounted outcome of one call.
type UsageSummary struct {
	InputTokens      int       `json:"input_tokens"`
	OutputTokens     int       `json:"output_tokens"`
	TotalTokens      int       `json:"total_tokens"`
	NormalizedTokens int       `json:"normalized_tokens"`
	NormalizedCost   float64   `json:"normalized_cost"`
	CostUSD          float64   `json:"cost_usd"`
	Provider         string    `json:"provider"`
	Model            string    `json:"model"`
	Timestamp        time.Time `json:"timestamp"`
}

// DailyUsage is one point of a usage series.
type DailyUsage struct {
	Day              string  `json:"day"`
	NormalizedTokens int64   `json:"normalized_tokens"`
	Requests         int64   `json:"requests"`
	CostUSD          float64 `json:"cost_usd"`
}

// UsageStats aggregates day records over a trailing window.
type UsageStats struct {
	CredentialID     string           `json:"credential_id,omitempty"`
	UserID           string           `json:"user_id,omitempty"`
	Days             int              `json:"days"`
	NormalizedTokens int64            `json:"normalized_tokens"`
	InputTokens      int64            `json:"input_tokens"`
	OutputTokens     int64            `json:"output_tokens"`
	Requests         int64            `json:"requests"`
	CostUSD          float64          `json:"cost_usd"`
	ActiveDays       int              `json:"active_days"`
	ModelBreakdown   map[string]int64 `json:"model_breakdown"`
	Daily            []DailyUsage     `json:"daily"`
}

var breakdownReplacer = strings.NewReplacer("-", "_", ".", "_")

// breakdownKey returns the model breakdown key, e.g. "openai_gpt_4o".
func breakdownKey(provider, model string) string {
	return breakdownReplacer.Replace(provider + "_" + model)
}
