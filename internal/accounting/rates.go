// Package accounting converts provider token counts into normalized tokens,
// prices them, records per-credential daily usage, and enforces quotas.
package accounting

import (
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
)

// defaultCostPerToken is the USD cost applied when no exact rate matches.
const defaultCostPerToken = 0.001

// ConversionRate maps provider-native tokens to normalized tokens.
// InputRate provider input tokens make one normalized input token; likewise
// for OutputRate. BaseCost is the USD price of one normalized token.
type ConversionRate struct {
	Provider   string  `json:"provider" yaml:"provider"`
	Model      string  `json:"model" yaml:"model"`
	InputRate  float64 `json:"input_rate" yaml:"input_rate"`
	OutputRate float64 `json:"output_rate" yaml:"output_rate"`
	BaseCost   float64 `json:"base_cost" yaml:"base_cost"`
}

// Key returns the "provider:model" table key.
func (r ConversionRate) Key() string { return r.Provider + ":" + r.Model }

// Validate rejects rates that would divide by zero or price negatively.
func (r ConversionRate) Validate() error {
	switch {
	case r.Provider == "" || r.Model == "":
		return fmt.Errorf("conversion rate: provider and model are required")
	case r.InputRate <= 0 || r.OutputRate <= 0:
		return fmt.Errorf("conversion rate %s: rates must be positive", r.Key())
	case r.BaseCost < 0:
		return fmt.Errorf("conversion rate %s: base cost must not be negative", r.Key())
	}
	return nil
}

// DefaultRates returns the built-in conversion table.
func DefaultRates() []ConversionRate {
	return []ConversionRate{
		{"openai", "gpt-4", 10, 20, 0.003},
		{"openai", "gpt-4-turbo", 10, 20, 0.001},
		{"openai", "gpt-4o", 10, 20, 0.0005},
		{"openai", "gpt-4o-mini", 10, 10, 0.00015},
		{"openai", "gpt-3.5-turbo", 10, 10, 0.0002},
		{"anthropic", "claude-3-opus", 10, 20, 0.0075},
		{"anthropic", "claude-3-sonnet", 10, 20, 0.0015},
		{"anthropic", "claude-3-haiku", 10, 10, 0.00025},
		{"anthropic", "claude-3.5-sonnet", 10, 20, 0.003},
		{"ollama", "llama2", 10, 10, 0},
		{"ollama", "mistral", 10, 10, 0},
		{"ollama", "codellama", 10, 10, 0},
	}
}

// rateTable is an immutable snapshot; writers build a new one and swap it in.
type rateTable struct {
	byKey map[string]ConversionRate
	keys  []string // sorted, for deterministic partial matching
}

func newRateTable(rates []ConversionRate) *rateTable {
	t := &rateTable{byKey: make(map[string]ConversionRate, len(rates))}
	for _, r := range rates {
		t.byKey[r.Key()] = r
	}
	t.keys = make([]string, 0, len(t.byKey))
	for k := range t.byKey {
		t.keys = append(t.keys, k)
	}
	slices.Sort(t.keys)
	return t
}

// Rates is a concurrently readable conversion-rate table.
type Rates struct {
	mu    sync.Mutex // serializes writers
	table atomic.Pointer[rateTable]
}

// NewRates returns a table seeded with rates.
func NewRates(rates []ConversionRate) *Rates {
	r := &Rates{}
	r.table.Store(newRateTable(rates))
	return r
}

// Set inserts or replaces a rate.
func (r *Rates) Set(rate ConversionRate) error {
	if err := rate.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	cur := r.table.Load()
	next := make([]ConversionRate, 0, len(cur.byKey)+1)
	for _, k := range cur.keys {
		if k != rate.Key() {
			next = append(next, cur.byKey[k])
		}
	}
	r.table.Store(newRateTable(append(next, rate)))
	return nil
}

// List returns all rates sorted by key.
func (r *Rates) List() []ConversionRate {
	t := r.table.Load()
	out := make([]ConversionRate, len(t.keys))
	for i, k := range t.keys {
		out[i] = t.byKey[k]
	}
	return out
}

// Exact returns the rate for exactly provider:model.
func (r *Rates) Exact(provider, model string) (ConversionRate, bool) {
	rate, ok := r.table.Load().byKey[provider+":"+model]
	return rate, ok
}

// Lookup returns the rate for provider:model, falling back to a substring
// match on the model name. Same-provider rates win over others, and among
// those the longest matching model name wins.
func (r *Rates) Lookup(provider, model string) (ConversionRate, bool) {
	t := r.table.Load()
	if rate, ok := t.byKey[provider+":"+model]; ok {
		return rate, true
	}
	if model == "" {
		return ConversionRate{}, false
	}
	var (
		best      ConversionRate
		bestScore = -1
	)
	for _, k := range t.keys {
		rate := t.byKey[k]
		if !strings.Contains(model, rate.Model) && !strings.Contains(rate.Model, model) {
			continue
		}
		score := len(rate.Model)
		if rate.Provider == provider {
			score += 1 << 16
		}
		if score > bestScore {
			best, bestScore = rate, score
		}
	}
	return best, bestScore >= 0
}

// NormalizedTokens converts raw token counts into normalized tokens. Each side
// is floored, then raised to 1 when its raw count is positive. Without a rate,
// output is weighted twice: max(1, (in + 2*out) / 10).
func (r *Rates) NormalizedTokens(inputTokens, outputTokens int, provider, model string) int {
	rate, ok := r.Lookup(provider, model)
	if !ok {
		return max(1, (inputTokens+2*outputTokens)/10)
	}
	var in, out int
	if inputTokens > 0 {
		in = max(1, int(float64(inputTokens)/rate.InputRate))
	}
	if outputTokens > 0 {
		out = max(1, int(float64(outputTokens)/rate.OutputRate))
	}
	return in + out
}

// CalculateCost returns the normalized cost (1:1 with tokens) and the USD
// cost from the exact rate, or the default per-token price.
func (r *Rates) CalculateCost(normalizedTokens int, provider, model string) (normalizedCost, usdCost float64) {
	perToken := defaultCostPerToken
	if rate, ok := r.Exact(provider, model); ok {
		perToken = rate.BaseCost
	}
	return float64(normalizedTokens), float64(normalizedTokens) * perToken
}

// BaseCost returns the per-token USD cost used for cost-optimized routing.
func (r *Rates) BaseCost(provider, model string) (float64, bool) {
	rate, ok := r.Lookup(provider, model)
	if !ok {
		return 0, false
	}
	return rate.BaseCost, true
}
