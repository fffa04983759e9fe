package router

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	gateway "github.com/eugener/warden/internal"
	"github.com/eugener/warden/internal/provider"
	"github.com/eugener/warden/internal/testutil"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func okProvider(name string) *testutil.FakeProvider {
	return &testutil.FakeProvider{
		ProviderName: name,
		ChatFn: func(_ context.Context, req *gateway.ChatRequest) (*gateway.ChatResponse, error) {
			return testutil.Reply(req.Model, "ok from "+name), nil
		},
	}
}

func failingProvider(name string) *testutil.FakeProvider {
	return &testutil.FakeProvider{
		ProviderName: name,
		ChatFn: func(context.Context, *gateway.ChatRequest) (*gateway.ChatResponse, error) {
			return nil, &provider.APIError{Provider: name, StatusCode: http.StatusBadGateway, Body: "upstream exploded"}
		},
	}
}

func newTestRouter(t *testing.T, opts Options, providers ...*testutil.FakeProvider) (*Router, *fakeClock) {
	t.Helper()
	clk := &fakeClock{now: time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)}
	opts.Now = clk.Now
	targets := make([]Target, len(providers))
	for i, p := range providers {
		targets[i] = Target{Name: p.ProviderName, Type: TypeOllama, Provider: p}
	}
	return New(targets, opts), clk
}

func chat(model string) *gateway.ChatRequest {
	return &gateway.ChatRequest{
		Model:    model,
		Messages: []gateway.Message{gateway.TextMessage("user", "hi")},
	}
}

func TestParseStrategy(t *testing.T) {
	t.Parallel()
	for _, s := range []Strategy{RoundRobin, CostOptimized, LatencyOptimized, LoadBalanced, Failover, Random} {
		got, err := ParseStrategy(s.String())
		if err != nil || got != s {
			t.Errorf("ParseStrategy(%q) = %v, %v", s.String(), got, err)
		}
	}
	if _, err := ParseStrategy("fastest"); !errors.Is(err, gateway.ErrBadRequest) {
		t.Errorf("unknown strategy error = %v, want ErrBadRequest", err)
	}
}

func TestTarget_Supports(t *testing.T) {
	t.Parallel()
	tests := []struct {
		target Target
		model  string
		want   bool
	}{
		{Target{Type: TypeOpenAI}, "claude-3-opus", true}, // no declared list
		{Target{Type: TypeOpenAI, Models: []string{"gpt-4"}}, "gpt-4", true},
		{Target{Type: TypeOpenAI, Models: []string{"gpt-4"}}, "gpt-4o-mini", true},
		{Target{Type: TypeOpenAI, Models: []string{"gpt-4"}}, "text-davinci-003", true},
		{Target{Type: TypeOpenAI, Models: []string{"gpt-4"}}, "claude-3-opus", false},
		{Target{Type: TypeAnthropic, Models: []string{"claude-3-opus"}}, "Claude-3-Haiku", true},
		{Target{Type: TypeAnthropic, Models: []string{"claude-3-opus"}}, "gpt-4", false},
		{Target{Type: TypeOllama, Models: []string{"llama2"}}, "anything", true},
		{Target{Type: "custom", Models: []string{"m1"}}, "m2", false},
	}
	for _, tt := range tests {
		if got := tt.target.supports(tt.model); got != tt.want {
			t.Errorf("%s%v.supports(%q) = %v, want %v", tt.target.Type, tt.target.Models, tt.model, got, tt.want)
		}
	}
}

func TestRoute_NoProviderAvailable(t *testing.T) {
	t.Parallel()
	p := okProvider("openai")
	r := New([]Target{{Name: "openai", Type: TypeOpenAI, Provider: p, Models: []string{"gpt-4"}}}, Options{})

	_, err := r.Route(t.Context(), chat("claude-3-opus"), RoundRobin)
	if !errors.Is(err, gateway.ErrNoProviderAvailable) {
		t.Fatalf("err = %v, want ErrNoProviderAvailable", err)
	}
	if p.Calls() != 0 {
		t.Errorf("provider called %d times, want 0", p.Calls())
	}
}

func TestRoute_FailoverToSecond(t *testing.T) {
	t.Parallel()
	a, b := failingProvider("openai"), okProvider("anthropic")
	r, clk := newTestRouter(t, Options{}, a, b)

	res, err := r.Route(t.Context(), chat("m"), Failover)
	if err != nil {
		t.Fatal(err)
	}
	if res.Text != "ok from anthropic" || res.Usage.Provider != "anthropic" {
		t.Errorf("result = %q via %s", res.Text, res.Usage.Provider)
	}
	if res.Usage.Strategy != "failover" || res.Usage.TotalTokens != 15 {
		t.Errorf("usage = %+v", res.Usage)
	}
	stats := r.Stats()
	if stats["openai"].ConsecutiveFailures != 1 || stats["openai"].FailedRequests != 1 {
		t.Errorf("openai stats = %+v", stats["openai"])
	}
	if stats["anthropic"].SuccessfulRequests != 1 {
		t.Errorf("anthropic stats = %+v", stats["anthropic"])
	}

	// openai is cooling down: the next call goes straight to anthropic.
	if _, err := r.Route(t.Context(), chat("m"), Failover); err != nil {
		t.Fatal(err)
	}
	if a.Calls() != 1 {
		t.Errorf("openai calls during cooldown = %d, want 1", a.Calls())
	}

	clk.Advance(cooldown + time.Second)
	if _, err := r.Route(t.Context(), chat("m"), Failover); err != nil {
		t.Fatal(err)
	}
	if a.Calls() != 2 {
		t.Errorf("openai calls after cooldown = %d, want 2", a.Calls())
	}
}

func TestRoute_ExcludedAfterThreeFailures(t *testing.T) {
	t.Parallel()
	a, b := failingProvider("a"), okProvider("b")
	r, clk := newTestRouter(t, Options{FailoverOrder: []string{"a", "b"}}, a, b)

	for range failureThreshold {
		if _, err := r.Route(t.Context(), chat("m"), Failover); err != nil {
			t.Fatal(err)
		}
		clk.Advance(cooldown + time.Second)
	}
	if got := r.Stats()["a"].ConsecutiveFailures; got != failureThreshold {
		t.Fatalf("consecutive failures = %d, want %d", got, failureThreshold)
	}

	for range 5 {
		if _, err := r.Route(t.Context(), chat("m"), Failover); err != nil {
			t.Fatal(err)
		}
	}
	if a.Calls() != failureThreshold {
		t.Errorf("a called %d times, want %d", a.Calls(), failureThreshold)
	}
}

func TestRoute_AllProvidersFailed(t *testing.T) {
	t.Parallel()
	r, _ := newTestRouter(t, Options{}, failingProvider("a"), failingProvider("b"))

	_, err := r.Route(t.Context(), chat("m"), RoundRobin)
	if !errors.Is(err, gateway.ErrAllProvidersFailed) {
		t.Fatalf("err = %v, want ErrAllProvidersFailed", err)
	}
	var apiErr *provider.APIError
	if !errors.As(err, &apiErr) {
		t.Fatal("error should wrap the last APIError")
	}
	if !strings.HasPrefix(err.Error(), "all providers failed: last error: ") {
		t.Errorf("message = %q", err.Error())
	}

	if _, err := r.Route(t.Context(), chat("m"), RoundRobin); !errors.Is(err, gateway.ErrNoProviderAvailable) {
		t.Errorf("after failures err = %v, want ErrNoProviderAvailable", err)
	}
}

func TestRoute_Timeout(t *testing.T) {
	t.Parallel()
	slow := &testutil.FakeProvider{
		ProviderName: "slow",
		ChatFn: func(ctx context.Context, _ *gateway.ChatRequest) (*gateway.ChatResponse, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	fast := okProvider("fast")
	r := New([]Target{
		{Name: "slow", Type: TypeOllama, Provider: slow, Timeout: 20 * time.Millisecond},
		{Name: "fast", Type: TypeOllama, Provider: fast},
	}, Options{})

	res, err := r.Route(t.Context(), chat("m"), Failover)
	if err != nil {
		t.Fatal(err)
	}
	if res.Usage.Provider != "fast" {
		t.Errorf("served by %s, want fast", res.Usage.Provider)
	}
	if r.Stats()["slow"].FailedRequests != 1 {
		t.Errorf("slow stats = %+v", r.Stats()["slow"])
	}
}

func TestSelect_RoundRobin(t *testing.T) {
	t.Parallel()
	r, _ := newTestRouter(t, Options{}, okProvider("a"), okProvider("b"), okProvider("c"))

	var got []string
	for range 6 {
		res, err := r.Route(t.Context(), chat("m"), RoundRobin)
		if err != nil {
			t.Fatal(err)
		}
		got = append(got, res.Usage.Provider)
	}
	if want := []string{"a", "b", "c", "a", "b", "c"}; !slices.Equal(got, want) {
		t.Errorf("order = %v, want %v", got, want)
	}

	// Counters are per model.
	res, _ := r.Route(t.Context(), chat("other"), RoundRobin)
	if res.Usage.Provider != "a" {
		t.Errorf("first pick for new model = %s, want a", res.Usage.Provider)
	}
}

func TestSelect_LatencyOptimized(t *testing.T) {
	t.Parallel()
	r, clk := newTestRouter(t, Options{}, okProvider("a"), okProvider("b"), okProvider("c"))
	now := clk.Now()
	r.stats.getOrCreate("a").recordSuccess(300*time.Millisecond, now)
	r.stats.getOrCreate("b").recordSuccess(50*time.Millisecond, now)

	res, err := r.Route(t.Context(), chat("m"), LatencyOptimized)
	if err != nil {
		t.Fatal(err)
	}
	if res.Usage.Provider != "b" {
		t.Errorf("served by %s, want b", res.Usage.Provider)
	}
}

func TestSelect_LatencyOptimizedNoHistory(t *testing.T) {
	t.Parallel()
	r, _ := newTestRouter(t, Options{}, okProvider("a"), okProvider("b"))
	res, _ := r.Route(t.Context(), chat("m"), LatencyOptimized)
	if res.Usage.Provider != "a" {
		t.Errorf("served by %s, want a", res.Usage.Provider)
	}
}

func TestSelect_LoadBalanced(t *testing.T) {
	t.Parallel()
	r, clk := newTestRouter(t, Options{}, okProvider("a"), okProvider("b"))
	now := clk.Now()
	ea := r.stats.getOrCreate("a")
	ea.recordFailure(now.Add(-time.Hour))
	ea.recordSuccess(time.Millisecond, now)

	res, _ := r.Route(t.Context(), chat("m"), LoadBalanced)
	if res.Usage.Provider != "b" {
		t.Errorf("served by %s, want b", res.Usage.Provider)
	}
}

type costTable map[string]float64

func (c costTable) BaseCost(provider, _ string) (float64, bool) {
	v, ok := c[provider]
	return v, ok
}

func TestSelect_CostOptimized(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		costs CostLookup
		want  string
	}{
		{"cheapest known", costTable{"a": 0.003, "b": 0.0005, "c": 0.001}, "b"},
		{"unknown sorts last", costTable{"c": 0.01}, "c"},
		{"tie keeps order", costTable{"a": 0.001, "b": 0.001}, "a"},
		{"no lookup", nil, "a"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			r, _ := newTestRouter(t, Options{Costs: tt.costs}, okProvider("a"), okProvider("b"), okProvider("c"))
			res, err := r.Route(t.Context(), chat("m"), CostOptimized)
			if err != nil {
				t.Fatal(err)
			}
			if res.Usage.Provider != tt.want {
				t.Errorf("served by %s, want %s", res.Usage.Provider, tt.want)
			}
		})
	}
}

func TestSelect_FailoverOrder(t *testing.T) {
	t.Parallel()
	r, _ := newTestRouter(t, Options{}, okProvider("ollama"), okProvider("anthropic"))
	res, _ := r.Route(t.Context(), chat("m"), Failover)
	if res.Usage.Provider != "anthropic" {
		t.Errorf("served by %s, want anthropic", res.Usage.Provider)
	}

	r, _ = newTestRouter(t, Options{}, okProvider("x"), okProvider("y"))
	res, _ = r.Route(t.Context(), chat("m"), Failover)
	if res.Usage.Provider != "x" {
		t.Errorf("served by %s, want x", res.Usage.Provider)
	}
}

func TestSelect_Random(t *testing.T) {
	t.Parallel()
	r, _ := newTestRouter(t, Options{}, okProvider("a"), okProvider("b"))
	for range 20 {
		res, err := r.Route(t.Context(), chat("m"), Random)
		if err != nil {
			t.Fatal(err)
		}
		if res.Usage.Provider != "a" && res.Usage.Provider != "b" {
			t.Fatalf("served by %s", res.Usage.Provider)
		}
	}
}

func TestEntry_EMA(t *testing.T) {
	t.Parallel()
	var e entry
	now := time.Now()
	e.recordSuccess(100*time.Millisecond, now)
	e.recordSuccess(200*time.Millisecond, now)
	if got := e.snapshot().AvgLatencyMs; got < 109.99 || got > 110.01 {
		t.Errorf("EMA = %v, want 110", got)
	}
	e.recordFailure(now)
	s := e.snapshot()
	if s.TotalRequests != 3 || s.SuccessRate < 0.66 || s.SuccessRate > 0.67 {
		t.Errorf("snapshot = %+v", s)
	}
}

func TestRouter_Models(t *testing.T) {
	t.Parallel()
	a := &testutil.FakeProvider{ProviderName: "a", ModelsFn: func(context.Context) ([]string, error) {
		return []string{"gpt-4", "gpt-4o"}, nil
	}}
	b := &testutil.FakeProvider{ProviderName: "b", ModelsFn: func(context.Context) ([]string, error) {
		return nil, errors.New("down")
	}}
	r := New([]Target{
		{Name: "a", Provider: a, Models: []string{"gpt-4"}},
		{Name: "b", Provider: b, Models: []string{"claude-3-opus"}},
	}, Options{})

	got := r.Models(t.Context())
	if want := []string{"claude-3-opus", "gpt-4", "gpt-4o"}; !slices.Equal(got, want) {
		t.Errorf("Models = %v, want %v", got, want)
	}
	if want := []string{"a", "b"}; !slices.Equal(r.Providers(), want) {
		t.Errorf("Providers = %v, want %v", r.Providers(), want)
	}
}

func TestRoute_Concurrent(t *testing.T) {
	t.Parallel()
	r, _ := newTestRouter(t, Options{}, okProvider("a"), okProvider("b"))
	const n = 100

	var wg sync.WaitGroup
	for range n {
		wg.Go(func() {
			if _, err := r.Route(context.Background(), chat("m"), RoundRobin); err != nil {
				t.Error(err)
			}
		})
	}
	wg.Wait()

	stats := r.Stats()
	if got := stats["a"].TotalRequests + stats["b"].TotalRequests; got != n {
		t.Errorf("total requests = %d, want %d", got, n)
	}
	if stats["a"].TotalRequests != n/2 {
		t.Errorf("round robin split = %d/%d", stats["a"].TotalRequests, stats["b"].TotalRequests)
	}
}

func BenchmarkRoute(b *testing.B) {
	r := New([]Target{
		{Name: "a", Type: TypeOllama, Provider: okProvider("a")},
		{Name: "b", Type: TypeOllama, Provider: okProvider("b")},
	}, Options{})
	ctx := context.Background()
	req := chat("m")
	for b.Loop() {
		r.Route(ctx, req, LoadBalanced)
	}
}
