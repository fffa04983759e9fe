// Package router selects an upstream provider for each chat request using a
// pluggable strategy, executes the call under a per-provider timeout, and
// falls back through the remaining available providers on failure.
package router

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	gateway "github.com/eugener/warden/internal"
	"github.com/eugener/warden/internal/provider"
	"github.com/eugener/warden/internal/telemetry"
)

const defaultTimeout = 30 * time.Second

// Provider types understood by the family heuristic.
const (
	TypeOpenAI    = "openai"
	TypeAnthropic = "anthropic"
	TypeOllama    = "ollama"
)

// DefaultFailoverOrder is the provider priority used by the failover strategy.
var DefaultFailoverOrder = []string{"openai", "anthropic", "ollama"}

// Target is one configured upstream.
type Target struct {
	Name     string
	Type     string
	Provider gateway.Provider
	Models   []string      // declared models; empty means any model
	Timeout  time.Duration // per attempt; 0 means 30s
}

// supports reports whether the target can serve model.
func (t *Target) supports(model string) bool {
	if len(t.Models) == 0 || slices.Contains(t.Models, model) {
		return true
	}
	m := strings.ToLower(model)
	switch t.Type {
	case TypeOpenAI:
		return strings.Contains(m, "gpt") || strings.Contains(m, "davinci")
	case TypeAnthropic:
		return strings.Contains(m, "claude")
	case TypeOllama:
		return true
	}
	return false
}

// CostLookup prices a provider/model pair for cost-optimized selection.
type CostLookup interface {
	BaseCost(provider, model string) (float64, bool)
}

// Options configures a Router.
type Options struct {
	FailoverOrder []string
	Costs         CostLookup
	Metrics       *telemetry.Metrics
	Tracer        trace.Tracer
	Now           func() time.Time
}

// Usage is the token usage of a routed call plus where it was served.
type Usage struct {
	gateway.Usage
	Provider string `json:"provider"`
	Model    string `json:"model"`
	Strategy string `json:"strategy"`
}

// Result is the outcome of a routed call.
type Result struct {
	Text     string
	Response *gateway.ChatResponse
	Usage    Usage
}

// Router dispatches chat requests across targets.
type Router struct {
	targets  []Target
	failover []string
	costs    CostLookup
	metrics  *telemetry.Metrics
	tracer   trace.Tracer
	now      func() time.Time

	stats *registry

	rrMu sync.Mutex
	rr   map[string]*atomic.Uint64 // per-model round-robin counters
}

// New returns a Router over targets, in enumeration order.
func New(targets []Target, opts Options) *Router {
	r := &Router{
		targets:  targets,
		failover: opts.FailoverOrder,
		costs:    opts.Costs,
		metrics:  opts.Metrics,
		tracer:   opts.Tracer,
		now:      opts.Now,
		stats:    newRegistry(),
		rr:       make(map[string]*atomic.Uint64),
	}
	if len(r.failover) == 0 {
		r.failover = DefaultFailoverOrder
	}
	if r.tracer == nil {
		r.tracer = telemetry.Tracer("warden/router")
	}
	if r.now == nil {
		r.now = time.Now
	}
	for _, t := range targets {
		r.stats.getOrCreate(t.Name)
	}
	return r
}

// Providers returns the configured provider names in enumeration order.
func (r *Router) Providers() []string {
	names := make([]string, len(r.targets))
	for i, t := range r.targets {
		names[i] = t.Name
	}
	return names
}

// Stats returns a snapshot of every provider's counters.
func (r *Router) Stats() map[string]Stats {
	return r.stats.snapshot()
}

// Models aggregates declared and upstream-listed models across providers.
func (r *Router) Models(ctx context.Context) []string {
	seen := make(map[string]struct{})
	for _, t := range r.targets {
		for _, m := range t.Models {
			seen[m] = struct{}{}
		}
		listed, err := t.Provider.ListModels(ctx)
		if err != nil {
			slog.LogAttrs(ctx, slog.LevelWarn, "list models failed",
				slog.String("provider", t.Name),
				slog.String("error", err.Error()),
			)
			continue
		}
		for _, m := range listed {
			seen[m] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for m := range seen {
		out = append(out, m)
	}
	slices.Sort(out)
	return out
}

// available returns the indices of targets eligible for model.
func (r *Router) available(model string) []int {
	now := r.now()
	var idx []int
	for i := range r.targets {
		t := &r.targets[i]
		if t.supports(model) && r.stats.getOrCreate(t.Name).available(now) {
			idx = append(idx, i)
		}
	}
	return idx
}

// Route selects a provider for req.Model by strategy and executes the call,
// falling back through the other available providers on failure.
func (r *Router) Route(ctx context.Context, req *gateway.ChatRequest, strategy Strategy) (*Result, error) {
	avail := r.available(req.Model)
	if len(avail) == 0 {
		return nil, fmt.Errorf("%w for model %q", gateway.ErrNoProviderAvailable, req.Model)
	}

	first := r.selectTarget(avail, req.Model, strategy)
	order := make([]int, 0, len(avail))
	order = append(order, first)
	for _, i := range avail {
		if i != first {
			order = append(order, i)
		}
	}

	var lastErr error
	for _, i := range order {
		t := &r.targets[i]
		resp, err := r.attempt(ctx, t, req)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				break
			}
			continue
		}
		res := &Result{
			Text:     resp.Text(),
			Response: resp,
			Usage: Usage{
				Provider: t.Name,
				Model:    req.Model,
				Strategy: strategy.String(),
			},
		}
		if resp.Usage != nil {
			res.Usage.Usage = *resp.Usage
		}
		return res, nil
	}
	return nil, fmt.Errorf("%w: last error: %w", gateway.ErrAllProvidersFailed, lastErr)
}

// attempt runs one provider call under the target's timeout and records the
// outcome. No router lock is held during the call.
func (r *Router) attempt(ctx context.Context, t *Target, req *gateway.ChatRequest) (*gateway.ChatResponse, error) {
	timeout := cmp.Or(t.Timeout, defaultTimeout)
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	attemptCtx, span := r.tracer.Start(attemptCtx, "router.attempt",
		trace.WithAttributes(
			attribute.String("provider", t.Name),
			attribute.String("model", req.Model),
		),
	)
	defer span.End()

	start := r.now()
	resp, err := t.Provider.ChatCompletion(attemptCtx, req)
	elapsed := r.now().Sub(start)
	if r.metrics != nil {
		r.metrics.UpstreamDuration.WithLabelValues(t.Name, req.Model).Observe(elapsed.Seconds())
	}

	e := r.stats.getOrCreate(t.Name)
	if err == nil && resp == nil {
		err = fmt.Errorf("%s: empty response", t.Name)
	}
	if err != nil {
		e.recordFailure(r.now())
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		status := errorLabel(err)
		if r.metrics != nil {
			r.metrics.UpstreamErrors.WithLabelValues(t.Name, status).Inc()
		}
		slog.LogAttrs(ctx, slog.LevelWarn, "provider attempt failed",
			slog.String("provider", t.Name),
			slog.String("model", req.Model),
			slog.String("status", status),
			slog.Duration("elapsed", elapsed),
			slog.String("error", err.Error()),
		)
		return nil, err
	}
	e.recordSuccess(elapsed, r.now())
	return resp, nil
}

// errorLabel returns a low-cardinality label for an attempt failure.
func errorLabel(err error) string {
	var apiErr *provider.APIError
	switch {
	case errors.As(err, &apiErr):
		return strconv.Itoa(apiErr.StatusCode)
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "error"
	}
}

// selectTarget picks one index out of avail (non-empty).
func (r *Router) selectTarget(avail []int, model string, strategy Strategy) int {
	switch strategy {
	case RoundRobin:
		n := r.counter(model).Add(1) - 1
		return avail[n%uint64(len(avail))]

	case CostOptimized:
		return r.cheapest(avail, model)

	case LatencyOptimized:
		best, bestLatency := -1, 0.0
		for _, i := range avail {
			s := r.stats.getOrCreate(r.targets[i].Name).snapshot()
			if s.SuccessfulRequests == 0 {
				continue
			}
			if best < 0 || s.AvgLatencyMs < bestLatency {
				best, bestLatency = i, s.AvgLatencyMs
			}
		}
		if best < 0 {
			return avail[0]
		}
		return best

	case LoadBalanced:
		best, bestLoad := avail[0], int64(-1)
		for _, i := range avail {
			s := r.stats.getOrCreate(r.targets[i].Name).snapshot()
			load := (s.TotalRequests - s.SuccessfulRequests) + 10*int64(s.ConsecutiveFailures)
			if bestLoad < 0 || load < bestLoad {
				best, bestLoad = i, load
			}
		}
		return best

	case Failover:
		for _, name := range r.failover {
			for _, i := range avail {
				if r.targets[i].Name == name {
					return i
				}
			}
		}
		return avail[0]

	case Random:
		return avail[rand.IntN(len(avail))]
	}
	return avail[0]
}

// cheapest returns the available target with the lowest known base cost.
// Unknown costs sort after known ones; ties keep enumeration order.
func (r *Router) cheapest(avail []int, model string) int {
	if r.costs == nil {
		return avail[0]
	}
	best, bestCost, bestKnown := avail[0], 0.0, false
	for _, i := range avail {
		c, ok := r.costs.BaseCost(r.targets[i].Name, model)
		if !ok {
			continue
		}
		if !bestKnown || c < bestCost {
			best, bestCost, bestKnown = i, c, true
		}
	}
	return best
}

// counter returns the round-robin counter for model.
func (r *Router) counter(model string) *atomic.Uint64 {
	r.rrMu.Lock()
	defer r.rrMu.Unlock()
	c, ok := r.rr[model]
	if !ok {
		c = &atomic.Uint64{}
		r.rr[model] = c
	}
	return c
}
