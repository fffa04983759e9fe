// Package provider holds the connector registry and the HTTP plumbing shared
// by the LLM provider connectors.
package provider

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"net"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rs/dnscache"

	gateway "github.com/eugener/warden/internal"
)

// Registry is the set of configured connectors keyed by instance name.
type Registry struct {
	mu     sync.RWMutex
	byName map[string]gateway.Provider
}

func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]gateway.Provider)}
}

// Register adds p under p.Name(). A second connector with the same name is
// rejected with ErrConflict.
func (r *Registry) Register(p gateway.Provider) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.byName[p.Name()]; dup {
		return fmt.Errorf("provider %q: %w", p.Name(), gateway.ErrConflict)
	}
	r.byName[p.Name()] = p
	return nil
}

// ProbeResult is one connector's health check outcome.
type ProbeResult struct {
	Name    string
	Latency time.Duration
	Err     error
}

// Probe health-checks every connector concurrently, each bounded by
// timeout, and returns the results sorted by name.
func (r *Registry) Probe(ctx context.Context, timeout time.Duration) []ProbeResult {
	r.mu.RLock()
	conns := slices.Collect(maps.Values(r.byName))
	r.mu.RUnlock()

	out := make([]ProbeResult, len(conns))
	var wg sync.WaitGroup
	for i, p := range conns {
		wg.Go(func() {
			pctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			start := time.Now()
			err := p.HealthCheck(pctx)
			out[i] = ProbeResult{Name: p.Name(), Latency: time.Since(start), Err: err}
		})
	}
	wg.Wait()
	slices.SortFunc(out, func(a, b ProbeResult) int { return strings.Compare(a.Name, b.Name) })
	return out
}

// Outbound returns a copy of req with broker-only fields cleared, ready to be
// marshaled for an upstream.
func Outbound(req *gateway.ChatRequest) *gateway.ChatRequest {
	out := *req
	out.SessionID = ""
	out.RoutingStrategy = ""
	return &out
}

// NewTransport returns a pooled *http.Transport. A non-nil resolver serves
// lookups from cache and dials the resolved addresses in order until one
// connects. forceHTTP2 suits remote HTTPS APIs; local Ollama speaks HTTP/1.1.
func NewTransport(resolver *dnscache.Resolver, forceHTTP2 bool) *http.Transport {
	t := &http.Transport{
		MaxIdleConnsPerHost: 100,
		MaxConnsPerHost:     200,
		IdleConnTimeout:     90 * time.Second,
		ForceAttemptHTTP2:   forceHTTP2,
		TLSHandshakeTimeout: 5 * time.Second,
	}
	if resolver != nil {
		t.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, err
			}
			ips, err := resolver.LookupHost(ctx, host)
			if err != nil {
				return nil, err
			}
			var d net.Dialer
			var errs []error
			for _, ip := range ips {
				conn, err := d.DialContext(ctx, network, net.JoinHostPort(ip, port))
				if err == nil {
					return conn, nil
				}
				errs = append(errs, err)
				if ctx.Err() != nil {
					break
				}
			}
			return nil, fmt.Errorf("dial %s: %w", host, errors.Join(errs...))
		}
	}
	return t
}
