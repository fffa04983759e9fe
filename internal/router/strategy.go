package router

import (
	"fmt"

	gateway "github.com/eugener/warden/internal"
)

// Strategy selects one provider among the available ones.
type Strategy int

const (
	RoundRobin Strategy = iota
	CostOptimized
	LatencyOptimized
	LoadBalanced
	Failover
	Random
)

var strategyNames = [...]string{
	RoundRobin:       "round_robin",
	CostOptimized:    "cost_optimized",
	LatencyOptimized: "latency_optimized",
	LoadBalanced:     "load_balanced",
	Failover:         "failover",
	Random:           "random",
}

// String returns the wire name of the strategy.
func (s Strategy) String() string {
	if s < 0 || int(s) >= len(strategyNames) {
		return "unknown"
	}
	return strategyNames[s]
}

// ParseStrategy maps a wire name to a Strategy.
func ParseStrategy(name string) (Strategy, error) {
	for i, n := range strategyNames {
		if n == name {
			return Strategy(i), nil
		}
	}
	return 0, fmt.Errorf("%w: unknown routing strategy %q", gateway.ErrBadRequest, name)
}

// MarshalText implements encoding.TextMarshaler.
func (s Strategy) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Strategy) UnmarshalText(b []byte) error {
	v, err := ParseStrategy(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}
