package router

import (
	"sync"
	"time"
)

const (
	// failureThreshold consecutive failures remove a provider from rotation.
	failureThreshold = 3
	// cooldown keeps a provider out after a failure not yet followed by a success.
	cooldown = 5 * time.Minute
	// emaWeight is the weight of the newest latency sample.
	emaWeight = 0.1
)

// Stats is a snapshot of one provider's health counters.
type Stats struct {
	TotalRequests       int64      `json:"total_requests"`
	SuccessfulRequests  int64      `json:"successful_requests"`
	FailedRequests      int64      `json:"failed_requests"`
	AvgLatencyMs        float64    `json:"avg_latency_ms"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	LastSuccess         *time.Time `json:"last_success,omitempty"`
	LastFailure         *time.Time `json:"last_failure,omitempty"`
	SuccessRate         float64    `json:"success_rate"`
}

// entry guards one provider's counters.
type entry struct {
	mu          sync.Mutex
	total       int64
	successful  int64
	failed      int64
	avgLatency  float64
	consecutive int
	lastSuccess time.Time
	lastFailure time.Time
}

func (e *entry) recordSuccess(latency time.Duration, now time.Time) {
	ms := float64(latency) / float64(time.Millisecond)
	e.mu.Lock()
	e.total++
	e.successful++
	if e.avgLatency == 0 {
		e.avgLatency = ms
	} else {
		e.avgLatency = (1-emaWeight)*e.avgLatency + emaWeight*ms
	}
	e.consecutive = 0
	e.lastSuccess = now
	e.mu.Unlock()
}

func (e *entry) recordFailure(now time.Time) {
	e.mu.Lock()
	e.total++
	e.failed++
	e.consecutive++
	e.lastFailure = now
	e.mu.Unlock()
}

// available reports whether the provider is eligible for selection at now.
func (e *entry) available(now time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.consecutive >= failureThreshold {
		return false
	}
	if !e.lastFailure.IsZero() && e.lastSuccess.Before(e.lastFailure) && now.Sub(e.lastFailure) < cooldown {
		return false
	}
	return true
}

func (e *entry) snapshot() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := Stats{
		TotalRequests:       e.total,
		SuccessfulRequests:  e.successful,
		FailedRequests:      e.failed,
		AvgLatencyMs:        e.avgLatency,
		ConsecutiveFailures: e.consecutive,
	}
	if e.total > 0 {
		s.SuccessRate = float64(e.successful) / float64(e.total)
	}
	if !e.lastSuccess.IsZero() {
		t := e.lastSuccess
		s.LastSuccess = &t
	}
	if !e.lastFailure.IsZero() {
		t := e.lastFailure
		s.LastFailure = &t
	}
	return s
}

// registry maps provider names to stats entries.
type registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

func newRegistry() *registry {
	return &registry{entries: make(map[string]*entry)}
}

// getOrCreate returns the entry for name, creating one if needed.
func (r *registry) getOrCreate(name string) *entry {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if ok {
		return e
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	// Double-check after acquiring write lock.
	if e, ok := r.entries[name]; ok {
		return e
	}
	e = &entry{}
	r.entries[name] = e
	return e
}

func (r *registry) snapshot() map[string]Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Stats, len(r.entries))
	for name, e := range r.entries {
		out[name] = e.snapshot()
	}
	return out
}
