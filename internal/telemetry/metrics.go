// Package telemetry provides observability primitives for the Warden broker.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "warden"

// Metrics holds all Prometheus collectors for the broker.
type Metrics struct {
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	ActiveRequests   prometheus.Gauge
	UpstreamDuration *prometheus.HistogramVec
	UpstreamErrors   *prometheus.CounterVec
	AuthFailures     *prometheus.CounterVec
	QuotaRejects     *prometheus.CounterVec
	ThreatsDetected  *prometheus.CounterVec
	TokensProcessed  *prometheus.CounterVec
	CostUSD          *prometheus.CounterVec
	UsageQueueLength prometheus.Gauge
}

// collectorSet registers collectors as they are built.
type collectorSet struct {
	reg prometheus.Registerer
}

func (c collectorSet) counter(name, help string, labels ...string) *prometheus.CounterVec {
	v := prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: name, Help: help}, labels)
	c.reg.MustRegister(v)
	return v
}

func (c collectorSet) gauge(name, help string) prometheus.Gauge {
	g := prometheus.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: help})
	c.reg.MustRegister(g)
	return g
}

// latency builds a native histogram; buckets grow by 10% up to 100 of them.
func (c collectorSet) latency(name, help string, labels ...string) *prometheus.HistogramVec {
	v := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace:                      namespace,
		Name:                           name,
		Help:                           help,
		NativeHistogramBucketFactor:    1.1,
		NativeHistogramMaxBucketNumber: 100,
	}, labels)
	c.reg.MustRegister(v)
	return v
}

// NewMetrics creates the broker collectors and registers them with reg.
// It panics if any name is already registered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	c := collectorSet{reg: reg}
	return &Metrics{
		RequestsTotal:    c.counter("requests_total", "Total number of HTTP requests.", "method", "path", "status"),
		RequestDuration:  c.latency("request_duration_seconds", "HTTP request duration in seconds.", "method", "path"),
		ActiveRequests:   c.gauge("active_requests", "Number of currently active requests."),
		UpstreamDuration: c.latency("upstream_duration_seconds", "Upstream provider call duration in seconds.", "provider", "model"),
		UpstreamErrors:   c.counter("upstream_errors_total", "Total upstream provider errors.", "provider", "status"),
		AuthFailures:     c.counter("auth_failures_total", "Total rejected authentication attempts.", "method"),
		QuotaRejects:     c.counter("quota_rejects_total", "Total requests rejected by quota or rate limits.", "reason"),
		ThreatsDetected:  c.counter("threats_detected_total", "Total prompt threats detected.", "kind", "action"),
		TokensProcessed:  c.counter("tokens_processed_total", "Total tokens processed.", "provider", "model", "type"),
		CostUSD:          c.counter("cost_usd_total", "Accumulated upstream cost in US dollars.", "provider"),
		UsageQueueLength: c.gauge("usage_queue_length", "Current number of queued usage snapshots."),
	}
}
