// Package perf implements the deferred "previous-request" performance
// event pipeline from spec.md §4 (PerfPipeline) and its testable
// invariant: exactly one PerfEvent reported per HTTP request issued in
// perf mode (spec.md §8 property 7).
//
// Grounded on the teacher's pkg/metrics/webhook.go: a struct of
// *prometheus.HistogramVec/CounterVec fields built once behind
// sync.Once via promauto, under one namespace/subsystem pair, to avoid
// "duplicate metrics collector registration" panics when a pipeline is
// constructed more than once (e.g. once per test).
package perf

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Event is a single HTTP timing record, held by a ScenarioRuntime until
// the next request is issued or the scenario ends.
type Event struct {
	Name           string
	Method         string
	URL            string
	StartMillis    int64
	DurationNanos  int64
	StatusCode     int
	FailureMessage string
}

// Hook names and reports perf events; ScenarioRuntime calls Report
// exactly once per held Event, per spec.md §4/§8 property 7.
type Hook interface {
	EventName(method, url string) string
	Report(e Event)
}

var (
	pipelineInstance *Pipeline
	pipelineOnce     sync.Once
)

// Pipeline is the Prometheus-backed Hook implementation. Metrics are
// registered once per process regardless of how many Pipelines are
// constructed, matching the teacher's webhookMetricsOnce idiom.
type Pipeline struct {
	requestsTotal   *prometheus.CounterVec
	durationSeconds *prometheus.HistogramVec
	failuresTotal   *prometheus.CounterVec

	mu     sync.Mutex
	events []Event // retained for report.NDJSONWriter / tests; bounded by caller
}

// NewPipeline returns the process-wide perf Pipeline, registering its
// Prometheus collectors on first call only.
func NewPipeline() *Pipeline {
	pipelineOnce.Do(func() {
		pipelineInstance = &Pipeline{
			requestsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: "karate",
					Subsystem: "perf",
					Name:      "requests_total",
					Help:      "Total number of HTTP requests observed by the perf pipeline",
				},
				[]string{"name", "method"},
			),
			durationSeconds: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: "karate",
					Subsystem: "perf",
					Name:      "request_duration_seconds",
					Help:      "Duration of HTTP requests observed by the perf pipeline",
					Buckets:   prometheus.DefBuckets,
				},
				[]string{"name", "method"},
			),
			failuresTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: "karate",
					Subsystem: "perf",
					Name:      "failures_total",
					Help:      "Total number of HTTP requests that ended a scenario in failure",
				},
				[]string{"name"},
			),
		}
	})
	return pipelineInstance
}

// EventName derives a perf event name from method+url, per spec.md §4's
// PerfHook.getPerfEventName collaborator contract.
func (p *Pipeline) EventName(method, url string) string {
	return method + " " + url
}

// Report records e exactly once. Called by ScenarioRuntime when the
// held prevPerfEvent is flushed, either before the next request or in
// the scenario's finally block.
func (p *Pipeline) Report(e Event) {
	p.requestsTotal.WithLabelValues(e.Name, e.Method).Inc()
	p.durationSeconds.WithLabelValues(e.Name, e.Method).Observe(time.Duration(e.DurationNanos).Seconds())
	if e.FailureMessage != "" {
		p.failuresTotal.WithLabelValues(e.Name).Inc()
	}

	p.mu.Lock()
	p.events = append(p.events, e)
	p.mu.Unlock()
}

// Events returns a snapshot of every event reported so far, for report
// writers that want per-request detail alongside the aggregate metrics.
func (p *Pipeline) Events() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Event, len(p.events))
	copy(out, p.events)
	return out
}
