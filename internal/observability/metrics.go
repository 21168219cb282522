// Package observability is the ambient metrics/tracing stack carried
// regardless of spec.md's non-goals (system prompt: "a spec that excludes
// metrics still gets structured logging the way the teacher does it").
// Grounded on the teacher's own choice of Prometheus + OpenTelemetry
// (go.mod: prometheus/client_golang, go.opentelemetry.io/otel); trimmed
// down from the teacher's generic multi-channel-daemon metrics surface to
// the counters/histograms the continuum engine, LT-Memory pipeline, and
// scheduler actually emit.
package observability

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// Metrics bundles every Prometheus collector the core registers. One
// instance is constructed at process start and threaded through the
// continuum, ltmemory, and scheduler packages via constructor options.
type Metrics struct {
	SegmentCollapses   *prometheus.CounterVec
	SegmentCollapseDur prometheus.Histogram
	MemorySearches     *prometheus.CounterVec
	MemorySearchDur    prometheus.Histogram
	SchedulerJobRuns   *prometheus.CounterVec
	SchedulerJobDur    *prometheus.HistogramVec
	LLMRequests        *prometheus.CounterVec
}

// New constructs and registers the metric set against reg. Passing a
// fresh prometheus.NewRegistry() in tests avoids colliding with the
// package-level default registry across parallel test binaries.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SegmentCollapses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mira_segment_collapses_total",
			Help: "Segment collapses, labeled by outcome (collapsed, tombstoned, aborted).",
		}, []string{"outcome"}),
		SegmentCollapseDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "mira_segment_collapse_duration_seconds",
			Help:    "Wall-clock time to summarize, embed, and persist a collapsing segment.",
			Buckets: prometheus.DefBuckets,
		}),
		MemorySearches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mira_memory_searches_total",
			Help: "Hybrid searches against LT-Memory, labeled by search intent.",
		}, []string{"intent"}),
		MemorySearchDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "mira_memory_search_duration_seconds",
			Help:    "Wall-clock time for a hybrid BM25+vector search including entity priming.",
			Buckets: prometheus.DefBuckets,
		}),
		SchedulerJobRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mira_scheduler_job_runs_total",
			Help: "Background job executions, labeled by job name and outcome.",
		}, []string{"job", "outcome"}),
		SchedulerJobDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mira_scheduler_job_duration_seconds",
			Help:    "Wall-clock time per background job run, labeled by job name.",
			Buckets: prometheus.DefBuckets,
		}, []string{"job"}),
		LLMRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mira_llm_requests_total",
			Help: "LLM provider requests, labeled by provider and outcome (ok, overflow, rate_limited, error).",
		}, []string{"provider", "outcome"}),
	}
	reg.MustRegister(
		m.SegmentCollapses, m.SegmentCollapseDur,
		m.MemorySearches, m.MemorySearchDur,
		m.SchedulerJobRuns, m.SchedulerJobDur,
		m.LLMRequests,
	)
	return m
}

// tracerName is the single tracer name the core instruments spans under.
const tracerName = "github.com/mira-run/mira"

// Tracer returns the package-wide tracer, sourced from whatever
// TracerProvider otel.SetTracerProvider installed at process start (a
// no-op tracer if none was installed, matching otel's own default).
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan is a thin convenience wrapper so call sites don't each re-spell
// Tracer().Start(ctx, name).
func StartSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name)
}

// ObserveSince is a small helper for "record elapsed wall-clock time against a
// histogram" call sites, used with `defer`.
func ObserveSince(h prometheus.Observer, start time.Time) {
	h.Observe(time.Since(start).Seconds())
}
