package observability

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestNewRegistersCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.SegmentCollapses.WithLabelValues("collapsed").Inc()
	m.SchedulerJobDur.WithLabelValues("segment_timeout_scan").Observe(0.5)
	// Vec collectors with no label children are omitted from Gather, so
	// each one is touched once to make its family visible.
	m.MemorySearches.WithLabelValues("general").Inc()
	m.SchedulerJobRuns.WithLabelValues("segment_timeout_scan", "ok").Inc()
	m.LLMRequests.WithLabelValues("anthropic", "ok").Inc()

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, want := range []string{
		"mira_segment_collapses_total",
		"mira_segment_collapse_duration_seconds",
		"mira_memory_searches_total",
		"mira_memory_search_duration_seconds",
		"mira_scheduler_job_runs_total",
		"mira_scheduler_job_duration_seconds",
		"mira_llm_requests_total",
	} {
		if !names[want] {
			t.Errorf("missing metric family %s", want)
		}
	}
}

func TestObserveSinceRecordsDuration(t *testing.T) {
	reg := prometheus.NewRegistry()
	h := prometheus.NewHistogram(prometheus.HistogramOpts{Name: "test_hist"})
	reg.MustRegister(h)
	ObserveSince(h, time.Now().Add(-5*time.Millisecond))

	metric := &dto.Metric{}
	if err := h.Write(metric); err != nil {
		t.Fatalf("write: %v", err)
	}
	if metric.GetHistogram().GetSampleCount() != 1 {
		t.Fatalf("expected 1 sample, got %d", metric.GetHistogram().GetSampleCount())
	}
}
