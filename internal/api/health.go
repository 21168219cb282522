package api

import (
	"context"
	"time"

	"github.com/mira-run/mira/internal/httpapi"
)

// Pinger is a dependency health probe: ping and report how it went.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthChecker implements httpapi.HealthChecker by probing every
// configured dependency and surfacing prompt-defense degraded mode as a
// first-class signal (spec.md §9 Design Notes).
type HealthChecker struct {
	Components       map[string]Pinger
	PromptDefenseDown func() bool
}

// NewHealthChecker constructs a checker over the named pingable
// dependencies. promptDefenseDown may be nil (treated as never degraded).
func NewHealthChecker(components map[string]Pinger, promptDefenseDown func() bool) *HealthChecker {
	return &HealthChecker{Components: components, PromptDefenseDown: promptDefenseDown}
}

// Check satisfies httpapi.HealthChecker.
func (h *HealthChecker) Check(ctx context.Context) httpapi.HealthReport {
	report := httpapi.HealthReport{
		Status:     "ok",
		Components: make(map[string]httpapi.ComponentHealth, len(h.Components)),
	}

	for name, pinger := range h.Components {
		started := time.Now()
		err := pinger.Ping(ctx)
		latency := time.Since(started).Milliseconds()
		if err != nil {
			report.Status = "degraded"
			report.Components[name] = httpapi.ComponentHealth{Status: "down", LatencyMS: latency, Detail: err.Error()}
			continue
		}
		report.Components[name] = httpapi.ComponentHealth{Status: "ok", LatencyMS: latency}
	}

	if h.PromptDefenseDown != nil && h.PromptDefenseDown() {
		report.PromptDefenseDegraded = true
		report.Status = "degraded"
	}

	return report
}
