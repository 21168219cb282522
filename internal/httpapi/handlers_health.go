package httpapi

import (
	"context"
	"net/http"
	"time"
)

// ComponentHealth is one subsystem's health entry under /health's
// components map.
type ComponentHealth struct {
	Status    string
	LatencyMS int64
	Detail    string
}

// HealthReport is the full /health payload (spec.md §6: "health returning
// {status, components{database{latency_ms}}}"). PromptDefenseDegraded
// surfaces the prompt-injection defense's degraded mode as a first-class,
// never-silent health signal (spec.md §9 Design Notes).
type HealthReport struct {
	Status               string
	Components           map[string]ComponentHealth
	PromptDefenseDegraded bool
}

// HealthChecker probes every dependency health depends on. Unlike the
// other three handlers, health does not require an authenticated caller:
// it is the one unauthenticated surface, used by load balancers and
// orchestration probes.
type HealthChecker interface {
	Check(ctx context.Context) HealthReport
}

func handleHealth(checker HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		requestID := requestIDFor(r)

		if checker == nil {
			writeSuccess(w, requestID, map[string]any{"status": "ok"})
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		report := checker.Check(ctx)
		components := make(map[string]any, len(report.Components))
		for name, c := range report.Components {
			components[name] = map[string]any{
				"status":     c.Status,
				"latency_ms": c.LatencyMS,
				"detail":     c.Detail,
			}
		}

		status := http.StatusOK
		if report.Status != "ok" {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, map[string]any{
			"status":                  report.Status,
			"components":              components,
			"prompt_defense_degraded": report.PromptDefenseDegraded,
		})
	}
}
