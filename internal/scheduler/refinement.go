package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// RefinementRunner performs the daily pass that links related memories and
// decays stale importance scores across all users.
type RefinementRunner interface {
	RunRefinement(ctx context.Context) error
}

// DailyRefinementJob runs RefinementRunner on a cron schedule (default
// "@daily"), using the ExecutionStore's last-success record so a scheduler
// restart never double-runs the pass within the same scheduled window: a run
// only fires once the schedule's next trigger time after the last success
// has passed.
type DailyRefinementJob struct {
	runner   RefinementRunner
	store    ExecutionStore
	schedule cron.Schedule
	now      func() time.Time
}

// NewDailyRefinementJob constructs the job. spec is a standard 5-field cron
// expression or one of robfig/cron's descriptors ("@daily", "@every 6h");
// an empty spec defaults to "@daily". The caller still registers the job
// with the Scheduler on a short check interval (e.g. every 10 minutes) so
// Run is polled often enough to notice when the schedule has come due.
func NewDailyRefinementJob(runner RefinementRunner, store ExecutionStore, spec string, now func() time.Time) (*DailyRefinementJob, error) {
	if spec == "" {
		spec = "@daily"
	}
	if now == nil {
		now = time.Now
	}
	schedule, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("scheduler: parse refinement schedule %q: %w", spec, err)
	}
	return &DailyRefinementJob{runner: runner, store: store, schedule: schedule, now: now}, nil
}

func (j *DailyRefinementJob) Name() string { return "daily_refinement" }

func (j *DailyRefinementJob) Run(ctx context.Context) error {
	lastSuccess, found, err := j.store.LastSuccess(ctx, j.Name())
	if err != nil {
		return fmt.Errorf("scheduler: check last refinement run: %w", err)
	}
	now := j.now()
	if found {
		nextDue := j.schedule.Next(lastSuccess)
		if nextDue.After(now) {
			return nil
		}
	}
	return j.runner.RunRefinement(ctx)
}
