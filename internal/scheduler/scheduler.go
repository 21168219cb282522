// Package scheduler runs the conversational core's background jobs: the
// segment-timeout scan, idempotent extraction/post-processing batch polling,
// and the daily refinement pass. It also hosts a thread monitor that detects
// long-running operations and dumps goroutine state for ones that appear
// stuck.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mira-run/mira/internal/eventbus"
	"github.com/mira-run/mira/internal/observability"
	"github.com/mira-run/mira/internal/retry"
)

// Job is a unit of scheduled work. Name identifies it in logs and in the
// ExecutionStore; Run performs one execution.
type Job interface {
	Name() string
	Run(ctx context.Context) error
}

// jobEntry pairs a Job with its schedule and last-run bookkeeping.
type jobEntry struct {
	job      Job
	interval time.Duration
	nextRun  time.Time
}

// Scheduler runs registered Jobs on independent intervals, retrying failed
// runs with backoff and recording execution history for idempotency.
type Scheduler struct {
	mu      sync.Mutex
	jobs    []*jobEntry
	started bool
	wg      sync.WaitGroup
	cancel  context.CancelFunc

	logger         *slog.Logger
	now            func() time.Time
	tickInterval   time.Duration
	retryConfig    retry.Config
	executionStore ExecutionStore
	bus            *eventbus.Bus
	metrics        *observability.Metrics
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger overrides the scheduler's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithNow overrides the clock, for deterministic tests.
func WithNow(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// WithTickInterval overrides how often the scheduler checks for due jobs.
func WithTickInterval(interval time.Duration) Option {
	return func(s *Scheduler) {
		if interval > 0 {
			s.tickInterval = interval
		}
	}
}

// WithRetryConfig overrides the retry policy applied to failed job runs.
func WithRetryConfig(cfg retry.Config) Option {
	return func(s *Scheduler) { s.retryConfig = cfg }
}

// WithExecutionStore overrides the execution history store used for
// idempotent job tracking. Defaults to an in-memory store.
func WithExecutionStore(store ExecutionStore) Option {
	return func(s *Scheduler) {
		if store != nil {
			s.executionStore = store
		}
	}
}

// WithEventBus attaches the bus jobs publish domain events to. Jobs that
// don't need it (e.g. those constructed with their own bus reference) can
// ignore this.
func WithEventBus(bus *eventbus.Bus) Option {
	return func(s *Scheduler) { s.bus = bus }
}

// WithMetrics attaches the Prometheus collectors job runs are recorded
// against. Nil (the default) disables metric recording entirely.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// New constructs a Scheduler with no jobs registered.
func New(opts ...Option) *Scheduler {
	s := &Scheduler{
		logger:         slog.Default().With("component", "scheduler"),
		now:            time.Now,
		tickInterval:   time.Second,
		retryConfig:    retry.Exponential(3, 500*time.Millisecond, 30*time.Second),
		executionStore: NewMemoryExecutionStore(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register adds a job to run every interval, starting at the next tick.
func (s *Scheduler) Register(job Job, interval time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, &jobEntry{job: job, interval: interval, nextRun: s.now()})
}

// Start begins the scheduling loop on a background goroutine, running until
// ctx is cancelled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.tickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				s.runDue(runCtx)
			}
		}
	}()
	return nil
}

// Stop cancels the scheduling loop and waits for the current tick to finish.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce executes every due job synchronously and returns how many ran.
// Intended for tests and for manual triggering (e.g. a doctor/debug CLI).
func (s *Scheduler) RunOnce(ctx context.Context) int {
	return s.runDue(ctx)
}

func (s *Scheduler) runDue(ctx context.Context) int {
	now := s.now()
	s.mu.Lock()
	due := make([]*jobEntry, 0, len(s.jobs))
	for _, e := range s.jobs {
		if !now.Before(e.nextRun) {
			due = append(due, e)
			e.nextRun = now.Add(e.interval)
		}
	}
	s.mu.Unlock()

	for _, e := range due {
		s.runJob(ctx, e.job, now)
	}
	return len(due)
}

func (s *Scheduler) runJob(ctx context.Context, job Job, startedAt time.Time) {
	name := job.Name()
	execID, err := s.executionStore.Begin(ctx, name, startedAt)
	if err != nil {
		s.logger.Error("scheduler: could not begin execution record", "job", name, "error", err)
		return
	}

	result := retry.Do(ctx, s.retryConfig, func() error {
		return job.Run(ctx)
	})

	if s.metrics != nil {
		s.metrics.SchedulerJobDur.WithLabelValues(name).Observe(result.Duration.Seconds())
	}

	if result.Err != nil {
		s.logger.Error("scheduler job failed", "job", name, "attempts", result.Attempts, "error", result.Err)
		if s.metrics != nil {
			s.metrics.SchedulerJobRuns.WithLabelValues(name, "failed").Inc()
		}
		_ = s.executionStore.Finish(ctx, execID, fmt.Sprintf("failed: %v", result.Err))
		return
	}
	s.logger.Debug("scheduler job ok", "job", name, "attempts", result.Attempts, "duration", result.Duration)
	if s.metrics != nil {
		s.metrics.SchedulerJobRuns.WithLabelValues(name, "ok").Inc()
	}
	_ = s.executionStore.Finish(ctx, execID, "ok")
}
