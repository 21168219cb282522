package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mira-run/mira/internal/config"
	"github.com/mira-run/mira/internal/eventbus"
	"github.com/mira-run/mira/internal/mira"
	"github.com/mira-run/mira/internal/retry"
)

type countingJob struct {
	name  string
	runs  int32
	fail  int32
	errOn int32
}

func (j *countingJob) Name() string { return j.name }

func (j *countingJob) Run(ctx context.Context) error {
	n := atomic.AddInt32(&j.runs, 1)
	if n <= j.errOn {
		atomic.AddInt32(&j.fail, 1)
		return errors.New("boom")
	}
	return nil
}

func TestSchedulerRunOnceRunsDueJobs(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	s := New(WithNow(clock), WithRetryConfig(retry.Config{MaxAttempts: 1}))

	job := &countingJob{name: "test"}
	s.Register(job, time.Minute)

	if n := s.RunOnce(context.Background()); n != 1 {
		t.Fatalf("RunOnce = %d, want 1", n)
	}
	if atomic.LoadInt32(&job.runs) != 1 {
		t.Fatalf("job ran %d times, want 1", job.runs)
	}

	// Not due yet: advancing less than the interval should not rerun it.
	if n := s.RunOnce(context.Background()); n != 0 {
		t.Fatalf("RunOnce = %d, want 0 (not due)", n)
	}
}

func TestSchedulerRetriesFailedJobs(t *testing.T) {
	s := New(WithRetryConfig(retry.Config{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond}))
	job := &countingJob{name: "flaky", errOn: 2}
	s.Register(job, time.Minute)

	s.RunOnce(context.Background())
	if job.runs != 3 {
		t.Fatalf("job ran %d times, want 3 (2 failures + 1 success)", job.runs)
	}
}

func TestSchedulerStartStop(t *testing.T) {
	s := New(WithTickInterval(5 * time.Millisecond))
	job := &countingJob{name: "ticking"}
	s.Register(job, 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	cancel()
	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if atomic.LoadInt32(&job.runs) == 0 {
		t.Fatal("expected at least one tick to have run the job")
	}
}

type fakeSegmentSource struct {
	segments []ActiveSegment
}

func (f fakeSegmentSource) ActiveSegments(ctx context.Context) ([]ActiveSegment, error) {
	return f.segments, nil
}

func TestSegmentTimeoutJobPublishesForIdleSegments(t *testing.T) {
	bus := eventbus.New(slog.Default())
	var captured []mira.SegmentTimeoutEvent
	eventbus.Subscribe(bus, func(e mira.SegmentTimeoutEvent) {
		captured = append(captured, e)
	})

	source := fakeSegmentSource{segments: []ActiveSegment{
		{UserID: "u1", SegmentID: "s1", IdleFor: 45 * time.Minute, LocalHour: 14},
		{UserID: "u2", SegmentID: "s2", IdleFor: 5 * time.Minute, LocalHour: 14},
	}}
	cfg := config.SegmentTimeoutConfig{DefaultThresholdMinutes: 30}
	job := NewSegmentTimeoutJob(source, func() config.SegmentTimeoutConfig { return cfg }, bus)

	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(captured) != 1 {
		t.Fatalf("got %d timeout events, want 1", len(captured))
	}
	if captured[0].UserID != "u1" || captured[0].SegmentID != "s1" {
		t.Fatalf("unexpected event: %+v", captured[0])
	}
}

type fakeBatchStore struct {
	pending   []PendingBatch
	completed []string
	failed    []string
}

func (s *fakeBatchStore) ClaimPending(ctx context.Context, limit int) ([]PendingBatch, error) {
	if len(s.pending) > limit {
		return s.pending[:limit], nil
	}
	return s.pending, nil
}

func (s *fakeBatchStore) Complete(ctx context.Context, batchID string) error {
	s.completed = append(s.completed, batchID)
	return nil
}

func (s *fakeBatchStore) Fail(ctx context.Context, batchID string, reason string) error {
	s.failed = append(s.failed, batchID)
	return nil
}

type fakeProcessor struct {
	failIDs map[string]bool
}

func (p fakeProcessor) Process(ctx context.Context, b PendingBatch) error {
	if p.failIDs[b.ID] {
		return errors.New("processing failed")
	}
	return nil
}

func TestBatchPollJobCompletesAndFails(t *testing.T) {
	store := &fakeBatchStore{pending: []PendingBatch{
		{ID: "b1", UserID: "u1", Kind: "extraction"},
		{ID: "b2", UserID: "u1", Kind: "extraction"},
	}}
	processor := fakeProcessor{failIDs: map[string]bool{"b2": true}}
	job := NewBatchPollJob(store, processor, 10, nil)

	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(store.completed) != 1 || store.completed[0] != "b1" {
		t.Fatalf("completed = %v, want [b1]", store.completed)
	}
	if len(store.failed) != 1 || store.failed[0] != "b2" {
		t.Fatalf("failed = %v, want [b2]", store.failed)
	}
}

type fakeRefinementRunner struct {
	calls int
}

func (r *fakeRefinementRunner) RunRefinement(ctx context.Context) error {
	r.calls++
	return nil
}

func TestDailyRefinementJobRunsOncePerPeriod(t *testing.T) {
	store := NewMemoryExecutionStore()
	now := time.Now()
	clock := func() time.Time { return now }
	runner := &fakeRefinementRunner{}
	job, err := NewDailyRefinementJob(runner, store, "@daily", clock)
	if err != nil {
		t.Fatalf("NewDailyRefinementJob: %v", err)
	}

	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	id, err := store.Begin(context.Background(), job.Name(), now)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := store.Finish(context.Background(), id, "ok"); err != nil {
		t.Fatalf("Finish: %v", err)
	}

	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("Run (second): %v", err)
	}
	if runner.calls != 1 {
		t.Fatalf("runner called %d times, want 1 (second run within period should be a no-op)", runner.calls)
	}

	now = now.Add(25 * time.Hour)
	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("Run (after period): %v", err)
	}
	if runner.calls != 2 {
		t.Fatalf("runner called %d times, want 2 (period elapsed)", runner.calls)
	}
}

func TestThreadMonitorTracksActiveOperations(t *testing.T) {
	dir := t.TempDir()
	m := NewThreadMonitor(slog.Default())
	m.WarnAfter = 10 * time.Millisecond
	m.ErrAfter = 30 * time.Millisecond
	m.DumpDir = dir

	h := m.Begin("slow-tool-call")
	active := m.Active()
	if _, ok := active[string(h)]; !ok {
		t.Fatal("expected operation to be tracked while active")
	}

	time.Sleep(60 * time.Millisecond)
	m.End(h)

	active = m.Active()
	if _, ok := active[string(h)]; ok {
		t.Fatal("expected operation to be untracked after End")
	}
}
