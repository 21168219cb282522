package batch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/mira-run/mira/internal/ltmemory"
)

// Runner executes one submitted batch's work for an InProcessProvider.
// It runs on a background goroutine under a detached context.
type Runner func(ctx context.Context, userID string, payload any) (PollResult, error)

type inProcessJob struct {
	state  ltmemory.BatchState
	result PollResult
}

// InProcessProvider is the concrete Provider for deployments without an
// external LLM batch API: Submit starts the work on a background goroutine
// and Poll reports its progress, giving the Orchestrator and the batch-poll
// job the same submit/poll lifecycle a hosted batch API would. Job state
// lives only in process memory; a restart loses in-flight jobs, and polling
// an unknown ref reports the batch expired so the poll loop can finalize
// the stored record instead of spinning on it forever.
type InProcessProvider struct {
	log *slog.Logger
	seq atomic.Uint64

	mu      sync.Mutex
	runners map[ltmemory.BatchKind]Runner
	jobs    map[string]*inProcessJob
}

// NewInProcessProvider constructs an empty provider; register a Runner per
// BatchKind before submitting work of that kind.
func NewInProcessProvider(log *slog.Logger) *InProcessProvider {
	if log == nil {
		log = slog.Default()
	}
	return &InProcessProvider{
		log:     log,
		runners: make(map[ltmemory.BatchKind]Runner),
		jobs:    make(map[string]*inProcessJob),
	}
}

// RegisterRunner binds the execution function for one batch kind.
func (p *InProcessProvider) RegisterRunner(kind ltmemory.BatchKind, runner Runner) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.runners[kind] = runner
}

// Submit starts the batch on a background goroutine and returns its ref.
// The work runs under a detached context: the submitting request finishing
// (or its context being cancelled) must not abort extraction that has
// already been accepted.
func (p *InProcessProvider) Submit(_ context.Context, userID string, kind ltmemory.BatchKind, payload any) (string, error) {
	p.mu.Lock()
	runner, ok := p.runners[kind]
	if !ok {
		p.mu.Unlock()
		return "", fmt.Errorf("batch: no runner registered for kind %q", kind)
	}
	ref := fmt.Sprintf("inproc-%s-%d", kind, p.seq.Add(1))
	job := &inProcessJob{state: ltmemory.BatchProcessing}
	p.jobs[ref] = job
	p.mu.Unlock()

	go func() {
		result, err := runner(context.Background(), userID, payload)
		p.mu.Lock()
		defer p.mu.Unlock()
		job.result = result
		if err != nil {
			p.log.Error("in-process batch failed", "ref", ref, "kind", kind, "user_id", userID, "error", err)
			job.state = ltmemory.BatchFailed
			return
		}
		job.state = ltmemory.BatchCompleted
	}()

	return ref, nil
}

// Poll reports a submitted job's current state. An unknown ref (e.g. after
// a process restart) reports expired.
func (p *InProcessProvider) Poll(_ context.Context, providerRef string) (ltmemory.BatchState, PollResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	job, ok := p.jobs[providerRef]
	if !ok {
		return ltmemory.BatchExpired, PollResult{}, nil
	}
	if job.state.IsTerminal() {
		// One terminal read is enough; drop the job so the map does not
		// grow for the life of the process.
		delete(p.jobs, providerRef)
	}
	return job.state, job.result, nil
}
