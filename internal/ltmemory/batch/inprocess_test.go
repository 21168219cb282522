package batch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mira-run/mira/internal/ltmemory"
)

func pollUntilTerminal(t *testing.T, p *InProcessProvider, ref string) (ltmemory.BatchState, PollResult) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		state, result, err := p.Poll(context.Background(), ref)
		if err != nil {
			t.Fatalf("Poll: %v", err)
		}
		if state.IsTerminal() {
			return state, result
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("batch never reached a terminal state")
	return "", PollResult{}
}

func TestInProcessProviderRunsAndCompletes(t *testing.T) {
	p := NewInProcessProvider(nil)
	var gotUser string
	p.RegisterRunner(ltmemory.BatchKindExtraction, func(_ context.Context, userID string, payload any) (PollResult, error) {
		gotUser = userID
		chunks := payload.([]ltmemory.ProcessingChunk)
		return PollResult{ItemsCompleted: len(chunks)}, nil
	})

	ref, err := p.Submit(context.Background(), "user-1", ltmemory.BatchKindExtraction, []ltmemory.ProcessingChunk{{}, {}})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	state, result := pollUntilTerminal(t, p, ref)
	if state != ltmemory.BatchCompleted {
		t.Fatalf("state = %s, want completed", state)
	}
	if result.ItemsCompleted != 2 {
		t.Fatalf("items completed = %d, want 2", result.ItemsCompleted)
	}
	if gotUser != "user-1" {
		t.Fatalf("runner saw user %q", gotUser)
	}
}

func TestInProcessProviderReportsFailure(t *testing.T) {
	p := NewInProcessProvider(nil)
	p.RegisterRunner(ltmemory.BatchKindExtraction, func(context.Context, string, any) (PollResult, error) {
		return PollResult{ItemsFailed: 1}, errors.New("extraction blew up")
	})

	ref, err := p.Submit(context.Background(), "user-1", ltmemory.BatchKindExtraction, nil)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	state, result := pollUntilTerminal(t, p, ref)
	if state != ltmemory.BatchFailed {
		t.Fatalf("state = %s, want failed", state)
	}
	if result.ItemsFailed != 1 {
		t.Fatalf("items failed = %d, want 1", result.ItemsFailed)
	}
}

func TestInProcessProviderUnknownKindAndRef(t *testing.T) {
	p := NewInProcessProvider(nil)
	if _, err := p.Submit(context.Background(), "user-1", ltmemory.BatchKindConsolidation, nil); err == nil {
		t.Fatal("submit with no registered runner must fail")
	}

	state, _, err := p.Poll(context.Background(), "inproc-never-existed")
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if state != ltmemory.BatchExpired {
		t.Fatalf("unknown ref state = %s, want expired", state)
	}
}
