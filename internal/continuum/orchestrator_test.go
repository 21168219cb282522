package continuum

import (
	"context"
	"fmt"
	"log/slog"
	"io"
	"testing"
	"time"

	"github.com/mira-run/mira/internal/eventbus"
	"github.com/mira-run/mira/internal/ltmemory"
	"github.com/mira-run/mira/internal/mira"
	miraerrors "github.com/mira-run/mira/internal/mira/errors"
)

type fakeRegistry struct {
	continuums map[string]*mira.Continuum
}

func (f *fakeRegistry) Get(_ context.Context, userID string) (*mira.Continuum, error) {
	c, ok := f.continuums[userID]
	if !ok {
		return nil, fmt.Errorf("no continuum for %s", userID)
	}
	return c, nil
}

type fakeStore struct {
	messages         map[string][]mira.Message
	persistedSentinel mira.Sentinel
	persistedEmbedding []float32
	persistCalls     int
}

func (f *fakeStore) LoadSegmentMessages(_ context.Context, _, segmentID string) ([]mira.Message, error) {
	return f.messages[segmentID], nil
}

func (f *fakeStore) PersistCollapsedSentinel(_ context.Context, _ string, sentinel mira.Sentinel, embedding []float32) error {
	f.persistCalls++
	f.persistedSentinel = sentinel
	f.persistedEmbedding = embedding
	return nil
}

type fakeSummarizer struct {
	result GeneratedSummary
	err    error
	calls  [][]mira.Message
}

func (f *fakeSummarizer) GenerateSummary(_ context.Context, messages []mira.Message, _ SummaryKind, _ []string) (GeneratedSummary, error) {
	f.calls = append(f.calls, messages)
	return f.result, f.err
}

func (f *fakeSummarizer) MergeChunkSummaries(_ context.Context, synopses []string) (GeneratedSummary, error) {
	merged := ""
	for _, s := range synopses {
		merged += s
	}
	return GeneratedSummary{Synopsis: merged, DisplayTitle: "Merged", Complexity: mira.ComplexityMedium}, nil
}

type fakeEmbedder struct{}

func (fakeEmbedder) Embed(_ context.Context, _ string) ([]float32, error) {
	return make([]float32, ltmemory.EmbeddingDimension), nil
}

type fakeExtraction struct {
	calls int
	lastChunks []ltmemory.ProcessingChunk
}

func (f *fakeExtraction) SubmitSegmentExtraction(_ context.Context, _, _ string, chunks []ltmemory.ProcessingChunk) (ltmemory.ExtractionBatch, error) {
	f.calls++
	f.lastChunks = chunks
	return ltmemory.ExtractionBatch{}, nil
}

func silentLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestContinuum(t *testing.T, userID string, now time.Time) (*mira.Continuum, string) {
	t.Helper()
	c := mira.NewContinuum("cont-1", userID)
	sentinel, err := c.OpenSegment(now)
	if err != nil {
		t.Fatalf("open segment: %v", err)
	}
	return c, sentinel.SegmentID
}

// Scenario 1: collapse happy path.
func TestHandleTimeout_CollapseHappyPath(t *testing.T) {
	now := time.Now()
	cont, segID := newTestContinuum(t, "user-1", now)
	msgs := []mira.Message{
		mustMessage(t, mira.RoleUser, "first", now.Add(time.Second)),
		mustMessage(t, mira.RoleAssistant, "second", now.Add(2*time.Second)),
		mustMessage(t, mira.RoleUser, "third", now.Add(3*time.Second)),
	}

	registry := &fakeRegistry{continuums: map[string]*mira.Continuum{"user-1": cont}}
	store := &fakeStore{messages: map[string][]mira.Message{segID: msgs}}
	summarizer := &fakeSummarizer{result: GeneratedSummary{Synopsis: "Test summary", DisplayTitle: "Chat", Complexity: mira.ComplexityLow}}
	extraction := &fakeExtraction{}
	bus := eventbus.New(silentLogger())

	var collapsedEvents, manifestEvents int
	eventbus.Subscribe(bus, func(mira.SegmentCollapsedEvent) { collapsedEvents++ })
	eventbus.Subscribe(bus, func(mira.ManifestUpdatedEvent) { manifestEvents++ })

	o := &Orchestrator{Registry: registry, Store: store, Summarizer: summarizer, Embedder: fakeEmbedder{}, Extraction: extraction, Bus: bus, Log: silentLogger(), now: time.Now}

	err := o.HandleTimeout(context.Background(), mira.SegmentTimeoutEvent{UserID: "user-1", SegmentID: segID})
	if err != nil {
		t.Fatalf("HandleTimeout: %v", err)
	}
	if len(summarizer.calls) != 1 || len(summarizer.calls[0]) != 3 {
		t.Fatalf("expected summarizer invoked once with 3 messages, got %d calls", len(summarizer.calls))
	}
	if collapsedEvents != 1 || manifestEvents != 1 {
		t.Fatalf("expected one collapsed and one manifest event, got %d/%d", collapsedEvents, manifestEvents)
	}
	sentinel, ok := cont.ActiveSentinel()
	if ok {
		t.Fatalf("expected no active sentinel after collapse, got %+v", sentinel)
	}
	if store.persistCalls != 1 {
		t.Fatalf("expected one persist call, got %d", store.persistCalls)
	}
	if len(store.persistedEmbedding) != ltmemory.EmbeddingDimension {
		t.Fatalf("expected %d-d embedding, got %d", ltmemory.EmbeddingDimension, len(store.persistedEmbedding))
	}
	if extraction.calls != 1 || len(extraction.lastChunks[0].Messages) != 3 {
		t.Fatalf("expected extraction submitted once with 3 messages, got %d calls", extraction.calls)
	}
}

// Scenario 2: collapse with missing title falls back to a tombstone.
func TestHandleTimeout_TombstoneOnMissingTitle(t *testing.T) {
	now := time.Now()
	cont, segID := newTestContinuum(t, "user-1", now)
	msgs := []mira.Message{mustMessage(t, mira.RoleUser, "hi", now.Add(time.Second))}

	registry := &fakeRegistry{continuums: map[string]*mira.Continuum{"user-1": cont}}
	store := &fakeStore{messages: map[string][]mira.Message{segID: msgs}}
	summarizer := &fakeSummarizer{result: GeneratedSummary{Synopsis: "untitled text", DisplayTitle: ""}}
	extraction := &fakeExtraction{}
	bus := eventbus.New(silentLogger())

	o := &Orchestrator{Registry: registry, Store: store, Summarizer: summarizer, Embedder: fakeEmbedder{}, Extraction: extraction, Bus: bus, Log: silentLogger(), now: time.Now}

	if err := o.HandleTimeout(context.Background(), mira.SegmentTimeoutEvent{UserID: "user-1", SegmentID: segID}); err != nil {
		t.Fatalf("HandleTimeout: %v", err)
	}
	if store.persistedSentinel.DisplayTitle != "Archived segment" {
		t.Fatalf("expected tombstone display title, got %q", store.persistedSentinel.DisplayTitle)
	}
	if store.persistedSentinel.Complexity != mira.ComplexityLow {
		t.Fatalf("expected tombstone complexity 1, got %d", store.persistedSentinel.Complexity)
	}
	if store.persistedSentinel.Content() != "[Segment content not summarized]" {
		t.Fatalf("unexpected tombstone content: %q", store.persistedSentinel.Content())
	}
}

// Scenario 3: collapse aborted on an empty segment.
func TestHandleTimeout_AbortsOnEmptySegment(t *testing.T) {
	now := time.Now()
	cont, segID := newTestContinuum(t, "user-1", now)

	registry := &fakeRegistry{continuums: map[string]*mira.Continuum{"user-1": cont}}
	store := &fakeStore{messages: map[string][]mira.Message{}}
	summarizer := &fakeSummarizer{}
	extraction := &fakeExtraction{}
	bus := eventbus.New(silentLogger())
	var collapsedEvents int
	eventbus.Subscribe(bus, func(mira.SegmentCollapsedEvent) { collapsedEvents++ })

	o := &Orchestrator{Registry: registry, Store: store, Summarizer: summarizer, Embedder: fakeEmbedder{}, Extraction: extraction, Bus: bus, Log: silentLogger(), now: time.Now}

	if err := o.HandleTimeout(context.Background(), mira.SegmentTimeoutEvent{UserID: "user-1", SegmentID: segID}); err != nil {
		t.Fatalf("HandleTimeout: %v", err)
	}
	if len(summarizer.calls) != 0 {
		t.Fatalf("expected summarizer not called, got %d calls", len(summarizer.calls))
	}
	if collapsedEvents != 0 {
		t.Fatalf("expected no collapsed event, got %d", collapsedEvents)
	}
	if extraction.calls != 0 {
		t.Fatalf("expected no extraction submission, got %d", extraction.calls)
	}
}

// Context-overflow triggers the hierarchical chunked fallback.
func TestHandleTimeout_ChunkedFallbackOnContextOverflow(t *testing.T) {
	now := time.Now()
	cont, segID := newTestContinuum(t, "user-1", now)
	big := make([]byte, chunkedSummaryThresholdChars+1)
	for i := range big {
		big[i] = 'x'
	}
	msgs := []mira.Message{
		mustMessage(t, mira.RoleUser, string(big), now.Add(time.Second)),
		mustMessage(t, mira.RoleAssistant, "short reply", now.Add(2*time.Second)),
	}

	registry := &fakeRegistry{continuums: map[string]*mira.Continuum{"user-1": cont}}
	store := &fakeStore{messages: map[string][]mira.Message{segID: msgs}}

	calls := 0
	summarizer := &overflowThenOKSummarizer{}
	extraction := &fakeExtraction{}
	bus := eventbus.New(silentLogger())

	o := &Orchestrator{Registry: registry, Store: store, Summarizer: summarizer, Embedder: fakeEmbedder{}, Extraction: extraction, Bus: bus, Log: silentLogger(), now: time.Now}

	if err := o.HandleTimeout(context.Background(), mira.SegmentTimeoutEvent{UserID: "user-1", SegmentID: segID}); err != nil {
		t.Fatalf("HandleTimeout: %v", err)
	}
	calls = summarizer.wholeSegmentCalls
	if calls != 1 {
		t.Fatalf("expected exactly one whole-segment attempt before falling back, got %d", calls)
	}
	if summarizer.chunkCalls < 2 {
		t.Fatalf("expected the oversized message to force at least 2 chunks, got %d", summarizer.chunkCalls)
	}
	if store.persistedSentinel.DisplayTitle != "Merged" {
		t.Fatalf("expected merged chunk summary title, got %q", store.persistedSentinel.DisplayTitle)
	}
}

type overflowThenOKSummarizer struct {
	wholeSegmentCalls int
	chunkCalls        int
}

func (s *overflowThenOKSummarizer) GenerateSummary(_ context.Context, _ []mira.Message, kind SummaryKind, _ []string) (GeneratedSummary, error) {
	if kind == SummaryKindSegment {
		s.wholeSegmentCalls++
		return GeneratedSummary{}, miraerrors.ErrContextOverflow
	}
	s.chunkCalls++
	return GeneratedSummary{Synopsis: "chunk", DisplayTitle: "chunk-title", Complexity: mira.ComplexityLow}, nil
}

func (s *overflowThenOKSummarizer) MergeChunkSummaries(_ context.Context, synopses []string) (GeneratedSummary, error) {
	return GeneratedSummary{Synopsis: fmt.Sprintf("merged %d chunks", len(synopses)), DisplayTitle: "Merged", Complexity: mira.ComplexityMedium}, nil
}

func mustMessage(t *testing.T, role mira.Role, content string, createdAt time.Time) mira.Message {
	t.Helper()
	m, err := mira.NewMessage(role, content, mira.MessageMetadata{}, createdAt)
	if err != nil {
		t.Fatalf("NewMessage: %v", err)
	}
	return m
}
