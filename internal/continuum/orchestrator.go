// Package continuum wires the mira.Continuum value type into the running
// engine: it loads segments, drives the collapse pipeline (summarize,
// embed, persist, publish, submit for extraction) in response to
// mira.SegmentTimeoutEvent, and exposes the reply-loop entry points the
// external HTTP collaborator calls into.
//
// Grounded on original_source/cns/core/continuum.py for the collapse
// algorithm's exact step order and on teacher internal/sessions/expiry.go
// for the Go event-driven dispatch shape (subscribe once at construction,
// handle synchronously on the publisher's goroutine per the event bus
// contract).
package continuum

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mira-run/mira/internal/eventbus"
	"github.com/mira-run/mira/internal/ltmemory"
	"github.com/mira-run/mira/internal/mira"
	miraerrors "github.com/mira-run/mira/internal/mira/errors"
	"github.com/mira-run/mira/internal/observability"
)

// chunkedSummaryThresholdChars approximates the ~200k-char / ~50k-token
// chunk boundary spec.md §4.1 specifies for the hierarchical fallback.
const chunkedSummaryThresholdChars = 200_000

// SummaryKind distinguishes the prompt used for a whole-segment summary
// from the prompt used to summarize one chunk of a segment too large to
// summarize in one call.
type SummaryKind string

const (
	SummaryKindSegment SummaryKind = "segment"
	SummaryKindChunk   SummaryKind = "chunk"
)

// GeneratedSummary is what SummaryGenerator.GenerateSummary returns: the
// synopsis, an optional display title, and a 1-3 complexity rating. An
// empty DisplayTitle triggers the tombstone fallback (spec.md §4.1,
// "Failure semantics").
type GeneratedSummary struct {
	Synopsis     string
	DisplayTitle string
	Complexity   mira.Complexity
}

// SummaryGenerator produces a synopsis for a run of messages. Implementations
// call out to an LLM; an error matching errors.ErrContextOverflow makes the
// Orchestrator fall back to chunked summarization (chunkMessages, then
// MergeChunkSummaries).
type SummaryGenerator interface {
	GenerateSummary(ctx context.Context, messages []mira.Message, kind SummaryKind, toolsUsed []string) (GeneratedSummary, error)
	// MergeChunkSummaries synthesizes one synopsis from the ordered
	// per-chunk synopses produced by the hierarchical fallback.
	MergeChunkSummaries(ctx context.Context, chunkSynopses []string) (GeneratedSummary, error)
}

// Embedder produces the 768-d embedding of a synopsis. Defined locally
// (rather than importing vectorops.Embedder) so this package only depends
// on the single method it actually calls; any vectorops.Ops satisfies it.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// SegmentStore is the persistence boundary the orchestrator drives: loading
// a continuum's messages for a segment and atomically persisting a
// collapsed sentinel plus its embedding. Concrete implementations live in
// internal/storage/postgres.
type SegmentStore interface {
	// LoadSegmentMessages returns the non-sentinel messages belonging to
	// segmentID, in chronological order, excluding notification messages
	// (spec.md §4.1 step 1: "notifications are excluded from the
	// summarization input").
	LoadSegmentMessages(ctx context.Context, userID, segmentID string) ([]mira.Message, error)
	// PersistCollapsedSentinel writes the mutated sentinel and its
	// segment_embedding column atomically (spec.md §4.1 step 7).
	PersistCollapsedSentinel(ctx context.Context, userID string, sentinel mira.Sentinel, embedding []float32) error
}

// ExtractionSubmitter hands a collapsed segment's messages to the LT-Memory
// pipeline. Satisfied by *ltmemory/batch.Orchestrator.SubmitSegmentExtraction.
type ExtractionSubmitter interface {
	SubmitSegmentExtraction(ctx context.Context, userID, segmentID string, chunks []ltmemory.ProcessingChunk) (ltmemory.ExtractionBatch, error)
}

// ContinuumRegistry resolves a live *mira.Continuum for a user so the
// orchestrator can call CollapseSegment on it. Production wires this to
// whatever keeps continuums resident in memory across requests.
type ContinuumRegistry interface {
	Get(ctx context.Context, userID string) (*mira.Continuum, error)
}

// Orchestrator drives segment collapse and is the only caller of
// mira.Continuum.CollapseSegment in the running system.
type Orchestrator struct {
	Registry   ContinuumRegistry
	Store      SegmentStore
	Summarizer SummaryGenerator
	Embedder   Embedder
	Extraction ExtractionSubmitter
	Bus        *eventbus.Bus
	Log        *slog.Logger
	Metrics    *observability.Metrics

	now func() time.Time
}

// New constructs an Orchestrator and subscribes it to
// mira.SegmentTimeoutEvent. The returned SubscriptionID can be passed to
// Bus.Unsubscribe during shutdown.
func New(registry ContinuumRegistry, store SegmentStore, summarizer SummaryGenerator, embedder Embedder, extraction ExtractionSubmitter, bus *eventbus.Bus, log *slog.Logger) (*Orchestrator, eventbus.SubscriptionID) {
	if log == nil {
		log = slog.Default()
	}
	o := &Orchestrator{
		Registry:   registry,
		Store:      store,
		Summarizer: summarizer,
		Embedder:   embedder,
		Extraction: extraction,
		Bus:        bus,
		Log:        log,
		now:        time.Now,
	}
	sub := eventbus.Subscribe(bus, func(evt mira.SegmentTimeoutEvent) {
		if err := o.HandleTimeout(context.Background(), evt); err != nil {
			o.Log.Error("segment collapse failed", "user_id", evt.UserID, "segment_id", evt.SegmentID, "error", err)
		}
	})
	return o, sub
}

// HandleTimeout runs the full collapse algorithm for one
// mira.SegmentTimeoutEvent (spec.md §4.1, steps 1-9). Any failure aborts
// the collapse with no partial state: the sentinel remains active, no
// events are published, and extraction is never submitted.
func (o *Orchestrator) HandleTimeout(ctx context.Context, evt mira.SegmentTimeoutEvent) error {
	log := o.Log.With("user_id", evt.UserID, "segment_id", evt.SegmentID)
	started := o.now()
	outcome := "aborted"
	defer func() {
		if o.Metrics == nil {
			return
		}
		o.Metrics.SegmentCollapseDur.Observe(time.Since(started).Seconds())
		o.Metrics.SegmentCollapses.WithLabelValues(outcome).Inc()
	}()

	cont, err := o.Registry.Get(ctx, evt.UserID)
	if err != nil {
		return fmt.Errorf("continuum: load continuum for %s: %w", evt.UserID, err)
	}

	messages, err := o.Store.LoadSegmentMessages(ctx, evt.UserID, evt.SegmentID)
	if err != nil {
		return fmt.Errorf("continuum: load segment messages: %w", err)
	}
	if len(messages) == 0 {
		// Invariant 2: a segment may only collapse with >=1 non-sentinel
		// message. No events, no summarizer call, no downstream submission.
		log.Info("collapse aborted: empty segment")
		return nil
	}

	toolsUsed := collectToolsUsed(messages)

	summary, err := o.summarize(ctx, messages, toolsUsed)
	if err != nil {
		// Summary failure aborts the collapse entirely; the sentinel stays
		// active for the next timeout scan to retry.
		return fmt.Errorf("continuum: summarize segment: %w", err)
	}
	if summary.DisplayTitle == tombstoneDisplayTitle {
		outcome = "tombstoned"
	} else {
		outcome = "collapsed"
	}

	embedding, err := o.Embedder.Embed(ctx, summary.Synopsis)
	if err != nil {
		return fmt.Errorf("continuum: embed synopsis: %w", err)
	}
	if len(embedding) != ltmemory.EmbeddingDimension {
		return fmt.Errorf("continuum: synopsis embedding dimension mismatch: got %d, want %d", len(embedding), ltmemory.EmbeddingDimension)
	}

	sentinel, events, err := cont.CollapseSegment(evt.SegmentID, summary.Synopsis, summary.DisplayTitle, summary.Complexity, toolsUsed, o.now())
	if err != nil {
		return fmt.Errorf("continuum: collapse sentinel: %w", err)
	}

	if err := o.Store.PersistCollapsedSentinel(ctx, evt.UserID, sentinel, embedding); err != nil {
		return fmt.Errorf("continuum: persist collapsed sentinel: %w", err)
	}

	for _, e := range events {
		o.Bus.Publish(e)
	}

	chunkMsgs := make([]ltmemory.ChunkMessage, len(messages))
	for i, m := range messages {
		chunkMsgs[i] = ltmemory.ChunkMessage{
			Role:      string(m.Role()),
			Content:   m.Content(),
			CreatedAt: m.CreatedAt(),
		}
	}
	chunk := ltmemory.ProcessingChunk{
		Messages:      chunkMsgs,
		ChunkIndex:    0,
		TemporalStart: messages[0].CreatedAt(),
		TemporalEnd:   messages[len(messages)-1].CreatedAt(),
	}
	if _, err := o.Extraction.SubmitSegmentExtraction(ctx, evt.UserID, evt.SegmentID, []ltmemory.ProcessingChunk{chunk}); err != nil {
		// Downstream submission failure is logged, not fatal to the
		// collapse itself: the sentinel has already durably collapsed and
		// a background sweep can resubmit extraction later. spec.md does
		// not make step 9 a precondition for steps 1-8 having taken
		// effect.
		log.Error("submit segment extraction failed", "error", err)
	}

	log.Info("segment collapsed", "display_title", summary.DisplayTitle, "complexity", summary.Complexity, "message_count", len(messages))
	return nil
}

// CollapseNow runs the full collapse pipeline for an explicit collapse
// request (the /collapse action), outside the timeout scan. It reuses the
// timeout path so explicit and timeout-driven collapses cannot drift apart.
func (o *Orchestrator) CollapseNow(ctx context.Context, userID, segmentID string) error {
	return o.HandleTimeout(ctx, mira.SegmentTimeoutEvent{UserID: userID, SegmentID: segmentID})
}

// summarize generates the segment synopsis, falling back to hierarchical
// chunked summarization when the whole-segment prompt overflows the
// provider's context window (spec.md §4.1 step 4), and to a tombstone when
// the summarizer declines to produce a display title (step "Failure
// semantics").
func (o *Orchestrator) summarize(ctx context.Context, messages []mira.Message, toolsUsed []string) (GeneratedSummary, error) {
	summary, err := o.Summarizer.GenerateSummary(ctx, messages, SummaryKindSegment, toolsUsed)
	if err == nil {
		return o.withTombstoneFallback(summary), nil
	}
	if !isContextOverflow(err) {
		return GeneratedSummary{}, err
	}

	chunks := chunkMessages(messages, chunkedSummaryThresholdChars)
	chunkSynopses := make([]string, 0, len(chunks))
	for _, chunk := range chunks {
		cs, cerr := o.Summarizer.GenerateSummary(ctx, chunk, SummaryKindChunk, toolsUsed)
		if cerr != nil {
			return GeneratedSummary{}, fmt.Errorf("continuum: chunked fallback summarize chunk: %w", cerr)
		}
		chunkSynopses = append(chunkSynopses, cs.Synopsis)
	}
	merged, err := o.Summarizer.MergeChunkSummaries(ctx, chunkSynopses)
	if err != nil {
		return GeneratedSummary{}, fmt.Errorf("continuum: merge chunk summaries: %w", err)
	}
	return o.withTombstoneFallback(merged), nil
}

// tombstoneDisplayTitle marks a sentinel produced by withTombstoneFallback,
// letting HandleTimeout distinguish a tombstoned collapse from a normal one
// for metrics without re-deriving the fallback condition.
const tombstoneDisplayTitle = "Archived segment"

// withTombstoneFallback auto-collapses with a tombstone ("Archived
// segment", complexity=1) when the summarizer refused to emit a display
// title, rather than retrying indefinitely (spec.md §4.1, invariant
// violation handling).
func (o *Orchestrator) withTombstoneFallback(summary GeneratedSummary) GeneratedSummary {
	if summary.DisplayTitle != "" {
		return summary
	}
	return GeneratedSummary{
		Synopsis:     "[Segment content not summarized]",
		DisplayTitle: tombstoneDisplayTitle,
		Complexity:   mira.ComplexityLow,
	}
}

func isContextOverflow(err error) bool {
	return stderrors.Is(err, miraerrors.ErrContextOverflow)
}

func collectToolsUsed(messages []mira.Message) []string {
	seen := map[string]bool{}
	var out []string
	for _, m := range messages {
		if m.Role() != mira.RoleTool {
			continue
		}
		name, _ := m.Metadata().Extra["tool_name"].(string)
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, name)
	}
	return out
}

// chunkMessages splits messages into ordered runs whose combined rendered
// content stays under maxChars, approximating spec.md's "~50k tokens
// (~200k chars)" chunk boundary. The last message of a run may itself
// exceed maxChars; it is still placed whole rather than split mid-message.
func chunkMessages(messages []mira.Message, maxChars int) [][]mira.Message {
	var chunks [][]mira.Message
	var current []mira.Message
	size := 0
	for _, m := range messages {
		l := len(m.Content())
		if size > 0 && size+l > maxChars {
			chunks = append(chunks, current)
			current = nil
			size = 0
		}
		current = append(current, m)
		size += l
	}
	if len(current) > 0 {
		chunks = append(chunks, current)
	}
	return chunks
}
