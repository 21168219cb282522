package continuum

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mira-run/mira/internal/llm"
	"github.com/mira-run/mira/internal/ltmemory"
	"github.com/mira-run/mira/internal/mira"
)

// LLMSummarizer implements SummaryGenerator over an llm.Client. It is the
// concrete collaborator cmd/mira wires into an Orchestrator; nothing in
// this package depended on a particular provider before this point.
type LLMSummarizer struct {
	Client *llm.Client
	Model  string
}

func NewLLMSummarizer(client *llm.Client, model string) *LLMSummarizer {
	return &LLMSummarizer{Client: client, Model: model}
}

type summaryResponse struct {
	Synopsis     string `json:"synopsis"`
	DisplayTitle string `json:"display_title"`
	Complexity   int    `json:"complexity"`
}

// GenerateSummary synthesizes a synopsis, display title, and complexity
// rating for one segment (or chunk) of conversation. An empty
// DisplayTitle in the model's response propagates as the tombstone
// fallback (spec.md §4.1, "Failure semantics"); this adapter never
// invents one on the model's behalf.
func (s *LLMSummarizer) GenerateSummary(ctx context.Context, messages []mira.Message, kind SummaryKind, toolsUsed []string) (GeneratedSummary, error) {
	var b strings.Builder
	for _, m := range messages {
		fmt.Fprintf(&b, "%s: %s\n", m.Role(), m.Content())
	}

	system := fmt.Sprintf(`Summarize this %s of a conversation. Respond with a single JSON object
{"synopsis": "<1-3 sentence synopsis>", "display_title": "<short title, 3-8 words>", "complexity": <1|2|3>}.
Tools used in this %[1]s: %s. Leave display_title empty only if the content carries no summarizable
substance (e.g. pure acknowledgements).`, kind, strings.Join(toolsUsed, ", "))

	resp, err := s.Client.GenerateResponse(ctx, llm.Request{
		System:         system,
		Messages:       []llm.Message{{Role: llm.RoleUser, Content: []llm.ContentBlock{{Type: llm.BlockText, Text: b.String()}}}},
		ModelOverride:  s.Model,
		ResponseFormat: "json_object",
		MaxTokens:      512,
	})
	if err != nil {
		return GeneratedSummary{}, fmt.Errorf("continuum: generate summary: %w", err)
	}
	return parseSummaryResponse(resp)
}

// MergeChunkSummaries synthesizes one synopsis from the ordered per-chunk
// synopses produced by the hierarchical fallback (spec.md §4.1 step 4).
func (s *LLMSummarizer) MergeChunkSummaries(ctx context.Context, chunkSynopses []string) (GeneratedSummary, error) {
	var b strings.Builder
	for i, cs := range chunkSynopses {
		fmt.Fprintf(&b, "Chunk %d: %s\n", i+1, cs)
	}

	system := `Merge these chunk synopses, produced from consecutive pieces of one oversized
conversation segment, into a single synopsis covering the whole segment. Respond with a single
JSON object {"synopsis": "<1-3 sentence synopsis>", "display_title": "<short title, 3-8 words>",
"complexity": <1|2|3>}.`

	resp, err := s.Client.GenerateResponse(ctx, llm.Request{
		System:         system,
		Messages:       []llm.Message{{Role: llm.RoleUser, Content: []llm.ContentBlock{{Type: llm.BlockText, Text: b.String()}}}},
		ModelOverride:  s.Model,
		ResponseFormat: "json_object",
		MaxTokens:      512,
	})
	if err != nil {
		return GeneratedSummary{}, fmt.Errorf("continuum: merge chunk summaries: %w", err)
	}
	return parseSummaryResponse(resp)
}

func parseSummaryResponse(resp llm.Response) (GeneratedSummary, error) {
	var parsed summaryResponse
	if err := json.Unmarshal([]byte(responseText(resp)), &parsed); err != nil {
		return GeneratedSummary{}, fmt.Errorf("continuum: parse summary response: %w", err)
	}
	complexity := mira.Complexity(parsed.Complexity)
	if complexity < mira.ComplexityLow || complexity > mira.ComplexityHigh {
		complexity = mira.ComplexityLow
	}
	return GeneratedSummary{
		Synopsis:     parsed.Synopsis,
		DisplayTitle: strings.TrimSpace(parsed.DisplayTitle),
		Complexity:   complexity,
	}, nil
}

func responseText(resp llm.Response) string {
	var b strings.Builder
	for _, block := range resp.Content {
		if block.Type == llm.BlockText {
			b.WriteString(block.Text)
		}
	}
	return b.String()
}

// memoryExtractor is the collaborator LLMSummarizer's sibling,
// SyncExtractionSubmitter, uses to turn a segment's messages into
// candidate memories. Split out from ExtractionSubmitter itself so the
// JSON-extraction prompt can be unit tested without the storage and
// embedding side effects SubmitSegmentExtraction performs.
type memoryExtractor struct {
	Client *llm.Client
	Model  string
}

type extractedMemoryJSON struct {
	Text            string  `json:"text"`
	ImportanceScore float64 `json:"importance_score"`
	Confidence      float64 `json:"confidence"`
}

type extractResponse struct {
	Memories []extractedMemoryJSON `json:"memories"`
}

func (e *memoryExtractor) extract(ctx context.Context, chunks []ltmemory.ProcessingChunk) ([]ltmemory.ExtractedMemory, error) {
	var b strings.Builder
	for _, chunk := range chunks {
		for _, m := range chunk.Messages {
			fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Content)
		}
	}

	system := `Extract durable, atomic facts worth remembering about the user from this conversation
excerpt. Respond with a single JSON object {"memories": [{"text": "<fact>", "importance_score":
<0-1>, "confidence": <0-1>}, ...]}. Return an empty list if nothing durable is worth keeping.`

	resp, err := e.Client.GenerateResponse(ctx, llm.Request{
		System:         system,
		Messages:       []llm.Message{{Role: llm.RoleUser, Content: []llm.ContentBlock{{Type: llm.BlockText, Text: b.String()}}}},
		ModelOverride:  e.Model,
		ResponseFormat: "json_object",
		MaxTokens:      2048,
	})
	if err != nil {
		return nil, fmt.Errorf("continuum: extract memories: %w", err)
	}

	var parsed extractResponse
	if err := json.Unmarshal([]byte(responseText(resp)), &parsed); err != nil {
		return nil, fmt.Errorf("continuum: parse extraction response: %w", err)
	}

	out := make([]ltmemory.ExtractedMemory, len(parsed.Memories))
	for i, m := range parsed.Memories {
		out[i] = ltmemory.ExtractedMemory{
			Text:            m.Text,
			ImportanceScore: m.ImportanceScore,
			Confidence:      m.Confidence,
		}
	}
	return out, nil
}

// extractionEmbedder is the narrow embedding dependency
// SyncExtractionSubmitter needs; any vectorops.Embedder (in particular
// *llm.EmbeddingProvider) satisfies it.
type extractionEmbedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// extractionStore is the persistence boundary SyncExtractionSubmitter
// drives; *postgres.MemoryRepo satisfies it directly.
type extractionStore interface {
	StoreMemories(ctx context.Context, userID string, memories []ltmemory.ExtractedMemory, embeddings [][]float32) ([]string, error)
}

// SyncExtractionSubmitter runs extraction, embedding, and storage as one
// synchronous pass. It serves two callers: as an ExtractionSubmitter it is
// the whole pipeline for deployments that skip the async batch machinery
// (returning a batch synthesized as already BatchCompleted), and its
// ExtractAndStore is the batch.Runner the in-process provider executes for
// extraction batches submitted through ltmemory/batch.Orchestrator.
type SyncExtractionSubmitter struct {
	extractor *memoryExtractor
	Embedder  extractionEmbedder
	Store     extractionStore
	now       func() time.Time
}

func NewSyncExtractionSubmitter(client *llm.Client, model string, embedder extractionEmbedder, store extractionStore) *SyncExtractionSubmitter {
	return &SyncExtractionSubmitter{
		extractor: &memoryExtractor{Client: client, Model: model},
		Embedder:  embedder,
		Store:     store,
		now:       time.Now,
	}
}

func (s *SyncExtractionSubmitter) SubmitSegmentExtraction(ctx context.Context, userID, segmentID string, chunks []ltmemory.ProcessingChunk) (ltmemory.ExtractionBatch, error) {
	completedAt := s.now()
	batch := ltmemory.ExtractionBatch{
		ID:          uuid.NewString(),
		UserID:      userID,
		SegmentID:   segmentID,
		State:       ltmemory.BatchCompleted,
		SubmittedAt: completedAt,
		CompletedAt: &completedAt,
	}

	if _, err := s.ExtractAndStore(ctx, userID, chunks); err != nil {
		batch.State = ltmemory.BatchFailed
		return batch, err
	}
	return batch, nil
}

// ExtractAndStore is the extraction pipeline's core: run the extraction
// LLM over the chunks, embed the results, and persist them under userID.
// Returns how many memories were stored.
func (s *SyncExtractionSubmitter) ExtractAndStore(ctx context.Context, userID string, chunks []ltmemory.ProcessingChunk) (int, error) {
	memories, err := s.extractor.extract(ctx, chunks)
	if err != nil {
		return 0, err
	}
	if len(memories) == 0 {
		return 0, nil
	}

	texts := make([]string, len(memories))
	for i, m := range memories {
		texts[i] = m.Text
	}
	embeddings, err := s.Embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return 0, fmt.Errorf("continuum: embed extracted memories: %w", err)
	}

	if _, err := s.Store.StoreMemories(ctx, userID, memories, embeddings); err != nil {
		return 0, fmt.Errorf("continuum: store extracted memories: %w", err)
	}
	return len(memories), nil
}
