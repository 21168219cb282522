// Package llmadapter implements the LT-Memory interfaces that call out to
// an LLM (relationship classification, verbose-memory refinement,
// consolidation review) against internal/llm's provider-neutral Client,
// so internal/ltmemory/linking and internal/ltmemory/refinement stay
// provider-agnostic while cmd/mira wires a concrete model behind them.
package llmadapter

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mira-run/mira/internal/llm"
	"github.com/mira-run/mira/internal/ltmemory"
	"github.com/mira-run/mira/internal/ltmemory/linking"
	"github.com/mira-run/mira/internal/ltmemory/refinement"
)

// Classifier implements linking.Classifier over an llm.Client.
type Classifier struct {
	Client *llm.Client
	Model  string
}

// NewClassifier constructs a Classifier.
func NewClassifier(client *llm.Client, model string) *Classifier {
	return &Classifier{Client: client, Model: model}
}

type classifyResponse struct {
	RelationshipType string  `json:"relationship_type"`
	Confidence       float64 `json:"confidence"`
	Reasoning        string  `json:"reasoning"`
}

// ClassifyRelationship asks the model whether src and tgt are related and,
// if so, what kind of link connects them.
func (c *Classifier) ClassifyRelationship(ctx context.Context, src, tgt ltmemory.Memory) (linking.ClassificationResult, error) {
	system := `Classify the relationship between two memories. Respond with a single JSON object
{"relationship_type": "<one of: related, supports, conflicts, supersedes, causes, instance_of, invalidated_by, motivated_by, null>", "confidence": <0-1>, "reasoning": "<short justification>"}.
Use "null" when no clear relationship exists.`
	prompt := fmt.Sprintf("Memory A: %s\nMemory B: %s", src.Text, tgt.Text)

	resp, err := c.Client.GenerateResponse(ctx, llm.Request{
		System:         system,
		Messages:       []llm.Message{{Role: llm.RoleUser, Content: []llm.ContentBlock{{Type: llm.BlockText, Text: prompt}}}},
		ModelOverride:  c.Model,
		ResponseFormat: "json_object",
		MaxTokens:      512,
	})
	if err != nil {
		return linking.ClassificationResult{}, fmt.Errorf("llmadapter: classify relationship: %w", err)
	}

	var parsed classifyResponse
	if err := json.Unmarshal([]byte(textOf(resp)), &parsed); err != nil {
		return linking.ClassificationResult{}, fmt.Errorf("llmadapter: parse classification response: %w", err)
	}

	return linking.ClassificationResult{
		RelationshipType: ltmemory.LinkType(strings.ToLower(strings.TrimSpace(parsed.RelationshipType))),
		Confidence:       parsed.Confidence,
		Reasoning:        parsed.Reasoning,
	}, nil
}

// Refiner implements refinement.RefinerLLM over an llm.Client.
type Refiner struct {
	Client *llm.Client
	Model  string
}

// NewRefiner constructs a Refiner.
func NewRefiner(client *llm.Client, model string) *Refiner {
	return &Refiner{Client: client, Model: model}
}

type refineResponse struct {
	Outcome     string   `json:"outcome"`
	NewMemories []string `json:"new_memories"`
}

// RefineMemory asks the model whether a verbose memory should be trimmed,
// split into multiple memories, or left alone.
func (r *Refiner) RefineMemory(ctx context.Context, memory ltmemory.Memory) (refinement.RefinementResult, error) {
	system := `A memory has grown verbose and is a candidate for refinement. Decide one of:
"trim" (rewrite it more concisely, one replacement memory), "split" (break it into two or more
atomic memories), or "do_nothing" (leave it as is). Respond with a single JSON object
{"outcome": "<trim|split|do_nothing>", "new_memories": ["<replacement text>", ...]}.
new_memories is empty for do_nothing, has exactly one entry for trim, and two or more for split.`

	resp, err := r.Client.GenerateResponse(ctx, llm.Request{
		System:         system,
		Messages:       []llm.Message{{Role: llm.RoleUser, Content: []llm.ContentBlock{{Type: llm.BlockText, Text: memory.Text}}}},
		ModelOverride:  r.Model,
		ResponseFormat: "json_object",
		MaxTokens:      1024,
	})
	if err != nil {
		return refinement.RefinementResult{}, fmt.Errorf("llmadapter: refine memory: %w", err)
	}

	var parsed refineResponse
	if err := json.Unmarshal([]byte(textOf(resp)), &parsed); err != nil {
		return refinement.RefinementResult{}, fmt.Errorf("llmadapter: parse refinement response: %w", err)
	}

	out := refinement.RefinementResult{Outcome: refinement.Outcome(strings.ToLower(strings.TrimSpace(parsed.Outcome)))}
	for _, text := range parsed.NewMemories {
		out.NewMemories = append(out.NewMemories, ltmemory.ExtractedMemory{Text: text, ImportanceScore: memory.ImportanceScore, Confidence: memory.Confidence})
	}
	return out, nil
}

// Consolidator implements refinement.ConsolidationLLM over an llm.Client.
type Consolidator struct {
	Client *llm.Client
	Model  string
}

// NewConsolidator constructs a Consolidator.
func NewConsolidator(client *llm.Client, model string) *Consolidator {
	return &Consolidator{Client: client, Model: model}
}

type consolidateResponse struct {
	ShouldMerge bool   `json:"should_merge"`
	MergedText  string `json:"merged_text"`
}

// ShouldConsolidate asks the model whether a cluster of near-duplicate
// memories should be merged into one, and if so, what the merged text
// should read.
func (c *Consolidator) ShouldConsolidate(ctx context.Context, cluster []ltmemory.Memory) (bool, string, error) {
	system := `A cluster of near-duplicate memories is proposed for merging. Decide whether they should
be consolidated into one memory. Respond with a single JSON object
{"should_merge": <true|false>, "merged_text": "<the single consolidated memory text, if should_merge>"}.`

	var b strings.Builder
	for i, m := range cluster {
		fmt.Fprintf(&b, "%d. %s\n", i+1, m.Text)
	}

	resp, err := c.Client.GenerateResponse(ctx, llm.Request{
		System:         system,
		Messages:       []llm.Message{{Role: llm.RoleUser, Content: []llm.ContentBlock{{Type: llm.BlockText, Text: b.String()}}}},
		ModelOverride:  c.Model,
		ResponseFormat: "json_object",
		MaxTokens:      512,
	})
	if err != nil {
		return false, "", fmt.Errorf("llmadapter: consolidation review: %w", err)
	}

	var parsed consolidateResponse
	if err := json.Unmarshal([]byte(textOf(resp)), &parsed); err != nil {
		return false, "", fmt.Errorf("llmadapter: parse consolidation response: %w", err)
	}
	return parsed.ShouldMerge, parsed.MergedText, nil
}

// textOf concatenates every text block of a response, the shape every
// adapter in this package needs before it can unmarshal the model's JSON.
func textOf(resp llm.Response) string {
	var b strings.Builder
	for _, block := range resp.Content {
		if block.Type == llm.BlockText {
			b.WriteString(block.Text)
		}
	}
	return b.String()
}
