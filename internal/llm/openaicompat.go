package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	mirerrors "github.com/mira-run/mira/internal/mira/errors"
)

// OpenAICompatProvider speaks the generic OpenAI-compatible chat
// completions wire format (OpenRouter, Groq, Ollama's OpenAI shim, local
// proxies). It is selected whenever Request.EndpointURL is set.
type OpenAICompatProvider struct {
	defaultModel string
}

// NewOpenAICompatProvider constructs a provider whose default model is
// used when a Request does not override it.
func NewOpenAICompatProvider(defaultModel string) *OpenAICompatProvider {
	return &OpenAICompatProvider{defaultModel: defaultModel}
}

func (p *OpenAICompatProvider) client(req Request) *openai.Client {
	cfg := openai.DefaultConfig(req.APIKeyOverride)
	cfg.BaseURL = req.EndpointURL
	return openai.NewClientWithConfig(cfg)
}

// GenerateResponse translates req into an OpenAI chat completion, sends it
// to req.EndpointURL, and translates the response back to the
// Anthropic-shaped Response.
func (p *OpenAICompatProvider) GenerateResponse(ctx context.Context, req Request) (Response, error) {
	messages, err := toOpenAIMessages(req.System, req.Messages)
	if err != nil {
		return Response{}, err
	}

	model := req.ModelOverride
	if model == "" {
		model = p.defaultModel
	}

	ccReq := openai.ChatCompletionRequest{
		Model:    model,
		Messages: messages,
		Tools:    toOpenAITools(req.Tools),
	}
	if req.MaxTokens > 0 {
		ccReq.MaxTokens = req.MaxTokens
	}
	if req.Temperature > 0 {
		ccReq.Temperature = float32(req.Temperature)
	}
	if req.ResponseFormat != "" {
		ccReq.ResponseFormat = &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatType(req.ResponseFormat)}
	}

	resp, err := p.client(req).CreateChatCompletion(ctx, ccReq)
	if err != nil {
		return Response{}, mapOpenAICompatError(err)
	}
	if len(resp.Choices) == 0 {
		return Response{}, fmt.Errorf("llm: openai-compatible response had no choices: %w", mirerrors.ErrServerError)
	}

	return fromOpenAIChoice(resp.Model, resp.Choices[0], resp.Usage), nil
}

// GenerateResponseStream sends req over the OpenAI-compatible SSE chat
// completions stream and emits incremental text deltas on the returned
// channel. The channel is always closed; the last delta before close has
// Done=true and carries the accumulated Response, with StopReason mapped
// from the final chunk's finish_reason. A mid-stream transport error closes
// the channel without a Done delta.
func (p *OpenAICompatProvider) GenerateResponseStream(ctx context.Context, req Request) (<-chan StreamDelta, error) {
	messages, err := toOpenAIMessages(req.System, req.Messages)
	if err != nil {
		return nil, err
	}

	model := req.ModelOverride
	if model == "" {
		model = p.defaultModel
	}

	ccReq := openai.ChatCompletionRequest{
		Model:    model,
		Messages: messages,
		Tools:    toOpenAITools(req.Tools),
		Stream:   true,
	}
	if req.MaxTokens > 0 {
		ccReq.MaxTokens = req.MaxTokens
	}
	if req.Temperature > 0 {
		ccReq.Temperature = float32(req.Temperature)
	}

	stream, err := p.client(req).CreateChatCompletionStream(ctx, ccReq)
	if err != nil {
		return nil, mapOpenAICompatError(err)
	}

	out := make(chan StreamDelta)
	go func() {
		defer close(out)
		defer stream.Close()

		var text strings.Builder
		var modelName string
		stopReason := StopEndTurn
		toolCalls := map[int]*openai.ToolCall{}

		for {
			chunk, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				return
			}
			if chunk.Model != "" {
				modelName = chunk.Model
			}
			if len(chunk.Choices) == 0 {
				continue
			}
			choice := chunk.Choices[0]
			if choice.Delta.Content != "" {
				text.WriteString(choice.Delta.Content)
				out <- StreamDelta{TextDelta: choice.Delta.Content}
			}
			for _, tc := range choice.Delta.ToolCalls {
				idx := 0
				if tc.Index != nil {
					idx = *tc.Index
				}
				existing, ok := toolCalls[idx]
				if !ok {
					cp := tc
					toolCalls[idx] = &cp
					continue
				}
				existing.Function.Arguments += tc.Function.Arguments
			}
			if choice.FinishReason != "" {
				stopReason = mapOpenAIFinishReason(choice.FinishReason)
			}
		}

		blocks := []ContentBlock{}
		if text.Len() > 0 {
			blocks = append(blocks, ContentBlock{Type: BlockText, Text: text.String()})
		}
		for i := 0; i < len(toolCalls); i++ {
			tc, ok := toolCalls[i]
			if !ok {
				continue
			}
			input := map[string]any{}
			if tc.Function.Arguments != "" {
				_ = json.Unmarshal([]byte(tc.Function.Arguments), &input)
			}
			blocks = append(blocks, ContentBlock{
				Type:      BlockToolUse,
				ToolUseID: tc.ID,
				ToolName:  tc.Function.Name,
				ToolInput: input,
			})
		}

		out <- StreamDelta{
			Done: true,
			Final: Response{
				Content:    blocks,
				StopReason: stopReason,
				Model:      modelName,
			},
		}
	}()

	return out, nil
}

// mapOpenAICompatError classifies an error returned by the go-openai client
// into the shared ProviderError taxonomy.
func mapOpenAICompatError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		code, _ := apiErr.Code.(string)
		return mirerrors.NewProviderError("openai-compatible", apiErr.HTTPStatusCode, code, apiErr.Message)
	}
	return fmt.Errorf("llm: openai-compatible request failed: %w", err)
}
