package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	mirerrors "github.com/mira-run/mira/internal/mira/errors"
)

// AnthropicProvider speaks Claude's native Messages API directly: no
// translation, since Request's content blocks are already Anthropic-shaped.
type AnthropicProvider struct {
	apiKey       string
	defaultModel string
}

// NewAnthropicProvider constructs a provider. apiKey may be empty if every
// Request supplies APIKeyOverride.
func NewAnthropicProvider(apiKey, defaultModel string) *AnthropicProvider {
	return &AnthropicProvider{apiKey: apiKey, defaultModel: defaultModel}
}

func (p *AnthropicProvider) client(req Request) *anthropic.Client {
	key := req.APIKeyOverride
	if key == "" {
		key = p.apiKey
	}
	c := anthropic.NewClient(option.WithAPIKey(key))
	return &c
}

// GenerateResponse sends req to Claude's Messages API and translates the
// reply back into the provider-neutral Response.
func (p *AnthropicProvider) GenerateResponse(ctx context.Context, req Request) (Response, error) {
	model := req.ModelOverride
	if model == "" {
		model = p.defaultModel
	}

	messages, err := toAnthropicMessages(req.Messages)
	if err != nil {
		return Response{}, err
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  messages,
		MaxTokens: int64(maxTokensOrDefault(req.MaxTokens)),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if len(req.Tools) > 0 {
		params.Tools = toAnthropicTools(req.Tools)
	}
	if req.ThinkingEnabled {
		params.Thinking = anthropic.ThinkingConfigParamOfEnabled(thinkingBudget(req.MaxTokens))
	}

	msg, err := p.client(req).Messages.New(ctx, params)
	if err != nil {
		return Response{}, mapAnthropicError(err, model)
	}

	return fromAnthropicMessage(msg), nil
}

// GenerateResponseStream streams req over Claude's native Messages SSE
// endpoint, emitting text deltas as they arrive and a final Done delta once
// the SDK's accumulator has assembled the complete message (spec.md §4.6:
// "Streaming is supported via SSE; final chunk's finish_reason maps as
// above").
func (p *AnthropicProvider) GenerateResponseStream(ctx context.Context, req Request) (<-chan StreamDelta, error) {
	model := req.ModelOverride
	if model == "" {
		model = p.defaultModel
	}

	messages, err := toAnthropicMessages(req.Messages)
	if err != nil {
		return nil, err
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  messages,
		MaxTokens: int64(maxTokensOrDefault(req.MaxTokens)),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if len(req.Tools) > 0 {
		params.Tools = toAnthropicTools(req.Tools)
	}

	stream := p.client(req).Messages.NewStreaming(ctx, params)

	out := make(chan StreamDelta)
	go func() {
		defer close(out)
		defer stream.Close()

		var acc anthropic.Message
		for stream.Next() {
			event := stream.Current()
			// Tool-call inputs with empty/invalid JSON can fail to marshal
			// here; the accumulated message is still usable for the text
			// and stop-reason fields this path cares about, so the error
			// is not fatal to streaming.
			_ = acc.Accumulate(event)

			if delta, ok := event.AsAny().(anthropic.ContentBlockDeltaEvent); ok {
				if text, ok := delta.Delta.AsAny().(anthropic.TextDelta); ok && text.Text != "" {
					out <- StreamDelta{TextDelta: text.Text}
				}
			}
		}
		if err := stream.Err(); err != nil {
			return
		}

		out <- StreamDelta{Done: true, Final: fromAnthropicMessage(&acc)}
	}()

	return out, nil
}

func maxTokensOrDefault(n int) int {
	if n <= 0 {
		return 4096
	}
	return n
}

func thinkingBudget(maxTokens int) int64 {
	budget := maxTokensOrDefault(maxTokens) / 2
	if budget < 1024 {
		budget = 1024
	}
	return int64(budget)
}

func toAnthropicMessages(messages []Message) ([]anthropic.MessageParam, error) {
	out := make([]anthropic.MessageParam, 0, len(messages))
	for _, m := range messages {
		var blocks []anthropic.ContentBlockParamUnion
		for _, b := range m.Content {
			switch b.Type {
			case BlockText:
				blocks = append(blocks, anthropic.NewTextBlock(b.Text))
			case BlockToolUse:
				blocks = append(blocks, anthropic.NewToolUseBlock(b.ToolUseID, b.ToolInput, b.ToolName))
			case BlockToolResult:
				blocks = append(blocks, anthropic.NewToolResultBlock(b.ToolResultForID, b.ToolResultText, b.ToolResultError))
			case BlockImage:
				blocks = append(blocks, anthropic.NewImageBlockBase64(b.ImageMediaType, b.ImageData))
			case BlockThinking:
				// A thinking block's signature lives in its captured
				// ReasoningDetails, not in a shape this package can
				// reconstruct as a request-side param; it round-trips to
				// callers via Response.Content but is not replayed here.
			}
		}
		if len(blocks) == 0 {
			continue
		}
		if m.Role == RoleAssistant {
			out = append(out, anthropic.NewAssistantMessage(blocks...))
		} else {
			out = append(out, anthropic.NewUserMessage(blocks...))
		}
	}
	return out, nil
}

func toAnthropicTools(tools []Tool) []anthropic.ToolUnionParam {
	out := make([]anthropic.ToolUnionParam, len(tools))
	for i, t := range tools {
		out[i] = anthropic.ToolUnionParam{
			OfTool: &anthropic.ToolParam{
				Name:        t.Name,
				Description: anthropic.String(t.Description),
				InputSchema: anthropic.ToolInputSchemaParam{
					Properties: t.InputSchema["properties"],
					Required:   stringSliceOf(t.InputSchema["required"]),
				},
			},
		}
	}
	return out
}

func stringSliceOf(v any) []string {
	raw, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		if s, ok := r.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func fromAnthropicMessage(msg *anthropic.Message) Response {
	var blocks []ContentBlock
	for _, b := range msg.Content {
		switch b.Type {
		case "text":
			blocks = append(blocks, ContentBlock{Type: BlockText, Text: b.Text})
		case "tool_use":
			var input map[string]any
			_ = json.Unmarshal(b.Input, &input)
			blocks = append(blocks, ContentBlock{Type: BlockToolUse, ToolUseID: b.ID, ToolName: b.Name, ToolInput: input})
		case "thinking":
			block := ContentBlock{Type: BlockThinking, Thinking: b.Thinking}
			if raw := b.RawJSON(); raw != "" {
				// captured opaque so a later turn that must replay this
				// thinking block (extended-thinking + tool use) can do so
				// without this package needing to know the signature
				// field's exact shape.
				block.ReasoningDetails = []byte(raw)
			}
			blocks = append(blocks, block)
		}
	}

	return Response{
		Content:      blocks,
		StopReason:   mapAnthropicStopReason(string(msg.StopReason)),
		Model:        string(msg.Model),
		InputTokens:  int(msg.Usage.InputTokens),
		OutputTokens: int(msg.Usage.OutputTokens),
	}
}

func mapAnthropicStopReason(reason string) StopReason {
	switch reason {
	case "tool_use":
		return StopToolUse
	case "max_tokens":
		return StopMaxTokens
	default:
		return StopEndTurn
	}
}

func mapAnthropicError(err error, model string) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		message := apiErr.Error()
		code := ""
		var payload struct {
			Error struct {
				Type    string `json:"type"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if raw := apiErr.RawJSON(); raw != "" && json.Unmarshal([]byte(raw), &payload) == nil {
			if payload.Error.Message != "" {
				message = payload.Error.Message
			}
			code = payload.Error.Type
		}
		return mirerrors.NewProviderError("anthropic", apiErr.StatusCode, code, message)
	}
	return fmt.Errorf("llm: anthropic request failed for model %s: %w", model, err)
}
