package llm

import (
	"encoding/json"
	"fmt"

	openai "github.com/sashabaranov/go-openai"
)

// toOpenAIMessages translates Anthropic-shaped messages (plus a system
// prompt) into OpenAI chat messages. tool_use blocks become assistant
// tool_calls; tool_result user-blocks become standalone role:tool messages.
// thinking blocks are stripped outbound (OpenAI chat completions has no
// equivalent slot for them).
func toOpenAIMessages(system string, messages []Message) ([]openai.ChatCompletionMessage, error) {
	var out []openai.ChatCompletionMessage
	if system != "" {
		out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: system})
	}

	for _, m := range messages {
		var text string
		var toolCalls []openai.ToolCall

		for _, b := range m.Content {
			switch b.Type {
			case BlockText:
				text += b.Text
			case BlockThinking:
				// stripped outbound
			case BlockToolUse:
				args, err := json.Marshal(b.ToolInput)
				if err != nil {
					return nil, fmt.Errorf("llm: marshal tool_use input for %s: %w", b.ToolName, err)
				}
				toolCalls = append(toolCalls, openai.ToolCall{
					ID:   b.ToolUseID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      b.ToolName,
						Arguments: string(args),
					},
				})
			case BlockToolResult:
				// tool_result blocks are emitted as their own role:tool
				// message, not folded into the surrounding turn.
				out = append(out, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					Content:    b.ToolResultText,
					ToolCallID: b.ToolResultForID,
				})
			}
		}

		if text == "" && len(toolCalls) == 0 {
			continue
		}
		out = append(out, openai.ChatCompletionMessage{
			Role:      string(m.Role),
			Content:   text,
			ToolCalls: toolCalls,
		})
	}
	return out, nil
}

// toOpenAITools translates Anthropic-style tool schemas into OpenAI
// function-tool definitions.
func toOpenAITools(tools []Tool) []openai.Tool {
	if len(tools) == 0 {
		return nil
	}
	out := make([]openai.Tool, len(tools))
	for i, t := range tools {
		out[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.InputSchema,
			},
		}
	}
	return out
}

// fromOpenAIChoice translates a single OpenAI completion choice back into
// an Anthropic-shaped Response. For tools with no declared parameters, some
// proxies omit `arguments` entirely; that is tolerated here by treating a
// parse failure as an empty input object rather than an error.
func fromOpenAIChoice(model string, choice openai.ChatCompletionChoice, usage openai.Usage) Response {
	var blocks []ContentBlock
	if choice.Message.Content != "" {
		blocks = append(blocks, ContentBlock{Type: BlockText, Text: choice.Message.Content})
	}
	for _, tc := range choice.Message.ToolCalls {
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

	return Response{
		Content:      blocks,
		StopReason:   mapOpenAIFinishReason(choice.FinishReason),
		Model:        model,
		InputTokens:  usage.PromptTokens,
		OutputTokens: usage.CompletionTokens,
	}
}

// mapOpenAIFinishReason maps OpenAI's finish reasons onto the
// Anthropic-shaped StopReason: stop -> end_turn, tool_calls -> tool_use,
// length -> max_tokens. Anything else passes through as end_turn, the
// safest default for a caller that only branches on tool_use/max_tokens.
func mapOpenAIFinishReason(reason openai.FinishReason) StopReason {
	switch reason {
	case openai.FinishReasonToolCalls, openai.FinishReasonFunctionCall:
		return StopToolUse
	case openai.FinishReasonLength:
		return StopMaxTokens
	default:
		return StopEndTurn
	}
}
