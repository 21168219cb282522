// engine.go wires the Registry, the LLM client, the tool repository, and
// the prompt-injection defense into the reply loop httpapi.ChatEngine
// calls: sanitize the incoming user turn, run generation, execute any
// tool_use blocks, and persist every turn along the way.
package continuum

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"

	"github.com/mira-run/mira/internal/httpapi"
	"github.com/mira-run/mira/internal/llm"
	"github.com/mira-run/mira/internal/mira"
	miraerrors "github.com/mira-run/mira/internal/mira/errors"
	"github.com/mira-run/mira/internal/promptdefense"
	"github.com/mira-run/mira/internal/tools"
)

// maxToolTurns bounds the tool-call loop so a misbehaving tool or
// provider cannot spin the reply loop forever.
const maxToolTurns = 8

// Defender is the prompt-injection defense surface the engine calls before
// a user turn reaches the model. Satisfied by *promptdefense.Defense.
type Defender interface {
	Sanitize(ctx context.Context, content, source string, trust promptdefense.TrustLevel) (string, promptdefense.Metadata, error)
}

// ToolRunner is the subset of tools.Repository the reply loop drives.
type ToolRunner interface {
	Available(ctx context.Context, userID string) ([]tools.Tool, error)
	Run(ctx context.Context, userID, name string, args json.RawMessage) (string, error)
}

// WorkingMemoryRecorder mirrors a turn's tool usage into the process-wide
// working memory after the reply loop finishes. Satisfied by
// *workingmemory.Store.
type WorkingMemoryRecorder interface {
	SetActiveTools(ctx context.Context, userID, continuumID string, tools []string) error
}

// Engine implements httpapi.ChatEngine: it is the single entry point the
// HTTP chat handler calls for one user turn.
type Engine struct {
	Registry *Registry
	LLM      *llm.Client
	Tools    ToolRunner
	Defense  Defender
	System   string
	// WorkingMem is optional; when set, the tools used in a turn are
	// recorded after the reply completes. Recording failures never fail
	// the turn itself.
	WorkingMem WorkingMemoryRecorder
}

// NewEngine constructs an Engine. defense may be nil to disable
// prompt-injection sanitization (e.g. for trusted service-to-service
// callers); production deployments always set it.
func NewEngine(registry *Registry, client *llm.Client, toolRunner ToolRunner, defense Defender, system string) *Engine {
	return &Engine{Registry: registry, LLM: client, Tools: toolRunner, Defense: defense, System: system}
}

// SendMessage runs one user turn end to end and satisfies
// httpapi.ChatEngine.
func (e *Engine) SendMessage(ctx context.Context, userID, continuumID string, message string) (httpapi.ChatResult, error) {
	sanitized := message
	if e.Defense != nil {
		s, meta, err := e.Defense.Sanitize(ctx, message, "user_input", promptdefense.TrustUserInput)
		if err != nil {
			return httpapi.ChatResult{}, fmt.Errorf("continuum: sanitize user message: %w", miraerrors.ErrPromptInjectionRejected)
		}
		_ = meta
		sanitized = s
	}

	if _, err := e.Registry.AppendUserMessage(ctx, userID, sanitized); err != nil {
		return httpapi.ChatResult{}, fmt.Errorf("continuum: append user message: %w", err)
	}

	cont, err := e.Registry.Get(ctx, userID)
	if err != nil {
		return httpapi.ChatResult{}, err
	}

	availableTools, err := e.availableLLMTools(ctx, userID)
	if err != nil {
		return httpapi.ChatResult{}, err
	}

	var toolsUsed []string
	var finalText string

	for turn := 0; turn < maxToolTurns; turn++ {
		req := llm.Request{
			Messages: renderForProvider(cont),
			System:   e.System,
			Tools:    availableTools,
		}
		resp, err := e.LLM.GenerateResponse(ctx, req)
		if err != nil {
			return httpapi.ChatResult{}, e.classifyLLMError(err)
		}

		text := llm.ExtractTextContent(resp)
		toolCalls := extractToolUse(resp)

		metadata := mira.MessageMetadata{Extra: map[string]any{}}
		if len(toolCalls) > 0 {
			metadata.HasToolCalls = true
		}
		if _, err := e.Registry.AppendAssistantMessage(ctx, userID, text, metadata); err != nil {
			return httpapi.ChatResult{}, fmt.Errorf("continuum: append assistant message: %w", err)
		}

		if len(toolCalls) == 0 {
			finalText = text
			break
		}

		for _, call := range toolCalls {
			result, rerr := e.Tools.Run(ctx, userID, call.ToolName, toolInputToJSON(call.ToolInput))
			if rerr != nil {
				var notLoaded *miraerrors.ToolNotLoadedError
				if stderrors.As(rerr, &notLoaded) {
					result = tools.SynthesizeLazyLoadResult(notLoaded)
				} else {
					result = fmt.Sprintf("tool error: %v", rerr)
				}
			}
			toolsUsed = append(toolsUsed, call.ToolName)
			if _, err := e.Registry.AppendToolMessage(ctx, userID, result, call.ToolUseID); err != nil {
				return httpapi.ChatResult{}, fmt.Errorf("continuum: append tool message: %w", err)
			}
		}
		finalText = text
	}

	used := dedupe(toolsUsed)
	if e.WorkingMem != nil && len(used) > 0 {
		_ = e.WorkingMem.SetActiveTools(ctx, userID, cont.ID(), used)
	}

	return httpapi.ChatResult{
		Response: finalText,
		Metadata: httpapi.ChatMetadata{ToolsUsed: used},
	}, nil
}

func (e *Engine) availableLLMTools(ctx context.Context, userID string) ([]llm.Tool, error) {
	if e.Tools == nil {
		return nil, nil
	}
	available, err := e.Tools.Available(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("continuum: list available tools: %w", err)
	}
	out := make([]llm.Tool, 0, len(available))
	for _, t := range available {
		var schema map[string]any
		_ = json.Unmarshal(t.Schema(), &schema)
		out = append(out, llm.Tool{
			Name:        t.Name(),
			Description: t.Description(),
			InputSchema: schema,
		})
	}
	return out, nil
}

func (e *Engine) classifyLLMError(err error) error {
	return fmt.Errorf("continuum: generate response: %w", err)
}

type toolUseCall struct {
	ToolUseID string
	ToolName  string
	ToolInput map[string]any
}

func extractToolUse(resp llm.Response) []toolUseCall {
	var out []toolUseCall
	for _, b := range resp.Content {
		if b.Type != llm.BlockToolUse {
			continue
		}
		out = append(out, toolUseCall{ToolUseID: b.ToolUseID, ToolName: b.ToolName, ToolInput: b.ToolInput})
	}
	return out
}

func toolInputToJSON(input map[string]any) json.RawMessage {
	raw, err := json.Marshal(input)
	if err != nil {
		return json.RawMessage("{}")
	}
	return raw
}

// renderForProvider converts the continuum's rendered-for-API view into
// llm.Message turns. Ephemeral cache_control placement on the last
// assistant block is preserved from mira.Continuum.GetMessagesForAPI.
func renderForProvider(cont *mira.Continuum) []llm.Message {
	rendered := cont.GetMessagesForAPI(nil)
	out := make([]llm.Message, 0, len(rendered))
	for _, m := range rendered {
		role := llm.RoleUser
		if m.Role == mira.RoleAssistant {
			role = llm.RoleAssistant
		}
		block := llm.ContentBlock{Type: llm.BlockText, Text: m.Content}
		if m.CacheControl {
			block.CacheControl = &llm.CacheControl{Type: "ephemeral"}
		}
		out = append(out, llm.Message{Role: role, Content: []llm.ContentBlock{block}})
	}
	return out
}

func dedupe(in []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, s := range in {
		if seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
