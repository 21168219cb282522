// Package llm implements the provider-neutral LLM client abstraction:
// Anthropic-shaped request/response types, a native Anthropic path, and a
// generic OpenAI-compatible path with bidirectional translation. Callers
// always see Anthropic-shaped content blocks regardless of which wire
// format a request is ultimately sent over.
package llm

// Role mirrors mira.Role at the wire boundary; kept separate so this
// package does not depend on the continuum engine.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ContentBlockType enumerates the Anthropic-shaped block kinds this client
// translates to and from.
type ContentBlockType string

const (
	BlockText       ContentBlockType = "text"
	BlockImage      ContentBlockType = "image"
	BlockToolUse    ContentBlockType = "tool_use"
	BlockToolResult ContentBlockType = "tool_result"
	BlockThinking   ContentBlockType = "thinking"
)

// CacheControl marks a content block eligible for provider-side prompt
// caching.
type CacheControl struct {
	Type string `json:"type"` // always "ephemeral"
}

// ContentBlock is one Anthropic-shaped content block. Only the fields
// relevant to Type are populated.
type ContentBlock struct {
	Type ContentBlockType `json:"type"`

	Text string `json:"text,omitempty"`

	// Image fields.
	ImageMediaType string `json:"image_media_type,omitempty"`
	ImageData      string `json:"image_data,omitempty"` // base64

	// ToolUse fields.
	ToolUseID string `json:"id,omitempty"`
	ToolName  string `json:"name,omitempty"`
	ToolInput map[string]any `json:"input,omitempty"`

	// ToolResult fields.
	ToolResultForID string `json:"tool_use_id,omitempty"`
	ToolResultText  string `json:"content,omitempty"`
	ToolResultError bool   `json:"is_error,omitempty"`

	// Thinking fields; stripped outbound to OpenAI-compat endpoints but
	// round-tripped through reasoning_details for reasoning models.
	Thinking         string `json:"thinking,omitempty"`
	ReasoningDetails []byte `json:"-"` // opaque provider payload, passed through unmodified

	CacheControl *CacheControl `json:"cache_control,omitempty"`
}

// Message is one turn in a request, as a list of content blocks (never a
// bare string) so multimodal and tool-bearing turns share one shape.
type Message struct {
	Role    Role
	Content []ContentBlock
}

// Tool is an Anthropic-style tool definition: name, description, and a
// JSON Schema input_schema.
type Tool struct {
	Name        string
	Description string
	InputSchema map[string]any
}

// StopReason is the provider-neutral reason generation stopped, mapped from
// whichever wire format was used.
type StopReason string

const (
	StopEndTurn   StopReason = "end_turn"
	StopToolUse   StopReason = "tool_use"
	StopMaxTokens StopReason = "max_tokens"
)

// Request is the provider-neutral generation request. When EndpointURL is
// set, the generic OpenAI-compatible path is used; otherwise the native
// Anthropic path is used.
type Request struct {
	Messages  []Message
	System    string
	Tools     []Tool

	EndpointURL    string
	ModelOverride  string
	APIKeyOverride string

	Temperature     float64
	MaxTokens       int
	ThinkingEnabled bool

	// ResponseFormat, when non-empty, requests a constrained output mode
	// (e.g. "json_object") from providers that support it.
	ResponseFormat string
}

// Response is the provider-neutral generation result.
type Response struct {
	Content    []ContentBlock
	StopReason StopReason
	Model      string

	InputTokens  int
	OutputTokens int
}

// ExtractTextContent concatenates every text block in a response, in
// order, which is the common case for callers that only want the reply's
// prose.
func ExtractTextContent(resp Response) string {
	var out []byte
	for _, b := range resp.Content {
		if b.Type == BlockText {
			out = append(out, b.Text...)
		}
	}
	return string(out)
}
