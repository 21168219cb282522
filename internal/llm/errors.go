package llm

import "errors"

var (
	errNoAnthropicProvider    = errors.New("llm: no anthropic provider configured")
	errNoOpenAICompatProvider = errors.New("llm: no openai-compatible provider configured")
	errStreamingNotSupported  = errors.New("llm: selected provider does not support streaming")
)
