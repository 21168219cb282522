// Package errors defines the sentinel error values and the ProviderError
// wrapper shared across the LLM client, tool repository, and storage layer.
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors matched with errors.Is across package boundaries.
var (
	// ErrContextOverflow indicates a request exceeded the provider's context
	// window. The continuum engine responds by falling back to hierarchical
	// chunked summarization.
	ErrContextOverflow = errors.New("mira: context window exceeded")

	// ErrPermission indicates an auth failure (401/403) or a forbidden
	// Vault path. Callers must not leak whether a forbidden path exists.
	ErrPermission = errors.New("mira: permission denied")

	// ErrRateLimited indicates the provider returned 429.
	ErrRateLimited = errors.New("mira: rate limited")

	// ErrInvalidRequest indicates a 400 that is not a context-overflow or
	// tool-not-loaded condition.
	ErrInvalidRequest = errors.New("mira: invalid request")

	// ErrServerError indicates a 5xx from the provider.
	ErrServerError = errors.New("mira: provider server error")

	// ErrUnknownSecretService indicates a Vault lookup for a service the
	// cache has no mapping for.
	ErrUnknownSecretService = errors.New("mira: unknown secret service")

	// ErrUnknownSecretField indicates a Vault lookup for a field not present
	// in an otherwise known service's secret.
	ErrUnknownSecretField = errors.New("mira: unknown secret field")

	// ErrPromptInjectionRejected indicates the prompt-injection defense
	// pipeline rejected content outright (pattern or LLM layer).
	ErrPromptInjectionRejected = errors.New("mira: content rejected by prompt-injection defense")
)

// ToolNotLoadedError signals that the provider rejected a tool call because
// the named tool was not present in the request's tool list. The
// orchestrator responds by synthesizing a tool result that re-invokes the
// tool through invokeother_tool.
type ToolNotLoadedError struct {
	ToolName string
}

func (e *ToolNotLoadedError) Error() string {
	return fmt.Sprintf("mira: tool %q not loaded for this request", e.ToolName)
}

// ProviderError wraps a transport-level LLM provider failure with enough
// context to drive retry and failover decisions without the caller needing
// to inspect HTTP status codes again.
type ProviderError struct {
	Provider   string
	StatusCode int
	Code       string
	Message    string
	Err        error
}

func (e *ProviderError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("mira: %s provider error (status=%d code=%s): %s", e.Provider, e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("mira: %s provider error (status=%d): %s", e.Provider, e.StatusCode, e.Message)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// NewProviderError classifies an HTTP status/code pair from an
// OpenAI-compatible or Anthropic endpoint into the sentinel error it maps
// to, per the provider error-mapping table: context-length/ "reduce the
// length" -> overflow, tool_use_failed -> not-loaded, 401/403 -> permission,
// 429 -> rate limited, other 400 -> invalid request, 5xx -> server error.
func NewProviderError(provider string, statusCode int, code, message string) error {
	base := &ProviderError{Provider: provider, StatusCode: statusCode, Code: code, Message: message}
	switch {
	case statusCode == 400 && (code == "context_length_exceeded" || strings.Contains(strings.ToLower(message), "reduce the length")):
		base.Err = ErrContextOverflow
	case statusCode == 400 && code == "tool_use_failed":
		return &ToolNotLoadedError{ToolName: extractToolName(message)}
	case statusCode == 401 || statusCode == 403:
		base.Err = ErrPermission
	case statusCode == 429:
		base.Err = ErrRateLimited
	case statusCode == 400:
		base.Err = ErrInvalidRequest
	case statusCode >= 500:
		base.Err = ErrServerError
	default:
		base.Err = ErrInvalidRequest
	}
	return base
}

// extractToolName is a best-effort extraction of the offending tool name
// from a provider error message; providers do not have a consistent schema
// for this, so an empty result is expected and tolerated by callers.
func extractToolName(message string) string {
	const marker = "tool: "
	idx := strings.Index(strings.ToLower(message), marker)
	if idx < 0 {
		return ""
	}
	rest := message[idx+len(marker):]
	if end := strings.IndexAny(rest, " ,\""); end >= 0 {
		return rest[:end]
	}
	return rest
}
