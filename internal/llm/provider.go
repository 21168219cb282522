package llm

import "context"

// Provider is the capability interface both wire-format implementations
// satisfy. Client dispatches to whichever Provider matches a Request.
type Provider interface {
	GenerateResponse(ctx context.Context, req Request) (Response, error)
}

// StreamDelta is one incremental event from a streamed generation. Text
// deltas arrive as plain strings in TextDelta; a streamed response ends with Done set
// and StopReason populated from the final chunk's finish_reason (spec.md
// §4.6: "Streaming is supported via SSE; final chunk's finish_reason maps
// as above").
type StreamDelta struct {
	TextDelta string
	Done      bool
	Final     Response
}

// StreamingProvider is implemented by providers that can emit incremental
// deltas instead of waiting for the full completion. Not every Provider
// supports this; callers type-assert for it and fall back to
// GenerateResponse otherwise.
type StreamingProvider interface {
	GenerateResponseStream(ctx context.Context, req Request) (<-chan StreamDelta, error)
}

// Client is the provider-neutral entry point: GenerateResponse dispatches
// to the native Anthropic path by default, or to the generic
// OpenAI-compatible path whenever Request.EndpointURL is set. Rate-limit
// and server errors are retried through Retry before surfacing, so the
// orchestrator only sees a 429 after the policy's backoff budget is spent.
type Client struct {
	Anthropic    Provider
	OpenAICompat Provider
	Retry        RetryPolicy
}

// New constructs a Client from its two wire-format implementations. Either
// may be nil if that path is unused by the deployment; GenerateResponse
// returns an error if the selected path has no implementation configured.
// The default retry policy backs off conservatively on 429/5xx; replace
// Retry to change that.
func New(anthropicProvider, openAICompatProvider Provider) *Client {
	return &Client{
		Anthropic:    anthropicProvider,
		OpenAICompat: openAICompatProvider,
		Retry:        DefaultRetryPolicy(),
	}
}

// GenerateResponse routes req to the Anthropic-native provider, unless
// req.EndpointURL is set, in which case it routes to the generic
// OpenAI-compatible provider.
func (c *Client) GenerateResponse(ctx context.Context, req Request) (Response, error) {
	provider := c.Anthropic
	missing := errNoAnthropicProvider
	if req.EndpointURL != "" {
		provider = c.OpenAICompat
		missing = errNoOpenAICompatProvider
	}
	if provider == nil {
		return Response{}, missing
	}

	policy := c.Retry
	if policy == nil {
		policy = noRetryPolicy{}
	}
	var resp Response
	err := policy.Execute(ctx, func() error {
		var callErr error
		resp, callErr = provider.GenerateResponse(ctx, req)
		return callErr
	})
	if err != nil {
		return Response{}, err
	}
	return resp, nil
}

// GenerateResponseStream routes req the same way GenerateResponse does, but
// over whichever provider's StreamingProvider implementation applies.
func (c *Client) GenerateResponseStream(ctx context.Context, req Request) (<-chan StreamDelta, error) {
	provider := c.Anthropic
	missing := errNoAnthropicProvider
	if req.EndpointURL != "" {
		provider = c.OpenAICompat
		missing = errNoOpenAICompatProvider
	}
	if provider == nil {
		return nil, missing
	}
	streaming, ok := provider.(StreamingProvider)
	if !ok {
		return nil, errStreamingNotSupported
	}
	return streaming.GenerateResponseStream(ctx, req)
}
