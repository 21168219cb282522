package llm

import (
	"context"
	"errors"

	mirerrors "github.com/mira-run/mira/internal/mira/errors"
	"github.com/mira-run/mira/internal/retry"
)

// RetryPolicy decides how a provider call is reattempted across transient
// failures (429 rate limits and 5xx server errors). It is pluggable so a
// deployment can swap in a budget-aware or circuit-breaking policy without
// touching the client.
type RetryPolicy interface {
	Execute(ctx context.Context, op func() error) error
}

// BackoffRetryPolicy is the default RetryPolicy: exponential backoff with
// jitter via internal/retry, retrying only errors classified as rate
// limits or server errors — everything else (context overflow, permission,
// validation, tool-not-loaded) is permanent and surfaces on the first
// attempt.
type BackoffRetryPolicy struct {
	Config retry.Config
}

// DefaultRetryPolicy uses the conservative backoff curve: provider APIs
// are the dependency hammering makes worse.
func DefaultRetryPolicy() *BackoffRetryPolicy {
	return &BackoffRetryPolicy{Config: retry.ConservativeConfig()}
}

func (p *BackoffRetryPolicy) Execute(ctx context.Context, op func() error) error {
	result := retry.Do(ctx, p.Config, func() error {
		err := op()
		if err == nil {
			return nil
		}
		if isTransientProviderError(err) {
			return err
		}
		return retry.Permanent(err)
	})
	// Unwrap the permanent marker so callers match the original error
	// value, not retry's envelope.
	var perm *retry.PermanentError
	if errors.As(result.Err, &perm) {
		return perm.Unwrap()
	}
	return result.Err
}

// isTransientProviderError reports whether a classified provider error is
// worth reattempting: 429s (the provider will admit the call later) and
// 5xxs (the provider may recover).
func isTransientProviderError(err error) bool {
	return errors.Is(err, mirerrors.ErrRateLimited) || errors.Is(err, mirerrors.ErrServerError)
}

// noRetryPolicy performs the call exactly once. Used when Client.Retry is
// nil; New installs DefaultRetryPolicy instead.
type noRetryPolicy struct{}

func (noRetryPolicy) Execute(ctx context.Context, op func() error) error { return op() }
