// Package auth carries the ambient user identity that every per-user
// storage call, tool invocation, and background job is scoped by
// (spec.md §5, §9: "ambient user context becomes an explicitly passed
// request context that both HTTP handlers and background workers set
// before doing user-scoped work; failing to set it must be an error, not
// a silent cross-user leak").
//
// Grounded on teacher internal/auth/context.go's context.WithValue idiom,
// generalized here with a RequireUser accessor that errors instead of
// returning a zero value, and trimmed of the teacher's *models.User
// (channel-linking, OAuth identity) fields MIRA has no use for.
package auth

import (
	"context"
	"errors"
)

// ErrNoIdentity is returned by RequireUser/RequireIdentity when the
// context carries no ambient identity. Background workers must set one
// explicitly before touching user-scoped storage; seeing this error means
// that discipline was violated, not that the user is anonymous.
var ErrNoIdentity = errors.New("auth: no ambient identity in context")

// Identity is the ambient request-scoped identity: the user_id every
// storage call is propagated with, plus the optional continuum id and
// timezone spec.md §3/§4.1 reference (the active continuum and the local
// timezone used for the ephemeral "[h:mma]" message prefix).
type Identity struct {
	UserID      string
	ContinuumID string
	Timezone    string
}

type identityKey struct{}

// WithIdentity attaches id to ctx. A zero-value UserID is still attached
// deliberately: callers that want "no identity" should not call this at
// all, so RequireUser's absence check stays meaningful.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFromContext returns the ambient identity and whether one was set.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok
}

// RequireUser returns the ambient user_id or ErrNoIdentity. Every
// user-scoped handler and worker calls this rather than reading the
// context directly, so "ambient context unset" fails loudly in one place
// instead of silently scoping to an empty user_id.
func RequireUser(ctx context.Context) (string, error) {
	id, ok := IdentityFromContext(ctx)
	if !ok || id.UserID == "" {
		return "", ErrNoIdentity
	}
	return id.UserID, nil
}

// RequireIdentity is RequireUser's full-struct counterpart, for callers
// that also need ContinuumID or Timezone.
func RequireIdentity(ctx context.Context) (Identity, error) {
	id, ok := IdentityFromContext(ctx)
	if !ok || id.UserID == "" {
		return Identity{}, ErrNoIdentity
	}
	return id, nil
}
