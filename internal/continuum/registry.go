package continuum

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mira-run/mira/internal/mira"
)

// HistoryStore loads a user's persisted continuum messages for rehydration
// and appends newly produced ones. Satisfied by
// *postgres.MessageRepo.
type HistoryStore interface {
	ListForContinuum(ctx context.Context, continuumID, userID string) ([]mira.Message, error)
	Append(ctx context.Context, continuumID, userID string, msg mira.Message) error
}

// ContinuumIDResolver maps a user to their current continuum id, creating
// one on first contact. Most deployments key continuum ids 1:1 with users
// (spec.md's "single continuum per user" default); a multi-continuum
// deployment would implement this against a lookup table instead of the
// identity mapping DefaultContinuumID below.
type ContinuumIDResolver interface {
	ContinuumIDFor(ctx context.Context, userID string) (string, error)
}

// DefaultContinuumID resolves a user's continuum id as the user id itself,
// the common single-continuum-per-user case.
type DefaultContinuumID struct{}

func (DefaultContinuumID) ContinuumIDFor(ctx context.Context, userID string) (string, error) {
	return userID, nil
}

// Registry keeps one rehydrated *mira.Continuum resident per user,
// satisfying continuum.ContinuumRegistry for the Orchestrator. Continuums
// are loaded from HistoryStore on first access and kept in memory for the
// life of the process; concurrent access across users is safe, matching
// spec.md §5's per-user-keyed cache model (Go's genuine concurrency across
// users, unlike the single-process original's cooperative scheduling).
type Registry struct {
	store    HistoryStore
	resolver ContinuumIDResolver
	now      func() time.Time

	mu        sync.Mutex
	continuums map[string]*mira.Continuum // keyed by user id
}

// NewRegistry constructs a Registry over store, resolving continuum ids
// via resolver (DefaultContinuumID{} if nil).
func NewRegistry(store HistoryStore, resolver ContinuumIDResolver) *Registry {
	if resolver == nil {
		resolver = DefaultContinuumID{}
	}
	return &Registry{
		store:      store,
		resolver:   resolver,
		now:        time.Now,
		continuums: make(map[string]*mira.Continuum),
	}
}

// Get returns userID's resident continuum, loading it from the history
// store on first access. Satisfies continuum.ContinuumRegistry.
func (r *Registry) Get(ctx context.Context, userID string) (*mira.Continuum, error) {
	r.mu.Lock()
	if c, ok := r.continuums[userID]; ok {
		r.mu.Unlock()
		return c, nil
	}
	r.mu.Unlock()

	continuumID, err := r.resolver.ContinuumIDFor(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("continuum: resolve continuum id for %s: %w", userID, err)
	}

	messages, err := r.store.ListForContinuum(ctx, continuumID, userID)
	if err != nil {
		return nil, fmt.Errorf("continuum: load history for %s: %w", userID, err)
	}

	c, err := mira.LoadFromHistory(continuumID, userID, messages)
	if err != nil {
		return nil, fmt.Errorf("continuum: rehydrate %s: %w", userID, err)
	}

	r.mu.Lock()
	if existing, ok := r.continuums[userID]; ok {
		r.mu.Unlock()
		return existing, nil
	}
	r.continuums[userID] = c
	r.mu.Unlock()
	return c, nil
}

// AppendUserMessage records a user turn on userID's continuum and persists
// it, opening a segment first if none is active.
func (r *Registry) AppendUserMessage(ctx context.Context, userID, content string) (mira.Message, error) {
	c, err := r.Get(ctx, userID)
	if err != nil {
		return mira.Message{}, err
	}
	msg, _, err := c.AddUserMessage(content, r.now())
	if err != nil {
		return mira.Message{}, err
	}
	if err := r.store.Append(ctx, c.ID(), userID, msg); err != nil {
		return mira.Message{}, fmt.Errorf("continuum: persist user message: %w", err)
	}
	return msg, nil
}

// AppendAssistantMessage records and persists an assistant turn and returns
// the stored message. Any events the continuum emits for the append are
// discarded; callers that need to know whether a segment was opened should
// inspect ActiveSentinel before and after.
func (r *Registry) AppendAssistantMessage(ctx context.Context, userID, content string, metadata mira.MessageMetadata) (mira.Message, error) {
	c, err := r.Get(ctx, userID)
	if err != nil {
		return mira.Message{}, err
	}
	msg, _, err := c.AddAssistantMessage(content, metadata, r.now())
	if err != nil {
		return mira.Message{}, err
	}
	if err := r.store.Append(ctx, c.ID(), userID, msg); err != nil {
		return mira.Message{}, fmt.Errorf("continuum: persist assistant message: %w", err)
	}
	return msg, nil
}

// ActiveSegment mirrors scheduler.ActiveSegment without importing the
// scheduler package; cmd/mira adapts between the two at the wiring edge so
// neither package depends on the other.
type ActiveSegment struct {
	ContinuumID string
	UserID      string
	SegmentID   string
	IdleFor     time.Duration
	LocalHour   int
}

// ActiveSegments lists every resident continuum with an open segment, for
// scheduler.SegmentTimeoutJob to scan. Local hour is computed in UTC: the
// registry has no per-user timezone source wired yet (spec.md's idle
// thresholds are hour-of-day buckets, not timezone-sensitive business
// hours, so a single global clock is an acceptable approximation until a
// per-user timezone store exists).
func (r *Registry) ActiveSegments(ctx context.Context) ([]ActiveSegment, error) {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []ActiveSegment
	for userID, c := range r.continuums {
		sentinel, ok := c.ActiveSentinel()
		if !ok {
			continue
		}
		out = append(out, ActiveSegment{
			ContinuumID: c.ID(),
			UserID:      userID,
			SegmentID:   sentinel.SegmentID,
			IdleFor:     c.IdleSince(now),
			LocalHour:   now.UTC().Hour(),
		})
	}
	return out, nil
}

// AppendToolMessage records and persists a tool-result turn.
func (r *Registry) AppendToolMessage(ctx context.Context, userID, content, toolCallID string) (mira.Message, error) {
	c, err := r.Get(ctx, userID)
	if err != nil {
		return mira.Message{}, err
	}
	msg, _, err := c.AddToolMessage(content, toolCallID, r.now())
	if err != nil {
		return mira.Message{}, err
	}
	if err := r.store.Append(ctx, c.ID(), userID, msg); err != nil {
		return mira.Message{}, fmt.Errorf("continuum: persist tool message: %w", err)
	}
	return msg, nil
}
