// Package workingmemory holds the process-wide volatile state the reply
// loop consults on every turn: which tools are active, which domaindocs are
// enabled, and short-lived counters, keyed by (user_id, continuum_id). The
// in-memory map is the source the orchestrator reads; every mutation is
// mirrored to a Valkey hash so counters and TTL-sensitive entries survive a
// process restart, and a WorkingMemoryUpdatedEvent is published after the
// mirror write succeeds.
package workingmemory

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mira-run/mira/internal/eventbus"
	"github.com/mira-run/mira/internal/mira"
	"github.com/mira-run/mira/internal/valkey"
)

// KeyPrefix is the Valkey namespace for working-memory hashes. The full
// main key is "working_memory:<user_id>:<continuum_id>".
const KeyPrefix = "working_memory"

// Category names carried in WorkingMemoryUpdatedEvent.UpdatedCategories.
const (
	CategoryActiveTools = "active_tools"
	CategoryDomaindocs  = "domaindocs"
	CategoryCounters    = "counters"
)

// State is one continuum's working memory. Values returned by Snapshot are
// copies; mutating them does not affect the store.
type State struct {
	ActiveTools []string
	Domaindocs  []string
	Counters    map[string]int64
}

func (s State) clone() State {
	out := State{
		ActiveTools: append([]string(nil), s.ActiveTools...),
		Domaindocs:  append([]string(nil), s.Domaindocs...),
		Counters:    make(map[string]int64, len(s.Counters)),
	}
	for k, v := range s.Counters {
		out.Counters[k] = v
	}
	return out
}

type stateKey struct {
	userID      string
	continuumID string
}

// Persister durably stores a working-memory hash when its Valkey TTL is
// about to run out. Implementations write to Postgres; the handler that
// invokes them must tolerate being called more than once per expiry.
type Persister interface {
	PersistWorkingMemory(ctx context.Context, userID, continuumID string, fields map[string]string) error
}

// Store is the process-wide working-memory map plus its Valkey mirror.
type Store struct {
	valkey *valkey.Client
	bus    *eventbus.Bus
	log    *slog.Logger

	mu     sync.Mutex
	states map[stateKey]*State
}

// NewStore builds a Store. bus may be nil in tests that do not assert on
// published events.
func NewStore(vk *valkey.Client, bus *eventbus.Bus, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{
		valkey: vk,
		bus:    bus,
		log:    log,
		states: make(map[stateKey]*State),
	}
}

// MainKey returns the Valkey hash key for one continuum's working memory.
func MainKey(userID, continuumID string) string {
	return fmt.Sprintf("%s:%s:%s", KeyPrefix, userID, continuumID)
}

// SplitIdentifier inverts MainKey's identifier suffix ("<user>:<continuum>")
// as seen by a TTL handler.
func SplitIdentifier(identifier string) (userID, continuumID string, err error) {
	parts := strings.SplitN(identifier, ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("workingmemory: malformed identifier %q", identifier)
	}
	return parts[0], parts[1], nil
}

// SetActiveTools replaces the active-tool list for a continuum, mirrors it
// to Valkey, and publishes a WorkingMemoryUpdatedEvent.
func (s *Store) SetActiveTools(ctx context.Context, userID, continuumID string, tools []string) error {
	return s.setList(ctx, userID, continuumID, CategoryActiveTools, tools, func(st *State) {
		st.ActiveTools = append([]string(nil), tools...)
	})
}

// SetDomaindocs replaces the enabled-domaindoc list for a continuum.
func (s *Store) SetDomaindocs(ctx context.Context, userID, continuumID string, docs []string) error {
	return s.setList(ctx, userID, continuumID, CategoryDomaindocs, docs, func(st *State) {
		st.Domaindocs = append([]string(nil), docs...)
	})
}

func (s *Store) setList(ctx context.Context, userID, continuumID, category string, values []string, apply func(*State)) error {
	payload, err := json.Marshal(values)
	if err != nil {
		return fmt.Errorf("workingmemory: encode %s: %w", category, err)
	}
	if err := s.valkey.HSetWithRetry(ctx, MainKey(userID, continuumID), map[string]any{category: string(payload)}); err != nil {
		return err
	}

	s.mu.Lock()
	st := s.stateLocked(userID, continuumID)
	apply(st)
	s.mu.Unlock()

	s.publishUpdated(userID, continuumID, category)
	return nil
}

// IncrementCounter bumps a named counter, mirrored as both a hash field and
// a standalone rate-limit-style key whose TTL is set only on the first
// increment. Returns the new count.
func (s *Store) IncrementCounter(ctx context.Context, userID, continuumID, name string, window time.Duration) (int64, error) {
	counterKey := MainKey(userID, continuumID) + ":counter:" + name
	n, err := s.valkey.IncrementWithExpiry(ctx, counterKey, window)
	if err != nil {
		return 0, err
	}
	if err := s.valkey.HSetWithRetry(ctx, MainKey(userID, continuumID), map[string]any{"counter:" + name: strconv.FormatInt(n, 10)}); err != nil {
		return 0, err
	}

	s.mu.Lock()
	st := s.stateLocked(userID, continuumID)
	st.Counters[name] = n
	s.mu.Unlock()

	s.publishUpdated(userID, continuumID, CategoryCounters)
	return n, nil
}

// Snapshot returns a copy of a continuum's working memory, hydrating the
// in-memory state from the Valkey mirror on first access after a restart.
func (s *Store) Snapshot(ctx context.Context, userID, continuumID string) (State, error) {
	s.mu.Lock()
	if st, ok := s.states[stateKey{userID, continuumID}]; ok {
		out := st.clone()
		s.mu.Unlock()
		return out, nil
	}
	s.mu.Unlock()

	fields, err := s.valkey.HGetAllWithRetry(ctx, MainKey(userID, continuumID))
	if err != nil {
		return State{}, err
	}
	st := stateFromFields(fields)

	s.mu.Lock()
	// Another goroutine may have hydrated while we read; keep the first.
	if existing, ok := s.states[stateKey{userID, continuumID}]; ok {
		st = *existing
	} else {
		s.states[stateKey{userID, continuumID}] = &st
	}
	out := st.clone()
	s.mu.Unlock()
	return out, nil
}

// Evict drops a continuum's in-memory state; the Valkey mirror remains.
// Called when a continuum leaves the registry.
func (s *Store) Evict(userID, continuumID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.states, stateKey{userID, continuumID})
}

// RequestTrinketUpdate publishes an UpdateTrinketEvent asking the named
// client-side trinket to refresh with the given context payload.
func (s *Store) RequestTrinketUpdate(trinket string, trinketCtx map[string]any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(mira.UpdateTrinketEvent{TargetTrinket: trinket, Context: trinketCtx})
}

// RegisterPersistence wires the TTL warning-key handler that flushes a
// working-memory hash to durable storage just before its main key expires.
// The handler is idempotent: it re-reads the hash on every invocation and
// persisting the same fields twice must be a no-op for the Persister.
func (s *Store) RegisterPersistence(p Persister) {
	s.valkey.RegisterTTLHandler(KeyPrefix+":", func(ctx context.Context, mainKey, identifier string) error {
		userID, continuumID, err := SplitIdentifier(identifier)
		if err != nil {
			return err
		}
		fields, err := s.valkey.HGetAllWithRetry(ctx, mainKey)
		if err != nil {
			return err
		}
		if len(fields) == 0 {
			return nil
		}
		return p.PersistWorkingMemory(ctx, userID, continuumID, fields)
	}, "persist working-memory hash before expiry")
}

func (s *Store) stateLocked(userID, continuumID string) *State {
	k := stateKey{userID, continuumID}
	st, ok := s.states[k]
	if !ok {
		st = &State{Counters: make(map[string]int64)}
		s.states[k] = st
	}
	if st.Counters == nil {
		st.Counters = make(map[string]int64)
	}
	return st
}

func (s *Store) publishUpdated(userID, continuumID, category string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(mira.WorkingMemoryUpdatedEvent{
		ContinuumID:       continuumID,
		UserID:            userID,
		UpdatedCategories: []string{category},
	})
}

func stateFromFields(fields map[string]string) State {
	st := State{Counters: make(map[string]int64)}
	for field, raw := range fields {
		switch {
		case field == CategoryActiveTools:
			_ = json.Unmarshal([]byte(raw), &st.ActiveTools)
		case field == CategoryDomaindocs:
			_ = json.Unmarshal([]byte(raw), &st.Domaindocs)
		case strings.HasPrefix(field, "counter:"):
			if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
				st.Counters[strings.TrimPrefix(field, "counter:")] = n
			}
		}
	}
	return st
}
