package workingmemory

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/mira-run/mira/internal/eventbus"
	"github.com/mira-run/mira/internal/mira"
	"github.com/mira-run/mira/internal/valkey"
)

func newTestStore(t *testing.T) (*Store, *eventbus.Bus, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	bus := eventbus.New(nil)
	return NewStore(valkey.New(rdb, nil), bus, nil), bus, mr
}

func TestSetActiveToolsMirrorsAndPublishes(t *testing.T) {
	store, bus, mr := newTestStore(t)
	ctx := context.Background()

	var events []mira.WorkingMemoryUpdatedEvent
	eventbus.Subscribe(bus, func(e mira.WorkingMemoryUpdatedEvent) { events = append(events, e) })

	if err := store.SetActiveTools(ctx, "user-1", "cont-1", []string{"maps_tool", "set_reminder"}); err != nil {
		t.Fatalf("SetActiveTools: %v", err)
	}

	raw := mr.HGet(MainKey("user-1", "cont-1"), CategoryActiveTools)
	if raw != `["maps_tool","set_reminder"]` {
		t.Fatalf("mirrored hash field = %q", raw)
	}

	if len(events) != 1 {
		t.Fatalf("published %d events, want 1", len(events))
	}
	e := events[0]
	if e.UserID != "user-1" || e.ContinuumID != "cont-1" {
		t.Fatalf("event scoping = %+v", e)
	}
	if len(e.UpdatedCategories) != 1 || e.UpdatedCategories[0] != CategoryActiveTools {
		t.Fatalf("updated categories = %v", e.UpdatedCategories)
	}

	st, err := store.Snapshot(ctx, "user-1", "cont-1")
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if len(st.ActiveTools) != 2 || st.ActiveTools[0] != "maps_tool" {
		t.Fatalf("snapshot tools = %v", st.ActiveTools)
	}
}

func TestSnapshotHydratesFromValkeyAfterRestart(t *testing.T) {
	store, _, mr := newTestStore(t)
	ctx := context.Background()

	if err := store.SetDomaindocs(ctx, "user-1", "cont-1", []string{"doc-a"}); err != nil {
		t.Fatalf("SetDomaindocs: %v", err)
	}
	if _, err := store.IncrementCounter(ctx, "user-1", "cont-1", "replies", time.Minute); err != nil {
		t.Fatalf("IncrementCounter: %v", err)
	}

	// A fresh store over the same Valkey instance stands in for a process
	// restart: its in-memory map is empty.
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	fresh := NewStore(valkey.New(rdb, nil), nil, nil)

	st, err := fresh.Snapshot(ctx, "user-1", "cont-1")
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if len(st.Domaindocs) != 1 || st.Domaindocs[0] != "doc-a" {
		t.Fatalf("hydrated domaindocs = %v", st.Domaindocs)
	}
	if st.Counters["replies"] != 1 {
		t.Fatalf("hydrated counter = %d, want 1", st.Counters["replies"])
	}
}

func TestIncrementCounterKeepsRateLimitWindow(t *testing.T) {
	store, _, mr := newTestStore(t)
	ctx := context.Background()

	n, err := store.IncrementCounter(ctx, "user-1", "cont-1", "replies", time.Minute)
	if err != nil || n != 1 {
		t.Fatalf("first increment = %d, %v", n, err)
	}
	mr.FastForward(5 * time.Second)
	n, err = store.IncrementCounter(ctx, "user-1", "cont-1", "replies", time.Minute)
	if err != nil || n != 2 {
		t.Fatalf("second increment = %d, %v", n, err)
	}
	// TTL set only on the first increment: the second must not reset it.
	ttl := mr.TTL(MainKey("user-1", "cont-1") + ":counter:replies")
	if ttl >= time.Minute {
		t.Fatalf("counter ttl = %v, want < 1m after fast-forward", ttl)
	}
}

type capturingPersister struct {
	userID      string
	continuumID string
	fields      map[string]string
	calls       int
}

func (p *capturingPersister) PersistWorkingMemory(_ context.Context, userID, continuumID string, fields map[string]string) error {
	p.userID, p.continuumID, p.fields = userID, continuumID, fields
	p.calls++
	return nil
}

func TestRegisterPersistenceFlushesHashOnWarningExpiry(t *testing.T) {
	store, _, _ := newTestStore(t)
	ctx := context.Background()

	if err := store.SetActiveTools(ctx, "user-1", "cont-1", []string{"maps_tool"}); err != nil {
		t.Fatalf("SetActiveTools: %v", err)
	}

	p := &capturingPersister{}
	store.RegisterPersistence(p)

	// miniredis does not emit keyspace notifications, so drive the handler
	// the way the subscriber would on warning-key expiry.
	key := MainKey("user-1", "cont-1")
	if err := store.valkey.DispatchExpiry(ctx, valkey.WarningKey(key)); err != nil {
		t.Fatalf("DispatchExpiry: %v", err)
	}

	if p.calls != 1 {
		t.Fatalf("persister calls = %d, want 1", p.calls)
	}
	if p.userID != "user-1" || p.continuumID != "cont-1" {
		t.Fatalf("persisted scoping = %s/%s", p.userID, p.continuumID)
	}
	if p.fields[CategoryActiveTools] != `["maps_tool"]` {
		t.Fatalf("persisted fields = %v", p.fields)
	}
}

func TestSplitIdentifier(t *testing.T) {
	u, c, err := SplitIdentifier("user-1:cont-1")
	if err != nil || u != "user-1" || c != "cont-1" {
		t.Fatalf("SplitIdentifier = %s/%s, %v", u, c, err)
	}
	if _, _, err := SplitIdentifier("no-separator"); err == nil {
		t.Fatal("malformed identifier accepted")
	}
}
