package mira

import (
	"testing"
	"time"
)

func TestContinuum_AddMessageOpensSegment(t *testing.T) {
	c := NewContinuum("continuum-1", "user-1")
	now := time.Now()

	if _, ok := c.ActiveSentinel(); ok {
		t.Fatal("fresh continuum must not have an active segment")
	}

	_, _, err := c.AddUserMessage("hi", now)
	if err != nil {
		t.Fatalf("AddUserMessage() error = %v", err)
	}

	active, ok := c.ActiveSentinel()
	if !ok {
		t.Fatal("AddUserMessage should implicitly open a segment")
	}
	if !active.IsActive() {
		t.Error("newly opened segment must be active")
	}
}

func TestContinuum_CollapseRejectsEmptySegment(t *testing.T) {
	c := NewContinuum("continuum-1", "user-1")
	now := time.Now()

	sentinel, err := c.OpenSegment(now)
	if err != nil {
		t.Fatalf("OpenSegment() error = %v", err)
	}

	_, _, err = c.CollapseSegment(sentinel.SegmentID, "synopsis", "title", ComplexityLow, nil, now)
	if err != ErrEmptySegment {
		t.Fatalf("CollapseSegment() on empty segment error = %v, want ErrEmptySegment", err)
	}

	after, ok := c.ActiveSentinel()
	if !ok || after.SegmentID != sentinel.SegmentID {
		t.Error("failed collapse must leave the sentinel active, not partially transitioned")
	}
}

func TestContinuum_CollapseSucceedsWithMessages(t *testing.T) {
	c := NewContinuum("continuum-1", "user-1")
	now := time.Now()

	sentinel, err := c.OpenSegment(now)
	if err != nil {
		t.Fatalf("OpenSegment() error = %v", err)
	}
	if _, _, err := c.AddUserMessage("hello", now.Add(time.Second)); err != nil {
		t.Fatalf("AddUserMessage() error = %v", err)
	}

	updated, events, err := c.CollapseSegment(sentinel.SegmentID, "user said hello", "Greeting", ComplexityLow, []string{"none"}, now.Add(time.Minute))
	if err != nil {
		t.Fatalf("CollapseSegment() error = %v", err)
	}
	if updated.Status != SentinelCollapsed {
		t.Errorf("Status = %v, want collapsed", updated.Status)
	}
	if updated.Content() != "user said hello" {
		t.Errorf("Content() = %q, want synopsis", updated.Content())
	}
	if len(events) != 2 {
		t.Fatalf("CollapseSegment() published %d events, want 2 (collapsed + manifest updated)", len(events))
	}

	if _, ok := c.ActiveSentinel(); ok {
		t.Error("after collapse, no segment should be active until a new one opens")
	}
}

func TestContinuum_PostponeCollapseValidatesRange(t *testing.T) {
	c := NewContinuum("continuum-1", "user-1")
	now := time.Now()
	if _, err := c.OpenSegment(now); err != nil {
		t.Fatalf("OpenSegment() error = %v", err)
	}

	if err := c.PostponeCollapse(0, now); err == nil {
		t.Error("PostponeCollapse(0, ...) should reject values below 1")
	}
	if err := c.PostponeCollapse(1441, now); err == nil {
		t.Error("PostponeCollapse(1441, ...) should reject values above 1440")
	}
	if err := c.PostponeCollapse(30, now); err != nil {
		t.Errorf("PostponeCollapse(30, ...) error = %v", err)
	}
}

func TestContinuum_GetMessagesForAPIMarksLastAssistantCacheable(t *testing.T) {
	c := NewContinuum("continuum-1", "user-1")
	now := time.Now()

	if _, _, err := c.AddUserMessage("hi", now); err != nil {
		t.Fatalf("AddUserMessage() error = %v", err)
	}
	if _, _, err := c.AddAssistantMessage("hello there", MessageMetadata{}, now.Add(time.Second)); err != nil {
		t.Fatalf("AddAssistantMessage() error = %v", err)
	}

	msgs := c.GetMessagesForAPI(time.UTC)
	var cacheableCount int
	lastAssistant := -1
	for i, m := range msgs {
		if m.Role == RoleAssistant {
			lastAssistant = i
		}
		if m.CacheControl {
			cacheableCount++
		}
	}
	if cacheableCount != 1 {
		t.Fatalf("expected exactly one cache_control marker, got %d", cacheableCount)
	}
	if lastAssistant < 0 || !msgs[lastAssistant].CacheControl {
		t.Error("cache_control marker must land on the last assistant message")
	}
	if msgs[0].Timestamp == "" {
		t.Error("non-notification user message should carry an ephemeral timestamp")
	}
}
