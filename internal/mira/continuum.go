package mira

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SentinelStatus is the lifecycle state of a SegmentBoundarySentinel.
// Transitions are one-way: active -> collapsed. There is no resurrection.
type SentinelStatus string

const (
	SentinelActive    SentinelStatus = "active"
	SentinelCollapsed SentinelStatus = "collapsed"
)

// Complexity is the collapse-time difficulty rating assigned by the
// summarizer, on a fixed 1-3 scale.
type Complexity int

const (
	ComplexityLow    Complexity = 1
	ComplexityMedium Complexity = 2
	ComplexityHigh   Complexity = 3
)

// Sentinel is a SegmentBoundarySentinel: a tagged Message marking the start
// of a segment. Exactly one sentinel exists per segment. Before collapse its
// Content is empty; after collapse Content holds the synopsis.
type Sentinel struct {
	Message
	SegmentID     string
	Status        SentinelStatus
	ToolsUsed     []string
	DisplayTitle  string
	Complexity    Complexity
	CollapsedAt   time.Time
}

// IsActive reports whether the sentinel's segment has not yet collapsed.
func (s Sentinel) IsActive() bool { return s.Status == SentinelActive }

// Event is the common interface for domain events produced by continuum
// mutations. The orchestrator is responsible for publishing returned events
// to the event bus; Continuum methods never publish directly.
type Event interface {
	eventName() string
}

type SegmentTimeoutEvent struct {
	ContinuumID string
	UserID      string
	SegmentID   string
	IdleFor     time.Duration
	// LocalHour is the hour-of-day (0-23) in the user's local timezone at
	// the moment the timeout was detected, carried so handlers can apply
	// hour-dependent policy without re-deriving the user's timezone.
	LocalHour int
}

func (SegmentTimeoutEvent) eventName() string { return "segment_timeout" }

type SegmentCollapsedEvent struct {
	ContinuumID  string
	UserID       string
	SegmentID    string
	Summary      string
	DisplayTitle string
	Complexity   Complexity
	ToolsUsed    []string
}

func (SegmentCollapsedEvent) eventName() string { return "segment_collapsed" }

type ManifestUpdatedEvent struct {
	ContinuumID string
	UserID      string
	SegmentID   string
}

func (ManifestUpdatedEvent) eventName() string { return "manifest_updated" }

// WorkingMemoryUpdatedEvent announces that one or more working-memory
// categories for a continuum changed (active tools, domaindocs, counters).
// Published by the working-memory store after the change is durably
// mirrored to Valkey.
type WorkingMemoryUpdatedEvent struct {
	ContinuumID       string
	UserID            string
	UpdatedCategories []string
}

func (WorkingMemoryUpdatedEvent) eventName() string { return "working_memory_updated" }

// UpdateTrinketEvent asks a UI trinket (a small client-side status surface)
// to refresh itself with the given context payload.
type UpdateTrinketEvent struct {
	TargetTrinket string
	Context       map[string]any
}

func (UpdateTrinketEvent) eventName() string { return "update_trinket" }

// entry pairs a non-sentinel message with the sentinel id it belongs to, so
// GetMessagesForAPI can render segment boundaries without a second pass over
// the cache.
type entry struct {
	msg        Message
	sentinelID string
}

// Continuum is the aggregate root of a user's append-only conversation log.
// It owns the hot in-memory cache of recent messages; durable persistence is
// the orchestrator's responsibility. A Continuum is safe for concurrent
// reads. The orchestrator never runs two mutations for the same continuum
// concurrently, so the internal lock only protects against accidental
// concurrent callers, not against lost updates.
type Continuum struct {
	mu sync.Mutex

	id     string
	userID string

	entries      []entry
	sentinels    map[string]*Sentinel

	virtualLastMessageAt time.Time
}

// NewContinuum creates an empty continuum for a user.
func NewContinuum(id, userID string) *Continuum {
	return &Continuum{
		id:        id,
		userID:    userID,
		sentinels: make(map[string]*Sentinel),
	}
}

func (c *Continuum) ID() string     { return c.id }
func (c *Continuum) UserID() string { return c.userID }

// ActiveSentinel returns the last chronological sentinel whose status is
// active, and false if there is none (a fresh continuum, or one that just
// collapsed and has not yet opened a new segment).
func (c *Continuum) ActiveSentinel() (Sentinel, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activeSentinelLocked()
}

func (c *Continuum) activeSentinelLocked() (Sentinel, bool) {
	var latest *Sentinel
	for _, s := range c.sentinels {
		if !s.IsActive() {
			continue
		}
		if latest == nil || s.CreatedAt().After(latest.CreatedAt()) {
			latest = s
		}
	}
	if latest == nil {
		return Sentinel{}, false
	}
	return *latest, true
}

// OpenSegment appends a new active sentinel at createdAt and returns it. The
// orchestrator calls this on first boot and immediately after a collapse, or
// when an explicit boundary is requested.
func (c *Continuum) OpenSegment(createdAt time.Time) (Sentinel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.openSegmentLocked(createdAt)
}

func (c *Continuum) openSegmentLocked(createdAt time.Time) (Sentinel, error) {
	if active, ok := c.activeSentinelLocked(); ok {
		return Sentinel{}, fmt.Errorf("mira: continuum %s already has active segment %s", c.id, active.SegmentID)
	}

	// The boundary is built directly rather than through NewMessage: an
	// active sentinel has empty content, which NewMessage rejects for an
	// assistant turn without tool calls.
	boundary := Message{
		id:   uuid.NewString(),
		role: RoleAssistant,
		metadata: MessageMetadata{
			Extra: map[string]any{
				"is_segment_boundary": true,
			},
		},
		createdAt: createdAt,
	}

	sentinel := Sentinel{
		Message:   boundary,
		SegmentID: boundary.ID(),
		Status:    SentinelActive,
	}
	c.sentinels[sentinel.SegmentID] = &sentinel
	c.entries = append(c.entries, entry{msg: boundary, sentinelID: sentinel.SegmentID})
	c.virtualLastMessageAt = createdAt
	return sentinel, nil
}

// AddUserMessage appends a user turn to the hot cache, opening a segment
// first if none is active.
func (c *Continuum) AddUserMessage(content string, createdAt time.Time) (Message, []Event, error) {
	return c.addMessage(RoleUser, content, MessageMetadata{}, createdAt)
}

// AddAssistantMessage appends an assistant turn. Content must be non-blank
// unless metadata carries tool calls.
func (c *Continuum) AddAssistantMessage(content string, metadata MessageMetadata, createdAt time.Time) (Message, []Event, error) {
	return c.addMessage(RoleAssistant, content, metadata, createdAt)
}

// AddToolMessage appends a tool-result turn.
func (c *Continuum) AddToolMessage(content, toolCallID string, createdAt time.Time) (Message, []Event, error) {
	return c.addMessage(RoleTool, content, MessageMetadata{ToolCallID: toolCallID}, createdAt)
}

func (c *Continuum) addMessage(role Role, content string, metadata MessageMetadata, createdAt time.Time) (Message, []Event, error) {
	msg, err := NewMessage(role, content, metadata, createdAt)
	if err != nil {
		return Message{}, nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	active, ok := c.activeSentinelLocked()
	if !ok {
		opened, err := c.openSegmentLocked(createdAt)
		if err != nil {
			return Message{}, nil, err
		}
		active = opened
	}

	c.entries = append(c.entries, entry{msg: msg, sentinelID: active.SegmentID})
	if role == RoleUser {
		c.virtualLastMessageAt = createdAt
	}
	return msg, nil, nil
}

// PostponeCollapse extends the virtual last-message time by minutes so the
// active segment is not collapsed purely from inactivity. minutes must be in
// [1, 1440]; any other value is rejected with an error.
func (c *Continuum) PostponeCollapse(minutes int, now time.Time) error {
	if minutes < 1 || minutes > 1440 {
		return fmt.Errorf("mira: postpone_collapse minutes must be in [1,1440], got %d", minutes)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	candidate := now.Add(time.Duration(minutes) * time.Minute)
	if candidate.After(c.virtualLastMessageAt) {
		c.virtualLastMessageAt = candidate
	}
	return nil
}

// IdleSince returns how long the active segment has been idle as of now,
// using the virtual last-message time (which PostponeCollapse can extend
// without a real user turn).
func (c *Continuum) IdleSince(now time.Time) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.virtualLastMessageAt.IsZero() {
		return 0
	}
	return now.Sub(c.virtualLastMessageAt)
}

// ApplyCache replaces the hot cache wholesale with an externally pruned
// list, used after collapse and after topic-based pruning. Each message is
// stored under the segment id sentinelOf returns for it. The sentinel index
// is not changed: sentinels in the replacement list are not re-indexed, so
// they must already be known to this continuum.
func (c *Continuum) ApplyCache(messages []Message, sentinelOf func(Message) (segmentID string, isSentinel bool)) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = c.entries[:0]
	for _, m := range messages {
		segID, isSentinel := sentinelOf(m)
		c.entries = append(c.entries, entry{msg: m, sentinelID: segID})
		_ = isSentinel
	}
}

// CollapseSegment transitions the named sentinel from active to collapsed,
// recording the synopsis, title, complexity, and tool usage. It returns
// ErrEmptySegment (invariant 2) if the segment has no non-sentinel messages,
// and the caller must abort the collapse entirely without publishing events.
func (c *Continuum) CollapseSegment(segmentID, synopsis, displayTitle string, complexity Complexity, toolsUsed []string, collapsedAt time.Time) (Sentinel, []Event, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	sentinel, ok := c.sentinels[segmentID]
	if !ok {
		return Sentinel{}, nil, fmt.Errorf("mira: unknown segment %s", segmentID)
	}
	if !sentinel.IsActive() {
		return Sentinel{}, nil, fmt.Errorf("mira: segment %s is not active", segmentID)
	}

	count := 0
	for _, e := range c.entries {
		if e.sentinelID == segmentID && e.msg.ID() != sentinel.ID() {
			count++
		}
	}
	if count == 0 {
		return Sentinel{}, nil, ErrEmptySegment
	}

	collapsedMsg := sentinel.Message.WithMetadata(mergeSegmentMetadata(sentinel.Metadata(), displayTitle, complexity, toolsUsed, collapsedAt))
	collapsedMsg = rebindContent(collapsedMsg, synopsis)

	updated := *sentinel
	updated.Message = collapsedMsg
	updated.Status = SentinelCollapsed
	updated.DisplayTitle = displayTitle
	updated.Complexity = complexity
	updated.ToolsUsed = toolsUsed
	updated.CollapsedAt = collapsedAt
	c.sentinels[segmentID] = &updated

	for i, e := range c.entries {
		if e.msg.ID() == sentinel.ID() {
			c.entries[i].msg = collapsedMsg
		}
	}

	return updated, []Event{
		SegmentCollapsedEvent{
			ContinuumID:  c.id,
			UserID:       c.userID,
			SegmentID:    segmentID,
			Summary:      synopsis,
			DisplayTitle: displayTitle,
			Complexity:   complexity,
			ToolsUsed:    toolsUsed,
		},
		ManifestUpdatedEvent{ContinuumID: c.id, UserID: c.userID, SegmentID: segmentID},
	}, nil
}

func mergeSegmentMetadata(base MessageMetadata, displayTitle string, complexity Complexity, toolsUsed []string, collapsedAt time.Time) MessageMetadata {
	next := base
	if next.Extra == nil {
		next.Extra = map[string]any{}
	} else {
		clone := make(map[string]any, len(next.Extra))
		for k, v := range next.Extra {
			clone[k] = v
		}
		next.Extra = clone
	}
	next.Extra["is_segment_boundary"] = true
	next.Extra["segment_id"] = base.Extra["segment_id"]
	next.Extra["status"] = string(SentinelCollapsed)
	next.Extra["display_title"] = displayTitle
	next.Extra["complexity"] = int(complexity)
	next.Extra["tools_used"] = toolsUsed
	next.Extra["collapsed_at"] = collapsedAt
	return next
}

// rebindContent returns a copy of msg with content replaced, bypassing the
// constructor's empty-content check since a collapsed sentinel's synopsis is
// always non-empty by the time this is called (tombstone fallback included).
func rebindContent(msg Message, content string) Message {
	msg.content = content
	return msg
}

// MessagesForAPI is a provider-neutral turn ready for the LLM client.
// Timestamp is an ephemeral "[h:mma]"-style prefix the continuum computes
// for display only; it is never persisted.
type MessagesForAPI struct {
	Role           Role
	Content        string
	Timestamp      string
	ToolCallID     string
	CacheControl   bool
	IsSegmentTitle bool
}

// GetMessagesForAPI renders the hot cache for the LLM, applying the display
// transformations for collapsed sentinels, ephemeral timestamps, and
// prompt-cache markers on the final assistant content block.
func (c *Continuum) GetMessagesForAPI(loc *time.Location) []MessagesForAPI {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]MessagesForAPI, 0, len(c.entries))
	lastAssistantIdx := -1

	for _, e := range c.entries {
		m := e.msg
		if sentinel, ok := c.sentinels[e.sentinelID]; ok && sentinel.ID() == m.ID() {
			if sentinel.Status != SentinelCollapsed {
				continue
			}
			out = append(out, MessagesForAPI{
				Role:           RoleAssistant,
				Content:        fmt.Sprintf("[Segment: %s]\n%s", sentinel.DisplayTitle, sentinel.Content()),
				IsSegmentTitle: true,
			})
			continue
		}

		item := MessagesForAPI{
			Role:       m.Role(),
			Content:    m.Content(),
			ToolCallID: m.Metadata().ToolCallID,
		}
		if m.Role() != RoleTool && !isNotification(m) {
			item.Timestamp = formatEphemeralTimestamp(m.CreatedAt(), loc)
		}
		if m.Role() == RoleAssistant {
			lastAssistantIdx = len(out)
		}
		out = append(out, item)
	}

	if lastAssistantIdx >= 0 {
		out[lastAssistantIdx].CacheControl = true
	}
	return out
}

func isNotification(m Message) bool {
	v, _ := m.Metadata().Extra["is_notification"].(bool)
	return v
}

func formatEphemeralTimestamp(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	local := t.In(loc)
	hour := local.Hour() % 12
	if hour == 0 {
		hour = 12
	}
	ampm := "am"
	if local.Hour() >= 12 {
		ampm = "pm"
	}
	return fmt.Sprintf("[%d:%02d%s]", hour, local.Minute(), ampm)
}
