package mira

import "fmt"

// LoadFromHistory reconstructs a Continuum's in-memory state from its
// persisted messages, in chronological order, for process restart and
// cache-miss rehydration. Every sentinel message's metadata must still
// carry the segment_id/status/display_title/complexity/tools_used fields
// CollapseSegment wrote, since this does not re-derive them from
// surrounding messages.
func LoadFromHistory(id, userID string, messages []Message) (*Continuum, error) {
	c := NewContinuum(id, userID)
	if len(messages) == 0 {
		return c, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var currentSegment string
	for _, m := range messages {
		isSentinel, _ := m.Metadata().Extra["is_segment_boundary"].(bool)
		if isSentinel {
			sentinel, err := sentinelFromMessage(m)
			if err != nil {
				return nil, fmt.Errorf("mira: rehydrate sentinel %s: %w", m.ID(), err)
			}
			c.sentinels[sentinel.SegmentID] = &sentinel
			currentSegment = sentinel.SegmentID
			c.entries = append(c.entries, entry{msg: m, sentinelID: sentinel.SegmentID})
			continue
		}
		c.entries = append(c.entries, entry{msg: m, sentinelID: currentSegment})
		if m.Role() == RoleUser {
			c.virtualLastMessageAt = m.CreatedAt()
		}
	}
	return c, nil
}

// sentinelFromMessage rebuilds a Sentinel value from a persisted sentinel
// message's own fields and metadata, mirroring the fields CollapseSegment
// and openSegmentLocked write.
func sentinelFromMessage(m Message) (Sentinel, error) {
	extra := m.Metadata().Extra
	segmentID, _ := extra["segment_id"].(string)
	if segmentID == "" {
		segmentID = m.ID()
	}
	status := SentinelActive
	if s, ok := extra["status"].(string); ok && s == string(SentinelCollapsed) {
		status = SentinelCollapsed
	}
	displayTitle, _ := extra["display_title"].(string)

	complexity := Complexity(0)
	if raw, ok := extra["complexity"]; ok {
		switch v := raw.(type) {
		case float64:
			complexity = Complexity(int(v))
		case int:
			complexity = Complexity(v)
		}
	}

	var toolsUsed []string
	if raw, ok := extra["tools_used"].([]any); ok {
		for _, t := range raw {
			if s, ok := t.(string); ok {
				toolsUsed = append(toolsUsed, s)
			}
		}
	}

	return Sentinel{
		Message:      m,
		SegmentID:    segmentID,
		Status:       status,
		ToolsUsed:    toolsUsed,
		DisplayTitle: displayTitle,
		Complexity:   complexity,
		CollapsedAt:  m.CreatedAt(),
	}, nil
}
