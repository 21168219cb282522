package mira

import (
	"testing"
	"time"
)

func TestNewMessage_ContentInvariant(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		role     Role
		content  string
		metadata MessageMetadata
		wantErr  bool
	}{
		{"user with content", RoleUser, "hello", MessageMetadata{}, false},
		{"user empty content", RoleUser, "", MessageMetadata{}, true},
		{"assistant empty content without tool calls", RoleAssistant, "", MessageMetadata{}, true},
		{"assistant empty content with tool calls", RoleAssistant, "", MessageMetadata{HasToolCalls: true}, false},
		{"tool empty content", RoleTool, "", MessageMetadata{}, true},
		{"invalid role", Role("bogus"), "hi", MessageMetadata{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewMessage(tt.role, tt.content, tt.metadata, now)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewMessage() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestMessage_WithMetadataIsCopyOnModify(t *testing.T) {
	now := time.Now()
	original, err := NewMessage(RoleUser, "hi", MessageMetadata{}, now)
	if err != nil {
		t.Fatalf("NewMessage() error = %v", err)
	}

	modified := original.WithMetadata(MessageMetadata{HasToolCalls: true})

	if original.Metadata().HasToolCalls {
		t.Error("original message metadata was mutated by WithMetadata")
	}
	if !modified.Metadata().HasToolCalls {
		t.Error("modified message did not receive new metadata")
	}
	if original.ID() != modified.ID() {
		t.Error("WithMetadata must preserve identity")
	}
}

func TestMessage_DBRowRoundTrip(t *testing.T) {
	now := time.Date(2026, 3, 4, 9, 30, 0, 0, time.UTC)
	msg, err := NewMessage(RoleAssistant, "", MessageMetadata{HasToolCalls: true}, now)
	if err != nil {
		t.Fatalf("NewMessage() error = %v", err)
	}

	row, err := msg.ToDBRow("continuum-1", "user-1")
	if err != nil {
		t.Fatalf("ToDBRow() error = %v", err)
	}
	if row.ContinuumID != "continuum-1" || row.UserID != "user-1" {
		t.Fatalf("ToDBRow() did not carry through continuum/user ids: %+v", row)
	}

	restored, err := FromDBRow(row)
	if err != nil {
		t.Fatalf("FromDBRow() error = %v", err)
	}
	if restored.ID() != msg.ID() || restored.Role() != msg.Role() || !restored.CreatedAt().Equal(msg.CreatedAt()) {
		t.Fatalf("FromDBRow() did not round-trip: got %+v, want id=%s role=%s", restored, msg.ID(), msg.Role())
	}
	if !restored.Metadata().HasToolCalls {
		t.Error("FromDBRow() lost has_tool_calls metadata")
	}
}
