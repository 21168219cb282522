// Package reminders implements the reminder peripheral tool spec.md §1/§4.7
// names as one of the peripheral tools whose schema is external and whose
// only specified surface is the tool-invocation protocol: set, list, and
// cancel a reminder scoped to the ambient user. Storage is the per-user
// encrypted SQLite store (internal/userdata), in a reminders table of its
// own.
package reminders

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mira-run/mira/internal/auth"
	"github.com/mira-run/mira/internal/tools"
	"github.com/mira-run/mira/internal/userdata"
)

// Store is the narrow userdata surface the reminder tools need, satisfied
// by *userdata.Registry.
type Store interface {
	For(userID string) *userdata.Manager
}

const tableName = "reminders"

// SetTool creates a reminder due at a given time.
type SetTool struct {
	Store Store
	Now   func() time.Time
}

func NewSetTool(store Store) *SetTool {
	return &SetTool{Store: store, Now: time.Now}
}

func (t *SetTool) Name() string        { return "set_reminder" }
func (t *SetTool) Description() string { return "Create a reminder that fires at a specific time." }

func (t *SetTool) Schema() json.RawMessage {
	return tools.GenerateSchema[setArgs]()
}

func (t *SetTool) IsAvailable(_ context.Context, _ string) (bool, error) { return true, nil }

type setArgs struct {
	Text  string `json:"text" jsonschema:"required,description=What to remind the user about."`
	DueAt string `json:"due_at" jsonschema:"required,description=RFC3339 timestamp the reminder fires at."`
}

func (t *SetTool) Run(ctx context.Context, args json.RawMessage) (string, error) {
	userID, err := auth.RequireUser(ctx)
	if err != nil {
		return "", err
	}
	var a setArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return "", fmt.Errorf("reminders: invalid arguments: %w", err)
	}
	dueAt, err := time.Parse(time.RFC3339, a.DueAt)
	if err != nil {
		return "", fmt.Errorf("reminders: due_at is not RFC3339: %w", err)
	}

	id := uuid.NewString()
	err = t.Store.For(userID).JSONInsert(ctx, tableName, userdata.Row{
		"id":             id,
		"encrypted__text": a.Text,
		"due_at":         dueAt.UTC().Format(time.RFC3339),
		"fired":          0,
	})
	if err != nil {
		return "", fmt.Errorf("reminders: insert: %w", err)
	}
	return fmt.Sprintf("Reminder %s set for %s.", id, dueAt.Format(time.RFC3339)), nil
}

// ListTool lists a user's pending (unfired) reminders.
type ListTool struct {
	Store Store
}

func NewListTool(store Store) *ListTool { return &ListTool{Store: store} }

func (t *ListTool) Name() string        { return "list_reminders" }
func (t *ListTool) Description() string { return "List the user's pending reminders." }

func (t *ListTool) Schema() json.RawMessage {
	return json.RawMessage(`{"type": "object", "properties": {}}`)
}

func (t *ListTool) IsAvailable(_ context.Context, _ string) (bool, error) { return true, nil }

func (t *ListTool) Run(ctx context.Context, _ json.RawMessage) (string, error) {
	userID, err := auth.RequireUser(ctx)
	if err != nil {
		return "", err
	}
	rows, err := t.Store.For(userID).JSONSelect(ctx, tableName, userdata.Row{"fired": 0})
	if err != nil {
		return "", fmt.Errorf("reminders: select: %w", err)
	}
	if rows == nil {
		rows = []userdata.Row{}
	}
	out, err := json.Marshal(rows)
	if err != nil {
		return "", fmt.Errorf("reminders: marshal result: %w", err)
	}
	return string(out), nil
}

// CancelTool deletes a pending reminder by id.
type CancelTool struct {
	Store Store
}

func NewCancelTool(store Store) *CancelTool { return &CancelTool{Store: store} }

func (t *CancelTool) Name() string        { return "cancel_reminder" }
func (t *CancelTool) Description() string { return "Cancel a pending reminder by id." }

func (t *CancelTool) Schema() json.RawMessage {
	return tools.GenerateSchema[cancelArgs]()
}

func (t *CancelTool) IsAvailable(_ context.Context, _ string) (bool, error) { return true, nil }

type cancelArgs struct {
	ID string `json:"id" jsonschema:"required,description=The reminder's id."`
}

func (t *CancelTool) Run(ctx context.Context, args json.RawMessage) (string, error) {
	userID, err := auth.RequireUser(ctx)
	if err != nil {
		return "", err
	}
	var a cancelArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return "", fmt.Errorf("reminders: invalid arguments: %w", err)
	}
	n, err := t.Store.For(userID).JSONDelete(ctx, tableName, userdata.Row{"id": a.ID})
	if err != nil {
		return "", fmt.Errorf("reminders: delete: %w", err)
	}
	if n == 0 {
		return "", fmt.Errorf("reminders: no pending reminder with id %q", a.ID)
	}
	return fmt.Sprintf("Reminder %s cancelled.", a.ID), nil
}
