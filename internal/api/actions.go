// Package api implements the concrete collaborators internal/httpapi's
// handlers are wired against: action routing across spec.md §6's six
// domains, the three data-read views, and the dependency health probe.
// Kept as its own package (rather than living in cmd/mira) so it stays
// unit-testable the way the rest of this codebase's service layers are.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mira-run/mira/internal/continuum"
	"github.com/mira-run/mira/internal/httpapi"
	"github.com/mira-run/mira/internal/ltmemory"
	"github.com/mira-run/mira/internal/mira"
	"github.com/mira-run/mira/internal/userdata"
)

// ContinuumStore is the Registry surface the continuum action domain needs.
type ContinuumStore interface {
	Get(ctx context.Context, userID string) (*mira.Continuum, error)
}

// MemoryStore is the memory action domain's persistence surface.
type MemoryStore interface {
	GetMemory(ctx context.Context, userID, memoryID string) (ltmemory.Memory, bool, error)
	IncrementRejectionCount(ctx context.Context, userID, memoryID string) error
}

// UserDataStore is the per-user encrypted SQLite surface reminder,
// contacts, and domain_knowledge actions are routed through.
type UserDataStore interface {
	For(userID string) *userdata.Manager
}

// SegmentCollapser runs the full collapse pipeline (summarize, embed,
// persist, publish, submit extraction) for an explicit collapse request.
// Satisfied by *continuum.Orchestrator.
type SegmentCollapser interface {
	CollapseNow(ctx context.Context, userID, segmentID string) error
}

// ActionRouter implements httpapi.ActionHandler by dispatching each
// (domain, action) pair to the collaborator that owns it.
type ActionRouter struct {
	Continuum ContinuumStore
	Collapser SegmentCollapser
	Memory    MemoryStore
	UserData  UserDataStore
	Now       func() time.Time
}

// NewActionRouter constructs a router. Any collaborator may be nil; its
// domain (or, for Collapser, the collapse_segment action) then reports
// httpapi.ErrUnknownAction. The exception is user.get_profile, which with a
// nil Continuum still succeeds and returns only the user_id.
func NewActionRouter(cont ContinuumStore, collapser SegmentCollapser, mem MemoryStore, userData UserDataStore) *ActionRouter {
	return &ActionRouter{Continuum: cont, Collapser: collapser, Memory: mem, UserData: userData, Now: time.Now}
}

// Handle satisfies httpapi.ActionHandler.
func (r *ActionRouter) Handle(ctx context.Context, userID, domain, action string, data json.RawMessage) (httpapi.ActionResult, error) {
	switch domain {
	case "continuum":
		return r.handleContinuum(ctx, userID, action, data)
	case "memory":
		return r.handleMemory(ctx, userID, action, data)
	case "reminder":
		return r.handleTable(ctx, userID, "reminders", action, data)
	case "contacts":
		return r.handleTable(ctx, userID, "contacts", action, data)
	case "domain_knowledge":
		return r.handleTable(ctx, userID, "domaindocs", action, data)
	case "user":
		return r.handleUser(ctx, userID, action)
	default:
		return httpapi.ActionResult{}, fmt.Errorf("%w: %s", httpapi.ErrUnknownDomain, domain)
	}
}

func (r *ActionRouter) handleContinuum(ctx context.Context, userID, action string, data json.RawMessage) (httpapi.ActionResult, error) {
	if r.Continuum == nil {
		return httpapi.ActionResult{}, fmt.Errorf("%w: continuum.%s", httpapi.ErrUnknownAction, action)
	}
	cont, err := r.Continuum.Get(ctx, userID)
	if err != nil {
		return httpapi.ActionResult{}, fmt.Errorf("api: load continuum: %w", err)
	}

	switch action {
	case "postpone_collapse":
		var payload struct {
			Minutes int `json:"minutes"`
		}
		if err := json.Unmarshal(data, &payload); err != nil {
			return httpapi.ActionResult{}, fmt.Errorf("api: decode postpone_collapse data: %w", err)
		}
		if _, ok := cont.ActiveSentinel(); !ok {
			return httpapi.ActionResult{}, httpapi.ErrSegmentNotActive
		}
		if err := cont.PostponeCollapse(payload.Minutes, r.Now()); err != nil {
			return httpapi.ActionResult{}, fmt.Errorf("api: postpone collapse: %w", err)
		}
		return httpapi.ActionResult{Data: map[string]any{"postponed_minutes": payload.Minutes}}, nil

	case "collapse_segment":
		sentinel, ok := cont.ActiveSentinel()
		if !ok {
			return httpapi.ActionResult{}, httpapi.ErrSegmentNotActive
		}
		if r.Collapser == nil {
			return httpapi.ActionResult{}, fmt.Errorf("%w: continuum.%s", httpapi.ErrUnknownAction, action)
		}
		if err := r.Collapser.CollapseNow(ctx, userID, sentinel.SegmentID); err != nil {
			return httpapi.ActionResult{}, fmt.Errorf("api: collapse segment: %w", err)
		}
		return httpapi.ActionResult{Data: map[string]any{"collapsed": true}}, nil

	case "get_active_segment":
		sentinel, ok := cont.ActiveSentinel()
		if !ok {
			return httpapi.ActionResult{}, httpapi.ErrSegmentNotActive
		}
		return httpapi.ActionResult{Data: sentinel}, nil

	default:
		return httpapi.ActionResult{}, fmt.Errorf("%w: continuum.%s", httpapi.ErrUnknownAction, action)
	}
}

func (r *ActionRouter) handleMemory(ctx context.Context, userID, action string, data json.RawMessage) (httpapi.ActionResult, error) {
	if r.Memory == nil {
		return httpapi.ActionResult{}, fmt.Errorf("%w: memory.%s", httpapi.ErrUnknownAction, action)
	}

	var payload struct {
		MemoryID string `json:"memory_id"`
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &payload); err != nil {
			return httpapi.ActionResult{}, fmt.Errorf("api: decode memory data: %w", err)
		}
	}

	switch action {
	case "get":
		if payload.MemoryID == "" {
			return httpapi.ActionResult{}, missingField("memory_id")
		}
		mem, ok, err := r.Memory.GetMemory(ctx, userID, payload.MemoryID)
		if err != nil {
			return httpapi.ActionResult{}, fmt.Errorf("api: get memory: %w", err)
		}
		if !ok {
			return httpapi.ActionResult{}, fmt.Errorf("api: memory %q not found", payload.MemoryID)
		}
		return httpapi.ActionResult{Data: mem}, nil

	case "reject":
		if payload.MemoryID == "" {
			return httpapi.ActionResult{}, missingField("memory_id")
		}
		if err := r.Memory.IncrementRejectionCount(ctx, userID, payload.MemoryID); err != nil {
			return httpapi.ActionResult{}, fmt.Errorf("api: reject memory: %w", err)
		}
		return httpapi.ActionResult{Data: map[string]any{"memory_id": payload.MemoryID, "rejected": true}}, nil

	default:
		return httpapi.ActionResult{}, fmt.Errorf("%w: memory.%s", httpapi.ErrUnknownAction, action)
	}
}

// handleTable routes reminder/contacts/domain_knowledge actions to generic
// CRUD over the named per-user table, since all three are simple
// encrypted-at-rest records scoped by user_id (internal/userdata's
// json_insert/select/update/delete convention).
func (r *ActionRouter) handleTable(ctx context.Context, userID, table, action string, data json.RawMessage) (httpapi.ActionResult, error) {
	if r.UserData == nil {
		return httpapi.ActionResult{}, fmt.Errorf("%w: %s.%s", httpapi.ErrUnknownAction, table, action)
	}
	mgr := r.UserData.For(userID)

	switch action {
	case "create":
		var fields userdata.Row
		if err := json.Unmarshal(data, &fields); err != nil {
			return httpapi.ActionResult{}, fmt.Errorf("api: decode %s create data: %w", table, err)
		}
		if err := mgr.JSONInsert(ctx, table, fields); err != nil {
			return httpapi.ActionResult{}, fmt.Errorf("api: create %s: %w", table, err)
		}
		return httpapi.ActionResult{Data: fields}, nil

	case "list":
		rows, err := mgr.JSONSelect(ctx, table, userdata.Row{})
		if err != nil {
			return httpapi.ActionResult{}, fmt.Errorf("api: list %s: %w", table, err)
		}
		return httpapi.ActionResult{Data: rows}, nil

	case "update":
		var payload struct {
			ID     string      `json:"id"`
			Fields userdata.Row `json:"fields"`
		}
		if err := json.Unmarshal(data, &payload); err != nil {
			return httpapi.ActionResult{}, fmt.Errorf("api: decode %s update data: %w", table, err)
		}
		if payload.ID == "" {
			return httpapi.ActionResult{}, missingField("id")
		}
		n, err := mgr.JSONUpdate(ctx, table, userdata.Row{"id": payload.ID}, payload.Fields)
		if err != nil {
			return httpapi.ActionResult{}, fmt.Errorf("api: update %s: %w", table, err)
		}
		return httpapi.ActionResult{Data: map[string]any{"updated": n}}, nil

	case "delete":
		var payload struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(data, &payload); err != nil {
			return httpapi.ActionResult{}, fmt.Errorf("api: decode %s delete data: %w", table, err)
		}
		if payload.ID == "" {
			return httpapi.ActionResult{}, missingField("id")
		}
		n, err := mgr.JSONDelete(ctx, table, userdata.Row{"id": payload.ID})
		if err != nil {
			return httpapi.ActionResult{}, fmt.Errorf("api: delete %s: %w", table, err)
		}
		return httpapi.ActionResult{Data: map[string]any{"deleted": n}}, nil

	default:
		return httpapi.ActionResult{}, fmt.Errorf("%w: %s.%s", httpapi.ErrUnknownAction, table, action)
	}
}

func (r *ActionRouter) handleUser(ctx context.Context, userID, action string) (httpapi.ActionResult, error) {
	if action != "get_profile" {
		return httpapi.ActionResult{}, fmt.Errorf("%w: user.%s", httpapi.ErrUnknownAction, action)
	}
	if r.Continuum == nil {
		return httpapi.ActionResult{Data: map[string]any{"user_id": userID}}, nil
	}
	cont, err := r.Continuum.Get(ctx, userID)
	if err != nil {
		return httpapi.ActionResult{}, fmt.Errorf("api: load continuum: %w", err)
	}
	_, hasActive := cont.ActiveSentinel()
	return httpapi.ActionResult{Data: map[string]any{
		"user_id":              userID,
		"continuum_id":         cont.ID(),
		"has_active_segment":   hasActive,
	}}, nil
}

func missingField(name string) error { return httpapi.MissingField(name) }

var _ continuum.ContinuumRegistry = (ContinuumStore)(nil)
var _ SegmentCollapser = (*continuum.Orchestrator)(nil)
