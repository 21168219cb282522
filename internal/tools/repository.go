// Package tools implements the tool repository and invocation protocol
// spec.md §4.7 describes: a registry of Tool implementations, per-call
// availability, user-scoped execution, and invokeother_tool lazy loading
// when a provider rejects a call with ToolNotLoadedError.
//
// Grounded on teacher internal/tools/*'s one-package-per-tool layout (kept
// as the convention for concrete tool packages alongside this registry) and
// internal/exec/safety.go's validation style, generalized here into
// schema-driven argument validation via jsonschema.
package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	miraerrors "github.com/mira-run/mira/internal/mira/errors"
)

// Tool is one invocable capability the LLM loop can call. Implementations
// must not print; they log through whatever logger they were constructed
// with. They must not accept user_id as an argument: Run receives it only
// via the ambient context, consistent with every other user-scoped
// boundary in this codebase (spec.md §4.7, §5).
type Tool interface {
	// Name is the stable, wire-visible tool name.
	Name() string
	// Description is shown to the LLM in its tool list.
	Description() string
	// Schema is the Anthropic-style JSON schema (input_schema) describing
	// the tool's arguments.
	Schema() json.RawMessage
	// IsAvailable reports whether this tool should be offered to userID
	// for the current request. May consult DB state (e.g. a credential
	// being configured).
	IsAvailable(ctx context.Context, userID string) (bool, error)
	// Run executes the tool under the ambient user context already present
	// in ctx; implementations call auth.RequireUser(ctx), not a parameter.
	Run(ctx context.Context, args json.RawMessage) (string, error)
}

// Repository holds every registered Tool and mediates resolution and
// execution. One Repository is constructed at process start and shared
// across requests; registration itself is not expected to race with
// lookups in steady state, but the map is still guarded since tests and
// plugin-style registration may run concurrently.
type Repository struct {
	mu      sync.RWMutex
	tools   map[string]Tool
	schemas map[string]*jsonschema.Schema
}

// NewRepository constructs an empty Repository.
func NewRepository() *Repository {
	return &Repository{
		tools:   make(map[string]Tool),
		schemas: make(map[string]*jsonschema.Schema),
	}
}

// Register adds a tool, compiling its schema up front so argument
// validation at call time never fails on a malformed schema the tool
// author could have caught earlier. It panics on a duplicate name or
// uncompilable schema, since both are programmer errors discovered at
// process boot, not request-time conditions.
func (r *Repository) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[t.Name()]; exists {
		panic(fmt.Sprintf("tools: duplicate tool registered: %s", t.Name()))
	}

	raw := t.Schema()
	if len(raw) == 0 {
		raw = json.RawMessage(`{"type":"object"}`)
	}
	compiler := jsonschema.NewCompiler()
	resourceName := t.Name() + ".schema.json"
	if err := compiler.AddResource(resourceName, bytes.NewReader(raw)); err != nil {
		panic(fmt.Sprintf("tools: tool %s has invalid schema: %v", t.Name(), err))
	}
	schema, err := compiler.Compile(resourceName)
	if err != nil {
		panic(fmt.Sprintf("tools: tool %s schema failed to compile: %v", t.Name(), err))
	}

	r.tools[t.Name()] = t
	r.schemas[t.Name()] = schema
}

// Available lists the tools offered to userID for this request: every
// registered tool whose IsAvailable predicate returns true. Order matches
// registration order is not guaranteed; callers that need deterministic
// tool-list ordering should sort the result.
func (r *Repository) Available(ctx context.Context, userID string) ([]Tool, error) {
	r.mu.RLock()
	all := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		all = append(all, t)
	}
	r.mu.RUnlock()

	out := make([]Tool, 0, len(all))
	for _, t := range all {
		ok, err := t.IsAvailable(ctx, userID)
		if err != nil {
			return nil, fmt.Errorf("tools: availability check for %s: %w", t.Name(), err)
		}
		if ok {
			out = append(out, t)
		}
	}
	return out, nil
}

// Run validates args against the named tool's schema and executes it. It
// returns ToolNotLoadedError-shaped behavior is the caller's (orchestrator)
// responsibility when the *provider*, not the repository, rejects a call;
// Run itself returns a plain error naming the unknown tool so the caller
// can decide whether that warrants invokeother_tool or a hard failure.
func (r *Repository) Run(ctx context.Context, userID, name string, args json.RawMessage) (string, error) {
	r.mu.RLock()
	t, ok := r.tools[name]
	schema := r.schemas[name]
	r.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("tools: unknown tool %q", name)
	}

	available, err := t.IsAvailable(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("tools: availability check for %s: %w", name, err)
	}
	if !available {
		return "", fmt.Errorf("tools: %s is not available to this user", name)
	}

	if err := validateArgs(schema, args); err != nil {
		return "", fmt.Errorf("tools: invalid arguments for %s: %w", name, err)
	}

	return t.Run(ctx, args)
}

// validateArgs tolerates a missing/empty args payload against a schema
// with no required properties (spec.md §4.6: "for tools with no
// parameters, tolerate missing arguments field, some proxies omit it").
func validateArgs(schema *jsonschema.Schema, args json.RawMessage) error {
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	var v any
	if err := json.Unmarshal(args, &v); err != nil {
		return fmt.Errorf("arguments are not valid JSON: %w", err)
	}
	if schema == nil {
		return nil
	}
	return schema.Validate(v)
}

// InvokeOtherToolName is the distinguished tool name spec.md §4.7
// describes: when a provider rejects a call with ToolNotLoadedError, the
// orchestrator synthesizes a tool result that re-invokes the desired tool
// through this name, letting the next LLM turn actually call it once it
// has been lazily loaded into the request's tool list.
const InvokeOtherToolName = "invokeother_tool"

// InvokeOtherToolArgs is the argument shape for InvokeOtherToolName.
type InvokeOtherToolArgs struct {
	ToolName string          `json:"tool_name"`
	Args     json.RawMessage `json:"args,omitempty"`
}

// SynthesizeLazyLoadResult builds the tool-result content the orchestrator
// returns to the provider in place of the rejected call, naming the tool
// that must be loaded before the next turn. This never surfaces as a
// user-visible failure (spec.md §7, ToolNotLoaded handling).
func SynthesizeLazyLoadResult(notLoaded *miraerrors.ToolNotLoadedError) string {
	payload, _ := json.Marshal(InvokeOtherToolArgs{ToolName: notLoaded.ToolName})
	return fmt.Sprintf("Tool %q was not loaded for this turn; it has now been queued for the next turn via %s with arguments %s.", notLoaded.ToolName, InvokeOtherToolName, payload)
}
