package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
)

// ActionHandler executes one domain-routed mutation (spec.md §6:
// "actions(domain, action, data)" across domains reminder, memory, user,
// contacts, continuum, domain_knowledge). Implementations validate
// domain/action membership; handleActions only validates the generic
// envelope and the one action (continuum.postpone_collapse) spec.md gives
// a concrete bound for.
type ActionHandler interface {
	Handle(ctx context.Context, userID, domain, action string, data json.RawMessage) (ActionResult, error)
}

// ActionResult is the data payload an action returns on success.
type ActionResult struct {
	Data any
}

// ErrUnknownDomain and ErrUnknownAction distinguish a 422 (domain does not
// exist at all) from a 400 (domain exists, action within it does not),
// per spec.md §6's exact status-code split.
var (
	ErrUnknownDomain = errors.New("httpapi: unknown action domain")
	ErrUnknownAction = errors.New("httpapi: unknown action")
)

// ErrSegmentNotActive is returned by continuum.collapse_segment when the
// user has no active segment to collapse (spec.md §6: "404 on no active
// segment").
var ErrSegmentNotActive = errors.New("httpapi: no active segment")

var knownDomains = map[string]bool{
	"reminder":        true,
	"memory":          true,
	"user":            true,
	"contacts":        true,
	"continuum":       true,
	"domain_knowledge": true,
}

type actionRequest struct {
	Domain string          `json:"domain"`
	Action string          `json:"action"`
	Data   json.RawMessage `json:"data"`
}

// postponeCollapseData is decoded up front because spec.md gives this one
// action a concrete bound ("1 <= minutes <= 1440") that must be enforced
// at the HTTP boundary before the domain handler runs, with its own exact
// error message.
type postponeCollapseData struct {
	Minutes int `json:"minutes"`
}

func handleActions(handler ActionHandler, log *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		requestID := requestIDFromContext(r.Context())

		var req actionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, requestID, http.StatusBadRequest, "invalid_json", "request body is not valid JSON")
			return
		}
		if req.Domain == "" {
			writeError(w, requestID, http.StatusBadRequest, "missing_field", "domain is required")
			return
		}
		if req.Action == "" {
			writeError(w, requestID, http.StatusBadRequest, "missing_field", "action is required")
			return
		}
		if !knownDomains[req.Domain] {
			writeError(w, requestID, http.StatusUnprocessableEntity, "unknown_domain", fmt.Sprintf("unknown domain %q", req.Domain))
			return
		}

		if req.Domain == "continuum" && req.Action == "postpone_collapse" {
			var data postponeCollapseData
			if err := json.Unmarshal(req.Data, &data); err != nil {
				writeError(w, requestID, http.StatusBadRequest, "invalid_json", "data is not valid JSON")
				return
			}
			if data.Minutes < 1 || data.Minutes > 1440 {
				writeError(w, requestID, http.StatusBadRequest, "out_of_range", "minutes must be between 1 and 1440")
				return
			}
		}

		userID, err := requireUser(r)
		if err != nil {
			writeError(w, requestID, http.StatusUnauthorized, "unauthorized", err.Error())
			return
		}

		result, err := handler.Handle(r.Context(), userID, req.Domain, req.Action, req.Data)
		if err != nil {
			writeActionError(w, requestID, log, err)
			return
		}

		writeSuccess(w, requestID, result.Data)
	}
}

func writeActionError(w http.ResponseWriter, requestID string, log *slog.Logger, err error) {
	switch {
	case errors.Is(err, ErrUnknownDomain):
		writeError(w, requestID, http.StatusUnprocessableEntity, "unknown_domain", err.Error())
	case errors.Is(err, ErrUnknownAction):
		writeError(w, requestID, http.StatusBadRequest, "unknown", "unknown")
	case errors.Is(err, ErrSegmentNotActive):
		writeError(w, requestID, http.StatusNotFound, "not_found", "no active segment")
	default:
		var missing missingFieldError
		if errors.As(err, &missing) {
			writeError(w, requestID, http.StatusBadRequest, "missing_field", missing.Error())
			return
		}
		log.Error("action failed", "error", err)
		writeError(w, requestID, http.StatusInternalServerError, "server_error", "internal error")
	}
}

// missingFieldError is returned by domain handlers for a missing required
// field in data, carrying the field name into the 400 message spec.md
// requires ("400 with a message naming the field").
type missingFieldError struct{ Field string }

func (e missingFieldError) Error() string { return fmt.Sprintf("missing required field %q", e.Field) }

// MissingField builds the error an ActionHandler implementation outside
// this package returns for a missing required field in the request's
// data payload, so writeActionError's errors.As type-switch recognizes it
// and responds 400 rather than falling through to a generic 500.
func MissingField(field string) error { return missingFieldError{Field: field} }
