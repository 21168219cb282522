package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	miraerrors "github.com/mira-run/mira/internal/mira/errors"
)

// ChatResult is what a chat turn returns to the client: the assistant's
// rendered reply text and bookkeeping metadata (spec.md §6:
// "chat(message, continuum_id?) -> {response, metadata{tools_used,...}}").
type ChatResult struct {
	Response string
	Metadata ChatMetadata
}

type ChatMetadata struct {
	ToolsUsed []string
}

// ChatEngine runs one user turn end to end: persist the user message,
// drive the LLM/tool loop, persist the assistant turn. Concrete
// implementations live outside this package (wiring continuum, llm, and
// tools together); handleChat only knows the request/response contract.
type ChatEngine interface {
	SendMessage(ctx context.Context, userID, continuumID, message string) (ChatResult, error)
}

type chatRequest struct {
	Message     string `json:"message"`
	ContinuumID string `json:"continuum_id,omitempty"`
}

func handleChat(engine ChatEngine, log *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		requestID := requestIDFromContext(r.Context())

		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, requestID, http.StatusBadRequest, "invalid_json", "request body is not valid JSON")
			return
		}
		if req.Message == "" {
			writeError(w, requestID, http.StatusBadRequest, "missing_field", "message is required")
			return
		}

		userID, err := requireUser(r)
		if err != nil {
			writeError(w, requestID, http.StatusUnauthorized, "unauthorized", err.Error())
			return
		}

		result, err := engine.SendMessage(r.Context(), userID, req.ContinuumID, req.Message)
		if err != nil {
			writeChatError(w, requestID, log, err)
			return
		}

		writeSuccess(w, requestID, map[string]any{
			"response": result.Response,
			"metadata": map[string]any{
				"tools_used": result.Metadata.ToolsUsed,
			},
		})
	}
}

func writeChatError(w http.ResponseWriter, requestID string, log *slog.Logger, err error) {
	switch {
	case errors.Is(err, miraerrors.ErrPermission):
		writeError(w, requestID, http.StatusForbidden, "forbidden", err.Error())
	case errors.Is(err, miraerrors.ErrRateLimited):
		writeError(w, requestID, http.StatusTooManyRequests, "rate_limited", err.Error())
	case errors.Is(err, miraerrors.ErrInvalidRequest):
		writeError(w, requestID, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, miraerrors.ErrPromptInjectionRejected):
		writeError(w, requestID, http.StatusUnprocessableEntity, "content_rejected", err.Error())
	default:
		log.Error("chat turn failed", "error", err)
		writeError(w, requestID, http.StatusInternalServerError, "server_error", "internal error")
	}
}
