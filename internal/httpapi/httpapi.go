// Package httpapi is the thin external HTTP collaborator spec.md §6 names:
// chat, actions, data, and health, over net/http's method-pattern
// ServeMux (stdlib has carried a capable router since Go 1.22; no
// third-party router is grounded anywhere in the retrieval pack, so
// reaching for one here would be the outlier, not the default — see
// DESIGN.md). JWT bearer parsing establishes the ambient user identity
// before any handler runs, following teacher internal/auth/http.go's
// middleware shape.
package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mira-run/mira/internal/auth"
)

// envelope is the response shape every handler writes: {success, data|
// error{code,message}, meta{timestamp, request_id}} (spec.md §7).
type envelope struct {
	Success bool           `json:"success"`
	Data    any            `json:"data,omitempty"`
	Error   *envelopeError `json:"error,omitempty"`
	Meta    envelopeMeta   `json:"meta"`
}

type envelopeError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type envelopeMeta struct {
	Timestamp time.Time `json:"timestamp"`
	RequestID string    `json:"request_id"`
}

// now is overridden in tests so envelope timestamps are deterministic.
var now = time.Now

func writeSuccess(w http.ResponseWriter, requestID string, data any) {
	writeJSON(w, http.StatusOK, envelope{
		Success: true,
		Data:    data,
		Meta:    envelopeMeta{Timestamp: now(), RequestID: requestID},
	})
}

func writeError(w http.ResponseWriter, requestID string, status int, code, message string) {
	writeJSON(w, status, envelope{
		Success: false,
		Error:   &envelopeError{Code: code, Message: message},
		Meta:    envelopeMeta{Timestamp: now(), RequestID: requestID},
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Server bundles the handlers into a routable mux. Construct with New and
// mount at cmd/mira's HTTP listener.
type Server struct {
	mux *http.ServeMux
	log *slog.Logger
}

// Deps is every collaborator a handler needs. Each field is the narrowest
// interface that handler calls, defined alongside the handler that uses
// it, not here, so this struct just aggregates them.
type Deps struct {
	Chat   ChatEngine
	Action ActionHandler
	Data   DataReader
	Health HealthChecker
	JWT    JWTValidator
	Log    *slog.Logger
}

// JWTValidator resolves a bearer token to the ambient ids the rest of the
// request runs under. Satisfied directly by *auth.JWTService (and by
// *auth.StaticAPIKeyValidator).
type JWTValidator interface {
	ValidateBearer(ctx context.Context, token string) (auth.Identity, error)
}

// New wires deps into a routable Server.
func New(deps Deps) *Server {
	log := deps.Log
	if log == nil {
		log = slog.Default()
	}
	s := &Server{mux: http.NewServeMux(), log: log}

	s.mux.Handle("POST /chat", s.withIdentity(deps.JWT, handleChat(deps.Chat, log)))
	s.mux.Handle("POST /actions", s.withIdentity(deps.JWT, handleActions(deps.Action, log)))
	s.mux.Handle("GET /data", s.withIdentity(deps.JWT, handleData(deps.Data, log)))
	s.mux.Handle("GET /health", handleHealth(deps.Health))

	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// withIdentity authenticates the bearer token and attaches the resulting
// auth.Identity to the request context, per spec.md §5/§9: an unset
// identity must fail loudly, never fall through as an unscoped request.
func (s *Server) withIdentity(validator JWTValidator, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		requestID := requestIDFor(r)
		token := extractBearer(r)
		if token == "" {
			writeError(w, requestID, http.StatusUnauthorized, "unauthorized", "missing bearer token")
			return
		}
		id, err := validator.ValidateBearer(r.Context(), token)
		if err != nil {
			s.log.Warn("bearer validation failed", "error", err)
			writeError(w, requestID, http.StatusUnauthorized, "unauthorized", "invalid token")
			return
		}
		ctx := auth.WithIdentity(r.Context(), id)
		ctx = context.WithValue(ctx, requestIDKey{}, requestID)
		next(w, r.WithContext(ctx))
	}
}

type requestIDKey struct{}

func requestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func requestIDFor(r *http.Request) string {
	if v := r.Header.Get("X-Request-Id"); v != "" {
		return v
	}
	return uuid.NewString()
}

// requireUser reads the ambient user id attached by withIdentity. Every
// handler calls this rather than reading auth.IdentityFromContext
// directly, keeping the "unset identity is an error" rule in one place.
func requireUser(r *http.Request) (string, error) {
	return auth.RequireUser(r.Context())
}

func extractBearer(r *http.Request) string {
	v := r.Header.Get("Authorization")
	const prefix = "bearer "
	if len(v) < len(prefix) || !strings.EqualFold(v[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(v[len(prefix):])
}
