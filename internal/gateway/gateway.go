// Package gateway is the streaming chat transport the external HTTP
// collaborator mounts next to the request/response handlers in
// internal/httpapi: one websocket per chat turn, text deltas forwarded as
// the ChatStreamer produces them, a final frame carrying the full reply and
// its metadata.
package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mira-run/mira/internal/auth"
)

const (
	wsWriteWait      = 10 * time.Second
	wsReadLimitBytes = 1 << 20
)

// Delta is one frame of a streamed chat turn. Text frames carry an
// incremental slice of the reply; the Done frame carries the assembled
// response and metadata.
type Delta struct {
	Text      string
	Done      bool
	Response  string
	ToolsUsed []string
}

// ChatStreamer runs one user turn and emits its reply incrementally. The
// returned channel is closed after the Done delta. Satisfied by cmd/mira's
// chatStreamAdapter, which runs the same synchronous engine that backs the
// request/response chat handler and emits the whole reply as one text
// delta followed by the Done delta.
type ChatStreamer interface {
	StreamMessage(ctx context.Context, userID, continuumID, message string) (<-chan Delta, error)
}

// TokenValidator resolves a bearer token to the ambient identity, same
// contract as the httpapi layer's JWT validation.
type TokenValidator interface {
	ValidateBearer(ctx context.Context, token string) (auth.Identity, error)
}

// Server upgrades chat requests to websocket connections and pumps stream
// deltas to the client.
type Server struct {
	streamer ChatStreamer
	tokens   TokenValidator
	log      *slog.Logger
	upgrader websocket.Upgrader
}

// New wires a streaming chat server. Origin checking is left permissive;
// the deployment's reverse proxy is responsible for origin policy, same as
// the rest of the HTTP surface.
func New(streamer ChatStreamer, tokens TokenValidator, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		streamer: streamer,
		tokens:   tokens,
		log:      log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

type chatFrame struct {
	Message     string `json:"message"`
	ContinuumID string `json:"continuum_id,omitempty"`
}

type deltaFrame struct {
	Type     string         `json:"type"` // "delta" | "done" | "error"
	Text     string         `json:"text,omitempty"`
	Response string         `json:"response,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Code     string         `json:"code,omitempty"`
	Message  string         `json:"message,omitempty"`
}

// HandleChat authenticates the request, upgrades it, reads one chat frame,
// and streams the reply. The bearer token arrives either as an
// Authorization header or, for browser websocket clients that cannot set
// headers, as a "token" query parameter.
func (s *Server) HandleChat(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		http.Error(w, "missing bearer token", http.StatusUnauthorized)
		return
	}
	id, err := s.tokens.ValidateBearer(r.Context(), token)
	if err != nil {
		s.log.Warn("gateway bearer validation failed", "error", err)
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written its own error response.
		s.log.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()
	conn.SetReadLimit(wsReadLimitBytes)

	ctx := auth.WithIdentity(r.Context(), id)
	log := s.log.With("user_id", id.UserID)

	var frame chatFrame
	if err := conn.ReadJSON(&frame); err != nil {
		s.writeFrame(conn, deltaFrame{Type: "error", Code: "invalid_json", Message: "chat frame is not valid JSON"})
		return
	}
	if frame.Message == "" {
		s.writeFrame(conn, deltaFrame{Type: "error", Code: "missing_field", Message: "message is required"})
		return
	}

	deltas, err := s.streamer.StreamMessage(ctx, id.UserID, frame.ContinuumID, frame.Message)
	if err != nil {
		log.Error("stream start failed", "error", err)
		s.writeFrame(conn, deltaFrame{Type: "error", Code: "stream_failed", Message: err.Error()})
		return
	}

	for delta := range deltas {
		if delta.Done {
			s.writeFrame(conn, deltaFrame{
				Type:     "done",
				Response: delta.Response,
				Metadata: map[string]any{"tools_used": delta.ToolsUsed},
			})
			return
		}
		if delta.Text == "" {
			continue
		}
		if !s.writeFrame(conn, deltaFrame{Type: "delta", Text: delta.Text}) {
			// Client went away; the engine keeps draining on its own.
			return
		}
	}
}

func (s *Server) writeFrame(conn *websocket.Conn, frame deltaFrame) bool {
	payload, err := json.Marshal(frame)
	if err != nil {
		return false
	}
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		s.log.Warn("websocket write failed", "error", err)
		return false
	}
	return true
}

func bearerToken(r *http.Request) string {
	if v := r.Header.Get("Authorization"); strings.HasPrefix(v, "Bearer ") {
		return strings.TrimPrefix(v, "Bearer ")
	}
	return r.URL.Query().Get("token")
}
