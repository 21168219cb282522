package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mira-run/mira/internal/auth"
	miraerrors "github.com/mira-run/mira/internal/mira/errors"
)

type stubJWT struct {
	identity auth.Identity
	err      error
}

func (s stubJWT) ValidateBearer(ctx context.Context, token string) (auth.Identity, error) {
	return s.identity, s.err
}

type stubChat struct {
	result ChatResult
	err    error
}

func (s stubChat) SendMessage(ctx context.Context, userID, continuumID, message string) (ChatResult, error) {
	return s.result, s.err
}

type stubActions struct {
	err error
}

func (s stubActions) Handle(ctx context.Context, userID, domain, action string, data json.RawMessage) (ActionResult, error) {
	if s.err != nil {
		return ActionResult{}, s.err
	}
	return ActionResult{Data: map[string]any{"collapsed": true}}, nil
}

type stubData struct{}

func (stubData) Read(ctx context.Context, userID string, dataType DataType, page Page) (DataPage, error) {
	return DataPage{Items: []any{"x"}, TotalCount: 1}, nil
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	return New(Deps{
		Chat:   stubChat{result: ChatResult{Response: "hi", Metadata: ChatMetadata{ToolsUsed: []string{"reminder"}}}},
		Action: stubActions{},
		Data:   stubData{},
		Health: nil,
		JWT:    stubJWT{identity: auth.Identity{UserID: "user-1"}},
	})
}

func doRequest(s *Server, method, path string, body any, bearer string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	return rec
}

func TestChat_HappyPath(t *testing.T) {
	s := newTestServer(t)
	rec := doRequest(s, http.MethodPost, "/chat", chatRequest{Message: "hello"}, "token")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var env envelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !env.Success {
		t.Fatalf("expected success, got error %+v", env.Error)
	}
}

func TestChat_MissingMessageField(t *testing.T) {
	s := newTestServer(t)
	rec := doRequest(s, http.MethodPost, "/chat", chatRequest{}, "token")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestChat_NoBearerToken(t *testing.T) {
	s := newTestServer(t)
	rec := doRequest(s, http.MethodPost, "/chat", chatRequest{Message: "hi"}, "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestChat_PermissionErrorMapsTo403(t *testing.T) {
	s := New(Deps{
		Chat: stubChat{err: miraerrors.ErrPermission},
		JWT:  stubJWT{identity: auth.Identity{UserID: "user-1"}},
	})
	rec := doRequest(s, http.MethodPost, "/chat", chatRequest{Message: "hi"}, "token")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}

func TestActions_UnknownDomainIs422(t *testing.T) {
	s := newTestServer(t)
	rec := doRequest(s, http.MethodPost, "/actions", actionRequest{Domain: "bogus", Action: "x"}, "token")
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rec.Code)
	}
}

func TestActions_PostponeCollapseOutOfRangeIs400(t *testing.T) {
	s := newTestServer(t)
	data, _ := json.Marshal(postponeCollapseData{Minutes: 5000})
	rec := doRequest(s, http.MethodPost, "/actions", actionRequest{
		Domain: "continuum", Action: "postpone_collapse", Data: data,
	}, "token")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestActions_PostponeCollapseInRangeSucceeds(t *testing.T) {
	s := newTestServer(t)
	data, _ := json.Marshal(postponeCollapseData{Minutes: 30})
	rec := doRequest(s, http.MethodPost, "/actions", actionRequest{
		Domain: "continuum", Action: "postpone_collapse", Data: data,
	}, "token")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

// TestActions_ErrSegmentNotActiveMapsTo404 covers only this package's
// error-to-status mapping; the end-to-end assertion that the real
// ActionRouter returns ErrSegmentNotActive for collapse_segment lives in
// internal/api's actions_http_test.go (this package cannot import
// internal/api without a cycle).
func TestActions_ErrSegmentNotActiveMapsTo404(t *testing.T) {
	s := New(Deps{
		Action: stubActions{err: ErrSegmentNotActive},
		JWT:    stubJWT{identity: auth.Identity{UserID: "user-1"}},
	})
	data, _ := json.Marshal(map[string]any{})
	rec := doRequest(s, http.MethodPost, "/actions", actionRequest{
		Domain: "continuum", Action: "collapse_segment", Data: data,
	}, "token")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestData_InvalidTypeIs400(t *testing.T) {
	s := newTestServer(t)
	rec := doRequest(s, http.MethodGet, "/data?type=bogus", nil, "token")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestData_ValidTypeSucceeds(t *testing.T) {
	s := newTestServer(t)
	rec := doRequest(s, http.MethodGet, "/data?type=history", nil, "token")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHealth_NoAuthRequired(t *testing.T) {
	s := newTestServer(t)
	rec := doRequest(s, http.MethodGet, "/health", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}
