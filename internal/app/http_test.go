package app

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"leaflet/api/internal/store"
)

func doRequest(t *testing.T, server *HTTPServer, method, path, body string, asActor string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
	}
	if asActor != "" {
		req.Header.Set("X-Actor-ID", asActor)
	}
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)
	return rr
}

func decodeResponse(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("parse response: %v body=%s", err, rr.Body.String())
	}
	return payload
}

func TestHealthNeedsNoActor(t *testing.T) {
	server := NewHTTPServer(newTestService(&fakeStore{}), "*")
	rr := doRequest(t, server, http.MethodGet, "/api/health", "", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
}

func TestMissingActorIsUnauthorized(t *testing.T) {
	server := NewHTTPServer(newTestService(&fakeStore{}), "*")
	rr := doRequest(t, server, http.MethodGet, "/api/spaces", "", "")
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d body=%s", rr.Code, rr.Body.String())
	}
	payload := decodeResponse(t, rr)
	if payload["code"] != "UNAUTHORIZED" {
		t.Errorf("expected UNAUTHORIZED, got %v", payload["code"])
	}
}

func TestCreatePageEndpoint(t *testing.T) {
	var createdBy string
	fs := &fakeStore{
		createPageWithNodeFn: func(_ context.Context, page store.Page, _ store.TreeNode) error {
			createdBy = page.CreatedBy
			return nil
		},
		getPageFn: func(_ context.Context, pageID string) (store.Page, error) {
			return store.Page{ID: pageID, SpaceID: "sp_1", Title: "Guide", Slug: "guide"}, nil
		},
	}
	server := NewHTTPServer(newTestService(fs), "*")

	rr := doRequest(t, server, http.MethodPost, "/api/pages", `{"spaceId":"sp_1","title":"Guide"}`, "usr_1")
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d body=%s", rr.Code, rr.Body.String())
	}
	if createdBy != "usr_1" {
		t.Errorf("expected the actor header to become createdBy, got %q", createdBy)
	}
	payload := decodeResponse(t, rr)
	if payload["slug"] != "guide" {
		t.Errorf("expected slug guide, got %v", payload["slug"])
	}
}

func TestCreatePageRequiresSpaceID(t *testing.T) {
	server := NewHTTPServer(newTestService(&fakeStore{}), "*")
	rr := doRequest(t, server, http.MethodPost, "/api/pages", `{"title":"Guide"}`, "usr_1")
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d body=%s", rr.Code, rr.Body.String())
	}
}

func TestDraftConflictContract(t *testing.T) {
	fs := &fakeStore{
		updateDraftFn: func(context.Context, string, string, json.RawMessage, string) (store.Page, error) {
			return store.Page{ID: "pg_1", DraftToken: "tok-current"}, fmt.Errorf("draft precondition: %w", store.ErrDraftConflict)
		},
	}
	server := NewHTTPServer(newTestService(fs), "*")

	body := `{"content":{"type":"doc","content":[{"type":"paragraph"}]},"token":"tok-stale"}`
	rr := doRequest(t, server, http.MethodPut, "/api/pages/pg_1/draft", body, "usr_1")
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d body=%s", rr.Code, rr.Body.String())
	}
	payload := decodeResponse(t, rr)
	if payload["code"] != "CONFLICT" {
		t.Errorf("expected code CONFLICT, got %v", payload["code"])
	}
	details, _ := payload["details"].(map[string]any)
	if details["currentToken"] != "tok-current" {
		t.Errorf("expected currentToken in conflict details, got %v", payload["details"])
	}
}

func TestUnknownPageIs404(t *testing.T) {
	fs := &fakeStore{
		getPageFn: func(context.Context, string) (store.Page, error) {
			return store.Page{}, sql.ErrNoRows
		},
	}
	server := NewHTTPServer(newTestService(fs), "*")

	rr := doRequest(t, server, http.MethodGet, "/api/pages/pg_missing", "", "usr_1")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d body=%s", rr.Code, rr.Body.String())
	}
	payload := decodeResponse(t, rr)
	if payload["code"] != "NOT_FOUND" {
		t.Errorf("expected NOT_FOUND, got %v", payload["code"])
	}
}

func TestMoveEndpointMapsCycleError(t *testing.T) {
	pageA, pageB := "pg_a", "pg_b"
	fs := &fakeStore{
		getNodeFn: nodesByID(
			store.TreeNode{ID: "nd_root", SpaceID: "sp_1"},
			store.TreeNode{ID: "nd_a", SpaceID: "sp_1", PageID: &pageA, ParentID: strPtr("nd_root"), Position: 1024},
			store.TreeNode{ID: "nd_b", SpaceID: "sp_1", PageID: &pageB, ParentID: strPtr("nd_a"), Position: 1024},
		),
	}
	server := NewHTTPServer(newTestService(fs), "*")

	rr := doRequest(t, server, http.MethodPost, "/api/tree/node/nd_a/move", `{"parentId":"nd_b"}`, "usr_1")
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d body=%s", rr.Code, rr.Body.String())
	}
	payload := decodeResponse(t, rr)
	if payload["code"] != "CIRCULAR_REFERENCE" {
		t.Errorf("expected CIRCULAR_REFERENCE, got %v", payload["code"])
	}
}

func TestSearchEndpointReturnsEnvelope(t *testing.T) {
	server := NewHTTPServer(newTestService(&fakeStore{}), "*")
	rr := doRequest(t, server, http.MethodGet, "/api/search?q=welcome&spaceId=sp_1", "", "usr_1")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	payload := decodeResponse(t, rr)
	if _, ok := payload["results"]; !ok {
		t.Errorf("expected a results field, got %v", payload)
	}
}

func TestRequestIDPropagates(t *testing.T) {
	server := NewHTTPServer(newTestService(&fakeStore{}), "*")
	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	req.Header.Set("X-Request-ID", "req-123")
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	if got := rr.Header().Get("X-Request-ID"); got != "req-123" {
		t.Errorf("expected request id to echo back, got %q", got)
	}
}
