package app

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func doJSON(t *testing.T, server *HTTPServer, method, path, token, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader *strings.Reader
	if body != "" {
		reader = strings.NewReader(body)
	} else {
		reader = strings.NewReader("")
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	var payload map[string]any
	if rr.Body.Len() > 0 {
		if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
			t.Fatalf("%s %s: failed to parse response %q: %v", method, path, rr.Body.String(), err)
		}
	}
	return rr, payload
}

func startSessionHTTP(t *testing.T, server *HTTPServer, token, mode string) string {
	t.Helper()
	rr, payload := doJSON(t, server, http.MethodPost, "/api/sessions", token,
		`{"artifactRef":"docs/readme","mode":"`+mode+`"}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("start session: expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	session, _ := payload["session"].(map[string]any)
	id, _ := session["id"].(string)
	if id == "" {
		t.Fatalf("start session: missing id in %v", payload)
	}
	return id
}

func TestSessionLifecycleOverHTTP(t *testing.T) {
	store := newFakeArchive()
	svc, artifacts := newTestService(t, store)
	server := NewHTTPServer(svc, "*")

	owner := loginToken(t, server, "Owner")
	sessionID := startSessionHTTP(t, server, owner, "live")

	rr, payload := doJSON(t, server, http.MethodGet, "/api/sessions", owner, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("list sessions: expected 200, got %d", rr.Code)
	}
	if sessions, _ := payload["sessions"].([]any); len(sessions) != 1 {
		t.Errorf("expected 1 active session, got %v", payload["sessions"])
	}

	rr, _ = doJSON(t, server, http.MethodPost, "/api/sessions/"+sessionID+"/edits", owner,
		`{"basisVersion":0,"payload":{"kind":"full-snapshot","content":"line one\nline two"}}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("submit edit: expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	rr, payload = doJSON(t, server, http.MethodGet, "/api/sessions/"+sessionID+"/edits?since=0", owner, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("drain edits: expected 200, got %d", rr.Code)
	}
	if edits, _ := payload["edits"].([]any); len(edits) != 1 {
		t.Errorf("expected 1 drained edit, got %v", payload["edits"])
	}

	rr, payload = doJSON(t, server, http.MethodPost, "/api/sessions/"+sessionID+"/end", owner, `{}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("end session: expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	merge, _ := payload["merge"].(map[string]any)
	if merge["success"] != true {
		t.Errorf("expected merge success, got %v", payload["merge"])
	}

	if got, _ := artifacts.Read(t.Context(), "docs/readme"); got != "line one\nline two" {
		t.Errorf("expected merged artifact content, got %q", got)
	}

	deadline := time.Now().Add(2 * time.Second)
	for store.archivedCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	rr, payload = doJSON(t, server, http.MethodGet, "/api/archive/"+sessionID, owner, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("get archived session: expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	session, _ := payload["session"].(map[string]any)
	if session["status"] != "completed" {
		t.Errorf("expected archived status completed, got %v", session["status"])
	}
}

func TestStartValidationOverHTTP(t *testing.T) {
	svc, _ := newTestService(t, newFakeArchive())
	server := NewHTTPServer(svc, "*")
	token := loginToken(t, server, "Owner")

	rr, payload := doJSON(t, server, http.MethodPost, "/api/sessions", token, `{"mode":"live"}`)
	if rr.Code != http.StatusUnprocessableEntity {
		t.Errorf("missing artifactRef: expected 422, got %d", rr.Code)
	}
	if payload["code"] != "VALIDATION_ERROR" {
		t.Errorf("expected VALIDATION_ERROR, got %v", payload["code"])
	}

	rr, payload = doJSON(t, server, http.MethodPost, "/api/sessions", token,
		`{"artifactRef":"docs/readme","mode":"free-for-all"}`)
	if rr.Code != http.StatusUnprocessableEntity {
		t.Errorf("bad mode: expected 422, got %d", rr.Code)
	}
	if payload["code"] != "INVALID_MODE" {
		t.Errorf("expected INVALID_MODE, got %v", payload["code"])
	}
}

func TestUnknownSessionReturns404(t *testing.T) {
	svc, _ := newTestService(t, newFakeArchive())
	server := NewHTTPServer(svc, "*")
	token := loginToken(t, server, "Owner")

	rr, payload := doJSON(t, server, http.MethodGet, "/api/sessions/sess_missing", token, "")
	if rr.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rr.Code)
	}
	if payload["code"] != "SESSION_NOT_FOUND" {
		t.Errorf("expected SESSION_NOT_FOUND, got %v", payload["code"])
	}
}

func TestObserverCannotEditOverHTTP(t *testing.T) {
	svc, _ := newTestService(t, newFakeArchive())
	server := NewHTTPServer(svc, "*")

	owner := loginToken(t, server, "Owner")
	observer := loginToken(t, server, "Watcher")
	sessionID := startSessionHTTP(t, server, owner, "live")

	rr, _ := doJSON(t, server, http.MethodPost, "/api/sessions/"+sessionID+"/join", observer, `{"role":"observer"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("join: expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	rr, payload := doJSON(t, server, http.MethodPost, "/api/sessions/"+sessionID+"/edits", observer,
		`{"basisVersion":0,"payload":{"kind":"full-snapshot","content":"sneaky"}}`)
	if rr.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %d", rr.Code)
	}
	if payload["code"] != "PERMISSION_DENIED" {
		t.Errorf("expected PERMISSION_DENIED, got %v", payload["code"])
	}
}

func TestEndRequiresOwnerOverHTTP(t *testing.T) {
	svc, _ := newTestService(t, newFakeArchive())
	server := NewHTTPServer(svc, "*")

	owner := loginToken(t, server, "Owner")
	editor := loginToken(t, server, "Helper")
	sessionID := startSessionHTTP(t, server, owner, "live")

	rr, _ := doJSON(t, server, http.MethodPost, "/api/sessions/"+sessionID+"/join", editor, `{"role":"editor"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("join: expected 200, got %d", rr.Code)
	}

	rr, payload := doJSON(t, server, http.MethodPost, "/api/sessions/"+sessionID+"/end", editor, `{}`)
	if rr.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %d", rr.Code)
	}
	if payload["code"] != "PERMISSION_DENIED" {
		t.Errorf("expected PERMISSION_DENIED, got %v", payload["code"])
	}
}

func TestTurnFlowOverHTTP(t *testing.T) {
	svc, _ := newTestService(t, newFakeArchive())
	server := NewHTTPServer(svc, "*")

	owner := loginToken(t, server, "Owner")
	editor := loginToken(t, server, "Helper")
	sessionID := startSessionHTTP(t, server, owner, "turn-based")

	rr, _ := doJSON(t, server, http.MethodPost, "/api/sessions/"+sessionID+"/join", editor, `{"role":"editor"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("join: expected 200, got %d", rr.Code)
	}

	rr, payload := doJSON(t, server, http.MethodPost, "/api/sessions/"+sessionID+"/edits", editor,
		`{"basisVersion":0,"payload":{"kind":"full-snapshot","content":"without turn"}}`)
	if rr.Code != http.StatusConflict {
		t.Errorf("edit without turn: expected 409, got %d", rr.Code)
	}
	if payload["code"] != "NOT_YOUR_TURN" {
		t.Errorf("expected NOT_YOUR_TURN, got %v", payload["code"])
	}

	rr, payload = doJSON(t, server, http.MethodPost, "/api/sessions/"+sessionID+"/turn", editor, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("acquire turn: expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	turn, _ := payload["turn"].(map[string]any)
	if turn["holderId"] != "u_helper" {
		t.Errorf("expected holder u_helper, got %v", payload["turn"])
	}

	rr, _ = doJSON(t, server, http.MethodPost, "/api/sessions/"+sessionID+"/edits", editor,
		`{"basisVersion":0,"payload":{"kind":"full-snapshot","content":"with turn"}}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("edit with turn: expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	rr, _ = doJSON(t, server, http.MethodDelete, "/api/sessions/"+sessionID+"/turn", editor, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("release turn: expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestReviewApprovalOverHTTP(t *testing.T) {
	svc, _ := newTestService(t, newFakeArchive())
	server := NewHTTPServer(svc, "*")

	owner := loginToken(t, server, "Owner")
	editor := loginToken(t, server, "Author")
	reviewer := loginToken(t, server, "Checker")
	sessionID := startSessionHTTP(t, server, owner, "review")

	for _, tok := range []struct {
		token string
		role  string
	}{{editor, "editor"}, {reviewer, "reviewer"}} {
		rr, _ := doJSON(t, server, http.MethodPost, "/api/sessions/"+sessionID+"/join", tok.token, `{"role":"`+tok.role+`"}`)
		if rr.Code != http.StatusOK {
			t.Fatalf("join as %s: expected 200, got %d", tok.role, rr.Code)
		}
	}

	rr, payload := doJSON(t, server, http.MethodPost, "/api/sessions/"+sessionID+"/edits", editor,
		`{"basisVersion":0,"payload":{"kind":"full-snapshot","content":"proposed"}}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("stage edit: expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	edit, _ := payload["edit"].(map[string]any)
	editID, _ := edit["id"].(string)
	if editID == "" {
		t.Fatalf("missing edit id in %v", payload)
	}
	if edit["resultingVersion"] != float64(0) {
		t.Errorf("staged edit should carry version 0, got %v", edit["resultingVersion"])
	}

	rr, payload = doJSON(t, server, http.MethodGet, "/api/sessions/"+sessionID+"/edits?pending=true", reviewer, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("pending edits: expected 200, got %d", rr.Code)
	}
	if pending, _ := payload["edits"].([]any); len(pending) != 1 {
		t.Errorf("expected 1 pending edit, got %v", payload["edits"])
	}

	rr, payload = doJSON(t, server, http.MethodPost, "/api/sessions/"+sessionID+"/edits/"+editID+"/approve", reviewer, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("approve: expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	approved, _ := payload["edit"].(map[string]any)
	if approved["resultingVersion"] != float64(1) {
		t.Errorf("expected approved version 1, got %v", approved["resultingVersion"])
	}
	if approved["approvedBy"] != "u_checker" {
		t.Errorf("expected approver u_checker, got %v", approved["approvedBy"])
	}
}

func TestArtifactWriteThenSessionOverHTTP(t *testing.T) {
	svc, _ := newTestService(t, newFakeArchive())
	server := NewHTTPServer(svc, "*")
	token := loginToken(t, server, "Owner")

	rr, payload := doJSON(t, server, http.MethodGet, "/api/artifacts/docs/new-doc", token, "")
	if rr.Code != http.StatusNotFound {
		t.Errorf("read missing artifact: expected 404, got %d", rr.Code)
	}

	rr, _ = doJSON(t, server, http.MethodPut, "/api/artifacts/docs/new-doc", token, `{"content":"seed text"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("write artifact: expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	rr, payload = doJSON(t, server, http.MethodGet, "/api/artifacts/docs/new-doc", token, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("read artifact: expected 200, got %d", rr.Code)
	}
	if payload["content"] != "seed text" {
		t.Errorf("expected seed text, got %v", payload["content"])
	}

	rr, payload = doJSON(t, server, http.MethodPost, "/api/sessions", token,
		`{"artifactRef":"docs/new-doc","mode":"live"}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("start over new artifact: expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	session, _ := payload["session"].(map[string]any)
	if session["version"] != float64(0) {
		t.Errorf("expected fresh session at version 0, got %v", session["version"])
	}
}

func TestExportFormatValidationOverHTTP(t *testing.T) {
	svc, _ := newTestService(t, newFakeArchive())
	server := NewHTTPServer(svc, "*")
	token := loginToken(t, server, "Owner")

	rr, payload := doJSON(t, server, http.MethodGet, "/api/archive/sess_x/export?format=txt", token, "")
	if rr.Code != http.StatusUnprocessableEntity {
		t.Errorf("expected 422, got %d", rr.Code)
	}
	if payload["code"] != "VALIDATION_ERROR" {
		t.Errorf("expected VALIDATION_ERROR, got %v", payload["code"])
	}
}

func TestExportHTMLOverHTTP(t *testing.T) {
	store := newFakeArchive()
	svc, _ := newTestService(t, store)
	server := NewHTTPServer(svc, "*")
	token := loginToken(t, server, "Owner")

	sessionID := startSessionHTTP(t, server, token, "live")
	doJSON(t, server, http.MethodPost, "/api/sessions/"+sessionID+"/edits", token,
		`{"basisVersion":0,"payload":{"kind":"full-snapshot","content":"exported text"}}`)
	doJSON(t, server, http.MethodPost, "/api/sessions/"+sessionID+"/end", token, `{}`)

	deadline := time.Now().Add(2 * time.Second)
	for store.archivedCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/archive/"+sessionID+"/export?format=html", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if ct := rr.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Errorf("expected text/html content type, got %q", ct)
	}
	if !strings.Contains(rr.Body.String(), "exported text") {
		t.Errorf("expected transcript to contain final content")
	}
}
