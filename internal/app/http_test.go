package app

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"healmycity/api/internal/auth"
	"healmycity/api/internal/store"
	"healmycity/api/internal/workflow"
)

func tokenFor(t *testing.T, userID, role string) string {
	t.Helper()
	token, err := auth.IssueToken([]byte("test-secret"), auth.Claims{
		Sub:  userID,
		Name: "Test User",
		Role: role,
		JTI:  "jti-" + userID,
		Exp:  time.Now().Add(time.Hour).Unix(),
	})
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return token
}

func doRequest(t *testing.T, server *HTTPServer, method, path, token string, body io.Reader, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)
	return rr
}

func decodeResponse(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("parse response %q: %v", rr.Body.String(), err)
	}
	return payload
}

func TestRoutesRequireAuth(t *testing.T) {
	server := NewHTTPServer(newTestService(&fakeStore{}), "*")

	for _, path := range []string{"/api/feed", "/api/my/issues", "/api/triage", "/api/reports/rpt_1"} {
		rr := doRequest(t, server, http.MethodGet, path, "", nil, "")
		if rr.Code != http.StatusUnauthorized {
			t.Errorf("GET %s without token = %d, want 401", path, rr.Code)
		}
	}

	rr := doRequest(t, server, http.MethodGet, "/api/feed", "not-a-token", nil, "")
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("garbage token = %d, want 401", rr.Code)
	}
}

func TestFeedEndpoint(t *testing.T) {
	fs := &fakeStore{
		listIssuesFn: func(context.Context) ([]store.Issue, error) { return feedFixture(), nil },
		listVotedIssueIDsFn: func(context.Context, string) ([]string, error) {
			return []string{"iss_b"}, nil
		},
	}
	server := NewHTTPServer(newTestService(fs), "*")

	rr := doRequest(t, server, http.MethodGet, "/api/feed", tokenFor(t, "usr_1", "citizen"), nil, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rr.Code, rr.Body.String())
	}

	payload := decodeResponse(t, rr)
	issues := payload["issues"].([]any)
	if len(issues) != 3 {
		t.Fatalf("issues = %v", issues)
	}
	first := issues[0].(map[string]any)
	if first["id"] != "iss_b" || first["userVoted"] != true {
		t.Fatalf("first = %v", first)
	}
}

func TestFeedRejectsBadPage(t *testing.T) {
	server := NewHTTPServer(newTestService(&fakeStore{}), "*")
	rr := doRequest(t, server, http.MethodGet, "/api/feed?page=abc", tokenFor(t, "usr_1", "citizen"), nil, "")
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d", rr.Code)
	}
}

func TestVoteEndpointToggles(t *testing.T) {
	fs := &fakeStore{
		hasVotedFn: func(context.Context, string, string) (bool, error) { return false, nil },
		castVoteFn: func(context.Context, string, string) (int, error) { return 3, nil },
	}
	server := NewHTTPServer(newTestService(fs), "*")

	rr := doRequest(t, server, http.MethodPost, "/api/issues/iss_1/vote", tokenFor(t, "usr_1", "citizen"), nil, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rr.Code, rr.Body.String())
	}

	payload := decodeResponse(t, rr)
	if payload["voted"] != true || payload["upvoteCount"] != float64(3) {
		t.Fatalf("payload = %v", payload)
	}
}

func TestVoteConflictSurfacesCode(t *testing.T) {
	fs := &fakeStore{
		castVoteFn: func(context.Context, string, string) (int, error) { return 0, store.ErrAlreadyVoted },
	}
	server := NewHTTPServer(newTestService(fs), "*")

	rr := doRequest(t, server, http.MethodPost, "/api/issues/iss_1/vote", tokenFor(t, "usr_1", "citizen"), nil, "")
	if rr.Code != http.StatusConflict {
		t.Fatalf("status = %d", rr.Code)
	}
	if payload := decodeResponse(t, rr); payload["code"] != "ALREADY_VOTED" {
		t.Fatalf("payload = %v", payload)
	}
}

func TestTriageIsAdminOnly(t *testing.T) {
	server := NewHTTPServer(newTestService(&fakeStore{}), "*")

	rr := doRequest(t, server, http.MethodGet, "/api/triage", tokenFor(t, "usr_1", "citizen"), nil, "")
	if rr.Code != http.StatusForbidden {
		t.Fatalf("citizen status = %d", rr.Code)
	}

	rr = doRequest(t, server, http.MethodGet, "/api/triage", tokenFor(t, "usr_9", "admin"), nil, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("admin status = %d: %s", rr.Code, rr.Body.String())
	}
}

func TestSummaryIsAdminOnly(t *testing.T) {
	server := NewHTTPServer(newTestService(&fakeStore{}), "*")

	rr := doRequest(t, server, http.MethodGet, "/api/summary", tokenFor(t, "usr_1", "citizen"), nil, "")
	if rr.Code != http.StatusForbidden {
		t.Fatalf("citizen status = %d", rr.Code)
	}
}

func TestStatusEndpoint(t *testing.T) {
	fs := &fakeStore{
		updateIssueStatusFn: func(_ context.Context, id string, next workflow.Status) (store.Issue, error) {
			return store.Issue{ID: id, Status: next}, nil
		},
	}
	server := NewHTTPServer(newTestService(fs), "*")
	body := strings.NewReader(`{"status":"in_progress"}`)

	rr := doRequest(t, server, http.MethodPut, "/api/issues/iss_1/status", tokenFor(t, "usr_9", "admin"), body, "application/json")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rr.Code, rr.Body.String())
	}
	if payload := decodeResponse(t, rr); payload["status"] != "in_progress" {
		t.Fatalf("payload = %v", payload)
	}

	rr = doRequest(t, server, http.MethodPut, "/api/issues/iss_1/status", tokenFor(t, "usr_1", "citizen"), strings.NewReader(`{"status":"resolved"}`), "application/json")
	if rr.Code != http.StatusForbidden {
		t.Fatalf("citizen status = %d", rr.Code)
	}
}

func TestStatusEndpointInvalidTransition(t *testing.T) {
	fs := &fakeStore{
		updateIssueStatusFn: func(context.Context, string, workflow.Status) (store.Issue, error) {
			return store.Issue{}, workflow.ErrInvalidTransition
		},
	}
	server := NewHTTPServer(newTestService(fs), "*")
	body := strings.NewReader(`{"status":"open"}`)

	rr := doRequest(t, server, http.MethodPut, "/api/issues/iss_1/status", tokenFor(t, "usr_9", "admin"), body, "application/json")
	if rr.Code != http.StatusConflict {
		t.Fatalf("status = %d", rr.Code)
	}
	if payload := decodeResponse(t, rr); payload["code"] != "INVALID_TRANSITION" {
		t.Fatalf("payload = %v", payload)
	}
}

func TestIssueNotFound(t *testing.T) {
	server := NewHTTPServer(newTestService(&fakeStore{}), "*")
	rr := doRequest(t, server, http.MethodGet, "/api/issues/iss_missing", tokenFor(t, "usr_1", "citizen"), nil, "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rr.Code)
	}
}

func multipartReport(t *testing.T, filename, latitude, longitude string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	if filename != "" {
		part, err := writer.CreateFormFile("file", filename)
		if err != nil {
			t.Fatalf("create form file: %v", err)
		}
		if _, err := part.Write([]byte("jpeg-bytes")); err != nil {
			t.Fatalf("write form file: %v", err)
		}
	}
	_ = writer.WriteField("latitude", latitude)
	_ = writer.WriteField("longitude", longitude)
	if err := writer.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}
	return &buf, writer.FormDataContentType()
}

func TestReportIntakeOverHTTP(t *testing.T) {
	var inserted store.NewIssue
	fs := &fakeStore{
		insertIssueFn: func(_ context.Context, in store.NewIssue) (store.Issue, error) {
			inserted = in
			return store.Issue{ID: "iss_new", Title: in.Title, Status: workflow.StatusOpen}, nil
		},
	}
	server := NewHTTPServer(newTestService(fs), "*")
	token := tokenFor(t, "usr_1", "citizen")

	body, contentType := multipartReport(t, "pothole.jpg", "51.5", "-0.12")
	rr := doRequest(t, server, http.MethodPost, "/api/reports", token, body, contentType)
	if rr.Code != http.StatusCreated {
		t.Fatalf("start status = %d: %s", rr.Code, rr.Body.String())
	}
	reportID := decodeResponse(t, rr)["id"].(string)

	rr = doRequest(t, server, http.MethodPost, "/api/reports/"+reportID+"/analyze", token, nil, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("analyze status = %d: %s", rr.Code, rr.Body.String())
	}
	payload := decodeResponse(t, rr)
	if payload["state"] != "confirming" {
		t.Fatalf("payload = %v", payload)
	}
	analysis := payload["analysis"].(map[string]any)
	if analysis["title"] != "Pothole on Main St" {
		t.Fatalf("analysis = %v", analysis)
	}

	rr = doRequest(t, server, http.MethodPost, "/api/reports/"+reportID+"/confirm", token,
		strings.NewReader(`{"description":"Edited description"}`), "application/json")
	if rr.Code != http.StatusCreated {
		t.Fatalf("confirm status = %d: %s", rr.Code, rr.Body.String())
	}
	if inserted.Description != "Edited description" || inserted.Title != "Pothole on Main St" {
		t.Fatalf("inserted = %+v", inserted)
	}
}

func TestReportStartRequiresFile(t *testing.T) {
	server := NewHTTPServer(newTestService(&fakeStore{}), "*")
	body, contentType := multipartReport(t, "", "51.5", "-0.12")

	rr := doRequest(t, server, http.MethodPost, "/api/reports", tokenFor(t, "usr_1", "citizen"), body, contentType)
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d", rr.Code)
	}
}

func TestReportStartRequiresCoordinates(t *testing.T) {
	server := NewHTTPServer(newTestService(&fakeStore{}), "*")
	body, contentType := multipartReport(t, "a.jpg", "not-a-number", "-0.12")

	rr := doRequest(t, server, http.MethodPost, "/api/reports", tokenFor(t, "usr_1", "citizen"), body, contentType)
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d", rr.Code)
	}
}

func TestCancelReportOverHTTP(t *testing.T) {
	server := NewHTTPServer(newTestService(&fakeStore{}), "*")
	token := tokenFor(t, "usr_1", "citizen")

	body, contentType := multipartReport(t, "a.jpg", "1", "2")
	rr := doRequest(t, server, http.MethodPost, "/api/reports", token, body, contentType)
	if rr.Code != http.StatusCreated {
		t.Fatalf("start status = %d", rr.Code)
	}
	reportID := decodeResponse(t, rr)["id"].(string)

	rr = doRequest(t, server, http.MethodPost, "/api/reports/"+reportID+"/cancel", token, nil, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("cancel status = %d: %s", rr.Code, rr.Body.String())
	}
	if payload := decodeResponse(t, rr); payload["state"] != "capturing" || payload["hasImage"] != false {
		t.Fatalf("payload = %v", payload)
	}
}
