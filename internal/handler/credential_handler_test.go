package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hitoshi/certforge/internal/issuance"
	"github.com/hitoshi/certforge/internal/model"
)

// --- POST /api/credentials/issue ---

func TestCredentialHandler_Issue_Issued(t *testing.T) {
	issuedAt := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	issuer := &mockIssuer{
		issueFn: func(ctx context.Context, studentID, moduleID string) (*issuance.Result, error) {
			if studentID != testStudent.ID {
				t.Errorf("studentID = %q, want %q", studentID, testStudent.ID)
			}
			if moduleID != testModuleID {
				t.Errorf("moduleID = %q, want %q", moduleID, testModuleID)
			}
			return &issuance.Result{
				Status: model.IssueStatusIssued,
				Credential: &model.Credential{
					ID: testCredentialID, StudentID: studentID, ModuleID: moduleID, IssuedAt: issuedAt,
				},
			}, nil
		},
	}
	h := NewCredentialHandler(issuer, &mockCredentialService{})

	req := withPrincipal(jsonRequest(http.MethodPost, "/api/credentials/issue", `{"moduleId":"`+testModuleID+`"}`), testStudent)
	w := httptest.NewRecorder()
	h.Issue(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusCreated)
	}
	var resp issueResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != model.IssueStatusIssued {
		t.Errorf("status = %q", resp.Status)
	}
	if resp.Credential == nil || resp.Credential.ID != testCredentialID || !resp.Credential.Pending {
		t.Errorf("credential = %+v", resp.Credential)
	}
	if !resp.Credential.IssuedAt.Equal(issuedAt) {
		t.Errorf("issuedAt = %v, want %v", resp.Credential.IssuedAt, issuedAt)
	}
}

func TestCredentialHandler_Issue_NotEligibleAndAlreadyIssued(t *testing.T) {
	tests := []struct {
		status     model.IssueStatus
		credential *model.Credential
	}{
		{status: model.IssueStatusNotEligible},
		{status: model.IssueStatusAlreadyIssued, credential: &model.Credential{ID: testCredentialID}},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			issuer := &mockIssuer{
				issueFn: func(ctx context.Context, studentID, moduleID string) (*issuance.Result, error) {
					return &issuance.Result{Status: tt.status, Credential: tt.credential}, nil
				},
			}
			h := NewCredentialHandler(issuer, &mockCredentialService{})

			req := withPrincipal(jsonRequest(http.MethodPost, "/api/credentials/issue", `{"moduleId":"`+testModuleID+`"}`), testStudent)
			w := httptest.NewRecorder()
			h.Issue(w, req)

			if w.Code != http.StatusOK {
				t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
			}
			var resp map[string]any
			json.NewDecoder(w.Body).Decode(&resp)
			if resp["status"] != string(tt.status) {
				t.Errorf("status = %v, want %q", resp["status"], tt.status)
			}
			if _, ok := resp["credential"]; ok != (tt.credential != nil) {
				t.Errorf("credential present = %v", ok)
			}
		})
	}
}

func TestCredentialHandler_Issue_ForOtherStudent(t *testing.T) {
	called := false
	issuer := &mockIssuer{
		issueFn: func(ctx context.Context, studentID, moduleID string) (*issuance.Result, error) {
			called = true
			return &issuance.Result{Status: model.IssueStatusNotEligible}, nil
		},
	}
	h := NewCredentialHandler(issuer, &mockCredentialService{})
	body := `{"studentId":"` + testOther.ID + `","moduleId":"` + testModuleID + `"}`

	w := httptest.NewRecorder()
	h.Issue(w, withPrincipal(jsonRequest(http.MethodPost, "/api/credentials/issue", body), testStudent))
	if w.Code != http.StatusForbidden {
		t.Errorf("student for other: status = %d, want %d", w.Code, http.StatusForbidden)
	}
	if called {
		t.Error("issuer should not be called for forbidden request")
	}

	w = httptest.NewRecorder()
	h.Issue(w, withPrincipal(jsonRequest(http.MethodPost, "/api/credentials/issue", body), testAdmin))
	if w.Code != http.StatusOK {
		t.Errorf("admin for other: status = %d, want %d", w.Code, http.StatusOK)
	}
}

func TestCredentialHandler_Issue_InvalidRequest(t *testing.T) {
	h := NewCredentialHandler(&mockIssuer{}, &mockCredentialService{})

	bodies := []string{
		`not json`,
		`{}`,
		`{"moduleId":""}`,
		`{"moduleId":"abc"}`,
		`{"moduleId":"` + testModuleID + `","studentId":"not-a-uuid"}`,
	}
	for _, body := range bodies {
		w := httptest.NewRecorder()
		h.Issue(w, withPrincipal(jsonRequest(http.MethodPost, "/api/credentials/issue", body), testStudent))
		if w.Code != http.StatusBadRequest {
			t.Errorf("body %q: status = %d, want %d", body, w.Code, http.StatusBadRequest)
		}
		if got := parseAPIErrorResponse(t, w)["code"]; got != model.ErrCodeInvalidRequest {
			t.Errorf("body %q: code = %q", body, got)
		}
	}
}

func TestCredentialHandler_Issue_ServiceErrors(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantRetry  bool
	}{
		{"module not found", model.NewModuleNotFoundError("m"), http.StatusNotFound, false},
		{"no units", model.NewModuleHasNoUnitsError("m"), http.StatusUnprocessableEntity, false},
		{"evaluator unavailable", model.NewEvaluatorUnavailableError(errors.New("timeout")), http.StatusServiceUnavailable, true},
		{"store unavailable", model.NewStoreUnavailableError(errors.New("down")), http.StatusServiceUnavailable, true},
		{"plain error", errors.New("boom"), http.StatusInternalServerError, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			issuer := &mockIssuer{
				issueFn: func(ctx context.Context, studentID, moduleID string) (*issuance.Result, error) {
					return nil, tt.err
				},
			}
			h := NewCredentialHandler(issuer, &mockCredentialService{})

			w := httptest.NewRecorder()
			h.Issue(w, withPrincipal(jsonRequest(http.MethodPost, "/api/credentials/issue", `{"moduleId":"`+testModuleID+`"}`), testStudent))

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if got := w.Header().Get("Retry-After") != ""; got != tt.wantRetry {
				t.Errorf("Retry-After present = %v, want %v", got, tt.wantRetry)
			}
			if strings.Contains(w.Body.String(), "timeout") || strings.Contains(w.Body.String(), "boom") {
				t.Errorf("cause leaked in body: %s", w.Body.String())
			}
		})
	}
}

func TestCredentialHandler_Issue_NoPrincipal(t *testing.T) {
	h := NewCredentialHandler(&mockIssuer{}, &mockCredentialService{})

	w := httptest.NewRecorder()
	h.Issue(w, jsonRequest(http.MethodPost, "/api/credentials/issue", `{"moduleId":"`+testModuleID+`"}`))
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
}

// --- GET /api/credentials ---

func TestCredentialHandler_List(t *testing.T) {
	svc := &mockCredentialService{
		listFn: func(ctx context.Context, caller *model.Principal, studentID string) ([]*model.Credential, error) {
			if caller.ID != testAdmin.ID {
				t.Errorf("caller = %q", caller.ID)
			}
			if studentID != testStudent.ID {
				t.Errorf("studentID = %q, want %q", studentID, testStudent.ID)
			}
			return []*model.Credential{
				{ID: "c-2", StudentID: studentID, ArtifactPath: "certificates/c-2.pdf"},
				{ID: "c-1", StudentID: studentID},
			}, nil
		},
	}
	h := NewCredentialHandler(&mockIssuer{}, svc)

	req := withPrincipal(httptest.NewRequest(http.MethodGet, "/api/credentials?student_id="+testStudent.ID, nil), testAdmin)
	w := httptest.NewRecorder()
	h.List(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var resp credentialListResponse
	json.NewDecoder(w.Body).Decode(&resp)
	if len(resp.Credentials) != 2 {
		t.Fatalf("len = %d, want 2", len(resp.Credentials))
	}
	if resp.Credentials[0].ID != "c-2" || resp.Credentials[0].Pending {
		t.Errorf("first = %+v", resp.Credentials[0])
	}
	if !resp.Credentials[1].Pending {
		t.Errorf("second should be pending")
	}
}

// 不正なstudent_idはストア障害(503)ではなく400になり、サービスは呼ばれない
func TestCredentialHandler_List_InvalidStudentID(t *testing.T) {
	called := false
	svc := &mockCredentialService{
		listFn: func(ctx context.Context, caller *model.Principal, studentID string) ([]*model.Credential, error) {
			called = true
			return nil, model.NewStoreUnavailableError(errors.New("22P02"))
		},
	}
	h := NewCredentialHandler(&mockIssuer{}, svc)

	w := httptest.NewRecorder()
	h.List(w, withPrincipal(httptest.NewRequest(http.MethodGet, "/api/credentials?student_id=abc", nil), testAdmin))

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
	if w.Header().Get("Retry-After") != "" {
		t.Error("Retry-After should not be set for a malformed id")
	}
	if got := parseAPIErrorResponse(t, w)["code"]; got != model.ErrCodeInvalidRequest {
		t.Errorf("code = %q", got)
	}
	if called {
		t.Error("service should not be called for a malformed id")
	}
}

func TestCredentialHandler_List_Empty(t *testing.T) {
	h := NewCredentialHandler(&mockIssuer{}, &mockCredentialService{})

	w := httptest.NewRecorder()
	h.List(w, withPrincipal(httptest.NewRequest(http.MethodGet, "/api/credentials", nil), testStudent))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if body := strings.TrimSpace(w.Body.String()); body != `{"credentials":[]}` {
		t.Errorf("body = %s", body)
	}
}

// --- GET /api/credentials/{id} ---

func TestCredentialHandler_Get(t *testing.T) {
	svc := &mockCredentialService{
		getFn: func(ctx context.Context, caller *model.Principal, id string) (*model.Credential, error) {
			if caller.ID == testOther.ID {
				return nil, model.NewForbiddenError()
			}
			return &model.Credential{ID: id, StudentID: testStudent.ID}, nil
		},
	}
	h := NewCredentialHandler(&mockIssuer{}, svc)

	tests := []struct {
		name       string
		caller     *model.Principal
		id         string
		wantStatus int
	}{
		{"owner", testStudent, testCredentialID, http.StatusOK},
		{"other", testOther, testCredentialID, http.StatusForbidden},
		{"malformed id", testStudent, "not-a-uuid", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/credentials/"+tt.id, nil)
			req = withChiURLParam(withPrincipal(req, tt.caller), "id", tt.id)
			w := httptest.NewRecorder()
			h.Get(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
		})
	}
}

// --- GET /api/credentials/{id}/download ---

func TestCredentialHandler_Download_StreamsPDF(t *testing.T) {
	pdf := "%PDF-1.7\nbody"
	svc := &mockCredentialService{
		downloadFn: func(ctx context.Context, caller *model.Principal, id string) (io.ReadCloser, *model.Credential, error) {
			return io.NopCloser(strings.NewReader(pdf)), &model.Credential{
				ID: id, StudentID: caller.ID, ArtifactPath: "certificates/2026/cert-abc.pdf",
			}, nil
		},
	}
	h := NewCredentialHandler(&mockIssuer{}, svc)

	req := httptest.NewRequest(http.MethodGet, "/api/credentials/"+testCredentialID+"/download", nil)
	req = withChiURLParam(withPrincipal(req, testStudent), "id", testCredentialID)
	w := httptest.NewRecorder()
	h.Download(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/pdf" {
		t.Errorf("Content-Type = %q", ct)
	}
	if cd := w.Header().Get("Content-Disposition"); cd != `attachment; filename="cert-abc.pdf"` {
		t.Errorf("Content-Disposition = %q", cd)
	}
	if w.Header().Get("Location") != "" {
		t.Error("download must not redirect")
	}
	if w.Body.String() != pdf {
		t.Errorf("body = %q", w.Body.String())
	}
}

func TestCredentialHandler_Download_Errors(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{"pending", model.NewCredentialPendingError(), http.StatusConflict},
		{"forbidden", model.NewForbiddenError(), http.StatusForbidden},
		{"not found", model.NewCredentialNotFoundError(testCredentialID), http.StatusNotFound},
		{"grant rejected", model.NewGrantExpiredOrInvalidError(errors.New("expired")), http.StatusGone},
		{"fetch timeout", model.NewStoreUnavailableError(context.DeadlineExceeded), http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &mockCredentialService{
				downloadFn: func(ctx context.Context, caller *model.Principal, id string) (io.ReadCloser, *model.Credential, error) {
					return nil, nil, tt.err
				},
			}
			h := NewCredentialHandler(&mockIssuer{}, svc)

			req := httptest.NewRequest(http.MethodGet, "/api/credentials/"+testCredentialID+"/download", nil)
			req = withChiURLParam(withPrincipal(req, testStudent), "id", testCredentialID)
			w := httptest.NewRecorder()
			h.Download(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if ct := w.Header().Get("Content-Type"); ct != "application/json" {
				t.Errorf("Content-Type = %q, want application/json", ct)
			}
		})
	}
}

// --- PUT /api/credentials/{id}/artifact ---

func TestCredentialHandler_AttachArtifact(t *testing.T) {
	svc := &mockCredentialService{
		attachArtifactFn: func(ctx context.Context, id, path string) (*model.Credential, error) {
			if path != "certificates/c.pdf" {
				t.Errorf("path = %q", path)
			}
			return &model.Credential{ID: id, ArtifactPath: path}, nil
		},
	}
	h := NewCredentialHandler(&mockIssuer{}, svc)

	req := jsonRequest(http.MethodPut, "/api/credentials/"+testCredentialID+"/artifact", `{"path":"certificates/c.pdf"}`)
	req = withChiURLParam(withPrincipal(req, testAdmin), "id", testCredentialID)
	w := httptest.NewRecorder()
	h.AttachArtifact(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var resp credentialResponse
	json.NewDecoder(w.Body).Decode(&resp)
	if resp.Pending || resp.ArtifactPath != "certificates/c.pdf" {
		t.Errorf("resp = %+v", resp)
	}
}

func TestCredentialHandler_AttachArtifact_Errors(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"already attached", model.NewArtifactAlreadyAttachedError(), http.StatusConflict, model.ErrCodeArtifactAlreadyAttached},
		{"invalid path", model.NewInvalidArtifactPathError("templates/x"), http.StatusBadRequest, model.ErrCodeInvalidArtifactPath},
		{"not found", model.NewCredentialNotFoundError(testCredentialID), http.StatusNotFound, model.ErrCodeCredentialNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &mockCredentialService{
				attachArtifactFn: func(ctx context.Context, id, path string) (*model.Credential, error) {
					return nil, tt.err
				},
			}
			h := NewCredentialHandler(&mockIssuer{}, svc)

			req := jsonRequest(http.MethodPut, "/api/credentials/"+testCredentialID+"/artifact", `{"path":"x"}`)
			req = withChiURLParam(withPrincipal(req, testAdmin), "id", testCredentialID)
			w := httptest.NewRecorder()
			h.AttachArtifact(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if got := parseAPIErrorResponse(t, w)["code"]; got != tt.wantCode {
				t.Errorf("code = %q, want %q", got, tt.wantCode)
			}
		})
	}
}
