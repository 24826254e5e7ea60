package handler

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/certforge/internal/auth"
	"github.com/hitoshi/certforge/internal/issuance"
	"github.com/hitoshi/certforge/internal/middleware"
	"github.com/hitoshi/certforge/internal/model"
	"github.com/hitoshi/certforge/internal/storage"
)

// --- モック定義 ---

type mockIssuer struct {
	issueFn func(ctx context.Context, studentID, moduleID string) (*issuance.Result, error)
}

func (m *mockIssuer) Issue(ctx context.Context, studentID, moduleID string) (*issuance.Result, error) {
	if m.issueFn != nil {
		return m.issueFn(ctx, studentID, moduleID)
	}
	return &issuance.Result{Status: model.IssueStatusNotEligible}, nil
}

type mockCredentialService struct {
	listFn           func(ctx context.Context, caller *model.Principal, studentID string) ([]*model.Credential, error)
	getFn            func(ctx context.Context, caller *model.Principal, id string) (*model.Credential, error)
	downloadFn       func(ctx context.Context, caller *model.Principal, id string) (io.ReadCloser, *model.Credential, error)
	attachArtifactFn func(ctx context.Context, id, path string) (*model.Credential, error)
}

func (m *mockCredentialService) List(ctx context.Context, caller *model.Principal, studentID string) ([]*model.Credential, error) {
	if m.listFn != nil {
		return m.listFn(ctx, caller, studentID)
	}
	return nil, nil
}

func (m *mockCredentialService) Get(ctx context.Context, caller *model.Principal, id string) (*model.Credential, error) {
	if m.getFn != nil {
		return m.getFn(ctx, caller, id)
	}
	return nil, model.NewCredentialNotFoundError(id)
}

func (m *mockCredentialService) Download(ctx context.Context, caller *model.Principal, id string) (io.ReadCloser, *model.Credential, error) {
	if m.downloadFn != nil {
		return m.downloadFn(ctx, caller, id)
	}
	return nil, nil, model.NewCredentialNotFoundError(id)
}

func (m *mockCredentialService) AttachArtifact(ctx context.Context, id, path string) (*model.Credential, error) {
	if m.attachArtifactFn != nil {
		return m.attachArtifactFn(ctx, id, path)
	}
	return nil, model.NewCredentialNotFoundError(id)
}

type mockTemplateService struct {
	listTemplatesFn       func(ctx context.Context, page, pageSize int) ([]model.TemplateArtifact, error)
	uploadTemplateFn      func(ctx context.Context, name string, data []byte, contentType string) (string, error)
	createTemplateGrantFn func(ctx context.Context, name string, ttl time.Duration) (*model.AccessGrant, error)
}

func (m *mockTemplateService) ListTemplates(ctx context.Context, page, pageSize int) ([]model.TemplateArtifact, error) {
	if m.listTemplatesFn != nil {
		return m.listTemplatesFn(ctx, page, pageSize)
	}
	return []model.TemplateArtifact{}, nil
}

func (m *mockTemplateService) UploadTemplate(ctx context.Context, name string, data []byte, contentType string) (string, error) {
	if m.uploadTemplateFn != nil {
		return m.uploadTemplateFn(ctx, name, data, contentType)
	}
	return model.TemplatePath(name), nil
}

func (m *mockTemplateService) CreateTemplateGrant(ctx context.Context, name string, ttl time.Duration) (*model.AccessGrant, error) {
	if m.createTemplateGrantFn != nil {
		return m.createTemplateGrantFn(ctx, name, ttl)
	}
	return &model.AccessGrant{Path: model.TemplatePath(name), URL: "https://example.com/signed", ExpiresAt: time.Now().Add(ttl)}, nil
}

type mockUserService struct {
	getFn        func(ctx context.Context, id string) (*model.Principal, error)
	updateRoleFn func(ctx context.Context, actorID, targetID string, role model.Role) (*model.Principal, error)
}

func (m *mockUserService) Get(ctx context.Context, id string) (*model.Principal, error) {
	if m.getFn != nil {
		return m.getFn(ctx, id)
	}
	return &model.Principal{ID: id, Role: model.RoleStudent}, nil
}

func (m *mockUserService) UpdateRole(ctx context.Context, actorID, targetID string, role model.Role) (*model.Principal, error) {
	if m.updateRoleFn != nil {
		return m.updateRoleFn(ctx, actorID, targetID, role)
	}
	return &model.Principal{ID: targetID, Role: role}, nil
}

type mockPinger struct {
	err error
}

func (m *mockPinger) PingContext(ctx context.Context) error {
	return m.err
}

type mockOpener struct {
	openSignedFn func(ctx context.Context, bucket, path, token string) (*storage.Object, []byte, error)
}

func (m *mockOpener) OpenSigned(ctx context.Context, bucket, path, token string) (*storage.Object, []byte, error) {
	if m.openSignedFn != nil {
		return m.openSignedFn(ctx, bucket, path, token)
	}
	return nil, nil, storage.ErrObjectNotFound
}

// mockGate はトークン文字列から固定のPrincipalを解決するRoleGate。
type mockGate struct{}

func (mockGate) RequireRole(ctx context.Context, token string, tier auth.Tier) (*auth.Identity, error) {
	var p *model.Principal
	switch token {
	case "student-token":
		p = testStudent
	case "admin-token":
		p = testAdmin
	default:
		return nil, model.NewUnauthenticatedError()
	}
	if tier == auth.TierAdmin && !p.IsAdmin() {
		return nil, model.NewForbiddenError()
	}
	kind := auth.KindStudent
	if p.IsAdmin() {
		kind = auth.KindAdmin
	}
	return &auth.Identity{Kind: kind, Principal: p}, nil
}

// --- テストヘルパー ---

const testCredentialID = "5b0fa5f0-58f6-4e0c-9a0e-4f8b6f2b1c01"

const testModuleID = "7d3c2e1a-0b9f-4a8e-8c6d-5e4f3a2b1c0d"

var (
	testStudent = &model.Principal{ID: "7d1c3c52-4f1f-4d43-8c2d-1f5d1f0a0001", Email: "student@example.com", Role: model.RoleStudent}
	testOther   = &model.Principal{ID: "7d1c3c52-4f1f-4d43-8c2d-1f5d1f0a0002", Role: model.RoleStudent}
	testAdmin   = &model.Principal{ID: "7d1c3c52-4f1f-4d43-8c2d-1f5d1f0a0003", Email: "admin@example.com", Role: model.RoleAdmin}
)

// withPrincipal はテスト用にリクエストコンテキストにPrincipalを注入するヘルパー。
func withPrincipal(r *http.Request, p *model.Principal) *http.Request {
	return r.WithContext(middleware.ContextWithPrincipal(r.Context(), p))
}

// withChiURLParam はテスト用にchiのURLパラメータを注入するヘルパー。
func withChiURLParam(r *http.Request, key, value string) *http.Request {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		rctx = chi.NewRouteContext()
	}
	rctx.URLParams.Add(key, value)
	ctx := context.WithValue(r.Context(), chi.RouteCtxKey, rctx)
	return r.WithContext(ctx)
}

// parseAPIErrorResponse はレスポンスボディからAPIErrorレスポンスをパースするヘルパー。
func parseAPIErrorResponse(t *testing.T, w *httptest.ResponseRecorder) map[string]string {
	t.Helper()
	var result map[string]string
	if err := json.NewDecoder(w.Body).Decode(&result); err != nil {
		t.Fatalf("failed to decode error response: %v", err)
	}
	return result
}

func jsonRequest(method, target, body string) *http.Request {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}
