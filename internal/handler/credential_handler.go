package handler

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/hitoshi/certforge/internal/issuance"
	"github.com/hitoshi/certforge/internal/model"
)

// IssuerInterface は修了証発行ハンドラーが必要とするインターフェース。
type IssuerInterface interface {
	Issue(ctx context.Context, studentID, moduleID string) (*issuance.Result, error)
}

// CredentialServiceInterface は修了証の参照・ダウンロード・添付に必要なサービスインターフェース。
type CredentialServiceInterface interface {
	List(ctx context.Context, caller *model.Principal, studentID string) ([]*model.Credential, error)
	Get(ctx context.Context, caller *model.Principal, id string) (*model.Credential, error)
	Download(ctx context.Context, caller *model.Principal, id string) (io.ReadCloser, *model.Credential, error)
	AttachArtifact(ctx context.Context, id, path string) (*model.Credential, error)
}

// CredentialHandler は修了証のHTTPハンドラー。
type CredentialHandler struct {
	issuer  IssuerInterface
	service CredentialServiceInterface
}

// NewCredentialHandler はCredentialHandlerを生成する。
func NewCredentialHandler(issuer IssuerInterface, service CredentialServiceInterface) *CredentialHandler {
	return &CredentialHandler{
		issuer:  issuer,
		service: service,
	}
}

type issueRequest struct {
	StudentID string `json:"studentId"`
	ModuleID  string `json:"moduleId"`
}

type issueResponse struct {
	Status     model.IssueStatus   `json:"status"`
	Credential *credentialResponse `json:"credential,omitempty"`
}

type attachArtifactRequest struct {
	Path string `json:"path"`
}

// credentialResponse は修了証のAPIレスポンス。
type credentialResponse struct {
	ID           string    `json:"id"`
	StudentID    string    `json:"studentId"`
	ModuleID     string    `json:"moduleId"`
	IssuedAt     time.Time `json:"issuedAt"`
	ArtifactPath string    `json:"artifactPath,omitempty"`
	Pending      bool      `json:"pending"`
}

type credentialListResponse struct {
	Credentials []credentialResponse `json:"credentials"`
}

func toCredentialResponse(c *model.Credential) credentialResponse {
	return credentialResponse{
		ID:           c.ID,
		StudentID:    c.StudentID,
		ModuleID:     c.ModuleID,
		IssuedAt:     c.IssuedAt,
		ArtifactPath: c.ArtifactPath,
		Pending:      c.Pending(),
	}
}

// Issue は修了判定を行い、条件を満たしていれば修了証を発行する。
// 受講者は自分自身に対してのみ発行でき、管理者は任意の受講者に発行できる。
// POST /api/credentials/issue
func (h *CredentialHandler) Issue(w http.ResponseWriter, r *http.Request) {
	caller, err := principalFromRequest(r)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	var req issueRequest
	if err := decodeJSON(r, &req); err != nil {
		handleServiceError(w, err)
		return
	}
	if req.StudentID == "" {
		req.StudentID = caller.ID
	}
	if req.ModuleID == "" {
		handleServiceError(w, model.NewInvalidRequestError("moduleIdは必須です"))
		return
	}
	if !isUUID(req.ModuleID) {
		handleServiceError(w, model.NewInvalidRequestError("moduleIdの形式が不正です"))
		return
	}
	if !isUUID(req.StudentID) {
		handleServiceError(w, model.NewInvalidRequestError("studentIdの形式が不正です"))
		return
	}
	if req.StudentID != caller.ID && !caller.IsAdmin() {
		handleServiceError(w, model.NewForbiddenError())
		return
	}

	result, err := h.issuer.Issue(r.Context(), req.StudentID, req.ModuleID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	resp := issueResponse{Status: result.Status}
	if result.Credential != nil {
		c := toCredentialResponse(result.Credential)
		resp.Credential = &c
	}

	statusCode := http.StatusOK
	if result.Status == model.IssueStatusIssued {
		statusCode = http.StatusCreated
	}
	writeJSON(w, statusCode, resp)
}

// List は修了証の一覧を発行日時の降順で返す。
// 管理者はstudent_idクエリで他の受講者を指定できる。
// GET /api/credentials
func (h *CredentialHandler) List(w http.ResponseWriter, r *http.Request) {
	caller, err := principalFromRequest(r)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	studentID := r.URL.Query().Get("student_id")
	if studentID != "" && !isUUID(studentID) {
		handleServiceError(w, model.NewInvalidRequestError("student_idの形式が不正です"))
		return
	}

	credentials, err := h.service.List(r.Context(), caller, studentID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	resp := credentialListResponse{Credentials: make([]credentialResponse, 0, len(credentials))}
	for _, c := range credentials {
		resp.Credentials = append(resp.Credentials, toCredentialResponse(c))
	}
	writeJSON(w, http.StatusOK, resp)
}

// Get は修了証を1件返す。
// GET /api/credentials/{id}
func (h *CredentialHandler) Get(w http.ResponseWriter, r *http.Request) {
	caller, err := principalFromRequest(r)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	id, err := credentialIDParam(r)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	c, err := h.service.Get(r.Context(), caller, id)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toCredentialResponse(c))
}

// Download は修了証PDFをサーバー側で取得し、そのままストリーミングする。
// 署名付きURLへのリダイレクトは行わない。
// GET /api/credentials/{id}/download
func (h *CredentialHandler) Download(w http.ResponseWriter, r *http.Request) {
	caller, err := principalFromRequest(r)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	id, err := credentialIDParam(r)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	rc, c, err := h.service.Download(r.Context(), caller, id)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", downloadFilename(c)))
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		// ヘッダー送信後のためステータスは変更できない
		slog.Warn("credential download interrupted",
			slog.String("credential_id", c.ID),
			slog.String("error", err.Error()),
		)
	}
}

// AttachArtifact はレンダリング済みPDFのパスを修了証に設定する。
// PUT /api/credentials/{id}/artifact
func (h *CredentialHandler) AttachArtifact(w http.ResponseWriter, r *http.Request) {
	id, err := credentialIDParam(r)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	var req attachArtifactRequest
	if err := decodeJSON(r, &req); err != nil {
		handleServiceError(w, err)
		return
	}

	c, err := h.service.AttachArtifact(r.Context(), id, req.Path)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toCredentialResponse(c))
}

func credentialIDParam(r *http.Request) (string, error) {
	id := chi.URLParam(r, "id")
	if !isUUID(id) {
		return "", model.NewInvalidRequestError("修了証IDの形式が不正です")
	}
	return id, nil
}

// isUUID はsがUUIDの文字列表現かを返す。DBの列はすべてuuid型のため、
// 不正な値は問い合わせ前に400で弾く。
func isUUID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}

func downloadFilename(c *model.Credential) string {
	if name := path.Base(c.ArtifactPath); name != "." && name != "/" {
		return name
	}
	return c.ID + ".pdf"
}
