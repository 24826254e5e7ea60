package handler

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/certforge/internal/config"
	"github.com/hitoshi/certforge/internal/model"
)

// TemplateServiceInterface はテンプレートハンドラーが必要とするアーティファクトリポジトリの操作。
type TemplateServiceInterface interface {
	ListTemplates(ctx context.Context, page, pageSize int) ([]model.TemplateArtifact, error)
	UploadTemplate(ctx context.Context, name string, data []byte, contentType string) (string, error)
	CreateTemplateGrant(ctx context.Context, name string, ttl time.Duration) (*model.AccessGrant, error)
}

// multipartOverhead はmultipartの境界やヘッダー分として本体上限に加算するバイト数。
const multipartOverhead = 64 << 10

// TemplateHandler はテンプレート管理のHTTPハンドラー。全操作が管理者専用。
type TemplateHandler struct {
	service  TemplateServiceInterface
	maxBytes int64
}

// NewTemplateHandler はTemplateHandlerを生成する。maxBytesはテンプレート1件の上限サイズ。
func NewTemplateHandler(service TemplateServiceInterface, maxBytes int64) *TemplateHandler {
	return &TemplateHandler{
		service:  service,
		maxBytes: maxBytes,
	}
}

type templateResponse struct {
	Name        string    `json:"name"`
	Size        int64     `json:"size"`
	ContentType string    `json:"contentType"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

type templateListResponse struct {
	Templates []templateResponse `json:"templates"`
}

type uploadTemplateResponse struct {
	Path string `json:"path"`
}

type grantRequest struct {
	TTLSeconds int64 `json:"ttlSeconds"`
}

type grantResponse struct {
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// List はテンプレートを更新日時の降順で返す。
// GET /api/templates?page=1&pageSize=20
func (h *TemplateHandler) List(w http.ResponseWriter, r *http.Request) {
	page, err := queryInt(r, "page")
	if err != nil {
		handleServiceError(w, err)
		return
	}
	pageSize, err := queryInt(r, "pageSize")
	if err != nil {
		handleServiceError(w, err)
		return
	}

	templates, err := h.service.ListTemplates(r.Context(), page, pageSize)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	resp := templateListResponse{Templates: make([]templateResponse, 0, len(templates))}
	for _, t := range templates {
		resp.Templates = append(resp.Templates, templateResponse{
			Name:        t.Name,
			Size:        t.Size,
			ContentType: t.ContentType,
			UpdatedAt:   t.UpdatedAt,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// Upload はmultipart/form-dataのテンプレート画像を保存する。
// nameフィールドを省略した場合はファイル名を使う。
// POST /api/templates
func (h *TemplateHandler) Upload(w http.ResponseWriter, r *http.Request) {
	if h.maxBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxBytes+multipartOverhead)
	}
	if err := r.ParseMultipartForm(multipartOverhead); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			handleServiceError(w, model.NewTemplateTooLargeError(h.maxBytes))
			return
		}
		handleServiceError(w, model.NewInvalidRequestError("multipart/form-dataのリクエストが必要です"))
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		handleServiceError(w, model.NewInvalidRequestError("fileフィールドが必要です"))
		return
	}
	defer file.Close()

	name := r.FormValue("name")
	if name == "" {
		name = header.Filename
	}

	data, err := io.ReadAll(file)
	if err != nil {
		handleServiceError(w, model.NewInvalidRequestError("ファイルを読み込めませんでした"))
		return
	}

	path, err := h.service.UploadTemplate(r.Context(), name, data, header.Header.Get("Content-Type"))
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, uploadTemplateResponse{Path: path})
}

// Grant はテンプレートのプレビュー用署名付きURLを発行する。
// POST /api/templates/{name}/grant
func (h *TemplateHandler) Grant(w http.ResponseWriter, r *http.Request) {
	var req grantRequest
	if err := decodeJSON(r, &req); err != nil {
		handleServiceError(w, err)
		return
	}
	if req.TTLSeconds <= 0 {
		handleServiceError(w, model.NewInvalidTTLError())
		return
	}

	// 秒からDurationへの変換で桁あふれしないよう、先に絶対上限で切り詰める
	ttlSeconds := req.TTLSeconds
	if maxSeconds := int64(config.MaxGrantTTL / time.Second); ttlSeconds > maxSeconds {
		ttlSeconds = maxSeconds
	}

	grant, err := h.service.CreateTemplateGrant(r.Context(), chi.URLParam(r, "name"), time.Duration(ttlSeconds)*time.Second)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, grantResponse{URL: grant.URL, ExpiresAt: grant.ExpiresAt})
}

func queryInt(r *http.Request, key string) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, model.NewInvalidRequestError(key + "は整数で指定してください")
	}
	return n, nil
}
