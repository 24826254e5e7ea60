package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/certforge/internal/model"
)

// UserServiceInterface はユーザーハンドラーが必要とするサービスインターフェース。
type UserServiceInterface interface {
	Get(ctx context.Context, id string) (*model.Principal, error)

	// UpdateRole は対象ユーザーのロールを変更する。
	UpdateRole(ctx context.Context, actorID, targetID string, role model.Role) (*model.Principal, error)
}

// UserHandler はユーザー管理のHTTPハンドラー。
type UserHandler struct {
	service UserServiceInterface
}

// NewUserHandler はUserHandlerを生成する。
func NewUserHandler(service UserServiceInterface) *UserHandler {
	return &UserHandler{
		service: service,
	}
}

type userResponse struct {
	ID        string     `json:"id"`
	Email     string     `json:"email"`
	Name      string     `json:"name"`
	Role      model.Role `json:"role"`
	CreatedAt time.Time  `json:"createdAt"`
}

type updateRoleRequest struct {
	Role model.Role `json:"role"`
}

func toUserResponse(p *model.Principal) userResponse {
	return userResponse{
		ID:        p.ID,
		Email:     p.Email,
		Name:      p.Name,
		Role:      p.Role,
		CreatedAt: p.CreatedAt,
	}
}

// Me はログイン中のPrincipalをusersテーブル上のロールとともに返す。
// GET /api/me
func (h *UserHandler) Me(w http.ResponseWriter, r *http.Request) {
	p, err := principalFromRequest(r)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toUserResponse(p))
}

// Get は指定ユーザーを返す。
// GET /api/admin/users/{id}
func (h *UserHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := userIDParam(r)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	p, err := h.service.Get(r.Context(), id)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toUserResponse(p))
}

// UpdateRole はユーザーのロールを変更する。
// PUT /api/admin/users/{id}/role
func (h *UserHandler) UpdateRole(w http.ResponseWriter, r *http.Request) {
	actor, err := principalFromRequest(r)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	targetID, err := userIDParam(r)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	var req updateRoleRequest
	if err := decodeJSON(r, &req); err != nil {
		handleServiceError(w, err)
		return
	}

	p, err := h.service.UpdateRole(r.Context(), actor.ID, targetID, req.Role)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toUserResponse(p))
}

func userIDParam(r *http.Request) (string, error) {
	id := chi.URLParam(r, "id")
	if !isUUID(id) {
		return "", model.NewInvalidRequestError("ユーザーIDの形式が不正です")
	}
	return id, nil
}
