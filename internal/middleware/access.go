package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/hitoshi/certforge/internal/auth"
	"github.com/hitoshi/certforge/internal/model"
)

// RoleGate はリクエストごとのロール判定に必要なインターフェース。
// auth.Gateが実装する。
type RoleGate interface {
	RequireRole(ctx context.Context, token string, tier auth.Tier) (*auth.Identity, error)
}

// NewAccessMiddleware はセッショントークンを検証し、tierを満たすPrincipalだけを通すミドルウェアを返す。
// セッションがなければ401、ロール不足は403、セッションストアの障害は503を返す。
// 通過したリクエストのコンテキストにはPrincipalとユーザーIDを注入する。
func NewAccessMiddleware(gate RoleGate, tier auth.Tier) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity, err := gate.RequireRole(r.Context(), auth.TokenFromRequest(r), tier)
			if err != nil {
				writeAccessError(w, r, tier, err)
				return
			}

			ctx := ContextWithPrincipal(r.Context(), identity.Principal)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func writeAccessError(w http.ResponseWriter, r *http.Request, tier auth.Tier, err error) {
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) {
		slog.Error("access check failed",
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
		WriteInternalServerError(w)
		return
	}

	switch apiErr.Code {
	case model.ErrCodeUnauthenticated:
		WriteErrorResponse(w, http.StatusUnauthorized, apiErr)
	case model.ErrCodeForbidden:
		slog.Warn("access denied",
			slog.String("path", r.URL.Path),
			slog.String("tier", tier.String()),
		)
		WriteErrorResponse(w, http.StatusForbidden, apiErr)
	case model.ErrCodeStoreUnavailable:
		slog.Error("session lookup unavailable",
			slog.String("path", r.URL.Path),
			slog.String("error", apiErr.Error()),
		)
		w.Header().Set("Retry-After", RetryAfterSeconds)
		WriteErrorResponse(w, http.StatusServiceUnavailable, apiErr)
	default:
		WriteErrorResponse(w, http.StatusInternalServerError, apiErr)
	}
}
