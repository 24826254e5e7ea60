// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"fmt"

	"github.com/hitoshi/certforge/internal/model"
)

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

var (
	userIDContextKey    = contextKey("user_id")
	principalContextKey = contextKey("principal")
	logInfoContextKey   = contextKey("log_info")
)

// requestLogInfo はロギングミドルウェアより内側で確定した値を受け渡す。
type requestLogInfo struct {
	principalID string
}

// UserIDFromContext はリクエストコンテキストから呼び出し元のユーザーIDを取得する。
// アクセスミドルウェアを通過したリクエストでのみ有効。
func UserIDFromContext(ctx context.Context) (string, error) {
	userID, ok := ctx.Value(userIDContextKey).(string)
	if !ok || userID == "" {
		return "", fmt.Errorf("user ID not found in context")
	}
	return userID, nil
}

// ContextWithUserID はコンテキストにユーザーIDを注入する。
// テストやミドルウェア以外のコンテキスト生成で使用する。
func ContextWithUserID(ctx context.Context, userID string) context.Context {
	if info, ok := ctx.Value(logInfoContextKey).(*requestLogInfo); ok {
		info.principalID = userID
	}
	return context.WithValue(ctx, userIDContextKey, userID)
}

// PrincipalFromContext はアクセスミドルウェアが解決したPrincipalを返す。
func PrincipalFromContext(ctx context.Context) (*model.Principal, bool) {
	p, ok := ctx.Value(principalContextKey).(*model.Principal)
	return p, ok && p != nil
}

// ContextWithPrincipal はPrincipalとそのユーザーIDをコンテキストに注入する。
func ContextWithPrincipal(ctx context.Context, p *model.Principal) context.Context {
	ctx = ContextWithUserID(ctx, p.ID)
	return context.WithValue(ctx, principalContextKey, p)
}
