// Package auth はリクエストの認証とロール判定を行うAccess Gateを提供する。
package auth

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/hitoshi/certforge/internal/model"
)

// SessionCookieName はセッショントークンを保持するCookie名。
const SessionCookieName = "session_id"

// SessionFinder はセッションの検索に必要なインターフェース。
// repository.SessionRepositoryの部分集合として定義する。
type SessionFinder interface {
	FindByID(ctx context.Context, id string) (*model.Session, error)
}

// UserFinder はユーザーの検索に必要なインターフェース。
type UserFinder interface {
	FindByID(ctx context.Context, id string) (*model.Principal, error)
}

// Kind はAccess Gateの判定結果の種別。
type Kind string

const (
	KindAnonymous Kind = "anonymous"
	KindStudent   Kind = "student"
	KindAdmin     Kind = "admin"
)

// Tier はrequireRoleで要求する権限レベル。
type Tier int

const (
	// TierStudentOrAdmin は受講者または管理者を要求する。
	TierStudentOrAdmin Tier = iota
	// TierAdmin は管理者のみを要求する。
	TierAdmin
)

// String はログ出力用の名前を返す。
func (t Tier) String() string {
	if t == TierAdmin {
		return "admin"
	}
	return "student_or_admin"
}

// Identity はセッション解決の結果。
// Kind が KindAnonymous の場合、Principal と Session はnil。
type Identity struct {
	Kind      Kind
	Principal *model.Principal
	Session   *model.Session
}

// Gate はセッショントークンからPrincipalとロールを解決する。
// ロールは常にusersテーブルから読み取り、セッションのメタデータは参照しない。
type Gate struct {
	sessions SessionFinder
	users    UserFinder
	timeout  time.Duration
}

// NewGate はGateを生成する。timeoutは1回の解決に許す上限時間。
func NewGate(sessions SessionFinder, users UserFinder, timeout time.Duration) *Gate {
	return &Gate{
		sessions: sessions,
		users:    users,
		timeout:  timeout,
	}
}

// Resolve はトークンから呼び出し元を解決する。
// トークンが空の場合はAnonymousを返す。トークンが無効または期限切れの場合は
// UNAUTHENTICATED、ストアに到達できない場合はSTORE_UNAVAILABLEを返す。
func (g *Gate) Resolve(ctx context.Context, token string) (*Identity, error) {
	if token == "" {
		return &Identity{Kind: KindAnonymous}, nil
	}

	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	session, err := g.sessions.FindByID(ctx, token)
	if err != nil {
		return nil, model.NewStoreUnavailableError(err)
	}
	if session == nil {
		return nil, model.NewUnauthenticatedError()
	}

	principal, err := g.users.FindByID(ctx, session.UserID)
	if err != nil {
		return nil, model.NewStoreUnavailableError(err)
	}
	if principal == nil {
		return nil, model.NewUnauthenticatedError()
	}

	kind := KindStudent
	if principal.IsAdmin() {
		kind = KindAdmin
	}

	return &Identity{
		Kind:      kind,
		Principal: principal,
		Session:   session,
	}, nil
}

// RequireRole はトークンを解決し、tierを満たすPrincipalを返す。
// 有効なセッションがない場合はUNAUTHENTICATED、ロールが不足する場合はFORBIDDENを返す。
func (g *Gate) RequireRole(ctx context.Context, token string, tier Tier) (*Identity, error) {
	identity, err := g.Resolve(ctx, token)
	if err != nil {
		return nil, err
	}
	if identity.Kind == KindAnonymous {
		return nil, model.NewUnauthenticatedError()
	}
	if tier == TierAdmin && identity.Kind != KindAdmin {
		return nil, model.NewForbiddenError()
	}
	return identity, nil
}

// TokenFromRequest はCookieまたはAuthorizationヘッダーからセッショントークンを取得する。
// Cookieを優先する。
func TokenFromRequest(r *http.Request) string {
	if cookie, err := r.Cookie(SessionCookieName); err == nil && cookie.Value != "" {
		return cookie.Value
	}
	if v, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		return strings.TrimSpace(v)
	}
	return ""
}
