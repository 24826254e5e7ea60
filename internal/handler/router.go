package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/certforge/internal/auth"
	"github.com/hitoshi/certforge/internal/middleware"
	"github.com/hitoshi/certforge/internal/storage"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	Gate              middleware.RoleGate
	RateLimiter       *middleware.RateLimiter
	CORSAllowedOrigin string
	CSRFConfig        middleware.CSRFConfig
	Logger            *slog.Logger
	StatusObservers   []middleware.StatusObserver

	// 修了証
	Issuer            IssuerInterface
	CredentialService CredentialServiceInterface

	// テンプレート
	TemplateService  TemplateServiceInterface
	TemplateMaxBytes int64

	// ユーザー
	UserService UserServiceInterface

	// 運用
	DB             Pinger
	MetricsHandler http.Handler

	// SignedObjects はPostgresバックエンド使用時のみ設定する。nilなら署名付きURL配信ルートを登録しない。
	SignedObjects  SignedObjectOpener
	StorageTimeout time.Duration
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → Logging → SecurityHeaders → CORS → Access(tier) → RateLimit → CSRF
//
// Access Gateは必ずCSRF検証より前に置き、未認証(401)と権限不足(403)をリクエスト内容に関係なく返す。
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(middleware.NewRecoveryMiddleware())
	r.Use(middleware.NewLoggingMiddleware(logger, deps.StatusObservers...))
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	credentialHandler := NewCredentialHandler(deps.Issuer, deps.CredentialService)
	templateHandler := NewTemplateHandler(deps.TemplateService, deps.TemplateMaxBytes)
	userHandler := NewUserHandler(deps.UserService)

	// --- 認証不要のルート ---
	r.Get("/health", NewHealthHandler(deps.DB))
	r.Get("/api/csrf-token", middleware.NewCSRFTokenHandler(deps.CSRFConfig).ServeHTTP)
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}
	if deps.SignedObjects != nil {
		// トークンの所持のみで認可する
		r.Method(http.MethodGet, storage.SignedObjectPrefix+"*", NewSignedObjectHandler(deps.SignedObjects, deps.StorageTimeout))
	}

	// --- 受講者または管理者のルート ---
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewAccessMiddleware(deps.Gate, auth.TierStudentOrAdmin))
		r.Use(deps.RateLimiter.GeneralMiddleware())
		r.Use(middleware.NewCSRFMiddleware(deps.CSRFConfig))

		r.Get("/api/me", userHandler.Me)

		r.Get("/api/credentials", credentialHandler.List)
		// 発行は専用のレート制限を追加
		r.With(deps.RateLimiter.IssuanceMiddleware()).Post("/api/credentials/issue", credentialHandler.Issue)
		r.Get("/api/credentials/{id}", credentialHandler.Get)
		r.Get("/api/credentials/{id}/download", credentialHandler.Download)
	})

	// --- 管理者専用のルート ---
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewAccessMiddleware(deps.Gate, auth.TierAdmin))
		r.Use(deps.RateLimiter.GeneralMiddleware())
		r.Use(middleware.NewCSRFMiddleware(deps.CSRFConfig))

		r.Route("/api/templates", func(r chi.Router) {
			r.Get("/", templateHandler.List)
			r.Post("/", templateHandler.Upload)
			r.Post("/{name}/grant", templateHandler.Grant)
		})

		r.Put("/api/credentials/{id}/artifact", credentialHandler.AttachArtifact)
		r.Get("/api/admin/users/{id}", userHandler.Get)
		r.Put("/api/admin/users/{id}/role", userHandler.UpdateRole)
	})

	return r
}
