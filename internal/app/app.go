package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/hitoshi/certforge/internal/artifact"
	"github.com/hitoshi/certforge/internal/auth"
	"github.com/hitoshi/certforge/internal/config"
	"github.com/hitoshi/certforge/internal/credential"
	"github.com/hitoshi/certforge/internal/database"
	"github.com/hitoshi/certforge/internal/eligibility"
	"github.com/hitoshi/certforge/internal/handler"
	"github.com/hitoshi/certforge/internal/issuance"
	"github.com/hitoshi/certforge/internal/logger"
	"github.com/hitoshi/certforge/internal/metrics"
	"github.com/hitoshi/certforge/internal/middleware"
	"github.com/hitoshi/certforge/internal/repository"
	"github.com/hitoshi/certforge/internal/storage"
	"github.com/hitoshi/certforge/internal/user"
	"github.com/hitoshi/certforge/internal/worker/cleanup"
)

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 設定読み込み前にログを使えるようにする
	logger.SetupDefault(w, slog.LevelInfo)

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger.SetupDefault(w, cfg.LogLevel)
	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd, err := ParseCommand(args)
	if err != nil {
		return err
	}

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(fmt.Sprintf("http://localhost:%s/health", port))
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("base_url", cfg.BaseURL),
		slog.String("storage_backend", string(cfg.StorageBackend)),
	)

	switch cmd {
	case CommandWorker:
		return runWorker(cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(cfg)
	}
}

// openDatabase はDB接続を開き、疎通を確認する。
func openDatabase(cfg *config.Config) (*sql.DB, error) {
	db, err := database.Open(cfg.DatabaseURL, database.DefaultPoolConfig())
	if err != nil {
		return nil, err
	}
	if err := database.Ping(context.Background(), db, cfg.DBTimeout); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// newObjectStore はSTORAGE_BACKENDに応じたオブジェクトストアを構築する。
// Postgresバックエンドの場合は署名付きURL配信用のOpenerも返す。
func newObjectStore(cfg *config.Config, db *sql.DB) (storage.ObjectStore, handler.SignedObjectOpener) {
	switch cfg.StorageBackend {
	case config.StorageBackendSupabase:
		client := &http.Client{Timeout: cfg.FetchTimeout}
		return storage.NewSupabaseStore(cfg.SupabaseURL, cfg.SupabaseServiceKey, cfg.StorageBucket, client, storage.DefaultRetryPolicy()), nil
	default:
		signer := storage.NewSigner(cfg.StorageSigningSecret, nil)
		store := storage.NewPostgresStore(db, cfg.StorageBucket, cfg.BaseURL, signer)
		return store, store
	}
}

// newRegistry はプロセス標準のコレクターを登録したレジストリを返す。
func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// newRouterDeps は全依存関係をワイヤリングしたRouterDepsを構築する。
func newRouterDeps(cfg *config.Config, db *sql.DB, reg *prometheus.Registry, rl *middleware.RateLimiter) *handler.RouterDeps {
	userRepo := repository.NewPostgresUserRepo(db)
	sessionRepo := repository.NewPostgresSessionRepo(db)
	moduleRepo := repository.NewPostgresModuleRepo(db)
	progressRepo := repository.NewPostgresProgressRepo(db)
	credentialRepo := repository.NewPostgresCredentialRepo(db)

	collector := metrics.NewCollector(reg)

	gate := auth.NewGate(sessionRepo, userRepo, cfg.AuthTimeout)
	evaluator := eligibility.NewEvaluator(moduleRepo, progressRepo, cfg.DBTimeout)
	coordinator := issuance.NewCoordinator(evaluator, credentialRepo, cfg.DBTimeout,
		issuance.WithRecorder(collector),
	)

	store, opener := newObjectStore(cfg, db)
	artifacts := artifact.NewRepository(store, artifact.Config{
		MaxTTL:           cfg.GrantMaxTTL,
		TemplateMaxBytes: cfg.TemplateMaxBytes,
		StorageTimeout:   cfg.StorageTimeout,
		FetchTimeout:     cfg.FetchTimeout,
	}, artifact.WithRecorder(collector))

	return &handler.RouterDeps{
		Gate:              gate,
		RateLimiter:       rl,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		CSRFConfig: middleware.CSRFConfig{
			CookieSecure: cfg.CookieSecure,
			CookieDomain: cfg.CookieDomain,
		},
		Logger:          slog.Default(),
		StatusObservers: []middleware.StatusObserver{collector},

		Issuer:            coordinator,
		CredentialService: credential.NewService(credentialRepo, artifacts, cfg.DBTimeout, cfg.DownloadGrantTTL),

		TemplateService:  artifacts,
		TemplateMaxBytes: cfg.TemplateMaxBytes,

		UserService: user.NewService(userRepo, cfg.DBTimeout),

		DB:             db,
		MetricsHandler: metrics.Handler(reg),

		SignedObjects:  opener,
		StorageTimeout: cfg.StorageTimeout,
	}
}

// runServe はAPIサーバーモードで起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	slog.Info("database connection established")

	rl := middleware.NewRateLimiter(middleware.NewRateLimiterConfig(cfg.RateLimitGeneral, cfg.RateLimitIssuance))
	defer rl.Stop()

	router := handler.NewRouter(newRouterDeps(cfg, db, newRegistry(), rl))

	// WriteTimeoutはPDFのストリーミングを打ち切らないようFETCH_TIMEOUTより長くする
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.FetchTimeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("API server starting",
			slog.String("addr", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-stop:
	case err := <-errCh:
		return fmt.Errorf("server listen error: %w", err)
	}
	slog.Info("shutting down API server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// 期限切れセッションをSESSION_CLEANUP_INTERVAL毎に削除する。
func runWorker(cfg *config.Config) error {
	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	slog.Info("database connection established (worker)")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.Info("worker starting",
		slog.Duration("session_cleanup_interval", cfg.SessionCleanupInterval),
	)

	job := cleanup.NewSessionPurgeJob(db, slog.Default(), cfg.DBTimeout)
	job.RunLoop(ctx, cfg.SessionCleanupInterval)

	slog.Info("worker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	version, err := database.RunMigrations(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully",
		slog.Uint64("version", uint64(version)),
	)
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
func runHealthcheck(healthURL string) error {
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(healthURL)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "***"
	}
	if u.User != nil {
		u.User = url.User("***")
	}
	u.RawQuery = ""
	return u.String()
}
