package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// MaxGrantTTL は署名付きURLの有効期間の絶対上限。
// GRANT_MAX_TTLでこれより長い値を指定しても切り詰める。
const MaxGrantTTL = time.Hour

const defaultDownloadGrantTTL = 60 * time.Second

// StorageBackend はオブジェクトストアの実装種別。
type StorageBackend string

const (
	// StorageBackendPostgres はPostgreSQLのbyteaにオブジェクトを格納し、JWTで署名付きURLを発行する。
	StorageBackendPostgres StorageBackend = "postgres"
	// StorageBackendSupabase はSupabase StorageのREST APIを利用する。
	StorageBackendSupabase StorageBackend = "supabase"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string

	// Logging
	LogLevel slog.Level

	// Session
	SessionCleanupInterval time.Duration

	// Timeouts
	AuthTimeout    time.Duration
	DBTimeout      time.Duration
	StorageTimeout time.Duration
	FetchTimeout   time.Duration

	// Storage
	StorageBackend       StorageBackend
	StorageBucket        string
	StorageSigningSecret string
	SupabaseURL          string
	SupabaseServiceKey   string

	// Artifact
	GrantMaxTTL      time.Duration
	DownloadGrantTTL time.Duration
	TemplateMaxBytes int64

	// Rate Limit
	RateLimitGeneral  int
	RateLimitIssuance int

	// Server
	ServerPort string
	BaseURL    string

	// Cookie
	CookieSecure bool
	CookieDomain string

	// CORS
	CORSAllowedOrigin string
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	cfg.BaseURL = os.Getenv("BASE_URL")
	if cfg.BaseURL == "" {
		missing = append(missing, "BASE_URL")
	}

	cfg.StorageBackend = StorageBackend(getEnvString("STORAGE_BACKEND", string(StorageBackendPostgres)))
	switch cfg.StorageBackend {
	case StorageBackendPostgres:
		cfg.StorageSigningSecret = os.Getenv("STORAGE_SIGNING_SECRET")
		if cfg.StorageSigningSecret == "" {
			missing = append(missing, "STORAGE_SIGNING_SECRET")
		}
	case StorageBackendSupabase:
		cfg.SupabaseURL = strings.TrimRight(os.Getenv("SUPABASE_URL"), "/")
		if cfg.SupabaseURL == "" {
			missing = append(missing, "SUPABASE_URL")
		}
		cfg.SupabaseServiceKey = os.Getenv("SUPABASE_SERVICE_KEY")
		if cfg.SupabaseServiceKey == "" {
			missing = append(missing, "SUPABASE_SERVICE_KEY")
		}
	default:
		return nil, fmt.Errorf("unsupported STORAGE_BACKEND: %q", cfg.StorageBackend)
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.LogLevel = getEnvLogLevel("LOG_LEVEL", slog.LevelInfo)
	cfg.SessionCleanupInterval = getEnvDuration("SESSION_CLEANUP_INTERVAL", time.Hour)
	cfg.AuthTimeout = getEnvDuration("AUTH_TIMEOUT", 3*time.Second)
	cfg.DBTimeout = getEnvDuration("DB_TIMEOUT", 5*time.Second)
	cfg.StorageTimeout = getEnvDuration("STORAGE_TIMEOUT", 10*time.Second)
	cfg.FetchTimeout = getEnvDuration("FETCH_TIMEOUT", 30*time.Second)
	cfg.StorageBucket = getEnvString("STORAGE_BUCKET", "certificates")
	cfg.GrantMaxTTL = getEnvDuration("GRANT_MAX_TTL", MaxGrantTTL)
	if cfg.GrantMaxTTL <= 0 || cfg.GrantMaxTTL > MaxGrantTTL {
		cfg.GrantMaxTTL = MaxGrantTTL
	}
	cfg.DownloadGrantTTL = getEnvDuration("DOWNLOAD_GRANT_TTL", defaultDownloadGrantTTL)
	if cfg.DownloadGrantTTL <= 0 {
		cfg.DownloadGrantTTL = defaultDownloadGrantTTL
	}
	if cfg.DownloadGrantTTL > cfg.GrantMaxTTL {
		cfg.DownloadGrantTTL = cfg.GrantMaxTTL
	}
	cfg.TemplateMaxBytes = getEnvInt64("TEMPLATE_MAX_BYTES", 5242880)
	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.RateLimitIssuance = getEnvInt("RATE_LIMIT_ISSUANCE", 20)
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.CookieSecure = strings.HasPrefix(cfg.BaseURL, "https://")
	cfg.CookieDomain = getEnvString("COOKIE_DOMAIN", "")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "http://localhost:3000")

	return cfg, nil
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvInt64(key string, defaultVal int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

func getEnvLogLevel(key string, defaultVal slog.Level) slog.Level {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(v)); err != nil {
		return defaultVal
	}
	return level
}
