package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/hitoshi/certforge/internal/model"
)

func testRateLimiterConfig(generalBurst, issuanceBurst int) RateLimiterConfig {
	return RateLimiterConfig{
		GeneralRate:     1,
		GeneralBurst:    generalBurst,
		IssuanceRate:    1,
		IssuanceBurst:   issuanceBurst,
		CleanupInterval: time.Minute,
	}
}

// requestAs はprincipalIDがコンテキストに注入済みのリクエストを生成する。
func requestAs(method, path, principalID string) *http.Request {
	req := httptest.NewRequest(method, path, nil)
	return req.WithContext(ContextWithUserID(req.Context(), principalID))
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

// --- API全般 ---

func TestRateLimitMiddleware_AllowsRequestsWithinLimit(t *testing.T) {
	rl := NewRateLimiter(testRateLimiterConfig(5, 10))
	defer rl.Stop()

	calls := 0
	handler := rl.GeneralMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusOK)
	}))

	for i := 0; i < 5; i++ {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, requestAs(http.MethodGet, "/api/credentials", "user-1"))
		if w.Code != http.StatusOK {
			t.Errorf("request %d: status = %d, want %d", i, w.Code, http.StatusOK)
		}
	}
	if calls != 5 {
		t.Errorf("handler call count = %d, want 5", calls)
	}
}

func TestRateLimitMiddleware_Returns429WithRetryAfter(t *testing.T) {
	rl := NewRateLimiter(testRateLimiterConfig(1, 10))
	defer rl.Stop()
	handler := rl.GeneralMiddleware()(okHandler())

	handler.ServeHTTP(httptest.NewRecorder(), requestAs(http.MethodGet, "/api/me", "user-retry"))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, requestAs(http.MethodGet, "/api/me", "user-retry"))

	resp := w.Result()
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusTooManyRequests)
	}
	retrySeconds, err := strconv.Atoi(resp.Header.Get("Retry-After"))
	if err != nil || retrySeconds < 1 {
		t.Errorf("Retry-After = %q, want positive integer", resp.Header.Get("Retry-After"))
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want %q", ct, "application/json")
	}

	var body ErrorResponseBody
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if body.Code != model.ErrCodeRateLimitExceeded {
		t.Errorf("code = %q, want %q", body.Code, model.ErrCodeRateLimitExceeded)
	}
	if body.Category != "system" {
		t.Errorf("category = %q, want %q", body.Category, "system")
	}
}

func TestRateLimitMiddleware_IsolatesPrincipals(t *testing.T) {
	rl := NewRateLimiter(testRateLimiterConfig(1, 10))
	defer rl.Stop()
	handler := rl.GeneralMiddleware()(okHandler())

	tests := []struct {
		principal string
		want      int
	}{
		{"user-A", http.StatusOK},
		{"user-A", http.StatusTooManyRequests},
		{"user-B", http.StatusOK},
	}
	for i, tt := range tests {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, requestAs(http.MethodGet, "/api/me", tt.principal))
		if w.Code != tt.want {
			t.Errorf("request %d (%s): status = %d, want %d", i, tt.principal, w.Code, tt.want)
		}
	}
}

func TestRateLimitMiddleware_NoPrincipal_Returns401(t *testing.T) {
	rl := NewRateLimiter(testRateLimiterConfig(5, 10))
	defer rl.Stop()

	handler := rl.GeneralMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler should not be called without principal")
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/me", nil))

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
}

// --- 修了証発行 ---

func TestIssuanceRateLimit_Returns429WhenLimitExceeded(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{
		GeneralRate:     100,
		GeneralBurst:    200,
		IssuanceRate:    1,
		IssuanceBurst:   2,
		CleanupInterval: time.Minute,
	})
	defer rl.Stop()
	handler := rl.IssuanceMiddleware()(okHandler())

	want := []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}
	for i, status := range want {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, requestAs(http.MethodPost, "/api/credentials/issue", "student-1"))
		if w.Code != status {
			t.Errorf("request %d: status = %d, want %d", i, w.Code, status)
		}
	}
}

func TestIssuanceRateLimit_IndependentFromGeneralLimit(t *testing.T) {
	rl := NewRateLimiter(testRateLimiterConfig(1, 1))
	defer rl.Stop()

	general := rl.GeneralMiddleware()(okHandler())
	issuance := rl.IssuanceMiddleware()(okHandler())

	general.ServeHTTP(httptest.NewRecorder(), requestAs(http.MethodGet, "/api/me", "user-indep"))

	w := httptest.NewRecorder()
	issuance.ServeHTTP(w, requestAs(http.MethodPost, "/api/credentials/issue", "user-indep"))
	if w.Code != http.StatusOK {
		t.Errorf("issuance should still be allowed: status = %d, want %d", w.Code, http.StatusOK)
	}
	if rl.IssuanceLimiterCount() != 1 || rl.GeneralLimiterCount() != 1 {
		t.Errorf("limiter counts = (%d, %d), want (1, 1)", rl.GeneralLimiterCount(), rl.IssuanceLimiterCount())
	}
}

// --- クリーンアップ ---

func TestRateLimiter_CleanupRemovesExpiredEntries(t *testing.T) {
	cfg := testRateLimiterConfig(5, 10)
	cfg.CleanupInterval = 50 * time.Millisecond
	rl := NewRateLimiter(cfg)
	defer rl.Stop()

	rl.GeneralMiddleware()(okHandler()).ServeHTTP(httptest.NewRecorder(), requestAs(http.MethodGet, "/api/me", "user-cleanup"))
	if rl.GeneralLimiterCount() == 0 {
		t.Fatal("expected at least one limiter entry")
	}

	// TTLはCleanupIntervalの2倍（100ms）
	time.Sleep(250 * time.Millisecond)

	if count := rl.GeneralLimiterCount(); count != 0 {
		t.Errorf("expected 0 limiter entries after cleanup, got %d", count)
	}
}

func TestRateLimiter_StopIsIdempotent(t *testing.T) {
	rl := NewRateLimiter(testRateLimiterConfig(1, 1))
	rl.Stop()
	rl.Stop()
}

// --- 設定値 ---

func TestDefaultRateLimiterConfig(t *testing.T) {
	cfg := DefaultRateLimiterConfig()

	if cfg.GeneralRate != 2.0 {
		t.Errorf("GeneralRate = %f, want 2.0", cfg.GeneralRate)
	}
	if cfg.GeneralBurst != 120 {
		t.Errorf("GeneralBurst = %d, want 120", cfg.GeneralBurst)
	}
	if cfg.IssuanceBurst != 20 {
		t.Errorf("IssuanceBurst = %d, want 20", cfg.IssuanceBurst)
	}
	if cfg.IssuanceRate == 0 {
		t.Error("IssuanceRate should not be 0")
	}
}

func TestNewRateLimiterConfig_NonPositiveFallsBack(t *testing.T) {
	cfg := NewRateLimiterConfig(0, -3)
	if cfg.GeneralBurst != 120 || cfg.IssuanceBurst != 20 {
		t.Errorf("bursts = (%d, %d), want (120, 20)", cfg.GeneralBurst, cfg.IssuanceBurst)
	}

	cfg = NewRateLimiterConfig(60, 6)
	if cfg.GeneralRate != 1.0 {
		t.Errorf("GeneralRate = %f, want 1.0", cfg.GeneralRate)
	}
	if cfg.IssuanceBurst != 6 {
		t.Errorf("IssuanceBurst = %d, want 6", cfg.IssuanceBurst)
	}
}
